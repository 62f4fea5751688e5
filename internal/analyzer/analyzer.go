// Package analyzer scores prompt difficulty to decide between single-model
// and chained execution.
package analyzer

import (
	"context"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/tributary-ai/llm-orchestrator/internal/types"
)

// Config holds the scoring heuristic's tunables. The exact heuristic is
// configuration; only the 0-10 bound and threshold comparability are
// contractual.
type Config struct {
	LengthWeight  float64 `yaml:"length_weight"`
	SignalWeight  float64 `yaml:"signal_weight"`
	HistoryWeight float64 `yaml:"history_weight"`
}

// DefaultConfig returns the tuned defaults.
func DefaultConfig() Config {
	return Config{
		LengthWeight:  3.0,
		SignalWeight:  5.0,
		HistoryWeight: 2.0,
	}
}

// complexitySignals are prompt markers that correlate with multi-step work.
var complexitySignals = []string{
	"analyze", "compare", "design", "implement", "prove", "derive",
	"step by step", "refactor", "optimize", "architecture", "trade-off",
	"summarize and", "explain why", "multiple", "comprehensive",
}

// Analyzer is a deterministic prompt-difficulty scorer.
type Analyzer struct {
	config Config
	logger *logrus.Logger
}

// New creates an analyzer.
func New(config Config, logger *logrus.Logger) *Analyzer {
	return &Analyzer{config: config, logger: logger}
}

// Analyze scores the prompt in [0,10]. The score is deterministic and cheap;
// the context check keeps the contract that analysis respects cancellation.
func (a *Analyzer) Analyze(ctx context.Context, prompt string, history []string) (types.Analysis, error) {
	if err := ctx.Err(); err != nil {
		return types.Analysis{}, err
	}

	lower := strings.ToLower(prompt)

	// Length component: saturates at ~2000 words.
	words := len(strings.Fields(prompt))
	lengthScore := float64(words) / 2000
	if lengthScore > 1 {
		lengthScore = 1
	}

	// Signal component: distinct complexity markers present.
	hits := 0
	for _, signal := range complexitySignals {
		if strings.Contains(lower, signal) {
			hits++
		}
	}
	signalScore := float64(hits) / 4
	if signalScore > 1 {
		signalScore = 1
	}

	// History component: long multi-turn context raises difficulty.
	historyScore := float64(len(history)) / 20
	if historyScore > 1 {
		historyScore = 1
	}

	score := lengthScore*a.config.LengthWeight +
		signalScore*a.config.SignalWeight +
		historyScore*a.config.HistoryWeight
	if score > 10 {
		score = 10
	}

	category := "simple"
	switch {
	case score >= 7:
		category = "complex"
	case score >= 3:
		category = "moderate"
	}

	analysis := types.Analysis{
		Score:    score,
		Category: category,
		Rationale: fmt.Sprintf("words=%d signals=%d history=%d",
			words, hits, len(history)),
	}

	a.logger.WithFields(logrus.Fields{
		"score":    analysis.Score,
		"category": analysis.Category,
	}).Debug("Prompt analyzed")

	return analysis, nil
}
