// Package selector filters and scores model descriptors against a
// requirement set.
package selector

import (
	"fmt"
	"regexp"
	"sort"

	"github.com/sirupsen/logrus"

	"github.com/tributary-ai/llm-orchestrator/internal/types"
)

// smallModelPattern matches ids that encode 1B/3B-class parameter counts,
// e.g. "llama-3.2-1b-instruct" or "qwen2.5:3b".
var smallModelPattern = regexp.MustCompile(`(?i)(^|[-_:./])(0\.5|1|1\.5|2|3)b([-_:./]|$)`)

// Weights are the tuned scoring constants. They carry no documented
// derivation in the upstream system, so they stay configuration rather than
// code.
type Weights struct {
	Quality        float64 `yaml:"quality"`          // weight on context-length proxy when quality is preferred
	Speed          float64 `yaml:"speed"`            // weight on inverse-cost proxy when speed is preferred
	ProviderBonus  float64 `yaml:"provider_bonus"`   // fixed bonus for preferred providers
	MinCostPer1M   float64 `yaml:"min_cost_per_1m"`  // minimum-quality average cost floor
}

// DefaultWeights mirrors the observed upstream constants.
func DefaultWeights() Weights {
	return Weights{
		Quality:       0.7,
		Speed:         0.7,
		ProviderBonus: 0.1,
		MinCostPer1M:  0.1,
	}
}

// Match is one scored candidate.
type Match struct {
	ModelID string  `json:"model_id"`
	Score   float64 `json:"score"`
	Reason  string  `json:"reason"`
}

// Selector scores model descriptors against requirements.
type Selector struct {
	weights Weights
	logger  *logrus.Logger
}

// New creates a selector with the given scoring weights.
func New(weights Weights, logger *logrus.Logger) *Selector {
	return &Selector{weights: weights, logger: logger}
}

// SelectBest returns the highest-scoring model for the requirements, or nil
// when nothing survives filtering. An empty result is not an error.
func (s *Selector) SelectBest(models []types.ModelDescriptor, req types.Requirements) *Match {
	ranked := s.RankAll(models, req)
	if len(ranked) == 0 {
		return nil
	}
	best := ranked[0]
	return &best
}

// RankAll returns every model surviving the hard filters and quality gates,
// sorted by non-increasing score. Input order is preserved among equal
// scores so selection is deterministic and reproducible.
func (s *Selector) RankAll(models []types.ModelDescriptor, req types.Requirements) []Match {
	filtered := s.filter(models, req)
	if len(filtered) == 0 {
		return nil
	}

	// Normalization bounds come from the filtered set, not the full catalog.
	maxCtx, minAvg, maxAvg := bounds(filtered)

	matches := make([]Match, 0, len(filtered))
	for _, m := range filtered {
		score, reason := s.score(m, req, maxCtx, minAvg, maxAvg)
		matches = append(matches, Match{ModelID: m.ID, Score: score, Reason: reason})
	}

	sort.SliceStable(matches, func(i, j int) bool {
		return matches[i].Score > matches[j].Score
	})
	return matches
}

// filter applies the hard filters and, unless speed is preferred, the
// quality gates. Filtered models are excluded, never scored.
func (s *Selector) filter(models []types.ModelDescriptor, req types.Requirements) []types.ModelDescriptor {
	var kept []types.ModelDescriptor
	for _, m := range models {
		if req.MinInputTokens > 0 && m.ContextLength < req.MinInputTokens {
			continue
		}
		if req.MinOutputTokens > 0 && m.MaxOutputTokens < req.MinOutputTokens {
			continue
		}
		if req.MaxInputCost > 0 && m.PromptCostPer1M > req.MaxInputCost {
			continue
		}
		if req.MaxOutputCost > 0 && m.CompletionCostPer1M > req.MaxOutputCost {
			continue
		}
		if contains(req.ExcludedProviders, m.Provider) {
			continue
		}
		if !m.SupportsModality(req.Modality) {
			continue
		}
		if req.Predicate != nil {
			ok, err := req.Predicate(m)
			if err != nil {
				s.logger.WithError(err).WithField("model", m.ID).Warn("Requirement predicate failed, excluding model")
				continue
			}
			if !ok {
				continue
			}
		}

		// Quality gates, skippable only when speed is explicitly preferred.
		if !req.PreferSpeed {
			if m.AvgCostPer1M() == 0 {
				continue // free tier
			}
			if smallModelPattern.MatchString(m.ID) {
				continue // 1B/3B-class parameter count in the id
			}
			if m.AvgCostPer1M() < s.weights.MinCostPer1M {
				continue // below the minimum-quality cost floor
			}
		}

		kept = append(kept, m)
	}
	return kept
}

func (s *Selector) score(m types.ModelDescriptor, req types.Requirements, maxCtx int, minAvg, maxAvg float64) (float64, string) {
	quality := 0.0
	if maxCtx > 0 {
		quality = float64(m.ContextLength) / float64(maxCtx)
	}

	costProxy := 1.0
	if maxAvg > minAvg {
		costProxy = 1 - (m.AvgCostPer1M()-minAvg)/(maxAvg-minAvg)
	}

	var wq, wc float64
	switch {
	case req.PreferQuality:
		wq, wc = s.weights.Quality, 1-s.weights.Quality
	case req.PreferSpeed:
		wq, wc = 1-s.weights.Speed, s.weights.Speed
	default:
		wq, wc = 0.5, 0.5
	}

	score := wq*quality + wc*costProxy
	reason := fmt.Sprintf("quality=%.2f cost=%.2f", quality, costProxy)

	if contains(req.PreferredProviders, m.Provider) {
		score += s.weights.ProviderBonus
		reason += fmt.Sprintf(" provider_bonus=%.2f", s.weights.ProviderBonus)
	}

	if score > 1 {
		score = 1
	}
	if score < 0 {
		score = 0
	}
	return score, reason
}

func bounds(models []types.ModelDescriptor) (maxCtx int, minAvg, maxAvg float64) {
	for i, m := range models {
		avg := m.AvgCostPer1M()
		if i == 0 || avg < minAvg {
			minAvg = avg
		}
		if avg > maxAvg {
			maxAvg = avg
		}
		if m.ContextLength > maxCtx {
			maxCtx = m.ContextLength
		}
	}
	return maxCtx, minAvg, maxAvg
}

func contains(list []string, value string) bool {
	for _, item := range list {
		if item == value {
			return true
		}
	}
	return false
}
