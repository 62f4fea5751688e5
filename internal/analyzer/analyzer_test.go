package analyzer

import (
	"context"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestAnalyzer() *Analyzer {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return New(DefaultConfig(), logger)
}

func TestAnalyzeScoreStaysInBounds(t *testing.T) {
	a := newTestAnalyzer()
	ctx := context.Background()

	prompts := []string{
		"",
		"hi",
		strings.Repeat("analyze compare design implement prove derive ", 500),
	}
	for _, prompt := range prompts {
		analysis, err := a.Analyze(ctx, prompt, nil)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, analysis.Score, 0.0)
		assert.LessOrEqual(t, analysis.Score, 10.0)
	}
}

func TestAnalyzeCategories(t *testing.T) {
	a := newTestAnalyzer()
	ctx := context.Background()

	tests := []struct {
		name    string
		prompt  string
		history []string
		want    string
	}{
		{"trivial prompt", "what time is it", nil, "simple"},
		{
			"several complexity markers",
			"analyze the architecture and compare trade-off options step by step",
			nil,
			"moderate",
		},
		{
			"saturated markers plus long history",
			"analyze the architecture and compare trade-off options step by step",
			make([]string, 20),
			"complex",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			analysis, err := a.Analyze(ctx, tt.prompt, tt.history)
			require.NoError(t, err)
			assert.Equal(t, tt.want, analysis.Category, "score was %.2f", analysis.Score)
		})
	}
}

func TestAnalyzeHistoryRaisesScore(t *testing.T) {
	a := newTestAnalyzer()
	ctx := context.Background()
	prompt := "explain why this approach works"

	bare, err := a.Analyze(ctx, prompt, nil)
	require.NoError(t, err)
	withHistory, err := a.Analyze(ctx, prompt, make([]string, 10))
	require.NoError(t, err)

	assert.Greater(t, withHistory.Score, bare.Score)
}

func TestAnalyzeIsDeterministic(t *testing.T) {
	a := newTestAnalyzer()
	ctx := context.Background()
	prompt := "design a comprehensive migration plan"

	first, err := a.Analyze(ctx, prompt, nil)
	require.NoError(t, err)
	second, err := a.Analyze(ctx, prompt, nil)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestAnalyzeRespectsCancellation(t *testing.T) {
	a := newTestAnalyzer()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := a.Analyze(ctx, "anything", nil)
	assert.ErrorIs(t, err, context.Canceled)
}
