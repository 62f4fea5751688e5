package orchestrator

import (
	"context"
	"strings"
)

// HeuristicValidator scores responses without a model round-trip. It is
// deterministic: empty output scores 0, substantial output that engages with
// the prompt's vocabulary approaches 10.
type HeuristicValidator struct{}

func (HeuristicValidator) Score(ctx context.Context, prompt, output string) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	trimmed := strings.TrimSpace(output)
	if trimmed == "" {
		return 0, nil
	}

	score := 4.0

	// Substance: reward non-trivial length, saturating at 60 words.
	words := len(strings.Fields(trimmed))
	if words >= 60 {
		score += 3
	} else {
		score += float64(words) / 20
	}

	// Relevance: fraction of significant prompt terms echoed in the output.
	outLower := strings.ToLower(trimmed)
	var terms, hits int
	for _, w := range strings.Fields(strings.ToLower(prompt)) {
		if len(w) < 5 {
			continue
		}
		terms++
		if strings.Contains(outLower, w) {
			hits++
		}
	}
	if terms > 0 {
		score += 3 * float64(hits) / float64(terms)
	} else {
		score += 1.5
	}

	if score > 10 {
		score = 10
	}
	return score, nil
}
