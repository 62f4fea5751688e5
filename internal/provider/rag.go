package provider

import (
	"context"
	"fmt"
	"strings"
)

// NoopRAG satisfies RAGProvider without augmenting anything. Used when no
// retrieval backend is configured.
type NoopRAG struct{}

func (NoopRAG) Augment(ctx context.Context, prompt string, metadata map[string]string) (string, error) {
	return prompt, nil
}

// StaticRAG augments prompts with context snippets keyed by metadata. It
// stands in for a real retrieval backend in tests and demo mode.
type StaticRAG struct {
	Snippets map[string]string // metadata key -> snippet
}

func (r *StaticRAG) Augment(ctx context.Context, prompt string, metadata map[string]string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	var parts []string
	for key, snippet := range r.Snippets {
		if _, ok := metadata[key]; ok {
			parts = append(parts, snippet)
		}
	}
	if len(parts) == 0 {
		return prompt, nil
	}
	return fmt.Sprintf("Context:\n%s\n\n%s", strings.Join(parts, "\n"), prompt), nil
}
