package provider

import (
	"context"
	"time"

	"github.com/tributary-ai/llm-orchestrator/internal/types"
)

// Request is one prompt execution against a specific model.
type Request struct {
	ModelID     string
	ProviderTag string
	System      string
	Prompt      string
	MaxTokens   int
	Temperature float32
}

// Completion is what a model provider returns for one execution.
type Completion struct {
	Text             string
	ModelID          string
	PromptTokens     int
	CompletionTokens int
	Cost             float64
	Latency          time.Duration
}

// ModelProvider executes a prompt against a specific model and returns text,
// token counts, and cost.
type ModelProvider interface {
	Name() string
	Complete(ctx context.Context, req *Request) (*Completion, error)
	HealthCheck(ctx context.Context) error
}

// DiscoveryProvider lists the model descriptors currently available.
type DiscoveryProvider interface {
	DiscoverModels(ctx context.Context) ([]types.ModelDescriptor, error)
}

// RAGProvider optionally augments a prompt with retrieved context before
// execution.
type RAGProvider interface {
	Augment(ctx context.Context, prompt string, metadata map[string]string) (string, error)
}
