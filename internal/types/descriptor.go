package types

import (
	"time"
)

// ModelDescriptor is an immutable snapshot of one catalog entry. Descriptors
// are never mutated in place; the registry replaces the whole catalog on
// refresh.
type ModelDescriptor struct {
	ID                  string   `json:"id" yaml:"id"`
	Provider            string   `json:"provider" yaml:"provider"`
	ContextLength       int      `json:"context_length" yaml:"context_length"`
	MaxOutputTokens     int      `json:"max_output_tokens" yaml:"max_output_tokens"`
	PromptCostPer1M     float64  `json:"prompt_cost_per_1m" yaml:"prompt_cost_per_1m"`
	CompletionCostPer1M float64  `json:"completion_cost_per_1m" yaml:"completion_cost_per_1m"`
	Modalities          []string `json:"modalities,omitempty" yaml:"modalities,omitempty"`
}

// AvgCostPer1M returns the mean of prompt and completion cost, the proxy the
// selector uses for cheap/expensive comparisons.
func (d ModelDescriptor) AvgCostPer1M() float64 {
	return (d.PromptCostPer1M + d.CompletionCostPer1M) / 2
}

// SupportsModality reports whether the descriptor advertises the given
// modality. An empty modality list means text-only.
func (d ModelDescriptor) SupportsModality(modality string) bool {
	if modality == "" || modality == "text" {
		return true
	}
	for _, m := range d.Modalities {
		if m == modality {
			return true
		}
	}
	return false
}

// Catalog is the registry's point-in-time view of available models. A catalog
// is built once and then only read, so lock-free snapshot swaps are safe.
type Catalog struct {
	Models      []ModelDescriptor `json:"models"`
	RefreshedAt time.Time         `json:"refreshed_at"`
	Source      string            `json:"source"` // "discovery", "cached", "builtin"
}

// Get returns the descriptor for a model id.
func (c *Catalog) Get(id string) (ModelDescriptor, bool) {
	for _, m := range c.Models {
		if m.ID == id {
			return m, true
		}
	}
	return ModelDescriptor{}, false
}

// Predicate is a caller-supplied filter over descriptors. A returned error is
// treated by the selector as "fails filter" and is never propagated.
type Predicate func(ModelDescriptor) (bool, error)

// Requirements describes what a request needs from a model. Pure value
// object; the zero value places no constraints beyond the quality gates.
type Requirements struct {
	MinInputTokens     int       `json:"min_input_tokens,omitempty"`
	MinOutputTokens    int       `json:"min_output_tokens,omitempty"`
	MaxInputCost       float64   `json:"max_input_cost,omitempty"`  // per 1M tokens, 0 = unlimited
	MaxOutputCost      float64   `json:"max_output_cost,omitempty"` // per 1M tokens, 0 = unlimited
	PreferredProviders []string  `json:"preferred_providers,omitempty"`
	ExcludedProviders  []string  `json:"excluded_providers,omitempty"`
	Modality           string    `json:"modality,omitempty"`
	PreferQuality      bool      `json:"prefer_quality,omitempty"`
	PreferSpeed        bool      `json:"prefer_speed,omitempty"`
	Predicate          Predicate `json:"-"`
}
