package types

import (
	"time"
)

// Strategy is the execution shape chosen for a request.
type Strategy string

const (
	StrategySingle Strategy = "single"
	StrategyChain  Strategy = "chain"
)

// PlanStep is one model invocation inside a routing plan. Role names the
// step's purpose in a chain ("outline", "draft", "review"); a single-strategy
// plan has exactly one step with role "execute".
type PlanStep struct {
	Role    string `json:"role"`
	ModelID string `json:"model_id"`
}

// RoutingPlan is the chosen execution strategy for one request.
type RoutingPlan struct {
	Strategy Strategy   `json:"strategy"`
	Steps    []PlanStep `json:"steps"`
}

// Primary returns the model id of the step that produces the final output.
func (p RoutingPlan) Primary() string {
	if len(p.Steps) == 0 {
		return ""
	}
	return p.Steps[len(p.Steps)-1].ModelID
}

// ModelIDs returns the distinct model ids used by the plan, in step order.
func (p RoutingPlan) ModelIDs() []string {
	seen := make(map[string]bool, len(p.Steps))
	var ids []string
	for _, step := range p.Steps {
		if !seen[step.ModelID] {
			seen[step.ModelID] = true
			ids = append(ids, step.ModelID)
		}
	}
	return ids
}

// Analysis is the complexity analyzer's verdict on a prompt.
type Analysis struct {
	Score     float64 `json:"score"` // 0-10
	Category  string  `json:"category"`
	Rationale string  `json:"rationale"`
}

// RoutingDecision is the persisted record of one top-level request: the final
// attempt plus aggregate counters. Exactly one is produced per request and it
// is immutable after completion; analytics only.
type RoutingDecision struct {
	ID               string        `json:"id"`
	CallerID         string        `json:"caller_id,omitempty"`
	PromptExcerpt    string        `json:"prompt_excerpt"`
	Analysis         Analysis      `json:"analysis"`
	Plan             RoutingPlan   `json:"plan"`
	ExecutedModel    string        `json:"executed_model"`
	PromptTokens     int           `json:"prompt_tokens"`
	CompletionTokens int           `json:"completion_tokens"`
	TotalCost        float64       `json:"total_cost"`
	TotalLatency     time.Duration `json:"total_latency"`
	RetryCount       int           `json:"retry_count"`
	Successful       bool          `json:"successful"`
	ValidationScore  float64       `json:"validation_score"`
	CreatedAt        time.Time     `json:"created_at"`
}
