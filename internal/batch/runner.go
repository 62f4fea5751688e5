package batch

import (
	"context"

	"github.com/tributary-ai/llm-orchestrator/internal/orchestrator"
	"github.com/tributary-ai/llm-orchestrator/internal/types"
)

// OrchestratorRunner executes phases through cached per-caller orchestrator
// instances.
type OrchestratorRunner struct {
	cache   *orchestrator.Cache
	factory func(callerID string) (*orchestrator.Orchestrator, error)
}

// NewOrchestratorRunner creates the production phase runner. factory builds
// an orchestrator for a caller on cache miss.
func NewOrchestratorRunner(cache *orchestrator.Cache, factory func(callerID string) (*orchestrator.Orchestrator, error)) *OrchestratorRunner {
	return &OrchestratorRunner{cache: cache, factory: factory}
}

func (r *OrchestratorRunner) RunPhase(ctx context.Context, job *types.BatchJob, phase types.Phase, item *types.BatchItem) (types.PhaseResult, error) {
	orch, err := r.cache.GetOrCreate(job.CallerID, func() (*orchestrator.Orchestrator, error) {
		return r.factory(job.CallerID)
	})
	if err != nil {
		return types.PhaseResult{}, err
	}

	prompt := item.Input
	if prev := lastOutput(item.Results); prev != "" {
		// Later phases operate on the previous phase's output, with the
		// original input retained for reference.
		prompt = prev + "\n\n---\nOriginal input:\n" + item.Input
	}

	res, err := orch.Execute(ctx, &orchestrator.Request{
		CallerID:   job.CallerID,
		Prompt:     prompt,
		TaskType:   phase.TaskType,
		FixedModel: phase.Model,
		UseRAG:     phase.UseRAG,
		Metadata:   item.Metadata,
		Validation: phase.Validation,
	})
	if err != nil {
		return types.PhaseResult{}, err
	}

	return types.PhaseResult{
		Phase:            phase.Name,
		ModelID:          res.Decision.ExecutedModel,
		Output:           res.Output,
		Cost:             res.Decision.TotalCost,
		PromptTokens:     res.Decision.PromptTokens,
		CompletionTokens: res.Decision.CompletionTokens,
		Success:          res.Decision.Successful,
	}, nil
}

func lastOutput(results []types.PhaseResult) string {
	for i := len(results) - 1; i >= 0; i-- {
		if results[i].Success && results[i].Output != "" {
			return results[i].Output
		}
	}
	return ""
}
