// Package orchestrator drives one request through analysis, routing,
// execution, validation, and retry.
package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/tributary-ai/llm-orchestrator/internal/analyzer"
	"github.com/tributary-ai/llm-orchestrator/internal/provider"
	"github.com/tributary-ai/llm-orchestrator/internal/registry"
	"github.com/tributary-ai/llm-orchestrator/internal/selector"
	"github.com/tributary-ai/llm-orchestrator/internal/types"
)

// Validator scores a generated response from 0 to 10.
type Validator interface {
	Score(ctx context.Context, prompt, output string) (float64, error)
}

// Recorder persists routing decisions for analytics. Implementations must
// not block the request path.
type Recorder interface {
	Record(decision *types.RoutingDecision)
}

// Config holds orchestrator tunables.
type Config struct {
	MaxRetries            int                    `yaml:"max_retries"`
	MinComplexityForChain float64                `yaml:"min_complexity_for_chain"`
	RequestTimeout        time.Duration          `yaml:"request_timeout"`
	DefaultMaxTokens      int                    `yaml:"default_max_tokens"`
	Validation            types.ValidationConfig `yaml:"validation"`
}

// DefaultConfig returns the tuned defaults.
func DefaultConfig() Config {
	return Config{
		MaxRetries:            2,
		MinComplexityForChain: 7.0,
		RequestTimeout:        120 * time.Second,
		DefaultMaxTokens:      2048,
		Validation:            types.ValidationConfig{Enabled: false, MinScore: 6.0},
	}
}

// Request is one top-level orchestration request.
type Request struct {
	CallerID     string
	Prompt       string
	History      []string
	TaskType     string
	FixedModel   string
	UseRAG       bool
	Metadata     map[string]string
	MaxTokens    int
	Requirements types.Requirements
	Validation   *types.ValidationConfig
}

// Result carries the final output plus the decision record. When the retry
// budget is exhausted the last produced output is still returned with
// Decision.Successful=false; a usable response is never discarded just
// because validation scored it low.
type Result struct {
	Output   string
	Decision *types.RoutingDecision
}

// Orchestrator executes the per-request state machine:
// ANALYZE -> ROUTE -> EXECUTE -> VALIDATE -> {RETRY -> EXECUTE}* -> DONE|EXHAUSTED.
type Orchestrator struct {
	registry  *registry.Registry
	selector  *selector.Selector
	analyzer  *analyzer.Analyzer
	provider  provider.ModelProvider
	rag       provider.RAGProvider
	validator Validator
	recorder  Recorder
	cfg       Config
	logger    *logrus.Logger
}

// New creates an orchestrator. rag and recorder may be nil.
func New(reg *registry.Registry, sel *selector.Selector, an *analyzer.Analyzer,
	prov provider.ModelProvider, rag provider.RAGProvider, validator Validator,
	recorder Recorder, cfg Config, logger *logrus.Logger) *Orchestrator {
	if validator == nil {
		validator = HeuristicValidator{}
	}
	return &Orchestrator{
		registry:  reg,
		selector:  sel,
		analyzer:  an,
		provider:  prov,
		rag:       rag,
		validator: validator,
		recorder:  recorder,
		cfg:       cfg,
		logger:    logger,
	}
}

// Execute runs one request to DONE or EXHAUSTED. Exactly one RoutingDecision
// is recorded per call, reflecting the final attempt plus aggregate counters.
func (o *Orchestrator) Execute(ctx context.Context, req *Request) (*Result, error) {
	decision := &types.RoutingDecision{
		ID:            uuid.NewString(),
		CallerID:      req.CallerID,
		PromptExcerpt: excerpt(req.Prompt, 200),
		CreatedAt:     time.Now(),
	}

	// ANALYZE
	analysis, err := o.analyzer.Analyze(ctx, req.Prompt, req.History)
	if err != nil {
		o.record(decision)
		return nil, types.NewTransientError("analysis cancelled", err)
	}
	decision.Analysis = analysis

	// ROUTE
	plan, ranked, err := o.buildPlan(analysis, req)
	if err != nil {
		// Configuration errors are terminal immediately; no retries consumed.
		o.record(decision)
		return nil, err
	}
	decision.Plan = plan

	prompt := req.Prompt
	if req.UseRAG && o.rag != nil {
		augmented, ragErr := o.rag.Augment(ctx, prompt, req.Metadata)
		if ragErr != nil {
			o.logger.WithError(ragErr).Warn("RAG augmentation failed, using original prompt")
		} else {
			prompt = augmented
		}
	}

	vcfg := o.cfg.Validation
	if req.Validation != nil {
		vcfg = *req.Validation
	}

	tried := make(map[string]bool)
	var lastOutput string
	var lastErr error

	// EXECUTE / VALIDATE / RETRY
	for attempt := 0; ; attempt++ {
		for _, id := range plan.ModelIDs() {
			tried[id] = true
		}
		decision.Plan = plan
		decision.ExecutedModel = plan.Primary()

		output, execErr := o.runPlan(ctx, plan, prompt, req, decision)
		if execErr == nil {
			lastOutput = output
			score, pass := o.validate(ctx, vcfg, prompt, output)
			decision.ValidationScore = score
			if pass {
				decision.Successful = true
				o.record(decision)
				o.logger.WithFields(logrus.Fields{
					"model":   decision.ExecutedModel,
					"retries": decision.RetryCount,
					"cost":    decision.TotalCost,
				}).Info("Request completed")
				return &Result{Output: output, Decision: decision}, nil
			}
			lastErr = types.NewValidationError(
				fmt.Sprintf("output scored %.1f below minimum %.1f", score, vcfg.MinScore))
		} else {
			if types.CategoryOf(execErr) == types.ErrConfig {
				o.record(decision)
				return nil, execErr
			}
			lastErr = execErr
		}

		if ctx.Err() != nil || attempt >= o.cfg.MaxRetries {
			break
		}

		next := o.nextAlternative(ranked, tried)
		if next == nil {
			break
		}
		decision.RetryCount++
		plan = types.RoutingPlan{
			Strategy: types.StrategySingle,
			Steps:    []types.PlanStep{{Role: "execute", ModelID: next.ModelID}},
		}
		o.logger.WithFields(logrus.Fields{
			"retry": decision.RetryCount,
			"model": next.ModelID,
		}).Info("Retrying with alternative model")
	}

	// EXHAUSTED
	decision.Successful = false
	o.record(decision)
	o.logger.WithFields(logrus.Fields{
		"retries": decision.RetryCount,
		"error":   fmt.Sprintf("%v", lastErr),
	}).Warn("Request exhausted retry budget")

	if lastOutput != "" {
		return &Result{Output: lastOutput, Decision: decision}, nil
	}
	return nil, lastErr
}

// buildPlan selects the routing strategy. A fixed model bypasses selection;
// otherwise complexity against the chain threshold decides single vs chain.
func (o *Orchestrator) buildPlan(analysis types.Analysis, req *Request) (types.RoutingPlan, []selector.Match, error) {
	catalog := o.registry.Catalog()

	if req.FixedModel != "" {
		if _, ok := catalog.Get(req.FixedModel); !ok {
			return types.RoutingPlan{}, nil,
				types.NewConfigError("fixed model %s not in catalog", req.FixedModel)
		}
		return types.RoutingPlan{
			Strategy: types.StrategySingle,
			Steps:    []types.PlanStep{{Role: "execute", ModelID: req.FixedModel}},
		}, o.selector.RankAll(catalog.Models, req.Requirements), nil
	}

	ranked := o.selector.RankAll(catalog.Models, req.Requirements)
	if len(ranked) == 0 {
		return types.RoutingPlan{}, nil,
			types.NewConfigError("no available model matches requirements")
	}

	if analysis.Score < o.cfg.MinComplexityForChain {
		return types.RoutingPlan{
			Strategy: types.StrategySingle,
			Steps:    []types.PlanStep{{Role: "execute", ModelID: ranked[0].ModelID}},
		}, ranked, nil
	}

	// Chain: a helper model outlines and reviews around the specialist.
	specialist := ranked[0].ModelID
	helper := specialist
	if len(ranked) > 1 {
		helper = ranked[1].ModelID
	}
	return types.RoutingPlan{
		Strategy: types.StrategyChain,
		Steps: []types.PlanStep{
			{Role: "outline", ModelID: helper},
			{Role: "draft", ModelID: specialist},
			{Role: "review", ModelID: helper},
		},
	}, ranked, nil
}

// runPlan executes all sub-steps of the plan sequentially, accumulating
// cost, latency, and token counters onto the decision.
func (o *Orchestrator) runPlan(ctx context.Context, plan types.RoutingPlan, prompt string,
	req *Request, decision *types.RoutingDecision) (string, error) {

	var outline, current string
	for _, step := range plan.Steps {
		stepPrompt := prompt
		switch step.Role {
		case "outline":
			stepPrompt = "Break the following task into a short numbered plan.\n\n" + prompt
		case "draft":
			if outline != "" {
				stepPrompt = prompt + "\n\nFollow this plan:\n" + outline
			}
		case "review":
			stepPrompt = fmt.Sprintf(
				"Improve the following response. Fix errors, keep the intent.\n\nTask:\n%s\n\nResponse:\n%s",
				prompt, current)
		}

		desc, _ := o.registry.Get(step.ModelID)
		maxTokens := req.MaxTokens
		if maxTokens == 0 {
			maxTokens = o.cfg.DefaultMaxTokens
		}

		stepCtx := ctx
		cancel := context.CancelFunc(func() {})
		if o.cfg.RequestTimeout > 0 {
			stepCtx, cancel = context.WithTimeout(ctx, o.cfg.RequestTimeout)
		}

		comp, err := o.provider.Complete(stepCtx, &provider.Request{
			ModelID:     step.ModelID,
			ProviderTag: desc.Provider,
			Prompt:      stepPrompt,
			MaxTokens:   maxTokens,
		})
		cancel()
		if err != nil {
			return "", types.NewTransientError("model execution failed", err)
		}

		decision.TotalCost += comp.Cost
		decision.TotalLatency += comp.Latency
		decision.PromptTokens += comp.PromptTokens
		decision.CompletionTokens += comp.CompletionTokens

		current = comp.Text
		if step.Role == "outline" {
			outline = comp.Text
		}
	}
	return current, nil
}

func (o *Orchestrator) validate(ctx context.Context, vcfg types.ValidationConfig, prompt, output string) (float64, bool) {
	if !vcfg.Enabled {
		return 0, true
	}
	score, err := o.validator.Score(ctx, prompt, output)
	if err != nil {
		o.logger.WithError(err).Warn("Validator failed, treating as zero score")
		return 0, false
	}
	return score, score >= vcfg.MinScore
}

func (o *Orchestrator) nextAlternative(ranked []selector.Match, tried map[string]bool) *selector.Match {
	for i := range ranked {
		if !tried[ranked[i].ModelID] {
			return &ranked[i]
		}
	}
	return nil
}

func (o *Orchestrator) record(decision *types.RoutingDecision) {
	if o.recorder != nil {
		o.recorder.Record(decision)
	}
}

func excerpt(s string, max int) string {
	s = strings.TrimSpace(s)
	if len(s) <= max {
		return s
	}
	return s[:max]
}
