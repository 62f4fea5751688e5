package orchestrator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tributary-ai/llm-orchestrator/internal/analyzer"
	"github.com/tributary-ai/llm-orchestrator/internal/provider"
	"github.com/tributary-ai/llm-orchestrator/internal/registry"
	"github.com/tributary-ai/llm-orchestrator/internal/selector"
	"github.com/tributary-ai/llm-orchestrator/internal/types"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

func testCatalog() []types.ModelDescriptor {
	return []types.ModelDescriptor{
		{ID: "model-a", Provider: "openai", ContextLength: 128000, MaxOutputTokens: 4096,
			PromptCostPer1M: 5, CompletionCostPer1M: 15, Modalities: []string{"text"}},
		{ID: "model-b", Provider: "openai", ContextLength: 64000, MaxOutputTokens: 4096,
			PromptCostPer1M: 3, CompletionCostPer1M: 9, Modalities: []string{"text"}},
		{ID: "model-c", Provider: "anthropic", ContextLength: 32000, MaxOutputTokens: 4096,
			PromptCostPer1M: 1, CompletionCostPer1M: 3, Modalities: []string{"text"}},
	}
}

// mockProvider scripts completions per model id and counts invocations.
type mockProvider struct {
	mu        sync.Mutex
	responses map[string]string
	errs      map[string]error
	calls     []string
}

func newMockProvider() *mockProvider {
	return &mockProvider{
		responses: make(map[string]string),
		errs:      make(map[string]error),
	}
}

func (m *mockProvider) Name() string { return "mock" }

func (m *mockProvider) Complete(ctx context.Context, req *provider.Request) (*provider.Completion, error) {
	m.mu.Lock()
	m.calls = append(m.calls, req.ModelID)
	m.mu.Unlock()

	if err := m.errs[req.ModelID]; err != nil {
		return nil, err
	}
	text, ok := m.responses[req.ModelID]
	if !ok {
		text = "default response"
	}
	return &provider.Completion{
		Text:             text,
		ModelID:          req.ModelID,
		PromptTokens:     10,
		CompletionTokens: 20,
		Cost:             0.001,
		Latency:          time.Millisecond,
	}, nil
}

func (m *mockProvider) HealthCheck(ctx context.Context) error { return nil }

func (m *mockProvider) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

type fakeDiscovery struct{ models []types.ModelDescriptor }

func (f fakeDiscovery) DiscoverModels(ctx context.Context) ([]types.ModelDescriptor, error) {
	return f.models, nil
}

// stubValidator returns a fixed score.
type stubValidator struct{ score float64 }

func (v stubValidator) Score(ctx context.Context, prompt, output string) (float64, error) {
	return v.score, nil
}

// captureRecorder collects recorded decisions.
type captureRecorder struct {
	mu        sync.Mutex
	decisions []*types.RoutingDecision
}

func (r *captureRecorder) Record(d *types.RoutingDecision) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.decisions = append(r.decisions, d)
}

func (r *captureRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.decisions)
}

func newTestOrchestrator(t *testing.T, prov provider.ModelProvider, validator Validator,
	recorder Recorder, cfg Config) *Orchestrator {
	t.Helper()
	logger := testLogger()
	reg := registry.New(fakeDiscovery{models: testCatalog()},
		registry.Config{Builtin: testCatalog()}, logger)
	sel := selector.New(selector.DefaultWeights(), logger)
	an := analyzer.New(analyzer.Config{LengthWeight: 3, SignalWeight: 5, HistoryWeight: 2}, logger)
	return New(reg, sel, an, prov, nil, validator, recorder, cfg, logger)
}

func TestExecuteSimpleRequestSucceeds(t *testing.T) {
	prov := newMockProvider()
	prov.responses["model-c"] = "hello there"
	rec := &captureRecorder{}

	o := newTestOrchestrator(t, prov, stubValidator{score: 9}, rec, DefaultConfig())
	result, err := o.Execute(context.Background(), &Request{
		CallerID: "tester",
		Prompt:   "say hello",
	})

	require.NoError(t, err)
	assert.Equal(t, "hello there", result.Output)
	assert.True(t, result.Decision.Successful)
	assert.Equal(t, 0, result.Decision.RetryCount)
	// model-c is cheapest and wins under neutral weights.
	assert.Equal(t, "model-c", result.Decision.ExecutedModel)
	assert.Equal(t, 1, rec.count(), "exactly one decision per request")
}

func TestExecuteRetriesExhaustedKeepsLastOutput(t *testing.T) {
	prov := newMockProvider()
	prov.responses["model-a"] = "weak answer a"
	prov.responses["model-b"] = "weak answer b"
	prov.responses["model-c"] = "weak answer c"
	rec := &captureRecorder{}

	cfg := DefaultConfig()
	cfg.MaxRetries = 2
	cfg.Validation = types.ValidationConfig{Enabled: true, MinScore: 8}

	o := newTestOrchestrator(t, prov, stubValidator{score: 2}, rec, cfg)
	result, err := o.Execute(context.Background(), &Request{
		CallerID: "tester",
		Prompt:   "hard question",
	})

	require.NoError(t, err, "a produced output is returned even when validation never passed")
	assert.Equal(t, 2, result.Decision.RetryCount)
	assert.False(t, result.Decision.Successful)
	assert.NotEmpty(t, result.Output)
	assert.Equal(t, 3, prov.callCount(), "initial attempt plus two retries")
	assert.Equal(t, 1, rec.count(), "exhaustion still records exactly one decision")
}

func TestExecuteRetryUsesAlternativeModel(t *testing.T) {
	prov := newMockProvider()
	prov.errs["model-c"] = types.NewTransientError("provider overloaded", nil)
	prov.responses["model-a"] = "recovered"
	prov.responses["model-b"] = "recovered"
	rec := &captureRecorder{}

	cfg := DefaultConfig()
	o := newTestOrchestrator(t, prov, stubValidator{score: 9}, rec, cfg)
	result, err := o.Execute(context.Background(), &Request{
		CallerID: "tester",
		Prompt:   "please answer",
	})

	require.NoError(t, err)
	assert.Equal(t, "recovered", result.Output)
	assert.Equal(t, 1, result.Decision.RetryCount)
	assert.True(t, result.Decision.Successful)
	assert.NotEqual(t, "model-c", result.Decision.ExecutedModel)
}

func TestExecuteFixedModelNotInCatalogIsConfigError(t *testing.T) {
	prov := newMockProvider()
	rec := &captureRecorder{}

	o := newTestOrchestrator(t, prov, stubValidator{score: 9}, rec, DefaultConfig())
	_, err := o.Execute(context.Background(), &Request{
		CallerID:   "tester",
		Prompt:     "anything",
		FixedModel: "no-such-model",
	})

	require.Error(t, err)
	assert.Equal(t, types.ErrConfig, types.CategoryOf(err))
	assert.Equal(t, 0, prov.callCount(), "config errors consume no attempts")
	assert.Equal(t, 1, rec.count())
}

func TestExecuteRetryCountNeverExceedsMaxRetries(t *testing.T) {
	prov := newMockProvider()
	prov.errs["model-a"] = types.NewTransientError("down", nil)
	prov.errs["model-b"] = types.NewTransientError("down", nil)
	prov.errs["model-c"] = types.NewTransientError("down", nil)
	rec := &captureRecorder{}

	for _, maxRetries := range []int{0, 1, 2} {
		cfg := DefaultConfig()
		cfg.MaxRetries = maxRetries

		o := newTestOrchestrator(t, prov, stubValidator{score: 9}, rec, cfg)
		_, err := o.Execute(context.Background(), &Request{
			CallerID: "tester",
			Prompt:   "anything",
		})
		require.Error(t, err)

		last := rec.decisions[len(rec.decisions)-1]
		assert.LessOrEqual(t, last.RetryCount, maxRetries)
		assert.False(t, last.Successful)
	}
}

func TestExecuteComplexPromptUsesChain(t *testing.T) {
	prov := newMockProvider()
	rec := &captureRecorder{}

	cfg := DefaultConfig()
	cfg.MinComplexityForChain = 0 // force chain regardless of analysis

	o := newTestOrchestrator(t, prov, stubValidator{score: 9}, rec, cfg)
	result, err := o.Execute(context.Background(), &Request{
		CallerID: "tester",
		Prompt:   "design a distributed system architecture",
	})

	require.NoError(t, err)
	assert.Equal(t, types.StrategyChain, result.Decision.Plan.Strategy)
	require.Len(t, result.Decision.Plan.Steps, 3)
	assert.Equal(t, "outline", result.Decision.Plan.Steps[0].Role)
	assert.Equal(t, "draft", result.Decision.Plan.Steps[1].Role)
	assert.Equal(t, "review", result.Decision.Plan.Steps[2].Role)
	assert.Equal(t, 3, prov.callCount(), "one provider call per chain step")
}

func TestExecuteAggregatesCostAcrossChainSteps(t *testing.T) {
	prov := newMockProvider()
	rec := &captureRecorder{}

	cfg := DefaultConfig()
	cfg.MinComplexityForChain = 0

	o := newTestOrchestrator(t, prov, stubValidator{score: 9}, rec, cfg)
	result, err := o.Execute(context.Background(), &Request{
		CallerID: "tester",
		Prompt:   "anything",
	})

	require.NoError(t, err)
	assert.InDelta(t, 0.003, result.Decision.TotalCost, 1e-9)
	assert.Equal(t, 30, result.Decision.PromptTokens)
	assert.Equal(t, 60, result.Decision.CompletionTokens)
}
