package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tributary-ai/llm-orchestrator/internal/analyzer"
	"github.com/tributary-ai/llm-orchestrator/internal/batch"
	"github.com/tributary-ai/llm-orchestrator/internal/checkpoint"
	"github.com/tributary-ai/llm-orchestrator/internal/metrics"
	"github.com/tributary-ai/llm-orchestrator/internal/orchestrator"
	"github.com/tributary-ai/llm-orchestrator/internal/provider"
	"github.com/tributary-ai/llm-orchestrator/internal/registry"
	"github.com/tributary-ai/llm-orchestrator/internal/selector"
	"github.com/tributary-ai/llm-orchestrator/internal/store"
	"github.com/tributary-ai/llm-orchestrator/internal/types"
)

const stubCompletionCost = 0.5

type stubProvider struct{}

func (stubProvider) Name() string { return "openai" }

func (stubProvider) Complete(ctx context.Context, req *provider.Request) (*provider.Completion, error) {
	return &provider.Completion{
		Text:             "a helpful answer",
		ModelID:          req.ModelID,
		PromptTokens:     10,
		CompletionTokens: 20,
		Cost:             stubCompletionCost,
	}, nil
}

func (stubProvider) HealthCheck(ctx context.Context) error { return nil }

// echoRunner completes every batch phase with the item's input.
type echoRunner struct{}

func (echoRunner) RunPhase(ctx context.Context, job *types.BatchJob, phase types.Phase, item *types.BatchItem) (types.PhaseResult, error) {
	return types.PhaseResult{
		Phase:   phase.Name,
		Output:  item.Input,
		Cost:    0.1,
		Success: true,
	}, nil
}

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

func newTestServer(t *testing.T) (*Server, *metrics.Metrics) {
	t.Helper()
	logger := testLogger()

	pmux := provider.NewMux(logger)
	pmux.Register("openai", stubProvider{})

	reg := registry.New(pmux, registry.Config{Builtin: []types.ModelDescriptor{{
		ID:                  "gpt-4o",
		Provider:            "openai",
		ContextLength:       128000,
		MaxOutputTokens:     4096,
		PromptCostPer1M:     5.0,
		CompletionCostPer1M: 15.0,
	}}}, logger)
	sel := selector.New(selector.DefaultWeights(), logger)
	an := analyzer.New(analyzer.DefaultConfig(), logger)
	m := metrics.New()

	cache := orchestrator.NewCache(orchestrator.DefaultCacheConfig(), logger)
	t.Cleanup(cache.Stop)
	factory := func(callerID string) (*orchestrator.Orchestrator, error) {
		return orchestrator.New(reg, sel, an, pmux, nil, nil, nil,
			orchestrator.DefaultConfig(), logger), nil
	}

	st := store.NewMemoryStore()
	cps := checkpoint.NewService(st, logger)
	b := batch.NewService(st, cps, echoRunner{}, m, batch.DefaultConfig(), logger)

	srv, err := New(Deps{
		Registry:    reg,
		Selector:    sel,
		Analyzer:    an,
		Providers:   pmux,
		Cache:       cache,
		Factory:     factory,
		Batch:       b,
		Checkpoints: cps,
		Metrics:     m,
	}, Config{}, logger)
	require.NoError(t, err)
	t.Cleanup(srv.stack.Stop)
	return srv, m
}

func postJSON(handler http.Handler, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestChatRecordsOutcomeAndProviderCost(t *testing.T) {
	srv, m := newTestServer(t)
	handler := srv.routes()

	rec := postJSON(handler, "/v1/chat", `{"prompt": "say hello"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp struct {
		Output   string                `json:"output"`
		Decision types.RoutingDecision `json:"decision"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "a helpful answer", resp.Output)
	assert.Equal(t, "gpt-4o", resp.Decision.ExecutedModel)

	assert.InDelta(t, 1,
		testutil.ToFloat64(m.RequestsTotal.WithLabelValues("success")), 1e-9)
	assert.InDelta(t, stubCompletionCost,
		testutil.ToFloat64(m.ProviderCost.WithLabelValues("openai")), 1e-9,
		"completion cost accrues to the executing provider")
}

func TestGetJobReportsProgressStats(t *testing.T) {
	srv, _ := newTestServer(t)
	handler := srv.routes()

	rec := postJSON(handler, "/v1/jobs",
		`{"name":"n","items":[{"input":"a"},{"input":"b"}],"phases":[{"name":"process"}],"auto_start":true}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var created types.BatchJob
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	assert.Equal(t, types.JobRunning, created.Status, "auto_start launches the job at submission")

	getJob := func() *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/jobs/"+created.ID, nil))
		return rec
	}

	require.Eventually(t, func() bool {
		var got struct {
			Status types.JobStatus `json:"status"`
		}
		_ = json.Unmarshal(getJob().Body.Bytes(), &got)
		return got.Status == types.JobCompleted
	}, 5*time.Second, 10*time.Millisecond, "job never completed")

	var detail struct {
		Status      types.JobStatus `json:"status"`
		Processed   int             `json:"processed"`
		FailedItems int             `json:"failed_items"`
		PhaseStats  []struct {
			Phase     string  `json:"phase"`
			Succeeded int     `json:"succeeded"`
			Failed    int     `json:"failed"`
			Cost      float64 `json:"cost"`
		} `json:"phase_stats"`
	}
	require.NoError(t, json.Unmarshal(getJob().Body.Bytes(), &detail))
	assert.Equal(t, 2, detail.Processed)
	assert.Zero(t, detail.FailedItems)
	require.Len(t, detail.PhaseStats, 1)
	assert.Equal(t, "process", detail.PhaseStats[0].Phase)
	assert.Equal(t, 2, detail.PhaseStats[0].Succeeded)
	assert.Zero(t, detail.PhaseStats[0].Failed)
	assert.InDelta(t, 0.2, detail.PhaseStats[0].Cost, 1e-9)
}
