// Package server exposes the orchestrator over HTTP.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/tributary-ai/llm-orchestrator/internal/analytics"
	"github.com/tributary-ai/llm-orchestrator/internal/analyzer"
	"github.com/tributary-ai/llm-orchestrator/internal/batch"
	"github.com/tributary-ai/llm-orchestrator/internal/checkpoint"
	"github.com/tributary-ai/llm-orchestrator/internal/metrics"
	"github.com/tributary-ai/llm-orchestrator/internal/middleware"
	"github.com/tributary-ai/llm-orchestrator/internal/orchestrator"
	"github.com/tributary-ai/llm-orchestrator/internal/provider"
	"github.com/tributary-ai/llm-orchestrator/internal/registry"
	"github.com/tributary-ai/llm-orchestrator/internal/security"
	"github.com/tributary-ai/llm-orchestrator/internal/selector"
	"github.com/tributary-ai/llm-orchestrator/internal/types"
)

// Config holds HTTP server settings.
type Config struct {
	Port           string                    `yaml:"port"`
	ReadTimeout    time.Duration             `yaml:"read_timeout"`
	WriteTimeout   time.Duration             `yaml:"write_timeout"`
	MaxHeaderBytes int                       `yaml:"max_header_bytes"`
	Security       middleware.SecurityConfig `yaml:"security"`
	OpenAPI        middleware.OpenAPIConfig  `yaml:"openapi"`
}

// Deps are the wired services the server fronts.
type Deps struct {
	Registry    *registry.Registry
	Selector    *selector.Selector
	Analyzer    *analyzer.Analyzer
	Providers   *provider.Mux
	Cache       *orchestrator.Cache
	Factory     func(callerID string) (*orchestrator.Orchestrator, error)
	Batch       *batch.Service
	Checkpoints *checkpoint.Service
	Recorder    *analytics.Recorder
	Metrics     *metrics.Metrics
}

// Server is the HTTP front end.
type Server struct {
	deps       Deps
	cfg        Config
	logger     *logrus.Logger
	httpServer *http.Server
	stack      *middleware.SecurityStack
	openapi    *middleware.OpenAPIValidator
}

// New creates a server.
func New(deps Deps, cfg Config, logger *logrus.Logger) (*Server, error) {
	openapi, err := middleware.NewOpenAPIValidator(cfg.OpenAPI, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize OpenAPI validation: %w", err)
	}
	return &Server{
		deps:    deps,
		cfg:     cfg,
		logger:  logger,
		stack:   middleware.NewSecurityStack(cfg.Security, logger),
		openapi: openapi,
	}, nil
}

// Start begins serving. Blocks until the listener closes.
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:           ":" + s.cfg.Port,
		Handler:        s.routes(),
		ReadTimeout:    s.cfg.ReadTimeout,
		WriteTimeout:   s.cfg.WriteTimeout,
		MaxHeaderBytes: s.cfg.MaxHeaderBytes,
	}
	s.logger.WithField("port", s.cfg.Port).Info("Starting orchestrator server")
	return s.httpServer.ListenAndServe()
}

// Stop shuts the server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("Stopping orchestrator server")
	s.stack.Stop()
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) routes() *mux.Router {
	r := mux.NewRouter()

	r.Use(s.stack.Handler)
	r.Use(s.openapi.Middleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.corsMiddleware)

	api := r.PathPrefix("/v1").Subrouter()

	api.HandleFunc("/chat", s.handleChat).Methods("POST")

	api.HandleFunc("/jobs", s.handleSubmitJob).Methods("POST")
	api.HandleFunc("/jobs", s.handleListJobs).Methods("GET")
	api.HandleFunc("/jobs/{id}", s.handleGetJob).Methods("GET")
	api.HandleFunc("/jobs/{id}", s.handleDeleteJob).Methods("DELETE")
	api.HandleFunc("/jobs/{id}/results", s.handleJobResults).Methods("GET")
	api.HandleFunc("/jobs/{id}/start", s.handleJobControl("start")).Methods("POST")
	api.HandleFunc("/jobs/{id}/pause", s.handleJobControl("pause")).Methods("POST")
	api.HandleFunc("/jobs/{id}/resume", s.handleJobControl("resume")).Methods("POST")
	api.HandleFunc("/jobs/{id}/cancel", s.handleJobControl("cancel")).Methods("POST")

	api.HandleFunc("/models", s.handleListModels).Methods("GET")
	api.HandleFunc("/models/refresh", s.handleRefreshModels).Methods("POST")
	api.HandleFunc("/models/test", s.handleTestSelection).Methods("POST")

	api.HandleFunc("/checkpoints/cleanup", s.handleCheckpointCleanup).Methods("POST")
	api.HandleFunc("/decisions", s.handleListDecisions).Methods("GET")

	r.HandleFunc("/health", s.handleHealth).Methods("GET")
	r.Handle("/metrics", promhttp.HandlerFor(s.deps.Metrics.Registry, promhttp.HandlerOpts{}))
	s.registerDocs(r)

	return r
}

// Middleware

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, statusCode: 200}
		next.ServeHTTP(wrapped, r)
		s.logger.WithFields(logrus.Fields{
			"method":      r.Method,
			"path":        r.URL.Path,
			"status":      wrapped.statusCode,
			"duration_ms": time.Since(start).Milliseconds(),
			"caller":      security.CallerID(r.Context()),
		}).Info("HTTP request")
	})
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-API-Key")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Handlers

type chatRequest struct {
	Prompt       string                  `json:"prompt"`
	History      []string                `json:"history,omitempty"`
	TaskType     string                  `json:"task_type,omitempty"`
	Model        string                  `json:"model,omitempty"`
	UseRAG       bool                    `json:"use_rag,omitempty"`
	Metadata     map[string]string       `json:"metadata,omitempty"`
	MaxTokens    int                     `json:"max_tokens,omitempty"`
	Requirements types.Requirements      `json:"requirements,omitempty"`
	Validation   *types.ValidationConfig `json:"validation,omitempty"`
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %v", err))
		return
	}
	if req.Prompt == "" || !security.ValidPrompt(req.Prompt) {
		s.writeError(w, http.StatusBadRequest, "prompt is required and must be valid text")
		return
	}

	callerID := security.CallerID(r.Context())
	orch, err := s.deps.Cache.GetOrCreate(callerID, func() (*orchestrator.Orchestrator, error) {
		return s.deps.Factory(callerID)
	})
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, fmt.Sprintf("orchestrator init failed: %v", err))
		return
	}
	s.deps.Metrics.CacheSize.Set(float64(s.deps.Cache.Len()))

	start := time.Now()
	result, err := orch.Execute(r.Context(), &orchestrator.Request{
		CallerID:     callerID,
		Prompt:       req.Prompt,
		History:      req.History,
		TaskType:     req.TaskType,
		FixedModel:   req.Model,
		UseRAG:       req.UseRAG,
		Metadata:     req.Metadata,
		MaxTokens:    req.MaxTokens,
		Requirements: req.Requirements,
		Validation:   req.Validation,
	})
	if err != nil {
		s.deps.Metrics.RequestsTotal.WithLabelValues("error").Inc()
		s.writeError(w, statusForError(err), types.SafeMessage(err))
		return
	}

	outcome := "success"
	if !result.Decision.Successful {
		outcome = "exhausted"
	}
	s.deps.Metrics.RequestsTotal.WithLabelValues(outcome).Inc()
	s.deps.Metrics.RetriesTotal.Add(float64(result.Decision.RetryCount))
	s.deps.Metrics.RequestLatency.WithLabelValues(string(result.Decision.Plan.Strategy)).
		Observe(time.Since(start).Seconds())
	if desc, ok := s.deps.Registry.Get(result.Decision.ExecutedModel); ok {
		s.deps.Metrics.ProviderCost.WithLabelValues(desc.Provider).Add(result.Decision.TotalCost)
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"output":   result.Output,
		"decision": result.Decision,
	})
}

func (s *Server) handleSubmitJob(w http.ResponseWriter, r *http.Request) {
	var req batch.SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %v", err))
		return
	}
	req.CallerID = security.CallerID(r.Context())

	job, err := s.deps.Batch.Submit(r.Context(), &req)
	if err != nil {
		s.writeError(w, statusForError(err), types.SafeMessage(err))
		return
	}
	s.writeJSON(w, http.StatusCreated, job)
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.deps.Batch.List(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, types.SafeMessage(err))
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"jobs": jobs, "count": len(jobs)})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	detail, err := s.deps.Batch.Detail(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, http.StatusNotFound, types.SafeMessage(err))
		return
	}
	s.writeJSON(w, http.StatusOK, detail)
}

func (s *Server) handleDeleteJob(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Batch.Delete(r.Context(), mux.Vars(r)["id"]); err != nil {
		s.writeError(w, statusForError(err), types.SafeMessage(err))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleJobResults(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	items, err := s.deps.Batch.Items(r.Context(), id)
	if err != nil {
		s.writeError(w, http.StatusNotFound, types.SafeMessage(err))
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"job_id": id, "items": items})
}

func (s *Server) handleJobControl(action string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := mux.Vars(r)["id"]
		var err error
		switch action {
		case "start":
			err = s.deps.Batch.Start(r.Context(), id)
		case "pause":
			err = s.deps.Batch.Pause(r.Context(), id)
		case "resume":
			err = s.deps.Batch.Resume(r.Context(), id)
		case "cancel":
			err = s.deps.Batch.Cancel(r.Context(), id)
		}
		if err != nil {
			s.writeError(w, statusForError(err), types.SafeMessage(err))
			return
		}
		job, err := s.deps.Batch.Get(r.Context(), id)
		if err != nil {
			s.writeError(w, http.StatusNotFound, types.SafeMessage(err))
			return
		}
		s.writeJSON(w, http.StatusOK, job)
	}
}

func (s *Server) handleListModels(w http.ResponseWriter, r *http.Request) {
	catalog := s.deps.Registry.Catalog()
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"models":       catalog.Models,
		"count":        len(catalog.Models),
		"source":       catalog.Source,
		"refreshed_at": catalog.RefreshedAt,
	})
}

func (s *Server) handleRefreshModels(w http.ResponseWriter, r *http.Request) {
	callerID := security.CallerID(r.Context())
	if !s.deps.Registry.AllowRefresh(callerID) {
		s.writeError(w, http.StatusTooManyRequests, "refresh cooldown active, serving cached catalog")
		return
	}
	refreshErr := s.deps.Registry.Refresh(r.Context())
	catalog := s.deps.Registry.Catalog()
	code := http.StatusOK
	if refreshErr != nil {
		// Discovery failed; the previous snapshot is still being served.
		code = http.StatusAccepted
	}
	s.writeJSON(w, code, map[string]interface{}{
		"models":       catalog.Models,
		"count":        len(catalog.Models),
		"source":       catalog.Source,
		"refreshed_at": catalog.RefreshedAt,
	})
}

type selectionTestRequest struct {
	Prompt       string             `json:"prompt,omitempty"`
	History      []string           `json:"history,omitempty"`
	Requirements types.Requirements `json:"requirements,omitempty"`
}

// handleTestSelection runs analysis and selection without touching a
// provider: dry-run routing.
func (s *Server) handleTestSelection(w http.ResponseWriter, r *http.Request) {
	var req selectionTestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %v", err))
		return
	}

	analysis, err := s.deps.Analyzer.Analyze(r.Context(), req.Prompt, req.History)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, types.SafeMessage(err))
		return
	}

	catalog := s.deps.Registry.Catalog()
	response := map[string]interface{}{"analysis": analysis}

	if all, _ := strconv.ParseBool(r.URL.Query().Get("all")); all {
		response["ranking"] = s.deps.Selector.RankAll(catalog.Models, req.Requirements)
	} else {
		best := s.deps.Selector.SelectBest(catalog.Models, req.Requirements)
		if best == nil {
			s.writeError(w, http.StatusNotFound, "no available model matches requirements")
			return
		}
		response["selected"] = best
	}
	s.writeJSON(w, http.StatusOK, response)
}

type cleanupRequest struct {
	OlderThanDays int               `json:"older_than_days"`
	Statuses      []types.JobStatus `json:"statuses,omitempty"`
}

func (s *Server) handleCheckpointCleanup(w http.ResponseWriter, r *http.Request) {
	var req cleanupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %v", err))
		return
	}
	if req.OlderThanDays < 0 {
		s.writeError(w, http.StatusBadRequest, "older_than_days must be non-negative")
		return
	}

	removed, err := s.deps.Checkpoints.Cleanup(r.Context(),
		time.Duration(req.OlderThanDays)*24*time.Hour, req.Statuses)
	if err != nil {
		s.writeError(w, statusForError(err), types.SafeMessage(err))
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"removed": removed})
}

func (s *Server) handleListDecisions(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			s.writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = parsed
	}
	decisions, err := s.deps.Recorder.Recent(r.Context(), limit)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, types.SafeMessage(err))
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"decisions": decisions,
		"count":     len(decisions),
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	providerStatus := make(map[string]string)
	healthy := true
	for _, tag := range s.deps.Providers.Tags() {
		if err := s.deps.Providers.HealthCheckOne(ctx, tag); err != nil {
			providerStatus[tag] = "unhealthy"
			healthy = false
		} else {
			providerStatus[tag] = "healthy"
		}
	}

	status := "healthy"
	code := http.StatusOK
	if !healthy {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}
	s.writeJSON(w, code, map[string]interface{}{
		"status":    status,
		"providers": providerStatus,
		"catalog":   s.deps.Registry.Catalog().Source,
		"timestamp": time.Now().Unix(),
	})
}

// Helpers

func statusForError(err error) int {
	switch types.CategoryOf(err) {
	case types.ErrConfig, types.ErrValidation:
		return http.StatusBadRequest
	case types.ErrUnavailable:
		return http.StatusServiceUnavailable
	case types.ErrFatal:
		return http.StatusInternalServerError
	default:
		return http.StatusBadGateway
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(body)
}

func (s *Server) writeError(w http.ResponseWriter, code int, message string) {
	s.writeJSON(w, code, map[string]interface{}{
		"error": map[string]interface{}{
			"message": message,
			"type":    "api_error",
			"code":    code,
		},
		"timestamp": time.Now().Unix(),
	})
}

type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}
