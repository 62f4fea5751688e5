package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tributary-ai/llm-orchestrator/internal/analytics"
	"github.com/tributary-ai/llm-orchestrator/internal/analyzer"
	"github.com/tributary-ai/llm-orchestrator/internal/batch"
	"github.com/tributary-ai/llm-orchestrator/internal/checkpoint"
	"github.com/tributary-ai/llm-orchestrator/internal/config"
	"github.com/tributary-ai/llm-orchestrator/internal/metrics"
	"github.com/tributary-ai/llm-orchestrator/internal/orchestrator"
	"github.com/tributary-ai/llm-orchestrator/internal/provider"
	"github.com/tributary-ai/llm-orchestrator/internal/provider/anthropic"
	"github.com/tributary-ai/llm-orchestrator/internal/provider/openai"
	"github.com/tributary-ai/llm-orchestrator/internal/registry"
	"github.com/tributary-ai/llm-orchestrator/internal/selector"
	"github.com/tributary-ai/llm-orchestrator/internal/server"
	"github.com/tributary-ai/llm-orchestrator/internal/store"
)

// Application wires all services together.
type Application struct {
	config   *config.Config
	server   *server.Server
	batch    *batch.Service
	recorder *analytics.Recorder
	cache    *orchestrator.Cache
	logger   *logrus.Logger
}

// NewApplication builds the full service graph from configuration.
func NewApplication(configPath string) (*Application, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	logger := logrus.New()
	if err := setupLogger(logger, cfg.Logging); err != nil {
		return nil, fmt.Errorf("failed to setup logger: %w", err)
	}

	mux := provider.NewMux(logger)
	if err := registerProviders(mux, cfg, logger); err != nil {
		return nil, fmt.Errorf("failed to register providers: %w", err)
	}

	var st store.Store
	if cfg.Store.Demo {
		logger.Warn("Demo mode: using in-memory store, nothing will survive a restart")
		st = store.NewMemoryStore()
	} else {
		gormStore, err := store.NewGormStore(cfg.Store.Path, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to open store: %w", err)
		}
		st = gormStore
	}

	reg := registry.New(mux, cfg.Registry, logger)
	sel := selector.New(cfg.Selector, logger)
	an := analyzer.New(cfg.Analyzer, logger)
	m := metrics.New()
	recorder := analytics.NewRecorder(st, cfg.Analytics, logger)
	checkpoints := checkpoint.NewService(st, logger)
	cache := orchestrator.NewCache(cfg.Cache, logger)

	factory := func(callerID string) (*orchestrator.Orchestrator, error) {
		return orchestrator.New(reg, sel, an, mux, provider.NoopRAG{}, nil,
			recorder, cfg.Orchestrator, logger), nil
	}

	runner := batch.NewOrchestratorRunner(cache, factory)
	batchSvc := batch.NewService(st, checkpoints, runner, m, cfg.Batch, logger)

	srv, err := server.New(server.Deps{
		Registry:    reg,
		Selector:    sel,
		Analyzer:    an,
		Providers:   mux,
		Cache:       cache,
		Factory:     factory,
		Batch:       batchSvc,
		Checkpoints: checkpoints,
		Recorder:    recorder,
		Metrics:     m,
	}, cfg.ToServerConfig(), logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create server: %w", err)
	}

	// Try an initial catalog refresh; the builtin catalog serves until one
	// succeeds.
	refreshCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := reg.Refresh(refreshCtx); err != nil {
		logger.WithError(err).Warn("Initial model discovery failed, serving builtin catalog")
	}

	return &Application{
		config:   cfg,
		server:   srv,
		batch:    batchSvc,
		recorder: recorder,
		cache:    cache,
		logger:   logger,
	}, nil
}

// Run starts the server and blocks until a shutdown signal arrives.
func (app *Application) Run() error {
	app.logger.Info("Starting LLM Orchestrator")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	serverErrors := make(chan error, 1)
	go func() {
		app.logger.WithField("address", ":"+app.config.Server.Port).Info("HTTP server starting")
		if err := app.server.Start(); err != nil {
			serverErrors <- fmt.Errorf("server failed: %w", err)
		}
	}()

	select {
	case err := <-serverErrors:
		return err
	case sig := <-sigChan:
		app.logger.WithField("signal", sig.String()).Info("Shutdown signal received")
	}

	app.logger.Info("Starting graceful shutdown...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Pause running jobs so their progress is checkpointed before exit.
	app.batch.Shutdown(shutdownCtx)

	if err := app.server.Stop(shutdownCtx); err != nil {
		app.logger.WithError(err).Error("Server shutdown error")
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	app.recorder.Stop()
	app.cache.Stop()

	app.logger.Info("Graceful shutdown completed")
	return nil
}

func setupLogger(logger *logrus.Logger, cfg config.LoggingConfig) error {
	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		return fmt.Errorf("invalid log level %s: %w", cfg.Level, err)
	}
	logger.SetLevel(level)

	switch cfg.Format {
	case "json":
		logger.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339})
	case "text":
		logger.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: time.RFC3339,
		})
	default:
		return fmt.Errorf("invalid log format: %s", cfg.Format)
	}

	switch cfg.Output {
	case "stdout":
		logger.SetOutput(os.Stdout)
	case "stderr":
		logger.SetOutput(os.Stderr)
	default:
		file, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
		if err != nil {
			return fmt.Errorf("failed to open log file %s: %w", cfg.Output, err)
		}
		logger.SetOutput(file)
	}
	return nil
}

func registerProviders(mux *provider.Mux, cfg *config.Config, logger *logrus.Logger) error {
	registered := 0

	if cfg.Providers.OpenAI != nil && cfg.Providers.OpenAI.APIKey != "" {
		mux.Register("openai", openai.New(cfg.Providers.OpenAI, logger))
		logger.WithFields(logrus.Fields{
			"provider": "openai",
			"models":   len(cfg.Providers.OpenAI.Models),
		}).Info("OpenAI provider registered")
		registered++
	}

	if cfg.Providers.Anthropic != nil && cfg.Providers.Anthropic.APIKey != "" {
		mux.Register("anthropic", anthropic.New(cfg.Providers.Anthropic, logger))
		logger.WithFields(logrus.Fields{
			"provider": "anthropic",
			"models":   len(cfg.Providers.Anthropic.Models),
		}).Info("Anthropic provider registered")
		registered++
	}

	if registered == 0 {
		if cfg.Store.Demo {
			logger.Warn("No providers configured; requests will fail until keys are set")
			return nil
		}
		return fmt.Errorf("no providers were registered - check your configuration and API keys")
	}

	logger.WithField("count", registered).Info("Provider registration completed")
	return nil
}

func printUsage() {
	fmt.Fprintf(os.Stderr, "Usage: %s [options]\n", os.Args[0])
	fmt.Fprintf(os.Stderr, "\nOptions:\n")
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, "\nEnvironment Variables:\n")
	fmt.Fprintf(os.Stderr, "  OPENAI_API_KEY             OpenAI API key\n")
	fmt.Fprintf(os.Stderr, "  ANTHROPIC_API_KEY          Anthropic API key\n")
	fmt.Fprintf(os.Stderr, "  ORCHESTRATOR_PORT          Server port (default: 8080)\n")
	fmt.Fprintf(os.Stderr, "  ORCHESTRATOR_LOG_LEVEL     Log level (debug,info,warn,error,fatal)\n")
	fmt.Fprintf(os.Stderr, "  ORCHESTRATOR_LOG_FORMAT    Log format (json,text)\n")
	fmt.Fprintf(os.Stderr, "  ORCHESTRATOR_JWT_SECRET    Secret for JWT caller authentication\n")
	fmt.Fprintf(os.Stderr, "  ORCHESTRATOR_STORE_PATH    SQLite database path\n")
	fmt.Fprintf(os.Stderr, "  ORCHESTRATOR_DEMO          \"true\" enables the in-memory store\n")
	fmt.Fprintf(os.Stderr, "\nExamples:\n")
	fmt.Fprintf(os.Stderr, "  %s --config configs/config.yaml\n", os.Args[0])
	fmt.Fprintf(os.Stderr, "  OPENAI_API_KEY=sk-xxx %s\n", os.Args[0])
}

func main() {
	var (
		configPath = flag.String("config", "", "Path to configuration file")
		showHelp   = flag.Bool("help", false, "Show help message")
		version    = flag.Bool("version", false, "Show version information")
	)
	flag.Parse()

	if *showHelp {
		printUsage()
		os.Exit(0)
	}
	if *version {
		fmt.Printf("LLM Orchestrator v1.0.0\n")
		os.Exit(0)
	}

	app, err := NewApplication(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create application: %v\n", err)
		os.Exit(1)
	}
	if err := app.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "Application error: %v\n", err)
		os.Exit(1)
	}
}
