// Package config loads the application configuration from YAML with
// environment overrides.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/tributary-ai/llm-orchestrator/internal/analytics"
	"github.com/tributary-ai/llm-orchestrator/internal/analyzer"
	"github.com/tributary-ai/llm-orchestrator/internal/batch"
	"github.com/tributary-ai/llm-orchestrator/internal/middleware"
	"github.com/tributary-ai/llm-orchestrator/internal/orchestrator"
	"github.com/tributary-ai/llm-orchestrator/internal/provider/anthropic"
	"github.com/tributary-ai/llm-orchestrator/internal/provider/openai"
	"github.com/tributary-ai/llm-orchestrator/internal/registry"
	"github.com/tributary-ai/llm-orchestrator/internal/security"
	"github.com/tributary-ai/llm-orchestrator/internal/selector"
	"github.com/tributary-ai/llm-orchestrator/internal/server"
	"github.com/tributary-ai/llm-orchestrator/internal/types"
)

// Config is the complete application configuration.
type Config struct {
	Server       ServerConfig              `yaml:"server"`
	Providers    ProvidersConfig           `yaml:"providers"`
	Registry     registry.Config           `yaml:"registry"`
	Selector     selector.Weights          `yaml:"selector"`
	Analyzer     analyzer.Config           `yaml:"analyzer"`
	Orchestrator orchestrator.Config       `yaml:"orchestrator"`
	Cache        orchestrator.CacheConfig  `yaml:"cache"`
	Batch        batch.Config              `yaml:"batch"`
	Analytics    analytics.Config          `yaml:"analytics"`
	Store        StoreConfig               `yaml:"store"`
	Logging      LoggingConfig             `yaml:"logging"`
	Security     middleware.SecurityConfig `yaml:"security"`
	OpenAPI      middleware.OpenAPIConfig  `yaml:"openapi"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port           string        `yaml:"port"`
	ReadTimeout    time.Duration `yaml:"read_timeout"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	MaxHeaderBytes int           `yaml:"max_header_bytes"`
}

// ProvidersConfig holds settings for every model provider.
type ProvidersConfig struct {
	OpenAI    *openai.Config    `yaml:"openai"`
	Anthropic *anthropic.Config `yaml:"anthropic"`
}

// StoreConfig selects and configures the persistence backend.
type StoreConfig struct {
	// Demo selects the in-memory store; nothing survives a restart.
	Demo bool   `yaml:"demo"`
	Path string `yaml:"path"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // "json" or "text"
	Output string `yaml:"output"` // "stdout", "stderr", or file path
}

// Load reads configuration from the optional YAML file, applies environment
// overrides, and validates the result.
func Load(configPath string) (*Config, error) {
	config := &Config{}
	config.setDefaults()

	if configPath != "" {
		if err := config.loadFromFile(configPath); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}
	config.loadFromEnv()

	if err := config.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return config, nil
}

func (c *Config) setDefaults() {
	c.Server = ServerConfig{
		Port:           "8080",
		ReadTimeout:    30 * time.Second,
		WriteTimeout:   120 * time.Second,
		MaxHeaderBytes: 1 << 20,
	}

	c.Selector = selector.DefaultWeights()
	c.Analyzer = analyzer.Config{
		LengthWeight:  3.0,
		SignalWeight:  5.0,
		HistoryWeight: 2.0,
	}
	c.Orchestrator = orchestrator.DefaultConfig()
	c.Cache = orchestrator.DefaultCacheConfig()
	c.Batch = batch.DefaultConfig()
	c.Analytics = analytics.Config{
		BufferSize:    1000,
		FlushInterval: 5 * time.Second,
	}

	c.Registry = registry.Config{
		RefreshCooldown: 30 * time.Second,
		Builtin:         builtinCatalog(),
	}

	c.Store = StoreConfig{
		Demo: false,
		Path: "orchestrator.db",
	}

	c.Logging = LoggingConfig{
		Level:  "info",
		Format: "json",
		Output: "stdout",
	}

	c.Security = middleware.SecurityConfig{
		Auth: security.Config{
			RequireAuth: false,
			JWTExpiry:   24 * time.Hour,
		},
		RateLimit: security.RateLimitConfig{
			Enabled:           false,
			RequestsPerMinute: 60,
			BurstSize:         10,
		},
		Guard: security.GuardConfig{
			MaxBodyBytes: 10 << 20,
		},
	}

	c.OpenAPI = middleware.OpenAPIConfig{
		Enabled:  false,
		SpecPath: "docs/openapi.yaml",
	}

	c.Providers = ProvidersConfig{
		OpenAI: &openai.Config{
			Models: []types.ModelDescriptor{
				{
					ID:                  "gpt-4o",
					Provider:            "openai",
					ContextLength:       128000,
					MaxOutputTokens:     4096,
					PromptCostPer1M:     5.0,
					CompletionCostPer1M: 15.0,
					Modalities:          []string{"text"},
				},
				{
					ID:                  "gpt-4o-mini",
					Provider:            "openai",
					ContextLength:       128000,
					MaxOutputTokens:     16384,
					PromptCostPer1M:     0.15,
					CompletionCostPer1M: 0.6,
					Modalities:          []string{"text"},
				},
			},
			Timeout: 120 * time.Second,
		},
		Anthropic: &anthropic.Config{
			Models: []types.ModelDescriptor{
				{
					ID:                  "claude-3-5-sonnet-20241022",
					Provider:            "anthropic",
					ContextLength:       200000,
					MaxOutputTokens:     8192,
					PromptCostPer1M:     3.0,
					CompletionCostPer1M: 15.0,
					Modalities:          []string{"text"},
				},
				{
					ID:                  "claude-3-haiku-20240307",
					Provider:            "anthropic",
					ContextLength:       200000,
					MaxOutputTokens:     4096,
					PromptCostPer1M:     0.25,
					CompletionCostPer1M: 1.25,
					Modalities:          []string{"text"},
				},
			},
			Timeout: 120 * time.Second,
		},
	}
}

// builtinCatalog is the last-resort catalog served when discovery has never
// succeeded.
func builtinCatalog() []types.ModelDescriptor {
	return []types.ModelDescriptor{
		{
			ID:                  "gpt-4o",
			Provider:            "openai",
			ContextLength:       128000,
			MaxOutputTokens:     4096,
			PromptCostPer1M:     5.0,
			CompletionCostPer1M: 15.0,
			Modalities:          []string{"text"},
		},
		{
			ID:                  "gpt-4o-mini",
			Provider:            "openai",
			ContextLength:       128000,
			MaxOutputTokens:     16384,
			PromptCostPer1M:     0.15,
			CompletionCostPer1M: 0.6,
			Modalities:          []string{"text"},
		},
		{
			ID:                  "claude-3-5-sonnet-20241022",
			Provider:            "anthropic",
			ContextLength:       200000,
			MaxOutputTokens:     8192,
			PromptCostPer1M:     3.0,
			CompletionCostPer1M: 15.0,
			Modalities:          []string{"text"},
		},
		{
			ID:                  "claude-3-haiku-20240307",
			Provider:            "anthropic",
			ContextLength:       200000,
			MaxOutputTokens:     4096,
			PromptCostPer1M:     0.25,
			CompletionCostPer1M: 1.25,
			Modalities:          []string{"text"},
		},
	}
}

func (c *Config) loadFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse YAML config: %w", err)
	}
	return nil
}

func (c *Config) loadFromEnv() {
	if port := os.Getenv("ORCHESTRATOR_PORT"); port != "" {
		c.Server.Port = port
	}
	if key := os.Getenv("OPENAI_API_KEY"); key != "" && c.Providers.OpenAI != nil {
		c.Providers.OpenAI.APIKey = key
	}
	if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" && c.Providers.Anthropic != nil {
		c.Providers.Anthropic.APIKey = key
	}
	if level := os.Getenv("ORCHESTRATOR_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
	if format := os.Getenv("ORCHESTRATOR_LOG_FORMAT"); format != "" {
		c.Logging.Format = format
	}
	if secret := os.Getenv("ORCHESTRATOR_JWT_SECRET"); secret != "" {
		c.Security.Auth.JWTSecret = secret
	}
	if path := os.Getenv("ORCHESTRATOR_STORE_PATH"); path != "" {
		c.Store.Path = path
	}
	if os.Getenv("ORCHESTRATOR_DEMO") == "true" {
		c.Store.Demo = true
	}
}

func (c *Config) validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("server port cannot be empty")
	}

	validLogLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true, "fatal": true,
	}
	if !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level: %s", c.Logging.Level)
	}

	if c.Orchestrator.MaxRetries < 0 {
		return fmt.Errorf("max_retries cannot be negative")
	}
	if c.Orchestrator.MinComplexityForChain < 0 || c.Orchestrator.MinComplexityForChain > 10 {
		return fmt.Errorf("min_complexity_for_chain must be between 0 and 10")
	}
	if c.Batch.MaxConcurrency < 1 {
		return fmt.Errorf("batch max_concurrency must be at least 1")
	}
	if !c.Store.Demo && c.Store.Path == "" {
		return fmt.Errorf("store path is required unless demo mode is enabled")
	}

	providerCount := 0
	if c.Providers.OpenAI != nil && c.Providers.OpenAI.APIKey != "" {
		if len(c.Providers.OpenAI.Models) == 0 {
			return fmt.Errorf("openai provider must have at least one model configured")
		}
		providerCount++
	}
	if c.Providers.Anthropic != nil && c.Providers.Anthropic.APIKey != "" {
		if len(c.Providers.Anthropic.Models) == 0 {
			return fmt.Errorf("anthropic provider must have at least one model configured")
		}
		providerCount++
	}
	if providerCount == 0 && !c.Store.Demo {
		return fmt.Errorf("at least one provider must be configured")
	}

	return nil
}

// ToServerConfig converts to the server package's config type.
func (c *Config) ToServerConfig() server.Config {
	return server.Config{
		Port:           c.Server.Port,
		ReadTimeout:    c.Server.ReadTimeout,
		WriteTimeout:   c.Server.WriteTimeout,
		MaxHeaderBytes: c.Server.MaxHeaderBytes,
		Security:       c.Security,
		OpenAPI:        c.OpenAPI,
	}
}

// EnabledProviders returns the tags of providers with credentials configured.
func (c *Config) EnabledProviders() []string {
	var providers []string
	if c.Providers.OpenAI != nil && c.Providers.OpenAI.APIKey != "" {
		providers = append(providers, "openai")
	}
	if c.Providers.Anthropic != nil && c.Providers.Anthropic.APIKey != "" {
		providers = append(providers, "anthropic")
	}
	return providers
}
