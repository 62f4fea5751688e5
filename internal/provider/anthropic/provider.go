package anthropic

import (
	"context"
	"fmt"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/sirupsen/logrus"

	"github.com/tributary-ai/llm-orchestrator/internal/provider"
	"github.com/tributary-ai/llm-orchestrator/internal/types"
)

// Provider executes prompts against the Anthropic API.
type Provider struct {
	client *anthropic.Client
	config *Config
	logger *logrus.Logger
}

// Config holds Anthropic-specific configuration.
type Config struct {
	APIKey  string                  `yaml:"api_key"`
	BaseURL string                  `yaml:"base_url"`
	Models  []types.ModelDescriptor `yaml:"models"`
	Timeout time.Duration           `yaml:"timeout"`
}

// New creates a new Anthropic provider instance.
func New(config *Config, logger *logrus.Logger) *Provider {
	opts := []option.RequestOption{
		option.WithAPIKey(config.APIKey),
	}
	if config.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(config.BaseURL))
	}

	client := anthropic.NewClient(opts...)

	return &Provider{
		client: &client,
		config: config,
		logger: logger,
	}
}

// Name implements provider.ModelProvider.
func (p *Provider) Name() string {
	return "anthropic"
}

// Complete executes a single prompt against the requested model.
func (p *Provider) Complete(ctx context.Context, req *provider.Request) (*provider.Completion, error) {
	maxTokens := int64(req.MaxTokens)
	if maxTokens <= 0 {
		maxTokens = 1024
	}

	params := anthropic.MessageNewParams{
		Model: anthropic.Model(req.ModelID),
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(req.Prompt)),
		},
		MaxTokens: maxTokens,
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{
			{Text: req.System},
		}
	}

	if p.config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.config.Timeout)
		defer cancel()
	}

	start := time.Now()
	resp, err := p.client.Messages.New(ctx, params)
	if err != nil {
		p.logger.WithError(err).WithField("model", req.ModelID).Error("Anthropic API call failed")
		return nil, fmt.Errorf("anthropic api call failed: %w", err)
	}

	var text string
	for _, block := range resp.Content {
		if block.Type == "text" {
			text += block.Text
		}
	}

	completion := &provider.Completion{
		Text:             text,
		ModelID:          req.ModelID,
		PromptTokens:     int(resp.Usage.InputTokens),
		CompletionTokens: int(resp.Usage.OutputTokens),
		Latency:          time.Since(start),
	}
	completion.Cost = p.cost(req.ModelID, completion.PromptTokens, completion.CompletionTokens)
	return completion, nil
}

// DiscoverModels returns the configured descriptor set. The Anthropic catalog
// is small enough that configuration is the source of truth.
func (p *Provider) DiscoverModels(ctx context.Context) ([]types.ModelDescriptor, error) {
	models := make([]types.ModelDescriptor, len(p.config.Models))
	copy(models, p.config.Models)
	return models, nil
}

// HealthCheck issues a minimal single-token message on the cheapest
// configured model.
func (p *Provider) HealthCheck(ctx context.Context) error {
	model := "claude-3-haiku-20240307"
	if len(p.config.Models) > 0 {
		model = p.config.Models[len(p.config.Models)-1].ID
	}

	testReq := anthropic.MessageNewParams{
		Model: anthropic.Model(model),
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock("test")),
		},
		MaxTokens: 1,
	}

	if _, err := p.client.Messages.New(ctx, testReq); err != nil {
		p.logger.WithError(err).Error("Anthropic health check failed")
		return fmt.Errorf("anthropic health check failed: %w", err)
	}

	p.logger.Debug("Anthropic health check passed")
	return nil
}

func (p *Provider) cost(modelID string, promptTokens, completionTokens int) float64 {
	for _, m := range p.config.Models {
		if m.ID == modelID {
			return float64(promptTokens)*m.PromptCostPer1M/1_000_000 +
				float64(completionTokens)*m.CompletionCostPer1M/1_000_000
		}
	}
	return 0
}
