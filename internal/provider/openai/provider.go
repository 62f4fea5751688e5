package openai

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"
	"github.com/sirupsen/logrus"

	"github.com/tributary-ai/llm-orchestrator/internal/provider"
	"github.com/tributary-ai/llm-orchestrator/internal/types"
)

// Provider executes prompts against the OpenAI API and doubles as a
// discovery source for OpenAI-hosted models.
type Provider struct {
	client *openai.Client
	config *Config
	logger *logrus.Logger
}

// Config holds OpenAI-specific configuration. Models carries the pricing
// data used to cost completions; pricing is configuration, not code.
type Config struct {
	APIKey  string                  `yaml:"api_key"`
	BaseURL string                  `yaml:"base_url"`
	OrgID   string                  `yaml:"org_id"`
	Models  []types.ModelDescriptor `yaml:"models"`
	Timeout time.Duration           `yaml:"timeout"`
}

// New creates a new OpenAI provider instance.
func New(config *Config, logger *logrus.Logger) *Provider {
	clientConfig := openai.DefaultConfig(config.APIKey)

	if config.BaseURL != "" {
		clientConfig.BaseURL = config.BaseURL
	}
	if config.OrgID != "" {
		clientConfig.OrgID = config.OrgID
	}

	return &Provider{
		client: openai.NewClientWithConfig(clientConfig),
		config: config,
		logger: logger,
	}
}

// Name implements provider.ModelProvider.
func (p *Provider) Name() string {
	return "openai"
}

// Complete executes a single prompt against the requested model.
func (p *Provider) Complete(ctx context.Context, req *provider.Request) (*provider.Completion, error) {
	messages := make([]openai.ChatCompletionMessage, 0, 2)
	if req.System != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: req.System,
		})
	}
	messages = append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: req.Prompt,
	})

	openaiReq := openai.ChatCompletionRequest{
		Model:       req.ModelID,
		Messages:    messages,
		Temperature: req.Temperature,
	}
	if req.MaxTokens > 0 {
		openaiReq.MaxTokens = req.MaxTokens
	}

	if p.config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.config.Timeout)
		defer cancel()
	}

	start := time.Now()
	resp, err := p.client.CreateChatCompletion(ctx, openaiReq)
	if err != nil {
		p.logger.WithError(err).WithField("model", req.ModelID).Error("OpenAI API call failed")
		return nil, fmt.Errorf("openai api call failed: %w", err)
	}

	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("openai returned no choices for model %s", req.ModelID)
	}

	completion := &provider.Completion{
		Text:             resp.Choices[0].Message.Content,
		ModelID:          req.ModelID,
		PromptTokens:     resp.Usage.PromptTokens,
		CompletionTokens: resp.Usage.CompletionTokens,
		Latency:          time.Since(start),
	}
	completion.Cost = p.cost(req.ModelID, completion.PromptTokens, completion.CompletionTokens)
	return completion, nil
}

// DiscoverModels lists the models the API exposes, keeping only entries with
// configured pricing. Descriptors without a cost table would defeat
// cost-aware selection.
func (p *Provider) DiscoverModels(ctx context.Context) ([]types.ModelDescriptor, error) {
	list, err := p.client.ListModels(ctx)
	if err != nil {
		return nil, fmt.Errorf("openai model listing failed: %w", err)
	}

	known := make(map[string]types.ModelDescriptor, len(p.config.Models))
	for _, m := range p.config.Models {
		known[m.ID] = m
	}

	var models []types.ModelDescriptor
	for _, m := range list.Models {
		if desc, ok := known[m.ID]; ok {
			models = append(models, desc)
		}
	}
	if len(models) == 0 {
		// API reachable but nothing priced; fall back to the configured set.
		models = append(models, p.config.Models...)
	}
	return models, nil
}

// HealthCheck probes the models endpoint.
func (p *Provider) HealthCheck(ctx context.Context) error {
	if _, err := p.client.ListModels(ctx); err != nil {
		p.logger.WithError(err).Error("OpenAI health check failed")
		return fmt.Errorf("openai health check failed: %w", err)
	}
	p.logger.Debug("OpenAI health check passed")
	return nil
}

func (p *Provider) cost(modelID string, promptTokens, completionTokens int) float64 {
	for _, m := range p.config.Models {
		if m.ID == modelID || strings.HasPrefix(modelID, m.ID) {
			return float64(promptTokens)*m.PromptCostPer1M/1_000_000 +
				float64(completionTokens)*m.CompletionCostPer1M/1_000_000
		}
	}
	return 0
}
