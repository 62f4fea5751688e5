package provider

import (
	"context"
	"strings"
	"sync"

	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"

	"github.com/tributary-ai/llm-orchestrator/internal/types"
)

// Mux dispatches completion requests to the registered provider matching the
// request's provider tag, falling back to model-id prefix heuristics for
// requests that carry no tag. It also aggregates model discovery across all
// registered providers.
type Mux struct {
	mu        sync.RWMutex
	providers map[string]ModelProvider
	order     []string
	logger    *logrus.Logger
}

var prefixTags = map[string]string{
	"gpt-":     "openai",
	"o1-":      "openai",
	"o3-":      "openai",
	"claude-":  "anthropic",
}

// NewMux creates an empty provider mux.
func NewMux(logger *logrus.Logger) *Mux {
	return &Mux{
		providers: make(map[string]ModelProvider),
		logger:    logger,
	}
}

// Register adds a provider under its tag.
func (m *Mux) Register(tag string, p ModelProvider) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.providers[tag]; !exists {
		m.order = append(m.order, tag)
	}
	m.providers[tag] = p
	m.logger.WithField("provider", tag).Info("Provider registered")
}

// Tags returns the registered provider tags in registration order.
func (m *Mux) Tags() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	tags := make([]string, len(m.order))
	copy(tags, m.order)
	return tags
}

// Name implements ModelProvider.
func (m *Mux) Name() string {
	return "mux"
}

// Complete routes the request to the provider owning the model and executes
// it. An unknown model/provider combination is a configuration error.
func (m *Mux) Complete(ctx context.Context, req *Request) (*Completion, error) {
	p, err := m.resolve(req)
	if err != nil {
		return nil, err
	}
	return p.Complete(ctx, req)
}

// HealthCheck probes every registered provider and aggregates failures.
func (m *Mux) HealthCheck(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result *multierror.Error
	for tag, p := range m.providers {
		if err := p.HealthCheck(ctx); err != nil {
			m.logger.WithError(err).WithField("provider", tag).Warn("Provider health check failed")
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

// HealthCheckOne probes a single provider by tag.
func (m *Mux) HealthCheckOne(ctx context.Context, tag string) error {
	m.mu.RLock()
	p, ok := m.providers[tag]
	m.mu.RUnlock()
	if !ok {
		return types.NewConfigError("no provider registered as %s", tag)
	}
	return p.HealthCheck(ctx)
}

// DiscoverModels merges descriptor lists from every provider that supports
// discovery. A single failing provider does not fail the whole discovery.
func (m *Mux) DiscoverModels(ctx context.Context) ([]types.ModelDescriptor, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var all []types.ModelDescriptor
	var result *multierror.Error
	for _, tag := range m.order {
		disc, ok := m.providers[tag].(DiscoveryProvider)
		if !ok {
			continue
		}
		models, err := disc.DiscoverModels(ctx)
		if err != nil {
			m.logger.WithError(err).WithField("provider", tag).Warn("Model discovery failed")
			result = multierror.Append(result, err)
			continue
		}
		all = append(all, models...)
	}
	if len(all) == 0 && result != nil {
		return nil, result.ErrorOrNil()
	}
	return all, nil
}

func (m *Mux) resolve(req *Request) (ModelProvider, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	tag := req.ProviderTag
	if tag == "" {
		for prefix, t := range prefixTags {
			if strings.HasPrefix(req.ModelID, prefix) {
				tag = t
				break
			}
		}
	}
	if p, ok := m.providers[tag]; ok {
		return p, nil
	}
	return nil, types.NewConfigError("no provider registered for model %s", req.ModelID)
}
