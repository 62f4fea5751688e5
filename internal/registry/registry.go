// Package registry maintains the catalog of available model descriptors,
// refreshed from a discovery provider with cached and builtin fallbacks.
package registry

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/tributary-ai/llm-orchestrator/internal/provider"
	"github.com/tributary-ai/llm-orchestrator/internal/types"
)

// Config holds registry configuration.
type Config struct {
	// RefreshCooldown is the minimum interval between refreshes accepted
	// from a single caller.
	RefreshCooldown time.Duration `yaml:"refresh_cooldown"`
	// Builtin is the minimal catalog served when discovery has never
	// succeeded. Pricing data here is configuration, not code.
	Builtin []types.ModelDescriptor `yaml:"builtin"`
}

// Registry holds the current catalog snapshot. Reads are lock-free: the
// snapshot is an immutable Catalog replaced wholesale on refresh.
type Registry struct {
	discovery provider.DiscoveryProvider
	snapshot  atomic.Pointer[types.Catalog]
	cooldown  time.Duration
	logger    *logrus.Logger

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// New creates a registry seeded with the builtin catalog so reads never block
// on a first discovery round-trip.
func New(discovery provider.DiscoveryProvider, cfg Config, logger *logrus.Logger) *Registry {
	if cfg.RefreshCooldown == 0 {
		cfg.RefreshCooldown = 30 * time.Second
	}
	r := &Registry{
		discovery: discovery,
		cooldown:  cfg.RefreshCooldown,
		logger:    logger,
		limiters:  make(map[string]*rate.Limiter),
	}
	r.snapshot.Store(&types.Catalog{
		Models:      cfg.Builtin,
		RefreshedAt: time.Now(),
		Source:      "builtin",
	})
	return r
}

// Catalog returns the current snapshot. Never nil.
func (r *Registry) Catalog() *types.Catalog {
	return r.snapshot.Load()
}

// Get returns the descriptor for a model id from the current snapshot.
func (r *Registry) Get(id string) (types.ModelDescriptor, bool) {
	return r.Catalog().Get(id)
}

// List returns the models of the current snapshot, optionally filtered.
func (r *Registry) List(keep func(types.ModelDescriptor) bool) []types.ModelDescriptor {
	catalog := r.Catalog()
	if keep == nil {
		models := make([]types.ModelDescriptor, len(catalog.Models))
		copy(models, catalog.Models)
		return models
	}
	var models []types.ModelDescriptor
	for _, m := range catalog.Models {
		if keep(m) {
			models = append(models, m)
		}
	}
	return models
}

// Refresh pulls the latest descriptor list from the discovery provider and
// replaces the snapshot atomically. On discovery failure the last-known-good
// snapshot stays in place; callers keep reading the best available data.
func (r *Registry) Refresh(ctx context.Context) error {
	models, err := r.discovery.DiscoverModels(ctx)
	if err != nil || len(models) == 0 {
		r.logger.WithError(err).WithFields(logrus.Fields{
			"fallback_source": r.Catalog().Source,
			"fallback_models": len(r.Catalog().Models),
		}).Warn("Model discovery failed, keeping previous catalog")
		return err
	}

	old := r.Catalog()
	r.snapshot.Store(&types.Catalog{
		Models:      models,
		RefreshedAt: time.Now(),
		Source:      "discovery",
	})

	r.logger.WithFields(logrus.Fields{
		"models":          len(models),
		"previous_models": len(old.Models),
		"previous_source": old.Source,
	}).Info("Model catalog refreshed")
	return nil
}

// AllowRefresh enforces the per-caller refresh cooldown. The first request
// from a caller always passes; subsequent ones pass at most once per
// cooldown window.
func (r *Registry) AllowRefresh(caller string) bool {
	r.mu.Lock()
	limiter, ok := r.limiters[caller]
	if !ok {
		limiter = rate.NewLimiter(rate.Every(r.cooldown), 1)
		r.limiters[caller] = limiter
	}
	r.mu.Unlock()
	return limiter.Allow()
}
