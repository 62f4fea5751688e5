package registry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tributary-ai/llm-orchestrator/internal/types"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

type scriptedDiscovery struct {
	models []types.ModelDescriptor
	err    error
}

func (d *scriptedDiscovery) DiscoverModels(ctx context.Context) ([]types.ModelDescriptor, error) {
	return d.models, d.err
}

func builtin() []types.ModelDescriptor {
	return []types.ModelDescriptor{
		{ID: "builtin-model", Provider: "openai", ContextLength: 8000},
	}
}

func TestRegistryServesBuiltinBeforeFirstRefresh(t *testing.T) {
	r := New(&scriptedDiscovery{}, Config{Builtin: builtin()}, testLogger())

	catalog := r.Catalog()
	assert.Equal(t, "builtin", catalog.Source)
	require.Len(t, catalog.Models, 1)

	desc, ok := r.Get("builtin-model")
	assert.True(t, ok)
	assert.Equal(t, "openai", desc.Provider)
}

func TestRefreshSwapsSnapshot(t *testing.T) {
	disc := &scriptedDiscovery{models: []types.ModelDescriptor{
		{ID: "discovered-a", Provider: "openai"},
		{ID: "discovered-b", Provider: "anthropic"},
	}}
	r := New(disc, Config{Builtin: builtin()}, testLogger())

	require.NoError(t, r.Refresh(context.Background()))

	catalog := r.Catalog()
	assert.Equal(t, "discovery", catalog.Source)
	assert.Len(t, catalog.Models, 2)

	_, ok := r.Get("builtin-model")
	assert.False(t, ok, "refresh replaces the snapshot wholesale")
}

func TestRefreshFailureKeepsLastKnownGood(t *testing.T) {
	disc := &scriptedDiscovery{models: []types.ModelDescriptor{
		{ID: "discovered-a", Provider: "openai"},
	}}
	r := New(disc, Config{Builtin: builtin()}, testLogger())
	require.NoError(t, r.Refresh(context.Background()))

	disc.models = nil
	disc.err = errors.New("provider unreachable")
	assert.Error(t, r.Refresh(context.Background()))

	catalog := r.Catalog()
	assert.Equal(t, "discovery", catalog.Source, "failed refresh keeps previous snapshot")
	require.Len(t, catalog.Models, 1)
	assert.Equal(t, "discovered-a", catalog.Models[0].ID)
}

func TestRefreshFailureBeforeAnySuccessServesBuiltin(t *testing.T) {
	disc := &scriptedDiscovery{err: errors.New("unreachable")}
	r := New(disc, Config{Builtin: builtin()}, testLogger())

	assert.Error(t, r.Refresh(context.Background()))
	assert.Equal(t, "builtin", r.Catalog().Source)
}

func TestAllowRefreshEnforcesPerCallerCooldown(t *testing.T) {
	r := New(&scriptedDiscovery{}, Config{
		Builtin:         builtin(),
		RefreshCooldown: time.Hour,
	}, testLogger())

	assert.True(t, r.AllowRefresh("caller-1"), "first request always passes")
	assert.False(t, r.AllowRefresh("caller-1"), "second request within cooldown is denied")
	assert.True(t, r.AllowRefresh("caller-2"), "cooldown is per caller")
}

func TestListFiltersModels(t *testing.T) {
	disc := &scriptedDiscovery{models: []types.ModelDescriptor{
		{ID: "a", Provider: "openai"},
		{ID: "b", Provider: "anthropic"},
	}}
	r := New(disc, Config{Builtin: builtin()}, testLogger())
	require.NoError(t, r.Refresh(context.Background()))

	anthropicOnly := r.List(func(m types.ModelDescriptor) bool {
		return m.Provider == "anthropic"
	})
	require.Len(t, anthropicOnly, 1)
	assert.Equal(t, "b", anthropicOnly[0].ID)

	all := r.List(nil)
	assert.Len(t, all, 2)
}
