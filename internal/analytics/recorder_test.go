package analytics

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tributary-ai/llm-orchestrator/internal/store"
	"github.com/tributary-ai/llm-orchestrator/internal/types"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

func TestRecordFlushesToStore(t *testing.T) {
	st := store.NewMemoryStore()
	r := NewRecorder(st, Config{BufferSize: 10, FlushInterval: 10 * time.Millisecond}, testLogger())
	defer r.Stop()

	r.Record(&types.RoutingDecision{ID: "d-1", ExecutedModel: "model-a"})

	assert.Eventually(t, func() bool {
		decisions, err := st.ListDecisions(context.Background(), 10)
		return err == nil && len(decisions) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestStopDrainsPendingDecisions(t *testing.T) {
	st := store.NewMemoryStore()
	// Long flush interval so Stop is what forces the drain.
	r := NewRecorder(st, Config{BufferSize: 10, FlushInterval: time.Hour}, testLogger())

	for i := 0; i < 5; i++ {
		r.Record(&types.RoutingDecision{ID: fmt.Sprintf("d-%d", i)})
	}
	r.Stop()

	decisions, err := st.ListDecisions(context.Background(), 0)
	require.NoError(t, err)
	assert.Len(t, decisions, 5)
}

func TestRecordAfterStopIsIgnored(t *testing.T) {
	st := store.NewMemoryStore()
	r := NewRecorder(st, Config{}, testLogger())
	r.Stop()
	r.Stop()

	r.Record(&types.RoutingDecision{ID: "late"})

	decisions, err := st.ListDecisions(context.Background(), 0)
	require.NoError(t, err)
	assert.Empty(t, decisions)
}

func TestRecentReturnsNewestFirst(t *testing.T) {
	st := store.NewMemoryStore()
	r := NewRecorder(st, Config{FlushInterval: time.Hour}, testLogger())

	for i := 0; i < 3; i++ {
		r.Record(&types.RoutingDecision{ID: fmt.Sprintf("d-%d", i)})
	}
	r.Stop()

	recent, err := r.Recent(context.Background(), 2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, "d-2", recent[0].ID)
}
