package batch

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tributary-ai/llm-orchestrator/internal/checkpoint"
	"github.com/tributary-ai/llm-orchestrator/internal/metrics"
	"github.com/tributary-ai/llm-orchestrator/internal/store"
	"github.com/tributary-ai/llm-orchestrator/internal/types"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

// fakeRunner counts per-item invocations and can block or fail on demand.
type fakeRunner struct {
	mu      sync.Mutex
	calls   map[int]int
	fail    map[int]bool
	started chan int      // receives an item index when its phase begins
	release chan struct{} // when non-nil, phases block until closed
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{calls: make(map[int]int), fail: make(map[int]bool)}
}

func (f *fakeRunner) RunPhase(ctx context.Context, job *types.BatchJob, phase types.Phase, item *types.BatchItem) (types.PhaseResult, error) {
	f.mu.Lock()
	f.calls[item.Index]++
	f.mu.Unlock()

	if f.started != nil {
		select {
		case f.started <- item.Index:
		case <-ctx.Done():
			return types.PhaseResult{}, ctx.Err()
		}
	}
	if f.release != nil {
		select {
		case <-f.release:
		case <-ctx.Done():
			return types.PhaseResult{}, ctx.Err()
		}
	}

	if f.fail[item.Index] {
		return types.PhaseResult{}, types.NewTransientError("simulated phase failure", nil)
	}
	return types.PhaseResult{
		Phase:   phase.Name,
		ModelID: "test-model",
		Output:  fmt.Sprintf("output-%d", item.Index),
		Cost:    phaseCost,
		Success: true,
	}, nil
}

const phaseCost = 0.25

func (f *fakeRunner) totalCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	total := 0
	for _, n := range f.calls {
		total += n
	}
	return total
}

func (f *fakeRunner) callsFor(index int) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[index]
}

func newTestService(runner PhaseRunner) (*Service, store.Store, *checkpoint.Service) {
	logger := testLogger()
	st := store.NewMemoryStore()
	cps := checkpoint.NewService(st, logger)
	svc := NewService(st, cps, runner, metrics.New(), DefaultConfig(), logger)
	return svc, st, cps
}

func submitJob(t *testing.T, svc *Service, items, concurrency, frequency int) *types.BatchJob {
	t.Helper()
	req := &SubmitRequest{
		Name:                "test-job",
		CallerID:            "tester",
		Concurrency:         concurrency,
		CheckpointFrequency: frequency,
		Phases:              []types.Phase{{Name: "process"}},
	}
	for i := 0; i < items; i++ {
		req.Items = append(req.Items, ItemInput{Input: fmt.Sprintf("input-%d", i)})
	}
	job, err := svc.Submit(context.Background(), req)
	require.NoError(t, err)
	return job
}

func waitForStatus(t *testing.T, st store.Store, jobID string, want types.JobStatus) {
	t.Helper()
	require.Eventually(t, func() bool {
		job, err := st.GetJob(context.Background(), jobID)
		return err == nil && job.Status == want
	}, 5*time.Second, 5*time.Millisecond, "job never reached status %s", want)
}

func TestSubmitValidatesBoundaries(t *testing.T) {
	svc, _, _ := newTestService(newFakeRunner())
	ctx := context.Background()
	phase := []types.Phase{{Name: "p"}}

	t.Run("no items", func(t *testing.T) {
		_, err := svc.Submit(ctx, &SubmitRequest{Phases: phase})
		require.Error(t, err)
		assert.Equal(t, types.ErrConfig, types.CategoryOf(err))
	})

	t.Run("too many items", func(t *testing.T) {
		req := &SubmitRequest{Phases: phase}
		for i := 0; i < DefaultConfig().MaxItems+1; i++ {
			req.Items = append(req.Items, ItemInput{Input: "x"})
		}
		_, err := svc.Submit(ctx, req)
		require.Error(t, err)
		assert.Equal(t, types.ErrConfig, types.CategoryOf(err))
	})

	t.Run("too many phases", func(t *testing.T) {
		req := &SubmitRequest{Items: []ItemInput{{Input: "x"}}}
		for i := 0; i < DefaultConfig().MaxPhases+1; i++ {
			req.Phases = append(req.Phases, types.Phase{Name: fmt.Sprintf("p%d", i)})
		}
		_, err := svc.Submit(ctx, req)
		require.Error(t, err)
		assert.Equal(t, types.ErrConfig, types.CategoryOf(err))
	})

	t.Run("oversized item input", func(t *testing.T) {
		big := make([]byte, DefaultConfig().MaxItemInputBytes+1)
		_, err := svc.Submit(ctx, &SubmitRequest{
			Items:  []ItemInput{{Input: string(big)}},
			Phases: phase,
		})
		require.Error(t, err)
		assert.Equal(t, types.ErrConfig, types.CategoryOf(err))
	})

	t.Run("concurrency clamped to bound", func(t *testing.T) {
		job, err := svc.Submit(ctx, &SubmitRequest{
			Items:       []ItemInput{{Input: "x"}},
			Phases:      phase,
			Concurrency: 500,
		})
		require.NoError(t, err)
		assert.Equal(t, DefaultConfig().MaxConcurrency, job.Concurrency)
	})
}

func TestJobRunsToCompletion(t *testing.T) {
	runner := newFakeRunner()
	svc, st, _ := newTestService(runner)
	job := submitJob(t, svc, 10, 3, 4)

	require.NoError(t, svc.Start(context.Background(), job.ID))
	waitForStatus(t, st, job.ID, types.JobCompleted)

	assert.Equal(t, 10, runner.totalCalls())

	items, err := st.ListItems(context.Background(), job.ID)
	require.NoError(t, err)
	for _, item := range items {
		assert.False(t, item.Failed)
		require.Len(t, item.Results, 1)
		assert.True(t, item.Results[0].Success)
	}

	cp, err := st.LoadCheckpoint(context.Background(), job.ID)
	require.NoError(t, err)
	require.NotNil(t, cp)
	assert.Equal(t, 9, cp.LastIndex)
	assert.Len(t, cp.Completed, 10)
}

func TestResumeSkipsCheckpointedItems(t *testing.T) {
	runner := newFakeRunner()
	svc, st, cps := newTestService(runner)
	job := submitJob(t, svc, 10, 3, 4)

	// Simulate a crash after items 1-6 completed: the checkpoint exists but
	// the process never marked the job terminal.
	require.NoError(t, cps.Save(context.Background(), job.ID, []int{0, 1, 2, 3, 4, 5}))

	require.NoError(t, svc.Start(context.Background(), job.ID))
	waitForStatus(t, st, job.ID, types.JobCompleted)

	assert.Equal(t, 4, runner.totalCalls(), "only items 7-10 run after resume")
	for i := 0; i < 6; i++ {
		assert.Zero(t, runner.callsFor(i), "checkpointed item %d must not be re-executed", i)
	}
	for i := 6; i < 10; i++ {
		assert.Equal(t, 1, runner.callsFor(i))
	}
}

func TestResumeIsIdempotent(t *testing.T) {
	runner := newFakeRunner()
	svc, st, cps := newTestService(runner)
	job := submitJob(t, svc, 4, 2, 2)

	require.NoError(t, cps.Save(context.Background(), job.ID, []int{0, 1, 2, 3}))
	require.NoError(t, svc.Start(context.Background(), job.ID))
	waitForStatus(t, st, job.ID, types.JobCompleted)

	assert.Zero(t, runner.totalCalls(), "a fully checkpointed job needs zero executions")
}

func TestPauseWaitsForInFlightItems(t *testing.T) {
	runner := newFakeRunner()
	runner.started = make(chan int)
	runner.release = make(chan struct{})
	svc, st, _ := newTestService(runner)
	job := submitJob(t, svc, 10, 2, 4)

	require.NoError(t, svc.Start(context.Background(), job.ID))

	// Two items in flight.
	<-runner.started
	<-runner.started

	pauseDone := make(chan error, 1)
	go func() {
		pauseDone <- svc.Pause(context.Background(), job.ID)
	}()

	select {
	case <-pauseDone:
		t.Fatal("pause returned while items were still in flight")
	case <-time.After(50 * time.Millisecond):
	}

	close(runner.release)
	require.NoError(t, <-pauseDone)

	jobNow, err := st.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, types.JobPaused, jobNow.Status)
	assert.Equal(t, 2, runner.totalCalls(), "only the in-flight items ran")

	cp, err := st.LoadCheckpoint(context.Background(), job.ID)
	require.NoError(t, err)
	require.NotNil(t, cp, "pause writes a final checkpoint")
	assert.Len(t, cp.Completed, 2)
}

func TestCancelStopsImmediately(t *testing.T) {
	runner := newFakeRunner()
	runner.started = make(chan int)
	runner.release = make(chan struct{})
	svc, st, _ := newTestService(runner)
	job := submitJob(t, svc, 10, 2, 4)

	require.NoError(t, svc.Start(context.Background(), job.ID))
	<-runner.started
	<-runner.started

	// Cancel does not wait for the blocked items; their contexts are killed.
	require.NoError(t, svc.Cancel(context.Background(), job.ID))

	jobNow, err := st.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, types.JobCancelled, jobNow.Status)

	cp, err := st.LoadCheckpoint(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Nil(t, cp, "cancel writes no checkpoint")
}

func TestPausedJobResumesFromCheckpoint(t *testing.T) {
	runner := newFakeRunner()
	runner.started = make(chan int)
	runner.release = make(chan struct{})
	svc, st, _ := newTestService(runner)
	job := submitJob(t, svc, 6, 2, 2)

	require.NoError(t, svc.Start(context.Background(), job.ID))
	<-runner.started
	<-runner.started

	pauseDone := make(chan error, 1)
	go func() { pauseDone <- svc.Pause(context.Background(), job.ID) }()
	close(runner.release)
	require.NoError(t, <-pauseDone)

	processed := runner.totalCalls()
	require.Equal(t, 2, processed)

	// Unblock subsequent phases entirely.
	runner.started = nil
	runner.release = nil

	require.NoError(t, svc.Resume(context.Background(), job.ID))
	waitForStatus(t, st, job.ID, types.JobCompleted)

	assert.Equal(t, 6, runner.totalCalls(), "each item executes exactly once across pause/resume")
}

func TestItemFailureDoesNotAbortJob(t *testing.T) {
	runner := newFakeRunner()
	runner.fail[2] = true
	svc, st, _ := newTestService(runner)
	job := submitJob(t, svc, 5, 2, 2)

	require.NoError(t, svc.Start(context.Background(), job.ID))
	waitForStatus(t, st, job.ID, types.JobCompleted)

	items, err := st.ListItems(context.Background(), job.ID)
	require.NoError(t, err)
	for _, item := range items {
		if item.Index == 2 {
			assert.True(t, item.Failed)
			require.Len(t, item.Results, 1)
			assert.False(t, item.Results[0].Success)
			assert.NotEmpty(t, item.Results[0].Error)
		} else {
			assert.False(t, item.Failed)
		}
	}

	// Failed items count as processed: resume must not redo them.
	cp, err := st.LoadCheckpoint(context.Background(), job.ID)
	require.NoError(t, err)
	require.NotNil(t, cp)
	assert.Len(t, cp.Completed, 5)
}

func TestTerminalStatusesRejectControlOperations(t *testing.T) {
	for _, terminal := range []types.JobStatus{
		types.JobCompleted, types.JobFailed, types.JobCancelled,
	} {
		t.Run(string(terminal), func(t *testing.T) {
			svc, st, _ := newTestService(newFakeRunner())
			job := submitJob(t, svc, 2, 1, 1)
			require.NoError(t, st.UpdateJobStatus(context.Background(), job.ID, types.JobRunning))
			require.NoError(t, st.UpdateJobStatus(context.Background(), job.ID, terminal))

			assert.Error(t, svc.Start(context.Background(), job.ID))
			assert.Error(t, svc.Pause(context.Background(), job.ID))
			assert.Error(t, svc.Resume(context.Background(), job.ID))
			assert.Error(t, svc.Cancel(context.Background(), job.ID))

			jobNow, err := st.GetJob(context.Background(), job.ID)
			require.NoError(t, err)
			assert.Equal(t, terminal, jobNow.Status, "terminal status never changes")
		})
	}
}

func TestStartTwiceIsRejected(t *testing.T) {
	runner := newFakeRunner()
	runner.started = make(chan int)
	runner.release = make(chan struct{})
	svc, _, _ := newTestService(runner)
	job := submitJob(t, svc, 4, 1, 1)

	require.NoError(t, svc.Start(context.Background(), job.ID))
	<-runner.started

	err := svc.Start(context.Background(), job.ID)
	require.Error(t, err, "a running job cannot be started again")

	require.NoError(t, svc.Cancel(context.Background(), job.ID))
}

// gatedStore delays a specific status write so control operations can race
// the run loop deterministically.
type gatedStore struct {
	store.Store
	gate    types.JobStatus
	reached chan struct{}
	release chan struct{}
	once    sync.Once
}

func (g *gatedStore) UpdateJobStatus(ctx context.Context, id string, status types.JobStatus) error {
	if status == g.gate {
		g.once.Do(func() { close(g.reached) })
		<-g.release
	}
	return g.Store.UpdateJobStatus(ctx, id, status)
}

func TestCancelRacingCompletionKeepsCompleted(t *testing.T) {
	logger := testLogger()
	gated := &gatedStore{
		Store:   store.NewMemoryStore(),
		gate:    types.JobCompleted,
		reached: make(chan struct{}),
		release: make(chan struct{}),
	}
	cps := checkpoint.NewService(gated, logger)
	runner := newFakeRunner()
	svc := NewService(gated, cps, runner, metrics.New(), DefaultConfig(), logger)
	job := submitJob(t, svc, 2, 1, 1)

	require.NoError(t, svc.Start(context.Background(), job.ID))

	// Every item is done; the loop is about to write COMPLETED.
	<-gated.reached

	cancelDone := make(chan error, 1)
	go func() { cancelDone <- svc.Cancel(context.Background(), job.ID) }()

	// Let Cancel pass its status check and block on the drain, then let the
	// loop finish first.
	time.Sleep(50 * time.Millisecond)
	close(gated.release)

	require.NoError(t, <-cancelDone)

	jobNow, err := gated.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, types.JobCompleted, jobNow.Status,
		"a job that finished before cancellation landed stays completed")
	assert.Equal(t, 2, runner.totalCalls())
}

func TestSubmitWithAutoStartRunsImmediately(t *testing.T) {
	runner := newFakeRunner()
	svc, st, _ := newTestService(runner)

	job, err := svc.Submit(context.Background(), &SubmitRequest{
		Name:      "auto",
		Items:     []ItemInput{{Input: "a"}, {Input: "b"}, {Input: "c"}},
		Phases:    []types.Phase{{Name: "process"}},
		AutoStart: true,
	})
	require.NoError(t, err)
	assert.Equal(t, types.JobRunning, job.Status, "auto-start skips the separate start call")

	waitForStatus(t, st, job.ID, types.JobCompleted)
	assert.Equal(t, 3, runner.totalCalls())
}

func TestDetailAggregatesProgress(t *testing.T) {
	runner := newFakeRunner()
	runner.fail[1] = true
	svc, st, _ := newTestService(runner)
	job := submitJob(t, svc, 4, 2, 2)

	detail, err := svc.Detail(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Zero(t, detail.Processed, "nothing is processed before start")
	require.Len(t, detail.PhaseStats, 1)
	assert.Equal(t, "process", detail.PhaseStats[0].Phase)

	require.NoError(t, svc.Start(context.Background(), job.ID))
	waitForStatus(t, st, job.ID, types.JobCompleted)

	detail, err = svc.Detail(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, 4, detail.Processed)
	assert.Equal(t, 1, detail.FailedItems)
	require.Len(t, detail.PhaseStats, 1)
	assert.Equal(t, 3, detail.PhaseStats[0].Succeeded)
	assert.Equal(t, 1, detail.PhaseStats[0].Failed)
	assert.InDelta(t, 3*phaseCost, detail.PhaseStats[0].Cost, 1e-9)
}

func TestDeleteRunningJobIsRejected(t *testing.T) {
	runner := newFakeRunner()
	runner.started = make(chan int)
	runner.release = make(chan struct{})
	svc, st, _ := newTestService(runner)
	job := submitJob(t, svc, 4, 1, 1)

	require.NoError(t, svc.Start(context.Background(), job.ID))
	<-runner.started
	assert.Error(t, svc.Delete(context.Background(), job.ID))

	require.NoError(t, svc.Cancel(context.Background(), job.ID))
	require.NoError(t, svc.Delete(context.Background(), job.ID))

	_, err := st.GetJob(context.Background(), job.ID)
	assert.Error(t, err, "deleted job is gone")
}
