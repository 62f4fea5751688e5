// Package batch executes long-running multi-item, multi-phase jobs with
// bounded concurrency, durable checkpoints, and pause/resume/cancel control.
package batch

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/tributary-ai/llm-orchestrator/internal/checkpoint"
	"github.com/tributary-ai/llm-orchestrator/internal/metrics"
	"github.com/tributary-ai/llm-orchestrator/internal/store"
	"github.com/tributary-ai/llm-orchestrator/internal/types"
)

// PhaseRunner executes one phase against one item. The production runner is
// backed by the orchestrator; tests substitute a fake.
type PhaseRunner interface {
	RunPhase(ctx context.Context, job *types.BatchJob, phase types.Phase, item *types.BatchItem) (types.PhaseResult, error)
}

// Config bounds job submission and execution.
type Config struct {
	MaxItems                   int `yaml:"max_items"`
	MaxPhases                  int `yaml:"max_phases"`
	MaxItemInputBytes          int `yaml:"max_item_input_bytes"`
	MaxConcurrency             int `yaml:"max_concurrency"`
	DefaultConcurrency         int `yaml:"default_concurrency"`
	DefaultCheckpointFrequency int `yaml:"default_checkpoint_frequency"`
}

// DefaultConfig returns the tuned defaults.
func DefaultConfig() Config {
	return Config{
		MaxItems:                   10000,
		MaxPhases:                  10,
		MaxItemInputBytes:          100 * 1024,
		MaxConcurrency:             50,
		DefaultConcurrency:         4,
		DefaultCheckpointFrequency: 10,
	}
}

// ItemInput is one unit of work in a submission.
type ItemInput struct {
	Input    string            `json:"input"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// SubmitRequest describes a new job.
type SubmitRequest struct {
	Name                string        `json:"name"`
	CallerID            string        `json:"-"`
	Items               []ItemInput   `json:"items"`
	Phases              []types.Phase `json:"phases"`
	Concurrency         int           `json:"concurrency,omitempty"`
	CheckpointFrequency int           `json:"checkpoint_frequency,omitempty"`
	// AutoStart launches execution immediately after submission, skipping
	// the separate start call.
	AutoStart bool `json:"auto_start,omitempty"`
}

// Service owns the job lifecycle. At most one execution loop runs per job at
// any time; the runs map is the guard.
type Service struct {
	store       store.Store
	checkpoints *checkpoint.Service
	runner      PhaseRunner
	metrics     *metrics.Metrics
	cfg         Config
	logger      *logrus.Logger

	mu   sync.Mutex
	runs map[string]*jobRun
}

type jobRun struct {
	cancel    context.CancelFunc
	pause     chan struct{}
	pauseOnce sync.Once
	done      chan struct{}
}

func (r *jobRun) requestPause() {
	r.pauseOnce.Do(func() { close(r.pause) })
}

// NewService creates the batch service.
func NewService(st store.Store, cps *checkpoint.Service, runner PhaseRunner,
	m *metrics.Metrics, cfg Config, logger *logrus.Logger) *Service {
	return &Service{
		store:       st,
		checkpoints: cps,
		runner:      runner,
		metrics:     m,
		cfg:         cfg,
		logger:      logger,
		runs:        make(map[string]*jobRun),
	}
}

// Submit validates the request and persists a new job in the pending state.
// Execution does not begin until Start unless the request asks to auto-start.
func (s *Service) Submit(ctx context.Context, req *SubmitRequest) (*types.BatchJob, error) {
	if len(req.Items) == 0 {
		return nil, types.NewConfigError("job has no items")
	}
	if len(req.Items) > s.cfg.MaxItems {
		return nil, types.NewConfigError("job has %d items, limit is %d", len(req.Items), s.cfg.MaxItems)
	}
	if len(req.Phases) == 0 {
		return nil, types.NewConfigError("job has no phases")
	}
	if len(req.Phases) > s.cfg.MaxPhases {
		return nil, types.NewConfigError("job has %d phases, limit is %d", len(req.Phases), s.cfg.MaxPhases)
	}
	for i, item := range req.Items {
		if len(item.Input) > s.cfg.MaxItemInputBytes {
			return nil, types.NewConfigError("item %d input is %d bytes, limit is %d",
				i, len(item.Input), s.cfg.MaxItemInputBytes)
		}
	}

	concurrency := req.Concurrency
	if concurrency <= 0 {
		concurrency = s.cfg.DefaultConcurrency
	}
	if concurrency > s.cfg.MaxConcurrency {
		concurrency = s.cfg.MaxConcurrency
	}
	frequency := req.CheckpointFrequency
	if frequency <= 0 {
		frequency = s.cfg.DefaultCheckpointFrequency
	}

	job := &types.BatchJob{
		ID:                  uuid.NewString(),
		Name:                req.Name,
		CallerID:            req.CallerID,
		Status:              types.JobPending,
		TotalItems:          len(req.Items),
		Concurrency:         concurrency,
		CheckpointFrequency: frequency,
		Phases:              req.Phases,
		CreatedAt:           time.Now(),
	}
	items := make([]types.BatchItem, len(req.Items))
	for i, in := range req.Items {
		items[i] = types.BatchItem{Index: i, Input: in.Input, Metadata: in.Metadata}
	}

	if err := s.store.CreateJob(ctx, job, items); err != nil {
		return nil, fmt.Errorf("failed to create job: %w", err)
	}
	s.logger.WithFields(logrus.Fields{
		"job_id": job.ID,
		"items":  job.TotalItems,
		"phases": len(job.Phases),
	}).Info("Batch job submitted")

	if req.AutoStart {
		if err := s.launch(ctx, job.ID); err != nil {
			return nil, fmt.Errorf("job %s created but failed to start: %w", job.ID, err)
		}
		job.Status = types.JobRunning
	}
	return job, nil
}

// Start moves a pending job to running and launches its execution loop.
func (s *Service) Start(ctx context.Context, jobID string) error {
	return s.launch(ctx, jobID)
}

// Resume restarts a paused job. The loop reloads the checkpoint and skips
// every item recorded as completed, so re-resuming is idempotent.
func (s *Service) Resume(ctx context.Context, jobID string) error {
	return s.launch(ctx, jobID)
}

func (s *Service) launch(ctx context.Context, jobID string) error {
	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if !job.Status.CanTransitionTo(types.JobRunning) {
		return types.NewValidationError(
			fmt.Sprintf("cannot start job in state %s", job.Status))
	}

	s.mu.Lock()
	if _, exists := s.runs[jobID]; exists {
		s.mu.Unlock()
		return types.NewValidationError("job is already executing")
	}
	runCtx, cancel := context.WithCancel(context.Background())
	run := &jobRun{
		cancel: cancel,
		pause:  make(chan struct{}),
		done:   make(chan struct{}),
	}
	s.runs[jobID] = run
	s.mu.Unlock()

	if err := s.store.UpdateJobStatus(ctx, jobID, types.JobRunning); err != nil {
		s.dropRun(jobID)
		cancel()
		return err
	}
	job.Status = types.JobRunning

	s.metrics.JobsActive.Inc()
	go s.runLoop(runCtx, job, run)
	return nil
}

// Pause cooperatively stops a running job: no new items are dispatched,
// in-flight items finish, a final checkpoint is saved, and the job lands in
// the paused state. Pause blocks until the loop has drained.
func (s *Service) Pause(ctx context.Context, jobID string) error {
	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if !job.Status.CanTransitionTo(types.JobPaused) {
		return types.NewValidationError(
			fmt.Sprintf("cannot pause job in state %s", job.Status))
	}

	s.mu.Lock()
	run, ok := s.runs[jobID]
	s.mu.Unlock()
	if !ok {
		return types.NewValidationError("job has no active execution loop")
	}

	run.requestPause()
	select {
	case <-run.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Cancel stops a job immediately. In-flight work is abandoned via context
// cancellation and no further checkpoint is written; whatever the last
// checkpoint recorded is what a hypothetical restart would see.
func (s *Service) Cancel(ctx context.Context, jobID string) error {
	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if !job.Status.CanTransitionTo(types.JobCancelled) {
		return types.NewValidationError(
			fmt.Sprintf("cannot cancel job in state %s", job.Status))
	}

	s.mu.Lock()
	run, ok := s.runs[jobID]
	s.mu.Unlock()
	if ok {
		run.cancel()
		select {
		case <-run.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if err := s.store.UpdateJobStatus(ctx, jobID, types.JobCancelled); err != nil {
		// The loop can finish and write its own terminal status in the window
		// between the check above and the drain; that status stands.
		if types.CategoryOf(err) == types.ErrValidation {
			s.logger.WithField("job_id", jobID).Info("Job reached a terminal state before cancellation")
			return nil
		}
		return err
	}
	s.logger.WithField("job_id", jobID).Info("Batch job cancelled")
	return nil
}

// Delete removes a job plus its items and checkpoint. Running jobs must be
// cancelled or paused first.
func (s *Service) Delete(ctx context.Context, jobID string) error {
	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status == types.JobRunning {
		return types.NewValidationError("cannot delete a running job")
	}
	return s.store.DeleteJob(ctx, jobID)
}

// Get returns the job record.
func (s *Service) Get(ctx context.Context, jobID string) (*types.BatchJob, error) {
	return s.store.GetJob(ctx, jobID)
}

// PhaseStats aggregates one phase's outcomes across a job's items.
type PhaseStats struct {
	Phase     string  `json:"phase"`
	Succeeded int     `json:"succeeded"`
	Failed    int     `json:"failed"`
	Cost      float64 `json:"cost"`
}

// JobDetail is the status-query view of a job: the record plus progress
// aggregates computed from item results. An item counts as processed once it
// has run, whether it succeeded or failed.
type JobDetail struct {
	types.BatchJob
	Processed   int          `json:"processed"`
	FailedItems int          `json:"failed_items"`
	PhaseStats  []PhaseStats `json:"phase_stats"`
}

// Detail returns the job with processed counts and per-phase aggregates.
func (s *Service) Detail(ctx context.Context, jobID string) (*JobDetail, error) {
	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	items, err := s.store.ListItems(ctx, jobID)
	if err != nil {
		return nil, err
	}

	detail := &JobDetail{BatchJob: *job, PhaseStats: make([]PhaseStats, len(job.Phases))}
	byPhase := make(map[string]*PhaseStats, len(job.Phases))
	for i, phase := range job.Phases {
		detail.PhaseStats[i].Phase = phase.Name
		byPhase[phase.Name] = &detail.PhaseStats[i]
	}

	for i := range items {
		if len(items[i].Results) == 0 {
			continue
		}
		detail.Processed++
		if items[i].Failed {
			detail.FailedItems++
		}
		for _, result := range items[i].Results {
			stats, ok := byPhase[result.Phase]
			if !ok {
				continue
			}
			if result.Success {
				stats.Succeeded++
			} else {
				stats.Failed++
			}
			stats.Cost += result.Cost
		}
	}
	return detail, nil
}

// List returns all jobs, newest first.
func (s *Service) List(ctx context.Context) ([]types.BatchJob, error) {
	return s.store.ListJobs(ctx)
}

// Items returns the job's items with accumulated results.
func (s *Service) Items(ctx context.Context, jobID string) ([]types.BatchItem, error) {
	if _, err := s.store.GetJob(ctx, jobID); err != nil {
		return nil, err
	}
	return s.store.ListItems(ctx, jobID)
}

// Shutdown pauses every running job so their progress is checkpointed before
// the process exits.
func (s *Service) Shutdown(ctx context.Context) {
	s.mu.Lock()
	active := make([]*jobRun, 0, len(s.runs))
	for _, run := range s.runs {
		active = append(active, run)
	}
	s.mu.Unlock()

	for _, run := range active {
		run.requestPause()
	}
	for _, run := range active {
		select {
		case <-run.done:
		case <-ctx.Done():
			return
		}
	}
}

func (s *Service) dropRun(jobID string) {
	s.mu.Lock()
	delete(s.runs, jobID)
	s.mu.Unlock()
}

// runLoop drives one job to completion, pause, cancellation, or failure.
func (s *Service) runLoop(ctx context.Context, job *types.BatchJob, run *jobRun) {
	defer close(run.done)
	defer s.dropRun(job.ID)
	defer s.metrics.JobsActive.Dec()
	defer func() {
		if r := recover(); r != nil {
			s.logger.WithFields(logrus.Fields{
				"job_id": job.ID,
				"panic":  fmt.Sprintf("%v", r),
			}).Error("Batch execution panicked")
			if err := s.store.UpdateJobStatus(context.Background(), job.ID, types.JobFailed); err != nil {
				s.logger.WithError(err).Error("Failed to mark panicked job failed")
			}
		}
	}()

	bg := context.Background()
	tracker := newProgress(job.CheckpointFrequency)
	if cp, err := s.checkpoints.Load(bg, job.ID); err != nil {
		s.logger.WithError(err).WithField("job_id", job.ID).Error("Checkpoint load failed")
		s.failJob(job.ID)
		return
	} else if cp != nil {
		tracker.seed(cp.Completed)
		s.logger.WithFields(logrus.Fields{
			"job_id":     job.ID,
			"completed":  len(cp.Completed),
			"last_index": cp.LastIndex,
		}).Info("Resuming from checkpoint")
	}

	items, err := s.store.ListItems(bg, job.ID)
	if err != nil {
		s.logger.WithError(err).WithField("job_id", job.ID).Error("Item listing failed")
		s.failJob(job.ID)
		return
	}

	sem := make(chan struct{}, job.Concurrency)
	var wg sync.WaitGroup
	paused := false

dispatch:
	for i := range items {
		if tracker.done(items[i].Index) {
			continue
		}
		select {
		case <-ctx.Done():
			break dispatch
		case <-run.pause:
			paused = true
			break dispatch
		case sem <- struct{}{}:
		}

		wg.Add(1)
		go func(item *types.BatchItem) {
			defer wg.Done()
			defer func() { <-sem }()
			s.processItem(ctx, job, item, tracker)
		}(&items[i])
	}

	wg.Wait()

	if ctx.Err() != nil {
		// Cancelled: the controller sets the terminal status. No checkpoint
		// is written past the last periodic save.
		return
	}

	if err := s.checkpoints.Save(bg, job.ID, tracker.snapshot()); err != nil {
		s.logger.WithError(err).WithField("job_id", job.ID).Error("Final checkpoint save failed")
	} else {
		s.metrics.CheckpointSaves.Inc()
	}

	if paused {
		if err := s.store.UpdateJobStatus(bg, job.ID, types.JobPaused); err != nil {
			s.logger.WithError(err).Error("Failed to mark job paused")
		}
		s.logger.WithField("job_id", job.ID).Info("Batch job paused")
		return
	}

	if err := s.store.UpdateJobStatus(bg, job.ID, types.JobCompleted); err != nil {
		s.logger.WithError(err).Error("Failed to mark job completed")
		return
	}
	s.logger.WithFields(logrus.Fields{
		"job_id": job.ID,
		"items":  job.TotalItems,
	}).Info("Batch job completed")
}

// processItem runs every phase against one item. A failing phase marks the
// item failed and stops its remaining phases, but never aborts the job:
// item failures are isolated.
func (s *Service) processItem(ctx context.Context, job *types.BatchJob, item *types.BatchItem, tracker *progress) {
	for _, phase := range job.Phases {
		if ctx.Err() != nil {
			return
		}
		result, err := s.runner.RunPhase(ctx, job, phase, item)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			result = types.PhaseResult{
				Phase:   phase.Name,
				Success: false,
				Error:   types.SafeMessage(err),
			}
		}
		item.Results = append(item.Results, result)
		if !result.Success {
			item.Failed = true
			break
		}
	}

	if ctx.Err() != nil {
		return
	}

	bg := context.Background()
	if err := s.store.SaveItemResults(bg, job.ID, item); err != nil {
		s.logger.WithError(err).WithFields(logrus.Fields{
			"job_id": job.ID,
			"item":   item.Index,
		}).Error("Failed to persist item results")
	}

	outcome := "succeeded"
	if item.Failed {
		outcome = "failed"
	}
	s.metrics.ItemsProcessed.WithLabelValues(outcome).Inc()

	if completed, save := tracker.markDone(item.Index); save {
		if err := s.checkpoints.Save(bg, job.ID, completed); err != nil {
			s.logger.WithError(err).WithField("job_id", job.ID).Error("Checkpoint save failed")
		} else {
			s.metrics.CheckpointSaves.Inc()
		}
	}
}

func (s *Service) failJob(jobID string) {
	if err := s.store.UpdateJobStatus(context.Background(), jobID, types.JobFailed); err != nil {
		s.logger.WithError(err).Error("Failed to mark job failed")
	}
}

// progress tracks completed item indices across workers and decides when a
// periodic checkpoint is due. An item counts as completed once processed,
// whether or not it failed; resume must not redo it either way.
type progress struct {
	mu        sync.Mutex
	completed map[int]bool
	frequency int
	sinceSave int
}

func newProgress(frequency int) *progress {
	if frequency <= 0 {
		frequency = 1
	}
	return &progress{completed: make(map[int]bool), frequency: frequency}
}

func (p *progress) seed(indices []int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, idx := range indices {
		p.completed[idx] = true
	}
}

func (p *progress) done(index int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.completed[index]
}

// markDone records the index and reports whether a checkpoint is due,
// returning the completed snapshot when it is.
func (p *progress) markDone(index int) ([]int, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.completed[index] = true
	p.sinceSave++
	if p.sinceSave < p.frequency {
		return nil, false
	}
	p.sinceSave = 0
	return p.snapshotLocked(), true
}

func (p *progress) snapshot() []int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.snapshotLocked()
}

func (p *progress) snapshotLocked() []int {
	out := make([]int, 0, len(p.completed))
	for idx := range p.completed {
		out = append(out, idx)
	}
	sort.Ints(out)
	return out
}
