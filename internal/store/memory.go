package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/tributary-ai/llm-orchestrator/internal/types"
)

// MemoryStore is the demo-mode Store implementation. Everything lives in
// process memory; a restart loses all state.
type MemoryStore struct {
	mu          sync.RWMutex
	jobs        map[string]*types.BatchJob
	items       map[string][]types.BatchItem
	checkpoints map[string]*types.Checkpoint
	decisions   []types.RoutingDecision
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs:        make(map[string]*types.BatchJob),
		items:       make(map[string][]types.BatchItem),
		checkpoints: make(map[string]*types.Checkpoint),
	}
}

func (s *MemoryStore) CreateJob(ctx context.Context, job *types.BatchJob, items []types.BatchItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *job
	s.jobs[job.ID] = &copied
	stored := make([]types.BatchItem, len(items))
	copy(stored, items)
	s.items[job.ID] = stored
	return nil
}

func (s *MemoryStore) GetJob(ctx context.Context, id string) (*types.BatchJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[id]
	if !ok {
		return nil, types.NewConfigError("job %s not found", id)
	}
	copied := *job
	return &copied, nil
}

func (s *MemoryStore) ListJobs(ctx context.Context) ([]types.BatchJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	jobs := make([]types.BatchJob, 0, len(s.jobs))
	for _, job := range s.jobs {
		jobs = append(jobs, *job)
	}
	sort.Slice(jobs, func(i, j int) bool {
		return jobs[i].CreatedAt.After(jobs[j].CreatedAt)
	})
	return jobs, nil
}

// UpdateJobStatus applies the state machine under the store lock, so a
// concurrent writer can never move a job out of a terminal state.
func (s *MemoryStore) UpdateJobStatus(ctx context.Context, id string, status types.JobStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return types.NewConfigError("job %s not found", id)
	}
	if !job.Status.CanTransitionTo(status) {
		return types.NewValidationError(
			fmt.Sprintf("job %s cannot transition from %s to %s", id, job.Status, status))
	}
	job.Status = status
	return nil
}

func (s *MemoryStore) DeleteJob(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.jobs, id)
	delete(s.items, id)
	delete(s.checkpoints, id)
	return nil
}

func (s *MemoryStore) ListItems(ctx context.Context, jobID string) ([]types.BatchItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	items := make([]types.BatchItem, len(s.items[jobID]))
	copy(items, s.items[jobID])
	return items, nil
}

func (s *MemoryStore) SaveItemResults(ctx context.Context, jobID string, item *types.BatchItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	items := s.items[jobID]
	for i := range items {
		if items[i].Index == item.Index {
			items[i].Results = append([]types.PhaseResult(nil), item.Results...)
			items[i].Failed = item.Failed
			return nil
		}
	}
	return types.NewConfigError("item %d not found in job %s", item.Index, jobID)
}

func (s *MemoryStore) SaveCheckpoint(ctx context.Context, cp *types.Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *cp
	copied.Completed = append([]int(nil), cp.Completed...)
	s.checkpoints[cp.JobID] = &copied
	return nil
}

func (s *MemoryStore) LoadCheckpoint(ctx context.Context, jobID string) (*types.Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cp, ok := s.checkpoints[jobID]
	if !ok {
		return nil, nil
	}
	copied := *cp
	copied.Completed = append([]int(nil), cp.Completed...)
	return &copied, nil
}

func (s *MemoryStore) CleanupCheckpoints(ctx context.Context, olderThan time.Time, statuses []types.JobStatus) (int64, error) {
	allowed := make(map[types.JobStatus]bool, len(statuses))
	for _, st := range statuses {
		allowed[st] = true
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	var removed int64
	for jobID, cp := range s.checkpoints {
		job, ok := s.jobs[jobID]
		if !ok || !allowed[job.Status] {
			continue
		}
		if cp.SavedAt.Before(olderThan) {
			delete(s.checkpoints, jobID)
			removed++
		}
	}
	return removed, nil
}

func (s *MemoryStore) SaveDecision(ctx context.Context, d *types.RoutingDecision) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.decisions = append(s.decisions, *d)
	return nil
}

func (s *MemoryStore) ListDecisions(ctx context.Context, limit int) ([]types.RoutingDecision, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if limit <= 0 || limit > len(s.decisions) {
		limit = len(s.decisions)
	}
	out := make([]types.RoutingDecision, 0, limit)
	for i := len(s.decisions) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, s.decisions[i])
	}
	return out, nil
}
