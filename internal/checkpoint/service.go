// Package checkpoint manages durable batch-job progress markers.
package checkpoint

import (
	"context"
	"sort"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tributary-ai/llm-orchestrator/internal/store"
	"github.com/tributary-ai/llm-orchestrator/internal/types"
)

// Service saves, loads, and garbage-collects checkpoints on top of the store.
type Service struct {
	store  store.Store
	logger *logrus.Logger
}

// NewService creates a checkpoint service.
func NewService(st store.Store, logger *logrus.Logger) *Service {
	return &Service{store: st, logger: logger}
}

// Save persists the job's progress, superseding any previous checkpoint.
// Completed indices are normalized to sorted order and LastIndex is recomputed
// as the highest contiguous completed prefix.
func (s *Service) Save(ctx context.Context, jobID string, completed []int) error {
	sorted := append([]int(nil), completed...)
	sort.Ints(sorted)

	cp := &types.Checkpoint{
		JobID:     jobID,
		LastIndex: contiguousPrefix(sorted),
		Completed: sorted,
		SavedAt:   time.Now(),
	}
	if err := s.store.SaveCheckpoint(ctx, cp); err != nil {
		return err
	}
	s.logger.WithFields(logrus.Fields{
		"job_id":     jobID,
		"last_index": cp.LastIndex,
		"completed":  len(sorted),
	}).Debug("Checkpoint saved")
	return nil
}

// Load returns the job's checkpoint, or nil when none exists. Resuming from a
// missing checkpoint means starting from item zero.
func (s *Service) Load(ctx context.Context, jobID string) (*types.Checkpoint, error) {
	return s.store.LoadCheckpoint(ctx, jobID)
}

// Cleanup removes checkpoints of terminally-finished jobs older than the given
// age. Only terminal statuses are eligible; paused and running jobs keep their
// checkpoints no matter how old, since those are still needed for resume.
func (s *Service) Cleanup(ctx context.Context, olderThan time.Duration, statuses []types.JobStatus) (int64, error) {
	if len(statuses) == 0 {
		statuses = []types.JobStatus{types.JobCompleted, types.JobFailed, types.JobCancelled}
	}
	eligible := make([]types.JobStatus, 0, len(statuses))
	for _, st := range statuses {
		if st.Terminal() {
			eligible = append(eligible, st)
		} else {
			s.logger.WithField("status", st).Warn("Skipping non-terminal status in checkpoint cleanup")
		}
	}
	if len(eligible) == 0 {
		return 0, types.NewValidationError("no terminal statuses given for cleanup")
	}

	cutoff := time.Now().Add(-olderThan)
	removed, err := s.store.CleanupCheckpoints(ctx, cutoff, eligible)
	if err != nil {
		return 0, err
	}
	if removed > 0 {
		s.logger.WithField("removed", removed).Info("Checkpoints cleaned up")
	}
	return removed, nil
}

// contiguousPrefix returns the highest index n such that 0..n are all present
// in the sorted slice, or -1 when index 0 is absent.
func contiguousPrefix(sorted []int) int {
	last := -1
	for _, idx := range sorted {
		if idx == last+1 {
			last = idx
		} else if idx > last+1 {
			break
		}
	}
	return last
}
