// Package store persists jobs, items, checkpoints, and routing decisions.
// Two implementations exist: a gorm-backed store for durable deployments and
// an in-memory store for demo mode. The variant is chosen at construction
// time by the caller.
package store

import (
	"context"
	"time"

	"github.com/tributary-ai/llm-orchestrator/internal/types"
)

// Store is the persistence contract for the batch and checkpoint services.
type Store interface {
	CreateJob(ctx context.Context, job *types.BatchJob, items []types.BatchItem) error
	GetJob(ctx context.Context, id string) (*types.BatchJob, error)
	ListJobs(ctx context.Context) ([]types.BatchJob, error)
	UpdateJobStatus(ctx context.Context, id string, status types.JobStatus) error
	DeleteJob(ctx context.Context, id string) error

	ListItems(ctx context.Context, jobID string) ([]types.BatchItem, error)
	SaveItemResults(ctx context.Context, jobID string, item *types.BatchItem) error

	// SaveCheckpoint overwrites the job's checkpoint row atomically with
	// respect to concurrent loads.
	SaveCheckpoint(ctx context.Context, cp *types.Checkpoint) error
	// LoadCheckpoint returns nil, nil when no checkpoint exists.
	LoadCheckpoint(ctx context.Context, jobID string) (*types.Checkpoint, error)
	// CleanupCheckpoints removes checkpoints of jobs in the given statuses
	// saved before the cutoff, returning the count removed.
	CleanupCheckpoints(ctx context.Context, olderThan time.Time, statuses []types.JobStatus) (int64, error)

	SaveDecision(ctx context.Context, d *types.RoutingDecision) error
	ListDecisions(ctx context.Context, limit int) ([]types.RoutingDecision, error)
}
