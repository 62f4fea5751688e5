package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
	"gorm.io/gorm/clause"

	"github.com/tributary-ai/llm-orchestrator/internal/types"
)

// jobRecord is the gorm row for a batch job. Phases are stored as JSON; they
// are read back wholesale, never queried.
type jobRecord struct {
	ID                  string `gorm:"primaryKey;size:36"`
	Name                string `gorm:"size:255"`
	CallerID            string `gorm:"index;size:255"`
	Status              string `gorm:"index;size:20"`
	TotalItems          int
	Concurrency         int
	CheckpointFrequency int
	Phases              []byte `gorm:"type:bytes"`
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

func (jobRecord) TableName() string { return "batch_jobs" }

type itemRecord struct {
	JobID    string `gorm:"primaryKey;size:36"`
	Idx      int    `gorm:"primaryKey"`
	Input    string `gorm:"type:text"`
	Metadata []byte `gorm:"type:bytes"`
	Results  []byte `gorm:"type:bytes"`
	Failed   bool
}

func (itemRecord) TableName() string { return "batch_items" }

type checkpointRecord struct {
	JobID     string `gorm:"primaryKey;size:36"`
	LastIndex int
	Completed []byte `gorm:"type:bytes"`
	SavedAt   time.Time
}

func (checkpointRecord) TableName() string { return "checkpoints" }

type decisionRecord struct {
	ID               string `gorm:"primaryKey;size:36"`
	CallerID         string `gorm:"index;size:255"`
	PromptExcerpt    string `gorm:"type:text"`
	Payload          []byte `gorm:"type:bytes"`
	Successful       bool
	RetryCount       int
	TotalCost        float64
	CreatedAt        time.Time `gorm:"index"`
}

func (decisionRecord) TableName() string { return "routing_decisions" }

// GormStore is the durable Store implementation.
type GormStore struct {
	db     *gorm.DB
	logger *logrus.Logger
}

// NewGormStore opens (or creates) the sqlite database at path and migrates
// the schema. Use ":memory:" for tests.
func NewGormStore(path string, logger *logrus.Logger) (*GormStore, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.AutoMigrate(&jobRecord{}, &itemRecord{}, &checkpointRecord{}, &decisionRecord{}); err != nil {
		return nil, fmt.Errorf("failed to migrate schema: %w", err)
	}

	logger.WithField("path", path).Info("Persistence store opened")
	return &GormStore{db: db, logger: logger}, nil
}

func (s *GormStore) CreateJob(ctx context.Context, job *types.BatchJob, items []types.BatchItem) error {
	phases, err := json.Marshal(job.Phases)
	if err != nil {
		return fmt.Errorf("failed to encode phases: %w", err)
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		rec := &jobRecord{
			ID:                  job.ID,
			Name:                job.Name,
			CallerID:            job.CallerID,
			Status:              string(job.Status),
			TotalItems:          job.TotalItems,
			Concurrency:         job.Concurrency,
			CheckpointFrequency: job.CheckpointFrequency,
			Phases:              phases,
			CreatedAt:           job.CreatedAt,
		}
		if err := tx.Create(rec).Error; err != nil {
			return fmt.Errorf("failed to create job: %w", err)
		}

		for i := range items {
			meta, err := json.Marshal(items[i].Metadata)
			if err != nil {
				return fmt.Errorf("failed to encode item metadata: %w", err)
			}
			irec := &itemRecord{
				JobID:    job.ID,
				Idx:      items[i].Index,
				Input:    items[i].Input,
				Metadata: meta,
			}
			if err := tx.Create(irec).Error; err != nil {
				return fmt.Errorf("failed to create item %d: %w", items[i].Index, err)
			}
		}
		return nil
	})
}

func (s *GormStore) GetJob(ctx context.Context, id string) (*types.BatchJob, error) {
	var rec jobRecord
	if err := s.db.WithContext(ctx).First(&rec, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, types.NewConfigError("job %s not found", id)
		}
		return nil, fmt.Errorf("failed to load job: %w", err)
	}
	return recordToJob(&rec)
}

func (s *GormStore) ListJobs(ctx context.Context) ([]types.BatchJob, error) {
	var recs []jobRecord
	if err := s.db.WithContext(ctx).Order("created_at desc").Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	jobs := make([]types.BatchJob, 0, len(recs))
	for i := range recs {
		job, err := recordToJob(&recs[i])
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *job)
	}
	return jobs, nil
}

// UpdateJobStatus is a guarded compare-and-swap: the row is only updated when
// its current status may legally transition to the target, so a concurrent
// writer can never move a job out of a terminal state.
func (s *GormStore) UpdateJobStatus(ctx context.Context, id string, status types.JobStatus) error {
	res := s.db.WithContext(ctx).Model(&jobRecord{}).
		Where("id = ? AND status IN ?", id, transitionSources(status)).
		Update("status", string(status))
	if res.Error != nil {
		return fmt.Errorf("failed to update job status: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		var rec jobRecord
		if err := s.db.WithContext(ctx).Select("status").First(&rec, "id = ?", id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return types.NewConfigError("job %s not found", id)
			}
			return fmt.Errorf("failed to load job: %w", err)
		}
		return types.NewValidationError(
			fmt.Sprintf("job %s cannot transition from %s to %s", id, rec.Status, status))
	}
	return nil
}

// transitionSources lists the statuses from which the target status is
// reachable.
func transitionSources(next types.JobStatus) []string {
	all := []types.JobStatus{
		types.JobPending, types.JobRunning, types.JobPaused,
		types.JobCompleted, types.JobFailed, types.JobCancelled,
	}
	var sources []string
	for _, from := range all {
		if from.CanTransitionTo(next) {
			sources = append(sources, string(from))
		}
	}
	return sources
}

func (s *GormStore) DeleteJob(ctx context.Context, id string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Delete(&itemRecord{}, "job_id = ?", id).Error; err != nil {
			return fmt.Errorf("failed to delete items: %w", err)
		}
		if err := tx.Delete(&checkpointRecord{}, "job_id = ?", id).Error; err != nil {
			return fmt.Errorf("failed to delete checkpoint: %w", err)
		}
		if err := tx.Delete(&jobRecord{}, "id = ?", id).Error; err != nil {
			return fmt.Errorf("failed to delete job: %w", err)
		}
		return nil
	})
}

func (s *GormStore) ListItems(ctx context.Context, jobID string) ([]types.BatchItem, error) {
	var recs []itemRecord
	if err := s.db.WithContext(ctx).Where("job_id = ?", jobID).Order("idx").Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("failed to list items: %w", err)
	}
	items := make([]types.BatchItem, 0, len(recs))
	for i := range recs {
		item := types.BatchItem{
			Index:  recs[i].Idx,
			Input:  recs[i].Input,
			Failed: recs[i].Failed,
		}
		if len(recs[i].Metadata) > 0 {
			if err := json.Unmarshal(recs[i].Metadata, &item.Metadata); err != nil {
				return nil, fmt.Errorf("failed to decode item metadata: %w", err)
			}
		}
		if len(recs[i].Results) > 0 {
			if err := json.Unmarshal(recs[i].Results, &item.Results); err != nil {
				return nil, fmt.Errorf("failed to decode item results: %w", err)
			}
		}
		items = append(items, item)
	}
	return items, nil
}

func (s *GormStore) SaveItemResults(ctx context.Context, jobID string, item *types.BatchItem) error {
	results, err := json.Marshal(item.Results)
	if err != nil {
		return fmt.Errorf("failed to encode item results: %w", err)
	}
	res := s.db.WithContext(ctx).Model(&itemRecord{}).
		Where("job_id = ? AND idx = ?", jobID, item.Index).
		Updates(map[string]interface{}{"results": results, "failed": item.Failed})
	if res.Error != nil {
		return fmt.Errorf("failed to save item results: %w", res.Error)
	}
	return nil
}

func (s *GormStore) SaveCheckpoint(ctx context.Context, cp *types.Checkpoint) error {
	completed, err := json.Marshal(cp.Completed)
	if err != nil {
		return fmt.Errorf("failed to encode checkpoint: %w", err)
	}
	rec := &checkpointRecord{
		JobID:     cp.JobID,
		LastIndex: cp.LastIndex,
		Completed: completed,
		SavedAt:   cp.SavedAt,
	}
	err = s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "job_id"}},
		UpdateAll: true,
	}).Create(rec).Error
	if err != nil {
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}
	return nil
}

func (s *GormStore) LoadCheckpoint(ctx context.Context, jobID string) (*types.Checkpoint, error) {
	var rec checkpointRecord
	if err := s.db.WithContext(ctx).First(&rec, "job_id = ?", jobID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to load checkpoint: %w", err)
	}
	cp := &types.Checkpoint{
		JobID:     rec.JobID,
		LastIndex: rec.LastIndex,
		SavedAt:   rec.SavedAt,
	}
	if len(rec.Completed) > 0 {
		if err := json.Unmarshal(rec.Completed, &cp.Completed); err != nil {
			return nil, fmt.Errorf("failed to decode checkpoint: %w", err)
		}
	}
	return cp, nil
}

func (s *GormStore) CleanupCheckpoints(ctx context.Context, olderThan time.Time, statuses []types.JobStatus) (int64, error) {
	strStatuses := make([]string, len(statuses))
	for i, st := range statuses {
		strStatuses[i] = string(st)
	}
	res := s.db.WithContext(ctx).
		Where("saved_at < ? AND job_id IN (?)", olderThan,
			s.db.Model(&jobRecord{}).Select("id").Where("status IN ?", strStatuses)).
		Delete(&checkpointRecord{})
	if res.Error != nil {
		return 0, fmt.Errorf("failed to clean up checkpoints: %w", res.Error)
	}
	return res.RowsAffected, nil
}

func (s *GormStore) SaveDecision(ctx context.Context, d *types.RoutingDecision) error {
	payload, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("failed to encode decision: %w", err)
	}
	rec := &decisionRecord{
		ID:            d.ID,
		CallerID:      d.CallerID,
		PromptExcerpt: d.PromptExcerpt,
		Payload:       payload,
		Successful:    d.Successful,
		RetryCount:    d.RetryCount,
		TotalCost:     d.TotalCost,
		CreatedAt:     d.CreatedAt,
	}
	if err := s.db.WithContext(ctx).Create(rec).Error; err != nil {
		return fmt.Errorf("failed to save decision: %w", err)
	}
	return nil
}

func (s *GormStore) ListDecisions(ctx context.Context, limit int) ([]types.RoutingDecision, error) {
	if limit <= 0 {
		limit = 100
	}
	var recs []decisionRecord
	if err := s.db.WithContext(ctx).Order("created_at desc").Limit(limit).Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("failed to list decisions: %w", err)
	}
	decisions := make([]types.RoutingDecision, 0, len(recs))
	for i := range recs {
		var d types.RoutingDecision
		if err := json.Unmarshal(recs[i].Payload, &d); err != nil {
			return nil, fmt.Errorf("failed to decode decision: %w", err)
		}
		decisions = append(decisions, d)
	}
	return decisions, nil
}

func recordToJob(rec *jobRecord) (*types.BatchJob, error) {
	job := &types.BatchJob{
		ID:                  rec.ID,
		Name:                rec.Name,
		CallerID:            rec.CallerID,
		Status:              types.JobStatus(rec.Status),
		TotalItems:          rec.TotalItems,
		Concurrency:         rec.Concurrency,
		CheckpointFrequency: rec.CheckpointFrequency,
		CreatedAt:           rec.CreatedAt,
	}
	if len(rec.Phases) > 0 {
		if err := json.Unmarshal(rec.Phases, &job.Phases); err != nil {
			return nil, fmt.Errorf("failed to decode phases: %w", err)
		}
	}
	return job, nil
}
