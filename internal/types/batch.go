package types

import (
	"time"
)

// JobStatus is the lifecycle state of a batch job.
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobPaused    JobStatus = "paused"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
	JobCancelled JobStatus = "cancelled"
)

// Terminal reports whether the status admits no further transitions except
// deletion.
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed || s == JobCancelled
}

// CanTransitionTo encodes the job state machine:
// pending -> running; running <-> paused; running -> completed|failed;
// any non-terminal -> cancelled.
func (s JobStatus) CanTransitionTo(next JobStatus) bool {
	if s.Terminal() {
		return false
	}
	switch next {
	case JobRunning:
		return s == JobPending || s == JobPaused
	case JobPaused:
		return s == JobRunning
	case JobCompleted, JobFailed:
		return s == JobRunning
	case JobCancelled:
		return true
	default:
		return false
	}
}

// ValidationConfig controls output scoring for a phase or a single request.
type ValidationConfig struct {
	Enabled  bool    `json:"enabled" yaml:"enabled"`
	MinScore float64 `json:"min_score" yaml:"min_score"` // 0-10
}

// Phase is one ordered processing step applied to every item in a job.
type Phase struct {
	Name       string            `json:"name" yaml:"name"`
	TaskType   string            `json:"task_type,omitempty" yaml:"task_type,omitempty"`
	Model      string            `json:"model,omitempty" yaml:"model,omitempty"` // fixed model override
	UseRAG     bool              `json:"use_rag,omitempty" yaml:"use_rag,omitempty"`
	Validation *ValidationConfig `json:"validation,omitempty" yaml:"validation,omitempty"`
}

// PhaseResult is the outcome of running one phase against one item. Results
// are appended as phases execute and never mutated retroactively.
type PhaseResult struct {
	Phase            string  `json:"phase"`
	ModelID          string  `json:"model_id,omitempty"`
	Output           string  `json:"output,omitempty"`
	Cost             float64 `json:"cost"`
	PromptTokens     int     `json:"prompt_tokens"`
	CompletionTokens int     `json:"completion_tokens"`
	Success          bool    `json:"success"`
	Error            string  `json:"error,omitempty"`
}

// BatchItem is one unit of input plus its accumulated per-phase results.
type BatchItem struct {
	Index    int               `json:"index"`
	Input    string            `json:"input"`
	Metadata map[string]string `json:"metadata,omitempty"`
	Results  []PhaseResult     `json:"results,omitempty"`
	Failed   bool              `json:"failed"`
}

// BatchJob is a long-running multi-item, multi-phase job. Mutated only by the
// batch service; owned by the submitting caller.
type BatchJob struct {
	ID                  string    `json:"id"`
	Name                string    `json:"name"`
	CallerID            string    `json:"caller_id,omitempty"`
	Status              JobStatus `json:"status"`
	TotalItems          int       `json:"total_items"`
	Concurrency         int       `json:"concurrency"`
	CheckpointFrequency int       `json:"checkpoint_frequency"`
	Phases              []Phase   `json:"phases"`
	CreatedAt           time.Time `json:"created_at"`
}

// Checkpoint is the durable progress marker for a job. LastIndex is the
// highest contiguous completed item index (-1 when nothing contiguous is
// done); Completed is the explicit set, which tolerates out-of-order
// completion under concurrency. One row per job; each save supersedes the
// previous atomically.
type Checkpoint struct {
	JobID     string    `json:"job_id"`
	LastIndex int       `json:"last_index"`
	Completed []int     `json:"completed"`
	SavedAt   time.Time `json:"saved_at"`
}

// CompletedSet returns the completed indices as a set for skip checks.
func (c *Checkpoint) CompletedSet() map[int]bool {
	set := make(map[int]bool, len(c.Completed))
	for _, idx := range c.Completed {
		set[idx] = true
	}
	return set
}
