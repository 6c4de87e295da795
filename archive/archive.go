// Package archive holds the append-only records of jobs that reached a
// terminal status, and the operations for inspecting, replaying and
// purging them.
//
// A job leaves the active set exactly once: job.Store.MoveToSuccess writes
// a [Success] record, job.Store.MarkAsFailed writes a [Failure] record.
// Records keep the job's identity, payload and attempt counts so a failure
// can be replayed as a fresh job with [Service.Replay].
package archive

import (
	"time"

	"github.com/xraph/conveyor"
	"github.com/xraph/conveyor/id"
	"github.com/xraph/conveyor/job"
)

// Success records a job that completed.
type Success struct {
	JobID         id.JobID      `json:"job_id"`
	Queue         string        `json:"queue"`
	GroupID       string        `json:"group_id,omitempty"`
	ExecutorName  string        `json:"executor_name"`
	Payload       []byte        `json:"payload"`
	Priority      int           `json:"priority"`
	Attempts      int           `json:"attempts"`
	MaxAttempts   int           `json:"max_attempts"`
	ExecutionTime time.Duration `json:"execution_time"`
	CreatedAt     time.Time     `json:"created_at"`
	StartedAt     *time.Time    `json:"started_at,omitempty"`
	CompletedAt   time.Time     `json:"completed_at"`
}

// Failure records a job that exhausted its attempts or could not run.
type Failure struct {
	JobID        id.JobID   `json:"job_id"`
	Queue        string     `json:"queue"`
	GroupID      string     `json:"group_id,omitempty"`
	ExecutorName string     `json:"executor_name"`
	Payload      []byte     `json:"payload"`
	Priority     int        `json:"priority"`
	Attempts     int        `json:"attempts"`
	MaxAttempts  int        `json:"max_attempts"`
	Error        string     `json:"error"`
	CreatedAt    time.Time  `json:"created_at"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	FailedAt     time.Time  `json:"failed_at"`
	ReplayedAt   *time.Time `json:"replayed_at,omitempty"`
}

// NewSuccess builds the success record for j.
func NewSuccess(j *job.Job, executionTime time.Duration, at time.Time) *Success {
	return &Success{
		JobID:         j.ID,
		Queue:         j.Queue,
		GroupID:       j.GroupID,
		ExecutorName:  j.ExecutorName,
		Payload:       j.Payload,
		Priority:      j.Priority,
		Attempts:      j.Attempts,
		MaxAttempts:   j.MaxAttempts,
		ExecutionTime: executionTime,
		CreatedAt:     j.CreatedAt,
		StartedAt:     j.StartedAt,
		CompletedAt:   at.UTC(),
	}
}

// NewFailure builds the failure record for j. A nil jobErr falls back to
// the job's LastError.
func NewFailure(j *job.Job, jobErr error, at time.Time) *Failure {
	msg := j.LastError
	if jobErr != nil {
		msg = jobErr.Error()
	}
	return &Failure{
		JobID:        j.ID,
		Queue:        j.Queue,
		GroupID:      j.GroupID,
		ExecutorName: j.ExecutorName,
		Payload:      j.Payload,
		Priority:     j.Priority,
		Attempts:     j.Attempts,
		MaxAttempts:  j.MaxAttempts,
		Error:        msg,
		CreatedAt:    j.CreatedAt,
		StartedAt:    j.StartedAt,
		FailedAt:     at.UTC(),
	}
}

// Job renders the record as a terminal job.
func (s *Success) Job() *job.Job {
	completed := s.CompletedAt
	return &job.Job{
		Entity:       conveyor.Entity{CreatedAt: s.CreatedAt, UpdatedAt: s.CompletedAt},
		ID:           s.JobID,
		Queue:        s.Queue,
		GroupID:      s.GroupID,
		ExecutorName: s.ExecutorName,
		Payload:      s.Payload,
		Status:       job.StatusSuccess,
		Priority:     s.Priority,
		Attempts:     s.Attempts,
		MaxAttempts:  s.MaxAttempts,
		StartedAt:    s.StartedAt,
		CompletedAt:  &completed,
	}
}

// Job renders the record as a terminal job.
func (f *Failure) Job() *job.Job {
	failed := f.FailedAt
	return &job.Job{
		Entity:       conveyor.Entity{CreatedAt: f.CreatedAt, UpdatedAt: f.FailedAt},
		ID:           f.JobID,
		Queue:        f.Queue,
		GroupID:      f.GroupID,
		ExecutorName: f.ExecutorName,
		Payload:      f.Payload,
		Status:       job.StatusFailed,
		Priority:     f.Priority,
		Attempts:     f.Attempts,
		MaxAttempts:  f.MaxAttempts,
		LastError:    f.Error,
		StartedAt:    f.StartedAt,
		CompletedAt:  &failed,
	}
}
