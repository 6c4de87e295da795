package job

import (
	"time"

	"github.com/xraph/conveyor"
	"github.com/xraph/conveyor/id"
)

// Status represents the lifecycle status of a job.
type Status string

const (
	// StatusWaiting means the job is eligible to be claimed.
	StatusWaiting Status = "waiting"
	// StatusExecuting means a loop has claimed the job.
	StatusExecuting Status = "executing"
	// StatusSuccess means the job completed and was archived.
	StatusSuccess Status = "success"
	// StatusFailed means the job exhausted its attempts and was archived.
	StatusFailed Status = "failed"
)

// IsTerminal reports whether s is a final status.
func (s Status) IsTerminal() bool {
	return s == StatusSuccess || s == StatusFailed
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusWaiting, StatusExecuting, StatusSuccess, StatusFailed:
		return true
	}
	return false
}

// CanTransition reports whether moving from one status to another is
// allowed. Executing jobs may be re-marked executing when a loop records
// the start of an attempt.
func CanTransition(from, to Status) bool {
	switch from {
	case StatusWaiting:
		return to == StatusExecuting
	case StatusExecuting:
		return to == StatusExecuting || to == StatusWaiting || to.IsTerminal()
	default:
		return false
	}
}

// Job represents a unit of work dispatched to a named executor.
type Job struct {
	conveyor.Entity

	ID           id.JobID    `json:"id"`
	Queue        string      `json:"queue"`
	GroupID      string      `json:"group_id,omitempty"`
	ExecutorName string      `json:"executor_name"`
	Payload      []byte      `json:"payload"`
	Status       Status      `json:"status"`
	Priority     int         `json:"priority"`
	Attempts     int         `json:"attempts"`
	MaxAttempts  int         `json:"max_attempts"`
	LastError    string      `json:"last_error,omitempty"`
	WorkerID     id.WorkerID `json:"worker_id,omitempty"`
	RunAt        time.Time   `json:"run_at"`
	StartedAt    *time.Time  `json:"started_at,omitempty"`
	CompletedAt  *time.Time  `json:"completed_at,omitempty"`
	HeartbeatAt  *time.Time  `json:"heartbeat_at,omitempty"`
}

// CanRetry reports whether another attempt fits in the attempt budget.
func (j *Job) CanRetry() bool {
	return j.Attempts < j.MaxAttempts
}

// OwnedBy reports whether w is the worker currently holding j. The nil
// worker matches any holder.
func (j *Job) OwnedBy(w id.WorkerID) bool {
	return w.IsNil() || j.WorkerID.String() == w.String()
}

// Clone returns a deep copy of j.
func (j *Job) Clone() *Job {
	cp := *j
	if j.Payload != nil {
		cp.Payload = append([]byte(nil), j.Payload...)
	}
	cp.StartedAt = clonePtr(j.StartedAt)
	cp.CompletedAt = clonePtr(j.CompletedAt)
	cp.HeartbeatAt = clonePtr(j.HeartbeatAt)
	return &cp
}

func clonePtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// Apply writes the status change described by upd onto j. Moving to
// waiting releases the job: worker, start and heartbeat are cleared.
// Guards are the caller's responsibility.
func (upd StatusUpdate) Apply(j *Job, status Status, now time.Time) {
	j.Status = status
	if upd.IncrementAttempts {
		j.Attempts++
	}
	if upd.WorkerID != nil {
		j.WorkerID = *upd.WorkerID
	}
	if upd.StartedAt != nil {
		t := upd.StartedAt.UTC()
		j.StartedAt = &t
		j.HeartbeatAt = &t
	}
	if upd.LastError != nil {
		j.LastError = *upd.LastError
	}
	if upd.RunAt != nil {
		j.RunAt = upd.RunAt.UTC()
	}
	if status == StatusWaiting {
		j.WorkerID = id.Nil
		j.StartedAt = nil
		j.HeartbeatAt = nil
	}
	j.UpdatedAt = now.UTC()
}
