package job

import (
	"context"
	"time"

	"github.com/xraph/conveyor/id"
)

// ClaimOpts selects jobs for an atomic claim.
type ClaimOpts struct {
	// Queue is the queue to claim from.
	Queue string
	// Limit caps the number of claimed jobs.
	Limit int
	// ExcludeGroups lists group IDs whose jobs must stay waiting.
	ExcludeGroups []string
	// WorkerID is recorded on claimed jobs.
	WorkerID id.WorkerID
	// Now is the claim instant; jobs with RunAt after it are skipped.
	// Zero means time.Now().
	Now time.Time
}

// StatusUpdate carries the guard and field changes for UpdateStatus.
// Nil pointers leave the stored value untouched.
type StatusUpdate struct {
	// Expect is the status the job must currently have. The update is
	// rejected with conveyor.ErrStaleTransition otherwise.
	Expect Status

	// ExpectWorker, when set, is the worker that must currently hold the
	// job. A job reaped and reclaimed by another worker rejects the update
	// with conveyor.ErrStaleTransition.
	ExpectWorker id.WorkerID

	// IncrementAttempts adds one to Attempts.
	IncrementAttempts bool

	WorkerID  *id.WorkerID
	StartedAt *time.Time
	LastError *string
	RunAt     *time.Time
}

// ListOpts controls pagination and filtering for job list queries.
type ListOpts struct {
	// Limit is the maximum number of jobs to return. Zero means no limit.
	Limit int
	// Offset is the number of jobs to skip.
	Offset int
	// Queue filters by queue name. Empty means all queues.
	Queue string
	// Status filters by status. Empty means all active statuses.
	Status Status
	// GroupID filters by group. Empty means all groups.
	GroupID string
}

// CountOpts controls filtering for job count queries.
type CountOpts struct {
	// Queue filters by queue name. Empty means all queues.
	Queue string
	// Status filters by status. Empty means waiting and executing.
	Status Status
}

// Store defines the persistence contract for active jobs. Successful and
// exhausted jobs leave the active set through MoveToSuccess and
// MarkAsFailed and become archive records.
type Store interface {
	// EnqueueJob persists a new waiting job.
	EnqueueJob(ctx context.Context, j *Job) error

	// ClaimWaiting atomically moves up to opts.Limit waiting jobs to
	// executing and returns them, ordered by priority (descending) then
	// creation time (ascending). A job is never returned to two callers.
	ClaimWaiting(ctx context.Context, opts ClaimOpts) ([]*Job, error)

	// GetJob retrieves a job by ID, falling back to the archives for jobs
	// that already reached a terminal status.
	GetJob(ctx context.Context, jobID id.JobID) (*Job, error)

	// UpdateStatus applies a guarded status change to an active job.
	// Moving to waiting clears the worker, start and heartbeat fields.
	UpdateStatus(ctx context.Context, jobID id.JobID, status Status, upd StatusUpdate) error

	// MoveToSuccess removes an executing job from the active set and
	// appends it to the success archive. executionTime is recorded with it.
	MoveToSuccess(ctx context.Context, j *Job, executionTime time.Duration) error

	// MarkAsFailed removes an executing job from the active set and appends
	// it to the failure archive with jobErr as the recorded error.
	MarkAsFailed(ctx context.Context, j *Job, jobErr error) error

	// HeartbeatJob refreshes the heartbeat of an executing job owned by
	// workerID.
	HeartbeatJob(ctx context.Context, jobID id.JobID, workerID id.WorkerID) error

	// FindStaleJobs returns executing jobs whose last heartbeat (or start,
	// when no heartbeat was recorded) is older than threshold.
	FindStaleJobs(ctx context.Context, threshold time.Duration) ([]*Job, error)

	// ListJobs returns active jobs matching opts.
	ListJobs(ctx context.Context, opts ListOpts) ([]*Job, error)

	// CountJobs returns the number of active jobs matching opts.
	CountJobs(ctx context.Context, opts CountOpts) (int64, error)
}
