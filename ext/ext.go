package ext

import (
	"context"
	"time"

	"github.com/xraph/conveyor/executor"
	"github.com/xraph/conveyor/job"
)

// Extension is the base interface all extensions must implement.
type Extension interface {
	// Name returns a unique human-readable name for the extension.
	Name() string
}

// ──────────────────────────────────────────────────
// Queue signals
// ──────────────────────────────────────────────────

// JobEnqueued is called after a producer enqueues a job.
type JobEnqueued interface {
	OnJobEnqueued(ctx context.Context, j *job.Job) error
}

// JobsAdded is called after the backfill stream moves claimed jobs into a
// queue's memory working set.
type JobsAdded interface {
	OnJobsAdded(ctx context.Context, queue string, jobs []*job.Job) error
}

// QueueLengthChanged is called with the new length of a queue's memory
// working set.
type QueueLengthChanged interface {
	OnQueueLengthChanged(ctx context.Context, queue string, length int) error
}

// ──────────────────────────────────────────────────
// Job lifecycle hooks
// ──────────────────────────────────────────────────

// JobStarted is called when the loop begins executing a job.
type JobStarted interface {
	OnJobStarted(ctx context.Context, j *job.Job) error
}

// JobCompleted is called after a job finishes successfully.
type JobCompleted interface {
	OnJobCompleted(ctx context.Context, j *job.Job, res executor.Result, elapsed time.Duration) error
}

// JobFailed is called when a job fails terminally.
type JobFailed interface {
	OnJobFailed(ctx context.Context, j *job.Job, err error) error
}

// JobRetrying is called when a failed job is returned to waiting.
type JobRetrying interface {
	OnJobRetrying(ctx context.Context, j *job.Job, attempt int, nextRunAt time.Time) error
}

// JobTimeout is called when an execution exceeds its executor's timeout.
// It fires before the resulting JobRetrying or JobFailed.
type JobTimeout interface {
	OnJobTimeout(ctx context.Context, j *job.Job, timeout time.Duration) error
}

// ──────────────────────────────────────────────────
// Other lifecycle hooks
// ──────────────────────────────────────────────────

// Shutdown is called during graceful shutdown.
type Shutdown interface {
	OnShutdown(ctx context.Context) error
}
