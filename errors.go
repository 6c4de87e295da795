package conveyor

import "errors"

var (
	// Store errors.
	ErrNoStore         = errors.New("conveyor: no store configured")
	ErrMigrationFailed = errors.New("conveyor: migration failed")

	// Not found errors.
	ErrJobNotFound     = errors.New("conveyor: job not found")
	ErrGroupNotFound   = errors.New("conveyor: group not found")
	ErrArchiveNotFound = errors.New("conveyor: archive record not found")
	ErrQueueNotFound   = errors.New("conveyor: queue not configured")

	// Conflict errors.
	ErrJobAlreadyExists   = errors.New("conveyor: job already exists")
	ErrGroupAlreadyExists = errors.New("conveyor: group already exists")

	// ErrStaleTransition is returned by stores when a guarded status update
	// finds the job no longer in the expected status. Late results from
	// timed-out executions end here; callers log it at debug level.
	ErrStaleTransition = errors.New("conveyor: stale status transition")

	// ErrInvalidTransition is returned for a status change the job state
	// machine does not allow.
	ErrInvalidTransition = errors.New("conveyor: invalid status transition")

	// Execution errors.
	ErrExecutorNotFound = errors.New("conveyor: executor not found")
	ErrExecutionTimeout = errors.New("conveyor: execution timed out")
	ErrExecutionFailed  = errors.New("conveyor: execution failed")

	// ErrRepository wraps store failures surfaced by the execution loop.
	ErrRepository = errors.New("conveyor: repository error")

	// Configuration errors.
	ErrInvalidConfig = errors.New("conveyor: invalid configuration")
	ErrQueueFull     = errors.New("conveyor: memory queue full")
	ErrNotRunning    = errors.New("conveyor: engine not running")
)

// IsRetryable reports whether a job failure with err may be retried.
// Missing executors are permanent; everything else follows the job's
// attempt budget.
func IsRetryable(err error) bool {
	return !errors.Is(err, ErrExecutorNotFound)
}
