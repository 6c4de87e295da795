package archive

import (
	"context"
	"time"

	"github.com/xraph/conveyor/id"
)

// ListOpts controls pagination and filtering for archive queries.
type ListOpts struct {
	// Limit is the maximum number of records to return. Zero means no limit.
	Limit int
	// Offset is the number of records to skip.
	Offset int
	// Queue filters by queue name. Empty means all queues.
	Queue string
	// GroupID filters by group. Empty means all groups.
	GroupID string
}

// Store defines read and maintenance access to the archives. Records are
// written by job.Store, never through this interface.
type Store interface {
	// ListSuccesses returns success records, newest first.
	ListSuccesses(ctx context.Context, opts ListOpts) ([]*Success, error)

	// ListFailures returns failure records, newest first.
	ListFailures(ctx context.Context, opts ListOpts) ([]*Failure, error)

	// GetFailure retrieves the failure record of a job. Returns
	// conveyor.ErrArchiveNotFound.
	GetFailure(ctx context.Context, jobID id.JobID) (*Failure, error)

	// MarkReplayed stamps ReplayedAt on a failure record.
	MarkReplayed(ctx context.Context, jobID id.JobID) error

	// CountSuccesses counts success records matching opts. Limit and
	// Offset are ignored.
	CountSuccesses(ctx context.Context, opts ListOpts) (int64, error)

	// CountFailures counts failure records matching opts. Limit and
	// Offset are ignored.
	CountFailures(ctx context.Context, opts ListOpts) (int64, error)

	// PurgeArchive removes records settled before the given time from both
	// archives and returns the number removed.
	PurgeArchive(ctx context.Context, before time.Time) (int64, error)
}
