// Package group defines job groups: named batches of jobs within a queue
// that can be paused as a unit and whose progress is tracked by counters.
//
// Counters are maintained incrementally as jobs settle. Because the
// increments are separate writes from the terminal transition, a crash can
// leave them behind; ReconcileGroup re-derives them from the archives.
package group

import (
	"context"

	"github.com/xraph/conveyor"
)

// Status is the dispatch status of a group.
type Status string

const (
	// StatusActive groups are claimed normally.
	StatusActive Status = "active"
	// StatusPaused groups are skipped by claims; their jobs stay waiting.
	StatusPaused Status = "paused"
)

// Group tracks a set of jobs sharing a GroupID within a queue.
type Group struct {
	conveyor.Entity

	Queue         string `json:"queue"`
	ID            string `json:"id"`
	Status        Status `json:"status"`
	TotalJobs     int64  `json:"total_jobs"`
	CompletedJobs int64  `json:"completed_jobs"`
	FailedJobs    int64  `json:"failed_jobs"`
}

// New returns an active group with zero counters.
func New(queue, groupID string) *Group {
	return &Group{
		Entity: conveyor.NewEntity(),
		Queue:  queue,
		ID:     groupID,
		Status: StatusActive,
	}
}

// Pending returns the number of jobs that have not settled.
func (g *Group) Pending() int64 {
	p := g.TotalJobs - g.CompletedJobs - g.FailedJobs
	if p < 0 {
		return 0
	}
	return p
}

// Done reports whether every job in the group has settled.
func (g *Group) Done() bool {
	return g.TotalJobs > 0 && g.Pending() == 0
}

// Store defines the persistence contract for groups.
type Store interface {
	// CreateGroup persists a new group. Returns
	// conveyor.ErrGroupAlreadyExists on conflict.
	CreateGroup(ctx context.Context, g *Group) error

	// GetGroup retrieves a group. Returns conveyor.ErrGroupNotFound.
	GetGroup(ctx context.Context, queue, groupID string) (*Group, error)

	// ListGroups returns the groups of a queue. Empty queue means all.
	ListGroups(ctx context.Context, queue string) ([]*Group, error)

	// SetGroupStatus pauses or resumes a group.
	SetGroupStatus(ctx context.Context, queue, groupID string, status Status) error

	// IncrementTotal adds n to TotalJobs, creating an active group when
	// none exists.
	IncrementTotal(ctx context.Context, queue, groupID string, n int64) error

	// IncrementCompleted adds one to CompletedJobs.
	IncrementCompleted(ctx context.Context, queue, groupID string) error

	// IncrementFailed adds one to FailedJobs.
	IncrementFailed(ctx context.Context, queue, groupID string) error

	// GetPausedGroupIDs returns the IDs of paused groups in a queue.
	GetPausedGroupIDs(ctx context.Context, queue string) ([]string, error)

	// ReconcileGroup recomputes the counters from the active jobs and the
	// archives and returns the corrected group.
	ReconcileGroup(ctx context.Context, queue, groupID string) (*Group, error)
}
