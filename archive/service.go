package archive

import (
	"context"
	"fmt"

	"github.com/xraph/conveyor/group"
	"github.com/xraph/conveyor/id"
	"github.com/xraph/conveyor/job"
)

// Service provides high-level archive operations.
type Service struct {
	store  Store
	jobs   job.Store
	groups group.Store
}

// NewService creates an archive service. groups may be nil when grouped
// replays do not need their totals adjusted.
func NewService(store Store, jobs job.Store, groups group.Store) *Service {
	return &Service{store: store, jobs: jobs, groups: groups}
}

// Store returns the underlying archive store.
func (s *Service) Store() Store { return s.store }

// Replay re-enqueues an archived failure as a new waiting job with a fresh
// ID and zero attempts, then marks the record as replayed.
func (s *Service) Replay(ctx context.Context, jobID id.JobID) (*job.Job, error) {
	rec, err := s.store.GetFailure(ctx, jobID)
	if err != nil {
		return nil, err
	}

	j := job.New(rec.ExecutorName, rec.Payload,
		job.WithQueue(rec.Queue),
		job.WithGroup(rec.GroupID),
		job.WithPriority(rec.Priority),
		job.WithMaxAttempts(rec.MaxAttempts),
	)

	if err := s.jobs.EnqueueJob(ctx, j); err != nil {
		return nil, fmt.Errorf("replay %s: %w", jobID, err)
	}

	if j.GroupID != "" && s.groups != nil {
		if err := s.groups.IncrementTotal(ctx, j.Queue, j.GroupID, 1); err != nil {
			return j, err
		}
	}

	if err := s.store.MarkReplayed(ctx, jobID); err != nil {
		// The job is already enqueued.
		return j, err
	}

	return j, nil
}
