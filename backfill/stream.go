// Package backfill moves waiting jobs from the store into a queue's memory
// working set.
//
// A [Stream] claims jobs with an atomic store claim, so concurrent triggers
// (from this process or others) never hand the same job to two loops.
// Within a process, overlapping triggers for the same stream are coalesced
// into a single store round trip.
package backfill

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"

	"golang.org/x/sync/singleflight"

	"github.com/xraph/conveyor"
	"github.com/xraph/conveyor/ext"
	"github.com/xraph/conveyor/group"
	"github.com/xraph/conveyor/id"
	"github.com/xraph/conveyor/job"
	"github.com/xraph/conveyor/queue"
)

// Reason records why a load was requested.
type Reason string

const (
	ReasonEmptyQueue   Reason = "empty_queue"
	ReasonLowWatermark Reason = "low_watermark"
	ReasonJobProcessed Reason = "job_processed"
	ReasonSuccess      Reason = "success"
	ReasonFailure      Reason = "failure"
	ReasonPoll         Reason = "poll"
)

// Stream loads claimed jobs into a Memory queue.
type Stream struct {
	queue     string
	batchSize int
	workerID  id.WorkerID

	jobs   job.Store
	groups group.Store
	mem    *queue.Memory
	exts   *ext.Registry
	logger *slog.Logger

	sf    singleflight.Group
	loads atomic.Int64
}

// Option configures a Stream.
type Option func(*Stream)

// WithWorkerID records the owning loop on claimed jobs.
func WithWorkerID(w id.WorkerID) Option {
	return func(s *Stream) { s.workerID = w }
}

// WithExtensions sets the registry notified of loaded jobs.
func WithExtensions(r *ext.Registry) Option {
	return func(s *Stream) { s.exts = r }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Stream) { s.logger = l }
}

// New creates a Stream for cfg.Name feeding mem. groups may be nil when
// the queue has no paused groups to honor.
func New(cfg queue.Config, jobs job.Store, groups group.Store, mem *queue.Memory, opts ...Option) *Stream {
	s := &Stream{
		queue:     cfg.Name,
		batchSize: max(cfg.BatchSize, 1),
		jobs:      jobs,
		groups:    groups,
		mem:       mem,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.exts == nil {
		s.exts = ext.NewRegistry(s.logger)
	}
	return s
}

// Loads returns the number of store claims performed so far.
func (s *Stream) Loads() int64 { return s.loads.Load() }

// TriggerBatchLoad claims up to BatchSize waiting jobs (never filling the
// memory queue past its high watermark), enqueues them and returns how
// many were added. Zero means the store had nothing claimable.
func (s *Stream) TriggerBatchLoad(ctx context.Context, reason Reason) (int, error) {
	v, err, _ := s.sf.Do(s.queue, func() (any, error) {
		return s.load(ctx, reason)
	})
	if err != nil {
		return 0, err
	}
	return v.(int), nil
}

func (s *Stream) load(ctx context.Context, reason Reason) (int, error) {
	limit := s.mem.Room(s.batchSize)
	if limit == 0 {
		return 0, nil
	}

	var paused []string
	if s.groups != nil {
		ids, err := s.groups.GetPausedGroupIDs(ctx, s.queue)
		if err != nil {
			return 0, errors.Join(conveyor.ErrRepository, err)
		}
		paused = ids
	}

	s.loads.Add(1)
	claimed, err := s.jobs.ClaimWaiting(ctx, job.ClaimOpts{
		Queue:         s.queue,
		Limit:         limit,
		ExcludeGroups: paused,
		WorkerID:      s.workerID,
	})
	if err != nil {
		return 0, errors.Join(conveyor.ErrRepository, err)
	}

	s.logger.Debug("backfill load",
		slog.String("queue", s.queue),
		slog.String("reason", string(reason)),
		slog.Int("requested", limit),
		slog.Int("claimed", len(claimed)),
	)

	if len(claimed) == 0 {
		return 0, nil
	}

	overflow, err := s.mem.EnqueueBatch(claimed)
	if err != nil {
		s.release(ctx, overflow)
	}
	added := claimed[:len(claimed)-len(overflow)]

	if len(added) > 0 {
		s.exts.EmitJobsAdded(ctx, s.queue, added)
	}
	return len(added), nil
}

// Release returns claimed jobs that will not be dispatched to waiting.
func (s *Stream) Release(ctx context.Context, jobs []*job.Job) {
	s.release(ctx, jobs)
}

func (s *Stream) release(ctx context.Context, jobs []*job.Job) {
	for _, j := range jobs {
		err := s.jobs.UpdateStatus(ctx, j.ID, job.StatusWaiting, job.StatusUpdate{
			Expect:       job.StatusExecuting,
			ExpectWorker: j.WorkerID,
		})
		if err != nil && !errors.Is(err, conveyor.ErrStaleTransition) {
			s.logger.Error("failed to release claimed job",
				slog.String("job_id", j.ID.String()),
				slog.String("queue", s.queue),
				slog.String("error", err.Error()),
			)
		}
	}
	if len(jobs) > 0 {
		s.logger.Debug("released claimed jobs",
			slog.String("queue", s.queue),
			slog.Int("count", len(jobs)),
		)
	}
}
