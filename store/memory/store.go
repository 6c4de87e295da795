// Package memory provides a fully in-memory implementation of store.Store.
// It is safe for concurrent access and intended for tests, development and
// single-process deployments that can afford to lose state on restart.
package memory

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/xraph/conveyor"
	"github.com/xraph/conveyor/archive"
	"github.com/xraph/conveyor/group"
	"github.com/xraph/conveyor/id"
	"github.com/xraph/conveyor/job"
)

// Ensure Store implements the subsystem stores at compile time.
// We can't import store here (import cycle), so we verify each subsystem.
var (
	_ job.Store     = (*Store)(nil)
	_ group.Store   = (*Store)(nil)
	_ archive.Store = (*Store)(nil)
)

// Store is a fully in-memory implementation of store.Store.
type Store struct {
	mu sync.RWMutex

	jobs      map[string]*job.Job
	successes map[string]*archive.Success
	failures  map[string]*archive.Failure
	groups    map[string]*group.Group // key: queue + "/" + groupID
}

// New returns a new empty Store.
func New() *Store {
	return &Store{
		jobs:      make(map[string]*job.Job),
		successes: make(map[string]*archive.Success),
		failures:  make(map[string]*archive.Failure),
		groups:    make(map[string]*group.Group),
	}
}

// Migrate is a no-op.
func (m *Store) Migrate(_ context.Context) error { return nil }

// Ping is a no-op.
func (m *Store) Ping(_ context.Context) error { return nil }

// Close is a no-op.
func (m *Store) Close() error { return nil }

// ──────────────────────────────────────────────────
// Job Store
// ──────────────────────────────────────────────────

// EnqueueJob persists a new waiting job.
func (m *Store) EnqueueJob(_ context.Context, j *job.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := j.ID.String()
	if _, exists := m.jobs[key]; exists {
		return conveyor.ErrJobAlreadyExists
	}
	if m.archivedLocked(key) {
		return conveyor.ErrJobAlreadyExists
	}

	cp := j.Clone()
	cp.Status = job.StatusWaiting
	// Every job is owed its first attempt.
	if cp.MaxAttempts < 1 {
		cp.MaxAttempts = 1
	}
	m.jobs[key] = cp
	return nil
}

// ClaimWaiting atomically claims up to opts.Limit waiting jobs.
func (m *Store) ClaimWaiting(_ context.Context, opts job.ClaimOpts) ([]*job.Job, error) {
	if opts.Limit <= 0 {
		return nil, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := opts.Now
	if now.IsZero() {
		now = time.Now()
	}
	now = now.UTC()

	candidates := make([]*job.Job, 0)
	for _, j := range m.jobs {
		if j.Status != job.StatusWaiting || j.Queue != opts.Queue {
			continue
		}
		if j.RunAt.After(now) {
			continue
		}
		if j.GroupID != "" && slices.Contains(opts.ExcludeGroups, j.GroupID) {
			continue
		}
		candidates = append(candidates, j)
	}

	sortClaimOrder(candidates)

	if len(candidates) > opts.Limit {
		candidates = candidates[:opts.Limit]
	}

	result := make([]*job.Job, len(candidates))
	for i, j := range candidates {
		j.Status = job.StatusExecuting
		j.WorkerID = opts.WorkerID
		j.UpdatedAt = now
		// Return a copy so callers can mutate without racing with the store.
		result[i] = j.Clone()
	}

	return result, nil
}

// sortClaimOrder sorts priority DESC, CreatedAt ASC, ID ASC.
func sortClaimOrder(jobs []*job.Job) {
	sort.Slice(jobs, func(i, k int) bool {
		if jobs[i].Priority != jobs[k].Priority {
			return jobs[i].Priority > jobs[k].Priority
		}
		if !jobs[i].CreatedAt.Equal(jobs[k].CreatedAt) {
			return jobs[i].CreatedAt.Before(jobs[k].CreatedAt)
		}
		return jobs[i].ID.String() < jobs[k].ID.String()
	})
}

// GetJob retrieves a job, falling back to the archives.
func (m *Store) GetJob(_ context.Context, jobID id.JobID) (*job.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	key := jobID.String()
	if j, ok := m.jobs[key]; ok {
		return j.Clone(), nil
	}
	if s, ok := m.successes[key]; ok {
		return s.Job(), nil
	}
	if f, ok := m.failures[key]; ok {
		return f.Job(), nil
	}
	return nil, conveyor.ErrJobNotFound
}

// UpdateStatus applies a guarded status change.
func (m *Store) UpdateStatus(_ context.Context, jobID id.JobID, status job.Status, upd job.StatusUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, err := m.activeLocked(jobID, upd.Expect)
	if err != nil {
		return err
	}
	if !j.OwnedBy(upd.ExpectWorker) {
		return conveyor.ErrStaleTransition
	}
	if !job.CanTransition(j.Status, status) || status.IsTerminal() {
		return fmt.Errorf("%w: %s -> %s", conveyor.ErrInvalidTransition, j.Status, status)
	}

	upd.Apply(j, status, time.Now())
	return nil
}

// MoveToSuccess archives an executing job as successful.
func (m *Store) MoveToSuccess(_ context.Context, j *job.Job, executionTime time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, err := m.activeLocked(j.ID, job.StatusExecuting)
	if err != nil {
		return err
	}
	if !stored.OwnedBy(j.WorkerID) {
		return conveyor.ErrStaleTransition
	}

	key := j.ID.String()
	delete(m.jobs, key)
	m.successes[key] = archive.NewSuccess(stored, executionTime, time.Now())
	return nil
}

// MarkAsFailed archives an executing job as failed.
func (m *Store) MarkAsFailed(_ context.Context, j *job.Job, jobErr error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, err := m.activeLocked(j.ID, job.StatusExecuting)
	if err != nil {
		return err
	}
	if !stored.OwnedBy(j.WorkerID) {
		return conveyor.ErrStaleTransition
	}

	key := j.ID.String()
	delete(m.jobs, key)
	m.failures[key] = archive.NewFailure(stored, jobErr, time.Now())
	return nil
}

// HeartbeatJob refreshes the heartbeat of an executing job.
func (m *Store) HeartbeatJob(_ context.Context, jobID id.JobID, workerID id.WorkerID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, err := m.activeLocked(jobID, job.StatusExecuting)
	if err != nil {
		return err
	}
	if !workerID.IsNil() && j.WorkerID.String() != workerID.String() {
		return conveyor.ErrStaleTransition
	}

	now := time.Now().UTC()
	j.HeartbeatAt = &now
	return nil
}

// FindStaleJobs returns executing jobs not heard from since threshold.
func (m *Store) FindStaleJobs(_ context.Context, threshold time.Duration) ([]*job.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	cutoff := time.Now().UTC().Add(-threshold)
	var stale []*job.Job
	for _, j := range m.jobs {
		if j.Status != job.StatusExecuting {
			continue
		}
		if lastSeen(j).Before(cutoff) {
			stale = append(stale, j.Clone())
		}
	}
	sortClaimOrder(stale)
	return stale, nil
}

func lastSeen(j *job.Job) time.Time {
	switch {
	case j.HeartbeatAt != nil:
		return *j.HeartbeatAt
	case j.StartedAt != nil:
		return *j.StartedAt
	default:
		return j.UpdatedAt
	}
}

// ListJobs returns active jobs matching opts in claim order.
func (m *Store) ListJobs(_ context.Context, opts job.ListOpts) ([]*job.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*job.Job
	for _, j := range m.jobs {
		if opts.Queue != "" && j.Queue != opts.Queue {
			continue
		}
		if opts.Status != "" && j.Status != opts.Status {
			continue
		}
		if opts.GroupID != "" && j.GroupID != opts.GroupID {
			continue
		}
		result = append(result, j.Clone())
	}
	sortClaimOrder(result)
	return paginate(result, opts.Offset, opts.Limit), nil
}

// CountJobs returns the number of active jobs matching opts.
func (m *Store) CountJobs(_ context.Context, opts job.CountOpts) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var count int64
	for _, j := range m.jobs {
		if opts.Queue != "" && j.Queue != opts.Queue {
			continue
		}
		if opts.Status != "" && j.Status != opts.Status {
			continue
		}
		count++
	}
	return count, nil
}

// activeLocked returns the stored job when it is active and, if expect is
// set, in the expected status. The caller holds m.mu.
func (m *Store) activeLocked(jobID id.JobID, expect job.Status) (*job.Job, error) {
	key := jobID.String()
	j, ok := m.jobs[key]
	if !ok {
		if m.archivedLocked(key) {
			return nil, conveyor.ErrStaleTransition
		}
		return nil, conveyor.ErrJobNotFound
	}
	if expect != "" && j.Status != expect {
		return nil, conveyor.ErrStaleTransition
	}
	return j, nil
}

func (m *Store) archivedLocked(key string) bool {
	if _, ok := m.successes[key]; ok {
		return true
	}
	_, ok := m.failures[key]
	return ok
}

func paginate[T any](items []T, offset, limit int) []T {
	if offset > 0 {
		if offset >= len(items) {
			return nil
		}
		items = items[offset:]
	}
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return items
}
