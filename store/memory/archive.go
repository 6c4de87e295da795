package memory

import (
	"context"
	"sort"
	"time"

	"github.com/xraph/conveyor"
	"github.com/xraph/conveyor/archive"
	"github.com/xraph/conveyor/id"
)

func matchArchive(queue, groupID string, opts archive.ListOpts) bool {
	if opts.Queue != "" && queue != opts.Queue {
		return false
	}
	if opts.GroupID != "" && groupID != opts.GroupID {
		return false
	}
	return true
}

// ListSuccesses returns success records, newest first.
func (m *Store) ListSuccesses(_ context.Context, opts archive.ListOpts) ([]*archive.Success, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*archive.Success
	for _, s := range m.successes {
		if matchArchive(s.Queue, s.GroupID, opts) {
			cp := *s
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, k int) bool {
		return result[i].CompletedAt.After(result[k].CompletedAt)
	})
	return paginate(result, opts.Offset, opts.Limit), nil
}

// ListFailures returns failure records, newest first.
func (m *Store) ListFailures(_ context.Context, opts archive.ListOpts) ([]*archive.Failure, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*archive.Failure
	for _, f := range m.failures {
		if matchArchive(f.Queue, f.GroupID, opts) {
			cp := *f
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, k int) bool {
		return result[i].FailedAt.After(result[k].FailedAt)
	})
	return paginate(result, opts.Offset, opts.Limit), nil
}

// GetFailure retrieves the failure record of a job.
func (m *Store) GetFailure(_ context.Context, jobID id.JobID) (*archive.Failure, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	f, ok := m.failures[jobID.String()]
	if !ok {
		return nil, conveyor.ErrArchiveNotFound
	}
	cp := *f
	return &cp, nil
}

// MarkReplayed stamps ReplayedAt on a failure record.
func (m *Store) MarkReplayed(_ context.Context, jobID id.JobID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	f, ok := m.failures[jobID.String()]
	if !ok {
		return conveyor.ErrArchiveNotFound
	}
	now := time.Now().UTC()
	f.ReplayedAt = &now
	return nil
}

// CountSuccesses counts success records.
func (m *Store) CountSuccesses(_ context.Context, opts archive.ListOpts) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var n int64
	for _, s := range m.successes {
		if matchArchive(s.Queue, s.GroupID, opts) {
			n++
		}
	}
	return n, nil
}

// CountFailures counts failure records.
func (m *Store) CountFailures(_ context.Context, opts archive.ListOpts) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var n int64
	for _, f := range m.failures {
		if matchArchive(f.Queue, f.GroupID, opts) {
			n++
		}
	}
	return n, nil
}

// PurgeArchive removes records settled before the given time.
func (m *Store) PurgeArchive(_ context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	for key, s := range m.successes {
		if s.CompletedAt.Before(before) {
			delete(m.successes, key)
			n++
		}
	}
	for key, f := range m.failures {
		if f.FailedAt.Before(before) {
			delete(m.failures, key)
			n++
		}
	}
	return n, nil
}
