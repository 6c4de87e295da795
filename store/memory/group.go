package memory

import (
	"context"
	"sort"
	"time"

	"github.com/xraph/conveyor"
	"github.com/xraph/conveyor/group"
)

func groupKey(queue, groupID string) string { return queue + "/" + groupID }

func cloneGroup(g *group.Group) *group.Group {
	cp := *g
	return &cp
}

// CreateGroup persists a new group.
func (m *Store) CreateGroup(_ context.Context, g *group.Group) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := groupKey(g.Queue, g.ID)
	if _, exists := m.groups[key]; exists {
		return conveyor.ErrGroupAlreadyExists
	}
	m.groups[key] = cloneGroup(g)
	return nil
}

// GetGroup retrieves a group.
func (m *Store) GetGroup(_ context.Context, queue, groupID string) (*group.Group, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	g, ok := m.groups[groupKey(queue, groupID)]
	if !ok {
		return nil, conveyor.ErrGroupNotFound
	}
	return cloneGroup(g), nil
}

// ListGroups returns groups ordered by queue then ID.
func (m *Store) ListGroups(_ context.Context, queue string) ([]*group.Group, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*group.Group
	for _, g := range m.groups {
		if queue != "" && g.Queue != queue {
			continue
		}
		result = append(result, cloneGroup(g))
	}
	sort.Slice(result, func(i, k int) bool {
		if result[i].Queue != result[k].Queue {
			return result[i].Queue < result[k].Queue
		}
		return result[i].ID < result[k].ID
	})
	return result, nil
}

// SetGroupStatus pauses or resumes a group.
func (m *Store) SetGroupStatus(_ context.Context, queue, groupID string, status group.Status) error {
	return m.mutateGroup(queue, groupID, func(g *group.Group) { g.Status = status })
}

// IncrementTotal adds n to TotalJobs, creating the group when missing.
func (m *Store) IncrementTotal(_ context.Context, queue, groupID string, n int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := groupKey(queue, groupID)
	g, ok := m.groups[key]
	if !ok {
		g = group.New(queue, groupID)
		m.groups[key] = g
	}
	g.TotalJobs += n
	g.UpdatedAt = time.Now().UTC()
	return nil
}

// IncrementCompleted adds one to CompletedJobs.
func (m *Store) IncrementCompleted(_ context.Context, queue, groupID string) error {
	return m.mutateGroup(queue, groupID, func(g *group.Group) { g.CompletedJobs++ })
}

// IncrementFailed adds one to FailedJobs.
func (m *Store) IncrementFailed(_ context.Context, queue, groupID string) error {
	return m.mutateGroup(queue, groupID, func(g *group.Group) { g.FailedJobs++ })
}

// GetPausedGroupIDs returns the paused groups of a queue.
func (m *Store) GetPausedGroupIDs(_ context.Context, queue string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var ids []string
	for _, g := range m.groups {
		if g.Queue == queue && g.Status == group.StatusPaused {
			ids = append(ids, g.ID)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// ReconcileGroup recomputes a group's counters from jobs and archives.
func (m *Store) ReconcileGroup(_ context.Context, queue, groupID string) (*group.Group, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	g, ok := m.groups[groupKey(queue, groupID)]
	if !ok {
		return nil, conveyor.ErrGroupNotFound
	}

	var active, completed, failed int64
	for _, j := range m.jobs {
		if j.Queue == queue && j.GroupID == groupID {
			active++
		}
	}
	for _, s := range m.successes {
		if s.Queue == queue && s.GroupID == groupID {
			completed++
		}
	}
	for _, f := range m.failures {
		if f.Queue == queue && f.GroupID == groupID {
			failed++
		}
	}

	g.TotalJobs = active + completed + failed
	g.CompletedJobs = completed
	g.FailedJobs = failed
	g.UpdatedAt = time.Now().UTC()
	return cloneGroup(g), nil
}

func (m *Store) mutateGroup(queue, groupID string, fn func(*group.Group)) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	g, ok := m.groups[groupKey(queue, groupID)]
	if !ok {
		return conveyor.ErrGroupNotFound
	}
	fn(g)
	g.UpdatedAt = time.Now().UTC()
	return nil
}
