package redis

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/xraph/conveyor"
	"github.com/xraph/conveyor/group"
	"github.com/xraph/conveyor/job"
)

// CreateGroup persists a new group.
func (s *Store) CreateGroup(ctx context.Context, g *group.Group) error {
	ok, err := createGroupScript.Run(ctx, s.client,
		[]string{groupKey(g.Queue, g.ID), groupsKey, pausedKey(g.Queue)},
		groupRef(g.Queue, g.ID), g.ID, string(g.Status),
		g.TotalJobs, g.CompletedJobs, g.FailedJobs,
		stamp(g.CreatedAt), stamp(g.UpdatedAt),
	).Int()
	if err != nil {
		return fmt.Errorf("conveyor/redis: create group: %w", err)
	}
	if ok == 0 {
		return conveyor.ErrGroupAlreadyExists
	}
	return nil
}

// GetGroup retrieves a group.
func (s *Store) GetGroup(ctx context.Context, queue, groupID string) (*group.Group, error) {
	h, err := s.client.HGetAll(ctx, groupKey(queue, groupID)).Result()
	if err != nil {
		return nil, fmt.Errorf("conveyor/redis: get group: %w", err)
	}
	if len(h) == 0 {
		return nil, conveyor.ErrGroupNotFound
	}
	return decodeGroup(queue, groupID, h), nil
}

// ListGroups returns groups ordered by queue then ID.
func (s *Store) ListGroups(ctx context.Context, queue string) ([]*group.Group, error) {
	refs, err := s.client.SMembers(ctx, groupsKey).Result()
	if err != nil {
		return nil, fmt.Errorf("conveyor/redis: list groups: %w", err)
	}

	type ref struct{ queue, id string }
	var wanted []ref
	for _, r := range refs {
		q, gid := splitGroupRef(r)
		if queue == "" || q == queue {
			wanted = append(wanted, ref{q, gid})
		}
	}
	sort.Slice(wanted, func(i, k int) bool {
		if wanted[i].queue != wanted[k].queue {
			return wanted[i].queue < wanted[k].queue
		}
		return wanted[i].id < wanted[k].id
	})

	cmds := make([]*goredis.MapStringStringCmd, len(wanted))
	_, err = s.client.Pipelined(ctx, func(pipe goredis.Pipeliner) error {
		for i, w := range wanted {
			cmds[i] = pipe.HGetAll(ctx, groupKey(w.queue, w.id))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("conveyor/redis: list groups: %w", err)
	}

	groups := make([]*group.Group, 0, len(wanted))
	for i, cmd := range cmds {
		if h := cmd.Val(); len(h) > 0 {
			groups = append(groups, decodeGroup(wanted[i].queue, wanted[i].id, h))
		}
	}
	return groups, nil
}

// SetGroupStatus pauses or resumes a group.
func (s *Store) SetGroupStatus(ctx context.Context, queue, groupID string, status group.Status) error {
	ok, err := setGroupStatusScript.Run(ctx, s.client,
		[]string{groupKey(queue, groupID), pausedKey(queue)},
		string(status), groupID, stamp(time.Now()),
	).Int()
	if err != nil {
		return fmt.Errorf("conveyor/redis: set group status: %w", err)
	}
	if ok == 0 {
		return conveyor.ErrGroupNotFound
	}
	return nil
}

// IncrementTotal adds n to TotalJobs, creating the group when missing.
func (s *Store) IncrementTotal(ctx context.Context, queue, groupID string, n int64) error {
	err := incrementTotalScript.Run(ctx, s.client,
		[]string{groupKey(queue, groupID), groupsKey},
		groupRef(queue, groupID), n, stamp(time.Now()),
	).Err()
	if err != nil {
		return fmt.Errorf("conveyor/redis: increment group total: %w", err)
	}
	return nil
}

// IncrementCompleted adds one to CompletedJobs.
func (s *Store) IncrementCompleted(ctx context.Context, queue, groupID string) error {
	return s.incrementCounter(ctx, queue, groupID, "completed_jobs")
}

// IncrementFailed adds one to FailedJobs.
func (s *Store) IncrementFailed(ctx context.Context, queue, groupID string) error {
	return s.incrementCounter(ctx, queue, groupID, "failed_jobs")
}

func (s *Store) incrementCounter(ctx context.Context, queue, groupID, field string) error {
	ok, err := incrementCounterScript.Run(ctx, s.client,
		[]string{groupKey(queue, groupID)},
		field, stamp(time.Now()),
	).Int()
	if err != nil {
		return fmt.Errorf("conveyor/redis: increment group %s: %w", field, err)
	}
	if ok == 0 {
		return conveyor.ErrGroupNotFound
	}
	return nil
}

// GetPausedGroupIDs returns the paused groups of a queue.
func (s *Store) GetPausedGroupIDs(ctx context.Context, queue string) ([]string, error) {
	ids, err := s.client.SMembers(ctx, pausedKey(queue)).Result()
	if err != nil {
		return nil, fmt.Errorf("conveyor/redis: paused groups: %w", err)
	}
	sort.Strings(ids)
	return ids, nil
}

// ReconcileGroup recomputes a group's counters from the active jobs and the
// archives. The archive scan is linear in the archive size.
func (s *Store) ReconcileGroup(ctx context.Context, queue, groupID string) (*group.Group, error) {
	if _, err := s.GetGroup(ctx, queue, groupID); err != nil {
		return nil, err
	}

	active, err := s.ListJobs(ctx, job.ListOpts{Queue: queue, GroupID: groupID})
	if err != nil {
		return nil, err
	}
	completed, err := s.countArchive(ctx, successesKey, queue, groupID, successGroup)
	if err != nil {
		return nil, err
	}
	failed, err := s.countArchive(ctx, failuresKey, queue, groupID, failureGroup)
	if err != nil {
		return nil, err
	}

	err = s.client.HSet(ctx, groupKey(queue, groupID),
		"total_jobs", int64(len(active))+completed+failed,
		"completed_jobs", completed,
		"failed_jobs", failed,
		"updated_at", stamp(time.Now()),
	).Err()
	if err != nil {
		return nil, fmt.Errorf("conveyor/redis: reconcile group: %w", err)
	}
	return s.GetGroup(ctx, queue, groupID)
}

func decodeGroup(queue, groupID string, h map[string]string) *group.Group {
	g := &group.Group{
		Queue:  queue,
		ID:     groupID,
		Status: group.Status(h["status"]),
	}
	g.TotalJobs, _ = strconv.ParseInt(h["total_jobs"], 10, 64)
	g.CompletedJobs, _ = strconv.ParseInt(h["completed_jobs"], 10, 64)
	g.FailedJobs, _ = strconv.ParseInt(h["failed_jobs"], 10, 64)
	g.CreatedAt = parseStamp(h["created_at"])
	g.UpdatedAt = parseStamp(h["updated_at"])
	return g
}
