package sqlite

import (
	"context"
	"fmt"

	"github.com/uptrace/bun"

	"github.com/xraph/conveyor"
	"github.com/xraph/conveyor/group"
)

// CreateGroup persists a new group.
func (s *Store) CreateGroup(ctx context.Context, g *group.Group) error {
	res, err := s.db.NewInsert().
		Model(toGroupModel(g)).
		On("CONFLICT (queue, group_id) DO NOTHING").
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("conveyor/sqlite: create group: %w", err)
	}
	if affected(res) == 0 {
		return conveyor.ErrGroupAlreadyExists
	}
	return nil
}

// GetGroup retrieves a group.
func (s *Store) GetGroup(ctx context.Context, queue, groupID string) (*group.Group, error) {
	return getGroup(ctx, s.db, queue, groupID)
}

func getGroup(ctx context.Context, db bun.IDB, queue, groupID string) (*group.Group, error) {
	m := new(groupModel)
	err := db.NewSelect().Model(m).
		Where("queue = ?", queue).
		Where("group_id = ?", groupID).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return nil, conveyor.ErrGroupNotFound
		}
		return nil, fmt.Errorf("conveyor/sqlite: get group: %w", err)
	}
	return fromGroupModel(m), nil
}

// ListGroups returns groups ordered by queue then ID.
func (s *Store) ListGroups(ctx context.Context, queue string) ([]*group.Group, error) {
	var models []groupModel
	q := s.db.NewSelect().Model(&models).OrderExpr("queue, group_id")
	if queue != "" {
		q = q.Where("queue = ?", queue)
	}
	if err := q.Scan(ctx); err != nil && !isNoRows(err) {
		return nil, fmt.Errorf("conveyor/sqlite: list groups: %w", err)
	}

	groups := make([]*group.Group, 0, len(models))
	for i := range models {
		groups = append(groups, fromGroupModel(&models[i]))
	}
	return groups, nil
}

// SetGroupStatus pauses or resumes a group.
func (s *Store) SetGroupStatus(ctx context.Context, queue, groupID string, status group.Status) error {
	return s.updateGroup(ctx, "set group status", queue, groupID, "status = ?", string(status))
}

// IncrementTotal adds n to TotalJobs, creating the group when missing.
func (s *Store) IncrementTotal(ctx context.Context, queue, groupID string, n int64) error {
	g := group.New(queue, groupID)
	g.TotalJobs = n

	_, err := s.db.NewInsert().
		Model(toGroupModel(g)).
		On("CONFLICT (queue, group_id) DO UPDATE").
		Set("total_jobs = total_jobs + EXCLUDED.total_jobs").
		Set("updated_at = EXCLUDED.updated_at").
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("conveyor/sqlite: increment group total: %w", err)
	}
	return nil
}

// IncrementCompleted adds one to CompletedJobs.
func (s *Store) IncrementCompleted(ctx context.Context, queue, groupID string) error {
	return s.updateGroup(ctx, "increment group completed", queue, groupID, "completed_jobs = completed_jobs + 1")
}

// IncrementFailed adds one to FailedJobs.
func (s *Store) IncrementFailed(ctx context.Context, queue, groupID string) error {
	return s.updateGroup(ctx, "increment group failed", queue, groupID, "failed_jobs = failed_jobs + 1")
}

// GetPausedGroupIDs returns the paused groups of a queue.
func (s *Store) GetPausedGroupIDs(ctx context.Context, queue string) ([]string, error) {
	var ids []string
	err := s.db.NewSelect().
		Model((*groupModel)(nil)).
		Column("group_id").
		Where("queue = ?", queue).
		Where("status = ?", string(group.StatusPaused)).
		OrderExpr("group_id").
		Scan(ctx, &ids)
	if err != nil && !isNoRows(err) {
		return nil, fmt.Errorf("conveyor/sqlite: paused groups: %w", err)
	}
	return ids, nil
}

// ReconcileGroup recomputes a group's counters from the active jobs and
// archives inside one transaction.
func (s *Store) ReconcileGroup(ctx context.Context, queue, groupID string) (*group.Group, error) {
	var out *group.Group
	err := s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		if _, err := getGroup(ctx, tx, queue, groupID); err != nil {
			return err
		}

		active, err := countMembers(ctx, tx, (*jobModel)(nil), queue, groupID)
		if err != nil {
			return err
		}
		completed, err := countMembers(ctx, tx, (*successModel)(nil), queue, groupID)
		if err != nil {
			return err
		}
		failed, err := countMembers(ctx, tx, (*failureModel)(nil), queue, groupID)
		if err != nil {
			return err
		}

		_, err = tx.NewUpdate().
			Model((*groupModel)(nil)).
			Set("total_jobs = ?", active+completed+failed).
			Set("completed_jobs = ?", completed).
			Set("failed_jobs = ?", failed).
			Set("updated_at = ?", nanos(nowUTC())).
			Where("queue = ?", queue).
			Where("group_id = ?", groupID).
			Exec(ctx)
		if err != nil {
			return fmt.Errorf("conveyor/sqlite: reconcile group: %w", err)
		}

		out, err = getGroup(ctx, tx, queue, groupID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func countMembers(ctx context.Context, tx bun.Tx, model any, queue, groupID string) (int64, error) {
	n, err := tx.NewSelect().Model(model).
		Where("queue = ?", queue).
		Where("group_id = ?", groupID).
		Count(ctx)
	if err != nil {
		return 0, fmt.Errorf("conveyor/sqlite: count group members: %w", err)
	}
	return int64(n), nil
}

func (s *Store) updateGroup(ctx context.Context, op, queue, groupID, set string, args ...any) error {
	res, err := s.db.NewUpdate().
		Model((*groupModel)(nil)).
		Set(set, args...).
		Set("updated_at = ?", nanos(nowUTC())).
		Where("queue = ?", queue).
		Where("group_id = ?", groupID).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("conveyor/sqlite: %s: %w", op, err)
	}
	if affected(res) == 0 {
		return conveyor.ErrGroupNotFound
	}
	return nil
}
