package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/xraph/conveyor"
	"github.com/xraph/conveyor/group"
)

const groupColumns = `queue, group_id, status, total_jobs, completed_jobs, failed_jobs, created_at, updated_at`

// CreateGroup persists a new group.
func (s *Store) CreateGroup(ctx context.Context, g *group.Group) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO conveyor_groups (`+groupColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		g.Queue, g.ID, string(g.Status), g.TotalJobs, g.CompletedJobs, g.FailedJobs,
		g.CreatedAt.UTC(), g.UpdatedAt.UTC(),
	)
	if err != nil {
		if isDuplicateKey(err) {
			return conveyor.ErrGroupAlreadyExists
		}
		return fmt.Errorf("conveyor/postgres: create group: %w", err)
	}
	return nil
}

// GetGroup retrieves a group.
func (s *Store) GetGroup(ctx context.Context, queue, groupID string) (*group.Group, error) {
	g, err := scanGroup(s.pool.QueryRow(ctx,
		`SELECT `+groupColumns+` FROM conveyor_groups WHERE queue = $1 AND group_id = $2`,
		queue, groupID,
	))
	if err != nil {
		if isNoRows(err) {
			return nil, conveyor.ErrGroupNotFound
		}
		return nil, fmt.Errorf("conveyor/postgres: get group: %w", err)
	}
	return g, nil
}

// ListGroups returns groups ordered by queue then ID.
func (s *Store) ListGroups(ctx context.Context, queue string) ([]*group.Group, error) {
	var f filter
	if queue != "" {
		f.add("queue = ?", queue)
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+groupColumns+` FROM conveyor_groups`+f.where()+` ORDER BY queue, group_id`,
		f.args...,
	)
	if err != nil {
		return nil, fmt.Errorf("conveyor/postgres: list groups: %w", err)
	}
	defer rows.Close()

	var groups []*group.Group
	for rows.Next() {
		g, scanErr := scanGroup(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("conveyor/postgres: scan group row: %w", scanErr)
		}
		groups = append(groups, g)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("conveyor/postgres: iterate group rows: %w", err)
	}
	return groups, nil
}

// SetGroupStatus pauses or resumes a group.
func (s *Store) SetGroupStatus(ctx context.Context, queue, groupID string, status group.Status) error {
	return s.execGroup(ctx, "set group status",
		`UPDATE conveyor_groups SET status = $3, updated_at = NOW() WHERE queue = $1 AND group_id = $2`,
		queue, groupID, string(status),
	)
}

// IncrementTotal adds n to TotalJobs, creating the group when missing.
func (s *Store) IncrementTotal(ctx context.Context, queue, groupID string, n int64) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO conveyor_groups (queue, group_id, status, total_jobs)
		VALUES ($1, $2, 'active', $3)
		ON CONFLICT (queue, group_id) DO UPDATE
		SET total_jobs = conveyor_groups.total_jobs + EXCLUDED.total_jobs,
		    updated_at = NOW()`,
		queue, groupID, n,
	)
	if err != nil {
		return fmt.Errorf("conveyor/postgres: increment group total: %w", err)
	}
	return nil
}

// IncrementCompleted adds one to CompletedJobs.
func (s *Store) IncrementCompleted(ctx context.Context, queue, groupID string) error {
	return s.execGroup(ctx, "increment group completed",
		`UPDATE conveyor_groups SET completed_jobs = completed_jobs + 1, updated_at = NOW()
		 WHERE queue = $1 AND group_id = $2`,
		queue, groupID,
	)
}

// IncrementFailed adds one to FailedJobs.
func (s *Store) IncrementFailed(ctx context.Context, queue, groupID string) error {
	return s.execGroup(ctx, "increment group failed",
		`UPDATE conveyor_groups SET failed_jobs = failed_jobs + 1, updated_at = NOW()
		 WHERE queue = $1 AND group_id = $2`,
		queue, groupID,
	)
}

// GetPausedGroupIDs returns the paused groups of a queue.
func (s *Store) GetPausedGroupIDs(ctx context.Context, queue string) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT group_id FROM conveyor_groups WHERE queue = $1 AND status = 'paused' ORDER BY group_id`,
		queue,
	)
	if err != nil {
		return nil, fmt.Errorf("conveyor/postgres: paused groups: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("conveyor/postgres: paused groups: %w", err)
	}
	return ids, nil
}

// ReconcileGroup recomputes a group's counters from the active jobs and
// archives in a single statement.
func (s *Store) ReconcileGroup(ctx context.Context, queue, groupID string) (*group.Group, error) {
	g, err := scanGroup(s.pool.QueryRow(ctx, `
		WITH counts AS (
			SELECT
				(SELECT COUNT(*) FROM conveyor_jobs WHERE queue = $1 AND group_id = $2) AS active,
				(SELECT COUNT(*) FROM conveyor_job_successes WHERE queue = $1 AND group_id = $2) AS completed,
				(SELECT COUNT(*) FROM conveyor_job_failures WHERE queue = $1 AND group_id = $2) AS failed
		)
		UPDATE conveyor_groups SET
			total_jobs = counts.active + counts.completed + counts.failed,
			completed_jobs = counts.completed,
			failed_jobs = counts.failed,
			updated_at = NOW()
		FROM counts
		WHERE queue = $1 AND group_id = $2
		RETURNING `+qualifiedGroupColumns,
		queue, groupID,
	))
	if err != nil {
		if isNoRows(err) {
			return nil, conveyor.ErrGroupNotFound
		}
		return nil, fmt.Errorf("conveyor/postgres: reconcile group: %w", err)
	}
	return g, nil
}

const qualifiedGroupColumns = `conveyor_groups.queue, conveyor_groups.group_id, conveyor_groups.status,
	conveyor_groups.total_jobs, conveyor_groups.completed_jobs, conveyor_groups.failed_jobs,
	conveyor_groups.created_at, conveyor_groups.updated_at`

func (s *Store) execGroup(ctx context.Context, op, sql string, args ...any) error {
	tag, err := s.pool.Exec(ctx, sql, args...)
	if err != nil {
		return fmt.Errorf("conveyor/postgres: %s: %w", op, err)
	}
	if tag.RowsAffected() == 0 {
		return conveyor.ErrGroupNotFound
	}
	return nil
}

func scanGroup(row pgx.Row) (*group.Group, error) {
	var (
		g         group.Group
		statusStr string
	)
	err := row.Scan(
		&g.Queue, &g.ID, &statusStr, &g.TotalJobs, &g.CompletedJobs, &g.FailedJobs,
		&g.CreatedAt, &g.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	g.Status = group.Status(statusStr)
	g.CreatedAt = g.CreatedAt.UTC()
	g.UpdatedAt = g.UpdatedAt.UTC()
	return &g, nil
}
