package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/xraph/conveyor"
	"github.com/xraph/conveyor/archive"
	"github.com/xraph/conveyor/id"
)

const successColumns = `
	job_id, queue, group_id, executor_name, payload, priority,
	attempts, max_attempts, execution_time_ns, created_at, started_at, completed_at`

const failureColumns = `
	job_id, queue, group_id, executor_name, payload, priority,
	attempts, max_attempts, error, created_at, started_at, failed_at, replayed_at`

func archiveFilter(opts archive.ListOpts) *filter {
	f := &filter{}
	if opts.Queue != "" {
		f.add("queue = ?", opts.Queue)
	}
	if opts.GroupID != "" {
		f.add("group_id = ?", opts.GroupID)
	}
	return f
}

// ListSuccesses returns success records, newest first.
func (s *Store) ListSuccesses(ctx context.Context, opts archive.ListOpts) ([]*archive.Success, error) {
	f := archiveFilter(opts)
	query := `SELECT ` + successColumns + ` FROM conveyor_job_successes` + f.where() +
		` ORDER BY completed_at DESC, job_id DESC`
	query += f.page(opts.Limit, opts.Offset)

	rows, err := s.pool.Query(ctx, query, f.args...)
	if err != nil {
		return nil, fmt.Errorf("conveyor/postgres: list successes: %w", err)
	}
	defer rows.Close()

	var out []*archive.Success
	for rows.Next() {
		rec, scanErr := scanSuccess(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("conveyor/postgres: scan success row: %w", scanErr)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("conveyor/postgres: iterate success rows: %w", err)
	}
	return out, nil
}

// ListFailures returns failure records, newest first.
func (s *Store) ListFailures(ctx context.Context, opts archive.ListOpts) ([]*archive.Failure, error) {
	f := archiveFilter(opts)
	query := `SELECT ` + failureColumns + ` FROM conveyor_job_failures` + f.where() +
		` ORDER BY failed_at DESC, job_id DESC`
	query += f.page(opts.Limit, opts.Offset)

	rows, err := s.pool.Query(ctx, query, f.args...)
	if err != nil {
		return nil, fmt.Errorf("conveyor/postgres: list failures: %w", err)
	}
	defer rows.Close()

	var out []*archive.Failure
	for rows.Next() {
		rec, scanErr := scanFailure(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("conveyor/postgres: scan failure row: %w", scanErr)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("conveyor/postgres: iterate failure rows: %w", err)
	}
	return out, nil
}

// GetFailure retrieves the failure record of a job.
func (s *Store) GetFailure(ctx context.Context, jobID id.JobID) (*archive.Failure, error) {
	rec, err := scanFailure(s.pool.QueryRow(ctx,
		`SELECT `+failureColumns+` FROM conveyor_job_failures WHERE job_id = $1`, jobID.String()))
	if err != nil {
		if isNoRows(err) {
			return nil, conveyor.ErrArchiveNotFound
		}
		return nil, fmt.Errorf("conveyor/postgres: get failure: %w", err)
	}
	return rec, nil
}

// MarkReplayed stamps ReplayedAt on a failure record.
func (s *Store) MarkReplayed(ctx context.Context, jobID id.JobID) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE conveyor_job_failures SET replayed_at = NOW() WHERE job_id = $1`, jobID.String())
	if err != nil {
		return fmt.Errorf("conveyor/postgres: mark replayed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return conveyor.ErrArchiveNotFound
	}
	return nil
}

// CountSuccesses counts success records.
func (s *Store) CountSuccesses(ctx context.Context, opts archive.ListOpts) (int64, error) {
	return s.countArchive(ctx, "conveyor_job_successes", opts)
}

// CountFailures counts failure records.
func (s *Store) CountFailures(ctx context.Context, opts archive.ListOpts) (int64, error) {
	return s.countArchive(ctx, "conveyor_job_failures", opts)
}

func (s *Store) countArchive(ctx context.Context, table string, opts archive.ListOpts) (int64, error) {
	f := archiveFilter(opts)
	var n int64
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM `+table+f.where(), f.args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("conveyor/postgres: count %s: %w", table, err)
	}
	return n, nil
}

// PurgeArchive removes records settled before the given time.
func (s *Store) PurgeArchive(ctx context.Context, before time.Time) (int64, error) {
	var total int64
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		succ, err := tx.Exec(ctx, `DELETE FROM conveyor_job_successes WHERE completed_at < $1`, before.UTC())
		if err != nil {
			return err
		}
		fail, err := tx.Exec(ctx, `DELETE FROM conveyor_job_failures WHERE failed_at < $1`, before.UTC())
		if err != nil {
			return err
		}
		total = succ.RowsAffected() + fail.RowsAffected()
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("conveyor/postgres: purge archive: %w", err)
	}
	return total, nil
}

func scanSuccess(row pgx.Row) (*archive.Success, error) {
	var (
		rec    archive.Success
		idStr  string
		execNs int64
	)
	err := row.Scan(
		&idStr, &rec.Queue, &rec.GroupID, &rec.ExecutorName, &rec.Payload, &rec.Priority,
		&rec.Attempts, &rec.MaxAttempts, &execNs, &rec.CreatedAt, &rec.StartedAt, &rec.CompletedAt,
	)
	if err != nil {
		return nil, err
	}
	parsed, err := id.ParseJobID(idStr)
	if err != nil {
		return nil, fmt.Errorf("conveyor/postgres: parse job id %q: %w", idStr, err)
	}
	rec.JobID = parsed
	rec.ExecutionTime = time.Duration(execNs)
	rec.CreatedAt = rec.CreatedAt.UTC()
	rec.StartedAt = utcPtr(rec.StartedAt)
	rec.CompletedAt = rec.CompletedAt.UTC()
	return &rec, nil
}

func scanFailure(row pgx.Row) (*archive.Failure, error) {
	var (
		rec   archive.Failure
		idStr string
	)
	err := row.Scan(
		&idStr, &rec.Queue, &rec.GroupID, &rec.ExecutorName, &rec.Payload, &rec.Priority,
		&rec.Attempts, &rec.MaxAttempts, &rec.Error, &rec.CreatedAt, &rec.StartedAt,
		&rec.FailedAt, &rec.ReplayedAt,
	)
	if err != nil {
		return nil, err
	}
	parsed, err := id.ParseJobID(idStr)
	if err != nil {
		return nil, fmt.Errorf("conveyor/postgres: parse job id %q: %w", idStr, err)
	}
	rec.JobID = parsed
	rec.CreatedAt = rec.CreatedAt.UTC()
	rec.StartedAt = utcPtr(rec.StartedAt)
	rec.FailedAt = rec.FailedAt.UTC()
	rec.ReplayedAt = utcPtr(rec.ReplayedAt)
	return &rec, nil
}
