package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/xraph/conveyor"
	"github.com/xraph/conveyor/archive"
	"github.com/xraph/conveyor/id"
	"github.com/xraph/conveyor/job"
)

const jobColumns = `
	id, queue, group_id, executor_name, payload, status, priority,
	attempts, max_attempts, last_error, worker_id,
	run_at, started_at, heartbeat_at, created_at, updated_at`

const claimOrder = ` ORDER BY priority DESC, created_at ASC, id ASC`

// EnqueueJob persists a new waiting job.
func (s *Store) EnqueueJob(ctx context.Context, j *job.Job) error {
	exists, err := s.archived(ctx, s.pool, j.ID)
	if err != nil {
		return fmt.Errorf("conveyor/postgres: enqueue job: %w", err)
	}
	if exists {
		return conveyor.ErrJobAlreadyExists
	}

	maxAttempts := max(j.MaxAttempts, 1)
	_, err = s.pool.Exec(ctx, `
		INSERT INTO conveyor_jobs (`+jobColumns+`
		) VALUES (
			$1, $2, $3, $4, $5, 'waiting', $6,
			$7, $8, $9, '',
			$10, NULL, NULL, $11, $12
		)`,
		j.ID.String(), j.Queue, j.GroupID, j.ExecutorName, j.Payload, j.Priority,
		j.Attempts, maxAttempts, j.LastError,
		j.RunAt.UTC(), j.CreatedAt.UTC(), j.UpdatedAt.UTC(),
	)
	if err != nil {
		if isDuplicateKey(err) {
			return conveyor.ErrJobAlreadyExists
		}
		return fmt.Errorf("conveyor/postgres: enqueue job: %w", err)
	}
	return nil
}

// ClaimWaiting atomically claims up to opts.Limit waiting jobs. Uses
// SELECT FOR UPDATE SKIP LOCKED for concurrent-safe claims.
func (s *Store) ClaimWaiting(ctx context.Context, opts job.ClaimOpts) ([]*job.Job, error) {
	if opts.Limit <= 0 {
		return nil, nil
	}

	now := opts.Now
	if now.IsZero() {
		now = time.Now()
	}
	exclude := opts.ExcludeGroups
	if exclude == nil {
		exclude = []string{}
	}
	worker := ""
	if !opts.WorkerID.IsNil() {
		worker = opts.WorkerID.String()
	}

	rows, err := s.pool.Query(ctx, `
		WITH claimed AS (
			UPDATE conveyor_jobs
			SET status = 'executing', worker_id = $4, updated_at = $3
			WHERE id IN (
				SELECT id FROM conveyor_jobs
				WHERE status = 'waiting'
				  AND queue = $1
				  AND run_at <= $3
				  AND NOT (group_id <> '' AND group_id = ANY($5))`+
		claimOrder+`
				FOR UPDATE SKIP LOCKED
				LIMIT $2
			)
			RETURNING `+jobColumns+`
		)
		SELECT * FROM claimed`+claimOrder,
		opts.Queue, opts.Limit, now.UTC(), worker, exclude,
	)
	if err != nil {
		return nil, fmt.Errorf("conveyor/postgres: claim jobs: %w", err)
	}
	defer rows.Close()

	return collectJobs(rows)
}

// GetJob retrieves a job by ID, falling back to the archives.
func (s *Store) GetJob(ctx context.Context, jobID id.JobID) (*job.Job, error) {
	j, err := scanJob(s.pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM conveyor_jobs WHERE id = $1`, jobID.String()))
	if err == nil {
		return j, nil
	}
	if !isNoRows(err) {
		return nil, fmt.Errorf("conveyor/postgres: get job: %w", err)
	}

	succ, err := scanSuccess(s.pool.QueryRow(ctx,
		`SELECT `+successColumns+` FROM conveyor_job_successes WHERE job_id = $1`, jobID.String()))
	if err == nil {
		return succ.Job(), nil
	}
	if !isNoRows(err) {
		return nil, fmt.Errorf("conveyor/postgres: get job: %w", err)
	}

	fail, err := scanFailure(s.pool.QueryRow(ctx,
		`SELECT `+failureColumns+` FROM conveyor_job_failures WHERE job_id = $1`, jobID.String()))
	if err == nil {
		return fail.Job(), nil
	}
	if isNoRows(err) {
		return nil, conveyor.ErrJobNotFound
	}
	return nil, fmt.Errorf("conveyor/postgres: get job: %w", err)
}

// UpdateStatus applies a guarded status change inside a row lock.
func (s *Store) UpdateStatus(ctx context.Context, jobID id.JobID, status job.Status, upd job.StatusUpdate) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		j, err := s.lockActive(ctx, tx, jobID, upd.Expect)
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

		worker := ""
		if !j.WorkerID.IsNil() {
			worker = j.WorkerID.String()
		}
		_, err = tx.Exec(ctx, `
			UPDATE conveyor_jobs SET
				status = $2, attempts = $3, worker_id = $4, last_error = $5,
				run_at = $6, started_at = $7, heartbeat_at = $8, updated_at = $9
			WHERE id = $1`,
			jobID.String(), string(j.Status), j.Attempts, worker, j.LastError,
			j.RunAt, j.StartedAt, j.HeartbeatAt, j.UpdatedAt,
		)
		if err != nil {
			return fmt.Errorf("conveyor/postgres: update status: %w", err)
		}
		return nil
	})
}

// MoveToSuccess deletes an executing job and appends its success record
// in one transaction.
func (s *Store) MoveToSuccess(ctx context.Context, j *job.Job, executionTime time.Duration) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		stored, err := s.lockActive(ctx, tx, j.ID, job.StatusExecuting)
		if err != nil {
			return err
		}
		if !stored.OwnedBy(j.WorkerID) {
			return conveyor.ErrStaleTransition
		}
		if _, err := tx.Exec(ctx, `DELETE FROM conveyor_jobs WHERE id = $1`, j.ID.String()); err != nil {
			return fmt.Errorf("conveyor/postgres: move to success: %w", err)
		}

		rec := archive.NewSuccess(stored, executionTime, time.Now())
		_, err = tx.Exec(ctx, `
			INSERT INTO conveyor_job_successes (`+successColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
			rec.JobID.String(), rec.Queue, rec.GroupID, rec.ExecutorName, rec.Payload,
			rec.Priority, rec.Attempts, rec.MaxAttempts, rec.ExecutionTime.Nanoseconds(),
			rec.CreatedAt, rec.StartedAt, rec.CompletedAt,
		)
		if err != nil {
			return fmt.Errorf("conveyor/postgres: archive success: %w", err)
		}
		return nil
	})
}

// MarkAsFailed deletes an executing job and appends its failure record in
// one transaction.
func (s *Store) MarkAsFailed(ctx context.Context, j *job.Job, jobErr error) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		stored, err := s.lockActive(ctx, tx, j.ID, job.StatusExecuting)
		if err != nil {
			return err
		}
		if !stored.OwnedBy(j.WorkerID) {
			return conveyor.ErrStaleTransition
		}
		if _, err := tx.Exec(ctx, `DELETE FROM conveyor_jobs WHERE id = $1`, j.ID.String()); err != nil {
			return fmt.Errorf("conveyor/postgres: mark as failed: %w", err)
		}

		rec := archive.NewFailure(stored, jobErr, time.Now())
		_, err = tx.Exec(ctx, `
			INSERT INTO conveyor_job_failures (`+failureColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, NULL)`,
			rec.JobID.String(), rec.Queue, rec.GroupID, rec.ExecutorName, rec.Payload,
			rec.Priority, rec.Attempts, rec.MaxAttempts, rec.Error,
			rec.CreatedAt, rec.StartedAt, rec.FailedAt,
		)
		if err != nil {
			return fmt.Errorf("conveyor/postgres: archive failure: %w", err)
		}
		return nil
	})
}

// HeartbeatJob refreshes the heartbeat of an executing job owned by
// workerID.
func (s *Store) HeartbeatJob(ctx context.Context, jobID id.JobID, workerID id.WorkerID) error {
	worker := ""
	if !workerID.IsNil() {
		worker = workerID.String()
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE conveyor_jobs SET heartbeat_at = NOW()
		WHERE id = $1 AND status = 'executing' AND ($2 = '' OR worker_id = $2)`,
		jobID.String(), worker,
	)
	if err != nil {
		return fmt.Errorf("conveyor/postgres: heartbeat job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.missing(ctx, jobID)
	}
	return nil
}

// FindStaleJobs returns executing jobs not heard from within threshold.
func (s *Store) FindStaleJobs(ctx context.Context, threshold time.Duration) ([]*job.Job, error) {
	cutoff := time.Now().UTC().Add(-threshold)
	rows, err := s.pool.Query(ctx, `
		SELECT `+jobColumns+`
		FROM conveyor_jobs
		WHERE status = 'executing'
		  AND COALESCE(heartbeat_at, started_at, updated_at) < $1`+claimOrder,
		cutoff,
	)
	if err != nil {
		return nil, fmt.Errorf("conveyor/postgres: find stale jobs: %w", err)
	}
	defer rows.Close()

	return collectJobs(rows)
}

// ListJobs returns active jobs matching opts in claim order.
func (s *Store) ListJobs(ctx context.Context, opts job.ListOpts) ([]*job.Job, error) {
	var f filter
	if opts.Queue != "" {
		f.add("queue = ?", opts.Queue)
	}
	if opts.Status != "" {
		f.add("status = ?", string(opts.Status))
	}
	if opts.GroupID != "" {
		f.add("group_id = ?", opts.GroupID)
	}
	query := `SELECT ` + jobColumns + ` FROM conveyor_jobs` + f.where() + claimOrder
	query += f.page(opts.Limit, opts.Offset)

	rows, err := s.pool.Query(ctx, query, f.args...)
	if err != nil {
		return nil, fmt.Errorf("conveyor/postgres: list jobs: %w", err)
	}
	defer rows.Close()

	return collectJobs(rows)
}

// CountJobs returns the number of active jobs matching opts.
func (s *Store) CountJobs(ctx context.Context, opts job.CountOpts) (int64, error) {
	var f filter
	if opts.Queue != "" {
		f.add("queue = ?", opts.Queue)
	}
	if opts.Status != "" {
		f.add("status = ?", string(opts.Status))
	}

	var count int64
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM conveyor_jobs`+f.where(), f.args...).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("conveyor/postgres: count jobs: %w", err)
	}
	return count, nil
}

// lockActive loads and row-locks an active job, enforcing expect.
func (s *Store) lockActive(ctx context.Context, tx pgx.Tx, jobID id.JobID, expect job.Status) (*job.Job, error) {
	j, err := scanJob(tx.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM conveyor_jobs WHERE id = $1 FOR UPDATE`, jobID.String()))
	if err != nil {
		if isNoRows(err) {
			return nil, s.missingTx(ctx, tx, jobID)
		}
		return nil, fmt.Errorf("conveyor/postgres: lock job: %w", err)
	}
	if expect != "" && j.Status != expect {
		return nil, conveyor.ErrStaleTransition
	}
	return j, nil
}

// missing classifies a job that a guarded write did not find: stale when
// the job still exists (active or archived), not found otherwise.
func (s *Store) missing(ctx context.Context, jobID id.JobID) error {
	return s.missingTx(ctx, s.pool, jobID)
}

func (s *Store) missingTx(ctx context.Context, q querier, jobID id.JobID) error {
	var active bool
	if err := q.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM conveyor_jobs WHERE id = $1)`, jobID.String(),
	).Scan(&active); err != nil {
		return fmt.Errorf("conveyor/postgres: lookup job: %w", err)
	}
	if active {
		return conveyor.ErrStaleTransition
	}
	archived, err := s.archived(ctx, q, jobID)
	if err != nil {
		return fmt.Errorf("conveyor/postgres: lookup job: %w", err)
	}
	if archived {
		return conveyor.ErrStaleTransition
	}
	return conveyor.ErrJobNotFound
}

func (s *Store) archived(ctx context.Context, q querier, jobID id.JobID) (bool, error) {
	var exists bool
	err := q.QueryRow(ctx, `
		SELECT EXISTS(SELECT 1 FROM conveyor_job_successes WHERE job_id = $1)
		    OR EXISTS(SELECT 1 FROM conveyor_job_failures WHERE job_id = $1)`,
		jobID.String(),
	).Scan(&exists)
	return exists, err
}

// scanJob scans a single job row.
func scanJob(row pgx.Row) (*job.Job, error) {
	var (
		j         job.Job
		idStr     string
		statusStr string
		workerStr string
	)
	err := row.Scan(
		&idStr, &j.Queue, &j.GroupID, &j.ExecutorName, &j.Payload, &statusStr, &j.Priority,
		&j.Attempts, &j.MaxAttempts, &j.LastError, &workerStr,
		&j.RunAt, &j.StartedAt, &j.HeartbeatAt, &j.CreatedAt, &j.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	j.Status = job.Status(statusStr)
	j.RunAt = j.RunAt.UTC()
	j.CreatedAt = j.CreatedAt.UTC()
	j.UpdatedAt = j.UpdatedAt.UTC()
	j.StartedAt = utcPtr(j.StartedAt)
	j.HeartbeatAt = utcPtr(j.HeartbeatAt)

	parsedID, parseErr := id.ParseJobID(idStr)
	if parseErr != nil {
		return nil, fmt.Errorf("conveyor/postgres: parse job id %q: %w", idStr, parseErr)
	}
	j.ID = parsedID

	if workerStr != "" {
		if parsedWorker, workerErr := id.ParseWorkerID(workerStr); workerErr == nil {
			j.WorkerID = parsedWorker
		}
	}

	return &j, nil
}

// collectJobs collects all jobs from query rows.
func collectJobs(rows pgx.Rows) ([]*job.Job, error) {
	var jobs []*job.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("conveyor/postgres: scan job row: %w", err)
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("conveyor/postgres: iterate job rows: %w", err)
	}
	return jobs, nil
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := t.UTC()
	return &v
}
