package sqlite

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/uptrace/bun"

	"github.com/xraph/conveyor"
	"github.com/xraph/conveyor/archive"
	"github.com/xraph/conveyor/id"
	"github.com/xraph/conveyor/job"
)

const claimOrder = "priority DESC, created_at ASC, id ASC"

// EnqueueJob persists a new waiting job.
func (s *Store) EnqueueJob(ctx context.Context, j *job.Job) error {
	return s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		archived, err := archivedJob(ctx, tx, j.ID)
		if err != nil {
			return fmt.Errorf("conveyor/sqlite: enqueue job: %w", err)
		}
		if archived {
			return conveyor.ErrJobAlreadyExists
		}

		m := toJobModel(j)
		m.Status = string(job.StatusWaiting)
		m.WorkerID = ""
		m.StartedAt = nil
		m.HeartbeatAt = nil
		m.MaxAttempts = max(m.MaxAttempts, 1)

		res, err := tx.NewInsert().Model(m).On("CONFLICT (id) DO NOTHING").Exec(ctx)
		if err != nil {
			return fmt.Errorf("conveyor/sqlite: enqueue job: %w", err)
		}
		if affected(res) == 0 {
			return conveyor.ErrJobAlreadyExists
		}
		return nil
	})
}

// ClaimWaiting claims up to opts.Limit waiting jobs with a single
// UPDATE ... RETURNING. SQLite serializes writers, so the select and the
// update cannot interleave with another claim.
func (s *Store) ClaimWaiting(ctx context.Context, opts job.ClaimOpts) ([]*job.Job, error) {
	if opts.Limit <= 0 {
		return nil, nil
	}

	now := opts.Now
	if now.IsZero() {
		now = time.Now()
	}

	args := []any{workerString(opts.WorkerID), nanos(now.UTC()), opts.Queue, nanos(now.UTC())}
	exclude := ""
	if len(opts.ExcludeGroups) > 0 {
		exclude = " AND (group_id = '' OR group_id NOT IN (?))"
		args = append(args, bun.In(opts.ExcludeGroups))
	}
	args = append(args, opts.Limit)

	var models []jobModel
	err := s.db.NewRaw(`
		UPDATE conveyor_jobs
		SET status = 'executing', worker_id = ?, updated_at = ?
		WHERE id IN (
			SELECT id FROM conveyor_jobs
			WHERE status = 'waiting'
			  AND queue = ?
			  AND run_at <= ?`+exclude+`
			ORDER BY `+claimOrder+`
			LIMIT ?
		)
		RETURNING *`, args...,
	).Scan(ctx, &models)
	if err != nil && !isNoRows(err) {
		return nil, fmt.Errorf("conveyor/sqlite: claim jobs: %w", err)
	}

	jobs, err := fromJobModels(models)
	if err != nil {
		return nil, err
	}
	sortClaimOrder(jobs)
	return jobs, nil
}

// sortClaimOrder restores claim order; RETURNING rows are unordered.
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

// GetJob retrieves a job by ID, falling back to the archives.
func (s *Store) GetJob(ctx context.Context, jobID id.JobID) (*job.Job, error) {
	m := new(jobModel)
	err := s.db.NewSelect().Model(m).Where("id = ?", jobID.String()).Scan(ctx)
	if err == nil {
		return fromJobModel(m)
	}
	if !isNoRows(err) {
		return nil, fmt.Errorf("conveyor/sqlite: get job: %w", err)
	}

	sm := new(successModel)
	err = s.db.NewSelect().Model(sm).Where("job_id = ?", jobID.String()).Scan(ctx)
	if err == nil {
		rec, convErr := fromSuccessModel(sm)
		if convErr != nil {
			return nil, convErr
		}
		return rec.Job(), nil
	}
	if !isNoRows(err) {
		return nil, fmt.Errorf("conveyor/sqlite: get job: %w", err)
	}

	fm := new(failureModel)
	err = s.db.NewSelect().Model(fm).Where("job_id = ?", jobID.String()).Scan(ctx)
	if err == nil {
		rec, convErr := fromFailureModel(fm)
		if convErr != nil {
			return nil, convErr
		}
		return rec.Job(), nil
	}
	if isNoRows(err) {
		return nil, conveyor.ErrJobNotFound
	}
	return nil, fmt.Errorf("conveyor/sqlite: get job: %w", err)
}

// UpdateStatus applies a guarded status change inside a transaction.
func (s *Store) UpdateStatus(ctx context.Context, jobID id.JobID, status job.Status, upd job.StatusUpdate) error {
	return s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		j, err := loadActive(ctx, tx, jobID, upd.Expect)
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

		if _, err := tx.NewUpdate().Model(toJobModel(j)).WherePK().Exec(ctx); err != nil {
			return fmt.Errorf("conveyor/sqlite: update status: %w", err)
		}
		return nil
	})
}

// MoveToSuccess deletes an executing job and appends its success record
// in one transaction.
func (s *Store) MoveToSuccess(ctx context.Context, j *job.Job, executionTime time.Duration) error {
	return s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		stored, err := loadActive(ctx, tx, j.ID, job.StatusExecuting)
		if err != nil {
			return err
		}
		if !stored.OwnedBy(j.WorkerID) {
			return conveyor.ErrStaleTransition
		}
		if err := deleteJob(ctx, tx, j.ID); err != nil {
			return fmt.Errorf("conveyor/sqlite: move to success: %w", err)
		}

		rec := archive.NewSuccess(stored, executionTime, time.Now())
		if _, err := tx.NewInsert().Model(toSuccessModel(rec)).Exec(ctx); err != nil {
			return fmt.Errorf("conveyor/sqlite: archive success: %w", err)
		}
		return nil
	})
}

// MarkAsFailed deletes an executing job and appends its failure record in
// one transaction.
func (s *Store) MarkAsFailed(ctx context.Context, j *job.Job, jobErr error) error {
	return s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		stored, err := loadActive(ctx, tx, j.ID, job.StatusExecuting)
		if err != nil {
			return err
		}
		if !stored.OwnedBy(j.WorkerID) {
			return conveyor.ErrStaleTransition
		}
		if err := deleteJob(ctx, tx, j.ID); err != nil {
			return fmt.Errorf("conveyor/sqlite: mark as failed: %w", err)
		}

		rec := archive.NewFailure(stored, jobErr, time.Now())
		if _, err := tx.NewInsert().Model(toFailureModel(rec)).Exec(ctx); err != nil {
			return fmt.Errorf("conveyor/sqlite: archive failure: %w", err)
		}
		return nil
	})
}

// HeartbeatJob refreshes the heartbeat of an executing job owned by
// workerID.
func (s *Store) HeartbeatJob(ctx context.Context, jobID id.JobID, workerID id.WorkerID) error {
	q := s.db.NewUpdate().
		Model((*jobModel)(nil)).
		Set("heartbeat_at = ?", nanos(nowUTC())).
		Where("id = ?", jobID.String()).
		Where("status = ?", string(job.StatusExecuting))
	if !workerID.IsNil() {
		q = q.Where("worker_id = ?", workerID.String())
	}

	res, err := q.Exec(ctx)
	if err != nil {
		return fmt.Errorf("conveyor/sqlite: heartbeat job: %w", err)
	}
	if affected(res) == 0 {
		return missing(ctx, s.db, jobID)
	}
	return nil
}

// FindStaleJobs returns executing jobs not heard from within threshold.
func (s *Store) FindStaleJobs(ctx context.Context, threshold time.Duration) ([]*job.Job, error) {
	cutoff := nanos(nowUTC().Add(-threshold))

	var models []jobModel
	err := s.db.NewSelect().
		Model(&models).
		Where("status = ?", string(job.StatusExecuting)).
		Where("COALESCE(heartbeat_at, started_at, updated_at) < ?", cutoff).
		OrderExpr(claimOrder).
		Scan(ctx)
	if err != nil && !isNoRows(err) {
		return nil, fmt.Errorf("conveyor/sqlite: find stale jobs: %w", err)
	}
	return fromJobModels(models)
}

// ListJobs returns active jobs matching opts in claim order.
func (s *Store) ListJobs(ctx context.Context, opts job.ListOpts) ([]*job.Job, error) {
	var models []jobModel
	q := s.db.NewSelect().Model(&models)
	if opts.Queue != "" {
		q = q.Where("queue = ?", opts.Queue)
	}
	if opts.Status != "" {
		q = q.Where("status = ?", string(opts.Status))
	}
	if opts.GroupID != "" {
		q = q.Where("group_id = ?", opts.GroupID)
	}
	q = page(q.OrderExpr(claimOrder), opts.Limit, opts.Offset)

	if err := q.Scan(ctx); err != nil && !isNoRows(err) {
		return nil, fmt.Errorf("conveyor/sqlite: list jobs: %w", err)
	}
	return fromJobModels(models)
}

// CountJobs returns the number of active jobs matching opts.
func (s *Store) CountJobs(ctx context.Context, opts job.CountOpts) (int64, error) {
	q := s.db.NewSelect().Model((*jobModel)(nil))
	if opts.Queue != "" {
		q = q.Where("queue = ?", opts.Queue)
	}
	if opts.Status != "" {
		q = q.Where("status = ?", string(opts.Status))
	}

	n, err := q.Count(ctx)
	if err != nil {
		return 0, fmt.Errorf("conveyor/sqlite: count jobs: %w", err)
	}
	return int64(n), nil
}

// loadActive reads an active job inside tx, enforcing expect.
func loadActive(ctx context.Context, tx bun.Tx, jobID id.JobID, expect job.Status) (*job.Job, error) {
	m := new(jobModel)
	err := tx.NewSelect().Model(m).Where("id = ?", jobID.String()).Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return nil, missing(ctx, tx, jobID)
		}
		return nil, fmt.Errorf("conveyor/sqlite: load job: %w", err)
	}
	j, err := fromJobModel(m)
	if err != nil {
		return nil, err
	}
	if expect != "" && j.Status != expect {
		return nil, conveyor.ErrStaleTransition
	}
	return j, nil
}

func deleteJob(ctx context.Context, tx bun.Tx, jobID id.JobID) error {
	_, err := tx.NewDelete().Model((*jobModel)(nil)).Where("id = ?", jobID.String()).Exec(ctx)
	return err
}

// missing classifies a job that a guarded write did not find: stale when
// the job still exists (active or archived), not found otherwise.
func missing(ctx context.Context, db bun.IDB, jobID id.JobID) error {
	active, err := db.NewSelect().Model((*jobModel)(nil)).Where("id = ?", jobID.String()).Exists(ctx)
	if err != nil {
		return fmt.Errorf("conveyor/sqlite: lookup job: %w", err)
	}
	if active {
		return conveyor.ErrStaleTransition
	}
	archived, err := archivedJob(ctx, db, jobID)
	if err != nil {
		return fmt.Errorf("conveyor/sqlite: lookup job: %w", err)
	}
	if archived {
		return conveyor.ErrStaleTransition
	}
	return conveyor.ErrJobNotFound
}

func archivedJob(ctx context.Context, db bun.IDB, jobID id.JobID) (bool, error) {
	ok, err := db.NewSelect().Model((*successModel)(nil)).Where("job_id = ?", jobID.String()).Exists(ctx)
	if err != nil || ok {
		return ok, err
	}
	return db.NewSelect().Model((*failureModel)(nil)).Where("job_id = ?", jobID.String()).Exists(ctx)
}

// page applies LIMIT/OFFSET. SQLite needs a LIMIT before any OFFSET, and
// treats a negative limit as unbounded.
func page(q *bun.SelectQuery, limit, offset int) *bun.SelectQuery {
	if limit > 0 {
		q = q.Limit(limit)
	} else if offset > 0 {
		q = q.Limit(-1)
	}
	if offset > 0 {
		q = q.Offset(offset)
	}
	return q
}
