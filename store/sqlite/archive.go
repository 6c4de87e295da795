package sqlite

import (
	"context"
	"fmt"
	"time"

	"github.com/uptrace/bun"

	"github.com/xraph/conveyor"
	"github.com/xraph/conveyor/archive"
	"github.com/xraph/conveyor/id"
)

func archiveFilter(opts archive.ListOpts) func(*bun.SelectQuery) *bun.SelectQuery {
	return func(q *bun.SelectQuery) *bun.SelectQuery {
		if opts.Queue != "" {
			q = q.Where("queue = ?", opts.Queue)
		}
		if opts.GroupID != "" {
			q = q.Where("group_id = ?", opts.GroupID)
		}
		return q
	}
}

// ListSuccesses returns success records, newest first.
func (s *Store) ListSuccesses(ctx context.Context, opts archive.ListOpts) ([]*archive.Success, error) {
	var models []successModel
	q := s.db.NewSelect().
		Model(&models).
		Apply(archiveFilter(opts)).
		OrderExpr("completed_at DESC, job_id DESC")
	if err := page(q, opts.Limit, opts.Offset).Scan(ctx); err != nil && !isNoRows(err) {
		return nil, fmt.Errorf("conveyor/sqlite: list successes: %w", err)
	}

	out := make([]*archive.Success, 0, len(models))
	for i := range models {
		rec, err := fromSuccessModel(&models[i])
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// ListFailures returns failure records, newest first.
func (s *Store) ListFailures(ctx context.Context, opts archive.ListOpts) ([]*archive.Failure, error) {
	var models []failureModel
	q := s.db.NewSelect().
		Model(&models).
		Apply(archiveFilter(opts)).
		OrderExpr("failed_at DESC, job_id DESC")
	if err := page(q, opts.Limit, opts.Offset).Scan(ctx); err != nil && !isNoRows(err) {
		return nil, fmt.Errorf("conveyor/sqlite: list failures: %w", err)
	}

	out := make([]*archive.Failure, 0, len(models))
	for i := range models {
		rec, err := fromFailureModel(&models[i])
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// GetFailure retrieves the failure record of a job.
func (s *Store) GetFailure(ctx context.Context, jobID id.JobID) (*archive.Failure, error) {
	m := new(failureModel)
	err := s.db.NewSelect().Model(m).Where("job_id = ?", jobID.String()).Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return nil, conveyor.ErrArchiveNotFound
		}
		return nil, fmt.Errorf("conveyor/sqlite: get failure: %w", err)
	}
	return fromFailureModel(m)
}

// MarkReplayed stamps ReplayedAt on a failure record.
func (s *Store) MarkReplayed(ctx context.Context, jobID id.JobID) error {
	res, err := s.db.NewUpdate().
		Model((*failureModel)(nil)).
		Set("replayed_at = ?", nanos(nowUTC())).
		Where("job_id = ?", jobID.String()).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("conveyor/sqlite: mark replayed: %w", err)
	}
	if affected(res) == 0 {
		return conveyor.ErrArchiveNotFound
	}
	return nil
}

// CountSuccesses counts success records.
func (s *Store) CountSuccesses(ctx context.Context, opts archive.ListOpts) (int64, error) {
	n, err := s.db.NewSelect().Model((*successModel)(nil)).Apply(archiveFilter(opts)).Count(ctx)
	if err != nil {
		return 0, fmt.Errorf("conveyor/sqlite: count successes: %w", err)
	}
	return int64(n), nil
}

// CountFailures counts failure records.
func (s *Store) CountFailures(ctx context.Context, opts archive.ListOpts) (int64, error) {
	n, err := s.db.NewSelect().Model((*failureModel)(nil)).Apply(archiveFilter(opts)).Count(ctx)
	if err != nil {
		return 0, fmt.Errorf("conveyor/sqlite: count failures: %w", err)
	}
	return int64(n), nil
}

// PurgeArchive removes records settled before the given time.
func (s *Store) PurgeArchive(ctx context.Context, before time.Time) (int64, error) {
	cutoff := nanos(before.UTC())

	var total int64
	err := s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		succ, err := tx.NewDelete().Model((*successModel)(nil)).Where("completed_at < ?", cutoff).Exec(ctx)
		if err != nil {
			return err
		}
		fail, err := tx.NewDelete().Model((*failureModel)(nil)).Where("failed_at < ?", cutoff).Exec(ctx)
		if err != nil {
			return err
		}
		total = affected(succ) + affected(fail)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("conveyor/sqlite: purge archive: %w", err)
	}
	return total, nil
}
