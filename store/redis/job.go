package redis

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/xraph/conveyor"
	"github.com/xraph/conveyor/archive"
	"github.com/xraph/conveyor/id"
	"github.com/xraph/conveyor/job"
)

// EnqueueJob stores the job hash and adds it to its queue's waiting set.
func (s *Store) EnqueueJob(ctx context.Context, j *job.Job) error {
	jID := j.ID.String()
	key := jobKey(jID)

	w := j.Clone()
	w.Status = job.StatusWaiting
	w.WorkerID = id.Nil
	w.StartedAt = nil
	w.HeartbeatAt = nil
	w.MaxAttempts = max(w.MaxAttempts, 1)

	fields, err := jobFields(w)
	if err != nil {
		return err
	}

	return s.watch(ctx, func(tx *goredis.Tx) error {
		exists, err := tx.Exists(ctx, key).Result()
		if err != nil {
			return fmt.Errorf("conveyor/redis: enqueue check exists: %w", err)
		}
		if exists > 0 {
			return conveyor.ErrJobAlreadyExists
		}
		archived, err := s.archived(ctx, tx, jID)
		if err != nil {
			return fmt.Errorf("conveyor/redis: enqueue check archive: %w", err)
		}
		if archived {
			return conveyor.ErrJobAlreadyExists
		}

		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			pipe.HSet(ctx, key, fields)
			pipe.ZAdd(ctx, waitingKey(w.Queue), waitingEntry(w))
			pipe.SAdd(ctx, queuesKey, w.Queue)
			return nil
		})
		return err
	}, key)
}

// ClaimWaiting atomically claims up to opts.Limit waiting jobs with a
// server-side script.
func (s *Store) ClaimWaiting(ctx context.Context, opts job.ClaimOpts) ([]*job.Job, error) {
	if opts.Limit <= 0 {
		return nil, nil
	}

	now := opts.Now
	if now.IsZero() {
		now = time.Now()
	}

	args := make([]any, 0, 5+len(opts.ExcludeGroups))
	args = append(args, opts.Limit, stamp(now), millis(now), workerString(opts.WorkerID), jobKeyPrefix)
	for _, g := range opts.ExcludeGroups {
		args = append(args, g)
	}

	ids, err := claimScript.Run(ctx, s.client,
		[]string{waitingKey(opts.Queue), executingKey(opts.Queue), lastSeenKey},
		args...,
	).StringSlice()
	if err != nil && !isNil(err) {
		return nil, fmt.Errorf("conveyor/redis: claim jobs: %w", err)
	}

	jobs, err := s.loadJobs(ctx, ids)
	if err != nil {
		return nil, err
	}
	sortClaimOrder(jobs)
	return jobs, nil
}

// GetJob retrieves a job by ID, falling back to the archives.
func (s *Store) GetJob(ctx context.Context, jobID id.JobID) (*job.Job, error) {
	jID := jobID.String()
	j, err := s.loadJob(ctx, s.client, jID)
	if err != nil {
		return nil, err
	}
	if j != nil {
		return j, nil
	}

	data, err := s.client.HGet(ctx, successesKey, jID).Result()
	if err == nil {
		rec, decErr := decodeSuccess(data)
		if decErr != nil {
			return nil, decErr
		}
		return rec.Job(), nil
	}
	if !isNil(err) {
		return nil, fmt.Errorf("conveyor/redis: get job: %w", err)
	}

	data, err = s.client.HGet(ctx, failuresKey, jID).Result()
	if err == nil {
		rec, decErr := decodeFailure(data)
		if decErr != nil {
			return nil, decErr
		}
		return rec.Job(), nil
	}
	if isNil(err) {
		return nil, conveyor.ErrJobNotFound
	}
	return nil, fmt.Errorf("conveyor/redis: get job: %w", err)
}

// UpdateStatus applies a guarded status change in a WATCH transaction.
func (s *Store) UpdateStatus(ctx context.Context, jobID id.JobID, status job.Status, upd job.StatusUpdate) error {
	jID := jobID.String()
	key := jobKey(jID)

	return s.watch(ctx, func(tx *goredis.Tx) error {
		j, err := s.loadActive(ctx, tx, jID, upd.Expect)
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

		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			pipe.HSet(ctx, key, mutableFields(j))
			if j.Status == job.StatusWaiting {
				pipe.SRem(ctx, executingKey(j.Queue), jID)
				pipe.ZRem(ctx, lastSeenKey, jID)
				pipe.ZAdd(ctx, waitingKey(j.Queue), waitingEntry(j))
			} else {
				pipe.ZAdd(ctx, lastSeenKey, goredis.Z{Score: millis(lastSeen(j)), Member: jID})
			}
			return nil
		})
		return err
	}, key)
}

// MoveToSuccess removes an executing job and appends its success record
// in one MULTI block.
func (s *Store) MoveToSuccess(ctx context.Context, j *job.Job, executionTime time.Duration) error {
	jID := j.ID.String()
	key := jobKey(jID)

	return s.watch(ctx, func(tx *goredis.Tx) error {
		stored, err := s.loadActive(ctx, tx, jID, job.StatusExecuting)
		if err != nil {
			return err
		}
		if !stored.OwnedBy(j.WorkerID) {
			return conveyor.ErrStaleTransition
		}
		rec := archive.NewSuccess(stored, executionTime, time.Now())
		body, err := encodeSuccess(rec)
		if err != nil {
			return fmt.Errorf("conveyor/redis: encode success record: %w", err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			removeActive(ctx, pipe, stored)
			pipe.HSet(ctx, successesKey, jID, body)
			pipe.ZAdd(ctx, successesByAt, goredis.Z{Score: millis(rec.CompletedAt), Member: jID})
			return nil
		})
		return err
	}, key)
}

// MarkAsFailed removes an executing job and appends its failure record in
// one MULTI block.
func (s *Store) MarkAsFailed(ctx context.Context, j *job.Job, jobErr error) error {
	jID := j.ID.String()
	key := jobKey(jID)

	return s.watch(ctx, func(tx *goredis.Tx) error {
		stored, err := s.loadActive(ctx, tx, jID, job.StatusExecuting)
		if err != nil {
			return err
		}
		if !stored.OwnedBy(j.WorkerID) {
			return conveyor.ErrStaleTransition
		}
		rec := archive.NewFailure(stored, jobErr, time.Now())
		body, err := encodeFailure(rec)
		if err != nil {
			return fmt.Errorf("conveyor/redis: encode failure record: %w", err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			removeActive(ctx, pipe, stored)
			pipe.HSet(ctx, failuresKey, jID, body)
			pipe.ZAdd(ctx, failuresByAt, goredis.Z{Score: millis(rec.FailedAt), Member: jID})
			return nil
		})
		return err
	}, key)
}

// HeartbeatJob refreshes the heartbeat of an executing job owned by
// workerID.
func (s *Store) HeartbeatJob(ctx context.Context, jobID id.JobID, workerID id.WorkerID) error {
	jID := jobID.String()
	now := time.Now()

	ok, err := heartbeatScript.Run(ctx, s.client,
		[]string{jobKey(jID), lastSeenKey},
		workerString(workerID), stamp(now), millis(now), jID,
	).Int()
	if err != nil {
		return fmt.Errorf("conveyor/redis: heartbeat job: %w", err)
	}
	if ok == 0 {
		return s.missing(ctx, s.client, jID)
	}
	return nil
}

// FindStaleJobs returns executing jobs not heard from within threshold.
func (s *Store) FindStaleJobs(ctx context.Context, threshold time.Duration) ([]*job.Job, error) {
	cutoff := time.Now().Add(-threshold)
	ids, err := s.client.ZRangeByScore(ctx, lastSeenKey, &goredis.ZRangeBy{
		Min: "-inf",
		Max: "(" + strconv.FormatInt(cutoff.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("conveyor/redis: find stale jobs: %w", err)
	}

	jobs, err := s.loadJobs(ctx, ids)
	if err != nil {
		return nil, err
	}
	stale := jobs[:0]
	for _, j := range jobs {
		if j.Status == job.StatusExecuting && lastSeen(j).Before(cutoff) {
			stale = append(stale, j)
		}
	}
	sortClaimOrder(stale)
	return stale, nil
}

// ListJobs returns active jobs matching opts in claim order.
func (s *Store) ListJobs(ctx context.Context, opts job.ListOpts) ([]*job.Job, error) {
	queues, err := s.queues(ctx, opts.Queue)
	if err != nil {
		return nil, err
	}

	var ids []string
	for _, q := range queues {
		if opts.Status == "" || opts.Status == job.StatusWaiting {
			members, rangeErr := s.client.ZRange(ctx, waitingKey(q), 0, -1).Result()
			if rangeErr != nil {
				return nil, fmt.Errorf("conveyor/redis: list waiting: %w", rangeErr)
			}
			for _, m := range members {
				ids = append(ids, memberID(m))
			}
		}
		if opts.Status == "" || opts.Status == job.StatusExecuting {
			members, setErr := s.client.SMembers(ctx, executingKey(q)).Result()
			if setErr != nil {
				return nil, fmt.Errorf("conveyor/redis: list executing: %w", setErr)
			}
			ids = append(ids, members...)
		}
	}

	jobs, err := s.loadJobs(ctx, ids)
	if err != nil {
		return nil, err
	}
	if opts.GroupID != "" {
		filtered := jobs[:0]
		for _, j := range jobs {
			if j.GroupID == opts.GroupID {
				filtered = append(filtered, j)
			}
		}
		jobs = filtered
	}
	sortClaimOrder(jobs)
	return paginate(jobs, opts.Offset, opts.Limit), nil
}

// CountJobs returns the number of active jobs matching opts.
func (s *Store) CountJobs(ctx context.Context, opts job.CountOpts) (int64, error) {
	queues, err := s.queues(ctx, opts.Queue)
	if err != nil {
		return 0, err
	}

	var total int64
	for _, q := range queues {
		if opts.Status == "" || opts.Status == job.StatusWaiting {
			n, cardErr := s.client.ZCard(ctx, waitingKey(q)).Result()
			if cardErr != nil {
				return 0, fmt.Errorf("conveyor/redis: count waiting: %w", cardErr)
			}
			total += n
		}
		if opts.Status == "" || opts.Status == job.StatusExecuting {
			n, cardErr := s.client.SCard(ctx, executingKey(q)).Result()
			if cardErr != nil {
				return 0, fmt.Errorf("conveyor/redis: count executing: %w", cardErr)
			}
			total += n
		}
	}
	return total, nil
}

// ── helpers ──────────────────────────────────────────────────────

// reader is the read surface shared by the client and WATCH transactions.
type reader interface {
	Exists(ctx context.Context, keys ...string) *goredis.IntCmd
	HExists(ctx context.Context, key, field string) *goredis.BoolCmd
	HGetAll(ctx context.Context, key string) *goredis.MapStringStringCmd
}

func (s *Store) queues(ctx context.Context, queue string) ([]string, error) {
	if queue != "" {
		return []string{queue}, nil
	}
	qs, err := s.client.SMembers(ctx, queuesKey).Result()
	if err != nil {
		return nil, fmt.Errorf("conveyor/redis: list queues: %w", err)
	}
	sort.Strings(qs)
	return qs, nil
}

// loadJob reads an active job. A nil job with a nil error means the job is
// not in the active set.
func (s *Store) loadJob(ctx context.Context, c reader, jID string) (*job.Job, error) {
	h, err := c.HGetAll(ctx, jobKey(jID)).Result()
	if err != nil {
		return nil, fmt.Errorf("conveyor/redis: load job: %w", err)
	}
	if len(h) == 0 {
		return nil, nil
	}
	return decodeJob(jID, h)
}

// loadActive reads an active job, enforcing expect.
func (s *Store) loadActive(ctx context.Context, c reader, jID string, expect job.Status) (*job.Job, error) {
	j, err := s.loadJob(ctx, c, jID)
	if err != nil {
		return nil, err
	}
	if j == nil {
		return nil, s.missing(ctx, c, jID)
	}
	if expect != "" && j.Status != expect {
		return nil, conveyor.ErrStaleTransition
	}
	return j, nil
}

func (s *Store) loadJobs(ctx context.Context, ids []string) ([]*job.Job, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	cmds := make([]*goredis.MapStringStringCmd, len(ids))
	_, err := s.client.Pipelined(ctx, func(pipe goredis.Pipeliner) error {
		for i, jID := range ids {
			cmds[i] = pipe.HGetAll(ctx, jobKey(jID))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("conveyor/redis: load jobs: %w", err)
	}

	jobs := make([]*job.Job, 0, len(ids))
	for i, cmd := range cmds {
		h := cmd.Val()
		if len(h) == 0 {
			continue
		}
		j, decErr := decodeJob(ids[i], h)
		if decErr != nil {
			return nil, decErr
		}
		jobs = append(jobs, j)
	}
	return jobs, nil
}

// missing classifies a job that a guarded write did not find: stale when
// the job still exists (active or archived), not found otherwise.
func (s *Store) missing(ctx context.Context, c reader, jID string) error {
	exists, err := c.Exists(ctx, jobKey(jID)).Result()
	if err != nil {
		return fmt.Errorf("conveyor/redis: lookup job: %w", err)
	}
	if exists > 0 {
		return conveyor.ErrStaleTransition
	}
	archived, err := s.archived(ctx, c, jID)
	if err != nil {
		return fmt.Errorf("conveyor/redis: lookup job: %w", err)
	}
	if archived {
		return conveyor.ErrStaleTransition
	}
	return conveyor.ErrJobNotFound
}

func (s *Store) archived(ctx context.Context, c reader, jID string) (bool, error) {
	ok, err := c.HExists(ctx, successesKey, jID).Result()
	if err != nil || ok {
		return ok, err
	}
	return c.HExists(ctx, failuresKey, jID).Result()
}

func removeActive(ctx context.Context, pipe goredis.Pipeliner, j *job.Job) {
	jID := j.ID.String()
	pipe.Del(ctx, jobKey(jID))
	pipe.SRem(ctx, executingKey(j.Queue), jID)
	pipe.ZRem(ctx, waitingKey(j.Queue), claimMember(j.CreatedAt.UnixNano(), jID))
	pipe.ZRem(ctx, lastSeenKey, jID)
}

func waitingEntry(j *job.Job) goredis.Z {
	return goredis.Z{
		Score:  -float64(j.Priority),
		Member: claimMember(j.CreatedAt.UnixNano(), j.ID.String()),
	}
}

// lastSeen is the last sign of life: heartbeat, else start, else the
// claim recorded in UpdatedAt.
func lastSeen(j *job.Job) time.Time {
	if j.HeartbeatAt != nil {
		return *j.HeartbeatAt
	}
	if j.StartedAt != nil {
		return *j.StartedAt
	}
	return j.UpdatedAt
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

func paginate[T any](items []T, offset, limit int) []T {
	if offset > 0 {
		if offset >= len(items) {
			return nil
		}
		items = items[offset:]
	}
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}
