package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

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
func (s *Store) ListSuccesses(ctx context.Context, opts archive.ListOpts) ([]*archive.Success, error) {
	bodies, err := s.archiveBodies(ctx, successesKey, successesByAt)
	if err != nil {
		return nil, err
	}

	var out []*archive.Success
	for _, body := range bodies {
		rec, decErr := decodeSuccess(body)
		if decErr != nil {
			return nil, decErr
		}
		if matchArchive(rec.Queue, rec.GroupID, opts) {
			out = append(out, rec)
		}
	}
	return paginate(out, opts.Offset, opts.Limit), nil
}

// ListFailures returns failure records, newest first.
func (s *Store) ListFailures(ctx context.Context, opts archive.ListOpts) ([]*archive.Failure, error) {
	bodies, err := s.archiveBodies(ctx, failuresKey, failuresByAt)
	if err != nil {
		return nil, err
	}

	var out []*archive.Failure
	for _, body := range bodies {
		rec, decErr := decodeFailure(body)
		if decErr != nil {
			return nil, decErr
		}
		if matchArchive(rec.Queue, rec.GroupID, opts) {
			out = append(out, rec)
		}
	}
	return paginate(out, opts.Offset, opts.Limit), nil
}

// GetFailure retrieves the failure record of a job.
func (s *Store) GetFailure(ctx context.Context, jobID id.JobID) (*archive.Failure, error) {
	data, err := s.client.HGet(ctx, failuresKey, jobID.String()).Result()
	if err != nil {
		if isNil(err) {
			return nil, conveyor.ErrArchiveNotFound
		}
		return nil, fmt.Errorf("conveyor/redis: get failure: %w", err)
	}
	return decodeFailure(data)
}

// MarkReplayed stamps ReplayedAt on a failure record.
func (s *Store) MarkReplayed(ctx context.Context, jobID id.JobID) error {
	jID := jobID.String()
	return s.watch(ctx, func(tx *goredis.Tx) error {
		data, err := tx.HGet(ctx, failuresKey, jID).Result()
		if err != nil {
			if isNil(err) {
				return conveyor.ErrArchiveNotFound
			}
			return fmt.Errorf("conveyor/redis: mark replayed: %w", err)
		}
		rec, err := decodeFailure(data)
		if err != nil {
			return err
		}
		now := time.Now().UTC()
		rec.ReplayedAt = &now

		body, err := encodeFailure(rec)
		if err != nil {
			return fmt.Errorf("conveyor/redis: encode failure record: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			pipe.HSet(ctx, failuresKey, jID, body)
			return nil
		})
		return err
	}, failuresKey)
}

// CountSuccesses counts success records.
func (s *Store) CountSuccesses(ctx context.Context, opts archive.ListOpts) (int64, error) {
	if opts.Queue == "" && opts.GroupID == "" {
		return s.client.HLen(ctx, successesKey).Result()
	}
	return s.countArchive(ctx, successesKey, opts.Queue, opts.GroupID, successGroup)
}

// CountFailures counts failure records.
func (s *Store) CountFailures(ctx context.Context, opts archive.ListOpts) (int64, error) {
	if opts.Queue == "" && opts.GroupID == "" {
		return s.client.HLen(ctx, failuresKey).Result()
	}
	return s.countArchive(ctx, failuresKey, opts.Queue, opts.GroupID, failureGroup)
}

// PurgeArchive removes records settled before the given time.
func (s *Store) PurgeArchive(ctx context.Context, before time.Time) (int64, error) {
	bound := &goredis.ZRangeBy{
		Min: "-inf",
		Max: "(" + strconv.FormatInt(before.UnixMilli(), 10),
	}

	var total int64
	for _, k := range []struct{ hash, index string }{
		{successesKey, successesByAt},
		{failuresKey, failuresByAt},
	} {
		ids, err := s.client.ZRangeByScore(ctx, k.index, bound).Result()
		if err != nil {
			return total, fmt.Errorf("conveyor/redis: purge archive: %w", err)
		}
		if len(ids) == 0 {
			continue
		}
		members := make([]any, len(ids))
		for i, v := range ids {
			members[i] = v
		}

		var removed *goredis.IntCmd
		_, err = s.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			removed = pipe.HDel(ctx, k.hash, ids...)
			pipe.ZRem(ctx, k.index, members...)
			return nil
		})
		if err != nil {
			return total, fmt.Errorf("conveyor/redis: purge archive: %w", err)
		}
		total += removed.Val()
	}
	return total, nil
}

// archiveBodies returns the encoded records of an archive, newest first.
func (s *Store) archiveBodies(ctx context.Context, hash, index string) ([]string, error) {
	ids, err := s.client.ZRevRange(ctx, index, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("conveyor/redis: range archive: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	vals, err := s.client.HMGet(ctx, hash, ids...).Result()
	if err != nil {
		return nil, fmt.Errorf("conveyor/redis: read archive: %w", err)
	}

	bodies := make([]string, 0, len(vals))
	for _, v := range vals {
		if body, ok := v.(string); ok {
			bodies = append(bodies, body)
		}
	}
	return bodies, nil
}

func successGroup(body string) (string, string, error) {
	rec, err := decodeSuccess(body)
	if err != nil {
		return "", "", err
	}
	return rec.Queue, rec.GroupID, nil
}

func failureGroup(body string) (string, string, error) {
	rec, err := decodeFailure(body)
	if err != nil {
		return "", "", err
	}
	return rec.Queue, rec.GroupID, nil
}

// countArchive scans an archive hash and counts records in queue/groupID.
// Empty filters match everything.
func (s *Store) countArchive(
	ctx context.Context,
	hash, queue, groupID string,
	locate func(body string) (string, string, error),
) (int64, error) {
	bodies, err := s.client.HVals(ctx, hash).Result()
	if err != nil {
		return 0, fmt.Errorf("conveyor/redis: scan archive: %w", err)
	}
	opts := archive.ListOpts{Queue: queue, GroupID: groupID}

	var n int64
	for _, body := range bodies {
		q, g, decErr := locate(body)
		if decErr != nil {
			return 0, decErr
		}
		if matchArchive(q, g, opts) {
			n++
		}
	}
	return n, nil
}
