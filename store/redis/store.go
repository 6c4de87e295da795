package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	goredis "github.com/redis/go-redis/v9"

	"github.com/xraph/conveyor/store"
)

// Compile-time interface check.
var _ store.Store = (*Store)(nil)

// maxTxRetries bounds optimistic WATCH retries for one transition.
const maxTxRetries = 64

// Option configures the Store.
type Option func(*Store)

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// Store implements the composite store.Store interface backed by Redis.
type Store struct {
	client goredis.UniversalClient
	logger *slog.Logger
}

// New creates a new Redis-backed store. The caller owns the Redis client
// lifecycle.
func New(client goredis.UniversalClient, opts ...Option) *Store {
	s := &Store{client: client, logger: slog.Default()}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Client returns the underlying Redis client.
func (s *Store) Client() goredis.UniversalClient { return s.client }

// Migrate preloads the Lua scripts. Redis itself is schemaless.
func (s *Store) Migrate(ctx context.Context) error {
	for _, script := range scripts {
		if err := script.Load(ctx, s.client).Err(); err != nil {
			return fmt.Errorf("conveyor/redis: load script: %w", err)
		}
	}
	s.logger.Debug("redis scripts loaded", slog.Int("count", len(scripts)))
	return nil
}

// Ping verifies the Redis connection is alive.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close is a no-op; the caller owns the Redis client lifecycle.
func (s *Store) Close() error { return nil }

// watch runs fn in an optimistic transaction over keys, retrying when a
// watched key changes underneath it.
func (s *Store) watch(ctx context.Context, fn func(tx *goredis.Tx) error, keys ...string) error {
	for range maxTxRetries {
		err := s.client.Watch(ctx, fn, keys...)
		if !errors.Is(err, goredis.TxFailedErr) {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return fmt.Errorf("conveyor/redis: transaction retries exhausted: %w", goredis.TxFailedErr)
}

func isNil(err error) bool {
	return errors.Is(err, goredis.Nil)
}
