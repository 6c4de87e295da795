package main

import (
	"context"
	"fmt"
	"log/slog"

	goredis "github.com/redis/go-redis/v9"

	"github.com/xraph/conveyor/store"
	"github.com/xraph/conveyor/store/memory"
	"github.com/xraph/conveyor/store/postgres"
	"github.com/xraph/conveyor/store/redis"
	"github.com/xraph/conveyor/store/sqlite"
)

// openStore connects to the backend named by cfg.Store. The returned
// function releases every resource the store was built on.
func openStore(ctx context.Context, cfg *Config, logger *slog.Logger) (store.Store, func() error, error) {
	switch cfg.Store {
	case "memory":
		s := memory.New()
		return s, s.Close, nil

	case "sqlite":
		s, err := sqlite.Open(ctx, cfg.DSN, sqlite.WithLogger(logger))
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil

	case "postgres":
		s, err := postgres.New(ctx, cfg.DSN, postgres.WithLogger(logger))
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil

	case "redis":
		opts, err := goredis.ParseURL(cfg.DSN)
		if err != nil {
			return nil, nil, fmt.Errorf("parse redis dsn: %w", err)
		}
		client := goredis.NewClient(opts)
		s := redis.New(client, redis.WithLogger(logger))
		if err := s.Ping(ctx); err != nil {
			_ = client.Close()
			return nil, nil, err
		}
		return s, client.Close, nil
	}
	return nil, nil, fmt.Errorf("unknown store %q", cfg.Store)
}
