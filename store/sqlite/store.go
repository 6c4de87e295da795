package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	"github.com/uptrace/bun/migrate"
	_ "modernc.org/sqlite" // registers the "sqlite" database/sql driver

	"github.com/xraph/conveyor"
	"github.com/xraph/conveyor/store"
)

// Ensure Store implements store.Store at compile time.
var _ store.Store = (*Store)(nil)

var pragmas = []string{
	"PRAGMA journal_mode=WAL",
	"PRAGMA synchronous=NORMAL",
	"PRAGMA busy_timeout=5000",
}

// Store is a bun implementation of store.Store using the SQLite dialect.
type Store struct {
	db     *bun.DB
	owned  bool
	logger *slog.Logger
}

// Option configures the Store.
type Option func(*Store)

// WithLogger sets the logger for the store.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// New wraps an existing bun database. The caller owns the db lifecycle;
// Close does not close it.
func New(db *bun.DB, opts ...Option) *Store {
	s := &Store{
		db:     db,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Open opens (creating if needed) the SQLite database at path. Writes go
// through a single connection; Close releases it.
func Open(ctx context.Context, path string, opts ...Option) (*Store, error) {
	sqldb, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("conveyor/sqlite: open %s: %w", path, err)
	}
	sqldb.SetMaxOpenConns(1)

	for _, pragma := range pragmas {
		if _, err := sqldb.ExecContext(ctx, pragma); err != nil {
			_ = sqldb.Close()
			return nil, fmt.Errorf("conveyor/sqlite: apply %q: %w", pragma, err)
		}
	}
	if err := sqldb.PingContext(ctx); err != nil {
		_ = sqldb.Close()
		return nil, fmt.Errorf("conveyor/sqlite: ping: %w", err)
	}

	s := New(bun.NewDB(sqldb, sqlitedialect.New()), opts...)
	s.owned = true
	s.logger.Debug("sqlite database opened", slog.String("path", path))
	return s, nil
}

// DB returns the underlying *bun.DB for advanced usage.
func (s *Store) DB() *bun.DB {
	return s.db
}

// Migrate applies pending schema migrations through bun's migrator.
// Each migration runs in its own transaction and is recorded only once it
// succeeds, so a failed run can simply be retried.
func (s *Store) Migrate(ctx context.Context) error {
	migrator := migrate.NewMigrator(s.db, newMigrations(),
		migrate.WithTableName(migrationsTable),
		migrate.WithLocksTableName(migrationsLocksTable),
		migrate.WithMarkAppliedOnSuccess(true),
	)

	if err := migrator.Init(ctx); err != nil {
		return fmt.Errorf("%w: conveyor/sqlite: init migrations: %w", conveyor.ErrMigrationFailed, err)
	}
	if err := migrator.Lock(ctx); err != nil {
		return fmt.Errorf("%w: conveyor/sqlite: %w", conveyor.ErrMigrationFailed, err)
	}
	defer func() {
		if err := migrator.Unlock(ctx); err != nil {
			s.logger.Warn("failed to release migration lock", slog.String("error", err.Error()))
		}
	}()

	group, err := migrator.Migrate(ctx)
	if err != nil {
		return fmt.Errorf("%w: conveyor/sqlite: migrate: %w", conveyor.ErrMigrationFailed, err)
	}
	if group.IsZero() {
		return nil
	}
	for _, m := range group.Migrations {
		s.logger.Info("applied migration",
			slog.String("version", m.Name),
			slog.String("name", m.Comment),
		)
	}
	return nil
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database when it was opened by Open.
func (s *Store) Close() error {
	if !s.owned {
		return nil
	}
	return s.db.Close()
}

// isNoRows returns true when err indicates no rows were found.
func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}

// affected returns the number of rows a statement changed.
func affected(res sql.Result) int64 {
	n, err := res.RowsAffected()
	if err != nil {
		return 0
	}
	return n
}
