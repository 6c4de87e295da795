package sqlite

import (
	"context"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/migrate"
)

const (
	migrationsTable      = "conveyor_migrations"
	migrationsLocksTable = "conveyor_migration_locks"
)

// migration is one ordered schema change.
type migration struct {
	Version string
	Name    string
	Up      []string
}

// up runs every statement of m in one transaction.
func (m migration) up(ctx context.Context, db *bun.DB) error {
	return db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		for _, stmt := range m.Up {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return err
			}
		}
		return nil
	})
}

// newMigrations registers the schema with bun's migrator. Versions sort
// lexically, so they are fixed-width timestamps.
func newMigrations() *migrate.Migrations {
	ms := migrate.NewMigrations()
	for _, m := range migrations {
		ms.Add(migrate.Migration{Name: m.Version, Comment: m.Name, Up: m.up})
	}
	return ms
}

var migrations = []migration{
	{
		Version: "20250101000001",
		Name:    "create_jobs_table",
		Up: []string{
			`CREATE TABLE IF NOT EXISTS conveyor_jobs (
				id            TEXT PRIMARY KEY,
				queue         TEXT NOT NULL DEFAULT 'default',
				group_id      TEXT NOT NULL DEFAULT '',
				executor_name TEXT NOT NULL,
				payload       BLOB,
				status        TEXT NOT NULL DEFAULT 'waiting',
				priority      INTEGER NOT NULL DEFAULT 0,
				attempts      INTEGER NOT NULL DEFAULT 0,
				max_attempts  INTEGER NOT NULL DEFAULT 1,
				last_error    TEXT NOT NULL DEFAULT '',
				worker_id     TEXT NOT NULL DEFAULT '',
				run_at        INTEGER NOT NULL,
				started_at    INTEGER,
				heartbeat_at  INTEGER,
				created_at    INTEGER NOT NULL,
				updated_at    INTEGER NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_conveyor_jobs_claim
				ON conveyor_jobs (queue, priority DESC, created_at ASC, id ASC)
				WHERE status = 'waiting'`,
			`CREATE INDEX IF NOT EXISTS idx_conveyor_jobs_heartbeat
				ON conveyor_jobs (heartbeat_at)
				WHERE status = 'executing'`,
			`CREATE INDEX IF NOT EXISTS idx_conveyor_jobs_group
				ON conveyor_jobs (queue, group_id)`,
		},
	},
	{
		Version: "20250101000002",
		Name:    "create_archive_tables",
		Up: []string{
			`CREATE TABLE IF NOT EXISTS conveyor_job_successes (
				job_id            TEXT PRIMARY KEY,
				queue             TEXT NOT NULL,
				group_id          TEXT NOT NULL DEFAULT '',
				executor_name     TEXT NOT NULL,
				payload           BLOB,
				priority          INTEGER NOT NULL DEFAULT 0,
				attempts          INTEGER NOT NULL DEFAULT 0,
				max_attempts      INTEGER NOT NULL DEFAULT 1,
				execution_time_ns INTEGER NOT NULL DEFAULT 0,
				created_at        INTEGER NOT NULL,
				started_at        INTEGER,
				completed_at      INTEGER NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_conveyor_job_successes_queue
				ON conveyor_job_successes (queue, group_id, completed_at DESC)`,
			`CREATE TABLE IF NOT EXISTS conveyor_job_failures (
				job_id        TEXT PRIMARY KEY,
				queue         TEXT NOT NULL,
				group_id      TEXT NOT NULL DEFAULT '',
				executor_name TEXT NOT NULL,
				payload       BLOB,
				priority      INTEGER NOT NULL DEFAULT 0,
				attempts      INTEGER NOT NULL DEFAULT 0,
				max_attempts  INTEGER NOT NULL DEFAULT 1,
				error         TEXT NOT NULL DEFAULT '',
				created_at    INTEGER NOT NULL,
				started_at    INTEGER,
				failed_at     INTEGER NOT NULL,
				replayed_at   INTEGER
			)`,
			`CREATE INDEX IF NOT EXISTS idx_conveyor_job_failures_queue
				ON conveyor_job_failures (queue, group_id, failed_at DESC)`,
		},
	},
	{
		Version: "20250101000003",
		Name:    "create_groups_table",
		Up: []string{
			`CREATE TABLE IF NOT EXISTS conveyor_groups (
				queue          TEXT NOT NULL,
				group_id       TEXT NOT NULL,
				status         TEXT NOT NULL DEFAULT 'active',
				total_jobs     INTEGER NOT NULL DEFAULT 0,
				completed_jobs INTEGER NOT NULL DEFAULT 0,
				failed_jobs    INTEGER NOT NULL DEFAULT 0,
				created_at     INTEGER NOT NULL,
				updated_at     INTEGER NOT NULL,
				PRIMARY KEY (queue, group_id)
			)`,
		},
	},
}
