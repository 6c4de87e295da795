package store

import (
	"context"

	"github.com/xraph/conveyor/archive"
	"github.com/xraph/conveyor/group"
	"github.com/xraph/conveyor/job"
)

// Store is the aggregate persistence interface. A single backend
// implements all subsystem stores so that terminal transitions, archive
// writes and group counters share one connection.
type Store interface {
	job.Store
	group.Store
	archive.Store

	// Migrate runs all schema migrations.
	Migrate(ctx context.Context) error

	// Ping checks connectivity.
	Ping(ctx context.Context) error

	// Close closes the store connection.
	Close() error
}
