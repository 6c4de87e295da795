// Package sqlite implements store.Store on SQLite through the bun query
// builder and the pure-Go modernc.org/sqlite driver. Suitable for embedded
// deployments, CLI tools and single-node services.
//
// Open manages its own connection and configures WAL mode:
//
//	s, err := sqlite.Open(ctx, "conveyor.db")
//	if err != nil { ... }
//	defer s.Close()
//	if err := s.Migrate(ctx); err != nil { ... }
//
// New wraps a caller-owned *bun.DB instead; Close leaves it open.
//
// Writes are serialized on one connection, so claims are single UPDATE ...
// RETURNING statements and terminal transitions run inside bun transactions.
// Timestamps are stored as Unix nanoseconds.
package sqlite
