// Package postgres implements store.Store using pgx/v5 with raw SQL.
// Claims use FOR UPDATE SKIP LOCKED so concurrent loops never claim the
// same job; terminal transitions move the row into an archive table in the
// same transaction. Migrations are embedded SQL files.
package postgres
