// Package redis implements store.Store on Redis with go-redis.
//
// Each active job is a Hash holding a msgpack-encoded immutable body plus
// plain fields for status, attempts, worker and timestamps. A queue's
// waiting jobs sit in a Sorted Set scored by negated priority whose members
// encode creation time and ID, so ZRANGE yields claim order directly.
// Claims, heartbeats and group counter updates run as Lua scripts; guarded
// transitions use WATCH/MULTI. Archive records are msgpack blobs in two
// Hashes indexed by settle time.
//
// Scripts touch job hashes by computed key, so the store targets a single
// Redis node (or a proxy that routes by the queue key).
//
// Usage:
//
//	client := goredis.NewClient(&goredis.Options{Addr: "localhost:6379"})
//	s := redis.New(client)
//	if err := s.Ping(ctx); err != nil { ... }
package redis
