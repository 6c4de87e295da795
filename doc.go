// Package conveyor is a persistent-queue job execution engine for Go.
//
// Jobs live in a durable store. A per-queue backfill stream claims waiting
// jobs into a bounded in-memory queue, and an execution loop drains that
// queue into registered executors under a concurrency limit, applying
// per-executor timeouts and retry policy. Every outcome is recorded back to
// the store: successes and exhausted failures move to append-only archives,
// retryable failures return to waiting.
//
// # Quick Start
//
//	eng, err := engine.New(memory.New(),
//	    engine.WithQueue(queue.DefaultConfig("emails")),
//	)
//	engine.Register(eng, executor.NewDefinition("send-email", sendEmail))
//	_ = eng.Start(ctx)
//	_, _ = engine.Enqueue(ctx, eng, "send-email", Email{To: "a@b.c"},
//	    job.WithQueue("emails"))
//
// # Architecture
//
// Each subsystem (job, group, archive) defines its own store interface and a
// single backend under store/ implements all of them. Lifecycle signals are
// delivered through the ext hook registry; the stream package turns them into
// topic subscriptions.
//
// Job identifiers are prefixed, K-sortable UUIDv7 values (see package id).
package conveyor
