// Package middleware provides composable middleware around executor
// invocation.
//
// A [Middleware] wraps the call into an executor. Middleware are composed
// with [Chain]; the first middleware in the slice is the outermost wrapper.
//
//	// logging → recover → executor
//	chain := middleware.Chain(middleware.Logging(logger), middleware.Recover(logger))
//
// # Built-in Middleware
//
//   - [Logging]: logs executor, queue, duration and outcome
//   - [Recover]: converts panics into conveyor.ErrExecutionFailed
//   - [Tracing]: wraps execution in an OpenTelemetry span
//   - [Metrics]: records per-execution duration and outcome counters
//
// Timeouts are not middleware: the execution loop arms them itself so an
// execution can be settled while the executor is still running.
package middleware
