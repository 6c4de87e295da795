// Package observability wires conveyor into OpenTelemetry.
//
// [MetricsExtension] is an ext.Extension that records queue-wide counters
// (enqueued, loaded, started, completed, failed, retried, timed out) and
// the memory working-set length of each queue. [InitTracer] installs a
// global tracer provider exporting over OTLP/HTTP or to stdout.
//
// For per-execution spans and durations, see middleware.Tracing and
// middleware.Metrics.
package observability
