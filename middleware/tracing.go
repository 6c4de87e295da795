package middleware

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/xraph/conveyor/executor"
	"github.com/xraph/conveyor/job"
)

// tracerName is the instrumentation scope name for conveyor tracing.
const tracerName = "github.com/xraph/conveyor"

// Tracing returns middleware that wraps execution in an OpenTelemetry span
// using the global TracerProvider. Without one it is a pass-through.
//
// Span attributes: conveyor.job.id, conveyor.executor, conveyor.queue,
// conveyor.group_id, conveyor.attempt.
func Tracing() Middleware {
	return TracingWithTracer(otel.Tracer(tracerName))
}

// TracingWithTracer returns tracing middleware using the provided tracer.
func TracingWithTracer(tracer trace.Tracer) Middleware {
	return func(ctx context.Context, j *job.Job, next Handler) (executor.Result, error) {
		ctx, span := tracer.Start(ctx, "conveyor.job.execute",
			trace.WithAttributes(
				attribute.String("conveyor.job.id", j.ID.String()),
				attribute.String("conveyor.executor", j.ExecutorName),
				attribute.String("conveyor.queue", j.Queue),
				attribute.String("conveyor.group_id", j.GroupID),
				attribute.Int("conveyor.attempt", j.Attempts),
			),
			trace.WithSpanKind(trace.SpanKindInternal),
		)
		defer span.End()

		res, err := next(ctx)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetStatus(codes.Ok, "")
		}

		return res, err
	}
}
