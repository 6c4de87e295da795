package middleware

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"

	"github.com/xraph/conveyor"
	"github.com/xraph/conveyor/executor"
	"github.com/xraph/conveyor/job"
)

// Recover returns middleware that converts executor panics into
// conveyor.ErrExecutionFailed errors, logged with a stack trace.
func Recover(logger *slog.Logger) Middleware {
	return func(ctx context.Context, j *job.Job, next Handler) (res executor.Result, retErr error) {
		defer func() {
			if r := recover(); r != nil {
				logger.Error("executor panicked",
					slog.String("executor", j.ExecutorName),
					slog.String("job_id", j.ID.String()),
					slog.Any("panic", r),
					slog.String("stack", string(debug.Stack())),
				)
				res = executor.Result{}
				retErr = fmt.Errorf("%w: panic in %s: %v", conveyor.ErrExecutionFailed, j.ExecutorName, r)
			}
		}()
		return next(ctx)
	}
}
