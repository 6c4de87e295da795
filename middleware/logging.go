package middleware

import (
	"context"
	"log/slog"
	"time"

	"github.com/xraph/conveyor/executor"
	"github.com/xraph/conveyor/job"
)

// Logging returns middleware that logs each execution at debug level and
// failures at warn level.
func Logging(logger *slog.Logger) Middleware {
	return func(ctx context.Context, j *job.Job, next Handler) (executor.Result, error) {
		logger.Debug("execution started",
			slog.String("executor", j.ExecutorName),
			slog.String("job_id", j.ID.String()),
			slog.String("queue", j.Queue),
			slog.Int("attempt", j.Attempts),
		)

		start := time.Now()
		res, err := next(ctx)
		elapsed := time.Since(start)

		if err != nil {
			logger.Warn("execution failed",
				slog.String("executor", j.ExecutorName),
				slog.String("job_id", j.ID.String()),
				slog.Duration("elapsed", elapsed),
				slog.String("error", err.Error()),
			)
		} else {
			logger.Debug("execution finished",
				slog.String("executor", j.ExecutorName),
				slog.String("job_id", j.ID.String()),
				slog.Duration("elapsed", elapsed),
			)
		}

		return res, err
	}
}
