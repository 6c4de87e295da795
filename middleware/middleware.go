package middleware

import (
	"context"

	"github.com/xraph/conveyor/executor"
	"github.com/xraph/conveyor/job"
)

// Handler is the terminal function that runs the executor.
type Handler func(ctx context.Context) (executor.Result, error)

// Middleware wraps a Handler with cross-cutting logic.
// It receives the current context, the job being executed, and the
// next handler to call. Middleware MUST call next to continue the chain
// (unless short-circuiting on error).
type Middleware func(ctx context.Context, j *job.Job, next Handler) (executor.Result, error)

// Chain composes multiple middleware into a single Middleware.
// The first middleware in the list is the outermost wrapper.
//
// Example: Chain(logging, recover) executes as:
//
//	logging → recover → handler
func Chain(mws ...Middleware) Middleware {
	return func(ctx context.Context, j *job.Job, next Handler) (executor.Result, error) {
		h := next
		for i := len(mws) - 1; i >= 0; i-- {
			mw := mws[i]
			prev := h
			h = func(ctx context.Context) (executor.Result, error) {
				return mw(ctx, j, prev)
			}
		}
		return h(ctx)
	}
}
