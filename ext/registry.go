package ext

import (
	"context"
	"log/slog"
	"time"

	"github.com/xraph/conveyor/executor"
	"github.com/xraph/conveyor/job"
)

// Named entry types pair a hook implementation with the extension name
// captured at registration time.
type entry[H any] struct {
	name string
	hook H
}

// Registry holds registered extensions and dispatches lifecycle events
// to them. It type-caches extensions at registration time so emit calls
// iterate only over extensions that implement the relevant hook.
//
// Register extensions before the engine starts; emits are not synchronized
// with registration.
type Registry struct {
	extensions []Extension
	logger     *slog.Logger

	jobEnqueued        []entry[JobEnqueued]
	jobsAdded          []entry[JobsAdded]
	queueLengthChanged []entry[QueueLengthChanged]
	jobStarted         []entry[JobStarted]
	jobCompleted       []entry[JobCompleted]
	jobFailed          []entry[JobFailed]
	jobRetrying        []entry[JobRetrying]
	jobTimeout         []entry[JobTimeout]
	shutdown           []entry[Shutdown]
}

// NewRegistry creates an extension registry with the given logger.
func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{logger: logger}
}

func add[H any](list []entry[H], name string, e Extension) []entry[H] {
	if h, ok := e.(H); ok {
		return append(list, entry[H]{name, h})
	}
	return list
}

// Register adds an extension and type-asserts it into all applicable
// hook caches. Extensions are notified in registration order.
func (r *Registry) Register(e Extension) {
	r.extensions = append(r.extensions, e)
	name := e.Name()

	r.jobEnqueued = add(r.jobEnqueued, name, e)
	r.jobsAdded = add(r.jobsAdded, name, e)
	r.queueLengthChanged = add(r.queueLengthChanged, name, e)
	r.jobStarted = add(r.jobStarted, name, e)
	r.jobCompleted = add(r.jobCompleted, name, e)
	r.jobFailed = add(r.jobFailed, name, e)
	r.jobRetrying = add(r.jobRetrying, name, e)
	r.jobTimeout = add(r.jobTimeout, name, e)
	r.shutdown = add(r.shutdown, name, e)
}

// Extensions returns all registered extensions.
func (r *Registry) Extensions() []Extension { return r.extensions }

// ──────────────────────────────────────────────────
// Emitters
// ──────────────────────────────────────────────────

// EmitJobEnqueued notifies all extensions that implement JobEnqueued.
func (r *Registry) EmitJobEnqueued(ctx context.Context, j *job.Job) {
	for _, e := range r.jobEnqueued {
		if err := e.hook.OnJobEnqueued(ctx, j); err != nil {
			r.logHookError("OnJobEnqueued", e.name, err)
		}
	}
}

// EmitJobsAdded notifies all extensions that implement JobsAdded.
func (r *Registry) EmitJobsAdded(ctx context.Context, queue string, jobs []*job.Job) {
	for _, e := range r.jobsAdded {
		if err := e.hook.OnJobsAdded(ctx, queue, jobs); err != nil {
			r.logHookError("OnJobsAdded", e.name, err)
		}
	}
}

// EmitQueueLengthChanged notifies all extensions that implement
// QueueLengthChanged.
func (r *Registry) EmitQueueLengthChanged(ctx context.Context, queue string, length int) {
	for _, e := range r.queueLengthChanged {
		if err := e.hook.OnQueueLengthChanged(ctx, queue, length); err != nil {
			r.logHookError("OnQueueLengthChanged", e.name, err)
		}
	}
}

// EmitJobStarted notifies all extensions that implement JobStarted.
func (r *Registry) EmitJobStarted(ctx context.Context, j *job.Job) {
	for _, e := range r.jobStarted {
		if err := e.hook.OnJobStarted(ctx, j); err != nil {
			r.logHookError("OnJobStarted", e.name, err)
		}
	}
}

// EmitJobCompleted notifies all extensions that implement JobCompleted.
func (r *Registry) EmitJobCompleted(ctx context.Context, j *job.Job, res executor.Result, elapsed time.Duration) {
	for _, e := range r.jobCompleted {
		if err := e.hook.OnJobCompleted(ctx, j, res, elapsed); err != nil {
			r.logHookError("OnJobCompleted", e.name, err)
		}
	}
}

// EmitJobFailed notifies all extensions that implement JobFailed.
func (r *Registry) EmitJobFailed(ctx context.Context, j *job.Job, jobErr error) {
	for _, e := range r.jobFailed {
		if err := e.hook.OnJobFailed(ctx, j, jobErr); err != nil {
			r.logHookError("OnJobFailed", e.name, err)
		}
	}
}

// EmitJobRetrying notifies all extensions that implement JobRetrying.
func (r *Registry) EmitJobRetrying(ctx context.Context, j *job.Job, attempt int, nextRunAt time.Time) {
	for _, e := range r.jobRetrying {
		if err := e.hook.OnJobRetrying(ctx, j, attempt, nextRunAt); err != nil {
			r.logHookError("OnJobRetrying", e.name, err)
		}
	}
}

// EmitJobTimeout notifies all extensions that implement JobTimeout.
func (r *Registry) EmitJobTimeout(ctx context.Context, j *job.Job, timeout time.Duration) {
	for _, e := range r.jobTimeout {
		if err := e.hook.OnJobTimeout(ctx, j, timeout); err != nil {
			r.logHookError("OnJobTimeout", e.name, err)
		}
	}
}

// EmitShutdown notifies all extensions that implement Shutdown.
func (r *Registry) EmitShutdown(ctx context.Context) {
	for _, e := range r.shutdown {
		if err := e.hook.OnShutdown(ctx); err != nil {
			r.logHookError("OnShutdown", e.name, err)
		}
	}
}

func (r *Registry) logHookError(hook, extName string, err error) {
	r.logger.Warn("extension hook error",
		slog.String("hook", hook),
		slog.String("extension", extName),
		slog.String("error", err.Error()),
	)
}
