package job

import (
	"time"

	"github.com/xraph/conveyor"
	"github.com/xraph/conveyor/id"
)

// DefaultQueue is the queue used when none is given.
const DefaultQueue = "default"

// Options configures a job at enqueue time.
type Options struct {
	// Queue is the queue the job is enqueued to.
	Queue string

	// GroupID attaches the job to a group. Empty means ungrouped.
	GroupID string

	// Priority determines claim ordering. Higher values are claimed first.
	Priority int

	// MaxAttempts is the total number of executions allowed, including the
	// first. Zero means use the engine default.
	MaxAttempts int

	// RunAt delays the job until the given time. Zero means immediate.
	RunAt time.Time
}

// Option is a functional option for enqueued jobs.
type Option func(*Options)

// WithQueue sets the queue name.
func WithQueue(q string) Option {
	return func(o *Options) { o.Queue = q }
}

// WithGroup attaches the job to a group.
func WithGroup(groupID string) Option {
	return func(o *Options) { o.GroupID = groupID }
}

// WithPriority sets the job priority.
func WithPriority(p int) Option {
	return func(o *Options) { o.Priority = p }
}

// WithMaxAttempts sets the attempt budget.
func WithMaxAttempts(n int) Option {
	return func(o *Options) { o.MaxAttempts = n }
}

// WithRunAt delays execution until t.
func WithRunAt(t time.Time) Option {
	return func(o *Options) { o.RunAt = t }
}

// New builds a waiting job for the named executor.
func New(executorName string, payload []byte, opts ...Option) *Job {
	o := Options{Queue: DefaultQueue}
	for _, opt := range opts {
		opt(&o)
	}

	ent := conveyor.NewEntity()
	runAt := o.RunAt
	if runAt.IsZero() {
		runAt = ent.CreatedAt
	}

	return &Job{
		Entity:       ent,
		ID:           id.NewJobID(),
		Queue:        o.Queue,
		GroupID:      o.GroupID,
		ExecutorName: executorName,
		Payload:      payload,
		Status:       StatusWaiting,
		Priority:     o.Priority,
		MaxAttempts:  o.MaxAttempts,
		RunAt:        runAt.UTC(),
	}
}
