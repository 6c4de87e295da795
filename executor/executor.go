// Package executor defines the contract between the execution loop and the
// code that performs a job, and the registry that maps executor names to
// implementations.
package executor

import (
	"context"
	"time"

	"github.com/xraph/conveyor/job"
)

// Config is the static execution policy an executor declares.
type Config struct {
	// Timeout bounds a single execution. Zero means no timeout.
	Timeout time.Duration
}

// Result is what a successful execution returns. Output travels with the
// job:completed signal; archive records do not keep it.
type Result struct {
	Output []byte
}

// Executor performs jobs addressed to its name.
//
// Execute must honor ctx cancellation where it can. When Timeout elapses the
// loop settles the job without waiting for Execute to return, and any later
// result is discarded.
type Executor interface {
	Name() string
	Config() Config
	Execute(ctx context.Context, j *job.Job) (Result, error)
}

// Func adapts a plain function into an Executor.
type Func struct {
	name string
	cfg  Config
	fn   func(ctx context.Context, j *job.Job) (Result, error)
}

// NewFunc builds an Executor from fn.
func NewFunc(name string, fn func(ctx context.Context, j *job.Job) (Result, error), opts ...Option) *Func {
	f := &Func{name: name, fn: fn}
	for _, opt := range opts {
		opt(&f.cfg)
	}
	return f
}

// Name implements Executor.
func (f *Func) Name() string { return f.name }

// Config implements Executor.
func (f *Func) Config() Config { return f.cfg }

// Execute implements Executor.
func (f *Func) Execute(ctx context.Context, j *job.Job) (Result, error) {
	return f.fn(ctx, j)
}

// Option configures an executor's Config.
type Option func(*Config)

// WithTimeout sets the execution timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Config) { c.Timeout = d }
}
