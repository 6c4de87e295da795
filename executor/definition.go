package executor

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/xraph/conveyor/job"
)

// Definition is a typed executor whose payload is JSON-decoded into T
// before the handler runs.
type Definition[T any] struct {
	// Name is the executor name jobs are addressed to.
	Name string

	// Handler processes the decoded payload.
	Handler func(ctx context.Context, payload T) error

	// Config is the execution policy.
	Config Config
}

// NewDefinition creates a typed executor definition.
func NewDefinition[T any](name string, handler func(ctx context.Context, payload T) error, opts ...Option) *Definition[T] {
	def := &Definition[T]{
		Name:    name,
		Handler: handler,
	}
	for _, opt := range opts {
		opt(&def.Config)
	}
	return def
}

// Executor converts the definition into a type-erased Executor.
func (d *Definition[T]) Executor() Executor {
	return NewFunc(d.Name, func(ctx context.Context, j *job.Job) (Result, error) {
		var t T
		if len(j.Payload) > 0 {
			if err := json.Unmarshal(j.Payload, &t); err != nil {
				return Result{}, fmt.Errorf("unmarshal payload for executor %q: %w", d.Name, err)
			}
		}
		return Result{}, d.Handler(ctx, t)
	}, func(c *Config) { *c = d.Config })
}
