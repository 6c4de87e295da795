package queue

import (
	"fmt"
	"time"

	"github.com/xraph/conveyor"
)

// Watermarks bound the Memory queue length the backfill stream aims for.
// Falling below Low triggers a load; loads never fill past High. A zero
// High leaves loads bounded by BatchSize only.
type Watermarks struct {
	Low  int
	High int
}

// Config defines the execution settings of a single queue.
type Config struct {
	// Name is the queue identifier (must match the job.Queue field).
	Name string

	// ConcurrencyLimit is the number of jobs allowed in flight in parallel
	// mode. Zero or less means MaxConcurrency.
	ConcurrencyLimit int

	// ParallelEnabled selects parallel dispatch. When false the queue runs
	// one job at a time regardless of ConcurrencyLimit.
	ParallelEnabled bool

	// MaxConcurrency caps ConcurrencyLimit.
	MaxConcurrency int

	// BatchSize is the maximum number of jobs claimed per backfill load and
	// dispatched per round.
	BatchSize int

	// TaskInterval is the minimum spacing between successive dispatches.
	// Zero disables pacing.
	TaskInterval time.Duration

	// Watermarks bound the in-memory working set.
	Watermarks Watermarks

	// Capacity is a hard cap on the in-memory working set. Zero means
	// unbounded.
	Capacity int

	// PollInterval is how often an idle loop rechecks the store for jobs
	// written by other processes. Zero disables polling; the loop then only
	// wakes on local signals.
	PollInterval time.Duration
}

// DefaultConfig returns a serial queue with sensible defaults.
func DefaultConfig(name string) Config {
	return Config{
		Name:             name,
		ConcurrencyLimit: 1,
		MaxConcurrency:   10,
		BatchSize:        10,
		Watermarks:       Watermarks{Low: 5, High: 20},
		PollInterval:     5 * time.Second,
	}
}

// EffectiveConcurrency returns the number of jobs the loop may run at once.
func (c Config) EffectiveConcurrency() int {
	if !c.ParallelEnabled {
		return 1
	}
	limit := c.ConcurrencyLimit
	if limit <= 0 {
		limit = c.MaxConcurrency
	}
	if c.MaxConcurrency > 0 && limit > c.MaxConcurrency {
		limit = c.MaxConcurrency
	}
	return max(limit, 1)
}

// Validate checks the configuration for values the loop cannot honor.
func (c Config) Validate() error {
	switch {
	case c.Name == "":
		return fmt.Errorf("%w: queue name is required", conveyor.ErrInvalidConfig)
	case c.BatchSize < 1:
		return fmt.Errorf("%w: queue %q: batch size must be >= 1", conveyor.ErrInvalidConfig, c.Name)
	case c.MaxConcurrency < 0:
		return fmt.Errorf("%w: queue %q: negative max concurrency", conveyor.ErrInvalidConfig, c.Name)
	case c.ParallelEnabled && c.ConcurrencyLimit <= 0 && c.MaxConcurrency == 0:
		return fmt.Errorf("%w: queue %q: parallel mode needs a concurrency limit or max concurrency", conveyor.ErrInvalidConfig, c.Name)
	case c.TaskInterval < 0 || c.PollInterval < 0:
		return fmt.Errorf("%w: queue %q: negative interval", conveyor.ErrInvalidConfig, c.Name)
	case c.Watermarks.Low < 0 || c.Watermarks.High < 0:
		return fmt.Errorf("%w: queue %q: negative watermark", conveyor.ErrInvalidConfig, c.Name)
	case c.Watermarks.High > 0 && c.Watermarks.High < c.Watermarks.Low:
		return fmt.Errorf("%w: queue %q: high watermark below low watermark", conveyor.ErrInvalidConfig, c.Name)
	case c.Capacity > 0 && c.Capacity < c.Watermarks.High:
		return fmt.Errorf("%w: queue %q: capacity below high watermark", conveyor.ErrInvalidConfig, c.Name)
	}
	return nil
}
