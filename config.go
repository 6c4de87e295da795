package conveyor

import (
	"fmt"
	"time"
)

// Config holds engine-wide settings. Per-queue tuning (concurrency,
// watermarks, batch size, pacing) lives in queue.Config.
type Config struct {
	// ShutdownTimeout is the maximum time Stop waits for in-flight jobs.
	ShutdownTimeout time.Duration

	// HeartbeatInterval is how often executing jobs are heartbeated.
	// Zero disables heartbeats.
	HeartbeatInterval time.Duration

	// StaleJobThreshold is how long an executing job may go without a
	// heartbeat before the reconciler returns it to waiting. Zero disables
	// stale reaping.
	StaleJobThreshold time.Duration

	// ReconcileSchedule is the cron expression driving stale reaping and
	// group counter reconciliation. Empty disables the reconciler.
	ReconcileSchedule string

	// DefaultMaxAttempts is applied to enqueued jobs that do not set one.
	DefaultMaxAttempts int
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		ShutdownTimeout:    30 * time.Second,
		HeartbeatInterval:  10 * time.Second,
		StaleJobThreshold:  time.Minute,
		ReconcileSchedule:  "@every 1m",
		DefaultMaxAttempts: 1,
	}
}

// Validate reports configuration values that cannot work together.
func (c Config) Validate() error {
	if c.DefaultMaxAttempts < 1 {
		return fmt.Errorf("%w: default max attempts must be >= 1", ErrInvalidConfig)
	}
	if c.StaleJobThreshold > 0 && c.HeartbeatInterval > 0 && c.StaleJobThreshold <= c.HeartbeatInterval {
		return fmt.Errorf("%w: stale job threshold must exceed heartbeat interval", ErrInvalidConfig)
	}
	if c.ShutdownTimeout < 0 {
		return fmt.Errorf("%w: negative shutdown timeout", ErrInvalidConfig)
	}
	return nil
}
