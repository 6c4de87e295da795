package main

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"

	"github.com/xraph/conveyor"
	"github.com/xraph/conveyor/backoff"
	"github.com/xraph/conveyor/queue"
)

// envPrefix namespaces every environment variable, e.g. CONVEYOR_STORE.
const envPrefix = "CONVEYOR"

// Config is the process configuration of the conveyor CLI. Values come
// from the environment (optionally seeded from .env files) and are then
// overridden by command-line flags.
type Config struct {
	Store       string `envconfig:"STORE" default:"sqlite"`
	DSN         string `envconfig:"DSN" default:"conveyor.db"`
	AutoMigrate bool   `envconfig:"AUTO_MIGRATE" default:"true"`

	LogLevel  string `envconfig:"LOG_LEVEL" default:"info"`
	LogFormat string `envconfig:"LOG_FORMAT" default:"text"`

	OtelEnabled  bool   `envconfig:"OTEL_ENABLED" default:"false"`
	OtelEndpoint string `envconfig:"OTEL_ENDPOINT"`

	// Queues run by `conveyor run`. All share the tuning below.
	Queues         []string      `envconfig:"QUEUES" default:"default"`
	Parallel       bool          `envconfig:"PARALLEL" default:"false"`
	Concurrency    int           `envconfig:"CONCURRENCY" default:"1"`
	MaxConcurrency int           `envconfig:"MAX_CONCURRENCY" default:"10"`
	BatchSize      int           `envconfig:"BATCH_SIZE" default:"10"`
	TaskInterval   time.Duration `envconfig:"TASK_INTERVAL" default:"0s"`
	LowWatermark   int           `envconfig:"LOW_WATERMARK" default:"5"`
	HighWatermark  int           `envconfig:"HIGH_WATERMARK" default:"20"`
	Capacity       int           `envconfig:"CAPACITY" default:"0"`
	PollInterval   time.Duration `envconfig:"POLL_INTERVAL" default:"1s"`

	ShutdownTimeout   time.Duration `envconfig:"SHUTDOWN_TIMEOUT" default:"30s"`
	HeartbeatInterval time.Duration `envconfig:"HEARTBEAT_INTERVAL" default:"10s"`
	StaleJobThreshold time.Duration `envconfig:"STALE_JOB_THRESHOLD" default:"1m"`
	ReconcileSchedule string        `envconfig:"RECONCILE_SCHEDULE" default:"@every 1m"`
	MaxAttempts       int           `envconfig:"MAX_ATTEMPTS" default:"1"`

	Backoff        string        `envconfig:"BACKOFF" default:"none"`
	BackoffInitial time.Duration `envconfig:"BACKOFF_INITIAL" default:"1s"`
	BackoffMax     time.Duration `envconfig:"BACKOFF_MAX" default:"1m"`

	ShellTimeout time.Duration `envconfig:"SHELL_TIMEOUT" default:"0s"`

	// Audit logs one record per job lifecycle signal.
	Audit bool `envconfig:"AUDIT" default:"false"`
}

// LoadConfig reads .env files (missing files are skipped) and then the
// CONVEYOR_* environment. Variables already set in the environment win
// over .env values.
func LoadConfig(envFiles ...string) (*Config, error) {
	for _, f := range envFiles {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("load %s: %w", f, err)
		}
	}

	var cfg Config
	if err := envconfig.Process(envPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", conveyor.ErrInvalidConfig, err)
	}
	return &cfg, nil
}

// Validate reports settings the CLI cannot act on. Engine and queue
// settings are validated by their own packages.
func (c *Config) Validate() error {
	switch c.Store {
	case "memory", "sqlite", "postgres", "redis":
	default:
		return fmt.Errorf("%w: unknown store %q (memory, sqlite, postgres, redis)", conveyor.ErrInvalidConfig, c.Store)
	}
	if c.Store != "memory" && c.DSN == "" {
		return fmt.Errorf("%w: %s store needs a DSN", conveyor.ErrInvalidConfig, c.Store)
	}
	if len(c.Queues) == 0 {
		return fmt.Errorf("%w: no queues configured", conveyor.ErrInvalidConfig)
	}
	if _, err := c.backoff(); err != nil {
		return err
	}
	if _, err := parseLevel(c.LogLevel); err != nil {
		return err
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("%w: unknown log format %q", conveyor.ErrInvalidConfig, c.LogFormat)
	}
	return nil
}

// EngineConfig maps the CLI settings onto the engine-wide configuration.
func (c *Config) EngineConfig() conveyor.Config {
	return conveyor.Config{
		ShutdownTimeout:    c.ShutdownTimeout,
		HeartbeatInterval:  c.HeartbeatInterval,
		StaleJobThreshold:  c.StaleJobThreshold,
		ReconcileSchedule:  c.ReconcileSchedule,
		DefaultMaxAttempts: c.MaxAttempts,
	}
}

// QueueConfigs returns one queue.Config per configured queue.
func (c *Config) QueueConfigs() []queue.Config {
	out := make([]queue.Config, 0, len(c.Queues))
	for _, name := range c.Queues {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		out = append(out, queue.Config{
			Name:             name,
			ParallelEnabled:  c.Parallel,
			ConcurrencyLimit: c.Concurrency,
			MaxConcurrency:   c.MaxConcurrency,
			BatchSize:        c.BatchSize,
			TaskInterval:     c.TaskInterval,
			Watermarks:       queue.Watermarks{Low: c.LowWatermark, High: c.HighWatermark},
			Capacity:         c.Capacity,
			PollInterval:     c.PollInterval,
		})
	}
	return out
}

func (c *Config) backoff() (backoff.Strategy, error) {
	switch c.Backoff {
	case "", "none":
		return backoff.None{}, nil
	case "constant":
		return backoff.NewConstant(c.BackoffInitial), nil
	case "linear":
		return backoff.NewLinear(c.BackoffInitial, c.BackoffMax), nil
	case "exponential":
		return backoff.NewExponential(c.BackoffInitial, c.BackoffMax), nil
	case "jitter":
		return backoff.NewExponentialWithJitter(c.BackoffInitial, c.BackoffMax), nil
	}
	return nil, fmt.Errorf("%w: unknown backoff %q", conveyor.ErrInvalidConfig, c.Backoff)
}

// Logger builds the process logger from LogLevel and LogFormat.
func (c *Config) Logger(w io.Writer) *slog.Logger {
	level, err := parseLevel(c.LogLevel)
	if err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if c.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func parseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("%w: unknown log level %q", conveyor.ErrInvalidConfig, s)
}
