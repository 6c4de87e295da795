// Command conveyor operates a conveyor job store from the shell: it runs
// migrations, enqueues jobs, runs queues with the built-in shell, sleep and
// noop executors, and inspects groups, archives and queue statistics.
//
// Configuration is read from CONVEYOR_* environment variables (and .env
// files); flags override the environment.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/xraph/conveyor/engine"
	"github.com/xraph/conveyor/store"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// app carries the resolved configuration from PersistentPreRunE to the
// subcommands of one invocation.
type app struct {
	envFiles []string
	jsonOut  bool

	cfg    *Config
	logger *slog.Logger
}

func newRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:               "conveyor",
		Short:             "Persistent job queues with bounded in-memory execution",
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: a.setup,
	}

	pf := root.PersistentFlags()
	pf.StringSliceVar(&a.envFiles, "env-file", []string{".env"}, "Env files loaded before reading CONVEYOR_* variables")
	pf.String("store", "", "Store backend: memory, sqlite, postgres, redis (env CONVEYOR_STORE)")
	pf.String("dsn", "", "Store DSN: sqlite path, postgres URL or redis URL (env CONVEYOR_DSN)")
	pf.String("log-level", "", "Log level: debug, info, warn, error (env CONVEYOR_LOG_LEVEL)")
	pf.String("log-format", "", "Log format: text, json (env CONVEYOR_LOG_FORMAT)")
	pf.BoolVar(&a.jsonOut, "json", false, "Print results as JSON")

	root.AddCommand(
		a.migrateCmd(),
		a.enqueueCmd(),
		a.runCmd(),
		a.statsCmd(),
		a.groupCmd(),
		a.archiveCmd(),
	)
	return root
}

// setup loads the configuration, applies flag overrides and installs the
// process logger.
func (a *app) setup(cmd *cobra.Command, _ []string) error {
	cfg, err := LoadConfig(a.envFiles...)
	if err != nil {
		return err
	}

	flags := cmd.Flags()
	for name, dst := range map[string]*string{
		"store":      &cfg.Store,
		"dsn":        &cfg.DSN,
		"log-level":  &cfg.LogLevel,
		"log-format": &cfg.LogFormat,
	} {
		if flags.Changed(name) {
			*dst, _ = flags.GetString(name)
		}
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	a.cfg = cfg
	a.logger = cfg.Logger(cmd.ErrOrStderr())
	slog.SetDefault(a.logger)
	return nil
}

// withStore opens the configured store for the duration of fn, migrating
// it first when AutoMigrate is set.
func (a *app) withStore(ctx context.Context, fn func(store.Store) error) error {
	s, closeFn, err := openStore(ctx, a.cfg, a.logger)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := closeFn(); cerr != nil {
			a.logger.Warn("store close failed", slog.String("error", cerr.Error()))
		}
	}()

	if a.cfg.AutoMigrate {
		if err := s.Migrate(ctx); err != nil {
			return err
		}
	}
	return fn(s)
}

// withEngine builds an engine over the configured store. The engine is
// not started.
func (a *app) withEngine(ctx context.Context, fn func(*engine.Engine) error, extra ...engine.Option) error {
	return a.withStore(ctx, func(s store.Store) error {
		bo, err := a.cfg.backoff()
		if err != nil {
			return err
		}
		opts := []engine.Option{
			engine.WithConfig(a.cfg.EngineConfig()),
			engine.WithLogger(a.logger),
			engine.WithBackoff(bo),
		}
		for _, qc := range a.cfg.QueueConfigs() {
			opts = append(opts, engine.WithQueue(qc))
		}
		eng, err := engine.New(s, append(opts, extra...)...)
		if err != nil {
			return err
		}
		return fn(eng)
	})
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
