package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/xraph/conveyor"
	audithook "github.com/xraph/conveyor/audit_hook"
	"github.com/xraph/conveyor/engine"
	"github.com/xraph/conveyor/job"
	"github.com/xraph/conveyor/observability"
	"github.com/xraph/conveyor/store"
	"github.com/xraph/conveyor/worker"
)

func (a *app) migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply store schema migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, closeFn, err := openStore(cmd.Context(), a.cfg, a.logger)
			if err != nil {
				return err
			}
			defer closeFn()

			if err := s.Migrate(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s store migrated\n", a.cfg.Store)
			return nil
		},
	}
}

func (a *app) enqueueCmd() *cobra.Command {
	var (
		queueName   string
		groupID     string
		priority    int
		maxAttempts int
		delay       time.Duration
		count       int
	)

	cmd := &cobra.Command{
		Use:   "enqueue <executor> [payload-json]",
		Short: "Enqueue a job for an executor",
		Example: `  conveyor enqueue shell '{"command":"echo hello"}'
  conveyor enqueue sleep '{"duration":"5s"}' --queue slow --priority 3
  conveyor enqueue noop --group batch-42 --count 100`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var payload []byte
			if len(args) == 2 {
				payload = []byte(args[1])
				if !json.Valid(payload) {
					return fmt.Errorf("payload is not valid JSON")
				}
			}
			if count < 1 {
				return fmt.Errorf("count must be >= 1")
			}

			opts := []job.Option{
				job.WithQueue(queueName),
				job.WithPriority(priority),
			}
			if groupID != "" {
				opts = append(opts, job.WithGroup(groupID))
			}
			if maxAttempts > 0 {
				opts = append(opts, job.WithMaxAttempts(maxAttempts))
			}
			if delay > 0 {
				opts = append(opts, job.WithRunAt(time.Now().Add(delay)))
			}

			return a.withEngine(cmd.Context(), func(eng *engine.Engine) error {
				jobs := make([]*job.Job, 0, count)
				for range count {
					j, err := eng.EnqueueRaw(cmd.Context(), args[0], payload, opts...)
					if err != nil {
						return err
					}
					jobs = append(jobs, j)
				}

				if a.jsonOut {
					return printJSON(cmd.OutOrStdout(), jobs)
				}
				for _, j := range jobs {
					fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%s\n", j.ID, j.Queue, j.ExecutorName)
				}
				return nil
			})
		},
	}

	f := cmd.Flags()
	f.StringVar(&queueName, "queue", job.DefaultQueue, "Queue to enqueue to")
	f.StringVar(&groupID, "group", "", "Group the job belongs to")
	f.IntVar(&priority, "priority", 0, "Priority; higher runs first")
	f.IntVar(&maxAttempts, "max-attempts", 0, "Total executions allowed (0 uses CONVEYOR_MAX_ATTEMPTS)")
	f.DurationVar(&delay, "delay", 0, "Delay before the job becomes runnable")
	f.IntVar(&count, "count", 1, "Number of identical jobs to enqueue")
	return cmd
}

func (a *app) runCmd() *cobra.Command {
	var (
		queues    []string
		untilIdle bool
		parallel  bool
		limit     int
		audit     bool
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run queues with the built-in shell, sleep and noop executors",
		Long: `Run executes jobs from the configured queues until interrupted.

With --until-idle it exits once every queue has no waiting or executing
jobs left, which suits batch runs and scripts.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if len(queues) > 0 {
				a.cfg.Queues = queues
			}
			if cmd.Flags().Changed("parallel") {
				a.cfg.Parallel = parallel
			}
			if cmd.Flags().Changed("concurrency") {
				a.cfg.Concurrency = limit
			}
			if cmd.Flags().Changed("audit") {
				a.cfg.Audit = audit
			}
			var extra []engine.Option
			if a.cfg.Audit {
				rec := audithook.NewSlogRecorder(a.logger)
				extra = append(extra, engine.WithExtension(audithook.New(rec, audithook.WithLogger(a.logger))))
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			shutdownTracer, err := observability.InitTracer(a.cfg.OtelEnabled, "conveyor", a.cfg.OtelEndpoint)
			if err != nil {
				return err
			}
			defer func() {
				if err := shutdownTracer(context.Background()); err != nil {
					a.logger.Warn("tracer shutdown failed", slog.String("error", err.Error()))
				}
			}()

			return a.withEngine(ctx, func(eng *engine.Engine) error {
				for _, e := range builtinExecutors(a.cfg.ShellTimeout) {
					eng.RegisterExecutor(e)
				}
				if err := eng.Start(ctx); err != nil {
					return err
				}

				var runErr error
				if untilIdle {
					runErr = waitIdle(ctx, eng, idleCheckInterval)
				} else {
					<-ctx.Done()
				}

				stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.cfg.ShutdownTimeout)
				defer cancel()
				if err := eng.Stop(stopCtx); err != nil {
					return errors.Join(runErr, err)
				}

				stats := eng.AllStatistics()
				if a.jsonOut {
					if err := printJSON(cmd.OutOrStdout(), stats); err != nil {
						return err
					}
				} else {
					printLoopStats(cmd, stats)
				}
				if errors.Is(runErr, context.Canceled) {
					return nil
				}
				return runErr
			})
		},
	}

	f := cmd.Flags()
	f.StringSliceVar(&queues, "queue", nil, "Queues to run (overrides CONVEYOR_QUEUES)")
	f.BoolVar(&untilIdle, "until-idle", false, "Exit once all queues are drained")
	f.BoolVar(&parallel, "parallel", false, "Run jobs of a queue in parallel")
	f.IntVar(&limit, "concurrency", 0, "Parallel jobs per queue")
	f.BoolVar(&audit, "audit", false, "Log an audit record for every job lifecycle signal")
	return cmd
}

const idleCheckInterval = 100 * time.Millisecond

// waitIdle blocks until no queue of eng holds waiting or executing jobs,
// neither in the store nor in memory. Waiting jobs of paused groups do not
// count.
func waitIdle(ctx context.Context, eng *engine.Engine, every time.Duration) error {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		idle, err := engineIdle(ctx, eng)
		if err != nil {
			return err
		}
		if idle {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
}

func engineIdle(ctx context.Context, eng *engine.Engine) (bool, error) {
	for _, name := range eng.Queues() {
		n, err := eng.Store().CountJobs(ctx, job.CountOpts{Queue: name})
		if err != nil {
			return false, fmt.Errorf("%w: %v", conveyor.ErrRepository, err)
		}
		held, err := heldJobs(ctx, eng.Store(), name)
		if err != nil {
			return false, fmt.Errorf("%w: %v", conveyor.ErrRepository, err)
		}
		if n-held > 0 {
			return false, nil
		}
		st, err := eng.Statistics(name)
		if err != nil {
			return false, err
		}
		if st.ActiveJobsCount > 0 || st.QueueLength > 0 {
			return false, nil
		}
	}
	return true, nil
}

// heldJobs counts the waiting jobs of queue that belong to paused groups.
func heldJobs(ctx context.Context, s store.Store, queue string) (int64, error) {
	paused, err := s.GetPausedGroupIDs(ctx, queue)
	if err != nil {
		return 0, err
	}
	var held int64
	for _, gid := range paused {
		jobs, err := s.ListJobs(ctx, job.ListOpts{Queue: queue, Status: job.StatusWaiting, GroupID: gid})
		if err != nil {
			return 0, err
		}
		held += int64(len(jobs))
	}
	return held, nil
}

func printLoopStats(cmd *cobra.Command, stats []worker.Statistics) {
	w := newTable(cmd.OutOrStdout())
	fmt.Fprintln(w, "QUEUE\tPROCESSED\tSUCCEEDED\tFAILED\tRETRIED\tTIMED OUT")
	for _, s := range stats {
		fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%d\t%d\n",
			s.Queue, s.TotalProcessed, s.TotalSuccessful, s.TotalFailed, s.TotalRetried, s.TotalTimedOut)
	}
	_ = w.Flush()
}

// QueueCounts is the store-side view of one queue.
type QueueCounts struct {
	Queue     string `json:"queue"`
	Waiting   int64  `json:"waiting"`
	Executing int64  `json:"executing"`
	Succeeded int64  `json:"succeeded"`
	Failed    int64  `json:"failed"`
}

func (a *app) statsCmd() *cobra.Command {
	var queues []string

	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show per-queue job counts from the store",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if len(queues) == 0 {
				queues = a.cfg.Queues
			}
			return a.withStore(cmd.Context(), func(s store.Store) error {
				out := make([]QueueCounts, 0, len(queues))
				for _, q := range queues {
					c, err := countQueue(cmd.Context(), s, q)
					if err != nil {
						return err
					}
					out = append(out, c)
				}

				if a.jsonOut {
					return printJSON(cmd.OutOrStdout(), out)
				}
				w := newTable(cmd.OutOrStdout())
				fmt.Fprintln(w, "QUEUE\tWAITING\tEXECUTING\tSUCCEEDED\tFAILED")
				for _, c := range out {
					fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%d\n", c.Queue, c.Waiting, c.Executing, c.Succeeded, c.Failed)
				}
				return w.Flush()
			})
		},
	}
	cmd.Flags().StringSliceVar(&queues, "queue", nil, "Queues to report (defaults to CONVEYOR_QUEUES)")
	return cmd
}

func countQueue(ctx context.Context, s store.Store, queue string) (QueueCounts, error) {
	c := QueueCounts{Queue: queue}
	var err error
	if c.Waiting, err = s.CountJobs(ctx, job.CountOpts{Queue: queue, Status: job.StatusWaiting}); err != nil {
		return c, err
	}
	if c.Executing, err = s.CountJobs(ctx, job.CountOpts{Queue: queue, Status: job.StatusExecuting}); err != nil {
		return c, err
	}
	if c.Succeeded, err = s.CountSuccesses(ctx, archiveOpts(queue, "")); err != nil {
		return c, err
	}
	if c.Failed, err = s.CountFailures(ctx, archiveOpts(queue, "")); err != nil {
		return c, err
	}
	return c, nil
}
