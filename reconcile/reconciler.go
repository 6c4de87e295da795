package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/xraph/conveyor"
	"github.com/xraph/conveyor/group"
	"github.com/xraph/conveyor/job"
)

// DefaultSchedule runs both passes once a minute.
const DefaultSchedule = "@every 1m"

// Emitter receives failures produced by stale reaping.
// ext.Registry satisfies this interface.
type Emitter interface {
	EmitJobFailed(ctx context.Context, j *job.Job, jobErr error)
}

// NotifyFunc is called with the queue of every job returned to waiting so
// the owning loop can pick it up without waiting for its next poll.
type NotifyFunc func(queue string)

// Option configures a Reconciler.
type Option func(*Reconciler)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Reconciler) { r.logger = l }
}

// WithSchedule sets the cron expression driving both passes.
func WithSchedule(expr string) Option {
	return func(r *Reconciler) { r.schedule = expr }
}

// WithStaleThreshold sets how long an executing job may go without a
// heartbeat. Zero disables stale reaping.
func WithStaleThreshold(d time.Duration) Option {
	return func(r *Reconciler) { r.threshold = d }
}

// WithEmitter sets the sink for failures produced by stale reaping.
func WithEmitter(e Emitter) Option {
	return func(r *Reconciler) { r.emitter = e }
}

// WithNotify sets the callback invoked when jobs are returned to waiting.
func WithNotify(fn NotifyFunc) Option {
	return func(r *Reconciler) { r.notify = fn }
}

// cronParser supports standard 5-field cron and descriptors like "@every 30s".
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow | cronlib.Descriptor,
)

// ParseSchedule parses a cron expression.
func ParseSchedule(expr string) (cronlib.Schedule, error) {
	return cronParser.Parse(expr)
}

// Report summarises one reconciliation run.
type Report struct {
	Requeued   int
	Failed     int
	Groups     int
	StartedAt  time.Time
	FinishedAt time.Time
}

// Reconciler reaps stale executing jobs and repairs group counters.
type Reconciler struct {
	jobs      job.Store
	groups    group.Store
	emitter   Emitter
	notify    NotifyFunc
	logger    *slog.Logger
	schedule  string
	threshold time.Duration

	mu   sync.Mutex
	cron *cronlib.Cron
	ctx  context.Context
	stop context.CancelFunc
}

// New creates a Reconciler. The schedule is validated here so a bad
// expression fails at construction rather than at Start.
func New(jobs job.Store, groups group.Store, opts ...Option) (*Reconciler, error) {
	r := &Reconciler{
		jobs:      jobs,
		groups:    groups,
		logger:    slog.Default(),
		schedule:  DefaultSchedule,
		threshold: time.Minute,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.threshold < 0 {
		return nil, fmt.Errorf("%w: negative stale threshold", conveyor.ErrInvalidConfig)
	}
	if _, err := ParseSchedule(r.schedule); err != nil {
		return nil, fmt.Errorf("%w: reconcile schedule %q: %w", conveyor.ErrInvalidConfig, r.schedule, err)
	}
	return r, nil
}

// Start schedules the reconciliation passes. Overlapping runs are skipped.
func (r *Reconciler) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.cron != nil {
		return nil
	}

	logger := slogAdapter{r.logger}
	c := cronlib.New(
		cronlib.WithParser(cronParser),
		cronlib.WithLogger(logger),
		cronlib.WithChain(cronlib.Recover(logger), cronlib.SkipIfStillRunning(logger)),
	)

	r.ctx, r.stop = context.WithCancel(context.WithoutCancel(ctx))
	runCtx := r.ctx
	if _, err := c.AddFunc(r.schedule, func() {
		if _, err := r.RunOnce(runCtx); err != nil && runCtx.Err() == nil {
			r.logger.Error("reconcile run failed", slog.String("error", err.Error()))
		}
	}); err != nil {
		r.stop()
		return fmt.Errorf("%w: reconcile schedule %q: %w", conveyor.ErrInvalidConfig, r.schedule, err)
	}

	c.Start()
	r.cron = c
	r.logger.Info("reconciler started",
		slog.String("schedule", r.schedule),
		slog.Duration("stale_threshold", r.threshold),
	)
	return nil
}

// Stop halts the schedule and waits for a running pass to return or for
// ctx to expire.
func (r *Reconciler) Stop(ctx context.Context) error {
	r.mu.Lock()
	c := r.cron
	cancel := r.stop
	r.cron = nil
	r.mu.Unlock()

	if c == nil {
		return nil
	}

	done := c.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
		cancel()
		<-done.Done()
	}
	cancel()
	r.logger.Info("reconciler stopped")
	return nil
}

// RunOnce runs stale reaping followed by group reconciliation.
func (r *Reconciler) RunOnce(ctx context.Context) (Report, error) {
	rep := Report{StartedAt: time.Now().UTC()}

	requeued, failed, reapErr := r.ReapStale(ctx)
	rep.Requeued, rep.Failed = requeued, failed

	groups, groupErr := r.ReconcileGroups(ctx)
	rep.Groups = groups
	rep.FinishedAt = time.Now().UTC()

	if requeued > 0 || failed > 0 {
		r.logger.Info("stale jobs reaped",
			slog.Int("requeued", requeued),
			slog.Int("failed", failed),
		)
	}
	return rep, errors.Join(reapErr, groupErr)
}

// ReapStale settles executing jobs without a recent heartbeat. It returns
// the number of jobs returned to waiting and the number moved to the
// failure archive.
func (r *Reconciler) ReapStale(ctx context.Context) (requeued, failed int, err error) {
	if r.threshold <= 0 {
		return 0, 0, nil
	}

	stale, err := r.jobs.FindStaleJobs(ctx, r.threshold)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: find stale jobs: %w", conveyor.ErrRepository, err)
	}

	var errs []error
	for _, j := range stale {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		ok, exhausted, reapErr := r.reap(ctx, j)
		switch {
		case reapErr != nil:
			errs = append(errs, reapErr)
		case !ok:
		case exhausted:
			failed++
		default:
			requeued++
		}
	}
	return requeued, failed, errors.Join(errs...)
}

// reap settles one stale job. ok is false when another writer got there
// first.
func (r *Reconciler) reap(ctx context.Context, j *job.Job) (ok, exhausted bool, err error) {
	log := r.logger.With(
		slog.String("job_id", j.ID.String()),
		slog.String("queue", j.Queue),
		slog.String("worker_id", j.WorkerID.String()),
	)

	if !j.CanRetry() {
		jobErr := fmt.Errorf("%w: no heartbeat for %s", conveyor.ErrExecutionTimeout, r.threshold)
		if err := r.jobs.MarkAsFailed(ctx, j, jobErr); err != nil {
			return r.guarded(log, err)
		}
		j.Status = job.StatusFailed
		j.LastError = jobErr.Error()
		if j.GroupID != "" {
			if err := r.groups.IncrementFailed(ctx, j.Queue, j.GroupID); err != nil && !errors.Is(err, conveyor.ErrGroupNotFound) {
				log.Warn("stale job group counter not updated", slog.String("error", err.Error()))
			}
		}
		if r.emitter != nil {
			r.emitter.EmitJobFailed(ctx, j, jobErr)
		}
		log.Warn("stale job failed", slog.Int("attempts", j.Attempts))
		return true, true, nil
	}

	msg := "stale: worker stopped heartbeating"
	if err := r.jobs.UpdateStatus(ctx, j.ID, job.StatusWaiting, job.StatusUpdate{
		Expect:       job.StatusExecuting,
		ExpectWorker: j.WorkerID,
		LastError:    &msg,
	}); err != nil {
		return r.guarded(log, err)
	}
	if r.notify != nil {
		r.notify(j.Queue)
	}
	log.Info("stale job requeued", slog.Int("attempts", j.Attempts))
	return true, false, nil
}

// guarded maps lost races to a quiet skip.
func (r *Reconciler) guarded(log *slog.Logger, err error) (bool, bool, error) {
	if errors.Is(err, conveyor.ErrStaleTransition) || errors.Is(err, conveyor.ErrJobNotFound) {
		log.Debug("stale job already settled")
		return false, false, nil
	}
	return false, false, fmt.Errorf("%w: reap stale job: %w", conveyor.ErrRepository, err)
}

// ReconcileGroups re-derives the counters of every group and returns how
// many were reconciled.
func (r *Reconciler) ReconcileGroups(ctx context.Context) (int, error) {
	groups, err := r.groups.ListGroups(ctx, "")
	if err != nil {
		return 0, fmt.Errorf("%w: list groups: %w", conveyor.ErrRepository, err)
	}

	var (
		n    int
		errs []error
	)
	for _, g := range groups {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		fixed, err := r.groups.ReconcileGroup(ctx, g.Queue, g.ID)
		if err != nil {
			if errors.Is(err, conveyor.ErrGroupNotFound) {
				continue
			}
			errs = append(errs, fmt.Errorf("%w: reconcile group %s/%s: %w", conveyor.ErrRepository, g.Queue, g.ID, err))
			continue
		}
		n++
		if fixed.CompletedJobs != g.CompletedJobs || fixed.FailedJobs != g.FailedJobs || fixed.TotalJobs != g.TotalJobs {
			r.logger.Info("group counters corrected",
				slog.String("queue", g.Queue),
				slog.String("group_id", g.ID),
				slog.Int64("total", fixed.TotalJobs),
				slog.Int64("completed", fixed.CompletedJobs),
				slog.Int64("failed", fixed.FailedJobs),
			)
		}
	}
	return n, errors.Join(errs...)
}

// slogAdapter satisfies cron.Logger.
type slogAdapter struct{ l *slog.Logger }

func (a slogAdapter) Info(msg string, keysAndValues ...any) {
	a.l.Debug("cron: "+msg, keysAndValues...)
}

func (a slogAdapter) Error(err error, msg string, keysAndValues ...any) {
	a.l.Error("cron: "+msg, append([]any{slog.String("error", err.Error())}, keysAndValues...)...)
}
