package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/xraph/conveyor"
	"github.com/xraph/conveyor/backfill"
	"github.com/xraph/conveyor/executor"
	"github.com/xraph/conveyor/group"
	"github.com/xraph/conveyor/job"
)

// execution is the loop's record of one dispatched job. It exists from
// dispatch until the first outcome is applied.
type execution struct {
	job     *job.Job
	start   time.Time
	timeout time.Duration
	timer   *time.Timer
	cancel  context.CancelFunc

	// settled is flipped by whichever of completion, timeout or shutdown
	// gets there first. Everyone else drops their result.
	settled atomic.Bool
}

// outcome is what happened to one execution.
type outcome struct {
	result   executor.Result
	err      error
	timedOut bool
	// retryable is false for failures that skip the attempt budget.
	retryable bool
}

// dispatch starts j. It records the execution synchronously so slot
// accounting is exact, then runs the executor on its own goroutine.
func (l *Loop) dispatch(j *job.Job) {
	ex := &execution{job: j, start: time.Now()}

	l.mu.Lock()
	l.active[j.ID.String()] = ex
	l.mu.Unlock()
	l.inflight.Add(1)

	exe, ok := l.registry.Resolve(j.ExecutorName)
	if !ok {
		err := fmt.Errorf("%w: %q", conveyor.ErrExecutorNotFound, j.ExecutorName)
		l.settle(ex, outcome{err: err})
		return
	}

	if !l.eligible(j) {
		l.skip(ex)
		return
	}

	if j.MaxAttempts > 0 && j.Attempts >= j.MaxAttempts {
		err := fmt.Errorf("%w: attempt budget of %d exhausted", conveyor.ErrExecutionFailed, j.MaxAttempts)
		l.settle(ex, outcome{err: err})
		return
	}

	if err := l.begin(ex); err != nil {
		l.drop(ex, err)
		return
	}

	ctx, cancel := context.WithCancel(l.ctx)
	ex.cancel = cancel
	if t := exe.Config().Timeout; t > 0 {
		ex.timeout = t
		ex.timer = time.AfterFunc(t, func() {
			l.settle(ex, outcome{
				err:       fmt.Errorf("%w after %s", conveyor.ErrExecutionTimeout, t),
				timedOut:  true,
				retryable: true,
			})
		})
	}

	l.exts.EmitJobStarted(l.ctx, j)

	view := j.Clone()
	go func() {
		defer func() {
			if r := recover(); r != nil {
				l.settle(ex, outcome{
					err:       fmt.Errorf("%w: panic in %s: %v", conveyor.ErrExecutionFailed, j.ExecutorName, r),
					retryable: true,
				})
			}
		}()

		res, err := l.mw(ctx, view, func(ctx context.Context) (executor.Result, error) {
			return exe.Execute(ctx, view)
		})
		l.settle(ex, outcome{result: res, err: err, retryable: true})
	}()
}

// eligible reports whether j may still run: it is not terminal and its
// group is not paused.
func (l *Loop) eligible(j *job.Job) bool {
	if j.Status.IsTerminal() {
		return false
	}
	if l.groups == nil || j.GroupID == "" {
		return true
	}

	g, err := l.groups.GetGroup(l.ctx, j.Queue, j.GroupID)
	switch {
	case errors.Is(err, conveyor.ErrGroupNotFound):
		return true
	case err != nil:
		l.logger.Warn("group lookup failed, dispatching anyway",
			slog.String("queue", j.Queue),
			slog.String("group_id", j.GroupID),
			slog.String("error", err.Error()),
		)
		return true
	}
	return g.Status != group.StatusPaused
}

// begin records the start of an attempt in the store and on j.
func (l *Loop) begin(ex *execution) error {
	j := ex.job
	now := time.Now().UTC()
	workerID := l.workerID

	err := l.jobs.UpdateStatus(l.ctx, j.ID, job.StatusExecuting, job.StatusUpdate{
		Expect:            job.StatusExecuting,
		ExpectWorker:      j.WorkerID,
		IncrementAttempts: true,
		WorkerID:          &workerID,
		StartedAt:         &now,
	})
	if err != nil {
		return err
	}

	job.StatusUpdate{IncrementAttempts: true, WorkerID: &workerID, StartedAt: &now}.Apply(j, job.StatusExecuting, now)
	ex.start = now
	return nil
}

// skip releases an ineligible job back to waiting without counting it.
func (l *Loop) skip(ex *execution) {
	if !ex.settled.CompareAndSwap(false, true) {
		return
	}
	l.untrack(ex)
	defer l.inflight.Done()

	l.release(ex.job)
	l.logger.Debug("skipped ineligible job",
		slog.String("job_id", ex.job.ID.String()),
		slog.String("group_id", ex.job.GroupID),
	)
}

// drop forgets an execution whose start could not be recorded. The job
// stays claimed in the store; stale reconciliation recovers it.
func (l *Loop) drop(ex *execution, err error) {
	if !ex.settled.CompareAndSwap(false, true) {
		return
	}
	l.untrack(ex)
	defer l.inflight.Done()

	if errors.Is(err, conveyor.ErrStaleTransition) || errors.Is(err, conveyor.ErrJobNotFound) {
		l.logger.Debug("job no longer claimable, skipping",
			slog.String("job_id", ex.job.ID.String()),
		)
		return
	}
	l.logger.Error("failed to record job start",
		slog.String("job_id", ex.job.ID.String()),
		slog.String("queue", ex.job.Queue),
		slog.String("error", errors.Join(conveyor.ErrRepository, err).Error()),
	)
}

// settle applies the first outcome reported for ex. Later outcomes for
// the same execution are discarded.
func (l *Loop) settle(ex *execution, out outcome) {
	if !ex.settled.CompareAndSwap(false, true) {
		l.logger.Debug("discarding late execution result",
			slog.String("job_id", ex.job.ID.String()),
			slog.String("executor", ex.job.ExecutorName),
		)
		return
	}
	defer l.inflight.Done()

	if !out.timedOut && ex.timer != nil {
		ex.timer.Stop()
	}
	if ex.cancel != nil {
		ex.cancel()
	}
	l.untrack(ex)

	j := ex.job
	elapsed := time.Since(ex.start)

	if out.timedOut {
		l.mu.Lock()
		l.stats.timedOut++
		l.mu.Unlock()
		l.exts.EmitJobTimeout(l.ctx, j, ex.timeout)
	}

	var reason backfill.Reason
	switch {
	case out.err == nil:
		if !l.succeed(j, out.result, elapsed) {
			return
		}
		reason = backfill.ReasonSuccess
	case out.retryable && conveyor.IsRetryable(out.err) && j.CanRetry():
		if !l.retry(j, out.err) {
			return
		}
		reason = backfill.ReasonJobProcessed
	default:
		if !l.fail(j, out.err) {
			return
		}
		reason = backfill.ReasonFailure
	}

	if l.mem.BelowLow() {
		l.loadAsync(reason)
	}
}

func (l *Loop) succeed(j *job.Job, res executor.Result, elapsed time.Duration) bool {
	if err := l.jobs.MoveToSuccess(l.ctx, j, elapsed); err != nil {
		l.transitionError(j, "success", err)
		return false
	}

	now := time.Now().UTC()
	j.Status = job.StatusSuccess
	j.CompletedAt = &now

	l.mu.Lock()
	l.stats.processed++
	l.stats.successful++
	l.mu.Unlock()

	if l.groups != nil && j.GroupID != "" {
		if err := l.groups.IncrementCompleted(l.ctx, j.Queue, j.GroupID); err != nil {
			l.groupCounterError(j, err)
		}
	}

	l.exts.EmitJobCompleted(l.ctx, j, res, elapsed)
	return true
}

func (l *Loop) retry(j *job.Job, jobErr error) bool {
	delay := l.backoff.Delay(j.Attempts)
	runAt := time.Now().UTC().Add(delay)
	msg := jobErr.Error()

	err := l.jobs.UpdateStatus(l.ctx, j.ID, job.StatusWaiting, job.StatusUpdate{
		Expect:       job.StatusExecuting,
		ExpectWorker: j.WorkerID,
		LastError:    &msg,
		RunAt:        &runAt,
	})
	if err != nil {
		l.transitionError(j, "retry", err)
		return false
	}

	job.StatusUpdate{LastError: &msg, RunAt: &runAt}.Apply(j, job.StatusWaiting, time.Now())

	l.mu.Lock()
	l.stats.retried++
	l.mu.Unlock()

	l.exts.EmitJobRetrying(l.ctx, j, j.Attempts, runAt)
	l.logger.Info("job scheduled for retry",
		slog.String("job_id", j.ID.String()),
		slog.String("executor", j.ExecutorName),
		slog.Int("attempt", j.Attempts),
		slog.Int("max_attempts", j.MaxAttempts),
		slog.Duration("delay", delay),
		slog.String("error", msg),
	)

	if delay > 0 {
		time.AfterFunc(delay, l.Notify)
	} else {
		l.Notify()
	}
	return true
}

func (l *Loop) fail(j *job.Job, jobErr error) bool {
	if err := l.jobs.MarkAsFailed(l.ctx, j, jobErr); err != nil {
		l.transitionError(j, "failure", err)
		return false
	}

	now := time.Now().UTC()
	j.Status = job.StatusFailed
	j.LastError = jobErr.Error()
	j.CompletedAt = &now

	l.mu.Lock()
	l.stats.processed++
	l.stats.failed++
	l.mu.Unlock()

	if l.groups != nil && j.GroupID != "" {
		if err := l.groups.IncrementFailed(l.ctx, j.Queue, j.GroupID); err != nil {
			l.groupCounterError(j, err)
		}
	}

	l.exts.EmitJobFailed(l.ctx, j, jobErr)
	l.logger.Warn("job failed",
		slog.String("job_id", j.ID.String()),
		slog.String("executor", j.ExecutorName),
		slog.Int("attempts", j.Attempts),
		slog.String("error", jobErr.Error()),
	)
	return true
}

// transitionError logs a rejected outcome write. A stale transition means
// another writer already moved the job and is expected after reaping.
func (l *Loop) transitionError(j *job.Job, outcome string, err error) {
	if errors.Is(err, conveyor.ErrStaleTransition) || errors.Is(err, conveyor.ErrJobNotFound) {
		l.logger.Debug("ignoring stale transition",
			slog.String("job_id", j.ID.String()),
			slog.String("outcome", outcome),
		)
		return
	}
	l.logger.Error("failed to apply job outcome",
		slog.String("job_id", j.ID.String()),
		slog.String("outcome", outcome),
		slog.String("error", errors.Join(conveyor.ErrRepository, err).Error()),
	)
}

func (l *Loop) groupCounterError(j *job.Job, err error) {
	l.logger.Warn("failed to update group counters",
		slog.String("queue", j.Queue),
		slog.String("group_id", j.GroupID),
		slog.String("error", err.Error()),
	)
}

func (l *Loop) release(j *job.Job) {
	err := l.jobs.UpdateStatus(l.ctx, j.ID, job.StatusWaiting, job.StatusUpdate{
		Expect:       job.StatusExecuting,
		ExpectWorker: j.WorkerID,
	})
	if err != nil && !errors.Is(err, conveyor.ErrStaleTransition) {
		l.logger.Error("failed to release job",
			slog.String("job_id", j.ID.String()),
			slog.String("error", err.Error()),
		)
	}
}

// untrack removes ex from the active set and signals the freed slot.
func (l *Loop) untrack(ex *execution) {
	l.mu.Lock()
	delete(l.active, ex.job.ID.String())
	l.mu.Unlock()

	select {
	case l.freed <- struct{}{}:
	default:
	}
}

// abandonActive cancels every running execution and returns its job to
// waiting. The attempt it started stays counted.
func (l *Loop) abandonActive() {
	l.mu.Lock()
	active := make([]*execution, 0, len(l.active))
	for _, ex := range l.active {
		active = append(active, ex)
	}
	l.mu.Unlock()

	for _, ex := range active {
		if !ex.settled.CompareAndSwap(false, true) {
			continue
		}
		if ex.timer != nil {
			ex.timer.Stop()
		}
		if ex.cancel != nil {
			ex.cancel()
		}
		l.untrack(ex)
		l.logger.Warn("releasing active job", slog.String("job_id", ex.job.ID.String()))
		l.release(ex.job)
		l.inflight.Done()
	}
}
