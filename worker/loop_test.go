package worker_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/xraph/conveyor"
	"github.com/xraph/conveyor/backoff"
	"github.com/xraph/conveyor/executor"
	"github.com/xraph/conveyor/group"
	"github.com/xraph/conveyor/job"
	"github.com/xraph/conveyor/middleware"
	"github.com/xraph/conveyor/queue"
	"github.com/xraph/conveyor/worker"
)

func TestLoop_StartStop(t *testing.T) {
	h := newHarness(t, testConfig())

	h.start(t)
	if err := h.loop.Start(context.Background()); err != nil {
		t.Fatalf("double start: %v", err)
	}
	if !h.loop.Statistics().IsRunning {
		t.Error("expected IsRunning after Start")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := h.loop.Stop(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if err := h.loop.Stop(ctx); err != nil {
		t.Fatalf("double stop: %v", err)
	}
	if h.loop.Statistics().IsRunning {
		t.Error("expected !IsRunning after Stop")
	}
}

func TestNewLoop_RejectsInvalidConfig(t *testing.T) {
	cfg := testConfig()
	cfg.BatchSize = 0
	h := newHarness(t, testConfig())

	_, err := worker.NewLoop(cfg, h.store, h.registry, h.mem, h.stream)
	if !errors.Is(err, conveyor.ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig, got %v", err)
	}
}

func TestLoop_ProcessesJob(t *testing.T) {
	h := newHarness(t, testConfig())

	var got atomic.Value
	h.register("greet", func(_ context.Context, j *job.Job) (executor.Result, error) {
		got.Store(string(j.Payload))
		return executor.Result{}, nil
	})

	j := job.New("greet", []byte("alice"), job.WithQueue("q1"), job.WithMaxAttempts(3))
	if err := h.store.EnqueueJob(context.Background(), j); err != nil {
		t.Fatal(err)
	}
	h.start(t)

	waitFor(t, 2*time.Second, "job success", func() bool { return h.success(t, j.ID) != nil })

	if got.Load() != "alice" {
		t.Errorf("payload = %v, want alice", got.Load())
	}
	rec := h.success(t, j.ID)
	if rec.Attempts != 1 {
		t.Errorf("attempts = %d, want 1", rec.Attempts)
	}

	stats := h.loop.Statistics()
	if stats.TotalSuccessful != 1 || stats.TotalProcessed != 1 || stats.TotalFailed != 0 {
		t.Errorf("unexpected stats: %+v", stats)
	}
	if stats.SuccessRate != 1 {
		t.Errorf("success rate = %v, want 1", stats.SuccessRate)
	}
	if h.rec.started.Load() != 1 || h.rec.completed.Load() != 1 {
		t.Errorf("started=%d completed=%d, want 1/1", h.rec.started.Load(), h.rec.completed.Load())
	}
	if h.rec.lengthEvents() == 0 {
		t.Error("expected queue length events")
	}
}

// One attempt, terminal failure.
func TestLoop_FailsWithoutRetry(t *testing.T) {
	h := newHarness(t, testConfig())

	var calls atomic.Int64
	h.register("flaky", func(context.Context, *job.Job) (executor.Result, error) {
		calls.Add(1)
		return executor.Result{}, errors.New("always fails")
	})

	j := h.enqueue(t, "flaky", job.WithMaxAttempts(1))
	h.start(t)

	waitFor(t, 2*time.Second, "job failure", func() bool { return h.failure(t, j.ID) != nil })

	if calls.Load() != 1 {
		t.Errorf("executions = %d, want 1", calls.Load())
	}
	f := h.failure(t, j.ID)
	if f.Attempts != 1 || f.Error != "always fails" {
		t.Errorf("failure record = %+v", f)
	}

	stats := h.loop.Statistics()
	if stats.TotalFailed != 1 || stats.TotalProcessed != 1 || stats.TotalRetried != 0 {
		t.Errorf("unexpected stats: %+v", stats)
	}
	if h.rec.failed.Load() != 1 {
		t.Errorf("failed events = %d, want 1", h.rec.failed.Load())
	}
}

func TestLoop_ZeroMaxAttemptsRunsOnce(t *testing.T) {
	h := newHarness(t, testConfig())

	var calls atomic.Int64
	h.register("flaky", func(context.Context, *job.Job) (executor.Result, error) {
		calls.Add(1)
		return executor.Result{}, errors.New("always fails")
	})

	j := job.New("flaky", nil, job.WithQueue(h.cfg.Name))
	j.MaxAttempts = 0
	if err := h.store.EnqueueJob(context.Background(), j); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}
	h.start(t)

	waitFor(t, 2*time.Second, "job failure", func() bool { return h.failure(t, j.ID) != nil })
	// A second run would have shown up by now.
	time.Sleep(50 * time.Millisecond)

	if calls.Load() != 1 {
		t.Errorf("executions = %d, want 1", calls.Load())
	}
	f := h.failure(t, j.ID)
	if f.Attempts != 1 || f.MaxAttempts != 1 {
		t.Errorf("failure record attempts %d/%d, want 1/1", f.Attempts, f.MaxAttempts)
	}
	if h.rec.retrying.Load() != 0 {
		t.Errorf("retrying events = %d, want 0", h.rec.retrying.Load())
	}
}

// Two failures, then success within a budget of three.
func TestLoop_RetriesUntilSuccess(t *testing.T) {
	h := newHarness(t, testConfig())

	var calls atomic.Int64
	h.register("eventually", func(context.Context, *job.Job) (executor.Result, error) {
		if calls.Add(1) <= 2 {
			return executor.Result{}, errors.New("not yet")
		}
		return executor.Result{}, nil
	})

	j := h.enqueue(t, "eventually", job.WithMaxAttempts(3))
	h.start(t)

	waitFor(t, 2*time.Second, "job success", func() bool { return h.success(t, j.ID) != nil })

	if rec := h.success(t, j.ID); rec.Attempts != 3 {
		t.Errorf("attempts = %d, want 3", rec.Attempts)
	}
	if calls.Load() != 3 {
		t.Errorf("executions = %d, want 3", calls.Load())
	}
	if h.rec.retrying.Load() != 2 {
		t.Errorf("retry cycles = %d, want 2", h.rec.retrying.Load())
	}

	stats := h.loop.Statistics()
	if stats.TotalSuccessful != 1 || stats.TotalFailed != 0 || stats.TotalRetried != 2 {
		t.Errorf("unexpected stats: %+v", stats)
	}
}

// Three jobs preloaded with low=5: exactly one load before dispatch.
func TestLoop_StartupLoadBelowLowWatermark(t *testing.T) {
	cfg := testConfig()
	cfg.Watermarks.Low = 5
	cfg.Watermarks.High = 50
	h := newHarness(t, cfg)

	var loadsAtFirstRun atomic.Int64
	loadsAtFirstRun.Store(-1)
	h.register("work", func(context.Context, *job.Job) (executor.Result, error) {
		loadsAtFirstRun.CompareAndSwap(-1, h.stream.Loads())
		return executor.Result{}, nil
	})

	for range 23 {
		h.enqueue(t, "work")
	}

	preloaded, err := h.store.ClaimWaiting(context.Background(), job.ClaimOpts{
		Queue:    "q1",
		Limit:    3,
		WorkerID: h.loop.WorkerID(),
	})
	if err != nil || len(preloaded) != 3 {
		t.Fatalf("preload claim: %d jobs, err %v", len(preloaded), err)
	}
	if _, err := h.mem.EnqueueBatch(preloaded); err != nil {
		t.Fatal(err)
	}

	h.start(t)

	waitFor(t, 2*time.Second, "first execution", func() bool { return loadsAtFirstRun.Load() >= 0 })
	if got := loadsAtFirstRun.Load(); got != 1 {
		t.Errorf("loads before first dispatch = %d, want 1", got)
	}

	waitFor(t, 3*time.Second, "all jobs", func() bool { return h.loop.Statistics().TotalSuccessful == 23 })
}

// Parallel mode caps active executions.
func TestLoop_ParallelConcurrencyCap(t *testing.T) {
	cfg := testConfig()
	cfg.ParallelEnabled = true
	cfg.ConcurrencyLimit = 3
	cfg.MaxConcurrency = 3
	cfg.BatchSize = 3
	h := newHarness(t, cfg)

	var running, peak atomic.Int64
	firstStart := make(chan time.Time, 1)
	h.register("sleepy", func(context.Context, *job.Job) (executor.Result, error) {
		select {
		case firstStart <- time.Now():
		default:
		}
		n := running.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(100 * time.Millisecond)
		running.Add(-1)
		return executor.Result{}, nil
	})

	for range 5 {
		h.enqueue(t, "sleepy")
	}
	h.start(t)

	var t0 time.Time
	select {
	case t0 = <-firstStart:
	case <-time.After(2 * time.Second):
		t.Fatal("no job started")
	}
	time.Sleep(time.Until(t0.Add(50 * time.Millisecond)))

	if got := h.loop.Statistics().ActiveJobsCount; got != 3 {
		t.Errorf("active jobs at 50ms = %d, want 3", got)
	}
	if got := h.rec.started.Load(); got != 3 {
		t.Errorf("started at 50ms = %d, want 3", got)
	}

	waitFor(t, 3*time.Second, "all jobs", func() bool { return h.loop.Statistics().TotalSuccessful == 5 })
	if peak.Load() > 3 {
		t.Errorf("peak concurrency = %d, want <= 3", peak.Load())
	}
}

func TestLoop_SerialRunsOneAtATime(t *testing.T) {
	h := newHarness(t, testConfig())

	var running, peak atomic.Int64
	h.register("work", func(context.Context, *job.Job) (executor.Result, error) {
		if n := running.Add(1); n > peak.Load() {
			peak.Store(n)
		}
		time.Sleep(5 * time.Millisecond)
		running.Add(-1)
		return executor.Result{}, nil
	})

	for range 8 {
		h.enqueue(t, "work")
	}
	h.start(t)

	waitFor(t, 3*time.Second, "all jobs", func() bool { return h.loop.Statistics().TotalSuccessful == 8 })
	if peak.Load() != 1 {
		t.Errorf("peak concurrency = %d, want 1", peak.Load())
	}
}

// A timed-out execution fails once; its late result is discarded.
func TestLoop_TimeoutDiscardsLateResult(t *testing.T) {
	h := newHarness(t, testConfig())

	finished := make(chan struct{})
	h.register("slow", func(context.Context, *job.Job) (executor.Result, error) {
		defer close(finished)
		time.Sleep(500 * time.Millisecond)
		return executor.Result{}, nil
	}, executor.WithTimeout(50*time.Millisecond))

	j := h.enqueue(t, "slow")
	start := time.Now()
	h.start(t)

	waitFor(t, time.Second, "timeout failure", func() bool { return h.failure(t, j.ID) != nil })
	if elapsed := time.Since(start); elapsed > 400*time.Millisecond {
		t.Errorf("failure recorded after %v, want about 50ms", elapsed)
	}

	f := h.failure(t, j.ID)
	if !strings.Contains(f.Error, conveyor.ErrExecutionTimeout.Error()) {
		t.Errorf("failure error = %q, want timeout", f.Error)
	}

	<-finished
	time.Sleep(50 * time.Millisecond)

	stats := h.loop.Statistics()
	if stats.TotalFailed != 1 || stats.TotalSuccessful != 0 || stats.TotalTimedOut != 1 {
		t.Errorf("unexpected stats after late result: %+v", stats)
	}
	if h.success(t, j.ID) != nil {
		t.Error("late result must not create a success record")
	}
	if h.rec.timeouts.Load() != 1 || h.rec.failed.Load() != 1 || h.rec.completed.Load() != 0 {
		t.Errorf("events: timeout=%d failed=%d completed=%d",
			h.rec.timeouts.Load(), h.rec.failed.Load(), h.rec.completed.Load())
	}
}

func TestLoop_TimeoutCancelsExecutorContext(t *testing.T) {
	h := newHarness(t, testConfig())

	cancelled := make(chan struct{})
	h.register("cooperative", func(ctx context.Context, _ *job.Job) (executor.Result, error) {
		<-ctx.Done()
		close(cancelled)
		return executor.Result{}, ctx.Err()
	}, executor.WithTimeout(20*time.Millisecond))

	h.enqueue(t, "cooperative")
	h.start(t)

	select {
	case <-cancelled:
	case <-time.After(time.Second):
		t.Fatal("executor context was not cancelled on timeout")
	}
}

func TestLoop_TimeoutIsRetried(t *testing.T) {
	h := newHarness(t, testConfig())

	var calls atomic.Int64
	h.register("slow-once", func(ctx context.Context, _ *job.Job) (executor.Result, error) {
		if calls.Add(1) == 1 {
			<-ctx.Done()
			return executor.Result{}, ctx.Err()
		}
		return executor.Result{}, nil
	}, executor.WithTimeout(30*time.Millisecond))

	j := h.enqueue(t, "slow-once", job.WithMaxAttempts(2))
	h.start(t)

	waitFor(t, 2*time.Second, "success after timeout", func() bool { return h.success(t, j.ID) != nil })

	stats := h.loop.Statistics()
	if stats.TotalTimedOut != 1 || stats.TotalRetried != 1 || stats.TotalSuccessful != 1 {
		t.Errorf("unexpected stats: %+v", stats)
	}
}

// With nothing to do the loop loads once per wake, never in a cycle.
func TestLoop_NoBusyWaitWhenEmpty(t *testing.T) {
	h := newHarness(t, testConfig())
	h.start(t)

	time.Sleep(100 * time.Millisecond)
	if got := h.stream.Loads(); got != 1 {
		t.Fatalf("loads while idle = %d, want 1", got)
	}

	h.loop.Notify()
	waitFor(t, time.Second, "load after wake", func() bool { return h.stream.Loads() == 2 })

	time.Sleep(100 * time.Millisecond)
	if got := h.stream.Loads(); got != 2 {
		t.Errorf("loads after one wake = %d, want 2", got)
	}
}

func TestLoop_NotifyPicksUpNewJobs(t *testing.T) {
	h := newHarness(t, testConfig())
	h.register("work", succeed)
	h.start(t)

	time.Sleep(20 * time.Millisecond)
	j := h.enqueue(t, "work")
	h.loop.Notify()

	waitFor(t, time.Second, "job success", func() bool { return h.success(t, j.ID) != nil })
}

// Low=0 never triggers a watermark load, so draining the memory queue
// must itself pull the next batch.
func TestLoop_DrainsStoreWithZeroWatermarks(t *testing.T) {
	cfg := testConfig()
	cfg.BatchSize = 5
	cfg.Watermarks = queue.Watermarks{}
	h := newHarness(t, cfg)
	h.register("work", succeed)

	for range 20 {
		h.enqueue(t, "work")
	}
	h.start(t)

	waitFor(t, 2*time.Second, "all jobs to succeed", func() bool { return h.rec.completed.Load() == 20 })

	n, err := h.store.CountJobs(context.Background(), job.CountOpts{Queue: cfg.Name, Status: job.StatusWaiting})
	if err != nil {
		t.Fatalf("CountJobs: %v", err)
	}
	if n != 0 {
		t.Errorf("waiting jobs left = %d, want 0", n)
	}
}

func TestLoop_PollIntervalPicksUpExternalJobs(t *testing.T) {
	cfg := testConfig()
	cfg.PollInterval = 30 * time.Millisecond
	h := newHarness(t, cfg)
	h.register("work", succeed)
	h.start(t)

	time.Sleep(20 * time.Millisecond)
	j := h.enqueue(t, "work")

	waitFor(t, time.Second, "job success", func() bool { return h.success(t, j.ID) != nil })
}

func TestLoop_CountersAddUp(t *testing.T) {
	cfg := testConfig()
	cfg.ParallelEnabled = true
	cfg.ConcurrencyLimit = 4
	h := newHarness(t, cfg)

	var n atomic.Int64
	h.register("mixed", func(context.Context, *job.Job) (executor.Result, error) {
		time.Sleep(time.Millisecond)
		if n.Add(1)%3 == 0 {
			return executor.Result{}, errors.New("every third fails")
		}
		return executor.Result{}, nil
	})

	for range 30 {
		h.enqueue(t, "mixed")
	}
	h.start(t)

	deadline := time.Now().Add(3 * time.Second)
	for {
		s := h.loop.Statistics()
		if s.TotalProcessed != s.TotalSuccessful+s.TotalFailed {
			t.Fatalf("processed %d != successful %d + failed %d", s.TotalProcessed, s.TotalSuccessful, s.TotalFailed)
		}
		if s.ActiveJobsCount > 4 {
			t.Fatalf("active jobs %d above limit 4", s.ActiveJobsCount)
		}
		if s.TotalProcessed == 30 {
			if s.TotalFailed != 10 {
				t.Errorf("failed = %d, want 10", s.TotalFailed)
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out with stats %+v", s)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestLoop_ExecutorNotFound(t *testing.T) {
	h := newHarness(t, testConfig())

	j := h.enqueue(t, "missing", job.WithMaxAttempts(5))
	h.start(t)

	waitFor(t, time.Second, "failure", func() bool { return h.failure(t, j.ID) != nil })

	f := h.failure(t, j.ID)
	if !strings.Contains(f.Error, conveyor.ErrExecutorNotFound.Error()) {
		t.Errorf("failure error = %q", f.Error)
	}
	if f.Attempts != 0 {
		t.Errorf("attempts = %d, want 0", f.Attempts)
	}
	if h.rec.retrying.Load() != 0 {
		t.Error("missing executor must not be retried")
	}
}

func TestLoop_PauseResume(t *testing.T) {
	h := newHarness(t, testConfig())

	var calls atomic.Int64
	h.register("work", func(context.Context, *job.Job) (executor.Result, error) {
		calls.Add(1)
		return executor.Result{}, nil
	})

	h.start(t)
	h.loop.Pause()
	if !h.loop.Statistics().IsPaused {
		t.Fatal("expected IsPaused")
	}

	j := h.enqueue(t, "work")
	h.loop.Notify()
	time.Sleep(100 * time.Millisecond)
	if calls.Load() != 0 {
		t.Fatalf("paused loop ran %d jobs", calls.Load())
	}

	h.loop.Resume()
	waitFor(t, time.Second, "job success", func() bool { return h.success(t, j.ID) != nil })
}

func TestLoop_PausedGroupIsHeldBack(t *testing.T) {
	h := newHarness(t, testConfig())
	h.register("work", succeed)
	ctx := context.Background()

	g := group.New("q1", "batch-7")
	g.Status = group.StatusPaused
	if err := h.store.CreateGroup(ctx, g); err != nil {
		t.Fatal(err)
	}

	held := h.enqueue(t, "work", job.WithGroup("batch-7"))
	free := h.enqueue(t, "work")
	h.start(t)

	waitFor(t, time.Second, "ungrouped success", func() bool { return h.success(t, free.ID) != nil })
	time.Sleep(30 * time.Millisecond)

	stored, err := h.store.GetJob(ctx, held.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.Status != job.StatusWaiting {
		t.Fatalf("paused group job status = %s, want waiting", stored.Status)
	}

	if err := h.store.SetGroupStatus(ctx, "q1", "batch-7", group.StatusActive); err != nil {
		t.Fatal(err)
	}
	h.loop.Notify()
	waitFor(t, time.Second, "grouped success", func() bool { return h.success(t, held.ID) != nil })

	got, err := h.store.GetGroup(ctx, "q1", "batch-7")
	if err != nil {
		t.Fatal(err)
	}
	if got.CompletedJobs != 1 {
		t.Errorf("group completed = %d, want 1", got.CompletedJobs)
	}
}

func TestLoop_GroupPausedAfterClaimIsReleased(t *testing.T) {
	h := newHarness(t, testConfig())
	ctx := context.Background()

	var calls atomic.Int64
	h.register("work", func(context.Context, *job.Job) (executor.Result, error) {
		calls.Add(1)
		return executor.Result{}, nil
	})

	j := h.enqueue(t, "work", job.WithGroup("late"))
	claimed, err := h.store.ClaimWaiting(ctx, job.ClaimOpts{Queue: "q1", Limit: 1, WorkerID: h.loop.WorkerID()})
	if err != nil || len(claimed) != 1 {
		t.Fatalf("claim: %v", err)
	}
	if _, err := h.mem.EnqueueBatch(claimed); err != nil {
		t.Fatal(err)
	}
	g := group.New("q1", "late")
	g.Status = group.StatusPaused
	if err := h.store.CreateGroup(ctx, g); err != nil {
		t.Fatal(err)
	}

	h.start(t)

	waitFor(t, time.Second, "release", func() bool {
		stored, err := h.store.GetJob(ctx, j.ID)
		return err == nil && stored.Status == job.StatusWaiting
	})
	if calls.Load() != 0 {
		t.Errorf("executor ran %d times for a paused group", calls.Load())
	}
	if s := h.loop.Statistics(); s.TotalProcessed != 0 {
		t.Errorf("skipped job was counted: %+v", s)
	}
}

func TestLoop_BackoffDelaysRetry(t *testing.T) {
	h := newHarness(t, testConfig(), worker.WithBackoff(backoff.NewConstant(80*time.Millisecond)))

	var mu sync.Mutex
	var runs []time.Time
	h.register("flaky", func(context.Context, *job.Job) (executor.Result, error) {
		mu.Lock()
		runs = append(runs, time.Now())
		first := len(runs) == 1
		mu.Unlock()
		if first {
			return executor.Result{}, errors.New("first try fails")
		}
		return executor.Result{}, nil
	})

	j := h.enqueue(t, "flaky", job.WithMaxAttempts(2))
	h.start(t)

	waitFor(t, 2*time.Second, "job success", func() bool { return h.success(t, j.ID) != nil })

	mu.Lock()
	defer mu.Unlock()
	if gap := runs[1].Sub(runs[0]); gap < 70*time.Millisecond {
		t.Errorf("retry ran after %v, want >= 80ms backoff", gap)
	}
}

func TestLoop_MiddlewareRecoversPanics(t *testing.T) {
	h := newHarness(t, testConfig(), worker.WithMiddleware(middleware.Recover(discard())))
	h.register("panics", func(context.Context, *job.Job) (executor.Result, error) {
		panic("boom")
	})

	j := h.enqueue(t, "panics")
	h.start(t)

	waitFor(t, time.Second, "failure", func() bool { return h.failure(t, j.ID) != nil })
	if f := h.failure(t, j.ID); !strings.Contains(f.Error, "panic") {
		t.Errorf("failure error = %q, want panic", f.Error)
	}
}

func TestLoop_HeartbeatsRunningJobs(t *testing.T) {
	h := newHarness(t, testConfig(), worker.WithHeartbeatInterval(10*time.Millisecond))
	ctx := context.Background()

	release := make(chan struct{})
	h.register("long", func(context.Context, *job.Job) (executor.Result, error) {
		<-release
		return executor.Result{}, nil
	})

	j := h.enqueue(t, "long")
	h.start(t)

	waitFor(t, time.Second, "heartbeat", func() bool {
		stored, err := h.store.GetJob(ctx, j.ID)
		if err != nil || stored.StartedAt == nil || stored.HeartbeatAt == nil {
			return false
		}
		return stored.HeartbeatAt.After(*stored.StartedAt)
	})
	close(release)
}

func TestLoop_StopReleasesUnfinishedWork(t *testing.T) {
	h := newHarness(t, testConfig())
	ctx := context.Background()

	started := make(chan struct{}, 1)
	h.register("blocking", func(ctx context.Context, _ *job.Job) (executor.Result, error) {
		select {
		case started <- struct{}{}:
		default:
		}
		<-ctx.Done()
		return executor.Result{}, ctx.Err()
	})

	for range 5 {
		h.enqueue(t, "blocking", job.WithMaxAttempts(3))
	}
	h.start(t)

	select {
	case <-started:
	case <-time.After(time.Second):
		t.Fatal("no job started")
	}

	stopCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	if err := h.loop.Stop(stopCtx); err != nil {
		t.Fatalf("stop: %v", err)
	}

	waiting, err := h.store.CountJobs(ctx, job.CountOpts{Queue: "q1", Status: job.StatusWaiting})
	if err != nil {
		t.Fatal(err)
	}
	if waiting != 5 {
		t.Errorf("waiting jobs after stop = %d, want 5", waiting)
	}
	if !h.mem.IsEmpty() {
		t.Errorf("memory queue holds %d jobs after stop", h.mem.Len())
	}
	if s := h.loop.Statistics(); s.TotalProcessed != 0 {
		t.Errorf("abandoned job was counted: %+v", s)
	}
}
