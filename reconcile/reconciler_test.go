package reconcile_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/xraph/conveyor"
	"github.com/xraph/conveyor/group"
	"github.com/xraph/conveyor/id"
	"github.com/xraph/conveyor/job"
	"github.com/xraph/conveyor/reconcile"
	"github.com/xraph/conveyor/store/memory"
)

type failureSpy struct {
	mu   sync.Mutex
	jobs []id.JobID
}

func (s *failureSpy) EmitJobFailed(_ context.Context, j *job.Job, _ error) {
	s.mu.Lock()
	s.jobs = append(s.jobs, j.ID)
	s.mu.Unlock()
}

func (s *failureSpy) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.jobs)
}

// orphan enqueues a job and leaves it executing with a heartbeat age ago.
func orphan(t *testing.T, s *memory.Store, maxAttempts int, age time.Duration, opts ...job.Option) *job.Job {
	t.Helper()
	ctx := context.Background()

	opts = append(opts, job.WithMaxAttempts(maxAttempts))
	j := job.New("send-email", []byte(`{}`), opts...)
	if err := s.EnqueueJob(ctx, j); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}
	claimed, err := s.ClaimWaiting(ctx, job.ClaimOpts{Queue: j.Queue, Limit: 1, WorkerID: id.NewWorkerID()})
	if err != nil || len(claimed) != 1 {
		t.Fatalf("ClaimWaiting = %d, %v", len(claimed), err)
	}
	started := time.Now().Add(-age)
	if err := s.UpdateStatus(ctx, j.ID, job.StatusExecuting, job.StatusUpdate{
		Expect:            job.StatusExecuting,
		IncrementAttempts: true,
		StartedAt:         &started,
	}); err != nil {
		t.Fatalf("UpdateStatus: %v", err)
	}
	return j
}

func TestNewRejectsBadSchedule(t *testing.T) {
	_, err := reconcile.New(memory.New(), memory.New(), reconcile.WithSchedule("every tuesday"))
	if !errors.Is(err, conveyor.ErrInvalidConfig) {
		t.Fatalf("err = %v, want ErrInvalidConfig", err)
	}
}

func TestReapStaleRequeuesRetryableJob(t *testing.T) {
	s := memory.New()
	j := orphan(t, s, 3, time.Hour)

	var notified []string
	r, err := reconcile.New(s, s,
		reconcile.WithStaleThreshold(time.Minute),
		reconcile.WithNotify(func(q string) { notified = append(notified, q) }),
	)
	if err != nil {
		t.Fatal(err)
	}

	requeued, failed, err := r.ReapStale(context.Background())
	if err != nil {
		t.Fatalf("ReapStale: %v", err)
	}
	if requeued != 1 || failed != 0 {
		t.Fatalf("requeued=%d failed=%d, want 1/0", requeued, failed)
	}

	got, err := s.GetJob(context.Background(), j.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != job.StatusWaiting {
		t.Errorf("status = %q, want waiting", got.Status)
	}
	if got.Attempts != 1 {
		t.Errorf("attempts = %d, want 1 (kept across reaping)", got.Attempts)
	}
	if !got.WorkerID.IsNil() {
		t.Errorf("worker id = %s, want cleared", got.WorkerID)
	}
	if len(notified) != 1 || notified[0] != job.DefaultQueue {
		t.Errorf("notified = %v, want [%s]", notified, job.DefaultQueue)
	}
}

func TestReapStaleFailsExhaustedJob(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	if err := s.CreateGroup(ctx, group.New(job.DefaultQueue, "batch-1")); err != nil {
		t.Fatal(err)
	}
	if err := s.IncrementTotal(ctx, job.DefaultQueue, "batch-1", 1); err != nil {
		t.Fatal(err)
	}
	j := orphan(t, s, 1, time.Hour, job.WithGroup("batch-1"))

	spy := &failureSpy{}
	r, err := reconcile.New(s, s, reconcile.WithStaleThreshold(time.Minute), reconcile.WithEmitter(spy))
	if err != nil {
		t.Fatal(err)
	}

	requeued, failed, err := r.ReapStale(ctx)
	if err != nil {
		t.Fatalf("ReapStale: %v", err)
	}
	if requeued != 0 || failed != 1 {
		t.Fatalf("requeued=%d failed=%d, want 0/1", requeued, failed)
	}

	rec, err := s.GetFailure(ctx, j.ID)
	if err != nil {
		t.Fatalf("GetFailure: %v", err)
	}
	if rec.Attempts != 1 {
		t.Errorf("archived attempts = %d, want 1", rec.Attempts)
	}
	if spy.count() != 1 {
		t.Errorf("failure events = %d, want 1", spy.count())
	}

	g, err := s.GetGroup(ctx, job.DefaultQueue, "batch-1")
	if err != nil {
		t.Fatal(err)
	}
	if g.FailedJobs != 1 {
		t.Errorf("group failed = %d, want 1", g.FailedJobs)
	}
}

func TestReapStaleIgnoresFreshJobs(t *testing.T) {
	s := memory.New()
	orphan(t, s, 3, time.Second)

	r, err := reconcile.New(s, s, reconcile.WithStaleThreshold(time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	requeued, failed, err := r.ReapStale(context.Background())
	if err != nil || requeued != 0 || failed != 0 {
		t.Fatalf("ReapStale = %d, %d, %v; want nothing reaped", requeued, failed, err)
	}
}

func TestReapStaleDisabled(t *testing.T) {
	s := memory.New()
	orphan(t, s, 3, time.Hour)

	r, err := reconcile.New(s, s, reconcile.WithStaleThreshold(0))
	if err != nil {
		t.Fatal(err)
	}
	requeued, _, err := r.ReapStale(context.Background())
	if err != nil || requeued != 0 {
		t.Fatalf("ReapStale = %d, %v; want disabled", requeued, err)
	}
}

func TestReconcileGroupsRepairsCounters(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	if err := s.CreateGroup(ctx, group.New("q1", "g1")); err != nil {
		t.Fatal(err)
	}
	// Counters drift: the totals were never incremented.
	for range 2 {
		if err := s.EnqueueJob(ctx, job.New("noop", nil, job.WithQueue("q1"), job.WithGroup("g1"))); err != nil {
			t.Fatal(err)
		}
	}

	r, err := reconcile.New(s, s)
	if err != nil {
		t.Fatal(err)
	}
	n, err := r.ReconcileGroups(ctx)
	if err != nil {
		t.Fatalf("ReconcileGroups: %v", err)
	}
	if n != 1 {
		t.Errorf("reconciled = %d, want 1", n)
	}

	g, err := s.GetGroup(ctx, "q1", "g1")
	if err != nil {
		t.Fatal(err)
	}
	if g.TotalJobs != 2 {
		t.Errorf("total = %d, want 2", g.TotalJobs)
	}
}

func TestRunOnceReport(t *testing.T) {
	s := memory.New()
	orphan(t, s, 2, time.Hour)
	orphan(t, s, 1, time.Hour)

	r, err := reconcile.New(s, s, reconcile.WithStaleThreshold(time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	rep, err := r.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if rep.Requeued != 1 || rep.Failed != 1 {
		t.Errorf("report = %+v, want 1 requeued and 1 failed", rep)
	}
	if rep.FinishedAt.Before(rep.StartedAt) {
		t.Error("FinishedAt before StartedAt")
	}
}

func TestScheduledRun(t *testing.T) {
	s := memory.New()
	j := orphan(t, s, 3, time.Hour)

	r, err := reconcile.New(s, s,
		reconcile.WithSchedule("@every 1s"),
		reconcile.WithStaleThreshold(time.Minute),
	)
	if err != nil {
		t.Fatal(err)
	}
	if err := r.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := r.Stop(ctx); err != nil {
			t.Errorf("Stop: %v", err)
		}
	}()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		got, err := s.GetJob(context.Background(), j.ID)
		if err != nil {
			t.Fatal(err)
		}
		if got.Status == job.StatusWaiting {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatal("scheduled run did not requeue the stale job")
}
