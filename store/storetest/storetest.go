// Package storetest is a conformance suite run against every store.Store
// backend.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/xraph/conveyor"
	"github.com/xraph/conveyor/archive"
	"github.com/xraph/conveyor/group"
	"github.com/xraph/conveyor/id"
	"github.com/xraph/conveyor/job"
	"github.com/xraph/conveyor/store"
)

// Factory returns an empty, migrated store for a single test.
type Factory func(t *testing.T) store.Store

// Run executes the full suite.
func Run(t *testing.T, newStore Factory) {
	t.Helper()

	tests := []struct {
		name string
		fn   func(t *testing.T, s store.Store)
	}{
		{"EnqueueAndGet", testEnqueueAndGet},
		{"ClaimOrder", testClaimOrder},
		{"ClaimFilters", testClaimFilters},
		{"ConcurrentClaims", testConcurrentClaims},
		{"UpdateStatusGuard", testUpdateStatusGuard},
		{"WorkerOwnershipGuard", testWorkerOwnershipGuard},
		{"EnqueueRaisesZeroMaxAttempts", testEnqueueRaisesZeroMaxAttempts},
		{"RetryReleasesJob", testRetryReleasesJob},
		{"MoveToSuccess", testMoveToSuccess},
		{"MarkAsFailed", testMarkAsFailed},
		{"StaleJobs", testStaleJobs},
		{"ListAndCount", testListAndCount},
		{"Groups", testGroups},
		{"ReconcileGroup", testReconcileGroup},
		{"Archive", testArchive},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.fn(t, newStore(t))
		})
	}
}

// NewJob returns a waiting job created offset after a fixed base time so
// claim order is deterministic across backends.
func NewJob(queue string, priority int, offset time.Duration) *job.Job {
	j := job.New("test-executor", []byte(`{"test":true}`),
		job.WithQueue(queue),
		job.WithPriority(priority),
		job.WithMaxAttempts(3),
	)
	base := time.Now().UTC().Add(-time.Hour).Truncate(time.Millisecond)
	j.CreatedAt = base.Add(offset)
	j.UpdatedAt = j.CreatedAt
	j.RunAt = j.CreatedAt
	return j
}

func mustEnqueue(t *testing.T, s store.Store, jobs ...*job.Job) {
	t.Helper()
	for _, j := range jobs {
		if err := s.EnqueueJob(context.Background(), j); err != nil {
			t.Fatalf("EnqueueJob(%s): %v", j.ID, err)
		}
	}
}

func mustClaim(t *testing.T, s store.Store, queue string, limit int) []*job.Job {
	t.Helper()
	claimed, err := s.ClaimWaiting(context.Background(), job.ClaimOpts{
		Queue:    queue,
		Limit:    limit,
		WorkerID: id.NewWorkerID(),
	})
	if err != nil {
		t.Fatalf("ClaimWaiting: %v", err)
	}
	return claimed
}

func start(t *testing.T, s store.Store, j *job.Job, at time.Time) {
	t.Helper()
	err := s.UpdateStatus(context.Background(), j.ID, job.StatusExecuting, job.StatusUpdate{
		Expect:            job.StatusExecuting,
		IncrementAttempts: true,
		StartedAt:         &at,
	})
	if err != nil {
		t.Fatalf("start %s: %v", j.ID, err)
	}
	j.Attempts++
}

// ──────────────────────────────────────────────────
// Job Store
// ──────────────────────────────────────────────────

func testEnqueueAndGet(t *testing.T, s store.Store) {
	ctx := context.Background()
	j := NewJob("default", 0, 0)
	j.GroupID = "g1"
	mustEnqueue(t, s, j)

	got, err := s.GetJob(ctx, j.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if got.ID.String() != j.ID.String() {
		t.Errorf("ID = %s, want %s", got.ID, j.ID)
	}
	if got.Status != job.StatusWaiting {
		t.Errorf("Status = %q, want waiting", got.Status)
	}
	if got.ExecutorName != "test-executor" || got.GroupID != "g1" || got.MaxAttempts != 3 {
		t.Errorf("fields not persisted: %+v", got)
	}
	if string(got.Payload) != `{"test":true}` {
		t.Errorf("Payload = %q", got.Payload)
	}

	if err := s.EnqueueJob(ctx, j); !errors.Is(err, conveyor.ErrJobAlreadyExists) {
		t.Errorf("duplicate enqueue: got %v, want ErrJobAlreadyExists", err)
	}

	if _, err := s.GetJob(ctx, id.NewJobID()); !errors.Is(err, conveyor.ErrJobNotFound) {
		t.Errorf("missing job: got %v, want ErrJobNotFound", err)
	}
}

func testClaimOrder(t *testing.T, s store.Store) {
	low := NewJob("q", 0, 0)
	high := NewJob("q", 10, 2*time.Second)
	midOld := NewJob("q", 5, time.Second)
	midNew := NewJob("q", 5, 3*time.Second)
	mustEnqueue(t, s, low, high, midOld, midNew)

	claimed := mustClaim(t, s, "q", 3)
	want := []*job.Job{high, midOld, midNew}
	if len(claimed) != len(want) {
		t.Fatalf("claimed %d jobs, want %d", len(claimed), len(want))
	}
	for i, w := range want {
		if claimed[i].ID.String() != w.ID.String() {
			t.Errorf("claimed[%d] = %s (prio %d), want %s", i, claimed[i].ID, claimed[i].Priority, w.ID)
		}
		if claimed[i].Status != job.StatusExecuting {
			t.Errorf("claimed[%d].Status = %q, want executing", i, claimed[i].Status)
		}
	}

	rest := mustClaim(t, s, "q", 10)
	if len(rest) != 1 || rest[0].ID.String() != low.ID.String() {
		t.Fatalf("second claim = %v, want only the low priority job", rest)
	}

	if again := mustClaim(t, s, "q", 10); len(again) != 0 {
		t.Errorf("claimed %d jobs from a drained queue", len(again))
	}
}

func testClaimFilters(t *testing.T, s store.Store) {
	ready := NewJob("q", 0, 0)
	other := NewJob("other", 0, 0)
	future := NewJob("q", 0, time.Second)
	future.RunAt = time.Now().Add(time.Hour).UTC()
	paused := NewJob("q", 0, 2*time.Second)
	paused.GroupID = "paused"
	mustEnqueue(t, s, ready, other, future, paused)

	claimed, err := s.ClaimWaiting(context.Background(), job.ClaimOpts{
		Queue:         "q",
		Limit:         10,
		ExcludeGroups: []string{"paused"},
	})
	if err != nil {
		t.Fatalf("ClaimWaiting: %v", err)
	}
	if len(claimed) != 1 || claimed[0].ID.String() != ready.ID.String() {
		t.Fatalf("claimed %v, want only the ready job", claimed)
	}

	got, err := s.GetJob(context.Background(), paused.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != job.StatusWaiting {
		t.Errorf("paused group job status = %q, want waiting", got.Status)
	}

	if none := mustClaim(t, s, "q", 0); len(none) != 0 {
		t.Errorf("zero limit claimed %d jobs", len(none))
	}
}

func testConcurrentClaims(t *testing.T, s store.Store) {
	const total = 60
	for i := range total {
		mustEnqueue(t, s, NewJob("q", 0, time.Duration(i)*time.Millisecond))
	}

	var (
		mu   sync.Mutex
		seen = make(map[string]int)
		wg   sync.WaitGroup
		errs = make(chan error, 10)
	)
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				claimed, err := s.ClaimWaiting(context.Background(), job.ClaimOpts{Queue: "q", Limit: 4})
				if err != nil {
					errs <- err
					return
				}
				if len(claimed) == 0 {
					return
				}
				mu.Lock()
				for _, j := range claimed {
					seen[j.ID.String()]++
				}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("concurrent claim: %v", err)
	}

	if len(seen) != total {
		t.Errorf("claimed %d distinct jobs, want %d", len(seen), total)
	}
	for jobID, n := range seen {
		if n != 1 {
			t.Errorf("job %s claimed %d times", jobID, n)
		}
	}
}

func testUpdateStatusGuard(t *testing.T, s store.Store) {
	ctx := context.Background()
	j := NewJob("q", 0, 0)
	mustEnqueue(t, s, j)

	err := s.UpdateStatus(ctx, j.ID, job.StatusExecuting, job.StatusUpdate{Expect: job.StatusExecuting})
	if !errors.Is(err, conveyor.ErrStaleTransition) {
		t.Fatalf("guard on waiting job: got %v, want ErrStaleTransition", err)
	}

	claimed := mustClaim(t, s, "q", 1)
	if len(claimed) != 1 {
		t.Fatalf("claimed %d jobs", len(claimed))
	}
	startedAt := time.Now().UTC().Truncate(time.Millisecond)
	start(t, s, claimed[0], startedAt)

	got, err := s.GetJob(ctx, j.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Attempts != 1 {
		t.Errorf("Attempts = %d, want 1", got.Attempts)
	}
	if got.StartedAt == nil || got.StartedAt.Sub(startedAt).Abs() > time.Millisecond {
		t.Errorf("StartedAt = %v, want %v", got.StartedAt, startedAt)
	}

	err = s.UpdateStatus(ctx, id.NewJobID(), job.StatusWaiting, job.StatusUpdate{Expect: job.StatusExecuting})
	if !errors.Is(err, conveyor.ErrJobNotFound) {
		t.Errorf("missing job: got %v, want ErrJobNotFound", err)
	}
}

func claimAs(t *testing.T, s store.Store, queue string, worker id.WorkerID) *job.Job {
	t.Helper()
	claimed, err := s.ClaimWaiting(context.Background(), job.ClaimOpts{Queue: queue, Limit: 1, WorkerID: worker})
	if err != nil {
		t.Fatalf("ClaimWaiting: %v", err)
	}
	if len(claimed) != 1 {
		t.Fatalf("claimed %d jobs, want 1", len(claimed))
	}
	return claimed[0]
}

// A worker whose job was requeued and reclaimed by another worker must not
// be able to settle it.
func testWorkerOwnershipGuard(t *testing.T, s store.Store) {
	ctx := context.Background()
	j := NewJob("q", 0, 0)
	mustEnqueue(t, s, j)

	first, second := id.NewWorkerID(), id.NewWorkerID()
	held := claimAs(t, s, "q", first)
	if held.WorkerID.String() != first.String() {
		t.Fatalf("claimed WorkerID = %s, want %s", held.WorkerID, first)
	}

	// Requeued by someone other than the holder, as a reaper would.
	err := s.UpdateStatus(ctx, j.ID, job.StatusWaiting, job.StatusUpdate{
		Expect:       job.StatusExecuting,
		ExpectWorker: first,
	})
	if err != nil {
		t.Fatalf("requeue: %v", err)
	}
	taken := claimAs(t, s, "q", second)

	msg := "late retry"
	err = s.UpdateStatus(ctx, j.ID, job.StatusWaiting, job.StatusUpdate{
		Expect:       job.StatusExecuting,
		ExpectWorker: first,
		LastError:    &msg,
	})
	if !errors.Is(err, conveyor.ErrStaleTransition) {
		t.Errorf("UpdateStatus by previous holder: got %v, want ErrStaleTransition", err)
	}
	if err := s.MoveToSuccess(ctx, held, time.Millisecond); !errors.Is(err, conveyor.ErrStaleTransition) {
		t.Errorf("MoveToSuccess by previous holder: got %v, want ErrStaleTransition", err)
	}
	if err := s.MarkAsFailed(ctx, held, errors.New("late")); !errors.Is(err, conveyor.ErrStaleTransition) {
		t.Errorf("MarkAsFailed by previous holder: got %v, want ErrStaleTransition", err)
	}

	got, err := s.GetJob(ctx, j.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != job.StatusExecuting || got.WorkerID.String() != second.String() || got.LastError != "" {
		t.Errorf("job = status %q worker %s error %q, want executing by %s", got.Status, got.WorkerID, got.LastError, second)
	}

	if err := s.MoveToSuccess(ctx, taken, time.Millisecond); err != nil {
		t.Errorf("MoveToSuccess by current holder: %v", err)
	}
}

func testEnqueueRaisesZeroMaxAttempts(t *testing.T, s store.Store) {
	ctx := context.Background()
	j := NewJob("q", 0, 0)
	j.MaxAttempts = 0
	mustEnqueue(t, s, j)

	got, err := s.GetJob(ctx, j.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.MaxAttempts != 1 {
		t.Fatalf("MaxAttempts = %d, want 1", got.MaxAttempts)
	}

	claimed := mustClaim(t, s, "q", 1)
	start(t, s, claimed[0], time.Now())
	got, err = s.GetJob(ctx, j.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.CanRetry() {
		t.Errorf("job with %d/%d attempts reports it can retry", got.Attempts, got.MaxAttempts)
	}
}

func testRetryReleasesJob(t *testing.T, s store.Store) {
	ctx := context.Background()
	j := NewJob("q", 0, 0)
	mustEnqueue(t, s, j)
	claimed := mustClaim(t, s, "q", 1)
	start(t, s, claimed[0], time.Now())

	msg := "boom"
	runAt := time.Now().Add(time.Hour).UTC()
	err := s.UpdateStatus(ctx, j.ID, job.StatusWaiting, job.StatusUpdate{
		Expect:    job.StatusExecuting,
		LastError: &msg,
		RunAt:     &runAt,
	})
	if err != nil {
		t.Fatalf("retry: %v", err)
	}

	got, err := s.GetJob(ctx, j.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != job.StatusWaiting || got.LastError != "boom" || got.Attempts != 1 {
		t.Errorf("retried job = status %q error %q attempts %d", got.Status, got.LastError, got.Attempts)
	}
	if got.StartedAt != nil || !got.WorkerID.IsNil() {
		t.Errorf("retried job kept its claim: started %v worker %s", got.StartedAt, got.WorkerID)
	}

	if again := mustClaim(t, s, "q", 1); len(again) != 0 {
		t.Errorf("claimed a job before its run at")
	}
}

func testMoveToSuccess(t *testing.T, s store.Store) {
	ctx := context.Background()
	j := NewJob("q", 0, 0)
	mustEnqueue(t, s, j)
	claimed := mustClaim(t, s, "q", 1)
	start(t, s, claimed[0], time.Now())

	if err := s.MoveToSuccess(ctx, claimed[0], 150*time.Millisecond); err != nil {
		t.Fatalf("MoveToSuccess: %v", err)
	}

	got, err := s.GetJob(ctx, j.ID)
	if err != nil {
		t.Fatalf("GetJob after success: %v", err)
	}
	if got.Status != job.StatusSuccess || got.CompletedAt == nil {
		t.Errorf("archived job = status %q completed %v", got.Status, got.CompletedAt)
	}

	if err := s.MoveToSuccess(ctx, claimed[0], time.Millisecond); !errors.Is(err, conveyor.ErrStaleTransition) {
		t.Errorf("second MoveToSuccess: got %v, want ErrStaleTransition", err)
	}
	if err := s.MarkAsFailed(ctx, claimed[0], errors.New("late")); !errors.Is(err, conveyor.ErrStaleTransition) {
		t.Errorf("MarkAsFailed after success: got %v, want ErrStaleTransition", err)
	}

	n, err := s.CountJobs(ctx, job.CountOpts{Queue: "q"})
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Errorf("active count = %d, want 0", n)
	}

	succ, err := s.ListSuccesses(ctx, archive.ListOpts{Queue: "q"})
	if err != nil {
		t.Fatal(err)
	}
	if len(succ) != 1 || succ[0].ExecutionTime != 150*time.Millisecond || succ[0].Attempts != 1 {
		t.Errorf("success archive = %+v", succ)
	}
}

func testMarkAsFailed(t *testing.T, s store.Store) {
	ctx := context.Background()
	j := NewJob("q", 0, 0)
	mustEnqueue(t, s, j)

	if err := s.MarkAsFailed(ctx, j, errors.New("early")); !errors.Is(err, conveyor.ErrStaleTransition) {
		t.Fatalf("MarkAsFailed on waiting job: got %v, want ErrStaleTransition", err)
	}

	claimed := mustClaim(t, s, "q", 1)
	start(t, s, claimed[0], time.Now())

	if err := s.MarkAsFailed(ctx, claimed[0], errors.New("smtp timeout")); err != nil {
		t.Fatalf("MarkAsFailed: %v", err)
	}

	got, err := s.GetJob(ctx, j.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != job.StatusFailed || got.LastError != "smtp timeout" {
		t.Errorf("failed job = status %q error %q", got.Status, got.LastError)
	}

	rec, err := s.GetFailure(ctx, j.ID)
	if err != nil {
		t.Fatalf("GetFailure: %v", err)
	}
	if rec.Error != "smtp timeout" || rec.ExecutorName != "test-executor" {
		t.Errorf("failure record = %+v", rec)
	}
}

func testStaleJobs(t *testing.T, s store.Store) {
	ctx := context.Background()
	old := NewJob("q", 1, 0)
	fresh := NewJob("q", 0, time.Second)
	mustEnqueue(t, s, old, fresh)
	claimed := mustClaim(t, s, "q", 2)
	if len(claimed) != 2 {
		t.Fatalf("claimed %d", len(claimed))
	}
	start(t, s, claimed[0], time.Now().Add(-10*time.Minute))
	start(t, s, claimed[1], time.Now())

	stale, err := s.FindStaleJobs(ctx, time.Minute)
	if err != nil {
		t.Fatalf("FindStaleJobs: %v", err)
	}
	if len(stale) != 1 || stale[0].ID.String() != old.ID.String() {
		t.Fatalf("stale = %v, want only the old job", stale)
	}

	if err := s.HeartbeatJob(ctx, old.ID, claimed[0].WorkerID); err != nil {
		t.Fatalf("HeartbeatJob: %v", err)
	}
	stale, err = s.FindStaleJobs(ctx, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if len(stale) != 0 {
		t.Errorf("heartbeat did not refresh: %d stale", len(stale))
	}
}

func testListAndCount(t *testing.T, s store.Store) {
	ctx := context.Background()
	for i := range 5 {
		j := NewJob("a", 0, time.Duration(i)*time.Second)
		if i%2 == 0 {
			j.GroupID = "even"
		}
		mustEnqueue(t, s, j)
	}
	mustEnqueue(t, s, NewJob("b", 0, 0))
	mustClaim(t, s, "a", 2)

	tests := []struct {
		opts job.CountOpts
		want int64
	}{
		{job.CountOpts{}, 6},
		{job.CountOpts{Queue: "a"}, 5},
		{job.CountOpts{Queue: "a", Status: job.StatusExecuting}, 2},
		{job.CountOpts{Queue: "a", Status: job.StatusWaiting}, 3},
		{job.CountOpts{Queue: "b"}, 1},
	}
	for _, tt := range tests {
		got, err := s.CountJobs(ctx, tt.opts)
		if err != nil {
			t.Fatalf("CountJobs(%+v): %v", tt.opts, err)
		}
		if got != tt.want {
			t.Errorf("CountJobs(%+v) = %d, want %d", tt.opts, got, tt.want)
		}
	}

	even, err := s.ListJobs(ctx, job.ListOpts{Queue: "a", GroupID: "even"})
	if err != nil {
		t.Fatal(err)
	}
	if len(even) != 3 {
		t.Errorf("ListJobs(group even) = %d, want 3", len(even))
	}

	page, err := s.ListJobs(ctx, job.ListOpts{Queue: "a", Limit: 2, Offset: 1})
	if err != nil {
		t.Fatal(err)
	}
	if len(page) != 2 {
		t.Errorf("ListJobs page = %d, want 2", len(page))
	}
}

// ──────────────────────────────────────────────────
// Group Store
// ──────────────────────────────────────────────────

func testGroups(t *testing.T, s store.Store) {
	ctx := context.Background()

	if err := s.CreateGroup(ctx, group.New("q", "g1")); err != nil {
		t.Fatalf("CreateGroup: %v", err)
	}
	if err := s.CreateGroup(ctx, group.New("q", "g1")); !errors.Is(err, conveyor.ErrGroupAlreadyExists) {
		t.Errorf("duplicate group: got %v, want ErrGroupAlreadyExists", err)
	}
	if _, err := s.GetGroup(ctx, "q", "missing"); !errors.Is(err, conveyor.ErrGroupNotFound) {
		t.Errorf("missing group: got %v, want ErrGroupNotFound", err)
	}

	// IncrementTotal creates unknown groups.
	if err := s.IncrementTotal(ctx, "q", "g2", 4); err != nil {
		t.Fatalf("IncrementTotal: %v", err)
	}
	if err := s.IncrementTotal(ctx, "q", "g1", 3); err != nil {
		t.Fatal(err)
	}
	if err := s.IncrementCompleted(ctx, "q", "g1"); err != nil {
		t.Fatal(err)
	}
	if err := s.IncrementCompleted(ctx, "q", "g1"); err != nil {
		t.Fatal(err)
	}
	if err := s.IncrementFailed(ctx, "q", "g1"); err != nil {
		t.Fatal(err)
	}

	g1, err := s.GetGroup(ctx, "q", "g1")
	if err != nil {
		t.Fatal(err)
	}
	if g1.TotalJobs != 3 || g1.CompletedJobs != 2 || g1.FailedJobs != 1 || !g1.Done() {
		t.Errorf("g1 counters = %d/%d/%d", g1.TotalJobs, g1.CompletedJobs, g1.FailedJobs)
	}

	if err := s.SetGroupStatus(ctx, "q", "g2", group.StatusPaused); err != nil {
		t.Fatalf("SetGroupStatus: %v", err)
	}
	paused, err := s.GetPausedGroupIDs(ctx, "q")
	if err != nil {
		t.Fatal(err)
	}
	if len(paused) != 1 || paused[0] != "g2" {
		t.Errorf("paused = %v, want [g2]", paused)
	}
	if other, _ := s.GetPausedGroupIDs(ctx, "other"); len(other) != 0 {
		t.Errorf("paused groups leaked across queues: %v", other)
	}

	groups, err := s.ListGroups(ctx, "q")
	if err != nil {
		t.Fatal(err)
	}
	if len(groups) != 2 {
		t.Errorf("ListGroups = %d, want 2", len(groups))
	}

	if err := s.IncrementFailed(ctx, "q", "missing"); !errors.Is(err, conveyor.ErrGroupNotFound) {
		t.Errorf("increment missing group: got %v, want ErrGroupNotFound", err)
	}
}

func testReconcileGroup(t *testing.T, s store.Store) {
	ctx := context.Background()
	if err := s.IncrementTotal(ctx, "q", "g", 99); err != nil {
		t.Fatal(err)
	}

	var jobs []*job.Job
	for i := range 4 {
		j := NewJob("q", 0, time.Duration(i)*time.Second)
		j.GroupID = "g"
		jobs = append(jobs, j)
	}
	mustEnqueue(t, s, jobs...)

	claimed := mustClaim(t, s, "q", 3)
	for _, c := range claimed {
		start(t, s, c, time.Now())
	}
	if err := s.MoveToSuccess(ctx, claimed[0], time.Millisecond); err != nil {
		t.Fatal(err)
	}
	if err := s.MoveToSuccess(ctx, claimed[1], time.Millisecond); err != nil {
		t.Fatal(err)
	}
	if err := s.MarkAsFailed(ctx, claimed[2], errors.New("x")); err != nil {
		t.Fatal(err)
	}

	g, err := s.ReconcileGroup(ctx, "q", "g")
	if err != nil {
		t.Fatalf("ReconcileGroup: %v", err)
	}
	if g.TotalJobs != 4 || g.CompletedJobs != 2 || g.FailedJobs != 1 {
		t.Errorf("reconciled = %d/%d/%d, want 4/2/1", g.TotalJobs, g.CompletedJobs, g.FailedJobs)
	}

	stored, err := s.GetGroup(ctx, "q", "g")
	if err != nil {
		t.Fatal(err)
	}
	if stored.TotalJobs != 4 {
		t.Errorf("stored total = %d, want 4", stored.TotalJobs)
	}
}

// ──────────────────────────────────────────────────
// Archive Store
// ──────────────────────────────────────────────────

func testArchive(t *testing.T, s store.Store) {
	ctx := context.Background()
	for i := range 3 {
		j := NewJob("q", 0, time.Duration(i)*time.Second)
		j.GroupID = fmt.Sprintf("g%d", i%2)
		mustEnqueue(t, s, j)
	}
	claimed := mustClaim(t, s, "q", 3)
	for _, c := range claimed {
		start(t, s, c, time.Now())
	}
	if err := s.MoveToSuccess(ctx, claimed[0], time.Second); err != nil {
		t.Fatal(err)
	}
	if err := s.MarkAsFailed(ctx, claimed[1], errors.New("one")); err != nil {
		t.Fatal(err)
	}
	if err := s.MarkAsFailed(ctx, claimed[2], errors.New("two")); err != nil {
		t.Fatal(err)
	}

	if n, _ := s.CountSuccesses(ctx, archive.ListOpts{Queue: "q"}); n != 1 {
		t.Errorf("CountSuccesses = %d, want 1", n)
	}
	if n, _ := s.CountFailures(ctx, archive.ListOpts{Queue: "q"}); n != 2 {
		t.Errorf("CountFailures = %d, want 2", n)
	}
	if n, _ := s.CountFailures(ctx, archive.ListOpts{Queue: "q", GroupID: "g0"}); n != 1 {
		t.Errorf("CountFailures(g0) = %d, want 1", n)
	}

	failures, err := s.ListFailures(ctx, archive.ListOpts{Queue: "q", Limit: 1})
	if err != nil {
		t.Fatal(err)
	}
	if len(failures) != 1 {
		t.Fatalf("ListFailures limit 1 = %d", len(failures))
	}

	if err := s.MarkReplayed(ctx, claimed[1].ID); err != nil {
		t.Fatalf("MarkReplayed: %v", err)
	}
	rec, err := s.GetFailure(ctx, claimed[1].ID)
	if err != nil {
		t.Fatal(err)
	}
	if rec.ReplayedAt == nil {
		t.Error("expected ReplayedAt to be set")
	}
	if _, err := s.GetFailure(ctx, claimed[0].ID); !errors.Is(err, conveyor.ErrArchiveNotFound) {
		t.Errorf("GetFailure on success: got %v, want ErrArchiveNotFound", err)
	}

	if n, err := s.PurgeArchive(ctx, time.Now().Add(-time.Hour)); err != nil || n != 0 {
		t.Errorf("PurgeArchive(past) = %d, %v; want 0", n, err)
	}
	n, err := s.PurgeArchive(ctx, time.Now().Add(time.Minute))
	if err != nil {
		t.Fatalf("PurgeArchive: %v", err)
	}
	if n != 3 {
		t.Errorf("PurgeArchive = %d, want 3", n)
	}
}
