package engine_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/xraph/conveyor"
	"github.com/xraph/conveyor/archive"
	"github.com/xraph/conveyor/engine"
	"github.com/xraph/conveyor/executor"
	"github.com/xraph/conveyor/group"
	"github.com/xraph/conveyor/job"
	"github.com/xraph/conveyor/queue"
	"github.com/xraph/conveyor/store/memory"
	"github.com/xraph/conveyor/stream"
)

type emailPayload struct {
	To      string `json:"to"`
	Subject string `json:"subject"`
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testQueue(name string) queue.Config {
	cfg := queue.DefaultConfig(name)
	cfg.PollInterval = 0
	return cfg
}

func newEngine(t *testing.T, opts ...engine.Option) (*engine.Engine, *memory.Store) {
	t.Helper()
	s := memory.New()
	base := []engine.Option{engine.WithLogger(discardLogger())}
	eng, err := engine.New(s, append(base, opts...)...)
	if err != nil {
		t.Fatalf("engine.New: %v", err)
	}
	return eng, s
}

func startEngine(t *testing.T, eng *engine.Engine) {
	t.Helper()
	if err := eng.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = eng.Stop(ctx)
	})
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func jobStatus(t *testing.T, eng *engine.Engine, j *job.Job) job.Status {
	t.Helper()
	got, err := eng.GetJob(context.Background(), j.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	return got.Status
}

func TestNew_RequiresStore(t *testing.T) {
	if _, err := engine.New(nil); !errors.Is(err, conveyor.ErrNoStore) {
		t.Fatalf("err = %v, want ErrNoStore", err)
	}
}

func TestNew_RejectsDuplicateQueue(t *testing.T) {
	_, err := engine.New(memory.New(),
		engine.WithQueue(testQueue("q1")),
		engine.WithQueue(testQueue("q1")),
	)
	if !errors.Is(err, conveyor.ErrInvalidConfig) {
		t.Fatalf("err = %v, want ErrInvalidConfig", err)
	}
}

func TestNew_RejectsInvalidConfig(t *testing.T) {
	cfg := conveyor.DefaultConfig()
	cfg.DefaultMaxAttempts = 0
	if _, err := engine.New(memory.New(), engine.WithConfig(cfg)); !errors.Is(err, conveyor.ErrInvalidConfig) {
		t.Fatalf("err = %v, want ErrInvalidConfig", err)
	}

	bad := testQueue("q1")
	bad.BatchSize = 0
	if _, err := engine.New(memory.New(), engine.WithQueue(bad)); !errors.Is(err, conveyor.ErrInvalidConfig) {
		t.Fatalf("queue err = %v, want ErrInvalidConfig", err)
	}
}

func TestNew_DefaultQueue(t *testing.T) {
	eng, _ := newEngine(t)
	qs := eng.Queues()
	if len(qs) != 1 || qs[0] != job.DefaultQueue {
		t.Fatalf("Queues() = %v, want [%s]", qs, job.DefaultQueue)
	}
}

func TestEngine_RegisterEnqueueProcess(t *testing.T) {
	eng, _ := newEngine(t, engine.WithQueue(testQueue("emails")))

	got := make(chan emailPayload, 1)
	engine.Register(eng, executor.NewDefinition("send-email", func(_ context.Context, p emailPayload) error {
		got <- p
		return nil
	}))
	startEngine(t, eng)

	j, err := engine.Enqueue(context.Background(), eng, "send-email",
		emailPayload{To: "user@example.com", Subject: "hi"}, job.WithQueue("emails"))
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if j.MaxAttempts != 1 {
		t.Errorf("MaxAttempts = %d, want engine default 1", j.MaxAttempts)
	}

	select {
	case p := <-got:
		if p.To != "user@example.com" || p.Subject != "hi" {
			t.Errorf("payload = %+v", p)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("executor never ran")
	}

	waitFor(t, "success", func() bool { return jobStatus(t, eng, j) == job.StatusSuccess })

	stats, err := eng.Statistics("emails")
	if err != nil {
		t.Fatal(err)
	}
	if stats.TotalSuccessful != 1 || stats.TotalProcessed != 1 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestEngine_EnqueueRawValidation(t *testing.T) {
	eng, _ := newEngine(t)
	if _, err := eng.EnqueueRaw(context.Background(), "", nil); !errors.Is(err, conveyor.ErrInvalidConfig) {
		t.Fatalf("err = %v, want ErrInvalidConfig", err)
	}
}

func TestEngine_EnqueueToRemoteQueue(t *testing.T) {
	eng, s := newEngine(t, engine.WithQueue(testQueue("local")))
	j, err := eng.EnqueueRaw(context.Background(), "noop", nil, job.WithQueue("elsewhere"))
	if err != nil {
		t.Fatalf("EnqueueRaw: %v", err)
	}
	n, err := s.CountJobs(context.Background(), job.CountOpts{Queue: "elsewhere"})
	if err != nil || n != 1 {
		t.Fatalf("CountJobs = %d, %v", n, err)
	}
	if j.Status != job.StatusWaiting {
		t.Errorf("status = %q, want waiting", j.Status)
	}
}

func TestEngine_DefaultMaxAttemptsAppliesRetries(t *testing.T) {
	cfg := conveyor.DefaultConfig()
	cfg.DefaultMaxAttempts = 3
	eng, _ := newEngine(t, engine.WithConfig(cfg), engine.WithQueue(testQueue("q1")))

	var calls atomic.Int32
	eng.RegisterExecutor(executor.NewFunc("flaky", func(context.Context, *job.Job) (executor.Result, error) {
		if calls.Add(1) < 3 {
			return executor.Result{}, errors.New("boom")
		}
		return executor.Result{}, nil
	}))
	startEngine(t, eng)

	j, err := eng.EnqueueRaw(context.Background(), "flaky", nil, job.WithQueue("q1"))
	if err != nil {
		t.Fatal(err)
	}
	waitFor(t, "success after retries", func() bool { return jobStatus(t, eng, j) == job.StatusSuccess })

	stats, _ := eng.Statistics("q1")
	if stats.TotalRetried != 2 {
		t.Errorf("TotalRetried = %d, want 2", stats.TotalRetried)
	}
}

func TestEngine_QueueControlUnknownQueue(t *testing.T) {
	eng, _ := newEngine(t)
	if err := eng.PauseQueue("nope"); !errors.Is(err, conveyor.ErrQueueNotFound) {
		t.Errorf("PauseQueue err = %v", err)
	}
	if err := eng.ResumeQueue("nope"); !errors.Is(err, conveyor.ErrQueueNotFound) {
		t.Errorf("ResumeQueue err = %v", err)
	}
	if _, err := eng.Statistics("nope"); !errors.Is(err, conveyor.ErrQueueNotFound) {
		t.Errorf("Statistics err = %v", err)
	}
	if _, err := eng.TriggerBatchLoad(context.Background(), "nope"); !errors.Is(err, conveyor.ErrQueueNotFound) {
		t.Errorf("TriggerBatchLoad err = %v", err)
	}
}

func TestEngine_TriggerBatchLoadRequiresRunning(t *testing.T) {
	ctx := context.Background()
	eng, s := newEngine(t, engine.WithQueue(testQueue("q1")))

	j, err := eng.EnqueueRaw(ctx, "noop", nil, job.WithQueue("q1"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := eng.TriggerBatchLoad(ctx, "q1"); !errors.Is(err, conveyor.ErrNotRunning) {
		t.Fatalf("TriggerBatchLoad before Start: err = %v, want ErrNotRunning", err)
	}
	got, err := s.GetJob(ctx, j.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != job.StatusWaiting {
		t.Errorf("status = %q, want waiting", got.Status)
	}

	startEngine(t, eng)
	if _, err := eng.TriggerBatchLoad(ctx, "q1"); err != nil {
		t.Errorf("TriggerBatchLoad while running: %v", err)
	}
}

func TestEngine_PauseResumeQueue(t *testing.T) {
	eng, _ := newEngine(t, engine.WithQueue(testQueue("q1")))
	eng.RegisterExecutor(executor.NewFunc("noop", func(context.Context, *job.Job) (executor.Result, error) {
		return executor.Result{}, nil
	}))
	startEngine(t, eng)

	if err := eng.PauseQueue("q1"); err != nil {
		t.Fatal(err)
	}
	j, err := eng.EnqueueRaw(context.Background(), "noop", nil, job.WithQueue("q1"))
	if err != nil {
		t.Fatal(err)
	}

	time.Sleep(100 * time.Millisecond)
	if st := jobStatus(t, eng, j); st.IsTerminal() {
		t.Fatalf("paused queue ran job: status %q", st)
	}
	if stats, _ := eng.Statistics("q1"); !stats.IsPaused {
		t.Error("IsPaused = false")
	}

	if err := eng.ResumeQueue("q1"); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "job after resume", func() bool { return jobStatus(t, eng, j) == job.StatusSuccess })
}

func TestEngine_GroupLifecycle(t *testing.T) {
	ctx := context.Background()
	eng, _ := newEngine(t, engine.WithQueue(testQueue("q1")))
	eng.RegisterExecutor(executor.NewFunc("noop", func(context.Context, *job.Job) (executor.Result, error) {
		return executor.Result{}, nil
	}))

	if _, err := eng.CreateGroup(ctx, "q1", "batch"); err != nil {
		t.Fatalf("CreateGroup: %v", err)
	}
	if _, err := eng.CreateGroup(ctx, "q1", "batch"); !errors.Is(err, conveyor.ErrGroupAlreadyExists) {
		t.Fatalf("duplicate CreateGroup err = %v", err)
	}
	if err := eng.PauseGroup(ctx, "q1", "batch"); err != nil {
		t.Fatalf("PauseGroup: %v", err)
	}
	startEngine(t, eng)

	held, err := eng.EnqueueRaw(ctx, "noop", nil, job.WithQueue("q1"), job.WithGroup("batch"))
	if err != nil {
		t.Fatal(err)
	}
	free, err := eng.EnqueueRaw(ctx, "noop", nil, job.WithQueue("q1"))
	if err != nil {
		t.Fatal(err)
	}

	waitFor(t, "ungrouped job", func() bool { return jobStatus(t, eng, free) == job.StatusSuccess })
	if st := jobStatus(t, eng, held); st != job.StatusWaiting {
		t.Fatalf("paused group job status = %q, want waiting", st)
	}

	if err := eng.ResumeGroup(ctx, "q1", "batch"); err != nil {
		t.Fatalf("ResumeGroup: %v", err)
	}
	waitFor(t, "grouped job after resume", func() bool { return jobStatus(t, eng, held) == job.StatusSuccess })

	g, err := eng.GetGroup(ctx, "q1", "batch")
	if err != nil {
		t.Fatal(err)
	}
	if g.Status != group.StatusActive || g.TotalJobs != 1 || g.CompletedJobs != 1 {
		t.Errorf("group = %+v", g)
	}
	if !g.Done() {
		t.Error("group should be done")
	}

	groups, err := eng.ListGroups(ctx, "q1")
	if err != nil || len(groups) != 1 {
		t.Fatalf("ListGroups = %d, %v", len(groups), err)
	}

	fixed, err := eng.ReconcileGroup(ctx, "q1", "batch")
	if err != nil {
		t.Fatal(err)
	}
	if fixed.CompletedJobs != 1 || fixed.TotalJobs != 1 {
		t.Errorf("reconciled = %+v", fixed)
	}
}

func TestEngine_ReplayFailure(t *testing.T) {
	ctx := context.Background()
	eng, _ := newEngine(t, engine.WithQueue(testQueue("q1")))

	var fail atomic.Bool
	fail.Store(true)
	eng.RegisterExecutor(executor.NewFunc("report", func(context.Context, *job.Job) (executor.Result, error) {
		if fail.Load() {
			return executor.Result{}, errors.New("upstream down")
		}
		return executor.Result{}, nil
	}))
	startEngine(t, eng)

	j, err := eng.EnqueueRaw(ctx, "report", []byte(`{"id":7}`), job.WithQueue("q1"))
	if err != nil {
		t.Fatal(err)
	}
	waitFor(t, "failure", func() bool { return jobStatus(t, eng, j) == job.StatusFailed })

	failures, err := eng.Archive().Store().ListFailures(ctx, archive.ListOpts{Queue: "q1"})
	if err != nil || len(failures) != 1 {
		t.Fatalf("ListFailures = %d, %v", len(failures), err)
	}
	if failures[0].Error == "" {
		t.Error("failure record has no error")
	}

	fail.Store(false)
	replayed, err := eng.ReplayFailure(ctx, j.ID)
	if err != nil {
		t.Fatalf("ReplayFailure: %v", err)
	}
	if replayed.ID.String() == j.ID.String() {
		t.Error("replay reused the job id")
	}
	if string(replayed.Payload) != `{"id":7}` {
		t.Errorf("payload = %s", replayed.Payload)
	}
	waitFor(t, "replayed job", func() bool { return jobStatus(t, eng, replayed) == job.StatusSuccess })
}

func TestEngine_BrokerReceivesLifecycle(t *testing.T) {
	eng, _ := newEngine(t, engine.WithQueue(testQueue("q1")))
	eng.RegisterExecutor(executor.NewFunc("noop", func(context.Context, *job.Job) (executor.Result, error) {
		return executor.Result{Output: []byte(`"ok"`)}, nil
	}))

	sub := eng.Broker().Subscribe("test", stream.QueueTopic("q1"))
	startEngine(t, eng)

	if _, err := eng.EnqueueRaw(context.Background(), "noop", nil, job.WithQueue("q1")); err != nil {
		t.Fatal(err)
	}

	seen := make(map[stream.EventType]bool)
	deadline := time.After(3 * time.Second)
	for !seen[stream.EventJobCompleted] {
		select {
		case evt := <-sub.C():
			seen[evt.Type] = true
		case <-deadline:
			t.Fatalf("no job:completed event; saw %v", seen)
		}
	}
	for _, want := range []stream.EventType{stream.EventJobEnqueued, stream.EventJobsAdded, stream.EventJobStarted} {
		if !seen[want] {
			t.Errorf("missing %s event", want)
		}
	}
}

func TestEngine_MeterProvider(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))

	eng, _ := newEngine(t, engine.WithMeterProvider(mp), engine.WithQueue(testQueue("q1")))
	eng.RegisterExecutor(executor.NewFunc("noop", func(context.Context, *job.Job) (executor.Result, error) {
		return executor.Result{}, nil
	}))
	startEngine(t, eng)

	j, err := eng.EnqueueRaw(context.Background(), "noop", nil, job.WithQueue("q1"))
	if err != nil {
		t.Fatal(err)
	}
	waitFor(t, "success", func() bool { return jobStatus(t, eng, j) == job.StatusSuccess })

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatal(err)
	}
	names := make(map[string]bool)
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			names[m.Name] = true
		}
	}
	for _, want := range []string{"conveyor.job.completed", "conveyor.job.duration"} {
		if !names[want] {
			t.Errorf("metric %q not recorded; got %v", want, names)
		}
	}
}

func TestEngine_StopReleasesClaimedJobs(t *testing.T) {
	cfg := testQueue("q1")
	eng, s := newEngine(t, engine.WithQueue(cfg))

	release := make(chan struct{})
	eng.RegisterExecutor(executor.NewFunc("block", func(ctx context.Context, _ *job.Job) (executor.Result, error) {
		select {
		case <-release:
		case <-ctx.Done():
		}
		return executor.Result{}, ctx.Err()
	}))
	defer close(release)

	for range 3 {
		if _, err := eng.EnqueueRaw(context.Background(), "block", nil, job.WithQueue("q1"), job.WithMaxAttempts(2)); err != nil {
			t.Fatal(err)
		}
	}
	if err := eng.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "one active job", func() bool {
		st, _ := eng.Statistics("q1")
		return st.ActiveJobsCount == 1
	})

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if err := eng.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	n, err := s.CountJobs(context.Background(), job.CountOpts{Queue: "q1", Status: job.StatusWaiting})
	if err != nil {
		t.Fatal(err)
	}
	if n != 3 {
		t.Errorf("waiting after stop = %d, want 3", n)
	}
	if err := eng.Stop(context.Background()); err != nil {
		t.Errorf("second Stop: %v", err)
	}
}

func TestEngine_ReconcileRequeuesStaleJobs(t *testing.T) {
	ctx := context.Background()
	cfg := conveyor.DefaultConfig()
	cfg.ReconcileSchedule = ""
	cfg.StaleJobThreshold = time.Minute
	eng, s := newEngine(t, engine.WithConfig(cfg), engine.WithQueue(testQueue("q1")))

	j, err := eng.EnqueueRaw(ctx, "noop", nil, job.WithQueue("q1"), job.WithMaxAttempts(2))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.ClaimWaiting(ctx, job.ClaimOpts{Queue: "q1", Limit: 1}); err != nil {
		t.Fatal(err)
	}
	old := time.Now().Add(-time.Hour)
	if err := s.UpdateStatus(ctx, j.ID, job.StatusExecuting, job.StatusUpdate{
		Expect:            job.StatusExecuting,
		IncrementAttempts: true,
		StartedAt:         &old,
	}); err != nil {
		t.Fatal(err)
	}

	rep, err := eng.Reconcile(ctx)
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if rep.Requeued != 1 {
		t.Errorf("requeued = %d, want 1", rep.Requeued)
	}
	if st := jobStatus(t, eng, j); st != job.StatusWaiting {
		t.Errorf("status = %q, want waiting", st)
	}
}
