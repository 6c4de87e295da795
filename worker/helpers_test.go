package worker_test

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/xraph/conveyor/archive"
	"github.com/xraph/conveyor/backfill"
	"github.com/xraph/conveyor/executor"
	"github.com/xraph/conveyor/ext"
	"github.com/xraph/conveyor/id"
	"github.com/xraph/conveyor/job"
	"github.com/xraph/conveyor/queue"
	"github.com/xraph/conveyor/store/memory"
	"github.com/xraph/conveyor/worker"
)

type harness struct {
	store    *memory.Store
	registry *executor.MapRegistry
	mem      *queue.Memory
	stream   *backfill.Stream
	loop     *worker.Loop
	rec      *recorder
	cfg      queue.Config
}

func testConfig() queue.Config {
	cfg := queue.DefaultConfig("q1")
	cfg.PollInterval = 0
	return cfg
}

func newHarness(t *testing.T, cfg queue.Config, opts ...worker.Option) *harness {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s := memory.New()
	reg := executor.NewRegistry()
	rec := &recorder{}
	exts := ext.NewRegistry(logger)
	exts.Register(rec)

	workerID := id.NewWorkerID()
	mem := queue.NewMemory(cfg.Watermarks, queue.WithCapacity(cfg.Capacity))
	stream := backfill.New(cfg, s, s, mem,
		backfill.WithWorkerID(workerID),
		backfill.WithExtensions(exts),
		backfill.WithLogger(logger),
	)

	base := []worker.Option{
		worker.WithLogger(logger),
		worker.WithExtensions(exts),
		worker.WithGroups(s),
		worker.WithWorkerID(workerID),
	}
	loop, err := worker.NewLoop(cfg, s, reg, mem, stream, append(base, opts...)...)
	if err != nil {
		t.Fatalf("NewLoop: %v", err)
	}

	h := &harness{store: s, registry: reg, mem: mem, stream: stream, loop: loop, rec: rec, cfg: cfg}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = loop.Stop(ctx)
	})
	return h
}

func (h *harness) start(t *testing.T) {
	t.Helper()
	if err := h.loop.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
}

func (h *harness) enqueue(t *testing.T, executorName string, opts ...job.Option) *job.Job {
	t.Helper()
	j := job.New(executorName, nil, append([]job.Option{job.WithQueue(h.cfg.Name)}, opts...)...)
	if err := h.store.EnqueueJob(context.Background(), j); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}
	return j
}

func (h *harness) register(name string, fn func(ctx context.Context, j *job.Job) (executor.Result, error), opts ...executor.Option) {
	h.registry.Register(executor.NewFunc(name, fn, opts...))
}

func (h *harness) success(t *testing.T, jobID id.JobID) *archive.Success {
	t.Helper()
	list, err := h.store.ListSuccesses(context.Background(), archive.ListOpts{Queue: h.cfg.Name})
	if err != nil {
		t.Fatalf("ListSuccesses: %v", err)
	}
	for _, s := range list {
		if s.JobID.String() == jobID.String() {
			return s
		}
	}
	return nil
}

func (h *harness) failure(t *testing.T, jobID id.JobID) *archive.Failure {
	t.Helper()
	f, err := h.store.GetFailure(context.Background(), jobID)
	if err != nil {
		return nil
	}
	return f
}

func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func succeed(_ context.Context, _ *job.Job) (executor.Result, error) {
	return executor.Result{}, nil
}

// recorder counts lifecycle signals.
type recorder struct {
	started   atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
	retrying  atomic.Int64
	timeouts  atomic.Int64
	added     atomic.Int64

	mu      sync.Mutex
	lengths []int
}

func (r *recorder) Name() string { return "recorder" }

func (r *recorder) OnJobStarted(context.Context, *job.Job) error {
	r.started.Add(1)
	return nil
}

func (r *recorder) OnJobCompleted(context.Context, *job.Job, executor.Result, time.Duration) error {
	r.completed.Add(1)
	return nil
}

func (r *recorder) OnJobFailed(context.Context, *job.Job, error) error {
	r.failed.Add(1)
	return nil
}

func (r *recorder) OnJobRetrying(context.Context, *job.Job, int, time.Time) error {
	r.retrying.Add(1)
	return nil
}

func (r *recorder) OnJobTimeout(context.Context, *job.Job, time.Duration) error {
	r.timeouts.Add(1)
	return nil
}

func (r *recorder) OnJobsAdded(_ context.Context, _ string, jobs []*job.Job) error {
	r.added.Add(int64(len(jobs)))
	return nil
}

func (r *recorder) OnQueueLengthChanged(_ context.Context, _ string, n int) error {
	r.mu.Lock()
	r.lengths = append(r.lengths, n)
	r.mu.Unlock()
	return nil
}

func (r *recorder) lengthEvents() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.lengths)
}

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
