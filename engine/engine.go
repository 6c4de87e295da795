// Package engine wires all conveyor subsystems together. It creates the
// extension registry, executor registry, middleware chain and one execution
// loop per configured queue, and provides Register/Enqueue operations.
//
// This package exists to break the import cycle: the root conveyor package
// defines Entity and the sentinel errors (imported by job, group, etc.) and
// so cannot import those packages back. The engine package sits above all
// subsystem packages and below the application layer.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/xraph/conveyor"
	"github.com/xraph/conveyor/archive"
	"github.com/xraph/conveyor/backfill"
	"github.com/xraph/conveyor/backoff"
	"github.com/xraph/conveyor/executor"
	"github.com/xraph/conveyor/ext"
	"github.com/xraph/conveyor/group"
	"github.com/xraph/conveyor/id"
	"github.com/xraph/conveyor/job"
	mw "github.com/xraph/conveyor/middleware"
	"github.com/xraph/conveyor/observability"
	"github.com/xraph/conveyor/queue"
	"github.com/xraph/conveyor/reconcile"
	"github.com/xraph/conveyor/store"
	"github.com/xraph/conveyor/stream"
	"github.com/xraph/conveyor/worker"
)

const instrumentationName = "github.com/xraph/conveyor"

// runtime is the per-queue pipeline: memory working set, backfill stream
// and execution loop.
type runtime struct {
	cfg    queue.Config
	mem    *queue.Memory
	stream *backfill.Stream
	loop   *worker.Loop
}

// Engine owns the queues of one process.
type Engine struct {
	cfg        conveyor.Config
	store      store.Store
	extensions *ext.Registry
	registry   *executor.MapRegistry
	broker     *stream.Broker
	archive    *archive.Service
	reconciler *reconcile.Reconciler
	bo         backoff.Strategy
	mws        []mw.Middleware
	workerID   id.WorkerID
	logger     *slog.Logger

	queueConfigs []queue.Config
	queues       map[string]*runtime
	order        []string

	// OpenTelemetry providers (optional; nil means use global).
	tracerProvider trace.TracerProvider
	meterProvider  metric.MeterProvider

	mu      sync.Mutex
	running bool
}

// Option configures an Engine.
type Option func(*Engine)

// WithConfig replaces the engine-wide configuration.
func WithConfig(cfg conveyor.Config) Option {
	return func(eng *Engine) { eng.cfg = cfg }
}

// WithLogger sets the logger shared by every subsystem.
func WithLogger(l *slog.Logger) Option {
	return func(eng *Engine) { eng.logger = l }
}

// WithQueue adds a queue to run in this process. Without any WithQueue
// option the engine runs job.DefaultQueue with queue.DefaultConfig.
func WithQueue(cfg queue.Config) Option {
	return func(eng *Engine) { eng.queueConfigs = append(eng.queueConfigs, cfg) }
}

// WithExtension registers an extension with the engine.
func WithExtension(e ext.Extension) Option {
	return func(eng *Engine) { eng.extensions.Register(e) }
}

// WithMiddleware adds middleware to the engine's chain. User middleware
// runs inside the built-in recover, tracing, metrics and logging layers.
func WithMiddleware(m mw.Middleware) Option {
	return func(eng *Engine) { eng.mws = append(eng.mws, m) }
}

// WithBackoff sets the retry backoff strategy. If not set, retries are
// immediate.
func WithBackoff(b backoff.Strategy) Option {
	return func(eng *Engine) { eng.bo = b }
}

// WithWorkerID sets the identity recorded on claimed jobs.
func WithWorkerID(w id.WorkerID) Option {
	return func(eng *Engine) { eng.workerID = w }
}

// WithTracerProvider sets a custom OTel TracerProvider for the engine.
// If not set, the global otel.GetTracerProvider() is used.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(eng *Engine) { eng.tracerProvider = tp }
}

// WithMeterProvider sets a custom OTel MeterProvider. Both the metrics
// middleware and the observability extension use it.
// If not set, the global otel.GetMeterProvider() is used.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(eng *Engine) { eng.meterProvider = mp }
}

// New creates an Engine on top of s.
func New(s store.Store, opts ...Option) (*Engine, error) {
	if s == nil {
		return nil, conveyor.ErrNoStore
	}

	eng := &Engine{
		cfg:        conveyor.DefaultConfig(),
		store:      s,
		extensions: ext.NewRegistry(slog.Default()),
		registry:   executor.NewRegistry(),
		bo:         backoff.Default(),
		workerID:   id.NewWorkerID(),
		logger:     slog.Default(),
		queues:     make(map[string]*runtime),
	}

	for _, opt := range opts {
		opt(eng)
	}
	if err := eng.cfg.Validate(); err != nil {
		return nil, err
	}
	if eng.logger == nil {
		eng.logger = slog.Default()
	}

	// Rebuild the registry so it logs through the configured logger and
	// the built-in extensions see every signal before user extensions.
	userExts := eng.extensions.Extensions()
	eng.extensions = ext.NewRegistry(eng.logger)
	eng.extensions.Register(eng.metricsExtension())
	eng.broker = stream.NewBroker(eng.logger)
	eng.extensions.Register(eng.broker)
	for _, e := range userExts {
		eng.extensions.Register(e)
	}

	eng.archive = archive.NewService(s, s, s)

	if len(eng.queueConfigs) == 0 {
		eng.queueConfigs = []queue.Config{queue.DefaultConfig(job.DefaultQueue)}
	}

	chain := eng.middlewareStack()
	for _, qc := range eng.queueConfigs {
		if _, dup := eng.queues[qc.Name]; dup {
			return nil, fmt.Errorf("%w: queue %q configured twice", conveyor.ErrInvalidConfig, qc.Name)
		}
		rt, err := eng.buildQueue(qc, chain)
		if err != nil {
			return nil, err
		}
		eng.queues[qc.Name] = rt
		eng.order = append(eng.order, qc.Name)
	}

	if eng.cfg.ReconcileSchedule != "" {
		r, err := reconcile.New(s, s,
			reconcile.WithLogger(eng.logger),
			reconcile.WithSchedule(eng.cfg.ReconcileSchedule),
			reconcile.WithStaleThreshold(eng.cfg.StaleJobThreshold),
			reconcile.WithEmitter(eng.extensions),
			reconcile.WithNotify(eng.notify),
		)
		if err != nil {
			return nil, err
		}
		eng.reconciler = r
	}

	return eng, nil
}

func (eng *Engine) metricsExtension() *observability.MetricsExtension {
	if eng.meterProvider != nil {
		return observability.NewMetricsExtensionWithMeter(eng.meterProvider.Meter(instrumentationName + "/observability"))
	}
	return observability.NewMetricsExtension()
}

// middlewareStack builds recover → tracing → metrics → logging → user.
func (eng *Engine) middlewareStack() []mw.Middleware {
	tracingMw := mw.Tracing()
	if eng.tracerProvider != nil {
		tracingMw = mw.TracingWithTracer(eng.tracerProvider.Tracer(instrumentationName))
	}

	metricsMw := mw.Metrics()
	if eng.meterProvider != nil {
		metricsMw = mw.MetricsWithMeter(eng.meterProvider.Meter(instrumentationName))
	}

	stack := []mw.Middleware{
		mw.Recover(eng.logger),
		tracingMw,
		metricsMw,
		mw.Logging(eng.logger),
	}
	return append(stack, eng.mws...)
}

func (eng *Engine) buildQueue(qc queue.Config, chain []mw.Middleware) (*runtime, error) {
	if err := qc.Validate(); err != nil {
		return nil, err
	}

	var memOpts []queue.MemoryOption
	if qc.Capacity > 0 {
		memOpts = append(memOpts, queue.WithCapacity(qc.Capacity))
	}
	mem := queue.NewMemory(qc.Watermarks, memOpts...)

	st := backfill.New(qc, eng.store, eng.store, mem,
		backfill.WithWorkerID(eng.workerID),
		backfill.WithExtensions(eng.extensions),
		backfill.WithLogger(eng.logger),
	)

	loop, err := worker.NewLoop(qc, eng.store, eng.registry, mem, st,
		worker.WithLogger(eng.logger),
		worker.WithExtensions(eng.extensions),
		worker.WithGroups(eng.store),
		worker.WithBackoff(eng.bo),
		worker.WithMiddleware(chain...),
		worker.WithWorkerID(eng.workerID),
		worker.WithHeartbeatInterval(eng.cfg.HeartbeatInterval),
	)
	if err != nil {
		return nil, err
	}

	return &runtime{cfg: qc, mem: mem, stream: st, loop: loop}, nil
}

// ──────────────────────────────────────────────────
// Registration & enqueue
// ──────────────────────────────────────────────────

// Register registers a typed executor definition with the engine.
func Register[T any](eng *Engine, def *executor.Definition[T]) {
	executor.RegisterDefinition(eng.registry, def)
}

// RegisterExecutor registers an untyped executor.
func (eng *Engine) RegisterExecutor(e executor.Executor) {
	eng.registry.Register(e)
}

// Enqueue JSON-encodes payload and enqueues a job for the named executor.
func Enqueue[T any](ctx context.Context, eng *Engine, executorName string, payload T, opts ...job.Option) (*job.Job, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload for executor %q: %w", executorName, err)
	}
	return eng.EnqueueRaw(ctx, executorName, data, opts...)
}

// EnqueueRaw enqueues a job with a pre-serialized payload. Jobs may target
// queues that another process runs; local loops are woken immediately.
func (eng *Engine) EnqueueRaw(ctx context.Context, executorName string, payload []byte, opts ...job.Option) (*job.Job, error) {
	if executorName == "" {
		return nil, fmt.Errorf("%w: empty executor name", conveyor.ErrInvalidConfig)
	}

	j := job.New(executorName, payload, opts...)
	if j.MaxAttempts <= 0 {
		j.MaxAttempts = eng.cfg.DefaultMaxAttempts
	}

	if err := eng.store.EnqueueJob(ctx, j); err != nil {
		return nil, err
	}

	if j.GroupID != "" {
		if err := eng.store.IncrementTotal(ctx, j.Queue, j.GroupID, 1); err != nil {
			// The job is already durable; ReconcileGroup heals the total.
			eng.logger.Warn("group total not updated",
				slog.String("job_id", j.ID.String()),
				slog.String("group_id", j.GroupID),
				slog.String("error", err.Error()),
			)
		}
	}

	eng.extensions.EmitJobEnqueued(ctx, j)
	eng.notify(j.Queue)
	return j, nil
}

// notify wakes the local loop of queue, if any.
func (eng *Engine) notify(queue string) {
	if rt, ok := eng.queues[queue]; ok {
		rt.loop.Notify()
	}
}

// GetJob returns a job, active or archived.
func (eng *Engine) GetJob(ctx context.Context, jobID id.JobID) (*job.Job, error) {
	return eng.store.GetJob(ctx, jobID)
}

// ──────────────────────────────────────────────────
// Lifecycle
// ──────────────────────────────────────────────────

// Start launches every queue loop and the reconciler.
func (eng *Engine) Start(ctx context.Context) error {
	eng.mu.Lock()
	defer eng.mu.Unlock()

	if eng.running {
		return nil
	}

	for i, name := range eng.order {
		if err := eng.queues[name].loop.Start(ctx); err != nil {
			eng.stopLoops(ctx, eng.order[:i])
			return fmt.Errorf("start queue %q: %w", name, err)
		}
	}

	if eng.reconciler != nil {
		if err := eng.reconciler.Start(ctx); err != nil {
			eng.stopLoops(ctx, eng.order)
			return fmt.Errorf("start reconciler: %w", err)
		}
	}

	eng.running = true
	eng.logger.Info("conveyor engine started",
		slog.String("worker_id", eng.workerID.String()),
		slog.Any("queues", eng.order),
	)
	return nil
}

// Stop gracefully shuts down the engine. Queues stop in parallel; each
// waits for in-flight jobs until ctx is done (or ShutdownTimeout when ctx
// has no deadline) and then releases what is left back to waiting.
func (eng *Engine) Stop(ctx context.Context) error {
	eng.mu.Lock()
	if !eng.running {
		eng.mu.Unlock()
		return nil
	}
	eng.running = false
	eng.mu.Unlock()

	if _, ok := ctx.Deadline(); !ok && eng.cfg.ShutdownTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, eng.cfg.ShutdownTimeout)
		defer cancel()
	}

	var errs []error
	if eng.reconciler != nil {
		if err := eng.reconciler.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stop reconciler: %w", err))
		}
	}

	var g errgroup.Group
	for _, name := range eng.order {
		loop := eng.queues[name].loop
		g.Go(func() error {
			if err := loop.Stop(ctx); err != nil {
				return fmt.Errorf("stop queue %q: %w", loop.Queue(), err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		errs = append(errs, err)
	}

	eng.extensions.EmitShutdown(ctx)
	eng.logger.Info("conveyor engine stopped", slog.String("worker_id", eng.workerID.String()))
	return errors.Join(errs...)
}

func (eng *Engine) stopLoops(ctx context.Context, names []string) {
	for _, name := range names {
		if err := eng.queues[name].loop.Stop(ctx); err != nil {
			eng.logger.Error("queue stop error", slog.String("queue", name), slog.String("error", err.Error()))
		}
	}
}

// ──────────────────────────────────────────────────
// Queue control
// ──────────────────────────────────────────────────

func (eng *Engine) queue(name string) (*runtime, error) {
	rt, ok := eng.queues[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", conveyor.ErrQueueNotFound, name)
	}
	return rt, nil
}

// PauseQueue stops dispatching on a local queue. In-flight jobs keep
// running.
func (eng *Engine) PauseQueue(name string) error {
	rt, err := eng.queue(name)
	if err != nil {
		return err
	}
	rt.loop.Pause()
	return nil
}

// ResumeQueue resumes dispatching on a local queue.
func (eng *Engine) ResumeQueue(name string) error {
	rt, err := eng.queue(name)
	if err != nil {
		return err
	}
	rt.loop.Resume()
	return nil
}

// TriggerBatchLoad asks a local queue's backfill stream to load now. It
// fails with ErrNotRunning while the engine is stopped, since claimed jobs
// would sit in a memory queue nobody drains.
func (eng *Engine) TriggerBatchLoad(ctx context.Context, name string) (int, error) {
	rt, err := eng.queue(name)
	if err != nil {
		return 0, err
	}

	eng.mu.Lock()
	running := eng.running
	eng.mu.Unlock()
	if !running {
		return 0, fmt.Errorf("%w: trigger load on %q", conveyor.ErrNotRunning, name)
	}

	return rt.stream.TriggerBatchLoad(ctx, backfill.ReasonEmptyQueue)
}

// Statistics returns the execution statistics of a local queue.
func (eng *Engine) Statistics(name string) (worker.Statistics, error) {
	rt, err := eng.queue(name)
	if err != nil {
		return worker.Statistics{}, err
	}
	return rt.loop.Statistics(), nil
}

// AllStatistics returns the statistics of every local queue in
// configuration order.
func (eng *Engine) AllStatistics() []worker.Statistics {
	out := make([]worker.Statistics, 0, len(eng.order))
	for _, name := range eng.order {
		out = append(out, eng.queues[name].loop.Statistics())
	}
	return out
}

// Queues returns the names of the local queues.
func (eng *Engine) Queues() []string {
	return append([]string(nil), eng.order...)
}

// ──────────────────────────────────────────────────
// Groups
// ──────────────────────────────────────────────────

// CreateGroup creates an active group in queue.
func (eng *Engine) CreateGroup(ctx context.Context, queue, groupID string) (*group.Group, error) {
	if groupID == "" {
		return nil, fmt.Errorf("%w: empty group id", conveyor.ErrInvalidConfig)
	}
	g := group.New(queue, groupID)
	if err := eng.store.CreateGroup(ctx, g); err != nil {
		return nil, err
	}
	return g, nil
}

// GetGroup returns a group.
func (eng *Engine) GetGroup(ctx context.Context, queue, groupID string) (*group.Group, error) {
	return eng.store.GetGroup(ctx, queue, groupID)
}

// ListGroups returns the groups of queue. Empty means all queues.
func (eng *Engine) ListGroups(ctx context.Context, queue string) ([]*group.Group, error) {
	return eng.store.ListGroups(ctx, queue)
}

// PauseGroup holds back the group's waiting jobs. Jobs already executing
// finish normally.
func (eng *Engine) PauseGroup(ctx context.Context, queue, groupID string) error {
	if err := eng.store.SetGroupStatus(ctx, queue, groupID, group.StatusPaused); err != nil {
		return err
	}
	eng.logger.Info("group paused", slog.String("queue", queue), slog.String("group_id", groupID))
	return nil
}

// ResumeGroup makes the group's jobs claimable again and wakes the local
// loop.
func (eng *Engine) ResumeGroup(ctx context.Context, queue, groupID string) error {
	if err := eng.store.SetGroupStatus(ctx, queue, groupID, group.StatusActive); err != nil {
		return err
	}
	eng.logger.Info("group resumed", slog.String("queue", queue), slog.String("group_id", groupID))
	eng.notify(queue)
	return nil
}

// ReconcileGroup re-derives a group's counters from the store.
func (eng *Engine) ReconcileGroup(ctx context.Context, queue, groupID string) (*group.Group, error) {
	return eng.store.ReconcileGroup(ctx, queue, groupID)
}

// ──────────────────────────────────────────────────
// Archive
// ──────────────────────────────────────────────────

// ReplayFailure re-enqueues an archived failure as a fresh job and wakes
// the local loop.
func (eng *Engine) ReplayFailure(ctx context.Context, jobID id.JobID) (*job.Job, error) {
	j, err := eng.archive.Replay(ctx, jobID)
	if j != nil {
		eng.extensions.EmitJobEnqueued(ctx, j)
		eng.notify(j.Queue)
	}
	return j, err
}

// Reconcile runs one stale-reaping and group-reconciliation pass now.
func (eng *Engine) Reconcile(ctx context.Context) (reconcile.Report, error) {
	if eng.reconciler == nil {
		r, err := reconcile.New(eng.store, eng.store,
			reconcile.WithLogger(eng.logger),
			reconcile.WithStaleThreshold(eng.cfg.StaleJobThreshold),
			reconcile.WithEmitter(eng.extensions),
			reconcile.WithNotify(eng.notify),
		)
		if err != nil {
			return reconcile.Report{}, err
		}
		return r.RunOnce(ctx)
	}
	return eng.reconciler.RunOnce(ctx)
}

// ──────────────────────────────────────────────────
// Accessors
// ──────────────────────────────────────────────────

// Config returns the engine-wide configuration.
func (eng *Engine) Config() conveyor.Config { return eng.cfg }

// Store returns the backing store.
func (eng *Engine) Store() store.Store { return eng.store }

// Extensions returns the extension registry.
func (eng *Engine) Extensions() *ext.Registry { return eng.extensions }

// Registry returns the executor registry.
func (eng *Engine) Registry() *executor.MapRegistry { return eng.registry }

// Broker returns the topic broker fed by every lifecycle signal.
func (eng *Engine) Broker() *stream.Broker { return eng.broker }

// Archive returns the archive service.
func (eng *Engine) Archive() *archive.Service { return eng.archive }

// WorkerID returns the identity recorded on jobs claimed by this engine.
func (eng *Engine) WorkerID() id.WorkerID { return eng.workerID }
