package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/xraph/conveyor/backfill"
	"github.com/xraph/conveyor/backoff"
	"github.com/xraph/conveyor/executor"
	"github.com/xraph/conveyor/ext"
	"github.com/xraph/conveyor/group"
	"github.com/xraph/conveyor/id"
	"github.com/xraph/conveyor/job"
	"github.com/xraph/conveyor/middleware"
	"github.com/xraph/conveyor/queue"
)

// Loop dispatches the jobs of one queue to their executors.
type Loop struct {
	cfg      queue.Config
	limit    int
	mem      *queue.Memory
	stream   *backfill.Stream
	jobs     job.Store
	groups   group.Store
	registry executor.Registry
	exts     *ext.Registry
	backoff  backoff.Strategy
	mws      []middleware.Middleware
	mw       middleware.Middleware
	pacer    *queue.Pacer
	workerID id.WorkerID
	logger   *slog.Logger

	heartbeatInterval time.Duration

	// wake is signalled by anything that may make new work claimable.
	wake chan struct{}
	// freed is signalled when an execution settles and a slot opens.
	freed chan struct{}

	mu       sync.Mutex
	running  bool
	stopping bool
	paused   bool
	active   map[string]*execution
	stats    counters

	// ctx outlives Stop's caller so settlement writes can finish.
	// runCtx is cancelled as soon as Stop is called.
	ctx       context.Context
	cancel    context.CancelFunc
	runCtx    context.Context
	runCancel context.CancelFunc

	stopCh   chan struct{}
	done     chan struct{}
	inflight sync.WaitGroup
	loads    sync.WaitGroup
	bg       sync.WaitGroup
	watch    *queue.Watcher
	events   *queue.Watcher
}

// Option configures a Loop.
type Option func(*Loop)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(lp *Loop) { lp.logger = l }
}

// WithExtensions sets the lifecycle hook registry.
func WithExtensions(r *ext.Registry) Option {
	return func(lp *Loop) { lp.exts = r }
}

// WithGroups enables paused-group checks and group outcome counters.
func WithGroups(g group.Store) Option {
	return func(lp *Loop) { lp.groups = g }
}

// WithBackoff sets the delay applied before a failed job is claimable again.
func WithBackoff(s backoff.Strategy) Option {
	return func(lp *Loop) { lp.backoff = s }
}

// WithMiddleware appends middleware around every executor call.
func WithMiddleware(mws ...middleware.Middleware) Option {
	return func(lp *Loop) { lp.mws = append(lp.mws, mws...) }
}

// WithWorkerID sets the identity recorded on started jobs and heartbeats.
func WithWorkerID(w id.WorkerID) Option {
	return func(lp *Loop) { lp.workerID = w }
}

// WithHeartbeatInterval sets how often owned jobs are heartbeated. Zero
// disables heartbeats.
func WithHeartbeatInterval(d time.Duration) Option {
	return func(lp *Loop) { lp.heartbeatInterval = d }
}

// NewLoop creates a Loop for cfg. mem and stream must belong to the same
// queue.
func NewLoop(
	cfg queue.Config,
	jobs job.Store,
	registry executor.Registry,
	mem *queue.Memory,
	stream *backfill.Stream,
	opts ...Option,
) (*Loop, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if jobs == nil || registry == nil || mem == nil || stream == nil {
		return nil, fmt.Errorf("worker: queue %q: store, registry, memory queue and stream are required", cfg.Name)
	}

	l := &Loop{
		cfg:      cfg,
		limit:    cfg.EffectiveConcurrency(),
		mem:      mem,
		stream:   stream,
		jobs:     jobs,
		registry: registry,
		backoff:  backoff.Default(),
		pacer:    queue.NewPacer(cfg.TaskInterval),
		workerID: id.NewWorkerID(),
		logger:   slog.Default(),
		wake:     make(chan struct{}, 1),
		freed:    make(chan struct{}, 1),
		active:   make(map[string]*execution),
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.exts == nil {
		l.exts = ext.NewRegistry(l.logger)
	}
	l.mw = middleware.Chain(l.mws...)
	return l, nil
}

// Queue returns the queue name.
func (l *Loop) Queue() string { return l.cfg.Name }

// WorkerID returns the loop's worker identity.
func (l *Loop) WorkerID() id.WorkerID { return l.workerID }

// Start launches the coordinator. It returns immediately; dispatching
// begins once the memory queue or the backfill stream reports work.
func (l *Loop) Start(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.running {
		return nil
	}
	l.running = true
	l.stopping = false
	l.ctx, l.cancel = context.WithCancel(context.WithoutCancel(ctx))
	l.runCtx, l.runCancel = context.WithCancel(l.ctx)
	l.stopCh = make(chan struct{})
	l.done = make(chan struct{})
	l.watch = l.mem.Watch()
	l.events = l.mem.Watch()

	l.logger.Info("execution loop starting",
		slog.String("queue", l.cfg.Name),
		slog.String("worker_id", l.workerID.String()),
		slog.Bool("parallel", l.cfg.ParallelEnabled),
		slog.Int("concurrency", l.limit),
	)

	go l.run()

	l.bg.Add(1)
	go l.forwardLength(l.events)

	if l.heartbeatInterval > 0 {
		l.bg.Add(1)
		go l.heartbeatLoop()
	}
	return nil
}

// Stop stops dispatching and waits for in-flight jobs until ctx is done.
// Executions still running at the deadline are cancelled and released
// back to waiting, as are claimed jobs that were never dispatched.
func (l *Loop) Stop(ctx context.Context) error {
	l.mu.Lock()
	if !l.running {
		l.mu.Unlock()
		return nil
	}
	l.running = false
	close(l.stopCh)
	l.runCancel()
	l.mu.Unlock()

	l.logger.Info("execution loop stopping", slog.String("queue", l.cfg.Name))

	<-l.done

	inflight := make(chan struct{})
	go func() {
		l.inflight.Wait()
		close(inflight)
	}()

	select {
	case <-inflight:
	case <-ctx.Done():
		l.logger.Warn("execution loop shutdown timed out, releasing active jobs",
			slog.String("queue", l.cfg.Name),
		)
		l.abandonActive()
		<-inflight
	}

	l.mu.Lock()
	l.stopping = true
	l.mu.Unlock()
	l.loads.Wait()

	if drained := l.mem.Drain(); len(drained) > 0 {
		l.stream.Release(l.ctx, drained)
	}

	l.cancel()
	l.watch.Close()
	l.events.Close()
	l.bg.Wait()

	l.logger.Info("execution loop stopped", slog.String("queue", l.cfg.Name))
	return nil
}

// Pause stops dispatching new jobs. In-flight jobs keep running.
func (l *Loop) Pause() {
	l.mu.Lock()
	l.paused = true
	l.mu.Unlock()
	l.logger.Info("execution loop paused", slog.String("queue", l.cfg.Name))
}

// Resume continues dispatching after Pause.
func (l *Loop) Resume() {
	l.mu.Lock()
	l.paused = false
	l.mu.Unlock()
	l.logger.Info("execution loop resumed", slog.String("queue", l.cfg.Name))
	l.Notify()
}

// Notify wakes an idle loop so it checks the store for new work. It never
// blocks; notifications that arrive while one is pending are merged.
func (l *Loop) Notify() {
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

func (l *Loop) isPaused() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.paused
}

func (l *Loop) slots() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.limit - len(l.active)
}

// run is the coordinator. It owns dequeueing from the memory queue.
func (l *Loop) run() {
	defer close(l.done)

	var poll <-chan time.Time
	if l.cfg.PollInterval > 0 {
		t := time.NewTicker(l.cfg.PollInterval)
		defer t.Stop()
		poll = t.C
	}

	// Exactly one load before the first dispatch. loaded is true while the
	// last empty_queue load came back empty; only then does the loop park
	// until something signals work.
	loaded := true
	switch {
	case l.mem.Len() < l.mem.Watermarks().Low:
		l.load(backfill.ReasonLowWatermark)
	case l.mem.IsEmpty():
		l.load(backfill.ReasonEmptyQueue)
	}

	for {
		select {
		case <-l.stopCh:
			return
		default:
		}

		if l.isPaused() {
			select {
			case <-l.stopCh:
				return
			case <-l.wake:
				loaded = false
			}
			continue
		}

		free := l.slots()
		if free <= 0 {
			select {
			case <-l.stopCh:
				return
			case <-l.freed:
			case <-l.wake:
				loaded = false
			}
			continue
		}

		batch := l.mem.DequeueBatch(min(free, l.cfg.BatchSize))
		if len(batch) > 0 {
			l.dispatchBatch(batch)
			loaded = false
			continue
		}

		if !loaded {
			if l.load(backfill.ReasonEmptyQueue) > 0 {
				continue
			}
			loaded = true
		}

		select {
		case <-l.stopCh:
			return
		case <-l.wake:
			loaded = false
		case <-poll:
			loaded = true
			l.load(backfill.ReasonPoll)
		case _, ok := <-l.watch.C:
			if !ok {
				return
			}
		case <-l.freed:
		}
	}
}

// dispatchBatch starts batch in order, pacing successive dispatches.
// Jobs left undispatched by a stop go back to the memory queue so Stop
// can release them.
func (l *Loop) dispatchBatch(batch []*job.Job) {
	for i, j := range batch {
		if err := l.pace(); err != nil {
			if _, requeueErr := l.mem.EnqueueBatch(batch[i:]); requeueErr != nil {
				l.stream.Release(l.ctx, batch[i:])
			}
			return
		}
		l.dispatch(j)
	}
}

func (l *Loop) pace() error {
	return l.pacer.Wait(l.runCtx)
}

// load runs one backfill load synchronously and returns how many jobs
// it added.
func (l *Loop) load(reason backfill.Reason) int {
	n, err := l.stream.TriggerBatchLoad(l.ctx, reason)
	if err != nil {
		l.logger.Error("backfill load failed",
			slog.String("queue", l.cfg.Name),
			slog.String("reason", string(reason)),
			slog.String("error", err.Error()),
		)
		return 0
	}
	return n
}

// loadAsync tops up the memory queue without blocking the caller.
func (l *Loop) loadAsync(reason backfill.Reason) {
	l.mu.Lock()
	if l.stopping {
		l.mu.Unlock()
		return
	}
	l.loads.Add(1)
	l.mu.Unlock()

	go func() {
		defer l.loads.Done()
		l.load(reason)
	}()
}

// forwardLength publishes memory queue length changes to extensions.
func (l *Loop) forwardLength(w *queue.Watcher) {
	defer l.bg.Done()
	for n := range w.C {
		l.exts.EmitQueueLengthChanged(l.ctx, l.cfg.Name, n)
	}
}
