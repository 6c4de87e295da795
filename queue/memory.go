package queue

import (
	"sync"

	"github.com/xraph/conveyor"
	"github.com/xraph/conveyor/job"
)

// Memory is a FIFO of claimed jobs with watermarks and a length signal.
// It is safe for concurrent use and never blocks.
type Memory struct {
	mu       sync.Mutex
	items    []*job.Job
	head     int
	wm       Watermarks
	capacity int
	watchers map[*Watcher]struct{}
}

// MemoryOption configures a Memory queue.
type MemoryOption func(*Memory)

// WithCapacity sets a hard cap on the queue length.
func WithCapacity(n int) MemoryOption {
	return func(m *Memory) { m.capacity = n }
}

// NewMemory creates an empty queue.
func NewMemory(wm Watermarks, opts ...MemoryOption) *Memory {
	m := &Memory{
		wm:       wm,
		watchers: make(map[*Watcher]struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Enqueue appends j. It fails with conveyor.ErrQueueFull at capacity.
func (m *Memory) Enqueue(j *job.Job) error {
	_, err := m.EnqueueBatch([]*job.Job{j})
	return err
}

// EnqueueBatch appends jobs in order. Jobs that do not fit under the
// capacity are returned together with conveyor.ErrQueueFull.
func (m *Memory) EnqueueBatch(jobs []*job.Job) ([]*job.Job, error) {
	if len(jobs) == 0 {
		return nil, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	accepted := jobs
	var overflow []*job.Job
	if m.capacity > 0 {
		room := max(m.capacity-m.lenLocked(), 0)
		if room < len(jobs) {
			accepted, overflow = jobs[:room], jobs[room:]
		}
	}

	if len(accepted) > 0 {
		m.items = append(m.items, accepted...)
		m.notifyLocked()
	}

	if len(overflow) > 0 {
		return overflow, conveyor.ErrQueueFull
	}
	return nil, nil
}

// Dequeue removes and returns the oldest job.
func (m *Memory) Dequeue() (*job.Job, bool) {
	batch := m.DequeueBatch(1)
	if len(batch) == 0 {
		return nil, false
	}
	return batch[0], true
}

// DequeueBatch removes and returns up to n jobs in FIFO order.
func (m *Memory) DequeueBatch(n int) []*job.Job {
	if n <= 0 {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	n = min(n, m.lenLocked())
	if n == 0 {
		return nil
	}

	out := make([]*job.Job, n)
	copy(out, m.items[m.head:m.head+n])
	clear(m.items[m.head : m.head+n])
	m.head += n
	m.compactLocked()
	m.notifyLocked()
	return out
}

// Drain removes and returns every queued job.
func (m *Memory) Drain() []*job.Job {
	m.mu.Lock()
	n := m.lenLocked()
	m.mu.Unlock()
	return m.DequeueBatch(n)
}

// Len returns the number of queued jobs.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lenLocked()
}

// Snapshot returns the queued jobs in dispatch order without removing them.
func (m *Memory) Snapshot() []*job.Job {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*job.Job(nil), m.items[m.head:]...)
}

// IsEmpty reports whether the queue holds no jobs.
func (m *Memory) IsEmpty() bool { return m.Len() == 0 }

// Watermarks returns the configured watermarks.
func (m *Memory) Watermarks() Watermarks { return m.wm }

// BelowLow reports whether the length is under the low watermark.
func (m *Memory) BelowLow() bool { return m.Len() < m.wm.Low }

// Room returns how many jobs a load may add without passing the high
// watermark (or the capacity). limit bounds the answer.
func (m *Memory) Room(limit int) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	room := limit
	n := m.lenLocked()
	if m.wm.High > 0 {
		room = min(room, m.wm.High-n)
	}
	if m.capacity > 0 {
		room = min(room, m.capacity-n)
	}
	return max(room, 0)
}

func (m *Memory) lenLocked() int { return len(m.items) - m.head }

func (m *Memory) compactLocked() {
	if m.head == len(m.items) {
		m.items = m.items[:0]
		m.head = 0
		return
	}
	if m.head > 64 && m.head*2 >= len(m.items) {
		n := copy(m.items, m.items[m.head:])
		clear(m.items[n:])
		m.items = m.items[:n]
		m.head = 0
	}
}

// ──────────────────────────────────────────────────
// Length signal
// ──────────────────────────────────────────────────

// Watcher receives the queue length after every change. Slow readers see
// coalesced values, but the most recent length is always delivered.
type Watcher struct {
	// C delivers lengths. It is closed by Close.
	C <-chan int

	c chan int
	m *Memory
}

// Watch subscribes to length changes.
func (m *Memory) Watch() *Watcher {
	c := make(chan int, 1)
	w := &Watcher{C: c, c: c, m: m}

	m.mu.Lock()
	m.watchers[w] = struct{}{}
	m.mu.Unlock()
	return w
}

// Close unsubscribes the watcher and closes C.
func (w *Watcher) Close() {
	w.m.mu.Lock()
	defer w.m.mu.Unlock()

	if _, ok := w.m.watchers[w]; ok {
		delete(w.m.watchers, w)
		close(w.c)
	}
}

// notifyLocked publishes the current length. Sends happen only under
// m.mu, so after dropping a stale value the send always succeeds.
func (m *Memory) notifyLocked() {
	n := m.lenLocked()
	for w := range m.watchers {
		select {
		case w.c <- n:
			continue
		default:
		}
		select {
		case <-w.c:
		default:
		}
		w.c <- n
	}
}
