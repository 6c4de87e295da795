package stream

import (
	"sync"
	"sync/atomic"
)

// Subscriber receives events from its topics over a buffered channel.
//
// Delivery is credit based: each delivered event consumes one credit and
// a subscriber without credits is skipped. Events are also dropped,
// without spending a credit, when the buffer is full. Publishers never
// block on a slow subscriber.
type Subscriber struct {
	id      string
	ch      chan *Event
	credits atomic.Int64
	filter  atomic.Pointer[func(*Event) bool]

	mu     sync.RWMutex
	topics map[string]struct{}
	closed bool
}

// NewSubscriber creates a subscriber.
func NewSubscriber(id string, bufferSize int, initialCredits int64) *Subscriber {
	s := &Subscriber{
		id:     id,
		ch:     make(chan *Event, bufferSize),
		topics: make(map[string]struct{}),
	}
	s.credits.Store(initialCredits)
	return s
}

// ID returns the subscriber identifier.
func (s *Subscriber) ID() string { return s.id }

// C returns the event channel. It is closed by Close.
func (s *Subscriber) C() <-chan *Event { return s.ch }

// AddCredits grants n more deliveries.
func (s *Subscriber) AddCredits(n int64) { s.credits.Add(n) }

// Credits returns the remaining credits.
func (s *Subscriber) Credits() int64 { return s.credits.Load() }

// SetFilter installs a predicate events must satisfy. Nil removes it.
func (s *Subscriber) SetFilter(fn func(*Event) bool) {
	if fn == nil {
		s.filter.Store(nil)
		return
	}
	s.filter.Store(&fn)
}

// Topics returns the subscribed topics.
func (s *Subscriber) Topics() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.topics))
	for t := range s.topics {
		out = append(out, t)
	}
	return out
}

func (s *Subscriber) addTopic(topic string) {
	s.mu.Lock()
	s.topics[topic] = struct{}{}
	s.mu.Unlock()
}

func (s *Subscriber) removeTopic(topic string) {
	s.mu.Lock()
	delete(s.topics, topic)
	s.mu.Unlock()
}

// send delivers evt without blocking and reports whether it was delivered.
func (s *Subscriber) send(evt *Event) bool {
	if f := s.filter.Load(); f != nil && !(*f)(evt) {
		return false
	}

	for {
		c := s.credits.Load()
		if c <= 0 {
			return false
		}
		if s.credits.CompareAndSwap(c, c-1) {
			break
		}
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		s.credits.Add(1)
		return false
	}

	select {
	case s.ch <- evt:
		return true
	default:
		s.credits.Add(1)
		return false
	}
}

// Close closes the event channel. It is safe to call more than once.
func (s *Subscriber) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}
