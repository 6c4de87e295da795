package stream

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/xraph/conveyor/executor"
	"github.com/xraph/conveyor/ext"
	"github.com/xraph/conveyor/job"
)

var (
	_ ext.Extension          = (*Broker)(nil)
	_ ext.JobEnqueued        = (*Broker)(nil)
	_ ext.JobsAdded          = (*Broker)(nil)
	_ ext.QueueLengthChanged = (*Broker)(nil)
	_ ext.JobStarted         = (*Broker)(nil)
	_ ext.JobCompleted       = (*Broker)(nil)
	_ ext.JobFailed          = (*Broker)(nil)
	_ ext.JobRetrying        = (*Broker)(nil)
	_ ext.JobTimeout         = (*Broker)(nil)
	_ ext.Shutdown           = (*Broker)(nil)
)

// DefaultBufferSize is the default per-subscriber buffer.
const DefaultBufferSize = 256

// DefaultCredits is the default initial credit grant.
const DefaultCredits int64 = 1000

// Broker republishes conveyor signals to topic subscribers.
type Broker struct {
	topics *TopicRegistry
	logger *slog.Logger

	mu          sync.Mutex
	subscribers map[string]*Subscriber

	published atomic.Int64
	dropped   atomic.Int64

	bufferSize     int
	defaultCredits int64
}

// BrokerOption configures a Broker.
type BrokerOption func(*Broker)

// WithBufferSize sets the per-subscriber buffer size.
func WithBufferSize(size int) BrokerOption {
	return func(b *Broker) { b.bufferSize = size }
}

// WithDefaultCredits sets the credits granted to new subscribers.
func WithDefaultCredits(credits int64) BrokerOption {
	return func(b *Broker) { b.defaultCredits = credits }
}

// NewBroker creates a Broker.
func NewBroker(logger *slog.Logger, opts ...BrokerOption) *Broker {
	b := &Broker{
		topics:         NewTopicRegistry(),
		logger:         logger,
		subscribers:    make(map[string]*Subscriber),
		bufferSize:     DefaultBufferSize,
		defaultCredits: DefaultCredits,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Name implements ext.Extension.
func (b *Broker) Name() string { return "stream-broker" }

// Topics returns the topic registry.
func (b *Broker) Topics() *TopicRegistry { return b.topics }

// Subscribe registers a subscriber on topics. An existing subscriber with
// the same ID is replaced and closed.
func (b *Broker) Subscribe(subscriberID string, topics ...string) *Subscriber {
	sub := NewSubscriber(subscriberID, b.bufferSize, b.defaultCredits)

	b.mu.Lock()
	old := b.subscribers[subscriberID]
	b.subscribers[subscriberID] = sub
	b.mu.Unlock()

	if old != nil {
		b.topics.UnsubscribeAll(subscriberID)
		old.Close()
	}
	for _, topic := range topics {
		b.topics.Subscribe(topic, sub)
	}
	return sub
}

// SubscribeTo adds an existing subscriber to more topics.
func (b *Broker) SubscribeTo(subscriberID string, topics ...string) {
	sub, ok := b.GetSubscriber(subscriberID)
	if !ok {
		return
	}
	for _, topic := range topics {
		b.topics.Subscribe(topic, sub)
	}
}

// Unsubscribe removes a subscriber from topics.
func (b *Broker) Unsubscribe(subscriberID string, topics ...string) {
	for _, topic := range topics {
		b.topics.Unsubscribe(topic, subscriberID)
	}
}

// RemoveSubscriber removes a subscriber from every topic and closes it.
func (b *Broker) RemoveSubscriber(subscriberID string) {
	b.topics.UnsubscribeAll(subscriberID)

	b.mu.Lock()
	sub := b.subscribers[subscriberID]
	delete(b.subscribers, subscriberID)
	b.mu.Unlock()

	if sub != nil {
		sub.Close()
	}
}

// GetSubscriber returns a subscriber by ID.
func (b *Broker) GetSubscriber(subscriberID string) (*Subscriber, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sub, ok := b.subscribers[subscriberID]
	return sub, ok
}

// BrokerStats summarizes broker activity.
type BrokerStats struct {
	TopicCount      int   `json:"topic_count"`
	SubscriberCount int   `json:"subscriber_count"`
	TotalPublished  int64 `json:"total_published"`
	TotalDropped    int64 `json:"total_dropped"`
}

// Stats returns broker statistics.
func (b *Broker) Stats() BrokerStats {
	b.mu.Lock()
	n := len(b.subscribers)
	b.mu.Unlock()

	return BrokerStats{
		TopicCount:      b.topics.TopicCount(),
		SubscriberCount: n,
		TotalPublished:  b.published.Load(),
		TotalDropped:    b.dropped.Load(),
	}
}

func (b *Broker) publish(evt *Event) {
	delivered, dropped := b.topics.Broadcast(topicsFor(evt), evt)
	b.published.Add(int64(delivered))
	b.dropped.Add(int64(dropped))
}

func (b *Broker) publishJob(typ EventType, j *job.Job, data JobEventData) {
	data.JobID = j.ID.String()
	data.Executor = j.ExecutorName
	data.Queue = j.Queue
	data.GroupID = j.GroupID
	if data.Attempt == 0 {
		data.Attempt = j.Attempts
	}

	b.publish(&Event{
		Type:      typ,
		Timestamp: time.Now().UTC(),
		Queue:     j.Queue,
		Data:      mustMarshal(data),
		jobID:     data.JobID,
	})
}

func mustMarshal(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		panic("stream: marshal event data: " + err.Error())
	}
	return data
}

// ── Queue signals ───────────────────────────────────

func (b *Broker) OnQueueLengthChanged(_ context.Context, queue string, length int) error {
	b.publish(&Event{
		Type:      EventLengthChanged,
		Timestamp: time.Now().UTC(),
		Queue:     queue,
		Data:      mustMarshal(LengthEventData{Length: length}),
	})
	return nil
}

func (b *Broker) OnJobsAdded(_ context.Context, queue string, jobs []*job.Job) error {
	ids := make([]string, len(jobs))
	for i, j := range jobs {
		ids[i] = j.ID.String()
	}
	b.publish(&Event{
		Type:      EventJobsAdded,
		Timestamp: time.Now().UTC(),
		Queue:     queue,
		Data:      mustMarshal(JobsAddedEventData{Count: len(jobs), JobIDs: ids}),
	})
	return nil
}

// ── Job lifecycle ───────────────────────────────────

func (b *Broker) OnJobEnqueued(_ context.Context, j *job.Job) error {
	b.publishJob(EventJobEnqueued, j, JobEventData{})
	return nil
}

func (b *Broker) OnJobStarted(_ context.Context, j *job.Job) error {
	b.publishJob(EventJobStarted, j, JobEventData{})
	return nil
}

func (b *Broker) OnJobCompleted(_ context.Context, j *job.Job, res executor.Result, elapsed time.Duration) error {
	b.publishJob(EventJobCompleted, j, JobEventData{
		ElapsedMs: elapsed.Milliseconds(),
		Output:    res.Output,
	})
	return nil
}

func (b *Broker) OnJobFailed(_ context.Context, j *job.Job, jobErr error) error {
	b.publishJob(EventJobFailed, j, JobEventData{Error: jobErr.Error()})
	return nil
}

func (b *Broker) OnJobRetrying(_ context.Context, j *job.Job, attempt int, nextRunAt time.Time) error {
	b.publishJob(EventJobRetrying, j, JobEventData{
		Attempt:   attempt,
		NextRunAt: nextRunAt.UTC().Format(time.RFC3339Nano),
	})
	return nil
}

func (b *Broker) OnJobTimeout(_ context.Context, j *job.Job, timeout time.Duration) error {
	b.publishJob(EventJobTimeout, j, JobEventData{TimeoutMs: timeout.Milliseconds()})
	return nil
}

// ── Shutdown ────────────────────────────────────────

func (b *Broker) OnShutdown(_ context.Context) error {
	b.mu.Lock()
	subs := b.subscribers
	b.subscribers = make(map[string]*Subscriber)
	b.mu.Unlock()

	for subID, sub := range subs {
		b.topics.UnsubscribeAll(subID)
		sub.Close()
	}
	b.logger.Info("stream broker shut down", slog.Int("subscribers", len(subs)))
	return nil
}
