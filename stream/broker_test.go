package stream

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/xraph/conveyor/executor"
	"github.com/xraph/conveyor/job"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testJob() *job.Job {
	j := job.New("send-email", nil, job.WithQueue("mail"), job.WithGroup("batch-1"))
	j.Attempts = 2
	return j
}

func receive(t *testing.T, sub *Subscriber) *Event {
	t.Helper()
	select {
	case evt := <-sub.C():
		return evt
	case <-time.After(time.Second):
		t.Fatalf("subscriber %s timed out", sub.ID())
		return nil
	}
}

func assertEmpty(t *testing.T, sub *Subscriber) {
	t.Helper()
	select {
	case evt := <-sub.C():
		t.Fatalf("subscriber %s got unexpected %s", sub.ID(), evt.Type)
	default:
	}
}

func TestBroker_JobEventRouting(t *testing.T) {
	t.Parallel()
	b := NewBroker(testLogger())
	j := testJob()

	firehose := b.Subscribe("firehose", TopicFirehose)
	jobs := b.Subscribe("jobs", TopicJobs)
	queue := b.Subscribe("queue", QueueTopic("mail"))
	one := b.Subscribe("one", JobTopic(j.ID.String()))
	other := b.Subscribe("other", QueueTopic("sms"))

	if err := b.OnJobStarted(context.Background(), j); err != nil {
		t.Fatal(err)
	}

	for _, sub := range []*Subscriber{firehose, jobs, queue, one} {
		if evt := receive(t, sub); evt.Type != EventJobStarted {
			t.Errorf("%s: type = %s, want %s", sub.ID(), evt.Type, EventJobStarted)
		}
	}
	assertEmpty(t, other)
}

func TestBroker_QueueSignalRouting(t *testing.T) {
	t.Parallel()
	b := NewBroker(testLogger())

	firehose := b.Subscribe("firehose", TopicFirehose)
	jobs := b.Subscribe("jobs", TopicJobs)
	queue := b.Subscribe("queue", QueueTopic("mail"))

	_ = b.OnQueueLengthChanged(context.Background(), "mail", 7)

	for _, sub := range []*Subscriber{firehose, queue} {
		evt := receive(t, sub)
		var data LengthEventData
		if err := evt.Decode(&data); err != nil {
			t.Fatal(err)
		}
		if evt.Type != EventLengthChanged || data.Length != 7 {
			t.Errorf("%s: got %s %+v", sub.ID(), evt.Type, data)
		}
	}
	assertEmpty(t, jobs)
}

func TestBroker_EventPayloads(t *testing.T) {
	t.Parallel()
	b := NewBroker(testLogger())
	j := testJob()
	ctx := context.Background()
	sub := b.Subscribe("s", TopicFirehose)

	_ = b.OnJobsAdded(ctx, "mail", []*job.Job{j})
	var added JobsAddedEventData
	if err := receive(t, sub).Decode(&added); err != nil {
		t.Fatal(err)
	}
	if added.Count != 1 || added.JobIDs[0] != j.ID.String() {
		t.Errorf("jobs:added = %+v", added)
	}

	tests := []struct {
		name  string
		emit  func()
		typ   EventType
		check func(JobEventData) bool
	}{
		{"enqueued", func() { _ = b.OnJobEnqueued(ctx, j) }, EventJobEnqueued,
			func(d JobEventData) bool { return d.Executor == "send-email" && d.GroupID == "batch-1" }},
		{"completed", func() {
			_ = b.OnJobCompleted(ctx, j, executor.Result{Output: []byte("ok")}, 1500*time.Millisecond)
		}, EventJobCompleted,
			func(d JobEventData) bool { return d.ElapsedMs == 1500 && string(d.Output) == "ok" }},
		{"failed", func() { _ = b.OnJobFailed(ctx, j, errors.New("smtp down")) }, EventJobFailed,
			func(d JobEventData) bool { return d.Error == "smtp down" && d.Attempt == 2 }},
		{"retrying", func() { _ = b.OnJobRetrying(ctx, j, 2, time.Now()) }, EventJobRetrying,
			func(d JobEventData) bool { return d.Attempt == 2 && d.NextRunAt != "" }},
		{"timeout", func() { _ = b.OnJobTimeout(ctx, j, 50*time.Millisecond) }, EventJobTimeout,
			func(d JobEventData) bool { return d.TimeoutMs == 50 }},
	}

	for _, tt := range tests {
		tt.emit()
		evt := receive(t, sub)
		if evt.Type != tt.typ {
			t.Errorf("%s: type = %s, want %s", tt.name, evt.Type, tt.typ)
			continue
		}
		var data JobEventData
		if err := evt.Decode(&data); err != nil {
			t.Fatalf("%s: %v", tt.name, err)
		}
		if data.JobID != j.ID.String() || data.Queue != "mail" || !tt.check(data) {
			t.Errorf("%s: unexpected payload %+v", tt.name, data)
		}
	}
}

func TestBroker_SubscriberOnManyTopicsGetsOneCopy(t *testing.T) {
	t.Parallel()
	b := NewBroker(testLogger())
	j := testJob()

	sub := b.Subscribe("s", TopicFirehose, TopicJobs, JobTopic(j.ID.String()))
	_ = b.OnJobStarted(context.Background(), j)

	receive(t, sub)
	assertEmpty(t, sub)
	if got := b.Stats().TotalPublished; got != 1 {
		t.Errorf("published = %d, want 1", got)
	}
}

func TestBroker_CreditFlowControl(t *testing.T) {
	t.Parallel()
	b := NewBroker(testLogger(), WithDefaultCredits(2))
	sub := b.Subscribe("s", TopicFirehose)

	for i := range 3 {
		_ = b.OnQueueLengthChanged(context.Background(), "mail", i)
	}

	receive(t, sub)
	receive(t, sub)
	assertEmpty(t, sub)

	if stats := b.Stats(); stats.TotalDropped != 1 {
		t.Errorf("dropped = %d, want 1", stats.TotalDropped)
	}

	sub.AddCredits(1)
	_ = b.OnQueueLengthChanged(context.Background(), "mail", 9)
	receive(t, sub)
}

func TestBroker_FullBufferKeepsCredit(t *testing.T) {
	t.Parallel()
	b := NewBroker(testLogger(), WithBufferSize(1), WithDefaultCredits(10))
	sub := b.Subscribe("s", TopicFirehose)

	_ = b.OnQueueLengthChanged(context.Background(), "mail", 1)
	_ = b.OnQueueLengthChanged(context.Background(), "mail", 2)

	if got := sub.Credits(); got != 9 {
		t.Errorf("credits = %d, want 9", got)
	}
}

func TestBroker_Filter(t *testing.T) {
	t.Parallel()
	b := NewBroker(testLogger())
	sub := b.Subscribe("s", TopicFirehose)
	sub.SetFilter(func(e *Event) bool { return e.Type == EventJobFailed })

	j := testJob()
	_ = b.OnJobStarted(context.Background(), j)
	_ = b.OnJobFailed(context.Background(), j, errors.New("x"))

	if evt := receive(t, sub); evt.Type != EventJobFailed {
		t.Errorf("type = %s, want %s", evt.Type, EventJobFailed)
	}
	assertEmpty(t, sub)
}

func TestBroker_RemoveAndShutdown(t *testing.T) {
	t.Parallel()
	b := NewBroker(testLogger())

	a := b.Subscribe("a", TopicFirehose, TopicJobs)
	c := b.Subscribe("c", TopicFirehose)

	b.RemoveSubscriber("a")
	if _, ok := <-a.C(); ok {
		t.Error("removed subscriber channel should be closed")
	}
	if n := b.Topics().SubscriberCount(TopicJobs); n != 0 {
		t.Errorf("jobs topic subscribers = %d, want 0", n)
	}

	_ = b.OnShutdown(context.Background())
	if _, ok := <-c.C(); ok {
		t.Error("shutdown should close subscribers")
	}
	if stats := b.Stats(); stats.SubscriberCount != 0 || stats.TopicCount != 0 {
		t.Errorf("stats after shutdown = %+v", stats)
	}

	// Publishing after shutdown must not panic.
	_ = b.OnJobStarted(context.Background(), testJob())
}

func TestBroker_ResubscribeReplaces(t *testing.T) {
	t.Parallel()
	b := NewBroker(testLogger())

	first := b.Subscribe("s", TopicJobs)
	second := b.Subscribe("s", TopicFirehose)

	if _, ok := <-first.C(); ok {
		t.Error("replaced subscriber should be closed")
	}
	b.SubscribeTo("s", QueueTopic("mail"))
	if got := len(second.Topics()); got != 2 {
		t.Errorf("topics = %d, want 2", got)
	}
	b.Unsubscribe("s", TopicFirehose)
	if got := second.Topics(); len(got) != 1 || got[0] != QueueTopic("mail") {
		t.Errorf("topics after unsubscribe = %v", got)
	}
}

func TestValidateTopic(t *testing.T) {
	t.Parallel()
	valid := []string{TopicFirehose, TopicJobs, "queue:mail", "job:job_123"}
	for _, topic := range valid {
		if err := ValidateTopic(topic); err != nil {
			t.Errorf("ValidateTopic(%q) = %v", topic, err)
		}
	}
	invalid := []string{"", "workflows", "queue:", "tenant:acme"}
	for _, topic := range invalid {
		if err := ValidateTopic(topic); err == nil {
			t.Errorf("ValidateTopic(%q) should fail", topic)
		}
	}
}
