package stream

import (
	"fmt"
	"strings"
	"sync"
)

// Topics:
//
//	firehose      every event
//	jobs          job lifecycle events
//	queue:<name>  every event of one queue
//	job:<id>      events of one job
const (
	TopicFirehose = "firehose"
	TopicJobs     = "jobs"
)

// JobTopic returns the topic of a single job.
func JobTopic(jobID string) string { return "job:" + jobID }

// QueueTopic returns the topic of a queue.
func QueueTopic(queue string) string { return "queue:" + queue }

// TopicRegistry tracks which subscribers listen on which topics.
// It is safe for concurrent use.
type TopicRegistry struct {
	mu     sync.RWMutex
	topics map[string]map[string]*Subscriber
}

// NewTopicRegistry creates an empty registry.
func NewTopicRegistry() *TopicRegistry {
	return &TopicRegistry{topics: make(map[string]map[string]*Subscriber)}
}

// Subscribe adds sub to topic.
func (tr *TopicRegistry) Subscribe(topic string, sub *Subscriber) {
	tr.mu.Lock()
	defer tr.mu.Unlock()

	subs, ok := tr.topics[topic]
	if !ok {
		subs = make(map[string]*Subscriber)
		tr.topics[topic] = subs
	}
	subs[sub.ID()] = sub
	sub.addTopic(topic)
}

// Unsubscribe removes a subscriber from topic and drops empty topics.
func (tr *TopicRegistry) Unsubscribe(topic, subscriberID string) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	tr.unsubscribeLocked(topic, subscriberID)
}

// UnsubscribeAll removes a subscriber from every topic.
func (tr *TopicRegistry) UnsubscribeAll(subscriberID string) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	for topic := range tr.topics {
		tr.unsubscribeLocked(topic, subscriberID)
	}
}

func (tr *TopicRegistry) unsubscribeLocked(topic, subscriberID string) {
	subs, ok := tr.topics[topic]
	if !ok {
		return
	}
	if sub, exists := subs[subscriberID]; exists {
		sub.removeTopic(topic)
		delete(subs, subscriberID)
	}
	if len(subs) == 0 {
		delete(tr.topics, topic)
	}
}

// Broadcast delivers evt once to every subscriber on any of topics. It
// returns how many subscribers got the event and how many skipped it.
func (tr *TopicRegistry) Broadcast(topics []string, evt *Event) (delivered, dropped int) {
	tr.mu.RLock()
	targets := make(map[string]*Subscriber)
	for _, topic := range topics {
		for subID, sub := range tr.topics[topic] {
			targets[subID] = sub
		}
	}
	tr.mu.RUnlock()

	for _, sub := range targets {
		if sub.send(evt) {
			delivered++
		} else {
			dropped++
		}
	}
	return delivered, dropped
}

// TopicCount returns the number of topics with subscribers.
func (tr *TopicRegistry) TopicCount() int {
	tr.mu.RLock()
	defer tr.mu.RUnlock()
	return len(tr.topics)
}

// SubscriberCount returns the number of subscribers on topic.
func (tr *TopicRegistry) SubscriberCount(topic string) int {
	tr.mu.RLock()
	defer tr.mu.RUnlock()
	return len(tr.topics[topic])
}

// topicsFor lists the topics evt is published on.
func topicsFor(evt *Event) []string {
	topics := []string{TopicFirehose}
	if evt.Queue != "" {
		topics = append(topics, QueueTopic(evt.Queue))
	}
	if evt.jobID != "" {
		topics = append(topics, TopicJobs, JobTopic(evt.jobID))
	}
	return topics
}

// ValidateTopic reports whether topic is a known topic form.
func ValidateTopic(topic string) error {
	switch topic {
	case TopicFirehose, TopicJobs:
		return nil
	}

	kind, name, ok := strings.Cut(topic, ":")
	if !ok || name == "" {
		return fmt.Errorf("stream: invalid topic %q", topic)
	}
	switch kind {
	case "job", "queue":
		return nil
	default:
		return fmt.Errorf("stream: unknown topic kind %q", kind)
	}
}
