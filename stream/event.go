// Package stream fans conveyor signals out to in-process subscribers.
//
// A [Broker] is an ext.Extension: registered with an engine it receives
// every queue signal and job lifecycle event and republishes it on topics.
// Subscribers pick the topics they want and pace delivery with credits.
package stream

import (
	"encoding/json"
	"time"
)

// EventType identifies the kind of signal.
type EventType string

const (
	// Queue signals.
	EventLengthChanged EventType = "length:changed"
	EventJobsAdded     EventType = "jobs:added"

	// Job events.
	EventJobEnqueued  EventType = "job:enqueued"
	EventJobStarted   EventType = "job:started"
	EventJobCompleted EventType = "job:completed"
	EventJobFailed    EventType = "job:failed"
	EventJobRetrying  EventType = "job:retrying"
	EventJobTimeout   EventType = "job:timeout"
)

// Event is the envelope delivered to subscribers.
type Event struct {
	Type      EventType       `json:"type"`
	Timestamp time.Time       `json:"ts"`
	Queue     string          `json:"queue"`
	Data      json.RawMessage `json:"data"`

	// jobID routes job events to their job topic.
	jobID string
}

// JobEventData is the payload of job events.
type JobEventData struct {
	JobID     string `json:"job_id"`
	Executor  string `json:"executor"`
	Queue     string `json:"queue"`
	GroupID   string `json:"group_id,omitempty"`
	Attempt   int    `json:"attempt,omitempty"`
	ElapsedMs int64  `json:"elapsed_ms,omitempty"`
	TimeoutMs int64  `json:"timeout_ms,omitempty"`
	Error     string `json:"error,omitempty"`
	NextRunAt string `json:"next_run_at,omitempty"`
	Output    []byte `json:"output,omitempty"`
}

// LengthEventData is the payload of length:changed.
type LengthEventData struct {
	Length int `json:"length"`
}

// JobsAddedEventData is the payload of jobs:added.
type JobsAddedEventData struct {
	Count  int      `json:"count"`
	JobIDs []string `json:"job_ids"`
}

// Decode unmarshals the event payload into v.
func (e *Event) Decode(v any) error {
	return json.Unmarshal(e.Data, v)
}
