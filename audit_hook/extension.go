package audithook

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/xraph/conveyor/executor"
	"github.com/xraph/conveyor/ext"
	"github.com/xraph/conveyor/job"
)

// Compile-time interface checks.
var (
	_ ext.Extension    = (*Extension)(nil)
	_ ext.JobEnqueued  = (*Extension)(nil)
	_ ext.JobStarted   = (*Extension)(nil)
	_ ext.JobCompleted = (*Extension)(nil)
	_ ext.JobFailed    = (*Extension)(nil)
	_ ext.JobRetrying  = (*Extension)(nil)
	_ ext.JobTimeout   = (*Extension)(nil)
	_ ext.Shutdown     = (*Extension)(nil)
)

// Recorder is the interface audit backends implement.
type Recorder interface {
	// Record persists a fully-formed audit event.
	Record(ctx context.Context, event *AuditEvent) error
}

// AuditEvent is one recorded lifecycle fact.
type AuditEvent struct {
	// What happened
	Action   string `json:"action"`
	Resource string `json:"resource"`
	Category string `json:"category"`

	// Details
	ResourceID string         `json:"resource_id,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	Outcome    string         `json:"outcome"`
	Severity   string         `json:"severity"`
	Reason     string         `json:"reason,omitempty"`
	At         time.Time      `json:"at"`
}

// RecorderFunc is an adapter to use a plain function as a Recorder.
type RecorderFunc func(ctx context.Context, event *AuditEvent) error

// Record implements Recorder.
func (f RecorderFunc) Record(ctx context.Context, event *AuditEvent) error {
	return f(ctx, event)
}

// Severity constants.
const (
	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityCritical = "critical"
)

// Outcome constants.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

// Extension bridges conveyor lifecycle signals to an audit trail backend.
type Extension struct {
	recorder Recorder
	enabled  map[string]bool // nil = all enabled
	logger   *slog.Logger
}

// New creates an Extension that emits audit events through r.
func New(r Recorder, opts ...Option) *Extension {
	e := &Extension{
		recorder: r,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Name implements ext.Extension.
func (e *Extension) Name() string { return "audit-hook" }

// OnJobEnqueued implements ext.JobEnqueued.
func (e *Extension) OnJobEnqueued(ctx context.Context, j *job.Job) error {
	return e.recordJob(ctx, ActionJobEnqueued, SeverityInfo, OutcomeSuccess, j, nil,
		"priority", j.Priority,
		"run_at", j.RunAt.Format(time.RFC3339Nano),
	)
}

// OnJobStarted implements ext.JobStarted.
func (e *Extension) OnJobStarted(ctx context.Context, j *job.Job) error {
	return e.recordJob(ctx, ActionJobStarted, SeverityInfo, OutcomeSuccess, j, nil,
		"worker_id", j.WorkerID.String(),
		"attempt", j.Attempts,
	)
}

// OnJobCompleted implements ext.JobCompleted.
func (e *Extension) OnJobCompleted(ctx context.Context, j *job.Job, _ executor.Result, elapsed time.Duration) error {
	return e.recordJob(ctx, ActionJobCompleted, SeverityInfo, OutcomeSuccess, j, nil,
		"attempt", j.Attempts,
		"elapsed_ms", elapsed.Milliseconds(),
	)
}

// OnJobFailed implements ext.JobFailed.
func (e *Extension) OnJobFailed(ctx context.Context, j *job.Job, jobErr error) error {
	return e.recordJob(ctx, ActionJobFailed, SeverityCritical, OutcomeFailure, j, jobErr,
		"attempts", j.Attempts,
		"max_attempts", j.MaxAttempts,
	)
}

// OnJobRetrying implements ext.JobRetrying.
func (e *Extension) OnJobRetrying(ctx context.Context, j *job.Job, attempt int, nextRunAt time.Time) error {
	var reason error
	if j.LastError != "" {
		reason = errors.New(j.LastError)
	}
	return e.recordJob(ctx, ActionJobRetrying, SeverityWarning, OutcomeFailure, j, reason,
		"attempt", attempt,
		"max_attempts", j.MaxAttempts,
		"next_run_at", nextRunAt.Format(time.RFC3339Nano),
	)
}

// OnJobTimeout implements ext.JobTimeout.
func (e *Extension) OnJobTimeout(ctx context.Context, j *job.Job, timeout time.Duration) error {
	return e.recordJob(ctx, ActionJobTimeout, SeverityWarning, OutcomeFailure, j, nil,
		"attempt", j.Attempts,
		"timeout_ms", timeout.Milliseconds(),
	)
}

// OnShutdown implements ext.Shutdown.
func (e *Extension) OnShutdown(ctx context.Context) error {
	return e.record(ctx, ActionShutdown, SeverityInfo, OutcomeSuccess,
		ResourceEngine, "", CategoryEngine, nil)
}

func (e *Extension) recordJob(ctx context.Context, action, severity, outcome string, j *job.Job, err error, kvPairs ...any) error {
	kvPairs = append(kvPairs,
		"executor", j.ExecutorName,
		"queue", j.Queue,
	)
	if j.GroupID != "" {
		kvPairs = append(kvPairs, "group_id", j.GroupID)
	}
	return e.record(ctx, action, severity, outcome, ResourceJob, j.ID.String(), CategoryJob, err, kvPairs...)
}

// record builds and sends an audit event if the action is enabled.
// kvPairs is a list of key-value pairs added to Metadata.
func (e *Extension) record(
	ctx context.Context,
	action, severity, outcome string,
	resource, resourceID, category string,
	err error,
	kvPairs ...any,
) error {
	if e.enabled != nil && !e.enabled[action] {
		return nil
	}

	meta := make(map[string]any, len(kvPairs)/2+1)
	for i := 0; i+1 < len(kvPairs); i += 2 {
		key, ok := kvPairs[i].(string)
		if !ok {
			key = fmt.Sprintf("%v", kvPairs[i])
		}
		meta[key] = kvPairs[i+1]
	}

	var reason string
	if err != nil {
		reason = err.Error()
	}

	evt := &AuditEvent{
		Action:     action,
		Resource:   resource,
		Category:   category,
		ResourceID: resourceID,
		Metadata:   meta,
		Outcome:    outcome,
		Severity:   severity,
		Reason:     reason,
		At:         time.Now().UTC(),
	}

	if recErr := e.recorder.Record(ctx, evt); recErr != nil {
		e.logger.Warn("audit event not recorded",
			slog.String("action", action),
			slog.String("resource_id", resourceID),
			slog.String("error", recErr.Error()),
		)
	}
	return nil
}
