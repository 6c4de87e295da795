package audithook

import (
	"context"
	"log/slog"
	"sort"
)

// SlogRecorder writes audit events to a slog.Logger, one record per event,
// at a level derived from the event severity.
type SlogRecorder struct {
	logger *slog.Logger
}

// NewSlogRecorder returns a Recorder logging through l.
func NewSlogRecorder(l *slog.Logger) *SlogRecorder {
	if l == nil {
		l = slog.Default()
	}
	return &SlogRecorder{logger: l}
}

// Record implements Recorder.
func (r *SlogRecorder) Record(ctx context.Context, evt *AuditEvent) error {
	level := slog.LevelInfo
	switch evt.Severity {
	case SeverityWarning:
		level = slog.LevelWarn
	case SeverityCritical:
		level = slog.LevelError
	}

	attrs := []slog.Attr{
		slog.String("action", evt.Action),
		slog.String("category", evt.Category),
		slog.String("resource", evt.Resource),
		slog.String("outcome", evt.Outcome),
	}
	if evt.ResourceID != "" {
		attrs = append(attrs, slog.String("resource_id", evt.ResourceID))
	}
	if evt.Reason != "" {
		attrs = append(attrs, slog.String("reason", evt.Reason))
	}

	keys := make([]string, 0, len(evt.Metadata))
	for k := range evt.Metadata {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	meta := make([]any, 0, len(keys))
	for _, k := range keys {
		meta = append(meta, slog.Any(k, evt.Metadata[k]))
	}
	if len(meta) > 0 {
		attrs = append(attrs, slog.Group("meta", meta...))
	}

	r.logger.LogAttrs(ctx, level, "audit", attrs...)
	return nil
}
