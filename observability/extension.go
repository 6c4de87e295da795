package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/xraph/conveyor/executor"
	"github.com/xraph/conveyor/ext"
	"github.com/xraph/conveyor/job"
)

// Compile-time interface checks.
var (
	_ ext.Extension          = (*MetricsExtension)(nil)
	_ ext.JobEnqueued        = (*MetricsExtension)(nil)
	_ ext.JobsAdded          = (*MetricsExtension)(nil)
	_ ext.QueueLengthChanged = (*MetricsExtension)(nil)
	_ ext.JobStarted         = (*MetricsExtension)(nil)
	_ ext.JobCompleted       = (*MetricsExtension)(nil)
	_ ext.JobFailed          = (*MetricsExtension)(nil)
	_ ext.JobRetrying        = (*MetricsExtension)(nil)
	_ ext.JobTimeout         = (*MetricsExtension)(nil)
)

const meterName = "github.com/xraph/conveyor/observability"

// MetricsExtension records lifecycle metrics through an OTel meter.
// Every instrument carries a "queue" attribute.
type MetricsExtension struct {
	enqueued    metric.Int64Counter
	loaded      metric.Int64Counter
	started     metric.Int64Counter
	completed   metric.Int64Counter
	failed      metric.Int64Counter
	retried     metric.Int64Counter
	timedOut    metric.Int64Counter
	queueLength metric.Int64Gauge
}

// NewMetricsExtension uses the global MeterProvider.
func NewMetricsExtension() *MetricsExtension {
	return NewMetricsExtensionWithMeter(otel.Meter(meterName))
}

// NewMetricsExtensionWithMeter uses the provided meter.
func NewMetricsExtensionWithMeter(meter metric.Meter) *MetricsExtension {
	counter := func(name, desc string) metric.Int64Counter {
		// On error the API hands back a noop instrument.
		c, _ := meter.Int64Counter(name, metric.WithDescription(desc), metric.WithUnit("{job}"))
		return c
	}
	length, _ := meter.Int64Gauge("conveyor.queue.length",
		metric.WithDescription("Jobs held in a queue's memory working set"),
		metric.WithUnit("{job}"),
	)

	return &MetricsExtension{
		enqueued:    counter("conveyor.job.enqueued", "Jobs written by producers"),
		loaded:      counter("conveyor.job.loaded", "Jobs claimed into memory working sets"),
		started:     counter("conveyor.job.started", "Executions begun"),
		completed:   counter("conveyor.job.completed", "Jobs that succeeded"),
		failed:      counter("conveyor.job.failed", "Jobs that failed terminally"),
		retried:     counter("conveyor.job.retried", "Failed executions returned to waiting"),
		timedOut:    counter("conveyor.job.timeout", "Executions that exceeded their timeout"),
		queueLength: length,
	}
}

// Name implements ext.Extension.
func (m *MetricsExtension) Name() string { return "observability-metrics" }

func queueAttr(queue string) metric.MeasurementOption {
	return metric.WithAttributes(attribute.String("queue", queue))
}

// OnJobEnqueued implements ext.JobEnqueued.
func (m *MetricsExtension) OnJobEnqueued(ctx context.Context, j *job.Job) error {
	m.enqueued.Add(ctx, 1, queueAttr(j.Queue))
	return nil
}

// OnJobsAdded implements ext.JobsAdded.
func (m *MetricsExtension) OnJobsAdded(ctx context.Context, queue string, jobs []*job.Job) error {
	m.loaded.Add(ctx, int64(len(jobs)), queueAttr(queue))
	return nil
}

// OnQueueLengthChanged implements ext.QueueLengthChanged.
func (m *MetricsExtension) OnQueueLengthChanged(ctx context.Context, queue string, length int) error {
	m.queueLength.Record(ctx, int64(length), queueAttr(queue))
	return nil
}

// OnJobStarted implements ext.JobStarted.
func (m *MetricsExtension) OnJobStarted(ctx context.Context, j *job.Job) error {
	m.started.Add(ctx, 1, queueAttr(j.Queue))
	return nil
}

// OnJobCompleted implements ext.JobCompleted.
func (m *MetricsExtension) OnJobCompleted(ctx context.Context, j *job.Job, _ executor.Result, _ time.Duration) error {
	m.completed.Add(ctx, 1, queueAttr(j.Queue))
	return nil
}

// OnJobFailed implements ext.JobFailed.
func (m *MetricsExtension) OnJobFailed(ctx context.Context, j *job.Job, _ error) error {
	m.failed.Add(ctx, 1, queueAttr(j.Queue))
	return nil
}

// OnJobRetrying implements ext.JobRetrying.
func (m *MetricsExtension) OnJobRetrying(ctx context.Context, j *job.Job, _ int, _ time.Time) error {
	m.retried.Add(ctx, 1, queueAttr(j.Queue))
	return nil
}

// OnJobTimeout implements ext.JobTimeout.
func (m *MetricsExtension) OnJobTimeout(ctx context.Context, j *job.Job, _ time.Duration) error {
	m.timedOut.Add(ctx, 1, queueAttr(j.Queue))
	return nil
}
