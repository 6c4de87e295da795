package observability_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/xraph/conveyor/executor"
	"github.com/xraph/conveyor/ext"
	"github.com/xraph/conveyor/job"
	"github.com/xraph/conveyor/observability"
)

func setup(t *testing.T) (*observability.MetricsExtension, func() metricdata.ResourceMetrics) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	e := observability.NewMetricsExtensionWithMeter(mp.Meter("test"))

	collect := func() metricdata.ResourceMetrics {
		var rm metricdata.ResourceMetrics
		if err := reader.Collect(context.Background(), &rm); err != nil {
			t.Fatalf("collect: %v", err)
		}
		return rm
	}
	return e, collect
}

func counterValue(rm metricdata.ResourceMetrics, name, queue string) int64 {
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			if !ok {
				return -1
			}
			for _, dp := range sum.DataPoints {
				if v, ok := dp.Attributes.Value("queue"); ok && v.AsString() == queue {
					return dp.Value
				}
			}
		}
	}
	return 0
}

func gaugeValue(rm metricdata.ResourceMetrics, name, queue string) (int64, bool) {
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			g, ok := m.Data.(metricdata.Gauge[int64])
			if !ok {
				return 0, false
			}
			for _, dp := range g.DataPoints {
				if v, ok := dp.Attributes.Value("queue"); ok && v.AsString() == queue {
					return dp.Value, true
				}
			}
		}
	}
	return 0, false
}

func newTestJob() *job.Job {
	return job.New("send-email", nil, job.WithQueue("mail"))
}

func TestMetricsExtension_Name(t *testing.T) {
	e, _ := setup(t)
	if e.Name() != "observability-metrics" {
		t.Errorf("expected name %q, got %q", "observability-metrics", e.Name())
	}
}

func TestMetricsExtension_Counters(t *testing.T) {
	e, collect := setup(t)
	ctx := context.Background()
	j := newTestJob()

	_ = e.OnJobEnqueued(ctx, j)
	_ = e.OnJobsAdded(ctx, "mail", []*job.Job{j, newTestJob()})
	_ = e.OnJobStarted(ctx, j)
	_ = e.OnJobCompleted(ctx, j, executor.Result{}, time.Second)
	_ = e.OnJobFailed(ctx, j, errors.New("boom"))
	_ = e.OnJobRetrying(ctx, j, 1, time.Now())
	_ = e.OnJobRetrying(ctx, j, 2, time.Now())
	_ = e.OnJobTimeout(ctx, j, time.Second)

	rm := collect()
	tests := []struct {
		name string
		want int64
	}{
		{"conveyor.job.enqueued", 1},
		{"conveyor.job.loaded", 2},
		{"conveyor.job.started", 1},
		{"conveyor.job.completed", 1},
		{"conveyor.job.failed", 1},
		{"conveyor.job.retried", 2},
		{"conveyor.job.timeout", 1},
	}
	for _, tt := range tests {
		if got := counterValue(rm, tt.name, "mail"); got != tt.want {
			t.Errorf("%s = %d, want %d", tt.name, got, tt.want)
		}
	}
}

func TestMetricsExtension_QueueLength(t *testing.T) {
	e, collect := setup(t)
	ctx := context.Background()

	_ = e.OnQueueLengthChanged(ctx, "mail", 12)
	_ = e.OnQueueLengthChanged(ctx, "mail", 4)
	_ = e.OnQueueLengthChanged(ctx, "sms", 1)

	rm := collect()
	if got, ok := gaugeValue(rm, "conveyor.queue.length", "mail"); !ok || got != 4 {
		t.Errorf("mail length = %d (found %v), want 4", got, ok)
	}
	if got, ok := gaugeValue(rm, "conveyor.queue.length", "sms"); !ok || got != 1 {
		t.Errorf("sms length = %d (found %v), want 1", got, ok)
	}
}

func TestMetricsExtension_ViaRegistry(t *testing.T) {
	e, collect := setup(t)
	reg := ext.NewRegistry(slog.New(slog.NewTextHandler(io.Discard, nil)))
	reg.Register(e)

	ctx := context.Background()
	j := newTestJob()
	reg.EmitJobEnqueued(ctx, j)
	reg.EmitJobStarted(ctx, j)
	reg.EmitJobCompleted(ctx, j, executor.Result{}, 50*time.Millisecond)

	rm := collect()
	for _, name := range []string{"conveyor.job.enqueued", "conveyor.job.started", "conveyor.job.completed"} {
		if got := counterValue(rm, name, "mail"); got != 1 {
			t.Errorf("%s = %d, want 1", name, got)
		}
	}
}

func TestMetricsExtension_DefaultNoopSafe(t *testing.T) {
	e := observability.NewMetricsExtension()
	if err := e.OnJobStarted(context.Background(), newTestJob()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
