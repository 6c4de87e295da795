package middleware_test

import (
	"context"
	"errors"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/xraph/conveyor/executor"
	mw "github.com/xraph/conveyor/middleware"
)

func setupTestMeter() (*sdkmetric.ManualReader, *sdkmetric.MeterProvider) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	return reader, mp
}

func collectMetrics(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("failed to collect metrics: %v", err)
	}
	return rm
}

func findMetric(rm metricdata.ResourceMetrics, name string) *metricdata.Metrics {
	for _, sm := range rm.ScopeMetrics {
		for i := range sm.Metrics {
			if sm.Metrics[i].Name == name {
				return &sm.Metrics[i]
			}
		}
	}
	return nil
}

func stringAttrs(set attribute.Set) map[string]string {
	out := make(map[string]string)
	for _, a := range set.ToSlice() {
		if a.Value.Type() == attribute.STRING {
			out[string(a.Key)] = a.Value.AsString()
		}
	}
	return out
}

func TestMetrics_RecordsDuration(t *testing.T) {
	reader, mp := setupTestMeter()
	m := mw.MetricsWithMeter(mp.Meter("test"))

	_, _ = m(context.Background(), newTestJob(), okHandler)

	metric := findMetric(collectMetrics(t, reader), "conveyor.job.duration")
	if metric == nil {
		t.Fatal("conveyor.job.duration metric not found")
	}
	hist, ok := metric.Data.(metricdata.Histogram[float64])
	if !ok {
		t.Fatal("expected Histogram[float64] data type")
	}
	if len(hist.DataPoints) == 0 || hist.DataPoints[0].Count != 1 {
		t.Fatalf("expected one recorded duration, got %+v", hist.DataPoints)
	}
}

func TestMetrics_ExecutionStatus(t *testing.T) {
	tests := []struct {
		name    string
		handler mw.Handler
		status  string
	}{
		{"success", okHandler, "ok"},
		{"failure", func(_ context.Context) (executor.Result, error) {
			return executor.Result{}, errors.New("boom")
		}, "error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reader, mp := setupTestMeter()
			m := mw.MetricsWithMeter(mp.Meter("test"))

			_, _ = m(context.Background(), newTestJob(), tt.handler)

			metric := findMetric(collectMetrics(t, reader), "conveyor.job.executions")
			if metric == nil {
				t.Fatal("conveyor.job.executions metric not found")
			}
			sum, ok := metric.Data.(metricdata.Sum[int64])
			if !ok {
				t.Fatal("expected Sum[int64] data type")
			}
			if len(sum.DataPoints) != 1 || sum.DataPoints[0].Value != 1 {
				t.Fatalf("expected one execution, got %+v", sum.DataPoints)
			}

			attrs := stringAttrs(sum.DataPoints[0].Attributes)
			if attrs["status"] != tt.status {
				t.Errorf("status = %q, want %q", attrs["status"], tt.status)
			}
			if attrs["executor"] != "send-email" {
				t.Errorf("executor = %q, want %q", attrs["executor"], "send-email")
			}
			if attrs["queue"] != "default" {
				t.Errorf("queue = %q, want %q", attrs["queue"], "default")
			}
		})
	}
}

func TestMetrics_DefaultNoopSafe(t *testing.T) {
	m := mw.Metrics()

	called := false
	_, err := m(context.Background(), newTestJob(), func(_ context.Context) (executor.Result, error) {
		called = true
		return executor.Result{}, nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !called {
		t.Error("handler was not called")
	}
}
