package middleware_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/xraph/conveyor"
	"github.com/xraph/conveyor/executor"
	"github.com/xraph/conveyor/id"
	"github.com/xraph/conveyor/job"
	"github.com/xraph/conveyor/middleware"
)

func newTestJob() *job.Job {
	return &job.Job{
		ID:           id.NewJobID(),
		ExecutorName: "send-email",
		Queue:        "default",
		GroupID:      "grp-1",
		Attempts:     2,
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestChain_ExecutionOrder(t *testing.T) {
	var order []string

	mw1 := func(ctx context.Context, _ *job.Job, next middleware.Handler) (executor.Result, error) {
		order = append(order, "mw1-before")
		res, err := next(ctx)
		order = append(order, "mw1-after")
		return res, err
	}

	mw2 := func(ctx context.Context, _ *job.Job, next middleware.Handler) (executor.Result, error) {
		order = append(order, "mw2-before")
		res, err := next(ctx)
		order = append(order, "mw2-after")
		return res, err
	}

	chain := middleware.Chain(mw1, mw2)
	handler := func(_ context.Context) (executor.Result, error) {
		order = append(order, "handler")
		return executor.Result{Output: []byte("ok")}, nil
	}

	res, err := chain(context.Background(), newTestJob(), handler)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(res.Output) != "ok" {
		t.Errorf("output = %q, want %q", res.Output, "ok")
	}

	expected := []string{"mw1-before", "mw2-before", "handler", "mw2-after", "mw1-after"}
	if len(order) != len(expected) {
		t.Fatalf("expected %d calls, got %d: %v", len(expected), len(order), order)
	}
	for i, want := range expected {
		if order[i] != want {
			t.Errorf("order[%d] = %q, want %q", i, order[i], want)
		}
	}
}

func TestChain_Empty(t *testing.T) {
	chain := middleware.Chain()
	called := false
	handler := func(_ context.Context) (executor.Result, error) {
		called = true
		return executor.Result{}, nil
	}

	if _, err := chain(context.Background(), newTestJob(), handler); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !called {
		t.Error("handler was not called")
	}
}

func TestChain_ShortCircuit(t *testing.T) {
	sentinel := errors.New("rejected")
	reject := func(_ context.Context, _ *job.Job, _ middleware.Handler) (executor.Result, error) {
		return executor.Result{}, sentinel
	}

	called := false
	handler := func(_ context.Context) (executor.Result, error) {
		called = true
		return executor.Result{}, nil
	}

	_, err := middleware.Chain(reject)(context.Background(), newTestJob(), handler)
	if !errors.Is(err, sentinel) {
		t.Fatalf("expected sentinel error, got %v", err)
	}
	if called {
		t.Error("handler should not run after short-circuit")
	}
}

func TestRecover_ConvertsPanic(t *testing.T) {
	m := middleware.Recover(discardLogger())

	_, err := m(context.Background(), newTestJob(), func(_ context.Context) (executor.Result, error) {
		panic("kaboom")
	})
	if err == nil {
		t.Fatal("expected error from recovered panic")
	}
	if !errors.Is(err, conveyor.ErrExecutionFailed) {
		t.Errorf("expected ErrExecutionFailed, got %v", err)
	}
}

func TestRecover_PassesThrough(t *testing.T) {
	m := middleware.Recover(discardLogger())
	want := errors.New("plain failure")

	_, err := m(context.Background(), newTestJob(), func(_ context.Context) (executor.Result, error) {
		return executor.Result{}, want
	})
	if !errors.Is(err, want) {
		t.Errorf("expected %v, got %v", want, err)
	}
}

func TestLogging_ReturnsHandlerResult(t *testing.T) {
	m := middleware.Logging(discardLogger())

	res, err := m(context.Background(), newTestJob(), func(_ context.Context) (executor.Result, error) {
		return executor.Result{Output: []byte("done")}, nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(res.Output) != "done" {
		t.Errorf("output = %q, want %q", res.Output, "done")
	}

	want := errors.New("boom")
	_, err = m(context.Background(), newTestJob(), func(_ context.Context) (executor.Result, error) {
		return executor.Result{}, want
	})
	if !errors.Is(err, want) {
		t.Errorf("expected %v, got %v", want, err)
	}
}
