package executor_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/xraph/conveyor/executor"
	"github.com/xraph/conveyor/job"
)

type emailPayload struct {
	To      string `json:"to"`
	Subject string `json:"subject"`
}

func TestRegistry_RegisterAndResolve(t *testing.T) {
	r := executor.NewRegistry()

	var got emailPayload
	def := executor.NewDefinition("send-email", func(_ context.Context, p emailPayload) error {
		got = p
		return nil
	}, executor.WithTimeout(time.Second))

	executor.RegisterDefinition(r, def)

	e, ok := r.Resolve("send-email")
	if !ok {
		t.Fatal("expected executor to be registered")
	}
	if e.Config().Timeout != time.Second {
		t.Errorf("timeout = %v, want 1s", e.Config().Timeout)
	}

	payload, _ := json.Marshal(emailPayload{To: "alice@example.com", Subject: "Hello"})
	if _, err := e.Execute(context.Background(), job.New("send-email", payload)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.To != "alice@example.com" {
		t.Errorf("To = %q, want %q", got.To, "alice@example.com")
	}
	if got.Subject != "Hello" {
		t.Errorf("Subject = %q, want %q", got.Subject, "Hello")
	}
}

func TestRegistry_ResolveUnknown(t *testing.T) {
	r := executor.NewRegistry()
	if _, ok := r.Resolve("nonexistent"); ok {
		t.Fatal("expected no executor for unregistered name")
	}
}

func TestRegistry_Names(t *testing.T) {
	r := executor.NewRegistry()
	noop := func(_ context.Context, _ *job.Job) (executor.Result, error) { return executor.Result{}, nil }

	r.Register(executor.NewFunc("job-c", noop))
	r.Register(executor.NewFunc("job-a", noop))
	r.Register(executor.NewFunc("job-b", noop))

	names := r.Names()
	expected := []string{"job-a", "job-b", "job-c"}
	if len(names) != len(expected) {
		t.Fatalf("expected %d names, got %d", len(expected), len(names))
	}
	for i, want := range expected {
		if names[i] != want {
			t.Errorf("names[%d] = %q, want %q", i, names[i], want)
		}
	}
}

func TestDefinition_InvalidJSON(t *testing.T) {
	def := executor.NewDefinition("typed-job", func(_ context.Context, _ emailPayload) error {
		t.Fatal("handler should not be called with invalid JSON")
		return nil
	})

	_, err := def.Executor().Execute(context.Background(), job.New("typed-job", []byte("{not json")))
	if err == nil {
		t.Fatal("expected unmarshal error")
	}
}

func TestDefinition_HandlerError(t *testing.T) {
	boom := errors.New("boom")
	def := executor.NewDefinition("fails", func(_ context.Context, _ struct{}) error { return boom })

	_, err := def.Executor().Execute(context.Background(), job.New("fails", nil))
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
}

func TestFunc_ReturnsOutput(t *testing.T) {
	e := executor.NewFunc("echo", func(_ context.Context, j *job.Job) (executor.Result, error) {
		return executor.Result{Output: j.Payload}, nil
	})

	res, err := e.Execute(context.Background(), job.New("echo", []byte("hi")))
	if err != nil {
		t.Fatal(err)
	}
	if string(res.Output) != "hi" {
		t.Errorf("output = %q, want hi", res.Output)
	}
}
