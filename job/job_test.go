package job_test

import (
	"testing"
	"time"

	"github.com/xraph/conveyor/id"
	"github.com/xraph/conveyor/job"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to job.Status
		want     bool
	}{
		{job.StatusWaiting, job.StatusExecuting, true},
		{job.StatusWaiting, job.StatusSuccess, false},
		{job.StatusWaiting, job.StatusFailed, false},
		{job.StatusExecuting, job.StatusSuccess, true},
		{job.StatusExecuting, job.StatusFailed, true},
		{job.StatusExecuting, job.StatusWaiting, true},
		{job.StatusExecuting, job.StatusExecuting, true},
		{job.StatusSuccess, job.StatusWaiting, false},
		{job.StatusFailed, job.StatusExecuting, false},
		{job.StatusSuccess, job.StatusFailed, false},
	}

	for _, tt := range tests {
		if got := job.CanTransition(tt.from, tt.to); got != tt.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestIsTerminal(t *testing.T) {
	if job.StatusWaiting.IsTerminal() || job.StatusExecuting.IsTerminal() {
		t.Error("active statuses must not be terminal")
	}
	if !job.StatusSuccess.IsTerminal() || !job.StatusFailed.IsTerminal() {
		t.Error("success and failed must be terminal")
	}
	if job.Status("cancelled").Valid() {
		t.Error("unknown status reported valid")
	}
}

func TestNewDefaults(t *testing.T) {
	j := job.New("send", []byte(`{}`))

	if j.Queue != job.DefaultQueue {
		t.Errorf("queue = %q, want %q", j.Queue, job.DefaultQueue)
	}
	if j.Status != job.StatusWaiting {
		t.Errorf("status = %q, want waiting", j.Status)
	}
	if j.ID.IsNil() {
		t.Error("expected generated id")
	}
	if j.RunAt.IsZero() || j.RunAt.After(time.Now()) {
		t.Errorf("unexpected run at %v", j.RunAt)
	}
}

func TestNewOptions(t *testing.T) {
	at := time.Now().Add(time.Hour)
	j := job.New("send", nil,
		job.WithQueue("mail"),
		job.WithGroup("g1"),
		job.WithPriority(7),
		job.WithMaxAttempts(3),
		job.WithRunAt(at),
	)

	if j.Queue != "mail" || j.GroupID != "g1" || j.Priority != 7 || j.MaxAttempts != 3 {
		t.Fatalf("options not applied: %+v", j)
	}
	if !j.RunAt.Equal(at.UTC()) {
		t.Errorf("run at = %v, want %v", j.RunAt, at.UTC())
	}
}

func TestCanRetry(t *testing.T) {
	j := &job.Job{Attempts: 1, MaxAttempts: 1}
	if j.CanRetry() {
		t.Error("attempts == max must not retry")
	}
	j.MaxAttempts = 3
	if !j.CanRetry() {
		t.Error("attempts < max must retry")
	}
}

func TestOwnedBy(t *testing.T) {
	holder, other := id.NewWorkerID(), id.NewWorkerID()
	j := &job.Job{WorkerID: holder}

	if !j.OwnedBy(holder) {
		t.Error("holder must own the job")
	}
	if j.OwnedBy(other) {
		t.Error("another worker must not own the job")
	}
	if !j.OwnedBy(id.Nil) {
		t.Error("nil worker is no guard")
	}
	if (&job.Job{}).OwnedBy(holder) {
		t.Error("released job must not be owned by its previous holder")
	}
}

func TestClone(t *testing.T) {
	now := time.Now()
	j := job.New("x", []byte("abc"))
	j.StartedAt = &now

	cp := j.Clone()
	cp.Payload[0] = 'z'
	*cp.StartedAt = now.Add(time.Hour)

	if string(j.Payload) != "abc" {
		t.Error("payload shared with clone")
	}
	if !j.StartedAt.Equal(now) {
		t.Error("started at shared with clone")
	}
}
