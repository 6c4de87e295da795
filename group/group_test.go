package group_test

import (
	"testing"

	"github.com/xraph/conveyor/group"
)

func TestNew(t *testing.T) {
	g := group.New("q", "g1")
	if g.Status != group.StatusActive {
		t.Errorf("status = %q, want active", g.Status)
	}
	if g.CreatedAt.IsZero() {
		t.Error("expected CreatedAt to be set")
	}
	if g.Done() {
		t.Error("empty group must not be done")
	}
}

func TestPendingAndDone(t *testing.T) {
	g := group.New("q", "g1")
	g.TotalJobs = 5
	g.CompletedJobs = 3
	g.FailedJobs = 1

	if got := g.Pending(); got != 1 {
		t.Errorf("Pending() = %d, want 1", got)
	}
	if g.Done() {
		t.Error("group with pending jobs reported done")
	}

	g.FailedJobs = 2
	if !g.Done() {
		t.Error("settled group should be done")
	}

	g.FailedJobs = 9
	if got := g.Pending(); got != 0 {
		t.Errorf("Pending() over-count = %d, want 0", got)
	}
}
