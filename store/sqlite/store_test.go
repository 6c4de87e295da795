package sqlite_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/xraph/conveyor/job"
	"github.com/xraph/conveyor/store"
	"github.com/xraph/conveyor/store/sqlite"
	"github.com/xraph/conveyor/store/storetest"
)

func openStore(t *testing.T, path string) *sqlite.Store {
	t.Helper()
	ctx := context.Background()

	s, err := sqlite.Open(ctx, path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	if err := s.Migrate(ctx); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	return s
}

func TestConformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store {
		return openStore(t, filepath.Join(t.TempDir(), "conveyor.db"))
	})
}

func TestMigrateIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := openStore(t, filepath.Join(t.TempDir(), "conveyor.db"))
	if err := s.Migrate(ctx); err != nil {
		t.Fatalf("second Migrate: %v", err)
	}
	if err := s.Ping(ctx); err != nil {
		t.Fatalf("Ping: %v", err)
	}

	var applied []string
	err := s.DB().NewSelect().
		Table("conveyor_migrations").
		Column("name").
		Order("name ASC").
		Scan(ctx, &applied)
	if err != nil {
		t.Fatalf("read migrations table: %v", err)
	}
	want := []string{"20250101000001", "20250101000002", "20250101000003"}
	if len(applied) != len(want) {
		t.Fatalf("applied migrations = %v, want %v", applied, want)
	}
	for i := range want {
		if applied[i] != want[i] {
			t.Errorf("applied[%d] = %q, want %q", i, applied[i], want[i])
		}
	}

	locked, err := s.DB().NewSelect().Table("conveyor_migration_locks").Count(ctx)
	if err != nil {
		t.Fatalf("read locks table: %v", err)
	}
	if locked != 0 {
		t.Errorf("migration lock still held (%d rows)", locked)
	}
}

func TestJobsSurviveReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "conveyor.db")

	first, err := sqlite.Open(ctx, path)
	if err != nil {
		t.Fatal(err)
	}
	if err := first.Migrate(ctx); err != nil {
		t.Fatal(err)
	}
	j := storetest.NewJob("q", 3, 0)
	if err := first.EnqueueJob(ctx, j); err != nil {
		t.Fatal(err)
	}
	if err := first.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	second := openStore(t, path)
	got, err := second.GetJob(ctx, j.ID)
	if err != nil {
		t.Fatalf("GetJob after reopen: %v", err)
	}
	if got.Status != job.StatusWaiting || got.Priority != 3 {
		t.Errorf("reopened job = status %q priority %d", got.Status, got.Priority)
	}
	if !got.CreatedAt.Equal(j.CreatedAt) {
		t.Errorf("CreatedAt = %v, want %v", got.CreatedAt, j.CreatedAt)
	}
}

func TestNewDoesNotCloseCallerDB(t *testing.T) {
	owner := openStore(t, filepath.Join(t.TempDir(), "conveyor.db"))

	wrapped := sqlite.New(owner.DB())
	if err := wrapped.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := owner.Ping(context.Background()); err != nil {
		t.Fatalf("caller db closed by wrapper: %v", err)
	}
}
