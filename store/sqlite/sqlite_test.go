package sqlite

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/graphbot/graphbot/store"
	"github.com/graphbot/graphbot/store/storetest"
)

func testStore(t *testing.T) store.Store {
	t.Helper()
	s := New(filepath.Join(t.TempDir(), "test.db"))
	if err := s.Init(context.Background()); err != nil {
		t.Fatalf("Init: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestConformance(t *testing.T) {
	storetest.Run(t, testStore)
}

func TestInitIdempotent(t *testing.T) {
	s := New(filepath.Join(t.TempDir(), "init.db"))
	ctx := context.Background()
	if err := s.Init(ctx); err != nil {
		t.Fatalf("first Init: %v", err)
	}
	if err := s.Init(ctx); err != nil {
		t.Fatalf("second Init: %v", err)
	}
}

func TestSingleWriterSerializesWrites(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	if _, err := s.GetOrCreateUser(ctx, "user-1", "concurrent"); err != nil {
		t.Fatalf("GetOrCreateUser: %v", err)
	}

	const n = 20
	done := make(chan error, n)
	for i := 0; i < n; i++ {
		go func(i int) {
			done <- s.AddActivity(ctx, store.ActivityLog{UserID: "user-1", Summary: "concurrent write"})
		}(i)
	}
	for i := 0; i < n; i++ {
		if err := <-done; err != nil {
			t.Errorf("concurrent write: %v", err)
		}
	}

	got, err := s.RecentActivity(ctx, "user-1", n+1)
	if err != nil {
		t.Fatalf("RecentActivity: %v", err)
	}
	if len(got) != n {
		t.Fatalf("expected %d activity rows, got %d", n, len(got))
	}
}
