package eventbus

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/graphbot/graphbot/store"
	"github.com/graphbot/graphbot/store/sqlite"
)

func testStore(t *testing.T) store.Store {
	t.Helper()
	s := sqlite.New(filepath.Join(t.TempDir(), "test.db"))
	if err := s.Init(context.Background()); err != nil {
		t.Fatalf("Init: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestEmitPersistsAndConsumeReturnsUndelivered(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()
	if _, err := st.GetOrCreateUser(ctx, "user-1", "u"); err != nil {
		t.Fatalf("GetOrCreateUser: %v", err)
	}

	b := New(st)
	if _, err := b.Emit(ctx, "user-1", "subagent_result", []byte(`{"ok":true}`)); err != nil {
		t.Fatalf("Emit: %v", err)
	}

	events, err := b.Consume(ctx, "user-1")
	if err != nil {
		t.Fatalf("Consume: %v", err)
	}
	if len(events) != 1 || events[0].Kind != "subagent_result" {
		t.Fatalf("expected one undelivered event, got %+v", events)
	}
}

func TestConsumeFiltersOutAlreadyMarkedDelivered(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()
	if _, err := st.GetOrCreateUser(ctx, "user-1", "u"); err != nil {
		t.Fatalf("GetOrCreateUser: %v", err)
	}

	b := New(st)
	ev, err := b.Emit(ctx, "user-1", "subagent_result", nil)
	if err != nil {
		t.Fatalf("Emit: %v", err)
	}
	if err := b.MarkDelivered(ctx, []string{ev.EventID}); err != nil {
		t.Fatalf("MarkDelivered: %v", err)
	}

	events, err := b.Consume(ctx, "user-1")
	if err != nil {
		t.Fatalf("Consume: %v", err)
	}
	if len(events) != 0 {
		t.Fatalf("expected the marked event to be filtered out, got %+v", events)
	}
}

func TestMarkDeliveredIsIdempotent(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()
	if _, err := st.GetOrCreateUser(ctx, "user-1", "u"); err != nil {
		t.Fatalf("GetOrCreateUser: %v", err)
	}

	b := New(st)
	ev, err := b.Emit(ctx, "user-1", "subagent_result", nil)
	if err != nil {
		t.Fatalf("Emit: %v", err)
	}
	if err := b.MarkDelivered(ctx, []string{ev.EventID}); err != nil {
		t.Fatalf("MarkDelivered first call: %v", err)
	}
	if err := b.MarkDelivered(ctx, []string{ev.EventID}); err != nil {
		t.Fatalf("MarkDelivered second call: %v", err)
	}
}

func TestConsumeDedupeIsPerBusInstance(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()
	if _, err := st.GetOrCreateUser(ctx, "user-1", "u"); err != nil {
		t.Fatalf("GetOrCreateUser: %v", err)
	}

	producer := New(st)
	ev, err := producer.Emit(ctx, "user-1", "subagent_result", nil)
	if err != nil {
		t.Fatalf("Emit: %v", err)
	}

	consumer := New(st)
	events, err := consumer.Consume(ctx, "user-1")
	if err != nil {
		t.Fatalf("Consume: %v", err)
	}
	if len(events) != 1 || events[0].EventID != ev.EventID {
		t.Fatalf("expected a fresh Bus to see the event as undelivered, got %+v", events)
	}
}
