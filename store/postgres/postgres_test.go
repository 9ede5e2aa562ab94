package postgres

import (
	"context"
	"os"
	"sync"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/graphbot/graphbot/store"
	"github.com/graphbot/graphbot/store/storetest"
)

// Requires GRAPHBOT_TEST_POSTGRES_DSN; skipped otherwise since these tests
// need a live PostgreSQL instance with the pgvector-free schema applied.
func testStore(t *testing.T) store.Store {
	t.Helper()
	dsn := os.Getenv("GRAPHBOT_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("GRAPHBOT_TEST_POSTGRES_DSN not set")
	}
	ctx := context.Background()

	if err := Migrate(dsn); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("pgxpool.New: %v", err)
	}
	s := New(pool)
	if err := s.Init(ctx); err != nil {
		t.Fatalf("Init: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	truncateAll(t, pool)
	return s
}

func truncateAll(t *testing.T, pool *pgxpool.Pool) {
	t.Helper()
	tables := []string{
		"delegation_log", "api_keys", "cron_execution_log", "system_events", "background_tasks",
		"reminders", "cron_jobs", "preferences", "favorites", "activity_log", "user_notes",
		"agent_memory", "messages", "sessions", "channel_links", "users",
	}
	for _, tbl := range tables {
		if _, err := pool.Exec(context.Background(), "TRUNCATE TABLE "+tbl+" CASCADE"); err != nil {
			t.Fatalf("truncate %s: %v", tbl, err)
		}
	}
}

func TestConformance(t *testing.T) {
	storetest.Run(t, testStore)
}

// TestAppendMessageConcurrentCallersGetDistinctSeqNo drives many concurrent
// AppendMessage calls against the same session and checks the resulting
// seq_no values are a gapless 1..N permutation with no duplicates, which
// would only be possible if the row lock in AppendMessage actually
// serializes them.
func TestAppendMessageConcurrentCallersGetDistinctSeqNo(t *testing.T) {
	s := testStore(t).(*Store)
	ctx := context.Background()

	user, err := s.GetOrCreateUser(ctx, "racer", "Racer")
	if err != nil {
		t.Fatalf("GetOrCreateUser: %v", err)
	}
	sess, err := s.OpenSession(ctx, user.UserID, "telegram")
	if err != nil {
		t.Fatalf("OpenSession: %v", err)
	}

	const n = 20
	var wg sync.WaitGroup
	seqNos := make([]int64, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			msg, err := s.AppendMessage(ctx, store.Message{
				SessionID: sess.SessionID,
				Role:      "user",
				Content:   "concurrent append",
			})
			seqNos[i] = msg.SeqNo
			errs[i] = err
		}(i)
	}
	wg.Wait()

	seen := make(map[int64]bool, n)
	for i, err := range errs {
		if err != nil {
			t.Fatalf("AppendMessage[%d]: %v", i, err)
		}
		if seen[seqNos[i]] {
			t.Fatalf("duplicate seq_no %d assigned to two concurrent appends", seqNos[i])
		}
		seen[seqNos[i]] = true
	}
	for want := int64(1); want <= n; want++ {
		if !seen[want] {
			t.Fatalf("expected seq_no %d to have been assigned, got %v", want, seqNos)
		}
	}
}
