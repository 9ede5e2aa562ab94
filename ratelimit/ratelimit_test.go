package ratelimit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestNewUnlimitedAlwaysAllows(t *testing.T) {
	l := New(0)
	ctx := context.Background()
	for i := 0; i < 100; i++ {
		if !l.Allow(ctx, "alice") {
			t.Fatal("expected unlimited limiter to always allow")
		}
	}
}

func TestAllowPerUserBurstThenDenies(t *testing.T) {
	l := New(2)
	ctx := context.Background()
	if !l.Allow(ctx, "alice") {
		t.Fatal("expected first request to be allowed")
	}
	if !l.Allow(ctx, "alice") {
		t.Fatal("expected second request (within burst) to be allowed")
	}
	if l.Allow(ctx, "alice") {
		t.Fatal("expected third immediate request to exceed burst")
	}
}

func TestAllowIsIndependentPerUser(t *testing.T) {
	l := New(1)
	ctx := context.Background()
	if !l.Allow(ctx, "alice") {
		t.Fatal("expected alice's first request to be allowed")
	}
	if !l.Allow(ctx, "bob") {
		t.Fatal("expected bob's budget to be independent of alice's")
	}
}

type fakeRedisStore struct {
	mu      sync.Mutex
	counts  map[string]int64
	expired map[string]time.Duration
	incrErr error
}

func newFakeRedisStore() *fakeRedisStore {
	return &fakeRedisStore{counts: make(map[string]int64), expired: make(map[string]time.Duration)}
}

func (f *fakeRedisStore) Incr(ctx context.Context, key string) (int64, error) {
	if f.incrErr != nil {
		return 0, f.incrErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.counts[key]++
	return f.counts[key], nil
}

func (f *fakeRedisStore) Expire(ctx context.Context, key string, ttl time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.expired[key] = ttl
	return nil
}

func TestDistributedAllowsUpToLimitWithinWindow(t *testing.T) {
	store := newFakeRedisStore()
	fixed := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	d := NewDistributed(store, 2, func() time.Time { return fixed })
	ctx := context.Background()
	if !d.Allow(ctx, "alice") {
		t.Fatal("expected first request within window to be allowed")
	}
	if !d.Allow(ctx, "alice") {
		t.Fatal("expected second request within window to be allowed")
	}
	if d.Allow(ctx, "alice") {
		t.Fatal("expected third request within window to be denied")
	}
}

func TestDistributedResetsOnNewWindow(t *testing.T) {
	store := newFakeRedisStore()
	t1 := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	clock := t1
	d := NewDistributed(store, 1, func() time.Time { return clock })
	ctx := context.Background()
	if !d.Allow(ctx, "alice") {
		t.Fatal("expected first request to be allowed")
	}
	if d.Allow(ctx, "alice") {
		t.Fatal("expected second request in same window to be denied")
	}
	clock = t1.Add(time.Minute)
	if !d.Allow(ctx, "alice") {
		t.Fatal("expected request in next window to be allowed")
	}
}

func TestDistributedFailsOpenOnStoreError(t *testing.T) {
	store := newFakeRedisStore()
	store.incrErr = errors.New("redis unavailable")
	d := NewDistributed(store, 1, nil)
	if !d.Allow(context.Background(), "alice") {
		t.Fatal("expected Allow to fail open when the store errors")
	}
}
