// Package ratelimit implements runner.RateLimiter with a per-user token
// bucket, optionally backed by Redis so multiple graphbotd instances
// behind the same channel share one budget.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"
)

// Limiter gates requests per user with an in-process token bucket:
// requestsPerMinute tokens refilled continuously, burst equal to the
// per-minute rate so a user can use a full minute's budget in one burst
// after being idle.
type Limiter struct {
	mu       sync.Mutex
	buckets  map[string]*rate.Limiter
	rps      rate.Limit
	burst    int
}

// New builds a Limiter allowing requestsPerMinute requests per user per
// minute. requestsPerMinute <= 0 means unlimited: Allow always returns true.
func New(requestsPerMinute int) *Limiter {
	if requestsPerMinute <= 0 {
		return &Limiter{}
	}
	return &Limiter{
		buckets: make(map[string]*rate.Limiter),
		rps:     rate.Limit(float64(requestsPerMinute) / 60.0),
		burst:   requestsPerMinute,
	}
}

// Allow reports whether userID may proceed now, consuming one token if so.
func (l *Limiter) Allow(ctx context.Context, userID string) bool {
	if l.buckets == nil {
		return true
	}
	return l.bucketFor(userID).Allow()
}

func (l *Limiter) bucketFor(userID string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.buckets[userID]
	if !ok {
		b = rate.NewLimiter(l.rps, l.burst)
		l.buckets[userID] = b
	}
	return b
}

// RedisStore is the subset of a Redis client the distributed limiter
// needs: an atomic increment plus a per-key expiry.
type RedisStore interface {
	Incr(ctx context.Context, key string) (int64, error)
	Expire(ctx context.Context, key string, ttl time.Duration) error
}

// Distributed gates requests per user across every instance sharing the
// same RedisStore, using a fixed one-minute window keyed by user and
// wall-clock minute. Use it instead of Limiter when graphbotd runs more
// than one instance behind the same channel.
type Distributed struct {
	store             RedisStore
	requestsPerMinute int64
	now               func() time.Time
}

// NewDistributed builds a Distributed limiter. now defaults to time.Now
// when nil; tests supply a fixed clock.
func NewDistributed(store RedisStore, requestsPerMinute int, now func() time.Time) *Distributed {
	if now == nil {
		now = time.Now
	}
	return &Distributed{store: store, requestsPerMinute: int64(requestsPerMinute), now: now}
}

// Allow increments the counter for userID's current minute window and
// reports whether it is still within budget. On a store error, Allow
// fails open (returns true) rather than blocking every user because
// Redis hiccuped.
func (d *Distributed) Allow(ctx context.Context, userID string) bool {
	if d.requestsPerMinute <= 0 {
		return true
	}
	key := windowKey(userID, d.now())
	count, err := d.store.Incr(ctx, key)
	if err != nil {
		return true
	}
	if count == 1 {
		_ = d.store.Expire(ctx, key, 2*time.Minute)
	}
	return count <= d.requestsPerMinute
}

func windowKey(userID string, at time.Time) string {
	return "graphbot:ratelimit:" + userID + ":" + at.UTC().Format("200601021504")
}

// redisAdapter adapts *redis.Client to RedisStore.
type redisAdapter struct{ client *redis.Client }

func (a redisAdapter) Incr(ctx context.Context, key string) (int64, error) {
	return a.client.Incr(ctx, key).Result()
}

func (a redisAdapter) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return a.client.Expire(ctx, key, ttl).Err()
}

// NewDistributedRedis builds a Distributed limiter backed by a real
// go-redis client, for deployments running multiple graphbotd instances
// against the same channel.
func NewDistributedRedis(client *redis.Client, requestsPerMinute int) *Distributed {
	return NewDistributed(redisAdapter{client: client}, requestsPerMinute, nil)
}
