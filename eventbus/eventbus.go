// Package eventbus provides the at-least-once delivery primitive over the
// store's SystemEvent queue: the Subagent Worker emits, a realtime
// push consumer and the context builder's events layer both consume and
// mark delivered. The store's delivered_at column is the producer-side
// record of delivery; Bus adds a consumer-side dedupe-by-event_id so two
// consumers racing on the same undelivered batch (a realtime push firing
// just as a turn's context is being built) don't both act on it twice.
package eventbus

import (
	"context"
	"sync"

	"github.com/graphbot/graphbot/store"
)

// Bus wraps a store's event queue with consumer-side dedupe. The producer
// never deletes an event on its own — only MarkDelivered (via the store)
// retires one.
type Bus struct {
	store store.Store

	mu   sync.Mutex
	seen map[string]bool
}

// New builds a Bus over st.
func New(st store.Store) *Bus {
	return &Bus{store: st, seen: make(map[string]bool)}
}

// Emit enqueues a new event for userID. The Subagent Worker calls it on
// every completion. The Scheduler does not call it: no CronJob or Reminder
// execution emits an event, whatever its processor or notify_condition.
func (b *Bus) Emit(ctx context.Context, userID, kind string, payload []byte) (store.SystemEvent, error) {
	return b.store.EnqueueEvent(ctx, userID, kind, payload)
}

// Consume returns userID's undelivered events, filtered to ones this Bus
// instance hasn't already marked delivered — the consumer-side half of dedupe.
// It does not mark anything delivered; callers call MarkDelivered once
// they've actually rendered/pushed the event.
func (b *Bus) Consume(ctx context.Context, userID string) ([]store.SystemEvent, error) {
	all, err := b.store.UndeliveredEvents(ctx, userID)
	if err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	fresh := make([]store.SystemEvent, 0, len(all))
	for _, e := range all {
		if b.seen[e.EventID] {
			continue
		}
		fresh = append(fresh, e)
	}
	return fresh, nil
}

// MarkDelivered records eventIDs as delivered, both in the durable store
// and in this Bus's in-process seen set. Idempotent: marking an
// already-delivered id again is harmless.
func (b *Bus) MarkDelivered(ctx context.Context, eventIDs []string) error {
	if len(eventIDs) == 0 {
		return nil
	}
	if err := b.store.MarkEventsDelivered(ctx, eventIDs); err != nil {
		return err
	}
	b.mu.Lock()
	for _, id := range eventIDs {
		b.seen[id] = true
	}
	b.mu.Unlock()
	return nil
}
