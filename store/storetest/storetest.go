// Package storetest holds a black-box conformance suite that both
// store/sqlite and store/postgres run against their respective
// constructors, so the two backends can never silently diverge on the
// invariants the rest of the system depends on.
package storetest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/graphbot/graphbot/store"
)

// Run exercises every store.Store invariant against new. new must return a
// freshly initialized, empty Store for each call.
func Run(t *testing.T, new func(t *testing.T) store.Store) {
	t.Helper()
	t.Run("GetOrCreateUserIsIdempotent", func(t *testing.T) { testGetOrCreateUserIsIdempotent(t, new) })
	t.Run("AtMostOneOpenSessionPerUserChannel", func(t *testing.T) { testAtMostOneOpenSession(t, new) })
	t.Run("GetAnyOpenSessionFindsAcrossChannels", func(t *testing.T) { testGetAnyOpenSession(t, new) })
	t.Run("EndSessionIsIdempotent", func(t *testing.T) { testEndSessionIdempotent(t, new) })
	t.Run("MessagesOrderedBySeqNoNotCreatedAt", func(t *testing.T) { testMessageOrdering(t, new) })
	t.Run("PreferencesMergeIsShallow", func(t *testing.T) { testPreferencesMerge(t, new) })
	t.Run("CronFailureCounterIncrementsAndResets", func(t *testing.T) { testCronFailureCounter(t, new) })
	t.Run("EventDeliveryIsIdempotent", func(t *testing.T) { testEventDeliveryIdempotent(t, new) })
	t.Run("ReminderStatusTransitions", func(t *testing.T) { testReminderStatusTransitions(t, new) })
}

func testGetOrCreateUserIsIdempotent(t *testing.T, newStore func(t *testing.T) store.Store) {
	s := newStore(t)
	ctx := context.Background()

	u1, err := s.GetOrCreateUser(ctx, "user-1", "Ada")
	require.NoError(t, err)
	require.Equal(t, "user-1", u1.UserID)
	require.Equal(t, store.RoleMember, u1.Role)

	u2, err := s.GetOrCreateUser(ctx, "user-1", "ignored second name")
	require.NoError(t, err)
	require.Equal(t, u1, u2, "second call must return the original row, not overwrite it")
}

func testAtMostOneOpenSession(t *testing.T, newStore func(t *testing.T) store.Store) {
	s := newStore(t)
	ctx := context.Background()
	_, err := s.GetOrCreateUser(ctx, "user-1", "Ada")
	require.NoError(t, err)

	_, ok, err := s.GetOpenSession(ctx, "user-1", "telegram")
	require.NoError(t, err)
	require.False(t, ok, "no session should be open initially")

	sess, err := s.OpenSession(ctx, "user-1", "telegram")
	require.NoError(t, err)

	again, ok, err := s.GetOpenSession(ctx, "user-1", "telegram")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, sess.SessionID, again.SessionID)

	closed, err := s.EndSession(ctx, sess.SessionID, "done", store.CloseReasonManual)
	require.NoError(t, err)
	require.True(t, closed)

	_, ok, err = s.GetOpenSession(ctx, "user-1", "telegram")
	require.NoError(t, err)
	require.False(t, ok, "session must no longer be open after EndSession")
}

func testGetAnyOpenSession(t *testing.T, newStore func(t *testing.T) store.Store) {
	s := newStore(t)
	ctx := context.Background()
	_, err := s.GetOrCreateUser(ctx, "user-guest", "Guest")
	require.NoError(t, err)

	_, ok, err := s.GetAnyOpenSession(ctx, "user-guest")
	require.NoError(t, err)
	require.False(t, ok, "no session should be open initially")

	sess, err := s.OpenSession(ctx, "user-guest", "telegram")
	require.NoError(t, err)

	found, ok, err := s.GetAnyOpenSession(ctx, "user-guest")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, sess.SessionID, found.SessionID, "must find the open session even when queried without its channel")

	_, err = s.EndSession(ctx, sess.SessionID, "done", store.CloseReasonManual)
	require.NoError(t, err)

	_, ok, err = s.GetAnyOpenSession(ctx, "user-guest")
	require.NoError(t, err)
	require.False(t, ok)
}

func testEndSessionIdempotent(t *testing.T, newStore func(t *testing.T) store.Store) {
	s := newStore(t)
	ctx := context.Background()
	sess, err := s.OpenSession(ctx, "user-1", "telegram")
	require.NoError(t, err)

	closed1, err := s.EndSession(ctx, sess.SessionID, "first", store.CloseReasonTokenLimit)
	require.NoError(t, err)
	require.True(t, closed1)

	// A second close call must not be an error and must report it did
	// nothing (the row was already closed by the first call).
	closed2, err := s.EndSession(ctx, sess.SessionID, "second", store.CloseReasonManual)
	require.NoError(t, err)
	require.False(t, closed2)

	got, ok, err := s.LastClosedSession(ctx, "user-1", "telegram")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "first", got.Summary, "the second EndSession call must not overwrite the summary")
	require.NotNil(t, got.CloseReason)
	require.Equal(t, store.CloseReasonTokenLimit, *got.CloseReason)
}

func testMessageOrdering(t *testing.T, newStore func(t *testing.T) store.Store) {
	s := newStore(t)
	ctx := context.Background()
	sess, err := s.OpenSession(ctx, "user-1", "telegram")
	require.NoError(t, err)

	// Insert out of created_at order; seq_no must still reflect insertion order.
	base := time.Now().Unix()
	texts := []string{"first", "second", "third"}
	for i, text := range texts {
		msg := store.Message{
			SessionID: sess.SessionID,
			Role:      store.MessageRoleUser,
			Content:   text,
			CreatedAt: base - int64(i), // deliberately decreasing
		}
		_, err := s.AppendMessage(ctx, msg)
		require.NoError(t, err)
	}

	got, err := s.RecentMessages(ctx, sess.SessionID, 10)
	require.NoError(t, err)
	require.Len(t, got, 3)
	for i, text := range texts {
		require.Equal(t, text, got[i].Content, "messages must be ordered by seq_no (insertion), not created_at")
		require.Equal(t, int64(i+1), got[i].SeqNo)
	}
}

func testPreferencesMerge(t *testing.T, newStore func(t *testing.T) store.Store) {
	s := newStore(t)
	ctx := context.Background()

	err := s.MergePreferences(ctx, "user-1", []byte(`{"a": 1, "b": 2}`))
	require.NoError(t, err)

	err = s.MergePreferences(ctx, "user-1", []byte(`{"b": 3, "c": 4}`))
	require.NoError(t, err)

	prefs, err := s.GetPreferences(ctx, "user-1")
	require.NoError(t, err)
	require.JSONEq(t, `{"a": 1, "b": 3, "c": 4}`, string(prefs.Document))
}

func testCronFailureCounter(t *testing.T, newStore func(t *testing.T) store.Store) {
	s := newStore(t)
	ctx := context.Background()

	job := store.CronJob{
		JobID:     "job-1",
		UserID:    "user-1",
		CronExpr:  "0 9 * * *",
		Channel:   "telegram",
		Enabled:   true,
		Processor: store.ProcessorStatic,
	}
	require.NoError(t, s.CreateCronJob(ctx, job))

	for i := 1; i <= 3; i++ {
		n, err := s.IncrementFailures(ctx, job.JobID)
		require.NoError(t, err)
		require.Equal(t, i, n)
	}

	got, ok, err := s.GetCronJob(ctx, job.JobID)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 3, got.ConsecutiveFailures)

	require.NoError(t, s.ResetFailures(ctx, job.JobID))
	got, _, err = s.GetCronJob(ctx, job.JobID)
	require.NoError(t, err)
	require.Zero(t, got.ConsecutiveFailures)
}

func testEventDeliveryIdempotent(t *testing.T, newStore func(t *testing.T) store.Store) {
	s := newStore(t)
	ctx := context.Background()

	ev, err := s.EnqueueEvent(ctx, "user-1", "subagent_result", []byte(`{"ok":true}`))
	require.NoError(t, err)

	undelivered, err := s.UndeliveredEvents(ctx, "user-1")
	require.NoError(t, err)
	require.Len(t, undelivered, 1)

	require.NoError(t, s.MarkEventsDelivered(ctx, []string{ev.EventID}))
	// Marking twice must not error (dedupe-by-event_id is consumer-side, but
	// the store write itself must stay idempotent).
	require.NoError(t, s.MarkEventsDelivered(ctx, []string{ev.EventID}))

	undelivered, err = s.UndeliveredEvents(ctx, "user-1")
	require.NoError(t, err)
	require.Empty(t, undelivered)
}

func testReminderStatusTransitions(t *testing.T, newStore func(t *testing.T) store.Store) {
	s := newStore(t)
	ctx := context.Background()

	r := store.Reminder{
		ReminderID: "rem-1",
		UserID:     "user-1",
		Channel:    "telegram",
		RunAt:      time.Now().Unix(),
		Processor:  store.ProcessorStatic,
	}
	require.NoError(t, s.CreateReminder(ctx, r))

	pending, err := s.ListPendingReminders(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	sentAt := time.Now().Unix()
	require.NoError(t, s.UpdateReminderStatus(ctx, r.ReminderID, store.ReminderSent, &sentAt))

	got, ok, err := s.GetReminder(ctx, r.ReminderID)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, store.ReminderSent, got.Status)
	require.NotNil(t, got.SentAt)

	pending, err = s.ListPendingReminders(ctx)
	require.NoError(t, err)
	require.Empty(t, pending)
}
