package store

import "context"

// Store is the single-writer durable store: the sole mutator of every
// user_id-tagged row, and the source of truth for session lifecycle,
// memory, and the background event queue. Concurrent appends to the same
// session serialize at the row level; ordering is by insertion (Message.SeqNo),
// not by CreatedAt.
type Store interface {
	// --- Users & channel identity ---

	GetOrCreateUser(ctx context.Context, userID, displayName string) (User, error)
	GetUser(ctx context.Context, userID string) (User, bool, error)
	SetUserRole(ctx context.Context, userID string, role Role) error
	ResolveChannel(ctx context.Context, channel, address string) (userID string, ok bool, err error)
	LinkChannel(ctx context.Context, link ChannelLink) error

	// --- Sessions ---

	// OpenSession creates a new session for (userID, channel). Callers must
	// first confirm via GetOpenSession that none is open.
	OpenSession(ctx context.Context, userID, channel string) (Session, error)
	GetOpenSession(ctx context.Context, userID, channel string) (Session, bool, error)
	// GetAnyOpenSession returns the user's open session regardless of
	// channel. Used to enforce the guest one-session-total cap: a guest's
	// single open session may be reused from a different channel than the
	// one the message arrived on.
	GetAnyOpenSession(ctx context.Context, userID string) (Session, bool, error)
	// EndSession closes a session idempotently: "UPDATE ... WHERE ended_at
	// IS NULL". closed reports whether this call performed the close (false
	// means a prior call already closed it — not an error).
	EndSession(ctx context.Context, sessionID, summary string, reason CloseReason) (closed bool, err error)
	UpdateSessionTokenCount(ctx context.Context, sessionID string, delta int) error
	// LastClosedSession returns the most recently closed session for
	// (userID, channel), used by the session_summary context layer.
	LastClosedSession(ctx context.Context, userID, channel string) (Session, bool, error)
	CountOpenSessions(ctx context.Context, userID string) (int, error)

	// --- Messages ---

	AppendMessage(ctx context.Context, msg Message) (Message, error)
	RecentMessages(ctx context.Context, sessionID string, limit int) ([]Message, error)

	// --- Memory / context-layer sources ---

	GetAgentMemory(ctx context.Context, userID, key string) (AgentMemory, bool, error)
	SetAgentMemory(ctx context.Context, mem AgentMemory) error

	AddUserNote(ctx context.Context, note UserNote) error
	RecentUserNotes(ctx context.Context, userID string, limit int) ([]UserNote, error)

	AddActivity(ctx context.Context, activity ActivityLog) error
	RecentActivity(ctx context.Context, userID string, limit int) ([]ActivityLog, error)

	AddFavorite(ctx context.Context, fav Favorite) error
	ListFavorites(ctx context.Context, userID string) ([]Favorite, error)

	// GetPreferences returns the merged preference document, or an empty
	// object if none exists.
	GetPreferences(ctx context.Context, userID string) (Preference, error)
	// MergePreferences JSON-merges patch into the stored document (shallow
	// key overwrite) and persists the result.
	MergePreferences(ctx context.Context, userID string, patch []byte) error

	// --- Scheduled work ---

	CreateCronJob(ctx context.Context, job CronJob) error
	GetCronJob(ctx context.Context, jobID string) (CronJob, bool, error)
	ListCronJobs(ctx context.Context, userID string) ([]CronJob, error)
	ListEnabledCronJobs(ctx context.Context) ([]CronJob, error)
	SetCronJobEnabled(ctx context.Context, jobID string, enabled bool) error
	DeleteCronJob(ctx context.Context, jobID string) error
	IncrementFailures(ctx context.Context, jobID string) (consecutive int, err error)
	ResetFailures(ctx context.Context, jobID string) error

	CreateReminder(ctx context.Context, r Reminder) error
	GetReminder(ctx context.Context, reminderID string) (Reminder, bool, error)
	ListReminders(ctx context.Context, userID string) ([]Reminder, error)
	ListPendingReminders(ctx context.Context) ([]Reminder, error)
	UpdateReminderStatus(ctx context.Context, reminderID string, status ReminderStatus, sentAt *int64) error
	CancelReminder(ctx context.Context, reminderID string) error

	AppendCronExecutionLog(ctx context.Context, log CronExecutionLog) error
	RecentCronExecutionLogs(ctx context.Context, jobID string, limit int) ([]CronExecutionLog, error)

	CreateBackgroundTask(ctx context.Context, task BackgroundTask) error
	UpdateBackgroundTask(ctx context.Context, task BackgroundTask) error
	GetBackgroundTask(ctx context.Context, taskID string) (BackgroundTask, bool, error)

	// --- Event queue ---

	EnqueueEvent(ctx context.Context, userID, kind string, payload []byte) (SystemEvent, error)
	UndeliveredEvents(ctx context.Context, userID string) ([]SystemEvent, error)
	MarkEventsDelivered(ctx context.Context, eventIDs []string) error

	// --- Audit ---

	AppendDelegationLog(ctx context.Context, log DelegationLog) error

	// --- Lifecycle ---

	Init(ctx context.Context) error
	Close() error
}
