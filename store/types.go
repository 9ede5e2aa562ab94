// Package store defines the Durable Store contract: the single source of
// truth for users, sessions, messages, memory, scheduled work, and the
// background event queue. Implementations live in store/sqlite (embedded,
// default) and store/postgres.
package store

import "encoding/json"

// Role is a user's RBAC role.
type Role string

const (
	RoleOwner  Role = "owner"
	RoleMember Role = "member"
	RoleGuest  Role = "guest"
)

// User is an assistant end-user. Exactly one owner exists when RBAC is
// enabled; the owner is derived from config at startup and role is mutated
// only by the owner.
type User struct {
	UserID       string `json:"user_id"`
	DisplayName  string `json:"display_name"`
	PasswordHash string `json:"password_hash,omitempty"`
	Role         Role   `json:"role"`
	CreatedAt    int64  `json:"created_at"`
}

// ChannelLink resolves an external channel identity to a user_id. Unique
// on (Channel, ChannelAddress).
type ChannelLink struct {
	UserID         string            `json:"user_id"`
	Channel        string            `json:"channel"`
	ChannelAddress string            `json:"channel_address"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// CloseReason explains why a Session ended.
type CloseReason string

const (
	CloseReasonTokenLimit CloseReason = "token_limit"
	CloseReasonManual     CloseReason = "manual"
)

// Session is the unit over which the token budget is enforced. At most one
// session with EndedAt == nil exists per (UserID, Channel) — guests are
// capped at one open session total.
type Session struct {
	SessionID   string       `json:"session_id"`
	UserID      string       `json:"user_id"`
	Channel     string       `json:"channel"`
	StartedAt   int64        `json:"started_at"`
	EndedAt     *int64       `json:"ended_at,omitempty"`
	Summary     string       `json:"summary,omitempty"`
	TokenCount  int          `json:"token_count"`
	CloseReason *CloseReason `json:"close_reason,omitempty"`
}

// MessageRole is the role tag on a persisted Message.
type MessageRole string

const (
	MessageRoleUser      MessageRole = "user"
	MessageRoleAssistant MessageRole = "assistant"
	MessageRoleSystem    MessageRole = "system"
	MessageRoleTool      MessageRole = "tool"
)

// Message is one append-only conversation entry.
type Message struct {
	ID        string          `json:"id"`
	SessionID string          `json:"session_id"`
	Role      MessageRole     `json:"role"`
	Content   string          `json:"content"`
	ToolCalls json.RawMessage `json:"tool_calls,omitempty"`
	// ToolCallID links a MessageRoleTool message back to the tool_calls
	// entry it answers. Empty for every other role.
	ToolCallID string `json:"tool_call_id,omitempty"`
	CreatedAt  int64  `json:"created_at"`
	// SeqNo is the monotonic insertion id used for total ordering within a
	// session (spec.md §5: "ordering is by insertion, not by created_at").
	SeqNo int64 `json:"seq_no"`
}

// NoteSource tags where a UserNote came from.
type NoteSource string

const (
	NoteSourceConversation NoteSource = "conversation"
	NoteSourceExtraction   NoteSource = "extraction"
	NoteSourceOnboarding   NoteSource = "onboarding"
)

// UserNote is a free-text fact about a user, consumed by the user_context
// context-builder layer.
type UserNote struct {
	ID        string     `json:"id"`
	UserID    string     `json:"user_id"`
	Content   string     `json:"content"`
	Source    NoteSource `json:"source"`
	CreatedAt int64      `json:"created_at"`
}

// AgentMemory is a semantic key-value record (e.g. key="long_term").
type AgentMemory struct {
	UserID    string `json:"user_id"`
	Key       string `json:"key"`
	Value     string `json:"value"`
	UpdatedAt int64  `json:"updated_at"`
}

// ActivityLog is one recent-activity entry surfaced by the user_context layer.
type ActivityLog struct {
	ID        string `json:"id"`
	UserID    string `json:"user_id"`
	Summary   string `json:"summary"`
	CreatedAt int64  `json:"created_at"`
}

// Favorite is a user-pinned item.
type Favorite struct {
	ID        string `json:"id"`
	UserID    string `json:"user_id"`
	Label     string `json:"label"`
	Value     string `json:"value"`
	CreatedAt int64  `json:"created_at"`
}

// Preference is a JSON-document preference store, merged on write.
type Preference struct {
	UserID    string          `json:"user_id"`
	Document  json.RawMessage `json:"document"`
	UpdatedAt int64           `json:"updated_at"`
}

// Processor selects how a scheduled or immediate background task executes.
type Processor string

const (
	ProcessorStatic   Processor = "static"
	ProcessorFunction Processor = "function"
	ProcessorAgent    Processor = "agent"
)

// NotifyCondition controls whether a monitor-style trigger delivers its
// result unconditionally or only on a non-skip response.
type NotifyCondition string

const (
	NotifyAlways     NotifyCondition = "always"
	NotifyNotifySkip NotifyCondition = "notify_skip"
)

// CronJob is a recurring background trigger.
type CronJob struct {
	JobID               string          `json:"job_id"`
	UserID              string          `json:"user_id"`
	CronExpr            string          `json:"cron_expr"`
	Message             string          `json:"message"`
	Channel             string          `json:"channel"`
	Enabled             bool            `json:"enabled"`
	Processor           Processor       `json:"processor"`
	PlanJSON            json.RawMessage `json:"plan_json"`
	NotifyCondition     NotifyCondition `json:"notify_condition"`
	ConsecutiveFailures int             `json:"consecutive_failures"`
	CreatedAt           int64           `json:"created_at"`
}

// ReminderStatus is the lifecycle state of a one-shot or recurring Reminder.
type ReminderStatus string

const (
	ReminderPending   ReminderStatus = "pending"
	ReminderSent      ReminderStatus = "sent"
	ReminderCancelled ReminderStatus = "cancelled"
	ReminderFailed    ReminderStatus = "failed"
)

// Reminder is a one-shot (or, with CronExpr set, recurring) background
// trigger. A reminder with CronExpr never leaves ReminderPending.
type Reminder struct {
	ReminderID string          `json:"reminder_id"`
	UserID     string          `json:"user_id"`
	Channel    string          `json:"channel"`
	RunAt      int64           `json:"run_at"`
	CronExpr   string          `json:"cron_expr,omitempty"`
	Processor  Processor       `json:"processor"`
	PlanJSON   json.RawMessage `json:"plan_json"`
	Status     ReminderStatus  `json:"status"`
	CreatedAt  int64           `json:"created_at"`
	SentAt     *int64          `json:"sent_at,omitempty"`
}

// BackgroundTaskStatus is the lifecycle state of an immediate BackgroundTask.
type BackgroundTaskStatus string

const (
	TaskRunning   BackgroundTaskStatus = "running"
	TaskCompleted BackgroundTaskStatus = "completed"
	TaskFailed    BackgroundTaskStatus = "failed"
)

// BackgroundTask is an immediate (non-scheduled) background execution
// spawned by the Subagent Worker.
type BackgroundTask struct {
	TaskID          string               `json:"task_id"`
	UserID          string               `json:"user_id"`
	ParentSession   string               `json:"parent_session,omitempty"`
	FallbackChannel string               `json:"fallback_channel"`
	Status          BackgroundTaskStatus `json:"status"`
	PlanJSON        json.RawMessage      `json:"plan"`
	Result          string               `json:"result,omitempty"`
	Error           string               `json:"error,omitempty"`
	StartedAt       int64                `json:"started_at"`
	CompletedAt     *int64               `json:"completed_at,omitempty"`
}

// SystemEvent is an at-least-once background notification, consumed either
// by a realtime push or by the context builder's "events" layer.
type SystemEvent struct {
	EventID     string          `json:"event_id"`
	UserID      string          `json:"user_id"`
	Kind        string          `json:"kind"`
	Payload     json.RawMessage `json:"payload"`
	DeliveredAt *int64          `json:"delivered_at,omitempty"`
	CreatedAt   int64           `json:"created_at"`
}

// CronExecutionStatus is the outcome of one CronJob/Reminder firing.
type CronExecutionStatus string

const (
	ExecutionSuccess CronExecutionStatus = "success"
	ExecutionError   CronExecutionStatus = "error"
	ExecutionSkipped CronExecutionStatus = "skipped"
)

// CronExecutionLog records one trigger firing for failure-counting and audit.
type CronExecutionLog struct {
	LogID      string               `json:"log_id"`
	JobID      string               `json:"job_id"`
	ExecutedAt int64                `json:"executed_at"`
	Status     CronExecutionStatus  `json:"status"`
	Result     string               `json:"result,omitempty"`
	DurationMs int64                `json:"duration_ms"`
}

// ApiKey is an audit row with no runtime invariants.
type ApiKey struct {
	KeyID     string `json:"key_id"`
	UserID    string `json:"user_id"`
	Label     string `json:"label"`
	CreatedAt int64  `json:"created_at"`
	RevokedAt *int64 `json:"revoked_at,omitempty"`
}

// DelegationLog is an audit row recording one planner call.
type DelegationLog struct {
	LogID       string          `json:"log_id"`
	UserID      string          `json:"user_id"`
	TaskText    string          `json:"task_text"`
	PlanJSON    json.RawMessage `json:"plan_json,omitempty"`
	Error       string          `json:"error,omitempty"`
	CreatedAt   int64           `json:"created_at"`
}
