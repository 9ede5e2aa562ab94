// Package postgres implements store.Store on PostgreSQL via pgx. It is the
// multi-writer backend: callers needing more than a single embedded process
// (e.g. a bot process plus a separate scheduler worker) point both at the
// same DSN instead of sharing a SQLite file.
//
// Schema changes ship as versioned files under migrations/ and are applied
// with golang-migrate (see Migrate); Store itself assumes the schema
// already exists and never issues DDL.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/graphbot/graphbot"
	"github.com/graphbot/graphbot/store"
)

// Store implements store.Store backed by an externally-owned pgxpool.Pool.
// The caller creates and closes the pool.
type Store struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

var _ store.Store = (*Store)(nil)

// Option configures a Store.
type Option func(*Store)

// WithLogger sets a structured logger; the default discards all output.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// New creates a Store using an existing pool.
func New(pool *pgxpool.Pool, opts ...Option) *Store {
	s := &Store{pool: pool, logger: slog.New(discardHandler{})}
	for _, o := range opts {
		o(s)
	}
	return s
}

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// Init verifies connectivity. Schema provisioning is the migrations'
// responsibility (see Migrate); this only pings the pool so Store.Init
// fails fast the same way store/sqlite's does when misconfigured.
func (s *Store) Init(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("postgres: ping: %w", err)
	}
	s.logger.Debug("postgres: store ready")
	return nil
}

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

func nowUnix() int64 { return time.Now().UTC().Unix() }

// --- Users & channel identity ---

func (s *Store) GetOrCreateUser(ctx context.Context, userID, displayName string) (store.User, error) {
	u, ok, err := s.GetUser(ctx, userID)
	if err != nil {
		return store.User{}, err
	}
	if ok {
		return u, nil
	}
	u = store.User{UserID: userID, DisplayName: displayName, Role: store.RoleMember, CreatedAt: nowUnix()}
	_, err = s.pool.Exec(ctx, `INSERT INTO users (user_id, display_name, role, created_at) VALUES ($1, $2, $3, $4)`,
		u.UserID, u.DisplayName, u.Role, u.CreatedAt)
	if err != nil {
		return store.User{}, fmt.Errorf("postgres: create user: %w", err)
	}
	return u, nil
}

func (s *Store) GetUser(ctx context.Context, userID string) (store.User, bool, error) {
	var u store.User
	var passwordHash *string
	row := s.pool.QueryRow(ctx, `SELECT user_id, display_name, password_hash, role, created_at FROM users WHERE user_id = $1`, userID)
	err := row.Scan(&u.UserID, &u.DisplayName, &passwordHash, &u.Role, &u.CreatedAt)
	if err == pgx.ErrNoRows {
		return store.User{}, false, nil
	}
	if err != nil {
		return store.User{}, false, fmt.Errorf("postgres: get user: %w", err)
	}
	if passwordHash != nil {
		u.PasswordHash = *passwordHash
	}
	return u, true, nil
}

func (s *Store) SetUserRole(ctx context.Context, userID string, role store.Role) error {
	_, err := s.pool.Exec(ctx, `UPDATE users SET role = $1 WHERE user_id = $2`, role, userID)
	if err != nil {
		return fmt.Errorf("postgres: set user role: %w", err)
	}
	return nil
}

func (s *Store) ResolveChannel(ctx context.Context, channel, address string) (string, bool, error) {
	var userID string
	row := s.pool.QueryRow(ctx, `SELECT user_id FROM channel_links WHERE channel = $1 AND channel_address = $2`, channel, address)
	err := row.Scan(&userID)
	if err == pgx.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("postgres: resolve channel: %w", err)
	}
	return userID, true, nil
}

func (s *Store) LinkChannel(ctx context.Context, link store.ChannelLink) error {
	var meta []byte
	if len(link.Metadata) > 0 {
		var err error
		meta, err = json.Marshal(link.Metadata)
		if err != nil {
			return fmt.Errorf("postgres: marshal channel metadata: %w", err)
		}
	}
	_, err := s.pool.Exec(ctx, `INSERT INTO channel_links (user_id, channel, channel_address, metadata) VALUES ($1, $2, $3, $4)
		ON CONFLICT (channel, channel_address) DO UPDATE SET user_id = excluded.user_id, metadata = excluded.metadata`,
		link.UserID, link.Channel, link.ChannelAddress, meta)
	if err != nil {
		return fmt.Errorf("postgres: link channel: %w", err)
	}
	return nil
}

// --- Sessions ---

func (s *Store) OpenSession(ctx context.Context, userID, channel string) (store.Session, error) {
	sess := store.Session{SessionID: graphbot.NewID(), UserID: userID, Channel: channel, StartedAt: nowUnix()}
	_, err := s.pool.Exec(ctx, `INSERT INTO sessions (session_id, user_id, channel, started_at, token_count) VALUES ($1, $2, $3, $4, 0)`,
		sess.SessionID, sess.UserID, sess.Channel, sess.StartedAt)
	if err != nil {
		return store.Session{}, fmt.Errorf("postgres: open session: %w", err)
	}
	return sess, nil
}

func (s *Store) GetOpenSession(ctx context.Context, userID, channel string) (store.Session, bool, error) {
	row := s.pool.QueryRow(ctx, `SELECT session_id, user_id, channel, started_at, ended_at, summary, token_count, close_reason
		FROM sessions WHERE user_id = $1 AND channel = $2 AND ended_at IS NULL`, userID, channel)
	return scanSession(row)
}

func (s *Store) GetAnyOpenSession(ctx context.Context, userID string) (store.Session, bool, error) {
	row := s.pool.QueryRow(ctx, `SELECT session_id, user_id, channel, started_at, ended_at, summary, token_count, close_reason
		FROM sessions WHERE user_id = $1 AND ended_at IS NULL ORDER BY started_at DESC LIMIT 1`, userID)
	return scanSession(row)
}

func (s *Store) EndSession(ctx context.Context, sessionID, summary string, reason store.CloseReason) (bool, error) {
	tag, err := s.pool.Exec(ctx, `UPDATE sessions SET ended_at = $1, summary = $2, close_reason = $3
		WHERE session_id = $4 AND ended_at IS NULL`, nowUnix(), summary, reason, sessionID)
	if err != nil {
		return false, fmt.Errorf("postgres: end session: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *Store) UpdateSessionTokenCount(ctx context.Context, sessionID string, delta int) error {
	_, err := s.pool.Exec(ctx, `UPDATE sessions SET token_count = token_count + $1 WHERE session_id = $2`, delta, sessionID)
	if err != nil {
		return fmt.Errorf("postgres: update token count: %w", err)
	}
	return nil
}

func (s *Store) LastClosedSession(ctx context.Context, userID, channel string) (store.Session, bool, error) {
	row := s.pool.QueryRow(ctx, `SELECT session_id, user_id, channel, started_at, ended_at, summary, token_count, close_reason
		FROM sessions WHERE user_id = $1 AND channel = $2 AND ended_at IS NOT NULL ORDER BY ended_at DESC LIMIT 1`, userID, channel)
	return scanSession(row)
}

func (s *Store) CountOpenSessions(ctx context.Context, userID string) (int, error) {
	var n int
	row := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM sessions WHERE user_id = $1 AND ended_at IS NULL`, userID)
	if err := row.Scan(&n); err != nil {
		return 0, fmt.Errorf("postgres: count open sessions: %w", err)
	}
	return n, nil
}

func scanSession(row pgx.Row) (store.Session, bool, error) {
	var sess store.Session
	var endedAt *int64
	var summary *string
	var closeReason *string
	err := row.Scan(&sess.SessionID, &sess.UserID, &sess.Channel, &sess.StartedAt, &endedAt, &summary, &sess.TokenCount, &closeReason)
	if err == pgx.ErrNoRows {
		return store.Session{}, false, nil
	}
	if err != nil {
		return store.Session{}, false, fmt.Errorf("postgres: scan session: %w", err)
	}
	sess.EndedAt = endedAt
	if summary != nil {
		sess.Summary = *summary
	}
	if closeReason != nil {
		r := store.CloseReason(*closeReason)
		sess.CloseReason = &r
	}
	return sess, true, nil
}

// --- Messages ---

// AppendMessage assigns the next seq_no and inserts the row inside a single
// transaction that row-locks the parent session first (SELECT ... FOR
// UPDATE), so two concurrent appends to the same session serialize instead
// of both computing the same MAX(seq_no)+1. The messages_session_seq_unique
// constraint (migration 0002) is the backstop if that ever isn't enough.
func (s *Store) AppendMessage(ctx context.Context, msg store.Message) (store.Message, error) {
	if msg.ID == "" {
		msg.ID = graphbot.NewID()
	}
	msg.CreatedAt = nowUnix()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return store.Message{}, fmt.Errorf("postgres: append message: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	var locked string
	row := tx.QueryRow(ctx, `SELECT session_id FROM sessions WHERE session_id = $1 FOR UPDATE`, msg.SessionID)
	if err := row.Scan(&locked); err != nil {
		if err == pgx.ErrNoRows {
			return store.Message{}, fmt.Errorf("postgres: append message: session %q not found", msg.SessionID)
		}
		return store.Message{}, fmt.Errorf("postgres: lock session: %w", err)
	}

	row = tx.QueryRow(ctx, `SELECT COALESCE(MAX(seq_no), 0) + 1 FROM messages WHERE session_id = $1`, msg.SessionID)
	if err := row.Scan(&msg.SeqNo); err != nil {
		return store.Message{}, fmt.Errorf("postgres: next seq_no: %w", err)
	}

	var toolCalls []byte
	if len(msg.ToolCalls) > 0 {
		toolCalls = msg.ToolCalls
	}
	var toolCallID *string
	if msg.ToolCallID != "" {
		toolCallID = &msg.ToolCallID
	}
	_, err = tx.Exec(ctx, `INSERT INTO messages (id, session_id, role, content, tool_calls, tool_call_id, created_at, seq_no)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`, msg.ID, msg.SessionID, msg.Role, msg.Content, toolCalls, toolCallID, msg.CreatedAt, msg.SeqNo)
	if err != nil {
		return store.Message{}, fmt.Errorf("postgres: append message: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return store.Message{}, fmt.Errorf("postgres: append message: commit: %w", err)
	}
	return msg, nil
}

func (s *Store) RecentMessages(ctx context.Context, sessionID string, limit int) ([]store.Message, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, session_id, role, content, tool_calls, tool_call_id, created_at, seq_no
		FROM messages WHERE session_id = $1 ORDER BY seq_no DESC LIMIT $2`, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: recent messages: %w", err)
	}
	defer rows.Close()
	var out []store.Message
	for rows.Next() {
		var m store.Message
		var toolCalls []byte
		var toolCallID *string
		if err := rows.Scan(&m.ID, &m.SessionID, &m.Role, &m.Content, &toolCalls, &toolCallID, &m.CreatedAt, &m.SeqNo); err != nil {
			return nil, err
		}
		if len(toolCalls) > 0 {
			m.ToolCalls = json.RawMessage(toolCalls)
		}
		if toolCallID != nil {
			m.ToolCallID = *toolCallID
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}
