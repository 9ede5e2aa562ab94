package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/graphbot/graphbot"
	"github.com/graphbot/graphbot/store"
)

// --- Users & channel identity ---

func (s *Store) GetOrCreateUser(ctx context.Context, userID, displayName string) (store.User, error) {
	u, ok, err := s.GetUser(ctx, userID)
	if err != nil {
		return store.User{}, err
	}
	if ok {
		return u, nil
	}
	u = store.User{
		UserID:      userID,
		DisplayName: displayName,
		Role:        store.RoleMember,
		CreatedAt:   nowUnix(),
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO users (user_id, display_name, role, created_at)
		VALUES (?, ?, ?, ?)`, u.UserID, u.DisplayName, u.Role, u.CreatedAt)
	if err != nil {
		return store.User{}, fmt.Errorf("sqlite: create user: %w", err)
	}
	s.logger.Debug("sqlite: user created", "user_id", userID)
	return u, nil
}

func (s *Store) GetUser(ctx context.Context, userID string) (store.User, bool, error) {
	var u store.User
	var passwordHash sql.NullString
	row := s.db.QueryRowContext(ctx, `SELECT user_id, display_name, password_hash, role, created_at
		FROM users WHERE user_id = ?`, userID)
	err := row.Scan(&u.UserID, &u.DisplayName, &passwordHash, &u.Role, &u.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return store.User{}, false, nil
	}
	if err != nil {
		return store.User{}, false, fmt.Errorf("sqlite: get user: %w", err)
	}
	u.PasswordHash = passwordHash.String
	return u, true, nil
}

func (s *Store) SetUserRole(ctx context.Context, userID string, role store.Role) error {
	_, err := s.db.ExecContext(ctx, `UPDATE users SET role = ? WHERE user_id = ?`, role, userID)
	if err != nil {
		return fmt.Errorf("sqlite: set user role: %w", err)
	}
	return nil
}

func (s *Store) ResolveChannel(ctx context.Context, channel, address string) (string, bool, error) {
	var userID string
	row := s.db.QueryRowContext(ctx, `SELECT user_id FROM channel_links
		WHERE channel = ? AND channel_address = ?`, channel, address)
	err := row.Scan(&userID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("sqlite: resolve channel: %w", err)
	}
	return userID, true, nil
}

func (s *Store) LinkChannel(ctx context.Context, link store.ChannelLink) error {
	meta, err := marshalMeta(link.Metadata)
	if err != nil {
		return fmt.Errorf("sqlite: marshal channel metadata: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO channel_links (user_id, channel, channel_address, metadata)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (channel, channel_address) DO UPDATE SET user_id = excluded.user_id, metadata = excluded.metadata`,
		link.UserID, link.Channel, link.ChannelAddress, meta)
	if err != nil {
		return fmt.Errorf("sqlite: link channel: %w", err)
	}
	return nil
}

// --- Sessions ---

func (s *Store) OpenSession(ctx context.Context, userID, channel string) (store.Session, error) {
	sess := store.Session{
		SessionID: graphbot.NewID(),
		UserID:    userID,
		Channel:   channel,
		StartedAt: nowUnix(),
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO sessions (session_id, user_id, channel, started_at, token_count)
		VALUES (?, ?, ?, ?, 0)`, sess.SessionID, sess.UserID, sess.Channel, sess.StartedAt)
	if err != nil {
		return store.Session{}, fmt.Errorf("sqlite: open session: %w", err)
	}
	s.logger.Debug("sqlite: session opened", "session_id", sess.SessionID, "user_id", userID, "channel", channel)
	return sess, nil
}

func (s *Store) GetOpenSession(ctx context.Context, userID, channel string) (store.Session, bool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT session_id, user_id, channel, started_at, ended_at, summary, token_count, close_reason
		FROM sessions WHERE user_id = ? AND channel = ? AND ended_at IS NULL`, userID, channel)
	return scanSession(row)
}

func (s *Store) GetAnyOpenSession(ctx context.Context, userID string) (store.Session, bool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT session_id, user_id, channel, started_at, ended_at, summary, token_count, close_reason
		FROM sessions WHERE user_id = ? AND ended_at IS NULL ORDER BY started_at DESC LIMIT 1`, userID)
	return scanSession(row)
}

func (s *Store) EndSession(ctx context.Context, sessionID, summary string, reason store.CloseReason) (bool, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE sessions SET ended_at = ?, summary = ?, close_reason = ?
		WHERE session_id = ? AND ended_at IS NULL`, nowUnix(), summary, reason, sessionID)
	if err != nil {
		return false, fmt.Errorf("sqlite: end session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("sqlite: end session rows affected: %w", err)
	}
	return n > 0, nil
}

func (s *Store) UpdateSessionTokenCount(ctx context.Context, sessionID string, delta int) error {
	_, err := s.db.ExecContext(ctx, `UPDATE sessions SET token_count = token_count + ? WHERE session_id = ?`, delta, sessionID)
	if err != nil {
		return fmt.Errorf("sqlite: update token count: %w", err)
	}
	return nil
}

func (s *Store) LastClosedSession(ctx context.Context, userID, channel string) (store.Session, bool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT session_id, user_id, channel, started_at, ended_at, summary, token_count, close_reason
		FROM sessions WHERE user_id = ? AND channel = ? AND ended_at IS NOT NULL
		ORDER BY ended_at DESC LIMIT 1`, userID, channel)
	return scanSession(row)
}

func (s *Store) CountOpenSessions(ctx context.Context, userID string) (int, error) {
	var n int
	row := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sessions WHERE user_id = ? AND ended_at IS NULL`, userID)
	if err := row.Scan(&n); err != nil {
		return 0, fmt.Errorf("sqlite: count open sessions: %w", err)
	}
	return n, nil
}

func scanSession(row *sql.Row) (store.Session, bool, error) {
	var sess store.Session
	var endedAt sql.NullInt64
	var summary sql.NullString
	var closeReason sql.NullString
	err := row.Scan(&sess.SessionID, &sess.UserID, &sess.Channel, &sess.StartedAt, &endedAt, &summary, &sess.TokenCount, &closeReason)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Session{}, false, nil
	}
	if err != nil {
		return store.Session{}, false, fmt.Errorf("sqlite: scan session: %w", err)
	}
	if endedAt.Valid {
		v := endedAt.Int64
		sess.EndedAt = &v
	}
	sess.Summary = summary.String
	if closeReason.Valid {
		r := store.CloseReason(closeReason.String)
		sess.CloseReason = &r
	}
	return sess, true, nil
}

// --- Messages ---

func (s *Store) AppendMessage(ctx context.Context, msg store.Message) (store.Message, error) {
	if msg.ID == "" {
		msg.ID = graphbot.NewID()
	}
	msg.CreatedAt = nowUnix()
	row := s.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq_no), 0) + 1 FROM messages WHERE session_id = ?`, msg.SessionID)
	if err := row.Scan(&msg.SeqNo); err != nil {
		return store.Message{}, fmt.Errorf("sqlite: next seq_no: %w", err)
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO messages (id, session_id, role, content, tool_calls, tool_call_id, created_at, seq_no)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`, msg.ID, msg.SessionID, msg.Role, msg.Content, nullableJSON(msg.ToolCalls), nullableString(msg.ToolCallID), msg.CreatedAt, msg.SeqNo)
	if err != nil {
		return store.Message{}, fmt.Errorf("sqlite: append message: %w", err)
	}
	return msg, nil
}

func (s *Store) RecentMessages(ctx context.Context, sessionID string, limit int) ([]store.Message, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, session_id, role, content, tool_calls, tool_call_id, created_at, seq_no
		FROM messages WHERE session_id = ? ORDER BY seq_no DESC LIMIT ?`, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("sqlite: recent messages: %w", err)
	}
	defer rows.Close()

	var out []store.Message
	for rows.Next() {
		var m store.Message
		var toolCalls sql.NullString
		var toolCallID sql.NullString
		if err := rows.Scan(&m.ID, &m.SessionID, &m.Role, &m.Content, &toolCalls, &toolCallID, &m.CreatedAt, &m.SeqNo); err != nil {
			return nil, fmt.Errorf("sqlite: scan message: %w", err)
		}
		if toolCalls.Valid {
			m.ToolCalls = json.RawMessage(toolCalls.String)
		}
		m.ToolCallID = toolCallID.String
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	// reverse to chronological order (seq_no ascending)
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// --- Memory / context-layer sources ---

func (s *Store) GetAgentMemory(ctx context.Context, userID, key string) (store.AgentMemory, bool, error) {
	var m store.AgentMemory
	row := s.db.QueryRowContext(ctx, `SELECT user_id, key, value, updated_at FROM agent_memory WHERE user_id = ? AND key = ?`, userID, key)
	err := row.Scan(&m.UserID, &m.Key, &m.Value, &m.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return store.AgentMemory{}, false, nil
	}
	if err != nil {
		return store.AgentMemory{}, false, fmt.Errorf("sqlite: get agent memory: %w", err)
	}
	return m, true, nil
}

func (s *Store) SetAgentMemory(ctx context.Context, mem store.AgentMemory) error {
	mem.UpdatedAt = nowUnix()
	_, err := s.db.ExecContext(ctx, `INSERT INTO agent_memory (user_id, key, value, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT (user_id, key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		mem.UserID, mem.Key, mem.Value, mem.UpdatedAt)
	if err != nil {
		return fmt.Errorf("sqlite: set agent memory: %w", err)
	}
	return nil
}

func (s *Store) AddUserNote(ctx context.Context, note store.UserNote) error {
	if note.ID == "" {
		note.ID = graphbot.NewID()
	}
	note.CreatedAt = nowUnix()
	_, err := s.db.ExecContext(ctx, `INSERT INTO user_notes (id, user_id, content, source, created_at)
		VALUES (?, ?, ?, ?, ?)`, note.ID, note.UserID, note.Content, note.Source, note.CreatedAt)
	if err != nil {
		return fmt.Errorf("sqlite: add user note: %w", err)
	}
	return nil
}

func (s *Store) RecentUserNotes(ctx context.Context, userID string, limit int) ([]store.UserNote, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, user_id, content, source, created_at FROM user_notes
		WHERE user_id = ? ORDER BY created_at DESC LIMIT ?`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("sqlite: recent user notes: %w", err)
	}
	defer rows.Close()
	var out []store.UserNote
	for rows.Next() {
		var n store.UserNote
		if err := rows.Scan(&n.ID, &n.UserID, &n.Content, &n.Source, &n.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

func (s *Store) AddActivity(ctx context.Context, activity store.ActivityLog) error {
	if activity.ID == "" {
		activity.ID = graphbot.NewID()
	}
	activity.CreatedAt = nowUnix()
	_, err := s.db.ExecContext(ctx, `INSERT INTO activity_log (id, user_id, summary, created_at) VALUES (?, ?, ?, ?)`,
		activity.ID, activity.UserID, activity.Summary, activity.CreatedAt)
	if err != nil {
		return fmt.Errorf("sqlite: add activity: %w", err)
	}
	return nil
}

func (s *Store) RecentActivity(ctx context.Context, userID string, limit int) ([]store.ActivityLog, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, user_id, summary, created_at FROM activity_log
		WHERE user_id = ? ORDER BY created_at DESC LIMIT ?`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("sqlite: recent activity: %w", err)
	}
	defer rows.Close()
	var out []store.ActivityLog
	for rows.Next() {
		var a store.ActivityLog
		if err := rows.Scan(&a.ID, &a.UserID, &a.Summary, &a.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *Store) AddFavorite(ctx context.Context, fav store.Favorite) error {
	if fav.ID == "" {
		fav.ID = graphbot.NewID()
	}
	fav.CreatedAt = nowUnix()
	_, err := s.db.ExecContext(ctx, `INSERT INTO favorites (id, user_id, label, value, created_at) VALUES (?, ?, ?, ?, ?)`,
		fav.ID, fav.UserID, fav.Label, fav.Value, fav.CreatedAt)
	if err != nil {
		return fmt.Errorf("sqlite: add favorite: %w", err)
	}
	return nil
}

func (s *Store) ListFavorites(ctx context.Context, userID string) ([]store.Favorite, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, user_id, label, value, created_at FROM favorites
		WHERE user_id = ? ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list favorites: %w", err)
	}
	defer rows.Close()
	var out []store.Favorite
	for rows.Next() {
		var f store.Favorite
		if err := rows.Scan(&f.ID, &f.UserID, &f.Label, &f.Value, &f.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

func (s *Store) GetPreferences(ctx context.Context, userID string) (store.Preference, error) {
	var p store.Preference
	var doc sql.NullString
	row := s.db.QueryRowContext(ctx, `SELECT user_id, document, updated_at FROM preferences WHERE user_id = ?`, userID)
	err := row.Scan(&p.UserID, &doc, &p.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Preference{UserID: userID, Document: json.RawMessage("{}")}, nil
	}
	if err != nil {
		return store.Preference{}, fmt.Errorf("sqlite: get preferences: %w", err)
	}
	p.Document = json.RawMessage(doc.String)
	return p, nil
}

func (s *Store) MergePreferences(ctx context.Context, userID string, patch []byte) error {
	current, err := s.GetPreferences(ctx, userID)
	if err != nil {
		return err
	}
	merged := map[string]json.RawMessage{}
	if len(current.Document) > 0 {
		if err := json.Unmarshal(current.Document, &merged); err != nil {
			return fmt.Errorf("sqlite: decode existing preferences: %w", err)
		}
	}
	var patchMap map[string]json.RawMessage
	if err := json.Unmarshal(patch, &patchMap); err != nil {
		return fmt.Errorf("sqlite: decode preference patch: %w", err)
	}
	for k, v := range patchMap {
		merged[k] = v
	}
	out, err := json.Marshal(merged)
	if err != nil {
		return fmt.Errorf("sqlite: encode merged preferences: %w", err)
	}
	now := nowUnix()
	_, err = s.db.ExecContext(ctx, `INSERT INTO preferences (user_id, document, updated_at) VALUES (?, ?, ?)
		ON CONFLICT (user_id) DO UPDATE SET document = excluded.document, updated_at = excluded.updated_at`,
		userID, string(out), now)
	if err != nil {
		return fmt.Errorf("sqlite: merge preferences: %w", err)
	}
	return nil
}

func nullableJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
