package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/graphbot/graphbot"
	"github.com/graphbot/graphbot/store"
)

func (s *Store) GetAgentMemory(ctx context.Context, userID, key string) (store.AgentMemory, bool, error) {
	var m store.AgentMemory
	row := s.pool.QueryRow(ctx, `SELECT user_id, key, value, updated_at FROM agent_memory WHERE user_id = $1 AND key = $2`, userID, key)
	err := row.Scan(&m.UserID, &m.Key, &m.Value, &m.UpdatedAt)
	if err == pgx.ErrNoRows {
		return store.AgentMemory{}, false, nil
	}
	if err != nil {
		return store.AgentMemory{}, false, fmt.Errorf("postgres: get agent memory: %w", err)
	}
	return m, true, nil
}

func (s *Store) SetAgentMemory(ctx context.Context, mem store.AgentMemory) error {
	mem.UpdatedAt = nowUnix()
	_, err := s.pool.Exec(ctx, `INSERT INTO agent_memory (user_id, key, value, updated_at) VALUES ($1, $2, $3, $4)
		ON CONFLICT (user_id, key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		mem.UserID, mem.Key, mem.Value, mem.UpdatedAt)
	if err != nil {
		return fmt.Errorf("postgres: set agent memory: %w", err)
	}
	return nil
}

func (s *Store) AddUserNote(ctx context.Context, note store.UserNote) error {
	if note.ID == "" {
		note.ID = graphbot.NewID()
	}
	note.CreatedAt = nowUnix()
	_, err := s.pool.Exec(ctx, `INSERT INTO user_notes (id, user_id, content, source, created_at) VALUES ($1, $2, $3, $4, $5)`,
		note.ID, note.UserID, note.Content, note.Source, note.CreatedAt)
	if err != nil {
		return fmt.Errorf("postgres: add user note: %w", err)
	}
	return nil
}

func (s *Store) RecentUserNotes(ctx context.Context, userID string, limit int) ([]store.UserNote, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, user_id, content, source, created_at FROM user_notes
		WHERE user_id = $1 ORDER BY created_at DESC LIMIT $2`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: recent user notes: %w", err)
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
	_, err := s.pool.Exec(ctx, `INSERT INTO activity_log (id, user_id, summary, created_at) VALUES ($1, $2, $3, $4)`,
		activity.ID, activity.UserID, activity.Summary, activity.CreatedAt)
	if err != nil {
		return fmt.Errorf("postgres: add activity: %w", err)
	}
	return nil
}

func (s *Store) RecentActivity(ctx context.Context, userID string, limit int) ([]store.ActivityLog, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, user_id, summary, created_at FROM activity_log
		WHERE user_id = $1 ORDER BY created_at DESC LIMIT $2`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: recent activity: %w", err)
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
	_, err := s.pool.Exec(ctx, `INSERT INTO favorites (id, user_id, label, value, created_at) VALUES ($1, $2, $3, $4, $5)`,
		fav.ID, fav.UserID, fav.Label, fav.Value, fav.CreatedAt)
	if err != nil {
		return fmt.Errorf("postgres: add favorite: %w", err)
	}
	return nil
}

func (s *Store) ListFavorites(ctx context.Context, userID string) ([]store.Favorite, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, user_id, label, value, created_at FROM favorites
		WHERE user_id = $1 ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list favorites: %w", err)
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
	var doc []byte
	row := s.pool.QueryRow(ctx, `SELECT user_id, document, updated_at FROM preferences WHERE user_id = $1`, userID)
	err := row.Scan(&p.UserID, &doc, &p.UpdatedAt)
	if err == pgx.ErrNoRows {
		return store.Preference{UserID: userID, Document: json.RawMessage("{}")}, nil
	}
	if err != nil {
		return store.Preference{}, fmt.Errorf("postgres: get preferences: %w", err)
	}
	p.Document = doc
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
			return fmt.Errorf("postgres: decode existing preferences: %w", err)
		}
	}
	var patchMap map[string]json.RawMessage
	if err := json.Unmarshal(patch, &patchMap); err != nil {
		return fmt.Errorf("postgres: decode preference patch: %w", err)
	}
	for k, v := range patchMap {
		merged[k] = v
	}
	out, err := json.Marshal(merged)
	if err != nil {
		return fmt.Errorf("postgres: encode merged preferences: %w", err)
	}
	_, err = s.pool.Exec(ctx, `INSERT INTO preferences (user_id, document, updated_at) VALUES ($1, $2, $3)
		ON CONFLICT (user_id) DO UPDATE SET document = excluded.document, updated_at = excluded.updated_at`,
		userID, out, nowUnix())
	if err != nil {
		return fmt.Errorf("postgres: merge preferences: %w", err)
	}
	return nil
}
