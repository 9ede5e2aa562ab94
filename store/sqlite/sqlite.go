// Package sqlite implements store.Store using pure-Go SQLite (no CGO).
// A single connection (SetMaxOpenConns(1)) serializes all writers, which
// combined with WAL mode avoids SQLITE_BUSY errors without an external
// locking layer — the same approach the embedded store this package is
// modeled on uses for its single-writer guarantee.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/graphbot/graphbot/store"

	_ "modernc.org/sqlite"
)

// discardHandler is a slog.Handler that drops everything, used as the
// default logger so callers never need a nil check.
type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

var nopLogger = slog.New(discardHandler{})

// Option configures a Store.
type Option func(*Store)

// WithLogger sets a structured logger. When set, the store emits debug
// logs for every operation including timing and key parameters.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// Store implements store.Store backed by a local SQLite file.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

var _ store.Store = (*Store)(nil)

// New creates a Store using a local SQLite file at dbPath.
func New(dbPath string, opts ...Option) *Store {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		// sql.Open only fails when the driver isn't registered; the blank
		// import above guarantees it is.
		panic(fmt.Sprintf("sqlite: open driver: %v", err))
	}
	db.SetMaxOpenConns(1)
	s := &Store{db: db, logger: nopLogger}
	for _, o := range opts {
		o(s)
	}
	s.logger.Debug("sqlite: store opened", "path", dbPath)
	return s
}

// Init creates all sixteen tables (idempotent) and enables WAL mode.
func (s *Store) Init(ctx context.Context) error {
	start := time.Now()
	if _, err := s.db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		return fmt.Errorf("sqlite: enable wal: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, "PRAGMA foreign_keys=ON"); err != nil {
		return fmt.Errorf("sqlite: enable foreign_keys: %w", err)
	}

	stmts := []string{
		`CREATE TABLE IF NOT EXISTS users (
			user_id TEXT PRIMARY KEY,
			display_name TEXT NOT NULL,
			password_hash TEXT,
			role TEXT NOT NULL DEFAULT 'member',
			created_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS channel_links (
			user_id TEXT NOT NULL,
			channel TEXT NOT NULL,
			channel_address TEXT NOT NULL,
			metadata TEXT,
			PRIMARY KEY (channel, channel_address)
		)`,
		`CREATE TABLE IF NOT EXISTS sessions (
			session_id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			channel TEXT NOT NULL,
			started_at INTEGER NOT NULL,
			ended_at INTEGER,
			summary TEXT,
			token_count INTEGER NOT NULL DEFAULT 0,
			close_reason TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_open ON sessions(user_id, channel, ended_at)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			tool_calls TEXT,
			tool_call_id TEXT,
			created_at INTEGER NOT NULL,
			seq_no INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id, seq_no)`,
		`CREATE TABLE IF NOT EXISTS agent_memory (
			user_id TEXT NOT NULL,
			key TEXT NOT NULL,
			value TEXT NOT NULL,
			updated_at INTEGER NOT NULL,
			PRIMARY KEY (user_id, key)
		)`,
		`CREATE TABLE IF NOT EXISTS user_notes (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			content TEXT NOT NULL,
			source TEXT NOT NULL,
			created_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_notes_user ON user_notes(user_id, created_at)`,
		`CREATE TABLE IF NOT EXISTS activity_log (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			summary TEXT NOT NULL,
			created_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_activity_user ON activity_log(user_id, created_at)`,
		`CREATE TABLE IF NOT EXISTS favorites (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			label TEXT NOT NULL,
			value TEXT NOT NULL,
			created_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_favorites_user ON favorites(user_id, created_at)`,
		`CREATE TABLE IF NOT EXISTS preferences (
			user_id TEXT PRIMARY KEY,
			document TEXT NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS cron_jobs (
			job_id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			cron_expr TEXT NOT NULL,
			message TEXT,
			channel TEXT NOT NULL,
			enabled INTEGER NOT NULL DEFAULT 1,
			processor TEXT NOT NULL,
			plan_json TEXT,
			notify_condition TEXT NOT NULL DEFAULT 'always',
			consecutive_failures INTEGER NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS reminders (
			reminder_id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			channel TEXT NOT NULL,
			run_at INTEGER NOT NULL,
			cron_expr TEXT,
			processor TEXT NOT NULL,
			plan_json TEXT,
			status TEXT NOT NULL DEFAULT 'pending',
			created_at INTEGER NOT NULL,
			sent_at INTEGER
		)`,
		`CREATE INDEX IF NOT EXISTS idx_reminders_pending ON reminders(status, run_at)`,
		`CREATE TABLE IF NOT EXISTS background_tasks (
			task_id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			parent_session TEXT,
			fallback_channel TEXT NOT NULL,
			status TEXT NOT NULL,
			plan TEXT,
			result TEXT,
			error TEXT,
			started_at INTEGER NOT NULL,
			completed_at INTEGER
		)`,
		`CREATE TABLE IF NOT EXISTS system_events (
			event_id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			payload TEXT,
			delivered_at INTEGER,
			created_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_events_undelivered ON system_events(user_id, delivered_at)`,
		`CREATE TABLE IF NOT EXISTS cron_execution_log (
			log_id TEXT PRIMARY KEY,
			job_id TEXT NOT NULL,
			executed_at INTEGER NOT NULL,
			status TEXT NOT NULL,
			result TEXT,
			duration_ms INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_exec_log_job ON cron_execution_log(job_id, executed_at)`,
		`CREATE TABLE IF NOT EXISTS api_keys (
			key_id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			label TEXT,
			created_at INTEGER NOT NULL,
			revoked_at INTEGER
		)`,
		`CREATE TABLE IF NOT EXISTS delegation_log (
			log_id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			task_text TEXT NOT NULL,
			plan_json TEXT,
			error TEXT,
			created_at INTEGER NOT NULL
		)`,
	}

	for _, ddl := range stmts {
		if _, err := s.db.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("sqlite: create table: %w", err)
		}
	}

	s.logger.Info("sqlite: init completed", "duration", time.Since(start))
	return nil
}

// Close releases the underlying database connection.
func (s *Store) Close() error { return s.db.Close() }

func nowUnix() int64 { return time.Now().UTC().Unix() }

func marshalMeta(m map[string]string) (*string, error) {
	if len(m) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	v := string(b)
	return &v, nil
}
