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

// --- Cron jobs ---

func (s *Store) CreateCronJob(ctx context.Context, job store.CronJob) error {
	if job.JobID == "" {
		job.JobID = graphbot.NewID()
	}
	job.CreatedAt = nowUnix()
	_, err := s.db.ExecContext(ctx, `INSERT INTO cron_jobs
		(job_id, user_id, cron_expr, message, channel, enabled, processor, plan_json, notify_condition, consecutive_failures, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?)`,
		job.JobID, job.UserID, job.CronExpr, job.Message, job.Channel, job.Enabled, job.Processor,
		nullableJSON(job.PlanJSON), job.NotifyCondition, job.CreatedAt)
	if err != nil {
		return fmt.Errorf("sqlite: create cron job: %w", err)
	}
	return nil
}

func (s *Store) GetCronJob(ctx context.Context, jobID string) (store.CronJob, bool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT job_id, user_id, cron_expr, message, channel, enabled, processor,
		plan_json, notify_condition, consecutive_failures, created_at FROM cron_jobs WHERE job_id = ?`, jobID)
	return scanCronJob(row)
}

func (s *Store) ListCronJobs(ctx context.Context, userID string) ([]store.CronJob, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT job_id, user_id, cron_expr, message, channel, enabled, processor,
		plan_json, notify_condition, consecutive_failures, created_at FROM cron_jobs WHERE user_id = ? ORDER BY created_at`, userID)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list cron jobs: %w", err)
	}
	defer rows.Close()
	return scanCronJobs(rows)
}

func (s *Store) ListEnabledCronJobs(ctx context.Context) ([]store.CronJob, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT job_id, user_id, cron_expr, message, channel, enabled, processor,
		plan_json, notify_condition, consecutive_failures, created_at FROM cron_jobs WHERE enabled = 1`)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list enabled cron jobs: %w", err)
	}
	defer rows.Close()
	return scanCronJobs(rows)
}

func (s *Store) SetCronJobEnabled(ctx context.Context, jobID string, enabled bool) error {
	_, err := s.db.ExecContext(ctx, `UPDATE cron_jobs SET enabled = ? WHERE job_id = ?`, enabled, jobID)
	if err != nil {
		return fmt.Errorf("sqlite: set cron job enabled: %w", err)
	}
	return nil
}

func (s *Store) DeleteCronJob(ctx context.Context, jobID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM cron_jobs WHERE job_id = ?`, jobID)
	if err != nil {
		return fmt.Errorf("sqlite: delete cron job: %w", err)
	}
	return nil
}

func (s *Store) IncrementFailures(ctx context.Context, jobID string) (int, error) {
	_, err := s.db.ExecContext(ctx, `UPDATE cron_jobs SET consecutive_failures = consecutive_failures + 1 WHERE job_id = ?`, jobID)
	if err != nil {
		return 0, fmt.Errorf("sqlite: increment failures: %w", err)
	}
	var n int
	row := s.db.QueryRowContext(ctx, `SELECT consecutive_failures FROM cron_jobs WHERE job_id = ?`, jobID)
	if err := row.Scan(&n); err != nil {
		return 0, fmt.Errorf("sqlite: read consecutive failures: %w", err)
	}
	return n, nil
}

func (s *Store) ResetFailures(ctx context.Context, jobID string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE cron_jobs SET consecutive_failures = 0 WHERE job_id = ?`, jobID)
	if err != nil {
		return fmt.Errorf("sqlite: reset failures: %w", err)
	}
	return nil
}

func scanCronJob(row *sql.Row) (store.CronJob, bool, error) {
	var j store.CronJob
	var planJSON sql.NullString
	err := row.Scan(&j.JobID, &j.UserID, &j.CronExpr, &j.Message, &j.Channel, &j.Enabled, &j.Processor,
		&planJSON, &j.NotifyCondition, &j.ConsecutiveFailures, &j.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return store.CronJob{}, false, nil
	}
	if err != nil {
		return store.CronJob{}, false, fmt.Errorf("sqlite: scan cron job: %w", err)
	}
	if planJSON.Valid {
		j.PlanJSON = json.RawMessage(planJSON.String)
	}
	return j, true, nil
}

func scanCronJobs(rows *sql.Rows) ([]store.CronJob, error) {
	var out []store.CronJob
	for rows.Next() {
		var j store.CronJob
		var planJSON sql.NullString
		if err := rows.Scan(&j.JobID, &j.UserID, &j.CronExpr, &j.Message, &j.Channel, &j.Enabled, &j.Processor,
			&planJSON, &j.NotifyCondition, &j.ConsecutiveFailures, &j.CreatedAt); err != nil {
			return nil, fmt.Errorf("sqlite: scan cron job row: %w", err)
		}
		if planJSON.Valid {
			j.PlanJSON = json.RawMessage(planJSON.String)
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

// --- Reminders ---

func (s *Store) CreateReminder(ctx context.Context, r store.Reminder) error {
	if r.ReminderID == "" {
		r.ReminderID = graphbot.NewID()
	}
	r.CreatedAt = nowUnix()
	if r.Status == "" {
		r.Status = store.ReminderPending
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO reminders
		(reminder_id, user_id, channel, run_at, cron_expr, processor, plan_json, status, created_at, sent_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, NULL)`,
		r.ReminderID, r.UserID, r.Channel, r.RunAt, nullString(r.CronExpr), r.Processor, nullableJSON(r.PlanJSON), r.Status, r.CreatedAt)
	if err != nil {
		return fmt.Errorf("sqlite: create reminder: %w", err)
	}
	return nil
}

func (s *Store) GetReminder(ctx context.Context, reminderID string) (store.Reminder, bool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT reminder_id, user_id, channel, run_at, cron_expr, processor,
		plan_json, status, created_at, sent_at FROM reminders WHERE reminder_id = ?`, reminderID)
	return scanReminder(row)
}

func (s *Store) ListReminders(ctx context.Context, userID string) ([]store.Reminder, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT reminder_id, user_id, channel, run_at, cron_expr, processor,
		plan_json, status, created_at, sent_at FROM reminders WHERE user_id = ? ORDER BY run_at`, userID)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list reminders: %w", err)
	}
	defer rows.Close()
	return scanReminders(rows)
}

func (s *Store) ListPendingReminders(ctx context.Context) ([]store.Reminder, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT reminder_id, user_id, channel, run_at, cron_expr, processor,
		plan_json, status, created_at, sent_at FROM reminders WHERE status = 'pending' ORDER BY run_at`)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list pending reminders: %w", err)
	}
	defer rows.Close()
	return scanReminders(rows)
}

func (s *Store) UpdateReminderStatus(ctx context.Context, reminderID string, status store.ReminderStatus, sentAt *int64) error {
	_, err := s.db.ExecContext(ctx, `UPDATE reminders SET status = ?, sent_at = ? WHERE reminder_id = ?`, status, sentAt, reminderID)
	if err != nil {
		return fmt.Errorf("sqlite: update reminder status: %w", err)
	}
	return nil
}

func (s *Store) CancelReminder(ctx context.Context, reminderID string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE reminders SET status = ? WHERE reminder_id = ?`, store.ReminderCancelled, reminderID)
	if err != nil {
		return fmt.Errorf("sqlite: cancel reminder: %w", err)
	}
	return nil
}

func scanReminder(row *sql.Row) (store.Reminder, bool, error) {
	var r store.Reminder
	var cronExpr, planJSON sql.NullString
	var sentAt sql.NullInt64
	err := row.Scan(&r.ReminderID, &r.UserID, &r.Channel, &r.RunAt, &cronExpr, &r.Processor, &planJSON, &r.Status, &r.CreatedAt, &sentAt)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Reminder{}, false, nil
	}
	if err != nil {
		return store.Reminder{}, false, fmt.Errorf("sqlite: scan reminder: %w", err)
	}
	r.CronExpr = cronExpr.String
	if planJSON.Valid {
		r.PlanJSON = json.RawMessage(planJSON.String)
	}
	if sentAt.Valid {
		v := sentAt.Int64
		r.SentAt = &v
	}
	return r, true, nil
}

func scanReminders(rows *sql.Rows) ([]store.Reminder, error) {
	var out []store.Reminder
	for rows.Next() {
		var r store.Reminder
		var cronExpr, planJSON sql.NullString
		var sentAt sql.NullInt64
		if err := rows.Scan(&r.ReminderID, &r.UserID, &r.Channel, &r.RunAt, &cronExpr, &r.Processor, &planJSON, &r.Status, &r.CreatedAt, &sentAt); err != nil {
			return nil, fmt.Errorf("sqlite: scan reminder row: %w", err)
		}
		r.CronExpr = cronExpr.String
		if planJSON.Valid {
			r.PlanJSON = json.RawMessage(planJSON.String)
		}
		if sentAt.Valid {
			v := sentAt.Int64
			r.SentAt = &v
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// --- Cron execution log ---

func (s *Store) AppendCronExecutionLog(ctx context.Context, log store.CronExecutionLog) error {
	if log.LogID == "" {
		log.LogID = graphbot.NewID()
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO cron_execution_log (log_id, job_id, executed_at, status, result, duration_ms)
		VALUES (?, ?, ?, ?, ?, ?)`, log.LogID, log.JobID, log.ExecutedAt, log.Status, log.Result, log.DurationMs)
	if err != nil {
		return fmt.Errorf("sqlite: append cron execution log: %w", err)
	}
	return nil
}

func (s *Store) RecentCronExecutionLogs(ctx context.Context, jobID string, limit int) ([]store.CronExecutionLog, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT log_id, job_id, executed_at, status, result, duration_ms
		FROM cron_execution_log WHERE job_id = ? ORDER BY executed_at DESC LIMIT ?`, jobID, limit)
	if err != nil {
		return nil, fmt.Errorf("sqlite: recent cron execution logs: %w", err)
	}
	defer rows.Close()
	var out []store.CronExecutionLog
	for rows.Next() {
		var l store.CronExecutionLog
		if err := rows.Scan(&l.LogID, &l.JobID, &l.ExecutedAt, &l.Status, &l.Result, &l.DurationMs); err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// --- Background tasks ---

func (s *Store) CreateBackgroundTask(ctx context.Context, task store.BackgroundTask) error {
	if task.TaskID == "" {
		task.TaskID = graphbot.NewID()
	}
	task.StartedAt = nowUnix()
	if task.Status == "" {
		task.Status = store.TaskRunning
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO background_tasks
		(task_id, user_id, parent_session, fallback_channel, status, plan, result, error, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, NULL)`,
		task.TaskID, task.UserID, nullString(task.ParentSession), task.FallbackChannel, task.Status,
		nullableJSON(task.PlanJSON), task.Result, task.Error, task.StartedAt)
	if err != nil {
		return fmt.Errorf("sqlite: create background task: %w", err)
	}
	return nil
}

func (s *Store) UpdateBackgroundTask(ctx context.Context, task store.BackgroundTask) error {
	_, err := s.db.ExecContext(ctx, `UPDATE background_tasks SET status = ?, result = ?, error = ?, completed_at = ?
		WHERE task_id = ?`, task.Status, task.Result, task.Error, task.CompletedAt, task.TaskID)
	if err != nil {
		return fmt.Errorf("sqlite: update background task: %w", err)
	}
	return nil
}

func (s *Store) GetBackgroundTask(ctx context.Context, taskID string) (store.BackgroundTask, bool, error) {
	var t store.BackgroundTask
	var parentSession sql.NullString
	var planJSON sql.NullString
	var completedAt sql.NullInt64
	row := s.db.QueryRowContext(ctx, `SELECT task_id, user_id, parent_session, fallback_channel, status, plan, result, error, started_at, completed_at
		FROM background_tasks WHERE task_id = ?`, taskID)
	err := row.Scan(&t.TaskID, &t.UserID, &parentSession, &t.FallbackChannel, &t.Status, &planJSON, &t.Result, &t.Error, &t.StartedAt, &completedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return store.BackgroundTask{}, false, nil
	}
	if err != nil {
		return store.BackgroundTask{}, false, fmt.Errorf("sqlite: get background task: %w", err)
	}
	t.ParentSession = parentSession.String
	if planJSON.Valid {
		t.PlanJSON = json.RawMessage(planJSON.String)
	}
	if completedAt.Valid {
		v := completedAt.Int64
		t.CompletedAt = &v
	}
	return t, true, nil
}

// --- Event queue ---

func (s *Store) EnqueueEvent(ctx context.Context, userID, kind string, payload []byte) (store.SystemEvent, error) {
	ev := store.SystemEvent{
		EventID:   graphbot.NewID(),
		UserID:    userID,
		Kind:      kind,
		Payload:   payload,
		CreatedAt: nowUnix(),
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO system_events (event_id, user_id, kind, payload, delivered_at, created_at)
		VALUES (?, ?, ?, ?, NULL, ?)`, ev.EventID, ev.UserID, ev.Kind, nullableJSON(ev.Payload), ev.CreatedAt)
	if err != nil {
		return store.SystemEvent{}, fmt.Errorf("sqlite: enqueue event: %w", err)
	}
	return ev, nil
}

func (s *Store) UndeliveredEvents(ctx context.Context, userID string) ([]store.SystemEvent, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT event_id, user_id, kind, payload, delivered_at, created_at
		FROM system_events WHERE user_id = ? AND delivered_at IS NULL ORDER BY created_at`, userID)
	if err != nil {
		return nil, fmt.Errorf("sqlite: undelivered events: %w", err)
	}
	defer rows.Close()
	var out []store.SystemEvent
	for rows.Next() {
		var ev store.SystemEvent
		var payload sql.NullString
		var deliveredAt sql.NullInt64
		if err := rows.Scan(&ev.EventID, &ev.UserID, &ev.Kind, &payload, &deliveredAt, &ev.CreatedAt); err != nil {
			return nil, err
		}
		if payload.Valid {
			ev.Payload = json.RawMessage(payload.String)
		}
		if deliveredAt.Valid {
			v := deliveredAt.Int64
			ev.DeliveredAt = &v
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (s *Store) MarkEventsDelivered(ctx context.Context, eventIDs []string) error {
	if len(eventIDs) == 0 {
		return nil
	}
	now := nowUnix()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: mark events delivered: begin tx: %w", err)
	}
	defer tx.Rollback()
	stmt, err := tx.PrepareContext(ctx, `UPDATE system_events SET delivered_at = ? WHERE event_id = ? AND delivered_at IS NULL`)
	if err != nil {
		return fmt.Errorf("sqlite: mark events delivered: prepare: %w", err)
	}
	defer stmt.Close()
	for _, id := range eventIDs {
		if _, err := stmt.ExecContext(ctx, now, id); err != nil {
			return fmt.Errorf("sqlite: mark event delivered: %w", err)
		}
	}
	return tx.Commit()
}

// --- Audit ---

func (s *Store) AppendDelegationLog(ctx context.Context, log store.DelegationLog) error {
	if log.LogID == "" {
		log.LogID = graphbot.NewID()
	}
	log.CreatedAt = nowUnix()
	_, err := s.db.ExecContext(ctx, `INSERT INTO delegation_log (log_id, user_id, task_text, plan_json, error, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`, log.LogID, log.UserID, log.TaskText, nullableJSON(log.PlanJSON), log.Error, log.CreatedAt)
	if err != nil {
		return fmt.Errorf("sqlite: append delegation log: %w", err)
	}
	return nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
