package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/graphbot/graphbot"
	"github.com/graphbot/graphbot/store"
)

// --- Cron jobs ---

func (s *Store) CreateCronJob(ctx context.Context, job store.CronJob) error {
	if job.JobID == "" {
		job.JobID = graphbot.NewID()
	}
	job.CreatedAt = nowUnix()
	_, err := s.pool.Exec(ctx, `INSERT INTO cron_jobs
		(job_id, user_id, cron_expr, message, channel, enabled, processor, plan_json, notify_condition, consecutive_failures, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, 0, $10)`,
		job.JobID, job.UserID, job.CronExpr, job.Message, job.Channel, job.Enabled, job.Processor,
		rawOrNil(job.PlanJSON), job.NotifyCondition, job.CreatedAt)
	if err != nil {
		return fmt.Errorf("postgres: create cron job: %w", err)
	}
	return nil
}

func (s *Store) GetCronJob(ctx context.Context, jobID string) (store.CronJob, bool, error) {
	row := s.pool.QueryRow(ctx, `SELECT job_id, user_id, cron_expr, message, channel, enabled, processor,
		plan_json, notify_condition, consecutive_failures, created_at FROM cron_jobs WHERE job_id = $1`, jobID)
	return scanCronJob(row)
}

func (s *Store) ListCronJobs(ctx context.Context, userID string) ([]store.CronJob, error) {
	rows, err := s.pool.Query(ctx, `SELECT job_id, user_id, cron_expr, message, channel, enabled, processor,
		plan_json, notify_condition, consecutive_failures, created_at FROM cron_jobs WHERE user_id = $1 ORDER BY created_at`, userID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list cron jobs: %w", err)
	}
	defer rows.Close()
	return scanCronJobs(rows)
}

func (s *Store) ListEnabledCronJobs(ctx context.Context) ([]store.CronJob, error) {
	rows, err := s.pool.Query(ctx, `SELECT job_id, user_id, cron_expr, message, channel, enabled, processor,
		plan_json, notify_condition, consecutive_failures, created_at FROM cron_jobs WHERE enabled = true`)
	if err != nil {
		return nil, fmt.Errorf("postgres: list enabled cron jobs: %w", err)
	}
	defer rows.Close()
	return scanCronJobs(rows)
}

func (s *Store) SetCronJobEnabled(ctx context.Context, jobID string, enabled bool) error {
	_, err := s.pool.Exec(ctx, `UPDATE cron_jobs SET enabled = $1 WHERE job_id = $2`, enabled, jobID)
	if err != nil {
		return fmt.Errorf("postgres: set cron job enabled: %w", err)
	}
	return nil
}

func (s *Store) DeleteCronJob(ctx context.Context, jobID string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM cron_jobs WHERE job_id = $1`, jobID)
	if err != nil {
		return fmt.Errorf("postgres: delete cron job: %w", err)
	}
	return nil
}

func (s *Store) IncrementFailures(ctx context.Context, jobID string) (int, error) {
	var n int
	row := s.pool.QueryRow(ctx, `UPDATE cron_jobs SET consecutive_failures = consecutive_failures + 1
		WHERE job_id = $1 RETURNING consecutive_failures`, jobID)
	if err := row.Scan(&n); err != nil {
		return 0, fmt.Errorf("postgres: increment failures: %w", err)
	}
	return n, nil
}

func (s *Store) ResetFailures(ctx context.Context, jobID string) error {
	_, err := s.pool.Exec(ctx, `UPDATE cron_jobs SET consecutive_failures = 0 WHERE job_id = $1`, jobID)
	if err != nil {
		return fmt.Errorf("postgres: reset failures: %w", err)
	}
	return nil
}

func scanCronJob(row pgx.Row) (store.CronJob, bool, error) {
	var j store.CronJob
	var planJSON []byte
	err := row.Scan(&j.JobID, &j.UserID, &j.CronExpr, &j.Message, &j.Channel, &j.Enabled, &j.Processor,
		&planJSON, &j.NotifyCondition, &j.ConsecutiveFailures, &j.CreatedAt)
	if err == pgx.ErrNoRows {
		return store.CronJob{}, false, nil
	}
	if err != nil {
		return store.CronJob{}, false, fmt.Errorf("postgres: scan cron job: %w", err)
	}
	if len(planJSON) > 0 {
		j.PlanJSON = planJSON
	}
	return j, true, nil
}

func scanCronJobs(rows pgx.Rows) ([]store.CronJob, error) {
	var out []store.CronJob
	for rows.Next() {
		var j store.CronJob
		var planJSON []byte
		if err := rows.Scan(&j.JobID, &j.UserID, &j.CronExpr, &j.Message, &j.Channel, &j.Enabled, &j.Processor,
			&planJSON, &j.NotifyCondition, &j.ConsecutiveFailures, &j.CreatedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan cron job row: %w", err)
		}
		if len(planJSON) > 0 {
			j.PlanJSON = planJSON
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
	_, err := s.pool.Exec(ctx, `INSERT INTO reminders
		(reminder_id, user_id, channel, run_at, cron_expr, processor, plan_json, status, created_at, sent_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NULL)`,
		r.ReminderID, r.UserID, r.Channel, r.RunAt, strOrNil(r.CronExpr), r.Processor, rawOrNil(r.PlanJSON), r.Status, r.CreatedAt)
	if err != nil {
		return fmt.Errorf("postgres: create reminder: %w", err)
	}
	return nil
}

func (s *Store) GetReminder(ctx context.Context, reminderID string) (store.Reminder, bool, error) {
	row := s.pool.QueryRow(ctx, `SELECT reminder_id, user_id, channel, run_at, cron_expr, processor,
		plan_json, status, created_at, sent_at FROM reminders WHERE reminder_id = $1`, reminderID)
	return scanReminder(row)
}

func (s *Store) ListReminders(ctx context.Context, userID string) ([]store.Reminder, error) {
	rows, err := s.pool.Query(ctx, `SELECT reminder_id, user_id, channel, run_at, cron_expr, processor,
		plan_json, status, created_at, sent_at FROM reminders WHERE user_id = $1 ORDER BY run_at`, userID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list reminders: %w", err)
	}
	defer rows.Close()
	return scanReminders(rows)
}

func (s *Store) ListPendingReminders(ctx context.Context) ([]store.Reminder, error) {
	rows, err := s.pool.Query(ctx, `SELECT reminder_id, user_id, channel, run_at, cron_expr, processor,
		plan_json, status, created_at, sent_at FROM reminders WHERE status = 'pending' ORDER BY run_at`)
	if err != nil {
		return nil, fmt.Errorf("postgres: list pending reminders: %w", err)
	}
	defer rows.Close()
	return scanReminders(rows)
}

func (s *Store) UpdateReminderStatus(ctx context.Context, reminderID string, status store.ReminderStatus, sentAt *int64) error {
	_, err := s.pool.Exec(ctx, `UPDATE reminders SET status = $1, sent_at = $2 WHERE reminder_id = $3`, status, sentAt, reminderID)
	if err != nil {
		return fmt.Errorf("postgres: update reminder status: %w", err)
	}
	return nil
}

func (s *Store) CancelReminder(ctx context.Context, reminderID string) error {
	_, err := s.pool.Exec(ctx, `UPDATE reminders SET status = $1 WHERE reminder_id = $2`, store.ReminderCancelled, reminderID)
	if err != nil {
		return fmt.Errorf("postgres: cancel reminder: %w", err)
	}
	return nil
}

func scanReminder(row pgx.Row) (store.Reminder, bool, error) {
	var r store.Reminder
	var cronExpr *string
	var planJSON []byte
	var sentAt *int64
	err := row.Scan(&r.ReminderID, &r.UserID, &r.Channel, &r.RunAt, &cronExpr, &r.Processor, &planJSON, &r.Status, &r.CreatedAt, &sentAt)
	if err == pgx.ErrNoRows {
		return store.Reminder{}, false, nil
	}
	if err != nil {
		return store.Reminder{}, false, fmt.Errorf("postgres: scan reminder: %w", err)
	}
	if cronExpr != nil {
		r.CronExpr = *cronExpr
	}
	if len(planJSON) > 0 {
		r.PlanJSON = planJSON
	}
	r.SentAt = sentAt
	return r, true, nil
}

func scanReminders(rows pgx.Rows) ([]store.Reminder, error) {
	var out []store.Reminder
	for rows.Next() {
		var r store.Reminder
		var cronExpr *string
		var planJSON []byte
		var sentAt *int64
		if err := rows.Scan(&r.ReminderID, &r.UserID, &r.Channel, &r.RunAt, &cronExpr, &r.Processor, &planJSON, &r.Status, &r.CreatedAt, &sentAt); err != nil {
			return nil, fmt.Errorf("postgres: scan reminder row: %w", err)
		}
		if cronExpr != nil {
			r.CronExpr = *cronExpr
		}
		if len(planJSON) > 0 {
			r.PlanJSON = planJSON
		}
		r.SentAt = sentAt
		out = append(out, r)
	}
	return out, rows.Err()
}

// --- Cron execution log ---

func (s *Store) AppendCronExecutionLog(ctx context.Context, log store.CronExecutionLog) error {
	if log.LogID == "" {
		log.LogID = graphbot.NewID()
	}
	_, err := s.pool.Exec(ctx, `INSERT INTO cron_execution_log (log_id, job_id, executed_at, status, result, duration_ms)
		VALUES ($1, $2, $3, $4, $5, $6)`, log.LogID, log.JobID, log.ExecutedAt, log.Status, log.Result, log.DurationMs)
	if err != nil {
		return fmt.Errorf("postgres: append cron execution log: %w", err)
	}
	return nil
}

func (s *Store) RecentCronExecutionLogs(ctx context.Context, jobID string, limit int) ([]store.CronExecutionLog, error) {
	rows, err := s.pool.Query(ctx, `SELECT log_id, job_id, executed_at, status, result, duration_ms
		FROM cron_execution_log WHERE job_id = $1 ORDER BY executed_at DESC LIMIT $2`, jobID, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: recent cron execution logs: %w", err)
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
	_, err := s.pool.Exec(ctx, `INSERT INTO background_tasks
		(task_id, user_id, parent_session, fallback_channel, status, plan, result, error, started_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NULL)`,
		task.TaskID, task.UserID, strOrNil(task.ParentSession), task.FallbackChannel, task.Status,
		rawOrNil(task.PlanJSON), task.Result, task.Error, task.StartedAt)
	if err != nil {
		return fmt.Errorf("postgres: create background task: %w", err)
	}
	return nil
}

func (s *Store) UpdateBackgroundTask(ctx context.Context, task store.BackgroundTask) error {
	_, err := s.pool.Exec(ctx, `UPDATE background_tasks SET status = $1, result = $2, error = $3, completed_at = $4
		WHERE task_id = $5`, task.Status, task.Result, task.Error, task.CompletedAt, task.TaskID)
	if err != nil {
		return fmt.Errorf("postgres: update background task: %w", err)
	}
	return nil
}

func (s *Store) GetBackgroundTask(ctx context.Context, taskID string) (store.BackgroundTask, bool, error) {
	var t store.BackgroundTask
	var parentSession *string
	var planJSON []byte
	var completedAt *int64
	row := s.pool.QueryRow(ctx, `SELECT task_id, user_id, parent_session, fallback_channel, status, plan, result, error, started_at, completed_at
		FROM background_tasks WHERE task_id = $1`, taskID)
	err := row.Scan(&t.TaskID, &t.UserID, &parentSession, &t.FallbackChannel, &t.Status, &planJSON, &t.Result, &t.Error, &t.StartedAt, &completedAt)
	if err == pgx.ErrNoRows {
		return store.BackgroundTask{}, false, nil
	}
	if err != nil {
		return store.BackgroundTask{}, false, fmt.Errorf("postgres: get background task: %w", err)
	}
	if parentSession != nil {
		t.ParentSession = *parentSession
	}
	if len(planJSON) > 0 {
		t.PlanJSON = planJSON
	}
	t.CompletedAt = completedAt
	return t, true, nil
}

// --- Event queue ---

func (s *Store) EnqueueEvent(ctx context.Context, userID, kind string, payload []byte) (store.SystemEvent, error) {
	ev := store.SystemEvent{EventID: graphbot.NewID(), UserID: userID, Kind: kind, Payload: payload, CreatedAt: nowUnix()}
	_, err := s.pool.Exec(ctx, `INSERT INTO system_events (event_id, user_id, kind, payload, delivered_at, created_at)
		VALUES ($1, $2, $3, $4, NULL, $5)`, ev.EventID, ev.UserID, ev.Kind, rawOrNil(ev.Payload), ev.CreatedAt)
	if err != nil {
		return store.SystemEvent{}, fmt.Errorf("postgres: enqueue event: %w", err)
	}
	return ev, nil
}

func (s *Store) UndeliveredEvents(ctx context.Context, userID string) ([]store.SystemEvent, error) {
	rows, err := s.pool.Query(ctx, `SELECT event_id, user_id, kind, payload, delivered_at, created_at
		FROM system_events WHERE user_id = $1 AND delivered_at IS NULL ORDER BY created_at`, userID)
	if err != nil {
		return nil, fmt.Errorf("postgres: undelivered events: %w", err)
	}
	defer rows.Close()
	var out []store.SystemEvent
	for rows.Next() {
		var ev store.SystemEvent
		var payload []byte
		var deliveredAt *int64
		if err := rows.Scan(&ev.EventID, &ev.UserID, &ev.Kind, &payload, &deliveredAt, &ev.CreatedAt); err != nil {
			return nil, err
		}
		if len(payload) > 0 {
			ev.Payload = payload
		}
		ev.DeliveredAt = deliveredAt
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (s *Store) MarkEventsDelivered(ctx context.Context, eventIDs []string) error {
	if len(eventIDs) == 0 {
		return nil
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: mark events delivered: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)
	now := nowUnix()
	batch := &pgx.Batch{}
	for _, id := range eventIDs {
		batch.Queue(`UPDATE system_events SET delivered_at = $1 WHERE event_id = $2 AND delivered_at IS NULL`, now, id)
	}
	br := tx.SendBatch(ctx, batch)
	for range eventIDs {
		if _, err := br.Exec(); err != nil {
			br.Close()
			return fmt.Errorf("postgres: mark event delivered: %w", err)
		}
	}
	if err := br.Close(); err != nil {
		return fmt.Errorf("postgres: mark events delivered: close batch: %w", err)
	}
	return tx.Commit(ctx)
}

// --- Audit ---

func (s *Store) AppendDelegationLog(ctx context.Context, log store.DelegationLog) error {
	if log.LogID == "" {
		log.LogID = graphbot.NewID()
	}
	log.CreatedAt = nowUnix()
	_, err := s.pool.Exec(ctx, `INSERT INTO delegation_log (log_id, user_id, task_text, plan_json, error, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`, log.LogID, log.UserID, log.TaskText, rawOrNil(log.PlanJSON), log.Error, log.CreatedAt)
	if err != nil {
		return fmt.Errorf("postgres: append delegation log: %w", err)
	}
	return nil
}

func rawOrNil(raw json.RawMessage) []byte {
	if len(raw) == 0 {
		return nil
	}
	return raw
}

func strOrNil(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}
