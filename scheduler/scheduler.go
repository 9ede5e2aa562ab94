// Package scheduler owns periodic and one-shot triggers: CronJobs and
// Reminders. It rehydrates its in-memory trigger set from the durable
// store on startup and runs as a single owning goroutine; external callers
// mutate the trigger set only by enqueuing commands onto a channel, never
// by touching the maps directly.
package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/adhocore/gronx"

	"github.com/graphbot/graphbot"
	"github.com/graphbot/graphbot/planner"
	"github.com/graphbot/graphbot/store"
)

const (
	defaultTickInterval = time.Minute
)

func nopLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// Scheduler owns the in-memory trigger table for CronJobs and Reminders.
// Construct with New and drive it with Run; all mutation methods (AddJob,
// AddReminder, Cancel) persist to the store first, then post a command to
// the run loop so the live table stays consistent without locking.
type Scheduler struct {
	store      store.Store
	dispatcher *Dispatcher
	logger     *slog.Logger
	gron       *gronx.Gronx

	tickInterval time.Duration
	cmdCh        chan command

	jobs      map[string]store.CronJob
	reminders map[string]store.Reminder
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLogger overrides the default no-op logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) { s.logger = l }
}

// WithTickInterval overrides the default one-minute poll interval. Cron
// expressions are minute-resolution, so sub-minute intervals gain nothing.
func WithTickInterval(d time.Duration) Option {
	return func(s *Scheduler) { s.tickInterval = d }
}

// New builds a Scheduler. Call Run to rehydrate and start the trigger loop.
func New(st store.Store, dispatcher *Dispatcher, opts ...Option) *Scheduler {
	s := &Scheduler{
		store:        st,
		dispatcher:   dispatcher,
		logger:       nopLogger(),
		gron:         gronx.New(),
		tickInterval: defaultTickInterval,
		cmdCh:        make(chan command, 64),
		jobs:         make(map[string]store.CronJob),
		reminders:    make(map[string]store.Reminder),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type commandKind int

const (
	cmdUpsertJob commandKind = iota
	cmdRemoveJob
	cmdUpsertReminder
	cmdRemoveReminder
)

type command struct {
	kind       commandKind
	job        *store.CronJob
	jobID      string
	reminder   *store.Reminder
	reminderID string
}

// Run rehydrates the enabled CronJobs and pending Reminders from the store
// into the in-memory trigger set, then blocks driving the trigger loop
// until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	if err := s.rehydrate(ctx); err != nil {
		return fmt.Errorf("scheduler: rehydrate: %w", err)
	}
	s.logger.Info("scheduler started", "jobs", len(s.jobs), "reminders", len(s.reminders))

	ticker := time.NewTicker(s.tickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopped")
			return nil
		case cmd := <-s.cmdCh:
			s.applyCommand(cmd)
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) rehydrate(ctx context.Context) error {
	jobs, err := s.store.ListEnabledCronJobs(ctx)
	if err != nil {
		return err
	}
	s.jobs = make(map[string]store.CronJob, len(jobs))
	for _, j := range jobs {
		s.jobs[j.JobID] = j
	}

	reminders, err := s.store.ListPendingReminders(ctx)
	if err != nil {
		return err
	}
	s.reminders = make(map[string]store.Reminder, len(reminders))
	for _, r := range reminders {
		s.reminders[r.ReminderID] = r
	}
	return nil
}

func (s *Scheduler) applyCommand(cmd command) {
	switch cmd.kind {
	case cmdUpsertJob:
		s.jobs[cmd.job.JobID] = *cmd.job
	case cmdRemoveJob:
		delete(s.jobs, cmd.jobID)
	case cmdUpsertReminder:
		s.reminders[cmd.reminder.ReminderID] = *cmd.reminder
	case cmdRemoveReminder:
		delete(s.reminders, cmd.reminderID)
	}
}

func (s *Scheduler) enqueue(cmd command) {
	s.cmdCh <- cmd
}

func (s *Scheduler) tick(ctx context.Context) {
	now := time.Now().UTC()
	for id, job := range s.jobs {
		if !job.Enabled {
			continue
		}
		due, err := s.gron.IsDue(job.CronExpr, now)
		if err != nil {
			s.logger.Warn("scheduler: invalid cron_expr", "job_id", id, "err", err)
			continue
		}
		if due {
			s.runJob(ctx, job)
		}
	}
	for id, r := range s.reminders {
		if r.Status != store.ReminderPending {
			continue
		}
		if r.CronExpr != "" {
			due, err := s.gron.IsDue(r.CronExpr, now)
			if err != nil {
				s.logger.Warn("scheduler: invalid cron_expr", "reminder_id", id, "err", err)
				continue
			}
			if due {
				s.runReminder(ctx, r, false)
			}
			continue
		}
		if now.Unix() >= r.RunAt {
			s.runReminder(ctx, r, true)
		}
	}
}

// runJob executes one CronJob firing, appends its CronExecutionLog row, and
// auto-pauses the job after three consecutive error rows.
func (s *Scheduler) runJob(ctx context.Context, job store.CronJob) {
	start := time.Now()
	status, resultText := s.executePlan(ctx, job.UserID, job.Channel, job.PlanJSON, job.NotifyCondition)

	_ = s.store.AppendCronExecutionLog(ctx, store.CronExecutionLog{
		LogID:      graphbot.NewID(),
		JobID:      job.JobID,
		ExecutedAt: time.Now().UTC().Unix(),
		Status:     status,
		Result:     resultText,
		DurationMs: time.Since(start).Milliseconds(),
	})

	switch status {
	case store.ExecutionError:
		consecutive, err := s.store.IncrementFailures(ctx, job.JobID)
		if err == nil && consecutive >= 3 {
			_ = s.store.SetCronJobEnabled(ctx, job.JobID, false)
			job.Enabled = false
			s.logger.Warn("scheduler: auto-paused job after 3 consecutive failures", "job_id", job.JobID)
		}
	case store.ExecutionSuccess:
		_ = s.store.ResetFailures(ctx, job.JobID)
	}
	s.jobs[job.JobID] = job
}

// runReminder executes one Reminder firing. A one-shot reminder transitions
// to sent/failed; a recurring one (CronExpr set) stays pending regardless
// of outcome, per the one-reminder-row-forever recurring contract.
func (s *Scheduler) runReminder(ctx context.Context, r store.Reminder, oneShot bool) {
	status, resultText := s.executePlan(ctx, r.UserID, r.Channel, r.PlanJSON, store.NotifyAlways)
	if !oneShot {
		if status == store.ExecutionError {
			s.logger.Warn("scheduler: recurring reminder execution failed", "reminder_id", r.ReminderID, "result", resultText)
		}
		return
	}

	now := time.Now().UTC().Unix()
	newStatus := store.ReminderSent
	if status == store.ExecutionError {
		newStatus = store.ReminderFailed
	}
	if err := s.store.UpdateReminderStatus(ctx, r.ReminderID, newStatus, &now); err != nil {
		s.logger.Warn("scheduler: update reminder status failed", "reminder_id", r.ReminderID, "err", err)
		return
	}
	delete(s.reminders, r.ReminderID)
}

// executePlan decodes planJSON and runs it through the Dispatcher, folding
// the outcome into a CronExecutionStatus plus a result/error string.
// notifyFallback is used only for plans that don't carry their own
// notify_condition (Reminder rows have no such column; the decoded plan's
// own NotifyCondition takes precedence when present).
func (s *Scheduler) executePlan(ctx context.Context, userID, channel string, planJSON json.RawMessage, notifyFallback store.NotifyCondition) (store.CronExecutionStatus, string) {
	var plan planner.ExecutionPlan
	if err := json.Unmarshal(planJSON, &plan); err != nil {
		return store.ExecutionError, "invalid plan_json: " + err.Error()
	}
	notify := plan.NotifyCondition
	if notify == "" {
		notify = notifyFallback
	}

	outcome, err := s.dispatcher.Execute(ctx, userID, channel, plan, notify)
	switch {
	case err != nil:
		return store.ExecutionError, err.Error()
	case outcome.Skipped:
		return store.ExecutionSkipped, outcome.Text
	default:
		return store.ExecutionSuccess, outcome.Text
	}
}

// AddJob persists a new CronJob and schedules it into the live trigger set.
func (s *Scheduler) AddJob(ctx context.Context, userID, cronExpr string, plan planner.ExecutionPlan, channel string, notify store.NotifyCondition) (string, error) {
	if !gronx.IsValid(cronExpr) {
		return "", fmt.Errorf("scheduler: invalid cron_expr %q", cronExpr)
	}
	planJSON, err := json.Marshal(plan)
	if err != nil {
		return "", fmt.Errorf("scheduler: marshal plan: %w", err)
	}
	job := store.CronJob{
		JobID:           graphbot.NewID(),
		UserID:          userID,
		CronExpr:        cronExpr,
		Message:         plan.Message,
		Channel:         channel,
		Enabled:         true,
		Processor:       plan.Processor,
		PlanJSON:        planJSON,
		NotifyCondition: notify,
		CreatedAt:       time.Now().UTC().Unix(),
	}
	if err := s.store.CreateCronJob(ctx, job); err != nil {
		return "", err
	}
	s.enqueue(command{kind: cmdUpsertJob, job: &job})
	return job.JobID, nil
}

// AddReminder persists a new Reminder (one-shot if delaySeconds is set,
// recurring if cronExpr is set — exactly one must be non-zero) and
// schedules it into the live trigger set.
func (s *Scheduler) AddReminder(ctx context.Context, userID, channel string, delaySeconds *int, cronExpr string, plan planner.ExecutionPlan) (string, error) {
	if cronExpr == "" && delaySeconds == nil {
		return "", fmt.Errorf("scheduler: reminder needs either delay_seconds or cron_expr")
	}
	if cronExpr != "" && !gronx.IsValid(cronExpr) {
		return "", fmt.Errorf("scheduler: invalid cron_expr %q", cronExpr)
	}
	runAt := time.Now().UTC().Unix()
	if delaySeconds != nil {
		runAt += int64(*delaySeconds)
	}
	planJSON, err := json.Marshal(plan)
	if err != nil {
		return "", fmt.Errorf("scheduler: marshal plan: %w", err)
	}
	r := store.Reminder{
		ReminderID: graphbot.NewID(),
		UserID:     userID,
		Channel:    channel,
		RunAt:      runAt,
		CronExpr:   cronExpr,
		Processor:  plan.Processor,
		PlanJSON:   planJSON,
		Status:     store.ReminderPending,
		CreatedAt:  time.Now().UTC().Unix(),
	}
	if err := s.store.CreateReminder(ctx, r); err != nil {
		return "", err
	}
	s.enqueue(command{kind: cmdUpsertReminder, reminder: &r})
	return r.ReminderID, nil
}

// Cancel removes a trigger by kind ("job" or "reminder") and id, deleting
// it from the store and the live trigger set.
func (s *Scheduler) Cancel(ctx context.Context, kind, id string) error {
	switch kind {
	case "job":
		if err := s.store.DeleteCronJob(ctx, id); err != nil {
			return err
		}
		s.enqueue(command{kind: cmdRemoveJob, jobID: id})
	case "reminder":
		if err := s.store.CancelReminder(ctx, id); err != nil {
			return err
		}
		s.enqueue(command{kind: cmdRemoveReminder, reminderID: id})
	default:
		return fmt.Errorf("scheduler: unknown cancel kind %q", kind)
	}
	return nil
}

// List returns every CronJob and Reminder owned by userID, read directly
// from the store (a read needs no synchronization with the live table).
func (s *Scheduler) List(ctx context.Context, userID string) ([]store.CronJob, []store.Reminder, error) {
	jobs, err := s.store.ListCronJobs(ctx, userID)
	if err != nil {
		return nil, nil, err
	}
	reminders, err := s.store.ListReminders(ctx, userID)
	if err != nil {
		return nil, nil, err
	}
	return jobs, reminders, nil
}
