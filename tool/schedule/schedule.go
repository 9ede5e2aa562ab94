// Package schedule implements the scheduling tool group: letting the
// assistant itself create, list, and cancel the CronJobs and Reminders the
// Delegation & Scheduling Subsystem fires later. Unlike schedule_create in
// the teacher's tools/schedule package, the "when" is a plain gronx cron
// expression throughout (the same format the Scheduler's own tick loop
// evaluates) rather than a bespoke "HH:MM daily/weekly(day)" string — one
// less schedule grammar for this module to parse and validate.
package schedule

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/graphbot/graphbot/planner"
	"github.com/graphbot/graphbot/scheduler"
	"github.com/graphbot/graphbot/store"
	"github.com/graphbot/graphbot/tool"
)

// Tool wires the scheduling tool group to a live Scheduler.
type Tool struct {
	sched *scheduler.Scheduler
}

// New builds a Tool backed by sched.
func New(sched *scheduler.Scheduler) *Tool {
	return &Tool{sched: sched}
}

// Descriptors returns schedule_create, schedule_list, and schedule_cancel,
// meant for the "scheduling" tool group (excluded from background agents
// by tool.Registry.Subregistry, since a scheduled task re-scheduling
// itself has no termination guarantee).
func (t *Tool) Descriptors() []tool.Descriptor {
	return []tool.Descriptor{
		{
			Name:        "schedule_create",
			Description: "Schedule a message to be delivered later: once after a delay, or repeatedly on a cron expression.",
			Parameters: json.RawMessage(`{"type":"object","properties":{
				"message":{"type":"string","description":"What to say to the user when this fires"},
				"delay_seconds":{"type":"integer","minimum":1,"description":"Fire once, this many seconds from now"},
				"cron_expr":{"type":"string","description":"Fire repeatedly on this 5-field cron expression instead of a one-shot delay"}
			},"required":["message"]}`),
			Available: true,
			Call:      t.create,
		},
		{
			Name:        "schedule_list",
			Description: "List this user's scheduled jobs and pending reminders.",
			Parameters:  json.RawMessage(`{"type":"object","properties":{}}`),
			Available:   true,
			Call:        t.list,
		},
		{
			Name:        "schedule_cancel",
			Description: "Cancel a previously scheduled job or reminder by its id.",
			Parameters: json.RawMessage(`{"type":"object","properties":{
				"kind":{"type":"string","enum":["job","reminder"]},
				"id":{"type":"string"}
			},"required":["kind","id"]}`),
			Available: true,
			Call:      t.cancel,
		},
	}
}

func (t *Tool) create(ctx context.Context, args json.RawMessage) (string, error) {
	var p struct {
		UserID       string `json:"user_id"`
		Channel      string `json:"channel"`
		Message      string `json:"message"`
		DelaySeconds *int   `json:"delay_seconds"`
		CronExpr     string `json:"cron_expr"`
	}
	if err := json.Unmarshal(args, &p); err != nil {
		return "", fmt.Errorf("invalid args: %w", err)
	}
	if p.Message == "" {
		return "", fmt.Errorf("message is required")
	}

	plan := planner.ExecutionPlan{Processor: store.ProcessorStatic, Message: p.Message}

	if p.CronExpr != "" {
		id, err := t.sched.AddJob(ctx, p.UserID, p.CronExpr, plan, p.Channel, store.NotifyAlways)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("Scheduled recurring job %s on %q.", id, p.CronExpr), nil
	}

	id, err := t.sched.AddReminder(ctx, p.UserID, p.Channel, p.DelaySeconds, "", plan)
	if err != nil {
		return "", err
	}
	when := "unspecified time"
	if p.DelaySeconds != nil {
		when = time.Duration(*p.DelaySeconds * int(time.Second)).String() + " from now"
	}
	return fmt.Sprintf("Scheduled reminder %s for %s.", id, when), nil
}

func (t *Tool) list(ctx context.Context, args json.RawMessage) (string, error) {
	var p struct {
		UserID string `json:"user_id"`
	}
	if err := json.Unmarshal(args, &p); err != nil {
		return "", fmt.Errorf("invalid args: %w", err)
	}

	jobs, reminders, err := t.sched.List(ctx, p.UserID)
	if err != nil {
		return "", err
	}
	if len(jobs) == 0 && len(reminders) == 0 {
		return "No scheduled jobs or reminders.", nil
	}

	var out strings.Builder
	for _, j := range jobs {
		status := "active"
		if !j.Enabled {
			status = "paused"
		}
		fmt.Fprintf(&out, "job %s [%s] cron=%q: %s\n", j.JobID, status, j.CronExpr, j.Message)
	}
	for _, r := range reminders {
		fmt.Fprintf(&out, "reminder %s [%s] at %s\n", r.ReminderID, r.Status,
			time.Unix(r.RunAt, 0).UTC().Format(time.RFC3339))
	}
	return out.String(), nil
}

func (t *Tool) cancel(ctx context.Context, args json.RawMessage) (string, error) {
	var p struct {
		Kind string `json:"kind"`
		ID   string `json:"id"`
	}
	if err := json.Unmarshal(args, &p); err != nil {
		return "", fmt.Errorf("invalid args: %w", err)
	}
	if err := t.sched.Cancel(ctx, p.Kind, p.ID); err != nil {
		return "", err
	}
	return fmt.Sprintf("Cancelled %s %s.", p.Kind, p.ID), nil
}
