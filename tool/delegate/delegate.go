// Package delegate implements the delegate_task tool: the assistant's own
// entry point into the Delegation Planner. A natural-language task
// description goes in; the planner turns it into a typed ExecutionPlan,
// and this tool routes that plan to the right subsystem depending on
// when it should run (now, after a delay, or repeatedly).
package delegate

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/graphbot/graphbot/planner"
	"github.com/graphbot/graphbot/scheduler"
	"github.com/graphbot/graphbot/tool"
	"github.com/graphbot/graphbot/worker"
)

// Tool wires delegate_task and spawn_background_task to a live Planner,
// Scheduler, Dispatcher, and Subagent Worker.
type Tool struct {
	plan       *planner.Planner
	sched      *scheduler.Scheduler
	dispatcher *scheduler.Dispatcher
	worker     *worker.Worker
	tools      *tool.Registry
}

// New builds a Tool. tools is consulted at call time to build the
// catalog text handed to the planner, so tools registered after New still
// show up. worker may be nil; spawn_background_task is then omitted from
// Descriptors.
func New(p *planner.Planner, sched *scheduler.Scheduler, dispatcher *scheduler.Dispatcher, w *worker.Worker, tools *tool.Registry) *Tool {
	return &Tool{plan: p, sched: sched, dispatcher: dispatcher, worker: w, tools: tools}
}

// Descriptors returns delegate_task and, when a Worker was supplied,
// spawn_background_task. Both live in the "delegation" tool group
// (excluded from background agents, since either delegating further from
// a delegated task has no termination guarantee).
func (t *Tool) Descriptors() []tool.Descriptor {
	descs := []tool.Descriptor{{
		Name:        "delegate_task",
		Description: "Hand off a task to run now, after a delay, or on a recurring schedule. Describe what should happen and when; the task is planned automatically.",
		Parameters: json.RawMessage(`{"type":"object","properties":{
			"task":{"type":"string","description":"Natural-language description of what to do and when"}
		},"required":["task"]}`),
		Available: true,
		Call:      t.call,
	}}
	if t.worker != nil {
		descs = append(descs, tool.Descriptor{
			Name:        "spawn_background_task",
			Description: "Start a task running in the background without waiting for it. You'll be notified with the result once it completes, even across turns.",
			Parameters: json.RawMessage(`{"type":"object","properties":{
				"task":{"type":"string","description":"Natural-language description of what to do"}
			},"required":["task"]}`),
			Available: true,
			Call:      t.spawn,
		})
	}
	return descs
}

func (t *Tool) call(ctx context.Context, args json.RawMessage) (string, error) {
	var p struct {
		UserID  string `json:"user_id"`
		Channel string `json:"channel"`
		Task    string `json:"task"`
	}
	if err := json.Unmarshal(args, &p); err != nil {
		return "", fmt.Errorf("invalid args: %w", err)
	}
	if p.Task == "" {
		return "", fmt.Errorf("task is required")
	}

	plan, err := t.plan.Plan(ctx, p.UserID, p.Task, t.catalog())
	if err != nil {
		return "", err
	}

	switch plan.Execution {
	case planner.ExecutionImmediate:
		outcome, err := t.dispatcher.Execute(ctx, p.UserID, p.Channel, plan, plan.NotifyCondition)
		if err != nil {
			return "", err
		}
		return outcome.Text, nil

	case planner.ExecutionDelayed:
		id, err := t.sched.AddReminder(ctx, p.UserID, p.Channel, plan.DelaySeconds, "", plan)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("Delegated: will run once, reminder %s.", id), nil

	case planner.ExecutionRecurring:
		id, err := t.sched.AddJob(ctx, p.UserID, plan.CronExpr, plan, p.Channel, plan.NotifyCondition)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("Delegated: recurring job %s on %q.", id, plan.CronExpr), nil

	case planner.ExecutionMonitor:
		id, err := t.sched.AddReminder(ctx, p.UserID, p.Channel, nil, plan.CronExpr, plan)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("Delegated: monitoring reminder %s on %q, notifies only on change.", id, plan.CronExpr), nil

	default:
		return "", fmt.Errorf("delegate: unknown execution %q", plan.Execution)
	}
}

func (t *Tool) spawn(ctx context.Context, args json.RawMessage) (string, error) {
	var p struct {
		UserID    string `json:"user_id"`
		Channel   string `json:"channel"`
		SessionID string `json:"session_id"`
		Task      string `json:"task"`
	}
	if err := json.Unmarshal(args, &p); err != nil {
		return "", fmt.Errorf("invalid args: %w", err)
	}
	if p.Task == "" {
		return "", fmt.Errorf("task is required")
	}

	plan, err := t.plan.Plan(ctx, p.UserID, p.Task, t.catalog())
	if err != nil {
		return "", err
	}

	id, err := t.worker.Spawn(ctx, p.UserID, p.SessionID, plan, p.Channel)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("Started background task %s; you'll be notified when it finishes.", id), nil
}

// catalog renders every available tool as "name: description" lines, the
// format plannerSystemPrompt expects for its tool_name/tool_args guidance.
func (t *Tool) catalog() string {
	descs := t.tools.All()
	names := make([]string, 0, len(descs))
	byName := make(map[string]string, len(descs))
	for _, d := range descs {
		if !d.Available {
			continue
		}
		names = append(names, d.Name)
		byName[d.Name] = d.Description
	}
	sort.Strings(names)

	var out strings.Builder
	for _, n := range names {
		fmt.Fprintf(&out, "%s: %s\n", n, byName[n])
	}
	if out.Len() == 0 {
		return "(no tools available)"
	}
	return out.String()
}
