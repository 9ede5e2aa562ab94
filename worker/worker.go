// Package worker implements the Subagent Worker: immediate, fire-and-forget
// background execution of an ExecutionPlan, as opposed to the Scheduler's
// triggered execution. Dispatch semantics (static/function/agent) are
// shared with package scheduler via scheduler.Dispatcher — only the
// lifecycle (spawn now, no trigger, track via BackgroundTask) differs.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/graphbot/graphbot"
	"github.com/graphbot/graphbot/eventbus"
	"github.com/graphbot/graphbot/planner"
	"github.com/graphbot/graphbot/scheduler"
	"github.com/graphbot/graphbot/store"
)

func nopLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// Worker spawns immediate background executions and tracks them as
// BackgroundTask rows.
type Worker struct {
	store      store.Store
	events     *eventbus.Bus
	dispatcher *scheduler.Dispatcher
	channel    scheduler.ChannelPort
	logger     *slog.Logger
}

// Option configures a Worker.
type Option func(*Worker)

// WithLogger overrides the default no-op logger.
func WithLogger(l *slog.Logger) Option {
	return func(w *Worker) { w.logger = l }
}

// New builds a Worker. dispatcher is typically shared with the Scheduler,
// since both execute the same three processor semantics. events is
// typically shared with every other SystemEvent producer/consumer in the
// process, since Bus's consumer-side dedupe is only meaningful when all
// consumers share one instance.
func New(st store.Store, events *eventbus.Bus, dispatcher *scheduler.Dispatcher, channel scheduler.ChannelPort, opts ...Option) *Worker {
	w := &Worker{store: st, events: events, dispatcher: dispatcher, channel: channel, logger: nopLogger()}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Spawn inserts a running BackgroundTask row, launches execution in a
// background goroutine, and returns immediately with the task id. The
// caller's ctx is not used to bound the spawned goroutine — a background
// task outlives the turn that requested it — and no other context bounds
// it either: the goroutine runs under context.Background(). Callers that
// need a shutdown hook should track task ids and await them via
// GetBackgroundTask.
func (w *Worker) Spawn(ctx context.Context, userID, parentSession string, plan planner.ExecutionPlan, channel string) (string, error) {
	planJSON, err := json.Marshal(plan)
	if err != nil {
		return "", fmt.Errorf("worker: marshal plan: %w", err)
	}

	task := store.BackgroundTask{
		TaskID:          graphbot.NewID(),
		UserID:          userID,
		ParentSession:   parentSession,
		FallbackChannel: channel,
		Status:          store.TaskRunning,
		PlanJSON:        planJSON,
		StartedAt:       time.Now().UTC().Unix(),
	}
	if err := w.store.CreateBackgroundTask(ctx, task); err != nil {
		return "", err
	}

	go w.run(task, plan, channel)
	return task.TaskID, nil
}

func (w *Worker) run(task store.BackgroundTask, plan planner.ExecutionPlan, channel string) {
	defer func() {
		if p := recover(); p != nil {
			w.logger.Error("worker: task panic", "task_id", task.TaskID, "panic", fmt.Sprintf("%v", p))
			w.finish(task, "", fmt.Sprintf("panic: %v", p))
		}
	}()

	ctx := context.Background()
	outcome, err := w.dispatcher.Execute(ctx, task.UserID, channel, plan, store.NotifyAlways)
	if err != nil {
		w.finish(task, "", err.Error())
		return
	}
	w.finish(task, outcome.Text, "")
}

// finish updates the BackgroundTask's terminal state, enqueues the
// subagent_result event, and attempts direct delivery if the parent
// session is still open — matching spec's "next turn picks it up via the
// events layer otherwise" fallback.
func (w *Worker) finish(task store.BackgroundTask, result, taskErr string) {
	ctx := context.Background()
	now := time.Now().UTC().Unix()
	task.CompletedAt = &now
	task.Result = result
	task.Error = taskErr
	if taskErr != "" {
		task.Status = store.TaskFailed
	} else {
		task.Status = store.TaskCompleted
	}
	if err := w.store.UpdateBackgroundTask(ctx, task); err != nil {
		w.logger.Error("worker: update task failed", "task_id", task.TaskID, "err", err)
	}

	payload, _ := json.Marshal(map[string]string{
		"task_id": task.TaskID,
		"result":  result,
		"error":   taskErr,
	})
	event, err := w.events.Emit(ctx, task.UserID, "subagent_result", payload)
	if err != nil {
		w.logger.Error("worker: enqueue event failed", "task_id", task.TaskID, "err", err)
		return
	}

	if task.ParentSession == "" {
		return
	}
	sess, ok, err := w.store.GetOpenSession(ctx, task.UserID, task.FallbackChannel)
	if err != nil || !ok || sess.SessionID != task.ParentSession {
		return
	}
	text := result
	if taskErr != "" {
		text = "background task failed: " + taskErr
	}
	if err := w.channel.Send(ctx, task.UserID, task.FallbackChannel, text); err != nil {
		w.logger.Warn("worker: direct push failed, leaving for context builder", "task_id", task.TaskID, "err", err)
		return
	}
	_ = w.events.MarkDelivered(ctx, []string{event.EventID})
}
