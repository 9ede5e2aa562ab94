package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/graphbot/graphbot/lightagent"
	"github.com/graphbot/graphbot/llm"
	"github.com/graphbot/graphbot/planner"
	"github.com/graphbot/graphbot/store"
	"github.com/graphbot/graphbot/tool"
)

const (
	defaultFunctionTimeout = 30 * time.Second
	defaultAgentTimeout    = 300 * time.Second
)

// ChannelPort is the minimal send capability the dispatcher needs. Defined
// locally (rather than importing a channel package) the same way
// runner.RateLimiter is, so this package has no forward dependency on the
// concrete channel adapters.
type ChannelPort interface {
	Send(ctx context.Context, userID, channel, text string) error
}

// Outcome is what one Dispatcher.Execute call produced.
type Outcome struct {
	// Delivered is true when a message reached the user, whether sent
	// directly (static), as a side effect of a tool (function), or by the
	// agent itself (agent, "owns delivery").
	Delivered bool
	// Skipped is true only for processor=agent with notify_condition=
	// notify_skip, when the agent's response was a skip marker.
	Skipped bool
	Text    string
}

// Dispatcher executes one ExecutionPlan, identically whether triggered by
// the Scheduler (CronJob/Reminder) or the Subagent Worker (immediate
// BackgroundTask) — the three processor semantics are defined once here.
type Dispatcher struct {
	tools           *tool.Registry
	channel         ChannelPort
	provider        llm.Provider
	defaultModel    string
	functionTimeout time.Duration
	agentTimeout    time.Duration
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithFunctionTimeout overrides the per-tool execution timeout.
func WithFunctionTimeout(d time.Duration) DispatcherOption {
	return func(x *Dispatcher) { x.functionTimeout = d }
}

// WithAgentTimeout overrides the LightAgent run timeout.
func WithAgentTimeout(d time.Duration) DispatcherOption {
	return func(x *Dispatcher) { x.agentTimeout = d }
}

// NewDispatcher builds a Dispatcher. tools must already exclude
// background-unsafe groups (tool.Registry.Subregistry does this); channel
// is used only by the static processor and function-processor failure
// notifications — the agent processor owns its own delivery.
func NewDispatcher(tools *tool.Registry, channel ChannelPort, provider llm.Provider, defaultModel string, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		tools:           tools,
		channel:         channel,
		provider:        provider,
		defaultModel:    defaultModel,
		functionTimeout: defaultFunctionTimeout,
		agentTimeout:    defaultAgentTimeout,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Execute runs plan's processor against userID/channel and returns what
// happened. It never returns an error for a plan-level delivery decision
// (e.g. skip) — only for execution failures (tool unavailable, timeout,
// agent error).
func (d *Dispatcher) Execute(ctx context.Context, userID, channel string, plan planner.ExecutionPlan, notify store.NotifyCondition) (Outcome, error) {
	switch plan.Processor {
	case store.ProcessorStatic:
		if err := d.channel.Send(ctx, userID, channel, plan.Message); err != nil {
			return Outcome{}, err
		}
		return Outcome{Delivered: true, Text: plan.Message}, nil
	case store.ProcessorFunction:
		return d.executeFunction(ctx, userID, channel, plan, notify)
	case store.ProcessorAgent:
		return d.executeAgent(ctx, userID, channel, plan, notify)
	default:
		return Outcome{}, fmt.Errorf("scheduler: unknown processor %q", plan.Processor)
	}
}

// executeFunction resolves tool_name in the background registry and
// invokes it; the tool is the entire side-effect, so no further delivery
// happens here. An unknown or unavailable tool notifies the user only
// when notify_condition=always.
func (d *Dispatcher) executeFunction(ctx context.Context, userID, channel string, plan planner.ExecutionPlan, notify store.NotifyCondition) (Outcome, error) {
	args, err := injectField(plan.ToolArgs, "channel", channel)
	if err != nil {
		return Outcome{}, err
	}
	args, err = injectField(args, "user_id", userID)
	if err != nil {
		return Outcome{}, err
	}

	cctx, cancel := context.WithTimeout(ctx, d.functionTimeout)
	defer cancel()
	result, err := d.tools.Invoke(cctx, plan.ToolName, args)
	if err != nil {
		if notify == store.NotifyAlways {
			_ = d.channel.Send(ctx, userID, channel, fmt.Sprintf("scheduled task failed: %v", err))
		}
		return Outcome{}, err
	}
	return Outcome{Delivered: true, Text: result}, nil
}

// executeAgent constructs a LightAgent scoped to plan.Tools (or, if empty,
// the full background-safe subset) and runs it. The agent is contractually
// responsible for delivery (e.g. via a messaging tool) — this is the sole
// protection against duplicated messages, so Execute never sends anything
// itself for this processor, only detects the notify_skip marker.
func (d *Dispatcher) executeAgent(ctx context.Context, userID, channel string, plan planner.ExecutionPlan, notify store.NotifyCondition) (Outcome, error) {
	model := plan.Model
	if model == "" {
		model = d.defaultModel
	}
	subset := d.tools
	if len(plan.Tools) > 0 {
		subset = filterRegistry(d.tools, plan.Tools)
	}

	prompt := plan.Prompt
	if channel != "" {
		prompt += fmt.Sprintf("\n\nIMPORTANT: set channel='%s'", channel)
	}
	agent := lightagent.New(d.provider, subset, prompt, model)

	cctx, cancel := context.WithTimeout(ctx, d.agentTimeout)
	defer cancel()
	result, err := agent.Run(cctx, fmt.Sprintf("Deliver the result to user_id=%s.", userID))
	if err != nil {
		return Outcome{}, err
	}
	if notify == store.NotifyNotifySkip && isSkipResponse(result.Text) {
		return Outcome{Skipped: true, Text: result.Text}, nil
	}
	return Outcome{Delivered: true, Text: result.Text}, nil
}

// filterRegistry derives a registry containing only the named tools, found
// by lookup across the full registry — used to scope a LightAgent to
// exactly the tools an ExecutionPlan named.
func filterRegistry(src *tool.Registry, names []string) *tool.Registry {
	out := tool.NewRegistry()
	for _, n := range names {
		if desc, ok := src.Lookup(n); ok {
			out.Register("agent", desc)
		}
	}
	return out
}

// injectField adds a key to raw's JSON object when absent, used to back-fill
// "channel" and "user_id" into tool_args the planner didn't set explicitly.
func injectField(raw json.RawMessage, key, value string) (json.RawMessage, error) {
	if value == "" {
		return raw, nil
	}
	m := map[string]any{}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, fmt.Errorf("scheduler: tool_args is not a JSON object: %w", err)
		}
	}
	if _, exists := m[key]; !exists {
		m[key] = value
	}
	return json.Marshal(m)
}

// isSkipResponse reports whether text is one of the NOTIFY/SKIP markers,
// matched case-insensitively at the whole-response boundary.
func isSkipResponse(text string) bool {
	switch strings.ToUpper(strings.TrimSpace(text)) {
	case "SKIP", "[SKIP]", "[NO_NOTIFY]":
		return true
	}
	return false
}
