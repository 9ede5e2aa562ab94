// Package graph implements the agent graph: an explicit 4-node state
// machine (load_context, reason, execute_tools, respond) compiled once at
// startup against the full tool set, with RBAC filtering applied per
// turn. It has no persistent checkpointing — every call to Run starts
// fresh from the caller-supplied conversation prefix.
package graph

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"

	"github.com/graphbot/graphbot"
	"github.com/graphbot/graphbot/guardrail"
	"github.com/graphbot/graphbot/llm"
	"github.com/graphbot/graphbot/promptctx"
	"github.com/graphbot/graphbot/rbac"
	"github.com/graphbot/graphbot/store"
	"github.com/graphbot/graphbot/tool"
)

// defaultIterationLimit bounds the reason <-> execute_tools cycle; once
// reached, the graph forces a respond even if the last assistant message
// carried tool calls.
const defaultIterationLimit = 8

// maxParallelDispatch caps concurrent tool-call goroutines within one
// execute_tools step.
const maxParallelDispatch = 10

// historyFetchLimit bounds how many recent notes/activity rows load_context
// asks the store for; promptctx.Builder applies its own token-budget
// truncation on top of whatever this returns.
const historyFetchLimit = 50

// ContextStore is the narrow slice of store.Store that load_context needs.
// store.Store satisfies it structurally.
type ContextStore interface {
	GetAgentMemory(ctx context.Context, userID, key string) (store.AgentMemory, bool, error)
	RecentUserNotes(ctx context.Context, userID string, limit int) ([]store.UserNote, error)
	RecentActivity(ctx context.Context, userID string, limit int) ([]store.ActivityLog, error)
	ListFavorites(ctx context.Context, userID string) ([]store.Favorite, error)
	GetPreferences(ctx context.Context, userID string) (store.Preference, error)
	LastClosedSession(ctx context.Context, userID, channel string) (store.Session, bool, error)
	UndeliveredEvents(ctx context.Context, userID string) ([]store.SystemEvent, error)
	MarkEventsDelivered(ctx context.Context, eventIDs []string) error
}

var nopLogger = slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError + 1}))

// Graph holds the compiled dependencies every turn is run against.
type Graph struct {
	Provider       llm.Provider
	Tools          *tool.Registry
	Context        *promptctx.Builder
	Store          ContextStore
	IterationLimit int
	Logger         *slog.Logger
	Guards         *guardrail.Chain
	Policy         *rbac.Policy
}

// Option configures a Graph.
type Option func(*Graph)

// WithIterationLimit overrides the default reason/execute_tools bound.
func WithIterationLimit(n int) Option {
	return func(g *Graph) { g.IterationLimit = n }
}

// WithLogger sets the structured logger. Defaults to a no-op logger.
func WithLogger(l *slog.Logger) Option {
	return func(g *Graph) { g.Logger = l }
}

// WithGuards sets the guardrail chain run around every reason step.
// Defaults to an empty chain (no guards).
func WithGuards(c *guardrail.Chain) Option {
	return func(g *Graph) { g.Guards = c }
}

// WithPolicy sets the permissions policy consulted by execute_tools's
// second enforcement layer. Defaults to rbac.Open() (every role gets
// every tool), matching rbac's own degrades-open default.
func WithPolicy(p *rbac.Policy) Option {
	return func(g *Graph) { g.Policy = p }
}

// New compiles a Graph against a provider, tool registry, context
// builder, and event-queue store.
func New(provider llm.Provider, tools *tool.Registry, ctxBuilder *promptctx.Builder, events ContextStore, opts ...Option) *Graph {
	g := &Graph{
		Provider:       provider,
		Tools:          tools,
		Context:        ctxBuilder,
		Store:          events,
		IterationLimit: defaultIterationLimit,
		Logger:         nopLogger,
		Guards:         guardrail.NewChain(),
		Policy:         rbac.Open(),
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.IterationLimit <= 0 {
		g.IterationLimit = defaultIterationLimit
	}
	return g
}

// Input is one turn's state as handed to Run, assembled by the runner.
type Input struct {
	UserID               string
	SessionID            string
	Channel              string
	Role                 store.Role
	AllowedTools         map[string]bool
	AllowedContextLayers map[string]bool
	SkipContext          bool
	// Messages is the conversation prefix plus the new inbound user
	// message, already appended by the caller. Run never mutates it.
	Messages []graphbot.ChatMessage
	Model    string
	Identity string
	// RoleDescription is a one-sentence description of Role, surfaced by
	// the "role" context layer.
	RoleDescription string
	Skills          []promptctx.Skill
	Now             string
}

// Result is everything a turn produced: the new messages (not including
// the caller-supplied prefix) for the runner to persist, and the turn's
// token usage.
type Result struct {
	Produced []graphbot.ChatMessage
	Usage    graphbot.Usage
	Final    string
}

// Run drives one turn through load_context -> reason <-> execute_tools ->
// respond.
func (g *Graph) Run(ctx context.Context, in Input) (Result, error) {
	ctx = guardrail.WithRole(ctx, string(in.Role))
	systemPrompt, err := g.loadContext(ctx, in)
	if err != nil {
		return Result{}, err
	}

	messages := append([]graphbot.ChatMessage(nil), in.Messages...)
	var produced []graphbot.ChatMessage
	var usage graphbot.Usage

	allowedDefs := g.allowedToolDefs(in.AllowedTools)

	for iteration := 0; ; iteration++ {
		req := graphbot.ChatRequest{
			Messages: append([]graphbot.ChatMessage{graphbot.SystemMessage(systemPrompt)}, messages...),
			Tools:    allowedDefs,
			Model:    in.Model,
		}

		if err := g.Guards.RunPreLLM(ctx, &req); err != nil {
			return haltOrError(err, produced, usage)
		}

		resp, err := g.Provider.Chat(ctx, req)
		if err != nil {
			return Result{Produced: produced, Usage: usage}, err
		}
		usage.Add(resp.Usage)

		if err := g.Guards.RunPostLLM(ctx, &resp); err != nil {
			return haltOrError(err, produced, usage)
		}

		assistantMsg := graphbot.ChatMessage{
			Role:      "assistant",
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
			Metadata:  resp.ReasoningMetadata,
		}
		messages = append(messages, assistantMsg)
		produced = append(produced, assistantMsg)

		forceRespond := iteration+1 >= g.IterationLimit
		if forceRespond {
			g.Logger.Warn("iteration limit reached, forcing respond", "session_id", in.SessionID, "limit", g.IterationLimit)
		}
		if len(resp.ToolCalls) == 0 || forceRespond {
			return Result{Produced: produced, Usage: usage, Final: resp.Content}, nil
		}

		toolMsgs := g.executeTools(ctx, in, resp.ToolCalls)
		messages = append(messages, toolMsgs...)
		produced = append(produced, toolMsgs...)
	}
}

// haltOrError turns a guard error into a terminal Result: ErrHalt
// produces a graceful Final response with a nil error, anything else
// propagates as a failed turn.
func haltOrError(err error, produced []graphbot.ChatMessage, usage graphbot.Usage) (Result, error) {
	var halt *graphbot.ErrHalt
	if errors.As(err, &halt) {
		return Result{Produced: produced, Usage: usage, Final: halt.Response}, nil
	}
	return Result{Produced: produced, Usage: usage}, err
}

// allowedToolDefs resolves the role's allowed tool names against the
// compiled registry, producing the LLM-visible tool list (first
// enforcement layer: the model never sees a denied tool).
func (g *Graph) allowedToolDefs(allowed map[string]bool) []graphbot.ToolDefinition {
	all := g.Tools.All()
	defs := make([]graphbot.ToolDefinition, 0, len(all))
	for _, d := range all {
		if !d.Available {
			continue
		}
		defs = append(defs, d.Definition())
	}
	if allowed == nil {
		return defs
	}
	return rbac.FilterTools(defs, allowed)
}

func (g *Graph) loadContext(ctx context.Context, in Input) (string, error) {
	if in.SkipContext {
		return in.Identity, nil
	}

	events, err := g.Store.UndeliveredEvents(ctx, in.UserID)
	if err != nil {
		g.Logger.Warn("load_context: failed to load undelivered events", "user_id", in.UserID, "error", err)
	}
	if len(events) > 0 {
		ids := make([]string, len(events))
		for i, e := range events {
			ids[i] = e.EventID
		}
		if err := g.Store.MarkEventsDelivered(ctx, ids); err != nil {
			g.Logger.Warn("load_context: failed to mark events delivered", "user_id", in.UserID, "error", err)
		}
	}

	var memPtr *store.AgentMemory
	if mem, ok, err := g.Store.GetAgentMemory(ctx, in.UserID, "long_term"); err == nil && ok {
		memPtr = &mem
	}

	notes, _ := g.Store.RecentUserNotes(ctx, in.UserID, historyFetchLimit)
	activity, _ := g.Store.RecentActivity(ctx, in.UserID, historyFetchLimit)
	favorites, _ := g.Store.ListFavorites(ctx, in.UserID)

	var prefPtr *store.Preference
	if pref, err := g.Store.GetPreferences(ctx, in.UserID); err == nil {
		prefPtr = &pref
	}

	var lastClosedPtr *store.Session
	if sess, ok, err := g.Store.LastClosedSession(ctx, in.UserID, in.Channel); err == nil && ok {
		lastClosedPtr = &sess
	}

	sources := promptctx.Sources{
		Identity:        in.Identity,
		UserID:          in.UserID,
		Now:             in.Now,
		Model:           in.Model,
		RoleDescription: in.RoleDescription,
		Memory:          memPtr,
		Notes:           notes,
		Activity:        activity,
		Favorites:       favorites,
		Preferences:     prefPtr,
		Events:          events,
		LastClosed:      lastClosedPtr,
		Skills:          in.Skills,
	}
	return g.Context.Build(in.AllowedContextLayers, sources), nil
}

// executeTools dispatches each tool call, preserving order in the
// returned slice even though calls run concurrently. Single calls run
// inline; multiple calls use a fixed worker pool, mirroring the bounded
// dispatch shape used elsewhere in this kind of tool-calling loop.
func (g *Graph) executeTools(ctx context.Context, in Input, calls []graphbot.ToolCall) []graphbot.ChatMessage {
	results := make([]graphbot.ChatMessage, len(calls))

	if len(calls) == 1 {
		results[0] = g.dispatchOne(ctx, in, calls[0])
		return results
	}

	type job struct {
		idx  int
		call graphbot.ToolCall
	}
	jobs := make(chan job, len(calls))
	for i, c := range calls {
		jobs <- job{idx: i, call: c}
	}
	close(jobs)

	numWorkers := len(calls)
	if numWorkers > maxParallelDispatch {
		numWorkers = maxParallelDispatch
	}
	var wg sync.WaitGroup
	wg.Add(numWorkers)
	for i := 0; i < numWorkers; i++ {
		go func() {
			defer wg.Done()
			for j := range jobs {
				results[j.idx] = g.dispatchOne(ctx, in, j.call)
			}
		}()
	}
	wg.Wait()
	return results
}

func (g *Graph) dispatchOne(ctx context.Context, in Input, call graphbot.ToolCall) graphbot.ChatMessage {
	if ctx.Err() != nil {
		return graphbot.ToolResultMessage(call.ID, "error: "+ctx.Err().Error())
	}
	if err := rbac.NewGuard(g.Policy).Check(string(in.Role), call.Name, g.Tools); err != nil {
		return graphbot.ToolResultMessage(call.ID, "permission denied")
	}

	args := injectField(call.Args, "channel", in.Channel)
	args = injectField(args, "user_id", in.UserID)
	args = injectField(args, "session_id", in.SessionID)
	result, err := g.Tools.Invoke(ctx, call.Name, args)
	if err != nil {
		return graphbot.ToolResultMessage(call.ID, "error: "+err.Error())
	}
	return graphbot.ToolResultMessage(call.ID, result)
}

// injectField adds a key to args when it's a JSON object that doesn't
// already carry one. Tools that don't declare that parameter simply ignore
// the extra field; this avoids inspecting each tool's parameter schema to
// decide whether injection applies. Used for "channel", "user_id" and
// "session_id" so tools needing any of them never have to be handed them
// out-of-band.
func injectField(args json.RawMessage, key, value string) json.RawMessage {
	if value == "" || len(args) == 0 {
		return args
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(args, &obj); err != nil {
		return args
	}
	if _, exists := obj[key]; exists {
		return args
	}
	encoded, err := json.Marshal(value)
	if err != nil {
		return args
	}
	obj[key] = encoded
	out, err := json.Marshal(obj)
	if err != nil {
		return args
	}
	return out
}
