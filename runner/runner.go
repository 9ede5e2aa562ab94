// Package runner implements the GraphRunner: the orchestrator and sole
// caller of the agent graph. It owns session lifecycle (open, rotate,
// reuse), resolves role-based permissions per turn, and persists every
// message the graph produces.
package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"

	"github.com/graphbot/graphbot"
	"github.com/graphbot/graphbot/graph"
	"github.com/graphbot/graphbot/llm"
	"github.com/graphbot/graphbot/rbac"
	"github.com/graphbot/graphbot/store"
	"github.com/graphbot/graphbot/tool"
)

// defaultSessionTokenLimit is the token_count threshold past which a
// session is rotated before the next turn runs.
const defaultSessionTokenLimit = 30000

// defaultHistoryLimit bounds how many recent messages are loaded as the
// conversation prefix for a turn.
const defaultHistoryLimit = 50

// rotationFetchLimit bounds how many recent messages rotateSession reads
// to build the summarization/extraction input.
const rotationFetchLimit = 50

var nopLogger = slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError + 1}))

// RateLimiter gates turns per user before any graph invocation happens.
// A nil RateLimiter on Runner means unlimited.
type RateLimiter interface {
	Allow(ctx context.Context, userID string) bool
}

// Runner is the orchestrator. The zero value is not usable; construct with
// New.
type Runner struct {
	Store    store.Store
	Graph    *graph.Graph
	Provider llm.Provider
	Policy   *rbac.Policy
	Tools    *tool.Registry

	RateLimiter RateLimiter
	Logger      *slog.Logger

	// Identity is the system-prompt identity text handed to the graph as
	// promptctx.Sources.Identity.
	Identity string
	// Model is the model name passed through to every Chat call.
	Model string
	// RoleDescriptions maps a role to the one-sentence description the
	// "role" context layer surfaces.
	RoleDescriptions map[store.Role]string

	// AutoCreateUsers, when true, materializes a User row on first contact
	// instead of failing with ErrUserUnknown.
	AutoCreateUsers bool

	SessionTokenLimit int
	HistoryLimit      int
}

// Option configures a Runner.
type Option func(*Runner)

func WithRateLimiter(rl RateLimiter) Option { return func(r *Runner) { r.RateLimiter = rl } }
func WithLogger(l *slog.Logger) Option      { return func(r *Runner) { r.Logger = l } }
func WithIdentity(identity string) Option   { return func(r *Runner) { r.Identity = identity } }
func WithModel(model string) Option         { return func(r *Runner) { r.Model = model } }
func WithRoleDescriptions(m map[store.Role]string) Option {
	return func(r *Runner) { r.RoleDescriptions = m }
}
func WithAutoCreateUsers(auto bool) Option { return func(r *Runner) { r.AutoCreateUsers = auto } }
func WithSessionTokenLimit(n int) Option   { return func(r *Runner) { r.SessionTokenLimit = n } }
func WithHistoryLimit(n int) Option        { return func(r *Runner) { r.HistoryLimit = n } }

// New wires a Runner against its dependencies.
func New(st store.Store, g *graph.Graph, provider llm.Provider, policy *rbac.Policy, tools *tool.Registry, opts ...Option) *Runner {
	r := &Runner{
		Store:             st,
		Graph:             g,
		Provider:          provider,
		Policy:            policy,
		Tools:             tools,
		Logger:            nopLogger,
		AutoCreateUsers:   true,
		SessionTokenLimit: defaultSessionTokenLimit,
		HistoryLimit:      defaultHistoryLimit,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.SessionTokenLimit <= 0 {
		r.SessionTokenLimit = defaultSessionTokenLimit
	}
	if r.HistoryLimit <= 0 {
		r.HistoryLimit = defaultHistoryLimit
	}
	return r
}

// Process is the single entry point every channel adapter calls:
// resolve/rotate the session, invoke the graph, persist the turn, and
// return the reply text and the session it was recorded against.
func (r *Runner) Process(ctx context.Context, userID, channel, text string, skipContext bool) (reply string, sessionID string, err error) {
	user, ok, err := r.Store.GetUser(ctx, userID)
	if err != nil {
		return "", "", &graphbot.ErrStore{Op: "get_user", Err: err}
	}
	if !ok {
		if !r.AutoCreateUsers {
			return "", "", &graphbot.ErrUserUnknown{UserID: userID}
		}
		user, err = r.Store.GetOrCreateUser(ctx, userID, "")
		if err != nil {
			return "", "", &graphbot.ErrStore{Op: "get_or_create_user", Err: err}
		}
	}

	if r.RateLimiter != nil && !r.RateLimiter.Allow(ctx, userID) {
		return "", "", &graphbot.ErrRateLimited{UserID: userID}
	}

	sess, err := r.resolveSession(ctx, user, channel)
	if err != nil {
		return "", "", err
	}

	if sess.TokenCount >= r.SessionTokenLimit {
		r.rotateSession(ctx, sess)
		sess, err = r.Store.OpenSession(ctx, user.UserID, channel)
		if err != nil {
			return "", "", &graphbot.ErrStore{Op: "open_session", Err: err}
		}
	}

	history, err := r.Store.RecentMessages(ctx, sess.SessionID, r.HistoryLimit)
	if err != nil {
		r.Logger.Warn("failed to load recent messages", "session_id", sess.SessionID, "error", err)
	}

	allowedTools := r.Policy.AllowedTools(string(user.Role), r.Tools)
	allowedLayers := r.Policy.AllowedContextLayers(string(user.Role))

	if _, err := r.Store.AppendMessage(ctx, store.Message{
		SessionID: sess.SessionID,
		Role:      store.MessageRoleUser,
		Content:   text,
	}); err != nil {
		return "", "", &graphbot.ErrStore{Op: "append_message", Err: err}
	}

	in := graph.Input{
		UserID:               user.UserID,
		SessionID:            sess.SessionID,
		Channel:              channel,
		Role:                 user.Role,
		AllowedTools:         allowedTools,
		AllowedContextLayers: allowedLayers,
		SkipContext:          skipContext,
		Messages:             append(toChatMessages(history), graphbot.UserMessage(text)),
		Model:                r.Model,
		Identity:             r.Identity,
		RoleDescription:      r.RoleDescriptions[user.Role],
	}

	result, runErr := r.Graph.Run(ctx, in)
	if runErr != nil {
		// LLM failures are reported verbatim to the caller as a final
		// assistant message rather than propagated as an error — the
		// turn already has a session to report against.
		return runErr.Error(), sess.SessionID, nil
	}

	for _, msg := range result.Produced {
		if _, err := r.Store.AppendMessage(ctx, toStoreMessage(sess.SessionID, msg)); err != nil {
			r.Logger.Warn("failed to persist produced message", "session_id", sess.SessionID, "error", err)
		}
	}

	if err := r.Store.UpdateSessionTokenCount(ctx, sess.SessionID, result.Usage.Total()); err != nil {
		r.Logger.Warn("failed to update session token count", "session_id", sess.SessionID, "error", err)
	}

	return result.Final, sess.SessionID, nil
}

// resolveSession finds or opens the session a turn should run against.
// Guests are capped at one open session total: if the channel has none
// open but the guest already holds one elsewhere, that session is reused
// instead of opening a second.
func (r *Runner) resolveSession(ctx context.Context, user store.User, channel string) (store.Session, error) {
	sess, ok, err := r.Store.GetOpenSession(ctx, user.UserID, channel)
	if err != nil {
		return store.Session{}, &graphbot.ErrStore{Op: "get_open_session", Err: err}
	}
	if ok {
		return sess, nil
	}

	if user.Role == store.RoleGuest {
		if existing, ok, err := r.Store.GetAnyOpenSession(ctx, user.UserID); err != nil {
			return store.Session{}, &graphbot.ErrStore{Op: "get_any_open_session", Err: err}
		} else if ok {
			return existing, nil
		}
	}

	sess, err = r.Store.OpenSession(ctx, user.UserID, channel)
	if err != nil {
		return store.Session{}, &graphbot.ErrStore{Op: "open_session", Err: err}
	}
	return sess, nil
}

// rotateSession summarizes and extracts durable facts from a session's
// recent history, best-effort, then closes it. The session is always
// closed, even when summarization or extraction fails — this is the only
// place a Provider failure is deliberately swallowed rather than
// surfaced, matching Summarize/ExtractFacts's best-effort contract.
func (r *Runner) rotateSession(ctx context.Context, sess store.Session) {
	msgs, err := r.Store.RecentMessages(ctx, sess.SessionID, rotationFetchLimit)
	if err != nil {
		r.Logger.Warn("rotate_session: failed to load messages", "session_id", sess.SessionID, "error", err)
	}

	var convo []graphbot.ChatMessage
	for _, m := range msgs {
		if m.Role != store.MessageRoleUser && m.Role != store.MessageRoleAssistant {
			continue
		}
		convo = append(convo, graphbot.ChatMessage{Role: string(m.Role), Content: m.Content})
	}

	summary := r.Provider.Summarize(ctx, convo, r.Model)
	if summary == "" {
		summary = fmt.Sprintf("session %s closed at token limit; no summary available", sess.SessionID)
	}

	facts := r.Provider.ExtractFacts(ctx, convo, r.Model)
	if len(facts.Preferences) > 0 {
		patch := make(map[string]string, len(facts.Preferences))
		for _, p := range facts.Preferences {
			patch[p.Key] = p.Value
		}
		if encoded, err := json.Marshal(patch); err == nil {
			if err := r.Store.MergePreferences(ctx, sess.UserID, encoded); err != nil {
				r.Logger.Warn("rotate_session: failed to merge preferences", "user_id", sess.UserID, "error", err)
			}
		}
	}
	for _, note := range facts.Notes {
		if err := r.Store.AddUserNote(ctx, store.UserNote{
			UserID:  sess.UserID,
			Content: note,
			Source:  store.NoteSourceExtraction,
		}); err != nil {
			r.Logger.Warn("rotate_session: failed to add note", "user_id", sess.UserID, "error", err)
		}
	}

	if _, err := r.Store.EndSession(ctx, sess.SessionID, summary, store.CloseReasonTokenLimit); err != nil {
		r.Logger.Warn("rotate_session: failed to end session", "session_id", sess.SessionID, "error", err)
	}
}

func toChatMessages(msgs []store.Message) []graphbot.ChatMessage {
	out := make([]graphbot.ChatMessage, len(msgs))
	for i, m := range msgs {
		cm := graphbot.ChatMessage{Role: string(m.Role), Content: m.Content, ToolCallID: m.ToolCallID}
		if len(m.ToolCalls) > 0 {
			_ = json.Unmarshal(m.ToolCalls, &cm.ToolCalls)
		}
		out[i] = cm
	}
	return out
}

func toStoreMessage(sessionID string, msg graphbot.ChatMessage) store.Message {
	sm := store.Message{
		SessionID:  sessionID,
		Role:       store.MessageRole(msg.Role),
		Content:    msg.Content,
		ToolCallID: msg.ToolCallID,
	}
	if len(msg.ToolCalls) > 0 {
		if encoded, err := json.Marshal(msg.ToolCalls); err == nil {
			sm.ToolCalls = encoded
		}
	}
	return sm
}
