package graphbot

import "fmt"

// ErrUserUnknown is returned by the runner when a message arrives for a
// user_id with no row and auto-creation is disabled.
type ErrUserUnknown struct {
	UserID string
}

func (e *ErrUserUnknown) Error() string {
	return fmt.Sprintf("graphbot: unknown user %q", e.UserID)
}

// ErrRateLimited is returned before any graph invocation when the caller
// exceeds the configured per-user rate. It carries no side effects.
type ErrRateLimited struct {
	UserID string
}

func (e *ErrRateLimited) Error() string {
	return fmt.Sprintf("graphbot: rate limited: %s", e.UserID)
}

// ErrStore wraps a failure from the durable Store. The turn that produced
// it is aborted before message persistence.
type ErrStore struct {
	Op  string
	Err error
}

func (e *ErrStore) Error() string { return fmt.Sprintf("graphbot: store %s: %v", e.Op, e.Err) }
func (e *ErrStore) Unwrap() error { return e.Err }

// ErrProvider wraps a failure from the LLM provider. In Chat, the caller
// surfaces it to the user as a synthetic assistant message; in
// Summarize/ExtractFacts it is swallowed with sentinel output.
type ErrProvider struct {
	Provider string
	Err      error
}

func (e *ErrProvider) Error() string {
	return fmt.Sprintf("graphbot: provider %s: %v", e.Provider, e.Err)
}
func (e *ErrProvider) Unwrap() error { return e.Err }

// ErrToolDenied is produced by the execute_tools node's permission guard
// when the LLM hallucinates a tool call outside the role's allowed set.
// It never reaches the provider — a synthetic tool-result message replaces
// actual execution.
type ErrToolDenied struct {
	Tool string
	Role string
}

func (e *ErrToolDenied) Error() string {
	return fmt.Sprintf("graphbot: tool %q denied for role %q", e.Tool, e.Role)
}

// ErrPlanInvalid is returned when the delegation planner's structured
// output fails schema validation. It is fatal to the delegation call and
// is surfaced to the delegating agent as a tool-error message.
type ErrPlanInvalid struct {
	Reason string
}

func (e *ErrPlanInvalid) Error() string {
	return fmt.Sprintf("graphbot: plan invalid: %s", e.Reason)
}

// ErrHalt signals that a guardrail processor wants to stop execution and
// return a specific response to the caller, without treating it as a
// failure. The graph's reason node catches ErrHalt and ends the turn with
// Response as the final reply.
type ErrHalt struct {
	Response string
}

func (e *ErrHalt) Error() string { return "graphbot: halted: " + e.Response }
