// Package llm defines the single outbound LLM contract every backend
// implements, and the few shared shapes (fact extraction) that ride on
// top of it. Concrete backends live in llm/anthropic, llm/openaicompat,
// and llm/gemini.
package llm

import (
	"context"

	"github.com/graphbot/graphbot"
)

// PreferenceFact is one key/value pair extracted from a conversation.
type PreferenceFact struct {
	Key   string
	Value string
}

// FactExtraction is the result of summarizing a closed session's
// messages into durable memory: preferences to merge and free-text notes
// to record.
type FactExtraction struct {
	Preferences []PreferenceFact
	Notes       []string
}

// Provider abstracts the LLM backend. Chat and ChatStructured propagate
// failures to the caller; Summarize and ExtractFacts are best-effort by
// contract — implementations swallow their own failures and return a
// sentinel zero value rather than an error, since both are used only to
// opportunistically enrich durable memory during session rotation.
type Provider interface {
	// Chat sends a request (messages, tools, model, sampling params) and
	// returns the assistant's reply, which may carry tool calls.
	// ReasoningMetadata, if the provider returns it, must be echoed back
	// verbatim on the ChatMessage that carries it in a later call for
	// thinking-model round trips; graphbot never parses it.
	Chat(ctx context.Context, req graphbot.ChatRequest) (graphbot.ChatResponse, error)

	// ChatStructured constrains the reply to schema-valid JSON and
	// returns the decoded object's raw bytes. Used by the delegation
	// planner. Must fail rather than return a schema-invalid payload.
	ChatStructured(ctx context.Context, req graphbot.ChatRequest) (graphbot.ChatResponse, error)

	// Summarize condenses messages into a short hybrid summary text.
	// Best-effort: on internal failure, returns "" rather than an error.
	Summarize(ctx context.Context, messages []graphbot.ChatMessage, model string) string

	// ExtractFacts pulls durable preferences and notes out of messages.
	// Best-effort: on internal failure, returns a zero-value FactExtraction
	// rather than an error.
	ExtractFacts(ctx context.Context, messages []graphbot.ChatMessage, model string) FactExtraction

	// Name identifies the backend (e.g. "anthropic", "openai", "gemini").
	Name() string
}
