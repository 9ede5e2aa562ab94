// Package graphbot is the runtime for a multi-channel AI assistant.
//
// It wires together a durable store (package store), a tool-calling agent graph
// (package graph) driven by a [runner.Runner], and a delegation/scheduling
// subsystem (packages planner, scheduler, worker) that turns natural
// language background requests into typed, persisted execution plans.
//
// # Core interfaces
//
// The contracts every component is built against live in their own
// packages; the root package holds the shared message types, errors and
// the Tracer port:
//
//   - llm.Provider — the LLM backend (chat, structured output, summarize)
//   - channel.Port — the messaging channel (Telegram, Discord, socket)
//   - store.Store — durable persistence for sessions, memory, jobs, and events
//
// # Included implementations
//
// Storage: store/sqlite (embedded), store/postgres (pgvector-free relational).
// Providers: llm/anthropic, llm/openaicompat, llm/gemini.
// Channels: channel/telegram, channel/discord, channel/socket.
//
// See cmd/graphbotd for a reference wiring of all the pieces.
package graphbot
