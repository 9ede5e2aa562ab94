// Package lightagent implements a minimal, isolated agent used for
// background work: no history, no context layers, no session. It is a
// deliberately smaller sibling of package graph — same reason/execute_tools
// shape, bounded at a much smaller default iteration count, with no
// persistence of its own.
package lightagent

import (
	"context"

	"github.com/graphbot/graphbot"
	"github.com/graphbot/graphbot/llm"
	"github.com/graphbot/graphbot/tool"
)

// defaultMaxIterations bounds the reason/execute_tools loop. Background
// work is meant to be quick and narrowly scoped, hence far smaller than
// the main graph's default.
const defaultMaxIterations = 5

// Agent is a trimmed, single-purpose LLM loop: a fixed system prompt, a
// fixed tool subset, and a fixed model. Construct with New; the zero value
// is not usable.
type Agent struct {
	provider      llm.Provider
	tools         *tool.Registry
	toolDefs      []graphbot.ToolDefinition
	systemPrompt  string
	model         string
	maxIterations int
}

// Option configures an Agent.
type Option func(*Agent)

// WithMaxIterations overrides the default reason/execute_tools bound.
func WithMaxIterations(n int) Option {
	return func(a *Agent) { a.maxIterations = n }
}

// New builds an Agent scoped to systemPrompt, model, and the tools already
// registered in subset (callers typically pass the result of
// tool.Registry.Subregistry to exclude background-unsafe groups).
func New(provider llm.Provider, subset *tool.Registry, systemPrompt, model string, opts ...Option) *Agent {
	all := subset.All()
	defs := make([]graphbot.ToolDefinition, 0, len(all))
	for _, d := range all {
		if d.Available {
			defs = append(defs, d.Definition())
		}
	}
	a := &Agent{
		provider:      provider,
		tools:         subset,
		toolDefs:      defs,
		systemPrompt:  systemPrompt,
		model:         model,
		maxIterations: defaultMaxIterations,
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.maxIterations <= 0 {
		a.maxIterations = defaultMaxIterations
	}
	return a
}

// Result is what one Run produced.
type Result struct {
	Text        string
	Usage       graphbot.Usage
	ToolsCalled []string
}

// Run drives the bounded reason/execute_tools loop against a single human
// message, with no history or context layers — every call starts from
// [system, human(userMessage)]. Tool calls may still have side effects
// (e.g. a tool that pushes a message to a channel); Run itself never
// mutates any session's persisted messages.
func (a *Agent) Run(ctx context.Context, userMessage string) (Result, error) {
	messages := []graphbot.ChatMessage{
		graphbot.SystemMessage(a.systemPrompt),
		graphbot.UserMessage(userMessage),
	}
	var usage graphbot.Usage
	var toolsCalled []string

	for iteration := 0; iteration < a.maxIterations; iteration++ {
		resp, err := a.provider.Chat(ctx, graphbot.ChatRequest{
			Messages: messages,
			Tools:    a.toolDefs,
			Model:    a.model,
		})
		if err != nil {
			return Result{Usage: usage, ToolsCalled: toolsCalled}, err
		}
		usage.Add(resp.Usage)

		if len(resp.ToolCalls) == 0 {
			return Result{Text: resp.Content, Usage: usage, ToolsCalled: toolsCalled}, nil
		}

		messages = append(messages, graphbot.ChatMessage{
			Role:      "assistant",
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
		})
		for _, call := range resp.ToolCalls {
			toolsCalled = append(toolsCalled, call.Name)
			messages = append(messages, a.dispatch(ctx, call))
		}
	}

	// Iteration bound reached with tool calls still pending: force a final
	// response with one more call that offers no tools.
	resp, err := a.provider.Chat(ctx, graphbot.ChatRequest{Messages: messages, Model: a.model})
	if err != nil {
		return Result{Usage: usage, ToolsCalled: toolsCalled}, err
	}
	usage.Add(resp.Usage)
	return Result{Text: resp.Content, Usage: usage, ToolsCalled: toolsCalled}, nil
}

func (a *Agent) dispatch(ctx context.Context, call graphbot.ToolCall) graphbot.ChatMessage {
	if ctx.Err() != nil {
		return graphbot.ToolResultMessage(call.ID, "error: "+ctx.Err().Error())
	}
	result, err := a.tools.Invoke(ctx, call.Name, call.Args)
	if err != nil {
		return graphbot.ToolResultMessage(call.ID, "error: "+err.Error())
	}
	return graphbot.ToolResultMessage(call.ID, result)
}
