package lightagent

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/graphbot/graphbot"
	"github.com/graphbot/graphbot/llm"
	"github.com/graphbot/graphbot/tool"
)

type fakeProvider struct {
	responses []graphbot.ChatResponse
	calls     int
}

func (p *fakeProvider) Chat(_ context.Context, _ graphbot.ChatRequest) (graphbot.ChatResponse, error) {
	resp := p.responses[p.calls]
	p.calls++
	return resp, nil
}
func (p *fakeProvider) ChatStructured(_ context.Context, _ graphbot.ChatRequest) (graphbot.ChatResponse, error) {
	return graphbot.ChatResponse{}, nil
}
func (p *fakeProvider) Summarize(_ context.Context, _ []graphbot.ChatMessage, _ string) string { return "" }
func (p *fakeProvider) ExtractFacts(_ context.Context, _ []graphbot.ChatMessage, _ string) llm.FactExtraction {
	return llm.FactExtraction{}
}
func (p *fakeProvider) Name() string { return "fake" }

func echoTool(name, reply string) tool.Descriptor {
	return tool.Descriptor{
		Name:      name,
		Available: true,
		Call: func(_ context.Context, _ json.RawMessage) (string, error) {
			return reply, nil
		},
	}
}

func TestRunRespondsWithoutToolCalls(t *testing.T) {
	provider := &fakeProvider{responses: []graphbot.ChatResponse{{Content: "done"}}}
	registry := tool.NewRegistry()
	a := New(provider, registry, "you are a background agent", "gpt")

	result, err := a.Run(context.Background(), "do the thing")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Text != "done" {
		t.Fatalf("expected %q, got %q", "done", result.Text)
	}
	if len(result.ToolsCalled) != 0 {
		t.Fatalf("expected no tools called, got %v", result.ToolsCalled)
	}
}

func TestRunExecutesToolThenResponds(t *testing.T) {
	provider := &fakeProvider{responses: []graphbot.ChatResponse{
		{ToolCalls: []graphbot.ToolCall{{ID: "c1", Name: "notify", Args: json.RawMessage(`{}`)}}},
		{Content: "sent"},
	}}
	registry := tool.NewRegistry()
	registry.Register("messaging", echoTool("notify", "ok"))
	a := New(provider, registry, "system", "model")

	result, err := a.Run(context.Background(), "notify the user")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Text != "sent" {
		t.Fatalf("expected %q, got %q", "sent", result.Text)
	}
	if len(result.ToolsCalled) != 1 || result.ToolsCalled[0] != "notify" {
		t.Fatalf("expected [notify], got %v", result.ToolsCalled)
	}
}

func TestRunForcesFinalResponseAtIterationLimit(t *testing.T) {
	call := graphbot.ToolCall{ID: "c", Name: "loop", Args: json.RawMessage(`{}`)}
	responses := make([]graphbot.ChatResponse, 3)
	for i := range responses {
		responses[i] = graphbot.ChatResponse{ToolCalls: []graphbot.ToolCall{call}}
	}
	responses = append(responses, graphbot.ChatResponse{Content: "forced"})
	provider := &fakeProvider{responses: responses}
	registry := tool.NewRegistry()
	registry.Register("misc", echoTool("loop", "again"))
	a := New(provider, registry, "system", "model", WithMaxIterations(3))

	result, err := a.Run(context.Background(), "keep looping")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Text != "forced" {
		t.Fatalf("expected forced final response %q, got %q", "forced", result.Text)
	}
	if provider.calls != 4 {
		t.Fatalf("expected 3 looping calls + 1 forced-final call, got %d", provider.calls)
	}
}

func TestRunHasNoHistoryAcrossCalls(t *testing.T) {
	provider := &fakeProvider{responses: []graphbot.ChatResponse{{Content: "first"}, {Content: "second"}}}
	registry := tool.NewRegistry()
	a := New(provider, registry, "system", "model")

	if _, err := a.Run(context.Background(), "one"); err != nil {
		t.Fatalf("Run #1: %v", err)
	}
	if _, err := a.Run(context.Background(), "two"); err != nil {
		t.Fatalf("Run #2: %v", err)
	}
	// A stateful agent would fail this by exhausting its single scripted
	// response on the first call; each Run here starts fresh.
	if provider.calls != 2 {
		t.Fatalf("expected exactly 2 independent calls, got %d", provider.calls)
	}
}
