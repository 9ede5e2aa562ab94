package graph

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/graphbot/graphbot"
	"github.com/graphbot/graphbot/llm"
	"github.com/graphbot/graphbot/promptctx"
	"github.com/graphbot/graphbot/rbac"
	"github.com/graphbot/graphbot/store"
	"github.com/graphbot/graphbot/tool"
)

// fakeProvider scripts a sequence of responses, one per Chat call.
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
func (p *fakeProvider) Summarize(_ context.Context, _ []graphbot.ChatMessage, _ string) string {
	return ""
}
func (p *fakeProvider) ExtractFacts(_ context.Context, _ []graphbot.ChatMessage, _ string) llm.FactExtraction {
	return llm.FactExtraction{}
}
func (p *fakeProvider) Name() string { return "fake" }

// fakeStore satisfies ContextStore with no data and no errors.
type fakeStore struct {
	markedDelivered []string
}

func (s *fakeStore) GetAgentMemory(context.Context, string, string) (store.AgentMemory, bool, error) {
	return store.AgentMemory{}, false, nil
}
func (s *fakeStore) RecentUserNotes(context.Context, string, int) ([]store.UserNote, error) {
	return nil, nil
}
func (s *fakeStore) RecentActivity(context.Context, string, int) ([]store.ActivityLog, error) {
	return nil, nil
}
func (s *fakeStore) ListFavorites(context.Context, string) ([]store.Favorite, error) { return nil, nil }
func (s *fakeStore) GetPreferences(context.Context, string) (store.Preference, error) {
	return store.Preference{}, nil
}
func (s *fakeStore) LastClosedSession(context.Context, string, string) (store.Session, bool, error) {
	return store.Session{}, false, nil
}
func (s *fakeStore) UndeliveredEvents(context.Context, string) ([]store.SystemEvent, error) {
	return nil, nil
}
func (s *fakeStore) MarkEventsDelivered(_ context.Context, ids []string) error {
	s.markedDelivered = append(s.markedDelivered, ids...)
	return nil
}

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
	provider := &fakeProvider{responses: []graphbot.ChatResponse{
		{Content: "hello there"},
	}}
	registry := tool.NewRegistry()
	g := New(provider, registry, promptctx.New(), &fakeStore{})

	in := Input{
		UserID:   "u1",
		Identity: "You are GraphBot.",
		Messages: []graphbot.ChatMessage{graphbot.UserMessage("hi")},
	}
	result, err := g.Run(context.Background(), in)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Final != "hello there" {
		t.Fatalf("expected final reply %q, got %q", "hello there", result.Final)
	}
	if len(result.Produced) != 1 {
		t.Fatalf("expected 1 produced message, got %d", len(result.Produced))
	}
}

func TestRunExecutesToolCallsThenResponds(t *testing.T) {
	provider := &fakeProvider{responses: []graphbot.ChatResponse{
		{ToolCalls: []graphbot.ToolCall{{ID: "call1", Name: "echo", Args: json.RawMessage(`{}`)}}},
		{Content: "done"},
	}}
	registry := tool.NewRegistry()
	registry.Register("misc", echoTool("echo", "echoed"))
	g := New(provider, registry, promptctx.New(), &fakeStore{})

	in := Input{
		UserID:       "u1",
		AllowedTools: map[string]bool{"echo": true},
		Messages:     []graphbot.ChatMessage{graphbot.UserMessage("run the tool")},
	}
	result, err := g.Run(context.Background(), in)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Final != "done" {
		t.Fatalf("expected final %q, got %q", "done", result.Final)
	}
	// produced: assistant(tool call), tool result, assistant(done)
	if len(result.Produced) != 3 {
		t.Fatalf("expected 3 produced messages, got %d: %+v", len(result.Produced), result.Produced)
	}
	if result.Produced[1].Role != "tool" || result.Produced[1].Content != "echoed" {
		t.Fatalf("expected tool result %q, got %+v", "echoed", result.Produced[1])
	}
}

func TestRunDeniesToolOutsideAllowedSet(t *testing.T) {
	provider := &fakeProvider{responses: []graphbot.ChatResponse{
		{ToolCalls: []graphbot.ToolCall{{ID: "call1", Name: "dangerous", Args: json.RawMessage(`{}`)}}},
		{Content: "done"},
	}}
	registry := tool.NewRegistry()
	registry.Register("misc", echoTool("dangerous", "should not run"))
	policy := rbac.New(map[string]rbac.RoleDef{"restricted": {}}, "restricted")
	g := New(provider, registry, promptctx.New(), &fakeStore{}, WithPolicy(policy))

	in := Input{
		UserID:       "u1",
		Role:         "restricted",
		AllowedTools: map[string]bool{}, // nothing allowed
		Messages:     []graphbot.ChatMessage{graphbot.UserMessage("try it")},
	}
	result, err := g.Run(context.Background(), in)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Produced[1].Content != "permission denied" {
		t.Fatalf("expected synthetic denial, got %+v", result.Produced[1])
	}
}

func TestRunForcesRespondAtIterationLimit(t *testing.T) {
	// Every response carries a tool call; without the limit this would
	// loop forever.
	call := graphbot.ToolCall{ID: "c", Name: "echo", Args: json.RawMessage(`{}`)}
	responses := make([]graphbot.ChatResponse, 5)
	for i := range responses {
		responses[i] = graphbot.ChatResponse{ToolCalls: []graphbot.ToolCall{call}}
	}
	provider := &fakeProvider{responses: responses}
	registry := tool.NewRegistry()
	registry.Register("misc", echoTool("echo", "echoed"))
	g := New(provider, registry, promptctx.New(), &fakeStore{}, WithIterationLimit(3))

	in := Input{
		UserID:       "u1",
		AllowedTools: map[string]bool{"echo": true},
		Messages:     []graphbot.ChatMessage{graphbot.UserMessage("loop")},
	}
	result, err := g.Run(context.Background(), in)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if provider.calls != 3 {
		t.Fatalf("expected exactly 3 provider calls at the iteration limit, got %d", provider.calls)
	}
	_ = result
}

func TestSkipContextUsesIdentityOnly(t *testing.T) {
	provider := &fakeProvider{responses: []graphbot.ChatResponse{{Content: "ok"}}}
	registry := tool.NewRegistry()
	fs := &fakeStore{}
	g := New(provider, registry, promptctx.New(), fs)

	in := Input{
		UserID:      "u1",
		SkipContext: true,
		Identity:    "identity only",
		Messages:    []graphbot.ChatMessage{graphbot.UserMessage("hi")},
	}
	if _, err := g.Run(context.Background(), in); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(fs.markedDelivered) != 0 {
		t.Fatal("expected skip_context to bypass event loading entirely")
	}
}
