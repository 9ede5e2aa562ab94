package runner

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"

	"github.com/graphbot/graphbot"
	"github.com/graphbot/graphbot/graph"
	"github.com/graphbot/graphbot/llm"
	"github.com/graphbot/graphbot/promptctx"
	"github.com/graphbot/graphbot/rbac"
	"github.com/graphbot/graphbot/store"
	"github.com/graphbot/graphbot/store/sqlite"
	"github.com/graphbot/graphbot/tool"
)

func testStore(t *testing.T) store.Store {
	t.Helper()
	s := sqlite.New(filepath.Join(t.TempDir(), "test.db"))
	if err := s.Init(context.Background()); err != nil {
		t.Fatalf("Init: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// fakeProvider scripts one Chat response per call and returns canned
// rotation output.
type fakeProvider struct {
	responses []graphbot.ChatResponse
	calls     int
	summary   string
	facts     llm.FactExtraction
	chatErr   error
}

func (p *fakeProvider) Chat(_ context.Context, _ graphbot.ChatRequest) (graphbot.ChatResponse, error) {
	if p.chatErr != nil {
		return graphbot.ChatResponse{}, p.chatErr
	}
	resp := p.responses[p.calls]
	p.calls++
	return resp, nil
}
func (p *fakeProvider) ChatStructured(_ context.Context, _ graphbot.ChatRequest) (graphbot.ChatResponse, error) {
	return graphbot.ChatResponse{}, nil
}
func (p *fakeProvider) Summarize(_ context.Context, _ []graphbot.ChatMessage, _ string) string {
	return p.summary
}
func (p *fakeProvider) ExtractFacts(_ context.Context, _ []graphbot.ChatMessage, _ string) llm.FactExtraction {
	return p.facts
}
func (p *fakeProvider) Name() string { return "fake" }

func newTestRunner(t *testing.T, st store.Store, provider *fakeProvider, opts ...Option) *Runner {
	t.Helper()
	registry := tool.NewRegistry()
	g := graph.New(provider, registry, promptctx.New(), st)
	return New(st, g, provider, rbac.Open(), registry, opts...)
}

func TestProcessPersistsUserAndAssistantMessages(t *testing.T) {
	st := testStore(t)
	provider := &fakeProvider{responses: []graphbot.ChatResponse{{Content: "hi there"}}}
	r := newTestRunner(t, st, provider)

	reply, sessionID, err := r.Process(context.Background(), "u1", "telegram", "hello", false)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if reply != "hi there" {
		t.Fatalf("expected reply %q, got %q", "hi there", reply)
	}
	if sessionID == "" {
		t.Fatal("expected a session id")
	}

	msgs, err := st.RecentMessages(context.Background(), sessionID, 10)
	if err != nil {
		t.Fatalf("RecentMessages: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("expected 2 persisted messages (user + assistant), got %d", len(msgs))
	}
	if msgs[0].Role != store.MessageRoleUser || msgs[0].Content != "hello" {
		t.Fatalf("expected first message to be the user turn, got %+v", msgs[0])
	}
	if msgs[1].Role != store.MessageRoleAssistant || msgs[1].Content != "hi there" {
		t.Fatalf("expected second message to be the assistant reply, got %+v", msgs[1])
	}
}

func TestProcessReusesGuestSessionAcrossChannels(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()
	user, err := st.GetOrCreateUser(ctx, "guest-1", "Guest")
	if err != nil {
		t.Fatalf("GetOrCreateUser: %v", err)
	}
	if err := st.SetUserRole(ctx, user.UserID, store.RoleGuest); err != nil {
		t.Fatalf("SetUserRole: %v", err)
	}

	provider := &fakeProvider{responses: []graphbot.ChatResponse{{Content: "a"}, {Content: "b"}}}
	r := newTestRunner(t, st, provider)

	_, sid1, err := r.Process(ctx, "guest-1", "telegram", "hi", false)
	if err != nil {
		t.Fatalf("Process #1: %v", err)
	}
	_, sid2, err := r.Process(ctx, "guest-1", "discord", "hi again", false)
	if err != nil {
		t.Fatalf("Process #2: %v", err)
	}
	if sid1 != sid2 {
		t.Fatalf("expected the guest's single open session to be reused across channels: %q != %q", sid1, sid2)
	}
}

func TestProcessRotatesSessionAtTokenLimit(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()
	provider := &fakeProvider{
		responses: []graphbot.ChatResponse{
			{Content: "first", Usage: graphbot.Usage{OutputTokens: 100}},
			{Content: "second"},
		},
		summary: "conversation about nothing much",
		facts: llm.FactExtraction{
			Preferences: []llm.PreferenceFact{{Key: "tone", Value: "casual"}},
			Notes:       []string{"likes short replies"},
		},
	}
	r := newTestRunner(t, st, provider, WithSessionTokenLimit(50))

	_, sid1, err := r.Process(ctx, "u1", "telegram", "first message", false)
	if err != nil {
		t.Fatalf("Process #1: %v", err)
	}

	_, sid2, err := r.Process(ctx, "u1", "telegram", "second message", false)
	if err != nil {
		t.Fatalf("Process #2: %v", err)
	}
	if sid1 == sid2 {
		t.Fatal("expected rotation to open a new session once token_count exceeds the limit")
	}

	prefs, err := st.GetPreferences(ctx, "u1")
	if err != nil {
		t.Fatalf("GetPreferences: %v", err)
	}
	var doc map[string]string
	if err := json.Unmarshal(prefs.Document, &doc); err != nil {
		t.Fatalf("unmarshal preferences: %v", err)
	}
	if doc["tone"] != "casual" {
		t.Fatalf("expected extracted preference to be merged, got %+v", doc)
	}

	notes, err := st.RecentUserNotes(ctx, "u1", 10)
	if err != nil {
		t.Fatalf("RecentUserNotes: %v", err)
	}
	if len(notes) != 1 || notes[0].Source != store.NoteSourceExtraction {
		t.Fatalf("expected one extraction-sourced note, got %+v", notes)
	}
}

func TestProcessReturnsErrUserUnknownWhenAutoCreateDisabled(t *testing.T) {
	st := testStore(t)
	provider := &fakeProvider{}
	r := newTestRunner(t, st, provider, WithAutoCreateUsers(false))

	_, _, err := r.Process(context.Background(), "nobody", "telegram", "hi", false)
	if err == nil {
		t.Fatal("expected ErrUserUnknown")
	}
	var target *graphbot.ErrUserUnknown
	if !errors.As(err, &target) {
		t.Fatalf("expected *graphbot.ErrUserUnknown, got %T: %v", err, err)
	}
}

func TestProcessSurfacesGraphErrorAsReplyNotError(t *testing.T) {
	st := testStore(t)
	provider := &fakeProvider{chatErr: errBoom}
	r := newTestRunner(t, st, provider)

	reply, _, err := r.Process(context.Background(), "u1", "telegram", "hi", false)
	if err != nil {
		t.Fatalf("expected Process to swallow the LLM error into the reply, got err: %v", err)
	}
	if reply == "" {
		t.Fatal("expected the provider failure to surface verbatim as the reply text")
	}
}

var errBoom = errors.New("boom")
