package planner

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/graphbot/graphbot"
	"github.com/graphbot/graphbot/llm"
	"github.com/graphbot/graphbot/store"
	"github.com/graphbot/graphbot/store/sqlite"
)

type fakeProvider struct {
	structuredContent string
	structuredErr     error
	calls             int
}

func (p *fakeProvider) Chat(_ context.Context, _ graphbot.ChatRequest) (graphbot.ChatResponse, error) {
	return graphbot.ChatResponse{}, nil
}
func (p *fakeProvider) ChatStructured(_ context.Context, _ graphbot.ChatRequest) (graphbot.ChatResponse, error) {
	p.calls++
	if p.structuredErr != nil {
		return graphbot.ChatResponse{}, p.structuredErr
	}
	return graphbot.ChatResponse{Content: p.structuredContent}, nil
}
func (p *fakeProvider) Summarize(_ context.Context, _ []graphbot.ChatMessage, _ string) string { return "" }
func (p *fakeProvider) ExtractFacts(_ context.Context, _ []graphbot.ChatMessage, _ string) llm.FactExtraction {
	return llm.FactExtraction{}
}
func (p *fakeProvider) Name() string { return "fake" }

func testStore(t *testing.T) store.Store {
	t.Helper()
	s := sqlite.New(filepath.Join(t.TempDir(), "test.db"))
	if err := s.Init(context.Background()); err != nil {
		t.Fatalf("Init: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestPlanParsesValidStaticDelayedPlan(t *testing.T) {
	content := `{"execution":"delayed","processor":"static","delay_seconds":60,"message":"reminder text"}`
	provider := &fakeProvider{structuredContent: content}
	st := testStore(t)
	p, err := New(provider, st, "planner-model")
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	plan, err := p.Plan(context.Background(), "user-1", "remind me in a minute", "no tools")
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if plan.Execution != ExecutionDelayed || plan.Processor != store.ProcessorStatic {
		t.Fatalf("unexpected plan: %+v", plan)
	}
	if plan.DelaySeconds == nil || *plan.DelaySeconds != 60 {
		t.Fatalf("expected delay_seconds=60, got %+v", plan.DelaySeconds)
	}
	if plan.Message != "reminder text" {
		t.Fatalf("expected message preserved, got %q", plan.Message)
	}
}

func TestPlanRejectsMissingDelaySeconds(t *testing.T) {
	content := `{"execution":"delayed","processor":"static","message":"hi"}`
	provider := &fakeProvider{structuredContent: content}
	st := testStore(t)
	p, err := New(provider, st, "planner-model")
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	_, err = p.Plan(context.Background(), "user-1", "remind me later", "no tools")
	if err == nil {
		t.Fatal("expected ErrPlanInvalid, got nil")
	}
	var invalid *graphbot.ErrPlanInvalid
	if !asErrPlanInvalid(err, &invalid) {
		t.Fatalf("expected *graphbot.ErrPlanInvalid, got %T: %v", err, err)
	}
}

func TestPlanRejectsMonitorWithoutNotifySkip(t *testing.T) {
	content := `{"execution":"monitor","processor":"function","cron_expr":"*/5 * * * *","tool_name":"check_price","notify_condition":"always"}`
	provider := &fakeProvider{structuredContent: content}
	st := testStore(t)
	p, err := New(provider, st, "planner-model")
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	_, err = p.Plan(context.Background(), "user-1", "watch the price", "check_price tool")
	if err == nil {
		t.Fatal("expected ErrPlanInvalid, got nil")
	}
}

func TestPlanRejectsSchemaViolatingJSON(t *testing.T) {
	content := `{"execution":"immediate","processor":"static","message":"ok","unexpected_field":true}`
	provider := &fakeProvider{structuredContent: content}
	st := testStore(t)
	p, err := New(provider, st, "planner-model")
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	_, err = p.Plan(context.Background(), "user-1", "say ok now", "no tools")
	if err == nil {
		t.Fatal("expected ErrPlanInvalid for additionalProperties violation, got nil")
	}
}

func TestPlanSucceedsAndFailsWithoutStorePersistenceErrors(t *testing.T) {
	// AppendDelegationLog is best-effort audit logging with no accessor in
	// the Store interface; a successful Plan call on a freshly initialized
	// store exercises the write path for both the success and failure
	// outcome without needing to read the row back.
	st := testStore(t)
	ctx := context.Background()

	ok := &fakeProvider{structuredContent: `{"execution":"immediate","processor":"static","message":"go"}`}
	p, err := New(ok, st, "planner-model")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := p.Plan(ctx, "user-1", "say go", "no tools"); err != nil {
		t.Fatalf("Plan: %v", err)
	}

	bad := &fakeProvider{structuredContent: `{"execution":"immediate"}`}
	p2, err := New(bad, st, "planner-model")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := p2.Plan(ctx, "user-1", "broken task", "no tools"); err == nil {
		t.Fatal("expected error from malformed plan")
	}
}

func asErrPlanInvalid(err error, target **graphbot.ErrPlanInvalid) bool {
	if v, ok := err.(*graphbot.ErrPlanInvalid); ok {
		*target = v
		return true
	}
	return false
}
