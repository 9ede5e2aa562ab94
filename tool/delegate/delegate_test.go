package delegate

import (
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"

	"github.com/graphbot/graphbot"
	"github.com/graphbot/graphbot/eventbus"
	"github.com/graphbot/graphbot/llm"
	"github.com/graphbot/graphbot/planner"
	"github.com/graphbot/graphbot/scheduler"
	"github.com/graphbot/graphbot/store"
	"github.com/graphbot/graphbot/store/sqlite"
	"github.com/graphbot/graphbot/tool"
	"github.com/graphbot/graphbot/worker"
)

type fakeChannel struct{}

func (fakeChannel) Send(context.Context, string, string, string) error { return nil }

// planningProvider's ChatStructured always returns the fixed plan JSON it
// was built with, regardless of the prompt — enough to drive the planner
// deterministically in tests.
type planningProvider struct{ planJSON string }

func (p planningProvider) Chat(context.Context, graphbot.ChatRequest) (graphbot.ChatResponse, error) {
	return graphbot.ChatResponse{}, nil
}
func (p planningProvider) ChatStructured(context.Context, graphbot.ChatRequest) (graphbot.ChatResponse, error) {
	return graphbot.ChatResponse{Content: p.planJSON}, nil
}
func (p planningProvider) Summarize(context.Context, []graphbot.ChatMessage, string) string { return "" }
func (p planningProvider) ExtractFacts(context.Context, []graphbot.ChatMessage, string) llm.FactExtraction {
	return llm.FactExtraction{}
}
func (p planningProvider) Name() string { return "fake" }

func newTestTool(t *testing.T, planJSON string) *Tool {
	t.Helper()
	st := sqlite.New(filepath.Join(t.TempDir(), "test.db"))
	if err := st.Init(context.Background()); err != nil {
		t.Fatalf("Init: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	provider := planningProvider{planJSON: planJSON}
	p, err := planner.New(provider, st, "model")
	if err != nil {
		t.Fatalf("planner.New: %v", err)
	}

	tools := tool.NewRegistry()
	dispatcher := scheduler.NewDispatcher(tools, fakeChannel{}, provider, "model")
	sched := scheduler.New(st, dispatcher)
	return New(p, sched, dispatcher, nil, tools)
}

func call(t *testing.T, tl *Tool, args map[string]any) (string, error) {
	t.Helper()
	raw, _ := json.Marshal(args)
	return tl.Descriptors()[0].Call(context.Background(), raw)
}

func TestDelegateImmediateRunsNow(t *testing.T) {
	tl := newTestTool(t, `{"execution":"immediate","processor":"static","message":"done now"}`)
	result, err := call(t, tl, map[string]any{"user_id": "u1", "channel": "telegram", "task": "say hi"})
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if result != "done now" {
		t.Errorf("expected immediate delivery text, got %q", result)
	}
}

func TestDelegateDelayedSchedulesReminder(t *testing.T) {
	delay := 60
	planJSON, _ := json.Marshal(planner.ExecutionPlan{
		Execution: planner.ExecutionDelayed, Processor: store.ProcessorStatic,
		Message: "later", DelaySeconds: &delay,
	})
	tl := newTestTool(t, string(planJSON))
	result, err := call(t, tl, map[string]any{"user_id": "u1", "task": "remind me later"})
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if !strings.Contains(result, "reminder") {
		t.Errorf("expected reminder confirmation, got %q", result)
	}
}

func TestDelegateRecurringSchedulesJob(t *testing.T) {
	planJSON, _ := json.Marshal(planner.ExecutionPlan{
		Execution: planner.ExecutionRecurring, Processor: store.ProcessorStatic,
		Message: "good morning", CronExpr: "0 8 * * *",
	})
	tl := newTestTool(t, string(planJSON))
	result, err := call(t, tl, map[string]any{"user_id": "u1", "task": "daily briefing"})
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if !strings.Contains(result, "recurring job") {
		t.Errorf("expected recurring job confirmation, got %q", result)
	}
}

func TestDelegateMonitorSchedulesSkippableReminder(t *testing.T) {
	planJSON, _ := json.Marshal(planner.ExecutionPlan{
		Execution: planner.ExecutionMonitor, Processor: store.ProcessorStatic,
		Message: "price changed", CronExpr: "*/30 * * * *", NotifyCondition: store.NotifyNotifySkip,
	})
	tl := newTestTool(t, string(planJSON))
	result, err := call(t, tl, map[string]any{"user_id": "u1", "task": "watch the price"})
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if !strings.Contains(result, "monitoring reminder") {
		t.Errorf("expected monitoring confirmation, got %q", result)
	}
}

func TestDelegateRejectsEmptyTask(t *testing.T) {
	tl := newTestTool(t, `{"execution":"immediate","processor":"static","message":"x"}`)
	if _, err := call(t, tl, map[string]any{"user_id": "u1", "task": ""}); err == nil {
		t.Fatal("expected an error for an empty task")
	}
}

func TestSpawnBackgroundTaskStartsAsyncExecution(t *testing.T) {
	st := sqlite.New(filepath.Join(t.TempDir(), "test.db"))
	if err := st.Init(context.Background()); err != nil {
		t.Fatalf("Init: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	provider := planningProvider{planJSON: `{"execution":"immediate","processor":"static","message":"background done"}`}
	p, err := planner.New(provider, st, "model")
	if err != nil {
		t.Fatalf("planner.New: %v", err)
	}
	tools := tool.NewRegistry()
	dispatcher := scheduler.NewDispatcher(tools, fakeChannel{}, provider, "model")
	bg := worker.New(st, eventbus.New(st), dispatcher, fakeChannel{})

	tl := New(p, scheduler.New(st, dispatcher), dispatcher, bg, tools)

	var spawnDesc *tool.Descriptor
	for _, d := range tl.Descriptors() {
		if d.Name == "spawn_background_task" {
			d := d
			spawnDesc = &d
		}
	}
	if spawnDesc == nil {
		t.Fatal("expected spawn_background_task to be registered when a Worker is supplied")
	}

	args, _ := json.Marshal(map[string]any{"user_id": "u1", "task": "do something"})
	result, err := spawnDesc.Call(context.Background(), args)
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	if !strings.Contains(result, "Started background task") {
		t.Errorf("expected spawn confirmation, got %q", result)
	}
}

func TestDescriptorsOmitSpawnWithoutWorker(t *testing.T) {
	tl := newTestTool(t, `{"execution":"immediate","processor":"static","message":"x"}`)
	for _, d := range tl.Descriptors() {
		if d.Name == "spawn_background_task" {
			t.Fatal("expected spawn_background_task omitted when worker is nil")
		}
	}
}

func TestCatalogListsAvailableTools(t *testing.T) {
	tools := tool.NewRegistry()
	tools.Register("web", tool.Descriptor{Name: "web_fetch", Description: "fetch a url", Available: true})
	tools.Register("misc", tool.Descriptor{Name: "disabled_tool", Description: "nope", Available: false})

	tl := &Tool{tools: tools}
	catalog := tl.catalog()
	if !strings.Contains(catalog, "web_fetch") {
		t.Errorf("expected available tool in catalog, got %q", catalog)
	}
	if strings.Contains(catalog, "disabled_tool") {
		t.Errorf("expected unavailable tool excluded from catalog, got %q", catalog)
	}
}
