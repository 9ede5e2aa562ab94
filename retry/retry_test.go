package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/graphbot/graphbot"
	"github.com/graphbot/graphbot/llm"
)

type fakeStatusErr struct{ status int }

func (e *fakeStatusErr) Error() string  { return "fake status error" }
func (e *fakeStatusErr) StatusCode() int { return e.status }

func TestIsTransientRetries429And503(t *testing.T) {
	if !isTransient(&fakeStatusErr{status: 429}) {
		t.Fatal("expected 429 to be transient")
	}
	if !isTransient(&fakeStatusErr{status: 503}) {
		t.Fatal("expected 503 to be transient")
	}
}

func TestIsTransientRejectsOtherStatusCodes(t *testing.T) {
	if isTransient(&fakeStatusErr{status: 400}) {
		t.Fatal("expected 400 to be permanent")
	}
	if isTransient(&fakeStatusErr{status: 401}) {
		t.Fatal("expected 401 to be permanent")
	}
}

func TestIsTransientDefaultsTrueForUnclassifiedErrors(t *testing.T) {
	if !isTransient(errors.New("connection reset")) {
		t.Fatal("expected unclassified errors to be treated as transient")
	}
}

func TestIsTransientRejectsContextErrors(t *testing.T) {
	if isTransient(context.Canceled) {
		t.Fatal("expected context.Canceled to be permanent")
	}
	if isTransient(context.DeadlineExceeded) {
		t.Fatal("expected context.DeadlineExceeded to be permanent")
	}
}

type stubProvider struct {
	failuresBeforeSuccess int
	calls                 int
	err                   error
}

func (s *stubProvider) Name() string { return "stub" }

func (s *stubProvider) Chat(ctx context.Context, req graphbot.ChatRequest) (graphbot.ChatResponse, error) {
	s.calls++
	if s.calls <= s.failuresBeforeSuccess {
		return graphbot.ChatResponse{}, s.err
	}
	return graphbot.ChatResponse{Content: "ok"}, nil
}

func (s *stubProvider) ChatStructured(ctx context.Context, req graphbot.ChatRequest) (graphbot.ChatResponse, error) {
	return s.Chat(ctx, req)
}

func (s *stubProvider) Summarize(ctx context.Context, messages []graphbot.ChatMessage, model string) string {
	return ""
}

func (s *stubProvider) ExtractFacts(ctx context.Context, messages []graphbot.ChatMessage, model string) llm.FactExtraction {
	return llm.FactExtraction{}
}

func TestWrapRetriesTransientFailureUntilSuccess(t *testing.T) {
	stub := &stubProvider{failuresBeforeSuccess: 2, err: &fakeStatusErr{status: 503}}
	p := Wrap(stub, MaxAttempts(5), BaseDelay(time.Millisecond))
	resp, err := p.Chat(context.Background(), graphbot.ChatRequest{})
	if err != nil {
		t.Fatalf("expected eventual success, got %v", err)
	}
	if resp.Content != "ok" {
		t.Fatalf("unexpected content: %q", resp.Content)
	}
	if stub.calls != 3 {
		t.Fatalf("expected 3 calls, got %d", stub.calls)
	}
}

func TestWrapGivesUpOnPermanentFailure(t *testing.T) {
	stub := &stubProvider{failuresBeforeSuccess: 5, err: &fakeStatusErr{status: 400}}
	p := Wrap(stub, MaxAttempts(5), BaseDelay(time.Millisecond))
	_, err := p.Chat(context.Background(), graphbot.ChatRequest{})
	if err == nil {
		t.Fatal("expected permanent failure to surface")
	}
	if stub.calls != 1 {
		t.Fatalf("expected exactly 1 call for a permanent failure, got %d", stub.calls)
	}
}

func TestWrapStopsAfterMaxAttempts(t *testing.T) {
	stub := &stubProvider{failuresBeforeSuccess: 10, err: &fakeStatusErr{status: 429}}
	p := Wrap(stub, MaxAttempts(3), BaseDelay(time.Millisecond))
	_, err := p.Chat(context.Background(), graphbot.ChatRequest{})
	if err == nil {
		t.Fatal("expected failure after exhausting attempts")
	}
	if stub.calls != 3 {
		t.Fatalf("expected exactly 3 calls, got %d", stub.calls)
	}
}
