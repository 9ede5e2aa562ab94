package gemini

import (
	"testing"

	"google.golang.org/genai"

	"github.com/graphbot/graphbot"
)

func TestConvertMessageMapsAssistantToModelRole(t *testing.T) {
	out := convertMessage(graphbot.AssistantMessage("hi"))
	if out.Role != genai.RoleModel {
		t.Fatalf("expected model role for assistant messages, got %q", out.Role)
	}
}

func TestConvertMessageMapsUserRole(t *testing.T) {
	out := convertMessage(graphbot.UserMessage("hi"))
	if out.Role != genai.RoleUser {
		t.Fatalf("expected user role, got %q", out.Role)
	}
	if len(out.Parts) != 1 {
		t.Fatalf("expected one text part, got %d", len(out.Parts))
	}
}

func TestBuildFunctionDeclarationsOnePerTool(t *testing.T) {
	defs := []graphbot.ToolDefinition{
		{Name: "get_weather", Description: "fetch weather", Parameters: []byte(`{"type":"object"}`)},
		{Name: "search", Description: "search the web", Parameters: []byte(`{"type":"object"}`)},
	}
	tool := buildFunctionDeclarations(defs)
	if len(tool.FunctionDeclarations) != 2 {
		t.Fatalf("expected 2 function declarations, got %d", len(tool.FunctionDeclarations))
	}
}

func TestParseResponseExtractsTextAndUsage(t *testing.T) {
	resp := &genai.GenerateContentResponse{
		Candidates: []*genai.Candidate{
			{Content: &genai.Content{Parts: []*genai.Part{{Text: "hello there"}}}},
		},
		UsageMetadata: &genai.GenerateContentResponseUsageMetadata{
			PromptTokenCount:     10,
			CandidatesTokenCount: 4,
		},
	}
	out := parseResponse(resp)
	if out.Content != "hello there" {
		t.Fatalf("unexpected content: %q", out.Content)
	}
	if out.Usage.InputTokens != 10 || out.Usage.OutputTokens != 4 {
		t.Fatalf("unexpected usage: %+v", out.Usage)
	}
}

func TestParseResponseNoCandidates(t *testing.T) {
	out := parseResponse(&genai.GenerateContentResponse{})
	if out.Content != "" {
		t.Fatalf("expected empty content, got %q", out.Content)
	}
}
