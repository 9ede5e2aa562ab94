// Package gemini implements llm.Provider against Google's Gemini models
// via the official genai SDK.
package gemini

import (
	"context"
	"encoding/json"

	"google.golang.org/genai"

	"github.com/graphbot/graphbot"
	"github.com/graphbot/graphbot/llm"
)

// Provider implements llm.Provider over Gemini's generateContent API.
type Provider struct {
	client *genai.Client
}

// New builds a Provider from an API key, using the Gemini Developer API
// backend (as opposed to Vertex AI).
func New(ctx context.Context, apiKey string) (*Provider, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, &graphbot.ErrProvider{Provider: "gemini", Err: err}
	}
	return &Provider{client: client}, nil
}

func (p *Provider) Name() string { return "gemini" }

func (p *Provider) Chat(ctx context.Context, req graphbot.ChatRequest) (graphbot.ChatResponse, error) {
	return p.generate(ctx, req, nil)
}

// ChatStructured sets response_mime_type=application/json plus
// response_schema, Gemini's native structured-output mechanism.
func (p *Provider) ChatStructured(ctx context.Context, req graphbot.ChatRequest) (graphbot.ChatResponse, error) {
	return p.generate(ctx, req, req.ResponseSchema)
}

func (p *Provider) Summarize(ctx context.Context, messages []graphbot.ChatMessage, model string) string {
	return llm.SummarizeViaChat(ctx, p.Chat, messages, model)
}

func (p *Provider) ExtractFacts(ctx context.Context, messages []graphbot.ChatMessage, model string) llm.FactExtraction {
	return llm.ExtractFactsViaChat(ctx, p.ChatStructured, messages, model)
}

func (p *Provider) generate(ctx context.Context, req graphbot.ChatRequest, schema *graphbot.ResponseSchema) (graphbot.ChatResponse, error) {
	var systemInstruction *genai.Content
	var contents []*genai.Content
	for _, m := range req.Messages {
		if m.Role == "system" {
			systemInstruction = genai.NewContentFromText(m.Content, genai.RoleUser)
			continue
		}
		contents = append(contents, convertMessage(m))
	}

	config := &genai.GenerateContentConfig{SystemInstruction: systemInstruction}
	if len(req.Tools) > 0 {
		config.Tools = []*genai.Tool{buildFunctionDeclarations(req.Tools)}
	}
	if schema != nil && len(schema.Schema) > 0 {
		var schemaDoc genai.Schema
		if err := json.Unmarshal(schema.Schema, &schemaDoc); err != nil {
			return graphbot.ChatResponse{}, &graphbot.ErrProvider{Provider: "gemini", Err: err}
		}
		config.ResponseMIMEType = "application/json"
		config.ResponseSchema = &schemaDoc
	}
	if gp := req.GenerationParams; gp != nil {
		if gp.Temperature > 0 {
			t := float32(gp.Temperature)
			config.Temperature = &t
		}
		if gp.TopP > 0 {
			t := float32(gp.TopP)
			config.TopP = &t
		}
		if gp.MaxOutputTokens > 0 {
			config.MaxOutputTokens = int32(gp.MaxOutputTokens)
		}
	}

	resp, err := p.client.Models.GenerateContent(ctx, req.Model, contents, config)
	if err != nil {
		return graphbot.ChatResponse{}, &graphbot.ErrProvider{Provider: "gemini", Err: err}
	}
	return parseResponse(resp), nil
}

func convertMessage(m graphbot.ChatMessage) *genai.Content {
	role := genai.RoleUser
	if m.Role == "assistant" {
		role = genai.RoleModel
	}

	var parts []*genai.Part
	if m.Content != "" {
		parts = append(parts, genai.NewPartFromText(m.Content))
	}
	for _, tc := range m.ToolCalls {
		var args map[string]any
		_ = json.Unmarshal(tc.Args, &args)
		parts = append(parts, genai.NewPartFromFunctionCall(tc.Name, args))
	}
	if m.Role == "tool" {
		parts = []*genai.Part{genai.NewPartFromFunctionResponse(m.ToolCallID, map[string]any{"result": m.Content})}
	}
	return &genai.Content{Role: role, Parts: parts}
}

func buildFunctionDeclarations(defs []graphbot.ToolDefinition) *genai.Tool {
	decls := make([]*genai.FunctionDeclaration, 0, len(defs))
	for _, t := range defs {
		var schemaDoc genai.Schema
		if len(t.Parameters) > 0 {
			_ = json.Unmarshal(t.Parameters, &schemaDoc)
		}
		decls = append(decls, &genai.FunctionDeclaration{
			Name:        t.Name,
			Description: t.Description,
			Parameters:  &schemaDoc,
		})
	}
	return &genai.Tool{FunctionDeclarations: decls}
}

func parseResponse(resp *genai.GenerateContentResponse) graphbot.ChatResponse {
	var out graphbot.ChatResponse
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return out
	}
	for _, part := range resp.Candidates[0].Content.Parts {
		if part.Text != "" {
			out.Content += part.Text
		}
		if part.FunctionCall != nil {
			args, err := json.Marshal(part.FunctionCall.Args)
			if err != nil {
				args = []byte("{}")
			}
			out.ToolCalls = append(out.ToolCalls, graphbot.ToolCall{Name: part.FunctionCall.Name, Args: args})
		}
	}
	if resp.UsageMetadata != nil {
		out.Usage = graphbot.Usage{
			InputTokens:  int(resp.UsageMetadata.PromptTokenCount),
			OutputTokens: int(resp.UsageMetadata.CandidatesTokenCount),
		}
	}
	return out
}

var _ llm.Provider = (*Provider)(nil)
