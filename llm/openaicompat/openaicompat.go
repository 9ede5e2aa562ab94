// Package openaicompat implements llm.Provider against any API that speaks
// the OpenAI chat completions wire format (OpenAI itself, Groq, OpenRouter,
// Together, local vLLM/Ollama gateways) via the official OpenAI SDK pointed
// at an overridable base URL.
package openaicompat

import (
	"context"
	"encoding/json"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"
	"github.com/openai/openai-go/shared"

	"github.com/graphbot/graphbot"
	"github.com/graphbot/graphbot/llm"
)

// Provider implements llm.Provider over an OpenAI-compatible chat
// completions endpoint.
type Provider struct {
	client openai.Client
	name   string
}

// Option configures a Provider.
type Option func(*Provider)

// WithName overrides the Name() returned for this Provider (default
// "openai"), so logs/observability can distinguish Groq from OpenAI from a
// local Ollama gateway even though they share this implementation.
func WithName(name string) Option {
	return func(p *Provider) { p.name = name }
}

// New builds a Provider. baseURL, when non-empty, is appended with
// /chat/completions by the SDK the same way it would be for
// api.openai.com — this is what lets the same client talk to Groq,
// OpenRouter, or a local gateway.
func New(apiKey, baseURL string, opts ...Option) *Provider {
	clientOpts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		clientOpts = append(clientOpts, option.WithBaseURL(baseURL))
	}
	p := &Provider{client: openai.NewClient(clientOpts...), name: "openai"}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Provider) Name() string { return p.name }

func (p *Provider) Chat(ctx context.Context, req graphbot.ChatRequest) (graphbot.ChatResponse, error) {
	params := buildParams(req)
	resp, err := p.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return graphbot.ChatResponse{}, &graphbot.ErrProvider{Provider: p.name, Err: err}
	}
	return parseResponse(resp), nil
}

// ChatStructured sets response_format=json_schema, matching the way the
// chat completions API natively constrains structured output — no tool
// trick needed here, unlike the Anthropic backend.
func (p *Provider) ChatStructured(ctx context.Context, req graphbot.ChatRequest) (graphbot.ChatResponse, error) {
	params := buildParams(req)
	if req.ResponseSchema != nil {
		params.ResponseFormat = openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONSchema: &shared.ResponseFormatJSONSchemaParam{
				JSONSchema: shared.ResponseFormatJSONSchemaJSONSchemaParam{
					Name:   req.ResponseSchema.Name,
					Schema: req.ResponseSchema.Schema,
					Strict: openai.Bool(true),
				},
			},
		}
	}
	resp, err := p.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return graphbot.ChatResponse{}, &graphbot.ErrProvider{Provider: p.name, Err: err}
	}
	return parseResponse(resp), nil
}

func (p *Provider) Summarize(ctx context.Context, messages []graphbot.ChatMessage, model string) string {
	return llm.SummarizeViaChat(ctx, p.Chat, messages, model)
}

func (p *Provider) ExtractFacts(ctx context.Context, messages []graphbot.ChatMessage, model string) llm.FactExtraction {
	return llm.ExtractFactsViaChat(ctx, p.ChatStructured, messages, model)
}

func buildParams(req graphbot.ChatRequest) openai.ChatCompletionNewParams {
	params := openai.ChatCompletionNewParams{Model: openai.ChatModel(req.Model)}

	for _, m := range req.Messages {
		params.Messages = append(params.Messages, convertMessage(m))
	}

	if len(req.Tools) > 0 {
		params.Tools = buildTools(req.Tools)
	}

	if gp := req.GenerationParams; gp != nil {
		if gp.Temperature > 0 {
			params.Temperature = param.NewOpt(gp.Temperature)
		}
		if gp.TopP > 0 {
			params.TopP = param.NewOpt(gp.TopP)
		}
		if gp.MaxOutputTokens > 0 {
			params.MaxCompletionTokens = param.NewOpt(int64(gp.MaxOutputTokens))
		}
	}

	return params
}

func convertMessage(m graphbot.ChatMessage) openai.ChatCompletionMessageParamUnion {
	switch {
	case m.Role == "system":
		return openai.SystemMessage(m.Content)
	case m.Role == "assistant" && len(m.ToolCalls) > 0:
		assistant := openai.ChatCompletionAssistantMessageParam{}
		if m.Content != "" {
			assistant.Content = openai.ChatCompletionAssistantMessageParamContentUnion{
				OfString: param.NewOpt(m.Content),
			}
		}
		for _, tc := range m.ToolCalls {
			assistant.ToolCalls = append(assistant.ToolCalls, openai.ChatCompletionMessageToolCallParam{
				ID: tc.ID,
				Function: openai.ChatCompletionMessageToolCallFunctionParam{
					Name:      tc.Name,
					Arguments: string(tc.Args),
				},
			})
		}
		return openai.ChatCompletionMessageParamUnion{OfAssistant: &assistant}
	case m.Role == "assistant":
		return openai.AssistantMessage(m.Content)
	case m.Role == "tool":
		return openai.ToolMessage(m.Content, m.ToolCallID)
	default:
		return openai.UserMessage(m.Content)
	}
}

func buildTools(defs []graphbot.ToolDefinition) []openai.ChatCompletionToolUnionParam {
	out := make([]openai.ChatCompletionToolUnionParam, 0, len(defs))
	for _, t := range defs {
		params := t.Parameters
		if len(params) == 0 {
			params = json.RawMessage(`{}`)
		}
		var schema map[string]any
		_ = json.Unmarshal(params, &schema)
		out = append(out, openai.ChatCompletionFunctionTool(shared.FunctionDefinitionParam{
			Name:        t.Name,
			Description: param.NewOpt(t.Description),
			Parameters:  schema,
		}))
	}
	return out
}

func parseResponse(resp *openai.ChatCompletion) graphbot.ChatResponse {
	var out graphbot.ChatResponse
	if len(resp.Choices) == 0 {
		return out
	}
	choice := resp.Choices[0]
	out.Content = choice.Message.Content
	for _, tc := range choice.Message.ToolCalls {
		args := json.RawMessage(tc.Function.Arguments)
		if !json.Valid(args) {
			args = json.RawMessage(`{}`)
		}
		out.ToolCalls = append(out.ToolCalls, graphbot.ToolCall{ID: tc.ID, Name: tc.Function.Name, Args: args})
	}
	out.Usage = graphbot.Usage{
		InputTokens:  int(resp.Usage.PromptTokens),
		OutputTokens: int(resp.Usage.CompletionTokens),
	}
	return out
}

var _ llm.Provider = (*Provider)(nil)
