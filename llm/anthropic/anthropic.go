// Package anthropic implements llm.Provider against Anthropic's Messages
// API via the official SDK.
package anthropic

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/param"

	"github.com/graphbot/graphbot"
	"github.com/graphbot/graphbot/llm"
)

const (
	defaultMaxTokens     = 4096
	structuredToolName   = "emit_structured_output"
	defaultRequestTimeout = 60 * time.Second
)

// Provider implements llm.Provider over Anthropic's Messages API.
type Provider struct {
	client    anthropic.Client
	maxTokens int
}

// Option configures a Provider.
type Option func(*Provider)

// WithMaxTokens overrides the default max_tokens ceiling applied when a
// request carries no GenerationParams.MaxOutputTokens.
func WithMaxTokens(n int) Option {
	return func(p *Provider) { p.maxTokens = n }
}

// New builds a Provider from an API key. baseURL, when non-empty, points
// the client at a proxy or gateway in front of the Anthropic API.
func New(apiKey, baseURL string, opts ...Option) *Provider {
	clientOpts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithRequestTimeout(defaultRequestTimeout),
	}
	if baseURL != "" {
		clientOpts = append(clientOpts, option.WithBaseURL(baseURL))
	}
	p := &Provider{
		client:    anthropic.NewClient(clientOpts...),
		maxTokens: defaultMaxTokens,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Provider) Name() string { return "anthropic" }

func (p *Provider) Chat(ctx context.Context, req graphbot.ChatRequest) (graphbot.ChatResponse, error) {
	params := p.buildParams(req)
	resp, err := p.client.Messages.New(ctx, params)
	if err != nil {
		return graphbot.ChatResponse{}, &graphbot.ErrProvider{Provider: "anthropic", Err: err}
	}
	return convertResponse(resp), nil
}

// ChatStructured has no native JSON-schema response format on the Messages
// API, so it forces a single synthetic tool whose input_schema is req's
// ResponseSchema and requires that tool be called — a standard idiom for
// schema-constrained output on this API. The tool's input becomes the
// returned Content, re-marshaled to a compact JSON string so callers (the
// delegation planner) can json.Unmarshal it directly.
func (p *Provider) ChatStructured(ctx context.Context, req graphbot.ChatRequest) (graphbot.ChatResponse, error) {
	if req.ResponseSchema == nil {
		return p.Chat(ctx, req)
	}
	params := p.buildParams(req)

	var schemaDoc map[string]any
	if err := json.Unmarshal(req.ResponseSchema.Schema, &schemaDoc); err != nil {
		return graphbot.ChatResponse{}, &graphbot.ErrProvider{Provider: "anthropic", Err: fmt.Errorf("unmarshal response schema: %w", err)}
	}
	inputSchema := anthropic.ToolInputSchemaParam{}
	if props, ok := schemaDoc["properties"]; ok {
		inputSchema.Properties = props
	}
	if reqd, ok := schemaDoc["required"].([]any); ok {
		for _, r := range reqd {
			if s, ok := r.(string); ok {
				inputSchema.Required = append(inputSchema.Required, s)
			}
		}
	}

	toolParam := anthropic.ToolUnionParamOfTool(inputSchema, structuredToolName)
	params.Tools = []anthropic.ToolUnionParam{toolParam}
	params.ToolChoice = anthropic.ToolChoiceUnionParam{
		OfTool: &anthropic.ToolChoiceToolParam{Name: structuredToolName},
	}

	resp, err := p.client.Messages.New(ctx, params)
	if err != nil {
		return graphbot.ChatResponse{}, &graphbot.ErrProvider{Provider: "anthropic", Err: err}
	}
	for _, block := range resp.Content {
		if block.Type != "tool_use" {
			continue
		}
		payload, err := json.Marshal(block.Input)
		if err != nil {
			return graphbot.ChatResponse{}, &graphbot.ErrProvider{Provider: "anthropic", Err: fmt.Errorf("marshal tool input: %w", err)}
		}
		return graphbot.ChatResponse{
			Content: string(payload),
			Usage:   graphbot.Usage{InputTokens: int(resp.Usage.InputTokens), OutputTokens: int(resp.Usage.OutputTokens)},
		}, nil
	}
	return graphbot.ChatResponse{}, &graphbot.ErrProvider{Provider: "anthropic", Err: fmt.Errorf("model did not call %s", structuredToolName)}
}

func (p *Provider) Summarize(ctx context.Context, messages []graphbot.ChatMessage, model string) string {
	return llm.SummarizeViaChat(ctx, p.Chat, messages, model)
}

func (p *Provider) ExtractFacts(ctx context.Context, messages []graphbot.ChatMessage, model string) llm.FactExtraction {
	return llm.ExtractFactsViaChat(ctx, p.ChatStructured, messages, model)
}

func (p *Provider) buildParams(req graphbot.ChatRequest) anthropic.MessageNewParams {
	maxTokens := p.maxTokens
	var temperature *float64
	var topP *float64
	if gp := req.GenerationParams; gp != nil {
		if gp.MaxOutputTokens > 0 {
			maxTokens = gp.MaxOutputTokens
		}
		if gp.Temperature > 0 {
			temperature = &gp.Temperature
		}
		if gp.TopP > 0 {
			topP = &gp.TopP
		}
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Model),
		MaxTokens: int64(maxTokens),
	}
	if temperature != nil {
		params.Temperature = param.NewOpt(*temperature)
	}
	if topP != nil {
		params.TopP = param.NewOpt(*topP)
	}

	var anthropicMsgs []anthropic.MessageParam
	for _, m := range req.Messages {
		if m.Role == "system" {
			params.System = append(params.System, anthropic.TextBlockParam{Text: m.Content})
			continue
		}
		anthropicMsgs = append(anthropicMsgs, convertMessage(m))
	}
	params.Messages = anthropicMsgs

	if len(req.Tools) > 0 {
		tools := make([]anthropic.ToolUnionParam, 0, len(req.Tools))
		for _, t := range req.Tools {
			var schemaDoc map[string]any
			inputSchema := anthropic.ToolInputSchemaParam{}
			if len(t.Parameters) > 0 && json.Unmarshal(t.Parameters, &schemaDoc) == nil {
				if props, ok := schemaDoc["properties"]; ok {
					inputSchema.Properties = props
				}
				if reqd, ok := schemaDoc["required"].([]any); ok {
					for _, r := range reqd {
						if s, ok := r.(string); ok {
							inputSchema.Required = append(inputSchema.Required, s)
						}
					}
				}
			}
			toolParam := anthropic.ToolUnionParamOfTool(inputSchema, t.Name)
			if toolParam.OfTool != nil {
				toolParam.OfTool.Description = param.NewOpt(t.Description)
			}
			tools = append(tools, toolParam)
		}
		params.Tools = tools
	}

	return params
}

func convertMessage(m graphbot.ChatMessage) anthropic.MessageParam {
	switch {
	case m.Role == "assistant" && len(m.ToolCalls) > 0:
		var blocks []anthropic.ContentBlockParamUnion
		if m.Content != "" {
			blocks = append(blocks, anthropic.NewTextBlock(m.Content))
		}
		for _, tc := range m.ToolCalls {
			var input any
			if err := json.Unmarshal(tc.Args, &input); err != nil {
				input = string(tc.Args)
			}
			blocks = append(blocks, anthropic.NewToolUseBlock(tc.ID, input, tc.Name))
		}
		return anthropic.NewAssistantMessage(blocks...)
	case m.Role == "assistant":
		return anthropic.NewAssistantMessage(anthropic.NewTextBlock(m.Content))
	case m.Role == "tool":
		return anthropic.NewUserMessage(anthropic.NewToolResultBlock(m.ToolCallID, m.Content, false))
	default:
		return anthropic.NewUserMessage(anthropic.NewTextBlock(m.Content))
	}
}

func convertResponse(resp *anthropic.Message) graphbot.ChatResponse {
	var content string
	var toolCalls []graphbot.ToolCall
	for _, block := range resp.Content {
		switch block.Type {
		case "text":
			content += block.Text
		case "tool_use":
			payload, err := json.Marshal(block.Input)
			if err != nil {
				payload = []byte("{}")
			}
			toolCalls = append(toolCalls, graphbot.ToolCall{ID: block.ID, Name: block.Name, Args: payload})
		}
	}
	return graphbot.ChatResponse{
		Content:   content,
		ToolCalls: toolCalls,
		Usage:     graphbot.Usage{InputTokens: int(resp.Usage.InputTokens), OutputTokens: int(resp.Usage.OutputTokens)},
	}
}

var _ llm.Provider = (*Provider)(nil)
