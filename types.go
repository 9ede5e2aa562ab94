package graphbot

import "encoding/json"

// --- LLM wire protocol types, shared by llm.Provider, graph, lightagent, and planner. ---

// ChatMessage is one entry in a conversation passed to an LLM provider.
type ChatMessage struct {
	Role        string          `json:"role"` // "system", "user", "assistant", "tool"
	Content     string          `json:"content"`
	Attachments []Attachment    `json:"attachments,omitempty"`
	ToolCalls   []ToolCall      `json:"tool_calls,omitempty"`
	ToolCallID  string          `json:"tool_call_id,omitempty"`
	// Metadata carries provider-specific round-trip state (e.g. a thinking
	// signature for reasoning models). It is never parsed by graphbot —
	// only echoed back verbatim on the next call that includes this message.
	Metadata json.RawMessage `json:"metadata,omitempty"`
}

// Attachment is binary content (image, PDF, audio) sent inline to a
// multimodal provider.
type Attachment struct {
	MimeType string `json:"mime_type"`
	Base64   string `json:"base64"`
}

// ToolCall is one function call requested by the LLM.
type ToolCall struct {
	ID   string          `json:"id"`
	Name string          `json:"name"`
	Args json.RawMessage `json:"args"`
}

// ToolDefinition describes a callable tool to the LLM.
type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"` // JSON Schema
}

// ResponseSchema constrains a chat call to schema-valid structured JSON
// output, used by the delegation planner.
type ResponseSchema struct {
	Name   string          `json:"name"`
	Schema json.RawMessage `json:"schema"`
}

// GenerationParams carries optional per-request sampling overrides.
// Fields left at zero value mean "use the provider's default".
type GenerationParams struct {
	Temperature     float64 `json:"temperature,omitempty"`
	TopP            float64 `json:"top_p,omitempty"`
	TopK            int     `json:"top_k,omitempty"`
	MaxOutputTokens int     `json:"max_output_tokens,omitempty"`
	ReasoningEffort string  `json:"reasoning_effort,omitempty"` // provider-specific, opaque
}

// ChatRequest is a single call to Provider.Chat / Provider.ChatStructured.
type ChatRequest struct {
	Messages         []ChatMessage     `json:"messages"`
	Tools            []ToolDefinition  `json:"tools,omitempty"`
	Model            string            `json:"model"`
	ResponseSchema   *ResponseSchema   `json:"response_schema,omitempty"`
	GenerationParams *GenerationParams `json:"generation_params,omitempty"`
}

// ChatResponse is the provider's reply to a ChatRequest.
type ChatResponse struct {
	Content           string          `json:"content"`
	ToolCalls         []ToolCall      `json:"tool_calls,omitempty"`
	Usage             Usage           `json:"usage"`
	ReasoningMetadata json.RawMessage `json:"reasoning_metadata,omitempty"`
}

// Usage tracks token consumption for one provider call.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Total returns the sum of input and output tokens.
func (u Usage) Total() int { return u.InputTokens + u.OutputTokens }

// Add accumulates another Usage into u.
func (u *Usage) Add(other Usage) {
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
}

// --- ChatMessage constructors ---

func UserMessage(text string) ChatMessage      { return ChatMessage{Role: "user", Content: text} }
func SystemMessage(text string) ChatMessage    { return ChatMessage{Role: "system", Content: text} }
func AssistantMessage(text string) ChatMessage { return ChatMessage{Role: "assistant", Content: text} }

func ToolResultMessage(callID, content string) ChatMessage {
	return ChatMessage{Role: "tool", Content: content, ToolCallID: callID}
}
