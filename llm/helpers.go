package llm

import (
	"context"
	"encoding/json"

	"github.com/graphbot/graphbot"
)

// ChatFunc is the shape of Provider.Chat, passed by each backend into the
// helpers below so the best-effort Summarize/ExtractFacts logic is written
// once instead of once per backend.
type ChatFunc func(ctx context.Context, req graphbot.ChatRequest) (graphbot.ChatResponse, error)

const summarizeSystemPrompt = `Summarize the following conversation in two or three sentences, ` +
	`focused on what the user was trying to accomplish and how it was resolved. ` +
	`Write plain prose, no preamble.`

// SummarizeViaChat implements the Summarize half of Provider's best-effort
// contract: on any transport failure it returns "" rather than an error,
// since a missing summary degrades gracefully (the raw messages are still
// in the store) where a propagated error would abort session rotation.
func SummarizeViaChat(ctx context.Context, chat ChatFunc, messages []graphbot.ChatMessage, model string) string {
	if len(messages) == 0 {
		return ""
	}
	req := graphbot.ChatRequest{
		Messages: append([]graphbot.ChatMessage{graphbot.SystemMessage(summarizeSystemPrompt)}, messages...),
		Model:    model,
	}
	resp, err := chat(ctx, req)
	if err != nil {
		return ""
	}
	return resp.Content
}

const factsSystemPrompt = `Extract durable facts about the user from the following conversation: ` +
	`stable preferences (key/value pairs, e.g. "timezone"="America/Chicago") and any other notes ` +
	`worth remembering across sessions. Omit anything transient to this conversation. ` +
	`Respond with JSON matching the schema exactly. If nothing is worth recording, return empty arrays.`

const factsSchemaJSON = `{
	"type": "object",
	"properties": {
		"preferences": {
			"type": "array",
			"items": {
				"type": "object",
				"properties": {
					"key": {"type": "string"},
					"value": {"type": "string"}
				},
				"required": ["key", "value"],
				"additionalProperties": false
			}
		},
		"notes": {"type": "array", "items": {"type": "string"}}
	},
	"required": ["preferences", "notes"],
	"additionalProperties": false
}`

type factsPayload struct {
	Preferences []PreferenceFact `json:"preferences"`
	Notes       []string         `json:"notes"`
}

// ExtractFactsViaChat implements the ExtractFacts half of Provider's
// best-effort contract the same way SummarizeViaChat does: a zero-value
// FactExtraction on any failure rather than an error.
func ExtractFactsViaChat(ctx context.Context, chat ChatFunc, messages []graphbot.ChatMessage, model string) FactExtraction {
	if len(messages) == 0 {
		return FactExtraction{}
	}
	req := graphbot.ChatRequest{
		Messages: append([]graphbot.ChatMessage{graphbot.SystemMessage(factsSystemPrompt)}, messages...),
		Model:    model,
		ResponseSchema: &graphbot.ResponseSchema{
			Name:   "fact_extraction",
			Schema: json.RawMessage(factsSchemaJSON),
		},
	}
	resp, err := chat(ctx, req)
	if err != nil {
		return FactExtraction{}
	}
	var payload factsPayload
	if err := json.Unmarshal([]byte(resp.Content), &payload); err != nil {
		return FactExtraction{}
	}
	return FactExtraction{Preferences: payload.Preferences, Notes: payload.Notes}
}
