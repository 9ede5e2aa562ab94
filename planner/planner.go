// Package planner implements the Delegation Planner: a single structured-
// output LLM call that turns a natural-language task description into a
// typed, schema-validated ExecutionPlan. Two independent axes — when
// (Execution) and how (Processor) — are encoded orthogonally, exactly as
// the wire schema below states.
package planner

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/graphbot/graphbot"
	"github.com/graphbot/graphbot/llm"
	"github.com/graphbot/graphbot/store"
)

// Execution names when a plan runs.
type Execution string

const (
	ExecutionImmediate Execution = "immediate"
	ExecutionDelayed   Execution = "delayed"
	ExecutionRecurring Execution = "recurring"
	ExecutionMonitor   Execution = "monitor"
)

// ExecutionPlan is the typed result of one planner call. Processor-specific
// fields are populated according to Processor; fields belonging to another
// processor are left zero.
type ExecutionPlan struct {
	Execution       Execution             `json:"execution"`
	Processor       store.Processor       `json:"processor"`
	DelaySeconds    *int                  `json:"delay_seconds,omitempty"`
	CronExpr        string                `json:"cron_expr,omitempty"`
	NotifyCondition store.NotifyCondition `json:"notify_condition,omitempty"`
	Channel         string                `json:"channel,omitempty"`

	// static
	Message string `json:"message,omitempty"`
	// function
	ToolName string          `json:"tool_name,omitempty"`
	ToolArgs json.RawMessage `json:"tool_args,omitempty"`
	// agent
	Prompt string   `json:"prompt,omitempty"`
	Tools  []string `json:"tools,omitempty"`
	Model  string   `json:"model,omitempty"`
}

// planSchemaJSON is the JSON Schema the structured-output call is
// constrained to and every returned plan is re-validated against.
const planSchemaJSON = `{
	"type": "object",
	"properties": {
		"execution": {"type": "string", "enum": ["immediate", "delayed", "recurring", "monitor"]},
		"processor": {"type": "string", "enum": ["static", "function", "agent"]},
		"delay_seconds": {"type": "integer", "minimum": 0},
		"cron_expr": {"type": "string"},
		"notify_condition": {"type": "string", "enum": ["always", "notify_skip"]},
		"channel": {"type": "string"},
		"message": {"type": "string"},
		"tool_name": {"type": "string"},
		"tool_args": {"type": "object"},
		"prompt": {"type": "string"},
		"tools": {"type": "array", "items": {"type": "string"}},
		"model": {"type": "string"}
	},
	"required": ["execution", "processor"],
	"additionalProperties": false
}`

const schemaResourceName = "execution_plan.json"

// Planner produces ExecutionPlans via a structured-output LLM call,
// validated against planSchemaJSON both as a response-format constraint and
// again on the decoded result.
type Planner struct {
	provider llm.Provider
	store    store.Store
	model    string
	schema   *jsonschema.Schema
}

// New compiles the plan schema once and wires it to provider/model. The
// compile error is returned eagerly (at startup) rather than deferred to
// the first Plan call, since a malformed schema is a programmer error, not
// a runtime condition.
func New(provider llm.Provider, st store.Store, model string) (*Planner, error) {
	var doc any
	if err := json.Unmarshal([]byte(planSchemaJSON), &doc); err != nil {
		return nil, fmt.Errorf("planner: unmarshal schema: %w", err)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(schemaResourceName, doc); err != nil {
		return nil, fmt.Errorf("planner: add schema resource: %w", err)
	}
	schema, err := compiler.Compile(schemaResourceName)
	if err != nil {
		return nil, fmt.Errorf("planner: compile schema: %w", err)
	}
	return &Planner{provider: provider, store: st, model: model, schema: schema}, nil
}

// Plan calls the provider's structured-output endpoint with taskText and a
// human-readable toolCatalog (names, descriptions, shortcuts), decodes the
// result, and validates it against the schema plus the processor-specific
// invariants the schema itself can't express (e.g. "delay_seconds required
// iff execution=delayed"). Every call, successful or not, is recorded as a
// DelegationLog audit row; that persistence carries no runtime invariants
// of its own and its failure never masks the planning outcome.
func (p *Planner) Plan(ctx context.Context, userID, taskText, toolCatalog string) (ExecutionPlan, error) {
	plan, planJSON, planErr := p.plan(ctx, taskText, toolCatalog)

	log := store.DelegationLog{
		LogID:     graphbot.NewID(),
		UserID:    userID,
		TaskText:  taskText,
		PlanJSON:  planJSON,
		CreatedAt: time.Now().UTC().Unix(),
	}
	if planErr != nil {
		log.Error = planErr.Error()
	}
	_ = p.store.AppendDelegationLog(ctx, log)

	return plan, planErr
}

func (p *Planner) plan(ctx context.Context, taskText, toolCatalog string) (ExecutionPlan, json.RawMessage, error) {
	req := graphbot.ChatRequest{
		Messages: []graphbot.ChatMessage{
			graphbot.SystemMessage(plannerSystemPrompt(toolCatalog)),
			graphbot.UserMessage(taskText),
		},
		Model: p.model,
		ResponseSchema: &graphbot.ResponseSchema{
			Name:   "execution_plan",
			Schema: json.RawMessage(planSchemaJSON),
		},
	}
	resp, err := p.provider.ChatStructured(ctx, req)
	if err != nil {
		return ExecutionPlan{}, nil, &graphbot.ErrPlanInvalid{Reason: "structured call failed: " + err.Error()}
	}
	rawPlan := json.RawMessage(resp.Content)

	var doc any
	if err := json.Unmarshal([]byte(resp.Content), &doc); err != nil {
		return ExecutionPlan{}, rawPlan, &graphbot.ErrPlanInvalid{Reason: "response is not valid JSON: " + err.Error()}
	}
	if err := p.schema.Validate(doc); err != nil {
		return ExecutionPlan{}, rawPlan, &graphbot.ErrPlanInvalid{Reason: "schema validation failed: " + err.Error()}
	}

	var plan ExecutionPlan
	if err := json.Unmarshal([]byte(resp.Content), &plan); err != nil {
		return ExecutionPlan{}, rawPlan, &graphbot.ErrPlanInvalid{Reason: "decode failed: " + err.Error()}
	}
	if err := validateInvariants(plan); err != nil {
		return ExecutionPlan{}, rawPlan, err
	}
	return plan, rawPlan, nil
}

// validateInvariants checks cross-field rules the JSON Schema's
// enum/required keywords can't express on their own, since they depend on
// the value of a sibling field (execution).
func validateInvariants(p ExecutionPlan) error {
	switch p.Execution {
	case ExecutionDelayed:
		if p.DelaySeconds == nil {
			return &graphbot.ErrPlanInvalid{Reason: "delay_seconds is required when execution=delayed"}
		}
	case ExecutionRecurring, ExecutionMonitor:
		if p.CronExpr == "" {
			return &graphbot.ErrPlanInvalid{Reason: "cron_expr is required when execution is recurring or monitor"}
		}
	}
	if p.Execution == ExecutionMonitor && p.NotifyCondition != store.NotifyNotifySkip {
		return &graphbot.ErrPlanInvalid{Reason: "execution=monitor requires notify_condition=notify_skip"}
	}

	switch p.Processor {
	case store.ProcessorStatic:
		if p.Message == "" {
			return &graphbot.ErrPlanInvalid{Reason: "message is required when processor=static"}
		}
	case store.ProcessorFunction:
		if p.ToolName == "" {
			return &graphbot.ErrPlanInvalid{Reason: "tool_name is required when processor=function"}
		}
	case store.ProcessorAgent:
		if p.Prompt == "" {
			return &graphbot.ErrPlanInvalid{Reason: "prompt is required when processor=agent"}
		}
	default:
		return &graphbot.ErrPlanInvalid{Reason: fmt.Sprintf("unknown processor %q", p.Processor)}
	}
	return nil
}

func plannerSystemPrompt(toolCatalog string) string {
	return "You are a delegation planner. Given a task description, decide when it " +
		"should run (immediate, delayed, recurring, or monitor) and how (static text, " +
		"a tool call, or an agent), then return a single JSON object matching the " +
		"execution plan schema exactly. Available tools:\n" + toolCatalog
}
