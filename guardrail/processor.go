// Package guardrail implements the pre/post-LLM processor hooks the
// graph's reason node runs every turn through: prompt-injection
// detection, content length limits, keyword blocking, and tool-call
// trimming. Processors are chained in registration order; any one of
// them can halt the turn by returning a *graphbot.ErrHalt.
package guardrail

import (
	"context"
	"fmt"

	"github.com/graphbot/graphbot"
)

// roleContextKey is the context key graph.Graph stashes the turn's role
// under before running the guard chain, so role-aware guards (like
// InjectionGuard's TrustedRoles) don't need their own channel back to
// rbac.
type roleContextKey struct{}

// WithRole attaches role to ctx for the duration of a guard chain run.
func WithRole(ctx context.Context, role string) context.Context {
	return context.WithValue(ctx, roleContextKey{}, role)
}

// RoleFromContext returns the role attached by WithRole, if any.
func RoleFromContext(ctx context.Context) (string, bool) {
	role, ok := ctx.Value(roleContextKey{}).(string)
	return role, ok
}

// PreProcessor runs before a turn's messages are sent to the provider.
// Return a *graphbot.ErrHalt to short-circuit the turn with a canned
// response instead of calling the LLM at all.
type PreProcessor interface {
	PreLLM(ctx context.Context, req *graphbot.ChatRequest) error
}

// PostProcessor runs after the provider responds, before tool
// dispatch. Return a *graphbot.ErrHalt to short-circuit the turn
// instead of executing whatever tool calls the LLM requested.
type PostProcessor interface {
	PostLLM(ctx context.Context, resp *graphbot.ChatResponse) error
}

// Chain holds an ordered list of guards and runs them at each hook
// point. Guards are bucketed by interface at Add time so Run never
// needs a type assertion in the hot path.
type Chain struct {
	guards []any
	pre    []PreProcessor
	post   []PostProcessor
}

// NewChain creates an empty chain.
func NewChain() *Chain {
	return &Chain{}
}

// Add appends a guard. It must implement PreProcessor, PostProcessor,
// or both; Add panics otherwise.
func (c *Chain) Add(g any) {
	pre, isPre := g.(PreProcessor)
	post, isPost := g.(PostProcessor)
	if !isPre && !isPost {
		panic(fmt.Sprintf("guardrail: %T implements neither PreProcessor nor PostProcessor", g))
	}
	c.guards = append(c.guards, g)
	if isPre {
		c.pre = append(c.pre, pre)
	}
	if isPost {
		c.post = append(c.post, post)
	}
}

// RunPreLLM runs every PreProcessor in registration order, stopping at
// the first error.
func (c *Chain) RunPreLLM(ctx context.Context, req *graphbot.ChatRequest) error {
	for _, p := range c.pre {
		if err := p.PreLLM(ctx, req); err != nil {
			return err
		}
	}
	return nil
}

// RunPostLLM runs every PostProcessor in registration order, stopping
// at the first error.
func (c *Chain) RunPostLLM(ctx context.Context, resp *graphbot.ChatResponse) error {
	for _, p := range c.post {
		if err := p.PostLLM(ctx, resp); err != nil {
			return err
		}
	}
	return nil
}

// Len reports how many guards are registered.
func (c *Chain) Len() int { return len(c.guards) }
