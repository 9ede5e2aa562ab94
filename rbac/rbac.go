// Package rbac loads the role-definition document and answers the
// permission questions the graph and runner need before and during a
// tool call: which tools a role may see, which context layers it may
// load, and how many concurrent sessions it may hold open.
//
// Absent a role file, the policy degrades open: every caller gets every
// tool and every layer. This keeps a fresh deployment usable without
// forcing an operator to author a role document before the first message.
package rbac

import (
	"io"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/graphbot/graphbot"
	"github.com/graphbot/graphbot/tool"
)

// RoleDef is one role entry in the document.
type RoleDef struct {
	ToolGroups    []string `yaml:"tool_groups"`
	ContextLayers []string `yaml:"context_layers"`
	MaxSessions   int      `yaml:"max_sessions"`
}

// document is the on-disk shape of the role file.
type document struct {
	Roles       map[string]RoleDef `yaml:"roles"`
	DefaultRole string              `yaml:"default_role"`
}

var nopLogger = slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError + 1}))

// Policy answers tool/layer/session-limit questions for a role. The zero
// value (via Open()) is the all-access fallback; Load reads a YAML file.
type Policy struct {
	roles       map[string]RoleDef
	defaultRole string
	open        bool // true when no role file was loaded: every role has full access
	logger      *slog.Logger
}

// Option configures a Policy.
type Option func(*Policy)

// WithLogger sets the structured logger used to report skipped unknown
// group names. Defaults to a no-op logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Policy) { p.logger = l }
}

// Open returns a Policy that grants every role every tool and every
// context layer, with unlimited sessions. This is the fallback used when
// no role file is configured.
func Open(opts ...Option) *Policy {
	p := &Policy{open: true, logger: nopLogger}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// New builds a closed Policy directly from an in-memory role map, for
// callers that already have roles parsed or constructed (rather than a
// YAML file on disk, which is what Load is for).
func New(roles map[string]RoleDef, defaultRole string, opts ...Option) *Policy {
	p := &Policy{
		roles:       roles,
		defaultRole: defaultRole,
		logger:      nopLogger,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Load reads a role-definition YAML document from path. If path is empty
// or the file does not exist, Load returns an open Policy rather than an
// error, matching spec's "degrades open" behavior for a missing file.
// Any other read or parse error is returned.
func Load(path string, opts ...Option) (*Policy, error) {
	if path == "" {
		return Open(opts...), nil
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return Open(opts...), nil
	}
	if err != nil {
		return nil, err
	}

	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, err
	}

	p := &Policy{
		roles:       doc.Roles,
		defaultRole: doc.DefaultRole,
		logger:      nopLogger,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// resolve returns the RoleDef for role, falling back to default_role, then
// to an empty RoleDef (no groups, no layers, unlimited sessions — an
// unrecognized role in a closed policy gets nothing extra).
func (p *Policy) resolve(role string) (RoleDef, bool) {
	if def, ok := p.roles[role]; ok {
		return def, true
	}
	if p.defaultRole != "" {
		if def, ok := p.roles[p.defaultRole]; ok {
			return def, true
		}
	}
	return RoleDef{}, false
}

// AllowedTools returns the set of tool names a role may call, resolved
// from registry's groups. Unknown group names named in the role document
// are logged and skipped, not treated as fatal.
func (p *Policy) AllowedTools(role string, registry *tool.Registry) map[string]bool {
	allowed := make(map[string]bool)
	if p.open {
		for _, d := range registry.All() {
			allowed[d.Name] = true
		}
		return allowed
	}

	def, _ := p.resolve(role)
	for _, group := range def.ToolGroups {
		descriptors := registry.Descriptors(group)
		if descriptors == nil && len(registry.Groups()) > 0 {
			if !knownGroup(registry, group) {
				p.logger.Warn("rbac: unknown tool group, skipping", "role", role, "group", group)
				continue
			}
		}
		for _, d := range descriptors {
			allowed[d.Name] = true
		}
	}
	return allowed
}

func knownGroup(registry *tool.Registry, group string) bool {
	for _, g := range registry.Groups() {
		if g == group {
			return true
		}
	}
	return false
}

// AllowedContextLayers returns the set of context-builder layer names a
// role may load.
func (p *Policy) AllowedContextLayers(role string) map[string]bool {
	allowed := make(map[string]bool)
	if p.open {
		for _, l := range allContextLayers {
			allowed[l] = true
		}
		return allowed
	}
	def, _ := p.resolve(role)
	for _, l := range def.ContextLayers {
		allowed[l] = true
	}
	return allowed
}

// allContextLayers names every layer promptctx.Builder knows about; kept
// here rather than imported from promptctx, which takes the allowed set
// as a plain map and does not import this package.
var allContextLayers = []string{
	"identity", "runtime", "role", "agent_memory",
	"user_context", "events", "session_summary", "skills",
}

// MaxSessions returns the maximum number of concurrently open sessions a
// role may hold. Zero means unlimited.
func (p *Policy) MaxSessions(role string) int {
	if p.open {
		return 0
	}
	def, _ := p.resolve(role)
	return def.MaxSessions
}

// FilterTools returns the subset of defs whose Name is present in allowed,
// used by graph.reason to build the LLM-visible tool list (the first
// enforcement layer: the model simply never sees a denied tool).
func FilterTools(defs []graphbot.ToolDefinition, allowed map[string]bool) []graphbot.ToolDefinition {
	out := make([]graphbot.ToolDefinition, 0, len(defs))
	for _, d := range defs {
		if allowed[d.Name] {
			out = append(out, d)
		}
	}
	return out
}

// Guard is the second enforcement layer, invoked by execute_tools
// immediately before dispatching a tool call the LLM requested. A denial
// here means the model hallucinated a call outside its allowed set (the
// tool was filtered out of its view but it asked anyway); the caller
// should substitute a synthetic "permission denied" tool result instead of
// invoking the tool.
type Guard struct {
	policy *Policy
}

// NewGuard wraps a Policy as an execute_tools-stage guard.
func NewGuard(p *Policy) *Guard { return &Guard{policy: p} }

// Check returns graphbot.ErrToolDenied if name is not in role's allowed
// tool set for registry; nil otherwise.
func (g *Guard) Check(role, name string, registry *tool.Registry) error {
	allowed := g.policy.AllowedTools(role, registry)
	if !allowed[name] {
		return &graphbot.ErrToolDenied{Tool: name, Role: role}
	}
	return nil
}
