// Package tool implements the Tool Registry: named groups of callable
// capabilities, each known to the registry even when its runtime
// requirements (binaries, env vars) aren't met, so the permissions layer
// can reference a tool by name without special-casing unavailability.
package tool

import (
	"context"
	"encoding/json"

	"github.com/graphbot/graphbot"
)

// Callable executes one invocation of a tool and returns its result text.
type Callable func(ctx context.Context, args json.RawMessage) (string, error)

// Requirements names the runtime prerequisites a Descriptor depends on.
// A Descriptor with unmet requirements stays registered with Available
// set to false.
type Requirements struct {
	Binaries []string
	EnvVars  []string
}

// Descriptor is one registered tool capability.
type Descriptor struct {
	Name        string
	Description string
	Parameters  json.RawMessage
	Call        Callable
	Requires    Requirements
	Available   bool
}

// Definition converts a Descriptor into the wire shape the LLM provider
// expects when listing callable tools.
func (d Descriptor) Definition() graphbot.ToolDefinition {
	return graphbot.ToolDefinition{
		Name:        d.Name,
		Description: d.Description,
		Parameters:  d.Parameters,
	}
}

// Registry maps a group name to the descriptors it contains. Groups exist
// purely for policy purposes (spec §4.5's role → tool_groups mapping and
// the background subregistry exclusion list below); a tool belongs to
// exactly one group.
type Registry struct {
	groups map[string][]Descriptor
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{groups: make(map[string][]Descriptor)}
}

// Register adds a descriptor to a group. Calling Register for the same
// group multiple times appends; no group needs pre-declaration.
func (r *Registry) Register(group string, d Descriptor) {
	r.groups[group] = append(r.groups[group], d)
}

// Groups returns the known group names.
func (r *Registry) Groups() []string {
	names := make([]string, 0, len(r.groups))
	for g := range r.groups {
		names = append(names, g)
	}
	return names
}

// Descriptors returns every descriptor in a group, or nil if the group is
// unknown (unknown groups are not an error at this layer; the caller
// logs and skips per spec §4.5).
func (r *Registry) Descriptors(group string) []Descriptor {
	return r.groups[group]
}

// All returns every registered descriptor across all groups.
func (r *Registry) All() []Descriptor {
	var out []Descriptor
	for _, ds := range r.groups {
		out = append(out, ds...)
	}
	return out
}

// Lookup finds a descriptor by tool name across all groups.
func (r *Registry) Lookup(name string) (Descriptor, bool) {
	for _, ds := range r.groups {
		for _, d := range ds {
			if d.Name == name {
				return d, true
			}
		}
	}
	return Descriptor{}, false
}

// Invoke dispatches a call by tool name. An unknown tool or one that is
// registered but unavailable returns an error rather than panicking.
func (r *Registry) Invoke(ctx context.Context, name string, args json.RawMessage) (string, error) {
	d, ok := r.Lookup(name)
	if !ok {
		return "", &graphbot.ErrToolDenied{Tool: name, Role: "unknown"}
	}
	if !d.Available {
		return "", &graphbot.ErrToolDenied{Tool: name, Role: "unavailable"}
	}
	return d.Call(ctx, args)
}

// backgroundExcludedGroups are never handed to isolated background agents
// (LightAgent instances spawned by the Scheduler or Subagent Worker).
var backgroundExcludedGroups = map[string]bool{
	"filesystem": true,
	"shell":      true,
	"scheduling": true,
	"delegation": true,
}

// Subregistry derives a new Registry excluding the given groups in
// addition to the always-excluded background-unsafe groups
// (filesystem, shell, scheduling, delegation).
func (r *Registry) Subregistry(excludeGroups ...string) *Registry {
	excluded := make(map[string]bool, len(excludeGroups))
	for _, g := range excludeGroups {
		excluded[g] = true
	}
	sub := NewRegistry()
	for group, ds := range r.groups {
		if backgroundExcludedGroups[group] || excluded[group] {
			continue
		}
		sub.groups[group] = ds
	}
	return sub
}
