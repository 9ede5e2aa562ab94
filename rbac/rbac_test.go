package rbac

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/graphbot/graphbot"
	"github.com/graphbot/graphbot/tool"
)

func testRegistry() *tool.Registry {
	r := tool.NewRegistry()
	echo := func(name string) tool.Descriptor {
		return tool.Descriptor{
			Name:      name,
			Available: true,
			Call: func(_ context.Context, args json.RawMessage) (string, error) {
				return string(args), nil
			},
		}
	}
	r.Register("web", echo("fetch_url"))
	r.Register("admin", echo("reset_config"))
	return r
}

func TestOpenPolicyGrantsEverything(t *testing.T) {
	p := Open()
	r := testRegistry()

	allowed := p.AllowedTools("anything", r)
	if !allowed["fetch_url"] || !allowed["reset_config"] {
		t.Fatal("open policy must grant every registered tool")
	}
	layers := p.AllowedContextLayers("anything")
	if len(layers) != len(allContextLayers) {
		t.Fatalf("open policy must grant every context layer, got %d", len(layers))
	}
	if p.MaxSessions("anything") != 0 {
		t.Fatal("open policy must report unlimited sessions")
	}
}

func TestLoadMissingFileDegradesOpen(t *testing.T) {
	p, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	r := testRegistry()
	allowed := p.AllowedTools("guest", r)
	if !allowed["fetch_url"] || !allowed["reset_config"] {
		t.Fatal("missing role file must degrade open")
	}
}

func TestLoadClosedPolicyRestrictsByGroup(t *testing.T) {
	path := filepath.Join(t.TempDir(), "roles.yaml")
	writeFile(t, path, `
roles:
  guest:
    tool_groups: [web]
    context_layers: [identity, runtime]
    max_sessions: 1
  admin:
    tool_groups: [web, admin]
    context_layers: [identity, runtime, role, agent_memory]
    max_sessions: 0
default_role: guest
`)
	p, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	r := testRegistry()

	guestTools := p.AllowedTools("guest", r)
	if !guestTools["fetch_url"] {
		t.Error("guest should have fetch_url")
	}
	if guestTools["reset_config"] {
		t.Error("guest should not have reset_config")
	}
	if p.MaxSessions("guest") != 1 {
		t.Errorf("expected guest max_sessions 1, got %d", p.MaxSessions("guest"))
	}

	adminTools := p.AllowedTools("admin", r)
	if !adminTools["fetch_url"] || !adminTools["reset_config"] {
		t.Error("admin should have both tools")
	}
	if p.MaxSessions("admin") != 0 {
		t.Error("admin should be unlimited")
	}

	// Unknown role falls back to default_role.
	unknownTools := p.AllowedTools("nonexistent-role", r)
	if !unknownTools["fetch_url"] || unknownTools["reset_config"] {
		t.Error("unknown role should fall back to default_role (guest)")
	}
}

func TestUnknownGroupIsSkippedNotFatal(t *testing.T) {
	path := filepath.Join(t.TempDir(), "roles.yaml")
	writeFile(t, path, `
roles:
  guest:
    tool_groups: [web, nonexistent_group]
    context_layers: [identity]
default_role: guest
`)
	p, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	r := testRegistry()
	allowed := p.AllowedTools("guest", r)
	if !allowed["fetch_url"] {
		t.Error("expected known group's tool to still be granted")
	}
}

func TestGuardDeniesToolOutsideRole(t *testing.T) {
	path := filepath.Join(t.TempDir(), "roles.yaml")
	writeFile(t, path, `
roles:
  guest:
    tool_groups: [web]
default_role: guest
`)
	p, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	g := NewGuard(p)
	r := testRegistry()

	if err := g.Check("guest", "fetch_url", r); err != nil {
		t.Errorf("expected fetch_url allowed for guest: %v", err)
	}
	err = g.Check("guest", "reset_config", r)
	if err == nil {
		t.Fatal("expected denial for reset_config")
	}
	var denied *graphbot.ErrToolDenied
	if !asErrToolDenied(err, &denied) {
		t.Fatalf("expected *graphbot.ErrToolDenied, got %T", err)
	}
}

func TestFilterTools(t *testing.T) {
	defs := []graphbot.ToolDefinition{{Name: "a"}, {Name: "b"}, {Name: "c"}}
	allowed := map[string]bool{"a": true, "c": true}
	out := FilterTools(defs, allowed)
	if len(out) != 2 || out[0].Name != "a" || out[1].Name != "c" {
		t.Fatalf("unexpected filtered tools: %+v", out)
	}
}

func asErrToolDenied(err error, target **graphbot.ErrToolDenied) bool {
	e, ok := err.(*graphbot.ErrToolDenied)
	if ok {
		*target = e
	}
	return ok
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}
