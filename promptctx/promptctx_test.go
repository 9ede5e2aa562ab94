package promptctx

import (
	"strings"
	"testing"

	"github.com/graphbot/graphbot/store"
)

func TestBuildOmitsEmptyLayers(t *testing.T) {
	b := New()
	out := b.Build(nil, Sources{Identity: "You are GraphBot."})
	if out != "You are GraphBot." {
		t.Fatalf("expected only the identity layer, got %q", out)
	}
}

func TestBuildRespectsAllowedLayers(t *testing.T) {
	b := New()
	src := Sources{
		Identity:        "identity text",
		RoleDescription: "a helpful assistant",
	}
	allowed := map[string]bool{LayerIdentity: true}
	out := b.Build(allowed, src)
	if !strings.Contains(out, "identity text") {
		t.Error("expected identity layer present")
	}
	if strings.Contains(out, "a helpful assistant") {
		t.Error("expected role layer excluded by allowed-layer set")
	}
}

func TestUserContextKeepsMostRecentNotes(t *testing.T) {
	b := New(WithTokenCounter(charCounter{}))
	notes := []store.UserNote{
		{Content: strings.Repeat("a", 10), CreatedAt: 1},
		{Content: strings.Repeat("b", 10), CreatedAt: 2},
		{Content: strings.Repeat("c", 10), CreatedAt: 3},
	}
	out := b.Build(nil, Sources{Notes: notes})
	if !strings.Contains(out, "ccccccc") {
		t.Error("expected most recent note present")
	}
}

func TestUserContextTruncatesOldestUnderTightBudget(t *testing.T) {
	b := New(WithTokenCounter(charCounter{}))
	// budgets[LayerUserContext] is 1500 tokens with the real counter; use a
	// char-exact counter and oversized content so the oldest note is cut
	// to the remaining budget rather than surviving whole.
	big := strings.Repeat("x", 2000)
	notes := []store.UserNote{
		{Content: big, CreatedAt: 1},
		{Content: "most-recent-note", CreatedAt: 2},
	}
	out := b.Build(nil, Sources{Notes: notes})
	if !strings.Contains(out, "most-recent-note") {
		t.Error("expected the most recent note to survive")
	}
	if strings.Contains(out, strings.Repeat("x", 2000)) {
		t.Error("expected the oversized older note to be truncated or dropped")
	}
}

func TestSkillsSeparatesAlwaysFromIndex(t *testing.T) {
	b := New()
	skills := []Skill{
		{Name: "weather", Description: "checks weather", Content: "full weather skill text", Always: true},
		{Name: "search", Description: "web search", Always: false},
	}
	out := b.Build(nil, Sources{Skills: skills})
	if !strings.Contains(out, "full weather skill text") {
		t.Error("expected always=true skill's full text included")
	}
	if !strings.Contains(out, "search: web search") {
		t.Error("expected non-always skill summarized in the index")
	}
}

func TestMissingSourcesYieldEmptyNotError(t *testing.T) {
	b := New()
	out := b.Build(nil, Sources{})
	if out != "" {
		t.Fatalf("expected empty prompt for empty sources, got %q", out)
	}
}

func TestTruncateToBudgetNeverSplitsAMultiByteRune(t *testing.T) {
	s := "héllo" // 'é' is 2 bytes, 1 rune
	got := truncateToBudget(runeCounter{}, s, 2)
	if got != "hé" {
		t.Fatalf("expected rune-safe truncation, got %q", got)
	}
}

// charCounter counts raw bytes as "tokens", for tests that want exact
// control over when a budget is exceeded.
type charCounter struct{}

func (charCounter) Count(s string) int { return len(s) }

// runeCounter counts runes as "tokens".
type runeCounter struct{}

func (runeCounter) Count(s string) int { return len([]rune(s)) }
