// Package promptctx builds the system prompt fed to the reasoning step:
// up to eight ordered layers, each under its own token budget, assembled
// from whatever sources are available. A missing source yields an empty,
// omitted section rather than an error — the builder never fails.
package promptctx

import (
	"fmt"
	"sort"
	"strings"

	"github.com/graphbot/graphbot/store"
)

// Layer names, in the fixed composition order. rbac.Policy's
// AllowedContextLayers gates which of these run for a given role.
const (
	LayerIdentity       = "identity"
	LayerRuntime        = "runtime"
	LayerRole           = "role"
	LayerAgentMemory    = "agent_memory"
	LayerUserContext    = "user_context"
	LayerEvents         = "events"
	LayerSessionSummary = "session_summary"
	LayerSkills         = "skills"
)

var layerOrder = []string{
	LayerIdentity, LayerRuntime, LayerRole, LayerAgentMemory,
	LayerUserContext, LayerEvents, LayerSessionSummary, LayerSkills,
}

// budgets is each layer's token allowance. skillIndexBudget is additional
// to the skills budget, spent on a name+description index of skills whose
// full text wasn't included.
var budgets = map[string]int{
	LayerIdentity:      500,
	LayerRuntime:       100,
	LayerRole:          100,
	LayerAgentMemory:   500,
	LayerUserContext:   1500,
	LayerEvents:        300,
	LayerSessionSummary: 500,
	LayerSkills:        1000,
}

const skillIndexBudget = 200

// TokenCounter estimates how many tokens a string costs. Callers may
// supply a provider-accurate tokenizer; the default is a cheap
// character-count approximation.
type TokenCounter interface {
	Count(s string) int
}

// approxCounter estimates token count as rune count divided by
// charsPerToken, the common rule-of-thumb ratio for English prose.
type approxCounter struct{ charsPerToken int }

// DefaultTokenCounter returns the rune-count approximator used
// when no provider-specific tokenizer is wired in.
func DefaultTokenCounter() TokenCounter { return approxCounter{charsPerToken: 4} }

func (c approxCounter) Count(s string) int {
	n := len([]rune(s))
	if n == 0 {
		return 0
	}
	return (n + c.charsPerToken - 1) / c.charsPerToken
}

// Skill is a Markdown skill file's parsed content. The parser that
// produces these lives outside this module (spec explicitly keeps the
// skill-file parser an external collaborator); promptctx only consumes
// the result.
type Skill struct {
	Name        string
	Description string
	Content     string
	Always      bool
}

// Sources bundles every input the eight layers draw from. Every field is
// optional; a zero-value field renders its layer empty.
type Sources struct {
	Identity        string
	UserID          string
	Now             string // caller-formatted current time
	Model           string
	RoleDescription string
	Memory          *store.AgentMemory
	Notes           []store.UserNote   // most-recent-first ordering not required; builder re-sorts
	Activity        []store.ActivityLog
	Favorites       []store.Favorite
	Preferences     *store.Preference
	Events          []store.SystemEvent
	LastClosed      *store.Session
	Skills          []Skill
}

// Builder composes the system prompt from Sources, respecting a role's
// allowed-layer set and each layer's token budget.
type Builder struct {
	counter TokenCounter
}

// Option configures a Builder.
type Option func(*Builder)

// WithTokenCounter overrides the default approximate counter.
func WithTokenCounter(c TokenCounter) Option {
	return func(b *Builder) { b.counter = c }
}

// New creates a Builder.
func New(opts ...Option) *Builder {
	b := &Builder{counter: DefaultTokenCounter()}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Build renders the allowed layers, in fixed order, into one system
// prompt string. allowed is typically rbac.Policy.AllowedContextLayers's
// result; a nil map is treated as "allow everything".
func (b *Builder) Build(allowed map[string]bool, src Sources) string {
	var sections []string
	for _, layer := range layerOrder {
		if allowed != nil && !allowed[layer] {
			continue
		}
		text := b.render(layer, src)
		if text == "" {
			continue
		}
		sections = append(sections, text)
	}
	return strings.Join(sections, "\n\n")
}

func (b *Builder) render(layer string, src Sources) string {
	switch layer {
	case LayerIdentity:
		return b.truncateHead(src.Identity, budgets[layer])
	case LayerRuntime:
		if src.UserID == "" && src.Now == "" && src.Model == "" {
			return ""
		}
		text := fmt.Sprintf("user_id: %s\ncurrent time: %s\nactive model: %s", src.UserID, src.Now, src.Model)
		return b.truncateHead(text, budgets[layer])
	case LayerRole:
		return b.truncateHead(src.RoleDescription, budgets[layer])
	case LayerAgentMemory:
		if src.Memory == nil || src.Memory.Value == "" {
			return ""
		}
		return b.truncateHead(src.Memory.Value, budgets[layer])
	case LayerUserContext:
		return b.renderUserContext(src)
	case LayerEvents:
		return b.renderEvents(src.Events)
	case LayerSessionSummary:
		if src.LastClosed == nil || src.LastClosed.Summary == "" {
			return ""
		}
		return b.truncateHead(src.LastClosed.Summary, budgets[layer])
	case LayerSkills:
		return b.renderSkills(src.Skills)
	}
	return ""
}

// truncateHead keeps the beginning of text, for layers whose most
// important content comes first (identity, runtime, role, memory,
// session summary).
func (b *Builder) truncateHead(text string, budgetTokens int) string {
	return truncateToBudget(b.counter, text, budgetTokens)
}

// truncateToBudget finds the longest rune-safe prefix of s whose counted
// token cost fits within budgetTokens, via binary search over rune
// length so the result respects whatever ratio the supplied TokenCounter
// uses (never assumes a fixed chars-per-token constant).
func truncateToBudget(counter TokenCounter, s string, budgetTokens int) string {
	if budgetTokens <= 0 || s == "" {
		return ""
	}
	if counter.Count(s) <= budgetTokens {
		return s
	}
	r := []rune(s)
	lo, hi := 0, len(r)
	for lo < hi {
		mid := (lo + hi + 1) / 2
		if counter.Count(string(r[:mid])) <= budgetTokens {
			lo = mid
		} else {
			hi = mid - 1
		}
	}
	return string(r[:lo])
}

// fillMostRecent appends rendered items most-recent-first until adding
// the next item would exceed the remaining token budget. The first item
// that doesn't fit is truncated to fill exactly what's left, then filling
// stops — later (older) items are dropped silently, per spec's "keep the
// most recent items" truncation policy.
func (b *Builder) fillMostRecent(items []string, remainingTokens int) (string, int) {
	var kept []string
	for _, item := range items {
		cost := b.counter.Count(item)
		if cost <= remainingTokens {
			kept = append(kept, item)
			remainingTokens -= cost
			continue
		}
		if remainingTokens > 0 {
			kept = append(kept, truncateToBudget(b.counter, item, remainingTokens))
			remainingTokens = 0
		}
		break
	}
	return strings.Join(kept, "\n"), remainingTokens
}

func (b *Builder) renderUserContext(src Sources) string {
	budget := budgets[LayerUserContext]
	var parts []string

	notes := make([]store.UserNote, len(src.Notes))
	copy(notes, src.Notes)
	sort.Slice(notes, func(i, j int) bool { return notes[i].CreatedAt > notes[j].CreatedAt })
	noteLines := make([]string, len(notes))
	for i, n := range notes {
		noteLines[i] = "- " + n.Content
	}
	if text, left := b.fillMostRecent(noteLines, budget); text != "" {
		parts = append(parts, "Notes:\n"+text)
		budget = left
	}

	activity := make([]store.ActivityLog, len(src.Activity))
	copy(activity, src.Activity)
	sort.Slice(activity, func(i, j int) bool { return activity[i].CreatedAt > activity[j].CreatedAt })
	actLines := make([]string, len(activity))
	for i, a := range activity {
		actLines[i] = "- " + a.Summary
	}
	if text, left := b.fillMostRecent(actLines, budget); text != "" {
		parts = append(parts, "Recent activity:\n"+text)
		budget = left
	}

	favLines := make([]string, len(src.Favorites))
	for i, f := range src.Favorites {
		favLines[i] = fmt.Sprintf("- %s: %s", f.Label, f.Value)
	}
	if text, left := b.fillMostRecent(favLines, budget); text != "" {
		parts = append(parts, "Favorites:\n"+text)
		budget = left
	}

	if src.Preferences != nil && len(src.Preferences.Document) > 0 && budget > 0 {
		prefText := "Preferences: " + string(src.Preferences.Document)
		parts = append(parts, truncateToBudget(b.counter, prefText, budget))
	}

	return strings.Join(parts, "\n\n")
}

func (b *Builder) renderEvents(events []store.SystemEvent) string {
	if len(events) == 0 {
		return ""
	}
	sorted := make([]store.SystemEvent, len(events))
	copy(sorted, events)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].CreatedAt > sorted[j].CreatedAt })
	lines := make([]string, len(sorted))
	for i, e := range sorted {
		lines[i] = fmt.Sprintf("- [%s] %s", e.Kind, string(e.Payload))
	}
	text, _ := b.fillMostRecent(lines, budgets[LayerEvents])
	if text == "" {
		return ""
	}
	return "Pending events:\n" + text
}

// renderSkills includes the full text of always=true skills up to the
// skills budget, then a name+description index of the remaining skills
// up to a separate skillIndexBudget.
func (b *Builder) renderSkills(skills []Skill) string {
	if len(skills) == 0 {
		return ""
	}
	budget := budgets[LayerSkills]
	var full []string
	var rest []Skill
	for _, s := range skills {
		if !s.Always {
			rest = append(rest, s)
			continue
		}
		cost := b.counter.Count(s.Content)
		if cost <= budget {
			full = append(full, s.Content)
			budget -= cost
		} else if budget > 0 {
			full = append(full, truncateToBudget(b.counter, s.Content, budget))
			budget = 0
		}
	}

	var parts []string
	if len(full) > 0 {
		parts = append(parts, strings.Join(full, "\n\n"))
	}

	if len(rest) > 0 {
		indexLines := make([]string, len(rest))
		for i, s := range rest {
			indexLines[i] = fmt.Sprintf("- %s: %s", s.Name, s.Description)
		}
		indexText, _ := b.fillMostRecent(indexLines, skillIndexBudget)
		if indexText != "" {
			parts = append(parts, "Other available skills:\n"+indexText)
		}
	}

	return strings.Join(parts, "\n\n")
}
