// Package webfetch implements the web_fetch tool: downloading a URL and
// extracting its readable text, with an optional shortcut table so a user
// can say "check techcrunch" instead of pasting a URL.
package webfetch

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-shiori/go-readability"

	"github.com/graphbot/graphbot/tool"
)

const maxResultRunes = 8000

// Tool fetches URLs and extracts readable content for the agent's context.
type Tool struct {
	client    *http.Client
	shortcuts map[string]string
}

// New builds a Tool with a 15-second fetch timeout. shortcuts maps a short
// tag (as configured in web.fetch_shortcuts) to the URL it expands to.
func New(shortcuts map[string]string) *Tool {
	return &Tool{
		client:    &http.Client{Timeout: 15 * time.Second},
		shortcuts: shortcuts,
	}
}

// Descriptors returns the web_fetch tool, registered under the "web" group.
func (t *Tool) Descriptors() []tool.Descriptor {
	return []tool.Descriptor{{
		Name:        "web_fetch",
		Description: "Fetch a URL (or a configured shortcut name) and extract its readable text content. Use for reading web pages, articles, or documentation.",
		Parameters:  json.RawMessage(`{"type":"object","properties":{"url":{"type":"string","description":"URL to fetch, or a configured shortcut name"}},"required":["url"]}`),
		Available:   true,
		Call:        t.call,
	}}
}

func (t *Tool) call(ctx context.Context, args json.RawMessage) (string, error) {
	var params struct {
		URL string `json:"url"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return "", fmt.Errorf("invalid args: %w", err)
	}

	target := params.URL
	if expanded, ok := t.shortcuts[target]; ok {
		target = expanded
	}

	content, err := t.Fetch(ctx, target)
	if err != nil {
		return "", err
	}

	runes := []rune(content)
	if len(runes) > maxResultRunes {
		content = string(runes[:maxResultRunes]) + "\n... (truncated)"
	}
	return content, nil
}

// Fetch downloads a URL and extracts readable text, falling back to a
// simple tag-stripping pass when readability extraction finds nothing.
func (t *Tool) Fetch(ctx context.Context, rawURL string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", fmt.Errorf("invalid URL: %w", err)
	}
	req.Header.Set("User-Agent", "Mozilla/5.0 (compatible; GraphBot/1.0)")

	resp, err := t.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch error: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return "", fmt.Errorf("HTTP %d from %s", resp.StatusCode, rawURL)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("read error: %w", err)
	}

	html := string(body)
	parsedURL, _ := url.Parse(rawURL)
	if article, err := readability.FromReader(strings.NewReader(html), parsedURL); err == nil && article.TextContent != "" {
		return strings.TrimSpace(article.TextContent), nil
	}

	return stripHTML(html), nil
}

// stripHTML is a minimal fallback for pages readability can't parse:
// drop every tag, script, and style block, keep the text between them.
func stripHTML(content string) string {
	var out strings.Builder
	out.Grow(len(content))

	inTag, inScript, inStyle := false, false, false
	var tag strings.Builder

	for i := 0; i < len(content); i++ {
		c := content[i]
		switch {
		case c == '<':
			inTag = true
			tag.Reset()
		case c == '>' && inTag:
			inTag = false
			name := strings.ToLower(strings.TrimPrefix(tag.String(), "/"))
			switch {
			case strings.HasPrefix(name, "script"):
				inScript = !strings.HasPrefix(tag.String(), "/")
			case strings.HasPrefix(name, "style"):
				inStyle = !strings.HasPrefix(tag.String(), "/")
			}
		case inTag:
			tag.WriteByte(c)
		case inScript || inStyle:
			// swallowed
		default:
			out.WriteByte(c)
		}
	}
	return strings.Join(strings.Fields(out.String()), " ")
}
