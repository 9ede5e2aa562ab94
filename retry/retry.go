// Package retry wraps an llm.Provider with automatic retry of transient
// failures, using exponential backoff with jitter.
package retry

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/graphbot/graphbot"
	"github.com/graphbot/graphbot/llm"
)

// statusCoder is satisfied by most HTTP-backed SDK error types (the
// official Anthropic, OpenAI, and Gemini clients all expose a status
// code this way). Providers whose errors don't implement it are treated
// as transient transport failures and retried like anything else.
type statusCoder interface {
	StatusCode() int
}

type provider struct {
	inner       llm.Provider
	maxAttempts uint
	baseDelay   time.Duration
	timeout     time.Duration
}

// Option configures a retry-wrapped Provider.
type Option func(*provider)

// MaxAttempts sets the maximum number of attempts (default: 3).
func MaxAttempts(n uint) Option {
	return func(p *provider) { p.maxAttempts = n }
}

// BaseDelay sets the initial backoff delay before the second attempt
// (default: 1s). Each subsequent delay roughly doubles, plus jitter.
func BaseDelay(d time.Duration) Option {
	return func(p *provider) { p.baseDelay = d }
}

// Timeout bounds the entire retry sequence, across all attempts. Zero
// (the default) disables the bound.
func Timeout(d time.Duration) Option {
	return func(p *provider) { p.timeout = d }
}

// Wrap returns a Provider that retries Chat and ChatStructured calls on
// transient failures (429, 503, and unclassified transport errors) with
// exponential backoff. Schema-validation and other permanent failures
// pass through on the first attempt.
func Wrap(inner llm.Provider, opts ...Option) llm.Provider {
	p := &provider{inner: inner, maxAttempts: 3, baseDelay: time.Second}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *provider) Name() string { return p.inner.Name() }

func (p *provider) Chat(ctx context.Context, req graphbot.ChatRequest) (graphbot.ChatResponse, error) {
	return p.call(ctx, func(ctx context.Context) (graphbot.ChatResponse, error) {
		return p.inner.Chat(ctx, req)
	})
}

func (p *provider) ChatStructured(ctx context.Context, req graphbot.ChatRequest) (graphbot.ChatResponse, error) {
	return p.call(ctx, func(ctx context.Context) (graphbot.ChatResponse, error) {
		return p.inner.ChatStructured(ctx, req)
	})
}

func (p *provider) Summarize(ctx context.Context, messages []graphbot.ChatMessage, model string) string {
	return p.inner.Summarize(ctx, messages, model)
}

func (p *provider) ExtractFacts(ctx context.Context, messages []graphbot.ChatMessage, model string) llm.FactExtraction {
	return p.inner.ExtractFacts(ctx, messages, model)
}

func (p *provider) call(ctx context.Context, fn func(context.Context) (graphbot.ChatResponse, error)) (graphbot.ChatResponse, error) {
	name := p.inner.Name()
	attempt := 0
	operation := func() (graphbot.ChatResponse, error) {
		attempt++
		resp, err := fn(ctx)
		if err == nil {
			return resp, nil
		}
		if !isTransient(err) {
			return graphbot.ChatResponse{}, backoff.Permanent(err)
		}
		log.Printf("[retry] %s: transient error (attempt %d), retrying", name, attempt)
		return graphbot.ChatResponse{}, err
	}

	opts := []backoff.RetryOption{
		backoff.WithBackOff(exponential(p.baseDelay)),
		backoff.WithMaxTries(p.maxAttempts),
	}
	if p.timeout > 0 {
		opts = append(opts, backoff.WithMaxElapsedTime(p.timeout))
	}
	return backoff.Retry(ctx, operation, opts...)
}

func exponential(base time.Duration) *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = base
	b.Multiplier = 2
	b.RandomizationFactor = 0.5
	return b
}

// isTransient reports whether err is worth retrying: a 429/503 from a
// provider whose error carries a status code, or any error that doesn't
// expose one at all (network failures, deadline surprises aside from
// ctx cancellation, which backoff.Retry already stops on).
func isTransient(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var sc statusCoder
	if errors.As(err, &sc) {
		status := sc.StatusCode()
		return status == 429 || status == 503
	}
	return true
}

var _ llm.Provider = (*provider)(nil)
