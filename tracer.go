package graphbot

import "context"

// Tracer creates spans for tracing operations. The observability package
// provides an OTEL-backed implementation via observability.NewTracer(). No
// other package in this module starts spans through a Tracer.
type Tracer interface {
	// Start creates a new span with the given name and optional attributes.
	// Returns a child context carrying the span and the span itself.
	// Callers must call Span.End() when the operation completes.
	Start(ctx context.Context, name string, attrs ...SpanAttr) (context.Context, Span)
}

// Span represents a traced operation. Callers must call End() exactly once.
type Span interface {
	SetAttr(attrs ...SpanAttr)
	Event(name string, attrs ...SpanAttr)
	Error(err error)
	End()
}

// SpanAttr is a key-value attribute attached to a span or event.
type SpanAttr struct {
	Key   string
	Value any
}

func StringAttr(k, v string) SpanAttr    { return SpanAttr{Key: k, Value: v} }
func IntAttr(k string, v int) SpanAttr   { return SpanAttr{Key: k, Value: v} }
func BoolAttr(k string, v bool) SpanAttr { return SpanAttr{Key: k, Value: v} }
