package observability

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds counters for turns processed, sessions rotated, jobs
// auto-paused, events delivered and tool calls denied. No other package
// in this module calls its methods. A nil *Metrics is safe to use — every
// method is a no-op when the underlying instrument wasn't created
// (mirrors the rest of the package's "tracer may be nil" convention).
type Metrics struct {
	turnsProcessed   metric.Int64Counter
	sessionsRotated  metric.Int64Counter
	jobsAutoPaused   metric.Int64Counter
	eventsDelivered  metric.Int64Counter
	toolCallsDenied  metric.Int64Counter
}

// NewMetrics creates a Metrics backed by the global OTEL MeterProvider.
func NewMetrics() *Metrics {
	meter := otel.Meter("github.com/graphbot/graphbot")
	m := &Metrics{}
	m.turnsProcessed, _ = meter.Int64Counter("graphbot.turns_processed")
	m.sessionsRotated, _ = meter.Int64Counter("graphbot.sessions_rotated")
	m.jobsAutoPaused, _ = meter.Int64Counter("graphbot.jobs_auto_paused")
	m.eventsDelivered, _ = meter.Int64Counter("graphbot.events_delivered")
	m.toolCallsDenied, _ = meter.Int64Counter("graphbot.tool_calls_denied")
	return m
}

func (m *Metrics) TurnProcessed(ctx context.Context)  { m.add(ctx, m.turnsProcessed) }
func (m *Metrics) SessionRotated(ctx context.Context) { m.add(ctx, m.sessionsRotated) }
func (m *Metrics) JobAutoPaused(ctx context.Context)  { m.add(ctx, m.jobsAutoPaused) }
func (m *Metrics) EventDelivered(ctx context.Context) { m.add(ctx, m.eventsDelivered) }
func (m *Metrics) ToolCallDenied(ctx context.Context) { m.add(ctx, m.toolCallsDenied) }

func (m *Metrics) add(ctx context.Context, c metric.Int64Counter) {
	if m == nil || c == nil {
		return
	}
	c.Add(ctx, 1)
}
