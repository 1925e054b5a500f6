package agent

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// EventSink fans Events out to subscribers. Agent.broadcast is the default
// implementation (a plain listener map); this type exists so StreamProcessor,
// ToolExecutor, and TurnRunner can emit without depending on *Agent directly.
type EventSink struct {
	emit func(Event)
}

// NewEventSink wraps a plain emit function as an EventSink.
func NewEventSink(emit func(Event)) *EventSink {
	return &EventSink{emit: emit}
}

func (s *EventSink) Emit(e Event) {
	if s == nil || s.emit == nil {
		return
	}
	s.emit(e)
}

// ---------------------------------------------------------------------------
// OpenTelemetry sink
// ---------------------------------------------------------------------------

// otelSink turns TurnEnd events into spans and counters. Register it with
// Agent.Subscribe; it never blocks or panics the caller.
type otelSink struct {
	tracer trace.Tracer
	meter  metric.Meter

	turnCounter    metric.Int64Counter
	tokenIn        metric.Int64Counter
	tokenOut       metric.Int64Counter
	costHistogram  metric.Float64Histogram
	turnDurationMs metric.Float64Histogram

	logger *slog.Logger
}

// NewOTelSink builds an Agent event subscriber that records turn spans and
// token/cost metrics via the given tracer and meter. Pass the result to
// Agent.Subscribe.
func NewOTelSink(tracer trace.Tracer, meter metric.Meter) func(Event) {
	s := &otelSink{tracer: tracer, meter: meter, logger: defaultLogger()}

	var err error
	s.turnCounter, err = meter.Int64Counter("agent.turns",
		metric.WithDescription("number of completed agent turns"))
	if err != nil {
		s.logger.Warn("otel: create turn counter failed", "error", err)
	}
	s.tokenIn, err = meter.Int64Counter("agent.tokens.input",
		metric.WithDescription("input tokens consumed"))
	if err != nil {
		s.logger.Warn("otel: create input token counter failed", "error", err)
	}
	s.tokenOut, err = meter.Int64Counter("agent.tokens.output",
		metric.WithDescription("output tokens produced"))
	if err != nil {
		s.logger.Warn("otel: create output token counter failed", "error", err)
	}
	s.costHistogram, err = meter.Float64Histogram("agent.turn.cost_usd",
		metric.WithDescription("USD cost of a single turn"))
	if err != nil {
		s.logger.Warn("otel: create cost histogram failed", "error", err)
	}
	s.turnDurationMs, err = meter.Float64Histogram("agent.turn.duration_ms",
		metric.WithDescription("wall-clock duration of a single turn"))
	if err != nil {
		s.logger.Warn("otel: create turn duration histogram failed", "error", err)
	}

	return s.handle
}

func (s *otelSink) handle(e Event) {
	ctx := context.Background()
	switch e.Type {
	case EventTurnEnd:
		_, span := s.tracer.Start(ctx, "agent.turn")
		span.SetAttributes(
			attribute.Int("agent.turn.input_tokens", e.CostUsage.InputTokens),
			attribute.Int("agent.turn.output_tokens", e.CostUsage.OutputTokens),
			attribute.Float64("agent.turn.cost_usd", e.CostUsage.TotalCost),
		)
		span.End()

		if s.turnCounter != nil {
			s.turnCounter.Add(ctx, 1)
		}
		if s.tokenIn != nil {
			s.tokenIn.Add(ctx, int64(e.CostUsage.InputTokens))
		}
		if s.tokenOut != nil {
			s.tokenOut.Add(ctx, int64(e.CostUsage.OutputTokens))
		}
		if s.costHistogram != nil {
			s.costHistogram.Record(ctx, e.CostUsage.TotalCost)
		}
		if s.turnDurationMs != nil {
			s.turnDurationMs.Record(ctx, float64(e.TurnDuration.Milliseconds()))
		}
	case EventToolEnd:
		if e.IsError {
			s.logger.Warn("tool error", "tool", e.ToolName)
		}
	}
}
