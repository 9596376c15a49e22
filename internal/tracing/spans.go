package tracing

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Span attribute keys for turn tracing.
const (
	AttrAgentName    = "agent.name"
	AttrAgentRole    = "agent.role"
	AttrSessionID    = "session.id"
	AttrTurnCostUSD  = "turn.cost_usd"
	AttrTurnDuration = "turn.duration_ms"
	AttrTurnQueued   = "turn.queued"
	AttrErrorMessage = "error.message"
)

// StartTurn opens a span covering one subprocess turn for the named
// agent. The returned end function records the outcome and closes the
// span.
func (p *Provider) StartTurn(ctx context.Context, agent, role, sessionID string, queued bool) (context.Context, func(costUSD float64, durationMs int64, err error)) {
	ctx, span := p.tracer.Start(ctx, "turn."+agent,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String(AttrAgentName, agent),
			attribute.String(AttrAgentRole, role),
			attribute.String(AttrSessionID, sessionID),
			attribute.Bool(AttrTurnQueued, queued),
		),
	)

	return ctx, func(costUSD float64, durationMs int64, err error) {
		span.SetAttributes(
			attribute.Float64(AttrTurnCostUSD, costUSD),
			attribute.Int64(AttrTurnDuration, durationMs),
		)
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
			span.SetAttributes(attribute.String(AttrErrorMessage, err.Error()))
		} else {
			span.SetStatus(codes.Ok, "")
		}
		span.End()
	}
}
