package observability

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Governance attributes.
var (
	AttrMutationID = attribute.Key("adaad.mutation.id")
	AttrEpochID    = attribute.Key("adaad.epoch.id")
	AttrFromState  = attribute.Key("adaad.lifecycle.from")
	AttrToState    = attribute.Key("adaad.lifecycle.to")
	AttrReason     = attribute.Key("adaad.reason")
	AttrGuard      = attribute.Key("adaad.guard")
	AttrGuardOK    = attribute.Key("adaad.guard.ok")
	AttrEntryType  = attribute.Key("adaad.ledger.type")
	AttrReplayMode = attribute.Key("adaad.replay.mode")
	AttrPassed     = attribute.Key("adaad.replay.passed")
)

// TransitionAttributes describes one lifecycle transition attempt.
func TransitionAttributes(mutationID, from, to string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrMutationID.String(mutationID),
		AttrFromState.String(from),
		AttrToState.String(to),
	}
}

// AddSpanEvent adds an event to the span in ctx.
func AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	trace.SpanFromContext(ctx).AddEvent(name, trace.WithAttributes(attrs...))
}

// SetSpanStatus marks the span in ctx failed when err is non-nil.
func SetSpanStatus(ctx context.Context, err error) {
	span := trace.SpanFromContext(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return
	}
	span.SetStatus(codes.Ok, "")
}
