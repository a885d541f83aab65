package observability

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Semantic convention attributes for keel spans and metrics.
var (
	AttrIntentType   = attribute.Key("keel.intent.type")
	AttrIntentID     = attribute.Key("keel.intent.id")
	AttrIntentStatus = attribute.Key("keel.intent.status")

	AttrEventType = attribute.Key("keel.event.type")
	AttrEventID   = attribute.Key("keel.event.id")
	AttrSequence  = attribute.Key("keel.event.sequence")

	AttrEntityType = attribute.Key("keel.entity.type")
	AttrEntityID   = attribute.Key("keel.entity.id")

	AttrProjectionType = attribute.Key("keel.projection.type")
	AttrSubscriberID   = attribute.Key("keel.subscriber.id")
	AttrTenantID       = attribute.Key("keel.tenant.id")
)

// IntentOperation builds attributes for intent pipeline spans.
func IntentOperation(intentType, actorID string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrIntentType.String(intentType),
		attribute.String("keel.actor.id", actorID),
	}
}

// EventOperation builds attributes for event store operations.
func EventOperation(eventType string, sequence int64) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEventType.String(eventType),
		AttrSequence.Int64(sequence),
	}
}

// ProjectionOperation builds attributes for projection apply and rebuild spans.
func ProjectionOperation(projectionType string, sequence int64) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrProjectionType.String(projectionType),
		AttrSequence.Int64(sequence),
	}
}

// SpanFromContext extracts the current span from context.
func SpanFromContext(ctx context.Context) trace.Span {
	return trace.SpanFromContext(ctx)
}

// AddSpanEvent adds an event to the current span.
func AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	span := trace.SpanFromContext(ctx)
	span.AddEvent(name, trace.WithAttributes(attrs...))
}

// SetSpanStatus records err on the current span when non-nil.
func SetSpanStatus(ctx context.Context, err error) {
	span := trace.SpanFromContext(ctx)
	if err != nil {
		span.RecordError(err)
	}
}
