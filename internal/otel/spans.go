package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Standard attribute keys for conductor spans and metrics.
var (
	AttrAgentID       = attribute.Key("conductor.agent.id")
	AttrOwnerKey      = attribute.Key("conductor.owner_key")
	AttrRole          = attribute.Key("conductor.role")
	AttrSessionID     = attribute.Key("conductor.session.id")
	AttrStatus        = attribute.Key("conductor.agent.status")
	AttrEventType     = attribute.Key("conductor.event.type")
	AttrDeliveryID    = attribute.Key("conductor.event.delivery_id")
	AttrActionKind    = attribute.Key("conductor.action.kind")
	AttrBreakerKind   = attribute.Key("conductor.breaker.kind")
	AttrReconcileKind = attribute.Key("conductor.reconcile.kind")
	AttrRuntimeOp     = attribute.Key("conductor.runtime.op")
	AttrReason        = attribute.Key("conductor.reason")
)

// StartSpan is a convenience wrapper that starts an internal span with common attributes.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartServerSpan starts a span for an inbound request (Gateway).
func StartServerSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindServer),
	)
}

// StartClientSpan starts a span for an outbound call (agent runtime, tracker).
func StartClientSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}
