package otel

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds all conductor metric instruments. A nil *Metrics records
// nothing, so components may be wired without telemetry.
type Metrics struct {
	EventsIngested       metric.Int64Counter
	EventsDropped        metric.Int64Counter
	ActionsRouted        metric.Int64Counter
	Transitions          metric.Int64Counter
	BreakerWarnings      metric.Int64Counter
	BreakerTrips         metric.Int64Counter
	ReconcileCorrections metric.Int64Counter
	ActiveAgents         metric.Int64UpDownCounter
	RuntimeCallDuration  metric.Float64Histogram
	RequestDuration      metric.Float64Histogram
	RateLimitRejects     metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.EventsIngested, err = meter.Int64Counter("conductor.events.ingested",
		metric.WithDescription("Inbound events accepted by the ingestor"),
	)
	if err != nil {
		return nil, err
	}

	m.EventsDropped, err = meter.Int64Counter("conductor.events.dropped",
		metric.WithDescription("Inbound events dropped, by reason"),
	)
	if err != nil {
		return nil, err
	}

	m.ActionsRouted, err = meter.Int64Counter("conductor.actions.routed",
		metric.WithDescription("Routing actions produced, by kind"),
	)
	if err != nil {
		return nil, err
	}

	m.Transitions, err = meter.Int64Counter("conductor.agent.transitions",
		metric.WithDescription("Agent status transitions, by target status"),
	)
	if err != nil {
		return nil, err
	}

	m.BreakerWarnings, err = meter.Int64Counter("conductor.breaker.warnings",
		metric.WithDescription("Circuit breaker warnings, by counter kind"),
	)
	if err != nil {
		return nil, err
	}

	m.BreakerTrips, err = meter.Int64Counter("conductor.breaker.trips",
		metric.WithDescription("Circuit breaker trips"),
	)
	if err != nil {
		return nil, err
	}

	m.ReconcileCorrections, err = meter.Int64Counter("conductor.reconcile.corrections",
		metric.WithDescription("Drift corrections made by reconciliation, by kind"),
	)
	if err != nil {
		return nil, err
	}

	m.ActiveAgents, err = meter.Int64UpDownCounter("conductor.agents.active",
		metric.WithDescription("Agents currently holding an active-pool slot"),
	)
	if err != nil {
		return nil, err
	}

	m.RuntimeCallDuration, err = meter.Float64Histogram("conductor.runtime.duration",
		metric.WithDescription("Agent runtime call duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.RequestDuration, err = meter.Float64Histogram("conductor.request.duration",
		metric.WithDescription("Gateway request duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.RateLimitRejects, err = meter.Int64Counter("conductor.ratelimit.rejects",
		metric.WithDescription("Requests rejected by rate limiter"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

func (m *Metrics) EventIngested(ctx context.Context, eventType string) {
	if m == nil {
		return
	}
	m.EventsIngested.Add(ctx, 1, metric.WithAttributes(AttrEventType.String(eventType)))
}

func (m *Metrics) EventDropped(ctx context.Context, reason string) {
	if m == nil {
		return
	}
	m.EventsDropped.Add(ctx, 1, metric.WithAttributes(AttrReason.String(reason)))
}

func (m *Metrics) ActionRouted(ctx context.Context, kind string) {
	if m == nil {
		return
	}
	m.ActionsRouted.Add(ctx, 1, metric.WithAttributes(AttrActionKind.String(kind)))
}

func (m *Metrics) Transition(ctx context.Context, status string) {
	if m == nil {
		return
	}
	m.Transitions.Add(ctx, 1, metric.WithAttributes(AttrStatus.String(status)))
}

func (m *Metrics) BreakerWarning(ctx context.Context, kind string) {
	if m == nil {
		return
	}
	m.BreakerWarnings.Add(ctx, 1, metric.WithAttributes(AttrBreakerKind.String(kind)))
}

func (m *Metrics) BreakerTrip(ctx context.Context) {
	if m == nil {
		return
	}
	m.BreakerTrips.Add(ctx, 1)
}

func (m *Metrics) Correction(ctx context.Context, kind string) {
	if m == nil {
		return
	}
	m.ReconcileCorrections.Add(ctx, 1, metric.WithAttributes(AttrReconcileKind.String(kind)))
}

// SlotDelta moves the active agents gauge by n.
func (m *Metrics) SlotDelta(ctx context.Context, n int64) {
	if m == nil {
		return
	}
	m.ActiveAgents.Add(ctx, n)
}

// RuntimeCall records one runtime operation.
func (m *Metrics) RuntimeCall(ctx context.Context, op string, d time.Duration, err error) {
	if m == nil {
		return
	}
	m.RuntimeCallDuration.Record(ctx, d.Seconds(), metric.WithAttributes(
		AttrRuntimeOp.String(op),
		attribute.Bool("error", err != nil),
	))
}
