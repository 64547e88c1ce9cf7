package otel

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
)

func TestInit_Exporters(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
		wantSDK bool
	}{
		{name: "disabled", cfg: Config{Enabled: false}},
		{name: "none", cfg: Config{Enabled: true, Exporter: "none"}, wantSDK: true},
		{name: "stdout", cfg: Config{Enabled: true, Exporter: "stdout", ServiceName: "conductor-test"}, wantSDK: true},
		{name: "none with sampling", cfg: Config{Enabled: true, Exporter: "none", SampleRate: 0.25}, wantSDK: true},
		{name: "unknown", cfg: Config{Enabled: true, Exporter: "carrier-pigeon"}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := Init(context.Background(), tt.cfg)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error for unknown exporter")
				}
				return
			}
			if err != nil {
				t.Fatalf("Init: %v", err)
			}
			if p.Tracer == nil || p.Meter == nil {
				t.Fatalf("expected tracer and meter, got %+v", p)
			}
			if (p.TracerProvider != nil) != tt.wantSDK {
				t.Fatalf("TracerProvider set=%v, want %v", p.TracerProvider != nil, tt.wantSDK)
			}
			if err := p.Shutdown(context.Background()); err != nil {
				t.Fatalf("Shutdown: %v", err)
			}
		})
	}
}

func TestInit_MetricsDisabledKeepsTracing(t *testing.T) {
	off := false
	p, err := Init(context.Background(), Config{Enabled: true, Exporter: "none", MetricsEnabled: &off})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer p.Shutdown(context.Background())

	if p.TracerProvider == nil {
		t.Fatal("tracing should stay on when only metrics are disabled")
	}
	if _, err := NewMetrics(p.Meter); err != nil {
		t.Fatalf("NewMetrics on noop meter: %v", err)
	}
}

func TestZeroProviderShutdown(t *testing.T) {
	var p Provider
	if err := p.Shutdown(context.Background()); err != nil {
		t.Fatalf("zero provider Shutdown: %v", err)
	}
}

func TestSampler_ClampsRate(t *testing.T) {
	for _, rate := range []float64{0, -1, 1, 7} {
		if got, want := sampler(rate).Description(), sampler(1).Description(); got != want {
			t.Fatalf("sampler(%v) = %s, want %s", rate, got, want)
		}
	}
	if sampler(0.5).Description() == sampler(1).Description() {
		t.Fatal("a partial rate should not sample everything")
	}
}

func TestSpanHelpers_Kinds(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	defer tp.Shutdown(context.Background())
	tracer := tp.Tracer(TracerName)

	_, s := StartSpan(context.Background(), tracer, "pipeline.handle", AttrAgentID.String("01JTESTAGENT"), AttrOwnerKey.String("acme/api#10"))
	s.End()
	_, s = StartServerSpan(context.Background(), tracer, "gateway.ingest")
	s.End()
	_, s = StartClientSpan(context.Background(), tracer, "runtime.send", AttrRuntimeOp.String("send"))
	s.End()

	ended := rec.Ended()
	if len(ended) != 3 {
		t.Fatalf("expected 3 spans, got %d", len(ended))
	}
	want := map[string]trace.SpanKind{
		"pipeline.handle": trace.SpanKindInternal,
		"gateway.ingest":  trace.SpanKindServer,
		"runtime.send":    trace.SpanKindClient,
	}
	for _, span := range ended {
		if span.SpanKind() != want[span.Name()] {
			t.Fatalf("%s: kind %v, want %v", span.Name(), span.SpanKind(), want[span.Name()])
		}
	}
	got := map[attribute.Key]string{}
	for _, kv := range ended[0].Attributes() {
		got[kv.Key] = kv.Value.AsString()
	}
	if got[AttrAgentID] != "01JTESTAGENT" || got[AttrOwnerKey] != "acme/api#10" {
		t.Fatalf("unexpected attributes on %s: %v", ended[0].Name(), got)
	}
}

func TestStartSpan_NilTracer(t *testing.T) {
	for _, start := range []func(context.Context, trace.Tracer, string, ...attribute.KeyValue) (context.Context, trace.Span){
		StartSpan, StartServerSpan, StartClientSpan,
	} {
		ctx, span := start(context.Background(), nil, "nil.tracer")
		if ctx == nil || span == nil {
			t.Fatal("expected non-recording span for nil tracer")
		}
		if span.IsRecording() {
			t.Fatal("span from nil tracer should not record")
		}
		span.End()
	}
}
