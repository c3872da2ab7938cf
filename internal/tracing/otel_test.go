package tracing

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func initTestProvider(t *testing.T, ratio float64) *tracetest.InMemoryExporter {
	t.Helper()
	exporter := tracetest.NewInMemoryExporter()
	err := InitOpenTelemetry(Config{
		ServiceName:    "ranya-core-test",
		ServiceVersion: "test",
		SampleRatio:    ratio,
		Exporter:       exporter,
		Synchronous:    true,
	})
	if err != nil {
		t.Fatalf("InitOpenTelemetry() error = %v", err)
	}
	t.Cleanup(func() { _ = ShutdownOpenTelemetry(context.Background()) })
	return exporter
}

func TestStartSpan_AdoptsTraceID(t *testing.T) {
	initTestProvider(t, 1)

	ctx, span := StartSpan(WithRunID(context.Background(), "run-1"), "test", "op")
	defer span.End()

	if got, want := GetTraceID(ctx), span.SpanContext().TraceID().String(); got != want {
		t.Errorf("trace ID = %q, want %q", got, want)
	}
}

func TestStartSpan_KeepsExistingTraceID(t *testing.T) {
	ctx, span := StartSpan(WithTraceID(context.Background(), "existing"), "test", "op")
	defer span.End()

	if GetTraceID(ctx) != "existing" {
		t.Errorf("trace ID overwritten: %q", GetTraceID(ctx))
	}
}

func TestInitOpenTelemetry_ExportsSpans(t *testing.T) {
	exporter := initTestProvider(t, 1)

	_, span := StartSpan(WithRunID(context.Background(), "run-7"), "test", "tool.execute",
		attribute.String("tool", "Read"))
	span.End()

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("exported %d spans, want 1", len(spans))
	}
	got := spans[0]
	if got.Name != "tool.execute" {
		t.Errorf("span name = %q", got.Name)
	}

	attrs := make(map[attribute.Key]string)
	for _, kv := range got.Attributes {
		attrs[kv.Key] = kv.Value.Emit()
	}
	if attrs["run_id"] != "run-7" || attrs["tool"] != "Read" {
		t.Errorf("span attributes = %v", attrs)
	}

	var service string
	for _, kv := range got.Resource.Attributes() {
		if kv.Key == "service.name" {
			service = kv.Value.AsString()
		}
	}
	if service != "ranya-core-test" {
		t.Errorf("service.name = %q", service)
	}
}

func TestInitOpenTelemetry_ZeroRatioDropsRootSpans(t *testing.T) {
	exporter := initTestProvider(t, 0)

	_, span := StartSpan(context.Background(), "test", "op")
	span.End()

	if n := len(exporter.GetSpans()); n != 0 {
		t.Errorf("exported %d spans, want 0", n)
	}
}

func TestInitOpenTelemetry_ReplacesProvider(t *testing.T) {
	first := initTestProvider(t, 1)
	second := initTestProvider(t, 1)

	_, span := StartSpan(context.Background(), "test", "op")
	span.End()

	if len(first.GetSpans()) != 0 {
		t.Error("replaced provider still received spans")
	}
	if len(second.GetSpans()) != 1 {
		t.Errorf("current provider exported %d spans, want 1", len(second.GetSpans()))
	}
}
