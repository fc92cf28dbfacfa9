package tracing

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

func TestInit_StdoutExporter(t *testing.T) {
	shutdown, err := Init(context.Background(), "modelrelay-test", "0.0.1", "stdout", "", 1.0, false)
	if err != nil {
		t.Fatalf("Init with stdout exporter: %v", err)
	}
	defer shutdown(context.Background())

	if otel.GetTracerProvider() == nil {
		t.Fatal("expected non-nil TracerProvider")
	}
	if otel.GetTextMapPropagator() == nil {
		t.Fatal("expected non-nil TextMapPropagator")
	}
}

func TestInit_UnknownExporter(t *testing.T) {
	_, err := Init(context.Background(), "modelrelay-test", "0.0.1", "jaeger", "", 1.0, false)
	if err == nil {
		t.Fatal("expected error for unknown exporter")
	}
}

func TestTracer_ReturnsNonNil(t *testing.T) {
	if Tracer() == nil {
		t.Fatal("expected non-nil Tracer")
	}
}

func TestInit_Shutdown(t *testing.T) {
	shutdown, err := Init(context.Background(), "modelrelay-test", "0.0.1", "stdout", "", 0.5, false)
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
}

func TestInit_SetsW3CPropagator(t *testing.T) {
	shutdown, err := Init(context.Background(), "modelrelay-test", "0.0.1", "stdout", "", 1.0, false)
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer shutdown(context.Background())

	fields := otel.GetTextMapPropagator().Fields()
	if len(fields) == 0 {
		t.Fatal("expected propagator to declare fields")
	}

	found := false
	for _, f := range fields {
		if f == "traceparent" {
			found = true
		}
	}
	if !found {
		t.Errorf("expected 'traceparent' in propagator fields, got %v", fields)
	}
}

func TestInit_ZeroSampleRate(t *testing.T) {
	// Unsampled spans still carry a valid trace ID.
	shutdown, err := Init(context.Background(), "modelrelay-test", "0.0.1", "stdout", "", 0.0, false)
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer shutdown(context.Background())

	_, span := Tracer().Start(context.Background(), "probe")
	defer span.End()

	if !span.SpanContext().TraceID().IsValid() {
		t.Error("expected valid trace ID even with 0 sample rate")
	}
}

func TestNewExporter_OTLPGrpcInsecure(t *testing.T) {
	// Exporter construction is lazy; nothing connects here.
	exp, err := newExporter(context.Background(), "otlp-grpc", "localhost:4317", true)
	if err != nil {
		t.Fatalf("newExporter otlp-grpc: %v", err)
	}
	if exp == nil {
		t.Fatal("expected non-nil exporter")
	}
}

func TestNewExporter_OTLPHttpInsecure(t *testing.T) {
	exp, err := newExporter(context.Background(), "otlp-http", "localhost:4318", true)
	if err != nil {
		t.Fatalf("newExporter otlp-http: %v", err)
	}
	if exp == nil {
		t.Fatal("expected non-nil exporter")
	}
}

// Ensure global state is clean for later tests by resetting to noop.
func TestInit_ResetGlobal(t *testing.T) {
	otel.SetTracerProvider(trace.NewNoopTracerProvider())
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator())
}
