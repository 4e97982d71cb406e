package tracing

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
)

func newRecordingProvider() (*Provider, *tracetest.SpanRecorder) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	return NewProviderFromSDK(tp), recorder
}

func TestDisabledProvider(t *testing.T) {
	p, err := NewProvider(context.Background(), Config{Enabled: false}, "test")
	if err != nil {
		t.Fatalf("Failed to create provider: %v", err)
	}

	_, span := p.StartSpan(context.Background(), "noop")
	span.End()

	if err := p.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown of disabled provider failed: %v", err)
	}
}

func TestDispatchChunkSpan(t *testing.T) {
	p, recorder := newRecordingProvider()

	ctx, span := p.TraceDispatchChunk(context.Background(), 2, 500)
	RecordError(ctx, errors.New("status 503"))
	span.End()

	spans := recorder.Ended()
	if len(spans) != 1 {
		t.Fatalf("Expected 1 span, got %d", len(spans))
	}

	s := spans[0]
	if s.Name() != "dispatch.chunk" {
		t.Errorf("Expected span dispatch.chunk, got %s", s.Name())
	}
	if s.Status().Code != codes.Error {
		t.Errorf("Expected error status, got %v", s.Status().Code)
	}

	attrs := make(map[string]int64)
	for _, kv := range s.Attributes() {
		attrs[string(kv.Key)] = kv.Value.AsInt64()
	}
	if attrs["chunk.index"] != 2 || attrs["event.count"] != 500 {
		t.Errorf("Unexpected attributes: %v", attrs)
	}
}

func TestInjectExtractRoundTrip(t *testing.T) {
	p, _ := newRecordingProvider()
	prop := propagation.TraceContext{}

	ctx, span := p.StartSpan(context.Background(), "outgoing")
	defer span.End()

	header := http.Header{}
	prop.Inject(ctx, propagation.HeaderCarrier(header))
	if header.Get("traceparent") == "" {
		t.Fatal("Expected traceparent header")
	}

	remote := prop.Extract(context.Background(), propagation.HeaderCarrier(header))
	got := trace.SpanContextFromContext(remote)
	if got.TraceID() != span.SpanContext().TraceID() {
		t.Errorf("Expected trace ID %s, got %s", span.SpanContext().TraceID(), got.TraceID())
	}
}

func TestNoopProvider(t *testing.T) {
	p := Noop()
	_, span := p.TraceIndex(context.Background(), "hec", "C1")
	if span.SpanContext().IsValid() {
		t.Error("Expected noop span to carry no context")
	}
	span.End()
}
