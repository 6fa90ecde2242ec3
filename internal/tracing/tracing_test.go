package tracing

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	oteltrace "go.opentelemetry.io/otel/trace"
)

func useRecorder(t *testing.T) *tracetest.InMemoryExporter {
	t.Helper()
	exporter := tracetest.NewInMemoryExporter()
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(trace.NewTracerProvider(trace.WithSyncer(exporter)))
	t.Cleanup(func() { otel.SetTracerProvider(prev) })
	return exporter
}

func TestResourceEnv(t *testing.T) {
	tests := []struct {
		name     string
		env      map[string]string
		fn       func() string
		expected string
	}{
		{name: "version from env", env: map[string]string{"SERVICE_VERSION": "v1.2.3"}, fn: getVersion, expected: "v1.2.3"},
		{name: "version default", env: map[string]string{"SERVICE_VERSION": ""}, fn: getVersion, expected: "dev"},
		{name: "instance from hostname", env: map[string]string{"HOSTNAME": "dispatcher-0", "POD_NAME": "pod"}, fn: getInstanceID, expected: "dispatcher-0"},
		{name: "instance from pod name", env: map[string]string{"HOSTNAME": "", "POD_NAME": "pod"}, fn: getInstanceID, expected: "pod"},
		{name: "instance default", env: map[string]string{"HOSTNAME": "", "POD_NAME": ""}, fn: getInstanceID, expected: "unknown"},
		{name: "endpoint default", env: map[string]string{"OTEL_EXPORTER_OTLP_ENDPOINT": ""}, fn: getOTLPEndpoint, expected: "localhost:4318"},
		{name: "endpoint strips http", env: map[string]string{"OTEL_EXPORTER_OTLP_ENDPOINT": "http://tempo:4318"}, fn: getOTLPEndpoint, expected: "tempo:4318"},
		{name: "endpoint strips https and slash", env: map[string]string{"OTEL_EXPORTER_OTLP_ENDPOINT": "https://otel.example.com/"}, fn: getOTLPEndpoint, expected: "otel.example.com"},
		{name: "endpoint bare host", env: map[string]string{"OTEL_EXPORTER_OTLP_ENDPOINT": "collector:4318"}, fn: getOTLPEndpoint, expected: "collector:4318"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			if got := tt.fn(); got != tt.expected {
				t.Errorf("got %q, want %q", got, tt.expected)
			}
		})
	}
}

func TestStartSpan_RecordsAttributesAndEvents(t *testing.T) {
	exporter := useRecorder(t)

	ctx, span := StartSpan(context.Background(), "dispatcher.deliver", attribute.String("delivery.id", "d-1"))
	AddSpanEvent(ctx, "attempt.sent", attribute.Int("http.status_code", 500))
	SetSpanError(ctx, errors.New("HTTP 500 error"))
	SetSpanError(ctx, nil)
	span.End()

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("exported %d spans, want 1", len(spans))
	}
	got := spans[0]
	if got.Name != "dispatcher.deliver" {
		t.Errorf("span name = %q", got.Name)
	}
	if len(got.Attributes) != 1 || got.Attributes[0].Value.AsString() != "d-1" {
		t.Errorf("attributes = %v", got.Attributes)
	}
	if len(got.Events) < 1 || got.Events[0].Name != "attempt.sent" {
		t.Errorf("events = %v", got.Events)
	}
	if got.Status.Code != codes.Error || got.Status.Description != "HTTP 500 error" {
		t.Errorf("status = %+v, want error", got.Status)
	}
}

func TestGetTraceID(t *testing.T) {
	useRecorder(t)

	if id := GetTraceID(context.Background()); id != "" {
		t.Errorf("GetTraceID() without span = %q, want empty", id)
	}
	ctx, span := StartSpan(context.Background(), "op")
	defer span.End()
	if id := GetTraceID(ctx); len(id) != 32 {
		t.Errorf("GetTraceID() = %q, want 32 hex chars", id)
	}
	if GetTracer() == nil {
		t.Error("GetTracer() returned nil")
	}
}

func TestInjectMap(t *testing.T) {
	useRecorder(t)

	tests := []struct {
		name    string
		hasSpan bool
	}{
		{name: "context with active span", hasSpan: true},
		{name: "context without span", hasSpan: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			if tt.hasSpan {
				var span oteltrace.Span
				ctx, span = StartSpan(ctx, "test-span")
				defer span.End()
			}

			headers := InjectMap(ctx)
			if headers == nil {
				t.Fatal("InjectMap() returned nil headers")
			}
			_, ok := headers["traceparent"]
			if ok != tt.hasSpan {
				t.Errorf("traceparent present = %v, want %v (%v)", ok, tt.hasSpan, headers)
			}
		})
	}
}

func TestExtractMap(t *testing.T) {
	tests := []struct {
		name      string
		headers   map[string]string
		wantValid bool
	}{
		{name: "nil headers", headers: nil},
		{name: "empty headers", headers: map[string]string{}},
		{
			name:      "headers with trace context",
			headers:   map[string]string{"traceparent": "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01"},
			wantValid: true,
		},
		{
			name: "headers with trace context and baggage",
			headers: map[string]string{
				"traceparent": "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01",
				"baggage":     "key1=value1,key2=value2",
			},
			wantValid: true,
		},
		{name: "headers with invalid trace context", headers: map[string]string{"traceparent": "invalid-trace-context"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := ExtractMap(context.Background(), tt.headers)
			if ctx == nil {
				t.Fatal("ExtractMap() returned nil context")
			}
			sc := oteltrace.SpanContextFromContext(ctx)
			if sc.IsValid() != tt.wantValid {
				t.Errorf("extracted span context valid = %v, want %v", sc.IsValid(), tt.wantValid)
			}
			if tt.wantValid && sc.TraceID().String() != "4bf92f3577b34da6a3ce929d0e0e4736" {
				t.Errorf("trace id = %s", sc.TraceID())
			}
		})
	}
}

func TestInjectHTTP(t *testing.T) {
	useRecorder(t)

	ctx, span := StartSpan(context.Background(), "send")
	defer span.End()

	h := http.Header{}
	InjectHTTP(ctx, h)
	if tp := h.Get("traceparent"); !strings.Contains(tp, GetTraceID(ctx)) {
		t.Errorf("traceparent %q does not carry trace id %s", tp, GetTraceID(ctx))
	}

	back := ExtractHTTP(context.Background(), h)
	if got := oteltrace.SpanContextFromContext(back).TraceID().String(); got != GetTraceID(ctx) {
		t.Errorf("ExtractHTTP() trace id = %s, want %s", got, GetTraceID(ctx))
	}
}

func TestTraceRoundTrip(t *testing.T) {
	useRecorder(t)

	ctx, span := StartSpan(context.Background(), "test-operation")
	defer span.End()

	originalTraceID := GetTraceID(ctx)
	if originalTraceID == "" {
		t.Fatal("Failed to get trace ID from original context")
	}

	headers := InjectMap(ctx)
	newCtx := ExtractMap(context.Background(), headers)

	// Start a child span to activate the trace context
	newCtx, childSpan := StartSpan(newCtx, "child-operation")
	defer childSpan.End()

	if extracted := GetTraceID(newCtx); extracted != originalTraceID {
		t.Errorf("Trace ID changed during round-trip: original=%s, extracted=%s", originalTraceID, extracted)
	}
}

func TestExporterDisabled(t *testing.T) {
	t.Setenv("OTEL_TRACES_EXPORTER", "none")
	if !exporterDisabled() {
		t.Error("exporterDisabled() = false with OTEL_TRACES_EXPORTER=none")
	}
	t.Setenv("OTEL_TRACES_EXPORTER", "otlp")
	if exporterDisabled() {
		t.Error("exporterDisabled() = true with OTEL_TRACES_EXPORTER=otlp")
	}
}

func TestInitTracing_NoExporter(t *testing.T) {
	t.Setenv("OTEL_TRACES_EXPORTER", "none")
	shutdown, err := InitTracing(context.Background(), "tracing-test")
	if err != nil {
		t.Fatalf("InitTracing() unexpected error: %v", err)
	}
	defer shutdown()

	ctx, span := StartSpan(context.Background(), "op")
	defer span.End()
	if GetTraceID(ctx) == "" {
		t.Error("expected a recording span after InitTracing")
	}
}
