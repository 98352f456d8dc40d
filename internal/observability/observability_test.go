package observability

import (
	"context"
	"errors"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestInitDisabled(t *testing.T) {
	if err := Init(Config{Enabled: false}); err != nil {
		t.Fatalf("Init failed: %v", err)
	}

	ctx, span := StartSpan(context.Background(), "recovery.level")
	if ctx == nil || span == nil {
		t.Fatal("StartSpan returned nil")
	}
	EndSpan(span, nil)
}

func TestInitUnknownExporter(t *testing.T) {
	err := Init(Config{Enabled: true, ExporterType: "carrier-pigeon"})
	if err == nil {
		t.Fatal("expected error for unknown exporter")
	}
}

func TestSpansRecorded(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	if err := InitWithExporter("contextguard-test", exporter); err != nil {
		t.Fatalf("InitWithExporter failed: %v", err)
	}

	_, span := StartSpan(context.Background(), "bundle.save", attribute.String("bundle.id", "20260101_000000_deadbeef"))
	EndSpan(span, errors.New("disk full"))

	if err := tracerProvider.ForceFlush(context.Background()); err != nil {
		t.Fatalf("ForceFlush failed: %v", err)
	}

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	if spans[0].Name != "bundle.save" {
		t.Errorf("span name = %q, want bundle.save", spans[0].Name)
	}
	if spans[0].Status.Code != codes.Error {
		t.Errorf("span status = %v, want error", spans[0].Status.Code)
	}

	if err := Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}
	if err := Init(Config{}); err != nil {
		t.Fatalf("Init failed: %v", err)
	}
}

func TestParseHeaders(t *testing.T) {
	tests := []struct {
		input string
		want  map[string]string
	}{
		{"", nil},
		{"authorization=Bearer x", map[string]string{"authorization": "Bearer x"}},
		{"a=1, b=2,bad", map[string]string{"a": "1", "b": "2"}},
	}

	for _, tt := range tests {
		got := parseHeaders(tt.input)
		if len(got) != len(tt.want) {
			t.Fatalf("parseHeaders(%q) = %v, want %v", tt.input, got, tt.want)
		}
		for k, v := range tt.want {
			if got[k] != v {
				t.Errorf("parseHeaders(%q)[%q] = %q, want %q", tt.input, k, got[k], v)
			}
		}
	}
}
