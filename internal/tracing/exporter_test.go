package tracing

import (
	"context"
	"testing"
)

func TestNewExporter_Console(t *testing.T) {
	exp, err := newExporter(context.Background(), ExporterConfig{Type: "console"})
	if err != nil {
		t.Fatalf("Failed to create console exporter: %v", err)
	}
	if exp == nil {
		t.Fatal("Expected a console exporter")
	}
	exp.Shutdown(context.Background())
}

func TestNewExporter_NoneIsNil(t *testing.T) {
	exp, err := newExporter(context.Background(), ExporterConfig{Type: "none"})
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if exp != nil {
		t.Fatal("Expected no exporter for type none")
	}
}

func TestNewExporter_UnknownType(t *testing.T) {
	_, err := newExporter(context.Background(), ExporterConfig{Type: "jaeger"})
	if err == nil {
		t.Fatal("Expected error for unknown exporter type")
	}
}

func TestNewSpanProcessors_SkipsBrokenExporters(t *testing.T) {
	processors := newSpanProcessors(context.Background(), Config{
		Exporters: []ExporterConfig{
			{Type: "jaeger"},
			{Type: "console"},
		},
	})
	if len(processors) != 1 {
		t.Fatalf("Expected 1 processor, got %d", len(processors))
	}
	for _, p := range processors {
		p.Shutdown(context.Background())
	}
}
