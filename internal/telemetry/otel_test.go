package telemetry

import (
	"context"
	"testing"

	"go.uber.org/zap"

	"github.com/mckingz/edu-ai-gateway/config"
)

func TestNewExporter(t *testing.T) {
	exp, err := newExporter(context.Background(), &config.Config{OTELExporterType: "none"})
	if err != nil || exp != nil {
		t.Errorf("Expected no exporter for none, got %v, %v", exp, err)
	}

	exp, err = newExporter(context.Background(), &config.Config{OTELExporterType: "stdout"})
	if err != nil || exp == nil {
		t.Fatalf("Expected stdout exporter, got %v, %v", exp, err)
	}
	_ = exp.Shutdown(context.Background())
}

func TestInitTracer_None(t *testing.T) {
	shutdown, err := InitTracer(&config.Config{OTELExporterType: "none"}, zap.NewNop())
	if err != nil {
		t.Fatalf("InitTracer failed: %v", err)
	}
	shutdown()
}
