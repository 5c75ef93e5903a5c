package telemetry

import (
	"context"
	"testing"
	"time"

	"go.opentelemetry.io/otel"
)

func TestSetupInstallsProvidersAndInstruments(t *testing.T) {
	tel, err := Setup("dca-engine-test")
	if err != nil {
		t.Fatalf("Setup failed: %v", err)
	}

	if otel.GetTracerProvider() == nil {
		t.Error("tracer provider not installed")
	}
	if otel.GetMeterProvider() == nil {
		t.Error("meter provider not installed")
	}
	if GetTracer("signal-router") == nil {
		t.Error("GetTracer returned nil")
	}
	if GetMeter("signal-router") == nil {
		t.Error("GetMeter returned nil")
	}

	// The engine instruments are live after Setup and the gauges readable.
	m := GetGlobalMetrics()
	m.IncSignalsReceived(context.Background(), "created")
	m.SetActiveGroups("user-1", 2)
	m.SetQueueDepth("user-1", 1)
	if got := m.GetActiveGroups()["user-1"]; got != 2 {
		t.Errorf("active groups gauge: got %d, want 2", got)
	}
	if got := m.GetQueueDepth()["user-1"]; got != 1 {
		t.Errorf("queue depth gauge: got %d, want 1", got)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := tel.Shutdown(ctx); err != nil {
		t.Errorf("Shutdown failed: %v", err)
	}
}
