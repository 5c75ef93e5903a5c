package health

import (
	"context"
	"fmt"
	"testing"

	"dca_engine/internal/mock"
)

func TestManagerAggregation(t *testing.T) {
	m := NewManager(nil)

	// No checks yet: healthy.
	if !m.IsHealthy() {
		t.Error("Empty manager should be healthy")
	}

	m.Register("database", func() error { return nil })
	if !m.IsHealthy() {
		t.Error("Healthy component should not fail the manager")
	}

	m.Register("redis", func() error { return fmt.Errorf("connection refused") })
	if m.IsHealthy() {
		t.Error("Unhealthy component should fail the manager")
	}

	status := m.GetStatus()
	if status["database"] != "ok" {
		t.Errorf("Expected ok, got %s", status["database"])
	}
	if status["redis"] != "down: connection refused" {
		t.Errorf("Expected down, got %s", status["redis"])
	}
}

func TestManagerHeartbeatCheck(t *testing.T) {
	m := NewManager(nil)
	pulse := mock.NewMockHeartbeat()
	m.RegisterHeartbeat("risk_engine", pulse)

	if m.IsHealthy() {
		t.Error("Expected unhealthy before the first beat")
	}
	if status := m.GetStatus(); status["risk_engine"] != "down: "+errNoHeartbeat.Error() {
		t.Errorf("Unexpected status: %s", status["risk_engine"])
	}

	if err := pulse.Beat(context.Background(), "risk_engine"); err != nil {
		t.Fatalf("Beat: %v", err)
	}
	if !m.IsHealthy() {
		t.Error("Expected healthy after the beat")
	}
}
