// Package health aggregates component liveness for the /health endpoint.
// Components register plain check functions; background loops that already
// heartbeat through the coordination store are checked via those beats, so
// a stuck loop surfaces here without new plumbing.
package health

import (
	"context"
	"errors"
	"sync"
	"time"

	"dca_engine/internal/core"
)

// checkTimeout bounds one heartbeat lookup so a slow coordination store
// cannot hang the health endpoint.
const checkTimeout = 2 * time.Second

var errNoHeartbeat = errors.New("no heartbeat within the liveness window")

// Manager implements core.IHealthMonitor over a set of named checks.
type Manager struct {
	logger core.ILogger
	mu     sync.RWMutex
	checks map[string]func() error
}

func NewManager(logger core.ILogger) *Manager {
	m := &Manager{checks: make(map[string]func() error)}
	if logger != nil {
		m.logger = logger.WithField("component", "health_manager")
	}
	return m
}

// Register adds a check for a component. Registering the same name again
// replaces the previous check.
func (m *Manager) Register(component string, check func() error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checks[component] = check
	if m.logger != nil {
		m.logger.Debug("Health check registered", "check", component)
	}
}

// RegisterHeartbeat adds a check that reads the component's coordination
// heartbeat. The loops beat once per cycle with a TTL, so an expired key
// means the loop stalled on every node.
func (m *Manager) RegisterHeartbeat(component string, pulse core.IHeartbeat) {
	m.Register(component, func() error {
		ctx, cancel := context.WithTimeout(context.Background(), checkTimeout)
		defer cancel()
		alive, err := pulse.Alive(ctx, component)
		if err != nil {
			return err
		}
		if !alive {
			return errNoHeartbeat
		}
		return nil
	})
}

// GetStatus runs every check and reports per-component state.
func (m *Manager) GetStatus() map[string]string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	status := make(map[string]string, len(m.checks))
	for component, check := range m.checks {
		if err := check(); err != nil {
			status[component] = "down: " + err.Error()
		} else {
			status[component] = "ok"
		}
	}
	return status
}

// IsHealthy reports whether every registered check passes.
func (m *Manager) IsHealthy() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, check := range m.checks {
		if err := check(); err != nil {
			return false
		}
	}
	return true
}
