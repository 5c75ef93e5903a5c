// Package alert broadcasts operational events to notification channels.
// Delivery is best-effort and asynchronous: the trading path never waits
// on a chat API.
package alert

import (
	"context"
	"sync"
	"time"

	"dca_engine/internal/core"
	"dca_engine/pkg/concurrency"
)

// sendTimeout bounds one delivery attempt per channel.
const sendTimeout = 10 * time.Second

// Payload is the channel-facing form of one alert.
type Payload struct {
	Level     core.AlertLevel
	Title     string
	Message   string
	Timestamp time.Time
	Fields    map[string]string
}

// Channel delivers a payload to one destination.
type Channel interface {
	Send(ctx context.Context, alert Payload) error
	Name() string
}

// Manager implements core.IAlerter by fanning each alert out to every
// registered channel on a small worker pool.
type Manager struct {
	mu       sync.RWMutex
	channels []Channel
	workers  *concurrency.WorkerPool
	logger   core.ILogger
}

func NewManager(logger core.ILogger) *Manager {
	return &Manager{
		workers: concurrency.NewWorkerPool(concurrency.PoolConfig{
			Name:        "alerts",
			MaxWorkers:  4,
			MaxCapacity: 256,
			NonBlocking: true,
		}, logger),
		logger: logger.WithField("component", "alert_manager"),
	}
}

func (m *Manager) AddChannel(ch Channel) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.channels = append(m.channels, ch)
	m.logger.Info("Alert channel registered", "channel", ch.Name())
}

// SendAlert queues the alert for delivery and returns immediately. Delivery
// runs detached from the caller's context: a finished webhook request or a
// cancelled cycle must not take its alerts down with it. A full dispatch
// queue drops the alert with a log line rather than blocking the caller.
func (m *Manager) SendAlert(ctx context.Context, level core.AlertLevel, title, message string, fields map[string]string) {
	payload := Payload{
		Level:     level,
		Title:     title,
		Message:   message,
		Timestamp: time.Now().UTC(),
		Fields:    fields,
	}

	m.mu.RLock()
	channels := make([]Channel, len(m.channels))
	copy(channels, m.channels)
	m.mu.RUnlock()

	for _, ch := range channels {
		c := ch
		err := m.workers.Submit(func() {
			sendCtx, cancel := context.WithTimeout(context.Background(), sendTimeout)
			defer cancel()
			if err := c.Send(sendCtx, payload); err != nil {
				m.logger.Error("Alert delivery failed",
					"channel", c.Name(),
					"title", title,
					"error", err)
			}
		})
		if err != nil {
			m.logger.Warn("Alert dropped, dispatch queue full",
				"channel", c.Name(),
				"title", title)
		}
	}
}

// Stop drains the dispatch queue. Called during shutdown so the final
// alerts still go out.
func (m *Manager) Stop() {
	m.workers.Stop()
}
