package mock

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"dca_engine/internal/core"
	apperrors "dca_engine/pkg/errors"
)

type lockEntry struct {
	value   string
	expires time.Time
}

// MockLocker implements core.ILocker for testing with in-process TTL
// semantics matching the Redis implementation.
type MockLocker struct {
	mu    sync.Mutex
	locks map[string]lockEntry
}

func NewMockLocker() *MockLocker {
	return &MockLocker{locks: make(map[string]lockEntry)}
}

func (m *MockLocker) SetIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.locks[key]; ok && time.Now().Before(e.expires) {
		return false, nil
	}
	m.locks[key] = lockEntry{value: value, expires: time.Now().Add(ttl)}
	return true, nil
}

func (m *MockLocker) CompareAndDelete(ctx context.Context, key, value string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.locks[key]
	if !ok || !time.Now().Before(e.expires) || e.value != value {
		return false, nil
	}
	delete(m.locks, key)
	return true, nil
}

func (m *MockLocker) CompareAndRefresh(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.locks[key]
	if !ok || !time.Now().Before(e.expires) || e.value != value {
		return false, nil
	}
	e.expires = time.Now().Add(ttl)
	m.locks[key] = e
	return true, nil
}

// Holder returns the current value held under key, or empty when free.
func (m *MockLocker) Holder(key string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.locks[key]
	if !ok || !time.Now().Before(e.expires) {
		return ""
	}
	return e.value
}

// Expire force-expires key so tests can simulate a lapsed TTL.
func (m *MockLocker) Expire(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.locks, key)
}

type cacheEntry struct {
	data    []byte
	expires time.Time
}

// MockCache implements core.ICache for testing. A miss returns (nil, nil),
// matching the Redis-backed cache.
type MockCache struct {
	mu      sync.Mutex
	entries map[string]cacheEntry
}

func NewMockCache() *MockCache {
	return &MockCache{entries: make(map[string]cacheEntry)}
}

func (m *MockCache) Get(ctx context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if !ok {
		return nil, nil
	}
	if !e.expires.IsZero() && !time.Now().Before(e.expires) {
		delete(m.entries, key)
		return nil, nil
	}
	data := make([]byte, len(e.data))
	copy(data, e.data)
	return data, nil
}

func (m *MockCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	data := make([]byte, len(value))
	copy(data, value)
	e := cacheEntry{data: data}
	if ttl > 0 {
		e.expires = time.Now().Add(ttl)
	}
	m.entries[key] = e
	return nil
}

func (m *MockCache) Delete(ctx context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, key := range keys {
		delete(m.entries, key)
	}
	return nil
}

// MockHeartbeat implements core.IHeartbeat for testing.
type MockHeartbeat struct {
	mu    sync.Mutex
	ttl   time.Duration
	beats map[string]time.Time
}

func NewMockHeartbeat() *MockHeartbeat {
	return &MockHeartbeat{ttl: 5 * time.Minute, beats: make(map[string]time.Time)}
}

func (m *MockHeartbeat) Beat(ctx context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.beats[name] = time.Now()
	return nil
}

func (m *MockHeartbeat) Alive(ctx context.Context, name string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	at, ok := m.beats[name]
	return ok && time.Since(at) < m.ttl, nil
}

// Alert is one captured notification.
type Alert struct {
	Level   core.AlertLevel
	Title   string
	Message string
	Fields  map[string]string
}

// MockAlerter implements core.IAlerter for testing, capturing every alert.
type MockAlerter struct {
	mu     sync.Mutex
	alerts []Alert
}

func NewMockAlerter() *MockAlerter {
	return &MockAlerter{}
}

func (m *MockAlerter) SendAlert(ctx context.Context, level core.AlertLevel, title, message string, fields map[string]string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.alerts = append(m.alerts, Alert{Level: level, Title: title, Message: message, Fields: fields})
}

// Alerts returns a snapshot of everything sent so far.
func (m *MockAlerter) Alerts() []Alert {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Alert, len(m.alerts))
	copy(out, m.alerts)
	return out
}

// MockExchangeProvider implements core.IExchangeProvider for testing,
// handing out pre-registered connectors regardless of user.
type MockExchangeProvider struct {
	mu         sync.Mutex
	connectors map[string]core.IExchange
	err        error
}

func NewMockExchangeProvider() *MockExchangeProvider {
	return &MockExchangeProvider{connectors: make(map[string]core.IExchange)}
}

// Register binds a connector to an exchange name.
func (m *MockExchangeProvider) Register(exchange string, ex core.IExchange) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connectors[exchange] = ex
}

// FailWith makes ConnectorFor return err until cleared with nil.
func (m *MockExchangeProvider) FailWith(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

func (m *MockExchangeProvider) ConnectorFor(ctx context.Context, userID uuid.UUID, exchange string) (core.IExchange, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	ex, ok := m.connectors[exchange]
	if !ok {
		return nil, apperrors.ErrExchangeConfig
	}
	return ex, nil
}
