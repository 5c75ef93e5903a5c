// Package mock provides in-memory implementations of the engine's store,
// coordination and notification interfaces for testing. The mocks keep the
// real repositories' observable semantics (idempotent transitions, upsert
// replacement, fallback resolution) without a database.
package mock

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"dca_engine/internal/core"
	"dca_engine/internal/storage"
	apperrors "dca_engine/pkg/errors"
)

// MockQueueStore implements core.IQueueStore for testing.
type MockQueueStore struct {
	mu       sync.Mutex
	signals  map[uuid.UUID]*core.QueuedSignal
	failures map[string]error
}

func NewMockQueueStore() *MockQueueStore {
	return &MockQueueStore{
		signals:  make(map[uuid.UUID]*core.QueuedSignal),
		failures: make(map[string]error),
	}
}

// FailWith makes the named method return err until cleared with nil.
func (m *MockQueueStore) FailWith(op string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.failures, op)
		return
	}
	m.failures[op] = err
}

func copySignal(s *core.QueuedSignal) *core.QueuedSignal {
	cp := *s
	return &cp
}

func (m *MockQueueStore) Upsert(ctx context.Context, signal *core.QueuedSignal) (*core.QueuedSignal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failures["Upsert"]; err != nil {
		return nil, err
	}

	// One queued row per (user, exchange, symbol, timeframe, side): a second
	// signal on the key replaces price and payload in place.
	for _, s := range m.signals {
		if s.Status != core.SignalStatusQueued {
			continue
		}
		if s.UserID == signal.UserID && s.Exchange == signal.Exchange &&
			s.Symbol == signal.Symbol && s.Timeframe == signal.Timeframe &&
			s.Side == signal.Side {
			s.EntryPrice = signal.EntryPrice
			s.Payload = signal.Payload
			s.ReplacementCount++
			s.CurrentLossPercent = signal.CurrentLossPercent
			s.IsPyramidContinuation = signal.IsPyramidContinuation
			s.PriorityScore = signal.PriorityScore
			return copySignal(s), nil
		}
	}

	stored := copySignal(signal)
	if stored.ID == uuid.Nil {
		stored.ID = uuid.New()
	}
	stored.Status = core.SignalStatusQueued
	stored.QueuedAt = time.Now().UTC()
	stored.PromotedAt = nil
	stored.ReplacementCount = 0
	m.signals[stored.ID] = stored
	return copySignal(stored), nil
}

func (m *MockQueueStore) GetSignal(ctx context.Context, id uuid.UUID) (*core.QueuedSignal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.signals[id]
	if !ok {
		return nil, apperrors.ErrSignalNotFound
	}
	return copySignal(s), nil
}

func (m *MockQueueStore) ListQueued(ctx context.Context) ([]*core.QueuedSignal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failures["ListQueued"]; err != nil {
		return nil, err
	}
	return m.listQueued(func(s *core.QueuedSignal) bool { return true }), nil
}

func (m *MockQueueStore) ListQueuedByUser(ctx context.Context, userID uuid.UUID) ([]*core.QueuedSignal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failures["ListQueuedByUser"]; err != nil {
		return nil, err
	}
	return m.listQueued(func(s *core.QueuedSignal) bool { return s.UserID == userID }), nil
}

func (m *MockQueueStore) listQueued(match func(*core.QueuedSignal) bool) []*core.QueuedSignal {
	var signals []*core.QueuedSignal
	for _, s := range m.signals {
		if s.Status == core.SignalStatusQueued && match(s) {
			signals = append(signals, copySignal(s))
		}
	}
	sort.Slice(signals, func(i, j int) bool {
		if !signals[i].PriorityScore.Equal(signals[j].PriorityScore) {
			return signals[i].PriorityScore.GreaterThan(signals[j].PriorityScore)
		}
		return signals[i].QueuedAt.Before(signals[j].QueuedAt)
	})
	return signals
}

func (m *MockQueueStore) UpdatePriority(ctx context.Context, id uuid.UUID, lossPercent, score decimal.Decimal, isPyramid bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.signals[id]; ok && s.Status == core.SignalStatusQueued {
		s.CurrentLossPercent = lossPercent
		s.PriorityScore = score
		s.IsPyramidContinuation = isPyramid
	}
	return nil
}

func (m *MockQueueStore) MarkPromoted(ctx context.Context, id uuid.UUID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failures["MarkPromoted"]; err != nil {
		return false, err
	}
	s, ok := m.signals[id]
	if !ok || s.Status != core.SignalStatusQueued {
		return false, nil
	}
	now := time.Now().UTC()
	s.Status = core.SignalStatusPromoted
	s.PromotedAt = &now
	return true, nil
}

func (m *MockQueueStore) CancelSignal(ctx context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.signals[id]
	if !ok || s.Status != core.SignalStatusQueued {
		return apperrors.ErrSignalNotFound
	}
	s.Status = core.SignalStatusCancelled
	return nil
}

func (m *MockQueueStore) CancelAllForUser(ctx context.Context, userID uuid.UUID) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, s := range m.signals {
		if s.UserID == userID && s.Status == core.SignalStatusQueued {
			s.Status = core.SignalStatusCancelled
			n++
		}
	}
	return n, nil
}

// MockConfigStore implements core.IConfigStore for testing. Exact rows win
// over the user's default row, matching the repository's resolution order.
type MockConfigStore struct {
	mu       sync.Mutex
	exact    map[string]*core.DCAConfiguration
	defaults map[uuid.UUID]*core.DCAConfiguration
	risk     map[uuid.UUID]*core.RiskConfig
}

func NewMockConfigStore() *MockConfigStore {
	return &MockConfigStore{
		exact:    make(map[string]*core.DCAConfiguration),
		defaults: make(map[uuid.UUID]*core.DCAConfiguration),
		risk:     make(map[uuid.UUID]*core.RiskConfig),
	}
}

func dcaKey(userID uuid.UUID, pair, timeframe, exchange string) string {
	return userID.String() + "|" + pair + "|" + timeframe + "|" + exchange
}

// SetDCAConfig registers a configuration row; isDefault rows serve as the
// user's fallback.
func (m *MockConfigStore) SetDCAConfig(cfg *core.DCAConfiguration, isDefault bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *cfg
	if isDefault {
		m.defaults[cfg.UserID] = &cp
		return
	}
	m.exact[dcaKey(cfg.UserID, cfg.Pair, cfg.Timeframe, cfg.Exchange)] = &cp
}

func (m *MockConfigStore) GetDCAConfig(ctx context.Context, userID uuid.UUID, pair, timeframe, exchange string) (*core.DCAConfiguration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cfg, ok := m.exact[dcaKey(userID, pair, timeframe, exchange)]; ok {
		cp := *cfg
		return &cp, nil
	}
	if cfg, ok := m.defaults[userID]; ok {
		cp := *cfg
		return &cp, nil
	}
	return nil, apperrors.ErrConfigNotFound
}

func (m *MockConfigStore) GetRiskConfig(ctx context.Context, userID uuid.UUID) (*core.RiskConfig, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cfg, ok := m.risk[userID]; ok {
		cp := *cfg
		return &cp, nil
	}
	return storage.DefaultRiskConfig(userID), nil
}

func (m *MockConfigStore) SaveRiskConfig(ctx context.Context, cfg *core.RiskConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *cfg
	cp.UpdatedAt = time.Now().UTC()
	m.risk[cfg.UserID] = &cp
	return nil
}

// MockUserStore implements core.IUserStore for testing.
type MockUserStore struct {
	mu    sync.Mutex
	users map[uuid.UUID]*core.User
	creds map[string]*core.ExchangeCredential
}

func NewMockUserStore() *MockUserStore {
	return &MockUserStore{
		users: make(map[uuid.UUID]*core.User),
		creds: make(map[string]*core.ExchangeCredential),
	}
}

// AddUser registers the user, returning its id for convenience.
func (m *MockUserStore) AddUser(u *core.User) uuid.UUID {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u.ID == uuid.Nil {
		u.ID = uuid.New()
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}
	cp := *u
	m.users[u.ID] = &cp
	return u.ID
}

func (m *MockUserStore) AddCredential(c *core.ExchangeCredential) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *c
	m.creds[c.UserID.String()+"|"+c.Exchange] = &cp
}

func (m *MockUserStore) GetUser(ctx context.Context, id uuid.UUID) (*core.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return nil, apperrors.ErrUserNotFound
	}
	cp := *u
	return &cp, nil
}

func (m *MockUserStore) ListActiveUsers(ctx context.Context) ([]*core.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var users []*core.User
	for _, u := range m.users {
		if u.Active {
			cp := *u
			users = append(users, &cp)
		}
	}
	sort.Slice(users, func(i, j int) bool { return users[i].CreatedAt.Before(users[j].CreatedAt) })
	return users, nil
}

func (m *MockUserStore) GetCredential(ctx context.Context, userID uuid.UUID, exchange string) (*core.ExchangeCredential, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.creds[userID.String()+"|"+exchange]
	if !ok {
		return nil, apperrors.ErrExchangeConfig
	}
	cp := *c
	return &cp, nil
}

// MockRiskActionStore implements core.IRiskActionStore for testing.
type MockRiskActionStore struct {
	mu      sync.Mutex
	actions []*core.RiskAction
}

func NewMockRiskActionStore() *MockRiskActionStore {
	return &MockRiskActionStore{}
}

func (m *MockRiskActionStore) RecordAction(ctx context.Context, action *core.RiskAction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *action
	if cp.ID == uuid.Nil {
		cp.ID = uuid.New()
	}
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	m.actions = append(m.actions, &cp)
	return nil
}

func (m *MockRiskActionStore) ListActionsByUser(ctx context.Context, userID uuid.UUID, limit int) ([]*core.RiskAction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var actions []*core.RiskAction
	for i := len(m.actions) - 1; i >= 0; i-- {
		if m.actions[i].UserID != userID {
			continue
		}
		cp := *m.actions[i]
		actions = append(actions, &cp)
		if limit > 0 && len(actions) >= limit {
			break
		}
	}
	return actions, nil
}
