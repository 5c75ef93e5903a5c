package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"dca_engine/internal/config"
	"dca_engine/internal/coordination"
	"dca_engine/internal/core"
	exmock "dca_engine/internal/exchange/mock"
	"dca_engine/internal/execution"
	"dca_engine/internal/mock"
	"dca_engine/internal/order"
	"dca_engine/internal/position"
	"dca_engine/internal/risk"
	"dca_engine/internal/storage"
	apperrors "dca_engine/pkg/errors"
	"dca_engine/pkg/logging"
)

type managerFixture struct {
	manager *Manager
	queue   *mock.MockQueueStore
	groups  *mock.MockGroupStore
	configs *mock.MockConfigStore
	pool    *execution.Pool
	venue   *exmock.Exchange
	userID  uuid.UUID
}

func newManagerFixture(t *testing.T) *managerFixture {
	t.Helper()

	venue := exmock.New("mock")
	provider := mock.NewMockExchangeProvider()
	provider.Register("mock", venue)

	queueStore := mock.NewMockQueueStore()
	groups := mock.NewMockGroupStore()
	configs := mock.NewMockConfigStore()
	logger, _ := logging.NewZapLogger("INFO")

	orders := order.NewService(groups, provider, map[string]config.ExchangeConfig{
		"mock": {OrdersPerSecond: 10000, OrdersBurst: 10000},
	}, logger)
	cache := mock.NewMockCache()
	precision := coordination.NewPrecisionCache(cache, logger)
	tickers := coordination.NewTickerCache(cache, logger)
	creator := position.NewCreator(groups, orders, provider, precision, mock.NewMockAlerter(), logger)
	pool := execution.NewPool(logger)
	checker := risk.NewChecker(groups, configs, logger)

	manager := NewManager(queueStore, groups, configs, pool, checker, creator, provider,
		tickers, mock.NewMockHeartbeat(), logger, time.Second, nil)

	return &managerFixture{
		manager: manager,
		queue:   queueStore,
		groups:  groups,
		configs: configs,
		pool:    pool,
		venue:   venue,
		userID:  uuid.New(),
	}
}

func (f *managerFixture) signal(symbol string, entry float64) *core.SignalPayload {
	return &core.SignalPayload{
		UserID: f.userID,
		TV: core.TVSignal{
			Exchange:   "mock",
			Symbol:     symbol,
			Timeframe:  "1h",
			Action:     core.OrderSideBuy,
			EntryPrice: decimal.NewFromFloat(entry),
		},
		Intent: core.ExecutionIntent{Type: core.IntentSignal},
	}
}

// installConfig registers a default DCA configuration serving every symbol.
func (f *managerFixture) installConfig() {
	f.configs.SetDCAConfig(&core.DCAConfiguration{
		ID:             uuid.New(),
		UserID:         f.userID,
		Pair:           "BTC/USDT",
		Timeframe:      "1h",
		Exchange:       "mock",
		EntryOrderType: core.OrderTypeLimit,
		Levels: []core.DCALevel{
			{GapPercent: decimal.Zero, WeightPercent: decimal.NewFromInt(40), TPPercent: decimal.NewFromInt(1)},
			{GapPercent: decimal.NewFromInt(-1), WeightPercent: decimal.NewFromInt(30), TPPercent: decimal.NewFromInt(1)},
			{GapPercent: decimal.NewFromInt(-2), WeightPercent: decimal.NewFromInt(30), TPPercent: decimal.NewFromInt(1)},
		},
		TPMode:      core.TPModePerLeg,
		MaxPyramids: 5,
	}, true)
}

func (f *managerFixture) setRisk(t *testing.T, mutate func(*core.RiskConfig)) {
	t.Helper()
	cfg := storage.DefaultRiskConfig(f.userID)
	mutate(cfg)
	if err := f.configs.SaveRiskConfig(context.Background(), cfg); err != nil {
		t.Fatalf("SaveRiskConfig failed: %v", err)
	}
}

func TestEnqueueReplacePreservesQueuePosition(t *testing.T) {
	f := newManagerFixture(t)
	ctx := context.Background()

	first, err := f.manager.Enqueue(ctx, f.signal("BTC/USDT", 45000), false)
	if err != nil {
		t.Fatalf("first enqueue failed: %v", err)
	}
	second, err := f.manager.Enqueue(ctx, f.signal("BTC/USDT", 44000), false)
	if err != nil {
		t.Fatalf("second enqueue failed: %v", err)
	}

	if second.ID != first.ID {
		t.Fatalf("expected replacement to keep the row, got %s vs %s", second.ID, first.ID)
	}
	if second.ReplacementCount != 1 {
		t.Errorf("expected replacement_count 1, got %d", second.ReplacementCount)
	}
	if !second.QueuedAt.Equal(first.QueuedAt) {
		t.Errorf("expected queued_at preserved: %v vs %v", second.QueuedAt, first.QueuedAt)
	}
	if !second.EntryPrice.Equal(decimal.NewFromInt(44000)) {
		t.Errorf("expected entry price updated, got %v", second.EntryPrice)
	}
}

// A signal whose market moved against its entry outranks a flat one, and
// only the top signal is promoted per user per cycle.
func TestPromoteCyclePicksDeepestLoss(t *testing.T) {
	f := newManagerFixture(t)
	ctx := context.Background()
	f.installConfig()

	// BTC sits at its entry; ETH quoted at 3000 is 6.25% under its entry.
	flat, err := f.manager.Enqueue(ctx, f.signal("BTC/USDT", 45000), false)
	if err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}
	losing, err := f.manager.Enqueue(ctx, f.signal("ETH/USDT", 3200), false)
	if err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}

	if err := f.manager.PromoteCycle(ctx); err != nil {
		t.Fatalf("PromoteCycle failed: %v", err)
	}

	promoted, _ := f.queue.GetSignal(ctx, losing.ID)
	if promoted.Status != core.SignalStatusPromoted {
		t.Fatalf("expected losing signal promoted, got %s", promoted.Status)
	}
	if promoted.PromotedAt == nil {
		t.Error("expected promoted_at recorded")
	}
	waiting, _ := f.queue.GetSignal(ctx, flat.ID)
	if waiting.Status != core.SignalStatusQueued {
		t.Fatalf("expected flat signal still queued, got %s", waiting.Status)
	}

	group, err := f.groups.FindActiveGroup(ctx, f.userID, "mock", "ETH/USDT", "1h", core.SideLong)
	if err != nil {
		t.Fatalf("expected group created for promoted signal: %v", err)
	}
	if group.Status != core.GroupStatusLive {
		t.Errorf("expected live group, got %s", group.Status)
	}
	if f.pool.InUse(f.userID) != 1 {
		t.Errorf("expected one slot in use, got %d", f.pool.InUse(f.userID))
	}
}

// When the top signal is denied a slot, nothing lower may slip through.
func TestPromoteCycleNoSlipThrough(t *testing.T) {
	f := newManagerFixture(t)
	ctx := context.Background()
	f.installConfig()
	f.setRisk(t, func(cfg *core.RiskConfig) { cfg.MaxSlots = 1 })

	f.pool.Configure(f.userID, 1, false)
	if !f.pool.Acquire(f.userID, false) {
		t.Fatal("setup: could not take the only slot")
	}

	losing, _ := f.manager.Enqueue(ctx, f.signal("ETH/USDT", 3200), false)
	flat, _ := f.manager.Enqueue(ctx, f.signal("BTC/USDT", 45000), false)

	if err := f.manager.PromoteCycle(ctx); err != nil {
		t.Fatalf("PromoteCycle failed: %v", err)
	}

	for _, id := range []uuid.UUID{losing.ID, flat.ID} {
		s, _ := f.queue.GetSignal(ctx, id)
		if s.Status != core.SignalStatusQueued {
			t.Errorf("expected signal %s still queued, got %s", id, s.Status)
		}
	}
	if f.venue.OrderCount() != 0 {
		t.Errorf("expected no orders placed, got %d", f.venue.OrderCount())
	}
}

func TestPromoteCycleDeniesWhenEnginePaused(t *testing.T) {
	f := newManagerFixture(t)
	ctx := context.Background()
	f.installConfig()
	f.setRisk(t, func(cfg *core.RiskConfig) { cfg.EnginePausedByLossLimit = true })

	queued, _ := f.manager.Enqueue(ctx, f.signal("BTC/USDT", 45000), false)

	if err := f.manager.PromoteCycle(ctx); err != nil {
		t.Fatalf("PromoteCycle failed: %v", err)
	}

	s, _ := f.queue.GetSignal(ctx, queued.ID)
	if s.Status != core.SignalStatusQueued {
		t.Fatalf("expected signal to stay queued while paused, got %s", s.Status)
	}
	if f.venue.OrderCount() != 0 {
		t.Errorf("expected no orders placed, got %d", f.venue.OrderCount())
	}
}

// A queued signal whose key matches an active group is re-detected as a
// pyramid continuation, outranks a deep loss and extends the group.
func TestPromoteCyclePyramidContinuationWins(t *testing.T) {
	f := newManagerFixture(t)
	ctx := context.Background()
	f.installConfig()

	group := &core.PositionGroup{
		UserID:              f.userID,
		Exchange:            "mock",
		Symbol:              "BTC/USDT",
		Timeframe:           "1h",
		Side:                core.SideLong,
		Status:              core.GroupStatusActive,
		TotalDCALegs:        3,
		FilledDCALegs:       3,
		PyramidCount:        1,
		MaxPyramids:         5,
		TPMode:              core.TPModePerLeg,
		TotalFilledQuantity: decimal.NewFromFloat(0.002),
		WeightedAvgEntry:    decimal.NewFromInt(45000),
	}
	seed := &core.Pyramid{PyramidIndex: 0, Status: core.PyramidStatusFilled, BasePrice: decimal.NewFromInt(45000)}
	if err := f.groups.CreateGroupWithOrders(ctx, group, seed, nil); err != nil {
		t.Fatalf("seed group failed: %v", err)
	}

	continuation, _ := f.manager.Enqueue(ctx, f.signal("BTC/USDT", 44000), false)
	deepLoss, _ := f.manager.Enqueue(ctx, f.signal("ETH/USDT", 3500), false)

	if err := f.manager.PromoteCycle(ctx); err != nil {
		t.Fatalf("PromoteCycle failed: %v", err)
	}

	s, _ := f.queue.GetSignal(ctx, continuation.ID)
	if s.Status != core.SignalStatusPromoted {
		t.Fatalf("expected continuation promoted, got %s", s.Status)
	}
	if !s.IsPyramidContinuation {
		t.Error("expected continuation flag persisted during scoring")
	}
	waiting, _ := f.queue.GetSignal(ctx, deepLoss.ID)
	if waiting.Status != core.SignalStatusQueued {
		t.Errorf("expected deep loss still queued, got %s", waiting.Status)
	}

	updated, err := f.groups.GetGroup(ctx, group.ID)
	if err != nil {
		t.Fatalf("GetGroup failed: %v", err)
	}
	if updated.PyramidCount != 2 {
		t.Fatalf("expected pyramid appended, got count %d", updated.PyramidCount)
	}
}

// An operator may promote a specific signal out of priority order; the
// rest of the queue is untouched.
func TestPromoteSignalSkipsPriorityOrder(t *testing.T) {
	f := newManagerFixture(t)
	ctx := context.Background()
	f.installConfig()

	// ETH outranks BTC on loss, but the operator picks BTC.
	losing, _ := f.manager.Enqueue(ctx, f.signal("ETH/USDT", 3200), false)
	flat, _ := f.manager.Enqueue(ctx, f.signal("BTC/USDT", 45000), false)

	if err := f.manager.PromoteSignal(ctx, flat.ID); err != nil {
		t.Fatalf("PromoteSignal failed: %v", err)
	}

	s, _ := f.queue.GetSignal(ctx, flat.ID)
	if s.Status != core.SignalStatusPromoted {
		t.Fatalf("expected picked signal promoted, got %s", s.Status)
	}
	waiting, _ := f.queue.GetSignal(ctx, losing.ID)
	if waiting.Status != core.SignalStatusQueued {
		t.Errorf("expected higher-priority signal untouched, got %s", waiting.Status)
	}
	if _, err := f.groups.FindActiveGroup(ctx, f.userID, "mock", "BTC/USDT", "1h", core.SideLong); err != nil {
		t.Fatalf("expected group created for promoted signal: %v", err)
	}
	if f.pool.InUse(f.userID) != 1 {
		t.Errorf("expected one slot in use, got %d", f.pool.InUse(f.userID))
	}

	// Second promote of the same signal is a no-op.
	placed := f.venue.OrderCount()
	if err := f.manager.PromoteSignal(ctx, flat.ID); err != nil {
		t.Fatalf("repeat PromoteSignal failed: %v", err)
	}
	if f.venue.OrderCount() != placed {
		t.Errorf("expected no further orders, got %d vs %d", f.venue.OrderCount(), placed)
	}
}

// Operator promotion still honors the slot gate; the denial is surfaced
// rather than swallowed.
func TestPromoteSignalHonorsSlotGate(t *testing.T) {
	f := newManagerFixture(t)
	ctx := context.Background()
	f.installConfig()
	f.setRisk(t, func(cfg *core.RiskConfig) { cfg.MaxSlots = 1 })

	f.pool.Configure(f.userID, 1, false)
	if !f.pool.Acquire(f.userID, false) {
		t.Fatal("setup: could not take the only slot")
	}

	queued, _ := f.manager.Enqueue(ctx, f.signal("BTC/USDT", 45000), false)

	err := f.manager.PromoteSignal(ctx, queued.ID)
	if !errors.Is(err, apperrors.ErrSlotDenied) {
		t.Fatalf("expected ErrSlotDenied, got %v", err)
	}
	s, _ := f.queue.GetSignal(ctx, queued.ID)
	if s.Status != core.SignalStatusQueued {
		t.Errorf("expected signal still queued after denial, got %s", s.Status)
	}
}

func TestRemoveSignal(t *testing.T) {
	f := newManagerFixture(t)
	ctx := context.Background()

	queued, _ := f.manager.Enqueue(ctx, f.signal("BTC/USDT", 45000), false)

	if err := f.manager.RemoveSignal(ctx, queued.ID); err != nil {
		t.Fatalf("RemoveSignal failed: %v", err)
	}
	s, _ := f.queue.GetSignal(ctx, queued.ID)
	if s.Status != core.SignalStatusCancelled {
		t.Fatalf("expected signal cancelled, got %s", s.Status)
	}

	// Removing it again is a no-op; an unknown id is an error.
	if err := f.manager.RemoveSignal(ctx, queued.ID); err != nil {
		t.Fatalf("repeat RemoveSignal failed: %v", err)
	}
	if err := f.manager.RemoveSignal(ctx, uuid.New()); !errors.Is(err, apperrors.ErrSignalNotFound) {
		t.Errorf("expected ErrSignalNotFound, got %v", err)
	}
}

// A queued signal whose configuration was deleted is cancelled so it cannot
// block lower-priority waiters forever.
func TestPromoteCycleCancelsOrphanedSignal(t *testing.T) {
	f := newManagerFixture(t)
	ctx := context.Background()
	// No configuration installed.

	orphan, _ := f.manager.Enqueue(ctx, f.signal("BTC/USDT", 45000), false)

	if err := f.manager.PromoteCycle(ctx); err != nil {
		t.Fatalf("PromoteCycle failed: %v", err)
	}

	s, _ := f.queue.GetSignal(ctx, orphan.ID)
	if s.Status != core.SignalStatusCancelled {
		t.Fatalf("expected orphaned signal cancelled, got %s", s.Status)
	}
}
