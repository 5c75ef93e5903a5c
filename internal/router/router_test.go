package router

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
	"dca_engine/internal/queue"
	"dca_engine/internal/risk"
	"dca_engine/internal/storage"
	apperrors "dca_engine/pkg/errors"
	"dca_engine/pkg/logging"
)

type routerFixture struct {
	router  *Router
	groups  *mock.MockGroupStore
	configs *mock.MockConfigStore
	queued  *mock.MockQueueStore
	pool    *execution.Pool
	locker  *mock.MockLocker
	venue   *exmock.Exchange
	userID  uuid.UUID
}

func newRouterFixture(t *testing.T) *routerFixture {
	t.Helper()

	venue := exmock.New("mock")
	provider := mock.NewMockExchangeProvider()
	provider.Register("mock", venue)

	groups := mock.NewMockGroupStore()
	configs := mock.NewMockConfigStore()
	queueStore := mock.NewMockQueueStore()
	locker := mock.NewMockLocker()
	logger, _ := logging.NewZapLogger("INFO")

	orders := order.NewService(groups, provider, map[string]config.ExchangeConfig{
		"mock": {OrdersPerSecond: 10000, OrdersBurst: 10000},
	}, logger)
	cache := mock.NewMockCache()
	precision := coordination.NewPrecisionCache(cache, logger)
	tickers := coordination.NewTickerCache(cache, logger)
	alerter := mock.NewMockAlerter()
	creator := position.NewCreator(groups, orders, provider, precision, alerter, logger)
	pool := execution.NewPool(logger)
	closer := position.NewCloser(groups, orders, pool, alerter, logger)
	checker := risk.NewChecker(groups, configs, logger)
	manager := queue.NewManager(queueStore, groups, configs, pool, checker, creator, provider,
		tickers, mock.NewMockHeartbeat(), logger, time.Second, nil)

	return &routerFixture{
		router: NewRouter(configs, groups, provider, precision, pool, checker,
			creator, closer, manager, locker, logger),
		groups:  groups,
		configs: configs,
		queued:  queueStore,
		pool:    pool,
		locker:  locker,
		venue:   venue,
		userID:  uuid.New(),
	}
}

func (f *routerFixture) signal(symbol string, entry float64) *core.SignalPayload {
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

func (f *routerFixture) exit(symbol string) *core.SignalPayload {
	return &core.SignalPayload{
		UserID: f.userID,
		TV: core.TVSignal{
			Exchange:  "mock",
			Symbol:    symbol,
			Timeframe: "1h",
			Action:    core.OrderSideSell,
		},
		Intent: core.ExecutionIntent{Type: core.IntentExit},
	}
}

func (f *routerFixture) installConfig() {
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

func (f *routerFixture) setRisk(t *testing.T, mutate func(*core.RiskConfig)) {
	t.Helper()
	cfg := storage.DefaultRiskConfig(f.userID)
	mutate(cfg)
	if err := f.configs.SaveRiskConfig(context.Background(), cfg); err != nil {
		t.Fatalf("SaveRiskConfig failed: %v", err)
	}
}

func TestRouteRejectsWithoutConfiguration(t *testing.T) {
	f := newRouterFixture(t)

	result, err := f.router.Route(context.Background(), f.signal("BTC/USDT", 45000))
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if result.Outcome != core.RouteRejected || result.Reason != "no_configuration" {
		t.Fatalf("expected rejected:no_configuration, got %s:%s", result.Outcome, result.Reason)
	}
	if f.venue.OrderCount() != 0 {
		t.Error("nothing should reach the venue")
	}
}

func TestRouteAcceptsNewEntry(t *testing.T) {
	f := newRouterFixture(t)
	f.installConfig()

	result, err := f.router.Route(context.Background(), f.signal("BTC/USDT", 45000))
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if result.Outcome != core.RouteAccepted {
		t.Fatalf("expected accepted, got %s:%s", result.Outcome, result.Reason)
	}

	group, err := f.groups.GetGroup(context.Background(), result.GroupID)
	if err != nil {
		t.Fatalf("GetGroup: %v", err)
	}
	if group.Status != core.GroupStatusLive {
		t.Errorf("group status %s, want live", group.Status)
	}
	if f.venue.OrderCount() != 3 {
		t.Errorf("venue orders %d, want 3", f.venue.OrderCount())
	}
	if f.pool.InUse(f.userID) != 1 {
		t.Errorf("slots in use %d, want 1", f.pool.InUse(f.userID))
	}
}

func TestRouteQueuesWhenSlotDenied(t *testing.T) {
	f := newRouterFixture(t)
	f.installConfig()
	f.setRisk(t, func(cfg *core.RiskConfig) { cfg.MaxSlots = 1 })

	f.pool.Configure(f.userID, 1, false)
	if !f.pool.Acquire(f.userID, false) {
		t.Fatal("setup: could not take the only slot")
	}

	result, err := f.router.Route(context.Background(), f.signal("BTC/USDT", 45000))
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if result.Outcome != core.RouteQueued {
		t.Fatalf("expected queued, got %s:%s", result.Outcome, result.Reason)
	}
	if result.SignalID == uuid.Nil {
		t.Error("expected the queued signal id in the result")
	}

	waiting, err := f.queued.ListQueuedByUser(context.Background(), f.userID)
	if err != nil {
		t.Fatalf("ListQueuedByUser: %v", err)
	}
	if len(waiting) != 1 {
		t.Fatalf("expected one queued signal, got %d", len(waiting))
	}
	if f.venue.OrderCount() != 0 {
		t.Error("nothing should reach the venue")
	}
}

func TestRouteExitClosesActiveGroup(t *testing.T) {
	f := newRouterFixture(t)
	f.installConfig()
	ctx := context.Background()

	entry, err := f.router.Route(ctx, f.signal("BTC/USDT", 45000))
	if err != nil || entry.Outcome != core.RouteAccepted {
		t.Fatalf("entry: %v %+v", err, entry)
	}

	result, err := f.router.Route(ctx, f.exit("BTC/USDT"))
	if err != nil {
		t.Fatalf("exit: %v", err)
	}
	if result.Outcome != core.RouteExited {
		t.Fatalf("expected exited, got %s:%s", result.Outcome, result.Reason)
	}
	if result.GroupID != entry.GroupID {
		t.Errorf("exit targeted group %s, want %s", result.GroupID, entry.GroupID)
	}

	group, _ := f.groups.GetGroup(ctx, entry.GroupID)
	if group.Status != core.GroupStatusClosed {
		t.Errorf("group status %s, want closed", group.Status)
	}
	if open := f.venue.OpenOrders("BTC/USDT"); len(open) != 0 {
		t.Errorf("expected all venue orders cancelled, %d still open", len(open))
	}
	if f.pool.InUse(f.userID) != 0 {
		t.Errorf("slot not released: in use %d", f.pool.InUse(f.userID))
	}
}

func TestRouteExitWithoutPosition(t *testing.T) {
	f := newRouterFixture(t)
	f.installConfig()

	result, err := f.router.Route(context.Background(), f.exit("BTC/USDT"))
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if result.Outcome != core.RouteNoActivePosition {
		t.Fatalf("expected no_active_position, got %s:%s", result.Outcome, result.Reason)
	}
}

// A second signal on a key whose group can still take pyramids extends the
// group instead of opening a new one, even though the per-symbol limit
// defaults to 1.
func TestRoutePyramidContinuation(t *testing.T) {
	f := newRouterFixture(t)
	f.installConfig()
	ctx := context.Background()

	entry, err := f.router.Route(ctx, f.signal("BTC/USDT", 45000))
	if err != nil || entry.Outcome != core.RouteAccepted {
		t.Fatalf("entry: %v %+v", err, entry)
	}

	result, err := f.router.Route(ctx, f.signal("BTC/USDT", 44000))
	if err != nil {
		t.Fatalf("pyramid: %v", err)
	}
	if result.Outcome != core.RouteAccepted {
		t.Fatalf("expected accepted, got %s:%s", result.Outcome, result.Reason)
	}
	if result.GroupID != entry.GroupID {
		t.Fatalf("continuation created group %s, want existing %s", result.GroupID, entry.GroupID)
	}

	group, _ := f.groups.GetGroup(ctx, entry.GroupID)
	if group.PyramidCount != 2 {
		t.Errorf("pyramid count %d, want 2", group.PyramidCount)
	}
}

// A group at the pyramid classification boundary routes as a new entry and
// collides with itself on the active-uniqueness index.
func TestRouteMaxedGroupRejectedAsDuplicate(t *testing.T) {
	f := newRouterFixture(t)
	f.installConfig()
	f.setRisk(t, func(cfg *core.RiskConfig) {
		cfg.MaxOpenPositionsGlobal = 0
		cfg.MaxOpenPositionsPerSymbol = 0
	})
	ctx := context.Background()

	group := &core.PositionGroup{
		UserID:       f.userID,
		Exchange:     "mock",
		Symbol:       "BTC/USDT",
		Timeframe:    "1h",
		Side:         core.SideLong,
		Status:       core.GroupStatusActive,
		PyramidCount: 4,
		MaxPyramids:  5,
		TPMode:       core.TPModePerLeg,
	}
	seed := &core.Pyramid{PyramidIndex: 3, Status: core.PyramidStatusFilled, BasePrice: decimal.NewFromInt(45000)}
	if err := f.groups.CreateGroupWithOrders(ctx, group, seed, nil); err != nil {
		t.Fatalf("seed group: %v", err)
	}

	result, err := f.router.Route(ctx, f.signal("BTC/USDT", 44000))
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if result.Outcome != core.RouteRejected || result.Reason != "already_active" {
		t.Fatalf("expected rejected:already_active, got %s:%s", result.Outcome, result.Reason)
	}
	if f.pool.InUse(f.userID) != 0 {
		t.Errorf("slot leaked on rejection: in use %d", f.pool.InUse(f.userID))
	}
}

func TestRouteConcurrentSignalDropped(t *testing.T) {
	f := newRouterFixture(t)
	f.installConfig()
	ctx := context.Background()

	payload := f.signal("BTC/USDT", 45000)
	if _, err := f.locker.SetIfAbsent(ctx, payload.EntryKey().LockKey(), "other-webhook", time.Minute); err != nil {
		t.Fatalf("setup lock: %v", err)
	}

	result, err := f.router.Route(ctx, payload)
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if result.Outcome != core.RouteRejected || result.Reason != "concurrent_signal" {
		t.Fatalf("expected rejected:concurrent_signal, got %s:%s", result.Outcome, result.Reason)
	}
	if f.venue.OrderCount() != 0 {
		t.Error("nothing should reach the venue")
	}
}

// Force-stop rejects outright instead of queueing: the stop action purged
// the user's queue and new signals must not refill it.
func TestRouteForceStoppedRejects(t *testing.T) {
	f := newRouterFixture(t)
	f.installConfig()
	f.setRisk(t, func(cfg *core.RiskConfig) { cfg.EngineForceStopped = true })

	result, err := f.router.Route(context.Background(), f.signal("BTC/USDT", 45000))
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if result.Outcome != core.RouteRejected || result.Reason != "engine_stopped" {
		t.Fatalf("expected rejected:engine_stopped, got %s:%s", result.Outcome, result.Reason)
	}
	waiting, _ := f.queued.ListQueuedByUser(context.Background(), f.userID)
	if len(waiting) != 0 {
		t.Errorf("force-stopped signal must not queue, found %d", len(waiting))
	}
}

// A paused engine parks signals instead of dropping them: promotion retries
// once the pause lifts.
func TestRoutePausedEngineQueues(t *testing.T) {
	f := newRouterFixture(t)
	f.installConfig()
	f.setRisk(t, func(cfg *core.RiskConfig) { cfg.EnginePausedByLossLimit = true })

	result, err := f.router.Route(context.Background(), f.signal("BTC/USDT", 45000))
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if result.Outcome != core.RouteQueued {
		t.Fatalf("expected queued, got %s:%s", result.Outcome, result.Reason)
	}
	if f.venue.OrderCount() != 0 {
		t.Error("nothing should reach the venue")
	}
}

func TestRouteUncoveredSymbolFailsClosed(t *testing.T) {
	f := newRouterFixture(t)
	f.installConfig()

	_, err := f.router.Route(context.Background(), f.signal("DOGE/USDT", 0.1))
	if !errors.Is(err, apperrors.ErrPrecisionUnavailable) {
		t.Fatalf("expected precision error, got %v", err)
	}
}
