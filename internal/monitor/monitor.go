// Package monitor reconciles local order state with the venues. On every
// tick it activates trigger-pending legs whose price has arrived, pulls fill
// state for working legs, arms and polls take-profit children per the
// group's mode, and retires groups whose exposure has fully realized. The
// loop runs on the elected leader only.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"dca_engine/internal/coordination"
	"dca_engine/internal/core"
	"dca_engine/pkg/concurrency"
	apperrors "dca_engine/pkg/errors"
	"dca_engine/pkg/mathutil"
	"dca_engine/pkg/telemetry"
)

const (
	defaultMonitorInterval = time.Second
	cycleTimeout           = 60 * time.Second
)

// FillListener is told, once per cycle, which users had fill activity so
// risk timers can react immediately instead of waiting for their own
// schedule.
type FillListener interface {
	OnFill(ctx context.Context, userID uuid.UUID)
}

// Monitor drives the per-user reconciliation loop. Legs of one group are
// checked concurrently on a bounded pool; groups and users are walked
// sequentially so one user's venue trouble cannot starve another's cycle
// beyond its own slice.
type Monitor struct {
	groups    core.IGroupStore
	configs   core.IConfigStore
	orders    core.IOrderService
	provider  core.IExchangeProvider
	tickers   *coordination.TickerCache
	precision *coordination.PrecisionCache
	closer    core.IPositionCloser
	fills     FillListener
	pulse     core.IHeartbeat
	logger    core.ILogger
	metrics   *telemetry.MetricsHolder
	tracer    trace.Tracer

	workers  *concurrency.WorkerPool
	interval time.Duration
	isLeader func() bool
}

// NewMonitor wires the reconciliation loop. A non-positive interval falls
// back to the default; fills and pulse may be nil when fill notification or
// liveness reporting is not wanted (tests).
func NewMonitor(
	groups core.IGroupStore,
	configs core.IConfigStore,
	orders core.IOrderService,
	provider core.IExchangeProvider,
	tickers *coordination.TickerCache,
	precision *coordination.PrecisionCache,
	closer core.IPositionCloser,
	fills FillListener,
	pulse core.IHeartbeat,
	logger core.ILogger,
	maxWorkers int,
	interval time.Duration,
	isLeader func() bool,
) *Monitor {
	if interval <= 0 {
		interval = defaultMonitorInterval
	}
	if isLeader == nil {
		isLeader = func() bool { return true }
	}
	componentLogger := logger.WithField("component", "order_monitor")
	return &Monitor{
		groups:    groups,
		configs:   configs,
		orders:    orders,
		provider:  provider,
		tickers:   tickers,
		precision: precision,
		closer:    closer,
		fills:     fills,
		pulse:     pulse,
		logger:    componentLogger,
		metrics:   telemetry.GetGlobalMetrics(),
		tracer:    telemetry.GetTracer("order-monitor"),
		workers: concurrency.NewWorkerPool(concurrency.PoolConfig{
			Name:       "order-monitor",
			MaxWorkers: maxWorkers,
		}, logger),
		interval: interval,
		isLeader: isLeader,
	}
}

// Run drives the reconciliation loop until ctx is cancelled. Followers idle
// on the ticker; only the leader reconciles.
func (m *Monitor) Run(ctx context.Context) error {
	m.logger.Info("Order monitor started", "interval", m.interval)
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.workers.Stop()
			m.logger.Info("Order monitor stopped")
			return nil
		case <-ticker.C:
			if !m.isLeader() {
				continue
			}
			cycleCtx, cancel := context.WithTimeout(ctx, cycleTimeout)
			if err := m.Cycle(cycleCtx); err != nil {
				m.logger.Error("Monitor cycle failed", "error", err)
			}
			cancel()
		}
	}
}

// Cycle performs one reconciliation pass over every user holding active
// groups.
func (m *Monitor) Cycle(ctx context.Context) error {
	start := time.Now()
	ctx, span := m.tracer.Start(ctx, "MonitorCycle")
	defer span.End()

	if m.pulse != nil {
		if err := m.pulse.Beat(ctx, "order_monitor"); err != nil {
			m.logger.Warn("Heartbeat failed", "error", err)
		}
	}

	users, err := m.groups.ListUsersWithActiveGroups(ctx)
	if err != nil {
		return fmt.Errorf("failed to list users with active groups: %w", err)
	}
	span.SetAttributes(attribute.Int("users", len(users)))

	// One user's failure never blocks another's reconciliation.
	for _, userID := range users {
		if err := m.monitorUser(ctx, userID); err != nil {
			m.logger.Error("User reconciliation failed",
				"user_id", userID,
				"error", err)
		}
	}

	m.metrics.ObserveMonitorCycle(ctx, time.Since(start).Seconds())
	return nil
}

// monitorUser walks the user's active groups with one ticker fetch per
// exchange. Groups mid-close are left to the closer.
func (m *Monitor) monitorUser(ctx context.Context, userID uuid.UUID) error {
	groups, err := m.groups.ListActiveGroupsByUser(ctx, userID)
	if err != nil {
		return fmt.Errorf("failed to list active groups: %w", err)
	}
	m.metrics.SetActiveGroups(userID.String(), int64(len(groups)))

	books := make(map[string]map[string]core.Ticker)
	hadFills := false
	for _, group := range groups {
		if group.Status == core.GroupStatusClosing {
			continue
		}
		price, ok := m.lastPrice(ctx, group, books)
		if !ok {
			continue
		}
		filled, err := m.monitorGroup(ctx, group, price)
		if err != nil {
			m.logger.Error("Group reconciliation failed",
				"group_id", group.ID,
				"symbol", group.Symbol,
				"error", err)
			continue
		}
		hadFills = hadFills || filled
	}

	if hadFills && m.fills != nil {
		m.fills.OnFill(ctx, userID)
	}
	return nil
}

func (m *Monitor) lastPrice(ctx context.Context, group *core.PositionGroup, books map[string]map[string]core.Ticker) (price decimal.Decimal, ok bool) {
	book, cached := books[group.Exchange]
	if !cached {
		ex, err := m.provider.ConnectorFor(ctx, group.UserID, group.Exchange)
		if err != nil {
			m.logger.Warn("No connector for group",
				"group_id", group.ID,
				"exchange", group.Exchange,
				"error", err)
			return price, false
		}
		book, err = m.tickers.Tickers(ctx, ex)
		if err != nil {
			m.logger.Warn("Ticker fetch failed",
				"exchange", group.Exchange,
				"error", err)
			return price, false
		}
		books[group.Exchange] = book
	}
	ticker, found := book[group.Symbol]
	if !found {
		m.logger.Warn("No ticker for symbol",
			"symbol", group.Symbol,
			"exchange", group.Exchange)
		return price, false
	}
	return ticker.Last, true
}

// monitorGroup runs one pass over a group: the legs concurrently, then the
// pyramid children and the lifecycle settle sequentially on the group's
// post-fill state.
func (m *Monitor) monitorGroup(ctx context.Context, group *core.PositionGroup, price decimal.Decimal) (bool, error) {
	cfg, err := m.configs.GetDCAConfig(ctx, group.UserID, group.Symbol, group.Timeframe, group.Exchange)
	if err != nil {
		if !errors.Is(err, apperrors.ErrConfigNotFound) {
			return false, fmt.Errorf("failed to load configuration: %w", err)
		}
		// Configuration deleted under a running position. Legs keep their
		// materialized prices; config-driven behavior stops.
		m.logger.Debug("No configuration for running group",
			"group_id", group.ID,
			"symbol", group.Symbol)
		cfg = nil
	}

	legs, err := m.groups.ListOrdersByGroup(ctx, group.ID)
	if err != nil {
		return false, fmt.Errorf("failed to list group orders: %w", err)
	}

	var (
		mu       sync.Mutex
		fills    []*core.FillOutcome
		hadFills bool
	)
	record := func(outcome *core.FillOutcome) {
		if outcome == nil {
			return
		}
		mu.Lock()
		defer mu.Unlock()
		fills = append(fills, outcome)
		if outcome.FillDelta.IsPositive() || outcome.StatusChanged {
			hadFills = true
		}
	}

	var wg sync.WaitGroup
	for _, leg := range legs {
		leg := leg
		wg.Add(1)
		if err := m.workers.Submit(func() {
			defer wg.Done()
			if err := m.checkLeg(ctx, group, cfg, leg, price, record); err != nil {
				m.logger.Warn("Leg check failed",
					"group_id", group.ID,
					"order_id", leg.ID,
					"leg_index", leg.LegIndex,
					"error", err)
			}
		}); err != nil {
			wg.Done()
			m.logger.Warn("Worker pool rejected leg check",
				"order_id", leg.ID,
				"error", err)
		}
	}
	wg.Wait()

	if group.TPMode == core.TPModePyramidAggregate {
		if err := m.managePyramidTPs(ctx, group, cfg, fills); err != nil {
			m.logger.Warn("Pyramid take-profit maintenance failed",
				"group_id", group.ID,
				"error", err)
		}
	}

	if err := m.settle(ctx, group, cfg, price); err != nil {
		return hadFills, err
	}
	return hadFills, nil
}

// checkLeg advances one leg. Waiting legs watch for their trigger, working
// legs are refreshed against the venue, and filled legs only need their
// take-profit child polled.
func (m *Monitor) checkLeg(ctx context.Context, group *core.PositionGroup, cfg *core.DCAConfiguration, leg *core.DCAOrder, price decimal.Decimal, record func(*core.FillOutcome)) error {
	switch leg.Status {
	case core.OrderStatusTriggerPending:
		return m.activateTrigger(ctx, group, cfg, leg, price)

	case core.OrderStatusPending:
		if leg.ExchangeOrderID == "" {
			// Row exists but the venue never saw it: a crash sits between
			// insert (or trigger activation) and submit. Submitting
			// converges; the client order id keeps it idempotent.
			return m.orders.Submit(ctx, leg)
		}
		return m.refreshLeg(ctx, group, leg, record)

	case core.OrderStatusOpen, core.OrderStatusPartiallyFilled:
		return m.refreshLeg(ctx, group, leg, record)

	case core.OrderStatusFilled:
		return m.pollLegTakeProfit(ctx, group, leg)
	}
	return nil
}

// activateTrigger submits a waiting market leg once price comes to it, or
// cancels it when its level sits further from the group's average entry than
// the configured band allows.
func (m *Monitor) activateTrigger(ctx context.Context, group *core.PositionGroup, cfg *core.DCAConfiguration, leg *core.DCAOrder, price decimal.Decimal) error {
	if cfg != nil && cfg.CancelDCABeyondPercent.IsPositive() && group.WeightedAvgEntry.IsPositive() {
		distance := mathutil.PercentDistance(group.WeightedAvgEntry, leg.Price).Abs()
		if distance.GreaterThan(cfg.CancelDCABeyondPercent) {
			m.logger.Info("Cancelling runaway DCA leg",
				"group_id", group.ID,
				"leg_index", leg.LegIndex,
				"leg_price", leg.Price,
				"avg_entry", group.WeightedAvgEntry,
				"distance_percent", distance)
			return m.orders.Cancel(ctx, leg)
		}
	}

	reached := price.LessThanOrEqual(leg.Price)
	if group.Side == core.SideShort {
		reached = price.GreaterThanOrEqual(leg.Price)
	}
	if !reached {
		return nil
	}

	if err := m.groups.UpdateOrderStatus(ctx, leg.ID, core.OrderStatusPending); err != nil {
		return err
	}
	leg.Status = core.OrderStatusPending
	m.logger.Info("DCA trigger reached",
		"group_id", group.ID,
		"leg_index", leg.LegIndex,
		"leg_price", leg.Price,
		"price", price)
	return m.orders.Submit(ctx, leg)
}

// refreshLeg pulls venue state into the leg and arms its take-profit child
// the moment it completes, for modes that hold one child per leg.
func (m *Monitor) refreshLeg(ctx context.Context, group *core.PositionGroup, leg *core.DCAOrder, record func(*core.FillOutcome)) error {
	outcome, err := m.orders.Refresh(ctx, leg)
	if err != nil {
		return err
	}
	record(outcome)

	if outcome.FillDelta.IsPositive() {
		m.logger.Info("Entry fill applied",
			"group_id", group.ID,
			"leg_index", leg.LegIndex,
			"fill_delta", outcome.FillDelta,
			"status", leg.Status)
	}

	if group.TPMode == core.TPModePerLeg || group.TPMode == core.TPModeHybrid {
		return m.armLegTakeProfit(ctx, leg)
	}
	return nil
}

// settle re-reads the group after the leg pass and drives whatever the
// cycle's fills unlocked: the unrealized mark, the aggregate exit, and the
// final transition to closed once nothing is left working.
func (m *Monitor) settle(ctx context.Context, group *core.PositionGroup, cfg *core.DCAConfiguration, price decimal.Decimal) error {
	fresh, err := m.groups.GetGroup(ctx, group.ID)
	if err != nil {
		return err
	}
	if fresh.Terminal() || fresh.Status == core.GroupStatusClosing {
		return nil
	}

	legs, err := m.groups.ListOrdersByGroup(ctx, fresh.ID)
	if err != nil {
		return err
	}

	m.markUnrealized(ctx, fresh, price)

	working := 0
	for _, leg := range legs {
		if !leg.Terminal() {
			working++
		}
	}

	// The basket exit only arms once the grid has stopped working: entries
	// still waiting for fills would otherwise re-open exposure the close
	// already settled.
	if working == 0 && cfg != nil &&
		(fresh.TPMode == core.TPModeAggregate || fresh.TPMode == core.TPModeHybrid) {
		closed, err := m.evaluateAggregate(ctx, fresh, cfg, price)
		if err != nil || closed {
			return err
		}
	}

	if working == 0 && !fresh.HasExposure() {
		return m.finishGroup(ctx, fresh, legs)
	}
	return nil
}

// markUnrealized persists the group's mark-to-market so risk selection and
// status surfaces read current numbers.
func (m *Monitor) markUnrealized(ctx context.Context, group *core.PositionGroup, price decimal.Decimal) {
	if !group.HasExposure() || !group.WeightedAvgEntry.IsPositive() {
		return
	}
	isLong := group.Side == core.SideLong
	pnlUSD := mathutil.UnrealizedPnL(group.WeightedAvgEntry, price, group.TotalFilledQuantity, isLong)
	pnlPercent := mathutil.PercentDistance(group.WeightedAvgEntry, price)
	if !isLong {
		pnlPercent = pnlPercent.Neg()
	}
	if err := m.groups.UpdateGroupUnrealized(ctx, group.ID, pnlUSD, pnlPercent); err != nil {
		m.logger.Warn("Failed to persist unrealized PnL",
			"group_id", group.ID,
			"error", err)
		return
	}
	group.UnrealizedPnLUSD = pnlUSD
	group.UnrealizedPnLPercent = pnlPercent
}

// finishGroup retires a group whose legs are all terminal and whose exposure
// has fully realized. The shared close path has nothing left to cancel or
// market-close here; going through it keeps slot release and alerting in one
// place.
func (m *Monitor) finishGroup(ctx context.Context, group *core.PositionGroup, legs []*core.DCAOrder) error {
	reason := "no_fills"
	for _, leg := range legs {
		if leg.TPHit {
			reason = "tp_complete"
			break
		}
	}
	if group.TPMode == core.TPModePyramidAggregate && group.FilledDCALegs > 0 {
		reason = "tp_complete"
	}
	m.logger.Info("Group fully resolved",
		"group_id", group.ID,
		"symbol", group.Symbol,
		"reason", reason)
	return m.closer.CloseGroup(ctx, group, reason)
}
