package queue

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"dca_engine/internal/coordination"
	"dca_engine/internal/core"
	"dca_engine/internal/risk"
	apperrors "dca_engine/pkg/errors"
	"dca_engine/pkg/mathutil"
	"dca_engine/pkg/telemetry"
)

const (
	defaultPromotionInterval = 10 * time.Second
	cycleTimeout             = 60 * time.Second
)

// Manager owns the signal queue. Enqueue stores or replaces signals that
// were denied an execution slot; Run promotes the highest-priority waiter
// per user once capacity frees up. Promotion runs on the elected leader
// only.
type Manager struct {
	queue    core.IQueueStore
	groups   core.IGroupStore
	configs  core.IConfigStore
	slots    core.ISlotManager
	pretrade core.IPreTradeChecker
	creator  core.IPositionCreator
	provider core.IExchangeProvider
	tickers  *coordination.TickerCache
	pulse    core.IHeartbeat
	logger   core.ILogger
	metrics  *telemetry.MetricsHolder
	tracer   trace.Tracer

	interval time.Duration
	isLeader func() bool
}

// NewManager wires the promotion pipeline. A non-positive interval falls
// back to the default; pulse may be nil when liveness reporting is not
// wanted (tests).
func NewManager(
	queue core.IQueueStore,
	groups core.IGroupStore,
	configs core.IConfigStore,
	slots core.ISlotManager,
	pretrade core.IPreTradeChecker,
	creator core.IPositionCreator,
	provider core.IExchangeProvider,
	tickers *coordination.TickerCache,
	pulse core.IHeartbeat,
	logger core.ILogger,
	interval time.Duration,
	isLeader func() bool,
) *Manager {
	if interval <= 0 {
		interval = defaultPromotionInterval
	}
	if isLeader == nil {
		isLeader = func() bool { return true }
	}
	return &Manager{
		queue:    queue,
		groups:   groups,
		configs:  configs,
		slots:    slots,
		pretrade: pretrade,
		creator:  creator,
		provider: provider,
		tickers:  tickers,
		pulse:    pulse,
		logger:   logger.WithField("component", "queue_manager"),
		metrics:  telemetry.GetGlobalMetrics(),
		tracer:   telemetry.GetTracer("queue-manager"),
		interval: interval,
		isLeader: isLeader,
	}
}

// Enqueue stores a signal that could not get a slot. An existing queued row
// for the same (user, symbol, timeframe, side) is replaced in place: latest
// price, same queue position.
func (m *Manager) Enqueue(ctx context.Context, payload *core.SignalPayload, isPyramidContinuation bool) (*core.QueuedSignal, error) {
	signal := &core.QueuedSignal{
		UserID:                payload.UserID,
		Exchange:              payload.TV.Exchange,
		Symbol:                payload.TV.Symbol,
		Timeframe:             payload.TV.Timeframe,
		Side:                  payload.PositionSide(),
		Status:                core.SignalStatusQueued,
		EntryPrice:            payload.TV.EntryPrice,
		Payload:               *payload,
		IsPyramidContinuation: isPyramidContinuation,
	}

	stored, err := m.queue.Upsert(ctx, signal)
	if err != nil {
		return nil, fmt.Errorf("failed to enqueue signal: %w", err)
	}

	m.metrics.IncSignalsQueued(ctx)
	if stored.ReplacementCount > 0 {
		m.logger.Info("Queued signal replaced",
			"signal_id", stored.ID,
			"user_id", stored.UserID,
			"symbol", stored.Symbol,
			"replacements", stored.ReplacementCount)
	} else {
		m.logger.Info("Signal queued",
			"signal_id", stored.ID,
			"user_id", stored.UserID,
			"symbol", stored.Symbol,
			"side", stored.Side)
	}
	return stored, nil
}

// Run drives the promotion loop until ctx is cancelled. Followers idle on
// the ticker; only the leader promotes.
func (m *Manager) Run(ctx context.Context) error {
	m.logger.Info("Queue promotion loop started", "interval", m.interval)
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("Queue promotion loop stopped")
			return nil
		case <-ticker.C:
			if !m.isLeader() {
				continue
			}
			cycleCtx, cancel := context.WithTimeout(ctx, cycleTimeout)
			if err := m.PromoteCycle(cycleCtx); err != nil {
				m.logger.Error("Promotion cycle failed", "error", err)
			}
			cancel()
		}
	}
}

// PromoteCycle performs one promotion pass over every queued signal.
func (m *Manager) PromoteCycle(ctx context.Context) error {
	ctx, span := m.tracer.Start(ctx, "PromoteCycle")
	defer span.End()

	if m.pulse != nil {
		if err := m.pulse.Beat(ctx, "queue_promoter"); err != nil {
			m.logger.Warn("Heartbeat failed", "error", err)
		}
	}

	signals, err := m.queue.ListQueued(ctx)
	if err != nil {
		return fmt.Errorf("failed to load queued signals: %w", err)
	}
	if len(signals) == 0 {
		return nil
	}
	span.SetAttributes(attribute.Int("queued", len(signals)))

	byUser := make(map[uuid.UUID][]*core.QueuedSignal)
	for _, signal := range signals {
		byUser[signal.UserID] = append(byUser[signal.UserID], signal)
	}

	// One user's failure never blocks another's promotion.
	for userID, userSignals := range byUser {
		m.metrics.SetQueueDepth(userID.String(), int64(len(userSignals)))
		if err := m.promoteForUser(ctx, userID, userSignals); err != nil {
			m.logger.Error("Promotion failed",
				"user_id", userID,
				"error", err)
		}
	}
	return nil
}

// promoteForUser rescores the user's waiters, commits the scores and then
// tries to promote exactly the top one. A denial anywhere stops the user's
// cycle: lower-priority waiters never slip past a denied leader.
func (m *Manager) promoteForUser(ctx context.Context, userID uuid.UUID, signals []*core.QueuedSignal) error {
	riskCfg, err := m.configs.GetRiskConfig(ctx, userID)
	if err != nil {
		return fmt.Errorf("failed to load risk config: %w", err)
	}
	m.slots.Configure(userID, riskCfg.MaxSlots, riskCfg.SamePairTimeframeBypass)

	// Priority updates are committed before any slot request so the stored
	// scores always explain which signal was picked.
	books := make(map[string]map[string]core.Ticker)
	now := time.Now()
	for _, signal := range signals {
		m.refresh(ctx, signal, books, now)
		if err := m.queue.UpdatePriority(ctx, signal.ID, signal.CurrentLossPercent, signal.PriorityScore, signal.IsPyramidContinuation); err != nil {
			m.logger.Warn("Failed to persist priority",
				"signal_id", signal.ID,
				"error", err)
		}
	}

	sort.Slice(signals, func(i, j int) bool {
		return signals[i].PriorityScore.GreaterThan(signals[j].PriorityScore)
	})
	top := signals[0]

	cfg, err := m.configs.GetDCAConfig(ctx, userID, top.Symbol, top.Timeframe, top.Exchange)
	if err != nil {
		// The configuration vanished while the signal waited. Cancel it
		// rather than let it block every lower-priority waiter forever.
		m.logger.Warn("Cancelling queued signal without configuration",
			"signal_id", top.ID,
			"symbol", top.Symbol,
			"error", err)
		return m.queue.CancelSignal(ctx, top.ID)
	}

	allocation := riskCfg.DefaultAllocationUSD
	if ex, err := m.provider.ConnectorFor(ctx, userID, top.Exchange); err == nil {
		allocation = risk.ResolveAllocation(ctx, ex, riskCfg, top.Symbol, m.logger)
	} else {
		m.logger.Warn("No connector for promotion, using default allocation",
			"signal_id", top.ID,
			"exchange", top.Exchange,
			"error", err)
	}

	if err := m.pretrade.Check(ctx, userID, top.Symbol, allocation, top.IsPyramidContinuation); err != nil {
		m.logger.Debug("Promotion denied by risk checks",
			"signal_id", top.ID,
			"user_id", userID,
			"reason", err)
		return nil
	}

	if !m.slots.Acquire(userID, top.IsPyramidContinuation) {
		return nil
	}
	slotConsumed := !(top.IsPyramidContinuation && riskCfg.SamePairTimeframeBypass)

	promoted, err := m.queue.MarkPromoted(ctx, top.ID)
	if err != nil || !promoted {
		if slotConsumed {
			m.slots.Release(userID)
		}
		return err
	}

	m.metrics.IncSignalsPromoted(ctx)
	m.logger.Info("Signal promoted",
		"signal_id", top.ID,
		"user_id", userID,
		"symbol", top.Symbol,
		"score", top.PriorityScore,
		"pyramid", top.IsPyramidContinuation)

	if err := m.dispatch(ctx, top, cfg, allocation); err != nil {
		if slotConsumed {
			m.slots.Release(userID)
		}
		return fmt.Errorf("failed to execute promoted signal %s: %w", top.ID, err)
	}
	return nil
}

// PromoteSignal promotes one specific queued signal ahead of the priority
// order. The pre-trade and slot gates still apply; a denial is returned to
// the caller instead of being swallowed. Promoting a signal that already
// left the queue is a no-op.
func (m *Manager) PromoteSignal(ctx context.Context, signalID uuid.UUID) error {
	signal, err := m.queue.GetSignal(ctx, signalID)
	if err != nil {
		return err
	}
	if signal.Status != core.SignalStatusQueued {
		m.logger.Info("Promote skipped, signal no longer queued",
			"signal_id", signalID,
			"status", signal.Status)
		return nil
	}

	riskCfg, err := m.configs.GetRiskConfig(ctx, signal.UserID)
	if err != nil {
		return fmt.Errorf("failed to load risk config: %w", err)
	}
	m.slots.Configure(signal.UserID, riskCfg.MaxSlots, riskCfg.SamePairTimeframeBypass)

	cfg, err := m.configs.GetDCAConfig(ctx, signal.UserID, signal.Symbol, signal.Timeframe, signal.Exchange)
	if err != nil {
		return fmt.Errorf("no configuration for %s %s: %w", signal.Symbol, signal.Timeframe, err)
	}

	// Re-detect continuation: the group may have opened or closed while the
	// signal waited.
	group, err := m.groups.FindActiveGroup(ctx, signal.UserID, signal.Exchange, signal.Symbol, signal.Timeframe, signal.Side)
	if err != nil && !errors.Is(err, apperrors.ErrPositionNotFound) {
		return err
	}
	signal.IsPyramidContinuation = group != nil

	allocation := riskCfg.DefaultAllocationUSD
	if ex, err := m.provider.ConnectorFor(ctx, signal.UserID, signal.Exchange); err == nil {
		allocation = risk.ResolveAllocation(ctx, ex, riskCfg, signal.Symbol, m.logger)
	}

	if err := m.pretrade.Check(ctx, signal.UserID, signal.Symbol, allocation, signal.IsPyramidContinuation); err != nil {
		return err
	}
	if !m.slots.Acquire(signal.UserID, signal.IsPyramidContinuation) {
		return apperrors.ErrSlotDenied
	}
	slotConsumed := !(signal.IsPyramidContinuation && riskCfg.SamePairTimeframeBypass)

	promoted, err := m.queue.MarkPromoted(ctx, signal.ID)
	if err != nil || !promoted {
		if slotConsumed {
			m.slots.Release(signal.UserID)
		}
		return err
	}

	m.metrics.IncSignalsPromoted(ctx)
	m.logger.Info("Signal promoted by operator",
		"signal_id", signal.ID,
		"user_id", signal.UserID,
		"symbol", signal.Symbol,
		"pyramid", signal.IsPyramidContinuation)

	if err := m.dispatch(ctx, signal, cfg, allocation); err != nil {
		if slotConsumed {
			m.slots.Release(signal.UserID)
		}
		return fmt.Errorf("failed to execute promoted signal %s: %w", signal.ID, err)
	}
	return nil
}

// RemoveSignal cancels one queued signal. Removing a signal that already
// left the queue is a no-op.
func (m *Manager) RemoveSignal(ctx context.Context, signalID uuid.UUID) error {
	signal, err := m.queue.GetSignal(ctx, signalID)
	if err != nil {
		return err
	}
	if signal.Status != core.SignalStatusQueued {
		return nil
	}
	if err := m.queue.CancelSignal(ctx, signalID); err != nil && !errors.Is(err, apperrors.ErrSignalNotFound) {
		return err
	}
	m.logger.Info("Queued signal removed",
		"signal_id", signalID,
		"user_id", signal.UserID,
		"symbol", signal.Symbol)
	return nil
}

// refresh recomputes loss percent, pyramid detection and score for one
// signal. Ticker books are fetched once per exchange and reused across the
// user's signals.
func (m *Manager) refresh(ctx context.Context, signal *core.QueuedSignal, books map[string]map[string]core.Ticker, now time.Time) {
	group, err := m.groups.FindActiveGroup(ctx, signal.UserID, signal.Exchange, signal.Symbol, signal.Timeframe, signal.Side)
	if err != nil && !errors.Is(err, apperrors.ErrPositionNotFound) {
		m.logger.Warn("Active-group lookup failed during scoring",
			"signal_id", signal.ID,
			"error", err)
	}
	signal.IsPyramidContinuation = group != nil

	if price, ok := m.lastPrice(ctx, signal, books); ok && !signal.EntryPrice.IsZero() {
		move := mathutil.PercentDistance(signal.EntryPrice, price)
		if signal.Side == core.SideShort {
			move = move.Neg()
		}
		signal.CurrentLossPercent = move
	}
	signal.PriorityScore = Score(signal, now)
}

func (m *Manager) lastPrice(ctx context.Context, signal *core.QueuedSignal, books map[string]map[string]core.Ticker) (price decimal.Decimal, ok bool) {
	book, cached := books[signal.Exchange]
	if !cached {
		ex, err := m.provider.ConnectorFor(ctx, signal.UserID, signal.Exchange)
		if err != nil {
			m.logger.Warn("No connector for queued signal",
				"signal_id", signal.ID,
				"exchange", signal.Exchange,
				"error", err)
			return price, false
		}
		book, err = m.tickers.Tickers(ctx, ex)
		if err != nil {
			m.logger.Warn("Ticker fetch failed during scoring",
				"exchange", signal.Exchange,
				"error", err)
			return price, false
		}
		books[signal.Exchange] = book
	}
	ticker, found := book[signal.Symbol]
	if !found {
		return price, false
	}
	return ticker.Last, true
}

// dispatch hands a promoted signal to the position creator. A continuation
// whose group closed while it waited falls back to a fresh entry.
func (m *Manager) dispatch(ctx context.Context, top *core.QueuedSignal, cfg *core.DCAConfiguration, allocation decimal.Decimal) error {
	payload := top.Payload
	if top.IsPyramidContinuation {
		group, err := m.groups.FindActiveGroup(ctx, top.UserID, top.Exchange, top.Symbol, top.Timeframe, top.Side)
		if err == nil && group != nil {
			_, err = m.creator.ContinuePyramid(ctx, group, &payload, cfg, allocation)
			return err
		}
		if err != nil && !errors.Is(err, apperrors.ErrPositionNotFound) {
			return err
		}
	}
	_, err := m.creator.CreateFromSignal(ctx, &payload, cfg, allocation)
	return err
}
