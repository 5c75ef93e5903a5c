package monitor

import (
	"context"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"dca_engine/internal/core"
	"dca_engine/pkg/mathutil"
)

// armLegTakeProfit places the leg's own take-profit child exactly once, when
// the leg completes. Partial fills wait: the child covers the leg's full
// quantity and its deterministic client id cannot be reused after a cancel.
func (m *Monitor) armLegTakeProfit(ctx context.Context, leg *core.DCAOrder) error {
	if leg.Status != core.OrderStatusFilled || leg.TPOrderID != "" || leg.TPHit {
		return nil
	}
	if !leg.FilledQuantity.IsPositive() || !leg.TPPrice.IsPositive() {
		return nil
	}
	return m.orders.ArmTakeProfit(ctx, leg, leg.FilledQuantity)
}

// pollLegTakeProfit reconciles a filled leg's take-profit child. A filled
// child realizes the leg's profit and removes its quantity from the group;
// the group itself closes in settle once every leg has resolved.
func (m *Monitor) pollLegTakeProfit(ctx context.Context, group *core.PositionGroup, leg *core.DCAOrder) error {
	if leg.TPOrderID == "" || leg.TPHit {
		return nil
	}
	result, err := m.orders.GetExchangeOrder(ctx, group.UserID, group.Exchange, group.Symbol, leg.TPOrderID)
	if err != nil {
		return err
	}
	if result == nil || result.Status != core.OrderStatusFilled {
		return nil
	}

	exitPrice := result.AvgFillPrice
	if !exitPrice.IsPositive() {
		exitPrice = leg.TPPrice
	}
	entryPrice := leg.AvgFillPrice
	if !entryPrice.IsPositive() {
		entryPrice = leg.Price
	}
	realized := mathutil.UnrealizedPnL(entryPrice, exitPrice, leg.FilledQuantity, group.Side == core.SideLong)

	if err := m.groups.MarkOrderTPHit(ctx, leg.ID, realized); err != nil {
		return err
	}
	leg.TPHit = true
	m.metrics.AddPnLRealized(ctx, realized.InexactFloat64())
	m.logger.Info("Take-profit filled",
		"group_id", group.ID,
		"leg_index", leg.LegIndex,
		"exit_price", exitPrice,
		"realized_pnl_usd", realized)
	return nil
}

// evaluateAggregate fires the basket exit once price reaches the group's
// aggregate target, inclusive of the target itself. The close path cancels
// any still-open per-leg children first, so hybrid groups settle cleanly.
func (m *Monitor) evaluateAggregate(ctx context.Context, group *core.PositionGroup, cfg *core.DCAConfiguration, price decimal.Decimal) (bool, error) {
	if !group.HasExposure() || !group.WeightedAvgEntry.IsPositive() || !cfg.TPAggregatePercent.IsPositive() {
		return false, nil
	}

	tp := cfg.TPAggregatePercent
	isLong := group.Side == core.SideLong
	if !isLong {
		tp = tp.Neg()
	}
	target := mathutil.ApplyPercent(group.WeightedAvgEntry, tp)

	crossed := price.GreaterThanOrEqual(target)
	if !isLong {
		crossed = price.LessThanOrEqual(target)
	}
	if !crossed {
		return false, nil
	}

	m.logger.Info("Aggregate take-profit reached",
		"group_id", group.ID,
		"symbol", group.Symbol,
		"avg_entry", group.WeightedAvgEntry,
		"target", target,
		"price", price)
	if err := m.closer.CloseGroup(ctx, group, "tp_aggregate"); err != nil {
		return false, err
	}
	return true, nil
}

// managePyramidTPs keeps one aggregate child per pyramid honest: poll resting
// children for fills, and re-place any child whose pyramid took new quantity
// this cycle. Runs after the concurrent leg pass so the pyramid rows carry
// the post-fill average.
func (m *Monitor) managePyramidTPs(ctx context.Context, group *core.PositionGroup, cfg *core.DCAConfiguration, fills []*core.FillOutcome) error {
	pyramids, err := m.groups.ListPyramidsByGroup(ctx, group.ID)
	if err != nil {
		return err
	}

	grew := make(map[uuid.UUID]bool)
	for _, outcome := range fills {
		if outcome.Pyramid != nil && outcome.FillDelta.IsPositive() {
			grew[outcome.Pyramid.ID] = true
		}
	}

	var firstErr error
	for _, pyramid := range pyramids {
		if pyramid.Status == core.PyramidStatusClosed || pyramid.Status == core.PyramidStatusCancelled {
			continue
		}
		if err := m.managePyramidTP(ctx, group, cfg, pyramid, grew[pyramid.ID]); err != nil {
			m.logger.Warn("Pyramid take-profit check failed",
				"group_id", group.ID,
				"pyramid_index", pyramid.PyramidIndex,
				"error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func (m *Monitor) managePyramidTP(ctx context.Context, group *core.PositionGroup, cfg *core.DCAConfiguration, pyramid *core.Pyramid, grew bool) error {
	// A resting child may have filled since last cycle; that retires the
	// whole pyramid.
	if pyramid.TPOrderID != "" {
		result, err := m.orders.GetExchangeOrder(ctx, group.UserID, group.Exchange, group.Symbol, pyramid.TPOrderID)
		if err != nil {
			return err
		}
		if result != nil && result.Status == core.OrderStatusFilled {
			return m.closePyramidFromFill(ctx, group, pyramid, result)
		}
		if !grew {
			return nil
		}
	}

	if !pyramid.TotalFilledQuantity.IsPositive() || cfg == nil || !cfg.TPAggregatePercent.IsPositive() {
		return nil
	}

	// New quantity this cycle: replace the stale child with one covering the
	// pyramid's full exposure at the recomputed average.
	if pyramid.TPOrderID != "" {
		result, err := m.orders.CancelExchangeOrder(ctx, group.UserID, group.Exchange, group.Symbol, pyramid.TPOrderID)
		if err != nil {
			return err
		}
		// The cancel lost a race to the fill.
		if result != nil && result.Status == core.OrderStatusFilled {
			return m.closePyramidFromFill(ctx, group, pyramid, result)
		}
	}

	target, err := m.pyramidTarget(ctx, group, pyramid, cfg)
	if err != nil {
		return err
	}
	return m.orders.ArmPyramidTakeProfit(ctx, group, pyramid, target, pyramid.TotalFilledQuantity)
}

// pyramidTarget computes the pyramid's aggregate exit price, snapped to the
// symbol's tick the same way entry grids are.
func (m *Monitor) pyramidTarget(ctx context.Context, group *core.PositionGroup, pyramid *core.Pyramid, cfg *core.DCAConfiguration) (decimal.Decimal, error) {
	tp := cfg.TPAggregatePercent
	if group.Side == core.SideShort {
		tp = tp.Neg()
	}
	target := mathutil.ApplyPercent(pyramid.WeightedAvgEntry, tp)

	conn, err := m.provider.ConnectorFor(ctx, group.UserID, group.Exchange)
	if err != nil {
		return decimal.Zero, err
	}
	rules, err := m.precision.Rules(ctx, conn)
	if err != nil {
		return decimal.Zero, err
	}
	if rule, ok := rules[group.Symbol]; ok {
		target = mathutil.FloorToStep(target, rule.TickSize)
	}
	return target, nil
}

// closePyramidFromFill realizes a filled pyramid child and retires the
// pyramid. The group's own close happens in settle once the last pyramid is
// gone.
func (m *Monitor) closePyramidFromFill(ctx context.Context, group *core.PositionGroup, pyramid *core.Pyramid, result *core.OrderResult) error {
	exitPrice := result.AvgFillPrice
	if !exitPrice.IsPositive() {
		exitPrice = pyramid.WeightedAvgEntry
	}
	realized := mathutil.UnrealizedPnL(pyramid.WeightedAvgEntry, exitPrice, pyramid.TotalFilledQuantity, group.Side == core.SideLong)

	if err := m.groups.ClosePyramid(ctx, pyramid.ID, realized); err != nil {
		return err
	}
	m.metrics.AddPnLRealized(ctx, realized.InexactFloat64())
	m.logger.Info("Pyramid take-profit filled",
		"group_id", group.ID,
		"pyramid_index", pyramid.PyramidIndex,
		"exit_price", exitPrice,
		"realized_pnl_usd", realized)
	return nil
}
