package position

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"dca_engine/internal/core"
	"dca_engine/pkg/mathutil"
	"dca_engine/pkg/telemetry"
)

// Closer implements core.IPositionCloser. The sequence is: park the group in
// closing, cancel take-profit children before entry legs so a racing TP fill
// cannot reduce exposure mid-close unobserved, market-close whatever is
// still held, then realize PnL and release the slot.
type Closer struct {
	groups  core.IGroupStore
	orders  core.IOrderService
	slots   core.ISlotManager
	alerter core.IAlerter
	logger  core.ILogger
	metrics *telemetry.MetricsHolder
}

func NewCloser(
	groups core.IGroupStore,
	orders core.IOrderService,
	slots core.ISlotManager,
	alerter core.IAlerter,
	logger core.ILogger,
) *Closer {
	return &Closer{
		groups:  groups,
		orders:  orders,
		slots:   slots,
		alerter: alerter,
		logger:  logger.WithField("component", "position_closer"),
		metrics: telemetry.GetGlobalMetrics(),
	}
}

// CloseGroup tears down the group's working orders and exposure. Idempotent:
// terminal groups return nil. On mid-close errors the group stays in
// closing, keeping the monitor away until a retry finishes the job.
func (c *Closer) CloseGroup(ctx context.Context, group *core.PositionGroup, reason string) error {
	if group.Terminal() {
		return nil
	}

	if err := c.groups.UpdateGroupStatus(ctx, group.ID, core.GroupStatusClosing); err != nil {
		return fmt.Errorf("failed to park group for close: %w", err)
	}
	group.Status = core.GroupStatusClosing

	tpQty, tpRealized, err := c.cancelTakeProfits(ctx, group)
	if err != nil {
		return err
	}

	if err := c.orders.CancelOpenOrdersForGroup(ctx, group.ID); err != nil {
		return fmt.Errorf("failed to cancel entry legs: %w", err)
	}

	// Cancellation convergence may have landed last-second fills; re-read
	// the authoritative exposure before sizing the market close.
	fresh, err := c.groups.GetGroup(ctx, group.ID)
	if err != nil {
		return err
	}

	closeQty := fresh.TotalFilledQuantity.Sub(tpQty)
	if closeQty.IsNegative() {
		closeQty = decimal.Zero
	}

	realized := tpRealized
	if closeQty.IsPositive() {
		result, err := c.orders.PlaceMarketClose(ctx, fresh, closeQty)
		if err != nil {
			return fmt.Errorf("failed to flatten group %s: %w", group.ID, err)
		}
		if result.AvgFillPrice.IsPositive() {
			realized = realized.Add(mathutil.UnrealizedPnL(
				fresh.WeightedAvgEntry, result.AvgFillPrice, closeQty, fresh.Side == core.SideLong))
		} else {
			c.logger.Warn("Market close reported no fill price; realizing zero for the closed slice",
				"group_id", group.ID,
				"exchange_order_id", result.ExchangeOrderID)
		}
	}

	if err := c.groups.CloseGroup(ctx, group.ID, realized); err != nil {
		return err
	}
	group.Status = core.GroupStatusClosed

	c.slots.Release(group.UserID)
	c.metrics.AddPnLRealized(ctx, realized.InexactFloat64())

	c.logger.Info("Position group closed",
		"group_id", group.ID,
		"user_id", group.UserID,
		"symbol", group.Symbol,
		"reason", reason,
		"closed_quantity", closeQty,
		"realized_pnl_usd", realized)
	c.alerter.SendAlert(ctx, core.AlertInfo, "Position closed",
		fmt.Sprintf("%s %s closed (%s), realized %s USD", group.Symbol, group.Side, reason, realized.StringFixed(2)),
		map[string]string{
			"group_id": group.ID.String(),
			"user_id":  group.UserID.String(),
			"reason":   reason,
		})
	return nil
}

// cancelTakeProfits pulls every outstanding take-profit child. Fills that
// raced the cancel reduce the quantity left to market-close and realize PnL
// at the child's fill price.
func (c *Closer) cancelTakeProfits(ctx context.Context, group *core.PositionGroup) (decimal.Decimal, decimal.Decimal, error) {
	filledQty, realized := decimal.Zero, decimal.Zero

	legs, err := c.groups.ListOrdersByGroup(ctx, group.ID)
	if err != nil {
		return filledQty, realized, err
	}
	for _, leg := range legs {
		if leg.TPOrderID == "" || leg.TPHit {
			continue
		}
		result, err := c.orders.CancelExchangeOrder(ctx, group.UserID, group.Exchange, group.Symbol, leg.TPOrderID)
		if err != nil {
			return filledQty, realized, fmt.Errorf("failed to cancel take-profit child of leg %d: %w", leg.LegIndex, err)
		}
		q, p := tpFill(group, result)
		filledQty, realized = filledQty.Add(q), realized.Add(p)
	}

	pyramids, err := c.groups.ListPyramidsByGroup(ctx, group.ID)
	if err != nil {
		return filledQty, realized, err
	}
	for _, pyramid := range pyramids {
		if pyramid.TPOrderID == "" || pyramid.Status == core.PyramidStatusClosed {
			continue
		}
		result, err := c.orders.CancelExchangeOrder(ctx, group.UserID, group.Exchange, group.Symbol, pyramid.TPOrderID)
		if err != nil {
			return filledQty, realized, fmt.Errorf("failed to cancel take-profit child of pyramid %d: %w", pyramid.PyramidIndex, err)
		}
		q, p := tpFill(group, result)
		filledQty, realized = filledQty.Add(q), realized.Add(p)
	}
	return filledQty, realized, nil
}

// tpFill extracts the filled slice of a cancelled take-profit child.
func tpFill(group *core.PositionGroup, result *core.OrderResult) (decimal.Decimal, decimal.Decimal) {
	if result == nil || !result.FilledQuantity.IsPositive() || !result.AvgFillPrice.IsPositive() {
		return decimal.Zero, decimal.Zero
	}
	pnl := mathutil.UnrealizedPnL(group.WeightedAvgEntry, result.AvgFillPrice, result.FilledQuantity,
		group.Side == core.SideLong)
	return result.FilledQuantity, pnl
}
