package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"dca_engine/internal/core"
	apperrors "dca_engine/pkg/errors"
	"dca_engine/pkg/mathutil"
)

const orderColumns = `id, group_id, pyramid_id, user_id, exchange, symbol, side,
	order_type, leg_index, status, price, quantity, gap_percent, weight_percent,
	tp_percent, tp_price, exchange_order_id, filled_quantity, avg_fill_price,
	filled_at, tp_order_id, tp_hit, created_at, updated_at`

func scanOrder(row rowScanner) (*core.DCAOrder, error) {
	var o core.DCAOrder
	var filledAt sql.NullTime

	err := row.Scan(&o.ID, &o.GroupID, &o.PyramidID, &o.UserID, &o.Exchange, &o.Symbol, &o.Side,
		&o.OrderType, &o.LegIndex, &o.Status, &o.Price, &o.Quantity, &o.GapPercent, &o.WeightPercent,
		&o.TPPercent, &o.TPPrice, &o.ExchangeOrderID, &o.FilledQuantity, &o.AvgFillPrice,
		&filledAt, &o.TPOrderID, &o.TPHit, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if filledAt.Valid {
		o.FilledAt = &filledAt.Time
	}
	return &o, nil
}

func lockOrder(ctx context.Context, tx *sql.Tx, id uuid.UUID) (*core.DCAOrder, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM dca_orders WHERE id = $1 FOR UPDATE`, id)
	o, err := scanOrder(row)
	if err == sql.ErrNoRows {
		return nil, apperrors.ErrOrderNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lock order: %w", err)
	}
	return o, nil
}

func (r *GroupRepository) GetOrder(ctx context.Context, id uuid.UUID) (*core.DCAOrder, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM dca_orders WHERE id = $1`, id)
	o, err := scanOrder(row)
	if err == sql.ErrNoRows {
		return nil, apperrors.ErrOrderNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read order: %w", err)
	}
	return o, nil
}

func (r *GroupRepository) ListOrdersByGroup(ctx context.Context, groupID uuid.UUID) ([]*core.DCAOrder, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+orderColumns+` FROM dca_orders
		WHERE group_id = $1 ORDER BY pyramid_id, leg_index`, groupID)
	if err != nil {
		return nil, fmt.Errorf("failed to list orders: %w", err)
	}
	defer rows.Close()
	return collectOrders(rows)
}

// ListOpenOrdersByGroup returns orders still working on the exchange.
func (r *GroupRepository) ListOpenOrdersByGroup(ctx context.Context, groupID uuid.UUID) ([]*core.DCAOrder, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+orderColumns+` FROM dca_orders
		WHERE group_id = $1 AND status IN ('open', 'partially_filled')
		ORDER BY leg_index`, groupID)
	if err != nil {
		return nil, fmt.Errorf("failed to list open orders: %w", err)
	}
	defer rows.Close()
	return collectOrders(rows)
}

// ListWatchedOrdersByUser returns every non-terminal order belonging to a
// non-terminal group, in group-then-leg order for stable monitor passes.
func (r *GroupRepository) ListWatchedOrdersByUser(ctx context.Context, userID uuid.UUID) ([]*core.DCAOrder, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT
			o.id, o.group_id, o.pyramid_id, o.user_id, o.exchange, o.symbol, o.side,
			o.order_type, o.leg_index, o.status, o.price, o.quantity, o.gap_percent, o.weight_percent,
			o.tp_percent, o.tp_price, o.exchange_order_id, o.filled_quantity, o.avg_fill_price,
			o.filled_at, o.tp_order_id, o.tp_hit, o.created_at, o.updated_at
		FROM dca_orders o
		JOIN position_groups g ON g.id = o.group_id
		WHERE o.user_id = $1
		  AND o.status IN ('pending', 'trigger_pending', 'open', 'partially_filled')
		  AND g.status NOT IN ('closed', 'failed')
		ORDER BY o.group_id, o.leg_index`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list watched orders: %w", err)
	}
	defer rows.Close()
	return collectOrders(rows)
}

func collectOrders(rows *sql.Rows) ([]*core.DCAOrder, error) {
	var orders []*core.DCAOrder
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan order: %w", err)
		}
		orders = append(orders, o)
	}
	return orders, rows.Err()
}

// MarkOrderSubmitted records the exchange id and post-submit status in one
// statement, preserving filled_quantity.
func (r *GroupRepository) MarkOrderSubmitted(ctx context.Context, orderID uuid.UUID, exchangeOrderID string, status core.OrderStatus) error {
	_, err := r.db.ExecContext(ctx, `UPDATE dca_orders SET
			exchange_order_id = $2, status = $3, updated_at = NOW()
		WHERE id = $1`, orderID, exchangeOrderID, status)
	if err != nil {
		return fmt.Errorf("failed to mark order submitted: %w", err)
	}
	return nil
}

// UpdateOrderStatus sets status only; filled_quantity is never touched here.
func (r *GroupRepository) UpdateOrderStatus(ctx context.Context, orderID uuid.UUID, status core.OrderStatus) error {
	_, err := r.db.ExecContext(ctx, `UPDATE dca_orders SET status = $2, updated_at = NOW() WHERE id = $1`,
		orderID, status)
	if err != nil {
		return fmt.Errorf("failed to update order status: %w", err)
	}
	return nil
}

func (r *GroupRepository) SetOrderTP(ctx context.Context, orderID uuid.UUID, tpOrderID string) error {
	_, err := r.db.ExecContext(ctx, `UPDATE dca_orders SET tp_order_id = $2, updated_at = NOW() WHERE id = $1`,
		orderID, tpOrderID)
	if err != nil {
		return fmt.Errorf("failed to set order tp: %w", err)
	}
	return nil
}

// MarkOrderTPHit flags the leg, realizes its PnL on the group and removes
// the leg's exposure from the aggregates. Idempotent per leg.
func (r *GroupRepository) MarkOrderTPHit(ctx context.Context, orderID uuid.UUID, realizedPnLUSD decimal.Decimal) error {
	return withTx(ctx, r.db, func(tx *sql.Tx) error {
		var groupID uuid.UUID
		err := tx.QueryRowContext(ctx, `SELECT group_id FROM dca_orders WHERE id = $1`, orderID).Scan(&groupID)
		if err == sql.ErrNoRows {
			return apperrors.ErrOrderNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to resolve order group: %w", err)
		}

		group, err := lockGroup(ctx, tx, groupID)
		if err != nil {
			return err
		}
		order, err := lockOrder(ctx, tx, orderID)
		if err != nil {
			return err
		}
		if order.TPHit {
			return nil
		}

		now := time.Now().UTC()
		_, err = tx.ExecContext(ctx, `UPDATE dca_orders SET tp_hit = true, updated_at = $2 WHERE id = $1`,
			orderID, now)
		if err != nil {
			return fmt.Errorf("failed to flag tp hit: %w", err)
		}

		remainingQty := group.TotalFilledQuantity.Sub(order.FilledQuantity)
		remainingAvg := decimal.Zero
		if remainingQty.IsPositive() {
			entryPrice := order.AvgFillPrice
			if entryPrice.IsZero() {
				entryPrice = order.Price
			}
			groupNotional := group.WeightedAvgEntry.Mul(group.TotalFilledQuantity)
			legNotional := entryPrice.Mul(order.FilledQuantity)
			remainingAvg = groupNotional.Sub(legNotional).Div(remainingQty)
		} else {
			remainingQty = decimal.Zero
		}

		_, err = tx.ExecContext(ctx, `UPDATE position_groups SET
				total_filled_quantity = $2,
				weighted_avg_entry = $3,
				realized_pnl_usd = realized_pnl_usd + $4,
				updated_at = $5
			WHERE id = $1`, groupID, remainingQty, remainingAvg, realizedPnLUSD, now)
		if err != nil {
			return fmt.Errorf("failed to realize tp on group: %w", err)
		}

		return insertPnLEvent(ctx, tx, group.UserID, groupID, nil, realizedPnLUSD, "tp_leg")
	})
}

// ApplyOrderFill is the single path that advances order fill state and the
// group/pyramid aggregates. Lock order is group first, then the order row;
// aggregate recomputation happens inside the same transaction so a fill can
// never be observed without its group-level effect.
func (r *GroupRepository) ApplyOrderFill(ctx context.Context, orderID uuid.UUID, result *core.OrderResult) (*core.FillOutcome, error) {
	var outcome *core.FillOutcome

	err := withTx(ctx, r.db, func(tx *sql.Tx) error {
		var groupID, pyramidID uuid.UUID
		err := tx.QueryRowContext(ctx, `SELECT group_id, pyramid_id FROM dca_orders WHERE id = $1`, orderID).
			Scan(&groupID, &pyramidID)
		if err == sql.ErrNoRows {
			return apperrors.ErrOrderNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to resolve order group: %w", err)
		}

		group, err := lockGroup(ctx, tx, groupID)
		if err != nil {
			return err
		}
		order, err := lockOrder(ctx, tx, orderID)
		if err != nil {
			return err
		}

		row := tx.QueryRowContext(ctx, `SELECT `+pyramidColumns+` FROM pyramids WHERE id = $1 FOR UPDATE`, pyramidID)
		pyramid, err := scanPyramid(row)
		if err != nil {
			return fmt.Errorf("failed to lock pyramid: %w", err)
		}

		prevStatus := order.Status

		// The exchange never un-fills; a lower reported quantity is stale.
		fillDelta := result.FilledQuantity.Sub(order.FilledQuantity)
		if fillDelta.IsNegative() {
			fillDelta = decimal.Zero
		}

		newStatus := prevStatus
		if !prevStatus.Terminal() {
			newStatus = result.Status
		}
		newFilled := order.FilledQuantity.Add(fillDelta)
		if newStatus == core.OrderStatusOpen && newFilled.IsPositive() {
			newStatus = core.OrderStatusPartiallyFilled
		}

		statusChanged := newStatus != prevStatus
		justFilled := statusChanged && newStatus == core.OrderStatusFilled
		justPartial := statusChanged && newStatus == core.OrderStatusPartiallyFilled

		if !statusChanged && fillDelta.IsZero() {
			outcome = &core.FillOutcome{Order: order, Group: group, Pyramid: pyramid}
			return nil
		}

		now := time.Now().UTC()

		avgFill := order.AvgFillPrice
		if result.AvgFillPrice.IsPositive() {
			avgFill = result.AvgFillPrice
		}
		exchangeOrderID := order.ExchangeOrderID
		if exchangeOrderID == "" {
			exchangeOrderID = result.ExchangeOrderID
		}
		filledAt := order.FilledAt
		if justFilled {
			filledAt = &now
		}

		_, err = tx.ExecContext(ctx, `UPDATE dca_orders SET
				status = $2, filled_quantity = $3, avg_fill_price = $4,
				exchange_order_id = $5, filled_at = $6, updated_at = $7
			WHERE id = $1`,
			orderID, newStatus, newFilled, avgFill, exchangeOrderID, filledAt, now)
		if err != nil {
			return fmt.Errorf("failed to persist fill: %w", err)
		}

		order.Status = newStatus
		order.FilledQuantity = newFilled
		order.AvgFillPrice = avgFill
		order.ExchangeOrderID = exchangeOrderID
		order.FilledAt = filledAt
		order.UpdatedAt = now

		if fillDelta.IsPositive() {
			fillPrice := avgFill
			if fillPrice.IsZero() {
				fillPrice = order.Price
			}

			pyramid.WeightedAvgEntry, pyramid.TotalFilledQuantity =
				mathutil.WeightedAverage(pyramid.WeightedAvgEntry, pyramid.TotalFilledQuantity, fillPrice, fillDelta)
			group.WeightedAvgEntry, group.TotalFilledQuantity =
				mathutil.WeightedAverage(group.WeightedAvgEntry, group.TotalFilledQuantity, fillPrice, fillDelta)
			group.TotalInvestedUSD = group.TotalInvestedUSD.Add(fillPrice.Mul(fillDelta))
		}
		if justFilled {
			group.FilledDCALegs++
		}
		if pyramid.Status == core.PyramidStatusPending && newFilled.IsPositive() {
			pyramid.Status = core.PyramidStatusSubmitted
		}

		// Pyramid completion: every leg of this pyramid reached filled.
		var unfilled int
		err = tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM dca_orders
			WHERE pyramid_id = $1 AND status != 'filled'`, pyramidID).Scan(&unfilled)
		if err != nil {
			return fmt.Errorf("failed to count pyramid legs: %w", err)
		}
		pyramidCompleted := false
		if unfilled == 0 && pyramid.Status != core.PyramidStatusFilled {
			pyramid.Status = core.PyramidStatusFilled
			pyramidCompleted = true
		}

		pyramid.UpdatedAt = now
		_, err = tx.ExecContext(ctx, `UPDATE pyramids SET
				status = $2, total_filled_quantity = $3, weighted_avg_entry = $4, updated_at = $5
			WHERE id = $1`,
			pyramidID, pyramid.Status, pyramid.TotalFilledQuantity, pyramid.WeightedAvgEntry, now)
		if err != nil {
			return fmt.Errorf("failed to persist pyramid aggregates: %w", err)
		}

		// Group lifecycle: all entry legs terminal with exposure held means
		// the position is fully established.
		var openEntries int
		err = tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM dca_orders
			WHERE group_id = $1 AND status IN ('pending', 'trigger_pending', 'open', 'partially_filled')`,
			groupID).Scan(&openEntries)
		if err != nil {
			return fmt.Errorf("failed to count open legs: %w", err)
		}

		switch group.Status {
		case core.GroupStatusWaiting, core.GroupStatusLive, core.GroupStatusPartiallyFilled, core.GroupStatusActive:
			if openEntries == 0 && group.TotalFilledQuantity.IsPositive() {
				group.Status = core.GroupStatusActive
			} else if fillDelta.IsPositive() {
				group.Status = core.GroupStatusPartiallyFilled
			}
		}

		group.UpdatedAt = now
		_, err = tx.ExecContext(ctx, `UPDATE position_groups SET
				status = $2, filled_dca_legs = $3, total_filled_quantity = $4,
				weighted_avg_entry = $5, total_invested_usd = $6, updated_at = $7
			WHERE id = $1`,
			groupID, group.Status, group.FilledDCALegs, group.TotalFilledQuantity,
			group.WeightedAvgEntry, group.TotalInvestedUSD, now)
		if err != nil {
			return fmt.Errorf("failed to persist group aggregates: %w", err)
		}

		outcome = &core.FillOutcome{
			Order:            order,
			Group:            group,
			Pyramid:          pyramid,
			FillDelta:        fillDelta,
			StatusChanged:    statusChanged,
			JustFilled:       justFilled,
			JustPartial:      justPartial,
			PyramidCompleted: pyramidCompleted,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return outcome, nil
}
