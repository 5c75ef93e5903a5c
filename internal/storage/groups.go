package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"dca_engine/internal/core"
	apperrors "dca_engine/pkg/errors"
)

// GroupRepository owns position_groups and their pyramids and dca_orders.
type GroupRepository struct {
	db     *sql.DB
	logger core.ILogger
}

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

const groupColumns = `id, user_id, exchange, symbol, timeframe, side, status,
	total_dca_legs, filled_dca_legs, pyramid_count, max_pyramids, tp_mode,
	total_filled_quantity, weighted_avg_entry, total_invested_usd,
	realized_pnl_usd, unrealized_pnl_usd, unrealized_pnl_percent,
	risk_timer_start, risk_timer_expires, risk_eligible, risk_blocked, risk_skip_once,
	created_at, updated_at, closed_at`

func scanGroup(row rowScanner) (*core.PositionGroup, error) {
	var g core.PositionGroup
	var timerStart, timerExpires, closedAt sql.NullTime

	err := row.Scan(&g.ID, &g.UserID, &g.Exchange, &g.Symbol, &g.Timeframe, &g.Side, &g.Status,
		&g.TotalDCALegs, &g.FilledDCALegs, &g.PyramidCount, &g.MaxPyramids, &g.TPMode,
		&g.TotalFilledQuantity, &g.WeightedAvgEntry, &g.TotalInvestedUSD,
		&g.RealizedPnLUSD, &g.UnrealizedPnLUSD, &g.UnrealizedPnLPercent,
		&timerStart, &timerExpires, &g.RiskEligible, &g.RiskBlocked, &g.RiskSkipOnce,
		&g.CreatedAt, &g.UpdatedAt, &closedAt)
	if err != nil {
		return nil, err
	}

	if timerStart.Valid {
		g.RiskTimerStart = &timerStart.Time
	}
	if timerExpires.Valid {
		g.RiskTimerExpires = &timerExpires.Time
	}
	if closedAt.Valid {
		g.ClosedAt = &closedAt.Time
	}
	return &g, nil
}

// CreateGroupWithOrders inserts the group, its first pyramid and all order
// legs in one transaction. The active-group partial unique index turns a
// concurrent duplicate into ErrDuplicatePosition.
func (r *GroupRepository) CreateGroupWithOrders(ctx context.Context, group *core.PositionGroup, pyramid *core.Pyramid, orders []*core.DCAOrder) error {
	now := time.Now().UTC()
	if group.ID == uuid.Nil {
		group.ID = uuid.New()
	}
	group.CreatedAt, group.UpdatedAt = now, now

	err := withTx(ctx, r.db, func(tx *sql.Tx) error {
		if err := insertGroup(ctx, tx, group); err != nil {
			return err
		}
		pyramid.GroupID = group.ID
		if err := insertPyramid(ctx, tx, pyramid, now); err != nil {
			return err
		}
		for _, o := range orders {
			o.GroupID = group.ID
			o.PyramidID = pyramid.ID
			if err := insertOrder(ctx, tx, o, now); err != nil {
				return err
			}
		}
		return nil
	})
	if isUniqueViolation(err) {
		return apperrors.ErrDuplicatePosition
	}
	return err
}

// AddPyramid locks the group, appends a pyramid with its orders, bumps
// pyramid_count and total_dca_legs, and clears the risk grace timer.
func (r *GroupRepository) AddPyramid(ctx context.Context, groupID uuid.UUID, pyramid *core.Pyramid, orders []*core.DCAOrder) error {
	now := time.Now().UTC()

	return withTx(ctx, r.db, func(tx *sql.Tx) error {
		group, err := lockGroup(ctx, tx, groupID)
		if err != nil {
			return err
		}
		if group.Terminal() {
			return apperrors.ErrNoActivePosition
		}

		pyramid.GroupID = groupID
		if err := insertPyramid(ctx, tx, pyramid, now); err != nil {
			return err
		}
		for _, o := range orders {
			o.GroupID = groupID
			o.PyramidID = pyramid.ID
			if err := insertOrder(ctx, tx, o, now); err != nil {
				return err
			}
		}

		_, err = tx.ExecContext(ctx, `UPDATE position_groups SET
				pyramid_count = pyramid_count + 1,
				total_dca_legs = total_dca_legs + $2,
				status = CASE WHEN total_filled_quantity > 0 THEN 'partially_filled' ELSE status END,
				risk_timer_start = NULL,
				risk_timer_expires = NULL,
				risk_eligible = false,
				updated_at = $3
			WHERE id = $1`, groupID, len(orders), now)
		if err != nil {
			return fmt.Errorf("failed to bump pyramid count: %w", err)
		}
		return nil
	})
}

func insertGroup(ctx context.Context, tx *sql.Tx, g *core.PositionGroup) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO position_groups
		(id, user_id, exchange, symbol, timeframe, side, status,
		 total_dca_legs, filled_dca_legs, pyramid_count, max_pyramids, tp_mode,
		 total_filled_quantity, weighted_avg_entry, total_invested_usd,
		 realized_pnl_usd, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)`,
		g.ID, g.UserID, g.Exchange, g.Symbol, g.Timeframe, g.Side, g.Status,
		g.TotalDCALegs, g.FilledDCALegs, g.PyramidCount, g.MaxPyramids, g.TPMode,
		g.TotalFilledQuantity, g.WeightedAvgEntry, g.TotalInvestedUSD,
		g.RealizedPnLUSD, g.CreatedAt, g.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert group: %w", err)
	}
	return nil
}

func insertPyramid(ctx context.Context, tx *sql.Tx, p *core.Pyramid, now time.Time) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	p.CreatedAt, p.UpdatedAt = now, now

	levels, err := json.Marshal(p.Levels)
	if err != nil {
		return fmt.Errorf("failed to marshal pyramid levels: %w", err)
	}

	_, err = tx.ExecContext(ctx, `INSERT INTO pyramids
		(id, group_id, pyramid_index, status, levels, base_price,
		 total_filled_quantity, weighted_avg_entry, realized_pnl_usd, tp_order_id,
		 created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		p.ID, p.GroupID, p.PyramidIndex, p.Status, levels, p.BasePrice,
		p.TotalFilledQuantity, p.WeightedAvgEntry, p.RealizedPnLUSD, p.TPOrderID,
		p.CreatedAt, p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert pyramid: %w", err)
	}
	return nil
}

func insertOrder(ctx context.Context, tx *sql.Tx, o *core.DCAOrder, now time.Time) error {
	if o.ID == uuid.Nil {
		o.ID = uuid.New()
	}
	o.CreatedAt, o.UpdatedAt = now, now

	_, err := tx.ExecContext(ctx, `INSERT INTO dca_orders
		(id, group_id, pyramid_id, user_id, exchange, symbol, side, order_type,
		 leg_index, status, price, quantity, gap_percent, weight_percent,
		 tp_percent, tp_price, exchange_order_id, filled_quantity, avg_fill_price,
		 tp_order_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22)`,
		o.ID, o.GroupID, o.PyramidID, o.UserID, o.Exchange, o.Symbol, o.Side, o.OrderType,
		o.LegIndex, o.Status, o.Price, o.Quantity, o.GapPercent, o.WeightPercent,
		o.TPPercent, o.TPPrice, o.ExchangeOrderID, o.FilledQuantity, o.AvgFillPrice,
		o.TPOrderID, o.CreatedAt, o.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert order: %w", err)
	}
	return nil
}

// lockGroup reads the group row under FOR UPDATE.
func lockGroup(ctx context.Context, tx *sql.Tx, id uuid.UUID) (*core.PositionGroup, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+groupColumns+` FROM position_groups WHERE id = $1 FOR UPDATE`, id)
	g, err := scanGroup(row)
	if err == sql.ErrNoRows {
		return nil, apperrors.ErrPositionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lock group: %w", err)
	}
	return g, nil
}

func (r *GroupRepository) GetGroup(ctx context.Context, id uuid.UUID) (*core.PositionGroup, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+groupColumns+` FROM position_groups WHERE id = $1`, id)
	g, err := scanGroup(row)
	if err == sql.ErrNoRows {
		return nil, apperrors.ErrPositionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read group: %w", err)
	}
	return g, nil
}

// FindActiveGroup returns the single non-terminal group on the key, or
// ErrPositionNotFound.
func (r *GroupRepository) FindActiveGroup(ctx context.Context, userID uuid.UUID, exchange, symbol, timeframe string, side core.Side) (*core.PositionGroup, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+groupColumns+` FROM position_groups
		WHERE user_id = $1 AND exchange = $2 AND symbol = $3 AND timeframe = $4 AND side = $5
		  AND status NOT IN ('closed', 'failed')`,
		userID, exchange, symbol, timeframe, side)
	g, err := scanGroup(row)
	if err == sql.ErrNoRows {
		return nil, apperrors.ErrPositionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find active group: %w", err)
	}
	return g, nil
}

func (r *GroupRepository) ListActiveGroupsByUser(ctx context.Context, userID uuid.UUID) ([]*core.PositionGroup, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+groupColumns+` FROM position_groups
		WHERE user_id = $1 AND status NOT IN ('closed', 'failed')
		ORDER BY created_at`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list active groups: %w", err)
	}
	defer rows.Close()

	var groups []*core.PositionGroup
	for rows.Next() {
		g, err := scanGroup(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan group: %w", err)
		}
		groups = append(groups, g)
	}
	return groups, rows.Err()
}

func (r *GroupRepository) ListUsersWithActiveGroups(ctx context.Context) ([]uuid.UUID, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT DISTINCT user_id FROM position_groups
		WHERE status NOT IN ('closed', 'failed')`)
	if err != nil {
		return nil, fmt.Errorf("failed to list users with active groups: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan user id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (r *GroupRepository) UpdateGroupStatus(ctx context.Context, groupID uuid.UUID, status core.GroupStatus) error {
	_, err := r.db.ExecContext(ctx, `UPDATE position_groups SET status = $2, updated_at = NOW() WHERE id = $1`,
		groupID, status)
	if err != nil {
		return fmt.Errorf("failed to update group status: %w", err)
	}
	return nil
}

// ApplyPartialClose reduces exposure without touching the entry average.
func (r *GroupRepository) ApplyPartialClose(ctx context.Context, groupID uuid.UUID, quantity, realizedPnLUSD decimal.Decimal) error {
	return withTx(ctx, r.db, func(tx *sql.Tx) error {
		group, err := lockGroup(ctx, tx, groupID)
		if err != nil {
			return err
		}

		remaining := group.TotalFilledQuantity.Sub(quantity)
		if remaining.IsNegative() {
			remaining = decimal.Zero
		}

		_, err = tx.ExecContext(ctx, `UPDATE position_groups SET
				total_filled_quantity = $2,
				realized_pnl_usd = realized_pnl_usd + $3,
				updated_at = NOW()
			WHERE id = $1`, groupID, remaining, realizedPnLUSD)
		if err != nil {
			return fmt.Errorf("failed to apply partial close: %w", err)
		}

		return insertPnLEvent(ctx, tx, group.UserID, groupID, nil, realizedPnLUSD, "partial_close")
	})
}

// CloseGroup is idempotent: closing a closed group changes nothing.
func (r *GroupRepository) CloseGroup(ctx context.Context, groupID uuid.UUID, realizedPnLUSD decimal.Decimal) error {
	return withTx(ctx, r.db, func(tx *sql.Tx) error {
		group, err := lockGroup(ctx, tx, groupID)
		if err != nil {
			return err
		}
		if group.Status == core.GroupStatusClosed {
			return nil
		}

		now := time.Now().UTC()
		_, err = tx.ExecContext(ctx, `UPDATE position_groups SET
				status = 'closed',
				realized_pnl_usd = realized_pnl_usd + $2,
				unrealized_pnl_usd = 0,
				unrealized_pnl_percent = 0,
				total_filled_quantity = 0,
				updated_at = $3,
				closed_at = $3
			WHERE id = $1`, groupID, realizedPnLUSD, now)
		if err != nil {
			return fmt.Errorf("failed to close group: %w", err)
		}

		if !realizedPnLUSD.IsZero() {
			return insertPnLEvent(ctx, tx, group.UserID, groupID, nil, realizedPnLUSD, "group_close")
		}
		return nil
	})
}

func (r *GroupRepository) FailGroup(ctx context.Context, groupID uuid.UUID) error {
	_, err := r.db.ExecContext(ctx, `UPDATE position_groups SET
			status = 'failed', updated_at = NOW(), closed_at = NOW()
		WHERE id = $1 AND status NOT IN ('closed', 'failed')`, groupID)
	if err != nil {
		return fmt.Errorf("failed to fail group: %w", err)
	}
	return nil
}

func (r *GroupRepository) UpdateGroupRiskTimer(ctx context.Context, groupID uuid.UUID, start, expires *time.Time, eligible bool) error {
	_, err := r.db.ExecContext(ctx, `UPDATE position_groups SET
			risk_timer_start = $2, risk_timer_expires = $3, risk_eligible = $4, updated_at = NOW()
		WHERE id = $1`, groupID, start, expires, eligible)
	if err != nil {
		return fmt.Errorf("failed to update risk timer: %w", err)
	}
	return nil
}

func (r *GroupRepository) SetGroupRiskFlags(ctx context.Context, groupID uuid.UUID, blocked, skipOnce bool) error {
	_, err := r.db.ExecContext(ctx, `UPDATE position_groups SET
			risk_blocked = $2, risk_skip_once = $3, updated_at = NOW()
		WHERE id = $1`, groupID, blocked, skipOnce)
	if err != nil {
		return fmt.Errorf("failed to set risk flags: %w", err)
	}
	return nil
}

func (r *GroupRepository) UpdateGroupUnrealized(ctx context.Context, groupID uuid.UUID, pnlUSD, pnlPercent decimal.Decimal) error {
	_, err := r.db.ExecContext(ctx, `UPDATE position_groups SET
			unrealized_pnl_usd = $2, unrealized_pnl_percent = $3, updated_at = NOW()
		WHERE id = $1`, groupID, pnlUSD, pnlPercent)
	if err != nil {
		return fmt.Errorf("failed to update unrealized pnl: %w", err)
	}
	return nil
}

// DailyRealizedPnL sums realization events inside the UTC day containing ts.
func (r *GroupRepository) DailyRealizedPnL(ctx context.Context, userID uuid.UUID, ts time.Time) (decimal.Decimal, error) {
	dayStart := ts.UTC().Truncate(24 * time.Hour)
	dayEnd := dayStart.Add(24 * time.Hour)

	var total decimal.Decimal
	err := r.db.QueryRowContext(ctx, `SELECT COALESCE(SUM(amount_usd), 0) FROM pnl_events
		WHERE user_id = $1 AND created_at >= $2 AND created_at < $3`,
		userID, dayStart, dayEnd).Scan(&total)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to sum daily pnl: %w", err)
	}
	return total, nil
}

func insertPnLEvent(ctx context.Context, tx *sql.Tx, userID, groupID uuid.UUID, pyramidID *uuid.UUID, amount decimal.Decimal, reason string) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO pnl_events (user_id, group_id, pyramid_id, amount_usd, reason)
		VALUES ($1, $2, $3, $4, $5)`, userID, groupID, pyramidID, amount, reason)
	if err != nil {
		return fmt.Errorf("failed to record pnl event: %w", err)
	}
	return nil
}
