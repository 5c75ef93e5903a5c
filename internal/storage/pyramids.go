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

const pyramidColumns = `id, group_id, pyramid_index, status, levels, base_price,
	total_filled_quantity, weighted_avg_entry, realized_pnl_usd, tp_order_id,
	created_at, updated_at, closed_at`

func scanPyramid(row rowScanner) (*core.Pyramid, error) {
	var p core.Pyramid
	var levels []byte
	var closedAt sql.NullTime

	err := row.Scan(&p.ID, &p.GroupID, &p.PyramidIndex, &p.Status, &levels, &p.BasePrice,
		&p.TotalFilledQuantity, &p.WeightedAvgEntry, &p.RealizedPnLUSD, &p.TPOrderID,
		&p.CreatedAt, &p.UpdatedAt, &closedAt)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(levels, &p.Levels); err != nil {
		return nil, fmt.Errorf("failed to unmarshal pyramid levels: %w", err)
	}
	if closedAt.Valid {
		p.ClosedAt = &closedAt.Time
	}
	return &p, nil
}

func (r *GroupRepository) GetPyramid(ctx context.Context, id uuid.UUID) (*core.Pyramid, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+pyramidColumns+` FROM pyramids WHERE id = $1`, id)
	p, err := scanPyramid(row)
	if err == sql.ErrNoRows {
		return nil, apperrors.ErrPyramidNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read pyramid: %w", err)
	}
	return p, nil
}

func (r *GroupRepository) ListPyramidsByGroup(ctx context.Context, groupID uuid.UUID) ([]*core.Pyramid, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+pyramidColumns+` FROM pyramids
		WHERE group_id = $1 ORDER BY pyramid_index`, groupID)
	if err != nil {
		return nil, fmt.Errorf("failed to list pyramids: %w", err)
	}
	defer rows.Close()

	var pyramids []*core.Pyramid
	for rows.Next() {
		p, err := scanPyramid(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan pyramid: %w", err)
		}
		pyramids = append(pyramids, p)
	}
	return pyramids, rows.Err()
}

func (r *GroupRepository) UpdatePyramidStatus(ctx context.Context, pyramidID uuid.UUID, status core.PyramidStatus) error {
	_, err := r.db.ExecContext(ctx, `UPDATE pyramids SET status = $2, updated_at = NOW() WHERE id = $1`,
		pyramidID, status)
	if err != nil {
		return fmt.Errorf("failed to update pyramid status: %w", err)
	}
	return nil
}

func (r *GroupRepository) SetPyramidTPOrder(ctx context.Context, pyramidID uuid.UUID, tpOrderID string) error {
	_, err := r.db.ExecContext(ctx, `UPDATE pyramids SET tp_order_id = $2, updated_at = NOW() WHERE id = $1`,
		pyramidID, tpOrderID)
	if err != nil {
		return fmt.Errorf("failed to set pyramid tp order: %w", err)
	}
	return nil
}

// ClosePyramid marks the pyramid closed, realizes its PnL on the group, and
// removes its exposure from the group aggregates.
func (r *GroupRepository) ClosePyramid(ctx context.Context, pyramidID uuid.UUID, realizedPnLUSD decimal.Decimal) error {
	return withTx(ctx, r.db, func(tx *sql.Tx) error {
		var groupID uuid.UUID
		err := tx.QueryRowContext(ctx, `SELECT group_id FROM pyramids WHERE id = $1`, pyramidID).Scan(&groupID)
		if err == sql.ErrNoRows {
			return apperrors.ErrPyramidNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to resolve pyramid group: %w", err)
		}

		group, err := lockGroup(ctx, tx, groupID)
		if err != nil {
			return err
		}

		row := tx.QueryRowContext(ctx, `SELECT `+pyramidColumns+` FROM pyramids WHERE id = $1 FOR UPDATE`, pyramidID)
		pyramid, err := scanPyramid(row)
		if err != nil {
			return fmt.Errorf("failed to lock pyramid: %w", err)
		}
		if pyramid.Status == core.PyramidStatusClosed {
			return nil
		}

		now := time.Now().UTC()
		_, err = tx.ExecContext(ctx, `UPDATE pyramids SET
				status = 'closed', realized_pnl_usd = realized_pnl_usd + $2,
				updated_at = $3, closed_at = $3
			WHERE id = $1`, pyramidID, realizedPnLUSD, now)
		if err != nil {
			return fmt.Errorf("failed to close pyramid: %w", err)
		}

		// Remove the pyramid's exposure; the remaining average unwinds the
		// quantity-weighted contribution of the closed slice.
		remainingQty := group.TotalFilledQuantity.Sub(pyramid.TotalFilledQuantity)
		remainingAvg := decimal.Zero
		if remainingQty.IsPositive() {
			groupNotional := group.WeightedAvgEntry.Mul(group.TotalFilledQuantity)
			pyramidNotional := pyramid.WeightedAvgEntry.Mul(pyramid.TotalFilledQuantity)
			remainingAvg = groupNotional.Sub(pyramidNotional).Div(remainingQty)
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
			return fmt.Errorf("failed to unwind pyramid exposure: %w", err)
		}

		return insertPnLEvent(ctx, tx, group.UserID, groupID, &pyramidID, realizedPnLUSD, "pyramid_close")
	})
}
