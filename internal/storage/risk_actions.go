package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"dca_engine/internal/core"
)

// RiskActionRepository appends and reads hedge audit records. Rows are
// immutable once written; the loser PnL column holds the value captured at
// selection time, before the close zeroed the live position.
type RiskActionRepository struct {
	db *sql.DB
}

func (r *RiskActionRepository) RecordAction(ctx context.Context, action *core.RiskAction) error {
	contributions, err := json.Marshal(action.Contributions)
	if err != nil {
		return fmt.Errorf("failed to encode contributions: %w", err)
	}

	query := `INSERT INTO risk_actions (id, user_id, loser_group_id, loser_pnl_usd, contributions)
		VALUES ($1, $2, $3, $4, $5)`

	if _, err := r.db.ExecContext(ctx, query,
		action.ID, action.UserID, action.LoserGroupID, action.LoserPnLUSD, contributions,
	); err != nil {
		return fmt.Errorf("failed to record risk action: %w", err)
	}
	return nil
}

func (r *RiskActionRepository) ListActionsByUser(ctx context.Context, userID uuid.UUID, limit int) ([]*core.RiskAction, error) {
	query := `SELECT id, user_id, loser_group_id, loser_pnl_usd, contributions, created_at
		FROM risk_actions WHERE user_id = $1 ORDER BY created_at DESC LIMIT $2`

	rows, err := r.db.QueryContext(ctx, query, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list risk actions: %w", err)
	}
	defer rows.Close()

	var actions []*core.RiskAction
	for rows.Next() {
		a, err := scanRiskAction(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan risk action: %w", err)
		}
		actions = append(actions, a)
	}
	return actions, rows.Err()
}

func scanRiskAction(row rowScanner) (*core.RiskAction, error) {
	var a core.RiskAction
	var contributions []byte
	err := row.Scan(&a.ID, &a.UserID, &a.LoserGroupID, &a.LoserPnLUSD, &contributions, &a.CreatedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(contributions, &a.Contributions); err != nil {
		return nil, fmt.Errorf("failed to decode contributions: %w", err)
	}
	return &a, nil
}
