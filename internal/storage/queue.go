package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"dca_engine/internal/core"
	apperrors "dca_engine/pkg/errors"
)

// QueueRepository owns queued_signals rows. A partial unique index keeps at
// most one status='queued' row per (user, exchange, symbol, timeframe, side),
// so Upsert can rely on ON CONFLICT for replacement semantics.
type QueueRepository struct {
	db *sql.DB
}

const signalColumns = `id, user_id, exchange, symbol, timeframe, side, status,
	entry_price, payload, queued_at, promoted_at, replacement_count,
	current_loss_percent, is_pyramid_continuation, priority_score`

func scanSignal(row rowScanner) (*core.QueuedSignal, error) {
	var s core.QueuedSignal
	var payload []byte
	err := row.Scan(
		&s.ID, &s.UserID, &s.Exchange, &s.Symbol, &s.Timeframe, &s.Side,
		&s.Status, &s.EntryPrice, &payload, &s.QueuedAt, &s.PromotedAt,
		&s.ReplacementCount, &s.CurrentLossPercent, &s.IsPyramidContinuation,
		&s.PriorityScore,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(payload, &s.Payload); err != nil {
		return nil, fmt.Errorf("failed to decode signal payload: %w", err)
	}
	return &s, nil
}

// Upsert inserts a queued signal or, when a queued row already exists for the
// key, replaces its price and payload in place. The original queued_at is
// preserved and replacement_count is bumped so the priority calculator can
// see both the age and the churn.
func (r *QueueRepository) Upsert(ctx context.Context, signal *core.QueuedSignal) (*core.QueuedSignal, error) {
	payload, err := json.Marshal(signal.Payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode signal payload: %w", err)
	}

	query := `INSERT INTO queued_signals (` + signalColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, 'queued', $7, $8, NOW(), NULL, 0, $9, $10, $11)
		ON CONFLICT (user_id, exchange, symbol, timeframe, side) WHERE status = 'queued'
		DO UPDATE SET
			entry_price = EXCLUDED.entry_price,
			payload = EXCLUDED.payload,
			replacement_count = queued_signals.replacement_count + 1,
			current_loss_percent = EXCLUDED.current_loss_percent,
			is_pyramid_continuation = EXCLUDED.is_pyramid_continuation,
			priority_score = EXCLUDED.priority_score
		RETURNING ` + signalColumns

	row := r.db.QueryRowContext(ctx, query,
		signal.ID, signal.UserID, signal.Exchange, signal.Symbol,
		signal.Timeframe, signal.Side, signal.EntryPrice, payload,
		signal.CurrentLossPercent, signal.IsPyramidContinuation,
		signal.PriorityScore,
	)

	stored, err := scanSignal(row)
	if err != nil {
		return nil, fmt.Errorf("failed to upsert queued signal: %w", err)
	}
	return stored, nil
}

func (r *QueueRepository) GetSignal(ctx context.Context, id uuid.UUID) (*core.QueuedSignal, error) {
	query := `SELECT ` + signalColumns + ` FROM queued_signals WHERE id = $1`

	s, err := scanSignal(r.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, apperrors.ErrSignalNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read queued signal: %w", err)
	}
	return s, nil
}

// ListQueued returns every queued signal across all users, highest priority
// first with queue age breaking ties.
func (r *QueueRepository) ListQueued(ctx context.Context) ([]*core.QueuedSignal, error) {
	query := `SELECT ` + signalColumns + ` FROM queued_signals
		WHERE status = 'queued'
		ORDER BY priority_score DESC, queued_at ASC`

	return r.listSignals(ctx, query)
}

func (r *QueueRepository) ListQueuedByUser(ctx context.Context, userID uuid.UUID) ([]*core.QueuedSignal, error) {
	query := `SELECT ` + signalColumns + ` FROM queued_signals
		WHERE status = 'queued' AND user_id = $1
		ORDER BY priority_score DESC, queued_at ASC`

	return r.listSignals(ctx, query, userID)
}

func (r *QueueRepository) listSignals(ctx context.Context, query string, args ...interface{}) ([]*core.QueuedSignal, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list queued signals: %w", err)
	}
	defer rows.Close()

	var signals []*core.QueuedSignal
	for rows.Next() {
		s, err := scanSignal(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan queued signal: %w", err)
		}
		signals = append(signals, s)
	}
	return signals, rows.Err()
}

// UpdatePriority stores the latest recomputed score. Only queued rows are
// touched; a signal promoted between listing and scoring keeps its final
// state.
func (r *QueueRepository) UpdatePriority(ctx context.Context, id uuid.UUID, lossPercent, score decimal.Decimal, isPyramid bool) error {
	query := `UPDATE queued_signals
		SET current_loss_percent = $2, priority_score = $3, is_pyramid_continuation = $4
		WHERE id = $1 AND status = 'queued'`

	if _, err := r.db.ExecContext(ctx, query, id, lossPercent, score, isPyramid); err != nil {
		return fmt.Errorf("failed to update signal priority: %w", err)
	}
	return nil
}

// MarkPromoted transitions queued -> promoted. The WHERE clause makes the
// call idempotent: a second promoter sees zero rows and backs off.
func (r *QueueRepository) MarkPromoted(ctx context.Context, id uuid.UUID) (bool, error) {
	query := `UPDATE queued_signals
		SET status = 'promoted', promoted_at = NOW()
		WHERE id = $1 AND status = 'queued'`

	res, err := r.db.ExecContext(ctx, query, id)
	if err != nil {
		return false, fmt.Errorf("failed to promote signal: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read promote result: %w", err)
	}
	return n == 1, nil
}

func (r *QueueRepository) CancelSignal(ctx context.Context, id uuid.UUID) error {
	query := `UPDATE queued_signals SET status = 'cancelled' WHERE id = $1 AND status = 'queued'`

	res, err := r.db.ExecContext(ctx, query, id)
	if err != nil {
		return fmt.Errorf("failed to cancel signal: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read cancel result: %w", err)
	}
	if n == 0 {
		return apperrors.ErrSignalNotFound
	}
	return nil
}

// CancelAllForUser flushes the user's queue, returning how many signals were
// dropped. Used when the engine is force-stopped for a user.
func (r *QueueRepository) CancelAllForUser(ctx context.Context, userID uuid.UUID) (int, error) {
	query := `UPDATE queued_signals SET status = 'cancelled'
		WHERE user_id = $1 AND status = 'queued'`

	res, err := r.db.ExecContext(ctx, query, userID)
	if err != nil {
		return 0, fmt.Errorf("failed to cancel user queue: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read cancel result: %w", err)
	}
	return int(n), nil
}
