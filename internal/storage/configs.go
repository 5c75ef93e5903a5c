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

// ConfigRepository reads DCA configurations and reads/writes risk configs.
type ConfigRepository struct {
	db *sql.DB
}

const dcaConfigColumns = `id, user_id, pair, timeframe, exchange, entry_order_type,
	levels, pyramid_levels, tp_mode, tp_aggregate_percent, max_pyramids,
	cancel_dca_beyond_percent, created_at, updated_at`

// GetDCAConfig resolves the exact (pair, timeframe, exchange) row, falling
// back to the user's default row. No row at all maps to ErrConfigNotFound.
func (r *ConfigRepository) GetDCAConfig(ctx context.Context, userID uuid.UUID, pair, timeframe, exchange string) (*core.DCAConfiguration, error) {
	exact := `SELECT ` + dcaConfigColumns + ` FROM dca_configurations
		WHERE user_id = $1 AND pair = $2 AND timeframe = $3 AND exchange = $4 AND NOT is_default`

	cfg, err := r.scanDCAConfig(r.db.QueryRowContext(ctx, exact, userID, pair, timeframe, exchange))
	if err == nil {
		return cfg, nil
	}
	if err != sql.ErrNoRows {
		return nil, fmt.Errorf("failed to read dca configuration: %w", err)
	}

	fallback := `SELECT ` + dcaConfigColumns + ` FROM dca_configurations
		WHERE user_id = $1 AND is_default`

	cfg, err = r.scanDCAConfig(r.db.QueryRowContext(ctx, fallback, userID))
	if err == sql.ErrNoRows {
		return nil, apperrors.ErrConfigNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read default dca configuration: %w", err)
	}
	return cfg, nil
}

// SaveDCAConfig upserts a configuration row on its (pair, timeframe,
// exchange) key. Used by administrative tooling and tests.
func (r *ConfigRepository) SaveDCAConfig(ctx context.Context, cfg *core.DCAConfiguration, isDefault bool) error {
	levels, err := json.Marshal(cfg.Levels)
	if err != nil {
		return fmt.Errorf("failed to marshal levels: %w", err)
	}
	pyramidLevels, err := json.Marshal(cfg.PyramidLevels)
	if err != nil {
		return fmt.Errorf("failed to marshal pyramid levels: %w", err)
	}

	if cfg.ID == uuid.Nil {
		cfg.ID = uuid.New()
	}

	query := `INSERT INTO dca_configurations
		(id, user_id, pair, timeframe, exchange, is_default, entry_order_type,
		 levels, pyramid_levels, tp_mode, tp_aggregate_percent, max_pyramids,
		 cancel_dca_beyond_percent)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (user_id, pair, timeframe, exchange) DO UPDATE SET
			entry_order_type = EXCLUDED.entry_order_type,
			levels = EXCLUDED.levels,
			pyramid_levels = EXCLUDED.pyramid_levels,
			tp_mode = EXCLUDED.tp_mode,
			tp_aggregate_percent = EXCLUDED.tp_aggregate_percent,
			max_pyramids = EXCLUDED.max_pyramids,
			cancel_dca_beyond_percent = EXCLUDED.cancel_dca_beyond_percent,
			updated_at = NOW()`

	_, err = r.db.ExecContext(ctx, query, cfg.ID, cfg.UserID, cfg.Pair, cfg.Timeframe,
		cfg.Exchange, isDefault, cfg.EntryOrderType, levels, pyramidLevels,
		cfg.TPMode, cfg.TPAggregatePercent, cfg.MaxPyramids, cfg.CancelDCABeyondPercent)
	if err != nil {
		return fmt.Errorf("failed to save dca configuration: %w", err)
	}
	return nil
}

func (r *ConfigRepository) scanDCAConfig(row *sql.Row) (*core.DCAConfiguration, error) {
	var cfg core.DCAConfiguration
	var levels, pyramidLevels []byte

	err := row.Scan(&cfg.ID, &cfg.UserID, &cfg.Pair, &cfg.Timeframe, &cfg.Exchange,
		&cfg.EntryOrderType, &levels, &pyramidLevels, &cfg.TPMode,
		&cfg.TPAggregatePercent, &cfg.MaxPyramids, &cfg.CancelDCABeyondPercent,
		&cfg.CreatedAt, &cfg.UpdatedAt)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(levels, &cfg.Levels); err != nil {
		return nil, fmt.Errorf("failed to unmarshal levels: %w", err)
	}
	if len(pyramidLevels) > 0 {
		if err := json.Unmarshal(pyramidLevels, &cfg.PyramidLevels); err != nil {
			return nil, fmt.Errorf("failed to unmarshal pyramid levels: %w", err)
		}
	}
	return &cfg, nil
}

// GetRiskConfig returns the user's risk configuration, or the engine
// defaults when the user has no row yet. Zero-valued limits are disabled.
func (r *ConfigRepository) GetRiskConfig(ctx context.Context, userID uuid.UUID) (*core.RiskConfig, error) {
	query := `SELECT user_id, max_open_positions_global, max_open_positions_per_symbol,
		max_total_exposure_usd, max_daily_loss_usd, risk_per_position_percent,
		risk_per_position_cap_usd, default_allocation_usd, loss_threshold_percent,
		post_full_wait_minutes, timer_start_condition, require_full_pyramids,
		use_trade_age_filter, age_threshold_minutes, max_winners_to_combine,
		same_pair_timeframe_bypass, max_slots, engine_paused_by_loss_limit,
		engine_force_stopped, updated_at
		FROM risk_configs WHERE user_id = $1`

	var cfg core.RiskConfig
	err := r.db.QueryRowContext(ctx, query, userID).Scan(
		&cfg.UserID, &cfg.MaxOpenPositionsGlobal, &cfg.MaxOpenPositionsPerSymbol,
		&cfg.MaxTotalExposureUSD, &cfg.MaxDailyLossUSD, &cfg.RiskPerPositionPercent,
		&cfg.RiskPerPositionCapUSD, &cfg.DefaultAllocationUSD, &cfg.LossThresholdPercent,
		&cfg.PostFullWaitMinutes, &cfg.TimerStartCondition, &cfg.RequireFullPyramids,
		&cfg.UseTradeAgeFilter, &cfg.AgeThresholdMinutes, &cfg.MaxWinnersToCombine,
		&cfg.SamePairTimeframeBypass, &cfg.MaxSlots, &cfg.EnginePausedByLossLimit,
		&cfg.EngineForceStopped, &cfg.UpdatedAt)
	if err == sql.ErrNoRows {
		return DefaultRiskConfig(userID), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read risk configuration: %w", err)
	}
	return &cfg, nil
}

// SaveRiskConfig upserts the user's risk configuration.
func (r *ConfigRepository) SaveRiskConfig(ctx context.Context, cfg *core.RiskConfig) error {
	query := `INSERT INTO risk_configs
		(user_id, max_open_positions_global, max_open_positions_per_symbol,
		 max_total_exposure_usd, max_daily_loss_usd, risk_per_position_percent,
		 risk_per_position_cap_usd, default_allocation_usd, loss_threshold_percent,
		 post_full_wait_minutes, timer_start_condition, require_full_pyramids,
		 use_trade_age_filter, age_threshold_minutes, max_winners_to_combine,
		 same_pair_timeframe_bypass, max_slots, engine_paused_by_loss_limit,
		 engine_force_stopped, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, NOW())
		ON CONFLICT (user_id) DO UPDATE SET
			max_open_positions_global = EXCLUDED.max_open_positions_global,
			max_open_positions_per_symbol = EXCLUDED.max_open_positions_per_symbol,
			max_total_exposure_usd = EXCLUDED.max_total_exposure_usd,
			max_daily_loss_usd = EXCLUDED.max_daily_loss_usd,
			risk_per_position_percent = EXCLUDED.risk_per_position_percent,
			risk_per_position_cap_usd = EXCLUDED.risk_per_position_cap_usd,
			default_allocation_usd = EXCLUDED.default_allocation_usd,
			loss_threshold_percent = EXCLUDED.loss_threshold_percent,
			post_full_wait_minutes = EXCLUDED.post_full_wait_minutes,
			timer_start_condition = EXCLUDED.timer_start_condition,
			require_full_pyramids = EXCLUDED.require_full_pyramids,
			use_trade_age_filter = EXCLUDED.use_trade_age_filter,
			age_threshold_minutes = EXCLUDED.age_threshold_minutes,
			max_winners_to_combine = EXCLUDED.max_winners_to_combine,
			same_pair_timeframe_bypass = EXCLUDED.same_pair_timeframe_bypass,
			max_slots = EXCLUDED.max_slots,
			engine_paused_by_loss_limit = EXCLUDED.engine_paused_by_loss_limit,
			engine_force_stopped = EXCLUDED.engine_force_stopped,
			updated_at = NOW()`

	_, err := r.db.ExecContext(ctx, query, cfg.UserID, cfg.MaxOpenPositionsGlobal,
		cfg.MaxOpenPositionsPerSymbol, cfg.MaxTotalExposureUSD, cfg.MaxDailyLossUSD,
		cfg.RiskPerPositionPercent, cfg.RiskPerPositionCapUSD, cfg.DefaultAllocationUSD,
		cfg.LossThresholdPercent, cfg.PostFullWaitMinutes, cfg.TimerStartCondition,
		cfg.RequireFullPyramids, cfg.UseTradeAgeFilter, cfg.AgeThresholdMinutes,
		cfg.MaxWinnersToCombine, cfg.SamePairTimeframeBypass, cfg.MaxSlots,
		cfg.EnginePausedByLossLimit, cfg.EngineForceStopped)
	if err != nil {
		return fmt.Errorf("failed to save risk configuration: %w", err)
	}
	return nil
}

// DefaultRiskConfig is applied to users without a risk_configs row.
// Zero-valued USD limits and thresholds disable their checks.
func DefaultRiskConfig(userID uuid.UUID) *core.RiskConfig {
	return &core.RiskConfig{
		UserID:                    userID,
		MaxOpenPositionsGlobal:    10,
		MaxOpenPositionsPerSymbol: 1,
		MaxTotalExposureUSD:       decimal.Zero,
		MaxDailyLossUSD:           decimal.Zero,
		RiskPerPositionPercent:    decimal.Zero,
		RiskPerPositionCapUSD:     decimal.Zero,
		DefaultAllocationUSD:      decimal.NewFromInt(100),
		LossThresholdPercent:      decimal.Zero,
		PostFullWaitMinutes:       60,
		TimerStartCondition:       core.TimerAfterAllDCAFilled,
		MaxWinnersToCombine:       3,
		MaxSlots:                  3,
	}
}
