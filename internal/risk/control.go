package risk

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"dca_engine/internal/core"
)

// ForceStopEngine halts signal intake for the user: every queued signal is
// cancelled and new promotions are denied until a force-start. Open
// positions keep self-managing through the monitor. Idempotent.
func (e *Engine) ForceStopEngine(ctx context.Context, userID uuid.UUID) error {
	cancelled, err := e.queue.CancelAllForUser(ctx, userID)
	if err != nil {
		return fmt.Errorf("failed to cancel queued signals: %w", err)
	}

	cfg, err := e.configs.GetRiskConfig(ctx, userID)
	if err != nil {
		return fmt.Errorf("failed to load risk config: %w", err)
	}
	if !cfg.EngineForceStopped {
		cfg.EngineForceStopped = true
		if err := e.configs.SaveRiskConfig(ctx, cfg); err != nil {
			return fmt.Errorf("failed to persist force-stop: %w", err)
		}
	}

	e.logger.Warn("Engine force-stopped",
		"user_id", userID,
		"cancelled_signals", cancelled)
	if e.alerter != nil {
		e.alerter.SendAlert(ctx, core.AlertWarning, "Engine force-stopped",
			fmt.Sprintf("signal intake halted, %d queued signal(s) cancelled", cancelled),
			map[string]string{"user_id": userID.String()})
	}
	return nil
}

// ForceStartEngine clears both the loss-limit pause and the force-stop so
// promotion resumes on the next cycle. Idempotent.
func (e *Engine) ForceStartEngine(ctx context.Context, userID uuid.UUID) error {
	cfg, err := e.configs.GetRiskConfig(ctx, userID)
	if err != nil {
		return fmt.Errorf("failed to load risk config: %w", err)
	}
	if cfg.EnginePausedByLossLimit || cfg.EngineForceStopped {
		cfg.EnginePausedByLossLimit = false
		cfg.EngineForceStopped = false
		if err := e.configs.SaveRiskConfig(ctx, cfg); err != nil {
			return fmt.Errorf("failed to persist force-start: %w", err)
		}
	}

	e.logger.Info("Engine force-started", "user_id", userID)
	return nil
}

// enforceDailyLoss pauses the user's engine when today's realized loss has
// crossed the configured limit. Open positions are left alone; only new
// promotions stop.
func (e *Engine) enforceDailyLoss(ctx context.Context, cfg *core.RiskConfig) error {
	if !cfg.MaxDailyLossUSD.IsPositive() || cfg.EnginePausedByLossLimit {
		return nil
	}
	realized, err := e.groups.DailyRealizedPnL(ctx, cfg.UserID, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to read daily realized pnl: %w", err)
	}
	if realized.GreaterThanOrEqual(cfg.MaxDailyLossUSD.Neg()) {
		return nil
	}

	cfg.EnginePausedByLossLimit = true
	if err := e.configs.SaveRiskConfig(ctx, cfg); err != nil {
		return fmt.Errorf("failed to persist loss-limit pause: %w", err)
	}

	e.logger.Warn("Engine paused by daily loss limit",
		"user_id", cfg.UserID,
		"realized_usd", realized,
		"limit_usd", cfg.MaxDailyLossUSD)
	if e.alerter != nil {
		e.alerter.SendAlert(ctx, core.AlertCritical, "Engine paused by daily loss limit",
			fmt.Sprintf("today's realized %s USD is beyond the %s USD limit",
				realized.StringFixed(2), cfg.MaxDailyLossUSD.StringFixed(2)),
			map[string]string{"user_id": cfg.UserID.String()})
	}
	return nil
}
