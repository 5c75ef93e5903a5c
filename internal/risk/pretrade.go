package risk

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"dca_engine/internal/core"
	apperrors "dca_engine/pkg/errors"
)

// Checker implements core.IPreTradeChecker. It reads live store state on
// every call; nothing is cached, so an admin flag flip takes effect on the
// next signal.
type Checker struct {
	groups  core.IGroupStore
	configs core.IConfigStore
	logger  core.ILogger
}

func NewChecker(groups core.IGroupStore, configs core.IConfigStore, logger core.ILogger) *Checker {
	return &Checker{
		groups:  groups,
		configs: configs,
		logger:  logger.WithField("component", "pretrade"),
	}
}

// Check validates a proposal against the user's limits. Position-count
// limits are skipped for pyramid continuations, which grow an existing group
// instead of opening a new one; exposure and daily-loss limits always apply.
// Zero-valued limits disable their checks.
func (c *Checker) Check(ctx context.Context, userID uuid.UUID, symbol string, proposedUSD decimal.Decimal, isPyramidContinuation bool) error {
	cfg, err := c.configs.GetRiskConfig(ctx, userID)
	if err != nil {
		return fmt.Errorf("failed to load risk config: %w", err)
	}

	if cfg.EngineForceStopped {
		return apperrors.ErrEngineForceStopped
	}
	if cfg.EnginePausedByLossLimit {
		return apperrors.ErrEnginePaused
	}

	groups, err := c.groups.ListActiveGroupsByUser(ctx, userID)
	if err != nil {
		return fmt.Errorf("failed to list active groups: %w", err)
	}

	if !isPyramidContinuation {
		if cfg.MaxOpenPositionsGlobal > 0 && len(groups) >= cfg.MaxOpenPositionsGlobal {
			return fmt.Errorf("%w: max open positions (%d) reached",
				apperrors.ErrRiskDenied, cfg.MaxOpenPositionsGlobal)
		}
		onSymbol := 0
		for _, g := range groups {
			if g.Symbol == symbol {
				onSymbol++
			}
		}
		if cfg.MaxOpenPositionsPerSymbol > 0 && onSymbol >= cfg.MaxOpenPositionsPerSymbol {
			return fmt.Errorf("%w: max open positions on %s (%d) reached",
				apperrors.ErrRiskDenied, symbol, cfg.MaxOpenPositionsPerSymbol)
		}
	}

	if cfg.MaxTotalExposureUSD.IsPositive() {
		exposure := decimal.Zero
		for _, g := range groups {
			exposure = exposure.Add(g.TotalInvestedUSD)
		}
		if exposure.Add(proposedUSD).GreaterThan(cfg.MaxTotalExposureUSD) {
			return fmt.Errorf("%w: exposure %s + proposed %s exceeds limit %s",
				apperrors.ErrRiskDenied, exposure, proposedUSD, cfg.MaxTotalExposureUSD)
		}
	}

	if cfg.MaxDailyLossUSD.IsPositive() {
		realized, err := c.groups.DailyRealizedPnL(ctx, userID, time.Now().UTC())
		if err != nil {
			return fmt.Errorf("failed to read daily realized pnl: %w", err)
		}
		if realized.LessThan(cfg.MaxDailyLossUSD.Neg()) {
			// Crossing the limit pauses promotion until an operator
			// force-starts the engine.
			cfg.EnginePausedByLossLimit = true
			if err := c.configs.SaveRiskConfig(ctx, cfg); err != nil {
				c.logger.Error("Failed to persist loss-limit pause",
					"user_id", userID,
					"error", err)
			} else {
				c.logger.Warn("Engine paused by daily loss limit",
					"user_id", userID,
					"realized_usd", realized,
					"limit_usd", cfg.MaxDailyLossUSD)
			}
			return fmt.Errorf("%w: daily realized %s beyond loss limit %s",
				apperrors.ErrEnginePaused, realized, cfg.MaxDailyLossUSD)
		}
	}

	return nil
}
