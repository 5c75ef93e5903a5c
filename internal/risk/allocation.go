// Package risk enforces the per-user risk configuration: pre-trade admission
// checks, grace-timer maintenance, loser/winner hedge selection and the
// daily-loss circuit breaker.
package risk

import (
	"context"
	"strings"

	"github.com/shopspring/decimal"

	"dca_engine/internal/core"
)

var hundred = decimal.NewFromInt(100)

// AllocationUSD returns the capital to commit to one position:
// min(risk_per_position_percent × freeBalance, per-position cap, total
// exposure limit). Limits that are zero or negative are treated as absent.
func AllocationUSD(cfg *core.RiskConfig, freeBalance decimal.Decimal) decimal.Decimal {
	alloc := freeBalance.Mul(cfg.RiskPerPositionPercent).Div(hundred)
	if cfg.RiskPerPositionCapUSD.IsPositive() && alloc.GreaterThan(cfg.RiskPerPositionCapUSD) {
		alloc = cfg.RiskPerPositionCapUSD
	}
	if cfg.MaxTotalExposureUSD.IsPositive() && alloc.GreaterThan(cfg.MaxTotalExposureUSD) {
		alloc = cfg.MaxTotalExposureUSD
	}
	return alloc
}

// ResolveAllocation computes the USD allocation for a signal on symbol,
// reading the user's free quote-asset balance from the connector. A failed
// balance fetch falls back to the configured default allocation so a flaky
// balance endpoint cannot stall signal flow; so does a non-positive result
// (risk_per_position_percent unset).
func ResolveAllocation(ctx context.Context, ex core.IExchange, cfg *core.RiskConfig, symbol string, logger core.ILogger) decimal.Decimal {
	free, err := ex.FetchFreeBalance(ctx)
	if err != nil {
		logger.Warn("Balance fetch failed, using default allocation",
			"exchange", ex.Name(),
			"symbol", symbol,
			"default_usd", cfg.DefaultAllocationUSD,
			"error", err)
		return cfg.DefaultAllocationUSD
	}
	alloc := AllocationUSD(cfg, free[quoteAsset(symbol)])
	if !alloc.IsPositive() {
		return cfg.DefaultAllocationUSD
	}
	return alloc
}

// quoteAsset extracts the quote currency from a canonical BASE/QUOTE symbol.
func quoteAsset(symbol string) string {
	if i := strings.LastIndex(symbol, "/"); i >= 0 {
		return symbol[i+1:]
	}
	return "USDT"
}
