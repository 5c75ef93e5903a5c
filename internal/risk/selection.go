package risk

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"dca_engine/internal/core"
	"dca_engine/pkg/mathutil"
)

// defaultMaxWinners caps how many profitable groups one hedge may tap when
// the configuration does not say.
const defaultMaxWinners = 3

// refreshUnrealized marks every exposed group to market so selection reads
// current numbers, and feeds the per-user unrealized gauge. A group whose
// price cannot be read keeps its previous mark.
func (e *Engine) refreshUnrealized(ctx context.Context, userID uuid.UUID, groups []*core.PositionGroup, books map[string]map[string]core.Ticker) {
	total := decimal.Zero
	for _, group := range groups {
		if !group.HasExposure() || !group.WeightedAvgEntry.IsPositive() {
			continue
		}
		price, ok := e.lastPrice(ctx, group, books)
		if !ok {
			total = total.Add(group.UnrealizedPnLUSD)
			continue
		}
		isLong := group.Side == core.SideLong
		pnlUSD := mathutil.UnrealizedPnL(group.WeightedAvgEntry, price, group.TotalFilledQuantity, isLong)
		pnlPercent := mathutil.PercentDistance(group.WeightedAvgEntry, price)
		if !isLong {
			pnlPercent = pnlPercent.Neg()
		}
		if err := e.groups.UpdateGroupUnrealized(ctx, group.ID, pnlUSD, pnlPercent); err != nil {
			e.logger.Warn("Failed to persist unrealized PnL",
				"group_id", group.ID,
				"error", err)
		}
		group.UnrealizedPnLUSD = pnlUSD
		group.UnrealizedPnLPercent = pnlPercent
		total = total.Add(pnlUSD)
	}
	e.metrics.SetUnrealizedPnL(userID.String(), total.InexactFloat64())
}

func (e *Engine) lastPrice(ctx context.Context, group *core.PositionGroup, books map[string]map[string]core.Ticker) (price decimal.Decimal, ok bool) {
	book, cached := books[group.Exchange]
	if !cached {
		ex, err := e.provider.ConnectorFor(ctx, group.UserID, group.Exchange)
		if err != nil {
			e.logger.Warn("No connector for group",
				"group_id", group.ID,
				"exchange", group.Exchange,
				"error", err)
			return price, false
		}
		book, err = e.tickers.Tickers(ctx, ex)
		if err != nil {
			e.logger.Warn("Ticker fetch failed",
				"exchange", group.Exchange,
				"error", err)
			return price, false
		}
		books[group.Exchange] = book
	}
	ticker, found := book[group.Symbol]
	if !found {
		e.logger.Warn("No ticker for symbol",
			"symbol", group.Symbol,
			"exchange", group.Exchange)
		return price, false
	}
	return ticker.Last, true
}

// selectLoser returns the group most in need of rescue: deepest loss by
// percent, then by dollars, then the oldest. Nil when nothing qualifies.
func selectLoser(cfg *core.RiskConfig, groups []*core.PositionGroup, now time.Time) *core.PositionGroup {
	var losers []*core.PositionGroup
	for _, group := range groups {
		if eligibleLoser(cfg, group, now) {
			losers = append(losers, group)
		}
	}
	if len(losers) == 0 {
		return nil
	}
	sort.Slice(losers, func(i, j int) bool {
		pi, pj := losers[i].UnrealizedPnLPercent.Abs(), losers[j].UnrealizedPnLPercent.Abs()
		if !pi.Equal(pj) {
			return pi.GreaterThan(pj)
		}
		ui, uj := losers[i].UnrealizedPnLUSD.Abs(), losers[j].UnrealizedPnLUSD.Abs()
		if !ui.Equal(uj) {
			return ui.GreaterThan(uj)
		}
		return losers[i].CreatedAt.Before(losers[j].CreatedAt)
	})
	return losers[0]
}

// eligibleLoser reports whether the group qualifies for a hedge close. A
// zero loss threshold disables loser selection entirely, like every other
// zero-valued limit.
func eligibleLoser(cfg *core.RiskConfig, group *core.PositionGroup, now time.Time) bool {
	if cfg.LossThresholdPercent.IsZero() {
		return false
	}
	if group.Status != core.GroupStatusActive {
		return false
	}
	if !group.RiskEligible || group.RiskBlocked || group.RiskSkipOnce {
		return false
	}
	if group.UnrealizedPnLPercent.GreaterThan(cfg.LossThresholdPercent) {
		return false
	}
	if cfg.RequireFullPyramids && group.PyramidCount < group.MaxPyramids {
		return false
	}
	if cfg.UseTradeAgeFilter && now.Sub(group.CreatedAt) < time.Duration(cfg.AgeThresholdMinutes)*time.Minute {
		return false
	}
	return true
}

// selectWinners returns the profit donors, best first, capped by the user's
// combine limit.
func selectWinners(cfg *core.RiskConfig, groups []*core.PositionGroup) []*core.PositionGroup {
	var winners []*core.PositionGroup
	for _, group := range groups {
		if group.Status != core.GroupStatusActive || !group.UnrealizedPnLUSD.IsPositive() {
			continue
		}
		winners = append(winners, group)
	}
	sort.Slice(winners, func(i, j int) bool {
		return winners[i].UnrealizedPnLUSD.GreaterThan(winners[j].UnrealizedPnLUSD)
	})
	limit := cfg.MaxWinnersToCombine
	if limit <= 0 {
		limit = defaultMaxWinners
	}
	if len(winners) > limit {
		winners = winners[:limit]
	}
	return winners
}
