package risk

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"dca_engine/internal/core"
	"dca_engine/pkg/mathutil"
)

// winnerClose is one planned partial close: take quantity off the winner at
// roughly price, realizing its share of the cover.
type winnerClose struct {
	group    *core.PositionGroup
	quantity decimal.Decimal
	price    decimal.Decimal
}

// executeHedge closes the loser outright and realizes just enough winner
// profit to cover its captured loss, then writes the audit row. When no
// winner can produce an executable close, the hedge is deferred to a later
// cycle rather than closing the loser uncovered.
func (e *Engine) executeHedge(ctx context.Context, cfg *core.RiskConfig, loser *core.PositionGroup, winners []*core.PositionGroup, books map[string]map[string]core.Ticker) error {
	// The loser's mark is captured before the close zeroes it; the audit row
	// must carry the loss that triggered the hedge.
	capturedPnL := loser.UnrealizedPnLUSD
	required := capturedPnL.Abs()

	plan := e.planWinnerCloses(ctx, winners, required, books)
	if len(plan) == 0 && required.IsPositive() {
		e.logger.Debug("No executable winner plan, hedge deferred",
			"loser_group_id", loser.ID,
			"required_usd", required)
		return nil
	}

	e.logger.Warn("Executing risk hedge",
		"user_id", loser.UserID,
		"loser_group_id", loser.ID,
		"loser_symbol", loser.Symbol,
		"loser_pnl_usd", capturedPnL,
		"winners", len(plan))

	if err := e.closer.CloseGroup(ctx, loser, "risk_hedge"); err != nil {
		return fmt.Errorf("failed to close loser group %s: %w", loser.ID, err)
	}

	contributions := make([]core.WinnerContribution, 0, len(plan))
	for _, wc := range plan {
		contribution, err := e.closeWinnerSlice(ctx, wc)
		if err != nil {
			e.logger.Error("Winner partial close failed",
				"group_id", wc.group.ID,
				"symbol", wc.group.Symbol,
				"quantity", wc.quantity,
				"error", err)
			continue
		}
		contributions = append(contributions, contribution)
	}

	action := &core.RiskAction{
		UserID:        loser.UserID,
		LoserGroupID:  loser.ID,
		LoserPnLUSD:   capturedPnL,
		Contributions: contributions,
	}
	if err := e.actions.RecordAction(ctx, action); err != nil {
		return fmt.Errorf("failed to record risk action: %w", err)
	}

	e.metrics.IncRiskHedges(ctx)
	if e.alerter != nil {
		e.alerter.SendAlert(ctx, core.AlertWarning, "Risk hedge executed",
			fmt.Sprintf("%s %s closed at %s USD, covered by %d winner(s)",
				loser.Symbol, loser.Side, capturedPnL.StringFixed(2), len(contributions)),
			map[string]string{
				"user_id":        loser.UserID.String(),
				"loser_group_id": loser.ID.String(),
			})
	}

	return e.enforceDailyLoss(ctx, cfg)
}

// planWinnerCloses sizes a partial close per winner, in order, until the
// projected realizations cover required. Winners that cannot produce an
// executable close (no price, no precision coverage, below venue minimums,
// mark gone stale) are skipped without consuming cover.
func (e *Engine) planWinnerCloses(ctx context.Context, winners []*core.PositionGroup, required decimal.Decimal, books map[string]map[string]core.Ticker) []winnerClose {
	var plan []winnerClose
	remaining := required
	rules := make(map[string]map[string]core.PrecisionRule)

	for _, winner := range winners {
		if !remaining.IsPositive() {
			break
		}
		price, ok := e.lastPrice(ctx, winner, books)
		if !ok {
			continue
		}
		rule, ok := e.precisionRule(ctx, winner, rules)
		if !ok {
			continue
		}

		isLong := winner.Side == core.SideLong
		perUnit := price.Sub(winner.WeightedAvgEntry)
		if !isLong {
			perUnit = winner.WeightedAvgEntry.Sub(price)
		}
		if !perUnit.IsPositive() {
			// Marked as a winner on an earlier price; it has come back.
			continue
		}

		profitToTake := decimal.Min(winner.UnrealizedPnLUSD, remaining)
		qty := mathutil.FloorToStep(profitToTake.Div(perUnit), rule.StepSize)
		if !qty.IsPositive() || qty.Mul(price).LessThan(rule.MinNotional) {
			e.logger.Debug("Winner close below exchange minimums",
				"group_id", winner.ID,
				"symbol", winner.Symbol,
				"quantity", qty)
			continue
		}
		if qty.GreaterThan(winner.TotalFilledQuantity) {
			qty = winner.TotalFilledQuantity
		}

		plan = append(plan, winnerClose{group: winner, quantity: qty, price: price})
		remaining = remaining.Sub(qty.Mul(perUnit))
	}
	return plan
}

// closeWinnerSlice market-closes the planned quantity and books the realized
// share onto the winner, leaving its average entry untouched.
func (e *Engine) closeWinnerSlice(ctx context.Context, wc winnerClose) (core.WinnerContribution, error) {
	result, err := e.orders.PlaceMarketClose(ctx, wc.group, wc.quantity)
	if err != nil {
		return core.WinnerContribution{}, err
	}

	closedQty := wc.quantity
	if result.FilledQuantity.IsPositive() {
		closedQty = result.FilledQuantity
	}
	exitPrice := wc.price
	if result.AvgFillPrice.IsPositive() {
		exitPrice = result.AvgFillPrice
	}

	isLong := wc.group.Side == core.SideLong
	realized := mathutil.UnrealizedPnL(wc.group.WeightedAvgEntry, exitPrice, closedQty, isLong)
	if err := e.groups.ApplyPartialClose(ctx, wc.group.ID, closedQty, realized); err != nil {
		return core.WinnerContribution{}, err
	}

	e.metrics.AddPnLRealized(ctx, realized.InexactFloat64())
	e.logger.Info("Winner profit realized",
		"group_id", wc.group.ID,
		"symbol", wc.group.Symbol,
		"quantity", closedQty,
		"realized_usd", realized)

	return core.WinnerContribution{
		GroupID:        wc.group.ID,
		PnLUSD:         realized,
		QuantityClosed: closedQty,
	}, nil
}

// precisionRule resolves the symbol's trading rule, memoizing per exchange
// for the evaluation.
func (e *Engine) precisionRule(ctx context.Context, group *core.PositionGroup, memo map[string]map[string]core.PrecisionRule) (core.PrecisionRule, bool) {
	rules, cached := memo[group.Exchange]
	if !cached {
		ex, err := e.provider.ConnectorFor(ctx, group.UserID, group.Exchange)
		if err != nil {
			e.logger.Warn("No connector for precision rules",
				"group_id", group.ID,
				"exchange", group.Exchange,
				"error", err)
			return core.PrecisionRule{}, false
		}
		rules, err = e.precision.Rules(ctx, ex)
		if err != nil {
			e.logger.Warn("Precision fetch failed",
				"exchange", group.Exchange,
				"error", err)
			return core.PrecisionRule{}, false
		}
		memo[group.Exchange] = rules
	}
	rule, ok := rules[group.Symbol]
	return rule, ok
}
