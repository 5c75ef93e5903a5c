package risk

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"

	"dca_engine/internal/core"
	apperrors "dca_engine/pkg/errors"
)

func TestCycleHedgesLoserWithWinnerProfit(t *testing.T) {
	f := newRiskFixture(t)
	f.riskConfig(t, nil)

	loser := f.seedGroup(t, "BTC/USDT", core.SideLong, 50000, 0.01)
	winner := f.seedGroup(t, "ETH/USDT", core.SideLong, 4000, 0.5)
	f.makeEligible(t, loser.ID)

	// BTC drops 20% under the average, ETH runs 10% above it.
	f.venue.SetPrice("BTC/USDT", decimal.NewFromInt(40000))
	f.venue.SetPrice("ETH/USDT", decimal.NewFromInt(4400))

	f.cycle(t)

	closed := f.group(t, loser.ID)
	if closed.Status != core.GroupStatusClosed {
		t.Fatalf("loser status %s, want closed", closed.Status)
	}
	if !closed.RealizedPnLUSD.Equal(decimal.NewFromInt(-100)) {
		t.Errorf("loser realized %s, want -100", closed.RealizedPnLUSD)
	}
	if !closed.TotalFilledQuantity.IsZero() {
		t.Errorf("loser exposure %s, want zero", closed.TotalFilledQuantity)
	}

	cut := f.group(t, winner.ID)
	if cut.Status != core.GroupStatusActive {
		t.Errorf("winner status %s, want active: only a slice of it is sold", cut.Status)
	}
	// 100 USD of loss at 400 USD profit per ETH means 0.25 ETH sold.
	if !cut.TotalFilledQuantity.Equal(decimal.NewFromFloat(0.25)) {
		t.Errorf("winner remaining %s, want 0.25", cut.TotalFilledQuantity)
	}
	if !cut.RealizedPnLUSD.Equal(decimal.NewFromInt(100)) {
		t.Errorf("winner realized %s, want 100", cut.RealizedPnLUSD)
	}
	if !cut.WeightedAvgEntry.Equal(decimal.NewFromInt(4000)) {
		t.Errorf("winner average entry %s, want unchanged 4000", cut.WeightedAvgEntry)
	}

	actions := f.userActions(t)
	if len(actions) != 1 {
		t.Fatalf("recorded actions %d, want 1", len(actions))
	}
	action := actions[0]
	if action.LoserGroupID != loser.ID {
		t.Errorf("action loser %s, want %s", action.LoserGroupID, loser.ID)
	}
	if !action.LoserPnLUSD.Equal(decimal.NewFromInt(-100)) {
		t.Errorf("action loser pnl %s, want the -100 mark before the close", action.LoserPnLUSD)
	}
	if len(action.Contributions) != 1 {
		t.Fatalf("contributions %d, want 1", len(action.Contributions))
	}
	contrib := action.Contributions[0]
	if contrib.GroupID != winner.ID {
		t.Errorf("contribution group %s, want %s", contrib.GroupID, winner.ID)
	}
	if !contrib.PnLUSD.Equal(decimal.NewFromInt(100)) || !contrib.QuantityClosed.Equal(decimal.NewFromFloat(0.25)) {
		t.Errorf("contribution %s USD / %s closed, want 100 / 0.25", contrib.PnLUSD, contrib.QuantityClosed)
	}

	// One market close per side of the hedge.
	if n := f.venue.OrderCount(); n != 2 {
		t.Errorf("venue orders %d, want 2", n)
	}
	var hedgeAlert bool
	for _, alert := range f.alerter.Alerts() {
		if alert.Title == "Risk hedge executed" && alert.Level == core.AlertWarning {
			hedgeAlert = true
		}
	}
	if !hedgeAlert {
		t.Error("hedge should raise a warning alert")
	}
}

func TestCycleHedgeSpansMultipleWinners(t *testing.T) {
	f := newRiskFixture(t)
	f.riskConfig(t, nil)

	f.venue.SetPrecisionRule("SOL/USDT", core.PrecisionRule{
		TickSize:    decimal.NewFromFloat(0.01),
		StepSize:    decimal.NewFromFloat(0.01),
		MinQty:      decimal.NewFromFloat(0.01),
		MinNotional: decimal.NewFromInt(5),
	})
	f.venue.SetPrice("SOL/USDT", decimal.NewFromInt(140))

	loser := f.seedGroup(t, "BTC/USDT", core.SideLong, 50000, 0.01) // -100 at 40000
	small := f.seedGroup(t, "ETH/USDT", core.SideLong, 4000, 0.1)   // +40 at 4400
	big := f.seedGroup(t, "SOL/USDT", core.SideLong, 100, 2)        // +80 at 140
	f.makeEligible(t, loser.ID)

	f.venue.SetPrice("BTC/USDT", decimal.NewFromInt(40000))
	f.venue.SetPrice("ETH/USDT", decimal.NewFromInt(4400))

	f.cycle(t)

	if got := f.group(t, loser.ID); got.Status != core.GroupStatusClosed {
		t.Fatalf("loser status %s, want closed", got.Status)
	}

	// The larger winner is drained first: all 2 SOL cover 80 USD, the
	// remaining 20 USD costs 0.05 ETH at 400 USD per unit.
	if got := f.group(t, big.ID); !got.TotalFilledQuantity.IsZero() {
		t.Errorf("first winner remaining %s, want fully drained", got.TotalFilledQuantity)
	}
	if got := f.group(t, small.ID); !got.TotalFilledQuantity.Equal(decimal.NewFromFloat(0.05)) {
		t.Errorf("second winner remaining %s, want 0.05", got.TotalFilledQuantity)
	}

	actions := f.userActions(t)
	if len(actions) != 1 || len(actions[0].Contributions) != 2 {
		t.Fatalf("want one action with two contributions, got %+v", actions)
	}
	first, second := actions[0].Contributions[0], actions[0].Contributions[1]
	if first.GroupID != big.ID || !first.PnLUSD.Equal(decimal.NewFromInt(80)) || !first.QuantityClosed.Equal(decimal.NewFromInt(2)) {
		t.Errorf("first contribution %+v, want 80 USD over 2 SOL", first)
	}
	if second.GroupID != small.ID || !second.PnLUSD.Equal(decimal.NewFromInt(20)) || !second.QuantityClosed.Equal(decimal.NewFromFloat(0.05)) {
		t.Errorf("second contribution %+v, want 20 USD over 0.05 ETH", second)
	}
	if n := f.venue.OrderCount(); n != 3 {
		t.Errorf("venue orders %d, want 3", n)
	}
}

func TestCycleSkipOnceShieldsOneEvaluation(t *testing.T) {
	f := newRiskFixture(t)
	f.riskConfig(t, nil)

	loser := f.seedGroup(t, "BTC/USDT", core.SideLong, 50000, 0.01)
	f.seedGroup(t, "ETH/USDT", core.SideLong, 4000, 0.5)
	f.makeEligible(t, loser.ID)
	if err := f.groups.SetGroupRiskFlags(context.Background(), loser.ID, false, true); err != nil {
		t.Fatalf("SetGroupRiskFlags: %v", err)
	}

	f.venue.SetPrice("BTC/USDT", decimal.NewFromInt(40000))
	f.venue.SetPrice("ETH/USDT", decimal.NewFromInt(4400))

	f.cycle(t)

	shielded := f.group(t, loser.ID)
	if shielded.Status != core.GroupStatusActive {
		t.Fatalf("loser status %s, want active through the shielded pass", shielded.Status)
	}
	if shielded.RiskSkipOnce {
		t.Error("skip flag should be consumed by the pass that observed it")
	}
	if got := f.userActions(t); len(got) != 0 {
		t.Fatalf("actions after shielded pass: %d, want 0", len(got))
	}

	f.cycle(t)

	if got := f.group(t, loser.ID); got.Status != core.GroupStatusClosed {
		t.Errorf("loser status %s, want closed on the pass after the shield", got.Status)
	}
	if got := f.userActions(t); len(got) != 1 {
		t.Errorf("actions after second pass: %d, want 1", len(got))
	}
}

func TestCycleBlockedGroupIsNeverHedged(t *testing.T) {
	f := newRiskFixture(t)
	f.riskConfig(t, nil)

	loser := f.seedGroup(t, "BTC/USDT", core.SideLong, 50000, 0.01)
	f.seedGroup(t, "ETH/USDT", core.SideLong, 4000, 0.5)
	f.makeEligible(t, loser.ID)
	if err := f.groups.SetGroupRiskFlags(context.Background(), loser.ID, true, false); err != nil {
		t.Fatalf("SetGroupRiskFlags: %v", err)
	}

	f.venue.SetPrice("BTC/USDT", decimal.NewFromInt(40000))
	f.venue.SetPrice("ETH/USDT", decimal.NewFromInt(4400))

	f.cycle(t)
	f.cycle(t)

	got := f.group(t, loser.ID)
	if got.Status != core.GroupStatusActive {
		t.Errorf("blocked loser status %s, want active", got.Status)
	}
	if !got.RiskBlocked {
		t.Error("block flag must survive evaluation passes")
	}
	if actions := f.userActions(t); len(actions) != 0 {
		t.Errorf("actions against a blocked group: %d, want 0", len(actions))
	}
}

func TestCycleDefersHedgeBelowExchangeMinimums(t *testing.T) {
	f := newRiskFixture(t)
	f.riskConfig(t, nil)

	// Raise the ETH notional floor so the winner slice cannot be sold.
	f.venue.SetPrecisionRule("ETH/USDT", core.PrecisionRule{
		TickSize:    decimal.NewFromFloat(0.01),
		StepSize:    decimal.NewFromFloat(0.0001),
		MinQty:      decimal.NewFromFloat(0.0001),
		MinNotional: decimal.NewFromInt(50),
	})

	loser := f.seedGroup(t, "BTC/USDT", core.SideLong, 50000, 0.0001) // -1 USD at 40000
	winner := f.seedGroup(t, "ETH/USDT", core.SideLong, 4000, 0.5)
	f.makeEligible(t, loser.ID)

	f.venue.SetPrice("BTC/USDT", decimal.NewFromInt(40000))
	f.venue.SetPrice("ETH/USDT", decimal.NewFromInt(4400))

	f.cycle(t)

	// 1 USD of loss buys a 0.0025 ETH slice worth 11 USD, under the 50
	// USD floor: nothing sells and the loser must stay open rather than
	// close uncovered.
	if got := f.group(t, loser.ID); got.Status != core.GroupStatusActive {
		t.Errorf("loser status %s, want active while the hedge is deferred", got.Status)
	}
	if got := f.group(t, winner.ID); !got.TotalFilledQuantity.Equal(decimal.NewFromFloat(0.5)) {
		t.Errorf("winner quantity %s, want untouched 0.5", got.TotalFilledQuantity)
	}
	if actions := f.userActions(t); len(actions) != 0 {
		t.Errorf("actions for a deferred hedge: %d, want 0", len(actions))
	}
	if n := f.venue.OrderCount(); n != 0 {
		t.Errorf("venue orders %d, want 0", n)
	}
}

func TestCycleHedgePausesEngineOnDailyLoss(t *testing.T) {
	f := newRiskFixture(t)
	f.riskConfig(t, func(cfg *core.RiskConfig) {
		cfg.MaxDailyLossUSD = decimal.NewFromInt(500)
	})

	loser := f.seedGroup(t, "BTC/USDT", core.SideLong, 95000, 0.01) // -550 at 40000
	winner := f.seedGroup(t, "ETH/USDT", core.SideLong, 4000, 0.05) // +20 at 4400
	f.makeEligible(t, loser.ID)

	f.venue.SetPrice("BTC/USDT", decimal.NewFromInt(40000))
	f.venue.SetPrice("ETH/USDT", decimal.NewFromInt(4400))

	f.cycle(t)

	if got := f.group(t, loser.ID); !got.RealizedPnLUSD.Equal(decimal.NewFromInt(-550)) {
		t.Errorf("loser realized %s, want -550", got.RealizedPnLUSD)
	}
	if got := f.group(t, winner.ID); !got.TotalFilledQuantity.IsZero() {
		t.Errorf("winner remaining %s, want fully drained", got.TotalFilledQuantity)
	}

	// -550 + 20 = -530 on the day, past the 500 limit.
	cfg, err := f.configs.GetRiskConfig(context.Background(), f.userID)
	if err != nil {
		t.Fatalf("GetRiskConfig: %v", err)
	}
	if !cfg.EnginePausedByLossLimit {
		t.Error("daily loss past the limit should pause the engine")
	}

	checker := NewChecker(f.groups, f.configs, f.logger)
	if err := checker.Check(context.Background(), f.userID, "BTC/USDT", decimal.NewFromInt(100), false); !errors.Is(err, apperrors.ErrEnginePaused) {
		t.Errorf("Check error %v, want paused denial", err)
	}

	var pauseAlert bool
	for _, alert := range f.alerter.Alerts() {
		if alert.Title == "Engine paused by daily loss limit" && alert.Level == core.AlertCritical {
			pauseAlert = true
		}
	}
	if !pauseAlert {
		t.Error("pause should raise a critical alert")
	}

	// The pause halts intake, not maintenance: a further pass finds no
	// loser and records nothing new.
	f.cycle(t)
	if actions := f.userActions(t); len(actions) != 1 {
		t.Errorf("actions after follow-up pass: %d, want 1", len(actions))
	}
}
