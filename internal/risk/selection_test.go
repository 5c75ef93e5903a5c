package risk

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"dca_engine/internal/core"
)

func markedGroup(pnlPercent, pnlUSD float64, age time.Duration) *core.PositionGroup {
	return &core.PositionGroup{
		ID:                   uuid.New(),
		Status:               core.GroupStatusActive,
		RiskEligible:         true,
		PyramidCount:         5,
		MaxPyramids:          5,
		UnrealizedPnLPercent: decimal.NewFromFloat(pnlPercent),
		UnrealizedPnLUSD:     decimal.NewFromFloat(pnlUSD),
		CreatedAt:            time.Now().UTC().Add(-age),
	}
}

func TestSelectLoserOrdersByDrawdownThenSizeThenAge(t *testing.T) {
	cfg := &core.RiskConfig{LossThresholdPercent: decimal.NewFromInt(-5)}
	now := time.Now().UTC()

	deepest := markedGroup(-20, -50, time.Hour)
	bigger := markedGroup(-12, -900, time.Hour)
	twin := markedGroup(-12, -400, time.Hour)
	older := markedGroup(-12, -400, 2*time.Hour)
	shallow := markedGroup(-6, -600, time.Hour)

	got := selectLoser(cfg, []*core.PositionGroup{shallow, twin, older, bigger, deepest}, now)
	if got == nil || got.ID != deepest.ID {
		t.Fatal("deepest percentage drawdown should win regardless of its USD size")
	}

	got = selectLoser(cfg, []*core.PositionGroup{shallow, twin, older, bigger}, now)
	if got == nil || got.ID != bigger.ID {
		t.Fatal("equal percentages should fall to the larger USD loss")
	}

	got = selectLoser(cfg, []*core.PositionGroup{shallow, twin, older}, now)
	if got == nil || got.ID != older.ID {
		t.Fatal("a full tie should fall to the older group")
	}
}

func TestSelectLoserFilters(t *testing.T) {
	now := time.Now().UTC()
	cfg := &core.RiskConfig{LossThresholdPercent: decimal.NewFromInt(-5)}

	if eligibleLoser(cfg, markedGroup(-3, -10, time.Hour), now) {
		t.Error("loss inside the threshold must not qualify")
	}
	if !eligibleLoser(cfg, markedGroup(-5, -10, time.Hour), now) {
		t.Error("loss exactly at the threshold qualifies")
	}

	blocked := markedGroup(-20, -10, time.Hour)
	blocked.RiskBlocked = true
	if eligibleLoser(cfg, blocked, now) {
		t.Error("blocked group must never qualify")
	}

	shielded := markedGroup(-20, -10, time.Hour)
	shielded.RiskSkipOnce = true
	if eligibleLoser(cfg, shielded, now) {
		t.Error("skip-once group must not qualify this pass")
	}

	immature := markedGroup(-20, -10, time.Hour)
	immature.RiskEligible = false
	if eligibleLoser(cfg, immature, now) {
		t.Error("group whose grace period has not run must not qualify")
	}

	closing := markedGroup(-20, -10, time.Hour)
	closing.Status = core.GroupStatusClosing
	if eligibleLoser(cfg, closing, now) {
		t.Error("only active groups qualify")
	}

	disabled := &core.RiskConfig{}
	if selectLoser(disabled, []*core.PositionGroup{markedGroup(-60, -900, time.Hour)}, now) != nil {
		t.Error("a zero threshold disables loser selection")
	}

	stacked := &core.RiskConfig{LossThresholdPercent: decimal.NewFromInt(-5), RequireFullPyramids: true}
	short := markedGroup(-20, -10, time.Hour)
	short.PyramidCount = 3
	if eligibleLoser(stacked, short, now) {
		t.Error("partial pyramid stack must not qualify when the full stack is required")
	}
	if !eligibleLoser(stacked, markedGroup(-20, -10, time.Hour), now) {
		t.Error("full pyramid stack qualifies")
	}

	aged := &core.RiskConfig{LossThresholdPercent: decimal.NewFromInt(-5), UseTradeAgeFilter: true, AgeThresholdMinutes: 90}
	if eligibleLoser(aged, markedGroup(-20, -10, 30*time.Minute), now) {
		t.Error("trade younger than the age threshold must not qualify")
	}
	if !eligibleLoser(aged, markedGroup(-20, -10, 2*time.Hour), now) {
		t.Error("trade older than the age threshold qualifies")
	}
}

func TestSelectWinnersOrdersAndCaps(t *testing.T) {
	best := markedGroup(8, 300, time.Hour)
	mid := markedGroup(5, 200, time.Hour)
	small := markedGroup(2, 100, time.Hour)
	flat := markedGroup(0, 0, time.Hour)
	losing := markedGroup(-10, -50, time.Hour)
	all := []*core.PositionGroup{small, flat, mid, losing, best}

	got := selectWinners(&core.RiskConfig{MaxWinnersToCombine: 2}, all)
	if len(got) != 2 || got[0].ID != best.ID || got[1].ID != mid.ID {
		t.Fatalf("want the two largest winners in order, got %d", len(got))
	}

	// An unset cap falls back to the default of three.
	got = selectWinners(&core.RiskConfig{}, all)
	if len(got) != 3 || got[2].ID != small.ID {
		t.Fatalf("want three winners under the default cap, got %d", len(got))
	}

	// Block and skip flags guard losers from being closed at a loss;
	// profit taking is not a harm, so winners ignore them.
	best.RiskBlocked = true
	got = selectWinners(&core.RiskConfig{MaxWinnersToCombine: 1}, all)
	if len(got) != 1 || got[0].ID != best.ID {
		t.Error("blocked winner should still donate profit")
	}
}
