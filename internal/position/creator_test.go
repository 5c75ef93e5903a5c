package position

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"dca_engine/internal/config"
	"dca_engine/internal/coordination"
	"dca_engine/internal/core"
	exmock "dca_engine/internal/exchange/mock"
	"dca_engine/internal/grid"
	"dca_engine/internal/mock"
	"dca_engine/internal/order"
	apperrors "dca_engine/pkg/errors"
	"dca_engine/pkg/logging"
)

type creatorFixture struct {
	creator *Creator
	orders  core.IOrderService
	groups  *mock.MockGroupStore
	venue   *exmock.Exchange
	alerter *mock.MockAlerter
	userID  uuid.UUID
}

func newCreatorFixture(t *testing.T) *creatorFixture {
	t.Helper()

	venue := exmock.New("mock")
	provider := mock.NewMockExchangeProvider()
	provider.Register("mock", venue)

	groups := mock.NewMockGroupStore()
	logger, _ := logging.NewZapLogger("INFO")
	orders := order.NewService(groups, provider, map[string]config.ExchangeConfig{
		"mock": {OrdersPerSecond: 10000, OrdersBurst: 10000},
	}, logger)
	precision := coordination.NewPrecisionCache(mock.NewMockCache(), logger)
	alerter := mock.NewMockAlerter()

	return &creatorFixture{
		creator: NewCreator(groups, orders, provider, precision, alerter, logger),
		orders:  orders,
		groups:  groups,
		venue:   venue,
		alerter: alerter,
		userID:  uuid.New(),
	}
}

func (f *creatorFixture) signal(action core.OrderSide, entry float64) *core.SignalPayload {
	return &core.SignalPayload{
		UserID: f.userID,
		TV: core.TVSignal{
			Exchange:   "mock",
			Symbol:     "BTC/USDT",
			Timeframe:  "1h",
			Action:     action,
			EntryPrice: decimal.NewFromFloat(entry),
		},
		Intent: core.ExecutionIntent{Type: core.IntentSignal},
	}
}

func (f *creatorFixture) config(entryType core.OrderType, levels []core.DCALevel) *core.DCAConfiguration {
	return &core.DCAConfiguration{
		ID:             uuid.New(),
		UserID:         f.userID,
		Pair:           "BTC/USDT",
		Timeframe:      "1h",
		Exchange:       "mock",
		EntryOrderType: entryType,
		Levels:         levels,
		TPMode:         core.TPModePerLeg,
		MaxPyramids:    5,
	}
}

func twoLegLevels() []core.DCALevel {
	return []core.DCALevel{
		{GapPercent: decimal.Zero, WeightPercent: decimal.NewFromInt(40), TPPercent: decimal.NewFromInt(1)},
		{GapPercent: decimal.NewFromInt(-2), WeightPercent: decimal.NewFromInt(60), TPPercent: decimal.NewFromInt(1)},
	}
}

func TestCreateFromSignalSubmitsLimitGrid(t *testing.T) {
	f := newCreatorFixture(t)
	cfg := f.config(core.OrderTypeLimit, twoLegLevels())

	group, err := f.creator.CreateFromSignal(context.Background(), f.signal(core.OrderSideBuy, 45000), cfg, decimal.NewFromInt(1000))
	if err != nil {
		t.Fatalf("CreateFromSignal: %v", err)
	}
	if group.Status != core.GroupStatusLive {
		t.Errorf("group status %s, want live", group.Status)
	}
	if group.TotalDCALegs != 2 || group.PyramidCount != 1 {
		t.Errorf("legs=%d pyramids=%d, want 2/1", group.TotalDCALegs, group.PyramidCount)
	}

	legs, err := f.groups.ListOrdersByGroup(context.Background(), group.ID)
	if err != nil {
		t.Fatalf("ListOrdersByGroup: %v", err)
	}
	if len(legs) != 2 {
		t.Fatalf("expected 2 legs, got %d", len(legs))
	}
	if !legs[0].Price.Equal(decimal.NewFromInt(45000)) {
		t.Errorf("leg 0 price %s, want 45000", legs[0].Price)
	}
	if !legs[1].Price.Equal(decimal.NewFromInt(44100)) {
		t.Errorf("leg 1 price %s, want 44100", legs[1].Price)
	}
	for _, leg := range legs {
		if leg.Status != core.OrderStatusOpen {
			t.Errorf("leg %d status %s, want open", leg.LegIndex, leg.Status)
		}
		if leg.ExchangeOrderID == "" {
			t.Errorf("leg %d missing exchange id", leg.LegIndex)
		}
	}
	if f.venue.OrderCount() != 2 {
		t.Errorf("venue orders %d, want 2", f.venue.OrderCount())
	}

	pyramids, _ := f.groups.ListPyramidsByGroup(context.Background(), group.ID)
	if len(pyramids) != 1 || pyramids[0].Status != core.PyramidStatusSubmitted {
		t.Error("expected one submitted pyramid")
	}
}

// Market-entry grids submit the base leg and anything already at or better
// than its level; averaging legs (negative gap) wait for the monitor's price
// trigger instead of market-filling at the base price.
func TestCreateFromSignalMarketModeDefersAveragingLegs(t *testing.T) {
	f := newCreatorFixture(t)
	levels := []core.DCALevel{
		{GapPercent: decimal.Zero, WeightPercent: decimal.NewFromInt(30), TPPercent: decimal.NewFromInt(1)},
		{GapPercent: decimal.NewFromInt(1), WeightPercent: decimal.NewFromInt(30), TPPercent: decimal.NewFromInt(1)},
		{GapPercent: decimal.NewFromInt(-2), WeightPercent: decimal.NewFromInt(40), TPPercent: decimal.NewFromInt(1)},
	}
	cfg := f.config(core.OrderTypeMarket, levels)

	group, err := f.creator.CreateFromSignal(context.Background(), f.signal(core.OrderSideBuy, 45000), cfg, decimal.NewFromInt(3000))
	if err != nil {
		t.Fatalf("CreateFromSignal: %v", err)
	}

	legs, _ := f.groups.ListOrdersByGroup(context.Background(), group.ID)
	if len(legs) != 3 {
		t.Fatalf("expected 3 legs, got %d", len(legs))
	}
	if legs[0].Status != core.OrderStatusPending || legs[1].Status != core.OrderStatusPending {
		t.Errorf("gap>=0 legs should be submitted: %s / %s", legs[0].Status, legs[1].Status)
	}
	if legs[0].ExchangeOrderID == "" || legs[1].ExchangeOrderID == "" {
		t.Error("submitted legs must carry exchange ids")
	}
	if legs[2].Status != core.OrderStatusTriggerPending {
		t.Errorf("gap<0 leg status %s, want trigger_pending", legs[2].Status)
	}
	if legs[2].ExchangeOrderID != "" {
		t.Error("trigger_pending leg must not reach the venue")
	}
	if f.venue.OrderCount() != 2 {
		t.Errorf("venue orders %d, want 2", f.venue.OrderCount())
	}
}

func TestCreateFromSignalShortGridWalksUp(t *testing.T) {
	f := newCreatorFixture(t)
	cfg := f.config(core.OrderTypeLimit, twoLegLevels())

	group, err := f.creator.CreateFromSignal(context.Background(), f.signal(core.OrderSideSell, 45000), cfg, decimal.NewFromInt(1000))
	if err != nil {
		t.Fatalf("CreateFromSignal: %v", err)
	}
	if group.Side != core.SideShort {
		t.Fatalf("side %s, want short", group.Side)
	}

	legs, _ := f.groups.ListOrdersByGroup(context.Background(), group.ID)
	if legs[0].Side != core.OrderSideSell {
		t.Errorf("entry side %s, want sell", legs[0].Side)
	}
	// Gap -2 inverts to +2 for shorts; TP +1 inverts below entry.
	if !legs[1].Price.Equal(decimal.NewFromInt(45900)) {
		t.Errorf("leg 1 price %s, want 45900", legs[1].Price)
	}
	if !legs[0].TPPrice.LessThan(legs[0].Price) {
		t.Errorf("short tp %s should be below entry %s", legs[0].TPPrice, legs[0].Price)
	}
}

func TestCreateFromSignalDuplicateActiveRejected(t *testing.T) {
	f := newCreatorFixture(t)
	cfg := f.config(core.OrderTypeLimit, twoLegLevels())

	if _, err := f.creator.CreateFromSignal(context.Background(), f.signal(core.OrderSideBuy, 45000), cfg, decimal.NewFromInt(1000)); err != nil {
		t.Fatalf("first create: %v", err)
	}
	_, err := f.creator.CreateFromSignal(context.Background(), f.signal(core.OrderSideBuy, 45100), cfg, decimal.NewFromInt(1000))
	if !errors.Is(err, apperrors.ErrDuplicatePosition) {
		t.Fatalf("expected duplicate position, got %v", err)
	}
}

func TestCreateFromSignalFailsGroupOnSubmissionError(t *testing.T) {
	f := newCreatorFixture(t)
	cfg := f.config(core.OrderTypeLimit, twoLegLevels())
	f.venue.FailWith("PlaceOrder", apperrors.ErrInsufficientFunds)

	_, err := f.creator.CreateFromSignal(context.Background(), f.signal(core.OrderSideBuy, 45000), cfg, decimal.NewFromInt(1000))
	if !errors.Is(err, apperrors.ErrInsufficientFunds) {
		t.Fatalf("expected insufficient funds, got %v", err)
	}

	// The failed group is terminal, so the key is free again.
	if _, err := f.groups.FindActiveGroup(context.Background(), f.userID, "mock", "BTC/USDT", "1h", core.SideLong); !errors.Is(err, apperrors.ErrPositionNotFound) {
		t.Errorf("expected no active group, got %v", err)
	}

	alerts := f.alerter.Alerts()
	if len(alerts) != 1 || alerts[0].Level != core.AlertCritical {
		t.Fatalf("expected one critical alert, got %+v", alerts)
	}
}

// An undersized grid must fail before anything is persisted or submitted.
func TestCreateFromSignalRejectsGridBelowMinimums(t *testing.T) {
	f := newCreatorFixture(t)
	cfg := f.config(core.OrderTypeLimit, twoLegLevels())

	_, err := f.creator.CreateFromSignal(context.Background(), f.signal(core.OrderSideBuy, 45000), cfg, decimal.NewFromInt(10))
	var verr grid.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if f.venue.OrderCount() != 0 {
		t.Error("nothing should reach the venue")
	}
	if _, err := f.groups.FindActiveGroup(context.Background(), f.userID, "mock", "BTC/USDT", "1h", core.SideLong); !errors.Is(err, apperrors.ErrPositionNotFound) {
		t.Error("no group should be persisted")
	}
}

func TestCreateFromSignalFallsBackToCurrentPrice(t *testing.T) {
	f := newCreatorFixture(t)
	cfg := f.config(core.OrderTypeLimit, twoLegLevels())

	group, err := f.creator.CreateFromSignal(context.Background(), f.signal(core.OrderSideBuy, 0), cfg, decimal.NewFromInt(1000))
	if err != nil {
		t.Fatalf("CreateFromSignal: %v", err)
	}
	legs, _ := f.groups.ListOrdersByGroup(context.Background(), group.ID)
	if !legs[0].Price.Equal(decimal.NewFromInt(45000)) {
		t.Errorf("base leg price %s, want the venue's 45000", legs[0].Price)
	}
}

func TestContinuePyramidAppendsGridAndClearsTimer(t *testing.T) {
	f := newCreatorFixture(t)
	cfg := f.config(core.OrderTypeLimit, twoLegLevels())

	group, err := f.creator.CreateFromSignal(context.Background(), f.signal(core.OrderSideBuy, 45000), cfg, decimal.NewFromInt(1000))
	if err != nil {
		t.Fatalf("CreateFromSignal: %v", err)
	}

	// Arm a timer so the continuation visibly resets it.
	start := group.CreatedAt
	expires := start.Add(time.Hour)
	if err := f.groups.UpdateGroupRiskTimer(context.Background(), group.ID, &start, &expires, true); err != nil {
		t.Fatalf("UpdateGroupRiskTimer: %v", err)
	}

	updated, err := f.creator.ContinuePyramid(context.Background(), group, f.signal(core.OrderSideBuy, 44000), cfg, decimal.NewFromInt(1000))
	if err != nil {
		t.Fatalf("ContinuePyramid: %v", err)
	}
	if updated.PyramidCount != 2 {
		t.Errorf("pyramid count %d, want 2", updated.PyramidCount)
	}
	if updated.TotalDCALegs != 4 {
		t.Errorf("total legs %d, want 4", updated.TotalDCALegs)
	}
	if updated.RiskTimerStart != nil || updated.RiskEligible {
		t.Error("continuation must clear the risk timer")
	}

	pyramids, _ := f.groups.ListPyramidsByGroup(context.Background(), group.ID)
	if len(pyramids) != 2 || pyramids[1].PyramidIndex != 1 {
		t.Fatalf("expected pyramid index 1, got %+v", pyramids)
	}
	if !pyramids[1].BasePrice.Equal(decimal.NewFromInt(44000)) {
		t.Errorf("pyramid base %s, want 44000", pyramids[1].BasePrice)
	}
	if f.venue.OrderCount() != 4 {
		t.Errorf("venue orders %d, want 4", f.venue.OrderCount())
	}
}

func TestContinuePyramidEnforcesLimit(t *testing.T) {
	f := newCreatorFixture(t)
	cfg := f.config(core.OrderTypeLimit, twoLegLevels())
	cfg.MaxPyramids = 1

	group, err := f.creator.CreateFromSignal(context.Background(), f.signal(core.OrderSideBuy, 45000), cfg, decimal.NewFromInt(1000))
	if err != nil {
		t.Fatalf("CreateFromSignal: %v", err)
	}
	if _, err := f.creator.ContinuePyramid(context.Background(), group, f.signal(core.OrderSideBuy, 44000), cfg, decimal.NewFromInt(1000)); err == nil {
		t.Fatal("expected pyramid limit error")
	}
}
