package order

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"dca_engine/internal/config"
	"dca_engine/internal/core"
	exmock "dca_engine/internal/exchange/mock"
	"dca_engine/internal/mock"
	apperrors "dca_engine/pkg/errors"
	"dca_engine/pkg/logging"
)

type fixture struct {
	svc    *Service
	groups *mock.MockGroupStore
	venue  *exmock.Exchange
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	venue := exmock.New("mock")
	provider := mock.NewMockExchangeProvider()
	provider.Register("mock", venue)

	groups := mock.NewMockGroupStore()
	logger, _ := logging.NewZapLogger("INFO")

	// Generous limiter so tests never sit in Wait.
	exchanges := map[string]config.ExchangeConfig{
		"mock": {OrdersPerSecond: 10000, OrdersBurst: 10000},
	}
	return &fixture{
		svc:    NewService(groups, provider, exchanges, logger),
		groups: groups,
		venue:  venue,
	}
}

// seedGroup creates a long BTC/USDT group with the given limit legs, spaced
// 500 USD apart below 45000.
func (f *fixture) seedGroup(t *testing.T, legs int) (*core.PositionGroup, *core.Pyramid, []*core.DCAOrder) {
	t.Helper()

	group := &core.PositionGroup{
		UserID:       uuid.New(),
		Exchange:     "mock",
		Symbol:       "BTC/USDT",
		Timeframe:    "1h",
		Side:         core.SideLong,
		Status:       core.GroupStatusWaiting,
		TotalDCALegs: legs,
		MaxPyramids:  5,
		TPMode:       core.TPModePerLeg,
	}
	pyramid := &core.Pyramid{
		PyramidIndex: 0,
		Status:       core.PyramidStatusPending,
		BasePrice:    decimal.NewFromInt(45000),
	}

	var orders []*core.DCAOrder
	for i := 0; i < legs; i++ {
		price := decimal.NewFromInt(45000 - int64(i)*500)
		orders = append(orders, &core.DCAOrder{
			UserID:    group.UserID,
			Exchange:  "mock",
			Symbol:    "BTC/USDT",
			Side:      core.OrderSideBuy,
			OrderType: core.OrderTypeLimit,
			LegIndex:  i,
			Status:    core.OrderStatusPending,
			Price:     price,
			Quantity:  decimal.NewFromFloat(0.01),
			TPPrice:   price.Mul(decimal.NewFromFloat(1.01)),
		})
	}
	if err := f.groups.CreateGroupWithOrders(context.Background(), group, pyramid, orders); err != nil {
		t.Fatalf("seed group: %v", err)
	}
	return group, pyramid, orders
}

func TestSubmitLimitOrderRestsOpen(t *testing.T) {
	f := newFixture(t)
	_, _, orders := f.seedGroup(t, 1)
	leg := orders[0]

	if err := f.svc.Submit(context.Background(), leg); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if leg.Status != core.OrderStatusOpen {
		t.Errorf("expected open, got %s", leg.Status)
	}
	if leg.ExchangeOrderID == "" {
		t.Error("expected exchange order id to be recorded")
	}

	stored, err := f.groups.GetOrder(context.Background(), leg.ID)
	if err != nil {
		t.Fatalf("GetOrder: %v", err)
	}
	if stored.Status != core.OrderStatusOpen || stored.ExchangeOrderID != leg.ExchangeOrderID {
		t.Errorf("stored leg out of sync: %s / %s", stored.Status, stored.ExchangeOrderID)
	}

	venueOrder := f.venue.Order(leg.ExchangeOrderID)
	if venueOrder == nil {
		t.Fatal("venue has no order")
	}
	if !strings.HasPrefix(venueOrder.ClientOrderID, "dca-") {
		t.Errorf("expected dca- client order id, got %q", venueOrder.ClientOrderID)
	}
}

// Market orders fill instantly on the mock venue, but the service still
// records them pending so the refresh path is the only fill accountant.
func TestSubmitMarketOrderStaysPendingUntilRefresh(t *testing.T) {
	f := newFixture(t)
	group, _, orders := f.seedGroup(t, 1)
	leg := orders[0]
	leg.OrderType = core.OrderTypeMarket

	if err := f.svc.Submit(context.Background(), leg); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if leg.Status != core.OrderStatusPending {
		t.Errorf("expected pending, got %s", leg.Status)
	}

	outcome, err := f.svc.Refresh(context.Background(), leg)
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if !outcome.JustFilled {
		t.Error("expected JustFilled")
	}
	if leg.Status != core.OrderStatusFilled {
		t.Errorf("expected filled, got %s", leg.Status)
	}
	if !outcome.Group.TotalFilledQuantity.Equal(leg.Quantity) {
		t.Errorf("expected group exposure %s, got %s", leg.Quantity, outcome.Group.TotalFilledQuantity)
	}
	if outcome.Group.ID != group.ID {
		t.Error("outcome group mismatch")
	}
}

func TestSubmitFatalRejectionMarksOrderFailed(t *testing.T) {
	f := newFixture(t)
	_, _, orders := f.seedGroup(t, 1)
	leg := orders[0]

	f.venue.FailWith("PlaceOrder", apperrors.ErrInsufficientFunds)

	err := f.svc.Submit(context.Background(), leg)
	if !errors.Is(err, apperrors.ErrInsufficientFunds) {
		t.Fatalf("expected insufficient funds, got %v", err)
	}
	if leg.Status != core.OrderStatusFailed {
		t.Errorf("expected failed, got %s", leg.Status)
	}

	stored, _ := f.groups.GetOrder(context.Background(), leg.ID)
	if stored.Status != core.OrderStatusFailed {
		t.Errorf("stored status %s, want failed", stored.Status)
	}
}

func TestCancelWithoutExchangeIDIsLocal(t *testing.T) {
	f := newFixture(t)
	_, _, orders := f.seedGroup(t, 1)
	leg := orders[0]

	if err := f.svc.Cancel(context.Background(), leg); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if leg.Status != core.OrderStatusCancelled {
		t.Errorf("expected cancelled, got %s", leg.Status)
	}
	if f.venue.OrderCount() != 0 {
		t.Error("venue should never have been called")
	}
}

// A fill that lands before the cancel must survive the cancellation.
func TestCancelConvergesPartialFill(t *testing.T) {
	f := newFixture(t)
	_, _, orders := f.seedGroup(t, 1)
	leg := orders[0]

	if err := f.svc.Submit(context.Background(), leg); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	partial := decimal.NewFromFloat(0.004)
	f.venue.SimulateOrderFill(leg.ExchangeOrderID, partial, leg.Price)

	if err := f.svc.Cancel(context.Background(), leg); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if leg.Status != core.OrderStatusCancelled {
		t.Errorf("expected cancelled, got %s", leg.Status)
	}
	if !leg.FilledQuantity.Equal(partial) {
		t.Errorf("partial fill lost: got %s", leg.FilledQuantity)
	}

	group, _ := f.groups.GetGroup(context.Background(), leg.GroupID)
	if !group.TotalFilledQuantity.Equal(partial) {
		t.Errorf("group exposure %s, want %s", group.TotalFilledQuantity, partial)
	}
}

func TestCancelConvergesWhenVenueHasNoTrace(t *testing.T) {
	f := newFixture(t)
	_, _, orders := f.seedGroup(t, 1)
	leg := orders[0]

	if err := f.svc.Submit(context.Background(), leg); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	f.venue.FailWith("CancelOrder", apperrors.ErrOrderNotFound)

	if err := f.svc.Cancel(context.Background(), leg); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if leg.Status != core.OrderStatusCancelled {
		t.Errorf("expected cancelled, got %s", leg.Status)
	}
}

func TestRefreshRequiresExchangeID(t *testing.T) {
	f := newFixture(t)
	_, _, orders := f.seedGroup(t, 1)

	if _, err := f.svc.Refresh(context.Background(), orders[0]); !errors.Is(err, apperrors.ErrOrderNotFound) {
		t.Fatalf("expected order not found, got %v", err)
	}
}

func TestArmTakeProfitRecordsChild(t *testing.T) {
	f := newFixture(t)
	_, _, orders := f.seedGroup(t, 1)
	leg := orders[0]

	if err := f.svc.Submit(context.Background(), leg); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	f.venue.SimulateOrderFill(leg.ExchangeOrderID, leg.Quantity, leg.Price)
	if _, err := f.svc.Refresh(context.Background(), leg); err != nil {
		t.Fatalf("Refresh: %v", err)
	}

	if err := f.svc.ArmTakeProfit(context.Background(), leg, leg.FilledQuantity); err != nil {
		t.Fatalf("ArmTakeProfit: %v", err)
	}
	if leg.TPOrderID == "" {
		t.Fatal("expected tp order id on leg")
	}

	child := f.venue.Order(leg.TPOrderID)
	if child == nil {
		t.Fatal("venue has no tp child")
	}
	if child.Side != core.OrderSideSell {
		t.Errorf("tp child side %s, want sell", child.Side)
	}
	if !child.Price.Equal(leg.TPPrice) {
		t.Errorf("tp child price %s, want %s", child.Price, leg.TPPrice)
	}
	if !strings.HasPrefix(child.ClientOrderID, "tp0-") {
		t.Errorf("tp client order id %q, want tp0- prefix", child.ClientOrderID)
	}

	stored, _ := f.groups.GetOrder(context.Background(), leg.ID)
	if stored.TPOrderID != leg.TPOrderID {
		t.Error("tp order id not persisted")
	}
}

func TestArmTakeProfitRejectsZeroQuantity(t *testing.T) {
	f := newFixture(t)
	_, _, orders := f.seedGroup(t, 1)

	err := f.svc.ArmTakeProfit(context.Background(), orders[0], decimal.Zero)
	if !errors.Is(err, apperrors.ErrInvalidOrderParameter) {
		t.Fatalf("expected invalid parameter, got %v", err)
	}
}

// Each pyramid-level replacement must carry a fresh client order id: reusing
// the previous one would converge on the cancelled predecessor.
func TestArmPyramidTakeProfitRotatesClientIDs(t *testing.T) {
	f := newFixture(t)
	group, pyramid, _ := f.seedGroup(t, 1)

	price := decimal.NewFromInt(46000)
	qty := decimal.NewFromFloat(0.02)

	if err := f.svc.ArmPyramidTakeProfit(context.Background(), group, pyramid, price, qty); err != nil {
		t.Fatalf("first arm: %v", err)
	}
	first := pyramid.TPOrderID

	if err := f.svc.ArmPyramidTakeProfit(context.Background(), group, pyramid, price, qty); err != nil {
		t.Fatalf("second arm: %v", err)
	}
	second := pyramid.TPOrderID

	if first == second {
		t.Fatal("replacement reused the same exchange order")
	}
	a, b := f.venue.Order(first), f.venue.Order(second)
	if a == nil || b == nil {
		t.Fatal("venue missing tp children")
	}
	if a.ClientOrderID == b.ClientOrderID {
		t.Error("replacement reused the client order id")
	}

	stored, _ := f.groups.GetPyramid(context.Background(), pyramid.ID)
	if stored.TPOrderID != second {
		t.Error("pyramid tp order id not persisted")
	}
}

func TestCancelExchangeOrderNotFoundReturnsNil(t *testing.T) {
	f := newFixture(t)
	group, _, _ := f.seedGroup(t, 1)

	result, err := f.svc.CancelExchangeOrder(context.Background(), group.UserID, "mock", "BTC/USDT", "999999")
	if err != nil {
		t.Fatalf("CancelExchangeOrder: %v", err)
	}
	if result != nil {
		t.Errorf("expected nil result, got %+v", result)
	}
}

func TestCancelOpenOrdersForGroupSweepsWorkingLegs(t *testing.T) {
	f := newFixture(t)
	group, _, orders := f.seedGroup(t, 3)

	// Two legs on the venue, one still local.
	for _, leg := range orders[:2] {
		if err := f.svc.Submit(context.Background(), leg); err != nil {
			t.Fatalf("Submit: %v", err)
		}
	}
	partial := decimal.NewFromFloat(0.003)
	f.venue.SimulateOrderFill(orders[0].ExchangeOrderID, partial, orders[0].Price)

	if err := f.svc.CancelOpenOrdersForGroup(context.Background(), group.ID); err != nil {
		t.Fatalf("CancelOpenOrdersForGroup: %v", err)
	}

	stored, err := f.groups.ListOrdersByGroup(context.Background(), group.ID)
	if err != nil {
		t.Fatalf("ListOrdersByGroup: %v", err)
	}
	for _, o := range stored {
		if o.Status != core.OrderStatusCancelled {
			t.Errorf("leg %d status %s, want cancelled", o.LegIndex, o.Status)
		}
	}
	if !stored[0].FilledQuantity.Equal(partial) {
		t.Errorf("leg 0 fill %s, want %s", stored[0].FilledQuantity, partial)
	}
	if len(f.venue.OpenOrders("BTC/USDT")) != 0 {
		t.Error("venue still has resting orders")
	}
}

func TestPlaceMarketCloseReturnsFillPrice(t *testing.T) {
	f := newFixture(t)
	group, _, _ := f.seedGroup(t, 1)

	result, err := f.svc.PlaceMarketClose(context.Background(), group, decimal.NewFromFloat(0.01))
	if err != nil {
		t.Fatalf("PlaceMarketClose: %v", err)
	}
	if result.Status != core.OrderStatusFilled {
		t.Errorf("expected filled, got %s", result.Status)
	}
	if !result.AvgFillPrice.Equal(decimal.NewFromInt(45000)) {
		t.Errorf("avg fill price %s, want 45000", result.AvgFillPrice)
	}

	venueOrder := f.venue.Order(result.ExchangeOrderID)
	if venueOrder == nil || venueOrder.Side != core.OrderSideSell {
		t.Error("expected a sell-side close on the venue")
	}
}

func TestPlaceMarketCloseRejectsNonPositiveQuantity(t *testing.T) {
	f := newFixture(t)
	group, _, _ := f.seedGroup(t, 1)

	if _, err := f.svc.PlaceMarketClose(context.Background(), group, decimal.Zero); !errors.Is(err, apperrors.ErrInvalidOrderParameter) {
		t.Fatalf("expected invalid parameter, got %v", err)
	}
}
