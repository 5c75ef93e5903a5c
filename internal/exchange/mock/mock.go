// Package mock provides an in-memory core.IExchange for tests and dry runs.
// Market orders fill immediately at the current price; limit orders rest
// until a test drives them with SimulateOrderFill or StepPrice.
package mock

import (
	"context"
	"strconv"
	"sync"

	"github.com/shopspring/decimal"

	"dca_engine/internal/core"
	apperrors "dca_engine/pkg/errors"
)

// Order is the mock's view of a submitted order.
type Order struct {
	ID            string
	ClientOrderID string
	Symbol        string
	Side          core.OrderSide
	Type          core.OrderType
	Price         decimal.Decimal
	Quantity      decimal.Decimal
	Status        core.OrderStatus
	FilledQty     decimal.Decimal
	AvgPrice      decimal.Decimal
}

// Exchange is a thread-safe fake. The zero value is not usable; construct
// with New.
type Exchange struct {
	name string

	mu             sync.RWMutex
	orders         map[string]*Order
	clientOrderMap map[string]string
	orderIDCounter int64
	prices         map[string]decimal.Decimal
	rules          map[string]core.PrecisionRule
	balances       map[string]decimal.Decimal
	freeBalances   map[string]decimal.Decimal
	failures       map[string]error
}

func New(name string) *Exchange {
	return &Exchange{
		name:           name,
		orders:         make(map[string]*Order),
		clientOrderMap: make(map[string]string),
		orderIDCounter: 1000,
		prices: map[string]decimal.Decimal{
			"BTC/USDT": decimal.NewFromFloat(45000.0),
			"ETH/USDT": decimal.NewFromFloat(3000.0),
		},
		rules: map[string]core.PrecisionRule{
			"BTC/USDT": {
				TickSize:    decimal.NewFromFloat(0.01),
				StepSize:    decimal.NewFromFloat(0.00001),
				MinQty:      decimal.NewFromFloat(0.00001),
				MinNotional: decimal.NewFromInt(5),
			},
			"ETH/USDT": {
				TickSize:    decimal.NewFromFloat(0.01),
				StepSize:    decimal.NewFromFloat(0.0001),
				MinQty:      decimal.NewFromFloat(0.0001),
				MinNotional: decimal.NewFromInt(5),
			},
		},
		balances:     map[string]decimal.Decimal{"USDT": decimal.NewFromInt(10000)},
		freeBalances: map[string]decimal.Decimal{"USDT": decimal.NewFromInt(10000)},
		failures:     make(map[string]error),
	}
}

func (m *Exchange) Name() string { return m.name }

// FailWith makes the named method return err until cleared with nil.
// Method names: PlaceOrder, GetOrderStatus, CancelOrder, GetCurrentPrice,
// GetAllTickers, FetchBalance, GetPrecisionRules, CheckHealth.
func (m *Exchange) FailWith(op string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.failures, op)
		return
	}
	m.failures[op] = err
}

func (m *Exchange) failure(op string) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.failures[op]
}

func (m *Exchange) CheckHealth(ctx context.Context) error {
	return m.failure("CheckHealth")
}

func (m *Exchange) GetPrecisionRules(ctx context.Context) (map[string]core.PrecisionRule, error) {
	if err := m.failure("GetPrecisionRules"); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	rules := make(map[string]core.PrecisionRule, len(m.rules))
	for sym, r := range m.rules {
		rules[sym] = r
	}
	return rules, nil
}

// SetPrecisionRule installs or replaces the rule for a symbol.
func (m *Exchange) SetPrecisionRule(symbol string, rule core.PrecisionRule) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rules[symbol] = rule
}

func (m *Exchange) PlaceOrder(ctx context.Context, req *core.OrderRequest) (*core.OrderResult, error) {
	if err := m.failure("PlaceOrder"); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	// Idempotent resubmission: a known client order id returns the
	// original order instead of creating a double.
	if req.ClientOrderID != "" {
		if id, ok := m.clientOrderMap[req.ClientOrderID]; ok {
			if existing, ok := m.orders[id]; ok {
				return existing.result(), nil
			}
		}
	}

	m.orderIDCounter++
	id := strconv.FormatInt(m.orderIDCounter, 10)

	order := &Order{
		ID:            id,
		ClientOrderID: req.ClientOrderID,
		Symbol:        req.Symbol,
		Side:          req.Side,
		Type:          req.Type,
		Price:         req.Price,
		Quantity:      req.Quantity,
		Status:        core.OrderStatusOpen,
		FilledQty:     decimal.Zero,
	}

	if req.Type == core.OrderTypeMarket {
		order.Status = core.OrderStatusFilled
		order.FilledQty = req.Quantity
		order.AvgPrice = m.priceLocked(req.Symbol)
	}

	m.orders[id] = order
	if order.ClientOrderID != "" {
		m.clientOrderMap[order.ClientOrderID] = id
	}
	return order.result(), nil
}

func (m *Exchange) GetOrderStatus(ctx context.Context, orderID, symbol string) (*core.OrderResult, error) {
	if err := m.failure("GetOrderStatus"); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	order, ok := m.orders[orderID]
	if !ok {
		return nil, apperrors.ErrOrderNotFound
	}
	return order.result(), nil
}

func (m *Exchange) CancelOrder(ctx context.Context, orderID, symbol string) (*core.OrderResult, error) {
	if err := m.failure("CancelOrder"); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	order, ok := m.orders[orderID]
	if !ok {
		return nil, apperrors.ErrOrderNotFound
	}
	// Terminal orders converge to their current state.
	if order.Status == core.OrderStatusOpen || order.Status == core.OrderStatusPartiallyFilled || order.Status == core.OrderStatusPending {
		order.Status = core.OrderStatusCancelled
	}
	return order.result(), nil
}

func (m *Exchange) GetCurrentPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	if err := m.failure("GetCurrentPrice"); err != nil {
		return decimal.Zero, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.priceLocked(symbol), nil
}

func (m *Exchange) GetAllTickers(ctx context.Context) (map[string]core.Ticker, error) {
	if err := m.failure("GetAllTickers"); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	tickers := make(map[string]core.Ticker, len(m.prices))
	for sym, price := range m.prices {
		tickers[sym] = core.Ticker{Symbol: sym, Last: price}
	}
	return tickers, nil
}

func (m *Exchange) FetchBalance(ctx context.Context) (map[string]decimal.Decimal, error) {
	if err := m.failure("FetchBalance"); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return copyBalances(m.balances), nil
}

func (m *Exchange) FetchFreeBalance(ctx context.Context) (map[string]decimal.Decimal, error) {
	if err := m.failure("FetchBalance"); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return copyBalances(m.freeBalances), nil
}

// SetBalance sets both total and free balance for an asset.
func (m *Exchange) SetBalance(asset string, total, free decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.balances[asset] = total
	m.freeBalances[asset] = free
}

// SetPrice pins the current price for a symbol.
func (m *Exchange) SetPrice(symbol string, price decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.prices[symbol] = price
}

// StepPrice moves the current price by percent (e.g. -2 drops it 2%) and
// fills any resting limit orders the new price crosses.
func (m *Exchange) StepPrice(symbol string, percent decimal.Decimal) decimal.Decimal {
	m.mu.Lock()
	defer m.mu.Unlock()

	price := m.priceLocked(symbol)
	price = price.Add(price.Mul(percent).Div(decimal.NewFromInt(100)))
	m.prices[symbol] = price

	for _, order := range m.orders {
		if order.Symbol != symbol || order.Status != core.OrderStatusOpen || order.Type != core.OrderTypeLimit {
			continue
		}
		crossed := (order.Side == core.OrderSideBuy && price.LessThanOrEqual(order.Price)) ||
			(order.Side == core.OrderSideSell && price.GreaterThanOrEqual(order.Price))
		if crossed {
			order.Status = core.OrderStatusFilled
			order.FilledQty = order.Quantity
			order.AvgPrice = order.Price
		}
	}
	return price
}

// SimulateOrderFill marks an order filled with the given quantity and price.
// A quantity below the order's full size leaves it partially filled.
func (m *Exchange) SimulateOrderFill(orderID string, filledQty, avgPrice decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()

	order, ok := m.orders[orderID]
	if !ok {
		return
	}
	order.FilledQty = filledQty
	order.AvgPrice = avgPrice
	if filledQty.GreaterThanOrEqual(order.Quantity) {
		order.Status = core.OrderStatusFilled
	} else {
		order.Status = core.OrderStatusPartiallyFilled
	}
}

// Order returns a snapshot of the order, or nil if unknown.
func (m *Exchange) Order(orderID string) *Order {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if o, ok := m.orders[orderID]; ok {
		snapshot := *o
		return &snapshot
	}
	return nil
}

// OpenOrders returns snapshots of all resting orders for a symbol.
func (m *Exchange) OpenOrders(symbol string) []Order {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var open []Order
	for _, o := range m.orders {
		if o.Symbol == symbol && (o.Status == core.OrderStatusOpen || o.Status == core.OrderStatusPartiallyFilled) {
			open = append(open, *o)
		}
	}
	return open
}

// OrderCount reports how many orders were ever placed.
func (m *Exchange) OrderCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.orders)
}

func (m *Exchange) priceLocked(symbol string) decimal.Decimal {
	if price, ok := m.prices[symbol]; ok {
		return price
	}
	return decimal.NewFromInt(100)
}

func (o *Order) result() *core.OrderResult {
	return &core.OrderResult{
		ExchangeOrderID: o.ID,
		Status:          o.Status,
		FilledQuantity:  o.FilledQty,
		AvgFillPrice:    o.AvgPrice,
	}
}

func copyBalances(src map[string]decimal.Decimal) map[string]decimal.Decimal {
	out := make(map[string]decimal.Decimal, len(src))
	for k, v := range src {
		out[k] = v
	}
	return out
}
