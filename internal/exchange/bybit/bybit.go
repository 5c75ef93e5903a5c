// Package bybit implements core.IExchange against Bybit v5 linear perpetuals
// (REST, HMAC-SHA256 header signing).
package bybit

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"dca_engine/internal/core"
	"dca_engine/internal/exchange/base"
	apperrors "dca_engine/pkg/errors"
)

const (
	defaultBaseURL = "https://api.bybit.com"
	category       = "linear"
	recvWindow     = "5000"
)

// Exchange talks to Bybit v5 for one credential set.
type Exchange struct {
	*base.Adapter
}

// signer applies the v5 header scheme: sign = HMAC(secret, timestamp +
// api_key + recv_window + payload), where payload is the raw query string
// for GETs and the JSON body for POSTs. Public endpoints ignore the headers,
// so every request is signed uniformly.
type signer struct {
	apiKey    string
	apiSecret string
}

func (s *signer) SignRequest(req *http.Request, body []byte) error {
	timestamp := strconv.FormatInt(time.Now().UnixMilli(), 10)

	payload := req.URL.RawQuery
	if len(body) > 0 {
		payload = string(body)
	}

	mac := hmac.New(sha256.New, []byte(s.apiSecret))
	mac.Write([]byte(timestamp + s.apiKey + recvWindow + payload))

	req.Header.Set("X-BAPI-API-KEY", s.apiKey)
	req.Header.Set("X-BAPI-TIMESTAMP", timestamp)
	req.Header.Set("X-BAPI-RECV-WINDOW", recvWindow)
	req.Header.Set("X-BAPI-SIGN", hex.EncodeToString(mac.Sum(nil)))
	return nil
}

// New creates a Bybit linear connector. baseURL overrides production for
// testnets and tests.
func New(apiKey, apiSecret, baseURL string, logger core.ILogger) *Exchange {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	e := &Exchange{
		Adapter: base.NewAdapter("bybit", baseURL, &signer{apiKey: apiKey, apiSecret: apiSecret}, logger),
	}
	e.SetMapStatus(mapOrderStatus)
	return e
}

// envelope is the v5 wrapper. Bybit signals most failures with retCode on an
// HTTP 200, so error translation happens here rather than in ParseError.
type envelope struct {
	RetCode int             `json:"retCode"`
	RetMsg  string          `json:"retMsg"`
	Result  json.RawMessage `json:"result"`
}

func unwrap(body []byte) (json.RawMessage, error) {
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("failed to decode bybit envelope: %w", err)
	}
	if env.RetCode != 0 {
		return nil, mapRetCode(env.RetCode, env.RetMsg)
	}
	return env.Result, nil
}

func mapRetCode(code int, msg string) error {
	switch code {
	case 10003, 10004, 10005:
		return apperrors.ErrAuthenticationFailed
	case 10006:
		return apperrors.ErrRateLimitExceeded
	case 10002:
		return apperrors.ErrTimestampOutOfBounds
	case 110001:
		return apperrors.ErrOrderNotFound
	case 110007:
		return apperrors.ErrInsufficientFunds
	case 110072:
		return apperrors.ErrDuplicateOrder
	case 10001:
		return fmt.Errorf("%w: %s", apperrors.ErrInvalidOrderParameter, msg)
	}
	return fmt.Errorf("bybit error %d: %s", code, msg)
}

func mapOrderStatus(raw string) core.OrderStatus {
	switch raw {
	case "New", "Untriggered", "Triggered":
		return core.OrderStatusOpen
	case "PartiallyFilled":
		return core.OrderStatusPartiallyFilled
	case "Filled":
		return core.OrderStatusFilled
	case "Cancelled", "PartiallyFilledCanceled", "Deactivated", "Expired":
		return core.OrderStatusCancelled
	case "Rejected":
		return core.OrderStatusFailed
	default:
		return core.OrderStatusPending
	}
}

func (e *Exchange) CheckHealth(ctx context.Context) error {
	body, err := e.HTTP().Get(ctx, "/v5/market/time", nil)
	if err != nil {
		return e.TranslateError(err)
	}
	_, err = unwrap(body)
	return err
}

// GetPrecisionRules loads the instrument catalog and refreshes the symbol
// table as a side effect.
func (e *Exchange) GetPrecisionRules(ctx context.Context) (map[string]core.PrecisionRule, error) {
	params := map[string]string{"category": category, "limit": "1000"}

	body, err := e.HTTP().Get(ctx, "/v5/market/instruments-info", params)
	if err != nil {
		return nil, e.TranslateError(err)
	}
	result, err := unwrap(body)
	if err != nil {
		return nil, err
	}

	var raw struct {
		List []struct {
			Symbol      string `json:"symbol"`
			BaseCoin    string `json:"baseCoin"`
			QuoteCoin   string `json:"quoteCoin"`
			Status      string `json:"status"`
			PriceFilter struct {
				TickSize string `json:"tickSize"`
			} `json:"priceFilter"`
			LotSizeFilter struct {
				QtyStep          string `json:"qtyStep"`
				MinOrderQty      string `json:"minOrderQty"`
				MinNotionalValue string `json:"minNotionalValue"`
			} `json:"lotSizeFilter"`
		} `json:"list"`
	}
	if err := json.Unmarshal(result, &raw); err != nil {
		return nil, fmt.Errorf("failed to decode instruments-info: %w", err)
	}

	rules := make(map[string]core.PrecisionRule, len(raw.List))
	for _, s := range raw.List {
		if s.Status != "Trading" {
			continue
		}
		canonical := s.BaseCoin + "/" + s.QuoteCoin
		e.RememberSymbol(canonical, s.Symbol)

		rules[canonical] = core.PrecisionRule{
			TickSize:    e.ParseDecimal(s.PriceFilter.TickSize),
			StepSize:    e.ParseDecimal(s.LotSizeFilter.QtyStep),
			MinQty:      e.ParseDecimal(s.LotSizeFilter.MinOrderQty),
			MinNotional: e.ParseDecimal(s.LotSizeFilter.MinNotionalValue),
		}
	}
	return rules, nil
}

func (e *Exchange) PlaceOrder(ctx context.Context, req *core.OrderRequest) (*core.OrderResult, error) {
	payload := map[string]string{
		"category": category,
		"symbol":   e.NativeSymbol(req.Symbol),
		"qty":      req.Quantity.String(),
	}

	switch req.Side {
	case core.OrderSideBuy:
		payload["side"] = "Buy"
	case core.OrderSideSell:
		payload["side"] = "Sell"
	default:
		return nil, fmt.Errorf("%w: side %q", apperrors.ErrInvalidOrderParameter, req.Side)
	}

	switch req.Type {
	case core.OrderTypeLimit:
		payload["orderType"] = "Limit"
		payload["price"] = req.Price.String()
		payload["timeInForce"] = "GTC"
	case core.OrderTypeMarket:
		payload["orderType"] = "Market"
	default:
		return nil, fmt.Errorf("%w: type %q", apperrors.ErrInvalidOrderParameter, req.Type)
	}

	if req.ClientOrderID != "" {
		payload["orderLinkId"] = req.ClientOrderID
	}

	body, err := e.HTTP().Post(ctx, "/v5/order/create", nil, payload)
	if err != nil {
		return nil, e.TranslateError(err)
	}
	result, err := unwrap(body)
	if err != nil {
		// A duplicate orderLinkId means the first attempt landed.
		if req.ClientOrderID != "" && errors.Is(err, apperrors.ErrDuplicateOrder) {
			return e.getOrderByClientID(ctx, req.ClientOrderID, req.Symbol)
		}
		return nil, err
	}

	var created struct {
		OrderID string `json:"orderId"`
	}
	if err := json.Unmarshal(result, &created); err != nil {
		return nil, fmt.Errorf("failed to decode order response: %w", err)
	}

	// Create returns no status; report open for resting orders and pending
	// for market orders until the first refresh resolves fills.
	status := core.OrderStatusOpen
	if req.Type == core.OrderTypeMarket {
		status = core.OrderStatusPending
	}
	return &core.OrderResult{ExchangeOrderID: created.OrderID, Status: status}, nil
}

func (e *Exchange) GetOrderStatus(ctx context.Context, orderID, symbol string) (*core.OrderResult, error) {
	return e.queryOrder(ctx, symbol, map[string]string{"orderId": orderID})
}

func (e *Exchange) getOrderByClientID(ctx context.Context, clientOrderID, symbol string) (*core.OrderResult, error) {
	return e.queryOrder(ctx, symbol, map[string]string{"orderLinkId": clientOrderID})
}

// queryOrder checks the realtime book first and falls back to order history
// for terminal orders that already left it.
func (e *Exchange) queryOrder(ctx context.Context, symbol string, selector map[string]string) (*core.OrderResult, error) {
	for _, path := range []string{"/v5/order/realtime", "/v5/order/history"} {
		params := map[string]string{
			"category": category,
			"symbol":   e.NativeSymbol(symbol),
		}
		for k, v := range selector {
			params[k] = v
		}

		body, err := e.HTTP().Get(ctx, path, params)
		if err != nil {
			return nil, e.TranslateError(err)
		}
		result, err := unwrap(body)
		if err != nil {
			return nil, err
		}

		var raw struct {
			List []bybitOrder `json:"list"`
		}
		if err := json.Unmarshal(result, &raw); err != nil {
			return nil, fmt.Errorf("failed to decode order query: %w", err)
		}
		if len(raw.List) > 0 {
			return e.toResult(raw.List[0]), nil
		}
	}
	return nil, apperrors.ErrOrderNotFound
}

type bybitOrder struct {
	OrderID     string `json:"orderId"`
	OrderStatus string `json:"orderStatus"`
	CumExecQty  string `json:"cumExecQty"`
	AvgPrice    string `json:"avgPrice"`
}

func (e *Exchange) toResult(o bybitOrder) *core.OrderResult {
	return &core.OrderResult{
		ExchangeOrderID: o.OrderID,
		Status:          e.MapStatus(o.OrderStatus),
		FilledQuantity:  e.ParseDecimal(o.CumExecQty),
		AvgFillPrice:    e.ParseDecimal(o.AvgPrice),
	}
}

// CancelOrder is idempotent: an order the exchange no longer considers open
// converges to its terminal status instead of failing.
func (e *Exchange) CancelOrder(ctx context.Context, orderID, symbol string) (*core.OrderResult, error) {
	payload := map[string]string{
		"category": category,
		"symbol":   e.NativeSymbol(symbol),
		"orderId":  orderID,
	}

	body, err := e.HTTP().Post(ctx, "/v5/order/cancel", nil, payload)
	if err != nil {
		return nil, e.TranslateError(err)
	}
	if _, err := unwrap(body); err != nil {
		if errors.Is(err, apperrors.ErrOrderNotFound) {
			return e.GetOrderStatus(ctx, orderID, symbol)
		}
		return nil, err
	}

	// Cancel returns only ids; fetch the final state for filled_quantity.
	return e.GetOrderStatus(ctx, orderID, symbol)
}

func (e *Exchange) GetCurrentPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	params := map[string]string{
		"category": category,
		"symbol":   e.NativeSymbol(symbol),
	}

	body, err := e.HTTP().Get(ctx, "/v5/market/tickers", params)
	if err != nil {
		return decimal.Zero, e.TranslateError(err)
	}
	result, err := unwrap(body)
	if err != nil {
		return decimal.Zero, err
	}

	var raw struct {
		List []struct {
			LastPrice string `json:"lastPrice"`
		} `json:"list"`
	}
	if err := json.Unmarshal(result, &raw); err != nil {
		return decimal.Zero, fmt.Errorf("failed to decode ticker: %w", err)
	}
	if len(raw.List) == 0 {
		return decimal.Zero, fmt.Errorf("%w: %s", apperrors.ErrInvalidSymbol, symbol)
	}
	return decimal.NewFromString(raw.List[0].LastPrice)
}

func (e *Exchange) GetAllTickers(ctx context.Context) (map[string]core.Ticker, error) {
	if err := e.ensureSymbols(ctx); err != nil {
		return nil, err
	}

	params := map[string]string{"category": category}
	body, err := e.HTTP().Get(ctx, "/v5/market/tickers", params)
	if err != nil {
		return nil, e.TranslateError(err)
	}
	result, err := unwrap(body)
	if err != nil {
		return nil, err
	}

	var raw struct {
		List []struct {
			Symbol    string `json:"symbol"`
			LastPrice string `json:"lastPrice"`
		} `json:"list"`
	}
	if err := json.Unmarshal(result, &raw); err != nil {
		return nil, fmt.Errorf("failed to decode tickers: %w", err)
	}

	tickers := make(map[string]core.Ticker, len(raw.List))
	for _, t := range raw.List {
		canonical, ok := e.CanonicalSymbol(t.Symbol)
		if !ok {
			continue
		}
		tickers[canonical] = core.Ticker{Symbol: canonical, Last: e.ParseDecimal(t.LastPrice)}
	}
	return tickers, nil
}

func (e *Exchange) FetchBalance(ctx context.Context) (map[string]decimal.Decimal, error) {
	return e.fetchBalances(ctx, false)
}

func (e *Exchange) FetchFreeBalance(ctx context.Context) (map[string]decimal.Decimal, error) {
	return e.fetchBalances(ctx, true)
}

func (e *Exchange) fetchBalances(ctx context.Context, freeOnly bool) (map[string]decimal.Decimal, error) {
	params := map[string]string{"accountType": "UNIFIED"}

	body, err := e.HTTP().Get(ctx, "/v5/account/wallet-balance", params)
	if err != nil {
		return nil, e.TranslateError(err)
	}
	result, err := unwrap(body)
	if err != nil {
		return nil, err
	}

	var raw struct {
		List []struct {
			Coin []struct {
				Coin                string `json:"coin"`
				WalletBalance       string `json:"walletBalance"`
				AvailableToWithdraw string `json:"availableToWithdraw"`
			} `json:"coin"`
		} `json:"list"`
	}
	if err := json.Unmarshal(result, &raw); err != nil {
		return nil, fmt.Errorf("failed to decode wallet balance: %w", err)
	}

	balances := make(map[string]decimal.Decimal)
	for _, account := range raw.List {
		for _, c := range account.Coin {
			if freeOnly {
				balances[c.Coin] = e.ParseDecimal(c.AvailableToWithdraw)
			} else {
				balances[c.Coin] = e.ParseDecimal(c.WalletBalance)
			}
		}
	}
	return balances, nil
}

// ensureSymbols populates the symbol table on first use so ticker responses
// can be translated back to canonical form.
func (e *Exchange) ensureSymbols(ctx context.Context) error {
	if e.SymbolTableSize() > 0 {
		return nil
	}
	_, err := e.GetPrecisionRules(ctx)
	return err
}
