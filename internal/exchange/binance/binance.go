// Package binance implements core.IExchange against Binance USDⓈ-M futures
// (fapi REST, HMAC-SHA256 signing).
package binance

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

const defaultBaseURL = "https://fapi.binance.com"

// Exchange talks to Binance futures for one credential set.
type Exchange struct {
	*base.Adapter
}

// signer adds X-MBX-APIKEY and an HMAC-SHA256 signature over the query
// string. Only requests carrying a timestamp param are private; the signer
// refreshes the timestamp per attempt so retries never go stale.
type signer struct {
	apiKey    string
	apiSecret string
}

func (s *signer) SignRequest(req *http.Request, _ []byte) error {
	q := req.URL.Query()
	if q.Get("timestamp") == "" {
		return nil
	}

	req.Header.Set("X-MBX-APIKEY", s.apiKey)
	q.Set("timestamp", strconv.FormatInt(time.Now().UnixMilli(), 10))
	q.Del("signature")

	mac := hmac.New(sha256.New, []byte(s.apiSecret))
	mac.Write([]byte(q.Encode()))
	q.Set("signature", hex.EncodeToString(mac.Sum(nil)))

	req.URL.RawQuery = q.Encode()
	return nil
}

// New creates a Binance futures connector. baseURL overrides the production
// endpoint for testnets and tests.
func New(apiKey, apiSecret, baseURL string, logger core.ILogger) *Exchange {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	e := &Exchange{
		Adapter: base.NewAdapter("binance", baseURL, &signer{apiKey: apiKey, apiSecret: apiSecret}, logger),
	}
	e.SetParseError(parseError)
	e.SetMapStatus(mapOrderStatus)
	return e
}

func parseError(statusCode int, body []byte) error {
	var errResp struct {
		Code int    `json:"code"`
		Msg  string `json:"msg"`
	}
	if err := json.Unmarshal(body, &errResp); err != nil {
		return fmt.Errorf("binance error (HTTP %d): %s", statusCode, string(body))
	}

	switch errResp.Code {
	case -2015, -2014, -1022:
		return apperrors.ErrAuthenticationFailed
	case -2010, -2019:
		return apperrors.ErrInsufficientFunds
	case -1003:
		return apperrors.ErrRateLimitExceeded
	case -1121:
		return apperrors.ErrInvalidSymbol
	case -2011, -2013:
		return apperrors.ErrOrderNotFound
	case -2012, -4116:
		return apperrors.ErrDuplicateOrder
	case -4164, -1111, -1013:
		return fmt.Errorf("%w: %s", apperrors.ErrInvalidOrderParameter, errResp.Msg)
	case -1021:
		return apperrors.ErrTimestampOutOfBounds
	}

	return fmt.Errorf("binance error %d: %s", errResp.Code, errResp.Msg)
}

func mapOrderStatus(raw string) core.OrderStatus {
	switch raw {
	case "NEW":
		return core.OrderStatusOpen
	case "PARTIALLY_FILLED":
		return core.OrderStatusPartiallyFilled
	case "FILLED":
		return core.OrderStatusFilled
	case "CANCELED", "EXPIRED":
		return core.OrderStatusCancelled
	case "REJECTED":
		return core.OrderStatusFailed
	default:
		return core.OrderStatusPending
	}
}

func (e *Exchange) CheckHealth(ctx context.Context) error {
	_, err := e.HTTP().Get(ctx, "/fapi/v1/ping", nil)
	return e.TranslateError(err)
}

// GetPrecisionRules loads the instrument catalog and refreshes the symbol
// table as a side effect.
func (e *Exchange) GetPrecisionRules(ctx context.Context) (map[string]core.PrecisionRule, error) {
	body, err := e.HTTP().Get(ctx, "/fapi/v1/exchangeInfo", nil)
	if err != nil {
		return nil, e.TranslateError(err)
	}

	var info struct {
		Symbols []struct {
			Symbol     string `json:"symbol"`
			BaseAsset  string `json:"baseAsset"`
			QuoteAsset string `json:"quoteAsset"`
			Status     string `json:"status"`
			Filters    []struct {
				FilterType string `json:"filterType"`
				TickSize   string `json:"tickSize"`
				StepSize   string `json:"stepSize"`
				MinQty     string `json:"minQty"`
				Notional   string `json:"notional"`
			} `json:"filters"`
		} `json:"symbols"`
	}
	if err := json.Unmarshal(body, &info); err != nil {
		return nil, fmt.Errorf("failed to decode exchangeInfo: %w", err)
	}

	rules := make(map[string]core.PrecisionRule, len(info.Symbols))
	for _, s := range info.Symbols {
		if s.Status != "TRADING" {
			continue
		}
		canonical := s.BaseAsset + "/" + s.QuoteAsset
		e.RememberSymbol(canonical, s.Symbol)

		var rule core.PrecisionRule
		for _, f := range s.Filters {
			switch f.FilterType {
			case "PRICE_FILTER":
				rule.TickSize = e.ParseDecimal(f.TickSize)
			case "LOT_SIZE":
				rule.StepSize = e.ParseDecimal(f.StepSize)
				rule.MinQty = e.ParseDecimal(f.MinQty)
			case "MIN_NOTIONAL":
				rule.MinNotional = e.ParseDecimal(f.Notional)
			}
		}
		rules[canonical] = rule
	}
	return rules, nil
}

func (e *Exchange) PlaceOrder(ctx context.Context, req *core.OrderRequest) (*core.OrderResult, error) {
	params := map[string]string{
		"symbol":    e.NativeSymbol(req.Symbol),
		"quantity":  req.Quantity.String(),
		"timestamp": strconv.FormatInt(time.Now().UnixMilli(), 10),
	}

	switch req.Side {
	case core.OrderSideBuy:
		params["side"] = "BUY"
	case core.OrderSideSell:
		params["side"] = "SELL"
	default:
		return nil, fmt.Errorf("%w: side %q", apperrors.ErrInvalidOrderParameter, req.Side)
	}

	switch req.Type {
	case core.OrderTypeLimit:
		params["type"] = "LIMIT"
		params["price"] = req.Price.String()
		params["timeInForce"] = "GTC"
	case core.OrderTypeMarket:
		params["type"] = "MARKET"
	default:
		return nil, fmt.Errorf("%w: type %q", apperrors.ErrInvalidOrderParameter, req.Type)
	}

	if req.ClientOrderID != "" {
		params["newClientOrderId"] = req.ClientOrderID
	}

	body, err := e.HTTP().Post(ctx, "/fapi/v1/order", params, nil)
	if err != nil {
		err = e.TranslateError(err)
		// A duplicate client order id means the first attempt landed;
		// converge on what the exchange already has.
		if req.ClientOrderID != "" && errors.Is(err, apperrors.ErrDuplicateOrder) {
			return e.getOrderByClientID(ctx, req.ClientOrderID, req.Symbol)
		}
		return nil, err
	}

	return e.parseOrderResult(body)
}

func (e *Exchange) GetOrderStatus(ctx context.Context, orderID, symbol string) (*core.OrderResult, error) {
	params := map[string]string{
		"symbol":    e.NativeSymbol(symbol),
		"orderId":   orderID,
		"timestamp": strconv.FormatInt(time.Now().UnixMilli(), 10),
	}

	body, err := e.HTTP().Get(ctx, "/fapi/v1/order", params)
	if err != nil {
		return nil, e.TranslateError(err)
	}
	return e.parseOrderResult(body)
}

func (e *Exchange) getOrderByClientID(ctx context.Context, clientOrderID, symbol string) (*core.OrderResult, error) {
	params := map[string]string{
		"symbol":            e.NativeSymbol(symbol),
		"origClientOrderId": clientOrderID,
		"timestamp":         strconv.FormatInt(time.Now().UnixMilli(), 10),
	}

	body, err := e.HTTP().Get(ctx, "/fapi/v1/order", params)
	if err != nil {
		return nil, e.TranslateError(err)
	}
	return e.parseOrderResult(body)
}

// CancelOrder is idempotent: an order the exchange no longer considers open
// converges to its terminal status instead of failing.
func (e *Exchange) CancelOrder(ctx context.Context, orderID, symbol string) (*core.OrderResult, error) {
	params := map[string]string{
		"symbol":    e.NativeSymbol(symbol),
		"orderId":   orderID,
		"timestamp": strconv.FormatInt(time.Now().UnixMilli(), 10),
	}

	body, err := e.HTTP().Delete(ctx, "/fapi/v1/order", params)
	if err != nil {
		err = e.TranslateError(err)
		if errors.Is(err, apperrors.ErrOrderNotFound) {
			return e.GetOrderStatus(ctx, orderID, symbol)
		}
		return nil, err
	}
	return e.parseOrderResult(body)
}

func (e *Exchange) parseOrderResult(body []byte) (*core.OrderResult, error) {
	var raw struct {
		OrderID     int64  `json:"orderId"`
		Status      string `json:"status"`
		ExecutedQty string `json:"executedQty"`
		AvgPrice    string `json:"avgPrice"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("failed to decode order response: %w", err)
	}

	return &core.OrderResult{
		ExchangeOrderID: strconv.FormatInt(raw.OrderID, 10),
		Status:          e.MapStatus(raw.Status),
		FilledQuantity:  e.ParseDecimal(raw.ExecutedQty),
		AvgFillPrice:    e.ParseDecimal(raw.AvgPrice),
	}, nil
}

func (e *Exchange) GetCurrentPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	params := map[string]string{"symbol": e.NativeSymbol(symbol)}

	body, err := e.HTTP().Get(ctx, "/fapi/v1/ticker/price", params)
	if err != nil {
		return decimal.Zero, e.TranslateError(err)
	}

	var raw struct {
		Price string `json:"price"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return decimal.Zero, fmt.Errorf("failed to decode ticker: %w", err)
	}
	return decimal.NewFromString(raw.Price)
}

func (e *Exchange) GetAllTickers(ctx context.Context) (map[string]core.Ticker, error) {
	if err := e.ensureSymbols(ctx); err != nil {
		return nil, err
	}

	body, err := e.HTTP().Get(ctx, "/fapi/v1/ticker/price", nil)
	if err != nil {
		return nil, e.TranslateError(err)
	}

	var raw []struct {
		Symbol string `json:"symbol"`
		Price  string `json:"price"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("failed to decode tickers: %w", err)
	}

	tickers := make(map[string]core.Ticker, len(raw))
	for _, t := range raw {
		canonical, ok := e.CanonicalSymbol(t.Symbol)
		if !ok {
			continue
		}
		tickers[canonical] = core.Ticker{Symbol: canonical, Last: e.ParseDecimal(t.Price)}
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
	params := map[string]string{
		"timestamp": strconv.FormatInt(time.Now().UnixMilli(), 10),
	}

	body, err := e.HTTP().Get(ctx, "/fapi/v2/balance", params)
	if err != nil {
		return nil, e.TranslateError(err)
	}

	var raw []struct {
		Asset            string `json:"asset"`
		Balance          string `json:"balance"`
		AvailableBalance string `json:"availableBalance"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("failed to decode balances: %w", err)
	}

	balances := make(map[string]decimal.Decimal, len(raw))
	for _, b := range raw {
		if freeOnly {
			balances[b.Asset] = e.ParseDecimal(b.AvailableBalance)
		} else {
			balances[b.Asset] = e.ParseDecimal(b.Balance)
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
