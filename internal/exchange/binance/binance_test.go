package binance

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"

	"github.com/shopspring/decimal"

	"dca_engine/internal/core"
	apperrors "dca_engine/pkg/errors"
	"dca_engine/pkg/logging"
)

func newTestExchange(t *testing.T, handler http.HandlerFunc) *Exchange {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	logger, _ := logging.NewZapLogger("INFO")
	return New("test-key", "test-secret", server.URL, logger)
}

func TestSignedRequestCarriesValidSignature(t *testing.T) {
	ex := newTestExchange(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/fapi/v2/balance" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.Header.Get("X-MBX-APIKEY"); got != "test-key" {
			t.Errorf("expected api key header, got %q", got)
		}

		q := r.URL.Query()
		sig := q.Get("signature")
		if sig == "" {
			t.Error("expected signature param")
		}
		q.Del("signature")

		mac := hmac.New(sha256.New, []byte("test-secret"))
		mac.Write([]byte(q.Encode()))
		if expected := hex.EncodeToString(mac.Sum(nil)); sig != expected {
			t.Errorf("signature mismatch: got %s want %s", sig, expected)
		}

		w.Write([]byte(`[{"asset":"USDT","balance":"1000.5","availableBalance":"900.25"}]`))
	})

	balances, err := ex.FetchBalance(context.Background())
	if err != nil {
		t.Fatalf("FetchBalance failed: %v", err)
	}
	if !balances["USDT"].Equal(decimal.NewFromFloat(1000.5)) {
		t.Errorf("expected 1000.5 USDT, got %v", balances["USDT"])
	}

	free, err := ex.FetchFreeBalance(context.Background())
	if err != nil {
		t.Fatalf("FetchFreeBalance failed: %v", err)
	}
	if !free["USDT"].Equal(decimal.NewFromFloat(900.25)) {
		t.Errorf("expected 900.25 USDT free, got %v", free["USDT"])
	}
}

func TestPublicRequestIsUnsigned(t *testing.T) {
	ex := newTestExchange(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("signature") != "" {
			t.Error("public endpoint should not be signed")
		}
		if r.Header.Get("X-MBX-APIKEY") != "" {
			t.Error("public endpoint should not carry the api key")
		}
		w.Write([]byte(`{"price":"45000.10"}`))
	})

	price, err := ex.GetCurrentPrice(context.Background(), "BTC/USDT")
	if err != nil {
		t.Fatalf("GetCurrentPrice failed: %v", err)
	}
	if !price.Equal(decimal.NewFromFloat(45000.10)) {
		t.Errorf("expected 45000.10, got %v", price)
	}
}

func TestGetPrecisionRules(t *testing.T) {
	ex := newTestExchange(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{
			"symbols": [
				{
					"symbol": "BTCUSDT",
					"baseAsset": "BTC",
					"quoteAsset": "USDT",
					"status": "TRADING",
					"filters": [
						{"filterType": "PRICE_FILTER", "tickSize": "0.10"},
						{"filterType": "LOT_SIZE", "stepSize": "0.001", "minQty": "0.001"},
						{"filterType": "MIN_NOTIONAL", "notional": "100"}
					]
				},
				{
					"symbol": "OLDUSDT",
					"baseAsset": "OLD",
					"quoteAsset": "USDT",
					"status": "SETTLING",
					"filters": []
				}
			]
		}`))
	})

	rules, err := ex.GetPrecisionRules(context.Background())
	if err != nil {
		t.Fatalf("GetPrecisionRules failed: %v", err)
	}

	rule, ok := rules["BTC/USDT"]
	if !ok {
		t.Fatal("expected BTC/USDT rule")
	}
	if !rule.TickSize.Equal(decimal.NewFromFloat(0.10)) {
		t.Errorf("tick size: got %v", rule.TickSize)
	}
	if !rule.StepSize.Equal(decimal.NewFromFloat(0.001)) {
		t.Errorf("step size: got %v", rule.StepSize)
	}
	if !rule.MinNotional.Equal(decimal.NewFromInt(100)) {
		t.Errorf("min notional: got %v", rule.MinNotional)
	}

	if _, ok := rules["OLD/USDT"]; ok {
		t.Error("non-trading symbol should be skipped")
	}
	if native := ex.NativeSymbol("BTC/USDT"); native != "BTCUSDT" {
		t.Errorf("expected BTCUSDT, got %s", native)
	}
}

func TestPlaceLimitOrder(t *testing.T) {
	ex := newTestExchange(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/fapi/v1/order" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		q := r.URL.Query()
		if q.Get("symbol") != "BTCUSDT" || q.Get("side") != "BUY" || q.Get("type") != "LIMIT" {
			t.Errorf("unexpected order params: %v", q)
		}
		if q.Get("timeInForce") != "GTC" {
			t.Errorf("expected GTC, got %s", q.Get("timeInForce"))
		}
		if q.Get("newClientOrderId") != "dca-abc123" {
			t.Errorf("expected client order id, got %s", q.Get("newClientOrderId"))
		}
		w.Write([]byte(`{"orderId":123456,"status":"NEW","executedQty":"0","avgPrice":"0.00000"}`))
	})

	result, err := ex.PlaceOrder(context.Background(), &core.OrderRequest{
		Symbol:        "BTC/USDT",
		Side:          core.OrderSideBuy,
		Type:          core.OrderTypeLimit,
		Quantity:      decimal.NewFromFloat(0.5),
		Price:         decimal.NewFromInt(50000),
		ClientOrderID: "dca-abc123",
	})
	if err != nil {
		t.Fatalf("PlaceOrder failed: %v", err)
	}
	if result.ExchangeOrderID != "123456" {
		t.Errorf("expected order id 123456, got %s", result.ExchangeOrderID)
	}
	if result.Status != core.OrderStatusOpen {
		t.Errorf("expected open, got %s", result.Status)
	}
}

func TestPlaceOrderDuplicateConvergesToExisting(t *testing.T) {
	ex := newTestExchange(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			w.WriteHeader(http.StatusBadRequest)
			w.Write([]byte(`{"code":-4116,"msg":"duplicate clientOrderId"}`))
			return
		}
		if got := r.URL.Query().Get("origClientOrderId"); got != "dca-retry" {
			t.Errorf("expected lookup by client order id, got %q", got)
		}
		w.Write([]byte(`{"orderId":777,"status":"FILLED","executedQty":"0.5","avgPrice":"49999.5"}`))
	})

	result, err := ex.PlaceOrder(context.Background(), &core.OrderRequest{
		Symbol:        "BTC/USDT",
		Side:          core.OrderSideBuy,
		Type:          core.OrderTypeLimit,
		Quantity:      decimal.NewFromFloat(0.5),
		Price:         decimal.NewFromInt(50000),
		ClientOrderID: "dca-retry",
	})
	if err != nil {
		t.Fatalf("expected convergence, got error: %v", err)
	}
	if result.ExchangeOrderID != "777" {
		t.Errorf("expected existing order 777, got %s", result.ExchangeOrderID)
	}
	if result.Status != core.OrderStatusFilled {
		t.Errorf("expected filled, got %s", result.Status)
	}
	if !result.FilledQuantity.Equal(decimal.NewFromFloat(0.5)) {
		t.Errorf("expected filled qty 0.5, got %v", result.FilledQuantity)
	}
}

func TestCancelOrderConvergesWhenAlreadyGone(t *testing.T) {
	ex := newTestExchange(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodDelete {
			w.WriteHeader(http.StatusBadRequest)
			w.Write([]byte(`{"code":-2011,"msg":"Unknown order sent."}`))
			return
		}
		w.Write([]byte(`{"orderId":888,"status":"CANCELED","executedQty":"0.1","avgPrice":"50000"}`))
	})

	result, err := ex.CancelOrder(context.Background(), "888", "BTC/USDT")
	if err != nil {
		t.Fatalf("expected convergence, got error: %v", err)
	}
	if result.Status != core.OrderStatusCancelled {
		t.Errorf("expected cancelled, got %s", result.Status)
	}
	if !result.FilledQuantity.Equal(decimal.NewFromFloat(0.1)) {
		t.Errorf("expected partial fill preserved, got %v", result.FilledQuantity)
	}
}

func TestGetAllTickersSkipsUnknownSymbols(t *testing.T) {
	ex := newTestExchange(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/fapi/v1/exchangeInfo" {
			w.Write([]byte(`{"symbols":[{"symbol":"BTCUSDT","baseAsset":"BTC","quoteAsset":"USDT","status":"TRADING","filters":[]}]}`))
			return
		}
		w.Write([]byte(`[{"symbol":"BTCUSDT","price":"45000"},{"symbol":"MYSTERY","price":"1"}]`))
	})

	tickers, err := ex.GetAllTickers(context.Background())
	if err != nil {
		t.Fatalf("GetAllTickers failed: %v", err)
	}
	if len(tickers) != 1 {
		t.Fatalf("expected 1 ticker, got %d", len(tickers))
	}
	if !tickers["BTC/USDT"].Last.Equal(decimal.NewFromInt(45000)) {
		t.Errorf("expected 45000, got %v", tickers["BTC/USDT"].Last)
	}
}

func TestParseErrorMapping(t *testing.T) {
	cases := []struct {
		code int
		want error
	}{
		{-2015, apperrors.ErrAuthenticationFailed},
		{-2019, apperrors.ErrInsufficientFunds},
		{-1003, apperrors.ErrRateLimitExceeded},
		{-1121, apperrors.ErrInvalidSymbol},
		{-2011, apperrors.ErrOrderNotFound},
		{-4116, apperrors.ErrDuplicateOrder},
		{-1111, apperrors.ErrInvalidOrderParameter},
		{-1021, apperrors.ErrTimestampOutOfBounds},
	}
	for _, tc := range cases {
		body := []byte(`{"code":` + strconv.Itoa(tc.code) + `,"msg":"x"}`)
		if err := parseError(400, body); !errors.Is(err, tc.want) {
			t.Errorf("code %d: expected %v, got %v", tc.code, tc.want, err)
		}
	}
}

func TestMapOrderStatus(t *testing.T) {
	cases := map[string]core.OrderStatus{
		"NEW":              core.OrderStatusOpen,
		"PARTIALLY_FILLED": core.OrderStatusPartiallyFilled,
		"FILLED":           core.OrderStatusFilled,
		"CANCELED":         core.OrderStatusCancelled,
		"EXPIRED":          core.OrderStatusCancelled,
		"REJECTED":         core.OrderStatusFailed,
		"SOMETHING_ELSE":   core.OrderStatusPending,
	}
	for raw, want := range cases {
		if got := mapOrderStatus(raw); got != want {
			t.Errorf("%s: expected %s, got %s", raw, want, got)
		}
	}
}
