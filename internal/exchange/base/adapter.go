// Package base provides common plumbing for exchange adapters: the resilient
// HTTP pipeline, error translation hooks, status normalization and the
// canonical↔native symbol table.
package base

import (
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"dca_engine/internal/core"
	"dca_engine/pkg/httpclient"
)

// ParseErrorFunc translates an exchange error body into an apperrors
// sentinel or a descriptive error.
type ParseErrorFunc func(statusCode int, body []byte) error

// MapStatusFunc translates a native order status into the normalized set.
type MapStatusFunc func(raw string) core.OrderStatus

// Adapter is embedded by concrete exchange implementations.
type Adapter struct {
	name   string
	logger core.ILogger
	client *httpclient.Client

	parseError ParseErrorFunc
	mapStatus  MapStatusFunc

	symbols symbolTable
}

// NewAdapter wires the shared HTTP pipeline for one exchange. The signer is
// exchange-specific and runs once per attempt inside the pipeline.
func NewAdapter(name, baseURL string, signer httpclient.Signer, logger core.ILogger) *Adapter {
	return &Adapter{
		name:   name,
		logger: logger.WithField("exchange", name),
		client: httpclient.NewClient(baseURL, 10*time.Second, signer),
	}
}

func (a *Adapter) Name() string         { return a.name }
func (a *Adapter) Logger() core.ILogger { return a.logger }

// HTTP exposes the resilient client for the concrete adapter's calls.
func (a *Adapter) HTTP() *httpclient.Client {
	return a.client
}

// SetParseError sets the exchange-specific error body translator.
func (a *Adapter) SetParseError(fn ParseErrorFunc) { a.parseError = fn }

// SetMapStatus sets the exchange-specific status translator.
func (a *Adapter) SetMapStatus(fn MapStatusFunc) { a.mapStatus = fn }

// TranslateError unwraps httpclient.APIError through the exchange's error
// parser so callers see apperrors sentinels instead of raw HTTP failures.
func (a *Adapter) TranslateError(err error) error {
	if err == nil {
		return nil
	}
	var apiErr *httpclient.APIError
	if errors.As(err, &apiErr) && a.parseError != nil {
		return a.parseError(apiErr.StatusCode, apiErr.Body)
	}
	return err
}

// MapStatus normalizes a native order status, defaulting to pending for
// anything unrecognized.
func (a *Adapter) MapStatus(raw string) core.OrderStatus {
	if a.mapStatus != nil {
		return a.mapStatus(raw)
	}
	return core.OrderStatusPending
}

// ParseDecimal parses a string amount, logging and returning zero on bad
// input rather than failing the whole response.
func (a *Adapter) ParseDecimal(s string) decimal.Decimal {
	if s == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		a.logger.Warn("failed to parse decimal", "value", s, "error", err)
		return decimal.Zero
	}
	return d
}

// RememberSymbol records a canonical↔native pair, usually while parsing the
// exchange's instrument catalog.
func (a *Adapter) RememberSymbol(canonical, native string) {
	a.symbols.store(canonical, native)
}

// NativeSymbol converts "BASE/QUOTE" to the exchange's native format. The
// fallback (strip the slash) matches every supported venue.
func (a *Adapter) NativeSymbol(canonical string) string {
	if native, ok := a.symbols.native(canonical); ok {
		return native
	}
	return strings.ReplaceAll(canonical, "/", "")
}

// CanonicalSymbol converts a native symbol back to "BASE/QUOTE". Unknown
// symbols return ok=false; callers skip them rather than guess the split.
func (a *Adapter) CanonicalSymbol(native string) (string, bool) {
	return a.symbols.canonical(native)
}

// SymbolTableSize reports how many instruments the adapter has catalogued.
func (a *Adapter) SymbolTableSize() int {
	return a.symbols.size()
}

// symbolTable is the bidirectional symbol map shared by all calls.
type symbolTable struct {
	mu          sync.RWMutex
	toNative    map[string]string
	toCanonical map[string]string
}

func (t *symbolTable) store(canonical, native string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.toNative == nil {
		t.toNative = make(map[string]string)
		t.toCanonical = make(map[string]string)
	}
	t.toNative[canonical] = native
	t.toCanonical[native] = canonical
}

func (t *symbolTable) native(canonical string) (string, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	native, ok := t.toNative[canonical]
	return native, ok
}

func (t *symbolTable) canonical(native string) (string, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	canonical, ok := t.toCanonical[native]
	return canonical, ok
}

func (t *symbolTable) size() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.toNative)
}
