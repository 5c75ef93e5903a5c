package binance

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"dca_engine/internal/coordination"
	"dca_engine/internal/core"
	"dca_engine/pkg/websocket"
)

const (
	defaultWSURL = "wss://fstream.binance.com"
	// The all-market mini-ticker feed batches once per second; publishing
	// every two seconds keeps the cache entry alive well inside its TTL.
	publishInterval = 2 * time.Second
	seedTimeout     = 15 * time.Second
)

// TickerStream keeps the shared ticker cache warm from the all-market
// mini-ticker feed, so monitor and scoring cycles read stream prices
// instead of paying a REST round trip per cycle. If the feed dies the cache
// entry expires and readers fall back to REST through the read-through
// path; nothing downstream has to know.
type TickerStream struct {
	exchange *Exchange
	tickers  *coordination.TickerCache
	client   *websocket.Client
	logger   core.ILogger

	mu    sync.Mutex
	book  map[string]core.Ticker
	dirty bool
}

// NewTickerStream wires a stream for one venue connection. wsURL overrides
// the production feed endpoint for testnets and tests.
func NewTickerStream(exchange *Exchange, tickers *coordination.TickerCache, wsURL string, logger core.ILogger) *TickerStream {
	if wsURL == "" {
		wsURL = defaultWSURL
	}
	s := &TickerStream{
		exchange: exchange,
		tickers:  tickers,
		logger:   logger.WithField("component", "ticker_stream"),
		book:     make(map[string]core.Ticker),
	}
	s.client = websocket.NewClient(websocket.Config{
		URL: wsURL + "/ws/!miniTicker@arr",
	}, s.onMessage, logger)
	return s
}

// Run seeds the book over REST, then consumes the feed and publishes the
// merged book on a fixed cadence until ctx ends. Returns nil on shutdown;
// feed trouble is logged and retried, never fatal.
func (s *TickerStream) Run(ctx context.Context) error {
	s.seed(ctx)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = s.client.Run(ctx)
	}()

	s.logger.Info("Ticker stream started", "exchange", s.exchange.Name())
	ticker := time.NewTicker(publishInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			<-done
			s.logger.Info("Ticker stream stopped")
			return nil
		case <-ticker.C:
			// A failed boot-time seed leaves the symbol table empty and
			// every frame untranslatable; retry until the catalog loads.
			if s.exchange.SymbolTableSize() == 0 {
				s.seed(ctx)
			}
			s.publish(ctx)
		}
	}
}

// seed primes the book and the symbol table with one REST snapshot so the
// first published batch is complete rather than only the symbols that have
// ticked since connect. Failure is tolerable: the stream fills the book
// over the next seconds anyway.
func (s *TickerStream) seed(ctx context.Context) {
	seedCtx, cancel := context.WithTimeout(ctx, seedTimeout)
	defer cancel()

	snapshot, err := s.exchange.GetAllTickers(seedCtx)
	if err != nil {
		s.logger.Warn("Ticker seed failed, starting from the live feed", "error", err)
		return
	}

	s.mu.Lock()
	for symbol, t := range snapshot {
		s.book[symbol] = t
	}
	s.dirty = true
	s.mu.Unlock()
	s.logger.Info("Ticker book seeded", "symbols", len(snapshot))
}

func (s *TickerStream) publish(ctx context.Context) {
	s.mu.Lock()
	if !s.dirty {
		s.mu.Unlock()
		return
	}
	snapshot := make(map[string]core.Ticker, len(s.book))
	for symbol, t := range s.book {
		snapshot[symbol] = t
	}
	s.dirty = false
	s.mu.Unlock()

	pubCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := s.tickers.Publish(pubCtx, s.exchange.Name(), snapshot); err != nil {
		s.logger.Warn("Ticker publish failed", "error", err)
	}
}

// onMessage folds one mini-ticker batch into the book. Symbols the catalog
// does not know (delisted, non-TRADING) are skipped.
func (s *TickerStream) onMessage(message []byte) {
	var events []struct {
		Symbol string `json:"s"`
		Close  string `json:"c"`
	}
	if err := json.Unmarshal(message, &events); err != nil {
		// Control payloads and subscribe acks are single objects; the
		// feed we consume only batches.
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ev := range events {
		canonical, ok := s.exchange.CanonicalSymbol(ev.Symbol)
		if !ok {
			continue
		}
		last, err := decimal.NewFromString(ev.Close)
		if err != nil {
			continue
		}
		s.book[canonical] = core.Ticker{Symbol: canonical, Last: last}
		s.dirty = true
	}
}
