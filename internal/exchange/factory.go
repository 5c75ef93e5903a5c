// Package exchange constructs venue connectors and resolves them per user.
package exchange

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"dca_engine/internal/config"
	"dca_engine/internal/core"
	"dca_engine/internal/exchange/binance"
	"dca_engine/internal/exchange/bybit"
	"dca_engine/internal/exchange/mock"
)

// NewConnector builds a connector for one venue and credential set. baseURL
// is optional; empty means the venue's production endpoint.
func NewConnector(name, apiKey, apiSecret, baseURL string, logger core.ILogger) (core.IExchange, error) {
	switch name {
	case "binance":
		return binance.New(apiKey, apiSecret, baseURL, logger), nil
	case "bybit":
		return bybit.New(apiKey, apiSecret, baseURL, logger), nil
	case "mock":
		return mock.New("mock"), nil
	default:
		return nil, fmt.Errorf("unsupported exchange: %s", name)
	}
}

type connectorKey struct {
	userID   uuid.UUID
	exchange string
}

// Provider implements core.IExchangeProvider. Connectors are built lazily
// from the user's stored credentials and cached per (user, exchange) so all
// call sites share one HTTP client and symbol table per venue.
type Provider struct {
	users     core.IUserStore
	exchanges map[string]config.ExchangeConfig
	logger    core.ILogger

	mu         sync.RWMutex
	connectors map[connectorKey]core.IExchange
}

func NewProvider(users core.IUserStore, exchanges map[string]config.ExchangeConfig, logger core.ILogger) *Provider {
	return &Provider{
		users:      users,
		exchanges:  exchanges,
		logger:     logger.WithField("component", "exchange_provider"),
		connectors: make(map[connectorKey]core.IExchange),
	}
}

func (p *Provider) ConnectorFor(ctx context.Context, userID uuid.UUID, exchange string) (core.IExchange, error) {
	key := connectorKey{userID: userID, exchange: exchange}

	p.mu.RLock()
	conn, ok := p.connectors[key]
	p.mu.RUnlock()
	if ok {
		return conn, nil
	}

	cred, err := p.users.GetCredential(ctx, userID, exchange)
	if err != nil {
		return nil, fmt.Errorf("failed to load %s credentials: %w", exchange, err)
	}

	var baseURL string
	if cfg, ok := p.exchanges[exchange]; ok {
		baseURL = cfg.BaseURL
	}

	conn, err = NewConnector(exchange, cred.APIKey, cred.APISecret, baseURL,
		p.logger.WithField("exchange", exchange))
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	// Keep the first connector if another goroutine raced the build.
	if existing, ok := p.connectors[key]; ok {
		return existing, nil
	}
	p.connectors[key] = conn
	return conn, nil
}

// Evict drops a cached connector so the next use re-reads credentials. Admin
// credential rotation calls this.
func (p *Provider) Evict(userID uuid.UUID, exchange string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.connectors, connectorKey{userID: userID, exchange: exchange})
}
