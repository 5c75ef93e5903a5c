package coordination

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"dca_engine/internal/core"
)

// Cache TTLs. Precision rules change on exchange listing updates, so a long
// TTL is safe; tickers go stale in seconds.
const (
	PrecisionTTL = 48 * time.Hour
	TickerTTL    = 5 * time.Second
	ConfigTTL    = 5 * time.Minute
)

// Cache implements core.ICache as raw bytes with per-key TTL. A miss returns
// (nil, nil); errors mean Redis itself failed.
type Cache struct {
	client *redis.Client
}

func NewCache(client *redis.Client) *Cache {
	return &Cache{client: client}
}

func (c *Cache) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := c.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read cache key %s: %w", key, err)
	}
	return data, nil
}

func (c *Cache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := c.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("failed to write cache key %s: %w", key, err)
	}
	return nil
}

func (c *Cache) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	if err := c.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("failed to delete cache keys: %w", err)
	}
	return nil
}

// PrecisionCache is the read-through cache in front of
// IExchange.GetPrecisionRules. Cache faults degrade to a direct exchange
// call; trading never blocks on Redis.
type PrecisionCache struct {
	cache  core.ICache
	logger core.ILogger
}

func NewPrecisionCache(cache core.ICache, logger core.ILogger) *PrecisionCache {
	return &PrecisionCache{
		cache:  cache,
		logger: logger.WithField("component", "precision_cache"),
	}
}

// Rules returns the per-symbol precision map for the connector's exchange.
func (p *PrecisionCache) Rules(ctx context.Context, ex core.IExchange) (map[string]core.PrecisionRule, error) {
	key := "precision:" + ex.Name()

	if data, err := p.cache.Get(ctx, key); err != nil {
		p.logger.Warn("precision cache read failed", "key", key, "error", err)
	} else if len(data) > 0 {
		var rules map[string]core.PrecisionRule
		if err := json.Unmarshal(data, &rules); err == nil {
			return rules, nil
		}
		p.logger.Warn("precision cache entry corrupt, refetching", "key", key)
	}

	rules, err := ex.GetPrecisionRules(ctx)
	if err != nil {
		return nil, err
	}

	if data, err := json.Marshal(rules); err == nil {
		if err := p.cache.Set(ctx, key, data, PrecisionTTL); err != nil {
			p.logger.Warn("precision cache write failed", "key", key, "error", err)
		}
	}
	return rules, nil
}

// TickerCache is the read-through cache in front of IExchange.GetAllTickers.
// One fetch per exchange per TTL window serves every user in a monitor cycle.
type TickerCache struct {
	cache  core.ICache
	logger core.ILogger
}

func NewTickerCache(cache core.ICache, logger core.ILogger) *TickerCache {
	return &TickerCache{
		cache:  cache,
		logger: logger.WithField("component", "ticker_cache"),
	}
}

// Tickers returns the full last-price map for the connector's exchange.
func (t *TickerCache) Tickers(ctx context.Context, ex core.IExchange) (map[string]core.Ticker, error) {
	key := "tickers:" + ex.Name()

	if data, err := t.cache.Get(ctx, key); err != nil {
		t.logger.Warn("ticker cache read failed", "key", key, "error", err)
	} else if len(data) > 0 {
		var tickers map[string]core.Ticker
		if err := json.Unmarshal(data, &tickers); err == nil {
			return tickers, nil
		}
		t.logger.Warn("ticker cache entry corrupt, refetching", "key", key)
	}

	tickers, err := ex.GetAllTickers(ctx)
	if err != nil {
		return nil, err
	}

	if data, err := json.Marshal(tickers); err == nil {
		if err := t.cache.Set(ctx, key, data, TickerTTL); err != nil {
			t.logger.Warn("ticker cache write failed", "key", key, "error", err)
		}
	}
	return tickers, nil
}

// Publish replaces the exchange's cached book wholesale. The websocket
// ticker stream calls this on every batch, so read-through callers see
// stream prices while the feed is healthy and fall back to REST once the
// entry's TTL lapses.
func (t *TickerCache) Publish(ctx context.Context, exchangeName string, tickers map[string]core.Ticker) error {
	data, err := json.Marshal(tickers)
	if err != nil {
		return fmt.Errorf("failed to encode tickers: %w", err)
	}
	if err := t.cache.Set(ctx, "tickers:"+exchangeName, data, TickerTTL); err != nil {
		return fmt.Errorf("failed to publish tickers: %w", err)
	}
	return nil
}
