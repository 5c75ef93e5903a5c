package coordination

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"dca_engine/internal/core"
)

// CachedConfigStore decorates an IConfigStore with 5-minute read-through
// caching. Config reads happen on every signal and every risk cycle; the
// rows change rarely. Writes go through to the store and invalidate.
type CachedConfigStore struct {
	store  core.IConfigStore
	cache  core.ICache
	logger core.ILogger
}

func NewCachedConfigStore(store core.IConfigStore, cache core.ICache, logger core.ILogger) *CachedConfigStore {
	return &CachedConfigStore{
		store:  store,
		cache:  cache,
		logger: logger.WithField("component", "config_cache"),
	}
}

func dcaConfigKey(userID uuid.UUID, pair, timeframe, exchange string) string {
	return fmt.Sprintf("dca_config:%s:%s:%s:%s", userID, pair, timeframe, exchange)
}

func riskConfigKey(userID uuid.UUID) string {
	return "risk_config:" + userID.String()
}

func (s *CachedConfigStore) GetDCAConfig(ctx context.Context, userID uuid.UUID, pair, timeframe, exchange string) (*core.DCAConfiguration, error) {
	key := dcaConfigKey(userID, pair, timeframe, exchange)

	if data, err := s.cache.Get(ctx, key); err != nil {
		s.logger.Warn("config cache read failed", "key", key, "error", err)
	} else if len(data) > 0 {
		var cfg core.DCAConfiguration
		if err := json.Unmarshal(data, &cfg); err == nil {
			return &cfg, nil
		}
	}

	cfg, err := s.store.GetDCAConfig(ctx, userID, pair, timeframe, exchange)
	if err != nil {
		return nil, err
	}

	if data, err := json.Marshal(cfg); err == nil {
		if err := s.cache.Set(ctx, key, data, ConfigTTL); err != nil {
			s.logger.Warn("config cache write failed", "key", key, "error", err)
		}
	}
	return cfg, nil
}

func (s *CachedConfigStore) GetRiskConfig(ctx context.Context, userID uuid.UUID) (*core.RiskConfig, error) {
	key := riskConfigKey(userID)

	if data, err := s.cache.Get(ctx, key); err != nil {
		s.logger.Warn("config cache read failed", "key", key, "error", err)
	} else if len(data) > 0 {
		var cfg core.RiskConfig
		if err := json.Unmarshal(data, &cfg); err == nil {
			return &cfg, nil
		}
	}

	cfg, err := s.store.GetRiskConfig(ctx, userID)
	if err != nil {
		return nil, err
	}

	if data, err := json.Marshal(cfg); err == nil {
		if err := s.cache.Set(ctx, key, data, ConfigTTL); err != nil {
			s.logger.Warn("config cache write failed", "key", key, "error", err)
		}
	}
	return cfg, nil
}

// SaveRiskConfig writes through and drops the cached entry so the next read
// sees the update immediately, not after TTL expiry.
func (s *CachedConfigStore) SaveRiskConfig(ctx context.Context, cfg *core.RiskConfig) error {
	if err := s.store.SaveRiskConfig(ctx, cfg); err != nil {
		return err
	}
	if err := s.cache.Delete(ctx, riskConfigKey(cfg.UserID)); err != nil {
		s.logger.Warn("config cache invalidation failed", "user_id", cfg.UserID, "error", err)
	}
	return nil
}
