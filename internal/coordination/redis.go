// Package coordination provides the Redis-backed primitives shared by the
// engine replicas: the leader-election locker, read-through caches, and
// service heartbeats. Everything here is best-effort infrastructure; the
// source of truth stays in Postgres.
package coordination

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"dca_engine/internal/config"
)

// NewRedisClient connects and pings the coordination store. A dead Redis at
// boot is fatal: without it no replica can take leadership.
func NewRedisClient(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     string(cfg.Password),
		DB:           cfg.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.Addr, err)
	}
	return client, nil
}
