package coordination

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const heartbeatTTL = 5 * time.Minute

// Heartbeat publishes loop liveness under service_health:<name>. A key that
// expired means the loop missed every beat for five minutes and should be
// treated as down.
type Heartbeat struct {
	client *redis.Client
}

func NewHeartbeat(client *redis.Client) *Heartbeat {
	return &Heartbeat{client: client}
}

func (h *Heartbeat) Beat(ctx context.Context, name string) error {
	key := "service_health:" + name
	value := time.Now().UTC().Format(time.RFC3339)
	if err := h.client.Set(ctx, key, value, heartbeatTTL).Err(); err != nil {
		return fmt.Errorf("failed to heartbeat %s: %w", name, err)
	}
	return nil
}

func (h *Heartbeat) Alive(ctx context.Context, name string) (bool, error) {
	n, err := h.client.Exists(ctx, "service_health:"+name).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check heartbeat %s: %w", name, err)
	}
	return n == 1, nil
}
