package coordination

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Release and refresh must only act when the key still holds the caller's
// value, otherwise a slow replica could drop a lock a faster one re-acquired.
// Both checks run server-side as Lua so the compare and the write are atomic.
var (
	compareAndDeleteScript = redis.NewScript(`
		if redis.call("GET", KEYS[1]) == ARGV[1] then
			return redis.call("DEL", KEYS[1])
		end
		return 0
	`)

	compareAndRefreshScript = redis.NewScript(`
		if redis.call("GET", KEYS[1]) == ARGV[1] then
			return redis.call("PEXPIRE", KEYS[1], ARGV[2])
		end
		return 0
	`)
)

// Locker implements core.ILocker on a Redis client.
type Locker struct {
	client *redis.Client
}

func NewLocker(client *redis.Client) *Locker {
	return &Locker{client: client}
}

// SetIfAbsent acquires key for value with ttl. Returns false when another
// holder owns the key.
func (l *Locker) SetIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	ok, err := l.client.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to acquire lock %s: %w", key, err)
	}
	return ok, nil
}

// CompareAndDelete releases key only when it still holds value.
func (l *Locker) CompareAndDelete(ctx context.Context, key, value string) (bool, error) {
	n, err := compareAndDeleteScript.Run(ctx, l.client, []string{key}, value).Int64()
	if err != nil {
		return false, fmt.Errorf("failed to release lock %s: %w", key, err)
	}
	return n == 1, nil
}

// CompareAndRefresh extends the ttl only when key still holds value.
func (l *Locker) CompareAndRefresh(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	n, err := compareAndRefreshScript.Run(ctx, l.client, []string{key}, value, ttl.Milliseconds()).Int64()
	if err != nil {
		return false, fmt.Errorf("failed to refresh lock %s: %w", key, err)
	}
	return n == 1, nil
}
