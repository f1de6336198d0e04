// Package admission decides whether a new connection may start a session.
// It refuses blocklisted hosts and hosts that open too many connections
// within a window. Attempt counters live in memory for a single server or
// in Redis when several servers share one budget.
package admission

import (
	"context"
	"errors"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/redis/go-redis/v9"
)

// Counter counts attempts per key within a fixed window that starts at the
// first attempt.
type Counter interface {
	// Incr adds one attempt for key and returns the count in the current
	// window.
	//
	// Parameters:
	//   - ctx: Context for cancellation and timeout control
	//   - key: The counter key
	//   - window: Lifetime of a counter, applied when it is created
	//
	// Returns:
	//   - The number of attempts in the window, including this one
	//   - An error if the backend failed
	Incr(ctx context.Context, key string, window time.Duration) (int64, error)

	// Reset forgets the counter for key.
	Reset(ctx context.Context, key string) error
}

// ErrContention is returned when a memory counter kept expiring between
// creation and increment.
var ErrContention = errors.New("admission: counter contention")

// MemoryCounter is a Counter backed by go-cache.
type MemoryCounter struct {
	cache *cache.Cache
}

// NewMemoryCounter creates a MemoryCounter.
//
// Parameters:
//   - cleanupInterval: Interval at which expired counters are purged
//
// Returns:
//   - A new MemoryCounter
func NewMemoryCounter(cleanupInterval time.Duration) *MemoryCounter {
	return &MemoryCounter{cache: cache.New(cache.NoExpiration, cleanupInterval)}
}

// Incr implements Counter.
func (c *MemoryCounter) Incr(ctx context.Context, key string, window time.Duration) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	for i := 0; i < 3; i++ {
		if err := c.cache.Add(key, int64(1), window); err == nil {
			return 1, nil
		}

		// Increment fails if the counter expired after Add saw it.
		if n, err := c.cache.IncrementInt64(key, 1); err == nil {
			return n, nil
		}
	}

	return 0, ErrContention
}

// Reset implements Counter.
func (c *MemoryCounter) Reset(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	c.cache.Delete(key)
	return nil
}

// ItemCount returns the number of counters held, including expired ones
// not yet purged.
func (c *MemoryCounter) ItemCount() int {
	return c.cache.ItemCount()
}

// RedisCounter is a Counter backed by Redis INCR, shared by every server
// pointing at the same Redis.
type RedisCounter struct {
	client redis.Cmdable
	prefix string
}

// NewRedisCounter creates a RedisCounter.
//
// Example:
//
//	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
//	counter := NewRedisCounter(client, "tickserver:admission:")
func NewRedisCounter(client redis.Cmdable, prefix string) *RedisCounter {
	return &RedisCounter{client: client, prefix: prefix}
}

// Incr implements Counter.
func (c *RedisCounter) Incr(ctx context.Context, key string, window time.Duration) (int64, error) {
	k := c.prefix + key
	n, err := c.client.Incr(ctx, k).Result()
	if err != nil {
		return 0, err
	}

	if n == 1 {
		if err := c.client.Expire(ctx, k, window).Err(); err != nil {
			return n, err
		}
	}

	return n, nil
}

// Reset implements Counter.
func (c *RedisCounter) Reset(ctx context.Context, key string) error {
	return c.client.Del(ctx, c.prefix+key).Err()
}
