package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// HealthCache stores derived breaker snapshots for dashboards and peers.
// The router writes to it but never reads it back: breaker state is always
// recomputed from observed outcomes.
type HealthCache interface {
	Put(ctx context.Context, lane, providerID string, h HealthState) error
}

// RedisHealthCache keeps snapshots in Redis with a TTL.
type RedisHealthCache struct {
	client redis.UniversalClient
	ttl    time.Duration
	prefix string
}

// NewRedisHealthCache builds a cache. A zero ttl defaults to ten minutes.
func NewRedisHealthCache(client redis.UniversalClient, ttl time.Duration, prefix string) *RedisHealthCache {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	if prefix == "" {
		prefix = "selene:health"
	}
	return &RedisHealthCache{client: client, ttl: ttl, prefix: prefix}
}

func (c *RedisHealthCache) key(lane, providerID string) string {
	return fmt.Sprintf("%s:%s:%s", c.prefix, lane, providerID)
}

func (c *RedisHealthCache) Put(ctx context.Context, lane, providerID string, h HealthState) error {
	raw, err := json.Marshal(h)
	if err != nil {
		return fmt.Errorf("health cache: marshal: %w", err)
	}
	if err := c.client.Set(ctx, c.key(lane, providerID), raw, c.ttl).Err(); err != nil {
		return fmt.Errorf("health cache: set: %w", err)
	}
	return nil
}

// Get reads a snapshot for diagnostics.
func (c *RedisHealthCache) Get(ctx context.Context, lane, providerID string) (HealthState, bool, error) {
	raw, err := c.client.Get(ctx, c.key(lane, providerID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return HealthState{}, false, nil
	}
	if err != nil {
		return HealthState{}, false, fmt.Errorf("health cache: get: %w", err)
	}
	var h HealthState
	if err := json.Unmarshal(raw, &h); err != nil {
		return HealthState{}, false, fmt.Errorf("health cache: decode: %w", err)
	}
	return h, true, nil
}
