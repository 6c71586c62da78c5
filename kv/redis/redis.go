// Package redis implements agentstart.KV on Redis. Sandbox leases live
// here in multi-process deployments so every coordinator sees the same
// heartbeat state.
package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/agentstart/agentstart"
)

// KV is a Redis-backed agentstart.KV. The client is externally owned;
// the caller creates and closes it.
type KV struct {
	client *redis.Client
}

var _ agentstart.KV = (*KV)(nil)

// New wraps an existing Redis client.
func New(client *redis.Client) *KV {
	return &KV{client: client}
}

// Set stores value under key with the given TTL. A zero TTL persists
// the key.
func (k *KV) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := k.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("redis: set %s: %w", key, err)
	}
	return nil
}

// Get returns the value and whether the key exists. Expired keys read
// as absent.
func (k *KV) Get(ctx context.Context, key string) (string, bool, error) {
	val, err := k.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("redis: get %s: %w", key, err)
	}
	return val, true, nil
}

// Delete removes key. Deleting an absent key is not an error.
func (k *KV) Delete(ctx context.Context, key string) error {
	if err := k.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("redis: delete %s: %w", key, err)
	}
	return nil
}

// Exists reports whether key is present and unexpired.
func (k *KV) Exists(ctx context.Context, key string) (bool, error) {
	n, err := k.client.Exists(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("redis: exists %s: %w", key, err)
	}
	return n > 0, nil
}
