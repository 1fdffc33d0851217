package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis implements the session persistence port on a Redis server, so several processes can share one
// set of threads. Keys are namespaced with a prefix and expire after ttl of inactivity; a zero ttl
// keeps them forever.
type Redis struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedis creates a Redis store from an already configured client.
func NewRedis(client *redis.Client, prefix string, ttl time.Duration) Redis {
	if prefix == "" {
		prefix = "chatrelay:"
	}
	return Redis{
		client: client,
		prefix: prefix,
		ttl:    ttl,
	}
}

// Load returns the value stored under key. A missing key is not an error.
func (r Redis) Load(ctx context.Context, key string) ([]byte, bool, error) {
	val, err := r.client.Get(ctx, r.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to load %s: %w", key, err)
	}

	if r.ttl > 0 {
		// Reads keep the session alive; a failed refresh only shortens its life.
		_ = r.client.Expire(ctx, r.prefix+key, r.ttl).Err()
	}
	return val, true, nil
}

// Save stores value under key.
func (r Redis) Save(ctx context.Context, key string, value []byte) error {
	if err := r.client.Set(ctx, r.prefix+key, value, r.ttl).Err(); err != nil {
		return fmt.Errorf("failed to save %s: %w", key, err)
	}
	return nil
}

// Close closes the underlying client.
func (r Redis) Close() error {
	return r.client.Close()
}
