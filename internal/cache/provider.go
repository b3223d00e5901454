package cache

import (
	"context"
	"errors"
	"time"
)

// Provider defines the minimal cache operations needed by the service: plain
// key/value for the uniqueness fence, plus a sorted-set surface for the
// Activity Event Log (score = UTC epoch seconds).
type Provider interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)
	Del(ctx context.Context, key string) error

	// ZAdd adds member with the given score to the sorted set at key.
	ZAdd(ctx context.Context, key string, score float64, member []byte) error
	// ZRevRangeByScore returns members scored within [min, max], newest
	// (highest score) first, capped at limit (0 = unlimited).
	ZRevRangeByScore(ctx context.Context, key string, min, max float64, limit int) ([][]byte, error)
	// Expire refreshes the TTL on key.
	Expire(ctx context.Context, key string, ttl time.Duration) error

	Close() error
}

// ErrCacheMiss signals that a cache key was not found.
var ErrCacheMiss = errors.New("cache miss")

// NoopProvider implements Provider but never stores data.
type NoopProvider struct{}

// Get always returns ErrCacheMiss.
func (NoopProvider) Get(context.Context, string) ([]byte, error) {
	return nil, ErrCacheMiss
}

// Set discards the value and returns nil.
func (NoopProvider) Set(context.Context, string, []byte, time.Duration) error {
	return nil
}

// SetNX pretends to store the value and reports success.
func (NoopProvider) SetNX(context.Context, string, []byte, time.Duration) (bool, error) {
	return true, nil
}

// Del is a no-op for the noop cache.
func (NoopProvider) Del(context.Context, string) error { return nil }

// ZAdd is a no-op for the noop cache.
func (NoopProvider) ZAdd(context.Context, string, float64, []byte) error { return nil }

// ZRevRangeByScore always returns an empty result.
func (NoopProvider) ZRevRangeByScore(context.Context, string, float64, float64, int) ([][]byte, error) {
	return nil, nil
}

// Expire is a no-op for the noop cache.
func (NoopProvider) Expire(context.Context, string, time.Duration) error { return nil }

// Close is a no-op.
func (NoopProvider) Close() error { return nil }
