// Package kv defines the narrow key-value capability surface shared state
// lives behind. Production deployments back it with Redis; tests use the
// in-process implementation.
package kv

import (
	"context"
	"time"
)

// Store is the capability set required by the presence tracker, chat
// moderator, and stream manager. Implementations must be safe for concurrent
// use.
type Store interface {
	// SetEx writes a string value with a TTL.
	SetEx(ctx context.Context, key string, ttl time.Duration, value string) error
	// SetNX writes a string value with a TTL only when the key does not
	// already exist. Returns true when the write happened.
	SetNX(ctx context.Context, key string, ttl time.Duration, value string) (bool, error)
	// Get reads a string value. The boolean reports whether the key exists.
	Get(ctx context.Context, key string) (string, bool, error)
	// Del removes keys of any type. Missing keys are not an error.
	Del(ctx context.Context, keys ...string) error
	// Expire refreshes the TTL of an existing key.
	Expire(ctx context.Context, key string, ttl time.Duration) error

	HSet(ctx context.Context, key, field, value string) error
	HDel(ctx context.Context, key string, fields ...string) error
	HGetAll(ctx context.Context, key string) (map[string]string, error)

	SAdd(ctx context.Context, key string, members ...string) error
	SRem(ctx context.Context, key string, members ...string) error
	SMembers(ctx context.Context, key string) ([]string, error)
	SIsMember(ctx context.Context, key, member string) (bool, error)

	ZAdd(ctx context.Context, key string, score float64, member string) error
	ZRem(ctx context.Context, key string, members ...string) error
	ZRemRangeByScore(ctx context.Context, key string, min, max float64) error
	ZCard(ctx context.Context, key string) (int64, error)
	// ZRange returns members ordered by ascending score. Negative stop
	// indexes count from the end, as in Redis.
	ZRange(ctx context.Context, key string, start, stop int64) ([]string, error)
}
