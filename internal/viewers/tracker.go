// Package viewers tracks live viewer presence per stream in the shared KV
// store. Each viewer heartbeats into a sorted set scored by epoch seconds;
// silent viewers age out after the TTL.
package viewers

import (
	"context"
	"fmt"
	"math"
	"time"

	"fabriq-live/internal/kv"
)

// DefaultTTL is how long a viewer stays counted without a heartbeat. Clients
// are expected to heartbeat at most every TTL/2 seconds, so one missed
// interval keeps them counted and two drops them.
const DefaultTTL = 30 * time.Second

// Config configures a Tracker.
type Config struct {
	Store kv.Store
	TTL   time.Duration
}

// Tracker implements KV-backed viewer presence.
type Tracker struct {
	store kv.Store
	ttl   time.Duration

	now func() time.Time
}

// NewTracker initialises a Tracker using the provided configuration.
func NewTracker(cfg Config) *Tracker {
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Tracker{store: cfg.Store, ttl: ttl, now: time.Now}
}

func presenceKey(tenantID, streamID string) string {
	return fmt.Sprintf("stream_viewers:%s:%s", tenantID, streamID)
}

// Heartbeat upserts the viewer with the current timestamp and refreshes the
// set's own TTL to four heartbeat windows so it self-cleans after silence.
func (t *Tracker) Heartbeat(ctx context.Context, tenantID, streamID, viewerID string) error {
	key := presenceKey(tenantID, streamID)
	if err := t.store.ZAdd(ctx, key, float64(t.now().Unix()), viewerID); err != nil {
		return fmt.Errorf("record heartbeat: %w", err)
	}
	if err := t.store.Expire(ctx, key, 4*t.ttl); err != nil {
		return fmt.Errorf("refresh presence ttl: %w", err)
	}
	return nil
}

// Remove deletes the viewer from the presence set.
func (t *Tracker) Remove(ctx context.Context, tenantID, streamID, viewerID string) error {
	return t.store.ZRem(ctx, presenceKey(tenantID, streamID), viewerID)
}

// Count evicts stale members and returns the number of live viewers.
func (t *Tracker) Count(ctx context.Context, tenantID, streamID string) (int64, error) {
	key := presenceKey(tenantID, streamID)
	if err := t.evict(ctx, key); err != nil {
		return 0, err
	}
	return t.store.ZCard(ctx, key)
}

// GetViewers evicts stale members and returns viewer ids in ascending
// heartbeat order.
func (t *Tracker) GetViewers(ctx context.Context, tenantID, streamID string) ([]string, error) {
	key := presenceKey(tenantID, streamID)
	if err := t.evict(ctx, key); err != nil {
		return nil, err
	}
	return t.store.ZRange(ctx, key, 0, -1)
}

// ClearStream drops the whole presence set for a stream.
func (t *Tracker) ClearStream(ctx context.Context, tenantID, streamID string) error {
	return t.store.Del(ctx, presenceKey(tenantID, streamID))
}

func (t *Tracker) evict(ctx context.Context, key string) error {
	cutoff := float64(t.now().Add(-t.ttl).Unix())
	if err := t.store.ZRemRangeByScore(ctx, key, math.Inf(-1), cutoff); err != nil {
		return fmt.Errorf("evict stale viewers: %w", err)
	}
	return nil
}
