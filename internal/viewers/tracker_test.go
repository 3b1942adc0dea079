package viewers

import (
	"context"
	"reflect"
	"testing"
	"time"

	"fabriq-live/internal/kv"
)

func testTracker(ttl time.Duration) (*Tracker, *kv.Memory, *time.Time) {
	store := kv.NewMemory()
	current := time.Unix(1_700_000_000, 0)
	clock := func() time.Time { return current }
	store.Now = clock

	tracker := NewTracker(Config{Store: store, TTL: ttl})
	tracker.now = clock
	return tracker, store, &current
}

func TestHeartbeatCountsViewer(t *testing.T) {
	ctx := context.Background()
	tracker, _, _ := testTracker(30 * time.Second)

	if err := tracker.Heartbeat(ctx, "acme", "s1", "viewer_a"); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	if err := tracker.Heartbeat(ctx, "acme", "s1", "viewer_b"); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	// Re-heartbeating the same viewer must not double count.
	if err := tracker.Heartbeat(ctx, "acme", "s1", "viewer_a"); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}

	count, err := tracker.Count(ctx, "acme", "s1")
	if err != nil || count != 2 {
		t.Fatalf("expected 2 viewers, count=%d err=%v", count, err)
	}
}

func TestStaleViewersAgeOut(t *testing.T) {
	ctx := context.Background()
	tracker, _, current := testTracker(30 * time.Second)

	if err := tracker.Heartbeat(ctx, "acme", "s1", "viewer_a"); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	*current = current.Add(15 * time.Second)
	if err := tracker.Heartbeat(ctx, "acme", "s1", "viewer_b"); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}

	// 20 seconds later viewer_a is 35s stale, viewer_b only 20s.
	*current = current.Add(20 * time.Second)
	viewers, err := tracker.GetViewers(ctx, "acme", "s1")
	if err != nil {
		t.Fatalf("get viewers: %v", err)
	}
	if !reflect.DeepEqual(viewers, []string{"viewer_b"}) {
		t.Fatalf("expected only viewer_b, got %v", viewers)
	}

	*current = current.Add(31 * time.Second)
	count, err := tracker.Count(ctx, "acme", "s1")
	if err != nil || count != 0 {
		t.Fatalf("expected empty presence, count=%d err=%v", count, err)
	}
}

func TestPresenceKeySelfExpires(t *testing.T) {
	ctx := context.Background()
	tracker, store, current := testTracker(30 * time.Second)

	if err := tracker.Heartbeat(ctx, "acme", "s1", "viewer_a"); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}

	// After four TTL windows with no heartbeats the whole key is gone,
	// without any tracker call having to evict it.
	*current = current.Add(4*30*time.Second + time.Second)
	count, err := store.ZCard(ctx, "stream_viewers:acme:s1")
	if err != nil || count != 0 {
		t.Fatalf("expected key expired, count=%d err=%v", count, err)
	}
}

func TestRemoveAndClearStream(t *testing.T) {
	ctx := context.Background()
	tracker, _, _ := testTracker(30 * time.Second)

	for _, viewer := range []string{"a", "b", "c"} {
		if err := tracker.Heartbeat(ctx, "acme", "s1", viewer); err != nil {
			t.Fatalf("heartbeat: %v", err)
		}
	}

	if err := tracker.Remove(ctx, "acme", "s1", "b"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	count, _ := tracker.Count(ctx, "acme", "s1")
	if count != 2 {
		t.Fatalf("expected 2 after remove, got %d", count)
	}

	if err := tracker.ClearStream(ctx, "acme", "s1"); err != nil {
		t.Fatalf("clear: %v", err)
	}
	count, _ = tracker.Count(ctx, "acme", "s1")
	if count != 0 {
		t.Fatalf("expected 0 after clear, got %d", count)
	}
}

func TestStreamsAreIsolatedByTenant(t *testing.T) {
	ctx := context.Background()
	tracker, _, _ := testTracker(30 * time.Second)

	if err := tracker.Heartbeat(ctx, "acme", "s1", "viewer_a"); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	if err := tracker.Heartbeat(ctx, "globex", "s1", "viewer_a"); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}

	if err := tracker.ClearStream(ctx, "acme", "s1"); err != nil {
		t.Fatalf("clear: %v", err)
	}
	count, err := tracker.Count(ctx, "globex", "s1")
	if err != nil || count != 1 {
		t.Fatalf("expected globex presence untouched, count=%d err=%v", count, err)
	}
}
