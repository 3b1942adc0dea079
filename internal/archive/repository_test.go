package archive

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"

	"fabriq-live/internal/stream"
)

func TestEncodeMetadata(t *testing.T) {
	payload, err := encodeMetadata(nil)
	if err != nil || string(payload) != "{}" {
		t.Fatalf("expected empty object for nil metadata, got %q err=%v", payload, err)
	}
	payload, err = encodeMetadata(map[string]string{"game": "chess"})
	if err != nil || string(payload) != `{"game":"chess"}` {
		t.Fatalf("unexpected payload %q err=%v", payload, err)
	}
}

func TestIsNoRows(t *testing.T) {
	if isNoRows(nil) {
		t.Fatal("nil error is not a missing row")
	}
	if isNoRows(errors.New("boom")) {
		t.Fatal("arbitrary errors are not missing rows")
	}
	if !isNoRows(fmt.Errorf("wrapped: %w", pgx.ErrNoRows)) {
		t.Fatal("expected wrapped ErrNoRows to be recognised")
	}
}

func TestNewStreamRepositoryRequiresDSN(t *testing.T) {
	if _, err := NewStreamRepository(context.Background(), ""); err == nil {
		t.Fatal("expected error for empty dsn")
	}
}

func TestNilRepositoryCloseIsSafe(t *testing.T) {
	var repo *StreamRepository
	if err := repo.Close(context.Background()); err != nil {
		t.Fatalf("expected nil close to be a no-op, got %v", err)
	}
}

// TestStreamRepositoryLifecycle runs against a real Postgres instance. Set
// FABRIQ_LIVE_POSTGRES_TEST_DSN to run it.
func TestStreamRepositoryLifecycle(t *testing.T) {
	dsn := os.Getenv("FABRIQ_LIVE_POSTGRES_TEST_DSN")
	if dsn == "" {
		t.Skip("FABRIQ_LIVE_POSTGRES_TEST_DSN not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	repo, err := NewStreamRepository(ctx, dsn)
	if err != nil {
		t.Fatalf("new repository: %v", err)
	}
	t.Cleanup(func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = repo.Close(closeCtx)
	})

	id := fmt.Sprintf("%024x", time.Now().UnixNano())
	tenant := "archive_test_" + id[:8]
	record := stream.Stream{
		ID:       id,
		TenantID: tenant,
		UserID:   "user_1",
		Title:    "integration",
		Status:   stream.StatusPending,
		Metadata: map[string]string{"game": "chess"},
	}
	if err := repo.RecordCreated(ctx, record); err != nil {
		t.Fatalf("record created: %v", err)
	}
	t.Cleanup(func() {
		cleanupCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_, _ = repo.pool.Exec(cleanupCtx, "DELETE FROM streams WHERE tenant_id = $1", tenant)
	})

	startedAt := time.Now().Unix()
	record.Status = stream.StatusLive
	record.StartedAt = &startedAt
	if err := repo.RecordStarted(ctx, record); err != nil {
		t.Fatalf("record started: %v", err)
	}

	endedAt := startedAt + 60
	record.Status = stream.StatusEnded
	record.EndedAt = &endedAt
	if err := repo.RecordEnded(ctx, record); err != nil {
		t.Fatalf("record ended: %v", err)
	}

	entry, found, err := repo.Get(ctx, id)
	if err != nil || !found {
		t.Fatalf("get: found=%v err=%v", found, err)
	}
	if entry.Status != string(stream.StatusEnded) || entry.StartedAt == nil || entry.EndedAt == nil {
		t.Fatalf("unexpected entry %+v", entry)
	}
	if entry.Metadata["game"] != "chess" {
		t.Fatalf("expected metadata round trip, got %v", entry.Metadata)
	}

	history, err := repo.History(ctx, tenant, 10)
	if err != nil || len(history) != 1 || history[0].StreamID != id {
		t.Fatalf("unexpected history %+v err=%v", history, err)
	}

	_, found, err = repo.Get(ctx, "missing")
	if err != nil || found {
		t.Fatalf("expected missing stream, found=%v err=%v", found, err)
	}
}
