// Package archive persists stream lifecycle history to Postgres so multiple
// workers and dashboards share a durable record beyond the live KV state.
package archive

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"fabriq-live/internal/stream"
)

// StreamRepository writes lifecycle transitions into the tenant-scoped
// streams table.
type StreamRepository struct {
	pool *pgxpool.Pool
}

const schema = `
CREATE TABLE IF NOT EXISTS streams (
    stream_id  TEXT PRIMARY KEY,
    tenant_id  TEXT NOT NULL,
    user_id    TEXT NOT NULL,
    title      TEXT NOT NULL DEFAULT '',
    status     TEXT NOT NULL,
    started_at BIGINT,
    ended_at   BIGINT,
    metadata   JSONB NOT NULL DEFAULT '{}'::jsonb,
    created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS streams_tenant_status_idx ON streams (tenant_id, status);
`

// NewStreamRepository opens a Postgres-backed archive using the provided DSN
// and ensures the schema exists.
func NewStreamRepository(ctx context.Context, dsn string) (*StreamRepository, error) {
	if dsn == "" {
		return nil, fmt.Errorf("postgres dsn required")
	}
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres config: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ensure streams schema: %w", err)
	}
	return &StreamRepository{pool: pool}, nil
}

// Close releases the connection pool, bounded by the context.
func (r *StreamRepository) Close(ctx context.Context) error {
	if r == nil || r.pool == nil {
		return nil
	}
	done := make(chan struct{})
	go func() {
		r.pool.Close()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

// RecordCreated inserts the freshly minted stream record.
func (r *StreamRepository) RecordCreated(ctx context.Context, s stream.Stream) error {
	metadata, err := encodeMetadata(s.Metadata)
	if err != nil {
		return err
	}
	_, err = r.pool.Exec(ctx, `
INSERT INTO streams (stream_id, tenant_id, user_id, title, status, metadata)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (stream_id) DO NOTHING
`, s.ID, s.TenantID, s.UserID, s.Title, string(s.Status), metadata)
	return err
}

// RecordStarted stamps the live transition.
func (r *StreamRepository) RecordStarted(ctx context.Context, s stream.Stream) error {
	_, err := r.pool.Exec(ctx, `
UPDATE streams SET status = $2, started_at = $3 WHERE stream_id = $1
`, s.ID, string(s.Status), s.StartedAt)
	return err
}

// RecordEnded stamps the terminal transition.
func (r *StreamRepository) RecordEnded(ctx context.Context, s stream.Stream) error {
	_, err := r.pool.Exec(ctx, `
UPDATE streams SET status = $2, ended_at = $3 WHERE stream_id = $1
`, s.ID, string(s.Status), s.EndedAt)
	return err
}

// HistoryEntry is a row of the durable stream archive.
type HistoryEntry struct {
	StreamID  string            `json:"streamId"`
	TenantID  string            `json:"tenantId"`
	UserID    string            `json:"userId"`
	Title     string            `json:"title"`
	Status    string            `json:"status"`
	StartedAt *int64            `json:"startedAt,omitempty"`
	EndedAt   *int64            `json:"endedAt,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	CreatedAt time.Time         `json:"createdAt"`
}

// History returns the most recent streams for a tenant, newest first.
func (r *StreamRepository) History(ctx context.Context, tenantID string, limit int) ([]HistoryEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.pool.Query(ctx, `
SELECT stream_id, tenant_id, user_id, title, status, started_at, ended_at, metadata, created_at
FROM streams
WHERE tenant_id = $1
ORDER BY created_at DESC
LIMIT $2
`, tenantID, limit)
	if err != nil {
		return nil, fmt.Errorf("query stream history: %w", err)
	}
	defer rows.Close()

	var out []HistoryEntry
	for rows.Next() {
		var entry HistoryEntry
		var metadata []byte
		if err := rows.Scan(&entry.StreamID, &entry.TenantID, &entry.UserID, &entry.Title,
			&entry.Status, &entry.StartedAt, &entry.EndedAt, &metadata, &entry.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan stream history: %w", err)
		}
		if len(metadata) > 0 {
			if err := json.Unmarshal(metadata, &entry.Metadata); err != nil {
				return nil, fmt.Errorf("decode stream metadata: %w", err)
			}
		}
		out = append(out, entry)
	}
	return out, rows.Err()
}

// Get fetches a single archived stream.
func (r *StreamRepository) Get(ctx context.Context, streamID string) (HistoryEntry, bool, error) {
	row := r.pool.QueryRow(ctx, `
SELECT stream_id, tenant_id, user_id, title, status, started_at, ended_at, metadata, created_at
FROM streams
WHERE stream_id = $1
`, streamID)
	var entry HistoryEntry
	var metadata []byte
	err := row.Scan(&entry.StreamID, &entry.TenantID, &entry.UserID, &entry.Title,
		&entry.Status, &entry.StartedAt, &entry.EndedAt, &metadata, &entry.CreatedAt)
	if err != nil {
		if isNoRows(err) {
			return HistoryEntry{}, false, nil
		}
		return HistoryEntry{}, false, err
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &entry.Metadata); err != nil {
			return HistoryEntry{}, false, fmt.Errorf("decode stream metadata: %w", err)
		}
	}
	return entry, true, nil
}

func encodeMetadata(metadata map[string]string) ([]byte, error) {
	if len(metadata) == 0 {
		return []byte("{}"), nil
	}
	payload, err := json.Marshal(metadata)
	if err != nil {
		return nil, fmt.Errorf("encode stream metadata: %w", err)
	}
	return payload, nil
}

func isNoRows(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, pgx.ErrNoRows)
}

var _ stream.Archive = (*StreamRepository)(nil)
