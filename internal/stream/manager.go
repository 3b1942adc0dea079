package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"fabriq-live/internal/kv"
)

// ActiveStreamsKey is the KV hash mirroring every live stream across workers,
// keyed by stream id.
const ActiveStreamsKey = "active_streams"

// DefaultKeyTTL bounds how long an unused stream key stays valid.
const DefaultKeyTTL = 86400 * time.Second

// Archive receives durable copies of lifecycle transitions. Errors are logged
// by the manager and never block the live path.
type Archive interface {
	RecordCreated(ctx context.Context, s Stream) error
	RecordStarted(ctx context.Context, s Stream) error
	RecordEnded(ctx context.Context, s Stream) error
}

// Config configures a Manager.
type Config struct {
	Store   kv.Store
	Archive Archive
	KeyTTL  time.Duration
	Logger  *slog.Logger
}

// Manager tracks worker-local stream records and mirrors live state into the
// shared KV store. The worker that creates a stream is its single writer for
// the stream's lifetime; other workers read through the KV mirror only.
type Manager struct {
	store   kv.Store
	archive Archive
	keyTTL  time.Duration
	logger  *slog.Logger

	mu      sync.RWMutex
	streams map[string]Stream

	now func() time.Time
}

// Stats summarises the worker-local stream table.
type Stats struct {
	Total   int `json:"total"`
	Pending int `json:"pending"`
	Live    int `json:"live"`
	Ended   int `json:"ended"`
}

// NewManager initialises a Manager using the provided configuration.
func NewManager(cfg Config) *Manager {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ttl := cfg.KeyTTL
	if ttl <= 0 {
		ttl = DefaultKeyTTL
	}
	return &Manager{
		store:   cfg.Store,
		archive: cfg.Archive,
		keyTTL:  ttl,
		logger:  logger,
		streams: make(map[string]Stream),
		now:     time.Now,
	}
}

func keyStoreKey(tenantID, streamID string) string {
	return fmt.Sprintf("stream_key:%s:%s", tenantID, streamID)
}

// CreateStream mints a stream id and secret key, records the stream with
// status pending, and writes the key digest to the KV store with a TTL. A
// failed KV write rolls the local record back so no stale state survives.
func (m *Manager) CreateStream(ctx context.Context, tenantID, userID, title string, metadata map[string]string) (Stream, string, error) {
	id, err := generateStreamID()
	if err != nil {
		return Stream{}, "", err
	}
	key, err := generateStreamKey()
	if err != nil {
		return Stream{}, "", err
	}
	digest, err := encodeKeyDigest(key)
	if err != nil {
		return Stream{}, "", err
	}

	record := Stream{
		ID:       id,
		TenantID: tenantID,
		UserID:   userID,
		Title:    title,
		Status:   StatusPending,
	}
	if len(metadata) > 0 {
		record.Metadata = make(map[string]string, len(metadata))
		for k, v := range metadata {
			record.Metadata[k] = v
		}
	}

	m.mu.Lock()
	m.streams[id] = record
	m.mu.Unlock()

	if err := m.store.SetEx(ctx, keyStoreKey(tenantID, id), m.keyTTL, digest); err != nil {
		m.mu.Lock()
		delete(m.streams, id)
		m.mu.Unlock()
		return Stream{}, "", fmt.Errorf("store stream key: %w", err)
	}

	if m.archive != nil {
		if err := m.archive.RecordCreated(ctx, record); err != nil {
			m.logger.Warn("archive create failed", "stream_id", id, "error", err)
		}
	}
	m.logger.Info("stream created", "stream_id", id, "tenant_id", tenantID, "user_id", userID)
	return record.clone(), key, nil
}

// ValidateStreamKey reports whether key matches the stored digest for the
// stream. Empty keys and missing KV entries validate to false.
func (m *Manager) ValidateStreamKey(ctx context.Context, tenantID, streamID, key string) (bool, error) {
	if key == "" {
		return false, nil
	}
	digest, ok, err := m.store.Get(ctx, keyStoreKey(tenantID, streamID))
	if err != nil {
		return false, fmt.Errorf("read stream key: %w", err)
	}
	if !ok {
		return false, nil
	}
	return matchKeyDigest(digest, key), nil
}

// StartStream advances a pending stream to live, stamps started_at, and
// publishes the serialized record into the active-streams KV hash. Unknown
// streams and any state other than pending return false.
func (m *Manager) StartStream(ctx context.Context, streamID string) (bool, error) {
	m.mu.Lock()
	record, ok := m.streams[streamID]
	if !ok || record.Status != StatusPending {
		m.mu.Unlock()
		return false, nil
	}
	prior := record.clone()
	startedAt := m.now().Unix()
	record.StartedAt = &startedAt
	record.Status = StatusLive
	m.streams[streamID] = record
	m.mu.Unlock()

	payload, err := json.Marshal(record)
	if err != nil {
		m.revert(streamID, prior)
		return false, fmt.Errorf("encode stream record: %w", err)
	}
	if err := m.store.HSet(ctx, ActiveStreamsKey, streamID, string(payload)); err != nil {
		m.revert(streamID, prior)
		return false, fmt.Errorf("publish active stream: %w", err)
	}

	if m.archive != nil {
		if err := m.archive.RecordStarted(ctx, record); err != nil {
			m.logger.Warn("archive start failed", "stream_id", streamID, "error", err)
		}
	}
	m.logger.Info("stream started", "stream_id", streamID, "tenant_id", record.TenantID)
	return true, nil
}

// EndStream advances a stream to ended, stamps ended_at, and removes the
// active-streams entry and stream key from the KV store. Ending a pending
// stream is a legal advance (the stream was cancelled before going live).
func (m *Manager) EndStream(ctx context.Context, streamID string) (bool, error) {
	m.mu.Lock()
	record, ok := m.streams[streamID]
	if !ok || record.Status == StatusEnded {
		m.mu.Unlock()
		return false, nil
	}
	prior := record.clone()
	endedAt := m.now().Unix()
	record.EndedAt = &endedAt
	record.Status = StatusEnded
	m.streams[streamID] = record
	m.mu.Unlock()

	if err := m.store.HDel(ctx, ActiveStreamsKey, streamID); err != nil {
		m.revert(streamID, prior)
		return false, fmt.Errorf("retract active stream: %w", err)
	}
	if err := m.store.Del(ctx, keyStoreKey(record.TenantID, streamID)); err != nil {
		// The active-streams entry was already retracted; restore it so the
		// reverted live record stays mirrored in the KV store.
		if prior.Status == StatusLive {
			if payload, encodeErr := json.Marshal(prior); encodeErr == nil {
				if restoreErr := m.store.HSet(ctx, ActiveStreamsKey, streamID, string(payload)); restoreErr != nil {
					m.logger.Warn("active stream restore failed", "stream_id", streamID, "error", restoreErr)
				}
			}
		}
		m.revert(streamID, prior)
		return false, fmt.Errorf("delete stream key: %w", err)
	}

	if m.archive != nil {
		if err := m.archive.RecordEnded(ctx, record); err != nil {
			m.logger.Warn("archive end failed", "stream_id", streamID, "error", err)
		}
	}
	m.logger.Info("stream ended", "stream_id", streamID, "tenant_id", record.TenantID)
	return true, nil
}

func (m *Manager) revert(streamID string, prior Stream) {
	m.mu.Lock()
	m.streams[streamID] = prior
	m.mu.Unlock()
}

// GetStream returns the worker-local record for the stream, if known.
func (m *Manager) GetStream(streamID string) (Stream, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	record, ok := m.streams[streamID]
	if !ok {
		return Stream{}, false
	}
	return record.clone(), true
}

// GetLiveStreams returns the live streams owned by this worker for a tenant,
// ordered by stream id.
func (m *Manager) GetLiveStreams(tenantID string) []Stream {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Stream
	for _, record := range m.streams {
		if record.TenantID == tenantID && record.Status == StatusLive {
			out = append(out, record.clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// GetAllActiveStreams reads the cross-worker live-stream mirror from the KV
// store. Records that fail to decode are skipped and logged.
func (m *Manager) GetAllActiveStreams(ctx context.Context) ([]Stream, error) {
	entries, err := m.store.HGetAll(ctx, ActiveStreamsKey)
	if err != nil {
		return nil, fmt.Errorf("read active streams: %w", err)
	}
	out := make([]Stream, 0, len(entries))
	for id, payload := range entries {
		var record Stream
		if err := json.Unmarshal([]byte(payload), &record); err != nil {
			m.logger.Warn("skip malformed active stream entry", "stream_id", id, "error", err)
			continue
		}
		out = append(out, record)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Stats reports counts of worker-local streams by status.
func (m *Manager) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	stats := Stats{Total: len(m.streams)}
	for _, record := range m.streams {
		switch record.Status {
		case StatusPending:
			stats.Pending++
		case StatusLive:
			stats.Live++
		case StatusEnded:
			stats.Ended++
		}
	}
	return stats
}
