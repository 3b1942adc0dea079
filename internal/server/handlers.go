package server

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"fabriq-live/internal/archive"
	"fabriq-live/internal/observability/logging"
	"fabriq-live/internal/signaling"
	"fabriq-live/internal/stream"
	"fabriq-live/internal/transcode"
)

// Historian is the read side of the durable stream archive. It is optional;
// without it /api/history answers 404.
type Historian interface {
	History(ctx context.Context, tenantID string, limit int) ([]archive.HistoryEntry, error)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleSignaling(w http.ResponseWriter, r *http.Request) {
	tenantID := tenantFromRequest(r)
	userID := userFromRequest(r)
	s.router.HandleConnection(w, r, tenantID, userID)
}

type createStreamRequest struct {
	UserID   string            `json:"user_id"`
	Title    string            `json:"title"`
	Metadata map[string]string `json:"metadata"`
}

type createStreamResponse struct {
	Stream    stream.Stream `json:"stream"`
	StreamKey string        `json:"stream_key"`
}

func (s *Server) handleStreams(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.createStream(w, r)
	case http.MethodGet:
		s.listStreams(w, r)
	default:
		writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
	}
}

func (s *Server) createStream(w http.ResponseWriter, r *http.Request) {
	tenantID := tenantFromRequest(r)

	var req createStreamRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "Invalid JSON")
		return
	}
	userID := strings.TrimSpace(req.UserID)
	if userID == "" {
		userID = userFromRequest(r)
	}
	if userID == "" {
		writeJSONError(w, http.StatusBadRequest, "Missing user_id")
		return
	}

	created, key, err := s.manager.CreateStream(r.Context(), tenantID, userID, req.Title, req.Metadata)
	if err != nil {
		s.logger.Error("create stream", "tenant_id", tenantID, "error", err)
		writeJSONError(w, http.StatusServiceUnavailable, "Stream creation unavailable")
		return
	}
	s.metrics.StreamCreated()
	writeJSON(w, http.StatusCreated, createStreamResponse{Stream: created, StreamKey: key})
}

func (s *Server) listStreams(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("scope") == "all" {
		streams, err := s.manager.GetAllActiveStreams(r.Context())
		if err != nil {
			writeJSONError(w, http.StatusServiceUnavailable, "Active stream lookup unavailable")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"streams": streams})
		return
	}
	streams := s.manager.GetLiveStreams(tenantFromRequest(r))
	writeJSON(w, http.StatusOK, map[string]any{"streams": streams})
}

func (s *Server) handleStreamByID(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/streams/")
	parts := strings.Split(rest, "/")
	streamID := parts[0]
	if streamID == "" {
		writeJSONError(w, http.StatusBadRequest, "Missing stream_id")
		return
	}

	action := ""
	if len(parts) > 1 {
		action = strings.Join(parts[1:], "/")
	}
	r = r.WithContext(logging.ContextWithStreamID(r.Context(), streamID))

	switch action {
	case "":
		s.getStream(w, r, streamID)
	case "start":
		s.startStream(w, r, streamID)
	case "stop":
		s.stopStream(w, r, streamID)
	case "viewers":
		s.streamViewers(w, r, streamID)
	case "chat/ban":
		s.chatBan(w, r, streamID)
	case "chat/unban":
		s.chatUnban(w, r, streamID)
	case "chat/filters":
		s.chatFilters(w, r, streamID)
	default:
		writeJSONError(w, http.StatusNotFound, "Stream not found")
	}
}

func (s *Server) getStream(w http.ResponseWriter, r *http.Request, streamID string) {
	if r.Method != http.MethodGet {
		writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	record, ok := s.manager.GetStream(streamID)
	if !ok {
		writeJSONError(w, http.StatusNotFound, "Stream not found")
		return
	}
	payload := map[string]any{"stream": record}
	if s.tracker != nil {
		count, err := s.tracker.Count(r.Context(), record.TenantID, record.ID)
		if err == nil {
			payload["viewer_count"] = count
		}
	}
	writeJSON(w, http.StatusOK, payload)
}

type startStreamRequest struct {
	InputURL string `json:"input_url"`
}

func (s *Server) startStream(w http.ResponseWriter, r *http.Request, streamID string) {
	if r.Method != http.MethodPost {
		writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	var req startStreamRequest
	if r.ContentLength > 0 {
		if err := decodeJSON(r, &req); err != nil {
			writeJSONError(w, http.StatusBadRequest, "Invalid JSON")
			return
		}
	}
	inputURL := strings.TrimSpace(req.InputURL)
	if inputURL == "" {
		inputURL = "pipe:0"
	}

	if _, ok := s.manager.GetStream(streamID); !ok {
		writeJSONError(w, http.StatusNotFound, "Stream not found")
		return
	}

	if !s.supervisor.Start(streamID, inputURL) {
		s.metrics.ObserveTranscodeEvent("start", "rejected")
		writeJSONError(w, http.StatusConflict, "Transcoder capacity reached")
		return
	}
	s.metrics.TranscodeStarted()

	ok, err := s.manager.StartStream(r.Context(), streamID)
	if err != nil {
		s.supervisor.Stop(streamID)
		s.metrics.TranscodeStopped()
		logging.WithContext(r.Context(), s.logger).Error("start stream", "error", err)
		writeJSONError(w, http.StatusServiceUnavailable, "Stream start unavailable")
		return
	}
	if !ok {
		s.supervisor.Stop(streamID)
		s.metrics.TranscodeStopped()
		writeJSONError(w, http.StatusConflict, "Stream is not pending")
		return
	}
	s.metrics.StreamStarted()

	record, _ := s.manager.GetStream(streamID)
	writeJSON(w, http.StatusOK, map[string]any{"stream": record})
}

func (s *Server) stopStream(w http.ResponseWriter, r *http.Request, streamID string) {
	if r.Method != http.MethodPost {
		writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	record, exists := s.manager.GetStream(streamID)
	if !exists {
		writeJSONError(w, http.StatusNotFound, "Stream not found")
		return
	}

	ok, err := s.manager.EndStream(r.Context(), streamID)
	if err != nil {
		logging.WithContext(r.Context(), s.logger).Error("end stream", "error", err)
		writeJSONError(w, http.StatusServiceUnavailable, "Stream stop unavailable")
		return
	}
	if !ok {
		writeJSONError(w, http.StatusConflict, "Stream already ended")
		return
	}
	s.metrics.StreamStopped()

	if s.supervisor.Stop(streamID) {
		s.metrics.TranscodeStopped()
	}
	if err := s.supervisor.Cleanup(streamID); err != nil {
		s.logger.Warn("cleanup stream directory", "stream_id", streamID, "error", err)
	}
	if s.tracker != nil {
		if err := s.tracker.ClearStream(r.Context(), record.TenantID, streamID); err != nil {
			s.logger.Warn("clear stream presence", "stream_id", streamID, "error", err)
		}
	}

	record, _ = s.manager.GetStream(streamID)
	writeJSON(w, http.StatusOK, map[string]any{"stream": record})
}

func (s *Server) streamViewers(w http.ResponseWriter, r *http.Request, streamID string) {
	if r.Method != http.MethodGet {
		writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	if s.tracker == nil {
		writeJSONError(w, http.StatusNotFound, "Stream not found")
		return
	}
	record, ok := s.manager.GetStream(streamID)
	if !ok {
		writeJSONError(w, http.StatusNotFound, "Stream not found")
		return
	}
	ids, err := s.tracker.GetViewers(r.Context(), record.TenantID, streamID)
	if err != nil {
		writeJSONError(w, http.StatusServiceUnavailable, "Viewer lookup unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"viewers": ids, "count": len(ids)})
}

type chatBanRequest struct {
	UserID     string `json:"user_id"`
	TTLSeconds int64  `json:"ttl_seconds"`
}

func (s *Server) chatBan(w http.ResponseWriter, r *http.Request, streamID string) {
	if r.Method != http.MethodPost {
		writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	if s.moderator == nil {
		writeJSONError(w, http.StatusNotFound, "Chat is not enabled")
		return
	}
	var req chatBanRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "Invalid JSON")
		return
	}
	if strings.TrimSpace(req.UserID) == "" {
		writeJSONError(w, http.StatusBadRequest, "Missing user_id")
		return
	}
	tenantID := s.tenantForStream(r, streamID)
	ttl := time.Duration(req.TTLSeconds) * time.Second
	if err := s.moderator.Ban(r.Context(), tenantID, streamID, req.UserID, ttl); err != nil {
		writeJSONError(w, http.StatusServiceUnavailable, "Ban unavailable")
		return
	}
	writeJSON(w, http.StatusNoContent, nil)
}

func (s *Server) chatUnban(w http.ResponseWriter, r *http.Request, streamID string) {
	if r.Method != http.MethodPost {
		writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	if s.moderator == nil {
		writeJSONError(w, http.StatusNotFound, "Chat is not enabled")
		return
	}
	var req chatBanRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "Invalid JSON")
		return
	}
	if strings.TrimSpace(req.UserID) == "" {
		writeJSONError(w, http.StatusBadRequest, "Missing user_id")
		return
	}
	tenantID := s.tenantForStream(r, streamID)
	if err := s.moderator.Unban(r.Context(), tenantID, streamID, req.UserID); err != nil {
		writeJSONError(w, http.StatusServiceUnavailable, "Unban unavailable")
		return
	}
	writeJSON(w, http.StatusNoContent, nil)
}

type chatFilterRequest struct {
	Add    []string `json:"add"`
	Remove []string `json:"remove"`
}

func (s *Server) chatFilters(w http.ResponseWriter, r *http.Request, streamID string) {
	if r.Method != http.MethodPost {
		writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	if s.moderator == nil {
		writeJSONError(w, http.StatusNotFound, "Chat is not enabled")
		return
	}
	var req chatFilterRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "Invalid JSON")
		return
	}
	tenantID := s.tenantForStream(r, streamID)
	if len(req.Add) > 0 {
		if err := s.moderator.AddFilter(r.Context(), tenantID, streamID, req.Add...); err != nil {
			writeJSONError(w, http.StatusServiceUnavailable, "Filter update unavailable")
			return
		}
	}
	if len(req.Remove) > 0 {
		if err := s.moderator.RemoveFilter(r.Context(), tenantID, streamID, req.Remove...); err != nil {
			writeJSONError(w, http.StatusServiceUnavailable, "Filter update unavailable")
			return
		}
	}
	writeJSON(w, http.StatusNoContent, nil)
}

// tenantForStream prefers the locally known stream record over request
// identity so moderation targets the stream's own tenant.
func (s *Server) tenantForStream(r *http.Request, streamID string) string {
	if record, ok := s.manager.GetStream(streamID); ok {
		return record.TenantID
	}
	return tenantFromRequest(r)
}

type statsResponse struct {
	Streams   stream.Stats    `json:"streams"`
	Transcode transcode.Stats `json:"transcode"`
	Signaling signaling.Stats `json:"signaling"`
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	writeJSON(w, http.StatusOK, statsResponse{
		Streams:   s.manager.Stats(),
		Transcode: s.supervisor.Stats(),
		Signaling: s.router.Stats(),
	})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	if s.historian == nil {
		writeJSONError(w, http.StatusNotFound, "History is not enabled")
		return
	}
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			writeJSONError(w, http.StatusBadRequest, "Invalid limit")
			return
		}
		limit = parsed
	}
	entries, err := s.historian.History(r.Context(), tenantFromRequest(r), limit)
	if err != nil {
		writeJSONError(w, http.StatusServiceUnavailable, "History unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"streams": entries})
}
