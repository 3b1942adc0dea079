// Package signaling routes SDP descriptions and ICE candidates between a
// stream's single broadcaster and its viewers over WebSockets, and converges
// registration state when any party disconnects.
package signaling

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"fabriq-live/internal/observability/metrics"
)

// KeyValidator is the narrow capability the router needs from the stream
// manager to authenticate broadcasters.
type KeyValidator interface {
	ValidateStreamKey(ctx context.Context, tenantID, streamID, key string) (bool, error)
}

// Presence receives viewer heartbeat and removal events.
type Presence interface {
	Heartbeat(ctx context.Context, tenantID, streamID, viewerID string) error
	Remove(ctx context.Context, tenantID, streamID, viewerID string) error
}

// Moderator gates chat messages relayed over the signaling socket.
type Moderator interface {
	Validate(ctx context.Context, tenantID, streamID, userID, message string) (bool, string, error)
}

// Config configures a Router.
type Config struct {
	Keys     KeyValidator
	Presence Presence
	Chat     Moderator
	Logger   *slog.Logger
	Metrics  *metrics.Recorder
}

// wsConn is the subset of *websocket.Conn the router uses; tests substitute
// an in-memory implementation.
type wsConn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

type client struct {
	id       string
	tenantID string
	userID   string
	conn     wsConn
	send     chan []byte
	closed   sync.Once
}

type broadcaster struct {
	client   *client
	tenantID string
	userID   string
}

// Router is the per-worker signaling fabric. Broadcaster and viewer
// registrations are worker-local; globally observable state lives elsewhere.
type Router struct {
	keys     KeyValidator
	presence Presence
	chat     Moderator
	logger   *slog.Logger
	metrics  *metrics.Recorder

	mu           sync.RWMutex
	conns        map[string]*client      // established connections by id
	broadcasters map[string]*broadcaster // stream id -> broadcaster
	viewers      map[string][]string     // stream id -> viewer connection ids, insertion order
	streams      map[string]string       // connection id -> stream id (reverse map)
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// NewRouter initialises a Router using the provided configuration.
func NewRouter(cfg Config) *Router {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	recorder := cfg.Metrics
	if recorder == nil {
		recorder = metrics.Default()
	}
	return &Router{
		keys:         cfg.Keys,
		presence:     cfg.Presence,
		chat:         cfg.Chat,
		logger:       logger,
		metrics:      recorder,
		conns:        make(map[string]*client),
		broadcasters: make(map[string]*broadcaster),
		viewers:      make(map[string][]string),
		streams:      make(map[string]string),
	}
}

// HandleConnection upgrades the request to a WebSocket and runs the signaling
// loop until the peer disconnects. Tenant and user identity are established
// by the outer middleware.
func (r *Router) HandleConnection(w http.ResponseWriter, req *http.Request, tenantID, userID string) {
	conn, err := upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	r.serve(conn, tenantID, userID)
}

// serve registers the connection and pumps frames until it closes.
func (r *Router) serve(conn wsConn, tenantID, userID string) {
	c := &client{
		id:       uuid.NewString(),
		tenantID: tenantID,
		userID:   userID,
		conn:     conn,
		send:     make(chan []byte, 32),
	}

	r.mu.Lock()
	r.conns[c.id] = c
	r.mu.Unlock()
	r.metrics.ConnectionOpened()

	go c.writeLoop()
	r.readLoop(c)
	r.disconnect(c)
}

func (c *client) writeLoop() {
	for payload := range c.send {
		if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
			return
		}
	}
}

func (c *client) close() {
	c.closed.Do(func() {
		close(c.send)
		_ = c.conn.Close()
	})
}

// push enqueues a frame; a full buffer drops the frame rather than stalling
// the fan-out loop.
func (c *client) push(f frame) {
	payload := f.encode()
	if payload == nil {
		return
	}
	defer func() { _ = recover() }()
	select {
	case c.send <- payload:
	default:
	}
}

func (r *Router) readLoop(c *client) {
	for {
		_, payload, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var msg frame
		if err := json.Unmarshal(payload, &msg); err != nil {
			c.push(errorFrame("Invalid JSON"))
			continue
		}
		switch msg.Type {
		case typeOffer:
			r.handleOffer(c, msg)
		case typeAnswer:
			r.handleAnswer(c, msg)
		case typeCandidate:
			r.handleCandidate(c, msg)
		case typeSubscribe:
			r.handleSubscribe(c, msg)
		case typeChat:
			r.handleChat(c, msg)
		case typeViewerHeartbeat:
			r.handleHeartbeat(c, msg)
		default:
			c.push(frame{Error: "Unknown signaling type", Type: msg.Type})
		}
	}
}

// handleOffer authenticates the sender as the stream's broadcaster and fans
// the SDP offer out to every currently established viewer.
func (r *Router) handleOffer(c *client, msg frame) {
	if msg.StreamID == "" || msg.SDP == "" {
		c.push(errorFrame("Missing stream_id or sdp"))
		return
	}
	valid, err := r.keys.ValidateStreamKey(context.Background(), c.tenantID, msg.StreamID, msg.StreamKey)
	if err != nil {
		r.logger.Error("stream key validation failed", "stream_id", msg.StreamID, "error", err)
		c.push(errorFrame("Unable to validate stream key"))
		return
	}
	if !valid {
		c.push(errorFrame("Invalid stream key"))
		return
	}

	r.mu.Lock()
	if prior := r.broadcasters[msg.StreamID]; prior != nil && prior.client.id != c.id {
		r.logger.Warn("broadcaster takeover",
			"stream_id", msg.StreamID,
			"previous_conn", prior.client.id,
			"new_conn", c.id)
		delete(r.streams, prior.client.id)
	}
	r.broadcasters[msg.StreamID] = &broadcaster{client: c, tenantID: c.tenantID, userID: c.userID}
	if _, ok := r.viewers[msg.StreamID]; !ok {
		r.viewers[msg.StreamID] = nil
	}
	// A broadcaster never sits in its own viewer set, and a connection that
	// was watching another stream leaves that audience first.
	if prior, ok := r.streams[c.id]; ok && prior != msg.StreamID {
		r.viewers[prior] = removeID(r.viewers[prior], c.id)
	}
	r.viewers[msg.StreamID] = removeID(r.viewers[msg.StreamID], c.id)
	r.streams[c.id] = msg.StreamID
	targets := r.viewerClientsLocked(msg.StreamID)
	r.mu.Unlock()

	c.push(frame{Type: typeBroadcastStarted, StreamID: msg.StreamID})
	out := frame{Type: typeOffer, StreamID: msg.StreamID, SDP: msg.SDP}
	for _, viewer := range targets {
		viewer.push(out)
	}
	r.logger.Info("broadcast started", "stream_id", msg.StreamID, "conn", c.id, "viewers", len(targets))
}

// handleAnswer relays a viewer's SDP answer to the broadcaster, tagged with
// the viewer's connection id so the broadcaster can bind per-viewer peers.
func (r *Router) handleAnswer(c *client, msg frame) {
	r.mu.RLock()
	b := r.broadcasters[msg.StreamID]
	r.mu.RUnlock()
	if b == nil {
		c.push(errorFrame("Stream not found"))
		return
	}
	if !r.isEstablished(b.client.id) {
		return
	}
	b.client.push(frame{Type: typeAnswer, StreamID: msg.StreamID, SDP: msg.SDP, ViewerFD: c.id})
}

// handleCandidate forwards ICE candidates best-effort: directed when
// target_fd is present, broadcaster-to-viewers or viewer-to-broadcaster
// otherwise. Malformed candidates are dropped silently.
func (r *Router) handleCandidate(c *client, msg frame) {
	if msg.StreamID == "" || len(msg.Candidate) == 0 {
		return
	}
	out := frame{Type: typeCandidate, StreamID: msg.StreamID, Candidate: msg.Candidate, FromFD: c.id}

	if msg.TargetFD != "" {
		r.mu.RLock()
		target := r.conns[msg.TargetFD]
		r.mu.RUnlock()
		if target != nil {
			target.push(out)
		}
		return
	}

	r.mu.RLock()
	b := r.broadcasters[msg.StreamID]
	var targets []*client
	if b != nil && b.client.id == c.id {
		targets = r.viewerClientsLocked(msg.StreamID)
	} else if b != nil {
		targets = []*client{b.client}
	}
	r.mu.RUnlock()
	for _, target := range targets {
		target.push(out)
	}
}

// handleSubscribe enrolls the connection as a viewer and tells it whether the
// stream is active or still waiting for its broadcaster.
func (r *Router) handleSubscribe(c *client, msg frame) {
	if msg.StreamID == "" {
		c.push(errorFrame("Missing stream_id"))
		return
	}

	r.mu.Lock()
	b := r.broadcasters[msg.StreamID]
	if b != nil && b.client.id == c.id {
		// The broadcaster never joins its own audience.
		r.mu.Unlock()
		c.push(frame{Type: typeStreamActive, StreamID: msg.StreamID})
		return
	}
	if prior, ok := r.streams[c.id]; ok && prior != msg.StreamID {
		r.viewers[prior] = removeID(r.viewers[prior], c.id)
	}
	if !containsID(r.viewers[msg.StreamID], c.id) {
		r.viewers[msg.StreamID] = append(r.viewers[msg.StreamID], c.id)
	}
	r.streams[c.id] = msg.StreamID
	r.mu.Unlock()

	if b != nil {
		c.push(frame{Type: typeStreamActive, StreamID: msg.StreamID})
		if r.isEstablished(b.client.id) {
			b.client.push(frame{Type: typeViewerJoined, StreamID: msg.StreamID, ViewerFD: c.id})
		}
	} else {
		c.push(frame{Type: typeStreamWaiting, StreamID: msg.StreamID})
	}
}

// handleChat gates the message through the moderator and fans admitted
// messages out to the broadcaster and every viewer.
func (r *Router) handleChat(c *client, msg frame) {
	if msg.StreamID == "" || msg.Message == "" {
		c.push(errorFrame("Missing stream_id or message"))
		return
	}
	if r.chat == nil {
		c.push(errorFrame("Chat is not enabled"))
		return
	}
	allowed, reason, err := r.chat.Validate(context.Background(), c.tenantID, msg.StreamID, c.userID, msg.Message)
	if err != nil {
		r.metrics.ObserveChatAdmission("error")
		r.logger.Error("chat validation failed", "stream_id", msg.StreamID, "error", err)
		c.push(errorFrame("Unable to deliver message"))
		return
	}
	if !allowed {
		r.metrics.ObserveChatAdmission("rejected")
		c.push(errorFrame(reason))
		return
	}
	r.metrics.ObserveChatAdmission("allowed")

	r.mu.RLock()
	targets := r.viewerClientsLocked(msg.StreamID)
	if b := r.broadcasters[msg.StreamID]; b != nil {
		targets = append(targets, b.client)
	}
	r.mu.RUnlock()

	out := frame{Type: typeChat, StreamID: msg.StreamID, UserID: c.userID, Message: msg.Message, FromFD: c.id}
	for _, target := range targets {
		target.push(out)
	}
}

// handleHeartbeat records viewer presence; malformed heartbeats are dropped.
func (r *Router) handleHeartbeat(c *client, msg frame) {
	if msg.StreamID == "" || r.presence == nil {
		return
	}
	if err := r.presence.Heartbeat(context.Background(), c.tenantID, msg.StreamID, c.viewerID()); err != nil {
		r.logger.Warn("viewer heartbeat failed", "stream_id", msg.StreamID, "error", err)
		return
	}
	r.metrics.ObserveHeartbeat()
}

func (c *client) viewerID() string {
	if c.userID != "" {
		return c.userID
	}
	return c.id
}

// disconnect converges registration state after a socket closes: a
// broadcaster's departure ends the stream for every viewer, a viewer's
// departure shrinks the audience.
func (r *Router) disconnect(c *client) {
	r.metrics.ConnectionClosed()
	r.mu.Lock()
	delete(r.conns, c.id)
	streamID, tracked := r.streams[c.id]
	if !tracked {
		r.mu.Unlock()
		c.close()
		return
	}
	delete(r.streams, c.id)

	var ended []*client
	b := r.broadcasters[streamID]
	if b != nil && b.client.id == c.id {
		ended = r.viewerClientsLocked(streamID)
		delete(r.broadcasters, streamID)
		delete(r.viewers, streamID)
	} else {
		r.viewers[streamID] = removeID(r.viewers[streamID], c.id)
	}
	r.mu.Unlock()

	if len(ended) > 0 {
		out := frame{Type: typeStreamEnded, StreamID: streamID}
		for _, viewer := range ended {
			viewer.push(out)
		}
		r.logger.Info("broadcast ended", "stream_id", streamID, "conn", c.id, "viewers", len(ended))
	}
	if r.presence != nil && (b == nil || b.client.id != c.id) {
		if err := r.presence.Remove(context.Background(), c.tenantID, streamID, c.viewerID()); err != nil {
			r.logger.Warn("viewer presence removal failed", "stream_id", streamID, "error", err)
		}
	}
	c.close()
}

// viewerClientsLocked resolves the established viewer connections for a
// stream in insertion order. Callers must hold at least a read lock.
func (r *Router) viewerClientsLocked(streamID string) []*client {
	ids := r.viewers[streamID]
	out := make([]*client, 0, len(ids))
	for _, id := range ids {
		if viewer, ok := r.conns[id]; ok {
			out = append(out, viewer)
		}
	}
	return out
}

func (r *Router) isEstablished(connID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.conns[connID]
	return ok
}

// Stats reports router occupancy for dashboards.
type Stats struct {
	Connections  int `json:"connections"`
	Broadcasters int `json:"broadcasters"`
	Viewers      int `json:"viewers"`
}

// Stats summarises the worker-local registration tables.
func (r *Router) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	viewers := 0
	for _, ids := range r.viewers {
		viewers += len(ids)
	}
	return Stats{Connections: len(r.conns), Broadcasters: len(r.broadcasters), Viewers: viewers}
}

func removeID(ids []string, id string) []string {
	for i, candidate := range ids {
		if candidate == id {
			return append(ids[:i:i], ids[i+1:]...)
		}
	}
	return ids
}

func containsID(ids []string, id string) bool {
	for _, candidate := range ids {
		if candidate == id {
			return true
		}
	}
	return false
}
