package server

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"fabriq-live/internal/chat"
	"fabriq-live/internal/hls"
	"fabriq-live/internal/observability/metrics"
	"fabriq-live/internal/signaling"
	"fabriq-live/internal/stream"
	"fabriq-live/internal/transcode"
	"fabriq-live/internal/viewers"
)

type TLSConfig struct {
	CertFile string
	KeyFile  string
}

// Config wires the component set behind the HTTP surface.
type Config struct {
	Addr      string
	TLS       TLSConfig
	RateLimit RateLimitConfig
	Security  SecurityConfig
	Logger    *slog.Logger
	Metrics   *metrics.Recorder

	Manager    *stream.Manager
	Supervisor *transcode.Supervisor
	Tracker    *viewers.Tracker
	Moderator  *chat.Moderator
	Router     *signaling.Router
	Origin     *hls.Origin
	Historian  Historian
}

// Server hosts the signaling upgrade, the HLS origin, and the operator API
// behind one multiplexer.
type Server struct {
	httpServer  *http.Server
	logger      *slog.Logger
	metrics     *metrics.Recorder
	rateLimiter *rateLimiter

	manager    *stream.Manager
	supervisor *transcode.Supervisor
	tracker    *viewers.Tracker
	moderator  *chat.Moderator
	router     *signaling.Router
	historian  Historian

	tlsCertFile string
	tlsKeyFile  string
}

// New assembles the server and its middleware chain.
func New(cfg Config) (*Server, error) {
	if cfg.Manager == nil {
		return nil, fmt.Errorf("stream manager is required")
	}
	if cfg.Supervisor == nil {
		return nil, fmt.Errorf("transcode supervisor is required")
	}
	if cfg.Router == nil {
		return nil, fmt.Errorf("signaling router is required")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	recorder := cfg.Metrics
	if recorder == nil {
		recorder = metrics.Default()
	}

	srv := &Server{
		logger:      logger,
		metrics:     recorder,
		rateLimiter: newRateLimiter(cfg.RateLimit),
		manager:     cfg.Manager,
		supervisor:  cfg.Supervisor,
		tracker:     cfg.Tracker,
		moderator:   cfg.Moderator,
		router:      cfg.Router,
		historian:   cfg.Historian,
		tlsCertFile: strings.TrimSpace(cfg.TLS.CertFile),
		tlsKeyFile:  strings.TrimSpace(cfg.TLS.KeyFile),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", srv.handleHealth)
	mux.Handle("/metrics", recorder.Handler())
	mux.HandleFunc("/ws", srv.handleSignaling)
	mux.HandleFunc("/api/streams", srv.handleStreams)
	mux.HandleFunc("/api/streams/", srv.handleStreamByID)
	mux.HandleFunc("/api/stats", srv.handleStats)
	mux.HandleFunc("/api/history", srv.handleHistory)
	if cfg.Origin != nil {
		mux.Handle("/hls/", cfg.Origin.Handler("/hls/"))
	}

	handlerChain := http.Handler(mux)
	handlerChain = rateLimitMiddleware(srv.rateLimiter, handlerChain)
	handlerChain = metrics.HTTPMiddleware(recorder, handlerChain)
	handlerChain = securityHeadersMiddleware(cfg.Security, handlerChain)
	handlerChain = loggingMiddleware(logger, handlerChain)

	srv.httpServer = &http.Server{
		Addr:              cfg.Addr,
		Handler:           handlerChain,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	if srv.tlsCertFile != "" && srv.tlsKeyFile != "" {
		srv.httpServer.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	return srv, nil
}

// Handler exposes the assembled middleware chain, mainly for tests and for
// embedding the server behind serverutil.Run.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// HTTPServer exposes the configured http.Server for lifecycle management.
func (s *Server) HTTPServer() *http.Server {
	return s.httpServer
}

func (s *Server) Start() error {
	if s.httpServer == nil {
		return fmt.Errorf("http server is not configured")
	}
	if s.tlsCertFile != "" && s.tlsKeyFile != "" {
		return s.httpServer.ListenAndServeTLS(s.tlsCertFile, s.tlsKeyFile)
	}
	return s.httpServer.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func loggingMiddleware(logger *slog.Logger, next http.Handler) http.Handler {
	if logger == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// The metrics recorder keeps Hijacker and ReaderFrom visible, which
		// the WebSocket upgrade and segment sendfile both depend on.
		recorder := metrics.NewResponseRecorder(w)
		start := time.Now()
		next.ServeHTTP(recorder, r)
		logger.Info("request completed",
			"method", r.Method,
			"path", r.URL.Path,
			"status", recorder.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"remote_addr", r.RemoteAddr)
	})
}

func rateLimitMiddleware(rl *rateLimiter, next http.Handler) http.Handler {
	if rl == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !rl.AllowRequest() {
			writeJSONError(w, http.StatusTooManyRequests, "Rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}
