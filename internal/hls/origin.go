// Package hls serves the manifests and media segments emitted by the
// transcoder, with the cache semantics CDNs rely on: manifests are polled,
// segments are immutable.
package hls

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
)

// Origin is the HTTP file server for HLS artifacts. It expects to be mounted
// under a prefix such that the remaining path is {streamId}/{filename}.
type Origin struct {
	root   string
	logger *slog.Logger
}

// Config configures an Origin.
type Config struct {
	StorageRoot string
	Logger      *slog.Logger
}

// NewOrigin initialises an Origin serving files below cfg.StorageRoot.
func NewOrigin(cfg Config) *Origin {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Origin{root: cfg.StorageRoot, logger: logger}
}

// Handler returns the http.Handler to mount at prefix (e.g. "/hls/"). The
// prefix is stripped before resolving {streamId}/{filename}.
func (o *Origin) Handler(prefix string) http.Handler {
	return http.StripPrefix(prefix, http.HandlerFunc(o.serve))
}

func (o *Origin) serve(w http.ResponseWriter, r *http.Request) {
	setCORS(w)
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	streamID, filename, ok := splitPath(r.URL.Path)
	if !ok || !validName(streamID) || !validName(filename) {
		writeJSONError(w, http.StatusBadRequest, "Invalid filename")
		return
	}

	path := filepath.Join(o.root, streamID, filename)
	info, err := os.Stat(path)
	if err != nil || !info.Mode().IsRegular() {
		writeJSONError(w, http.StatusNotFound, "Segment not found")
		return
	}

	w.Header().Set("Content-Type", contentTypeFor(filename))
	w.Header().Set("Cache-Control", cacheControlFor(filename))

	file, err := os.Open(path)
	if err != nil {
		o.logger.Error("open hls artifact", "stream_id", streamID, "file", filename, "error", err)
		writeJSONError(w, http.StatusNotFound, "Segment not found")
		return
	}
	defer file.Close()
	// ServeContent hands an *os.File to the connection's ReadFrom, which
	// uses sendfile where the platform supports it.
	http.ServeContent(w, r, "", info.ModTime(), file)
}

// splitPath resolves "{streamId}/{filename}" from the stripped request path.
func splitPath(p string) (string, string, bool) {
	p = strings.TrimPrefix(p, "/")
	parts := strings.SplitN(p, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", false
	}
	return parts[0], parts[1], true
}

// validName rejects any path component that could traverse outside the
// stream directory. This is the sole traversal defense; no further
// normalization is performed.
func validName(name string) bool {
	if name == "" {
		return false
	}
	if strings.Contains(name, "..") {
		return false
	}
	if strings.ContainsAny(name, `/\`) {
		return false
	}
	return true
}

func contentTypeFor(filename string) string {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".m3u8":
		return "application/vnd.apple.mpegurl"
	case ".ts":
		return "video/mp2t"
	default:
		return "application/octet-stream"
	}
}

func cacheControlFor(filename string) string {
	if strings.ToLower(filepath.Ext(filename)) == ".m3u8" {
		return "no-cache, no-store, must-revalidate"
	}
	return "public, max-age=31536000, immutable"
}

func setCORS(w http.ResponseWriter) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}
