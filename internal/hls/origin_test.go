package hls

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
)

func testOrigin(t *testing.T) (*Origin, string) {
	t.Helper()
	root := t.TempDir()
	origin := NewOrigin(Config{
		StorageRoot: root,
		Logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	return origin, root
}

func writeArtifact(t *testing.T, root, streamID, filename, body string) {
	t.Helper()
	dir := filepath.Join(root, streamID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, filename), []byte(body), 0o644); err != nil {
		t.Fatalf("write artifact: %v", err)
	}
}

func request(origin *Origin, method, path string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(method, "http://origin.test"+path, nil)
	origin.Handler("/hls/").ServeHTTP(rec, req)
	return rec
}

func TestServesManifestWithNoCache(t *testing.T) {
	origin, root := testOrigin(t)
	writeArtifact(t, root, "stream_a", "playlist.m3u8", "#EXTM3U\n")

	rec := request(origin, http.MethodGet, "/hls/stream_a/playlist.m3u8")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if got := rec.Header().Get("Content-Type"); got != "application/vnd.apple.mpegurl" {
		t.Fatalf("unexpected content type %q", got)
	}
	if got := rec.Header().Get("Cache-Control"); got != "no-cache, no-store, must-revalidate" {
		t.Fatalf("unexpected cache control %q", got)
	}
	if rec.Body.String() != "#EXTM3U\n" {
		t.Fatalf("unexpected body %q", rec.Body.String())
	}
}

func TestServesSegmentAsImmutable(t *testing.T) {
	origin, root := testOrigin(t)
	writeArtifact(t, root, "stream_a", "segment_00001.ts", "mpegts-bytes")

	rec := request(origin, http.MethodGet, "/hls/stream_a/segment_00001.ts")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if got := rec.Header().Get("Content-Type"); got != "video/mp2t" {
		t.Fatalf("unexpected content type %q", got)
	}
	if got := rec.Header().Get("Cache-Control"); got != "public, max-age=31536000, immutable" {
		t.Fatalf("unexpected cache control %q", got)
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Fatalf("expected permissive CORS, got %q", got)
	}
}

func TestHeadOmitsBody(t *testing.T) {
	origin, root := testOrigin(t)
	writeArtifact(t, root, "stream_a", "segment_00001.ts", "mpegts-bytes")

	rec := request(origin, http.MethodHead, "/hls/stream_a/segment_00001.ts")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if rec.Body.Len() != 0 {
		t.Fatalf("expected empty body on HEAD, got %d bytes", rec.Body.Len())
	}
}

func TestOptionsPreflight(t *testing.T) {
	origin, _ := testOrigin(t)

	rec := request(origin, http.MethodOptions, "/hls/stream_a/playlist.m3u8")
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
	if got := rec.Header().Get("Access-Control-Allow-Methods"); got != "GET, OPTIONS" {
		t.Fatalf("unexpected allow methods %q", got)
	}
}

func TestRejectsUnsupportedMethods(t *testing.T) {
	origin, _ := testOrigin(t)

	rec := request(origin, http.MethodPost, "/hls/stream_a/playlist.m3u8")
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rec.Code)
	}
}

func TestRejectsTraversalAttempts(t *testing.T) {
	origin, root := testOrigin(t)
	writeArtifact(t, root, "stream_a", "playlist.m3u8", "#EXTM3U\n")

	for _, path := range []string{
		"/stream_a/../../etc/passwd",
		"/../stream_a/playlist.m3u8",
		"/stream_a/..%2fpasswd",
		"/stream_a/",
		"/playlist.m3u8",
	} {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "http://origin.test/hls/", nil)
		// Set the path directly; a real mux would clean dot segments
		// before the handler sees them, but a hostile client can send
		// them raw.
		req.URL.Path = path
		http.HandlerFunc(origin.serve).ServeHTTP(rec, req)

		if rec.Code != http.StatusBadRequest {
			t.Fatalf("expected 400 for %q, got %d", path, rec.Code)
		}
		var body map[string]string
		if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
			t.Fatalf("decode error body: %v", err)
		}
		if body["error"] != "Invalid filename" {
			t.Fatalf("unexpected error %q for %q", body["error"], path)
		}
	}
}

func TestMissingSegmentIs404(t *testing.T) {
	origin, root := testOrigin(t)
	writeArtifact(t, root, "stream_a", "playlist.m3u8", "#EXTM3U\n")

	for _, path := range []string{
		"/hls/stream_a/segment_99999.ts",
		"/hls/stream_missing/playlist.m3u8",
	} {
		rec := request(origin, http.MethodGet, path)
		if rec.Code != http.StatusNotFound {
			t.Fatalf("expected 404 for %q, got %d", path, rec.Code)
		}
		var body map[string]string
		if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
			t.Fatalf("decode error body: %v", err)
		}
		if body["error"] != "Segment not found" {
			t.Fatalf("unexpected error %q", body["error"])
		}
	}
}

func TestDirectoryIsNotServable(t *testing.T) {
	origin, root := testOrigin(t)
	if err := os.MkdirAll(filepath.Join(root, "stream_a", "nested"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	rec := request(origin, http.MethodGet, "/hls/stream_a/nested")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for directory, got %d", rec.Code)
	}
}

func TestUnknownExtensionFallsBackToOctetStream(t *testing.T) {
	origin, root := testOrigin(t)
	writeArtifact(t, root, "stream_a", "init.mp4", "ftyp")

	rec := request(origin, http.MethodGet, "/hls/stream_a/init.mp4")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if got := rec.Header().Get("Content-Type"); got != "application/octet-stream" {
		t.Fatalf("unexpected content type %q", got)
	}
}

func TestRangeRequestsAreHonored(t *testing.T) {
	origin, root := testOrigin(t)
	writeArtifact(t, root, "stream_a", "segment_00001.ts", "0123456789")

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "http://origin.test/hls/stream_a/segment_00001.ts", nil)
	req.Header.Set("Range", "bytes=2-5")
	origin.Handler("/hls/").ServeHTTP(rec, req)

	if rec.Code != http.StatusPartialContent {
		t.Fatalf("expected 206, got %d", rec.Code)
	}
	if rec.Body.String() != "2345" {
		t.Fatalf("unexpected range body %q", rec.Body.String())
	}
}
