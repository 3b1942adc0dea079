package metrics

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestObserveRequestNormalizesPaths(t *testing.T) {
	recorder := New()

	recorder.ObserveRequest("get", "/", http.StatusOK, 10*time.Millisecond)
	recorder.ObserveRequest("GET", "/hls/stream_0123456789abcdef01234567/playlist.m3u8", http.StatusOK, 5*time.Millisecond)
	recorder.ObserveRequest("GET", "/hls/stream_0123456789abcdef01234567/segment_00001.ts", http.StatusOK, 5*time.Millisecond)
	recorder.ObserveRequest("POST", "/api/stats", http.StatusOK, time.Millisecond)

	var buf bytes.Buffer
	recorder.Write(&buf)
	body := buf.String()

	for _, want := range []string{
		`fabriq_http_requests_total{method="GET",path="/",status="200"} 1`,
		`fabriq_http_requests_total{method="GET",path="/hls/:id/:id",status="200"} 2`,
		`fabriq_http_requests_total{method="POST",path="/api/stats",status="200"} 1`,
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("expected output to contain %q, got:\n%s", want, body)
		}
	}
}

func TestStreamGaugeNeverGoesNegative(t *testing.T) {
	recorder := New()

	recorder.StreamStopped()
	recorder.StreamStopped()

	var buf bytes.Buffer
	recorder.Write(&buf)
	if !strings.Contains(buf.String(), "fabriq_active_streams 0") {
		t.Fatalf("expected gauge to stay at zero, got:\n%s", buf.String())
	}

	recorder.StreamStarted()
	recorder.StreamStarted()
	recorder.StreamStopped()

	buf.Reset()
	recorder.Write(&buf)
	if !strings.Contains(buf.String(), "fabriq_active_streams 1") {
		t.Fatalf("expected gauge of 1, got:\n%s", buf.String())
	}
}

func TestTranscodeEventsAreLabelled(t *testing.T) {
	recorder := New()

	recorder.TranscodeStarted()
	recorder.ObserveTranscodeEvent("start", "rejected")
	recorder.ObserveTranscodeEvent("reap", "error")
	recorder.TranscodeStopped()

	var buf bytes.Buffer
	recorder.Write(&buf)
	body := buf.String()

	for _, want := range []string{
		`fabriq_transcode_jobs_total{event="reap",status="error"} 1`,
		`fabriq_transcode_jobs_total{event="start",status="ok"} 1`,
		`fabriq_transcode_jobs_total{event="start",status="rejected"} 1`,
		`fabriq_transcode_jobs_total{event="stop",status="ok"} 1`,
		"fabriq_transcode_active_jobs 0",
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("expected output to contain %q, got:\n%s", want, body)
		}
	}
}

func TestChatAdmissionOutcomes(t *testing.T) {
	recorder := New()

	recorder.ObserveChatAdmission("allowed")
	recorder.ObserveChatAdmission("allowed")
	recorder.ObserveChatAdmission("Slow Mode")
	recorder.ObserveChatAdmission("")

	var buf bytes.Buffer
	recorder.Write(&buf)
	body := buf.String()

	for _, want := range []string{
		`fabriq_chat_admissions_total{outcome="allowed"} 2`,
		`fabriq_chat_admissions_total{outcome="slow_mode"} 1`,
		`fabriq_chat_admissions_total{outcome="unknown"} 1`,
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("expected output to contain %q, got:\n%s", want, body)
		}
	}
}

func TestConnectionGaugeAndHeartbeats(t *testing.T) {
	recorder := New()

	recorder.ConnectionOpened()
	recorder.ConnectionOpened()
	recorder.ConnectionClosed()
	recorder.ObserveHeartbeat()
	recorder.ObserveHeartbeat()
	recorder.ObserveHeartbeat()

	var buf bytes.Buffer
	recorder.Write(&buf)
	body := buf.String()

	if !strings.Contains(body, "fabriq_signaling_connections 1") {
		t.Fatalf("expected one open connection, got:\n%s", body)
	}
	if !strings.Contains(body, "fabriq_viewer_heartbeats_total 3") {
		t.Fatalf("expected three heartbeats, got:\n%s", body)
	}
}

func TestRecorderConcurrentUpdates(t *testing.T) {
	recorder := New()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				recorder.ObserveRequest("GET", "/healthz", http.StatusOK, time.Microsecond)
				recorder.StreamStarted()
				recorder.StreamStopped()
				recorder.ObserveHeartbeat()
			}
		}()
	}
	wg.Wait()

	var buf bytes.Buffer
	recorder.Write(&buf)
	body := buf.String()

	if !strings.Contains(body, `fabriq_http_requests_total{method="GET",path="/healthz",status="200"} 800`) {
		t.Fatalf("expected 800 requests recorded, got:\n%s", body)
	}
	if !strings.Contains(body, "fabriq_viewer_heartbeats_total 800") {
		t.Fatalf("expected 800 heartbeats recorded, got:\n%s", body)
	}
	if !strings.Contains(body, "fabriq_active_streams 0") {
		t.Fatalf("expected gauge back to zero, got:\n%s", body)
	}
}

func TestHandlerSetsContentType(t *testing.T) {
	recorder := New()
	recorder.StreamStarted()

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rr := httptest.NewRecorder()
	recorder.Handler().ServeHTTP(rr, req)

	if got := rr.Header().Get("Content-Type"); !strings.HasPrefix(got, "text/plain") {
		t.Fatalf("expected text exposition content type, got %q", got)
	}
	if !strings.Contains(rr.Body.String(), "fabriq_active_streams 1") {
		t.Fatalf("expected body to include gauge, got:\n%s", rr.Body.String())
	}
}

func TestResetClearsState(t *testing.T) {
	recorder := New()
	recorder.StreamStarted()
	recorder.ObserveChatAdmission("allowed")
	recorder.Reset()

	var buf bytes.Buffer
	recorder.Write(&buf)
	body := buf.String()

	if strings.Contains(body, `outcome="allowed"`) {
		t.Fatalf("expected reset to clear chat admissions, got:\n%s", body)
	}
	if !strings.Contains(body, "fabriq_active_streams 0") {
		t.Fatalf("expected reset gauge, got:\n%s", body)
	}
}
