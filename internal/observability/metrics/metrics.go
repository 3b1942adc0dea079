package metrics

import (
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

type requestLabel struct {
	method string
	path   string
	status string
}

// TranscodeJobLabel identifies a transcode lifecycle event by what happened
// and how it resolved.
type TranscodeJobLabel struct {
	Event  string
	Status string
}

// Recorder aggregates in-memory metrics counters and gauges for HTTP requests,
// stream lifecycle events, transcode jobs, chat admission outcomes, and
// signaling connections. It coordinates concurrent writers via a RWMutex while
// exposing thread-safe gauges for active stream and job tracking.
type Recorder struct {
	mu               sync.RWMutex
	requestCount     map[requestLabel]uint64
	requestDuration  map[requestLabel]time.Duration
	streamEvents     map[string]uint64
	chatAdmissions   map[string]uint64
	transcodeEvents  map[TranscodeJobLabel]uint64
	heartbeats       uint64
	activeStreams    atomic.Int64
	activeTranscodes atomic.Int64
	connections      atomic.Int64
}

var defaultRecorder = New()

// New constructs an empty Recorder with initialized backing maps so callers
// can immediately record metrics without additional setup.
func New() *Recorder {
	return &Recorder{
		requestCount:    make(map[requestLabel]uint64),
		requestDuration: make(map[requestLabel]time.Duration),
		streamEvents:    make(map[string]uint64),
		chatAdmissions:  make(map[string]uint64),
		transcodeEvents: make(map[TranscodeJobLabel]uint64),
	}
}

// Default returns the singleton Recorder shared across packages that do not
// need a custom instrumentation pipeline.
func Default() *Recorder {
	return defaultRecorder
}

// ObserveRequest normalizes the request label set and accumulates totals for
// request count and cumulative duration by HTTP method, normalized path, and
// status code.
func (r *Recorder) ObserveRequest(method, path string, status int, duration time.Duration) {
	label := requestLabel{
		method: strings.ToUpper(method),
		path:   normalizePath(path),
		status: fmt.Sprintf("%d", status),
	}
	r.mu.Lock()
	r.requestCount[label]++
	r.requestDuration[label] += duration
	r.mu.Unlock()
}

// StreamStarted records a start lifecycle event and increments the active
// stream gauge atomically so concurrent sessions remain consistent.
func (r *Recorder) StreamStarted() {
	r.incrementStreamEvent("start")
	r.activeStreams.Add(1)
}

// StreamStopped records a stop lifecycle event and decrements the active
// stream gauge, guarding against negative counts when concurrent updates race.
func (r *Recorder) StreamStopped() {
	r.incrementStreamEvent("stop")
	r.decrementGauge(&r.activeStreams)
}

// StreamCreated records a create lifecycle event without touching the gauge;
// created streams are not live until started.
func (r *Recorder) StreamCreated() {
	r.incrementStreamEvent("create")
}

func (r *Recorder) incrementStreamEvent(event string) {
	normalized := normalizeName(event)
	r.mu.Lock()
	r.streamEvents[normalized]++
	r.mu.Unlock()
}

// ObserveTranscodeEvent records a transcode job event keyed by event name
// (e.g. "start", "stop", "reap") and resolution status ("ok", "rejected",
// "error").
func (r *Recorder) ObserveTranscodeEvent(event, status string) {
	label := TranscodeJobLabel{
		Event:  normalizeName(event),
		Status: normalizeName(status),
	}
	r.mu.Lock()
	r.transcodeEvents[label]++
	r.mu.Unlock()
}

// TranscodeStarted records a successful job start and increments the active
// transcode gauge.
func (r *Recorder) TranscodeStarted() {
	r.ObserveTranscodeEvent("start", "ok")
	r.activeTranscodes.Add(1)
}

// TranscodeStopped records a job stop and decrements the active transcode
// gauge.
func (r *Recorder) TranscodeStopped() {
	r.ObserveTranscodeEvent("stop", "ok")
	r.decrementGauge(&r.activeTranscodes)
}

// ObserveChatAdmission records the outcome of a chat moderation decision.
// Admitted messages use the "allowed" outcome, moderation rejections use
// "rejected", and validation failures use "error".
func (r *Recorder) ObserveChatAdmission(outcome string) {
	normalized := normalizeName(outcome)
	r.mu.Lock()
	r.chatAdmissions[normalized]++
	r.mu.Unlock()
}

// ConnectionOpened increments the signaling connection gauge.
func (r *Recorder) ConnectionOpened() {
	r.connections.Add(1)
}

// ConnectionClosed decrements the signaling connection gauge.
func (r *Recorder) ConnectionClosed() {
	r.decrementGauge(&r.connections)
}

// ObserveHeartbeat counts a viewer presence heartbeat.
func (r *Recorder) ObserveHeartbeat() {
	r.mu.Lock()
	r.heartbeats++
	r.mu.Unlock()
}

// Reset clears all counters and gauges on the recorder. It is intended for
// test setups.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requestCount = make(map[requestLabel]uint64)
	r.requestDuration = make(map[requestLabel]time.Duration)
	r.streamEvents = make(map[string]uint64)
	r.chatAdmissions = make(map[string]uint64)
	r.transcodeEvents = make(map[TranscodeJobLabel]uint64)
	r.heartbeats = 0
	r.activeStreams.Store(0)
	r.activeTranscodes.Store(0)
	r.connections.Store(0)
}

// Handler exposes the Recorder as an http.Handler that writes Prometheus text
// exposition data with the appropriate content type.
func (r *Recorder) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		r.Write(w)
	})
}

// Write renders the Recorder's metrics in Prometheus text format, sorting
// label sets to provide stable output for scrapes and tests.
func (r *Recorder) Write(w io.Writer) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	requestLabels := r.sortedRequestLabels()
	streamEvents := r.sortedStreamEvents()
	chatAdmissions := r.sortedChatAdmissions()
	transcodeLabels := r.sortedTranscodeJobLabels()

	fmt.Fprintln(w, "# HELP fabriq_http_requests_total Total number of HTTP requests processed by the origin and API")
	fmt.Fprintln(w, "# TYPE fabriq_http_requests_total counter")
	for _, label := range requestLabels {
		count := r.requestCount[label]
		fmt.Fprintf(w, "fabriq_http_requests_total{method=\"%s\",path=\"%s\",status=\"%s\"} %d\n", label.method, label.path, label.status, count)
	}

	fmt.Fprintln(w, "# HELP fabriq_http_request_duration_seconds_sum Cumulative duration of HTTP requests in seconds")
	fmt.Fprintln(w, "# TYPE fabriq_http_request_duration_seconds_sum counter")
	for _, label := range requestLabels {
		duration := r.requestDuration[label].Seconds()
		fmt.Fprintf(w, "fabriq_http_request_duration_seconds_sum{method=\"%s\",path=\"%s\",status=\"%s\"} %f\n", label.method, label.path, label.status, duration)
	}

	fmt.Fprintln(w, "# HELP fabriq_http_request_duration_seconds_count Total number of observations for request durations")
	fmt.Fprintln(w, "# TYPE fabriq_http_request_duration_seconds_count counter")
	for _, label := range requestLabels {
		count := r.requestCount[label]
		fmt.Fprintf(w, "fabriq_http_request_duration_seconds_count{method=\"%s\",path=\"%s\",status=\"%s\"} %d\n", label.method, label.path, label.status, count)
	}

	fmt.Fprintln(w, "# HELP fabriq_stream_events_total Stream lifecycle events by type")
	fmt.Fprintln(w, "# TYPE fabriq_stream_events_total counter")
	for _, event := range streamEvents {
		value := r.streamEvents[event]
		fmt.Fprintf(w, "fabriq_stream_events_total{event=\"%s\"} %d\n", event, value)
	}

	fmt.Fprintln(w, "# HELP fabriq_active_streams Current number of streams marked as live")
	fmt.Fprintln(w, "# TYPE fabriq_active_streams gauge")
	fmt.Fprintf(w, "fabriq_active_streams %d\n", r.activeStreams.Load())

	fmt.Fprintln(w, "# HELP fabriq_transcode_jobs_total Transcode job events by type and status")
	fmt.Fprintln(w, "# TYPE fabriq_transcode_jobs_total counter")
	for _, label := range transcodeLabels {
		count := r.transcodeEvents[label]
		fmt.Fprintf(w, "fabriq_transcode_jobs_total{event=\"%s\",status=\"%s\"} %d\n", label.Event, label.Status, count)
	}

	fmt.Fprintln(w, "# HELP fabriq_transcode_active_jobs Current number of running ffmpeg processes")
	fmt.Fprintln(w, "# TYPE fabriq_transcode_active_jobs gauge")
	fmt.Fprintf(w, "fabriq_transcode_active_jobs %d\n", r.activeTranscodes.Load())

	fmt.Fprintln(w, "# HELP fabriq_chat_admissions_total Chat moderation decisions by outcome")
	fmt.Fprintln(w, "# TYPE fabriq_chat_admissions_total counter")
	for _, outcome := range chatAdmissions {
		count := r.chatAdmissions[outcome]
		fmt.Fprintf(w, "fabriq_chat_admissions_total{outcome=\"%s\"} %d\n", outcome, count)
	}

	fmt.Fprintln(w, "# HELP fabriq_signaling_connections Current number of open signaling connections")
	fmt.Fprintln(w, "# TYPE fabriq_signaling_connections gauge")
	fmt.Fprintf(w, "fabriq_signaling_connections %d\n", r.connections.Load())

	fmt.Fprintln(w, "# HELP fabriq_viewer_heartbeats_total Total viewer presence heartbeats received")
	fmt.Fprintln(w, "# TYPE fabriq_viewer_heartbeats_total counter")
	fmt.Fprintf(w, "fabriq_viewer_heartbeats_total %d\n", r.heartbeats)
}

func (r *Recorder) sortedRequestLabels() []requestLabel {
	labels := make([]requestLabel, 0, len(r.requestCount))
	for label := range r.requestCount {
		labels = append(labels, label)
	}
	sort.Slice(labels, func(i, j int) bool {
		if labels[i].method != labels[j].method {
			return labels[i].method < labels[j].method
		}
		if labels[i].path != labels[j].path {
			return labels[i].path < labels[j].path
		}
		return labels[i].status < labels[j].status
	})
	return labels
}

func (r *Recorder) sortedStreamEvents() []string {
	events := make([]string, 0, len(r.streamEvents))
	for event := range r.streamEvents {
		events = append(events, event)
	}
	sort.Strings(events)
	return events
}

func (r *Recorder) sortedChatAdmissions() []string {
	outcomes := make([]string, 0, len(r.chatAdmissions))
	for outcome := range r.chatAdmissions {
		outcomes = append(outcomes, outcome)
	}
	sort.Strings(outcomes)
	return outcomes
}

func (r *Recorder) sortedTranscodeJobLabels() []TranscodeJobLabel {
	labels := make([]TranscodeJobLabel, 0, len(r.transcodeEvents))
	for label := range r.transcodeEvents {
		labels = append(labels, label)
	}
	sort.Slice(labels, func(i, j int) bool {
		if labels[i].Event != labels[j].Event {
			return labels[i].Event < labels[j].Event
		}
		return labels[i].Status < labels[j].Status
	})
	return labels
}

// normalizePath collapses identifier-looking path segments so request metrics
// stay low-cardinality even with per-stream URLs.
func normalizePath(path string) string {
	if path == "" || path == "/" {
		return "/"
	}
	parts := strings.Split(path, "/")
	for i, part := range parts {
		if part == "" {
			continue
		}
		if looksLikeIdentifier(part) {
			parts[i] = ":id"
		}
	}
	normalized := strings.Join(parts, "/")
	if !strings.HasPrefix(normalized, "/") {
		normalized = "/" + normalized
	}
	if strings.HasSuffix(normalized, "/") && len(normalized) > 1 {
		normalized = strings.TrimSuffix(normalized, "/")
	}
	return normalized
}

func looksLikeIdentifier(segment string) bool {
	if len(segment) >= 16 {
		return true
	}
	digitCount := 0
	for _, r := range segment {
		if r >= '0' && r <= '9' {
			digitCount++
		}
	}
	return digitCount >= 3
}

func normalizeName(name string) string {
	normalized := strings.ToLower(strings.TrimSpace(name))
	if normalized == "" {
		return "unknown"
	}
	return strings.ReplaceAll(normalized, " ", "_")
}

func (r *Recorder) decrementGauge(gauge *atomic.Int64) {
	for {
		current := gauge.Load()
		if current <= 0 {
			return
		}
		if gauge.CompareAndSwap(current, current-1) {
			return
		}
	}
}
