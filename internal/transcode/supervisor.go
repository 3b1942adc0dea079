// Package transcode supervises external ffmpeg processes that turn a stream
// ingest into segmented HLS output under a per-stream directory.
package transcode

import (
	"bytes"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sync/semaphore"
)

// Defaults mirror the streaming.hls.* configuration keys.
const (
	DefaultFFmpegPath      = "/usr/bin/ffmpeg"
	DefaultStorageRoot     = "/tmp/fabriq-hls"
	DefaultSegmentDuration = 4
	DefaultPlaylistSize    = 5
	DefaultMaxConcurrent   = 4
	DefaultStopGrace       = 3 * time.Second
)

// Config configures a Supervisor.
type Config struct {
	FFmpegPath      string
	StorageRoot     string
	SegmentDuration int
	PlaylistSize    int
	MaxConcurrent   int
	// StopGrace is how long a stopped encoder gets to exit after SIGTERM
	// before it is killed.
	StopGrace time.Duration
	Logger    *slog.Logger
}

type process struct {
	cmd       *exec.Cmd
	pid       int
	startedAt time.Time
	release   sync.Once
}

// Supervisor spawns, probes, and terminates encoder processes, enforcing a
// global concurrency cap and owning the per-stream output directories.
type Supervisor struct {
	ffmpegPath      string
	storageRoot     string
	segmentDuration int
	playlistSize    int
	maxConcurrent   int
	stopGrace       time.Duration
	logger          *slog.Logger

	sem *semaphore.Weighted

	mu    sync.Mutex
	procs map[string]*process
}

// Stats summarises supervisor occupancy.
type Stats struct {
	Active        int    `json:"active"`
	MaxConcurrent int    `json:"maxConcurrent"`
	StorageRoot   string `json:"storageRoot"`
}

// NewSupervisor initialises a Supervisor using the provided configuration.
func NewSupervisor(cfg Config) *Supervisor {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Supervisor{
		ffmpegPath:      stringOrDefault(cfg.FFmpegPath, DefaultFFmpegPath),
		storageRoot:     stringOrDefault(cfg.StorageRoot, DefaultStorageRoot),
		segmentDuration: intOrDefault(cfg.SegmentDuration, DefaultSegmentDuration),
		playlistSize:    intOrDefault(cfg.PlaylistSize, DefaultPlaylistSize),
		maxConcurrent:   intOrDefault(cfg.MaxConcurrent, DefaultMaxConcurrent),
		stopGrace:       cfg.StopGrace,
		logger:          logger,
		procs:           make(map[string]*process),
	}
	if s.stopGrace <= 0 {
		s.stopGrace = DefaultStopGrace
	}
	s.sem = semaphore.NewWeighted(int64(s.maxConcurrent))
	return s
}

// OutputDir returns the HLS artifact directory for a stream.
func (s *Supervisor) OutputDir(streamID string) string {
	return filepath.Join(s.storageRoot, streamID)
}

// Start spawns an encoder reading inputURL and writing HLS into the stream's
// output directory. It refuses when an encoder already exists for the stream,
// when the concurrency cap is reached, or when spawning fails.
func (s *Supervisor) Start(streamID, inputURL string) bool {
	if streamID == "" || inputURL == "" {
		return false
	}
	s.mu.Lock()
	if _, exists := s.procs[streamID]; exists {
		s.mu.Unlock()
		return false
	}
	s.mu.Unlock()

	if !s.sem.TryAcquire(1) {
		s.logger.Warn("transcode capacity reached", "stream_id", streamID, "max_concurrent", s.maxConcurrent)
		return false
	}

	outputDir := s.OutputDir(streamID)
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		s.sem.Release(1)
		s.logger.Error("prepare output directory", "stream_id", streamID, "error", err)
		return false
	}

	cmd := exec.Command(s.ffmpegPath, s.buildArgs(inputURL, outputDir)...)
	cmd.Stdout = newLogWriter(s.logger, streamID, "stdout")
	cmd.Stderr = newLogWriter(s.logger, streamID, "stderr")
	if err := cmd.Start(); err != nil {
		s.sem.Release(1)
		s.logger.Error("spawn encoder", "stream_id", streamID, "error", err)
		return false
	}

	proc := &process{cmd: cmd, pid: cmd.Process.Pid, startedAt: time.Now()}
	s.mu.Lock()
	if _, exists := s.procs[streamID]; exists {
		// Lost the race to a concurrent Start for the same stream.
		s.mu.Unlock()
		_ = cmd.Process.Kill()
		go func() { _ = cmd.Wait() }()
		s.sem.Release(1)
		return false
	}
	s.procs[streamID] = proc
	s.mu.Unlock()

	go func() {
		err := cmd.Wait()
		if err != nil {
			s.logger.Warn("encoder exited", "stream_id", streamID, "pid", proc.pid, "error", err)
		} else {
			s.logger.Info("encoder completed", "stream_id", streamID, "pid", proc.pid)
		}
	}()

	s.logger.Info("encoder started", "stream_id", streamID, "pid", proc.pid, "input", inputURL)
	return true
}

func (s *Supervisor) buildArgs(inputURL, outputDir string) []string {
	return []string{
		"-y",
		"-i", inputURL,
		"-c:v", "libx264",
		"-preset", "veryfast",
		"-tune", "zerolatency",
		"-crf", "23",
		"-c:a", "aac",
		"-b:a", "128k",
		"-ar", "44100",
		"-f", "hls",
		"-hls_time", strconv.Itoa(s.segmentDuration),
		"-hls_list_size", strconv.Itoa(s.playlistSize),
		"-hls_flags", "delete_segments+append_list",
		"-hls_segment_filename", filepath.Join(outputDir, "segment_%05d.ts"),
		filepath.Join(outputDir, "playlist.m3u8"),
	}
}

// Stop sends the encoder a graceful termination signal and schedules a forced
// kill after the grace period. The registration is removed immediately;
// returns false when no encoder exists for the stream.
func (s *Supervisor) Stop(streamID string) bool {
	s.mu.Lock()
	proc, ok := s.procs[streamID]
	if ok {
		delete(s.procs, streamID)
	}
	s.mu.Unlock()
	if !ok {
		return false
	}
	proc.release.Do(func() { s.sem.Release(1) })

	if err := proc.cmd.Process.Signal(syscall.SIGTERM); err != nil {
		// Already gone; nothing left to kill.
		s.logger.Info("encoder already exited", "stream_id", streamID, "pid", proc.pid)
		return true
	}
	logger := s.logger
	pid := proc.pid
	time.AfterFunc(s.stopGrace, func() {
		if proc.cmd.Process.Signal(syscall.Signal(0)) == nil {
			logger.Warn("encoder did not exit, killing", "stream_id", streamID, "pid", pid)
			_ = proc.cmd.Process.Kill()
		}
	})
	s.logger.Info("encoder stopping", "stream_id", streamID, "pid", pid)
	return true
}

// IsActive reports whether a live encoder process exists for the stream. A
// failed liveness probe evicts the registration as a side effect.
func (s *Supervisor) IsActive(streamID string) bool {
	s.mu.Lock()
	proc, ok := s.procs[streamID]
	s.mu.Unlock()
	if !ok {
		return false
	}
	if proc.cmd.Process.Signal(syscall.Signal(0)) != nil {
		s.mu.Lock()
		if current, still := s.procs[streamID]; still && current == proc {
			delete(s.procs, streamID)
		}
		s.mu.Unlock()
		proc.release.Do(func() { s.sem.Release(1) })
		return false
	}
	return true
}

// Cleanup removes the stream's HLS artifacts and directory. Idempotent.
func (s *Supervisor) Cleanup(streamID string) error {
	if streamID == "" || strings.ContainsAny(streamID, "/\\") || strings.Contains(streamID, "..") {
		return fmt.Errorf("invalid stream id %q", streamID)
	}
	if err := os.RemoveAll(s.OutputDir(streamID)); err != nil {
		return fmt.Errorf("remove output directory: %w", err)
	}
	return nil
}

// StopAll stops every registered encoder.
func (s *Supervisor) StopAll() {
	s.mu.Lock()
	ids := make([]string, 0, len(s.procs))
	for id := range s.procs {
		ids = append(ids, id)
	}
	s.mu.Unlock()
	for _, id := range ids {
		s.Stop(id)
	}
}

// Stats reports supervisor occupancy.
func (s *Supervisor) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{Active: len(s.procs), MaxConcurrent: s.maxConcurrent, StorageRoot: s.storageRoot}
}

// ActiveStreams returns the stream ids with a registered encoder.
func (s *Supervisor) ActiveStreams() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.procs))
	for id := range s.procs {
		ids = append(ids, id)
	}
	return ids
}

func stringOrDefault(value, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return value
}

func intOrDefault(value, fallback int) int {
	if value <= 0 {
		return fallback
	}
	return value
}

type logWriter struct {
	logger   *slog.Logger
	streamID string
	stream   string
}

func newLogWriter(logger *slog.Logger, streamID, stream string) *logWriter {
	return &logWriter{logger: logger, streamID: streamID, stream: stream}
}

// Write splits encoder output into lines and forwards them at debug level.
// The supervisor never parses encoder output.
func (w *logWriter) Write(p []byte) (int, error) {
	total := len(p)
	for len(p) > 0 {
		idx := bytes.IndexByte(p, '\n')
		var line []byte
		if idx == -1 {
			line = p
			p = nil
		} else {
			line = p[:idx]
			p = p[idx+1:]
		}
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		w.logger.Debug("encoder output", "stream_id", w.streamID, "fd", w.stream, "line", string(line))
	}
	return total, nil
}
