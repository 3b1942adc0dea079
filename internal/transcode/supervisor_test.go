package transcode

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"syscall"
	"testing"
	"time"
)

// fakeEncoder writes a stand-in encoder script so tests never need ffmpeg.
func fakeEncoder(t *testing.T, script string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "encoder.sh")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+script+"\n"), 0o755); err != nil {
		t.Fatalf("write fake encoder: %v", err)
	}
	return path
}

func testSupervisor(t *testing.T, cfg Config) *Supervisor {
	t.Helper()
	if cfg.FFmpegPath == "" {
		cfg.FFmpegPath = fakeEncoder(t, "sleep 60")
	}
	if cfg.StorageRoot == "" {
		cfg.StorageRoot = t.TempDir()
	}
	if cfg.StopGrace == 0 {
		cfg.StopGrace = 50 * time.Millisecond
	}
	cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	s := NewSupervisor(cfg)
	t.Cleanup(s.StopAll)
	return s
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v", timeout)
}

func TestStartSpawnsEncoderOnce(t *testing.T) {
	s := testSupervisor(t, Config{})

	if !s.Start("stream_a", "pipe:0") {
		t.Fatalf("expected first start to succeed")
	}
	if s.Start("stream_a", "pipe:0") {
		t.Fatalf("expected duplicate start to be refused")
	}
	if !s.IsActive("stream_a") {
		t.Fatalf("expected encoder to be active")
	}
	if _, err := os.Stat(s.OutputDir("stream_a")); err != nil {
		t.Fatalf("expected output directory, got %v", err)
	}
}

func TestStartRejectsEmptyArguments(t *testing.T) {
	s := testSupervisor(t, Config{})

	if s.Start("", "pipe:0") {
		t.Fatalf("expected empty stream id refused")
	}
	if s.Start("stream_a", "") {
		t.Fatalf("expected empty input refused")
	}
}

func TestConcurrencyCapFreesOnStop(t *testing.T) {
	s := testSupervisor(t, Config{MaxConcurrent: 2})

	if !s.Start("stream_a", "pipe:0") || !s.Start("stream_b", "pipe:0") {
		t.Fatalf("expected two encoders under the cap")
	}
	if s.Start("stream_c", "pipe:0") {
		t.Fatalf("expected third start refused at the cap")
	}

	if !s.Stop("stream_a") {
		t.Fatalf("expected stop to succeed")
	}
	if !s.Start("stream_c", "pipe:0") {
		t.Fatalf("expected capacity released after stop")
	}
}

func TestStopIsNotIdempotent(t *testing.T) {
	s := testSupervisor(t, Config{})

	if !s.Start("stream_a", "pipe:0") {
		t.Fatalf("start failed")
	}
	if !s.Stop("stream_a") {
		t.Fatalf("expected stop to succeed")
	}
	if s.Stop("stream_a") {
		t.Fatalf("expected second stop to report no encoder")
	}
	if s.IsActive("stream_a") {
		t.Fatalf("expected encoder gone after stop")
	}
}

func TestStopKillsStubbornEncoder(t *testing.T) {
	// The script ignores SIGTERM, so only the forced kill ends it.
	s := testSupervisor(t, Config{FFmpegPath: fakeEncoder(t, "trap '' TERM\nsleep 60")})

	if !s.Start("stream_a", "pipe:0") {
		t.Fatalf("start failed")
	}
	s.mu.Lock()
	proc := s.procs["stream_a"]
	s.mu.Unlock()

	if !s.Stop("stream_a") {
		t.Fatalf("stop failed")
	}
	waitFor(t, 2*time.Second, func() bool {
		return proc.cmd.Process.Signal(syscall.Signal(0)) != nil
	})
}

func TestIsActiveEvictsDeadEncoder(t *testing.T) {
	s := testSupervisor(t, Config{FFmpegPath: fakeEncoder(t, "exit 0")})

	if !s.Start("stream_a", "pipe:0") {
		t.Fatalf("start failed")
	}
	waitFor(t, 2*time.Second, func() bool { return !s.IsActive("stream_a") })
	if got := s.Stats().Active; got != 0 {
		t.Fatalf("expected dead encoder evicted, active=%d", got)
	}
	// The slot is released, so a new encoder fits even with a cap of one.
	s2 := testSupervisor(t, Config{FFmpegPath: fakeEncoder(t, "exit 0"), MaxConcurrent: 1})
	if !s2.Start("stream_a", "pipe:0") {
		t.Fatalf("start failed")
	}
	waitFor(t, 2*time.Second, func() bool { return !s2.IsActive("stream_a") })
	if !s2.Start("stream_b", "pipe:0") {
		t.Fatalf("expected capacity back after eviction")
	}
}

func TestCleanupRemovesArtifacts(t *testing.T) {
	s := testSupervisor(t, Config{})

	if !s.Start("stream_a", "pipe:0") {
		t.Fatalf("start failed")
	}
	dir := s.OutputDir("stream_a")
	if err := os.WriteFile(filepath.Join(dir, "playlist.m3u8"), []byte("#EXTM3U\n"), 0o644); err != nil {
		t.Fatalf("write artifact: %v", err)
	}
	s.Stop("stream_a")

	if err := s.Cleanup("stream_a"); err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if _, err := os.Stat(dir); !os.IsNotExist(err) {
		t.Fatalf("expected directory removed, got %v", err)
	}
	// Idempotent.
	if err := s.Cleanup("stream_a"); err != nil {
		t.Fatalf("second cleanup: %v", err)
	}
}

func TestCleanupRejectsPathTraversal(t *testing.T) {
	s := testSupervisor(t, Config{})

	for _, id := range []string{"", "../etc", "a/b", `a\b`, "a..b"} {
		if err := s.Cleanup(id); err == nil {
			t.Fatalf("expected %q rejected", id)
		}
	}
}

func TestStopAllAndStats(t *testing.T) {
	s := testSupervisor(t, Config{MaxConcurrent: 4})

	for _, id := range []string{"a", "b", "c"} {
		if !s.Start(id, "pipe:0") {
			t.Fatalf("start %s failed", id)
		}
	}
	stats := s.Stats()
	if stats.Active != 3 || stats.MaxConcurrent != 4 {
		t.Fatalf("unexpected stats %+v", stats)
	}
	if len(s.ActiveStreams()) != 3 {
		t.Fatalf("expected three active streams, got %v", s.ActiveStreams())
	}

	s.StopAll()
	if got := s.Stats().Active; got != 0 {
		t.Fatalf("expected none active after StopAll, got %d", got)
	}
}

func TestReaperReportsDeadEncoders(t *testing.T) {
	s := testSupervisor(t, Config{FFmpegPath: fakeEncoder(t, "exit 0")})

	if !s.Start("stream_a", "pipe:0") {
		t.Fatalf("start failed")
	}

	dead := make(chan string, 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.RunReaper(ctx, 20*time.Millisecond, func(streamID string) {
		select {
		case dead <- streamID:
		default:
		}
	})

	select {
	case id := <-dead:
		if id != "stream_a" {
			t.Fatalf("expected stream_a reported, got %q", id)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("reaper never reported the dead encoder")
	}
}
