// Command server starts the fabriq-live signaling and delivery service.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"fabriq-live/internal/archive"
	"fabriq-live/internal/chat"
	"fabriq-live/internal/hls"
	"fabriq-live/internal/kv"
	"fabriq-live/internal/observability/logging"
	"fabriq-live/internal/observability/metrics"
	"fabriq-live/internal/server"
	"fabriq-live/internal/serverutil"
	"fabriq-live/internal/signaling"
	"fabriq-live/internal/stream"
	"fabriq-live/internal/transcode"
	"fabriq-live/internal/viewers"
)

const envPrefix = "FABRIQ_LIVE_"

func main() {
	// .env files are a development convenience; absence is not an error.
	_ = godotenv.Load()

	addr := flag.String("addr", "", "HTTP listen address")
	logLevel := flag.String("log-level", "", "log level (debug, info, warn, error)")
	logFormat := flag.String("log-format", "", "log format (json or text)")
	tlsCert := flag.String("tls-cert", "", "path to TLS certificate file")
	tlsKey := flag.String("tls-key", "", "path to TLS private key file")

	redisAddr := flag.String("redis-addr", "", "Redis address backing the shared KV state")
	redisUsername := flag.String("redis-username", "", "Redis username")
	redisPassword := flag.String("redis-password", "", "Redis password")
	redisDB := flag.Int("redis-db", 0, "Redis logical database")
	postgresDSN := flag.String("postgres-dsn", "", "Postgres DSN for the stream archive (empty disables archiving)")

	hlsStoragePath := flag.String("hls-storage-path", "", "directory holding per-stream HLS output")
	hlsSegmentDuration := flag.Int("hls-segment-duration", 0, "HLS segment duration in seconds")
	hlsPlaylistSize := flag.Int("hls-playlist-size", 0, "HLS sliding window size in segments")
	maxConcurrentTranscodes := flag.Int("max-concurrent-transcodes", 0, "maximum simultaneous ffmpeg processes")
	ffmpegPath := flag.String("ffmpeg-path", "", "path to the ffmpeg binary")
	reapInterval := flag.Duration("reap-interval", 0, "interval between encoder liveness sweeps")

	streamKeyTTL := flag.Duration("stream-key-ttl", 0, "lifetime of issued stream keys")
	viewerTTL := flag.Duration("viewer-ttl", 0, "viewer presence heartbeat TTL")
	chatSlowMode := flag.Duration("chat-slow-mode", 0, "minimum delay between chat messages per user (0 disables)")
	chatMaxMessageLength := flag.Int("chat-max-message-length", 0, "maximum chat message length in runes")

	globalRPS := flag.Float64("rate-global-rps", 0, "global request rate limit in requests per second")
	globalBurst := flag.Int("rate-global-burst", 0, "global rate limit burst allowance")
	flag.Parse()

	logger := logging.Init(logging.Config{
		Level:  resolveString(*logLevel, "LOG_LEVEL", "info"),
		Format: resolveString(*logFormat, "LOG_FORMAT", "json"),
	})
	recorder := metrics.Default()

	store, err := kv.NewRedis(kv.RedisConfig{
		Addr:     resolveString(*redisAddr, "REDIS_ADDR", "127.0.0.1:6379"),
		Username: resolveString(*redisUsername, "REDIS_USERNAME", ""),
		Password: resolveString(*redisPassword, "REDIS_PASSWORD", ""),
		DB:       resolveInt(*redisDB, "REDIS_DB"),
	})
	if err != nil {
		logger.Error("failed to initialise redis", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Warn("failed to close redis", "error", err)
		}
	}()

	pingCtx, pingCancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := store.Ping(pingCtx); err != nil {
		logger.Warn("redis not reachable at startup", "error", err)
	}
	pingCancel()

	var repo *archive.StreamRepository
	dsn := resolveString(*postgresDSN, "POSTGRES_DSN", "")
	if dsn != "" {
		connectCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		repo, err = archive.NewStreamRepository(connectCtx, dsn)
		cancel()
		if err != nil {
			logger.Error("failed to initialise stream archive", "error", err)
			os.Exit(1)
		}
		logger.Info("stream archive enabled")
	}

	manager := stream.NewManager(stream.Config{
		Store:   store,
		Archive: archiveOrNil(repo),
		KeyTTL:  resolveDuration(*streamKeyTTL, "STREAM_KEY_TTL", stream.DefaultKeyTTL),
		Logger:  logging.WithComponent(logger, "stream"),
	})

	tracker := viewers.NewTracker(viewers.Config{
		Store: store,
		TTL:   resolveDuration(*viewerTTL, "VIEWER_TTL", viewers.DefaultTTL),
	})

	moderator := chat.NewModerator(chat.Config{
		Store:            store,
		SlowMode:         resolveDuration(*chatSlowMode, "CHAT_SLOW_MODE", 0),
		MaxMessageLength: resolveInt(*chatMaxMessageLength, "CHAT_MAX_MESSAGE_LENGTH"),
		Logger:           logging.WithComponent(logger, "chat"),
	})

	supervisor := transcode.NewSupervisor(transcode.Config{
		FFmpegPath:      resolveString(*ffmpegPath, "FFMPEG_PATH", ""),
		StorageRoot:     resolveString(*hlsStoragePath, "HLS_STORAGE_PATH", ""),
		SegmentDuration: resolveInt(*hlsSegmentDuration, "HLS_SEGMENT_DURATION"),
		PlaylistSize:    resolveInt(*hlsPlaylistSize, "HLS_PLAYLIST_SIZE"),
		MaxConcurrent:   resolveInt(*maxConcurrentTranscodes, "MAX_CONCURRENT_TRANSCODES"),
		Logger:          logging.WithComponent(logger, "transcode"),
	})

	router := signaling.NewRouter(signaling.Config{
		Keys:     manager,
		Presence: tracker,
		Chat:     moderator,
		Logger:   logging.WithComponent(logger, "signaling"),
		Metrics:  recorder,
	})

	origin := hls.NewOrigin(hls.Config{
		StorageRoot: supervisor.Stats().StorageRoot,
		Logger:      logging.WithComponent(logger, "hls"),
	})

	srv, err := server.New(server.Config{
		Addr: resolveString(*addr, "ADDR", ":8080"),
		TLS: server.TLSConfig{
			CertFile: resolveString(*tlsCert, "TLS_CERT", ""),
			KeyFile:  resolveString(*tlsKey, "TLS_KEY", ""),
		},
		RateLimit: server.RateLimitConfig{
			GlobalRPS:   resolveFloat(*globalRPS, "RATE_GLOBAL_RPS"),
			GlobalBurst: resolveInt(*globalBurst, "RATE_GLOBAL_BURST"),
		},
		Logger:     logging.WithComponent(logger, "http"),
		Metrics:    recorder,
		Manager:    manager,
		Supervisor: supervisor,
		Tracker:    tracker,
		Moderator:  moderator,
		Router:     router,
		Origin:     origin,
		Historian:  historianOrNil(repo),
	})
	if err != nil {
		logger.Error("failed to initialise server", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go supervisor.RunReaper(ctx, resolveDuration(*reapInterval, "REAP_INTERVAL", transcode.DefaultReapInterval), func(streamID string) {
		recorder.ObserveTranscodeEvent("reap", "error")
		endCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		ended, err := manager.EndStream(endCtx, streamID)
		if err != nil {
			logger.Error("failed to end stream after encoder death", "stream_id", streamID, "error", err)
			return
		}
		if ended {
			recorder.StreamStopped()
		}
		if err := supervisor.Cleanup(streamID); err != nil {
			logger.Warn("failed to clean stream directory", "stream_id", streamID, "error", err)
		}
	})

	logger.Info("fabriq-live listening", "addr", srv.HTTPServer().Addr)
	runErr := serverutil.Run(ctx, serverutil.Config{
		Server: srv.HTTPServer(),
		TLS: serverutil.TLSConfig{
			CertFile: resolveString(*tlsCert, "TLS_CERT", ""),
			KeyFile:  resolveString(*tlsKey, "TLS_KEY", ""),
		},
	})
	if runErr != nil {
		logger.Error("server error", "error", runErr)
	}

	supervisor.StopAll()

	if repo != nil {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := repo.Close(closeCtx); err != nil {
			logger.Warn("failed to close stream archive", "error", err)
		}
		cancel()
	}

	logger.Info("server stopped")
	if runErr != nil {
		os.Exit(1)
	}
}

// archiveOrNil avoids storing a typed nil in the manager's Archive interface.
func archiveOrNil(repo *archive.StreamRepository) stream.Archive {
	if repo == nil {
		return nil
	}
	return repo
}

func historianOrNil(repo *archive.StreamRepository) server.Historian {
	if repo == nil {
		return nil
	}
	return repo
}

func resolveString(flagValue, envKey, fallback string) string {
	if trimmed := strings.TrimSpace(flagValue); trimmed != "" {
		return trimmed
	}
	if env := strings.TrimSpace(os.Getenv(envPrefix + envKey)); env != "" {
		return env
	}
	return fallback
}

func resolveInt(flagValue int, envKey string) int {
	if flagValue > 0 {
		return flagValue
	}
	if env := strings.TrimSpace(os.Getenv(envPrefix + envKey)); env != "" {
		if value, err := strconv.Atoi(env); err == nil {
			return value
		}
	}
	return 0
}

func resolveFloat(flagValue float64, envKey string) float64 {
	if flagValue > 0 {
		return flagValue
	}
	if env := strings.TrimSpace(os.Getenv(envPrefix + envKey)); env != "" {
		if value, err := strconv.ParseFloat(env, 64); err == nil {
			return value
		}
	}
	return 0
}

func resolveDuration(flagValue time.Duration, envKey string, fallback time.Duration) time.Duration {
	if flagValue > 0 {
		return flagValue
	}
	if env := strings.TrimSpace(os.Getenv(envPrefix + envKey)); env != "" {
		if value, err := time.ParseDuration(env); err == nil {
			return value
		}
		if seconds, err := strconv.Atoi(env); err == nil && seconds > 0 {
			return time.Duration(seconds) * time.Second
		}
	}
	return fallback
}
