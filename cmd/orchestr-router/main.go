// Command orchestr-router is the HTTP front of the orchestration service.
//
// It accepts prompt submissions, enqueues them as jobs on Redis Streams for
// orchestr-worker processes, and serves job status reads and WebSocket
// watches against the shared job record store.
//
// Usage:
//
//	# Start the router (embedded Redis, no auth — local development)
//	orchestr-router
//
//	# Generate an API key for a shared deployment
//	orchestr-router keygen
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/joho/godotenv"

	"github.com/PlumyCat/func-orchestr-mcp/internal/router"
	"github.com/PlumyCat/func-orchestr-mcp/pkg/auth"
	"github.com/PlumyCat/func-orchestr-mcp/pkg/logutil"
)

func main() {
	// Load .env if present (silently ignore if missing).
	// Environment variables already set take precedence over .env values.
	_ = godotenv.Load()

	logger := slog.New(slog.NewJSONHandler(
		logutil.Output(os.Stderr),
		&slog.HandlerOptions{Level: slogLevel()},
	))

	// Check for subcommands
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "keygen":
			runKeygen()
			return
		case "version":
			fmt.Println("orchestr-router v" + router.Version)
			return
		case "help", "--help", "-h":
			printHelp()
			return
		}
	}

	// --- Main server ---
	cfg, err := router.LoadConfig()
	if err != nil {
		logger.Error("configuration error", "error", err.Error())
		os.Exit(1)
	}

	// Start embedded miniredis if no REDIS_URL provided
	var miniRedis *miniredis.Miniredis
	if cfg.RedisURL == "" {
		var err error
		miniRedis, err = miniredis.Run()
		if err != nil {
			logger.Error("failed to start embedded redis", "error", err)
			os.Exit(1)
		}
		cfg.RedisURL = "redis://" + miniRedis.Addr()
		cfg.EmbeddedRedis = true
		cfg.EmbeddedRedisAddr = miniRedis.Addr()
		logger.Info("started embedded redis", "addr", miniRedis.Addr())
	}
	defer func() {
		if miniRedis != nil {
			miniRedis.Close()
		}
	}()

	// Miniredis TTLs don't decrease automatically — we must advance time
	// ourselves so job records, feeds, and worker heartbeat keys expire.
	if miniRedis != nil {
		go func() {
			ticker := time.NewTicker(1 * time.Second)
			defer ticker.Stop()
			for range ticker.C {
				miniRedis.FastForward(1 * time.Second)
			}
		}()
	}

	srv, err := router.NewServer(cfg, logger)
	if err != nil {
		logger.Error("server initialization failed", "error", err)
		os.Exit(1)
	}

	// Handle signals for graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := srv.Start(ctx); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}

// runKeygen generates an API key and prints the environment variable to set.
func runKeygen() {
	apiKey, err := auth.GenerateAPIKey()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error generating API key: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("# orchestr API key")
	fmt.Println("#")
	fmt.Println("# SAVE THIS KEY NOW — it will NOT be shown again.")
	fmt.Println("# Give it to API callers as a Bearer token:")
	fmt.Printf("#   %s\n", apiKey.Key)
	fmt.Println("#")
	fmt.Println("# Set the hash on the router:")
	fmt.Printf("ORCHESTR_API_KEY_HASH='%s'\n", apiKey.Hash)
}

// printHelp prints usage information.
func printHelp() {
	fmt.Println(`orchestr-router — async orchestration HTTP router

Usage:
  orchestr-router            Start the router server
  orchestr-router keygen     Generate an API key and print its hash
  orchestr-router version    Print version
  orchestr-router help       Print this help

Environment Variables:
  ORCHESTR_PORT                  HTTP listen port (default: 8080)
  ORCHESTR_HOST                  Bind address (default: 0.0.0.0)
  ORCHESTR_REDIS_URL             Redis URL (optional — uses embedded in-memory Redis if not set)
  ORCHESTR_KEY_PREFIX            Redis key prefix (default: orchestr:)
  ORCHESTR_API_KEY_HASH          Argon2id hash of the API key (required with ORCHESTR_REDIS_URL)
  ORCHESTR_AUTH_CACHE_TTL        Key verification cache TTL (default: 5m)
  ORCHESTR_JOBS_TTL              Job record and queue message TTL (default: 1h)
  ORCHESTR_WATCH_POLL_INTERVAL   WebSocket watch fallback poll interval (default: 2s)
  ORCHESTR_LOG_LEVEL             Log level: debug, info, warn, error (default: info)`)
}

// slogLevel reads ORCHESTR_LOG_LEVEL from the environment.
func slogLevel() slog.Level {
	switch os.Getenv("ORCHESTR_LOG_LEVEL") {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
