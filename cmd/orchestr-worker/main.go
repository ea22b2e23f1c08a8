// Command orchestr-worker is the queue consumer binary.
//
// Lifecycle:
//  1. Connect to Redis → join the "workers" consumer group
//  2. Drain any entries still pending from a previous run of this consumer
//  3. Block on the job stream, one job at a time
//  4. For each job: route the mode, drive the generation service (with the
//     tool loop when tools are allowed), merge progress into the job record
//  5. Heartbeat continuously; a sweeper reclaims jobs from dead consumers
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/PlumyCat/func-orchestr-mcp/internal/worker"
	"github.com/PlumyCat/func-orchestr-mcp/pkg/logutil"
)

func main() {
	_ = godotenv.Load()

	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "version":
			fmt.Println("orchestr-worker v0.1.0")
			return
		case "help", "--help", "-h":
			printHelp()
			return
		}
	}

	logger := slog.New(slog.NewJSONHandler(
		logutil.Output(os.Stderr),
		&slog.HandlerOptions{Level: slogLevel()},
	))

	cfg, err := worker.LoadConfig()
	if err != nil {
		logger.Error("configuration error", "error", err.Error())
		os.Exit(1)
	}

	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		logger.Error("invalid ORCHESTR_REDIS_URL", "error", err.Error())
		os.Exit(1)
	}
	rdb := redis.NewClient(opts)
	defer rdb.Close()

	w := worker.New(cfg, rdb, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := w.Run(ctx); err != nil && ctx.Err() == nil {
		logger.Error("worker error", "error", err)
		os.Exit(1)
	}
}

// printHelp prints usage information.
func printHelp() {
	fmt.Println(`orchestr-worker — async orchestration queue consumer

Usage:
  orchestr-worker            Start the worker
  orchestr-worker version    Print version
  orchestr-worker help       Print this help

Environment Variables:
  ORCHESTR_REDIS_URL             Redis URL (required)
  ORCHESTR_KEY_PREFIX            Redis key prefix (default: orchestr:)
  ORCHESTR_WORKER_ID             Consumer name (default: hostname-pid)
  ORCHESTR_RESPONSES_URL         Generation service base URL (required)
  ORCHESTR_RESPONSES_API_KEY     Generation service API key
  ORCHESTR_REQUEST_TIMEOUT       Per-request HTTP timeout (default: 120s)
  ORCHESTR_POLL_INTERVAL         Response poll interval (default: 1.5s)
  ORCHESTR_POLL_DEADLINE         Response poll deadline (default: 3m)
  ORCHESTR_MODEL_TRIVIAL         Model for trivial prompts (default: gpt-5-mini)
  ORCHESTR_MODEL_STANDARD        Model for standard prompts (default: gpt-5-chat)
  ORCHESTR_MODEL_DEEP            Model for deep-reasoning prompts (default: gpt-4.1)
  ORCHESTR_MODEL_TOOLS           Model for tool-augmented prompts (default: gpt-5-chat)
  ORCHESTR_SEARCH_URL            Web search backend URL
  ORCHESTR_DOCSVC_URL            Document service base URL
  ORCHESTR_TOOL_TIMEOUT          Per-tool execution timeout (default: 30s)
  ORCHESTR_JOBS_TTL              Job record TTL (default: 1h)
  ORCHESTR_CONVERSATION_TTL      Conversation history TTL (default: 24h)
  ORCHESTR_HEARTBEAT_INTERVAL    Worker heartbeat interval (default: 15s)
  ORCHESTR_DEAD_WORKER_TIMEOUT   Dead worker threshold (default: 45s)
  ORCHESTR_SWEEP_INTERVAL        Pending-entry sweep interval (default: 30s)
  ORCHESTR_SYSTEM_PROMPT_URL     Fetch the system prompt from a URL
  ORCHESTR_SYSTEM_PROMPT_FILE    Read the system prompt from a file
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
