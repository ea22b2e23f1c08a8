// Package worker implements the orchestr-worker binary: a queue consumer
// that claims jobs, drives the mode router and the tool-call loop against
// the generation service, and streams progress into the job record store.
package worker

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/PlumyCat/func-orchestr-mcp/pkg/routing"
	pkgtools "github.com/PlumyCat/func-orchestr-mcp/pkg/tools"
)

// defaultSystemPrompt is used when no prompt URL or file is configured.
// The {{today}} placeholder is substituted at load time.
const defaultSystemPrompt = `You are a helpful assistant for document workflows and general questions.
You can call tools to search the web for current information and to manage
the user's document space (templates, images, Word-to-PDF conversion).
Answer in the user's language. Today is {{today}}.`

// Config holds all configuration for the worker, loaded from environment variables.
type Config struct {
	// Identity
	WorkerID string // Consumer name in the Redis Streams group (default: hostname-pid)

	// Redis
	RedisURL  string // Redis connection URL (required — the worker has no embedded fallback)
	KeyPrefix string // Prefix for all Redis keys (default: "orchestr:")

	// Generation service
	ResponsesURL    string        // Base URL of the Responses-style API (required)
	ResponsesAPIKey string        // Bearer token for the generation service
	RequestTimeout  time.Duration // Per-request HTTP timeout (default: 120s)
	PollInterval    time.Duration // in_progress poll interval (default: 1.5s)
	PollDeadline    time.Duration // Max time to wait out in_progress (default: 3m)

	// Model policy — mode→model table, configuration not logic
	Models routing.ModelTable

	// Tool backends
	SearchURL   string        // Realtime search backend; empty disables search_web
	DocsvcURL   string        // Document-service base URL; empty disables the docsvc battery
	ToolTimeout time.Duration // Per-tool-call HTTP timeout (default: 30s)

	// ToolCredentials maps tool names to their credential maps.
	// Populated from ORCHESTR_TOOLS_{TOOL_NAME}__{VAR_NAME} environment variables.
	ToolCredentials map[string]map[string]string

	// Lifetimes
	JobsTTL         time.Duration // Job record / queue message TTL (default: 1h)
	ConversationTTL time.Duration // Conversation memory TTL (default: 24h)

	// Timeouts
	HeartbeatInterval time.Duration // How often this worker pings its heartbeat key (default: 15s)
	DeadWorkerTimeout time.Duration // Heartbeat TTL — silence past this means dead (default: 45s)
	SweepInterval     time.Duration // How often to scan for jobs stuck on dead workers (default: 30s)
	ReadBlock         time.Duration // XREADGROUP block timeout per read (default: 5s)

	// SystemPrompt is the resolved instruction text sent with every request.
	SystemPrompt string
}

// LoadConfig reads configuration from environment variables.
//
// System prompt resolution order:
//  1. ORCHESTR_SYSTEM_PROMPT_URL — fetched once at startup
//  2. ORCHESTR_SYSTEM_PROMPT_FILE — read from disk
//  3. built-in default
//
// The {{today}} placeholder in the prompt is replaced with the current date.
func LoadConfig() (*Config, error) {
	cfg := &Config{
		WorkerID:          envStr("ORCHESTR_WORKER_ID", defaultWorkerID()),
		RedisURL:          os.Getenv("ORCHESTR_REDIS_URL"),
		KeyPrefix:         envStr("ORCHESTR_KEY_PREFIX", "orchestr:"),
		ResponsesURL:      os.Getenv("ORCHESTR_RESPONSES_URL"),
		ResponsesAPIKey:   os.Getenv("ORCHESTR_RESPONSES_API_KEY"),
		RequestTimeout:    envDuration("ORCHESTR_REQUEST_TIMEOUT", 120*time.Second),
		PollInterval:      envDuration("ORCHESTR_POLL_INTERVAL", 1500*time.Millisecond),
		PollDeadline:      envDuration("ORCHESTR_POLL_DEADLINE", 3*time.Minute),
		SearchURL:         os.Getenv("ORCHESTR_SEARCH_URL"),
		DocsvcURL:         os.Getenv("ORCHESTR_DOCSVC_URL"),
		ToolTimeout:       envDuration("ORCHESTR_TOOL_TIMEOUT", 30*time.Second),
		JobsTTL:           envDuration("ORCHESTR_JOBS_TTL", time.Hour),
		ConversationTTL:   envDuration("ORCHESTR_CONVERSATION_TTL", 24*time.Hour),
		HeartbeatInterval: envDuration("ORCHESTR_HEARTBEAT_INTERVAL", 15*time.Second),
		DeadWorkerTimeout: envDuration("ORCHESTR_DEAD_WORKER_TIMEOUT", 45*time.Second),
		SweepInterval:     envDuration("ORCHESTR_SWEEP_INTERVAL", 30*time.Second),
		ReadBlock:         envDuration("ORCHESTR_READ_BLOCK", 5*time.Second),
		Models: routing.ModelTable{
			Trivial:  envStr("ORCHESTR_MODEL_TRIVIAL", "gpt-5-mini"),
			Standard: envStr("ORCHESTR_MODEL_STANDARD", "gpt-5-chat"),
			Deep:     envStr("ORCHESTR_MODEL_DEEP", "gpt-4.1"),
			Tools:    envStr("ORCHESTR_MODEL_TOOLS", "gpt-5-chat"),
		},
	}

	if cfg.RedisURL == "" {
		return nil, fmt.Errorf("ORCHESTR_REDIS_URL is required")
	}
	if cfg.ResponsesURL == "" {
		return nil, fmt.Errorf("ORCHESTR_RESPONSES_URL is required")
	}

	prompt, err := resolveSystemPrompt()
	if err != nil {
		return nil, err
	}
	cfg.SystemPrompt = strings.ReplaceAll(prompt, "{{today}}", time.Now().Format("2006-01-02"))

	cfg.ToolCredentials = pkgtools.ParseToolCredentials()

	return cfg, nil
}

// resolveSystemPrompt returns the raw (pre-substitution) system prompt text.
func resolveSystemPrompt() (string, error) {
	if url := os.Getenv("ORCHESTR_SYSTEM_PROMPT_URL"); url != "" {
		client := &http.Client{Timeout: 15 * time.Second}
		resp, err := client.Get(url)
		if err != nil {
			return "", fmt.Errorf("fetching system prompt from %s: %w", url, err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return "", fmt.Errorf("fetching system prompt from %s: status %d", url, resp.StatusCode)
		}
		body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err != nil {
			return "", fmt.Errorf("reading system prompt body: %w", err)
		}
		return string(body), nil
	}

	if file := os.Getenv("ORCHESTR_SYSTEM_PROMPT_FILE"); file != "" {
		body, err := os.ReadFile(file)
		if err != nil {
			return "", fmt.Errorf("reading system prompt file %q: %w", file, err)
		}
		return string(body), nil
	}

	return defaultSystemPrompt, nil
}

// defaultWorkerID builds a stable-enough consumer name from hostname + pid.
func defaultWorkerID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "worker"
	}
	return fmt.Sprintf("%s-%d", host, os.Getpid())
}

// envStr reads an env var with a default value.
func envStr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

// envDuration reads an env var as a duration string (e.g., "15s", "5m") with a default.
func envDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}
