// Package router implements the orchestr-router server: the HTTP surface
// that accepts job submissions, enqueues them for workers, and serves job
// status reads and WebSocket watches.
package router

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Version is reported by /health and the version subcommand.
const Version = "0.1.0"

// Config holds all configuration for the router, loaded from environment variables.
type Config struct {
	// Server
	Port int    // HTTP listen port (default: 8080)
	Host string // Bind address (default: "0.0.0.0")

	// Redis
	RedisURL          string // Redis connection URL (empty = start embedded miniredis)
	EmbeddedRedis     bool   // True if using embedded miniredis (set by main)
	EmbeddedRedisAddr string // Address of embedded miniredis if started
	KeyPrefix         string // Prefix for all Redis keys (default: "orchestr:")

	// Authentication
	// Argon2id hash of the API key (orc_...). Empty disables authentication,
	// which is only sensible with the embedded Redis on a local machine.
	APIKeyHash   string
	AuthCacheTTL time.Duration // How long to cache key verification results (default: 5m)

	// Jobs
	JobsTTL time.Duration // Job record + queue message TTL (default: 1h)

	// WatchPollInterval is how often the WebSocket watch re-reads the job
	// record when no feed update arrives (default: 2s).
	WatchPollInterval time.Duration
}

// LoadConfig reads configuration from environment variables.
func LoadConfig() (*Config, error) {
	cfg := &Config{
		Port:              envInt("ORCHESTR_PORT", 8080),
		Host:              envStr("ORCHESTR_HOST", "0.0.0.0"),
		RedisURL:          os.Getenv("ORCHESTR_REDIS_URL"), // Empty string = use embedded miniredis
		KeyPrefix:         envStr("ORCHESTR_KEY_PREFIX", "orchestr:"),
		APIKeyHash:        os.Getenv("ORCHESTR_API_KEY_HASH"),
		AuthCacheTTL:      envDuration("ORCHESTR_AUTH_CACHE_TTL", 5*time.Minute),
		JobsTTL:           envDuration("ORCHESTR_JOBS_TTL", time.Hour),
		WatchPollInterval: envDuration("ORCHESTR_WATCH_POLL_INTERVAL", 2*time.Second),
	}

	// Running against a shared Redis without an API key would expose the
	// job API to anyone who can reach the port.
	if cfg.APIKeyHash == "" && cfg.RedisURL != "" {
		return nil, fmt.Errorf("ORCHESTR_API_KEY_HASH is required when ORCHESTR_REDIS_URL is set (run orchestr-router keygen)")
	}

	return cfg, nil
}

// envStr reads an env var with a default value.
func envStr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

// envInt reads an env var as an integer with a default value.
func envInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return n
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
