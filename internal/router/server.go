package router

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/PlumyCat/func-orchestr-mcp/pkg/auth"
	"github.com/PlumyCat/func-orchestr-mcp/pkg/jobstore"
	"github.com/PlumyCat/func-orchestr-mcp/pkg/queue"
)

// Server is the top-level router server that owns all subsystems.
type Server struct {
	config      *Config
	httpServer  *http.Server
	apiHandler  *APIHandler
	redisClient *redis.Client
	logger      *slog.Logger
}

// NewServer creates a fully wired router server from configuration.
//
// Architecture:
//   - Submissions become queued job records plus entries on a Redis Stream
//   - Workers form the "workers" consumer group on that stream
//   - Status reads come straight from the record store; the WebSocket watch
//     follows the per-job status feed the worker publishes to
func NewServer(cfg *Config, logger *slog.Logger) (*Server, error) {
	// --- Redis ---
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("parsing REDIS_URL: %w", err)
	}
	redisClient := redis.NewClient(opts)

	// Verify connectivity
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connecting to Redis: %w", err)
	}

	// --- Auth ---
	var verifier *auth.Verifier
	if cfg.APIKeyHash != "" {
		verifier = auth.NewVerifier(cfg.APIKeyHash, cfg.AuthCacheTTL)
	} else {
		logger.Warn("no API key hash configured, authentication disabled")
	}

	// --- Storage + queue ---
	store := jobstore.New(redisClient, cfg.KeyPrefix, cfg.JobsTTL)
	jobQueue := queue.NewJobQueue(redisClient, cfg.KeyPrefix+"jobs", "workers")
	feed := queue.NewStatusFeed(redisClient, cfg.KeyPrefix)

	// Workers create the group too, but the router must accept submissions
	// before the first worker ever connects.
	if err := jobQueue.EnsureGroup(context.Background()); err != nil {
		return nil, fmt.Errorf("creating job queue consumer group: %w", err)
	}

	apiHandler := NewAPIHandler(verifier, store, jobQueue, feed, cfg, logger.With("component", "api"))

	// --- HTTP mux ---
	mux := http.NewServeMux()
	mux.Handle("/api/", apiHandler)
	mux.Handle("/health", apiHandler)
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeErrorJSON(w, http.StatusNotFound, "not_found", "endpoint not found")
	})

	handler := withCORS(requestLogger(mux, logger))

	httpServer := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return &Server{
		config:      cfg,
		httpServer:  httpServer,
		apiHandler:  apiHandler,
		redisClient: redisClient,
		logger:      logger,
	}, nil
}

// Start begins serving HTTP connections. It blocks until the context is
// cancelled or the server encounters an error.
func (s *Server) Start(ctx context.Context) error {
	s.logger.Info("orchestr-router starting",
		"addr", s.httpServer.Addr,
		"redis", s.config.RedisURL,
		"embedded_redis", s.config.EmbeddedRedis,
	)

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("HTTP server error: %w", err)
		}
	}

	return s.Shutdown()
}

// Shutdown gracefully stops the server and cleans up resources.
func (s *Server) Shutdown() error {
	s.logger.Info("shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		s.logger.Error("HTTP shutdown error", "error", err)
	}

	if err := s.redisClient.Close(); err != nil {
		s.logger.Error("Redis close error", "error", err)
	}

	s.logger.Info("shutdown complete")
	return nil
}

// statusRecorder captures the response status for the request log.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (sr *statusRecorder) WriteHeader(status int) {
	sr.status = status
	sr.ResponseWriter.WriteHeader(status)
}

// requestLogger logs one line per request: method, path, status, duration.
func requestLogger(next http.Handler, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// WebSocket upgrades hijack the connection; wrapping the writer
		// would break the upgrade, so log those on the way in instead.
		if r.Header.Get("Upgrade") == "websocket" {
			logger.Info("request", "method", r.Method, "path", r.URL.Path, "websocket", true)
			next.ServeHTTP(w, r)
			return
		}

		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	})
}

// withCORS allows browser clients on other origins to poll job status.
func withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
		w.Header().Set("Access-Control-Expose-Headers", "Retry-After")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
