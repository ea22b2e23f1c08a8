package router

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/PlumyCat/func-orchestr-mcp/pkg/auth"
	"github.com/PlumyCat/func-orchestr-mcp/pkg/jobstore"
	"github.com/PlumyCat/func-orchestr-mcp/pkg/protocol"
	"github.com/PlumyCat/func-orchestr-mcp/pkg/queue"
)

// APIHandler handles the job API under /api/.
//
// All /api/ endpoints require Bearer token authentication against the
// configured Argon2id key hash; /health does not. The handler turns
// submissions into queued job records plus queue entries, and serves status
// reads straight from the record store.
type APIHandler struct {
	verifier *auth.Verifier // nil means auth is disabled (embedded/local mode)
	store    *jobstore.Store
	jobQueue *queue.JobQueue
	feed     *queue.StatusFeed
	config   *Config
	logger   *slog.Logger
}

// NewAPIHandler creates the job API handler.
func NewAPIHandler(
	verifier *auth.Verifier,
	store *jobstore.Store,
	jobQueue *queue.JobQueue,
	feed *queue.StatusFeed,
	config *Config,
	logger *slog.Logger,
) *APIHandler {
	return &APIHandler{
		verifier: verifier,
		store:    store,
		jobQueue: jobQueue,
		feed:     feed,
		config:   config,
		logger:   logger,
	}
}

// ServeHTTP routes incoming requests to the appropriate handler.
//
//	POST /api/orchestrate/start   - submit a job with tool access
//	POST /api/ask/start           - submit a plain-generation job
//	GET  /api/jobs/{id}           - job status (client-facing remap)
//	GET  /api/jobs/{id}/watch     - WebSocket live status until terminal
//	GET  /health                  - liveness + queue depth (no auth)
func (h *APIHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Path
	method := r.Method

	switch {
	// --- Health (no auth) ---
	case method == http.MethodGet && path == "/health":
		h.handleHealth(w, r)

	// --- Submission ---
	case method == http.MethodPost && path == "/api/orchestrate/start":
		h.handleStart(w, r, protocol.KindOrchestrate)

	case method == http.MethodPost && path == "/api/ask/start":
		h.handleStart(w, r, protocol.KindAsk)

	// --- Status ---
	case strings.HasPrefix(path, "/api/jobs/"):
		rest := strings.TrimPrefix(path, "/api/jobs/")
		switch {
		case method == http.MethodGet && strings.HasSuffix(rest, "/watch"):
			h.handleWatch(w, r, strings.TrimSuffix(rest, "/watch"))
		case method == http.MethodGet && !strings.Contains(rest, "/"):
			h.handleJobStatus(w, r, rest)
		default:
			writeErrorJSON(w, http.StatusNotFound, "not_found", "endpoint not found")
		}

	default:
		h.logger.Info("404 not found",
			"method", method,
			"path", path,
			"remote", r.RemoteAddr,
		)
		writeErrorJSON(w, http.StatusNotFound, "not_found", "endpoint not found")
	}
}

// --- Auth helper ---

// requireAuth checks the Bearer token and returns true if authorized.
// Writes an error response and returns false otherwise. A nil verifier
// (no key hash configured, embedded mode) allows everything.
func (h *APIHandler) requireAuth(w http.ResponseWriter, r *http.Request) bool {
	if h.verifier == nil {
		return true
	}
	apiKey := extractBearerToken(r)
	if apiKey == "" {
		writeErrorJSON(w, http.StatusUnauthorized, "authentication_error", "missing Bearer token")
		return false
	}
	valid, err := h.verifier.VerifyAPIKey(apiKey)
	if err != nil || !valid {
		writeErrorJSON(w, http.StatusUnauthorized, "authentication_error", "invalid API key")
		return false
	}
	return true
}

// --- Submission ---

type startResponse struct {
	JobID         string `json:"job_id"`
	Status        string `json:"status"`
	RetryAfterSec int    `json:"retry_after_sec"`
}

// handleStart accepts a job submission, creates the queued record, stores
// the raw request, and enqueues the payload. The reply tells the client to
// start polling.
func (h *APIHandler) handleStart(w http.ResponseWriter, r *http.Request, kind protocol.JobKind) {
	if !h.requireAuth(w, r) {
		return
	}

	var body protocol.RequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeErrorJSON(w, http.StatusBadRequest, "invalid_request_error", fmt.Sprintf("invalid JSON body: %v", err))
		return
	}
	if strings.TrimSpace(body.Prompt) == "" {
		writeErrorJSON(w, http.StatusBadRequest, "invalid_request_error", "prompt is required")
		return
	}

	jobID := "job-" + uuid.NewString()
	if body.ConversationID == "" {
		body.ConversationID = fmt.Sprintf("%s_%s", body.UserID, uuid.NewString())
	}

	ctx := r.Context()
	now := time.Now().UTC()

	rec := &protocol.JobRecord{
		ID:        jobID,
		Status:    protocol.StatusQueued,
		Progress:  0,
		Message:   "preparing",
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := h.store.Create(ctx, rec); err != nil {
		h.logger.Error("creating job record", "job_id", jobID, "error", err)
		writeErrorJSON(w, http.StatusInternalServerError, "internal_error", "failed to create job")
		return
	}
	if err := h.store.PutRequest(ctx, jobID, &body); err != nil {
		h.logger.Error("storing job request", "job_id", jobID, "error", err)
		writeErrorJSON(w, http.StatusInternalServerError, "internal_error", "failed to create job")
		return
	}

	payload := &protocol.JobPayload{
		JobID:      jobID,
		Kind:       kind,
		Body:       body,
		EnqueuedAt: now,
		ExpiresAt:  now.Add(h.config.JobsTTL),
	}
	if _, err := h.jobQueue.Enqueue(ctx, payload); err != nil {
		h.logger.Error("enqueueing job", "job_id", jobID, "error", err)
		writeErrorJSON(w, http.StatusInternalServerError, "internal_error", "failed to enqueue job")
		return
	}

	h.logger.Info("job submitted",
		"job_id", jobID,
		"kind", kind,
		"user_id", body.UserID,
		"conversation_id", body.ConversationID,
	)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(startResponse{
		JobID:         jobID,
		Status:        string(protocol.StatusQueued),
		RetryAfterSec: 3,
	})
}

// --- Status ---

// handleJobStatus returns the client-facing view of a job record, with a
// Retry-After hint while the job is still in flight.
func (h *APIHandler) handleJobStatus(w http.ResponseWriter, r *http.Request, jobID string) {
	if !h.requireAuth(w, r) {
		return
	}

	rec, err := h.store.Get(r.Context(), jobID)
	if err != nil {
		if errors.Is(err, jobstore.ErrNotFound) {
			writeErrorJSON(w, http.StatusNotFound, "not_found", "job not found")
			return
		}
		h.logger.Error("reading job record", "job_id", jobID, "error", err)
		writeErrorJSON(w, http.StatusInternalServerError, "internal_error", "failed to read job")
		return
	}

	view := protocol.ClientView(rec)
	w.Header().Set("Content-Type", "application/json")
	if view.RetryAfterSec > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(view.RetryAfterSec))
	}
	json.NewEncoder(w).Encode(view)
}

// --- Health ---

type healthResponse struct {
	Status     string `json:"status"`
	QueueDepth int64  `json:"queue_depth"`
	Version    string `json:"version"`
}

// handleHealth returns router status for load balancers and probes.
func (h *APIHandler) handleHealth(w http.ResponseWriter, r *http.Request) {
	depth, err := h.jobQueue.Len(r.Context())
	if err != nil {
		h.logger.Error("reading queue depth", "error", err)
		writeErrorJSON(w, http.StatusServiceUnavailable, "unavailable", "queue unreachable")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(healthResponse{
		Status:     "ok",
		QueueDepth: depth,
		Version:    Version,
	})
}

// --- Helpers ---

// extractBearerToken pulls the token out of the Authorization header.
// Returns "" if the header is missing or malformed.
func extractBearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if auth == "" {
		return ""
	}
	const prefix = "Bearer "
	if !strings.HasPrefix(auth, prefix) {
		return ""
	}
	return strings.TrimSpace(auth[len(prefix):])
}

type errorEnvelope struct {
	Error errorBody `json:"error"`
}

type errorBody struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}

// writeErrorJSON writes an error response with a structured envelope.
func writeErrorJSON(w http.ResponseWriter, status int, errType, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(errorEnvelope{Error: errorBody{Message: message, Type: errType}})
}
