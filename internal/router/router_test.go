package router

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"

	"github.com/PlumyCat/func-orchestr-mcp/pkg/auth"
	"github.com/PlumyCat/func-orchestr-mcp/pkg/jobstore"
	"github.com/PlumyCat/func-orchestr-mcp/pkg/protocol"
	"github.com/PlumyCat/func-orchestr-mcp/pkg/queue"
)

type testRouter struct {
	handler *APIHandler
	store   *jobstore.Store
	queue   *queue.JobQueue
	feed    *queue.StatusFeed
	client  *redis.Client
}

func newTestRouter(t *testing.T, verifier *auth.Verifier) *testRouter {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	cfg := &Config{
		KeyPrefix:         "test:",
		JobsTTL:           time.Hour,
		WatchPollInterval: 50 * time.Millisecond,
	}

	store := jobstore.New(client, cfg.KeyPrefix, cfg.JobsTTL)
	jobQueue := queue.NewJobQueue(client, cfg.KeyPrefix+"jobs", "workers")
	feed := queue.NewStatusFeed(client, cfg.KeyPrefix)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	handler := NewAPIHandler(verifier, store, jobQueue, feed, cfg, logger)

	return &testRouter{
		handler: handler,
		store:   store,
		queue:   jobQueue,
		feed:    feed,
		client:  client,
	}
}

func postJSON(t *testing.T, handler http.Handler, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshaling body: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(data))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestStartCreatesQueuedJob(t *testing.T) {
	tr := newTestRouter(t, nil)

	rec := postJSON(t, tr.handler, "/api/orchestrate/start", map[string]any{
		"prompt":  "summarize the quarterly report",
		"user_id": "alice",
	})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}

	var resp startResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("parsing response: %v", err)
	}
	if !strings.HasPrefix(resp.JobID, "job-") {
		t.Errorf("expected job- prefixed ID, got %q", resp.JobID)
	}
	if resp.Status != "queued" {
		t.Errorf("expected status queued, got %q", resp.Status)
	}
	if resp.RetryAfterSec != 3 {
		t.Errorf("expected retry_after_sec 3, got %d", resp.RetryAfterSec)
	}

	ctx := t.Context()

	record, err := tr.store.Get(ctx, resp.JobID)
	if err != nil {
		t.Fatalf("reading record: %v", err)
	}
	if record.Status != protocol.StatusQueued {
		t.Errorf("expected queued record, got %s", record.Status)
	}
	if record.Progress != 0 {
		t.Errorf("expected progress 0, got %d", record.Progress)
	}
	if record.Message != "preparing" {
		t.Errorf("expected message preparing, got %q", record.Message)
	}

	depth, err := tr.queue.Len(ctx)
	if err != nil {
		t.Fatalf("reading queue depth: %v", err)
	}
	if depth != 1 {
		t.Errorf("expected 1 queued payload, got %d", depth)
	}

	stored, err := tr.store.GetRequest(ctx, resp.JobID)
	if err != nil {
		t.Fatalf("reading stored request: %v", err)
	}
	if stored.Prompt != "summarize the quarterly report" {
		t.Errorf("stored prompt = %q", stored.Prompt)
	}
	if !strings.HasPrefix(stored.ConversationID, "alice_") {
		t.Errorf("expected defaulted conversation_id alice_<uuid>, got %q", stored.ConversationID)
	}
}

func TestStartKeepsExplicitConversationID(t *testing.T) {
	tr := newTestRouter(t, nil)

	rec := postJSON(t, tr.handler, "/api/ask/start", map[string]any{
		"prompt":          "what is Redis",
		"user_id":         "bob",
		"conversation_id": "bob_existing",
	})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", rec.Code)
	}

	var resp startResponse
	json.Unmarshal(rec.Body.Bytes(), &resp)

	stored, err := tr.store.GetRequest(t.Context(), resp.JobID)
	if err != nil {
		t.Fatalf("reading stored request: %v", err)
	}
	if stored.ConversationID != "bob_existing" {
		t.Errorf("conversation_id = %q, want bob_existing", stored.ConversationID)
	}
}

func TestStartRejectsMissingPrompt(t *testing.T) {
	tr := newTestRouter(t, nil)

	rec := postJSON(t, tr.handler, "/api/orchestrate/start", map[string]any{
		"prompt": "   ",
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "prompt is required") {
		t.Errorf("unexpected error body: %s", rec.Body.String())
	}
}

func TestStartRejectsInvalidJSON(t *testing.T) {
	tr := newTestRouter(t, nil)

	req := httptest.NewRequest(http.MethodPost, "/api/ask/start", strings.NewReader("{not json"))
	rec := httptest.NewRecorder()
	tr.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestJobStatusMapping(t *testing.T) {
	tests := []struct {
		name       string
		record     protocol.JobRecord
		wantStatus string
		wantMsg    string
		wantRetry  string // Retry-After header, "" = absent
	}{
		{
			name:       "queued",
			record:     protocol.JobRecord{Status: protocol.StatusQueued},
			wantStatus: "queued",
			wantMsg:    "preparing",
			wantRetry:  "3",
		},
		{
			name:       "running",
			record:     protocol.JobRecord{Status: protocol.StatusRunning, Progress: 40},
			wantStatus: "running",
			wantMsg:    "generating",
			wantRetry:  "2",
		},
		{
			name:       "running with tool",
			record:     protocol.JobRecord{Status: protocol.StatusRunning, Tool: "search_web"},
			wantStatus: "tool",
			wantMsg:    "using tool: search_web",
			wantRetry:  "2",
		},
		{
			name:       "completed",
			record:     protocol.JobRecord{Status: protocol.StatusCompleted, Progress: 100, FinalText: "done"},
			wantStatus: "completed",
			wantMsg:    "completed",
			wantRetry:  "",
		},
		{
			name:       "internal error maps to failed",
			record:     protocol.JobRecord{Status: protocol.StatusError, Error: "redis timeout"},
			wantStatus: "failed",
			wantMsg:    "error: redis timeout",
			wantRetry:  "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := newTestRouter(t, nil)

			tt.record.ID = "job-status-test"
			if err := tr.store.Create(t.Context(), &tt.record); err != nil {
				t.Fatalf("creating record: %v", err)
			}

			req := httptest.NewRequest(http.MethodGet, "/api/jobs/job-status-test", nil)
			rec := httptest.NewRecorder()
			tr.handler.ServeHTTP(rec, req)

			if rec.Code != http.StatusOK {
				t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
			}

			var view protocol.StatusView
			if err := json.Unmarshal(rec.Body.Bytes(), &view); err != nil {
				t.Fatalf("parsing view: %v", err)
			}
			if string(view.Status) != tt.wantStatus {
				t.Errorf("status = %q, want %q", view.Status, tt.wantStatus)
			}
			if view.Message != tt.wantMsg {
				t.Errorf("message = %q, want %q", view.Message, tt.wantMsg)
			}
			if got := rec.Header().Get("Retry-After"); got != tt.wantRetry {
				t.Errorf("Retry-After = %q, want %q", got, tt.wantRetry)
			}
		})
	}
}

func TestJobStatusNotFound(t *testing.T) {
	tr := newTestRouter(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/jobs/job-missing", nil)
	rec := httptest.NewRecorder()
	tr.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestHealthIsUnauthenticated(t *testing.T) {
	gen, err := auth.GenerateAPIKey()
	if err != nil {
		t.Fatalf("generating key: %v", err)
	}
	tr := newTestRouter(t, auth.NewVerifier(gen.Hash, time.Minute))

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	tr.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var resp healthResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("parsing health response: %v", err)
	}
	if resp.Status != "ok" {
		t.Errorf("status = %q, want ok", resp.Status)
	}
	if resp.QueueDepth != 0 {
		t.Errorf("queue_depth = %d, want 0", resp.QueueDepth)
	}
}

func TestAuthRequired(t *testing.T) {
	gen, err := auth.GenerateAPIKey()
	if err != nil {
		t.Fatalf("generating key: %v", err)
	}
	tr := newTestRouter(t, auth.NewVerifier(gen.Hash, time.Minute))

	// No token
	req := httptest.NewRequest(http.MethodGet, "/api/jobs/job-x", nil)
	rec := httptest.NewRecorder()
	tr.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("no token: expected 401, got %d", rec.Code)
	}

	// Wrong token
	req = httptest.NewRequest(http.MethodGet, "/api/jobs/job-x", nil)
	req.Header.Set("Authorization", "Bearer orc_wrong")
	rec = httptest.NewRecorder()
	tr.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("wrong token: expected 401, got %d", rec.Code)
	}

	// Correct token reaches the handler (job is missing, so 404)
	req = httptest.NewRequest(http.MethodGet, "/api/jobs/job-x", nil)
	req.Header.Set("Authorization", "Bearer "+gen.Key)
	rec = httptest.NewRecorder()
	tr.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Errorf("valid token: expected 404, got %d", rec.Code)
	}
}

func TestUnknownEndpoint(t *testing.T) {
	tr := newTestRouter(t, nil)

	req := httptest.NewRequest(http.MethodDelete, "/api/jobs/job-x", nil)
	rec := httptest.NewRecorder()
	tr.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestWatchStreamsUntilTerminal(t *testing.T) {
	tr := newTestRouter(t, nil)
	ctx := t.Context()

	record := &protocol.JobRecord{
		ID:       "job-watch",
		Status:   protocol.StatusRunning,
		Progress: 10,
	}
	if err := tr.store.Create(ctx, record); err != nil {
		t.Fatalf("creating record: %v", err)
	}

	srv := httptest.NewServer(tr.handler)
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/jobs/job-watch/watch"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dialing websocket: %v", err)
	}
	defer conn.Close()

	// First frame is the current record state.
	var first protocol.StatusView
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if err := conn.ReadJSON(&first); err != nil {
		t.Fatalf("reading first frame: %v", err)
	}
	if first.Status != protocol.ClientRunning || first.Progress != 10 {
		t.Errorf("first frame = %+v, want running/10", first)
	}

	// Publish a progress update and a terminal snapshot on the feed.
	if _, err := tr.feed.Publish(ctx, "job-watch", protocol.StatusView{
		Status: protocol.ClientRunning, Message: "generating", Progress: 60,
	}); err != nil {
		t.Fatalf("publishing update: %v", err)
	}
	if _, err := tr.feed.Publish(ctx, "job-watch", protocol.StatusView{
		Status: protocol.ClientCompleted, Message: "completed", Progress: 100, FinalText: "answer",
	}); err != nil {
		t.Fatalf("publishing terminal: %v", err)
	}

	sawTerminal := false
	for i := 0; i < 5 && !sawTerminal; i++ {
		var view protocol.StatusView
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		if err := conn.ReadJSON(&view); err != nil {
			t.Fatalf("reading frame: %v", err)
		}
		if view.Status == protocol.ClientCompleted {
			sawTerminal = true
			if view.FinalText != "answer" {
				t.Errorf("terminal final_text = %q, want answer", view.FinalText)
			}
		}
	}
	if !sawTerminal {
		t.Fatal("never received terminal frame")
	}

	// Server closes after the terminal frame.
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Error("expected connection close after terminal frame")
	}
}

func TestWatchClosesImmediatelyForTerminalJob(t *testing.T) {
	tr := newTestRouter(t, nil)

	record := &protocol.JobRecord{
		ID:        "job-done",
		Status:    protocol.StatusCompleted,
		Progress:  100,
		FinalText: "already finished",
	}
	if err := tr.store.Create(t.Context(), record); err != nil {
		t.Fatalf("creating record: %v", err)
	}

	srv := httptest.NewServer(tr.handler)
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/jobs/job-done/watch"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dialing websocket: %v", err)
	}
	defer conn.Close()

	var view protocol.StatusView
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if err := conn.ReadJSON(&view); err != nil {
		t.Fatalf("reading frame: %v", err)
	}
	if view.Status != protocol.ClientCompleted || view.FinalText != "already finished" {
		t.Errorf("frame = %+v, want completed view", view)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Error("expected immediate close for terminal job")
	}
}

func TestWatchAuthViaQueryParam(t *testing.T) {
	gen, err := auth.GenerateAPIKey()
	if err != nil {
		t.Fatalf("generating key: %v", err)
	}
	tr := newTestRouter(t, auth.NewVerifier(gen.Hash, time.Minute))

	record := &protocol.JobRecord{
		ID:        "job-auth",
		Status:    protocol.StatusCompleted,
		Progress:  100,
		FinalText: "ok",
	}
	if err := tr.store.Create(t.Context(), record); err != nil {
		t.Fatalf("creating record: %v", err)
	}

	srv := httptest.NewServer(tr.handler)
	defer srv.Close()

	base := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/jobs/job-auth/watch"

	// Without a key the upgrade is refused.
	if _, resp, err := websocket.DefaultDialer.Dial(base, nil); err == nil {
		t.Error("expected dial failure without API key")
	} else if resp != nil && resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", resp.StatusCode)
	}

	conn, _, err := websocket.DefaultDialer.Dial(base+"?api_key="+gen.Key, nil)
	if err != nil {
		t.Fatalf("dialing with api_key param: %v", err)
	}
	defer conn.Close()

	var view protocol.StatusView
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if err := conn.ReadJSON(&view); err != nil {
		t.Fatalf("reading frame: %v", err)
	}
	if view.Status != protocol.ClientCompleted {
		t.Errorf("status = %q, want completed", view.Status)
	}
}
