package router

import (
	"errors"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/PlumyCat/func-orchestr-mcp/pkg/jobstore"
	"github.com/PlumyCat/func-orchestr-mcp/pkg/protocol"
)

var watchUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handleWatch upgrades GET /api/jobs/{id}/watch to a WebSocket and pushes
// the client-facing status until the job reaches a terminal state, then
// closes.
//
// The current record is pushed immediately so a late watcher sees where the
// job stands. After that the socket follows the worker's status feed with a
// blocking reader on a dedicated Redis connection; when no feed update
// arrives within the poll interval the record is re-read directly, which
// also covers jobs whose feed expired.
func (h *APIHandler) handleWatch(w http.ResponseWriter, r *http.Request, jobID string) {
	// Browsers can't set an Authorization header on a WebSocket dial, so the
	// key may also arrive as a query parameter.
	if h.verifier != nil {
		apiKey := extractBearerToken(r)
		if apiKey == "" {
			apiKey = r.URL.Query().Get("api_key")
		}
		valid, err := h.verifier.VerifyAPIKey(apiKey)
		if err != nil || !valid {
			writeErrorJSON(w, http.StatusUnauthorized, "authentication_error", "invalid API key")
			return
		}
	}

	ctx := r.Context()

	rec, err := h.store.Get(ctx, jobID)
	if err != nil {
		if errors.Is(err, jobstore.ErrNotFound) {
			writeErrorJSON(w, http.StatusNotFound, "not_found", "job not found")
			return
		}
		h.logger.Error("reading job record", "job_id", jobID, "error", err)
		writeErrorJSON(w, http.StatusInternalServerError, "internal_error", "failed to read job")
		return
	}

	conn, err := watchUpgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", "job_id", jobID, "error", err)
		return
	}
	defer conn.Close()

	view := protocol.ClientView(rec)
	if err := conn.WriteJSON(view); err != nil {
		return
	}
	if view.Status == protocol.ClientCompleted || view.Status == protocol.ClientFailed {
		h.closeNormally(conn)
		return
	}

	reader, cleanup := h.feed.NewBlockingReader()
	defer cleanup()

	// The feed may already hold snapshots newer than the record we pushed;
	// start from the beginning and let the client tolerate one overlap.
	lastID := "0-0"
	for {
		entries, err := reader.Read(ctx, jobID, lastID, 16, h.config.WatchPollInterval)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			h.logger.Warn("status feed read failed", "job_id", jobID, "error", err)
			return
		}

		if len(entries) == 0 {
			// No feed activity within the poll interval. Re-read the record
			// so a watcher still terminates if the feed was never written.
			rec, err := h.store.Get(ctx, jobID)
			if err != nil {
				return
			}
			view := protocol.ClientView(rec)
			if err := conn.WriteJSON(view); err != nil {
				return
			}
			if view.Status == protocol.ClientCompleted || view.Status == protocol.ClientFailed {
				h.closeNormally(conn)
				return
			}
			continue
		}

		for _, entry := range entries {
			lastID = entry.ID
			if err := conn.WriteJSON(entry.View); err != nil {
				return
			}
			if entry.View.Status == protocol.ClientCompleted || entry.View.Status == protocol.ClientFailed {
				h.closeNormally(conn)
				return
			}
		}
	}
}

func (h *APIHandler) closeNormally(conn *websocket.Conn) {
	_ = conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "job finished"))
}
