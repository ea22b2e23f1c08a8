package worker

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/PlumyCat/func-orchestr-mcp/pkg/protocol"
	"github.com/PlumyCat/func-orchestr-mcp/pkg/responses"
	"github.com/PlumyCat/func-orchestr-mcp/pkg/routing"
	"github.com/PlumyCat/func-orchestr-mcp/pkg/tools"
)

// historyTurns is how many prior conversation turns get injected ahead of
// the current prompt.
const historyTurns = 3

// runJob is the top-level boundary around one job: any error or panic below
// it is written to the record as status "error" and returned so the queue
// entry stays unacked and gets redelivered.
func (w *Worker) runJob(ctx context.Context, payload *protocol.JobPayload) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in job %s: %v", payload.JobID, r)
		}
		if err != nil {
			rec, merr := w.store.Merge(ctx, payload.JobID, protocol.JobUpdate{
				Status:  protocol.StatusError,
				Error:   err.Error(),
				Message: "internal error",
			})
			if merr != nil {
				w.logger.Error("recording job error", "job_id", payload.JobID, "error", merr)
			} else {
				w.publish(ctx, payload.JobID, rec)
			}
		}
	}()
	return w.processJob(ctx, payload)
}

// processJob runs the lifecycle state machine for one delivery:
// queued → running → {completed, failed}. The record store write is a merge,
// so a redelivered job converges instead of corrupting earlier progress.
func (w *Worker) processJob(ctx context.Context, payload *protocol.JobPayload) error {
	jobID := payload.JobID
	body := payload.Body
	logger := w.logger.With("job_id", jobID, "kind", payload.Kind)
	start := time.Now()

	// Claim the job before any model work so a client polling mid-flight
	// never sees "queued" once a worker has it. The merge preserves the
	// router-written created_at.
	rec, err := w.store.Merge(ctx, jobID, protocol.JobUpdate{
		Status:   protocol.StatusRunning,
		Progress: protocol.Pct(1),
		Message:  "starting",
	})
	if err != nil {
		return fmt.Errorf("claiming job %s: %w", jobID, err)
	}
	w.publish(ctx, jobID, rec)

	// Allow-list filtering over the classic tool catalog. The kind only
	// selects the model profile; ask jobs with an allow-list get tools too.
	allowed, _ := tools.NormalizeAllowedTools(body.AllowedTools)
	filtered := tools.Filter(w.registry.Names(), allowed)

	// An explicit streaming request wins over tools: classic tool calls
	// cannot stream, so drop them and let the answer arrive incrementally.
	if body.Stream && len(filtered) > 0 {
		logger.Info("dropping tools for streaming request", "tools", len(filtered))
		filtered = nil
	}

	mode := routing.Route(body.Prompt, len(filtered) > 0, body.Constraints, filtered)
	model := body.Model
	if model == "" {
		model = w.cfg.Models.Lookup(mode)
	}
	effort := body.ReasoningEffort
	if effort == "" && mode == routing.ModeDeep {
		effort = "high"
	}
	logger.Info("job routed", "mode", mode, "model", model, "tools", len(filtered))
	w.mergeAndPublish(ctx, jobID, protocol.JobUpdate{SelectedModel: model, Mode: string(mode)})

	req := &responses.Request{
		Model:           model,
		Instructions:    w.cfg.SystemPrompt,
		ReasoningEffort: effort,
		Input:           w.buildInput(ctx, &body, logger),
	}

	var finalText string
	var usedTools []protocol.ToolUse

	if mode == routing.ModeTools && len(filtered) > 0 {
		sub := w.registry.Subset(filtered)
		req.Tools = requestTools(sub.Definitions(sub.Names()))
		// A single surviving tool is an explicit request to use it.
		req.ToolChoice = "auto"
		if len(filtered) == 1 {
			req.ToolChoice = "required"
		}

		w.mergeAndPublish(ctx, jobID, protocol.JobUpdate{
			Progress: protocol.Pct(20),
			Message:  "calling the model",
		})

		tc := &toolContext{
			registry:    sub,
			jobID:       jobID,
			userID:      body.UserID,
			credentials: tools.FlattenCredentials(w.cfg.ToolCredentials),
			logger:      logger,
			onTool: func(name string) {
				w.mergeAndPublish(ctx, jobID, protocol.JobUpdate{
					Progress: protocol.Pct(50),
					Tool:     name,
					Message:  "using tool: " + name,
				})
			},
		}
		finalText, usedTools, _ = runWithTools(ctx, w.client, req, tc)

		w.mergeAndPublish(ctx, jobID, protocol.JobUpdate{
			Progress: protocol.Pct(90),
			Message:  "finalizing",
		})
	} else {
		finalText = w.streamAnswer(ctx, jobID, req, logger)
	}

	// Terminal classification: empty output or an error-marked answer fails
	// the job; anything else completes it.
	final := protocol.JobUpdate{
		Progress:  protocol.Pct(100),
		FinalText: finalText,
		UsedTools: usedTools,
		Tool:      toolSummary(usedTools),
	}
	if finalText != "" && !strings.HasPrefix(finalText, "Error:") {
		final.Status = protocol.StatusCompleted
		final.Message = "completed"
	} else {
		final.Status = protocol.StatusFailed
		final.Message = "generation failed"
		if finalText == "" {
			final.Message = "generation produced no output"
		}
	}
	rec, err = w.store.Merge(ctx, jobID, final)
	if err != nil {
		return fmt.Errorf("finalizing job %s: %w", jobID, err)
	}
	w.publish(ctx, jobID, rec)

	if final.Status == protocol.StatusCompleted && body.UserID != "" && body.ConversationID != "" {
		if err := w.memory.AppendTurn(ctx, body.UserID, body.ConversationID, body.Prompt, finalText); err != nil {
			logger.Warn("appending conversation turn", "error", err)
		}
	}

	logger.Info("job finished",
		"status", final.Status,
		"tools_used", len(usedTools),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return nil
}

// buildInput assembles the request input: up to the last historyTurns prior
// turns as alternating user/assistant messages, then the current prompt.
func (w *Worker) buildInput(ctx context.Context, body *protocol.RequestBody, logger *slog.Logger) []responses.Message {
	var input []responses.Message

	if body.UserID != "" && body.ConversationID != "" {
		history, err := w.memory.GetRecentMessages(ctx, body.UserID, body.ConversationID, historyTurns)
		if err != nil {
			logger.Warn("loading conversation history", "error", err)
		}
		for _, msg := range history {
			input = append(input, responses.Message{Role: msg.Role, Content: msg.Content})
		}
	}

	return append(input, responses.Message{Role: "user", Content: body.Prompt})
}

// streamAnswer handles the no-tools branch: stream the generation, growing
// partial_text with progress capped at 95 until finalization.
func (w *Worker) streamAnswer(ctx context.Context, jobID string, req *responses.Request, logger *slog.Logger) string {
	w.mergeAndPublish(ctx, jobID, protocol.JobUpdate{
		Progress: protocol.Pct(5),
		Message:  "generating",
	})

	var total strings.Builder
	lastWrite := time.Now()

	text, err := w.client.StreamResponse(ctx, req, func(delta string) {
		total.WriteString(delta)
		if time.Since(lastWrite) < 300*time.Millisecond {
			return
		}
		lastWrite = time.Now()
		progress := 5 + total.Len()/80
		if progress > 95 {
			progress = 95
		}
		w.mergeAndPublish(ctx, jobID, protocol.JobUpdate{
			Progress:    protocol.Pct(progress),
			PartialText: total.String(),
			Message:     "generating",
		})
	})
	if err != nil {
		logger.Error("streaming generation", "error", err)
	}
	if text == "" {
		text = total.String()
	}
	return text
}

// mergeAndPublish applies a non-critical record update. Store failures on
// these intermediate writes are logged, not fatal: the final merge decides
// the job's fate.
func (w *Worker) mergeAndPublish(ctx context.Context, jobID string, upd protocol.JobUpdate) {
	rec, err := w.store.Merge(ctx, jobID, upd)
	if err != nil {
		w.logger.Error("merging job record", "job_id", jobID, "error", err)
		return
	}
	w.publish(ctx, jobID, rec)
}

// publish pushes the client-facing view onto the job's status feed for
// WebSocket watchers.
func (w *Worker) publish(ctx context.Context, jobID string, rec *protocol.JobRecord) {
	if rec == nil {
		return
	}
	if _, err := w.feed.Publish(ctx, jobID, protocol.ClientView(rec)); err != nil {
		w.logger.Warn("publishing status feed", "job_id", jobID, "error", err)
		return
	}
	if err := w.feed.SetTTL(ctx, jobID, w.cfg.JobsTTL); err != nil {
		w.logger.Warn("setting status feed TTL", "job_id", jobID, "error", err)
	}
}

// requestTools converts registry definitions to the wire tool format.
func requestTools(defs []tools.ToolDefinition) []responses.Tool {
	out := make([]responses.Tool, 0, len(defs))
	for _, def := range defs {
		out = append(out, responses.Tool{
			Type:        "function",
			Name:        def.Name,
			Description: def.Description,
			Parameters:  def.Parameters,
		})
	}
	return out
}

// toolSummary joins the used tool names into the record's tool field.
func toolSummary(used []protocol.ToolUse) string {
	if len(used) == 0 {
		return ""
	}
	names := make([]string, 0, len(used))
	for _, u := range used {
		names = append(names, u.Name)
	}
	return strings.Join(names, ", ")
}
