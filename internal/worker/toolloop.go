package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/PlumyCat/func-orchestr-mcp/pkg/protocol"
	"github.com/PlumyCat/func-orchestr-mcp/pkg/responses"
	"github.com/PlumyCat/func-orchestr-mcp/pkg/tools"
)

// maxToolRounds bounds the submit → execute → resubmit cycle. Exceeding it
// degrades to whatever text is available, never an infinite loop.
const maxToolRounds = 6

// failedToolResult is what the model sees when a tool executor errors.
const failedToolResult = "Tool execution failed."

// toolContext carries everything a tool loop run needs beyond the request:
// the (already allow-list filtered) registry, job identity for idempotency
// tokens, credentials, and a progress callback fired when a tool starts.
type toolContext struct {
	registry    *tools.Registry
	jobID       string
	userID      string
	credentials map[string]string
	onTool      func(name string)
	logger      *slog.Logger
}

// runWithTools drives the bounded tool-call loop and returns the final text,
// the accumulated tool usage, and the last response handle. It never returns
// an error: every failure degrades to a result string or an empty answer,
// and the caller decides what an empty answer means.
func runWithTools(ctx context.Context, client *responses.Client, req *responses.Request, tc *toolContext) (string, []protocol.ToolUse, *responses.Response) {
	var used []protocol.ToolUse

	resp, err := client.CreateResponse(ctx, req)
	if err != nil {
		tc.logger.Error("creating response", "error", err)
	}

	for round := 0; resp != nil && round < maxToolRounds; round++ {
		resp, err = client.WaitForTerminal(ctx, resp)
		if err != nil {
			// Unresolved in_progress or a poll failure aborts the loop but
			// not the job; fall through with whatever state we have.
			tc.logger.Warn("response did not settle", "round", round, "error", err)
			break
		}
		calls := resp.PendingToolCalls()
		if len(calls) == 0 {
			break
		}

		outputs := make([]responses.ToolOutput, 0, len(calls))
		for i, call := range calls {
			if call.Type != responses.ToolCallFunction {
				// Brokered by the service's own connectors: acknowledge with
				// an empty output and record it, never dispatch locally.
				used = append(used, protocol.ToolUse{
					Name:      call.Name,
					Arguments: normalizeArgs(call.Arguments),
					Kind:      protocol.ToolKindBrokered,
				})
				outputs = append(outputs, responses.ToolOutput{ToolCallID: call.ID})
				continue
			}

			args := normalizeArgs(call.Arguments)
			if tc.onTool != nil {
				tc.onTool(call.Name)
			}
			text := tc.execute(ctx, call.Name, args, fmt.Sprintf("%s:%d:%d", tc.jobID, round, i))
			used = append(used, protocol.ToolUse{
				Name:      call.Name,
				Arguments: args,
				Kind:      protocol.ToolKindClassic,
			})
			outputs = append(outputs, responses.ToolOutput{ToolCallID: call.ID, Output: text})
		}

		next, err := client.SubmitToolOutputs(ctx, resp.ID, outputs)
		if err != nil {
			tc.logger.Error("submitting tool outputs", "round", round, "error", err)
			break
		}
		resp = next
	}

	finalText := resp.OutputText()

	// Fallback heuristics fire only when the loop itself ran no tool: the
	// model answered directly, but the prompt suggests a tool should have
	// been consulted.
	if len(used) == 0 {
		contextBlock, direct := tc.applyFallback(ctx, lastUserText(req))
		if contextBlock != "" {
			used = append(used, direct...)
			if synthesized := synthesize(ctx, client, req, contextBlock, tc.logger); synthesized != "" {
				finalText = synthesized
			} else {
				finalText = contextBlock
			}
		}
	}

	return finalText, used, resp
}

// execute runs one classic tool call with credentials and an idempotency
// token injected. Executor failures come back as the fixed failure string.
func (tc *toolContext) execute(ctx context.Context, name string, args json.RawMessage, idemKey string) string {
	callCtx := tools.WithInvocation(ctx, tools.Invocation{
		UserID:         tc.userID,
		IdempotencyKey: idemKey,
	})
	if len(tc.credentials) > 0 {
		callCtx = tools.WithCredentials(callCtx, tc.credentials)
	}

	result, err := tc.registry.Execute(callCtx, name, args)
	if err != nil {
		tc.logger.Error("tool execution failed", "tool", name, "error", err)
		return failedToolResult
	}
	return result.Text()
}

// normalizeArgs parses a tool call's argument string into a JSON object.
// Malformed arguments degrade to an empty object, never a hard failure.
func normalizeArgs(raw string) json.RawMessage {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return json.RawMessage("{}")
	}
	if !json.Valid([]byte(trimmed)) {
		return json.RawMessage("{}")
	}
	return json.RawMessage(trimmed)
}

// lastUserText returns the most recent user message in the request input.
func lastUserText(req *responses.Request) string {
	for i := len(req.Input) - 1; i >= 0; i-- {
		if req.Input[i].Role == "user" {
			return req.Input[i].Content
		}
	}
	return ""
}

// synthesisInstruction steers the one extra pass over fallback tool output.
const synthesisInstruction = `Answer the user's question using ONLY the information inside the <context> block below. Be concise and answer in the user's language. Do not mention the context block itself.`

// synthesize issues exactly one more request, tools disabled, asking the
// model to answer from the fallback context alone. An empty or failed
// synthesis returns "" and the caller keeps the raw fallback text.
func synthesize(ctx context.Context, client *responses.Client, orig *responses.Request, contextBlock string, logger *slog.Logger) string {
	req := &responses.Request{
		Model:        orig.Model,
		Instructions: synthesisInstruction,
		Input: []responses.Message{
			{Role: "user", Content: lastUserText(orig) + "\n\n<context>\n" + contextBlock + "\n</context>"},
		},
		ToolChoice: "none",
	}

	resp, err := client.CreateResponse(ctx, req)
	if err != nil {
		logger.Warn("synthesis request failed", "error", err)
		return ""
	}
	resp, err = client.WaitForTerminal(ctx, resp)
	if err != nil {
		logger.Warn("synthesis did not settle", "error", err)
		return ""
	}
	return resp.OutputText()
}
