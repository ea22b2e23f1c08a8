// Package responses provides an HTTP client for a Responses-style generation
// API: create a response, poll it while it is in progress, submit tool
// outputs when the model requests them, or stream deltas over SSE.
//
// The worker binary uses this to drive the tool-call loop. This package
// handles:
//   - Building the HTTP requests
//   - Polling in_progress responses to a terminal or action-required state
//   - Parsing the SSE delta stream
//   - Cancellation via context
package responses

import (
	"encoding/json"
	"strings"
)

// Response statuses.
const (
	StatusInProgress     = "in_progress"
	StatusRequiresAction = "requires_action"
	StatusCompleted      = "completed"
	StatusFailed         = "failed"
	StatusIncomplete     = "incomplete"
)

// Tool call types. Function calls are executed locally; MCP calls are
// brokered by the generation service's own connectors and only acknowledged
// by the caller.
const (
	ToolCallFunction = "function"
	ToolCallMCP      = "mcp"
)

// Message is one input message.
type Message struct {
	Role    string `json:"role"` // "system", "user", or "assistant"
	Content string `json:"content"`
}

// Tool describes a callable tool in the request.
type Tool struct {
	Type        string          `json:"type"` // "function"
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

// Request creates a response.
type Request struct {
	Model           string    `json:"model"`
	Input           []Message `json:"input"`
	Instructions    string    `json:"instructions,omitempty"`
	Tools           []Tool    `json:"tools,omitempty"`
	ToolChoice      string    `json:"tool_choice,omitempty"` // "auto", "none"
	ReasoningEffort string    `json:"reasoning_effort,omitempty"`
	MaxOutputTokens int       `json:"max_output_tokens,omitempty"`
	Stream          bool      `json:"stream,omitempty"`
}

// ToolCall is one call the model requests during a round.
type ToolCall struct {
	ID        string `json:"id"`
	Type      string `json:"type"` // "function" or "mcp"
	Name      string `json:"name"`
	Arguments string `json:"arguments"` // JSON object as a string
}

// RequiredAction carries the pending tool calls of a requires_action
// response.
type RequiredAction struct {
	Type              string `json:"type"` // "submit_tool_outputs"
	SubmitToolOutputs struct {
		ToolCalls []ToolCall `json:"tool_calls"`
	} `json:"submit_tool_outputs"`
}

// ToolOutput is one executed tool result submitted back to the service.
type ToolOutput struct {
	ToolCallID string `json:"tool_call_id"`
	Output     string `json:"output"`
}

// ContentPart is one piece of an output item's content.
type ContentPart struct {
	Type string `json:"type"` // "output_text"
	Text string `json:"text"`
}

// OutputItem is one entry in a response's output list.
type OutputItem struct {
	Type    string        `json:"type"` // "message"
	Role    string        `json:"role,omitempty"`
	Content []ContentPart `json:"content,omitempty"`
}

// APIError is the service's error payload.
type APIError struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// Response is a generation response handle. While Status is in_progress the
// output is not final; requires_action means tool outputs must be submitted
// before generation continues.
type Response struct {
	ID             string          `json:"id"`
	Status         string          `json:"status"`
	Model          string          `json:"model,omitempty"`
	Output         []OutputItem    `json:"output,omitempty"`
	RequiredAction *RequiredAction `json:"required_action,omitempty"`
	Error          *APIError       `json:"error,omitempty"`
}

// OutputText concatenates all output_text parts of the response.
func (r *Response) OutputText() string {
	if r == nil {
		return ""
	}
	var sb strings.Builder
	for _, item := range r.Output {
		for _, part := range item.Content {
			if part.Type == "output_text" {
				sb.WriteString(part.Text)
			}
		}
	}
	return strings.TrimSpace(sb.String())
}

// PendingToolCalls returns the tool calls awaiting outputs, or nil when the
// response is not in requires_action.
func (r *Response) PendingToolCalls() []ToolCall {
	if r == nil || r.Status != StatusRequiresAction || r.RequiredAction == nil {
		return nil
	}
	return r.RequiredAction.SubmitToolOutputs.ToolCalls
}

// streamEvent is one SSE event in a streaming response.
type streamEvent struct {
	Type     string    `json:"type"` // "response.output_text.delta", "response.completed", "error"
	Delta    string    `json:"delta,omitempty"`
	Response *Response `json:"response,omitempty"`
	Message  string    `json:"message,omitempty"`
}
