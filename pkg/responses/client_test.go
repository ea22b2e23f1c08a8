package responses

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func testClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(Config{
		BaseURL:      srv.URL,
		APIKey:       "test-key",
		PollInterval: 5 * time.Millisecond,
		PollDeadline: time.Second,
	})
}

func textResponse(id, status, text string) *Response {
	return &Response{
		ID:     id,
		Status: status,
		Output: []OutputItem{{
			Type: "message",
			Role: "assistant",
			Content: []ContentPart{{
				Type: "output_text",
				Text: text,
			}},
		}},
	}
}

func TestCreateResponse(t *testing.T) {
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/responses" {
			t.Errorf("path = %q, want /v1/responses", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("Authorization = %q, want %q", got, "Bearer test-key")
		}
		var req Request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decoding request: %v", err)
		}
		if req.Model != "gpt-5-mini" {
			t.Errorf("model = %q, want gpt-5-mini", req.Model)
		}
		json.NewEncoder(w).Encode(textResponse("resp-1", StatusCompleted, "hello"))
	}))

	resp, err := c.CreateResponse(context.Background(), &Request{
		Model: "gpt-5-mini",
		Input: []Message{{Role: "user", Content: "hi"}},
	})
	if err != nil {
		t.Fatalf("CreateResponse: %v", err)
	}
	if resp.Status != StatusCompleted {
		t.Errorf("status = %q, want %q", resp.Status, StatusCompleted)
	}
	if got := resp.OutputText(); got != "hello" {
		t.Errorf("OutputText() = %q, want %q", got, "hello")
	}
}

func TestWaitForTerminalPollsUntilSettled(t *testing.T) {
	var polls atomic.Int64
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			t.Errorf("method = %q, want GET", r.Method)
		}
		if polls.Add(1) < 3 {
			json.NewEncoder(w).Encode(&Response{ID: "resp-2", Status: StatusInProgress})
			return
		}
		resp := &Response{ID: "resp-2", Status: StatusRequiresAction, RequiredAction: &RequiredAction{Type: "submit_tool_outputs"}}
		resp.RequiredAction.SubmitToolOutputs.ToolCalls = []ToolCall{
			{ID: "call-1", Type: ToolCallFunction, Name: "search_web", Arguments: `{"query":"x"}`},
		}
		json.NewEncoder(w).Encode(resp)
	}))

	resp, err := c.WaitForTerminal(context.Background(), &Response{ID: "resp-2", Status: StatusInProgress})
	if err != nil {
		t.Fatalf("WaitForTerminal: %v", err)
	}
	if resp.Status != StatusRequiresAction {
		t.Errorf("status = %q, want %q", resp.Status, StatusRequiresAction)
	}
	calls := resp.PendingToolCalls()
	if len(calls) != 1 || calls[0].Name != "search_web" {
		t.Errorf("pending calls = %+v, want one search_web call", calls)
	}
	if polls.Load() < 3 {
		t.Errorf("polls = %d, want at least 3", polls.Load())
	}
}

func TestWaitForTerminalDeadline(t *testing.T) {
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(&Response{ID: "resp-3", Status: StatusInProgress})
	}))
	c.pollDeadline = 20 * time.Millisecond

	resp, err := c.WaitForTerminal(context.Background(), &Response{ID: "resp-3", Status: StatusInProgress})
	if err != ErrPollDeadline {
		t.Fatalf("err = %v, want ErrPollDeadline", err)
	}
	if resp == nil || resp.Status != StatusInProgress {
		t.Errorf("resp = %+v, want last in_progress state", resp)
	}
}

func TestSubmitToolOutputs(t *testing.T) {
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/responses/resp-4/submit_tool_outputs" {
			t.Errorf("path = %q", r.URL.Path)
		}
		var body struct {
			ToolOutputs []ToolOutput `json:"tool_outputs"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Fatalf("decoding body: %v", err)
		}
		if len(body.ToolOutputs) != 2 {
			t.Fatalf("tool outputs = %d, want 2", len(body.ToolOutputs))
		}
		if body.ToolOutputs[0].ToolCallID != "call-1" || body.ToolOutputs[1].ToolCallID != "call-2" {
			t.Errorf("tool call ids = %q, %q", body.ToolOutputs[0].ToolCallID, body.ToolOutputs[1].ToolCallID)
		}
		json.NewEncoder(w).Encode(&Response{ID: "resp-4", Status: StatusInProgress})
	}))

	resp, err := c.SubmitToolOutputs(context.Background(), "resp-4", []ToolOutput{
		{ToolCallID: "call-1", Output: "result one"},
		{ToolCallID: "call-2", Output: "result two"},
	})
	if err != nil {
		t.Fatalf("SubmitToolOutputs: %v", err)
	}
	if resp.Status != StatusInProgress {
		t.Errorf("status = %q, want %q", resp.Status, StatusInProgress)
	}
}

func TestStreamResponse(t *testing.T) {
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req Request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decoding request: %v", err)
		}
		if !req.Stream {
			t.Error("stream flag not set on request")
		}
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"type\":\"response.output_text.delta\",\"delta\":\"Hello\"}\n\n")
		fmt.Fprint(w, "data: {\"type\":\"response.output_text.delta\",\"delta\":\", world\"}\n\n")
		fmt.Fprint(w, "data: {\"type\":\"response.completed\"}\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))

	var deltas []string
	text, err := c.StreamResponse(context.Background(), &Request{Model: "gpt-5-chat"}, func(d string) {
		deltas = append(deltas, d)
	})
	if err != nil {
		t.Fatalf("StreamResponse: %v", err)
	}
	if text != "Hello, world" {
		t.Errorf("text = %q, want %q", text, "Hello, world")
	}
	if len(deltas) != 2 {
		t.Errorf("deltas = %d, want 2", len(deltas))
	}
}

func TestStreamResponseError(t *testing.T) {
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"type\":\"response.output_text.delta\",\"delta\":\"partial\"}\n\n")
		fmt.Fprint(w, "data: {\"type\":\"error\",\"message\":\"backend overloaded\"}\n\n")
	}))

	text, err := c.StreamResponse(context.Background(), &Request{Model: "gpt-5-chat"}, nil)
	if err == nil || !strings.Contains(err.Error(), "backend overloaded") {
		t.Fatalf("err = %v, want stream error", err)
	}
	if text != "partial" {
		t.Errorf("partial text = %q, want %q", text, "partial")
	}
}

func TestErrorEnvelope(t *testing.T) {
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		fmt.Fprint(w, `{"error":{"code":"rate_limited","message":"slow down"}}`)
	}))

	_, err := c.CreateResponse(context.Background(), &Request{Model: "gpt-5-mini"})
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "429") || !strings.Contains(err.Error(), "slow down") {
		t.Errorf("err = %v, want status and message", err)
	}
}

func TestOutputTextConcatenatesParts(t *testing.T) {
	resp := &Response{
		Status: StatusCompleted,
		Output: []OutputItem{
			{Type: "message", Content: []ContentPart{{Type: "output_text", Text: "one "}}},
			{Type: "message", Content: []ContentPart{{Type: "output_text", Text: "two"}, {Type: "refusal", Text: "nope"}}},
		},
	}
	if got := resp.OutputText(); got != "one two" {
		t.Errorf("OutputText() = %q, want %q", got, "one two")
	}
	var nilResp *Response
	if got := nilResp.OutputText(); got != "" {
		t.Errorf("nil OutputText() = %q, want empty", got)
	}
}
