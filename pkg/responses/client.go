package responses

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	defaultPollInterval = 1500 * time.Millisecond
	defaultPollDeadline = 3 * time.Minute
)

// ErrPollDeadline is returned by WaitForTerminal when a response stays
// in_progress past the configured deadline.
var ErrPollDeadline = errors.New("responses: poll deadline exceeded")

// Client talks to a Responses-style generation service.
type Client struct {
	baseURL      string
	apiKey       string
	httpClient   *http.Client
	pollInterval time.Duration
	pollDeadline time.Duration
}

// Config configures a Client. BaseURL is required.
type Config struct {
	BaseURL      string
	APIKey       string
	Timeout      time.Duration // per-request; 0 means 120s
	PollInterval time.Duration // 0 means 1.5s
	PollDeadline time.Duration // 0 means 3m
}

// NewClient creates a client for the generation service at cfg.BaseURL.
func NewClient(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	interval := cfg.PollInterval
	if interval <= 0 {
		interval = defaultPollInterval
	}
	deadline := cfg.PollDeadline
	if deadline <= 0 {
		deadline = defaultPollDeadline
	}
	return &Client{
		baseURL:      strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:       cfg.APIKey,
		httpClient:   &http.Client{Timeout: timeout},
		pollInterval: interval,
		pollDeadline: deadline,
	}
}

// CreateResponse starts a generation. The returned response may still be
// in_progress; use WaitForTerminal to poll it forward.
func (c *Client) CreateResponse(ctx context.Context, req *Request) (*Response, error) {
	return c.post(ctx, "/v1/responses", req)
}

// GetResponse fetches the current state of a response.
func (c *Client) GetResponse(ctx context.Context, id string) (*Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/responses/"+id, nil)
	if err != nil {
		return nil, fmt.Errorf("creating HTTP request: %w", err)
	}
	return c.do(httpReq)
}

// SubmitToolOutputs sends the executed tool results for a requires_action
// response in a single batch. The returned response may again be in_progress
// or requires_action.
func (c *Client) SubmitToolOutputs(ctx context.Context, id string, outputs []ToolOutput) (*Response, error) {
	body := struct {
		ToolOutputs []ToolOutput `json:"tool_outputs"`
	}{ToolOutputs: outputs}
	return c.post(ctx, "/v1/responses/"+id+"/submit_tool_outputs", body)
}

// WaitForTerminal polls resp until it leaves in_progress. It returns the
// last observed response; the state may be requires_action, completed,
// failed, or incomplete. If the response never settles within the poll
// deadline, the last state is returned alongside ErrPollDeadline.
func (c *Client) WaitForTerminal(ctx context.Context, resp *Response) (*Response, error) {
	if resp == nil {
		return nil, fmt.Errorf("responses: nil response")
	}
	deadline := time.Now().Add(c.pollDeadline)
	for resp.Status == StatusInProgress {
		if time.Now().After(deadline) {
			return resp, ErrPollDeadline
		}
		select {
		case <-ctx.Done():
			return resp, ctx.Err()
		case <-time.After(c.pollInterval):
		}
		next, err := c.GetResponse(ctx, resp.ID)
		if err != nil {
			return resp, err
		}
		resp = next
	}
	return resp, nil
}

// StreamResponse creates a streaming response and invokes onDelta for each
// text delta as it arrives. It returns the full accumulated text. Tool use
// is not supported on the streaming path; callers disable tools before
// streaming.
func (c *Client) StreamResponse(ctx context.Context, req *Request, onDelta func(string)) (string, error) {
	streamReq := *req
	streamReq.Stream = true

	payload, err := json.Marshal(&streamReq)
	if err != nil {
		return "", fmt.Errorf("marshaling request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/responses", bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("creating HTTP request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	c.authorize(httpReq)

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("sending request: %w", err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		return "", c.errorFrom(httpResp)
	}

	var sb strings.Builder
	scanner := bufio.NewScanner(httpResp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")
		if data == "[DONE]" {
			break
		}
		var ev streamEvent
		if err := json.Unmarshal([]byte(data), &ev); err != nil {
			continue
		}
		switch ev.Type {
		case "response.output_text.delta":
			sb.WriteString(ev.Delta)
			if onDelta != nil {
				onDelta(ev.Delta)
			}
		case "response.completed":
			// Prefer the final text the service assembled, if present.
			if ev.Response != nil {
				if text := ev.Response.OutputText(); text != "" {
					return text, nil
				}
			}
			return sb.String(), nil
		case "error":
			return sb.String(), fmt.Errorf("generation stream error: %s", ev.Message)
		}
	}
	if err := scanner.Err(); err != nil {
		return sb.String(), fmt.Errorf("reading stream: %w", err)
	}
	return sb.String(), nil
}

func (c *Client) post(ctx context.Context, path string, body any) (*Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("creating HTTP request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	return c.do(httpReq)
}

func (c *Client) do(req *http.Request) (*Response, error) {
	c.authorize(req)
	httpResp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("sending request: %w", err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		return nil, c.errorFrom(httpResp)
	}
	var resp Response
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}
	return &resp, nil
}

func (c *Client) authorize(req *http.Request) {
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
}

func (c *Client) errorFrom(httpResp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(httpResp.Body, 4096))
	var envelope struct {
		Error *APIError `json:"error"`
	}
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Error != nil {
		return fmt.Errorf("generation service returned %d: %s", httpResp.StatusCode, envelope.Error.Message)
	}
	return fmt.Errorf("generation service returned %d: %s", httpResp.StatusCode, strings.TrimSpace(string(body)))
}
