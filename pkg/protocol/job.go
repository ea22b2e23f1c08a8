// Package protocol defines the job record, queue payload, and request
// types shared between the router and the worker.
//
// This is the shared contract. Both orchestr-router and orchestr-worker use
// these types; the job record additionally defines the merge semantics that
// make at-least-once queue delivery safe.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// JobStatus is the internal lifecycle state of a job.
type JobStatus string

const (
	StatusQueued    JobStatus = "queued"
	StatusRunning   JobStatus = "running"
	StatusCompleted JobStatus = "completed"
	StatusFailed    JobStatus = "failed"
	StatusError     JobStatus = "error"
	StatusUnknown   JobStatus = "unknown"
)

// Terminal reports whether a job in this status admits no further transitions.
func (s JobStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusError:
		return true
	}
	return false
}

// JobKind selects the worker's model/reasoning profile for a job.
type JobKind string

const (
	KindOrchestrate JobKind = "orchestrate"
	KindAsk         JobKind = "ask"
)

// ToolKind distinguishes locally dispatched tool calls from calls executed
// by a remote broker and only acknowledged here.
type ToolKind string

const (
	ToolKindClassic  ToolKind = "classic"
	ToolKindBrokered ToolKind = "brokered"
)

// ToolUse records one tool invocation for observability. Direct is true when
// the fallback heuristic invoked the tool without the model requesting it.
type ToolUse struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
	Kind      ToolKind        `json:"kind"`
	Direct    bool            `json:"direct,omitempty"`
}

// RequestBody is the client-supplied job submission, carried verbatim in the
// queue payload so the worker sees exactly what the client sent.
type RequestBody struct {
	Prompt          string            `json:"prompt"`
	Model           string            `json:"model,omitempty"`
	ReasoningEffort string            `json:"reasoning_effort,omitempty"`
	AllowedTools    json.RawMessage   `json:"allowed_tools,omitempty"` // list, CSV string, or JSON-array string
	UserID          string            `json:"user_id,omitempty"`
	ConversationID  string            `json:"conversation_id,omitempty"`
	Stream          bool              `json:"stream,omitempty"`
	Constraints     map[string]string `json:"constraints,omitempty"`
}

// JobPayload is one queue message. Delivery is at-least-once; ExpiresAt lets
// the worker drop messages that outlived the job TTL instead of running them.
type JobPayload struct {
	JobID      string      `json:"job_id"`
	Kind       JobKind     `json:"kind"`
	Body       RequestBody `json:"body"`
	EnqueuedAt time.Time   `json:"enqueued_at"`
	ExpiresAt  time.Time   `json:"expires_at,omitempty"`
}

// Expired reports whether the payload's TTL has passed at the given instant.
// A zero ExpiresAt means the payload never expires.
func (p *JobPayload) Expired(now time.Time) bool {
	return !p.ExpiresAt.IsZero() && now.After(p.ExpiresAt)
}

// JobRecord is the durable status document for one job, stored as JSON and
// always written through Merge.
type JobRecord struct {
	ID            string    `json:"id"`
	Status        JobStatus `json:"status"`
	Progress      int       `json:"progress"`
	Message       string    `json:"message,omitempty"`
	Tool          string    `json:"tool,omitempty"`
	PartialText   string    `json:"partial_text,omitempty"`
	FinalText     string    `json:"final_text,omitempty"`
	Error         string    `json:"error,omitempty"`
	SelectedModel string    `json:"selected_model,omitempty"`
	Mode          string    `json:"mode,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
	UsedTools     []ToolUse `json:"used_tools,omitempty"`
}

// Merge applies upd onto r and returns the result. CreatedAt is immutable
// once set, Progress never decreases while the job is non-terminal, and
// fields upd leaves at their zero value survive from r. Updates against a
// terminal record are ignored so redelivered work cannot reopen a job.
func (r JobRecord) Merge(upd JobUpdate, now time.Time) JobRecord {
	if r.Status.Terminal() {
		return r
	}

	out := r
	out.UpdatedAt = now
	if out.CreatedAt.IsZero() {
		out.CreatedAt = now
	}

	if upd.Status != "" {
		out.Status = upd.Status
	}
	if upd.Progress != nil {
		p := *upd.Progress
		if p > out.Progress || out.Status.Terminal() {
			out.Progress = p
		}
	}
	if upd.Message != "" {
		out.Message = upd.Message
	}
	if upd.Tool != "" {
		out.Tool = upd.Tool
	}
	if upd.PartialText != "" {
		out.PartialText = upd.PartialText
	}
	if upd.FinalText != "" {
		out.FinalText = upd.FinalText
		out.PartialText = ""
	}
	if upd.Error != "" {
		out.Error = upd.Error
	}
	if upd.SelectedModel != "" {
		out.SelectedModel = upd.SelectedModel
	}
	if upd.Mode != "" {
		out.Mode = upd.Mode
	}
	if upd.UsedTools != nil {
		out.UsedTools = upd.UsedTools
	}
	return out
}

// JobUpdate is a partial write against a job record. Zero-valued fields are
// "leave unchanged"; Progress is a pointer so an explicit 0 is expressible.
type JobUpdate struct {
	Status        JobStatus
	Progress      *int
	Message       string
	Tool          string
	PartialText   string
	FinalText     string
	Error         string
	SelectedModel string
	Mode          string
	UsedTools     []ToolUse
}

// Pct returns a pointer to p, for building JobUpdate literals.
func Pct(p int) *int { return &p }

// ParsePayload decodes a queue message body into a JobPayload.
func ParsePayload(data []byte) (*JobPayload, error) {
	var p JobPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parsing job payload: %w", err)
	}
	if p.JobID == "" {
		return nil, fmt.Errorf("job payload missing job_id")
	}
	return &p, nil
}
