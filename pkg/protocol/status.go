package protocol

import "fmt"

// ClientStatus is the job state as exposed to API clients. It is a remap of
// the internal status: clients see "tool" while a tool runs and "failed" for
// worker-level errors, and never the internal "error" state.
type ClientStatus string

const (
	ClientQueued    ClientStatus = "queued"
	ClientRunning   ClientStatus = "running"
	ClientTool      ClientStatus = "tool"
	ClientCompleted ClientStatus = "completed"
	ClientFailed    ClientStatus = "failed"
	ClientUnknown   ClientStatus = "unknown"
)

// StatusView is the client-facing projection of a job record, plus the
// polling hint the status endpoint sends as Retry-After.
type StatusView struct {
	Status        ClientStatus `json:"status"`
	Message       string       `json:"message"`
	Progress      int          `json:"progress"`
	Tool          string       `json:"tool,omitempty"`
	PartialText   string       `json:"partial_text,omitempty"`
	FinalText     string       `json:"final_text,omitempty"`
	SelectedModel string       `json:"selected_model,omitempty"`
	Mode          string       `json:"mode,omitempty"`
	UsedTools     []ToolUse    `json:"used_tools,omitempty"`
	RetryAfterSec int          `json:"-"`
}

// ClientView maps a job record to its client-facing shape.
//
//	queued            -> queued    "preparing"        Retry-After 3
//	running, no tool  -> running   "generating"       Retry-After 2
//	running + tool    -> tool      "using tool: <t>"  Retry-After 2
//	completed         -> completed "completed"
//	failed            -> failed    record message
//	error             -> failed    "error: <detail>"
//	anything else     -> unknown   "status unknown"   Retry-After 5
func ClientView(r *JobRecord) StatusView {
	v := StatusView{
		Progress:      r.Progress,
		Tool:          r.Tool,
		PartialText:   r.PartialText,
		FinalText:     r.FinalText,
		SelectedModel: r.SelectedModel,
		Mode:          r.Mode,
		UsedTools:     r.UsedTools,
	}

	switch r.Status {
	case StatusQueued:
		v.Status = ClientQueued
		v.Message = "preparing"
		v.RetryAfterSec = 3
	case StatusRunning:
		if r.Tool != "" {
			v.Status = ClientTool
			v.Message = fmt.Sprintf("using tool: %s", r.Tool)
		} else {
			v.Status = ClientRunning
			v.Message = "generating"
		}
		v.RetryAfterSec = 2
	case StatusCompleted:
		v.Status = ClientCompleted
		v.Message = "completed"
	case StatusFailed:
		v.Status = ClientFailed
		v.Message = r.Message
		if v.Message == "" {
			v.Message = "failed"
		}
	case StatusError:
		v.Status = ClientFailed
		v.Message = fmt.Sprintf("error: %s", r.Error)
	default:
		v.Status = ClientUnknown
		v.Message = "status unknown"
		v.RetryAfterSec = 5
	}
	return v
}
