package worker

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/PlumyCat/func-orchestr-mcp/pkg/protocol"
	"github.com/PlumyCat/func-orchestr-mcp/pkg/responses"
	"github.com/PlumyCat/func-orchestr-mcp/pkg/routing"
	"github.com/PlumyCat/func-orchestr-mcp/pkg/tools"
)

func newTestWorker(t *testing.T, svc *fakeGenService) *Worker {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	srv := httptest.NewServer(svc.handler())
	t.Cleanup(srv.Close)

	cfg := &Config{
		WorkerID:          "worker-test",
		KeyPrefix:         "test:",
		ResponsesURL:      srv.URL,
		RequestTimeout:    5 * time.Second,
		PollInterval:      time.Millisecond,
		PollDeadline:      100 * time.Millisecond,
		ToolTimeout:       time.Second,
		JobsTTL:           time.Hour,
		ConversationTTL:   time.Hour,
		HeartbeatInterval: time.Minute,
		DeadWorkerTimeout: time.Minute,
		SweepInterval:     time.Minute,
		ReadBlock:         50 * time.Millisecond,
		SystemPrompt:      "You are a test assistant.",
		Models: routing.ModelTable{
			Trivial:  "gpt-5-mini",
			Standard: "gpt-5-chat",
			Deep:     "gpt-4.1",
			Tools:    "gpt-5-chat",
		},
	}

	w := New(cfg, rdb, discardLogger())
	w.registry = tools.NewRegistry() // tests register exactly what they need
	return w
}

func testJobPayload(jobID, prompt string) *protocol.JobPayload {
	return &protocol.JobPayload{
		JobID:      jobID,
		Kind:       protocol.KindAsk,
		Body:       protocol.RequestBody{Prompt: prompt},
		EnqueuedAt: time.Now(),
	}
}

func TestProcessJobStreamsAndCompletes(t *testing.T) {
	svc := &fakeGenService{streamText: "hello from the stream"}
	w := newTestWorker(t, svc)
	ctx := context.Background()

	if err := w.processJob(ctx, testJobPayload("job-1", "say hello")); err != nil {
		t.Fatalf("processJob: %v", err)
	}

	rec, err := w.store.Get(ctx, "job-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if rec.Status != protocol.StatusCompleted {
		t.Errorf("status = %q, want completed", rec.Status)
	}
	if rec.Progress != 100 {
		t.Errorf("progress = %d, want 100", rec.Progress)
	}
	if !strings.Contains(rec.FinalText, "hello from the stream") {
		t.Errorf("final_text = %q, want the streamed text", rec.FinalText)
	}
	if rec.PartialText != "" {
		t.Errorf("partial_text = %q, want cleared on completion", rec.PartialText)
	}
	if rec.SelectedModel != "gpt-5-mini" {
		t.Errorf("selected_model = %q, want gpt-5-mini (trivial prompt)", rec.SelectedModel)
	}
}

func TestProcessJobPreservesCreatedAt(t *testing.T) {
	svc := &fakeGenService{streamText: "answer"}
	w := newTestWorker(t, svc)
	ctx := context.Background()

	created := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)
	if err := w.store.Create(ctx, &protocol.JobRecord{
		ID:        "job-2",
		Status:    protocol.StatusQueued,
		Message:   "preparing",
		CreatedAt: created,
		UpdatedAt: created,
	}); err != nil {
		t.Fatalf("Create: %v", err)
	}

	if err := w.processJob(ctx, testJobPayload("job-2", "anything")); err != nil {
		t.Fatalf("processJob: %v", err)
	}

	rec, err := w.store.Get(ctx, "job-2")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !rec.CreatedAt.Equal(created) {
		t.Errorf("created_at = %v, want unchanged %v", rec.CreatedAt, created)
	}
	if !rec.UpdatedAt.After(created) {
		t.Errorf("updated_at = %v, want advanced past %v", rec.UpdatedAt, created)
	}
}

func TestProcessJobToolLoop(t *testing.T) {
	svc := &fakeGenService{script: []*responses.Response{
		requiresAction("r1", responses.ToolCall{ID: "call-1", Type: "function", Name: "lookup", Arguments: `{"q":"x"}`}),
		completedResponse("r2", "found it"),
	}}
	w := newTestWorker(t, svc)
	stubTool(w.registry, "lookup", "lookup-result", nil)
	ctx := context.Background()

	payload := testJobPayload("job-3", "please look this up for me in the records")
	payload.Kind = protocol.KindOrchestrate
	payload.Body.AllowedTools = []byte(`["lookup"]`)

	if err := w.processJob(ctx, payload); err != nil {
		t.Fatalf("processJob: %v", err)
	}

	rec, err := w.store.Get(ctx, "job-3")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if rec.Status != protocol.StatusCompleted {
		t.Errorf("status = %q, want completed", rec.Status)
	}
	if rec.FinalText != "found it" {
		t.Errorf("final_text = %q, want %q", rec.FinalText, "found it")
	}
	if rec.Mode != string(routing.ModeTools) {
		t.Errorf("mode = %q, want tools", rec.Mode)
	}
	if rec.Tool != "lookup" {
		t.Errorf("tool = %q, want %q", rec.Tool, "lookup")
	}
	if len(rec.UsedTools) != 1 || rec.UsedTools[0].Name != "lookup" {
		t.Errorf("used_tools = %+v, want one lookup entry", rec.UsedTools)
	}

	// The initial request must advertise only the allow-listed tool, and a
	// single surviving tool forces its usage.
	if len(svc.creates) == 0 {
		t.Fatal("no create request recorded")
	}
	if len(svc.creates[0].Tools) != 1 || svc.creates[0].Tools[0].Name != "lookup" {
		t.Errorf("request tools = %+v, want only lookup", svc.creates[0].Tools)
	}
	if svc.creates[0].ToolChoice != "required" {
		t.Errorf("tool_choice = %q, want required for a single tool", svc.creates[0].ToolChoice)
	}
}

func TestProcessJobAskKindHonorsAllowList(t *testing.T) {
	svc := &fakeGenService{script: []*responses.Response{
		requiresAction("r1", responses.ToolCall{ID: "call-1", Type: "function", Name: "lookup", Arguments: `{"q":"x"}`}),
		completedResponse("r2", "looked up"),
	}}
	w := newTestWorker(t, svc)
	stubTool(w.registry, "lookup", "lookup-result", nil)
	ctx := context.Background()

	// Kind selects the model profile only; an ask job with an allow-list
	// still gets its tools.
	payload := testJobPayload("job-ask-tools", "look this up in the records please")
	payload.Body.AllowedTools = []byte(`["lookup"]`)

	if err := w.processJob(ctx, payload); err != nil {
		t.Fatalf("processJob: %v", err)
	}

	rec, err := w.store.Get(ctx, "job-ask-tools")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if rec.Mode != string(routing.ModeTools) {
		t.Errorf("mode = %q, want tools", rec.Mode)
	}
	if rec.SelectedModel != "gpt-5-chat" {
		t.Errorf("selected_model = %q, want the tools model", rec.SelectedModel)
	}
	if len(rec.UsedTools) != 1 || rec.UsedTools[0].Name != "lookup" {
		t.Errorf("used_tools = %+v, want one lookup entry", rec.UsedTools)
	}
	if len(svc.creates) == 0 {
		t.Fatal("no create request recorded")
	}
	if len(svc.creates[0].Tools) != 1 || svc.creates[0].Tools[0].Name != "lookup" {
		t.Errorf("request tools = %+v, want lookup advertised", svc.creates[0].Tools)
	}
}

func TestProcessJobMultipleToolsKeepAutoChoice(t *testing.T) {
	svc := &fakeGenService{script: []*responses.Response{
		completedResponse("r1", "direct answer"),
	}}
	w := newTestWorker(t, svc)
	stubTool(w.registry, "lookup", "l", nil)
	stubTool(w.registry, "other", "o", nil)
	ctx := context.Background()

	payload := testJobPayload("job-auto", "answer using whichever tool fits")
	payload.Kind = protocol.KindOrchestrate
	payload.Body.AllowedTools = []byte(`["lookup","other"]`)

	if err := w.processJob(ctx, payload); err != nil {
		t.Fatalf("processJob: %v", err)
	}

	if len(svc.creates) == 0 {
		t.Fatal("no create request recorded")
	}
	if svc.creates[0].ToolChoice != "auto" {
		t.Errorf("tool_choice = %q, want auto with two tools", svc.creates[0].ToolChoice)
	}
}

func TestProcessJobStreamRequestDropsTools(t *testing.T) {
	svc := &fakeGenService{streamText: "streamed answer"}
	w := newTestWorker(t, svc)
	stubTool(w.registry, "lookup", "l", nil)
	ctx := context.Background()

	payload := testJobPayload("job-stream", "answer this while streaming the output")
	payload.Kind = protocol.KindOrchestrate
	payload.Body.AllowedTools = []byte(`["lookup"]`)
	payload.Body.Stream = true

	if err := w.processJob(ctx, payload); err != nil {
		t.Fatalf("processJob: %v", err)
	}

	rec, err := w.store.Get(ctx, "job-stream")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if rec.Mode == string(routing.ModeTools) {
		t.Errorf("mode = %q, streaming requests must not route to tools", rec.Mode)
	}
	if !strings.Contains(rec.FinalText, "streamed answer") {
		t.Errorf("final_text = %q, want the streamed text", rec.FinalText)
	}
	if len(svc.creates) == 0 {
		t.Fatal("no create request recorded")
	}
	if len(svc.creates[0].Tools) != 0 {
		t.Errorf("request tools = %+v, want none when streaming was requested", svc.creates[0].Tools)
	}
}

func TestProcessJobEmptyAllowListDisablesTools(t *testing.T) {
	svc := &fakeGenService{streamText: "plain answer"}
	w := newTestWorker(t, svc)
	stubTool(w.registry, "lookup", "x", nil)
	stubTool(w.registry, tools.SearchWebName, "y", nil)
	ctx := context.Background()

	payload := testJobPayload("job-4", "a question that mentions lookup and more words here")
	payload.Kind = protocol.KindOrchestrate
	payload.Body.AllowedTools = []byte(`[]`)

	if err := w.processJob(ctx, payload); err != nil {
		t.Fatalf("processJob: %v", err)
	}

	if len(svc.creates) == 0 {
		t.Fatal("no create request recorded")
	}
	if len(svc.creates[0].Tools) != 0 {
		t.Errorf("request tools = %+v, want none for an empty allow-list", svc.creates[0].Tools)
	}
}

func TestProcessJobAllowListFiltersCatalog(t *testing.T) {
	svc := &fakeGenService{script: []*responses.Response{
		completedResponse("r1", "direct answer"),
	}}
	w := newTestWorker(t, svc)
	stubTool(w.registry, tools.SearchWebName, "s", nil)
	stubTool(w.registry, "lookup", "l", nil)
	ctx := context.Background()

	payload := testJobPayload("job-5", "just answer this question with some detail")
	payload.Kind = protocol.KindOrchestrate
	payload.Body.AllowedTools = []byte(`["search_web"]`)

	if err := w.processJob(ctx, payload); err != nil {
		t.Fatalf("processJob: %v", err)
	}

	if len(svc.creates) == 0 {
		t.Fatal("no create request recorded")
	}
	got := svc.creates[0].Tools
	if len(got) != 1 || got[0].Name != tools.SearchWebName {
		t.Errorf("request tools = %+v, want only search_web", got)
	}
}

func TestProcessJobErrorPrefixedOutputFails(t *testing.T) {
	svc := &fakeGenService{streamText: "Error: upstream exploded"}
	w := newTestWorker(t, svc)
	ctx := context.Background()

	if err := w.processJob(ctx, testJobPayload("job-6", "hi")); err != nil {
		t.Fatalf("processJob: %v", err)
	}

	rec, err := w.store.Get(ctx, "job-6")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if rec.Status != protocol.StatusFailed {
		t.Errorf("status = %q, want failed for error-prefixed output", rec.Status)
	}
	if rec.Progress != 100 {
		t.Errorf("progress = %d, want 100", rec.Progress)
	}
}

func TestRunJobRecordsPanicAsError(t *testing.T) {
	svc := &fakeGenService{script: []*responses.Response{
		requiresAction("r1", responses.ToolCall{ID: "call-1", Type: "function", Name: "boom", Arguments: `{}`}),
	}}
	w := newTestWorker(t, svc)
	w.registry.Register(tools.ToolDefinition{Name: "boom"}, func(ctx context.Context, args json.RawMessage) (tools.Result, error) {
		panic("executor blew up")
	})
	ctx := context.Background()

	payload := testJobPayload("job-7", "run the tools")
	payload.Kind = protocol.KindOrchestrate
	payload.Body.AllowedTools = []byte(`["boom"]`)

	err := w.runJob(ctx, payload)
	if err == nil {
		t.Fatal("runJob should return the error so the entry is not acked")
	}
	if !strings.Contains(err.Error(), "panic") {
		t.Errorf("err = %v, want a panic wrapper", err)
	}

	rec, gerr := w.store.Get(ctx, "job-7")
	if gerr != nil {
		t.Fatalf("Get: %v", gerr)
	}
	if rec.Status != protocol.StatusError {
		t.Errorf("status = %q, want error", rec.Status)
	}
	if !strings.Contains(rec.Error, "executor blew up") {
		t.Errorf("error = %q, want the panic message", rec.Error)
	}
}

func TestProcessJobInjectsConversationHistory(t *testing.T) {
	svc := &fakeGenService{streamText: "with history"}
	w := newTestWorker(t, svc)
	ctx := context.Background()

	if err := w.memory.AppendTurn(ctx, "alice", "conv-1", "first question", "first answer"); err != nil {
		t.Fatalf("AppendTurn: %v", err)
	}

	payload := testJobPayload("job-8", "follow-up question")
	payload.Body.UserID = "alice"
	payload.Body.ConversationID = "conv-1"

	if err := w.processJob(ctx, payload); err != nil {
		t.Fatalf("processJob: %v", err)
	}

	if len(svc.creates) == 0 {
		t.Fatal("no create request recorded")
	}
	input := svc.creates[0].Input
	if len(input) != 3 {
		t.Fatalf("input messages = %d, want 3 (history turn + prompt)", len(input))
	}
	if input[0].Content != "first question" || input[1].Content != "first answer" {
		t.Errorf("history = %q / %q, want the prior turn", input[0].Content, input[1].Content)
	}
	if input[2].Role != "user" || input[2].Content != "follow-up question" {
		t.Errorf("last message = %+v, want the current prompt", input[2])
	}

	// A completed job appends the new turn.
	msgs, err := w.memory.GetRecentMessages(ctx, "alice", "conv-1", 5)
	if err != nil {
		t.Fatalf("GetRecentMessages: %v", err)
	}
	if len(msgs) != 4 {
		t.Errorf("stored messages = %d, want 4 after the new turn", len(msgs))
	}
}

func TestHandleEntryAcksExpiredPayload(t *testing.T) {
	svc := &fakeGenService{}
	w := newTestWorker(t, svc)
	ctx := context.Background()

	if err := w.queue.EnsureGroup(ctx); err != nil {
		t.Fatalf("EnsureGroup: %v", err)
	}
	payload := testJobPayload("job-9", "too late")
	payload.ExpiresAt = time.Now().Add(-time.Minute)
	if _, err := w.queue.Enqueue(ctx, payload); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	entries, err := w.queue.Read(ctx, w.cfg.WorkerID, 100*time.Millisecond)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("entries = %d, want 1", len(entries))
	}

	w.handleEntry(ctx, entries[0])

	// Expired entries are acked away, no job record is written.
	pending, err := w.queue.ReadPending(ctx, w.cfg.WorkerID)
	if err != nil {
		t.Fatalf("ReadPending: %v", err)
	}
	if len(pending) != 0 {
		t.Errorf("pending = %d, want 0 after ack", len(pending))
	}
	if _, err := w.store.Get(ctx, "job-9"); err == nil {
		t.Error("expired job should not get a record write from the worker")
	}
}

func TestProcessJobRedeliveryKeepsProgressMonotonic(t *testing.T) {
	svc := &fakeGenService{streamText: "eventually done"}
	w := newTestWorker(t, svc)
	ctx := context.Background()

	// Simulate a first delivery that crashed mid-run at progress 40.
	if _, err := w.store.Merge(ctx, "job-10", protocol.JobUpdate{
		Status:   protocol.StatusRunning,
		Progress: protocol.Pct(40),
		Message:  "generating",
	}); err != nil {
		t.Fatalf("Merge: %v", err)
	}

	if err := w.processJob(ctx, testJobPayload("job-10", "hello")); err != nil {
		t.Fatalf("processJob: %v", err)
	}

	rec, err := w.store.Get(ctx, "job-10")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if rec.Status != protocol.StatusCompleted {
		t.Errorf("status = %q, want completed after redelivery", rec.Status)
	}
	if rec.Progress != 100 {
		t.Errorf("progress = %d, want 100", rec.Progress)
	}
}
