// Package tools implements the tool registry and the built-in executors the
// worker dispatches when the generation service requests a tool call.
//
// Each tool is a function that receives a JSON arguments object and returns
// a JSON result object (or an error). Tools are registered by name; the
// registry boundary never propagates failures to the model loop — an unknown
// name comes back as a fixed result string, and executor errors are handled
// by the caller with a fixed failure string.
//
// Built-in tools:
//   - search_web           — realtime web search via the configured backend
//   - fetch_page           — HTTP fetch with readability + Markdown conversion
//   - init_user            — document-service user-space initialization
//   - list_images          — document-service image listing
//   - list_templates       — document-service personal template listing
//   - list_shared_templates — document-service shared template listing
//   - convert_word_to_pdf  — document-service Word-to-PDF conversion
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Result is the output of a tool execution.
type Result struct {
	// Output is the JSON-encoded result returned to the model as the tool
	// content. It must be valid JSON. String results should be marshaled as
	// JSON strings.
	Output json.RawMessage
}

// Text returns the result output as plain text. JSON strings are unquoted;
// anything else is returned as its JSON encoding.
func (r Result) Text() string {
	var s string
	if err := json.Unmarshal(r.Output, &s); err == nil {
		return s
	}
	return string(r.Output)
}

// TextResult wraps a plain string as a Result.
func TextResult(s string) Result {
	out, _ := json.Marshal(s)
	return Result{Output: out}
}

// Executor is a function that executes a tool call.
// ctx carries the deadline/cancellation plus any injected credentials and
// invocation metadata; args is the raw JSON object from the tool call.
type Executor func(ctx context.Context, args json.RawMessage) (Result, error)

// Registry maps tool names to their executor functions.
// Tools are registered at startup and looked up by name when calls arrive.
type Registry struct {
	executors   map[string]Executor
	definitions map[string]ToolDefinition
	order       []string
}

// NewRegistry creates an empty tool registry.
func NewRegistry() *Registry {
	return &Registry{
		executors:   make(map[string]Executor),
		definitions: make(map[string]ToolDefinition),
	}
}

// Register adds a named tool to the registry.
// Registering a name that already exists overwrites the previous executor.
func (r *Registry) Register(def ToolDefinition, exec Executor) {
	if _, exists := r.executors[def.Name]; !exists {
		r.order = append(r.order, def.Name)
	}
	r.executors[def.Name] = exec
	r.definitions[def.Name] = def
}

// Execute dispatches a tool call by name. An unknown name is not an error:
// the model asked for something we don't have, so it gets a fixed result
// string it can read and recover from.
func (r *Registry) Execute(ctx context.Context, name string, args json.RawMessage) (Result, error) {
	exec, ok := r.executors[name]
	if !ok {
		return TextResult(fmt.Sprintf("Unknown tool: %s", name)), nil
	}
	return exec(ctx, args)
}

// Has reports whether the named tool is registered.
func (r *Registry) Has(name string) bool {
	_, ok := r.executors[name]
	return ok
}

// Names returns the registered tool names in registration order.
func (r *Registry) Names() []string {
	names := make([]string, len(r.order))
	copy(names, r.order)
	return names
}

// Definitions returns the schema definitions for the named tools, skipping
// names that aren't registered. Pass Names() for the full catalog.
func (r *Registry) Definitions(names []string) []ToolDefinition {
	defs := make([]ToolDefinition, 0, len(names))
	for _, name := range names {
		if def, ok := r.definitions[name]; ok {
			defs = append(defs, def)
		}
	}
	return defs
}

// Subset returns a new registry holding only the named tools. Used after
// allow-list filtering so the model loop can only dispatch what the caller
// permitted.
func (r *Registry) Subset(names []string) *Registry {
	sub := NewRegistry()
	for _, name := range names {
		if exec, ok := r.executors[name]; ok {
			sub.Register(r.definitions[name], exec)
		}
	}
	return sub
}

// ToolDefinition holds the metadata for a tool.
type ToolDefinition struct {
	Name        string
	Description string
	Parameters  json.RawMessage // JSON Schema for the input object
}

// Backends is the external-service configuration for the built-in tools.
// It is built once from the environment and passed in at construction;
// executors never read env vars for endpoints.
type Backends struct {
	SearchURL string        // realtime search backend, empty disables search_web
	DocsvcURL string        // document-service base URL, empty disables the docsvc battery
	Timeout   time.Duration // per-call HTTP timeout, 0 means a 30s default
}

func (b Backends) timeout() time.Duration {
	if b.Timeout > 0 {
		return b.Timeout
	}
	return 30 * time.Second
}

// DefaultRegistry returns a Registry populated with every built-in tool the
// given backend configuration supports.
func DefaultRegistry(cfg Backends) *Registry {
	r := NewRegistry()
	if cfg.SearchURL != "" {
		r.Register(SearchWebDefinition, NewSearchWeb(cfg))
	}
	r.Register(FetchPageDefinition, NewFetchPage(cfg))
	if cfg.DocsvcURL != "" {
		d := newDocsvcClient(cfg)
		r.Register(InitUserDefinition, d.initUser)
		r.Register(ListImagesDefinition, d.listImages)
		r.Register(ListTemplatesDefinition, d.listTemplates)
		r.Register(ListSharedTemplatesDefinition, d.listSharedTemplates)
		r.Register(ConvertWordToPDFDefinition, d.convertWordToPDF)
	}
	return r
}
