package tools

import (
	"context"
	"os"
	"strings"
)

// ctxKeyCredentials is the unexported context key for injected credentials.
type ctxKeyCredentials struct{}

// ctxKeyInvocation is the unexported context key for invocation metadata.
type ctxKeyInvocation struct{}

// Invocation carries per-call metadata executors may need: the identity of
// the caller and an idempotency key derived from the job. Backends that
// honor idempotency keys can deduplicate side effects when a queue
// redelivery replays the same call.
type Invocation struct {
	UserID         string
	IdempotencyKey string
}

// WithInvocation returns a context carrying the given invocation metadata.
func WithInvocation(ctx context.Context, inv Invocation) context.Context {
	return context.WithValue(ctx, ctxKeyInvocation{}, inv)
}

// InvocationFromCtx extracts the invocation metadata stored by
// WithInvocation. Returns the zero value when none was injected.
func InvocationFromCtx(ctx context.Context) Invocation {
	inv, _ := ctx.Value(ctxKeyInvocation{}).(Invocation)
	return inv
}

// WithCredentials returns a context that carries the given credential map.
// Built-in tools retrieve individual values via Credential(ctx, key).
func WithCredentials(ctx context.Context, creds map[string]string) context.Context {
	if len(creds) == 0 {
		return ctx
	}
	return context.WithValue(ctx, ctxKeyCredentials{}, creds)
}

// Credential retrieves a named credential. Credentials injected into ctx via
// WithCredentials take priority over operator-level env vars.
func Credential(ctx context.Context, key string) string {
	if creds, ok := ctx.Value(ctxKeyCredentials{}).(map[string]string); ok {
		if v, ok := creds[key]; ok {
			return v
		}
	}
	return os.Getenv(key)
}

// ParseToolCredentials reads ORCHESTR_TOOLS_{TOOL_NAME}__{VAR_NAME}
// environment variables and returns a map of tool name → credential map.
//
// Naming convention:
//
//	ORCHESTR_TOOLS_SEARCH_WEB__SEARCH_API_KEY=xxx
//	→ result["search_web"]["SEARCH_API_KEY"] = "xxx"
//
// Tool names are normalised to lowercase. Entries without a double-underscore
// separator, or with an empty tool name or variable name, are silently ignored.
func ParseToolCredentials() map[string]map[string]string {
	const prefix = "ORCHESTR_TOOLS_"
	result := make(map[string]map[string]string)

	for _, kv := range os.Environ() {
		k, v, _ := strings.Cut(kv, "=")
		if !strings.HasPrefix(k, prefix) {
			continue
		}
		// Strip the prefix, leaving "{TOOL_NAME}__{VAR_NAME}".
		rest := strings.TrimPrefix(k, prefix)

		// Must contain "__" to be a credential entry.
		toolUpper, varName, ok := strings.Cut(rest, "__")
		if !ok || toolUpper == "" || varName == "" {
			continue
		}

		toolName := strings.ToLower(toolUpper)
		if result[toolName] == nil {
			result[toolName] = make(map[string]string)
		}
		result[toolName][varName] = v
	}

	return result
}

// FlattenCredentials merges per-tool credential maps into a single map for
// context injection. Later tools win on key collisions; collisions are rare
// because backends use distinct variable names.
func FlattenCredentials(perTool map[string]map[string]string) map[string]string {
	flat := make(map[string]string)
	for _, creds := range perTool {
		for k, v := range creds {
			flat[k] = v
		}
	}
	return flat
}
