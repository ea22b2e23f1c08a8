package tools

import (
	"encoding/json"
	"strings"
)

// SearchWebName is the realtime search tool. It is gated off by default:
// "*" does not enable it, only an explicit listing does, because realtime
// search has per-query cost and callers must opt in knowingly.
const SearchWebName = "search_web"

// NormalizeAllowedTools parses the allowed_tools field of a submission into
// a list of tool names. Clients send it in three shapes:
//
//	["search_web","list_images"]       JSON array
//	"search_web, list_images"          comma-separated string
//	"[\"search_web\"]"                 JSON array wrapped in a string
//
// Returns (nil, false) when the field is absent and (list, true) otherwise;
// an explicit empty list is ([], true), which callers treat as "disable all
// tools" rather than "no preference".
func NormalizeAllowedTools(raw json.RawMessage) ([]string, bool) {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" {
		return nil, false
	}

	var list []string
	if err := json.Unmarshal([]byte(trimmed), &list); err == nil {
		return cleanNames(list), true
	}

	var s string
	if err := json.Unmarshal([]byte(trimmed), &s); err != nil {
		return nil, false
	}
	s = strings.TrimSpace(s)
	if s == "" {
		return []string{}, true
	}

	// A string value is either an embedded JSON array or CSV.
	if strings.HasPrefix(s, "[") {
		if err := json.Unmarshal([]byte(s), &list); err == nil {
			return cleanNames(list), true
		}
	}
	return cleanNames(strings.Split(s, ",")), true
}

func cleanNames(names []string) []string {
	out := make([]string, 0, len(names))
	for _, name := range names {
		if name = strings.TrimSpace(name); name != "" {
			out = append(out, name)
		}
	}
	return out
}

// Filter applies an allow-list to the available tool catalog and returns the
// names that survive, preserving catalog order.
//
//   - allowed == nil (absent): no tools at all
//   - allowed == [] (explicit empty): no tools at all
//   - "*" in allowed: every tool except search_web
//   - otherwise: the intersection of catalog and list
//
// search_web survives only when listed by name.
func Filter(available []string, allowed []string) []string {
	if len(allowed) == 0 {
		return nil
	}

	wildcard := false
	listed := make(map[string]bool, len(allowed))
	for _, name := range allowed {
		if name == "*" {
			wildcard = true
			continue
		}
		listed[name] = true
	}

	var out []string
	for _, name := range available {
		if name == SearchWebName {
			if listed[name] {
				out = append(out, name)
			}
			continue
		}
		if wildcard || listed[name] {
			out = append(out, name)
		}
	}
	return out
}
