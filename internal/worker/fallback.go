package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/PlumyCat/func-orchestr-mcp/pkg/protocol"
	"github.com/PlumyCat/func-orchestr-mcp/pkg/routing"
	"github.com/PlumyCat/func-orchestr-mcp/pkg/tools"
)

// fallbackRule gates one direct tool invocation on keyword predicates over
// the last user message. Rules are an ordered, explicitly listed table so
// each heuristic is independently testable.
type fallbackRule struct {
	label     string // tag name wrapping this rule's output in the context block
	tool      string
	needsUser bool // rule touches a caller's own space, skip anonymous jobs
	match     func(folded string) bool
	buildArgs func(prompt, userID string) json.RawMessage
}

// realtimeMarkers signal that the prompt wants fresh information the model
// cannot know. Matched accent-folded, so "météo" and "meteo" both hit.
var realtimeMarkers = []string{
	"weather", "forecast", "news", "headline",
	"meteo", "actualite", "aujourd'hui", "maintenant",
	"right now", "today", "latest",
}

// docFilePattern extracts a Word document filename from the prompt.
var docFilePattern = regexp.MustCompile(`([\w\-./]+\.(?:docx|doc))`)

var emptyArgs = func(string, string) json.RawMessage { return json.RawMessage("{}") }

// fallbackRules is the ordered heuristic battery. Every matching rule fires;
// their outputs concatenate into one tagged context block.
var fallbackRules = []fallbackRule{
	{
		label: "search_results",
		tool:  tools.SearchWebName,
		match: func(f string) bool { return containsAny(f, realtimeMarkers) },
		buildArgs: func(prompt, _ string) json.RawMessage {
			args, _ := json.Marshal(map[string]string{"query": prompt})
			return args
		},
	},
	{
		label:     "init_user",
		tool:      "init_user",
		needsUser: true,
		match: func(f string) bool {
			return strings.Contains(f, "init") && (strings.Contains(f, "container") || strings.Contains(f, "blob"))
		},
		buildArgs: emptyArgs,
	},
	{
		label:     "user_images",
		tool:      "list_images",
		needsUser: true,
		match: func(f string) bool {
			return strings.Contains(f, "list") && strings.Contains(f, "images") && !strings.Contains(f, "init")
		},
		buildArgs: emptyArgs,
	},
	{
		label: "shared_templates",
		tool:  "list_shared_templates",
		match: func(f string) bool {
			return strings.Contains(f, "template") && (strings.Contains(f, "shared") || strings.Contains(f, "partage"))
		},
		buildArgs: emptyArgs,
	},
	{
		label:     "user_templates",
		tool:      "list_templates",
		needsUser: true,
		match: func(f string) bool {
			return strings.Contains(f, "template") && (strings.Contains(f, "mes ") || strings.Contains(f, "my "))
		},
		buildArgs: emptyArgs,
	},
	{
		label: "conversion",
		tool:  "convert_word_to_pdf",
		match: func(f string) bool {
			return strings.Contains(f, "convert") && strings.Contains(f, "doc") && strings.Contains(f, "pdf")
		},
		buildArgs: func(prompt, userID string) json.RawMessage {
			file := docFilePattern.FindString(prompt)
			if file == "" {
				return nil
			}
			// Bare filenames live under the caller's own space.
			if !strings.Contains(file, "/") && userID != "" {
				file = userID + "/" + file
			}
			args, _ := json.Marshal(map[string]string{"file": file})
			return args
		},
	},
}

// applyFallback runs the heuristic battery against the last user message and
// returns the tagged context block plus the tool usage it generated. Rules
// whose tool is not in the filtered registry are skipped, as are
// identity-scoped rules on anonymous jobs and rules that cannot build
// arguments.
func (tc *toolContext) applyFallback(ctx context.Context, prompt string) (string, []protocol.ToolUse) {
	if prompt == "" {
		return "", nil
	}
	folded := routing.Fold(prompt)

	var sb strings.Builder
	var used []protocol.ToolUse

	for i, rule := range fallbackRules {
		if rule.needsUser && tc.userID == "" {
			continue
		}
		if !tc.registry.Has(rule.tool) || !rule.match(folded) {
			continue
		}
		args := rule.buildArgs(prompt, tc.userID)
		if args == nil {
			continue
		}

		tc.logger.Info("fallback rule fired", "tool", rule.tool, "label", rule.label)
		if tc.onTool != nil {
			tc.onTool(rule.tool)
		}
		text := tc.execute(ctx, rule.tool, args, fmt.Sprintf("%s:fallback:%d", tc.jobID, i))
		used = append(used, protocol.ToolUse{
			Name:      rule.tool,
			Arguments: args,
			Kind:      protocol.ToolKindClassic,
			Direct:    true,
		})

		if sb.Len() > 0 {
			sb.WriteString("\n\n")
		}
		fmt.Fprintf(&sb, "<%s>\n%s\n</%s>", rule.label, text, rule.label)
	}

	return sb.String(), used
}

func containsAny(s string, subs []string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
