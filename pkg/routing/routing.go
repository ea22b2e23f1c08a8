// Package routing decides how a prompt should be answered: with tools, with
// deeper reasoning, or with a cheap direct pass. The decision is a pure
// function of the prompt and the caller's constraint flags; the mode-to-model
// mapping is configuration injected at construction.
package routing

import (
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Mode is an execution strategy for answering a prompt.
type Mode string

const (
	ModeTrivial  Mode = "trivial"
	ModeStandard Mode = "standard"
	ModeDeep     Mode = "deep"
	ModeTools    Mode = "tools"
)

// Prompt length thresholds. Short prompts go to the cheap model, very long
// ones suggest the caller wants depth.
const (
	trivialMaxLen = 160
	deepMinLen    = 800
)

// latencyBudgetFloor is the ms budget below which deep mode is downgraded:
// reasoning models cannot answer that fast.
const latencyBudgetFloor = 1500

// deepMarkers are phrases that signal the caller wants structured reasoning.
// English and French, stored lowercase and accent-folded; Route folds the
// prompt the same way before matching so "démontre" and "demontre" both hit.
var deepMarkers = []string{
	"step by step",
	"chain of thought",
	"think through",
	"prove that",
	"write a proof",
	"detailed plan",
	"planning",
	"strategy",
	"etape par etape",
	"raisonne",
	"demontre",
	"plan detaille",
	"strategie",
	"analyse en profondeur",
}

// Route maps a prompt and its constraints to an execution mode.
//
// Tools win outright when the caller allow-listed any. Otherwise reasoning
// cues (explicit flag, marker phrase, or sheer prompt length) select deep
// mode, unless a tight latency budget forces standard. Short prompts with no
// cues are trivial.
func Route(prompt string, hasTools bool, constraints map[string]string, allowedTools []string) Mode {
	if hasTools && len(allowedTools) > 0 {
		return ModeTools
	}

	deep := boolFlag(constraints, "preferReasoning", "prefer_reasoning")
	if !deep {
		folded := Fold(prompt)
		for _, marker := range deepMarkers {
			if strings.Contains(folded, marker) {
				deep = true
				break
			}
		}
	}
	// Thresholds count characters, not bytes, so accented prompts classify
	// the same as their plain-ASCII spellings.
	promptLen := utf8.RuneCountInString(prompt)
	if !deep && promptLen > deepMinLen {
		deep = true
	}

	if deep {
		if budget, ok := intFlag(constraints, "maxLatencyMs", "max_latency_ms"); ok && budget < latencyBudgetFloor {
			return ModeStandard
		}
		return ModeDeep
	}

	if promptLen < trivialMaxLen {
		return ModeTrivial
	}
	return ModeStandard
}

// ModelTable maps each mode to a model identifier.
type ModelTable struct {
	Trivial  string
	Standard string
	Deep     string
	Tools    string
}

// Lookup returns the model for a mode, falling back to the standard model
// for anything unrecognized.
func (t ModelTable) Lookup(mode Mode) string {
	switch mode {
	case ModeTrivial:
		return t.Trivial
	case ModeDeep:
		return t.Deep
	case ModeTools:
		return t.Tools
	default:
		return t.Standard
	}
}

// boolFlag reads a boolean-like constraint under any of the given keys.
// Accepts "1", "true", "yes", "on" (case-insensitive).
func boolFlag(constraints map[string]string, keys ...string) bool {
	for _, key := range keys {
		v, ok := constraints[key]
		if !ok {
			continue
		}
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "1", "true", "yes", "on":
			return true
		}
	}
	return false
}

// intFlag reads an integer constraint under any of the given keys.
func intFlag(constraints map[string]string, keys ...string) (int, bool) {
	for _, key := range keys {
		v, ok := constraints[key]
		if !ok {
			continue
		}
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			return n, true
		}
	}
	return 0, false
}

var accentStripper = transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

// Fold lowercases and strips diacritics so marker matching treats
// accented and unaccented spellings the same.
func Fold(s string) string {
	out, _, err := transform.String(accentStripper, s)
	if err != nil {
		out = s
	}
	return strings.ToLower(out)
}
