package agent

import (
	"regexp"
	"strings"
)

// internalBlockPattern matches <internal>…</internal> segments the
// agent uses for notes that must never reach a user.
var internalBlockPattern = regexp.MustCompile(`(?is)<internal>.*?</internal>`)

// StripInternal removes <internal> blocks from outbound text. All text
// headed to a channel passes through here; callers suppress the send
// entirely when the result is empty.
func StripInternal(text string) string {
	if text == "" {
		return ""
	}
	lower := strings.ToLower(text)
	if !strings.Contains(lower, "<internal>") {
		return strings.TrimSpace(text)
	}
	cleaned := internalBlockPattern.ReplaceAllString(text, "")
	// An unterminated open tag hides everything after it rather than
	// leaking a partial internal note.
	if idx := strings.Index(strings.ToLower(cleaned), "<internal>"); idx >= 0 {
		cleaned = cleaned[:idx]
	}
	return strings.TrimSpace(cleaned)
}
