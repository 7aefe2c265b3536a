package conductor

import "strings"

// Opt-out must be recognized before any state-dependent logic runs; the
// keyword set follows common carrier conventions.
var optOutKeywords = []string{
	"stop", "stopall", "unsubscribe", "opt out", "opt-out", "quit", "end",
}

// Escalation cues hand the conversation to a human regardless of sub-state.
var escalationKeywords = []string{
	"agent", "human", "representative", "real person", "speak to someone", "call me",
}

// IsOptOut reports whether the message is an opt-out request. Single-word
// keywords must match the whole trimmed message so "please stop calling it
// a fixer-upper" does not unsubscribe anyone.
func IsOptOut(text string) bool {
	trimmed := strings.ToLower(strings.TrimSpace(text))
	for _, kw := range optOutKeywords {
		if trimmed == kw {
			return true
		}
	}
	return strings.Contains(trimmed, "unsubscribe") || strings.Contains(trimmed, "opt out")
}

func isEscalation(text string) bool {
	return containsAny(text, escalationKeywords...)
}
