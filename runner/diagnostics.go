package runner

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// Diagnose derives advisory warnings from a failure message. The result is
// informational only; outcomes are decided from typed errors and deadlines.
func Diagnose(stage Stage, msg string) []string {
	lower := strings.ToLower(msg)
	var warnings []string
	switch {
	case containsAny(lower, "timeout", "timed out", "deadline exceeded"):
		warnings = append(warnings, fmt.Sprintf("⚠️ Timeout detected during %s.", stage.activity()))
	case containsAny(lower, "token", "context length", "context window", "context_length"):
		warnings = append(warnings, "⚠️ Context/token limit exceeded.")
	}
	if containsAny(lower, "signal:", "killed", "sigterm", "sigkill") {
		warnings = append(warnings, "⚠️ Worker was terminated by a signal.")
	}
	return warnings
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

// truncate shortens s to n runes
func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n])
}
