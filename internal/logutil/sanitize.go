package logutil

import (
	"strings"
	"unicode"
)

// maxLogValueLen caps how much of a user-supplied value ends up in a log line.
const maxLogValueLen = 256

// SanitizeForLog removes newlines and control characters from user-provided
// strings (hosts, usernames, session ids) so they cannot forge log entries.
func SanitizeForLog(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch {
		case r == '\n' || r == '\r' || r == '\t':
			b.WriteByte(' ')
		case unicode.IsControl(r):
		default:
			b.WriteRune(r)
		}
	}
	return Truncate(b.String(), maxLogValueLen)
}

// Truncate shortens s to at most n runes, marking the cut with "...".
func Truncate(s string, n int) string {
	if n <= 0 {
		return ""
	}
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	if n <= 3 {
		return string(runes[:n])
	}
	return string(runes[:n-3]) + "..."
}
