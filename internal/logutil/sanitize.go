package logutil

import "strings"

// SanitizeForLog strips control characters from user-supplied strings so a
// crafted value cannot forge extra log lines. Newlines and tabs become
// spaces; every other character below 0x20 is dropped.
func SanitizeForLog(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch {
		case r == '\n' || r == '\r' || r == '\t':
			b.WriteRune(' ')
		case r < 32:
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}
