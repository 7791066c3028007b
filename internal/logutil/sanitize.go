// Package logutil prepares peer-supplied strings for log lines.
package logutil

import "strings"

// maxLogField bounds how much of a single peer-supplied value reaches a log
// line.
const maxLogField = 256

// SanitizeForLog flattens line breaks and tabs to spaces, strips the
// remaining control characters and truncates the result, so that a peer
// cannot forge or flood log entries through request names, signal names or
// channel types.
func SanitizeForLog(s string) string {
	var b strings.Builder
	b.Grow(min(len(s), maxLogField))
	n := 0
	for _, r := range s {
		if n >= maxLogField {
			b.WriteString("...")
			break
		}
		switch {
		case r == '\n' || r == '\r' || r == '\t':
			r = ' '
		case r < 32 || r == 0x7f:
			continue
		}
		b.WriteRune(r)
		n++
	}
	return b.String()
}
