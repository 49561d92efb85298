package logger

import (
	"strings"
	"time"
)

// Status is the status attribute for an operation ending with err.
func Status(err error) string {
	if err == nil {
		return "ok"
	}
	return "error"
}

// RoundMS rounds d to whole milliseconds; negative durations become zero.
func RoundMS(d time.Duration) time.Duration {
	return max(d, 0).Round(time.Millisecond)
}

// Took is RoundMS of the time elapsed since start.
func Took(start time.Time) time.Duration { return RoundMS(time.Since(start)) }

// SummarizeStrings joins at most limit values with ", " and reports whether
// some were left out.
func SummarizeStrings(values []string, limit int) (string, bool) {
	limit = max(limit, 0)
	if len(values) <= limit {
		return strings.Join(values, ", "), false
	}
	return strings.Join(values[:limit], ", "), true
}

// Mask hides all but the last keep runes of s, e.g. a phone number.
func Mask(s string, keep int) string {
	r := []rune(strings.TrimSpace(s))
	hidden := max(len(r)-keep, 0)
	if hidden == 0 {
		hidden = len(r)
	}
	return strings.Repeat("*", hidden) + string(r[hidden:])
}
