// Package format prepares text for the Bot API.
package format

import "unicode/utf8"

const (
	// MaxMessage is the longest text a single message may carry.
	MaxMessage = 4096
	// MaxCaption is the longest caption a photo may carry.
	MaxCaption = 1024
	// MaxCallbackData is the byte limit of inline button data.
	MaxCallbackData = 64
)

// Truncate cuts s to at most max runes, ending it with an ellipsis when
// anything was removed.
func Truncate(s string, max int) string {
	if max <= 0 || utf8.RuneCountInString(s) <= max {
		return s
	}
	runes := []rune(s)
	return string(runes[:max-1]) + "…"
}
