// Package callbacks reads inline button presses.
package callbacks

import (
	"strings"

	tele "gopkg.in/telebot.v4"
)

// ParseCallbackData parses Telebot's \f<unique>|<payload> encoding.
// Returns unique and payload (may be empty).
func ParseCallbackData(cb *tele.Callback) (string, string) {
	if cb == nil {
		return "", ""
	}
	raw := strings.TrimPrefix(cb.Data, "\f")
	parts := strings.SplitN(raw, "|", 2)
	unique := strings.TrimSpace(parts[0])
	payload := ""
	if len(parts) == 2 {
		payload = parts[1]
	}
	return unique, payload
}

// Data returns the button payload. Telebot already splits \f<unique>|<payload>
// for processed updates; raw data still carrying the prefix is parsed here.
// Buttons built without a unique key carry their data verbatim, which is how
// conversation choices are encoded.
func Data(cb *tele.Callback) string {
	if cb == nil {
		return ""
	}
	if strings.HasPrefix(cb.Data, "\f") {
		_, payload := ParseCallbackData(cb)
		return payload
	}
	return cb.Data
}
