package middleware

import (
	tele "gopkg.in/telebot.v4"
)

const (
	keyMessages = "messages"
	keyKeyboard = "kb"
)

// MessageMetricsMiddleware resets the per-update reply counters read by the
// update logger.
func MessageMetricsMiddleware(next tele.HandlerFunc) tele.HandlerFunc {
	return func(c tele.Context) error {
		c.Set(keyMessages, 0)
		c.Set(keyKeyboard, false)
		return next(c)
	}
}

// CountMessage records one outbound message for the current update.
func CountMessage(c tele.Context, keyboard bool) {
	if c == nil {
		return
	}
	n, _ := c.Get(keyMessages).(int)
	c.Set(keyMessages, n+1)
	if keyboard {
		c.Set(keyKeyboard, true)
	}
}

// GetCounters reads message count and keyboard presence flags from context.
func GetCounters(c tele.Context) (int, bool) {
	msgs, _ := c.Get(keyMessages).(int)
	kb, _ := c.Get(keyKeyboard).(bool)
	return msgs, kb
}
