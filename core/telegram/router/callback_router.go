package router

import (
	"log/slog"
	"time"

	"github.com/m3rciful/liteim/core/logger"
	tg "github.com/m3rciful/liteim/core/telegram"
	"github.com/m3rciful/liteim/core/telegram/callbacks"
	"github.com/m3rciful/liteim/core/telegram/middleware"

	tele "gopkg.in/telebot.v4"
)

// CallbackRoute returns a handler that passes every button press to the
// registry's callback handler.
func CallbackRoute(reg *tg.Registry) tg.Route {
	handler := func(c tele.Context) error {
		start := time.Now()
		cb := c.Callback()
		if cb == nil {
			return nil
		}
		data := callbacks.Data(cb)
		extras := []slog.Attr{slog.String("payload", logger.SanitizeLimit(data, 64))}

		_ = c.Respond()

		h := reg.CallbackHandler()
		if h == nil {
			logHandlerSummary(c, "callback", start, "skip", "ok", nil, extras...)
			return nil
		}
		return handleWithSummary(c, "callback", start, "", "", func() error {
			return h(c)
		}, extras...)
	}
	return tg.Route{
		Endpoint: tele.OnCallback,
		Handler:  middleware.RecoverMiddleware(middleware.LoggerMiddleware(handler)),
	}
}
