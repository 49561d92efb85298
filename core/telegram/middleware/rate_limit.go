package middleware

import (
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/m3rciful/liteim/core/logger"
	tghelpers "github.com/m3rciful/liteim/core/telegram/helpers"

	tele "gopkg.in/telebot.v4"
)

// RateLimitOptions configures behaviour of the rate limit middleware.
type RateLimitOptions struct {
	Interval time.Duration
	// Burst lets a user send a few updates back to back; 0 selects 1.
	Burst     int
	Exclude   map[string]struct{}
	OnLimited tele.HandlerFunc
}

// RateLimitMiddleware returns a middleware that allows each user one update
// per Interval on average.
func RateLimitMiddleware(opts RateLimitOptions) tele.MiddlewareFunc {
	if opts.Burst <= 0 {
		opts.Burst = 1
	}
	var (
		limiters   = make(map[int64]*rate.Limiter)
		limitersMu sync.Mutex
	)
	limiterFor := func(id int64) *rate.Limiter {
		limitersMu.Lock()
		defer limitersMu.Unlock()
		l, ok := limiters[id]
		if !ok {
			l = rate.NewLimiter(rate.Every(opts.Interval), opts.Burst)
			limiters[id] = l
		}
		return l
	}
	return func(next tele.HandlerFunc) tele.HandlerFunc {
		return func(c tele.Context) error {
			user := c.Sender()
			if user == nil || opts.Interval <= 0 {
				return next(c)
			}

			upd := c.Update()
			kind := "other"
			switch {
			case upd.Callback != nil:
				kind = "callback"
			case upd.Message != nil:
				kind = "message"
			case upd.Query != nil:
				kind = "inline_query"
			}
			if _, skip := opts.Exclude[kind]; skip {
				return next(c)
			}

			if !limiterFor(user.ID).Allow() {
				logger.Warn(tghelpers.BuildContext(c), "tg", "tg.rate_limit",
					slog.String("kind", kind),
				)
				if opts.OnLimited != nil {
					_ = opts.OnLimited(c)
				}
				return nil
			}
			return next(c)
		}
	}
}
