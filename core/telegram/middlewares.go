package telegram

import (
	"time"

	coreconfig "github.com/m3rciful/liteim/core/config"
	"github.com/m3rciful/liteim/core/telegram/middleware"

	tele "gopkg.in/telebot.v4"
)

// DefaultMiddlewares builds the chain every update passes through: panic
// recovery, the update log line, the per-user rate limit when configured,
// and the reply counters. onLimited answers updates that were dropped.
func DefaultMiddlewares(cfg *coreconfig.Config, onLimited tele.HandlerFunc) []Middleware {
	mws := []Middleware{
		{Name: "recover", Use: middleware.RecoverMiddleware},
		{Name: "logger", Use: middleware.LoggerMiddleware},
	}
	if limit := rateLimit(cfg, onLimited); limit != nil {
		mws = append(mws, Middleware{Name: "rate_limit", Use: limit})
	}
	return append(mws, Middleware{Name: "metrics", Use: middleware.MessageMetricsMiddleware})
}

func rateLimit(cfg *coreconfig.Config, onLimited tele.HandlerFunc) tele.MiddlewareFunc {
	if cfg == nil || cfg.RateLimit.IntervalMS <= 0 {
		return nil
	}
	exclude := make(map[string]struct{}, len(cfg.RateLimit.ExcludeUpdates))
	for _, kind := range cfg.RateLimit.ExcludeUpdates {
		exclude[kind] = struct{}{}
	}
	return middleware.RateLimitMiddleware(middleware.RateLimitOptions{
		Interval:  time.Duration(cfg.RateLimit.IntervalMS) * time.Millisecond,
		Burst:     cfg.RateLimit.Burst,
		Exclude:   exclude,
		OnLimited: onLimited,
	})
}
