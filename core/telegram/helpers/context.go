package helpers

import (
	"context"
	"strconv"

	"github.com/m3rciful/liteim/core/logger"

	tele "gopkg.in/telebot.v4"
)

// Platform prefixes owner ids of Telegram users.
const Platform = "tg"

const ctxKey = "liteim.ctx"

// OwnerID is the platform-prefixed id of a Telegram user.
func OwnerID(userID int64) string {
	return Platform + ":" + strconv.FormatInt(userID, 10)
}

// BuildContext returns the request context of update c. The first call
// derives it (rid, update ids, owner, tg logger) and caches it on c.
func BuildContext(c tele.Context) context.Context {
	if ctx, ok := c.Get(ctxKey).(context.Context); ok {
		return ctx
	}

	var chatID, userID int64
	if chat := c.Chat(); chat != nil {
		chatID = chat.ID
	}
	if user := c.Sender(); user != nil {
		userID = user.ID
	}
	updateID := c.Update().ID

	rid, _ := c.Get("rid").(string)
	if rid == "" {
		rid = logger.BuildRID(updateID, chatID, userID)
	}
	ctx := logger.WithUpdateMeta(logger.WithRID(context.Background(), rid), updateID, userID, chatID)
	if userID != 0 {
		ctx = logger.WithOwner(ctx, OwnerID(userID), Platform)
	}
	ctx = logger.WithLogger(ctx, logger.Component("tg"))
	c.Set(ctxKey, ctx)
	return ctx
}

// WithHandler tags the cached context of c with the handler name.
func WithHandler(c tele.Context, handler string) context.Context {
	ctx := BuildContext(c)
	if handler != "" {
		ctx = logger.WithHandler(ctx, handler)
		c.Set(ctxKey, ctx)
	}
	return ctx
}
