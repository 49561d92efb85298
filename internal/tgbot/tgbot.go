// Package tgbot adapts the dispatcher to Telegram: it turns updates into
// dispatch requests and keeps one live bot message per owner, replacing it on
// typed input and editing it in place on button presses.
package tgbot

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/m3rciful/liteim/core/logger"
	tg "github.com/m3rciful/liteim/core/telegram"
	"github.com/m3rciful/liteim/core/telegram/callbacks"
	"github.com/m3rciful/liteim/core/telegram/commands"
	tghelpers "github.com/m3rciful/liteim/core/telegram/helpers"
	"github.com/m3rciful/liteim/core/telegram/middleware"
	"github.com/m3rciful/liteim/internal/accounts"
	"github.com/m3rciful/liteim/internal/action"
	"github.com/m3rciful/liteim/internal/conversation"
	"github.com/m3rciful/liteim/internal/dispatch"

	tele "gopkg.in/telebot.v4"
)

// ErrNotAttached is returned by Push before the Bot API client is attached.
var ErrNotAttached = errors.New("tgbot: bot api not attached")

// API is the part of *tele.Bot used to render replies.
type API interface {
	Send(to tele.Recipient, what interface{}, opts ...interface{}) (*tele.Message, error)
	Edit(msg tele.Editable, what interface{}, opts ...interface{}) (*tele.Message, error)
	Delete(msg tele.Editable) error
}

// Handler answers one normalized message.
type Handler interface {
	Handle(ctx context.Context, req dispatch.Request) (conversation.Message, error)
}

// Messages remembers the last bot message shown to each owner.
type Messages interface {
	LastMessage(ctx context.Context, ownerID string) (accounts.BotMessage, error)
	RememberMessage(ctx context.Context, m accounts.BotMessage) error
	ForgetMessage(ctx context.Context, ownerID string) error
}

// Options configure a Bot.
type Options struct {
	Handler  Handler
	Messages Messages
	// Timeout bounds the handling of one update; 0 selects 30s.
	Timeout time.Duration
}

// Bot is the Telegram transport.
type Bot struct {
	handler  Handler
	messages Messages
	timeout  time.Duration
	data     *dataTable

	mu  sync.RWMutex
	api API
}

// New builds an unattached transport; see Attach.
func New(opts Options) *Bot {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	return &Bot{
		handler:  opts.Handler,
		messages: opts.Messages,
		timeout:  opts.Timeout,
		data:     newDataTable(4096),
	}
}

// Attach sets the Bot API client once the telebot runtime has started.
func (b *Bot) Attach(api API) {
	b.mu.Lock()
	b.api = api
	b.mu.Unlock()
}

func (b *Bot) client() API {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.api
}

// Register publishes cmds in the registry and routes free text and button
// presses to the dispatcher.
func (b *Bot) Register(reg *tg.Registry, cmds []dispatch.Command) {
	for _, c := range cmds {
		desc := c.Description
		if desc == "" {
			desc = strings.TrimPrefix(c.Name, "/")
		}
		reg.RegisterCommand(c.Name, commands.Command{
			Handler:     b.OnUpdate,
			Description: desc,
			Hidden:      c.Hidden || c.AdminOnly,
		})
	}
	reg.SetTextFallback(b.OnUpdate)
	reg.SetCallbackHandler(b.OnUpdate)
}

// Input is one update reduced to what the transport needs.
type Input struct {
	Owner  action.Owner
	ChatID int64
	Text   string
	// Pressed is the message carrying the pressed button, nil for typed text.
	Pressed tele.Editable
}

// OnUpdate is the telebot handler for commands, text and callbacks.
func (b *Bot) OnUpdate(c tele.Context) error {
	user, chat := c.Sender(), c.Chat()
	if user == nil || chat == nil {
		return nil
	}
	name := user.Username
	if name == "" {
		name = strings.TrimSpace(user.FirstName + " " + user.LastName)
	}
	in := Input{
		Owner:  action.NewOwner(action.PlatformTelegram, strconv.FormatInt(user.ID, 10), name),
		ChatID: chat.ID,
		Text:   c.Text(),
	}
	if cb := c.Callback(); cb != nil {
		in.Text = b.data.decode(callbacks.Data(cb))
		if cb.Message != nil {
			in.Pressed = cb.Message
		}
	}
	msg, err := b.Process(tghelpers.BuildContext(c), in)
	middleware.CountMessage(c, len(msg.Choices) > 0)
	return err
}

// Process handles in and schedules the reply. Engine failures are already
// rendered into the reply, so only delivery problems are returned.
func (b *Bot) Process(ctx context.Context, in Input) (conversation.Message, error) {
	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	msg, err := b.handler.Handle(ctx, dispatch.Request{Owner: in.Owner, Text: in.Text})
	if err != nil {
		logger.Debug(ctx, "tg", "tg.handle_failed", slog.String("err", logger.SanitizeLimit(err.Error(), 256)))
	}
	if msg.Text == "" && msg.Photo == "" {
		return msg, nil
	}

	api := b.client()
	if api == nil {
		return msg, ErrNotAttached
	}
	jobCtx := context.WithoutCancel(ctx)
	return msg, tghelpers.Deliver(jobCtx, in.Owner.ID, "reply", "sendMessage", func() error {
		return b.reply(jobCtx, api, in, msg)
	})
}

// reply replaces the owner's live message with msg.
func (b *Bot) reply(ctx context.Context, api API, in Input, msg conversation.Message) error {
	what, opts := render(msg, b.data)

	if in.Pressed != nil && msg.Photo == "" {
		_, err := api.Edit(in.Pressed, what, opts)
		if err == nil || notModified(err) {
			return nil
		}
		logger.Debug(ctx, "tg", "tg.edit_failed", slog.String("err", logger.SanitizeLimit(err.Error(), 256)))
	}

	b.deleteLast(ctx, api, in)
	sent, err := api.Send(tele.ChatID(in.ChatID), what, opts)
	if err != nil {
		if ferr := b.messages.ForgetMessage(ctx, in.Owner.ID); ferr != nil {
			logger.Warn(ctx, "tg", "tg.forget_failed", slog.String("err", ferr.Error()))
		}
		return err
	}
	if err := b.messages.RememberMessage(ctx, accounts.BotMessage{
		OwnerID:   in.Owner.ID,
		ChatID:    in.ChatID,
		MessageID: sent.ID,
	}); err != nil {
		logger.Warn(ctx, "tg", "tg.remember_failed", slog.String("err", err.Error()))
	}
	return nil
}

func (b *Bot) deleteLast(ctx context.Context, api API, in Input) {
	target := in.Pressed
	if target == nil {
		last, err := b.messages.LastMessage(ctx, in.Owner.ID)
		if err != nil {
			if !errors.Is(err, accounts.ErrNotFound) {
				logger.Warn(ctx, "tg", "tg.last_message_failed", slog.String("err", err.Error()))
			}
			return
		}
		target = tele.StoredMessage{MessageID: strconv.Itoa(last.MessageID), ChatID: last.ChatID}
	}
	if err := api.Delete(target); err != nil {
		logger.Debug(ctx, "tg", "tg.delete_failed", slog.String("err", logger.SanitizeLimit(err.Error(), 256)))
	}
}

// Push sends an unsolicited message to a Telegram user. The owner's live
// conversation message is left in place.
func (b *Bot) Push(ctx context.Context, platformID string, msg conversation.Message) error {
	chatID, err := strconv.ParseInt(platformID, 10, 64)
	if err != nil {
		return err
	}
	api := b.client()
	if api == nil {
		return ErrNotAttached
	}
	what, opts := render(msg, b.data)
	_, err = api.Send(tele.ChatID(chatID), what, opts)
	return err
}

func notModified(err error) bool {
	return strings.Contains(err.Error(), "message is not modified")
}
