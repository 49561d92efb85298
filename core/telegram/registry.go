package telegram

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/m3rciful/liteim/core/logger"
	"github.com/m3rciful/liteim/core/telegram/commands"

	tele "gopkg.in/telebot.v4"
)

// Registry holds bot commands, the callback handler and the text fallback.
type Registry struct {
	mu           sync.RWMutex
	commands     map[string]commands.Command
	callback     tele.HandlerFunc
	textFallback tele.HandlerFunc
}

// NewRegistry creates an empty Registry whose callback handler rejects
// every button press.
func NewRegistry() *Registry {
	return &Registry{
		commands: make(map[string]commands.Command),
		callback: func(c tele.Context) error {
			_ = c.Respond(&tele.CallbackResponse{Text: "Unsupported action"})
			return nil
		},
	}
}

// RegisterCommand adds a new command.
func (r *Registry) RegisterCommand(name string, cmd commands.Command) {
	if r == nil || name == "" || cmd.Handler == nil || cmd.Description == "" {
		logger.TWire.LogAttrs(context.Background(), slog.LevelWarn, "register.command.skip",
			slog.String("name", name),
			slog.String("reason", "invalid"),
		)
		return
	}
	if name[0] != '/' {
		logger.TWire.LogAttrs(context.Background(), slog.LevelWarn, "register.command.skip",
			slog.String("name", name),
			slog.String("reason", "no_slash_prefix"),
		)
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.commands[name]; exists {
		logger.TWire.LogAttrs(context.Background(), slog.LevelWarn, "register.command.duplicate",
			slog.String("name", name),
		)
		return
	}
	r.commands[name] = cmd
}

// ListCommands returns a slice of tele.Command, optionally filtering out hidden commands.
func (r *Registry) ListCommands(visibleOnly bool) []tele.Command {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var list []tele.Command
	for cmd, meta := range r.commands {
		if visibleOnly && meta.Hidden {
			continue
		}
		list = append(list, tele.Command{Text: strings.TrimPrefix(cmd, "/"), Description: meta.Description})
	}
	sort.Slice(list, func(i, j int) bool { return list[i].Text < list[j].Text })
	return list
}

// LookupCommand finds a command by name, with or without the leading slash.
// Names are matched case-insensitively and a @botname suffix is ignored.
func (r *Registry) LookupCommand(name string) (string, commands.Command, bool) {
	name, _, _ = strings.Cut(name, "@")
	if !strings.HasPrefix(name, "/") {
		name = "/" + name
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	if cmd, ok := r.commands[name]; ok {
		return name, cmd, true
	}
	for key, cmd := range r.commands {
		if strings.EqualFold(key, name) {
			return key, cmd, true
		}
	}
	return "", commands.Command{}, false
}

// Commands returns a snapshot of the registered commands.
func (r *Registry) Commands() map[string]commands.Command {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]commands.Command, len(r.commands))
	for k, v := range r.commands {
		out[k] = v
	}
	return out
}

// SetCallbackHandler replaces the handler for inline button presses.
func (r *Registry) SetCallbackHandler(h tele.HandlerFunc) {
	if h == nil {
		return
	}
	r.mu.Lock()
	r.callback = h
	r.mu.Unlock()
}

// CallbackHandler returns the handler for inline button presses.
func (r *Registry) CallbackHandler() tele.HandlerFunc {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.callback
}

// SetTextFallback sets a global fallback handler for unknown text messages.
func (r *Registry) SetTextFallback(h tele.HandlerFunc) {
	r.mu.Lock()
	r.textFallback = h
	r.mu.Unlock()
}

// TextFallback returns the current text fallback handler.
func (r *Registry) TextFallback() tele.HandlerFunc {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.textFallback
}

// InitBotCommands sets the Telegram bot commands shown in the command menu.
func InitBotCommands(bot *tele.Bot, reg *Registry) {
	commands := reg.ListCommands(true)
	if err := bot.SetCommands(commands); err != nil {
		logger.TWire.LogAttrs(context.Background(), slog.LevelError, "register.commands.set_failed",
			slog.String("err", err.Error()),
		)
	}
}
