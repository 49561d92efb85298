// Package dispatch routes normalized chat input to commands and conversations.
package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/m3rciful/liteim/core/logger"
	"github.com/m3rciful/liteim/internal/action"
	"github.com/m3rciful/liteim/internal/conversation"
	"github.com/m3rciful/liteim/internal/stepstore"
)

// Request is one inbound message after transport normalization. Text is the
// typed text or the data of a pressed choice.
type Request struct {
	Owner action.Owner
	Text  string
}

// Handler runs a non-conversation command.
type Handler func(ctx context.Context, owner action.Owner, args []string) (conversation.Message, error)

// Command describes one slash command.
type Command struct {
	Name        string
	Description string
	Handler     Handler
	AdminOnly   bool
	Hidden      bool
	// Cancels drops the running conversation before Handler runs. Other
	// commands answer without touching it.
	Cancels bool
}

// Broadcaster fans a message out to every known owner.
type Broadcaster interface {
	Broadcast(ctx context.Context, msg conversation.Message) (int, error)
}

// Options wires the dispatcher's collaborators.
type Options struct {
	Engine  *conversation.Engine
	Actions action.Service
	Texts   conversation.Texts
	// QRURL formats a QR image link; %s receives the escaped payment URI.
	QRURL       string
	Broadcaster Broadcaster
	// Admins lists owner ids allowed to run admin commands.
	Admins []string
}

// Dispatcher decides whether input starts a command or continues the owner's
// conversation. Input from one owner is handled one message at a time.
type Dispatcher struct {
	engine   *conversation.Engine
	actions  action.Service
	texts    conversation.Texts
	menus    conversation.Menus
	qrURL    string
	bcast    Broadcaster
	admins   map[string]struct{}
	commands map[string]Command
	locks    ownerLocks
}

const defaultQRURL = "https://api.qrserver.com/v1/create-qr-code/?size=250x250&data=%s"

// New builds a dispatcher with the built-in commands registered.
func New(opts Options) *Dispatcher {
	d := &Dispatcher{
		engine:   opts.Engine,
		actions:  opts.Actions,
		texts:    opts.Texts,
		menus:    conversation.Menus{T: opts.Texts},
		qrURL:    opts.QRURL,
		bcast:    opts.Broadcaster,
		admins:   make(map[string]struct{}, len(opts.Admins)),
		commands: make(map[string]Command),
		locks:    ownerLocks{m: make(map[string]*ownerLock)},
	}
	if d.qrURL == "" {
		d.qrURL = defaultQRURL
	}
	for _, id := range opts.Admins {
		d.admins[id] = struct{}{}
	}
	d.registerBuiltins()
	return d
}

// Register adds a command, replacing any command with the same name.
func (d *Dispatcher) Register(cmd Command) {
	if cmd.Name == "" || cmd.Handler == nil || !strings.HasPrefix(cmd.Name, "/") {
		logger.Warn(context.Background(), logger.CompDispatch, "register.command.skip", slog.String("command", cmd.Name))
		return
	}
	d.commands[strings.ToLower(cmd.Name)] = cmd
}

// Commands lists every command users can see, conversation starters included,
// sorted by name. Transports use it to publish their command menus.
func (d *Dispatcher) Commands() []Command {
	out := make([]Command, 0, len(d.commands)+6)
	for _, c := range d.commands {
		if c.Hidden || c.AdminOnly {
			continue
		}
		out = append(out, c)
	}
	for _, name := range d.engine.Commands() {
		out = append(out, Command{Name: name, Description: conversationDescriptions[name]})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

var conversationDescriptions = map[string]string{
	conversation.CmdSignup:         "Create a Lite.IM wallet",
	conversation.CmdSend:           "Send LTC",
	conversation.CmdChangePassword: "Change your password",
	conversation.CmdChangeEmail:    "Change your email address",
	conversation.CmdExport:         "Export your private key or seed phrase",
	conversation.CmdEnable2FA:      "Enable two factor authentication",
}

// Handle processes one message and returns the reply to render. The reply is
// always usable; a non-nil error describes what went wrong for logging.
func (d *Dispatcher) Handle(ctx context.Context, req Request) (conversation.Message, error) {
	unlock := d.locks.lock(req.Owner.ID)
	defer unlock()

	ctx = logger.WithOwner(ctx, req.Owner.ID, req.Owner.Platform)
	start := time.Now()

	name, args, isCommand := Parse(req.Text)
	var (
		msg conversation.Message
		err error
	)
	if isCommand {
		d.sync(ctx, req.Owner)
		name, msg, err = d.command(ctx, req.Owner, name, args)
	} else {
		name = "continue"
		msg, err = d.engine.Continue(ctx, req.Owner, req.Text)
	}

	attrs := []slog.Attr{
		slog.String("command", name),
		slog.String("status", logger.Status(err)),
		slog.Int64("duration_ms", logger.Took(start).Milliseconds()),
	}
	if err != nil {
		ce := conversation.AsError(err)
		attrs = append(attrs, slog.String("outcome", ce.Kind.String()), slog.String("err_code", ce.Code()))
	}
	logger.Info(ctx, logger.CompDispatch, "dispatch.handled", attrs...)
	return msg, err
}

func (d *Dispatcher) command(ctx context.Context, owner action.Owner, name string, args []string) (string, conversation.Message, error) {
	if strings.EqualFold(name, conversation.CmdRequestNewCode) {
		msg, err := d.requestNewCode(ctx, owner, args)
		return conversation.CmdRequestNewCode, msg, err
	}

	if !strings.EqualFold(name, conversation.CmdEnable2FA) {
		needs, err := d.actions.Needs2FA(ctx, owner)
		if err != nil {
			logger.Warn(ctx, logger.CompDispatch, "gate.failed", slog.String("err", err.Error()))
		}
		if needs {
			logger.Debug(ctx, logger.CompDispatch, "gate.redirect", slog.String("command", name))
			name, args = conversation.CmdEnable2FA, nil
		}
	}

	if c, ok := d.engine.Lookup(name); ok {
		msg, err := d.engine.Begin(ctx, owner, c)
		return c.Command(), msg, err
	}
	if cmd, ok := d.commands[strings.ToLower(name)]; ok {
		if cmd.AdminOnly && !d.isAdmin(owner) {
			return cmd.Name, d.engine.Fallback(), &conversation.Error{Kind: conversation.KindPrecondition, Key: "common.unknown"}
		}
		if cmd.Cancels {
			if err := d.engine.Store().Clear(ctx, owner.ID); err != nil {
				logger.Warn(ctx, logger.CompDispatch, "partial.clear_failed", slog.String("err", err.Error()))
			}
		}
		msg, err := cmd.Handler(ctx, owner, args)
		if err != nil && msg.Text == "" {
			msg = d.engine.Render(nil, err)
		}
		return cmd.Name, msg, err
	}
	return name, d.engine.Fallback(), &conversation.Error{Kind: conversation.KindNotFound, Key: "common.unknown"}
}

// sync pulls the owner's transfers that arrived outside the bot.
func (d *Dispatcher) sync(ctx context.Context, owner action.Owner) {
	if err := d.actions.Sync(ctx, owner); err != nil && !errors.Is(err, action.ErrNotRegistered) {
		logger.Debug(ctx, logger.CompDispatch, "sync.failed", slog.String("err", err.Error()))
	}
}

// requestNewCode rewinds the running conversation to step and replays the
// value captured there. Without a step the running command restarts.
func (d *Dispatcher) requestNewCode(ctx context.Context, owner action.Owner, args []string) (conversation.Message, error) {
	p, err := d.engine.Store().Get(ctx, owner.ID)
	if errors.Is(err, stepstore.ErrNotFound) {
		return d.engine.Fallback(), &conversation.Error{Kind: conversation.KindNotFound, Key: "common.unknown", Err: err}
	}
	if err != nil {
		return d.engine.Render(nil, err), conversation.Transient("common.generic_failure", err)
	}
	c, ok := d.engine.Lookup(p.Command)
	if !ok {
		return d.engine.Fallback(), &conversation.Error{Kind: conversation.KindNotFound, Key: "common.unknown"}
	}
	if len(args) == 0 {
		return d.engine.Begin(ctx, owner, c)
	}
	step := args[0]
	for _, s := range c.Steps() {
		if strings.EqualFold(s, step) {
			step = s
			break
		}
	}
	return d.engine.Rewind(ctx, &conversation.Session{Owner: owner, Partial: p}, step)
}

func (d *Dispatcher) isAdmin(owner action.Owner) bool {
	_, ok := d.admins[owner.ID]
	return ok
}

// Parse splits "/command arg..." into its parts. A "@botname" suffix on the
// command is dropped. ok is false for anything that is not a command.
func Parse(text string) (name string, args []string, ok bool) {
	fields := strings.Fields(text)
	if len(fields) == 0 || !strings.HasPrefix(fields[0], "/") || len(fields[0]) < 2 {
		return "", nil, false
	}
	name, _, _ = strings.Cut(fields[0], "@")
	return name, fields[1:], true
}

type ownerLock struct {
	sync.Mutex
	refs int
}

// ownerLocks hands out one mutex per owner and forgets it once unused.
type ownerLocks struct {
	mu sync.Mutex
	m  map[string]*ownerLock
}

func (l *ownerLocks) lock(id string) func() {
	l.mu.Lock()
	ol, ok := l.m[id]
	if !ok {
		ol = &ownerLock{}
		l.m[id] = ol
	}
	ol.refs++
	l.mu.Unlock()

	ol.Lock()
	return func() {
		ol.Unlock()
		l.mu.Lock()
		ol.refs--
		if ol.refs == 0 {
			delete(l.m, id)
		}
		l.mu.Unlock()
	}
}
