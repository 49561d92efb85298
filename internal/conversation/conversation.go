// Package conversation runs the multi-step chat dialogs (signup, send, change
// password or email, export, enable two factor) on top of a step store.
//
// Every dialog declares an ordered list of steps. The first step missing from
// the owner's partial is the current one; once all are captured the next reply
// completes the dialog. The Engine owns persistence and error rendering so each
// dialog only describes validation, per-step transitions and completion.
package conversation

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"strings"

	"github.com/m3rciful/liteim/core/logger"
	"github.com/m3rciful/liteim/internal/action"
	"github.com/m3rciful/liteim/internal/stepstore"
)

// Commands that start a dialog, plus the code replay meta-command.
const (
	CmdSignup         = "/signup"
	CmdSend           = "/send"
	CmdChangePassword = "/changePassword"
	CmdChangeEmail    = "/changeEmail"
	CmdExport         = "/export"
	CmdEnable2FA      = "/enable2fa"
	CmdRequestNewCode = "/requestNew2FACode"
)

// Session is the explicit state handed to every dialog call.
type Session struct {
	Owner   action.Owner
	Partial *stepstore.Partial
}

// Value returns the captured value of step or "".
func (s *Session) Value(step string) string {
	v, _ := s.Partial.Value(step)
	return v
}

// Conversation is one dialog type.
type Conversation interface {
	// Command is the slash command that starts the dialog.
	Command() string
	// Steps lists step names in capture order.
	Steps() []string
	// CancelTarget is the command behind the Cancel button.
	CancelTarget() string
	// Start renders the first prompt. It may perform side effects such as
	// issuing a code; a failure ends the dialog.
	Start(ctx context.Context, s *Session) (Message, error)
	// Validate checks input for step without I/O and returns the value to store.
	Validate(step, input string) (string, error)
	// AfterStep runs once value has been stored and returns the next prompt.
	// A failure un-stores the step so it is asked again. A value replaced
	// through s.Partial.Set is stored in place of the typed one.
	AfterStep(ctx context.Context, s *Session, step, value string) (Message, error)
	// Complete consumes the final reply (usually the password).
	Complete(ctx context.Context, s *Session, input string) (Message, error)
}

// CurrentStep returns the first declared step missing from p, or "" when every
// step is captured.
func CurrentStep(c Conversation, p *stepstore.Partial) string {
	for _, step := range c.Steps() {
		if !p.Has(step) {
			return step
		}
	}
	return ""
}

// StepIndex returns the position of step in c's declaration or -1.
func StepIndex(c Conversation, step string) int {
	for i, s := range c.Steps() {
		if s == step {
			return i
		}
	}
	return -1
}

// Engine drives conversations against a step store.
type Engine struct {
	store stepstore.Store
	texts Texts
	menus Menus
	convs map[string]Conversation
}

// NewEngine registers convs by their lower-cased command.
func NewEngine(store stepstore.Store, texts Texts, convs ...Conversation) *Engine {
	e := &Engine{store: store, texts: texts, menus: Menus{T: texts}, convs: make(map[string]Conversation, len(convs))}
	for _, c := range convs {
		e.convs[strings.ToLower(c.Command())] = c
	}
	return e
}

// Lookup finds the dialog started by command, case-insensitively.
func (e *Engine) Lookup(command string) (Conversation, bool) {
	c, ok := e.convs[strings.ToLower(command)]
	return c, ok
}

// Commands returns the registered dialog commands, sorted.
func (e *Engine) Commands() []string {
	out := make([]string, 0, len(e.convs))
	for _, c := range e.convs {
		out = append(out, c.Command())
	}
	sort.Strings(out)
	return out
}

// Store exposes the underlying step store.
func (e *Engine) Store() stepstore.Store { return e.store }

// Begin replaces the owner's partial with a fresh one for c and renders the
// first prompt. When the first prompt fails the new partial is dropped.
func (e *Engine) Begin(ctx context.Context, owner action.Owner, c Conversation) (Message, error) {
	p, err := e.store.Create(ctx, owner.ID, c.Command())
	if err != nil {
		return e.fail(ctx, c, Transient("common.generic_failure", err))
	}
	s := &Session{Owner: owner, Partial: p}
	msg, err := c.Start(ctx, s)
	if err != nil {
		if cerr := e.store.Clear(ctx, owner.ID); cerr != nil {
			logger.Warn(ctx, logger.CompConversation, "conv.clear_failed", slog.String("err", cerr.Error()))
		}
		return e.fail(ctx, c, err)
	}
	e.logStep(ctx, c, "start", "ok")
	return msg, nil
}

// Continue loads the owner's partial and feeds input to it.
func (e *Engine) Continue(ctx context.Context, owner action.Owner, input string) (Message, error) {
	p, err := e.store.Get(ctx, owner.ID)
	if errors.Is(err, stepstore.ErrNotFound) {
		return e.Fallback(), &Error{Kind: KindNotFound, Key: "common.unknown", Err: err}
	}
	if err != nil {
		return e.fail(ctx, nil, Transient("common.generic_failure", err))
	}
	return e.SetCurrentStep(ctx, &Session{Owner: owner, Partial: p}, input)
}

// SetCurrentStep processes one reply for the session's partial. The returned
// message is always renderable; the error reports what went wrong, if anything.
//
// With a current step the input is validated, stored and passed to AfterStep;
// a validation failure stores nothing and an AfterStep failure removes the step
// again. Without a current step the input completes the dialog: success clears
// the partial, failure leaves every captured step in place.
func (e *Engine) SetCurrentStep(ctx context.Context, s *Session, input string) (Message, error) {
	c, ok := e.Lookup(s.Partial.Command)
	if !ok {
		return e.Fallback(), &Error{Kind: KindNotFound, Key: "common.unknown"}
	}
	input = strings.TrimSpace(input)

	step := CurrentStep(c, s.Partial)
	if step == "" {
		msg, err := c.Complete(ctx, s, input)
		if err != nil {
			return e.fail(ctx, c, err)
		}
		if err := e.store.Clear(ctx, s.Owner.ID); err != nil {
			logger.Warn(ctx, logger.CompConversation, "conv.clear_failed",
				slog.String("command", c.Command()),
				slog.String("err", err.Error()),
			)
		}
		e.logStep(ctx, c, "complete", "ok")
		return msg, nil
	}

	value, err := c.Validate(step, input)
	if err != nil {
		ce := AsError(err)
		if ce.Kind == KindTransient && ce.Step == "" {
			ce = Validation(step)
		}
		ce.Step = step
		return e.fail(ctx, c, ce)
	}

	if err := e.store.SetFields(ctx, s.Owner.ID, stepstore.Field{Step: step, Value: value}); err != nil {
		ce := Transient("common.store_failed", err).WithVars(Vars{"step": step})
		ce.Step = step
		return e.fail(ctx, c, ce)
	}
	s.Partial.Set(step, value)

	msg, err := c.AfterStep(ctx, s, step, value)
	if err != nil {
		if uerr := e.store.Unset(ctx, s.Owner.ID, step); uerr != nil {
			logger.Error(ctx, logger.CompConversation, "conv.unset_failed",
				slog.String("step", step),
				slog.String("err", uerr.Error()),
			)
		}
		s.Partial.Unset(step)
		ce := AsError(err)
		if ce.Step == "" {
			ce.Step = step
		}
		return e.fail(ctx, c, ce)
	}
	if kept, _ := s.Partial.Value(step); kept != value {
		if err := e.store.SetFields(ctx, s.Owner.ID, stepstore.Field{Step: step, Value: kept}); err != nil {
			_ = e.store.Unset(ctx, s.Owner.ID, step)
			s.Partial.Unset(step)
			ce := Transient("common.store_failed", err).WithVars(Vars{"step": step})
			ce.Step = step
			return e.fail(ctx, c, ce)
		}
	}
	e.logStep(ctx, c, step, "ok")
	return msg, nil
}

// Rewind removes step and every later captured step, then replays the removed
// value of step through SetCurrentStep. Only captured steps can be rewound, so
// the replay never moves the dialog past where it already was.
func (e *Engine) Rewind(ctx context.Context, s *Session, step string) (Message, error) {
	c, ok := e.Lookup(s.Partial.Command)
	if !ok {
		return e.Fallback(), &Error{Kind: KindNotFound, Key: "common.unknown"}
	}
	idx := StepIndex(c, step)
	value, captured := s.Partial.Value(step)
	if idx < 0 || !captured {
		return e.fail(ctx, c, &Error{
			Kind: KindPrecondition,
			Step: step,
			Key:  "common.nothing_to_resend",
			Vars: Vars{"step": step},
		})
	}
	later := c.Steps()[idx:]
	if err := e.store.Unset(ctx, s.Owner.ID, later...); err != nil {
		return e.fail(ctx, c, Transient("common.store_failed", err).WithVars(Vars{"step": step}))
	}
	s.Partial.Unset(later...)
	e.logStep(ctx, c, step, "retry")
	return e.SetCurrentStep(ctx, s, value)
}

// Fallback is the reply to free text when no dialog is running.
func (e *Engine) Fallback() Message {
	return Message{Text: e.texts.Text("common.unknown", nil), Choices: e.menus.Cancel("/help")}
}

// Render converts err into a message, defaulting the keyboard to Cancel.
func (e *Engine) Render(c Conversation, err error) Message {
	ce := AsError(err)
	msg := ce.Render(e.texts)
	if msg.Choices == nil {
		target := "/help"
		if c != nil {
			target = c.CancelTarget()
		}
		msg.Choices = e.menus.Cancel(target)
	}
	return msg
}

func (e *Engine) fail(ctx context.Context, c Conversation, err error) (Message, error) {
	ce := AsError(err)
	attrs := []slog.Attr{
		slog.String("step", ce.Step),
		slog.String("outcome", ce.Kind.String()),
		slog.String("err_code", ce.Code()),
	}
	if c != nil {
		attrs = append(attrs, slog.String("command", c.Command()))
	}
	if ce.Err != nil {
		attrs = append(attrs, slog.String("err", ce.Err.Error()))
	}
	switch ce.Kind {
	case KindValidation, KindUnrecoverable, KindPrecondition:
		logger.Debug(ctx, logger.CompConversation, "conv.rejected", attrs...)
	default:
		logger.Warn(ctx, logger.CompConversation, "conv.failed", attrs...)
	}
	return e.Render(c, ce), ce
}

func (e *Engine) logStep(ctx context.Context, c Conversation, step, outcome string) {
	logger.Debug(ctx, logger.CompConversation, "conv.step",
		slog.String("command", c.Command()),
		slog.String("step", step),
		slog.String("outcome", outcome),
	)
}
