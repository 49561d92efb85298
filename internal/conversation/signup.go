package conversation

import (
	"context"
	"errors"
	"strings"

	"github.com/m3rciful/liteim/internal/action"
	"github.com/m3rciful/liteim/internal/validate"
)

// Signup step names.
const (
	StepEmail = "email"
	StepPhone = "phone"
	StepCode  = "code"
)

// Signup registers a new owner: email, phone, SMS code, then the password.
type Signup struct{ d Deps }

// NewSignup constructs the signup dialog.
func NewSignup(d Deps) *Signup { return &Signup{d: d} }

func (c *Signup) Command() string      { return CmdSignup }
func (c *Signup) Steps() []string      { return []string{StepEmail, StepPhone, StepCode} }
func (c *Signup) CancelTarget() string { return "/start" }

func (c *Signup) Start(ctx context.Context, s *Session) (Message, error) {
	registered, err := c.d.Actions.Registered(ctx, s.Owner)
	if err != nil {
		return Message{}, Transient("signup.failed", err)
	}
	if registered {
		return Message{}, (&Error{Kind: KindPrecondition, Key: "signup.exists", Err: action.ErrAlreadyRegistered}).
			WithChoices(c.d.menus().Main())
	}
	return c.d.msg("signup.email", nil, c.d.menus().Cancel(c.CancelTarget())), nil
}

func (c *Signup) Validate(step, input string) (string, error) {
	switch step {
	case StepEmail:
		if !validate.IsEmail(input) {
			return "", Validation(step)
		}
		return strings.ToLower(input), nil
	case StepPhone:
		if !validate.IsPhone(input) {
			return "", Validation(step)
		}
		return validate.PhoneDigits(input), nil
	case StepCode:
		return validCode(step, input, c.d.menus().NewCode(StepPhone, c.CancelTarget()))
	}
	return "", Validation(step)
}

func (c *Signup) AfterStep(ctx context.Context, s *Session, step, value string) (Message, error) {
	cancel := c.d.menus().Cancel(c.CancelTarget())
	switch step {
	case StepEmail:
		taken, err := c.d.Actions.EmailRegistered(ctx, value)
		if err != nil {
			return Message{}, Transient("signup.failed", err)
		}
		if taken {
			return Message{}, Unrecoverable("signup.email_taken", action.ErrAlreadyRegistered)
		}
		return c.d.msg("signup.phone", nil, cancel), nil

	case StepPhone:
		taken, err := c.d.Actions.PhoneRegistered(ctx, s.Owner, value)
		if err != nil {
			return Message{}, Transient("signup.failed", err)
		}
		if taken {
			return Message{}, Unrecoverable("signup.phone_taken", action.ErrAlreadyRegistered)
		}
		if err := c.d.Actions.Issue2FA(ctx, s.Owner, value, action.PurposeEnable); err != nil {
			return Message{}, c.d.actionError(err, "common.issue_failed", c.CancelTarget())
		}
		return c.d.msg("signup.code", Vars{"phone": "+" + value}, c.d.menus().NewCode(StepPhone, c.CancelTarget())), nil

	case StepCode:
		if err := c.d.Actions.Check2FA(ctx, s.Owner, value); err != nil {
			return Message{}, c.d.codeError(err, StepPhone, c.CancelTarget())
		}
		return c.d.msg("signup.password", nil, cancel), nil
	}
	return Message{}, Validation(step)
}

func (c *Signup) Complete(ctx context.Context, s *Session, input string) (Message, error) {
	if input == "" {
		return Message{}, Validation("password")
	}
	address, err := c.d.Actions.Signup(ctx, action.SignupRequest{
		Owner:    s.Owner,
		Email:    s.Value(StepEmail),
		Phone:    s.Value(StepPhone),
		Password: input,
	})
	if errors.Is(err, action.ErrAlreadyRegistered) {
		return Message{}, (&Error{Kind: KindPrecondition, Key: "signup.exists", Err: err}).
			WithChoices(c.d.menus().Main())
	}
	if err != nil {
		return Message{}, c.d.actionError(err, "signup.failed", c.CancelTarget())
	}
	return c.d.msg("signup.done", Vars{"address": address}, c.d.menus().Main()), nil
}
