package conversation

import (
	"context"
	"strings"

	"github.com/m3rciful/liteim/internal/action"
	"github.com/m3rciful/liteim/internal/validate"
)

// Step names of the account dialogs.
const (
	StepNewEmail = "newEmail"
	StepType     = "type"
	StepNumber   = "number"
)

// ChangePassword asks for an SMS code, then "current new" passwords.
type ChangePassword struct{ d Deps }

// NewChangePassword constructs the change password dialog.
func NewChangePassword(d Deps) *ChangePassword { return &ChangePassword{d: d} }

func (c *ChangePassword) Command() string      { return CmdChangePassword }
func (c *ChangePassword) Steps() []string      { return []string{StepCode} }
func (c *ChangePassword) CancelTarget() string { return "/help" }

// Start issues the code right away, so "New Code" restarts the dialog.
func (c *ChangePassword) Start(ctx context.Context, s *Session) (Message, error) {
	if err := c.d.Actions.Request2FA(ctx, s.Owner); err != nil {
		return Message{}, c.d.actionError(err, "common.issue_failed", c.CancelTarget())
	}
	return c.d.msg("change_password.code", nil, c.d.menus().NewCode("", c.CancelTarget())), nil
}

func (c *ChangePassword) Validate(step, input string) (string, error) {
	if step == StepCode {
		return validCode(step, input, c.d.menus().NewCode("", c.CancelTarget()))
	}
	return "", Validation(step)
}

func (c *ChangePassword) AfterStep(ctx context.Context, s *Session, step, value string) (Message, error) {
	if err := c.d.Actions.Check2FA(ctx, s.Owner, value); err != nil {
		return Message{}, c.d.codeError(err, "", c.CancelTarget())
	}
	return c.d.msg("change_password.passwords", nil, c.d.menus().Cancel(c.CancelTarget())), nil
}

func (c *ChangePassword) Complete(ctx context.Context, s *Session, input string) (Message, error) {
	parts := strings.Fields(input)
	if len(parts) != 2 {
		return Message{}, (&Error{Kind: KindValidation, Step: "password", Key: "change_password.format"}).
			WithChoices(c.d.menus().Cancel(c.CancelTarget()))
	}
	if err := c.d.Actions.ChangePassword(ctx, s.Owner, parts[0], parts[1]); err != nil {
		return Message{}, c.d.actionError(err, "common.sorry_retry", c.CancelTarget())
	}
	return c.d.msg("change_password.done", nil, c.d.menus().Main()), nil
}

// ChangeEmail collects the new address and an SMS code, then the password.
type ChangeEmail struct{ d Deps }

// NewChangeEmail constructs the change email dialog.
func NewChangeEmail(d Deps) *ChangeEmail { return &ChangeEmail{d: d} }

func (c *ChangeEmail) Command() string      { return CmdChangeEmail }
func (c *ChangeEmail) Steps() []string      { return []string{StepNewEmail, StepCode} }
func (c *ChangeEmail) CancelTarget() string { return "/help" }

func (c *ChangeEmail) Start(ctx context.Context, s *Session) (Message, error) {
	if err := requireRegistered(ctx, c.d, s.Owner, c.CancelTarget()); err != nil {
		return Message{}, err
	}
	return c.d.msg("change_email.email", nil, c.d.menus().Cancel(c.CancelTarget())), nil
}

func (c *ChangeEmail) Validate(step, input string) (string, error) {
	switch step {
	case StepNewEmail:
		if !validate.IsEmail(input) {
			return "", Validation("email")
		}
		return strings.ToLower(input), nil
	case StepCode:
		return validCode(step, input, c.d.menus().NewCode(StepNewEmail, c.CancelTarget()))
	}
	return "", Validation(step)
}

func (c *ChangeEmail) AfterStep(ctx context.Context, s *Session, step, value string) (Message, error) {
	switch step {
	case StepNewEmail:
		taken, err := c.d.Actions.EmailRegistered(ctx, value)
		if err != nil {
			return Message{}, Transient("common.generic_failure", err)
		}
		if taken {
			return Message{}, Unrecoverable("change_email.taken", action.ErrAlreadyRegistered)
		}
		if err := c.d.Actions.Request2FA(ctx, s.Owner); err != nil {
			return Message{}, c.d.actionError(err, "common.issue_failed", c.CancelTarget())
		}
		return c.d.msg("change_email.code", nil, c.d.menus().NewCode(StepNewEmail, c.CancelTarget())), nil
	case StepCode:
		if err := c.d.Actions.Check2FA(ctx, s.Owner, value); err != nil {
			return Message{}, c.d.codeError(err, StepNewEmail, c.CancelTarget())
		}
		return c.d.msg("change_email.password", Vars{"email": s.Value(StepNewEmail)}, c.d.menus().Cancel(c.CancelTarget())), nil
	}
	return Message{}, Validation(step)
}

func (c *ChangeEmail) Complete(ctx context.Context, s *Session, input string) (Message, error) {
	if input == "" {
		return Message{}, Validation("password")
	}
	email := s.Value(StepNewEmail)
	if err := c.d.Actions.ChangeEmail(ctx, s.Owner, email, input); err != nil {
		return Message{}, c.d.actionError(err, "common.sorry_retry", c.CancelTarget())
	}
	return c.d.msg("change_email.done", Vars{"email": email}, c.d.menus().Main()), nil
}

// Export reveals the private key or the seed phrase after an SMS code and the password.
type Export struct{ d Deps }

// NewExport constructs the export dialog.
func NewExport(d Deps) *Export { return &Export{d: d} }

func (c *Export) Command() string      { return CmdExport }
func (c *Export) Steps() []string      { return []string{StepType, StepCode} }
func (c *Export) CancelTarget() string { return "/help" }

func (c *Export) typeChoices() [][]Choice {
	m := c.d.menus()
	return [][]Choice{
		{Button(m.t("export.key_button"), string(action.ExportKey)), Button(m.t("export.phrase_button"), string(action.ExportPhrase))},
		{Button(m.t("common.cancel"), c.CancelTarget())},
	}
}

func (c *Export) Start(ctx context.Context, s *Session) (Message, error) {
	if err := requireRegistered(ctx, c.d, s.Owner, c.CancelTarget()); err != nil {
		return Message{}, err
	}
	return c.d.msg("export.type", nil, c.typeChoices()), nil
}

func (c *Export) Validate(step, input string) (string, error) {
	switch step {
	case StepType:
		switch strings.ToLower(input) {
		case "key", "private key", "wif":
			return string(action.ExportKey), nil
		case "phrase", "seed phrase", "mnemonic", "seed":
			return string(action.ExportPhrase), nil
		}
		return "", Validation(step).WithChoices(c.typeChoices())
	case StepCode:
		return validCode(step, input, c.d.menus().NewCode(StepType, c.CancelTarget()))
	}
	return "", Validation(step)
}

func (c *Export) AfterStep(ctx context.Context, s *Session, step, value string) (Message, error) {
	switch step {
	case StepType:
		if err := c.d.Actions.Request2FA(ctx, s.Owner); err != nil {
			return Message{}, c.d.actionError(err, "common.issue_failed", c.CancelTarget())
		}
		return c.d.msg("export.code", nil, c.d.menus().NewCode(StepType, c.CancelTarget())), nil
	case StepCode:
		if err := c.d.Actions.Check2FA(ctx, s.Owner, value); err != nil {
			return Message{}, c.d.codeError(err, StepType, c.CancelTarget())
		}
		return c.d.msg("export.password", nil, c.d.menus().Cancel(c.CancelTarget())), nil
	}
	return Message{}, Validation(step)
}

func (c *Export) Complete(ctx context.Context, s *Session, input string) (Message, error) {
	if input == "" {
		return Message{}, Validation("password")
	}
	secret, err := c.d.Actions.Export(ctx, s.Owner, action.ExportKind(s.Value(StepType)), input)
	if err != nil {
		return Message{}, c.d.actionError(err, "common.generic_failure", c.CancelTarget())
	}
	m := c.d.menus()
	return c.d.msg("export.done", Vars{"secret": secret}, Row(Button(m.t("common.main_menu"), "/help"))), nil
}

// Enable2FA enrolls a phone number for an existing owner.
type Enable2FA struct{ d Deps }

// NewEnable2FA constructs the two factor enrollment dialog.
func NewEnable2FA(d Deps) *Enable2FA { return &Enable2FA{d: d} }

func (c *Enable2FA) Command() string      { return CmdEnable2FA }
func (c *Enable2FA) Steps() []string      { return []string{StepNumber, StepCode} }
func (c *Enable2FA) CancelTarget() string { return "/help" }

func (c *Enable2FA) Start(ctx context.Context, s *Session) (Message, error) {
	if err := requireRegistered(ctx, c.d, s.Owner, c.CancelTarget()); err != nil {
		return Message{}, err
	}
	return c.d.msg("enable2fa.number", nil, c.d.menus().Cancel(c.CancelTarget())), nil
}

func (c *Enable2FA) Validate(step, input string) (string, error) {
	switch step {
	case StepNumber:
		if !validate.IsPhone(input) {
			return "", Validation(step)
		}
		return validate.PhoneDigits(input), nil
	case StepCode:
		return validCode(step, input, c.d.menus().NewCode(StepNumber, c.CancelTarget()))
	}
	return "", Validation(step)
}

func (c *Enable2FA) AfterStep(ctx context.Context, s *Session, step, value string) (Message, error) {
	switch step {
	case StepNumber:
		taken, err := c.d.Actions.PhoneRegistered(ctx, s.Owner, value)
		if err != nil {
			return Message{}, Transient("common.generic_failure", err)
		}
		if taken {
			return Message{}, Unrecoverable("enable2fa.phone_taken", action.ErrAlreadyRegistered)
		}
		if err := c.d.Actions.Issue2FA(ctx, s.Owner, value, action.PurposeEnable); err != nil {
			return Message{}, c.d.actionError(err, "common.issue_failed", c.CancelTarget())
		}
		return c.d.msg("enable2fa.code", Vars{"phone": "+" + value}, c.d.menus().NewCode(StepNumber, c.CancelTarget())), nil
	case StepCode:
		if err := c.d.Actions.Check2FA(ctx, s.Owner, value); err != nil {
			return Message{}, c.d.codeError(err, StepNumber, c.CancelTarget())
		}
		return c.d.msg("enable2fa.password", nil, c.d.menus().Cancel(c.CancelTarget())), nil
	}
	return Message{}, Validation(step)
}

func (c *Enable2FA) Complete(ctx context.Context, s *Session, input string) (Message, error) {
	if input == "" {
		return Message{}, Validation("password")
	}
	if err := c.d.Actions.Enable2FA(ctx, s.Owner, s.Value(StepNumber), input); err != nil {
		return Message{}, c.d.actionError(err, "common.sorry_retry", c.CancelTarget())
	}
	return c.d.msg("enable2fa.done", nil, c.d.menus().Main()), nil
}

func requireRegistered(ctx context.Context, d Deps, owner action.Owner, cancel string) error {
	ok, err := d.Actions.Registered(ctx, owner)
	if err != nil {
		return Transient("common.generic_failure", err)
	}
	if !ok {
		return d.actionError(action.ErrNotRegistered, "", cancel)
	}
	return nil
}
