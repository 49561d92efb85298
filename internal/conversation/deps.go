package conversation

import (
	"context"
	"errors"
	"math"
	"strconv"
	"strings"

	"github.com/m3rciful/liteim/internal/action"
	"github.com/m3rciful/liteim/internal/validate"
)

// Notifier pushes a message to another owner, such as a payment recipient.
type Notifier interface {
	Notify(ctx context.Context, owner action.Owner, msg Message) error
}

// Deps are the collaborators shared by every dialog.
type Deps struct {
	Actions action.Service
	Texts   Texts
	Network validate.Network
	// ExplorerURL formats a transaction link; %s is replaced by the txid.
	ExplorerURL string
	Notifier    Notifier
}

func (d Deps) menus() Menus { return Menus{T: d.Texts} }

func (d Deps) msg(key string, vars Vars, choices [][]Choice) Message {
	return Message{Text: d.Texts.Text(key, vars), Choices: choices}
}

// All builds the standard dialog set.
func All(d Deps) []Conversation {
	return []Conversation{
		NewSignup(d),
		NewSend(d),
		NewChangePassword(d),
		NewChangeEmail(d),
		NewExport(d),
		NewEnable2FA(d),
	}
}

// actionError maps an action service failure onto the dialog error taxonomy.
// fallbackKey is used for failures without a dedicated message.
func (d Deps) actionError(err error, fallbackKey, cancel string) *Error {
	m := d.menus()
	switch {
	case errors.Is(err, action.ErrNotRegistered):
		return (&Error{Kind: KindPrecondition, Key: "common.not_registered", Err: err}).
			WithChoices(Row(Button(m.t("menu.register"), CmdSignup), Button(m.t("common.cancel"), "/start")))
	case errors.Is(err, action.ErrThrottled):
		return Transient("common.throttled", err)
	case errors.Is(err, action.ErrInvalidPassword):
		return Transient("common.invalid_password", err).WithChoices(m.Cancel(cancel))
	case errors.Is(err, action.ErrCodeInvalid),
		errors.Is(err, action.ErrCodeExpired),
		errors.Is(err, action.ErrNoChallenge):
		return Unrecoverable("common.invalid_code", err)
	case errors.Is(err, action.ErrTwoFactorNotEnrolled):
		return (&Error{Kind: KindPrecondition, Key: "enable2fa.number", Err: err}).
			WithChoices(m.Cancel(cancel))
	}
	return Transient(fallbackKey, err)
}

// codeError maps a failed check and offers a fresh code for step.
func (d Deps) codeError(err error, step, cancel string) *Error {
	ce := d.actionError(err, "common.issue_failed", cancel)
	if ce.Kind == KindUnrecoverable {
		ce.Choices = d.menus().NewCode(step, cancel)
	}
	return ce
}

func validCode(step, input string, choices [][]Choice) (string, error) {
	code := strings.ReplaceAll(strings.TrimSpace(input), " ", "")
	if !validate.IsCode(code) {
		return "", Validation(step).WithChoices(choices)
	}
	return code, nil
}

// roundLTC rounds to four decimals like the amounts quoted to users.
func roundLTC(v float64) float64 {
	return math.Round(v*1e4) / 1e4
}

// FormatLTC renders an LTC amount at satoshi precision without trailing zeros.
func FormatLTC(v float64) string {
	return strconv.FormatFloat(math.Round(v*1e8)/1e8, 'f', -1, 64)
}

// FormatUSD renders a dollar amount with cents.
func FormatUSD(v float64) string {
	return strconv.FormatFloat(v, 'f', 2, 64)
}
