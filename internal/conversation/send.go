package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/m3rciful/liteim/core/logger"
	"github.com/m3rciful/liteim/internal/action"
	"github.com/m3rciful/liteim/internal/validate"
)

// Send step names. StepCode is shared with the other dialogs.
const (
	StepTo       = "to"
	StepCurrency = "currency"
	StepAmount   = "amount"

	CurrencyUSD = "$"
	CurrencyLTC = "Ł"

	amountAll = "all"
)

// Send transfers LTC to an email address or a Litecoin address.
//
// The amount step stores what the user typed ("12.5" or "all") so replaying it
// never converts twice. Once the code is confirmed the code step stores the
// LTC amount shown to the user ("Ł0.1"), and that exact amount is sent.
type Send struct{ d Deps }

// NewSend constructs the send dialog.
func NewSend(d Deps) *Send { return &Send{d: d} }

func (c *Send) Command() string      { return CmdSend }
func (c *Send) Steps() []string      { return []string{StepTo, StepCurrency, StepAmount, StepCode} }
func (c *Send) CancelTarget() string { return "/help" }

func (c *Send) currencyChoices() [][]Choice {
	return [][]Choice{
		{Button(CurrencyUSD, CurrencyUSD), Button(CurrencyLTC, CurrencyLTC)},
		{Button(c.d.menus().t("common.cancel"), c.CancelTarget())},
	}
}

func (c *Send) Start(ctx context.Context, s *Session) (Message, error) {
	bal, err := c.d.Actions.Balance(ctx, s.Owner)
	if err != nil {
		if errors.Is(err, action.ErrNotRegistered) {
			return Message{}, c.d.actionError(err, "", c.CancelTarget())
		}
		return Message{}, Transient("send.balance_failed", err)
	}
	if bal.Confirmed <= 0 {
		m := c.d.menus()
		return Message{}, (&Error{Kind: KindPrecondition, Key: "send.no_funds", Err: action.ErrInsufficientFunds}).
			WithChoices(Row(Button(m.t("menu.receive"), "/receive"), Button(m.t("common.cancel"), c.CancelTarget())))
	}
	return c.d.msg("send.to", nil, c.d.menus().Cancel(c.CancelTarget())), nil
}

func (c *Send) Validate(step, input string) (string, error) {
	switch step {
	case StepTo:
		if validate.IsEmail(input) {
			return strings.ToLower(input), nil
		}
		if validate.IsAddress(input, c.d.Network) {
			return input, nil
		}
		return "", Validation(step)
	case StepCurrency:
		switch strings.ToLower(input) {
		case CurrencyUSD, "usd", "dollar", "dollars":
			return CurrencyUSD, nil
		case "ł", "l", "ltc", "litecoin":
			return CurrencyLTC, nil
		}
		return "", Validation(step).WithChoices(c.currencyChoices())
	case StepAmount:
		if strings.EqualFold(input, amountAll) {
			return amountAll, nil
		}
		if !validate.IsNumeric(input) {
			return "", Validation(step).WithChoices(c.amountChoices())
		}
		v, _ := validate.ParseAmount(input)
		return FormatLTC(v), nil
	case StepCode:
		return validCode(step, input, c.d.menus().NewCode(StepAmount, c.CancelTarget()))
	}
	return "", Validation(step)
}

func (c *Send) amountChoices() [][]Choice {
	m := c.d.menus()
	return Row(Button(m.t("send.send_all"), amountAll), Button(m.t("common.cancel"), c.CancelTarget()))
}

func (c *Send) AfterStep(ctx context.Context, s *Session, step, value string) (Message, error) {
	switch step {
	case StepTo:
		if validate.IsEmail(value) {
			ok, err := c.d.Actions.RecipientHasWallet(ctx, value)
			if err != nil {
				return Message{}, Transient("common.generic_failure", err)
			}
			if !ok {
				return Message{}, Unrecoverable("send.no_wallet", action.ErrRecipientNotFound).
					WithVars(Vars{"to": value})
			}
		}
		return c.d.msg("send.currency", nil, c.currencyChoices()), nil

	case StepCurrency:
		return c.d.msg("send.amount", Vars{"to": s.Value(StepTo), "currency": value}, c.amountChoices()), nil

	case StepAmount:
		q, err := c.quote(ctx, s)
		if err != nil {
			return Message{}, err
		}
		if q.ltc <= 0 {
			return Message{}, c.tooSmall(StepAmount, c.amountChoices())
		}
		if q.ltc > q.available {
			return Message{}, Unrecoverable("send.too_much", action.ErrInsufficientFunds).
				WithVars(Vars{"available": FormatLTC(q.available)}).
				WithChoices(c.amountChoices())
		}
		if err := c.d.Actions.Request2FA(ctx, s.Owner); err != nil {
			return Message{}, c.d.actionError(err, "common.issue_failed", c.CancelTarget())
		}
		return c.d.msg("send.code", nil, c.d.menus().NewCode(StepAmount, c.CancelTarget())), nil

	case StepCode:
		if err := c.d.Actions.Check2FA(ctx, s.Owner, value); err != nil {
			return Message{}, c.d.codeError(err, StepAmount, c.CancelTarget())
		}
		q, err := c.quote(ctx, s)
		if err != nil {
			return Message{}, err
		}
		if q.ltc <= 0 {
			return Message{}, c.tooSmall(StepCode, c.d.menus().NewCode(StepAmount, c.CancelTarget()))
		}
		s.Partial.Set(StepCode, CurrencyLTC+FormatLTC(q.ltc))
		return c.d.msg("send.confirm", Vars{
			"currency": s.Value(StepCurrency),
			"amount":   q.display,
			"ltc":      FormatLTC(q.ltc),
			"to":       s.Value(StepTo),
		}, c.d.menus().Cancel(c.CancelTarget())), nil
	}
	return Message{}, Validation(step)
}

func (c *Send) Complete(ctx context.Context, s *Session, input string) (Message, error) {
	if input == "" {
		return Message{}, Validation("password")
	}
	amount, ok := confirmedLTC(s.Value(StepCode))
	if !ok {
		return Message{}, Transient("send.failed", errors.New("send: no confirmed amount")).
			WithChoices(c.d.menus().NewCode(StepAmount, c.CancelTarget()))
	}
	res, err := c.d.Actions.Send(ctx, action.SendRequest{
		Owner:    s.Owner,
		To:       s.Value(StepTo),
		Amount:   amount,
		Password: input,
	})
	if errors.Is(err, action.ErrCredentialExpired) {
		return Message{}, Transient("common.credential_expired", err).
			WithChoices(c.d.menus().NewCode(StepAmount, c.CancelTarget()))
	}
	if err != nil {
		return Message{}, c.d.actionError(err, "send.failed", c.CancelTarget())
	}

	m := c.d.menus()
	choices := Row(Link(res.TxID, fmt.Sprintf(c.d.ExplorerURL, res.TxID)), Button(m.t("common.main_menu"), "/help"))
	if res.Recipient != nil && c.d.Notifier != nil {
		note := c.d.msg("send.received", Vars{"amount": FormatLTC(amount), "sender": s.Owner.DisplayName()}, choices)
		if err := c.d.Notifier.Notify(ctx, *res.Recipient, note); err != nil {
			logger.Warn(ctx, logger.CompConversation, "send.notify_failed",
				slog.String("txid", res.TxID),
				slog.String("err", err.Error()),
			)
		}
	}
	return c.d.msg("send.sent", nil, choices), nil
}

var errAmountTooSmall = errors.New("conversation: amount rounds to zero LTC")

// tooSmall rejects an amount that is zero once rounded to LTC.
func (c *Send) tooSmall(step string, choices [][]Choice) *Error {
	return &Error{Kind: KindValidation, Step: step, Key: "send.too_small", Err: errAmountTooSmall, Choices: choices}
}

// confirmedLTC reads the amount the code step stored after confirmation.
func confirmedLTC(v string) (float64, bool) {
	raw, ok := strings.CutPrefix(v, CurrencyLTC)
	if !ok {
		return 0, false
	}
	amount, err := strconv.ParseFloat(raw, 64)
	return amount, err == nil && amount > 0
}

type quote struct {
	ltc       float64
	available float64
	display   string
}

// quote resolves the stored amount into LTC using the current balance and price.
func (c *Send) quote(ctx context.Context, s *Session) (quote, error) {
	bal, err := c.d.Actions.Balance(ctx, s.Owner)
	if err != nil {
		return quote{}, Transient("send.balance_failed", err)
	}
	q := quote{available: bal.Spendable()}
	usd := s.Value(StepCurrency) == CurrencyUSD
	raw := s.Value(StepAmount)

	var rate float64
	if usd {
		if rate, err = c.d.Actions.Rate(ctx); err != nil || rate <= 0 {
			if err == nil {
				err = errors.New("non-positive rate")
			}
			return quote{}, Transient("send.rate_failed", err)
		}
	}

	switch {
	case raw == amountAll:
		q.ltc = q.available
		q.display = FormatLTC(q.ltc)
		if usd {
			q.display = FormatUSD(q.ltc * rate)
		}
	case usd:
		v, _ := validate.ParseAmount(raw)
		q.ltc = roundLTC(v / rate)
		q.display = raw
	default:
		v, _ := validate.ParseAmount(raw)
		q.ltc = v
		q.display = raw
	}
	return q, nil
}
