package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"strings"

	"github.com/m3rciful/liteim/core/logger"
	"github.com/m3rciful/liteim/internal/action"
	"github.com/m3rciful/liteim/internal/conversation"
)

// Built-in command names.
const (
	CmdStart        = "/start"
	CmdHelp         = "/help"
	CmdMainMenu     = "/mainInlineCommands"
	CmdMoreMenu     = "/moreInlineCommands"
	CmdBalance      = "/balance"
	CmdReceive      = "/receive"
	CmdTransactions = "/transactions"
	CmdClear        = "/clear"
	CmdBroadcast    = "/broadcast"
)

const historyDateLayout = "Jan 2, 2006"

func (d *Dispatcher) registerBuiltins() {
	for _, c := range []Command{
		{Name: CmdStart, Description: "Start a new chat", Handler: d.start, Cancels: true},
		{Name: CmdHelp, Description: "Show the main menu", Handler: d.mainMenu, Cancels: true},
		{Name: CmdMainMenu, Handler: d.mainMenu, Hidden: true, Cancels: true},
		{Name: CmdMoreMenu, Handler: d.moreMenu, Hidden: true},
		{Name: CmdBalance, Description: "Show your balance", Handler: d.balance},
		{Name: CmdReceive, Description: "Show how to receive LTC", Handler: d.receive},
		{Name: CmdTransactions, Description: "List recent transactions", Handler: d.transactions},
		{Name: CmdClear, Description: "Clear the running command", Handler: d.clear},
		{Name: CmdBroadcast, Description: "Message every user", Handler: d.broadcast, AdminOnly: true},
	} {
		d.Register(c)
	}
}

func (d *Dispatcher) text(key string, vars conversation.Vars) string {
	return d.texts.Text(key, vars)
}

func (d *Dispatcher) button(key, data string) conversation.Choice {
	return conversation.Button(d.text(key, nil), data)
}

// failure maps an action error onto a reply, using key for unexpected failures.
func (d *Dispatcher) failure(err error, key string) (conversation.Message, error) {
	if errors.Is(err, action.ErrNotRegistered) {
		ce := &conversation.Error{Kind: conversation.KindPrecondition, Key: "common.not_registered", Err: err}
		ce.Choices = conversation.Row(d.button("menu.register", conversation.CmdSignup), d.button("common.cancel", CmdStart))
		return ce.Render(d.texts), ce
	}
	ce := conversation.Transient(key, err).WithChoices(d.menus.Cancel(CmdHelp))
	return ce.Render(d.texts), ce
}

func (d *Dispatcher) start(ctx context.Context, owner action.Owner, _ []string) (conversation.Message, error) {
	registered, err := d.actions.Registered(ctx, owner)
	if err != nil {
		return d.failure(err, "common.generic_failure")
	}
	if registered {
		return conversation.Message{Text: d.text("start.welcome_back", nil), Choices: d.menus.Main()}, nil
	}
	return conversation.Message{
		Text:    d.text("start.welcome_new", nil),
		Choices: conversation.Row(d.button("menu.register", conversation.CmdSignup)),
	}, nil
}

func (d *Dispatcher) mainMenu(context.Context, action.Owner, []string) (conversation.Message, error) {
	return conversation.Message{Text: d.text("help.prompt", nil), Choices: d.menus.Main()}, nil
}

func (d *Dispatcher) moreMenu(context.Context, action.Owner, []string) (conversation.Message, error) {
	return conversation.Message{Text: d.text("help.more", nil), Choices: d.menus.More()}, nil
}

func (d *Dispatcher) balance(ctx context.Context, owner action.Owner, _ []string) (conversation.Message, error) {
	bal, err := d.actions.Balance(ctx, owner)
	if err != nil {
		return d.failure(err, "send.balance_failed")
	}
	rate, err := d.actions.Rate(ctx)
	if err != nil {
		return d.failure(err, "send.rate_failed")
	}
	return conversation.Message{
		Text: d.text("balance.show", conversation.Vars{
			"confirmed":       conversation.FormatLTC(bal.Confirmed),
			"confirmed_usd":   conversation.FormatUSD(bal.Confirmed * rate),
			"unconfirmed":     conversation.FormatLTC(bal.Unconfirmed),
			"unconfirmed_usd": conversation.FormatUSD(bal.Unconfirmed * rate),
		}),
		Choices: d.menus.Main(),
	}, nil
}

func (d *Dispatcher) receive(ctx context.Context, owner action.Owner, args []string) (conversation.Message, error) {
	kind := ""
	if len(args) > 0 {
		kind = strings.ToLower(args[0])
	}
	switch kind {
	case "wallet", "qr", "email":
	default:
		return conversation.Message{
			Text: d.text("receive.prompt", nil),
			Choices: [][]conversation.Choice{
				{
					d.button("receive.wallet_button", CmdReceive+" wallet"),
					d.button("receive.qr_button", CmdReceive+" qr"),
					d.button("receive.email_button", CmdReceive+" email"),
				},
				{d.button("common.cancel", CmdHelp)},
			},
		}, nil
	}

	rcv, err := d.actions.Receive(ctx, owner)
	if err != nil {
		return d.failure(err, "receive.failed")
	}
	back := conversation.Row(d.button("common.main_menu", CmdHelp))
	switch kind {
	case "wallet":
		return conversation.Message{Text: d.text("receive.wallet", conversation.Vars{"address": rcv.Address}), Choices: back}, nil
	case "qr":
		return conversation.Message{
			Text:    d.text("receive.qr", conversation.Vars{"address": rcv.Address}),
			Photo:   fmt.Sprintf(d.qrURL, url.QueryEscape("litecoin:"+rcv.Address)),
			Choices: back,
		}, nil
	}
	return conversation.Message{Text: d.text("receive.email", conversation.Vars{"email": rcv.Email}), Choices: back}, nil
}

func (d *Dispatcher) transactions(ctx context.Context, owner action.Owner, args []string) (conversation.Message, error) {
	cursor := ""
	if len(args) > 0 {
		cursor = args[0]
	}
	page, err := d.actions.Transactions(ctx, owner, cursor)
	if err != nil {
		return d.failure(err, "transactions.failed")
	}
	if len(page.Items) == 0 {
		return conversation.Message{Text: d.text("transactions.none", nil), Choices: d.menus.Main()}, nil
	}

	next := ""
	if cursor != "" {
		next = d.text("transactions.header_next", nil)
	}
	lines := []string{d.text("transactions.header", conversation.Vars{
		"next":  next,
		"count": strconv.Itoa(len(page.Items)),
	})}
	for _, tx := range page.Items {
		direction, preposition := "transactions.received", "transactions.from"
		if tx.Direction == action.DirectionSent {
			direction, preposition = "transactions.sent", "transactions.to"
		}
		lines = append(lines, d.text("transactions.item", conversation.Vars{
			"direction":    d.text(direction, nil),
			"amount":       tx.Amount,
			"preposition":  d.text(preposition, nil),
			"counterparty": tx.Counterparty,
			"date":         tx.Time.Format(historyDateLayout),
		}))
	}

	var choices [][]conversation.Choice
	if page.Next != "" {
		choices = append(choices, []conversation.Choice{d.button("menu.more", CmdTransactions+" "+page.Next)})
	}
	choices = append(choices, []conversation.Choice{d.button("common.main_menu", CmdHelp)})
	return conversation.Message{Text: strings.Join(lines, "\n"), Choices: choices}, nil
}

// clear drops the running conversation, if any.
func (d *Dispatcher) clear(ctx context.Context, owner action.Owner, _ []string) (conversation.Message, error) {
	if err := d.engine.Store().Clear(ctx, owner.ID); err != nil {
		return d.failure(err, "clear.failed")
	}
	return conversation.Message{Text: d.text("clear.done", nil), Choices: d.menus.Main()}, nil
}

func (d *Dispatcher) broadcast(ctx context.Context, owner action.Owner, args []string) (conversation.Message, error) {
	text := strings.TrimSpace(strings.Join(args, " "))
	if text == "" || d.bcast == nil {
		return conversation.Message{Text: d.text("broadcast.usage", nil)}, nil
	}
	n, err := d.bcast.Broadcast(ctx, conversation.Message{Text: text, Choices: d.menus.Main()})
	if err != nil {
		return d.failure(err, "common.generic_failure")
	}
	logger.Info(ctx, logger.CompDispatch, "broadcast.queued",
		slog.String("owner", owner.ID),
		slog.Int("count", n),
	)
	return conversation.Message{Text: d.text("broadcast.done", conversation.Vars{"count": strconv.Itoa(n)})}, nil
}
