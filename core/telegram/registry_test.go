package telegram

import (
	"testing"

	"github.com/m3rciful/liteim/core/telegram/commands"

	tele "gopkg.in/telebot.v4"
)

func noop(tele.Context) error { return nil }

func TestRegistryLookup(t *testing.T) {
	reg := NewRegistry()
	reg.RegisterCommand("/requestNew2FACode", commands.Command{Handler: noop, Description: "new code", Hidden: true})
	reg.RegisterCommand("/balance", commands.Command{Handler: noop, Description: "balance"})
	reg.RegisterCommand("nobody", commands.Command{Handler: noop, Description: "skipped"})

	for _, name := range []string{"/balance", "balance", "/BALANCE", "/balance@LiteIMBot", "/requestnew2facode"} {
		if _, _, ok := reg.LookupCommand(name); !ok {
			t.Fatalf("lookup %q failed", name)
		}
	}
	if _, _, ok := reg.LookupCommand("/nobody"); ok {
		t.Fatal("command without slash must not register")
	}

	visible := reg.ListCommands(true)
	if len(visible) != 1 || visible[0].Text != "balance" {
		t.Fatalf("unexpected visible commands %+v", visible)
	}
	if all := reg.ListCommands(false); len(all) != 2 {
		t.Fatalf("expected 2 commands, got %d", len(all))
	}
}

func TestBuildPoller(t *testing.T) {
	embedded := BuildPoller(PollerOptions{RunMode: "webhook", Webhook: WebhookOptions{URL: "https://bot.test/telegram"}})
	wh, ok := embedded.(*tele.Webhook)
	if !ok || wh.Listen != "" {
		t.Fatalf("expected embedded webhook, got %#v", embedded)
	}

	bound := BuildPoller(PollerOptions{RunMode: "webhook", Webhook: WebhookOptions{Listen: "0.0.0.0", Port: 8443}})
	if bound.(*tele.Webhook).Listen != "0.0.0.0:8443" {
		t.Fatalf("unexpected listen %q", bound.(*tele.Webhook).Listen)
	}

	lp, ok := BuildPoller(PollerOptions{}).(*tele.LongPoller)
	if !ok || lp.Timeout.Seconds() != 10 {
		t.Fatalf("expected 10s long poller, got %#v", lp)
	}
}
