// Package messenger is the Facebook Messenger transport: it serves the page
// webhook and answers through the Graph Send API with quick replies.
package messenger

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/m3rciful/liteim/core/logger"
	"github.com/m3rciful/liteim/internal/action"
	"github.com/m3rciful/liteim/internal/conversation"
	"github.com/m3rciful/liteim/internal/dispatch"
)

// Limits of the Send API.
const (
	maxText         = 2000
	maxQuickReplies = 13
	maxTitle        = 20
	maxBody         = 1 << 20
)

// ErrBadSignature is reported for webhook posts failing the app secret check.
var ErrBadSignature = errors.New("messenger: bad signature")

// Config holds the page credentials. The transport is disabled without a
// page token.
type Config struct {
	PageToken   string        `yaml:"page_token" envconfig:"MESSENGER_PAGE_TOKEN"`
	VerifyToken string        `yaml:"verify_token" envconfig:"MESSENGER_VERIFY_TOKEN"`
	AppSecret   string        `yaml:"app_secret" envconfig:"MESSENGER_APP_SECRET"`
	GraphURL    string        `yaml:"graph_url" envconfig:"MESSENGER_GRAPH_URL"`
	Timeout     time.Duration `yaml:"timeout" envconfig:"MESSENGER_TIMEOUT"`
}

// Enabled reports whether the transport should run.
func (c Config) Enabled() bool { return c.PageToken != "" }

// Normalize validates an enabled config and fills defaults.
func (c *Config) Normalize() error {
	if !c.Enabled() {
		return nil
	}
	if c.VerifyToken == "" {
		return fmt.Errorf("messenger.verify_token is required when messenger.page_token is set")
	}
	if c.GraphURL == "" {
		c.GraphURL = "https://graph.facebook.com/v19.0"
	}
	c.GraphURL = strings.TrimRight(c.GraphURL, "/")
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	return nil
}

// Handler answers one normalized message.
type Handler interface {
	Handle(ctx context.Context, req dispatch.Request) (conversation.Message, error)
}

// Bot serves the webhook and implements notify.Pusher.
type Bot struct {
	cfg     Config
	handler Handler
	client  *http.Client
}

// New builds the transport. cfg must be normalized.
func New(cfg Config, handler Handler, client *http.Client) *Bot {
	if client == nil {
		client = http.DefaultClient
	}
	return &Bot{cfg: cfg, handler: handler, client: client}
}

type webhookEvent struct {
	Object string `json:"object"`
	Entry  []struct {
		Messaging []messaging `json:"messaging"`
	} `json:"entry"`
}

type messaging struct {
	Sender struct {
		ID string `json:"id"`
	} `json:"sender"`
	Message *struct {
		Text       string `json:"text"`
		IsEcho     bool   `json:"is_echo"`
		QuickReply *struct {
			Payload string `json:"payload"`
		} `json:"quick_reply"`
	} `json:"message"`
	Postback *struct {
		Payload string `json:"payload"`
	} `json:"postback"`
}

// input extracts the user's text: a quick reply or postback payload wins
// over the typed text.
func (m messaging) input() (string, bool) {
	switch {
	case m.Postback != nil:
		return m.Postback.Payload, m.Postback.Payload != ""
	case m.Message == nil || m.Message.IsEcho:
		return "", false
	case m.Message.QuickReply != nil && m.Message.QuickReply.Payload != "":
		return m.Message.QuickReply.Payload, true
	}
	return m.Message.Text, m.Message.Text != ""
}

// ServeHTTP answers the subscription handshake on GET and processes message
// events on POST.
func (b *Bot) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		b.verify(w, r)
	case http.MethodPost:
		b.receive(w, r)
	default:
		w.Header().Set("Allow", "GET, POST")
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
	}
}

func (b *Bot) verify(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if q.Get("hub.mode") != "subscribe" || !hmac.Equal([]byte(q.Get("hub.verify_token")), []byte(b.cfg.VerifyToken)) {
		logger.Warn(r.Context(), logger.CompMessenger, "messenger.verify_rejected")
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}
	w.Header().Set("Content-Type", "text/plain")
	_, _ = io.WriteString(w, q.Get("hub.challenge"))
}

func (b *Bot) receive(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBody))
	if err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	if err := b.checkSignature(r.Header.Get("X-Hub-Signature-256"), body); err != nil {
		logger.Warn(ctx, logger.CompMessenger, "messenger.signature_rejected")
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}
	var ev webhookEvent
	if err := json.Unmarshal(body, &ev); err != nil || ev.Object != "page" {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	for _, entry := range ev.Entry {
		for _, m := range entry.Messaging {
			text, ok := m.input()
			if !ok || m.Sender.ID == "" {
				continue
			}
			b.process(ctx, action.NewOwner(action.PlatformMessenger, m.Sender.ID, ""), text)
		}
	}
	w.WriteHeader(http.StatusOK)
}

func (b *Bot) checkSignature(header string, body []byte) error {
	if b.cfg.AppSecret == "" {
		return nil
	}
	sig, ok := strings.CutPrefix(header, "sha256=")
	if !ok {
		return ErrBadSignature
	}
	got, err := hex.DecodeString(sig)
	if err != nil {
		return ErrBadSignature
	}
	mac := hmac.New(sha256.New, []byte(b.cfg.AppSecret))
	mac.Write(body)
	if !hmac.Equal(got, mac.Sum(nil)) {
		return ErrBadSignature
	}
	return nil
}

func (b *Bot) process(ctx context.Context, owner action.Owner, text string) {
	ctx = logger.WithOwner(context.WithoutCancel(ctx), owner.ID, owner.Platform)
	ctx, cancel := context.WithTimeout(ctx, b.cfg.Timeout)
	defer cancel()

	msg, err := b.handler.Handle(ctx, dispatch.Request{Owner: owner, Text: text})
	if err != nil {
		logger.Debug(ctx, logger.CompMessenger, "messenger.handle_failed", slog.String("err", logger.SanitizeLimit(err.Error(), 256)))
	}
	if msg.Text == "" && msg.Photo == "" {
		return
	}
	if err := b.send(ctx, owner.PlatformID(), msg, "RESPONSE"); err != nil {
		logger.Error(ctx, logger.CompMessenger, "messenger.send_failed", slog.String("err", logger.SanitizeLimit(err.Error(), 256)))
	}
}

type quickReply struct {
	ContentType string `json:"content_type"`
	Title       string `json:"title"`
	Payload     string `json:"payload"`
}

type outgoing struct {
	Recipient struct {
		ID string `json:"id"`
	} `json:"recipient"`
	MessagingType string `json:"messaging_type"`
	Message       struct {
		Text         string       `json:"text"`
		QuickReplies []quickReply `json:"quick_replies,omitempty"`
	} `json:"message"`
}

// render flattens msg into Send API text with quick replies. Links and the
// photo have no quick reply form and are appended to the text.
func render(msg conversation.Message) (string, []quickReply) {
	text := msg.Plain()
	var replies []quickReply
	for _, row := range msg.Choices {
		for _, c := range row {
			if c.URL != "" {
				text += "\n\n" + c.URL
				continue
			}
			if len(replies) < maxQuickReplies {
				replies = append(replies, quickReply{ContentType: "text", Title: clip(c.Label, maxTitle), Payload: c.Data})
			}
		}
	}
	if msg.Photo != "" {
		text += "\n\n" + msg.Photo
	}
	return clip(text, maxText), replies
}

func clip(s string, max int) string {
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	return string([]rune(s)[:max-1]) + "…"
}

// Push sends an unsolicited update to the page-scoped user id.
func (b *Bot) Push(ctx context.Context, platformID string, msg conversation.Message) error {
	return b.send(ctx, platformID, msg, "UPDATE")
}

func (b *Bot) send(ctx context.Context, platformID string, msg conversation.Message, kind string) error {
	var out outgoing
	out.Recipient.ID = platformID
	out.MessagingType = kind
	out.Message.Text, out.Message.QuickReplies = render(msg)

	body, err := json.Marshal(out)
	if err != nil {
		return err
	}
	endpoint := b.cfg.GraphURL + "/me/messages?access_token=" + url.QueryEscape(b.cfg.PageToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := b.client.Do(req)
	if err != nil {
		return fmt.Errorf("messenger: send: %s", logger.SanitizeLimit(strings.ReplaceAll(err.Error(), b.cfg.PageToken, "***"), 256))
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	logger.Debug(ctx, logger.CompMessenger, "messenger.sent",
		slog.Int("status_code", resp.StatusCode),
		slog.Int64("duration_ms", logger.Took(start).Milliseconds()),
	)
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("messenger: send: %s: %s", resp.Status, logger.SanitizeLimit(string(raw), 256))
	}
	return nil
}
