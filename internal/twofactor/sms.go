package twofactor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/m3rciful/liteim/core/logger"
	"github.com/m3rciful/liteim/core/netutil"
)

// SMS providers.
const (
	ProviderPlivo = "plivo"
	ProviderLog   = "log"
)

// SMSConfig selects and configures the SMS provider.
type SMSConfig struct {
	Provider  string `yaml:"provider" envconfig:"SMS_PROVIDER"`
	AuthID    string `yaml:"auth_id" envconfig:"SMS_AUTH_ID"`
	AuthToken string `yaml:"auth_token" envconfig:"SMS_AUTH_TOKEN"`
	From      string `yaml:"from" envconfig:"SMS_FROM"`
	BaseURL   string `yaml:"base_url" envconfig:"SMS_BASE_URL"`
}

// NewSender builds the configured sender.
func NewSender(cfg SMSConfig) (Sender, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Provider)) {
	case "", ProviderLog:
		return LogSender{}, nil
	case ProviderPlivo:
		if cfg.AuthID == "" || cfg.AuthToken == "" || cfg.From == "" {
			return nil, fmt.Errorf("sms: plivo requires auth_id, auth_token and from")
		}
		return &Plivo{
			AuthID:    cfg.AuthID,
			AuthToken: cfg.AuthToken,
			From:      cfg.From,
			BaseURL:   cfg.BaseURL,
			Client:    netutil.NewClient(netutil.ClientOptions{}),
		}, nil
	}
	return nil, fmt.Errorf("sms: unknown provider %q", cfg.Provider)
}

// Plivo sends messages through the Plivo REST API.
type Plivo struct {
	AuthID    string
	AuthToken string
	From      string
	BaseURL   string
	Client    *http.Client
}

type plivoMessage struct {
	Src  string `json:"src"`
	Dst  string `json:"dst"`
	Text string `json:"text"`
}

func (p *Plivo) Send(ctx context.Context, phone, text string) error {
	base := strings.TrimRight(p.BaseURL, "/")
	if base == "" {
		base = "https://api.plivo.com"
	}
	body, err := json.Marshal(plivoMessage{Src: p.From, Dst: phone, Text: text})
	if err != nil {
		return err
	}
	endpoint := fmt.Sprintf("%s/v1/Account/%s/Message/", base, p.AuthID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.SetBasicAuth(p.AuthID, p.AuthToken)
	req.Header.Set("Content-Type", "application/json")

	client := p.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("plivo: status %s: %s", resp.Status, strings.TrimSpace(string(msg)))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

// LogSender writes messages to the log instead of sending them. It is meant
// for development setups without an SMS account.
type LogSender struct{}

func (LogSender) Send(ctx context.Context, phone, text string) error {
	logger.Info(ctx, logger.CompTwoFactor, "sms.logged",
		slog.String("phone", logger.Mask(phone, 4)),
		slog.String("text", text),
	)
	return nil
}
