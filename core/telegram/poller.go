package telegram

import (
	"fmt"
	"strings"
	"time"

	coreconfig "github.com/m3rciful/liteim/core/config"

	tele "gopkg.in/telebot.v4"
)

// WebhookOptions declares webhook listener settings. An empty Listen builds a
// webhook that does not bind a port; updates reach it through ServeHTTP.
type WebhookOptions struct {
	Listen string
	Port   int
	URL    string
}

// PollerOptions configures BuildPoller.
type PollerOptions struct {
	RunMode                string
	LongPollTimeoutSeconds int
	Webhook                WebhookOptions
}

// PollTimeout returns the effective long polling timeout.
func (o PollerOptions) PollTimeout() time.Duration {
	if o.LongPollTimeoutSeconds <= 0 {
		return 10 * time.Second
	}
	return time.Duration(o.LongPollTimeoutSeconds) * time.Second
}

// BuildPoller returns a Telebot poller based on provided options.
func BuildPoller(opts PollerOptions) tele.Poller {
	runMode := strings.ToLower(strings.TrimSpace(opts.RunMode))
	if runMode == coreconfig.RunModeWebhook {
		wh := &tele.Webhook{
			Endpoint: &tele.WebhookEndpoint{PublicURL: opts.Webhook.URL},
		}
		if opts.Webhook.Listen != "" {
			wh.Listen = fmt.Sprintf("%s:%d", opts.Webhook.Listen, opts.Webhook.Port)
		}
		return wh
	}
	return &tele.LongPoller{Timeout: opts.PollTimeout()}
}
