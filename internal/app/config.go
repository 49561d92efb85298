package app

import (
	"fmt"
	"strconv"
	"strings"

	coreconfig "github.com/m3rciful/liteim/core/config"
	"github.com/m3rciful/liteim/core/database"
	"github.com/m3rciful/liteim/internal/action"
	"github.com/m3rciful/liteim/internal/httpapi"
	"github.com/m3rciful/liteim/internal/matrixbot"
	"github.com/m3rciful/liteim/internal/messenger"
	"github.com/m3rciful/liteim/internal/twofactor"
	"github.com/m3rciful/liteim/internal/wallet"
)

// Config is the full process configuration: the kernel sections plus the
// wallet, transports and HTTP surface.
type Config struct {
	coreconfig.Config `yaml:",inline"`

	Database  database.Config     `yaml:"database"`
	Wallet    wallet.Config       `yaml:"wallet"`
	Price     wallet.PriceConfig  `yaml:"price"`
	SMS       twofactor.SMSConfig `yaml:"sms"`
	TwoFactor twofactor.Config    `yaml:"two_factor"`
	Messenger messenger.Config    `yaml:"messenger"`
	Matrix    matrixbot.Config    `yaml:"matrix"`
	HTTP      httpapi.Config      `yaml:"http"`

	// Templates overlays the embedded message catalog.
	Templates string `yaml:"templates" envconfig:"TEMPLATES_PATH"`
	// QRURL formats receive QR links; %s is the escaped payment URI.
	QRURL string `yaml:"qr_url" envconfig:"QR_URL"`
	// Admins lists extra owner ids allowed to broadcast, e.g. "mx:@ops:example.org".
	Admins []string `yaml:"admins" envconfig:"ADMINS"`
}

// CoreConfig implements cmd.ConfigCarrier.
func (c *Config) CoreConfig() *coreconfig.Config { return &c.Config }

// LoadConfig reads path, overlays the environment and normalizes every section.
func LoadConfig(path string) (*Config, error) {
	var cfg Config
	if err := coreconfig.Decode(path, &cfg); err != nil {
		return nil, err
	}
	if err := cfg.Normalize(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Normalize validates the sections and fills their defaults.
func (c *Config) Normalize() error {
	if err := coreconfig.Normalize(&c.Config); err != nil {
		return err
	}
	for _, n := range []interface{ Normalize() error }{
		&c.Database, &c.Wallet, &c.Messenger, &c.Matrix, &c.HTTP,
	} {
		if err := n.Normalize(); err != nil {
			return err
		}
	}
	c.Price.Normalize()
	c.TwoFactor.Normalize()
	if c.Telegram.Disabled && !c.Messenger.Enabled() && !c.Matrix.Enabled() {
		return fmt.Errorf("no chat transport enabled: configure telegram, messenger or matrix")
	}
	for i, id := range c.Admins {
		id = strings.TrimSpace(id)
		if platform, rest, ok := strings.Cut(id, ":"); !ok || platform == "" || rest == "" {
			return fmt.Errorf("invalid admins entry %q; expected <platform>:<id>", id)
		}
		c.Admins[i] = id
	}
	return nil
}

// AdminIDs merges the Telegram admin with the configured admin owner ids.
func (c *Config) AdminIDs() []string {
	ids := append([]string(nil), c.Admins...)
	if c.Telegram.AdminID != 0 {
		ids = append(ids, action.PlatformTelegram+":"+strconv.FormatInt(c.Telegram.AdminID, 10))
	}
	return ids
}
