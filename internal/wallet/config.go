package wallet

import (
	"fmt"
	"strings"
	"time"

	"github.com/m3rciful/liteim/internal/validate"
)

// Deployment stages of the remote wallet service.
const (
	StageDevelopment = "development"
	StageStaging     = "staging"
	StageProduction  = "production"
)

// Config points the service at the remote wallet API and the identity provider.
type Config struct {
	APIURL  string        `yaml:"api_url" envconfig:"WALLET_API_URL"`
	Stage   string        `yaml:"stage" envconfig:"STAGE"`
	Network string        `yaml:"network" envconfig:"WALLET_NETWORK"`
	Timeout time.Duration `yaml:"timeout" envconfig:"WALLET_TIMEOUT"`
	// ExplorerURL formats a transaction link; %s is the txid.
	ExplorerURL string `yaml:"explorer_url" envconfig:"WALLET_EXPLORER_URL"`

	IdentityURL string `yaml:"identity_url" envconfig:"IDENTITY_URL"`
	IdentityKey string `yaml:"identity_key" envconfig:"IDENTITY_API_KEY"`
}

// Normalize validates the config and derives the stage dependent defaults.
func (c *Config) Normalize() error {
	c.APIURL = strings.TrimRight(strings.TrimSpace(c.APIURL), "/")
	if c.APIURL == "" {
		return fmt.Errorf("wallet: api_url is required")
	}
	c.Stage = strings.ToLower(strings.TrimSpace(c.Stage))
	switch c.Stage {
	case "", "dev":
		c.Stage = StageDevelopment
	case StageDevelopment, StageStaging, StageProduction:
	default:
		return fmt.Errorf("wallet: unknown stage %q", c.Stage)
	}
	live := c.Stage != StageDevelopment

	switch validate.Network(strings.ToLower(c.Network)) {
	case "":
		c.Network = string(validate.Testnet)
		if live {
			c.Network = string(validate.Mainnet)
		}
	case validate.Mainnet, validate.Testnet:
		c.Network = strings.ToLower(c.Network)
	default:
		return fmt.Errorf("wallet: unknown network %q", c.Network)
	}

	if c.Timeout <= 0 {
		c.Timeout = 20 * time.Second
	}
	if c.ExplorerURL == "" {
		sub := "testnet"
		if live {
			sub = "insight"
		}
		c.ExplorerURL = "https://" + sub + ".litecore.io/tx/%s/"
	}
	if c.IdentityURL == "" {
		c.IdentityURL = "https://identitytoolkit.googleapis.com"
	}
	c.IdentityURL = strings.TrimRight(c.IdentityURL, "/")
	if c.IdentityKey == "" {
		return fmt.Errorf("wallet: identity_key is required")
	}
	return nil
}

// AddressNetwork is the address format accepted for recipients.
func (c Config) AddressNetwork() validate.Network {
	return validate.Network(c.Network)
}

// PriceConfig configures the LTC/USD spot price feed.
type PriceConfig struct {
	URL      string        `yaml:"url" envconfig:"PRICE_URL"`
	CacheTTL time.Duration `yaml:"cache_ttl" envconfig:"PRICE_CACHE_TTL"`
}

// Normalize fills defaults.
func (c *PriceConfig) Normalize() {
	if c.URL == "" {
		c.URL = "https://api.coinbase.com/v2/prices/LTC-USD/spot"
	}
	if c.CacheTTL <= 0 {
		c.CacheTTL = time.Minute
	}
}
