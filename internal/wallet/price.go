package wallet

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/m3rciful/liteim/core/logger"
	"github.com/m3rciful/liteim/internal/action"
)

// PriceFeed serves the LTC/USD spot price from a Coinbase style endpoint,
// caching it for a short while. A stale price is preferred over no price
// when the endpoint fails.
type PriceFeed struct {
	url    string
	ttl    time.Duration
	client *http.Client
	now    func() time.Time

	mu      sync.Mutex
	price   float64
	fetched time.Time
}

// NewPriceFeed builds a feed from cfg.
func NewPriceFeed(cfg PriceConfig, client *http.Client) *PriceFeed {
	cfg.Normalize()
	if client == nil {
		client = http.DefaultClient
	}
	return &PriceFeed{url: cfg.URL, ttl: cfg.CacheTTL, client: client, now: time.Now}
}

type spotResponse struct {
	Data struct {
		Amount   string `json:"amount"`
		Currency string `json:"currency"`
	} `json:"data"`
}

// Rate returns the USD price of one LTC.
func (p *PriceFeed) Rate(ctx context.Context) (float64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.price > 0 && p.now().Sub(p.fetched) < p.ttl {
		return p.price, nil
	}
	price, err := p.fetch(ctx)
	if err != nil {
		if p.price > 0 {
			logger.Warn(ctx, logger.CompWallet, "price.stale", slog.String("err", err.Error()))
			return p.price, nil
		}
		return 0, err
	}
	p.price, p.fetched = price, p.now()
	return price, nil
}

func (p *PriceFeed) fetch(ctx context.Context) (float64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url, nil)
	if err != nil {
		return 0, err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("%w: price: %v", action.ErrUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("%w: price: %s", action.ErrUnavailable, resp.Status)
	}
	var out spotResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return 0, fmt.Errorf("%w: price: decode: %v", action.ErrUnavailable, err)
	}
	price, err := strconv.ParseFloat(out.Data.Amount, 64)
	if err != nil || price <= 0 {
		return 0, fmt.Errorf("%w: price: bad amount %q", action.ErrUnavailable, out.Data.Amount)
	}
	return price, nil
}
