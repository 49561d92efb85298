// Package notify pushes unsolicited messages to owners on whatever platform
// they signed up from: payment notifications and admin broadcasts.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"golang.org/x/time/rate"

	"github.com/m3rciful/liteim/core/logger"
	"github.com/m3rciful/liteim/internal/accounts"
	"github.com/m3rciful/liteim/internal/action"
	"github.com/m3rciful/liteim/internal/conversation"
)

// ErrNoTransport is returned for owners whose platform has no registered pusher.
var ErrNoTransport = errors.New("notify: no transport for platform")

// Pusher delivers a message to a user id local to one platform.
type Pusher interface {
	Push(ctx context.Context, platformID string, msg conversation.Message) error
}

// Directory is the part of the account registry the router reads.
type Directory interface {
	IDs(ctx context.Context, platform string) ([]string, error)
	ByAddress(ctx context.Context, address string) (accounts.Owner, error)
	AddTransaction(ctx context.Context, tx accounts.Transaction) (bool, error)
}

// Options configure a Router.
type Options struct {
	Directory Directory
	Texts     conversation.Texts
	// ExplorerURL formats a transaction link; %s is the txid.
	ExplorerURL string
	// BroadcastRate caps broadcast deliveries per second; 0 selects 20.
	BroadcastRate float64
}

// Router routes messages by the platform prefix of the owner id.
type Router struct {
	opts    Options
	limiter *rate.Limiter

	mu      sync.RWMutex
	pushers map[string]Pusher
}

// New builds a router without transports; see Register.
func New(opts Options) *Router {
	if opts.BroadcastRate <= 0 {
		opts.BroadcastRate = 20
	}
	return &Router{
		opts:    opts,
		limiter: rate.NewLimiter(rate.Limit(opts.BroadcastRate), 1),
		pushers: make(map[string]Pusher),
	}
}

// Register installs the pusher for platform, replacing any earlier one.
func (r *Router) Register(platform string, p Pusher) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pushers[platform] = p
}

// Notify implements conversation.Notifier.
func (r *Router) Notify(ctx context.Context, owner action.Owner, msg conversation.Message) error {
	return r.NotifyID(ctx, owner.ID, msg)
}

// NotifyID delivers msg to the owner with the platform-prefixed id.
func (r *Router) NotifyID(ctx context.Context, ownerID string, msg conversation.Message) error {
	platform, id, ok := strings.Cut(ownerID, ":")
	if !ok || id == "" {
		return fmt.Errorf("notify: malformed owner id %q", ownerID)
	}
	r.mu.RLock()
	p := r.pushers[platform]
	r.mu.RUnlock()
	if p == nil {
		return fmt.Errorf("%w: %s", ErrNoTransport, platform)
	}
	if err := p.Push(ctx, id, msg); err != nil {
		return fmt.Errorf("notify %s: %w", platform, err)
	}
	logger.Debug(ctx, logger.CompNotify, "notify.sent", slog.String("platform", platform))
	return nil
}

// Broadcast sends msg to every registered owner and reports how many
// deliveries succeeded. Individual failures are logged and skipped.
func (r *Router) Broadcast(ctx context.Context, msg conversation.Message) (int, error) {
	ids, err := r.opts.Directory.IDs(ctx, "")
	if err != nil {
		return 0, err
	}
	sent, failed := 0, 0
	for _, id := range ids {
		if err := r.limiter.Wait(ctx); err != nil {
			return sent, err
		}
		if err := r.NotifyID(ctx, id, msg); err != nil {
			failed++
			logger.Warn(ctx, logger.CompNotify, "notify.broadcast_failed", slog.String("err", err.Error()))
			continue
		}
		sent++
	}
	logger.Info(ctx, logger.CompNotify, "notify.broadcast",
		slog.Int("owners", len(ids)),
		slog.Int("sent", sent),
		slog.Int("failed", failed),
	)
	return sent, nil
}

// Incoming describes a deposit reported by the wallet service.
type Incoming struct {
	Address string `json:"address"`
	Sender  string `json:"sender"`
	TxID    string `json:"txid"`
	Amount  string `json:"amount"`
}

// Deposit records an incoming transfer for the owner of its address and
// tells them about it. Addresses without an owner yield accounts.ErrNotFound.
func (r *Router) Deposit(ctx context.Context, in Incoming) error {
	if in.Address == "" || in.TxID == "" {
		return fmt.Errorf("notify: deposit needs address and txid")
	}
	owner, err := r.opts.Directory.ByAddress(ctx, in.Address)
	if err != nil {
		return err
	}
	fresh, err := r.opts.Directory.AddTransaction(ctx, accounts.Transaction{
		OwnerID:      owner.ID,
		TxID:         in.TxID,
		Direction:    action.DirectionReceived,
		Counterparty: in.Sender,
		Amount:       in.Amount,
	})
	if err != nil {
		return err
	}
	if !fresh {
		logger.Debug(ctx, logger.CompNotify, "notify.deposit_duplicate", slog.String("txid", in.TxID))
		return nil
	}

	sender := in.Sender
	if sender == "" {
		sender = action.Owner{}.DisplayName()
	}
	t := r.opts.Texts
	msg := conversation.Message{
		Text: t.Text("send.received", conversation.Vars{"amount": in.Amount, "sender": sender}),
		Choices: conversation.Row(
			conversation.Link(in.TxID, fmt.Sprintf(r.opts.ExplorerURL, in.TxID)),
			conversation.Button(t.Text("common.main_menu", nil), "/help"),
		),
	}
	return r.NotifyID(ctx, owner.ID, msg)
}
