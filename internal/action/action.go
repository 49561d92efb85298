// Package action defines the wallet operations the conversation core depends on.
//
// The Service is implemented by internal/wallet against the remote wallet API;
// tests provide fakes. Every failure is reported through the sentinel errors
// below (possibly wrapped) so callers can map them to user messages with errors.Is.
package action

import (
	"context"
	"errors"
	"strings"
	"time"
)

// Sentinel failures shared by every Service implementation.
var (
	ErrInvalidPassword      = errors.New("action: invalid password")
	ErrCredentialExpired    = errors.New("action: two factor credential expired")
	ErrAlreadyRegistered    = errors.New("action: already registered")
	ErrNotRegistered        = errors.New("action: not registered")
	ErrRecipientNotFound    = errors.New("action: recipient has no wallet")
	ErrUnavailable          = errors.New("action: service unavailable")
	ErrTwoFactorNotEnrolled = errors.New("action: two factor not enrolled")
	ErrThrottled            = errors.New("action: too many requests")
	ErrCodeInvalid          = errors.New("action: invalid code")
	ErrCodeExpired          = errors.New("action: code expired")
	ErrNoChallenge          = errors.New("action: no pending code")
	ErrInsufficientFunds    = errors.New("action: insufficient funds")
)

// Platform names used as owner id prefixes.
const (
	PlatformTelegram  = "tg"
	PlatformMessenger = "fb"
	PlatformMatrix    = "mx"
)

// Owner identifies the chat user a conversation belongs to.
type Owner struct {
	// ID is "<platform>:<platform user id>", unique across transports.
	ID       string
	Platform string
	Username string
}

// NewOwner builds an Owner with the platform-prefixed id.
func NewOwner(platform, platformID, username string) Owner {
	return Owner{ID: platform + ":" + platformID, Platform: platform, Username: username}
}

// PlatformID strips the platform prefix from the owner id.
func (o Owner) PlatformID() string {
	_, id, ok := strings.Cut(o.ID, ":")
	if !ok {
		return o.ID
	}
	return id
}

// DisplayName is what recipients see as the sender.
func (o Owner) DisplayName() string {
	if o.Username != "" {
		return o.Username
	}
	return "a Lite.IM user"
}

// Purpose tells the two factor service what a code authorizes.
type Purpose string

const (
	// PurposeEnable activates two factor for a new phone on a successful check.
	PurposeEnable Purpose = "enable"
	// PurposeVerify opens a credential window for privileged operations.
	PurposeVerify Purpose = "verify"
)

// ExportKind selects which secret Export reveals.
type ExportKind string

const (
	ExportKey    ExportKind = "key"
	ExportPhrase ExportKind = "phrase"
)

// Balance is expressed in LTC.
type Balance struct {
	Confirmed   float64
	Unconfirmed float64
}

// Spendable is what "send all" transfers: the confirmed balance, or the
// unconfirmed one when it is positive but lower.
func (b Balance) Spendable() float64 {
	if b.Unconfirmed > 0 && b.Unconfirmed < b.Confirmed {
		return b.Unconfirmed
	}
	return b.Confirmed
}

// SignupRequest creates the remote account, its wallet and the local records.
type SignupRequest struct {
	Owner    Owner
	Email    string
	Phone    string
	Password string
}

// SendRequest transfers Amount LTC to an email or a Litecoin address.
type SendRequest struct {
	Owner    Owner
	To       string
	Amount   float64
	Password string
}

// SendResult carries the transaction id and, when the recipient is a known
// chat user, its owner record so it can be notified.
type SendResult struct {
	TxID      string
	Recipient *Owner
}

// Receive holds the owner's deposit address and registered email.
type Receive struct {
	Address string
	Email   string
}

// Transaction directions.
const (
	DirectionSent     = "sent"
	DirectionReceived = "received"
)

// Transaction is one entry of the owner's history.
type Transaction struct {
	TxID         string
	Direction    string
	Counterparty string
	Amount       string
	Time         time.Time
}

// TransactionPage is one page of history; Next is empty on the last page.
type TransactionPage struct {
	Items []Transaction
	Next  string
}

// Service is the Action Service contract.
type Service interface {
	Signup(ctx context.Context, req SignupRequest) (address string, err error)
	Send(ctx context.Context, req SendRequest) (SendResult, error)
	Balance(ctx context.Context, owner Owner) (Balance, error)
	ChangePassword(ctx context.Context, owner Owner, current, next string) error
	ChangeEmail(ctx context.Context, owner Owner, email, password string) error
	Export(ctx context.Context, owner Owner, kind ExportKind, password string) (string, error)
	Enable2FA(ctx context.Context, owner Owner, phone, password string) error
	// Issue2FA sends a code to phone, used before a phone is enrolled.
	Issue2FA(ctx context.Context, owner Owner, phone string, purpose Purpose) error
	// Request2FA sends a code to the owner's enrolled phone.
	Request2FA(ctx context.Context, owner Owner) error
	Check2FA(ctx context.Context, owner Owner, code string) error
	Receive(ctx context.Context, owner Owner) (Receive, error)
	Transactions(ctx context.Context, owner Owner, cursor string) (TransactionPage, error)
	Sync(ctx context.Context, owner Owner) error

	Registered(ctx context.Context, owner Owner) (bool, error)
	Needs2FA(ctx context.Context, owner Owner) (bool, error)
	EmailRegistered(ctx context.Context, email string) (bool, error)
	// PhoneRegistered reports whether an owner other than owner has activated phone.
	PhoneRegistered(ctx context.Context, owner Owner, phone string) (bool, error)
	RecipientHasWallet(ctx context.Context, email string) (bool, error)
	// Rate returns the USD price of one LTC.
	Rate(ctx context.Context) (float64, error)
}
