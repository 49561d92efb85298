package wallet

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/m3rciful/liteim/core/logger"
	"github.com/m3rciful/liteim/internal/action"
)

// apiNetwork is the coin identifier every wallet API request carries.
const apiNetwork = "ltc"

// API is a client for the remote wallet service. Each endpoint takes a JSON
// object and answers with an object carrying a success flag.
type API struct {
	base   string
	client *http.Client
}

// NewAPI builds a client for the service rooted at base.
func NewAPI(base string, client *http.Client) *API {
	if client == nil {
		client = http.DefaultClient
	}
	return &API{base: strings.TrimRight(base, "/"), client: client}
}

type apiStatus struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

func (s apiStatus) ok() bool { return s.Success }

type successReporter interface{ ok() bool }

// post sends in to path and decodes the answer into out. The network field is
// added to every body.
func (a *API) post(ctx context.Context, path, token string, in any, out successReporter) error {
	start := time.Now()
	body, err := withNetwork(in)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.base+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		a.log(ctx, path, 0, start, err)
		return fmt.Errorf("%w: %s: %v", action.ErrUnavailable, path, err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		err = fmt.Errorf("%w: %s: %s", action.ErrInvalidPassword, path, resp.Status)
	case resp.StatusCode/100 != 2:
		err = fmt.Errorf("%w: %s: %s", action.ErrUnavailable, path, resp.Status)
	default:
		if derr := json.Unmarshal(raw, out); derr != nil {
			err = fmt.Errorf("%w: %s: decode: %v", action.ErrUnavailable, path, derr)
		} else if !out.ok() {
			err = fmt.Errorf("%w: %s: %s", action.ErrUnavailable, path, failureMessage(raw))
		}
	}
	a.log(ctx, path, resp.StatusCode, start, err)
	return err
}

func (a *API) log(ctx context.Context, path string, status int, start time.Time, err error) {
	level := slog.LevelDebug
	if err != nil {
		level = slog.LevelWarn
	}
	attrs := []slog.Attr{
		slog.String("path", path),
		slog.Int("http_status", status),
		slog.Duration("took", logger.Took(start)),
		slog.String("status", logger.Status(err)),
	}
	if err != nil {
		attrs = append(attrs, slog.String("err", err.Error()))
	}
	logger.Event(ctx, logger.CompWallet, level, "wallet.api", attrs...)
}

func withNetwork(in any) ([]byte, error) {
	fields := map[string]any{}
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal(raw, &fields); err != nil {
			return nil, err
		}
	}
	fields["network"] = apiNetwork
	return json.Marshal(fields)
}

func failureMessage(raw []byte) string {
	var s apiStatus
	if json.Unmarshal(raw, &s) == nil && s.Message != "" {
		return s.Message
	}
	return "request failed"
}

// SyncedTransaction is a transfer reported by /transaction-sync.
type SyncedTransaction struct {
	TxID         string `json:"txid"`
	Direction    string `json:"direction"`
	Counterparty string `json:"counterparty"`
	Amount       string `json:"amount"`
	// Time is in unix milliseconds.
	Time int64 `json:"time"`
}

type syncResponse struct {
	apiStatus
	Transactions []SyncedTransaction `json:"transactions"`
}

// Sync asks the service to refresh the user's transactions and returns them.
func (a *API) Sync(ctx context.Context, uid string) ([]SyncedTransaction, error) {
	var out syncResponse
	if err := a.post(ctx, "/transaction-sync", "", map[string]string{"userId": uid}, &out); err != nil {
		return nil, err
	}
	return out.Transactions, nil
}

// Transfer describes an outgoing payment.
type Transfer struct {
	To              string      `json:"to"`
	Amount          json.Number `json:"amount"`
	CurrentPassword string      `json:"currentPassword"`
	From            string      `json:"from"`
	InterfaceMockID string      `json:"interfaceMockId"`
	ToEmail         *string     `json:"toEmail"`
}

type transferResponse struct {
	apiStatus
	Transaction string `json:"transaction"`
}

// Send broadcasts a transfer and returns its transaction id.
func (a *API) Send(ctx context.Context, token string, t Transfer) (string, error) {
	var out transferResponse
	if err := a.post(ctx, "/transaction-send", token, t, &out); err != nil {
		return "", err
	}
	return out.Transaction, nil
}

// ChangePassword re-encrypts the wallet under a new password.
func (a *API) ChangePassword(ctx context.Context, token, current, next string) error {
	return a.post(ctx, "/change-password", token,
		map[string]string{"currentPassword": current, "newPassword": next}, &apiStatus{})
}

// ChangeEmail updates the email the wallet service knows the user by.
func (a *API) ChangeEmail(ctx context.Context, token, email, password string) error {
	return a.post(ctx, "/change-email", token,
		map[string]string{"email": email, "currentPassword": password}, &apiStatus{})
}

type walletResponse struct {
	apiStatus
	Wallet struct {
		Address string `json:"address"`
	} `json:"wallet"`
}

// CreateWallet creates the user's wallet and returns its address.
func (a *API) CreateWallet(ctx context.Context, token, password string) (string, error) {
	var out walletResponse
	if err := a.post(ctx, "/create-new-wallet", token, map[string]string{"currentPassword": password}, &out); err != nil {
		return "", err
	}
	if out.Wallet.Address == "" {
		return "", fmt.Errorf("%w: create wallet: empty address", action.ErrUnavailable)
	}
	return out.Wallet.Address, nil
}

type privateKeyResponse struct {
	apiStatus
	PrivateKey string `json:"privateKey"`
}

// PrivateKey reveals the WIF private key of address.
func (a *API) PrivateKey(ctx context.Context, token, password, address string) (string, error) {
	var out privateKeyResponse
	err := a.post(ctx, "/reveal-private-key", token,
		map[string]string{"currentPassword": password, "wallet": address}, &out)
	return out.PrivateKey, err
}

type mnemonicResponse struct {
	apiStatus
	Phrase string `json:"phrase"`
}

// Mnemonic reveals the wallet seed phrase.
func (a *API) Mnemonic(ctx context.Context, token, password string) (string, error) {
	var out mnemonicResponse
	err := a.post(ctx, "/reveal-mnemonic", token, map[string]string{"currentPassword": password}, &out)
	return out.Phrase, err
}

type balanceResponse struct {
	apiStatus
	Balance            float64 `json:"balance"`
	UnconfirmedBalance float64 `json:"unconfirmedBalance"`
}

// Balance returns the confirmed and unconfirmed balance of address.
func (a *API) Balance(ctx context.Context, address string) (action.Balance, error) {
	var out balanceResponse
	if err := a.post(ctx, "/get-balance", "", map[string]string{"address": address}, &out); err != nil {
		return action.Balance{}, err
	}
	return action.Balance{Confirmed: out.Balance, Unconfirmed: out.UnconfirmedBalance}, nil
}

// EnableSMS registers phone as the user's second factor.
func (a *API) EnableSMS(ctx context.Context, token, phone, password string) error {
	return a.post(ctx, "/sms-auth-enable", token,
		map[string]string{"phone": phone, "currentPassword": password}, &apiStatus{})
}
