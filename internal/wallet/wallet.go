// Package wallet implements the action service on top of the remote wallet
// API, the identity provider, the local account registry and the two factor
// service.
package wallet

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/m3rciful/liteim/core/logger"
	"github.com/m3rciful/liteim/internal/accounts"
	"github.com/m3rciful/liteim/internal/action"
	"github.com/m3rciful/liteim/internal/twofactor"
	"github.com/m3rciful/liteim/internal/validate"
)

// pageSize is the number of transactions shown per page.
const pageSize = 3

// Rater quotes the USD price of one LTC.
type Rater interface {
	Rate(ctx context.Context) (float64, error)
}

// Service is the production action.Service.
type Service struct {
	api      *API
	identity *Identity
	accounts *accounts.Store
	codes    *twofactor.Service
	prices   Rater
}

var _ action.Service = (*Service)(nil)

// New assembles the service.
func New(api *API, identity *Identity, store *accounts.Store, codes *twofactor.Service, prices Rater) *Service {
	return &Service{api: api, identity: identity, accounts: store, codes: codes, prices: prices}
}

// owner loads the registered owner or reports action.ErrNotRegistered.
func (s *Service) owner(ctx context.Context, o action.Owner) (accounts.Owner, error) {
	rec, err := s.accounts.Get(ctx, o.ID)
	if errors.Is(err, accounts.ErrNotFound) {
		return accounts.Owner{}, action.ErrNotRegistered
	}
	return rec, err
}

// signIn checks the password and returns a session bound to the owner's uid.
func (s *Service) signIn(ctx context.Context, rec accounts.Owner, password string) (Session, error) {
	sess, err := s.identity.SignIn(ctx, rec.Email, password)
	if err != nil {
		return Session{}, err
	}
	if rec.UID != "" && sess.UID != rec.UID {
		return Session{}, fmt.Errorf("%w: session belongs to another identity", action.ErrInvalidPassword)
	}
	return sess, nil
}

// privileged runs the common preamble of operations that need both a recent
// security code and the password.
func (s *Service) privileged(ctx context.Context, o action.Owner, password string) (accounts.Owner, Session, error) {
	rec, err := s.owner(ctx, o)
	if err != nil {
		return accounts.Owner{}, Session{}, err
	}
	if err := s.codes.Authorized(ctx, o.ID); err != nil {
		return accounts.Owner{}, Session{}, err
	}
	sess, err := s.signIn(ctx, rec, password)
	if err != nil {
		return accounts.Owner{}, Session{}, err
	}
	return rec, sess, nil
}

func (s *Service) Signup(ctx context.Context, req action.SignupRequest) (string, error) {
	email := strings.ToLower(strings.TrimSpace(req.Email))
	if _, err := s.accounts.Get(ctx, req.Owner.ID); err == nil {
		return "", action.ErrAlreadyRegistered
	}
	if taken, err := s.EmailRegistered(ctx, email); err != nil {
		return "", err
	} else if taken {
		return "", action.ErrAlreadyRegistered
	}
	if err := s.codes.Authorized(ctx, req.Owner.ID); err != nil {
		return "", err
	}

	sess, err := s.identity.SignUp(ctx, email, req.Password)
	if err != nil {
		return "", err
	}
	address, err := s.api.CreateWallet(ctx, sess.IDToken, req.Password)
	if err == nil {
		err = s.accounts.Create(ctx, accounts.Owner{
			ID:       req.Owner.ID,
			Platform: req.Owner.Platform,
			Username: req.Owner.Username,
			UID:      sess.UID,
			Email:    email,
		}, address)
	}
	if err != nil {
		if derr := s.identity.Delete(ctx, sess); derr != nil {
			logger.Error(ctx, logger.CompWallet, "wallet.signup_rollback", slog.String("err", derr.Error()))
		}
		return "", err
	}
	if req.Phone != "" {
		if err := s.api.EnableSMS(ctx, sess.IDToken, "+"+validate.PhoneDigits(req.Phone), req.Password); err != nil {
			logger.Warn(ctx, logger.CompWallet, "wallet.sms_enable", slog.String("err", err.Error()))
		}
	}
	logger.Info(ctx, logger.CompWallet, "wallet.signup", slog.String("address", address))
	return address, nil
}

func (s *Service) Send(ctx context.Context, req action.SendRequest) (action.SendResult, error) {
	rec, sess, err := s.privileged(ctx, req.Owner, req.Password)
	if err != nil {
		return action.SendResult{}, err
	}
	from, err := s.accounts.Address(ctx, rec.ID)
	if err != nil {
		return action.SendResult{}, fmt.Errorf("wallet: sender address: %w", err)
	}

	t := Transfer{
		To:              req.To,
		Amount:          ltcAmount(req.Amount),
		CurrentPassword: req.Password,
		From:            from,
		InterfaceMockID: uuid.NewString(),
	}
	var recipient *accounts.Owner
	if validate.IsEmail(req.To) {
		email := strings.ToLower(strings.TrimSpace(req.To))
		r, err := s.accounts.ByEmail(ctx, email)
		if errors.Is(err, accounts.ErrNotFound) {
			return action.SendResult{}, action.ErrRecipientNotFound
		}
		if err != nil {
			return action.SendResult{}, err
		}
		if t.To, err = s.accounts.Address(ctx, r.ID); err != nil {
			return action.SendResult{}, action.ErrRecipientNotFound
		}
		t.ToEmail = &email
		recipient = &r
	} else if r, err := s.accounts.ByAddress(ctx, req.To); err == nil {
		recipient = &r
	}

	txid, err := s.api.Send(ctx, sess.IDToken, t)
	if err != nil {
		return action.SendResult{}, err
	}

	amount := string(t.Amount)
	if _, err := s.accounts.AddTransaction(ctx, accounts.Transaction{
		OwnerID: rec.ID, TxID: txid, Direction: action.DirectionSent, Counterparty: req.To, Amount: amount,
	}); err != nil {
		logger.Warn(ctx, logger.CompWallet, "wallet.record_failed", slog.String("err", err.Error()))
	}
	res := action.SendResult{TxID: txid}
	if recipient != nil {
		if _, err := s.accounts.AddTransaction(ctx, accounts.Transaction{
			OwnerID: recipient.ID, TxID: txid, Direction: action.DirectionReceived, Counterparty: rec.Email, Amount: amount,
		}); err != nil {
			logger.Warn(ctx, logger.CompWallet, "wallet.record_failed", slog.String("err", err.Error()))
		}
		res.Recipient = &action.Owner{ID: recipient.ID, Platform: recipient.Platform, Username: recipient.Username}
	}
	logger.Info(ctx, logger.CompWallet, "wallet.sent",
		slog.String("txid", txid),
		slog.String("amount", amount),
		slog.Bool("internal", recipient != nil),
	)
	return res, nil
}

// ltcAmount renders v without exponent or trailing zeros.
func ltcAmount(v float64) json.Number {
	return json.Number(strconv.FormatFloat(v, 'f', -1, 64))
}

func (s *Service) Balance(ctx context.Context, o action.Owner) (action.Balance, error) {
	if _, err := s.owner(ctx, o); err != nil {
		return action.Balance{}, err
	}
	addr, err := s.accounts.Address(ctx, o.ID)
	if err != nil {
		return action.Balance{}, fmt.Errorf("wallet: balance: %w", err)
	}
	return s.api.Balance(ctx, addr)
}

func (s *Service) ChangePassword(ctx context.Context, o action.Owner, current, next string) error {
	_, sess, err := s.privileged(ctx, o, current)
	if err != nil {
		return err
	}
	if err := s.api.ChangePassword(ctx, sess.IDToken, current, next); err != nil {
		return err
	}
	if err := s.identity.Update(ctx, sess, "", next); err != nil {
		return err
	}
	logger.Info(ctx, logger.CompWallet, "wallet.password_changed")
	return nil
}

func (s *Service) ChangeEmail(ctx context.Context, o action.Owner, email, password string) error {
	email = strings.ToLower(strings.TrimSpace(email))
	rec, sess, err := s.privileged(ctx, o, password)
	if err != nil {
		return err
	}
	if err := s.api.ChangeEmail(ctx, sess.IDToken, email, password); err != nil {
		return err
	}
	if err := s.identity.Update(ctx, sess, email, ""); err != nil {
		return err
	}
	if err := s.accounts.UpdateEmail(ctx, rec.ID, email); err != nil {
		return err
	}
	logger.Info(ctx, logger.CompWallet, "wallet.email_changed")
	return nil
}

func (s *Service) Export(ctx context.Context, o action.Owner, kind action.ExportKind, password string) (string, error) {
	rec, sess, err := s.privileged(ctx, o, password)
	if err != nil {
		return "", err
	}
	var secret string
	switch kind {
	case action.ExportKey:
		addr, aerr := s.accounts.Address(ctx, rec.ID)
		if aerr != nil {
			return "", fmt.Errorf("wallet: export: %w", aerr)
		}
		secret, err = s.api.PrivateKey(ctx, sess.IDToken, password, addr)
	case action.ExportPhrase:
		secret, err = s.api.Mnemonic(ctx, sess.IDToken, password)
	default:
		return "", fmt.Errorf("wallet: unknown export kind %q", kind)
	}
	if err != nil {
		return "", err
	}
	logger.Info(ctx, logger.CompWallet, "wallet.exported", slog.String("kind", string(kind)))
	return secret, nil
}

// Enable2FA registers a phone whose enable code was just confirmed.
func (s *Service) Enable2FA(ctx context.Context, o action.Owner, phone, password string) error {
	phone = validate.PhoneDigits(phone)
	st, err := s.codes.Status(ctx, o.ID)
	if errors.Is(err, twofactor.ErrNotFound) {
		return action.ErrTwoFactorNotEnrolled
	}
	if err != nil {
		return err
	}
	if !st.Activated || st.Phone != phone {
		return action.ErrCredentialExpired
	}
	_, sess, err := s.privileged(ctx, o, password)
	if err != nil {
		return err
	}
	return s.api.EnableSMS(ctx, sess.IDToken, "+"+phone, password)
}

func (s *Service) Issue2FA(ctx context.Context, o action.Owner, phone string, purpose action.Purpose) error {
	return s.codes.Issue(ctx, o.ID, validate.PhoneDigits(phone), purpose)
}

func (s *Service) Request2FA(ctx context.Context, o action.Owner) error {
	return s.codes.Request(ctx, o.ID)
}

func (s *Service) Check2FA(ctx context.Context, o action.Owner, code string) error {
	return s.codes.Check(ctx, o.ID, code)
}

func (s *Service) Receive(ctx context.Context, o action.Owner) (action.Receive, error) {
	rec, err := s.owner(ctx, o)
	if err != nil {
		return action.Receive{}, err
	}
	addr, err := s.accounts.Address(ctx, rec.ID)
	if err != nil {
		return action.Receive{}, fmt.Errorf("wallet: receive: %w", err)
	}
	return action.Receive{Address: addr, Email: rec.Email}, nil
}

func (s *Service) Transactions(ctx context.Context, o action.Owner, cursor string) (action.TransactionPage, error) {
	if _, err := s.owner(ctx, o); err != nil {
		return action.TransactionPage{}, err
	}
	items, next, err := s.accounts.Transactions(ctx, o.ID, cursor, pageSize)
	if err != nil {
		return action.TransactionPage{}, err
	}
	page := action.TransactionPage{Next: next, Items: make([]action.Transaction, 0, len(items))}
	for _, tx := range items {
		page.Items = append(page.Items, action.Transaction{
			TxID:         tx.TxID,
			Direction:    tx.Direction,
			Counterparty: tx.Counterparty,
			Amount:       tx.Amount,
			Time:         tx.Time(),
		})
	}
	return page, nil
}

// Sync pulls the owner's transactions from the wallet service into the
// local history.
func (s *Service) Sync(ctx context.Context, o action.Owner) error {
	rec, err := s.owner(ctx, o)
	if err != nil {
		return err
	}
	txs, err := s.api.Sync(ctx, rec.UID)
	if err != nil {
		return err
	}
	added := 0
	for _, tx := range txs {
		if tx.TxID == "" {
			continue
		}
		ok, err := s.accounts.AddTransaction(ctx, accounts.Transaction{
			OwnerID:      rec.ID,
			TxID:         tx.TxID,
			Direction:    tx.Direction,
			Counterparty: tx.Counterparty,
			Amount:       tx.Amount,
			CreatedAt:    tx.Time,
		})
		if err != nil {
			return err
		}
		if ok {
			added++
		}
	}
	logger.Debug(ctx, logger.CompWallet, "wallet.synced", slog.Int("seen", len(txs)), slog.Int("added", added))
	return nil
}

func (s *Service) Registered(ctx context.Context, o action.Owner) (bool, error) {
	_, err := s.owner(ctx, o)
	if errors.Is(err, action.ErrNotRegistered) {
		return false, nil
	}
	return err == nil, err
}

// Needs2FA is true for registered owners without an activated phone.
func (s *Service) Needs2FA(ctx context.Context, o action.Owner) (bool, error) {
	registered, err := s.Registered(ctx, o)
	if err != nil || !registered {
		return false, err
	}
	st, err := s.codes.Status(ctx, o.ID)
	if errors.Is(err, twofactor.ErrNotFound) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	return !st.Activated, nil
}

func (s *Service) EmailRegistered(ctx context.Context, email string) (bool, error) {
	_, err := s.accounts.ByEmail(ctx, email)
	if errors.Is(err, accounts.ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

func (s *Service) PhoneRegistered(ctx context.Context, o action.Owner, phone string) (bool, error) {
	return s.codes.PhoneTaken(ctx, o.ID, validate.PhoneDigits(phone))
}

func (s *Service) RecipientHasWallet(ctx context.Context, email string) (bool, error) {
	rec, err := s.accounts.ByEmail(ctx, email)
	if errors.Is(err, accounts.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if _, err := s.accounts.Address(ctx, rec.ID); err != nil {
		if errors.Is(err, accounts.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (s *Service) Rate(ctx context.Context) (float64, error) {
	return s.prices.Rate(ctx)
}
