// Package twofactor issues and checks SMS security codes.
//
// A code is an HOTP value over a fresh random secret, stored as a pending
// challenge keyed by phone. A successful check opens a short credential window
// during which privileged wallet operations are allowed.
package twofactor

import (
	"context"
	"crypto/rand"
	"encoding/base32"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/hotp"
	"golang.org/x/time/rate"

	"github.com/m3rciful/liteim/core/logger"
	"github.com/m3rciful/liteim/internal/action"
	"github.com/m3rciful/liteim/internal/idgen"
)

// Config tunes code lifetime, attempt limits and the per-phone issue throttle.
type Config struct {
	CodeTTL       time.Duration `yaml:"code_ttl" envconfig:"TWO_FACTOR_CODE_TTL"`
	CredentialTTL time.Duration `yaml:"credential_ttl" envconfig:"TWO_FACTOR_CREDENTIAL_TTL"`
	MaxAttempts   int           `yaml:"max_attempts" envconfig:"TWO_FACTOR_MAX_ATTEMPTS"`
	IssueEvery    time.Duration `yaml:"issue_every" envconfig:"TWO_FACTOR_ISSUE_EVERY"`
	IssueBurst    int           `yaml:"issue_burst" envconfig:"TWO_FACTOR_ISSUE_BURST"`
}

// Normalize fills defaults.
func (c *Config) Normalize() {
	if c.CodeTTL <= 0 {
		c.CodeTTL = 120 * time.Second
	}
	if c.CredentialTTL <= 0 {
		c.CredentialTTL = 300 * time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.IssueEvery <= 0 {
		c.IssueEvery = 20 * time.Second
	}
	if c.IssueBurst <= 0 {
		c.IssueBurst = 3
	}
}

// Sender delivers a text message to a phone number given as digits.
type Sender interface {
	Send(ctx context.Context, phone, text string) error
}

// Texts renders the SMS bodies.
type Texts interface {
	Text(key string, vars map[string]string) string
}

var codeOpts = hotp.ValidateOpts{Digits: otp.DigitsSix, Algorithm: otp.AlgorithmSHA1}

// Service implements issuing and checking codes.
type Service struct {
	store  Store
	sender Sender
	texts  Texts
	cfg    Config
	now    func() time.Time

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// New builds a Service; cfg is normalized.
func New(store Store, sender Sender, texts Texts, cfg Config) *Service {
	cfg.Normalize()
	return &Service{
		store:    store,
		sender:   sender,
		texts:    texts,
		cfg:      cfg,
		now:      time.Now,
		limiters: make(map[string]*rate.Limiter),
	}
}

// Issue sends a code to phone. An enable code carries the phone on the
// challenge only; the owner's status moves to it once the code is checked.
// Any earlier code of the owner is discarded.
func (s *Service) Issue(ctx context.Context, ownerID, phone string, purpose action.Purpose) error {
	if !s.limiter(phone).Allow() {
		logger.Warn(ctx, logger.CompTwoFactor, "2fa.throttled", slog.String("phone", logger.Mask(phone, 4)))
		return action.ErrThrottled
	}

	if purpose == action.PurposeEnable {
		st, err := s.store.Status(ctx, ownerID)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}
		if err == nil && st.Activated && st.Phone == phone {
			purpose = action.PurposeVerify
		}
	}

	secret, err := newSecret()
	if err != nil {
		return err
	}
	counter := uint64(1)
	if prev, err := s.store.Challenge(ctx, phone); err == nil {
		counter = prev.Counter + 1
	}
	code, err := hotp.GenerateCodeCustom(secret, counter, codeOpts)
	if err != nil {
		return fmt.Errorf("twofactor: generate code: %w", err)
	}

	now := s.now().UTC()
	ch := Challenge{
		ID:        idgen.NewAt(now),
		Phone:     phone,
		OwnerID:   ownerID,
		Purpose:   purpose,
		Secret:    secret,
		Counter:   counter,
		ExpiresAt: now.Add(s.cfg.CodeTTL),
		CreatedAt: now,
	}
	if err := s.store.DropOwnerChallenges(ctx, ownerID); err != nil {
		return err
	}
	if err := s.store.SaveChallenge(ctx, ch); err != nil {
		return err
	}

	key := "sms.verify"
	if purpose == action.PurposeEnable {
		key = "sms.enable"
	}
	if err := s.sender.Send(ctx, phone, s.texts.Text(key, map[string]string{"code": code})); err != nil {
		_ = s.store.DeleteChallenge(ctx, phone)
		return fmt.Errorf("%w: sms: %v", action.ErrUnavailable, err)
	}
	logger.Info(ctx, logger.CompTwoFactor, "2fa.issued",
		slog.String("purpose", string(purpose)),
		slog.String("phone", logger.Mask(phone, 4)),
	)
	return nil
}

// Request sends a fresh code: a verification code to the enrolled phone, or a
// new enable code to the phone of an unfinished enrollment.
func (s *Service) Request(ctx context.Context, ownerID string) error {
	st, err := s.store.Status(ctx, ownerID)
	switch {
	case err == nil && st.Activated:
		return s.Issue(ctx, ownerID, st.Phone, action.PurposeVerify)
	case err != nil && !errors.Is(err, ErrNotFound):
		return err
	}
	ch, err := s.store.OwnerChallenge(ctx, ownerID)
	if errors.Is(err, ErrNotFound) {
		return action.ErrTwoFactorNotEnrolled
	}
	if err != nil {
		return err
	}
	return s.Issue(ctx, ownerID, ch.Phone, ch.Purpose)
}

// Check verifies code against the owner's pending challenge. A wrong code
// counts as an attempt; the challenge is dropped after too many attempts, on
// expiry, and on success. A confirmed enable code activates its phone.
func (s *Service) Check(ctx context.Context, ownerID, code string) error {
	ch, err := s.store.OwnerChallenge(ctx, ownerID)
	if errors.Is(err, ErrNotFound) {
		return action.ErrNoChallenge
	}
	if err != nil {
		return err
	}
	st, err := s.store.Status(ctx, ownerID)
	switch {
	case errors.Is(err, ErrNotFound):
		st = Status{OwnerID: ownerID}
	case err != nil:
		return err
	}
	if ch.Purpose != action.PurposeEnable && (!st.Activated || st.Phone != ch.Phone) {
		return action.ErrNoChallenge
	}

	now := s.now()
	if !now.Before(ch.ExpiresAt) {
		_ = s.store.DeleteChallenge(ctx, ch.Phone)
		s.logCheck(ctx, ch, "expired")
		return action.ErrCodeExpired
	}
	ok, err := hotp.ValidateCustom(code, ch.Counter, ch.Secret, codeOpts)
	if err != nil || !ok {
		attempts, aerr := s.store.AddAttempt(ctx, ch.Phone)
		if aerr == nil && attempts >= s.cfg.MaxAttempts {
			_ = s.store.DeleteChallenge(ctx, ch.Phone)
		}
		s.logCheck(ctx, ch, "invalid")
		return action.ErrCodeInvalid
	}

	if err := s.store.DeleteChallenge(ctx, ch.Phone); err != nil {
		return err
	}
	st.CredentialExpires = now.Add(s.cfg.CredentialTTL)
	if ch.Purpose == action.PurposeEnable {
		st.Phone = ch.Phone
		st.Activated = true
	}
	if err := s.store.SaveStatus(ctx, st); err != nil {
		return err
	}
	s.logCheck(ctx, ch, "ok")
	return nil
}

// Authorized requires an activated enrollment and a successful check within
// the credential window.
func (s *Service) Authorized(ctx context.Context, ownerID string) error {
	st, err := s.store.Status(ctx, ownerID)
	if errors.Is(err, ErrNotFound) {
		return action.ErrTwoFactorNotEnrolled
	}
	if err != nil {
		return err
	}
	if !st.Activated {
		return action.ErrTwoFactorNotEnrolled
	}
	if !s.now().Before(st.CredentialExpires) {
		return action.ErrCredentialExpired
	}
	return nil
}

// Status returns the owner's enrollment.
func (s *Service) Status(ctx context.Context, ownerID string) (Status, error) {
	return s.store.Status(ctx, ownerID)
}

// PhoneTaken reports whether an owner other than ownerID has activated phone.
func (s *Service) PhoneTaken(ctx context.Context, ownerID, phone string) (bool, error) {
	return s.store.PhoneTaken(ctx, phone, ownerID)
}

func (s *Service) limiter(phone string) *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.limiters[phone]
	if !ok {
		l = rate.NewLimiter(rate.Every(s.cfg.IssueEvery), s.cfg.IssueBurst)
		s.limiters[phone] = l
	}
	return l
}

func (s *Service) logCheck(ctx context.Context, ch Challenge, outcome string) {
	level := slog.LevelInfo
	if outcome != "ok" {
		level = slog.LevelWarn
	}
	logger.Event(ctx, logger.CompTwoFactor, level, "2fa.checked",
		slog.String("purpose", string(ch.Purpose)),
		slog.String("outcome", outcome),
		slog.Int("attempts", ch.Attempts),
	)
}

func newSecret() (string, error) {
	buf := make([]byte, 20)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("twofactor: secret: %w", err)
	}
	return base32.StdEncoding.WithPadding(base32.NoPadding).EncodeToString(buf), nil
}
