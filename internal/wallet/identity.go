package wallet

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/m3rciful/liteim/internal/action"
)

// Identity talks to the Identity Toolkit REST API that issues the id tokens
// the wallet service accepts.
type Identity struct {
	base   string
	key    string
	client *http.Client
	now    func() time.Time
}

// NewIdentity builds a client for the API rooted at base using the project key.
func NewIdentity(base, key string, client *http.Client) *Identity {
	if client == nil {
		client = http.DefaultClient
	}
	return &Identity{base: strings.TrimRight(base, "/"), key: key, client: client, now: time.Now}
}

// Session is a signed-in identity.
type Session struct {
	UID     string
	IDToken string
}

type credentials struct {
	Email             string `json:"email,omitempty"`
	Password          string `json:"password,omitempty"`
	IDToken           string `json:"idToken,omitempty"`
	ReturnSecureToken bool   `json:"returnSecureToken"`
}

type tokenResponse struct {
	IDToken string `json:"idToken"`
	LocalID string `json:"localId"`
}

type identityError struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// SignUp creates an identity and signs it in.
func (i *Identity) SignUp(ctx context.Context, email, password string) (Session, error) {
	return i.session(ctx, "accounts:signUp", credentials{Email: email, Password: password, ReturnSecureToken: true})
}

// SignIn exchanges email and password for a fresh session. Wrong credentials
// yield action.ErrInvalidPassword.
func (i *Identity) SignIn(ctx context.Context, email, password string) (Session, error) {
	return i.session(ctx, "accounts:signInWithPassword", credentials{Email: email, Password: password, ReturnSecureToken: true})
}

// Update changes the email or the password of the signed-in identity. Empty
// fields are left unchanged.
func (i *Identity) Update(ctx context.Context, s Session, email, password string) error {
	var out tokenResponse
	return i.call(ctx, "accounts:update", credentials{IDToken: s.IDToken, Email: email, Password: password}, &out)
}

// Delete removes the signed-in identity. It undoes a sign-up whose wallet
// could not be created.
func (i *Identity) Delete(ctx context.Context, s Session) error {
	var out struct{}
	return i.call(ctx, "accounts:delete", credentials{IDToken: s.IDToken}, &out)
}

func (i *Identity) session(ctx context.Context, method string, in credentials) (Session, error) {
	var out tokenResponse
	if err := i.call(ctx, method, in, &out); err != nil {
		return Session{}, err
	}
	sub, err := i.subject(out.IDToken)
	if err != nil {
		return Session{}, err
	}
	if out.LocalID != "" && out.LocalID != sub {
		return Session{}, fmt.Errorf("%w: identity: token subject mismatch", action.ErrUnavailable)
	}
	return Session{UID: sub, IDToken: out.IDToken}, nil
}

// subject reads the uid from an id token. The signature is checked by the
// wallet service, here only the claims are used.
func (i *Identity) subject(token string) (string, error) {
	var claims jwt.RegisteredClaims
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return "", fmt.Errorf("%w: identity: parse token: %v", action.ErrUnavailable, err)
	}
	if claims.Subject == "" {
		return "", fmt.Errorf("%w: identity: token without subject", action.ErrUnavailable)
	}
	if claims.ExpiresAt != nil && !i.now().Before(claims.ExpiresAt.Time) {
		return "", fmt.Errorf("%w: identity: token already expired", action.ErrUnavailable)
	}
	return claims.Subject, nil
}

func (i *Identity) call(ctx context.Context, method string, in credentials, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return err
	}
	endpoint := fmt.Sprintf("%s/v1/%s?key=%s", i.base, method, url.QueryEscape(i.key))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := i.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: identity: %v", action.ErrUnavailable, err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode/100 != 2 {
		var ie identityError
		_ = json.Unmarshal(raw, &ie)
		return identityFailure(ie.Error.Message, resp.Status)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("%w: identity: decode: %v", action.ErrUnavailable, err)
	}
	return nil
}

// errWeakPassword is reported for passwords the provider refuses.
var errWeakPassword = errors.New("identity: weak password")

func identityFailure(message, status string) error {
	code, _, _ := strings.Cut(message, " ")
	switch code {
	case "INVALID_PASSWORD", "EMAIL_NOT_FOUND", "INVALID_LOGIN_CREDENTIALS", "INVALID_EMAIL", "USER_DISABLED":
		return fmt.Errorf("%w: %s", action.ErrInvalidPassword, code)
	case "EMAIL_EXISTS":
		return fmt.Errorf("%w: %s", action.ErrAlreadyRegistered, code)
	case "TOO_MANY_ATTEMPTS_TRY_LATER":
		return fmt.Errorf("%w: %s", action.ErrThrottled, code)
	case "WEAK_PASSWORD":
		return fmt.Errorf("%w: %w", action.ErrInvalidPassword, errWeakPassword)
	}
	if message == "" {
		message = status
	}
	return fmt.Errorf("%w: identity: %s", action.ErrUnavailable, message)
}
