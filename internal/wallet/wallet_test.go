package wallet

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/m3rciful/liteim/internal/accounts"
	"github.com/m3rciful/liteim/internal/action"
	"github.com/m3rciful/liteim/internal/dbtest"
	"github.com/m3rciful/liteim/internal/responder"
	"github.com/m3rciful/liteim/internal/twofactor"
)

// identityServer imitates the Identity Toolkit endpoints.
type identityServer struct {
	mu      sync.Mutex
	users   map[string]*identityUser
	deletes int
}

type identityUser struct {
	uid      string
	email    string
	password string
}

func newIdentityServer() *identityServer {
	return &identityServer{users: map[string]*identityUser{}}
}

func token(t *testing.T, uid string) string {
	t.Helper()
	claims := jwt.RegisteredClaims{Subject: uid, ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour))}
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test"))
	require.NoError(t, err)
	return s
}

func (s *identityServer) handler(t *testing.T) http.HandlerFunc {
	fail := func(w http.ResponseWriter, msg string) {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprintf(w, `{"error":{"code":400,"message":%q}}`, msg)
	}
	return func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		defer s.mu.Unlock()
		assert.Equal(t, "test-key", r.URL.Query().Get("key"))
		var in credentials
		require.NoError(t, json.NewDecoder(r.Body).Decode(&in))

		switch strings.TrimPrefix(r.URL.Path, "/v1/") {
		case "accounts:signUp":
			if s.users[in.Email] != nil {
				fail(w, "EMAIL_EXISTS")
				return
			}
			u := &identityUser{uid: fmt.Sprintf("uid-%d", len(s.users)+1), email: in.Email, password: in.Password}
			s.users[in.Email] = u
			fmt.Fprintf(w, `{"idToken":%q,"localId":%q}`, token(t, u.uid), u.uid)
		case "accounts:signInWithPassword":
			u := s.users[in.Email]
			if u == nil || u.password != in.Password {
				fail(w, "INVALID_LOGIN_CREDENTIALS")
				return
			}
			fmt.Fprintf(w, `{"idToken":%q,"localId":%q}`, token(t, u.uid), u.uid)
		case "accounts:update", "accounts:delete":
			var claims jwt.RegisteredClaims
			_, _, err := jwt.NewParser().ParseUnverified(in.IDToken, &claims)
			require.NoError(t, err)
			for email, u := range s.users {
				if u.uid != claims.Subject {
					continue
				}
				if strings.HasSuffix(r.URL.Path, "delete") {
					delete(s.users, email)
					s.deletes++
				} else {
					if in.Password != "" {
						u.password = in.Password
					}
					if in.Email != "" {
						delete(s.users, email)
						u.email = in.Email
						s.users[in.Email] = u
					}
				}
				fmt.Fprint(w, `{}`)
				return
			}
			fail(w, "INVALID_ID_TOKEN")
		default:
			http.NotFound(w, r)
		}
	}
}

type apiCall struct {
	Path string
	Auth string
	Body map[string]any
}

// walletServer imitates the remote wallet API.
type walletServer struct {
	mu         sync.Mutex
	calls      []apiCall
	failCreate bool
	synced     []SyncedTransaction
	wallets    int
}

func (s *walletServer) handler(t *testing.T) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		defer s.mu.Unlock()
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		s.calls = append(s.calls, apiCall{Path: r.URL.Path, Auth: r.Header.Get("Authorization"), Body: body})

		out := map[string]any{"success": true}
		switch r.URL.Path {
		case "/create-new-wallet":
			if s.failCreate {
				out = map[string]any{"success": false, "message": "node offline"}
				break
			}
			s.wallets++
			out["wallet"] = map[string]string{"address": fmt.Sprintf("ltc1qwallet%d", s.wallets)}
		case "/transaction-send":
			out["transaction"] = "tx-1"
		case "/get-balance":
			out["balance"] = 1.5
			out["unconfirmedBalance"] = 0.25
		case "/reveal-private-key":
			out["privateKey"] = "T-private"
		case "/reveal-mnemonic":
			out["phrase"] = "abandon ability able"
		case "/transaction-sync":
			out["transactions"] = s.synced
		}
		_ = json.NewEncoder(w).Encode(out)
	}
}

func (s *walletServer) last(t *testing.T, path string) apiCall {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.calls) - 1; i >= 0; i-- {
		if s.calls[i].Path == path {
			return s.calls[i]
		}
	}
	t.Fatalf("no call to %s", path)
	return apiCall{}
}

type outbox struct {
	mu    sync.Mutex
	texts map[string]string
}

func (o *outbox) Send(_ context.Context, phone, text string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.texts[phone] = text
	return nil
}

var codeRe = regexp.MustCompile(`\d{6}$`)

func (o *outbox) code(t *testing.T, phone string) string {
	t.Helper()
	o.mu.Lock()
	defer o.mu.Unlock()
	code := codeRe.FindString(o.texts[phone])
	require.NotEmpty(t, code, "no code sent to %s", phone)
	return code
}

type staticRate float64

func (r staticRate) Rate(context.Context) (float64, error) { return float64(r), nil }

type env struct {
	svc      *Service
	store    *accounts.Store
	identity *identityServer
	api      *walletServer
	sms      *outbox
}

func newEnv(t *testing.T) *env {
	t.Helper()
	db := dbtest.Open(t)
	e := &env{
		store:    accounts.New(db),
		identity: newIdentityServer(),
		api:      &walletServer{},
		sms:      &outbox{texts: map[string]string{}},
	}
	idSrv := httptest.NewServer(e.identity.handler(t))
	t.Cleanup(idSrv.Close)
	apiSrv := httptest.NewServer(e.api.handler(t))
	t.Cleanup(apiSrv.Close)

	codes := twofactor.New(twofactor.NewSQLStore(db), e.sms, responder.Default(), twofactor.Config{IssueBurst: 10})
	e.svc = New(
		NewAPI(apiSrv.URL, apiSrv.Client()),
		NewIdentity(idSrv.URL, "test-key", idSrv.Client()),
		e.store, codes, staticRate(80),
	)
	return e
}

func (e *env) signup(t *testing.T, owner action.Owner, email, phone string) string {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, e.svc.Issue2FA(ctx, owner, phone, action.PurposeEnable))
	require.NoError(t, e.svc.Check2FA(ctx, owner, e.sms.code(t, phone)))
	addr, err := e.svc.Signup(ctx, action.SignupRequest{Owner: owner, Email: email, Phone: phone, Password: "hunter22"})
	require.NoError(t, err)
	return addr
}

var (
	alice = action.NewOwner(action.PlatformTelegram, "1", "alice")
	bob   = action.NewOwner(action.PlatformMessenger, "2", "bob")
)

func TestSignupCreatesWalletAndOwner(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)

	addr := e.signup(t, alice, "Alice@Example.com", "15551234567")
	assert.Equal(t, "ltc1qwallet1", addr)

	create := e.api.last(t, "/create-new-wallet")
	assert.Equal(t, "ltc", create.Body["network"])
	assert.Equal(t, "hunter22", create.Body["currentPassword"])
	assert.True(t, strings.HasPrefix(create.Auth, "Bearer "))
	assert.Equal(t, "+15551234567", e.api.last(t, "/sms-auth-enable").Body["phone"])

	ok, err := e.svc.Registered(ctx, alice)
	require.NoError(t, err)
	assert.True(t, ok)
	needs, err := e.svc.Needs2FA(ctx, alice)
	require.NoError(t, err)
	assert.False(t, needs)

	rec, err := e.svc.Receive(ctx, alice)
	require.NoError(t, err)
	assert.Equal(t, action.Receive{Address: addr, Email: "alice@example.com"}, rec)

	taken, err := e.svc.EmailRegistered(ctx, "alice@example.com")
	require.NoError(t, err)
	assert.True(t, taken)
	taken, err = e.svc.PhoneRegistered(ctx, bob, "+1 555 123 4567")
	require.NoError(t, err)
	assert.True(t, taken)
	taken, err = e.svc.PhoneRegistered(ctx, alice, "+1 555 123 4567")
	require.NoError(t, err)
	assert.False(t, taken, "an owner's own phone is not taken")
}

func TestSignupRequiresConfirmedCode(t *testing.T) {
	e := newEnv(t)
	_, err := e.svc.Signup(context.Background(), action.SignupRequest{
		Owner: alice, Email: "a@example.com", Phone: "15551234567", Password: "hunter22",
	})
	assert.ErrorIs(t, err, action.ErrTwoFactorNotEnrolled)
	assert.Empty(t, e.identity.users)
}

func TestSignupTwiceIsRejected(t *testing.T) {
	e := newEnv(t)
	e.signup(t, alice, "a@example.com", "15551234567")

	_, err := e.svc.Signup(context.Background(), action.SignupRequest{Owner: alice, Email: "other@example.com", Password: "x"})
	assert.ErrorIs(t, err, action.ErrAlreadyRegistered)
}

func TestSignupRollsBackIdentityWhenWalletFails(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.api.failCreate = true

	require.NoError(t, e.svc.Issue2FA(ctx, alice, "15551234567", action.PurposeEnable))
	require.NoError(t, e.svc.Check2FA(ctx, alice, e.sms.code(t, "15551234567")))
	_, err := e.svc.Signup(ctx, action.SignupRequest{Owner: alice, Email: "a@example.com", Password: "hunter22"})
	assert.ErrorIs(t, err, action.ErrUnavailable)
	assert.Equal(t, 1, e.identity.deletes)

	ok, err := e.svc.Registered(ctx, alice)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSendToEmailRecordsBothSides(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.signup(t, alice, "alice@example.com", "15551234567")
	bobAddr := e.signup(t, bob, "bob@example.com", "15557654321")

	require.NoError(t, e.svc.Request2FA(ctx, alice))
	require.NoError(t, e.svc.Check2FA(ctx, alice, e.sms.code(t, "15551234567")))

	res, err := e.svc.Send(ctx, action.SendRequest{Owner: alice, To: "Bob@example.com", Amount: 0.125, Password: "hunter22"})
	require.NoError(t, err)
	assert.Equal(t, "tx-1", res.TxID)
	require.NotNil(t, res.Recipient)
	assert.Equal(t, bob.ID, res.Recipient.ID)
	assert.Equal(t, "bob", res.Recipient.Username)

	call := e.api.last(t, "/transaction-send")
	assert.Equal(t, bobAddr, call.Body["to"])
	assert.Equal(t, "bob@example.com", call.Body["toEmail"])
	assert.Equal(t, "ltc1qwallet1", call.Body["from"])
	assert.Equal(t, 0.125, call.Body["amount"])
	_, err = uuid.Parse(call.Body["interfaceMockId"].(string))
	assert.NoError(t, err)

	sent, err := e.svc.Transactions(ctx, alice, "")
	require.NoError(t, err)
	require.Len(t, sent.Items, 1)
	assert.Equal(t, action.DirectionSent, sent.Items[0].Direction)
	assert.Equal(t, "0.125", sent.Items[0].Amount)

	got, err := e.svc.Transactions(ctx, bob, "")
	require.NoError(t, err)
	require.Len(t, got.Items, 1)
	assert.Equal(t, action.DirectionReceived, got.Items[0].Direction)
	assert.Equal(t, "alice@example.com", got.Items[0].Counterparty)
}

func TestSendToExternalAddress(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.signup(t, alice, "alice@example.com", "15551234567")

	res, err := e.svc.Send(ctx, action.SendRequest{Owner: alice, To: "LdP8Qox1VAhCzLJNqrr74YovaWYyNBUWvL", Amount: 1, Password: "hunter22"})
	require.NoError(t, err)
	assert.Nil(t, res.Recipient)
	assert.Nil(t, e.api.last(t, "/transaction-send").Body["toEmail"])
}

func TestSendFailures(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.signup(t, alice, "alice@example.com", "15551234567")

	_, err := e.svc.Send(ctx, action.SendRequest{Owner: alice, To: "nobody@example.com", Amount: 1, Password: "hunter22"})
	assert.ErrorIs(t, err, action.ErrRecipientNotFound)

	_, err = e.svc.Send(ctx, action.SendRequest{Owner: alice, To: "nobody@example.com", Amount: 1, Password: "wrong"})
	assert.ErrorIs(t, err, action.ErrInvalidPassword)

	_, err = e.svc.Send(ctx, action.SendRequest{Owner: bob, To: "alice@example.com", Amount: 1, Password: "hunter22"})
	assert.ErrorIs(t, err, action.ErrNotRegistered)
}

func TestBalanceAndRate(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	addr := e.signup(t, alice, "alice@example.com", "15551234567")

	bal, err := e.svc.Balance(ctx, alice)
	require.NoError(t, err)
	assert.Equal(t, action.Balance{Confirmed: 1.5, Unconfirmed: 0.25}, bal)
	assert.Equal(t, addr, e.api.last(t, "/get-balance").Body["address"])
	assert.Empty(t, e.api.last(t, "/get-balance").Auth)

	_, err = e.svc.Balance(ctx, bob)
	assert.ErrorIs(t, err, action.ErrNotRegistered)

	rate, err := e.svc.Rate(ctx)
	require.NoError(t, err)
	assert.Equal(t, 80.0, rate)
}

func TestAccountChanges(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	addr := e.signup(t, alice, "alice@example.com", "15551234567")

	key, err := e.svc.Export(ctx, alice, action.ExportKey, "hunter22")
	require.NoError(t, err)
	assert.Equal(t, "T-private", key)
	assert.Equal(t, addr, e.api.last(t, "/reveal-private-key").Body["wallet"])

	phrase, err := e.svc.Export(ctx, alice, action.ExportPhrase, "hunter22")
	require.NoError(t, err)
	assert.Equal(t, "abandon ability able", phrase)

	require.NoError(t, e.svc.ChangeEmail(ctx, alice, "New@Example.com", "hunter22"))
	rec, err := e.svc.Receive(ctx, alice)
	require.NoError(t, err)
	assert.Equal(t, "new@example.com", rec.Email)

	require.NoError(t, e.svc.ChangePassword(ctx, alice, "hunter22", "correct horse"))
	assert.Equal(t, "correct horse", e.api.last(t, "/change-password").Body["newPassword"])
	_, err = e.svc.Export(ctx, alice, action.ExportPhrase, "hunter22")
	assert.ErrorIs(t, err, action.ErrInvalidPassword)
}

func TestEnable2FARegistersPhone(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.signup(t, alice, "alice@example.com", "15551234567")

	require.NoError(t, e.svc.Issue2FA(ctx, alice, "15559990000", action.PurposeEnable))
	needs, err := e.svc.Needs2FA(ctx, alice)
	require.NoError(t, err)
	assert.False(t, needs, "the activated phone stays enrolled until the new code is checked")

	err = e.svc.Enable2FA(ctx, alice, "15559990000", "hunter22")
	assert.ErrorIs(t, err, action.ErrCredentialExpired)

	require.NoError(t, e.svc.Check2FA(ctx, alice, e.sms.code(t, "15559990000")))
	require.NoError(t, e.svc.Enable2FA(ctx, alice, "+1 555 999 0000", "hunter22"))
	assert.Equal(t, "+15559990000", e.api.last(t, "/sms-auth-enable").Body["phone"])
}

func TestNeeds2FAWithoutEnrollment(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	require.NoError(t, e.store.Create(ctx, accounts.Owner{
		ID: alice.ID, Platform: alice.Platform, UID: "uid-x", Email: "a@example.com",
	}, "ltc1qlegacy"))

	needs, err := e.svc.Needs2FA(ctx, alice)
	require.NoError(t, err)
	assert.True(t, needs)

	needs, err = e.svc.Needs2FA(ctx, bob)
	require.NoError(t, err)
	assert.False(t, needs)
}

func TestSyncPagesHistory(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.signup(t, alice, "alice@example.com", "15551234567")
	for i := 1; i <= 4; i++ {
		e.api.synced = append(e.api.synced, SyncedTransaction{
			TxID: fmt.Sprintf("t%d", i), Direction: action.DirectionReceived, Amount: "0.1", Time: int64(i) * 1000,
		})
	}

	require.NoError(t, e.svc.Sync(ctx, alice))
	require.NoError(t, e.svc.Sync(ctx, alice))
	assert.Equal(t, "uid-1", e.api.last(t, "/transaction-sync").Body["userId"])

	first, err := e.svc.Transactions(ctx, alice, "")
	require.NoError(t, err)
	require.Len(t, first.Items, 3)
	assert.Equal(t, "t4", first.Items[0].TxID)
	require.NotEmpty(t, first.Next)

	second, err := e.svc.Transactions(ctx, alice, first.Next)
	require.NoError(t, err)
	require.Len(t, second.Items, 1)
	assert.Equal(t, "t1", second.Items[0].TxID)
	assert.Empty(t, second.Next)

	assert.ErrorIs(t, e.svc.Sync(ctx, bob), action.ErrNotRegistered)
}

func TestIdentityFailureMapping(t *testing.T) {
	cases := map[string]error{
		"INVALID_PASSWORD":                     action.ErrInvalidPassword,
		"INVALID_LOGIN_CREDENTIALS":            action.ErrInvalidPassword,
		"EMAIL_EXISTS":                         action.ErrAlreadyRegistered,
		"TOO_MANY_ATTEMPTS_TRY_LATER":          action.ErrThrottled,
		"WEAK_PASSWORD : Password should be 6": action.ErrInvalidPassword,
		"":                                     action.ErrUnavailable,
		"OPERATION_NOT_ALLOWED":                action.ErrUnavailable,
	}
	for msg, want := range cases {
		assert.ErrorIs(t, identityFailure(msg, "400 Bad Request"), want, msg)
	}
}

func TestIdentityRejectsExpiredToken(t *testing.T) {
	id := NewIdentity("http://unused", "k", nil)
	id.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	_, err := id.subject(token(t, "uid-1"))
	assert.ErrorIs(t, err, action.ErrUnavailable)

	_, err = id.subject("not-a-jwt")
	assert.ErrorIs(t, err, action.ErrUnavailable)
}

func TestPriceFeedCachesAndServesStale(t *testing.T) {
	var (
		mu   sync.Mutex
		hits int
		down bool
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		hits++
		if down {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		fmt.Fprint(w, `{"data":{"base":"LTC","currency":"USD","amount":"71.50"}}`)
	}))
	defer srv.Close()

	now := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	feed := NewPriceFeed(PriceConfig{URL: srv.URL, CacheTTL: time.Minute}, srv.Client())
	feed.now = func() time.Time { return now }
	ctx := context.Background()

	for range 2 {
		price, err := feed.Rate(ctx)
		require.NoError(t, err)
		assert.Equal(t, 71.5, price)
	}
	assert.Equal(t, 1, hits)

	mu.Lock()
	down = true
	mu.Unlock()
	now = now.Add(2 * time.Minute)
	price, err := feed.Rate(ctx)
	require.NoError(t, err)
	assert.Equal(t, 71.5, price)
	assert.Equal(t, 2, hits)

	cold := NewPriceFeed(PriceConfig{URL: srv.URL}, srv.Client())
	_, err = cold.Rate(ctx)
	assert.ErrorIs(t, err, action.ErrUnavailable)
}

func TestConfigNormalize(t *testing.T) {
	cfg := Config{APIURL: "https://wallet.example/", Stage: "production", IdentityKey: "k"}
	require.NoError(t, cfg.Normalize())
	assert.Equal(t, "https://wallet.example", cfg.APIURL)
	assert.Equal(t, "mainnet", cfg.Network)
	assert.Equal(t, "https://insight.litecore.io/tx/%s/", cfg.ExplorerURL)
	assert.Equal(t, "https://identitytoolkit.googleapis.com", cfg.IdentityURL)

	dev := Config{APIURL: "http://localhost:3000", IdentityKey: "k"}
	require.NoError(t, dev.Normalize())
	assert.Equal(t, StageDevelopment, dev.Stage)
	assert.Equal(t, "testnet", dev.Network)

	assert.Error(t, (&Config{IdentityKey: "k"}).Normalize())
	assert.Error(t, (&Config{APIURL: "x", IdentityKey: "k", Stage: "qa"}).Normalize())
	assert.Error(t, (&Config{APIURL: "x"}).Normalize())
}
