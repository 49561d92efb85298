package httpapi_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/m3rciful/liteim/internal/accounts"
	"github.com/m3rciful/liteim/internal/conversation"
	"github.com/m3rciful/liteim/internal/httpapi"
	"github.com/m3rciful/liteim/internal/notify"
)

const secret = "notifier-secret"

type fakeNotifier struct {
	deposits   []notify.Incoming
	broadcasts []string
}

func (f *fakeNotifier) Deposit(_ context.Context, in notify.Incoming) error {
	if in.Address == "unknown" {
		return accounts.ErrNotFound
	}
	f.deposits = append(f.deposits, in)
	return nil
}

func (f *fakeNotifier) Broadcast(_ context.Context, msg conversation.Message) (int, error) {
	f.broadcasts = append(f.broadcasts, msg.Text)
	return 3, nil
}

func token(t *testing.T, key string, ttl time.Duration) string {
	t.Helper()
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "wallet-service",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
	}).SignedString([]byte(key))
	require.NoError(t, err)
	return tok
}

func newServer(t *testing.T, burst int) (*httpapi.Server, *fakeNotifier) {
	t.Helper()
	cfg := httpapi.Config{NotifierSecret: secret, Burst: burst, RatePerSecond: 0.01}
	require.NoError(t, cfg.Normalize())
	n := &fakeNotifier{}
	return httpapi.New(cfg, n, nil), n
}

func do(s http.Handler, method, path, bearer, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	return rec
}

func TestHealthz(t *testing.T) {
	s, _ := newServer(t, 0)
	rec := do(s, http.MethodGet, "/healthz", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"success":true}`, rec.Body.String())
}

func TestNotifierRequiresToken(t *testing.T) {
	s, n := newServer(t, 0)
	body := `{"address":"ltc1q","sender":"bob","txid":"abc","amount":"0.5"}`

	assert.Equal(t, http.StatusUnauthorized, do(s, http.MethodPost, "/notifier", "", body).Code)
	assert.Equal(t, http.StatusUnauthorized, do(s, http.MethodPost, "/notifier", token(t, "wrong", time.Minute), body).Code)
	assert.Equal(t, http.StatusUnauthorized, do(s, http.MethodPost, "/notifier", token(t, secret, -time.Minute), body).Code)
	assert.Empty(t, n.deposits)

	rec := do(s, http.MethodPost, "/notifier", token(t, secret, time.Minute), body)
	assert.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, n.deposits, 1)
	assert.Equal(t, "abc", n.deposits[0].TxID)

	rec = do(s, http.MethodPost, "/notifier", token(t, secret, time.Minute), `{"address":"unknown","txid":"x"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec = do(s, http.MethodPost, "/notifier", token(t, secret, time.Minute), `{"bogus":1}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestBroadcast(t *testing.T) {
	s, n := newServer(t, 0)
	rec := do(s, http.MethodPost, "/broadcast", token(t, secret, time.Minute), `{"text":"maintenance tonight"}`)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"success":true,"sent":3}`, rec.Body.String())
	assert.Equal(t, []string{"maintenance tonight"}, n.broadcasts)

	rec = do(s, http.MethodPost, "/broadcast", token(t, secret, time.Minute), `{"text":"  "}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRateLimitPerAddress(t *testing.T) {
	s, _ := newServer(t, 2)
	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		codes = append(codes, do(s, http.MethodGet, "/healthz", "", "").Code)
	}
	assert.Equal(t, []int{200, 200, http.StatusTooManyRequests}, codes)
}

func TestMountTelegram(t *testing.T) {
	s, _ := newServer(t, 0)
	s.MountTelegram("/telegram", http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))
	assert.Equal(t, http.StatusAccepted, do(s, http.MethodPost, "/telegram", "", "{}").Code)

	s.MountTelegram("/telegram", http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	assert.Equal(t, http.StatusTeapot, do(s, http.MethodPost, "/telegram", "", "{}").Code)
}
