package twofactor

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/m3rciful/liteim/internal/action"
	"github.com/m3rciful/liteim/internal/dbtest"
	"github.com/m3rciful/liteim/internal/responder"
)

type outbox struct {
	mu    sync.Mutex
	texts []string
	err   error
}

func (o *outbox) Send(_ context.Context, _, text string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.err != nil {
		return o.err
	}
	o.texts = append(o.texts, text)
	return nil
}

var codeRe = regexp.MustCompile(`\d{6}$`)

func (o *outbox) lastCode(t *testing.T) string {
	t.Helper()
	o.mu.Lock()
	defer o.mu.Unlock()
	require.NotEmpty(t, o.texts)
	code := codeRe.FindString(o.texts[len(o.texts)-1])
	require.NotEmpty(t, code)
	return code
}

type clock struct{ t time.Time }

func (c *clock) now() time.Time          { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newService(t *testing.T, cfg Config) (*Service, *outbox, *clock) {
	t.Helper()
	box := &outbox{}
	clk := &clock{t: time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)}
	svc := New(NewSQLStore(dbtest.Open(t)), box, responder.Default(), cfg)
	svc.now = clk.now
	return svc, box, clk
}

func wrongCode(code string) string {
	if code == "000000" {
		return "111111"
	}
	return "000000"
}

func TestEnrollmentActivatesOnCheck(t *testing.T) {
	ctx := context.Background()
	svc, box, clk := newService(t, Config{})

	require.NoError(t, svc.Issue(ctx, "tg:1", "15551234567", action.PurposeEnable))
	assert.Contains(t, box.texts[0], "Thank you for using Lite.IM")

	_, err := svc.Status(ctx, "tg:1")
	assert.ErrorIs(t, err, ErrNotFound, "an unconfirmed phone is not enrolled")
	assert.ErrorIs(t, svc.Authorized(ctx, "tg:1"), action.ErrTwoFactorNotEnrolled)

	code := box.lastCode(t)
	assert.ErrorIs(t, svc.Check(ctx, "tg:1", wrongCode(code)), action.ErrCodeInvalid)
	require.NoError(t, svc.Check(ctx, "tg:1", code))

	st, err := svc.Status(ctx, "tg:1")
	require.NoError(t, err)
	assert.True(t, st.Activated)
	assert.Equal(t, "15551234567", st.Phone)
	assert.NoError(t, svc.Authorized(ctx, "tg:1"))

	taken, err := svc.PhoneTaken(ctx, "tg:2", "15551234567")
	require.NoError(t, err)
	assert.True(t, taken)

	clk.advance(301 * time.Second)
	assert.ErrorIs(t, svc.Authorized(ctx, "tg:1"), action.ErrCredentialExpired)

	assert.ErrorIs(t, svc.Check(ctx, "tg:1", code), action.ErrNoChallenge, "a code is single use")
}

func TestExpiredCode(t *testing.T) {
	ctx := context.Background()
	svc, box, clk := newService(t, Config{})

	require.NoError(t, svc.Issue(ctx, "tg:1", "15551234567", action.PurposeEnable))
	code := box.lastCode(t)

	clk.advance(121 * time.Second)
	assert.ErrorIs(t, svc.Check(ctx, "tg:1", code), action.ErrCodeExpired)
	assert.ErrorIs(t, svc.Check(ctx, "tg:1", code), action.ErrNoChallenge)
}

func TestTooManyAttemptsDiscardChallenge(t *testing.T) {
	ctx := context.Background()
	svc, box, _ := newService(t, Config{MaxAttempts: 3})

	require.NoError(t, svc.Issue(ctx, "tg:1", "15551234567", action.PurposeEnable))
	code := box.lastCode(t)
	for i := 0; i < 3; i++ {
		assert.ErrorIs(t, svc.Check(ctx, "tg:1", wrongCode(code)), action.ErrCodeInvalid)
	}
	assert.ErrorIs(t, svc.Check(ctx, "tg:1", code), action.ErrNoChallenge)
}

func TestIssueIsThrottledPerPhone(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newService(t, Config{IssueEvery: time.Hour, IssueBurst: 2})

	require.NoError(t, svc.Issue(ctx, "tg:1", "15551234567", action.PurposeEnable))
	require.NoError(t, svc.Issue(ctx, "tg:1", "15551234567", action.PurposeEnable))
	assert.ErrorIs(t, svc.Issue(ctx, "tg:1", "15551234567", action.PurposeEnable), action.ErrThrottled)
	assert.NoError(t, svc.Issue(ctx, "tg:2", "15557654321", action.PurposeEnable))
}

func TestNewCodeReplacesOld(t *testing.T) {
	ctx := context.Background()
	svc, box, _ := newService(t, Config{})

	require.NoError(t, svc.Issue(ctx, "tg:1", "15551234567", action.PurposeEnable))
	first := box.lastCode(t)
	require.NoError(t, svc.Issue(ctx, "tg:1", "15551234567", action.PurposeEnable))
	second := box.lastCode(t)

	if first != second {
		assert.ErrorIs(t, svc.Check(ctx, "tg:1", first), action.ErrCodeInvalid)
	}
	assert.NoError(t, svc.Check(ctx, "tg:1", second))
}

func TestRequestUsesEnrolledPhone(t *testing.T) {
	ctx := context.Background()
	svc, box, _ := newService(t, Config{})

	assert.ErrorIs(t, svc.Request(ctx, "tg:1"), action.ErrTwoFactorNotEnrolled)

	require.NoError(t, svc.Issue(ctx, "tg:1", "15551234567", action.PurposeEnable))
	require.NoError(t, svc.Request(ctx, "tg:1"))
	assert.Contains(t, box.texts[len(box.texts)-1], "Thank you for using Lite.IM", "an unfinished enrollment gets a new enable code")
	require.NoError(t, svc.Check(ctx, "tg:1", box.lastCode(t)))

	require.NoError(t, svc.Request(ctx, "tg:1"))
	assert.Contains(t, box.texts[len(box.texts)-1], "security code")
	require.NoError(t, svc.Check(ctx, "tg:1", box.lastCode(t)))

	st, err := svc.Status(ctx, "tg:1")
	require.NoError(t, err)
	assert.True(t, st.Activated)
}

func TestCheckWithoutChallenge(t *testing.T) {
	svc, _, _ := newService(t, Config{})
	assert.ErrorIs(t, svc.Check(context.Background(), "tg:9", "123456"), action.ErrNoChallenge)
}

func TestSendFailureDropsChallenge(t *testing.T) {
	ctx := context.Background()
	svc, box, _ := newService(t, Config{})
	box.err = errors.New("carrier down")

	err := svc.Issue(ctx, "tg:1", "15551234567", action.PurposeEnable)
	assert.ErrorIs(t, err, action.ErrUnavailable)
	assert.ErrorIs(t, svc.Check(ctx, "tg:1", "123456"), action.ErrNoChallenge)
}

func TestPlivoSender(t *testing.T) {
	var got plivoMessage
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/Account/MA123/Message/", r.URL.Path)
		user, pass, ok := r.BasicAuth()
		assert.True(t, ok)
		assert.Equal(t, "MA123", user)
		assert.Equal(t, "tok", pass)
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	sender, err := NewSender(SMSConfig{Provider: "plivo", AuthID: "MA123", AuthToken: "tok", From: "15550000000", BaseURL: srv.URL})
	require.NoError(t, err)
	require.NoError(t, sender.Send(context.Background(), "15551234567", "hi"))
	assert.Equal(t, plivoMessage{Src: "15550000000", Dst: "15551234567", Text: "hi"}, got)
}

func TestPlivoSenderReportsStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "bad number", http.StatusBadRequest)
	}))
	defer srv.Close()

	p := &Plivo{AuthID: "a", AuthToken: "b", From: "1", BaseURL: srv.URL}
	err := p.Send(context.Background(), "2", "x")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad number")
}

func TestNewSenderValidates(t *testing.T) {
	s, err := NewSender(SMSConfig{})
	require.NoError(t, err)
	assert.IsType(t, LogSender{}, s)

	_, err = NewSender(SMSConfig{Provider: "plivo"})
	assert.Error(t, err)
	_, err = NewSender(SMSConfig{Provider: "pigeon"})
	assert.Error(t, err)
}

func TestPruneExpiredChallenges(t *testing.T) {
	ctx := context.Background()
	store := NewSQLStore(dbtest.Open(t))
	now := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

	require.NoError(t, store.SaveChallenge(ctx, Challenge{ID: "a", Phone: "15550001", OwnerID: "tg:1", Purpose: action.PurposeVerify, Secret: "s", ExpiresAt: now.Add(-time.Minute), CreatedAt: now.Add(-3 * time.Minute)}))
	require.NoError(t, store.SaveChallenge(ctx, Challenge{ID: "b", Phone: "15550002", OwnerID: "tg:2", Purpose: action.PurposeVerify, Secret: "s", ExpiresAt: now.Add(time.Minute), CreatedAt: now}))

	n, err := store.PruneExpired(ctx, now)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	_, err = store.Challenge(ctx, "15550001")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = store.Challenge(ctx, "15550002")
	assert.NoError(t, err)
}

func TestAbandonedEnrollmentKeepsOwnPhoneFree(t *testing.T) {
	ctx := context.Background()
	svc, box, _ := newService(t, Config{})

	require.NoError(t, svc.Issue(ctx, "tg:1", "15551234567", action.PurposeEnable))
	require.NoError(t, svc.Check(ctx, "tg:1", box.lastCode(t)))

	// The signup is dropped here and started again with the same number.
	taken, err := svc.PhoneTaken(ctx, "tg:1", "15551234567")
	require.NoError(t, err)
	assert.False(t, taken)
	require.NoError(t, svc.Issue(ctx, "tg:1", "15551234567", action.PurposeEnable))
	assert.Contains(t, box.texts[len(box.texts)-1], "security code", "an enrolled phone gets a verification code")
	require.NoError(t, svc.Check(ctx, "tg:1", box.lastCode(t)))

	taken, err = svc.PhoneTaken(ctx, "fb:2", "15551234567")
	require.NoError(t, err)
	assert.True(t, taken)
}

func TestNewPhoneReplacesEnrollmentOnlyOnCheck(t *testing.T) {
	ctx := context.Background()
	svc, box, _ := newService(t, Config{})

	require.NoError(t, svc.Issue(ctx, "tg:1", "15551234567", action.PurposeEnable))
	require.NoError(t, svc.Check(ctx, "tg:1", box.lastCode(t)))

	require.NoError(t, svc.Issue(ctx, "tg:1", "15559999999", action.PurposeEnable))
	st, err := svc.Status(ctx, "tg:1")
	require.NoError(t, err)
	assert.True(t, st.Activated)
	assert.Equal(t, "15551234567", st.Phone)
	assert.NoError(t, svc.Authorized(ctx, "tg:1"))

	taken, err := svc.PhoneTaken(ctx, "fb:2", "15551234567")
	require.NoError(t, err)
	assert.True(t, taken, "the enrolled phone stays claimed while a new one is pending")

	code := box.lastCode(t)
	assert.ErrorIs(t, svc.Check(ctx, "tg:1", wrongCode(code)), action.ErrCodeInvalid)
	st, err = svc.Status(ctx, "tg:1")
	require.NoError(t, err)
	assert.Equal(t, "15551234567", st.Phone)

	require.NoError(t, svc.Check(ctx, "tg:1", code))
	st, err = svc.Status(ctx, "tg:1")
	require.NoError(t, err)
	assert.True(t, st.Activated)
	assert.Equal(t, "15559999999", st.Phone)
}

func TestAuthorizedRequiresActivation(t *testing.T) {
	ctx := context.Background()
	svc, _, clk := newService(t, Config{})

	require.NoError(t, svc.store.SaveStatus(ctx, Status{
		OwnerID:           "tg:1",
		Phone:             "15551234567",
		CredentialExpires: clk.now().Add(time.Minute),
	}))
	assert.ErrorIs(t, svc.Authorized(ctx, "tg:1"), action.ErrTwoFactorNotEnrolled)
}
