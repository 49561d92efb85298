package dispatch_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/m3rciful/liteim/internal/action"
	"github.com/m3rciful/liteim/internal/action/actiontest"
	"github.com/m3rciful/liteim/internal/conversation"
	"github.com/m3rciful/liteim/internal/dispatch"
	"github.com/m3rciful/liteim/internal/responder"
	"github.com/m3rciful/liteim/internal/stepstore"
	"github.com/m3rciful/liteim/internal/validate"
)

type broadcaster struct {
	mu   sync.Mutex
	msgs []conversation.Message
}

func (b *broadcaster) Broadcast(_ context.Context, msg conversation.Message) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.msgs = append(b.msgs, msg)
	return 7, nil
}

type fixture struct {
	ctx   context.Context
	d     *dispatch.Dispatcher
	fake  *actiontest.Fake
	store *stepstore.Memory
	texts *responder.Catalog
	bcast *broadcaster
	owner action.Owner
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	texts := responder.Default()
	fake := actiontest.New()
	store := stepstore.NewMemory()
	deps := conversation.Deps{Actions: fake, Texts: texts, Network: validate.Mainnet, ExplorerURL: "https://explorer.test/tx/%s"}
	bcast := &broadcaster{}
	owner := action.NewOwner(action.PlatformTelegram, "42", "carol")
	return &fixture{
		ctx: context.Background(),
		d: dispatch.New(dispatch.Options{
			Engine:      conversation.NewEngine(store, texts, conversation.All(deps)...),
			Actions:     fake,
			Texts:       texts,
			Broadcaster: bcast,
			Admins:      []string{"tg:1"},
		}),
		fake:  fake,
		store: store,
		texts: texts,
		bcast: bcast,
		owner: owner,
	}
}

func (f *fixture) handle(text string) (conversation.Message, error) {
	return f.d.Handle(f.ctx, dispatch.Request{Owner: f.owner, Text: text})
}

func (f *fixture) command(t *testing.T) string {
	t.Helper()
	p, err := f.store.Get(f.ctx, f.owner.ID)
	require.NoError(t, err)
	return p.Command
}

func TestParse(t *testing.T) {
	cases := []struct {
		in   string
		name string
		args []string
		ok   bool
	}{
		{in: "/send", name: "/send", args: []string{}, ok: true},
		{in: "  /receive   qr ", name: "/receive", args: []string{"qr"}, ok: true},
		{in: "/start@LiteIMBot", name: "/start", args: []string{}, ok: true},
		{in: "/requestNew2FACode amount", name: "/requestNew2FACode", args: []string{"amount"}, ok: true},
		{in: "hello /send", ok: false},
		{in: "/", ok: false},
		{in: "", ok: false},
	}
	for _, tc := range cases {
		name, args, ok := dispatch.Parse(tc.in)
		assert.Equal(t, tc.ok, ok, tc.in)
		if tc.ok {
			assert.Equal(t, tc.name, name, tc.in)
			assert.Equal(t, tc.args, args, tc.in)
		}
	}
}

func TestStartOffersRegisterToNewOwners(t *testing.T) {
	f := newFixture(t)

	msg, err := f.handle("/start")
	require.NoError(t, err)
	assert.Equal(t, f.texts.Text("start.welcome_new", nil), msg.Text)
	assert.Equal(t, conversation.CmdSignup, msg.Choices[0][0].Data)

	f.fake.Register(f.owner, "carol@example.com", 1)
	msg, err = f.handle("/START")
	require.NoError(t, err)
	assert.Equal(t, f.texts.Text("start.welcome_back", nil), msg.Text)
}

func TestLookupCommandsKeepRunningConversation(t *testing.T) {
	f := newFixture(t)
	f.fake.Register(f.owner, "carol@example.com", 1)

	_, err := f.handle("/send")
	require.NoError(t, err)
	_, err = f.handle("carol2@example.com")
	require.Error(t, err)

	for _, text := range []string{"/balance", "/receive", "/transactions", "/moreInlineCommands", "/nope"} {
		_, _ = f.handle(text)
		assert.Equal(t, conversation.CmdSend, f.command(t), text)
	}

	_, err = f.handle("/help")
	require.NoError(t, err)
	_, err = f.store.Get(f.ctx, f.owner.ID)
	assert.ErrorIs(t, err, stepstore.ErrNotFound)
}

func TestConversationStartReplacesRunningOne(t *testing.T) {
	f := newFixture(t)
	f.fake.Register(f.owner, "carol@example.com", 1)

	_, err := f.handle("/send")
	require.NoError(t, err)
	_, err = f.handle("/export")
	require.NoError(t, err)
	assert.Equal(t, conversation.CmdExport, f.command(t))
}

func TestSyncRunsOnlyForCommands(t *testing.T) {
	f := newFixture(t)
	f.fake.Register(f.owner, "carol@example.com", 1)

	_, err := f.handle("/send")
	require.NoError(t, err)
	assert.Equal(t, 1, f.fake.Synced)

	_, _ = f.handle("carol2@example.com")
	_, _ = f.handle("anything else")
	assert.Equal(t, 1, f.fake.Synced)

	_, err = f.handle("/balance")
	require.NoError(t, err)
	assert.Equal(t, 2, f.fake.Synced)
}

func TestFreeTextWithoutConversation(t *testing.T) {
	f := newFixture(t)

	msg, err := f.handle("what is this")
	assert.Equal(t, conversation.KindNotFound, conversation.KindOf(err))
	assert.Equal(t, f.texts.Text("common.unknown", nil), msg.Text)
}

func TestUnknownCommandFallsBack(t *testing.T) {
	f := newFixture(t)

	msg, err := f.handle("/teleport")
	assert.Equal(t, conversation.KindNotFound, conversation.KindOf(err))
	assert.Equal(t, f.texts.Text("common.unknown", nil), msg.Text)
}

func TestTwoFactorGateRedirectsToEnrollment(t *testing.T) {
	f := newFixture(t)
	f.fake.Register(f.owner, "carol@example.com", 1)
	f.fake.NeedsCode[f.owner.ID] = true

	msg, err := f.handle("/send")
	require.NoError(t, err)
	assert.Equal(t, f.texts.Text("enable2fa.number", nil), msg.Text)
	assert.Equal(t, conversation.CmdEnable2FA, f.command(t))

	_, err = f.handle("+15551234567")
	require.NoError(t, err)
	require.Len(t, f.fake.Issued, 1)

	_, err = f.handle("/requestNew2FACode number")
	require.NoError(t, err)
	assert.Len(t, f.fake.Issued, 2)
	assert.Equal(t, conversation.CmdEnable2FA, f.command(t))

	_, err = f.handle(actiontest.Code)
	require.NoError(t, err)
	_, err = f.handle("secret")
	require.NoError(t, err)

	msg, err = f.handle("/send")
	require.NoError(t, err)
	assert.Equal(t, f.texts.Text("send.to", nil), msg.Text)
}

func TestRequestNewCodeReplaysAmount(t *testing.T) {
	f := newFixture(t)
	f.fake.Register(f.owner, "carol@example.com", 2)

	for _, in := range []string{"/send", "LdP8Qox1VAhCzLJNqrr74YovaWYyNBUWvL", "ltc", "1.5"} {
		_, err := f.handle(in)
		require.NoError(t, err, in)
	}
	require.Equal(t, 1, f.fake.Requested)

	msg, err := f.handle("/requestNew2FACode amount")
	require.NoError(t, err)
	assert.Equal(t, f.texts.Text("send.code", nil), msg.Text)
	assert.Equal(t, 2, f.fake.Requested)
	assert.Equal(t, conversation.CmdSend, f.command(t))

	_, err = f.handle(actiontest.Code)
	require.NoError(t, err)
	_, err = f.handle("secret")
	require.NoError(t, err)
	require.Len(t, f.fake.Sends, 1)
	assert.InDelta(t, 1.5, f.fake.Sends[0].Amount, 1e-9)
}

func TestRequestNewCodeRestartsWithoutStep(t *testing.T) {
	f := newFixture(t)
	f.fake.Register(f.owner, "carol@example.com", 1)

	_, err := f.handle("/changePassword")
	require.NoError(t, err)
	_, err = f.handle("/requestNew2FACode")
	require.NoError(t, err)
	assert.Equal(t, 2, f.fake.Requested)
	assert.Equal(t, conversation.CmdChangePassword, f.command(t))
}

func TestRequestNewCodeWithoutConversation(t *testing.T) {
	f := newFixture(t)

	_, err := f.handle("/requestNew2FACode amount")
	assert.Equal(t, conversation.KindNotFound, conversation.KindOf(err))
}

func TestBalanceShowsUSD(t *testing.T) {
	f := newFixture(t)
	f.fake.Register(f.owner, "carol@example.com", 1.5)
	f.fake.Price = 80

	msg, err := f.handle("/balance")
	require.NoError(t, err)
	assert.Contains(t, msg.Text, "1.5 LTC or $120.00")
}

func TestBalanceRoundsToSatoshis(t *testing.T) {
	f := newFixture(t)
	a, b := 0.1, 0.2
	f.fake.Register(f.owner, "carol@example.com", a+b)

	msg, err := f.handle("/balance")
	require.NoError(t, err)
	assert.Contains(t, msg.Text, "0.3 LTC or $30.00")
	assert.NotContains(t, msg.Text, "0.30000000000000004")
}

func TestBalanceRequiresAccount(t *testing.T) {
	f := newFixture(t)

	msg, err := f.handle("/balance")
	assert.ErrorIs(t, err, action.ErrNotRegistered)
	assert.Equal(t, f.texts.Text("common.not_registered", nil), msg.Text)
	assert.Equal(t, conversation.CmdSignup, msg.Choices[0][0].Data)
}

func TestReceive(t *testing.T) {
	f := newFixture(t)
	f.fake.Register(f.owner, "carol@example.com", 1)

	msg, err := f.handle("/receive")
	require.NoError(t, err)
	require.Len(t, msg.Choices[0], 3)
	assert.Equal(t, "/receive qr", msg.Choices[0][1].Data)

	msg, err = f.handle("/receive wallet")
	require.NoError(t, err)
	assert.Contains(t, msg.Text, "<pre>ltc1qfake</pre>")

	msg, err = f.handle("/receive qr")
	require.NoError(t, err)
	assert.Contains(t, msg.Photo, "litecoin%3Altc1qfake")

	msg, err = f.handle("/receive email")
	require.NoError(t, err)
	assert.Contains(t, msg.Text, "tg:42@example.com")
}

func TestTransactionsPaging(t *testing.T) {
	f := newFixture(t)
	f.fake.Register(f.owner, "carol@example.com", 1)
	day := time.Date(2024, 3, 9, 12, 0, 0, 0, time.UTC)
	f.fake.History[f.owner.ID] = []action.TransactionPage{
		{
			Items: []action.Transaction{
				{TxID: "a", Direction: action.DirectionSent, Counterparty: "bob@example.com", Amount: "0.5", Time: day},
				{TxID: "b", Direction: action.DirectionReceived, Counterparty: "LdP8Qox1VAhCzLJNqrr74YovaWYyNBUWvL", Amount: "1", Time: day},
			},
			Next: "1",
		},
		{Items: []action.Transaction{{TxID: "c", Direction: action.DirectionReceived, Counterparty: "dan", Amount: "2", Time: day}}},
	}

	msg, err := f.handle("/transactions")
	require.NoError(t, err)
	assert.Contains(t, msg.Text, "your 2 most recent")
	assert.Contains(t, msg.Text, "Sent Ł0.5 to bob@example.com on Mar 9, 2024")
	assert.Equal(t, "/transactions 1", msg.Choices[0][0].Data)

	msg, err = f.handle("/transactions 1")
	require.NoError(t, err)
	assert.Contains(t, msg.Text, "your next 1 most recent")
	assert.Contains(t, msg.Text, "Received Ł2 from dan")
	assert.Len(t, msg.Choices, 1)

	msg, err = f.handle("/transactions 5")
	require.NoError(t, err)
	assert.Equal(t, f.texts.Text("transactions.none", nil), msg.Text)
}

func TestClear(t *testing.T) {
	f := newFixture(t)
	f.fake.Register(f.owner, "carol@example.com", 1)

	_, err := f.handle("/export")
	require.NoError(t, err)
	msg, err := f.handle("/clear")
	require.NoError(t, err)
	assert.Equal(t, f.texts.Text("clear.done", nil), msg.Text)
	_, err = f.store.Get(f.ctx, f.owner.ID)
	assert.ErrorIs(t, err, stepstore.ErrNotFound)
}

func TestBroadcastIsAdminOnly(t *testing.T) {
	f := newFixture(t)

	_, err := f.handle("/broadcast hello all")
	require.Error(t, err)
	assert.Empty(t, f.bcast.msgs)

	admin := action.NewOwner(action.PlatformTelegram, "1", "root")
	msg, err := f.d.Handle(f.ctx, dispatch.Request{Owner: admin, Text: "/broadcast hello   all"})
	require.NoError(t, err)
	assert.Contains(t, msg.Text, "7")
	require.Len(t, f.bcast.msgs, 1)
	assert.Equal(t, "hello all", f.bcast.msgs[0].Text)
}

func TestCommandsHideAdminAndMenuEntries(t *testing.T) {
	f := newFixture(t)

	var names []string
	for _, c := range f.d.Commands() {
		names = append(names, c.Name)
		assert.NotEmpty(t, c.Description, c.Name)
	}
	assert.Contains(t, names, "/send")
	assert.Contains(t, names, "/balance")
	assert.NotContains(t, names, "/broadcast")
	assert.NotContains(t, names, "/moreInlineCommands")
}

func TestSameOwnerIsSerialized(t *testing.T) {
	f := newFixture(t)
	f.fake.Register(f.owner, "carol@example.com", 1)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = f.handle("/send")
			_, _ = f.handle("LdP8Qox1VAhCzLJNqrr74YovaWYyNBUWvL")
		}()
	}
	wg.Wait()

	p, err := f.store.Get(f.ctx, f.owner.ID)
	require.NoError(t, err)
	assert.LessOrEqual(t, len(p.Fields), 1)
}
