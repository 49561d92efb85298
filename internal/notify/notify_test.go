package notify_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/m3rciful/liteim/internal/accounts"
	"github.com/m3rciful/liteim/internal/action"
	"github.com/m3rciful/liteim/internal/conversation"
	"github.com/m3rciful/liteim/internal/dbtest"
	"github.com/m3rciful/liteim/internal/notify"
	"github.com/m3rciful/liteim/internal/responder"
)

type inbox struct {
	mu   sync.Mutex
	msgs map[string][]conversation.Message
	fail map[string]bool
}

func newInbox() *inbox {
	return &inbox{msgs: map[string][]conversation.Message{}, fail: map[string]bool{}}
}

func (b *inbox) Push(_ context.Context, id string, msg conversation.Message) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.fail[id] {
		return errors.New("blocked by user")
	}
	b.msgs[id] = append(b.msgs[id], msg)
	return nil
}

func setup(t *testing.T) (*notify.Router, *accounts.Store, *inbox, *inbox) {
	t.Helper()
	store := accounts.New(dbtest.Open(t))
	r := notify.New(notify.Options{
		Directory:     store,
		Texts:         responder.Default(),
		ExplorerURL:   "https://explorer.test/tx/%s",
		BroadcastRate: 1000,
	})
	tg, fb := newInbox(), newInbox()
	r.Register(action.PlatformTelegram, tg)
	r.Register(action.PlatformMessenger, fb)
	return r, store, tg, fb
}

func TestNotifyRoutesByPlatform(t *testing.T) {
	ctx := context.Background()
	r, _, tg, fb := setup(t)

	require.NoError(t, r.Notify(ctx, action.NewOwner(action.PlatformTelegram, "42", "a"), conversation.Message{Text: "hi"}))
	require.NoError(t, r.NotifyID(ctx, "fb:7", conversation.Message{Text: "yo"}))
	assert.Equal(t, "hi", tg.msgs["42"][0].Text)
	assert.Equal(t, "yo", fb.msgs["7"][0].Text)

	assert.ErrorIs(t, r.NotifyID(ctx, "mx:@a:b", conversation.Message{}), notify.ErrNoTransport)
	assert.Error(t, r.NotifyID(ctx, "broken", conversation.Message{}))
}

func TestBroadcastSkipsFailures(t *testing.T) {
	ctx := context.Background()
	r, store, tg, fb := setup(t)
	for i, id := range []string{"tg:1", "tg:2", "fb:3", "mx:4"} {
		platform := id[:2]
		require.NoError(t, store.Create(ctx, accounts.Owner{
			ID: id, Platform: platform, UID: id, Email: id[3:] + "@example.com",
		}, "addr"+string(rune('a'+i))))
	}
	tg.fail["2"] = true

	n, err := r.Broadcast(ctx, conversation.Message{Text: "maintenance"})
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Len(t, tg.msgs["1"], 1)
	assert.Len(t, fb.msgs["3"], 1)
}

func TestDepositRecordsAndNotifiesOnce(t *testing.T) {
	ctx := context.Background()
	r, store, tg, _ := setup(t)
	require.NoError(t, store.Create(ctx, accounts.Owner{
		ID: "tg:1", Platform: "tg", UID: "u1", Email: "a@example.com",
	}, "ltc1qalice"))

	in := notify.Incoming{Address: "ltc1qalice", Sender: "bob", TxID: "abc", Amount: "0.5"}
	require.NoError(t, r.Deposit(ctx, in))
	require.NoError(t, r.Deposit(ctx, in))

	require.Len(t, tg.msgs["1"], 1)
	msg := tg.msgs["1"][0]
	assert.Contains(t, msg.Text, "0.5")
	assert.Contains(t, msg.Text, "bob")
	assert.Equal(t, "https://explorer.test/tx/abc", msg.Choices[0][0].URL)

	items, _, err := store.Transactions(ctx, "tg:1", "", 3)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, action.DirectionReceived, items[0].Direction)

	assert.ErrorIs(t, r.Deposit(ctx, notify.Incoming{Address: "unknown", TxID: "x"}), accounts.ErrNotFound)
	assert.Error(t, r.Deposit(ctx, notify.Incoming{Address: "ltc1qalice"}))
}
