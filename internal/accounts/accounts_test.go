package accounts_test

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/m3rciful/liteim/internal/accounts"
	"github.com/m3rciful/liteim/internal/dbtest"
)

func newStore(t *testing.T) *accounts.Store {
	t.Helper()
	return accounts.New(dbtest.Open(t))
}

func TestCreateAndLookup(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	o := accounts.Owner{ID: "tg:1", Platform: "tg", Username: "alice", UID: "uid-1", Email: "Alice@Example.com"}
	require.NoError(t, s.Create(ctx, o, "ltc1qalice"))

	got, err := s.Get(ctx, "tg:1")
	require.NoError(t, err)
	assert.Equal(t, "alice@example.com", got.Email)
	assert.NotZero(t, got.CreatedAt)

	got, err = s.ByEmail(ctx, " ALICE@example.com ")
	require.NoError(t, err)
	assert.Equal(t, "tg:1", got.ID)

	got, err = s.ByAddress(ctx, "ltc1qalice")
	require.NoError(t, err)
	assert.Equal(t, "uid-1", got.UID)

	addr, err := s.Address(ctx, "tg:1")
	require.NoError(t, err)
	assert.Equal(t, "ltc1qalice", addr)

	_, err = s.Get(ctx, "tg:2")
	assert.ErrorIs(t, err, accounts.ErrNotFound)
	_, err = s.ByAddress(ctx, "ltc1qnobody")
	assert.ErrorIs(t, err, accounts.ErrNotFound)
}

func TestCreateRejectsDuplicates(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	require.NoError(t, s.Create(ctx, accounts.Owner{ID: "tg:1", Platform: "tg", UID: "u1", Email: "a@example.com"}, "addr1"))

	err := s.Create(ctx, accounts.Owner{ID: "fb:9", Platform: "fb", UID: "u2", Email: "A@example.com"}, "addr2")
	assert.ErrorIs(t, err, accounts.ErrDuplicate)
	err = s.Create(ctx, accounts.Owner{ID: "tg:1", Platform: "tg", UID: "u3", Email: "c@example.com"}, "addr3")
	assert.ErrorIs(t, err, accounts.ErrDuplicate)

	_, err = s.ByAddress(ctx, "addr2")
	assert.ErrorIs(t, err, accounts.ErrNotFound)
}

func TestUpdateEmailAndIDs(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	require.NoError(t, s.Create(ctx, accounts.Owner{ID: "tg:1", Platform: "tg", UID: "u1", Email: "a@example.com"}, ""))
	require.NoError(t, s.Create(ctx, accounts.Owner{ID: "mx:@b:x.org", Platform: "mx", UID: "u2", Email: "b@example.com"}, ""))

	require.NoError(t, s.UpdateEmail(ctx, "tg:1", "New@Example.com"))
	got, err := s.ByEmail(ctx, "new@example.com")
	require.NoError(t, err)
	assert.Equal(t, "tg:1", got.ID)
	assert.ErrorIs(t, s.UpdateEmail(ctx, "tg:404", "x@example.com"), accounts.ErrNotFound)

	all, err := s.IDs(ctx, "")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"tg:1", "mx:@b:x.org"}, all)

	mx, err := s.IDs(ctx, "mx")
	require.NoError(t, err)
	assert.Equal(t, []string{"mx:@b:x.org"}, mx)
}

func TestTransactionsPageNewestFirst(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	require.NoError(t, s.Create(ctx, accounts.Owner{ID: "tg:1", Platform: "tg", UID: "u1", Email: "a@example.com"}, ""))

	for i := 1; i <= 7; i++ {
		inserted, err := s.AddTransaction(ctx, accounts.Transaction{
			OwnerID:   "tg:1",
			TxID:      fmt.Sprintf("tx%d", i),
			Direction: "received",
			Amount:    fmt.Sprintf("%d", i),
			CreatedAt: int64(1000 + i/2),
		})
		require.NoError(t, err)
		assert.True(t, inserted)
	}
	inserted, err := s.AddTransaction(ctx, accounts.Transaction{OwnerID: "tg:1", TxID: "tx1", Direction: "received", Amount: "1"})
	require.NoError(t, err)
	assert.False(t, inserted, "duplicate notification")

	var seen []string
	cursor := ""
	for pages := 0; pages < 5; pages++ {
		items, next, err := s.Transactions(ctx, "tg:1", cursor, 3)
		require.NoError(t, err)
		for _, it := range items {
			seen = append(seen, it.TxID)
		}
		if next == "" {
			break
		}
		cursor = next
	}
	assert.Equal(t, []string{"tx7", "tx6", "tx5", "tx4", "tx3", "tx2", "tx1"}, seen)

	_, _, err = s.Transactions(ctx, "tg:1", "garbage", 3)
	assert.Error(t, err)
}

func TestBotMessages(t *testing.T) {
	ctx := context.Background()
	s := accounts.New(dbtest.Open(t))

	_, err := s.LastMessage(ctx, "tg:1")
	assert.ErrorIs(t, err, accounts.ErrNotFound)

	require.NoError(t, s.RememberMessage(ctx, accounts.BotMessage{OwnerID: "tg:1", ChatID: 10, MessageID: 5}))
	require.NoError(t, s.RememberMessage(ctx, accounts.BotMessage{OwnerID: "tg:1", ChatID: 10, MessageID: 6}))
	m, err := s.LastMessage(ctx, "tg:1")
	require.NoError(t, err)
	assert.Equal(t, 6, m.MessageID)
	assert.EqualValues(t, 10, m.ChatID)

	require.NoError(t, s.ForgetMessage(ctx, "tg:1"))
	_, err = s.LastMessage(ctx, "tg:1")
	assert.ErrorIs(t, err, accounts.ErrNotFound)
}
