package matrixbot_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/m3rciful/liteim/internal/conversation"
	"github.com/m3rciful/liteim/internal/dbtest"
	"github.com/m3rciful/liteim/internal/dispatch"
	"github.com/m3rciful/liteim/internal/matrixbot"
)

type sent struct {
	room    id.RoomID
	content *event.MessageEventContent
}

type fakeTransport struct {
	sent   []sent
	joined []id.RoomID
	direct []id.UserID
}

func (f *fakeTransport) Send(_ context.Context, room id.RoomID, content *event.MessageEventContent) error {
	f.sent = append(f.sent, sent{room: room, content: content})
	return nil
}

func (f *fakeTransport) Join(_ context.Context, room id.RoomID) error {
	f.joined = append(f.joined, room)
	return nil
}

func (f *fakeTransport) DirectRoom(_ context.Context, user id.UserID) (id.RoomID, error) {
	f.direct = append(f.direct, user)
	return "!dm:example.org", nil
}

type recorder struct {
	reqs []dispatch.Request
}

func (r *recorder) Handle(_ context.Context, req dispatch.Request) (conversation.Message, error) {
	r.reqs = append(r.reqs, req)
	return conversation.Message{
		Text: "Your balance is <b>1 LTC</b>",
		Choices: [][]conversation.Choice{
			{conversation.Button("Send", "/send"), conversation.Button("Receive", "/receive")},
			{conversation.Link("Explorer", "https://explorer.test")},
		},
	}, nil
}

const self = id.UserID("@liteim:example.org")

func setup(t *testing.T) (*matrixbot.Bot, *fakeTransport, *recorder) {
	t.Helper()
	tr, rec := &fakeTransport{}, &recorder{}
	return matrixbot.New(self, rec, tr, matrixbot.NewRooms(dbtest.Open(t)), 0), tr, rec
}

func TestRepliesWithNumberedChoices(t *testing.T) {
	ctx := context.Background()
	bot, tr, rec := setup(t)

	bot.HandleText(ctx, "!room:example.org", "@alice:example.org", "/balance")
	require.Len(t, rec.reqs, 1)
	assert.Equal(t, "mx:@alice:example.org", rec.reqs[0].Owner.ID)
	assert.Equal(t, "alice", rec.reqs[0].Owner.Username)

	require.Len(t, tr.sent, 1)
	c := tr.sent[0].content
	assert.Equal(t, "Your balance is 1 LTC\n#1 Send\n#2 Receive\nExplorer: https://explorer.test", c.Body)
	assert.Equal(t, event.FormatHTML, c.Format)
	assert.Contains(t, c.FormattedBody, "<b>1 LTC</b>")

	bot.HandleText(ctx, "!room:example.org", "@alice:example.org", "#2")
	bot.HandleText(ctx, "!room:example.org", "@alice:example.org", "send")
	bot.HandleText(ctx, "!room:example.org", "@alice:example.org", "#9")
	assert.Equal(t, "/receive", rec.reqs[1].Text)
	assert.Equal(t, "/send", rec.reqs[2].Text)
	assert.Equal(t, "#9", rec.reqs[3].Text)
}

func TestIgnoresOwnMessages(t *testing.T) {
	bot, tr, rec := setup(t)
	bot.HandleText(context.Background(), "!room:example.org", self, "hello")
	assert.Empty(t, rec.reqs)
	assert.Empty(t, tr.sent)
}

func TestPushUsesKnownRoomOrOpensOne(t *testing.T) {
	ctx := context.Background()
	bot, tr, _ := setup(t)

	bot.HandleText(ctx, "!room:example.org", "@alice:example.org", "/start")
	require.NoError(t, bot.Push(ctx, "@alice:example.org", conversation.Message{Text: "hi"}))
	assert.Equal(t, id.RoomID("!room:example.org"), tr.sent[1].room)

	require.NoError(t, bot.Push(ctx, "@bob:example.org", conversation.Message{Text: "hi"}))
	assert.Equal(t, []id.UserID{"@bob:example.org"}, tr.direct)
	assert.Equal(t, id.RoomID("!dm:example.org"), tr.sent[2].room)

	require.NoError(t, bot.Push(ctx, "@bob:example.org", conversation.Message{Text: "again"}))
	assert.Len(t, tr.direct, 1)
}

func TestJoinsOnInvite(t *testing.T) {
	bot, tr, _ := setup(t)
	key := self.String()
	evt := &event.Event{
		Type:     event.StateMember,
		RoomID:   "!new:example.org",
		StateKey: &key,
		Content:  event.Content{Parsed: &event.MemberEventContent{Membership: event.MembershipInvite}},
	}
	bot.OnMember(context.Background(), evt)
	assert.Equal(t, []id.RoomID{"!new:example.org"}, tr.joined)
}
