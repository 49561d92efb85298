// Package matrixbot is the Matrix transport. Replies are plain messages with
// an HTML rendition; choices are listed and picked by number or label.
package matrixbot

import (
	"context"
	"errors"
	"fmt"
	"html"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/m3rciful/liteim/core/logger"
	"github.com/m3rciful/liteim/internal/action"
	"github.com/m3rciful/liteim/internal/conversation"
	"github.com/m3rciful/liteim/internal/dispatch"
)

// Config holds the bot account. The transport is disabled without a homeserver.
type Config struct {
	Homeserver  string        `yaml:"homeserver" envconfig:"MATRIX_HOMESERVER"`
	UserID      string        `yaml:"user_id" envconfig:"MATRIX_USER_ID"`
	AccessToken string        `yaml:"access_token" envconfig:"MATRIX_ACCESS_TOKEN"`
	Timeout     time.Duration `yaml:"timeout" envconfig:"MATRIX_TIMEOUT"`
}

// Enabled reports whether the transport should run.
func (c Config) Enabled() bool { return c.Homeserver != "" }

// Normalize validates an enabled config and fills defaults.
func (c *Config) Normalize() error {
	if !c.Enabled() {
		return nil
	}
	if c.UserID == "" || c.AccessToken == "" {
		return fmt.Errorf("matrix.user_id and matrix.access_token are required when matrix.homeserver is set")
	}
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	return nil
}

// Handler answers one normalized message.
type Handler interface {
	Handle(ctx context.Context, req dispatch.Request) (conversation.Message, error)
}

// Transport is the part of the client API the bot talks through.
type Transport interface {
	Send(ctx context.Context, room id.RoomID, content *event.MessageEventContent) error
	Join(ctx context.Context, room id.RoomID) error
	DirectRoom(ctx context.Context, user id.UserID) (id.RoomID, error)
}

// Bot handles room messages and implements notify.Pusher.
type Bot struct {
	self      id.UserID
	handler   Handler
	transport Transport
	rooms     *Rooms
	timeout   time.Duration

	mu      sync.Mutex
	choices map[id.UserID][]conversation.Choice
}

// New builds a bot speaking through transport.
func New(self id.UserID, handler Handler, transport Transport, rooms *Rooms, timeout time.Duration) *Bot {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Bot{
		self:      self,
		handler:   handler,
		transport: transport,
		rooms:     rooms,
		timeout:   timeout,
		choices:   make(map[id.UserID][]conversation.Choice),
	}
}

// HandleText processes one text message sent by user in room.
func (b *Bot) HandleText(ctx context.Context, room id.RoomID, user id.UserID, body string) {
	if user == b.self {
		return
	}
	body = strings.TrimSpace(body)
	if body == "" {
		return
	}
	owner := action.NewOwner(action.PlatformMatrix, user.String(), localpart(user))
	ctx = logger.WithOwner(ctx, owner.ID, owner.Platform)
	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	if err := b.rooms.Put(ctx, user, room); err != nil {
		logger.Warn(ctx, logger.CompMatrix, "matrix.room_save_failed", slog.String("err", err.Error()))
	}

	msg, err := b.handler.Handle(ctx, dispatch.Request{Owner: owner, Text: b.resolve(user, body)})
	if err != nil {
		logger.Debug(ctx, logger.CompMatrix, "matrix.handle_failed", slog.String("err", logger.SanitizeLimit(err.Error(), 256)))
	}
	if msg.Text == "" && msg.Photo == "" {
		return
	}
	b.remember(user, msg)
	if err := b.transport.Send(ctx, room, render(msg)); err != nil {
		logger.Error(ctx, logger.CompMatrix, "matrix.send_failed", slog.String("err", logger.SanitizeLimit(err.Error(), 256)))
	}
}

// resolve maps "#n" or a choice label onto the data of the choice last
// offered to user. Anything else is passed through.
func (b *Bot) resolve(user id.UserID, body string) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	offered := b.choices[user]
	if n, ok := strings.CutPrefix(body, "#"); ok {
		if i, err := strconv.Atoi(n); err == nil && i >= 1 && i <= len(offered) {
			return offered[i-1].Data
		}
	}
	for _, c := range offered {
		if strings.EqualFold(c.Label, body) {
			return c.Data
		}
	}
	return body
}

func (b *Bot) remember(user id.UserID, msg conversation.Message) {
	var offered []conversation.Choice
	for _, row := range msg.Choices {
		for _, c := range row {
			if c.URL == "" {
				offered = append(offered, c)
			}
		}
	}
	b.mu.Lock()
	b.choices[user] = offered
	b.mu.Unlock()
}

// render builds the event content: numbered choices follow the text, links
// are spelled out.
func render(msg conversation.Message) *event.MessageEventContent {
	plain := []string{msg.Plain()}
	formatted := []string{strings.ReplaceAll(msg.Text, "\n", "<br>")}
	n := 0
	for _, row := range msg.Choices {
		for _, c := range row {
			if c.URL != "" {
				plain = append(plain, fmt.Sprintf("%s: %s", c.Label, c.URL))
				formatted = append(formatted, fmt.Sprintf(`<a href="%s">%s</a>`, html.EscapeString(c.URL), html.EscapeString(c.Label)))
				continue
			}
			n++
			plain = append(plain, fmt.Sprintf("#%d %s", n, c.Label))
			formatted = append(formatted, fmt.Sprintf("<b>#%d</b> %s", n, html.EscapeString(c.Label)))
		}
	}
	if msg.Photo != "" {
		plain = append(plain, msg.Photo)
		u := html.EscapeString(msg.Photo)
		formatted = append(formatted, fmt.Sprintf(`<a href="%s">%s</a>`, u, u))
	}
	return &event.MessageEventContent{
		MsgType:       event.MsgText,
		Body:          strings.Join(plain, "\n"),
		Format:        event.FormatHTML,
		FormattedBody: strings.Join(formatted, "<br>"),
	}
}

// Push sends msg to the user's known room, opening a direct chat when the
// user never wrote to the bot.
func (b *Bot) Push(ctx context.Context, platformID string, msg conversation.Message) error {
	user := id.UserID(platformID)
	room, err := b.rooms.Get(ctx, user)
	if errors.Is(err, ErrNoRoom) {
		if room, err = b.transport.DirectRoom(ctx, user); err == nil {
			err = b.rooms.Put(ctx, user, room)
		}
	}
	if err != nil {
		return err
	}
	return b.transport.Send(ctx, room, render(msg))
}

// OnMember joins rooms the bot is invited to.
func (b *Bot) OnMember(ctx context.Context, evt *event.Event) {
	member := evt.Content.AsMember()
	if member.Membership != event.MembershipInvite || evt.GetStateKey() != b.self.String() {
		return
	}
	if err := b.transport.Join(ctx, evt.RoomID); err != nil {
		logger.Warn(ctx, logger.CompMatrix, "matrix.join_failed", slog.String("err", err.Error()))
		return
	}
	logger.Info(ctx, logger.CompMatrix, "matrix.joined", slog.String("room", evt.RoomID.String()))
}

func localpart(user id.UserID) string {
	local, _, _ := strings.Cut(strings.TrimPrefix(user.String(), "@"), ":")
	return local
}

// Client adapts *mautrix.Client to Transport.
type Client struct {
	*mautrix.Client
}

// NewClient logs in with the configured access token.
func NewClient(cfg Config) (*Client, error) {
	c, err := mautrix.NewClient(cfg.Homeserver, id.UserID(cfg.UserID), cfg.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("matrix: client: %w", err)
	}
	return &Client{Client: c}, nil
}

// Send posts content as an m.room.message event.
func (c *Client) Send(ctx context.Context, room id.RoomID, content *event.MessageEventContent) error {
	_, err := c.SendMessageEvent(ctx, room, event.EventMessage, content)
	return err
}

// Join accepts an invite.
func (c *Client) Join(ctx context.Context, room id.RoomID) error {
	_, err := c.JoinRoomByID(ctx, room)
	return err
}

// DirectRoom opens a private chat with user.
func (c *Client) DirectRoom(ctx context.Context, user id.UserID) (id.RoomID, error) {
	resp, err := c.CreateRoom(ctx, &mautrix.ReqCreateRoom{
		Invite:   []id.UserID{user},
		IsDirect: true,
		Preset:   "trusted_private_chat",
	})
	if err != nil {
		return "", err
	}
	return resp.RoomID, nil
}

// Run syncs until ctx is done, feeding text messages newer than the start of
// the sync into bot.
func Run(ctx context.Context, c *Client, bot *Bot) error {
	syncer, ok := c.Syncer.(*mautrix.DefaultSyncer)
	if !ok {
		return fmt.Errorf("matrix: unexpected syncer type %T", c.Syncer)
	}
	started := time.Now().UnixMilli()
	syncer.OnEventType(event.EventMessage, func(ctx context.Context, evt *event.Event) {
		if evt.Timestamp < started {
			return
		}
		content, ok := evt.Content.Parsed.(*event.MessageEventContent)
		if !ok || content.MsgType != event.MsgText {
			return
		}
		bot.HandleText(ctx, evt.RoomID, evt.Sender, content.Body)
	})
	syncer.OnEventType(event.StateMember, bot.OnMember)

	logger.Info(ctx, logger.CompMatrix, "matrix.sync_start", slog.String("user_id", c.UserID.String()))
	if err := c.SyncWithContext(ctx); err != nil && ctx.Err() == nil {
		return fmt.Errorf("matrix: sync: %w", err)
	}
	return nil
}
