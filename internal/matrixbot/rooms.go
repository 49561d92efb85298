package matrixbot

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"maunium.net/go/mautrix/id"
)

// ErrNoRoom is returned for users the bot has no room with.
var ErrNoRoom = errors.New("matrixbot: no room for user")

// Rooms remembers the room each user last wrote from.
type Rooms struct {
	db  *sqlx.DB
	now func() time.Time
}

// NewRooms wraps a migrated database.
func NewRooms(db *sqlx.DB) *Rooms {
	return &Rooms{db: db, now: time.Now}
}

// Get returns the room of user.
func (r *Rooms) Get(ctx context.Context, user id.UserID) (id.RoomID, error) {
	var room string
	err := r.db.GetContext(ctx, &room, r.db.Rebind(`SELECT room_id FROM matrix_rooms WHERE user_id = ?`), user.String())
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNoRoom
	}
	if err != nil {
		return "", fmt.Errorf("matrixbot: get room: %w", err)
	}
	return id.RoomID(room), nil
}

// Put records room as the room of user.
func (r *Rooms) Put(ctx context.Context, user id.UserID, room id.RoomID) error {
	_, err := r.db.ExecContext(ctx, r.db.Rebind(`
		INSERT INTO matrix_rooms (user_id, room_id, updated_at) VALUES (?, ?, ?)
		ON CONFLICT (user_id) DO UPDATE SET room_id = excluded.room_id, updated_at = excluded.updated_at`),
		user.String(), room.String(), r.now().UnixMilli())
	if err != nil {
		return fmt.Errorf("matrixbot: put room: %w", err)
	}
	return nil
}
