// Package accounts keeps the local registry of owners, their wallet addresses
// and the transactions the service has seen for them.
package accounts

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
)

// ErrNotFound is returned when no row matches.
var ErrNotFound = errors.New("accounts: not found")

// ErrDuplicate is returned when an owner, email or uid is already registered.
var ErrDuplicate = errors.New("accounts: already exists")

// Owner is a registered chat user.
type Owner struct {
	ID        string `db:"id"`
	Platform  string `db:"platform"`
	Username  string `db:"username"`
	UID       string `db:"uid"`
	Email     string `db:"email"`
	CreatedAt int64  `db:"created_at"`
	UpdatedAt int64  `db:"updated_at"`
}

// Transaction is a stored transfer, seen from one owner's side.
type Transaction struct {
	OwnerID      string `db:"owner_id"`
	TxID         string `db:"txid"`
	Direction    string `db:"direction"`
	Counterparty string `db:"counterparty"`
	Amount       string `db:"amount"`
	CreatedAt    int64  `db:"created_at"`
}

// Time returns the creation time.
func (t Transaction) Time() time.Time { return time.UnixMilli(t.CreatedAt).UTC() }

// Store is the SQL registry.
type Store struct {
	db  *sqlx.DB
	now func() time.Time
}

// New wraps a migrated database.
func New(db *sqlx.DB) *Store {
	return &Store{db: db, now: time.Now}
}

const ownerColumns = `id, platform, username, uid, email, created_at, updated_at`

// Create inserts the owner together with its first wallet address.
func (s *Store) Create(ctx context.Context, o Owner, address string) error {
	now := s.now().UnixMilli()
	o.CreatedAt, o.UpdatedAt = now, now
	o.Email = strings.ToLower(strings.TrimSpace(o.Email))
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("accounts: create: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var n int
	if err := tx.GetContext(ctx, &n, tx.Rebind(
		`SELECT COUNT(*) FROM owners WHERE id = ? OR email = ? OR uid = ?`), o.ID, o.Email, o.UID); err != nil {
		return fmt.Errorf("accounts: create: %w", err)
	}
	if n > 0 {
		return ErrDuplicate
	}
	if _, err := tx.NamedExecContext(ctx, `
		INSERT INTO owners (`+ownerColumns+`)
		VALUES (:id, :platform, :username, :uid, :email, :created_at, :updated_at)`, o); err != nil {
		return fmt.Errorf("accounts: create owner: %w", err)
	}
	if address != "" {
		if _, err := tx.ExecContext(ctx, tx.Rebind(
			`INSERT INTO wallets (address, owner_id, created_at) VALUES (?, ?, ?)`), address, o.ID, now); err != nil {
			return fmt.Errorf("accounts: create wallet: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("accounts: create: %w", err)
	}
	return nil
}

func (s *Store) getOwner(ctx context.Context, where string, arg any) (Owner, error) {
	var o Owner
	err := s.db.GetContext(ctx, &o, s.db.Rebind(`SELECT `+ownerColumns+` FROM owners WHERE `+where), arg)
	if errors.Is(err, sql.ErrNoRows) {
		return Owner{}, ErrNotFound
	}
	if err != nil {
		return Owner{}, fmt.Errorf("accounts: get owner: %w", err)
	}
	return o, nil
}

// Get finds an owner by id.
func (s *Store) Get(ctx context.Context, id string) (Owner, error) {
	return s.getOwner(ctx, `id = ?`, id)
}

// ByEmail finds an owner by email, case-insensitively.
func (s *Store) ByEmail(ctx context.Context, email string) (Owner, error) {
	return s.getOwner(ctx, `email = ?`, strings.ToLower(strings.TrimSpace(email)))
}

// ByAddress finds the owner of a wallet address.
func (s *Store) ByAddress(ctx context.Context, address string) (Owner, error) {
	return s.getOwner(ctx, `id = (SELECT owner_id FROM wallets WHERE address = ?)`, address)
}

// Address returns the owner's most recent wallet address.
func (s *Store) Address(ctx context.Context, ownerID string) (string, error) {
	var addr string
	err := s.db.GetContext(ctx, &addr, s.db.Rebind(
		`SELECT address FROM wallets WHERE owner_id = ? ORDER BY created_at DESC LIMIT 1`), ownerID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("accounts: address: %w", err)
	}
	return addr, nil
}

// UpdateEmail changes the owner's email.
func (s *Store) UpdateEmail(ctx context.Context, id, email string) error {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(
		`UPDATE owners SET email = ?, updated_at = ? WHERE id = ?`), strings.ToLower(email), s.now().UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("accounts: update email: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// IDs lists every owner id, optionally limited to one platform.
func (s *Store) IDs(ctx context.Context, platform string) ([]string, error) {
	var ids []string
	var err error
	if platform == "" {
		err = s.db.SelectContext(ctx, &ids, `SELECT id FROM owners ORDER BY created_at`)
	} else {
		err = s.db.SelectContext(ctx, &ids, s.db.Rebind(
			`SELECT id FROM owners WHERE platform = ? ORDER BY created_at`), platform)
	}
	if err != nil {
		return nil, fmt.Errorf("accounts: list ids: %w", err)
	}
	return ids, nil
}

// AddTransaction records tx once; repeated notifications of the same transfer
// are ignored. It reports whether a row was inserted.
func (s *Store) AddTransaction(ctx context.Context, tx Transaction) (bool, error) {
	if tx.CreatedAt == 0 {
		tx.CreatedAt = s.now().UnixMilli()
	}
	res, err := s.db.NamedExecContext(ctx, `
		INSERT INTO transactions (owner_id, txid, direction, counterparty, amount, created_at)
		VALUES (:owner_id, :txid, :direction, :counterparty, :amount, :created_at)
		ON CONFLICT (owner_id, txid, direction) DO NOTHING`, tx)
	if err != nil {
		return false, fmt.Errorf("accounts: add transaction: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// Transactions returns up to limit transactions, newest first, starting after
// cursor. next is empty when nothing older remains.
func (s *Store) Transactions(ctx context.Context, ownerID, cursor string, limit int) (items []Transaction, next string, err error) {
	if limit <= 0 {
		limit = 3
	}
	query := `SELECT owner_id, txid, direction, counterparty, amount, created_at FROM transactions WHERE owner_id = ?`
	args := []any{ownerID}
	if cursor != "" {
		at, txid, ok := parseCursor(cursor)
		if !ok {
			return nil, "", fmt.Errorf("accounts: bad cursor %q", cursor)
		}
		query += ` AND (created_at < ? OR (created_at = ? AND txid < ?))`
		args = append(args, at, at, txid)
	}
	query += ` ORDER BY created_at DESC, txid DESC LIMIT ?`
	args = append(args, limit+1)

	if err := s.db.SelectContext(ctx, &items, s.db.Rebind(query), args...); err != nil {
		return nil, "", fmt.Errorf("accounts: transactions: %w", err)
	}
	if len(items) > limit {
		items = items[:limit]
		last := items[limit-1]
		next = strconv.FormatInt(last.CreatedAt, 10) + "." + last.TxID
	}
	return items, next, nil
}

func parseCursor(c string) (int64, string, bool) {
	at, txid, ok := strings.Cut(c, ".")
	if !ok || txid == "" {
		return 0, "", false
	}
	n, err := strconv.ParseInt(at, 10, 64)
	if err != nil {
		return 0, "", false
	}
	return n, txid, true
}

// BotMessage points at the last message the bot showed an owner.
type BotMessage struct {
	OwnerID   string `db:"owner_id"`
	ChatID    int64  `db:"chat_id"`
	MessageID int    `db:"message_id"`
	UpdatedAt int64  `db:"updated_at"`
}

// LastMessage returns the bot message remembered for ownerID.
func (s *Store) LastMessage(ctx context.Context, ownerID string) (BotMessage, error) {
	var m BotMessage
	err := s.db.GetContext(ctx, &m, s.db.Rebind(
		`SELECT owner_id, chat_id, message_id, updated_at FROM bot_messages WHERE owner_id = ?`), ownerID)
	if errors.Is(err, sql.ErrNoRows) {
		return BotMessage{}, ErrNotFound
	}
	if err != nil {
		return BotMessage{}, fmt.Errorf("accounts: last message: %w", err)
	}
	return m, nil
}

// RememberMessage replaces the bot message remembered for m.OwnerID.
func (s *Store) RememberMessage(ctx context.Context, m BotMessage) error {
	m.UpdatedAt = s.now().UnixMilli()
	if _, err := s.db.NamedExecContext(ctx, `
		INSERT INTO bot_messages (owner_id, chat_id, message_id, updated_at)
		VALUES (:owner_id, :chat_id, :message_id, :updated_at)
		ON CONFLICT (owner_id) DO UPDATE SET
			chat_id = excluded.chat_id,
			message_id = excluded.message_id,
			updated_at = excluded.updated_at`, m); err != nil {
		return fmt.Errorf("accounts: remember message: %w", err)
	}
	return nil
}

// ForgetMessage drops the remembered bot message of ownerID.
func (s *Store) ForgetMessage(ctx context.Context, ownerID string) error {
	if _, err := s.db.ExecContext(ctx, s.db.Rebind(`DELETE FROM bot_messages WHERE owner_id = ?`), ownerID); err != nil {
		return fmt.Errorf("accounts: forget message: %w", err)
	}
	return nil
}
