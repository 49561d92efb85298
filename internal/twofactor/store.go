package twofactor

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/m3rciful/liteim/internal/action"
)

// ErrNotFound is returned when no status or challenge row exists.
var ErrNotFound = errors.New("twofactor: not found")

// Status is an owner's enrollment: the phone codes go to, whether enrollment
// finished, and until when the last successful check authorizes privileged
// operations.
type Status struct {
	OwnerID           string
	Phone             string
	Activated         bool
	CredentialExpires time.Time
}

// Challenge is an issued code waiting to be checked. It is keyed by phone so a
// new code for the same number replaces the old one. For an enrollment it also
// carries the phone until the code is confirmed.
type Challenge struct {
	ID        string
	Phone     string
	OwnerID   string
	Purpose   action.Purpose
	Secret    string
	Counter   uint64
	Attempts  int
	ExpiresAt time.Time
	CreatedAt time.Time
}

// Store persists statuses and challenges.
type Store interface {
	Status(ctx context.Context, ownerID string) (Status, error)
	PhoneTaken(ctx context.Context, phone, exceptOwnerID string) (bool, error)
	SaveStatus(ctx context.Context, st Status) error
	Challenge(ctx context.Context, phone string) (Challenge, error)
	OwnerChallenge(ctx context.Context, ownerID string) (Challenge, error)
	DropOwnerChallenges(ctx context.Context, ownerID string) error
	SaveChallenge(ctx context.Context, ch Challenge) error
	AddAttempt(ctx context.Context, phone string) (int, error)
	DeleteChallenge(ctx context.Context, phone string) error
}

// SQLStore implements Store on the two_factor and pending_two_factor tables.
type SQLStore struct {
	db *sqlx.DB
}

// NewSQLStore wraps a migrated database.
func NewSQLStore(db *sqlx.DB) *SQLStore {
	return &SQLStore{db: db}
}

type statusRow struct {
	OwnerID           string `db:"owner_id"`
	Phone             string `db:"phone"`
	Activated         bool   `db:"activated"`
	CredentialExpires int64  `db:"credential_expires"`
}

type challengeRow struct {
	ID        string `db:"id"`
	Phone     string `db:"phone"`
	OwnerID   string `db:"owner_id"`
	Purpose   string `db:"purpose"`
	Secret    string `db:"secret"`
	Counter   int64  `db:"counter"`
	Attempts  int    `db:"attempts"`
	ExpiresAt int64  `db:"expires_at"`
	CreatedAt int64  `db:"created_at"`
}

func (s *SQLStore) Status(ctx context.Context, ownerID string) (Status, error) {
	var row statusRow
	err := s.db.GetContext(ctx, &row, s.db.Rebind(
		`SELECT owner_id, phone, activated, credential_expires FROM two_factor WHERE owner_id = ?`), ownerID)
	if errors.Is(err, sql.ErrNoRows) {
		return Status{}, ErrNotFound
	}
	if err != nil {
		return Status{}, fmt.Errorf("twofactor: get status: %w", err)
	}
	return Status{
		OwnerID:           row.OwnerID,
		Phone:             row.Phone,
		Activated:         row.Activated,
		CredentialExpires: time.UnixMilli(row.CredentialExpires).UTC(),
	}, nil
}

// PhoneTaken reports whether an activated enrollment of an owner other than
// exceptOwnerID already uses phone.
func (s *SQLStore) PhoneTaken(ctx context.Context, phone, exceptOwnerID string) (bool, error) {
	var n int
	err := s.db.GetContext(ctx, &n, s.db.Rebind(
		`SELECT COUNT(*) FROM two_factor WHERE phone = ? AND activated = ? AND owner_id <> ?`), phone, true, exceptOwnerID)
	if err != nil {
		return false, fmt.Errorf("twofactor: phone lookup: %w", err)
	}
	return n > 0, nil
}

func (s *SQLStore) SaveStatus(ctx context.Context, st Status) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO two_factor (owner_id, phone, activated, credential_expires, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (owner_id) DO UPDATE SET
			phone = excluded.phone,
			activated = excluded.activated,
			credential_expires = excluded.credential_expires,
			updated_at = excluded.updated_at`),
		st.OwnerID, st.Phone, st.Activated, unixMilli(st.CredentialExpires), time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("twofactor: save status: %w", err)
	}
	return nil
}

const challengeCols = `id, phone, owner_id, purpose, secret, counter, attempts, expires_at, created_at`

func (s *SQLStore) Challenge(ctx context.Context, phone string) (Challenge, error) {
	return s.challenge(ctx, `SELECT `+challengeCols+` FROM pending_two_factor WHERE phone = ?`, phone)
}

// OwnerChallenge returns the newest challenge issued for ownerID.
func (s *SQLStore) OwnerChallenge(ctx context.Context, ownerID string) (Challenge, error) {
	return s.challenge(ctx, `SELECT `+challengeCols+` FROM pending_two_factor
		WHERE owner_id = ? ORDER BY created_at DESC, id DESC LIMIT 1`, ownerID)
}

func (s *SQLStore) challenge(ctx context.Context, query string, arg any) (Challenge, error) {
	var row challengeRow
	err := s.db.GetContext(ctx, &row, s.db.Rebind(query), arg)
	if errors.Is(err, sql.ErrNoRows) {
		return Challenge{}, ErrNotFound
	}
	if err != nil {
		return Challenge{}, fmt.Errorf("twofactor: get challenge: %w", err)
	}
	return Challenge{
		ID:        row.ID,
		Phone:     row.Phone,
		OwnerID:   row.OwnerID,
		Purpose:   action.Purpose(row.Purpose),
		Secret:    row.Secret,
		Counter:   uint64(row.Counter),
		Attempts:  row.Attempts,
		ExpiresAt: time.UnixMilli(row.ExpiresAt).UTC(),
		CreatedAt: time.UnixMilli(row.CreatedAt).UTC(),
	}, nil
}

func (s *SQLStore) SaveChallenge(ctx context.Context, ch Challenge) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO pending_two_factor (phone, id, owner_id, purpose, secret, counter, attempts, expires_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (phone) DO UPDATE SET
			id = excluded.id,
			owner_id = excluded.owner_id,
			purpose = excluded.purpose,
			secret = excluded.secret,
			counter = excluded.counter,
			attempts = excluded.attempts,
			expires_at = excluded.expires_at,
			created_at = excluded.created_at`),
		ch.Phone, ch.ID, ch.OwnerID, string(ch.Purpose), ch.Secret, int64(ch.Counter),
		ch.Attempts, unixMilli(ch.ExpiresAt), unixMilli(ch.CreatedAt))
	if err != nil {
		return fmt.Errorf("twofactor: save challenge: %w", err)
	}
	return nil
}

// AddAttempt records a failed check and returns the new attempt count.
func (s *SQLStore) AddAttempt(ctx context.Context, phone string) (int, error) {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(
		`UPDATE pending_two_factor SET attempts = attempts + 1 WHERE phone = ?`), phone)
	if err != nil {
		return 0, fmt.Errorf("twofactor: add attempt: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return 0, ErrNotFound
	}
	var attempts int
	if err := s.db.GetContext(ctx, &attempts, s.db.Rebind(
		`SELECT attempts FROM pending_two_factor WHERE phone = ?`), phone); err != nil {
		return 0, fmt.Errorf("twofactor: add attempt: %w", err)
	}
	return attempts, nil
}

func (s *SQLStore) DeleteChallenge(ctx context.Context, phone string) error {
	if _, err := s.db.ExecContext(ctx, s.db.Rebind(`DELETE FROM pending_two_factor WHERE phone = ?`), phone); err != nil {
		return fmt.Errorf("twofactor: delete challenge: %w", err)
	}
	return nil
}

// DropOwnerChallenges discards every code issued for ownerID.
func (s *SQLStore) DropOwnerChallenges(ctx context.Context, ownerID string) error {
	if _, err := s.db.ExecContext(ctx, s.db.Rebind(`DELETE FROM pending_two_factor WHERE owner_id = ?`), ownerID); err != nil {
		return fmt.Errorf("twofactor: drop challenges: %w", err)
	}
	return nil
}

// PruneExpired drops challenges that expired before now and reports how many.
func (s *SQLStore) PruneExpired(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(
		`DELETE FROM pending_two_factor WHERE expires_at < ?`), unixMilli(now))
	if err != nil {
		return 0, fmt.Errorf("twofactor: prune: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func unixMilli(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}
