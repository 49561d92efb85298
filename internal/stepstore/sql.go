package stepstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/m3rciful/liteim/internal/idgen"
)

// SQL stores partials in the partials and partial_fields tables.
type SQL struct {
	db  *sqlx.DB
	now func() time.Time
}

// NewSQL wraps an open database whose schema has been migrated.
func NewSQL(db *sqlx.DB) *SQL {
	return &SQL{db: db, now: time.Now}
}

type partialRow struct {
	OwnerID   string `db:"owner_id"`
	ID        string `db:"id"`
	Command   string `db:"command"`
	CreatedAt int64  `db:"created_at"`
}

// Get loads the partial and its fields ordered by capture position.
func (s *SQL) Get(ctx context.Context, ownerID string) (*Partial, error) {
	var row partialRow
	err := s.db.GetContext(ctx, &row, s.db.Rebind(
		`SELECT owner_id, id, command, created_at FROM partials WHERE owner_id = ?`), ownerID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("stepstore: get partial: %w", err)
	}
	p := &Partial{
		ID:        row.ID,
		OwnerID:   row.OwnerID,
		Command:   row.Command,
		CreatedAt: time.UnixMilli(row.CreatedAt).UTC(),
	}
	if err := s.db.SelectContext(ctx, &p.Fields, s.db.Rebind(
		`SELECT step, value FROM partial_fields WHERE owner_id = ? ORDER BY position`), ownerID); err != nil {
		return nil, fmt.Errorf("stepstore: get fields: %w", err)
	}
	return p, nil
}

// Create deletes any previous partial of the owner and inserts a new one in one transaction.
func (s *SQL) Create(ctx context.Context, ownerID, command string) (*Partial, error) {
	now := s.now().UTC()
	p := &Partial{ID: idgen.NewAt(now), OwnerID: ownerID, Command: command, CreatedAt: now}
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		if err := deletePartial(ctx, tx, ownerID); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, tx.Rebind(
			`INSERT INTO partials (owner_id, id, command, created_at) VALUES (?, ?, ?, ?)`),
			ownerID, p.ID, command, now.UnixMilli())
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("stepstore: create partial: %w", err)
	}
	return p, nil
}

// SetFields upserts values. A step seen for the first time gets the next position.
func (s *SQL) SetFields(ctx context.Context, ownerID string, fields ...Field) error {
	if len(fields) == 0 {
		return nil
	}
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		var exists int
		err := tx.GetContext(ctx, &exists, tx.Rebind(`SELECT COUNT(*) FROM partials WHERE owner_id = ?`), ownerID)
		if err != nil {
			return err
		}
		if exists == 0 {
			return ErrNotFound
		}
		var next int
		if err := tx.GetContext(ctx, &next, tx.Rebind(
			`SELECT COALESCE(MAX(position), 0) + 1 FROM partial_fields WHERE owner_id = ?`), ownerID); err != nil {
			return err
		}
		for i, f := range fields {
			_, err := tx.ExecContext(ctx, tx.Rebind(`
				INSERT INTO partial_fields (owner_id, step, position, value) VALUES (?, ?, ?, ?)
				ON CONFLICT (owner_id, step) DO UPDATE SET value = excluded.value`),
				ownerID, f.Step, next+i, f.Value)
			if err != nil {
				return err
			}
		}
		return nil
	})
	if errors.Is(err, ErrNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("stepstore: set fields: %w", err)
	}
	return nil
}

// Unset deletes the named steps.
func (s *SQL) Unset(ctx context.Context, ownerID string, steps ...string) error {
	if len(steps) == 0 {
		return nil
	}
	query, args, err := sqlx.In(`DELETE FROM partial_fields WHERE owner_id = ? AND step IN (?)`, ownerID, steps)
	if err != nil {
		return fmt.Errorf("stepstore: unset: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, s.db.Rebind(query), args...); err != nil {
		return fmt.Errorf("stepstore: unset: %w", err)
	}
	return nil
}

// Clear removes the owner's partial and its fields.
func (s *SQL) Clear(ctx context.Context, ownerID string) error {
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		return deletePartial(ctx, tx, ownerID)
	})
	if err != nil {
		return fmt.Errorf("stepstore: clear: %w", err)
	}
	return nil
}

func deletePartial(ctx context.Context, tx *sqlx.Tx, ownerID string) error {
	// fields first so the delete does not depend on the driver enforcing cascades
	if _, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM partial_fields WHERE owner_id = ?`), ownerID); err != nil {
		return err
	}
	_, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM partials WHERE owner_id = ?`), ownerID)
	return err
}

func (s *SQL) withTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}
