package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/loadzone/loadzone/internal/models"
)

// EnsureRequester creates the requester row if it does not exist.
// Idempotent; requesters are never deleted.
func (s *Store) EnsureRequester(ctx context.Context, email string) error {
	if email == "" {
		return nil
	}
	return s.withTx(ctx, "ensure_requester", func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO requesters (email, created) VALUES (?, ?)`,
			email, models.FormatTime(s.clock.Now()),
		); err != nil {
			return fmt.Errorf("insert requester: %w", err)
		}
		return nil
	})
}

func (s *Store) requesterExistsTx(ctx context.Context, tx *sql.Tx, email string) (bool, error) {
	var found string
	err := tx.QueryRowContext(ctx, `SELECT email FROM requesters WHERE email = ?`, email).Scan(&found)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("query requester: %w", err)
	}
	return true, nil
}

// RequesterExists reports whether the requester has authenticated before.
func (s *Store) RequesterExists(ctx context.Context, email string) (bool, error) {
	var found string
	err := s.db.QueryRowContext(ctx, `SELECT email FROM requesters WHERE email = ?`, email).Scan(&found)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("query requester: %w", err)
	}
	return true, nil
}
