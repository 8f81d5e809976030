package store

import (
	"context"
	"database/sql"
	"fmt"
)

// queueEmails returns the waitlist emails for a resource in position order.
func (s *Store) queueEmails(ctx context.Context, q querier, resourceID string) ([]string, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT email FROM waitlist WHERE resource_id = ? ORDER BY position`, resourceID)
	if err != nil {
		return nil, fmt.Errorf("query waitlist: %w", err)
	}
	defer rows.Close()

	var emails []string
	for rows.Next() {
		var email string
		if err := rows.Scan(&email); err != nil {
			return nil, fmt.Errorf("scan waitlist: %w", err)
		}
		emails = append(emails, email)
	}
	return emails, rows.Err()
}

// Queue returns the ordered waitlist for a resource.
func (s *Store) Queue(ctx context.Context, resourceID string) ([]string, error) {
	return s.queueEmails(ctx, s.db, resourceID)
}

// JoinResult reports the outcome of a waitlist join.
type JoinResult struct {
	// Position is the 1-based waitlist rank of the requester.
	Position int
	// AlreadyQueued is true when the requester was already waiting; the
	// join is an idempotent no-op and Position is the existing rank.
	AlreadyQueued bool
	// Owner is the current lease owner at join time, if any.
	Owner string
}

// Join appends email to the resource's waitlist. Order of checks: existing
// membership (idempotent result), self-ownership, capacity. The resource row
// and the full waitlist are read inside the same transaction as the insert.
func (s *Store) Join(ctx context.Context, resourceID, email string) (JoinResult, error) {
	var result JoinResult
	err := s.withTx(ctx, "join", func(tx *sql.Tx) error {
		result = JoinResult{}
		row, err := s.getResource(ctx, tx, resourceID)
		if err != nil {
			return err
		}
		result.Owner = row.BookedBy

		for i, existing := range row.Queue {
			if existing == email {
				result.Position = i + 1
				result.AlreadyQueued = true
				return nil
			}
		}
		if row.BookedBy == email {
			return ErrSelfOwnership
		}
		if len(row.Queue) >= MaxWaitlist {
			return ErrQueueFull
		}

		result.Position = len(row.Queue) + 1
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO waitlist (resource_id, email, position) VALUES (?, ?, ?)`,
			resourceID, email, result.Position,
		); err != nil {
			return fmt.Errorf("insert waitlist entry: %w", err)
		}
		return nil
	})
	return result, err
}

// Leave removes email from the resource's waitlist and renumbers the
// remaining entries densely from 1, all in one transaction. Returns
// ErrNotQueued when the entry is absent.
func (s *Store) Leave(ctx context.Context, resourceID, email string) error {
	return s.withTx(ctx, "leave", func(tx *sql.Tx) error {
		var entryID int64
		err := tx.QueryRowContext(ctx,
			`SELECT id FROM waitlist WHERE resource_id = ? AND email = ?`,
			resourceID, email,
		).Scan(&entryID)
		if err == sql.ErrNoRows {
			return ErrNotQueued
		}
		if err != nil {
			return fmt.Errorf("query waitlist entry: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM waitlist WHERE id = ?`, entryID); err != nil {
			return fmt.Errorf("delete waitlist entry: %w", err)
		}
		return s.renumberTx(ctx, tx, resourceID)
	})
}

// popWaitlistHeadTx removes the position-1 entry, renumbers the rest, and
// returns the popped email ("" when the waitlist is empty).
func (s *Store) popWaitlistHeadTx(ctx context.Context, tx *sql.Tx, resourceID string) (string, error) {
	var first string
	err := tx.QueryRowContext(ctx,
		`SELECT email FROM waitlist WHERE resource_id = ? ORDER BY position LIMIT 1`,
		resourceID,
	).Scan(&first)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("query waitlist head: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM waitlist WHERE resource_id = ? AND email = ?`, resourceID, first,
	); err != nil {
		return "", fmt.Errorf("pop waitlist head: %w", err)
	}
	if err := s.renumberTx(ctx, tx, resourceID); err != nil {
		return "", err
	}
	return first, nil
}

// renumberTx rewrites positions densely starting at 1. It runs inside every
// removal transaction so a gapped sequence is never observable.
func (s *Store) renumberTx(ctx context.Context, tx *sql.Tx, resourceID string) error {
	rows, err := tx.QueryContext(ctx,
		`SELECT id FROM waitlist WHERE resource_id = ? ORDER BY position`, resourceID)
	if err != nil {
		return fmt.Errorf("query remaining waitlist: %w", err)
	}
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return fmt.Errorf("scan waitlist id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return err
	}
	rows.Close()

	for i, id := range ids {
		if _, err := tx.ExecContext(ctx,
			`UPDATE waitlist SET position = ? WHERE id = ?`, i+1, id,
		); err != nil {
			return fmt.Errorf("renumber waitlist: %w", err)
		}
	}
	return nil
}
