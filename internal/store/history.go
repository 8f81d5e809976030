package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/loadzone/loadzone/internal/models"
)

func (s *Store) appendHistoryTx(ctx context.Context, tx *sql.Tx, email, resourceID string, start time.Time, end string, action models.HistoryAction) error {
	var res any
	if resourceID != "" {
		res = resourceID
	}
	var endVal any
	if end != "" {
		endVal = end
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO history (id, email, resource_id, start, end, action) VALUES (?, ?, ?, ?, ?, ?)`,
		uuid.New().String(), email, res, models.FormatTime(start), endVal, string(action),
	); err != nil {
		return fmt.Errorf("insert history: %w", err)
	}
	return nil
}

// AppendHistory appends a single audit record.
func (s *Store) AppendHistory(ctx context.Context, email, resourceID string, start time.Time, end string, action models.HistoryAction) error {
	return s.withTx(ctx, "append_history", func(tx *sql.Tx) error {
		return s.appendHistoryTx(ctx, tx, email, resourceID, start, end, action)
	})
}

func scanHistory(rows *sql.Rows) ([]models.HistoryRecord, error) {
	var out []models.HistoryRecord
	for rows.Next() {
		var rec models.HistoryRecord
		var resourceID, start, end sql.NullString
		if err := rows.Scan(&rec.ID, &rec.Email, &resourceID, &start, &end, &rec.Action); err != nil {
			return nil, fmt.Errorf("scan history: %w", err)
		}
		rec.ResourceID = resourceID.String
		rec.Start = start.String
		rec.End = end.String
		out = append(out, rec)
	}
	return out, rows.Err()
}

// HistoryFor returns a requester's records, most recent start first.
func (s *Store) HistoryFor(ctx context.Context, email string) ([]models.HistoryRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, email, resource_id, start, end, action FROM history WHERE email = ? ORDER BY start DESC`,
		email,
	)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()
	return scanHistory(rows)
}

// AllHistory returns every record ordered by requester, resource, start.
// The compactor works from this ordering.
func (s *Store) AllHistory(ctx context.Context) ([]models.HistoryRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, email, resource_id, start, end, action FROM history ORDER BY email, resource_id, start`,
	)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()
	return scanHistory(rows)
}

// RewriteHistory atomically replaces the history table with the surviving
// records: delete-all then reinsert, in one transaction. A record the
// planner keeps is never dropped.
func (s *Store) RewriteHistory(ctx context.Context, survivors []models.HistoryRecord) error {
	return s.withTx(ctx, "rewrite_history", func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM history`); err != nil {
			return fmt.Errorf("clear history: %w", err)
		}
		for _, rec := range survivors {
			var res, end any
			if rec.ResourceID != "" {
				res = rec.ResourceID
			}
			if rec.End != "" {
				end = rec.End
			}
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO history (id, email, resource_id, start, end, action) VALUES (?, ?, ?, ?, ?, ?)`,
				rec.ID, rec.Email, res, rec.Start, end, string(rec.Action),
			); err != nil {
				return fmt.Errorf("reinsert history: %w", err)
			}
		}
		return nil
	})
}
