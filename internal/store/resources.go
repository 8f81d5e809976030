package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/loadzone/loadzone/internal/models"
)

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func scanResource(row interface{ Scan(...any) error }) (*models.Resource, error) {
	res := &models.Resource{}
	var groupID sql.NullInt64
	var bookedBy, expiresAt, externalAddr, internalAddr sql.NullString

	err := row.Scan(&res.ID, &groupID, &bookedBy, &expiresAt, &externalAddr, &internalAddr)
	if err != nil {
		return nil, err
	}
	if groupID.Valid {
		res.GroupID = &groupID.Int64
	}
	res.BookedBy = bookedBy.String
	res.ExpiresAt = expiresAt.String
	res.ExternalAddr = externalAddr.String
	res.InternalAddr = internalAddr.String
	return res, nil
}

func (s *Store) getResource(ctx context.Context, q querier, id string) (*models.Resource, error) {
	row := q.QueryRowContext(ctx,
		`SELECT id, group_id, booked_by, expires_at, external_addr, internal_addr FROM resources WHERE id = ?`,
		id,
	)
	res, err := scanResource(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query resource: %w", err)
	}
	res.Queue, err = s.queueEmails(ctx, q, id)
	if err != nil {
		return nil, err
	}
	return res, nil
}

// CreateResource inserts a new free resource, optionally attached to a group.
func (s *Store) CreateResource(ctx context.Context, id string, groupID *int64, externalAddr, internalAddr string) (*models.Resource, error) {
	var res *models.Resource
	err := s.withTx(ctx, "create_resource", func(tx *sql.Tx) error {
		var existing string
		err := tx.QueryRowContext(ctx, `SELECT id FROM resources WHERE id = ?`, id).Scan(&existing)
		if err == nil {
			return ErrResourceExists
		}
		if err != sql.ErrNoRows {
			return fmt.Errorf("check resource: %w", err)
		}

		// Dangling group references are dropped rather than rejected.
		linked := groupID
		if linked != nil {
			var gid int64
			err := tx.QueryRowContext(ctx, `SELECT id FROM groups WHERE id = ?`, *linked).Scan(&gid)
			if err == sql.ErrNoRows {
				linked = nil
			} else if err != nil {
				return fmt.Errorf("check group: %w", err)
			}
		}

		if _, err := tx.ExecContext(ctx,
			`INSERT INTO resources (id, group_id, booked_by, expires_at, external_addr, internal_addr) VALUES (?, ?, NULL, NULL, ?, ?)`,
			id, nullableInt(linked), externalAddr, internalAddr,
		); err != nil {
			return fmt.Errorf("insert resource: %w", err)
		}
		if linked != nil {
			if _, err := tx.ExecContext(ctx,
				`INSERT OR IGNORE INTO group_resources (group_id, resource_id) VALUES (?, ?)`,
				*linked, id,
			); err != nil {
				return fmt.Errorf("link group: %w", err)
			}
		}
		res = &models.Resource{ID: id, GroupID: linked, ExternalAddr: externalAddr, InternalAddr: internalAddr}
		return nil
	})
	return res, err
}

// GetResource returns a resource snapshot with its ordered waitlist, or
// ErrNotFound.
func (s *Store) GetResource(ctx context.Context, id string) (*models.Resource, error) {
	return s.getResource(ctx, s.db, id)
}

// ListResources returns all resources ordered by id, waitlists included.
func (s *Store) ListResources(ctx context.Context) ([]models.Resource, error) {
	return s.listResources(ctx, `SELECT id, group_id, booked_by, expires_at, external_addr, internal_addr FROM resources ORDER BY id`)
}

// ListLeased returns every resource with an owner and a stored expiry.
// The scheduler derives its timers and the sweep works from this set.
func (s *Store) ListLeased(ctx context.Context) ([]models.Resource, error) {
	return s.listResources(ctx,
		`SELECT id, group_id, booked_by, expires_at, external_addr, internal_addr FROM resources
		 WHERE booked_by IS NOT NULL AND expires_at IS NOT NULL ORDER BY id`)
}

func (s *Store) listResources(ctx context.Context, query string) ([]models.Resource, error) {
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query resources: %w", err)
	}
	defer rows.Close()

	var out []models.Resource
	for rows.Next() {
		res, err := scanResource(rows)
		if err != nil {
			return nil, fmt.Errorf("scan resource: %w", err)
		}
		out = append(out, *res)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range out {
		out[i].Queue, err = s.queueEmails(ctx, s.db, out[i].ID)
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

// UpdateAddrs rewrites the descriptive endpoints of a resource. A nil
// pointer leaves the field untouched.
func (s *Store) UpdateAddrs(ctx context.Context, id string, externalAddr, internalAddr *string) error {
	return s.withTx(ctx, "update_addrs", func(tx *sql.Tx) error {
		if _, err := s.getResource(ctx, tx, id); err != nil {
			return err
		}
		if externalAddr != nil {
			if _, err := tx.ExecContext(ctx, `UPDATE resources SET external_addr = ? WHERE id = ?`, *externalAddr, id); err != nil {
				return fmt.Errorf("update external addr: %w", err)
			}
		}
		if internalAddr != nil {
			if _, err := tx.ExecContext(ctx, `UPDATE resources SET internal_addr = ? WHERE id = ?`, *internalAddr, id); err != nil {
				return fmt.Errorf("update internal addr: %w", err)
			}
		}
		return nil
	})
}

// Book leases a free resource to email for the given number of hours.
// Returns ErrNotFound or ErrAlreadyLeased. The lease update and the book
// history record commit together.
func (s *Store) Book(ctx context.Context, id, email string, hours int) (*models.Resource, error) {
	var res *models.Resource
	err := s.withTx(ctx, "book", func(tx *sql.Tx) error {
		row, err := s.getResource(ctx, tx, id)
		if err != nil {
			return err
		}
		if row.Leased() {
			return ErrAlreadyLeased
		}

		now := s.clock.Now()
		expires := now.Add(time.Duration(hours) * time.Hour)
		if _, err := tx.ExecContext(ctx,
			`UPDATE resources SET booked_by = ?, expires_at = ? WHERE id = ?`,
			email, models.FormatTime(expires), id,
		); err != nil {
			return fmt.Errorf("update lease: %w", err)
		}
		if err := s.appendHistoryTx(ctx, tx, email, id, now, models.FormatTime(expires), models.ActionBook); err != nil {
			return err
		}
		row.BookedBy = email
		row.ExpiresAt = models.FormatTime(expires)
		res = row
		return nil
	})
	return res, err
}

// Renew extends an owned lease by hours. The new expiry is additive on the
// stored expiry; the current time is the base only when the stored value
// does not parse.
func (s *Store) Renew(ctx context.Context, id, email string, hours int) (*models.Resource, error) {
	var res *models.Resource
	err := s.withTx(ctx, "renew", func(tx *sql.Tx) error {
		row, err := s.getResource(ctx, tx, id)
		if err != nil {
			return err
		}
		if row.BookedBy != email {
			return ErrNotOwner
		}

		now := s.clock.Now()
		base, ok := models.ParseTime(row.ExpiresAt)
		if !ok {
			base = now
		}
		expires := base.Add(time.Duration(hours) * time.Hour)
		if _, err := tx.ExecContext(ctx,
			`UPDATE resources SET expires_at = ? WHERE id = ?`,
			models.FormatTime(expires), id,
		); err != nil {
			return fmt.Errorf("update expiry: %w", err)
		}
		if err := s.appendHistoryTx(ctx, tx, email, id, now, models.FormatTime(expires), models.ActionRenew); err != nil {
			return err
		}
		row.ExpiresAt = models.FormatTime(expires)
		res = row
		return nil
	})
	return res, err
}

// Cancel clears an owned lease. Returns ErrNotFound or ErrNotOwner.
func (s *Store) Cancel(ctx context.Context, id, email string) error {
	return s.withTx(ctx, "cancel", func(tx *sql.Tx) error {
		row, err := s.getResource(ctx, tx, id)
		if err != nil {
			return err
		}
		if row.BookedBy != email {
			return ErrNotOwner
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE resources SET booked_by = NULL, expires_at = NULL WHERE id = ?`, id,
		); err != nil {
			return fmt.Errorf("clear lease: %w", err)
		}
		return s.appendHistoryTx(ctx, tx, email, id, s.clock.Now(), "", models.ActionCancel)
	})
}

// ReleaseResult reports the outcome of a system-initiated release.
type ReleaseResult struct {
	// Released is false when the resource no longer exists.
	Released bool
	// Owner is the requester whose lease was cleared, if any.
	Owner string
	// Next is the popped position-1 waitlist entry, if any.
	Next string
}

// Release clears a lease regardless of owner, pops the waitlist head, and
// renumbers the remainder, all in one transaction. A vanished resource is a
// no-op.
func (s *Store) Release(ctx context.Context, id string) (ReleaseResult, error) {
	var result ReleaseResult
	err := s.withTx(ctx, "release", func(tx *sql.Tx) error {
		result = ReleaseResult{}
		row, err := s.getResource(ctx, tx, id)
		if err == ErrNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		result.Released = true
		result.Owner = row.BookedBy

		if row.BookedBy != "" {
			exists, err := s.requesterExistsTx(ctx, tx, row.BookedBy)
			if err != nil {
				return err
			}
			if exists {
				if err := s.appendHistoryTx(ctx, tx, row.BookedBy, id, s.clock.Now(), "", models.ActionRelease); err != nil {
					return err
				}
			}
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE resources SET booked_by = NULL, expires_at = NULL WHERE id = ?`, id,
		); err != nil {
			return fmt.Errorf("clear lease: %w", err)
		}

		result.Next, err = s.popWaitlistHeadTx(ctx, tx, id)
		return err
	})
	return result, err
}

// Delete removes a resource along with its waitlist and group membership.
// An active lease is recorded as a deleted action attributed to the owner.
// Returns the prior owner, if any.
func (s *Store) Delete(ctx context.Context, id string) (string, error) {
	var owner string
	err := s.withTx(ctx, "delete_resource", func(tx *sql.Tx) error {
		row, err := s.getResource(ctx, tx, id)
		if err != nil {
			return err
		}
		owner = row.BookedBy
		if owner != "" {
			if err := s.appendHistoryTx(ctx, tx, owner, id, s.clock.Now(), "", models.ActionDeleted); err != nil {
				return err
			}
		}
		for _, stmt := range []string{
			`DELETE FROM resources WHERE id = ?`,
			`DELETE FROM waitlist WHERE resource_id = ?`,
			`DELETE FROM group_resources WHERE resource_id = ?`,
		} {
			if _, err := tx.ExecContext(ctx, stmt, id); err != nil {
				return fmt.Errorf("purge resource: %w", err)
			}
		}
		return nil
	})
	return owner, err
}

func nullableInt(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}
