package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/loadzone/loadzone/internal/models"
)

// CreateGroup creates a named group and attaches the given resources.
// Names are unique case-insensitively.
func (s *Store) CreateGroup(ctx context.Context, name string, resourceIDs []string) (*models.Group, error) {
	var group *models.Group
	err := s.withTx(ctx, "create_group", func(tx *sql.Tx) error {
		var existing int64
		err := tx.QueryRowContext(ctx,
			`SELECT id FROM groups WHERE lower(name) = ?`, strings.ToLower(name),
		).Scan(&existing)
		if err == nil {
			return ErrGroupExists
		}
		if err != sql.ErrNoRows {
			return fmt.Errorf("check group name: %w", err)
		}

		result, err := tx.ExecContext(ctx, `INSERT INTO groups (name) VALUES (?)`, name)
		if err != nil {
			return fmt.Errorf("insert group: %w", err)
		}
		groupID, err := result.LastInsertId()
		if err != nil {
			return fmt.Errorf("group id: %w", err)
		}

		var attached []string
		for _, resourceID := range resourceIDs {
			var id string
			err := tx.QueryRowContext(ctx, `SELECT id FROM resources WHERE id = ?`, resourceID).Scan(&id)
			if err == sql.ErrNoRows {
				continue
			}
			if err != nil {
				return fmt.Errorf("check resource: %w", err)
			}
			if _, err := tx.ExecContext(ctx, `UPDATE resources SET group_id = ? WHERE id = ?`, groupID, resourceID); err != nil {
				return fmt.Errorf("set resource group: %w", err)
			}
			if _, err := tx.ExecContext(ctx,
				`INSERT OR IGNORE INTO group_resources (group_id, resource_id) VALUES (?, ?)`,
				groupID, resourceID,
			); err != nil {
				return fmt.Errorf("link resource: %w", err)
			}
			attached = append(attached, resourceID)
		}
		group = &models.Group{ID: groupID, Name: name, ResourceIDs: attached}
		return nil
	})
	return group, err
}

// ListGroups returns all groups with their member resource ids.
func (s *Store) ListGroups(ctx context.Context) ([]models.Group, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name FROM groups ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("query groups: %w", err)
	}
	defer rows.Close()

	var out []models.Group
	for rows.Next() {
		var g models.Group
		if err := rows.Scan(&g.ID, &g.Name); err != nil {
			return nil, fmt.Errorf("scan group: %w", err)
		}
		out = append(out, g)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range out {
		members, err := s.db.QueryContext(ctx,
			`SELECT resource_id FROM group_resources WHERE group_id = ?`, out[i].ID)
		if err != nil {
			return nil, fmt.Errorf("query group members: %w", err)
		}
		for members.Next() {
			var id string
			if err := members.Scan(&id); err != nil {
				members.Close()
				return nil, fmt.Errorf("scan group member: %w", err)
			}
			out[i].ResourceIDs = append(out[i].ResourceIDs, id)
		}
		if err := members.Err(); err != nil {
			members.Close()
			return nil, err
		}
		members.Close()
	}
	return out, nil
}

// DeleteGroup removes a group and detaches its resources. Resources are
// never deleted by group operations.
func (s *Store) DeleteGroup(ctx context.Context, groupID int64) error {
	return s.withTx(ctx, "delete_group", func(tx *sql.Tx) error {
		var id int64
		err := tx.QueryRowContext(ctx, `SELECT id FROM groups WHERE id = ?`, groupID).Scan(&id)
		if err == sql.ErrNoRows {
			return ErrGroupNotFound
		}
		if err != nil {
			return fmt.Errorf("check group: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE resources SET group_id = NULL WHERE group_id = ?`, groupID,
		); err != nil {
			return fmt.Errorf("detach resources: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM group_resources WHERE group_id = ?`, groupID); err != nil {
			return fmt.Errorf("delete group links: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM groups WHERE id = ?`, groupID); err != nil {
			return fmt.Errorf("delete group: %w", err)
		}
		return nil
	})
}

// AssignToGroup attaches a resource to an existing group.
func (s *Store) AssignToGroup(ctx context.Context, groupID int64, resourceID string) error {
	return s.withTx(ctx, "assign_to_group", func(tx *sql.Tx) error {
		var gid int64
		err := tx.QueryRowContext(ctx, `SELECT id FROM groups WHERE id = ?`, groupID).Scan(&gid)
		if err == sql.ErrNoRows {
			return ErrGroupNotFound
		}
		if err != nil {
			return fmt.Errorf("check group: %w", err)
		}
		var rid string
		err = tx.QueryRowContext(ctx, `SELECT id FROM resources WHERE id = ?`, resourceID).Scan(&rid)
		if err == sql.ErrNoRows {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("check resource: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `UPDATE resources SET group_id = ? WHERE id = ?`, groupID, resourceID); err != nil {
			return fmt.Errorf("set resource group: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO group_resources (group_id, resource_id) VALUES (?, ?)`,
			groupID, resourceID,
		); err != nil {
			return fmt.Errorf("link resource: %w", err)
		}
		return nil
	})
}

// RemoveFromGroup detaches a resource from its group.
func (s *Store) RemoveFromGroup(ctx context.Context, resourceID string) error {
	return s.withTx(ctx, "remove_from_group", func(tx *sql.Tx) error {
		var gid int64
		err := tx.QueryRowContext(ctx,
			`SELECT group_id FROM group_resources WHERE resource_id = ?`, resourceID,
		).Scan(&gid)
		if err == sql.ErrNoRows {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("check membership: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM group_resources WHERE resource_id = ?`, resourceID); err != nil {
			return fmt.Errorf("unlink resource: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `UPDATE resources SET group_id = NULL WHERE id = ?`, resourceID); err != nil {
			return fmt.Errorf("clear resource group: %w", err)
		}
		return nil
	})
}
