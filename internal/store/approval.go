package store

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// Approval is a remembered answer to a plugin install prompt.
type Approval struct {
	Plugin    string
	Version   string
	Approved  bool
	DecidedAt time.Time
}

// ApprovalRepository stores approval decisions keyed by plugin and version.
type ApprovalRepository struct {
	db *sql.DB
}

// Approvals returns the approval repository for this store.
func (s *Store) Approvals() *ApprovalRepository {
	return &ApprovalRepository{db: s.db}
}

// LookupApproval returns the remembered decision for plugin at version.
// found is false when no decision was recorded.
func (r *ApprovalRepository) LookupApproval(ctx context.Context, plugin, version string) (approved, found bool, err error) {
	var v int
	err = r.db.QueryRowContext(ctx,
		`SELECT approved FROM approvals WHERE plugin = ? AND version = ?`,
		plugin, version,
	).Scan(&v)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, false, nil
		}
		return false, false, err
	}
	return v != 0, true, nil
}

// SaveApproval records or replaces the decision for plugin at version.
func (r *ApprovalRepository) SaveApproval(ctx context.Context, plugin, version string, approved bool) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO approvals (plugin, version, approved, decided_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(plugin, version) DO UPDATE SET approved = excluded.approved, decided_at = excluded.decided_at`,
		plugin, version, approved, time.Now().UTC(),
	)
	return err
}

// List returns every remembered decision ordered by plugin and version.
func (r *ApprovalRepository) List(ctx context.Context) ([]*Approval, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT plugin, version, approved, decided_at FROM approvals ORDER BY plugin, version`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var approvals []*Approval
	for rows.Next() {
		a := &Approval{}
		var approved int
		if err := rows.Scan(&a.Plugin, &a.Version, &approved, &a.DecidedAt); err != nil {
			return nil, err
		}
		a.Approved = approved != 0
		approvals = append(approvals, a)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return approvals, nil
}

// Delete forgets the decision for plugin at version.
func (r *ApprovalRepository) Delete(ctx context.Context, plugin, version string) error {
	result, err := r.db.ExecContext(ctx, `DELETE FROM approvals WHERE plugin = ? AND version = ?`, plugin, version)
	if err != nil {
		return err
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}

	if rowsAffected == 0 {
		return ErrNotFound
	}

	return nil
}
