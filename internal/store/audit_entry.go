package store

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/ayusman/pluginwarden/internal/audit"
	"github.com/ayusman/pluginwarden/internal/capability"
)

// AuditRepository persists audit entries. It implements audit.Sink.
type AuditRepository struct {
	db *sql.DB
}

// Audit returns the audit repository for this store.
func (s *Store) Audit() *AuditRepository {
	return &AuditRepository{db: s.db}
}

// Append inserts e. Entries are never updated.
func (r *AuditRepository) Append(e audit.Entry) error {
	var caps sql.NullString
	if e.Capabilities != nil {
		data, err := json.Marshal(e.Capabilities)
		if err != nil {
			return fmt.Errorf("failed to encode capabilities: %w", err)
		}
		caps = sql.NullString{String: string(data), Valid: true}
	}

	_, err := r.db.Exec(
		`INSERT INTO audit_entries (id, timestamp, plugin, version, action, trusted, capabilities, reason)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.Timestamp.UTC(), e.Plugin, e.Version, string(e.Action), e.Trusted, caps, e.Reason,
	)
	return err
}

// List returns stored entries in insertion order. f.Action filters by
// action and a positive f.Limit keeps only the most recent entries.
func (r *AuditRepository) List(f audit.Filter) ([]audit.Entry, error) {
	query := `SELECT id, timestamp, plugin, version, action, trusted, capabilities, reason FROM audit_entries`
	var args []interface{}
	if f.Action != "" {
		query += ` WHERE action = ?`
		args = append(args, string(f.Action))
	}
	if f.Limit > 0 {
		query += ` ORDER BY seq DESC LIMIT ?`
		args = append(args, f.Limit)
	} else {
		query += ` ORDER BY seq ASC`
	}

	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []audit.Entry
	for rows.Next() {
		var (
			e       audit.Entry
			action  string
			trusted int
			caps    sql.NullString
		)
		if err := rows.Scan(&e.ID, &e.Timestamp, &e.Plugin, &e.Version, &action, &trusted, &caps, &e.Reason); err != nil {
			return nil, err
		}

		e.Action = audit.Action(action)
		e.Trusted = trusted != 0
		if caps.Valid {
			var set capability.Set
			if err := json.Unmarshal([]byte(caps.String), &set); err != nil {
				return nil, fmt.Errorf("failed to decode capabilities of %s: %w", e.ID, err)
			}
			e.Capabilities = &set
		}
		entries = append(entries, e)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Limited queries come back newest first
	if f.Limit > 0 {
		for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
			entries[i], entries[j] = entries[j], entries[i]
		}
	}

	return entries, nil
}

// Count returns the number of stored entries.
func (r *AuditRepository) Count() (int, error) {
	var n int
	err := r.db.QueryRow(`SELECT COUNT(*) FROM audit_entries`).Scan(&n)
	return n, err
}
