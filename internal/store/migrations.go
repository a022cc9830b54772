package store

// runMigrations executes all database migrations.
func (s *Store) runMigrations() error {
	migrations := []string{
		// Audit entries table - durable copy of the in-memory audit log
		`CREATE TABLE IF NOT EXISTS audit_entries (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT NOT NULL UNIQUE,
			timestamp DATETIME NOT NULL,
			plugin TEXT NOT NULL,
			version TEXT NOT NULL DEFAULT '',
			action TEXT NOT NULL CHECK(action IN ('loaded', 'denied', 'capability_check')),
			trusted INTEGER NOT NULL DEFAULT 0,
			capabilities TEXT,
			reason TEXT NOT NULL DEFAULT ''
		)`,

		// Approvals table - remembered answers to plugin install prompts
		`CREATE TABLE IF NOT EXISTS approvals (
			plugin TEXT NOT NULL,
			version TEXT NOT NULL,
			approved INTEGER NOT NULL,
			decided_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (plugin, version)
		)`,

		// Indexes for better query performance
		`CREATE INDEX IF NOT EXISTS idx_audit_entries_action ON audit_entries(action)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_entries_plugin ON audit_entries(plugin)`,
	}

	for _, migration := range migrations {
		if _, err := s.db.Exec(migration); err != nil {
			return err
		}
	}

	return nil
}
