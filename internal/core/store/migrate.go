package store

import (
	"context"
	"fmt"
)

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS mitigation_events (
		id TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		target TEXT NOT NULL,
		action TEXT NOT NULL,
		check_name TEXT NOT NULL DEFAULT '',
		reason TEXT NOT NULL DEFAULT '',
		score REAL NOT NULL DEFAULT 0,
		rate_limit REAL,
		occurred_at INTEGER NOT NULL,
		expires_at INTEGER NOT NULL DEFAULT 0
	);`,
	`CREATE INDEX IF NOT EXISTS idx_mitigation_events_target ON mitigation_events(target, occurred_at);`,
	`CREATE INDEX IF NOT EXISTS idx_mitigation_events_occurred ON mitigation_events(occurred_at);`,
}

// Migrate ensures the required database tables exist.
func (s *Store) Migrate(ctx context.Context) error {
	if err := s.ready(); err != nil {
		return err
	}

	if ctx == nil {
		ctx = context.Background()
	}

	for _, stmt := range schemaStatements {
		if _, err := s.x.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("store migration failed: %w", err)
		}
	}

	return nil
}
