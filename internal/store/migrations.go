package store

import (
	"context"
	"fmt"
)

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS ledger_jobs (
		id TEXT PRIMARY KEY,
		type TEXT NOT NULL,
		related_record_id TEXT,
		payload JSONB NOT NULL DEFAULT '{}',
		attempts INT NOT NULL DEFAULT 0,
		max_attempts INT NOT NULL DEFAULT 5,
		status TEXT NOT NULL,
		last_error TEXT,
		submitted_sig TEXT,
		submitted_addr TEXT,
		next_attempt_at TIMESTAMPTZ NOT NULL,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_ledger_jobs_claim
		ON ledger_jobs (status, next_attempt_at, created_at)`,
}

// RunMigrations executes the schema statements in order. Statements are
// idempotent so restarts are safe.
func (s *PostgresStore) RunMigrations(ctx context.Context) error {
	for i, stmt := range migrations {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("exec migration %d: %w", i, err)
		}
	}
	return nil
}
