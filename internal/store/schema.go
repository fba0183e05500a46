package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Schema DDL for the two logical tables. The partial unique index is
// the database-level guarantee behind the single-current invariant:
// even a buggy writer cannot commit two current rows for one key.
var migrations = []string{
	`CREATE TABLE IF NOT EXISTS benchmark_transactions (
		id UUID PRIMARY KEY,
		idempotency_key VARCHAR(64) NOT NULL UNIQUE,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		model_version TEXT NOT NULL,
		dataset_version TEXT NOT NULL,
		prompt_version TEXT NOT NULL DEFAULT '',
		environment TEXT NOT NULL,
		metrics JSONB NOT NULL,
		scenario_results JSONB,
		commit_sha TEXT NOT NULL DEFAULT '',
		run_id TEXT NOT NULL DEFAULT '',
		triggered_by TEXT NOT NULL,
		tags TEXT[] NOT NULL DEFAULT '{}',
		notes TEXT NOT NULL DEFAULT '',
		policy_hash TEXT NOT NULL DEFAULT '',
		regression_alert JSONB
	)`,
	`CREATE INDEX IF NOT EXISTS idx_benchmark_transactions_series
		ON benchmark_transactions (model_version, environment, created_at)`,
	`CREATE TABLE IF NOT EXISTS benchmark_snapshots (
		model_version TEXT NOT NULL,
		dataset_version TEXT NOT NULL,
		environment TEXT NOT NULL,
		snapshot_version INT NOT NULL,
		is_current BOOLEAN NOT NULL DEFAULT FALSE,
		metrics JSONB NOT NULL,
		transaction_id UUID NOT NULL REFERENCES benchmark_transactions(id),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		PRIMARY KEY (model_version, dataset_version, environment, snapshot_version)
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_benchmark_snapshots_one_current
		ON benchmark_snapshots (model_version, dataset_version, environment)
		WHERE is_current`,
}

// Migrate applies the schema. Statements are idempotent, so running
// migrate repeatedly (e.g. on every deploy) is safe.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	for i, stmt := range migrations {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migration %d failed: %w", i, err)
		}
	}
	return nil
}
