package registry

import (
	"context"
	"fmt"
)

// schemaStatements create the registry tables and their supporting indices.
// CREATE IF NOT EXISTS keeps re-runs idempotent; the store owns this schema.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS miners (
		id                  INTEGER PRIMARY KEY,
		hotkey              TEXT NOT NULL UNIQUE,
		endpoint            TEXT NOT NULL DEFAULT '',
		verification_score  DOUBLE PRECISION NOT NULL DEFAULT 0,
		uptime_percentage   DOUBLE PRECISION NOT NULL DEFAULT 0,
		last_seen           TIMESTAMPTZ NOT NULL DEFAULT now(),
		registered_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at          TIMESTAMPTZ NOT NULL DEFAULT now(),
		executor_info       JSONB
	)`,
	`CREATE TABLE IF NOT EXISTS miner_executors (
		id                 BIGSERIAL PRIMARY KEY,
		miner_id           INTEGER NOT NULL REFERENCES miners(id) ON DELETE CASCADE,
		executor_id        TEXT NOT NULL,
		grpc_address       TEXT NOT NULL,
		gpu_count          INTEGER NOT NULL DEFAULT 0,
		gpu_specs          JSONB,
		cpu_specs          JSONB,
		location           TEXT NOT NULL DEFAULT '',
		status             TEXT NOT NULL DEFAULT 'online',
		last_health_check  TIMESTAMPTZ NOT NULL DEFAULT now(),
		created_at         TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at         TIMESTAMPTZ NOT NULL DEFAULT now(),
		UNIQUE (miner_id, executor_id)
	)`,
	`CREATE TABLE IF NOT EXISTS gpu_uuid_assignments (
		gpu_uuid       TEXT PRIMARY KEY,
		gpu_index      INTEGER NOT NULL DEFAULT 0,
		executor_id    TEXT NOT NULL,
		miner_id       INTEGER NOT NULL,
		gpu_name       TEXT NOT NULL DEFAULT '',
		last_verified  TIMESTAMPTZ NOT NULL DEFAULT now(),
		created_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at     TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS verification_logs (
		id                            TEXT PRIMARY KEY,
		executor_id                   TEXT NOT NULL,
		validator_hotkey              TEXT NOT NULL,
		verification_type             TEXT NOT NULL,
		timestamp                     TIMESTAMPTZ NOT NULL,
		score                         DOUBLE PRECISION NOT NULL CHECK (score >= 0 AND score <= 1),
		success                       BOOLEAN NOT NULL,
		details                       BYTEA,
		duration_ms                   BIGINT NOT NULL DEFAULT 0,
		error_message                 TEXT,
		created_at                    TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at                    TIMESTAMPTZ NOT NULL DEFAULT now(),
		last_binary_validation        TIMESTAMPTZ,
		last_binary_validation_score  DOUBLE PRECISION
	)`,
	`CREATE TABLE IF NOT EXISTS miner_gpu_profiles (
		miner_uid                   INTEGER PRIMARY KEY,
		gpu_counts_json             JSONB NOT NULL DEFAULT '{}',
		total_score                 DOUBLE PRECISION NOT NULL DEFAULT 0 CHECK (total_score >= 0 AND total_score <= 1),
		verification_count          INTEGER NOT NULL DEFAULT 0 CHECK (verification_count >= 0),
		last_updated                TIMESTAMPTZ NOT NULL DEFAULT now(),
		last_successful_validation  TIMESTAMPTZ,
		created_at                  TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_miner_executors_status ON miner_executors (status)`,
	`CREATE INDEX IF NOT EXISTS idx_miner_executors_health ON miner_executors (last_health_check)`,
	`CREATE INDEX IF NOT EXISTS idx_assignments_executor ON gpu_uuid_assignments (executor_id)`,
	`CREATE INDEX IF NOT EXISTS idx_assignments_owner ON gpu_uuid_assignments (miner_id, executor_id)`,
	`CREATE INDEX IF NOT EXISTS idx_verification_logs_executor ON verification_logs (executor_id, timestamp DESC)`,
}

// EnsureSchema creates any missing tables and indices.
func (s *Store) EnsureSchema(ctx context.Context) error {
	for _, stmt := range schemaStatements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}
