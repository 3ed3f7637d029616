package store

import (
	"database/sql"
	"errors"
	"fmt"
)

// currentSchemaVersion is bumped whenever createSchema or a migration changes.
const currentSchemaVersion = 2

// initializeSchemaWithMigrations ensures the database schema is at the
// current version, mirroring the teacher's idempotent startup migration.
func initializeSchemaWithMigrations(db *sql.DB, embeddingDimensions int) error {
	currentVersion, err := getSchemaVersion(db)
	if err != nil {
		return fmt.Errorf("failed to get current schema version: %w", err)
	}

	if currentVersion == 0 {
		return createSchema(db, embeddingDimensions)
	}
	if currentVersion == currentSchemaVersion {
		return nil
	}
	return runMigrations(db, currentVersion, currentSchemaVersion)
}

func runMigrations(db *sql.DB, fromVersion, toVersion int) error {
	for version := fromVersion + 1; version <= toVersion; version++ {
		if err := runMigration(db, version); err != nil {
			return fmt.Errorf("migration to version %d failed: %w", version, err)
		}
		if err := setSchemaVersion(db, version); err != nil {
			return fmt.Errorf("failed to update schema version to %d: %w", version, err)
		}
	}
	return nil
}

func runMigration(db *sql.DB, version int) error {
	switch version {
	case 2:
		return migrateToVersion2(db)
	default:
		return fmt.Errorf("unknown migration version: %d", version)
	}
}

// migrateToVersion2 adds the suspended-investigation tracking columns that
// the orchestrator's SUSPENDED state needs.
func migrateToVersion2(db *sql.DB) error {
	migrations := []string{
		"ALTER TABLE investigations ADD COLUMN IF NOT EXISTS suspended_reason TEXT",
		"ALTER TABLE investigations ADD COLUMN IF NOT EXISTS suspended_at TIMESTAMPTZ",
		"ALTER TABLE investigations ADD COLUMN IF NOT EXISTS resume_from TEXT",
	}
	for _, migration := range migrations {
		if _, err := db.Exec(migration); err != nil {
			return fmt.Errorf("failed to execute migration: %s: %w", migration, err)
		}
	}
	return nil
}

// createSchema creates every table and index the relational store depends
// on, including pgvector's HNSW index on assessments.embedding (no query in
// this package reads it; SearchAssessments is keyword-only).
func createSchema(db *sql.DB, embeddingDimensions int) error {
	statements := []string{
		"CREATE EXTENSION IF NOT EXISTS vector",

		`CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,

		`CREATE TABLE IF NOT EXISTS investigations (
			id TEXT PRIMARY KEY,
			prompt TEXT NOT NULL,
			status TEXT NOT NULL CHECK (status IN (
				'PENDING','ANALYST_RUNNING','PROCESSING','COMPLETED','FAILED','SUSPENDED')),
			parent_investigation_id TEXT REFERENCES investigations(id),
			cycle_count INTEGER NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			completed_at TIMESTAMPTZ,
			suspended_reason TEXT,
			suspended_at TIMESTAMPTZ,
			resume_from TEXT
		)`,

		`CREATE TABLE IF NOT EXISTS work_orders (
			id TEXT PRIMARY KEY,
			investigation_id TEXT NOT NULL REFERENCES investigations(id) ON DELETE CASCADE,
			objective TEXT NOT NULL,
			status TEXT NOT NULL CHECK (status IN ('queued','processing','completed','failed')),
			priority TEXT NOT NULL CHECK (priority IN ('high','normal','low')),
			referenced_entities JSONB NOT NULL DEFAULT '[]',
			source_guidance JSONB,
			processor_id TEXT,
			cycle INTEGER NOT NULL DEFAULT 0,
			claims_produced_count INTEGER NOT NULL DEFAULT 0,
			retry_count INTEGER NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			completed_at TIMESTAMPTZ
		)`,

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS assessments (
			id TEXT PRIMARY KEY,
			investigation_id TEXT NOT NULL REFERENCES investigations(id) ON DELETE CASCADE,
			content JSONB NOT NULL,
			confidence TEXT NOT NULL CHECK (confidence IN ('high','moderate','low')),
			entity_refs JSONB NOT NULL DEFAULT '[]',
			claim_refs JSONB NOT NULL DEFAULT '[]',
			embedding vector(%d),
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`, embeddingDimensions),

		"CREATE INDEX IF NOT EXISTS idx_investigations_status ON investigations(status)",
		"CREATE INDEX IF NOT EXISTS idx_investigations_parent ON investigations(parent_investigation_id)",
		"CREATE INDEX IF NOT EXISTS idx_work_orders_investigation ON work_orders(investigation_id)",
		"CREATE INDEX IF NOT EXISTS idx_work_orders_status ON work_orders(status)",
		"CREATE INDEX IF NOT EXISTS idx_assessments_investigation ON assessments(investigation_id)",
		"CREATE INDEX IF NOT EXISTS idx_assessments_content_fts ON assessments USING gin (to_tsvector('english', content))",
	}

	for _, stmt := range statements {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to execute schema statement: %s: %w", stmt, err)
		}
	}

	// The HNSW index requires a fixed vector width; skip it (rather than fail
	// startup) if pgvector isn't new enough to support the access method.
	if _, err := db.Exec(
		"CREATE INDEX IF NOT EXISTS idx_assessments_embedding_hnsw ON assessments " +
			"USING hnsw (embedding vector_cosine_ops)"); err != nil {
		_ = err
	}

	return setSchemaVersion(db, currentSchemaVersion)
}

func setSchemaVersion(db *sql.DB, version int) error {
	_, err := db.Exec(`INSERT INTO schema_version (version) VALUES ($1) ON CONFLICT (version) DO NOTHING`, version)
	if err != nil {
		return fmt.Errorf("database exec error: %w", err)
	}
	return nil
}

func getSchemaVersion(db *sql.DB) (int, error) {
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`); err != nil {
		return 0, fmt.Errorf("failed to create schema_version table: %w", err)
	}

	var version int
	err := db.QueryRow("SELECT version FROM schema_version ORDER BY version DESC LIMIT 1").Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("schema version scan error: %w", err)
	}
	return version, nil
}
