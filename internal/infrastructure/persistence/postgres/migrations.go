// Package postgres implements the durable persistence backend for the progress engine.
package postgres

// ══════════════════════════════════════════════════════════════════════════════
// MIGRATION 001: CREATE SNAPSHOTS
// ══════════════════════════════════════════════════════════════════════════════

const migration001Up = `
-- Migration: Create progress snapshot storage
-- Version: 001

-- One JSONB document per user, replaced atomically on every save.
CREATE TABLE IF NOT EXISTS progress_snapshots (
    user_id TEXT PRIMARY KEY,
    version INTEGER NOT NULL,
    saved_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
    document JSONB NOT NULL,

    CONSTRAINT valid_version CHECK (version > 0)
);

CREATE INDEX IF NOT EXISTS idx_progress_snapshots_saved_at ON progress_snapshots(saved_at DESC);
`

const migration001Down = `
DROP TABLE IF EXISTS progress_snapshots;
`

// ══════════════════════════════════════════════════════════════════════════════
// MIGRATION 002: CREATE CERTIFICATE LEDGER
// ══════════════════════════════════════════════════════════════════════════════

const migration002Up = `
-- Migration: Create certificate ledger
-- Version: 002

-- Append-only ledger of issued certificates. The (user_id, course_id)
-- uniqueness makes recording idempotent: replays never duplicate.
CREATE TABLE IF NOT EXISTS certificates (
    id SERIAL PRIMARY KEY,
    user_id TEXT NOT NULL,
    course_id TEXT NOT NULL,
    credential_id UUID NOT NULL UNIQUE,
    verification_code VARCHAR(32) NOT NULL,
    issued_at TIMESTAMP WITH TIME ZONE NOT NULL,
    created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),

    UNIQUE(user_id, course_id)
);

CREATE INDEX IF NOT EXISTS idx_certificates_user ON certificates(user_id);
CREATE INDEX IF NOT EXISTS idx_certificates_issued ON certificates(issued_at DESC);
`

const migration002Down = `
DROP TABLE IF EXISTS certificates;
`

// GetMigrations returns all embedded migrations.
func GetMigrations() []Migration {
	return []Migration{
		{
			Version: 1,
			Name:    "create_progress_snapshots",
			UpSQL:   migration001Up,
			DownSQL: migration001Down,
		},
		{
			Version: 2,
			Name:    "create_certificates",
			UpSQL:   migration002Up,
			DownSQL: migration002Down,
		},
	}
}
