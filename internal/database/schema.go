package database

import (
	"context"
	"database/sql"
	"fmt"
)

// Schema statements are idempotent so the service can create its own tables
// on first start. fingerprint_bucket is indexed for duplicate-candidate
// lookup; status+created_at backs the backfill sweep.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS reports (
		id                 UUID PRIMARY KEY,
		status             TEXT NOT NULL DEFAULT 'PENDING_VERIFICATION',
		user_id            TEXT NOT NULL DEFAULT '',
		description        TEXT NOT NULL DEFAULT '',
		image_url          TEXT NOT NULL,
		image_fingerprint  TEXT NOT NULL,
		fingerprint_bucket TEXT NOT NULL,
		latitude           DOUBLE PRECISION NOT NULL,
		longitude          DOUBLE PRECISION NOT NULL,
		address            TEXT,
		landmarks          JSONB,
		category           TEXT NOT NULL DEFAULT 'Uncategorized',
		severity           TEXT NOT NULL DEFAULT 'medium',
		rejection_reason   TEXT,
		duplicate_of       UUID REFERENCES reports(id),
		tracking_ref       TEXT,
		created_at         TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at         TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_reports_fingerprint_bucket ON reports (fingerprint_bucket)`,
	`CREATE INDEX IF NOT EXISTS idx_reports_status_created ON reports (status, created_at)`,
	`CREATE TABLE IF NOT EXISTS report_timeline (
		seq        BIGSERIAL PRIMARY KEY,
		report_id  UUID NOT NULL REFERENCES reports(id) ON DELETE CASCADE,
		event_type TEXT NOT NULL,
		message    TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_report_timeline_report ON report_timeline (report_id, seq)`,
}

// EnsureSchema creates the reports tables and indexes if they do not exist.
func EnsureSchema(ctx context.Context, db *sql.DB) error {
	for _, stmt := range schemaStatements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema statement: %w", err)
		}
	}
	return nil
}
