package db

import (
	"fmt"
	"strings"

	"gorm.io/gorm"
)

// Statements use {{ts}} and {{json}} for the column types that differ between the
// sqlite and postgres dialects.
var migrationStatements = []string{
	`CREATE TABLE IF NOT EXISTS recordings (
		id                  TEXT PRIMARY KEY,
		camera_id           TEXT NOT NULL,
		event_id            TEXT,
		event_type          TEXT NOT NULL,
		plate_number        TEXT,
		local_path          TEXT,
		thumbnail_path      TEXT,
		remote_path         TEXT,
		archive_key         TEXT,
		portal_recording_id TEXT,
		file_size_bytes     BIGINT NOT NULL DEFAULT 0,
		duration_seconds    INTEGER NOT NULL DEFAULT 0,
		uploaded            BOOLEAN NOT NULL DEFAULT FALSE,
		metadata            {{json}},
		recorded_at         {{ts}} NOT NULL,
		created_at          {{ts}} NOT NULL
	);`,
	`CREATE INDEX IF NOT EXISTS idx_recordings_recorded_at ON recordings(recorded_at);`,
	`CREATE INDEX IF NOT EXISTS idx_recordings_camera_id ON recordings(camera_id);`,
	`CREATE INDEX IF NOT EXISTS idx_recordings_uploaded ON recordings(uploaded);`,
}

func dialectStatement(stmt, driver string) string {
	ts, js := "DATETIME", "TEXT"
	if driver == DriverPostgres {
		ts, js = "TIMESTAMPTZ", "JSONB"
	}
	return strings.NewReplacer("{{ts}}", ts, "{{json}}", js).Replace(stmt)
}

func runMigrations(db *gorm.DB, driver string) error {
	for i, stmt := range migrationStatements {
		if err := db.Exec(dialectStatement(stmt, driver)).Error; err != nil {
			return fmt.Errorf("migration %d failed: %w", i+1, err)
		}
	}
	return nil
}
