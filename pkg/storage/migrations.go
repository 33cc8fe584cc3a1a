package storage

import (
	"database/sql"
	"fmt"

	"github.com/sema4ai/actionserver/pkg/types"
)

// migration is one ordered, idempotent schema step
type migration struct {
	version int
	sql     string
}

// migrations must stay append-only; released versions are never edited
var migrations = []migration{
	{
		version: 1,
		sql: `
CREATE TABLE IF NOT EXISTS action_package (
	id                 TEXT PRIMARY KEY,
	name               TEXT NOT NULL,
	directory          TEXT NOT NULL,
	env_hash           TEXT NOT NULL,
	external_endpoints TEXT NOT NULL DEFAULT '[]',
	required_secrets   TEXT NOT NULL DEFAULT '[]',
	enabled            INTEGER NOT NULL DEFAULT 1,
	created_at         INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS action (
	id             TEXT PRIMARY KEY,
	package_id     TEXT NOT NULL REFERENCES action_package(id),
	name           TEXT NOT NULL,
	display_name   TEXT NOT NULL DEFAULT '',
	input_schema   TEXT NOT NULL DEFAULT '{}',
	output_schema  TEXT NOT NULL DEFAULT '{}',
	managed_params TEXT NOT NULL DEFAULT '{}',
	consequential  INTEGER NOT NULL DEFAULT 0,
	source_file    TEXT NOT NULL DEFAULT '',
	source_line    INTEGER NOT NULL DEFAULT 0,
	kind           TEXT NOT NULL DEFAULT 'action',
	version        INTEGER NOT NULL DEFAULT 1,
	enabled        INTEGER NOT NULL DEFAULT 1,
	UNIQUE (package_id, name)
);

CREATE TABLE IF NOT EXISTS run (
	id           TEXT PRIMARY KEY,
	action_id    TEXT NOT NULL,
	package_name TEXT NOT NULL,
	action_name  TEXT NOT NULL,
	status       TEXT NOT NULL,
	run_number   INTEGER NOT NULL,
	artifact_dir TEXT NOT NULL DEFAULT '',
	input        BLOB,
	result       BLOB,
	error        TEXT NOT NULL DEFAULT '',
	request_id   TEXT,
	callback_url TEXT NOT NULL DEFAULT '',
	created_at   INTEGER NOT NULL,
	started_at   INTEGER,
	finished_at  INTEGER
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_run_request_id
	ON run(action_id, request_id) WHERE request_id IS NOT NULL;
CREATE INDEX IF NOT EXISTS idx_run_created ON run(created_at, id);
CREATE INDEX IF NOT EXISTS idx_run_status ON run(status);

CREATE TABLE IF NOT EXISTS counter (
	scope TEXT PRIMARY KEY,
	value INTEGER NOT NULL
);
`,
	},
}

// maxSchemaVersion is the newest schema this binary understands
func maxSchemaVersion() int {
	return migrations[len(migrations)-1].version
}

// migrate brings the database up to the binary's schema version. A
// database written by a newer binary is refused with ErrDbFromFuture.
func migrate(db *sql.DB) error {
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (version INTEGER NOT NULL)`); err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	var current int
	err := db.QueryRow(`SELECT COALESCE(MAX(version), 0) FROM schema_version`).Scan(&current)
	if err != nil {
		return fmt.Errorf("reading schema version: %w", err)
	}

	if current > maxSchemaVersion() {
		return types.NewError(types.ErrDbFromFuture,
			"database schema version %d is newer than supported version %d; upgrade the server",
			current, maxSchemaVersion())
	}

	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		tx, err := db.Begin()
		if err != nil {
			return fmt.Errorf("beginning migration %d: %w", m.version, err)
		}
		if _, err := tx.Exec(m.sql); err != nil {
			tx.Rollback()
			return fmt.Errorf("applying migration %d: %w", m.version, err)
		}
		if _, err := tx.Exec(`DELETE FROM schema_version`); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %d: %w", m.version, err)
		}
		if _, err := tx.Exec(`INSERT INTO schema_version (version) VALUES (?)`, m.version); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %d: %w", m.version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %d: %w", m.version, err)
		}
	}
	return nil
}
