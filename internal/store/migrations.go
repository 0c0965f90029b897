package store

import (
	"context"
	"database/sql"
)

// schema contains the DDL for the persistence gateway's tables,
// indices, and the materialized-view-equivalent summary tables
// (§4.1). Each statement uses IF NOT EXISTS for idempotency — schema
// bootstrap must be safe to run on every startup.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS builds (
		name          TEXT NOT NULL,
		number        INTEGER NOT NULL,
		guid          TEXT NOT NULL DEFAULT '',
		queued_at     INTEGER NOT NULL,
		started_at    INTEGER,
		completed_at  INTEGER,
		result        TEXT,
		parent_job    TEXT,
		parent_build  INTEGER,
		node          TEXT,
		reason        TEXT NOT NULL DEFAULT '',
		output        BLOB,
		output_len    INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (name, number)
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_builds_name_number_desc ON builds(name, number DESC)`,
	`CREATE INDEX IF NOT EXISTS idx_builds_completed_at_desc ON builds(completed_at DESC)`,
	`CREATE INDEX IF NOT EXISTS idx_builds_name_result ON builds(name) WHERE result IS NOT NULL`,

	`CREATE TABLE IF NOT EXISTS artifacts (
		name     TEXT NOT NULL,
		number   INTEGER NOT NULL,
		filename TEXT NOT NULL,
		filesize INTEGER NOT NULL,
		UNIQUE (name, number, filename),
		FOREIGN KEY (name, number) REFERENCES builds(name, number)
	)`,

	// view_* tables emulate the six materialised views §4.1 requires.
	// SQLite has no CREATE MATERIALIZED VIEW; these are ordinary
	// tables, refreshed by RefreshViews inside the same transaction
	// as the completion UPDATE (see DESIGN.md).
	`CREATE TABLE IF NOT EXISTS view_build_time_changes (
		name TEXT PRIMARY KEY,
		prev_duration INTEGER,
		last_duration INTEGER
	)`,
	`CREATE TABLE IF NOT EXISTS view_builds_per_day (
		day TEXT PRIMARY KEY,
		count INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS view_low_pass_rates (
		name TEXT PRIMARY KEY,
		pass_rate REAL NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS view_time_per_job (
		name TEXT PRIMARY KEY,
		average_seconds REAL NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS view_result_changed (
		name TEXT PRIMARY KEY,
		last_success_number INTEGER,
		last_success_started INTEGER,
		last_failed_number INTEGER,
		last_failed_started INTEGER
	)`,
	`CREATE TABLE IF NOT EXISTS view_builds_per_job (
		name TEXT PRIMARY KEY,
		count_24h INTEGER NOT NULL
	)`,
}

// migrate executes schema DDL.
func migrate(ctx context.Context, db *sql.DB) error {
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}
