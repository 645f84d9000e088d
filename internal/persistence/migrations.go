package persistence

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"

	"forgeloop/internal/logging"
)

// migration is one idempotent schema step, tracked by id and a checksum of
// its SQL so a changed migration (a programmer error) is caught rather
// than silently skipped — spec.md §4.1: "Migrations are idempotent,
// tracked by id and checksum in a reserved table."
type migration struct {
	id  string
	sql string
}

var migrations = []migration{
	{id: "0001_projects", sql: `
CREATE TABLE IF NOT EXISTS projects (
	id          TEXT PRIMARY KEY,
	name        TEXT NOT NULL,
	remote_url  TEXT NOT NULL DEFAULT '',
	root_path   TEXT NOT NULL,
	created_at  DATETIME NOT NULL,
	updated_at  DATETIME NOT NULL
);`},
	{id: "0002_tickets", sql: `
CREATE TABLE IF NOT EXISTS tickets (
	id                    TEXT PRIMARY KEY,
	project_id            TEXT NOT NULL REFERENCES projects(id),
	title                 TEXT NOT NULL,
	description           TEXT NOT NULL DEFAULT '',
	status                TEXT NOT NULL,
	priority              INTEGER NOT NULL DEFAULT 0,
	shard                 TEXT NOT NULL DEFAULT '',
	category              TEXT NOT NULL,
	allowed_paths         TEXT NOT NULL DEFAULT '[]',
	forbidden_paths       TEXT NOT NULL DEFAULT '[]',
	verification_commands TEXT NOT NULL DEFAULT '[]',
	max_retries           INTEGER NOT NULL DEFAULT 0,
	retry_count           INTEGER NOT NULL DEFAULT 0,
	next_retry_at         DATETIME,
	created_at            DATETIME NOT NULL,
	updated_at            DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_tickets_project_status ON tickets(project_id, status);`},
	{id: "0003_runs", sql: `
CREATE TABLE IF NOT EXISTS runs (
	id             TEXT PRIMARY KEY,
	type           TEXT NOT NULL,
	project_id     TEXT NOT NULL REFERENCES projects(id),
	ticket_id      TEXT NOT NULL DEFAULT '',
	status         TEXT NOT NULL,
	iteration      INTEGER NOT NULL DEFAULT 0,
	created_at     DATETIME NOT NULL,
	started_at     DATETIME,
	completed_at   DATETIME,
	terminal_error TEXT NOT NULL DEFAULT '',
	metadata       TEXT NOT NULL DEFAULT '{}',
	pr_url         TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_runs_project ON runs(project_id);
CREATE INDEX IF NOT EXISTS idx_runs_ticket ON runs(ticket_id);`},
	{id: "0004_run_steps", sql: `
CREATE TABLE IF NOT EXISTS run_steps (
	id           TEXT PRIMARY KEY,
	run_id       TEXT NOT NULL REFERENCES runs(id),
	attempt      INTEGER NOT NULL,
	ordinal      INTEGER NOT NULL,
	status       TEXT NOT NULL,
	command      TEXT NOT NULL,
	working_dir  TEXT NOT NULL DEFAULT '',
	timeout_ms   INTEGER NOT NULL DEFAULT 0,
	exit_code    INTEGER NOT NULL DEFAULT 0,
	stdout_path  TEXT NOT NULL DEFAULT '',
	stdout_size  INTEGER NOT NULL DEFAULT 0,
	stdout_tail  TEXT NOT NULL DEFAULT '',
	truncated    INTEGER NOT NULL DEFAULT 0,
	stderr_path  TEXT NOT NULL DEFAULT '',
	stderr_size  INTEGER NOT NULL DEFAULT 0,
	stderr_tail  TEXT NOT NULL DEFAULT '',
	skip_reason  TEXT NOT NULL DEFAULT '',
	started_at   DATETIME,
	ended_at     DATETIME
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_run_steps_ordinal ON run_steps(run_id, attempt, ordinal);`},
	{id: "0005_events", sql: `
CREATE TABLE IF NOT EXISTS events (
	id      TEXT PRIMARY KEY,
	run_id  TEXT NOT NULL,
	step    INTEGER NOT NULL,
	time    DATETIME NOT NULL,
	type    TEXT NOT NULL,
	payload TEXT NOT NULL DEFAULT '{}'
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_events_run_step ON events(run_id, step);`},
}

func runMigrations(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS schema_migrations (
	id       TEXT PRIMARY KEY,
	checksum TEXT NOT NULL,
	applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	for _, m := range migrations {
		checksum := checksumOf(m.sql)

		var existing string
		err := db.QueryRowContext(ctx, `SELECT checksum FROM schema_migrations WHERE id = ?`, m.id).Scan(&existing)
		switch {
		case err == sql.ErrNoRows:
			if _, execErr := db.ExecContext(ctx, m.sql); execErr != nil {
				return fmt.Errorf("apply migration %s: %w", m.id, execErr)
			}
			if _, execErr := db.ExecContext(ctx,
				`INSERT INTO schema_migrations (id, checksum) VALUES (?, ?)`, m.id, checksum); execErr != nil {
				return fmt.Errorf("record migration %s: %w", m.id, execErr)
			}
			logging.PersistenceDebug("applied migration %s", m.id)
		case err != nil:
			return fmt.Errorf("check migration %s: %w", m.id, err)
		case existing != checksum:
			return fmt.Errorf("migration %s checksum mismatch: recorded %s, current %s — migrations must never change after being applied", m.id, existing, checksum)
		default:
			logging.PersistenceDebug("migration %s already applied", m.id)
		}
	}
	return nil
}

func checksumOf(sqlText string) string {
	sum := sha256.Sum256([]byte(sqlText))
	return hex.EncodeToString(sum[:])
}
