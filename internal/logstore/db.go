// Package logstore provides persistent storage for pipeline run and stage
// history. Uses pure-Go SQLite (modernc.org/sqlite) — no cgo required.
package logstore

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// DB wraps an SQLite database for pipeline run history.
type DB struct {
	db *sql.DB
}

// Open opens (or creates) the SQLite database at the given path.
func Open(dbPath string) (*DB, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0700); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	ldb := &DB{db: db}
	if err := ldb.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return ldb, nil
}

// Close closes the database.
func (d *DB) Close() error {
	return d.db.Close()
}

func (d *DB) migrate() error {
	_, err := d.db.Exec(`
		CREATE TABLE IF NOT EXISTS runs (
			id              INTEGER PRIMARY KEY AUTOINCREMENT,
			name            TEXT NOT NULL,
			success         INTEGER NOT NULL DEFAULT 0,
			final_text      TEXT NOT NULL DEFAULT '',
			stage_count     INTEGER NOT NULL DEFAULT 0,
			input_tokens    INTEGER NOT NULL DEFAULT 0,
			output_tokens   INTEGER NOT NULL DEFAULT 0,
			cost_usd        REAL NOT NULL DEFAULT 0,
			started_at      TEXT NOT NULL,
			finished_at     TEXT NOT NULL DEFAULT ''
		);
		CREATE TABLE IF NOT EXISTS stages (
			id              INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id          INTEGER NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
			idx             INTEGER NOT NULL,
			box_name        TEXT NOT NULL,
			kind            TEXT NOT NULL DEFAULT 'single',
			is_error        INTEGER NOT NULL DEFAULT 0,
			error_message   TEXT NOT NULL DEFAULT '',
			result_text     TEXT NOT NULL DEFAULT '',
			duration_ms     INTEGER NOT NULL DEFAULT 0,
			input_tokens    INTEGER NOT NULL DEFAULT 0,
			output_tokens   INTEGER NOT NULL DEFAULT 0,
			cost_usd        REAL NOT NULL DEFAULT 0,
			tool_calls      INTEGER NOT NULL DEFAULT 0
		);
		CREATE INDEX IF NOT EXISTS idx_stages_run_id ON stages(run_id);
	`)
	return err
}
