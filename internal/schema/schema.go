// Package schema is the storage engine behind each shard and the legacy
// monolithic store: a SQLite database with a fixed four-table schema for
// page change records and their derived training data. The routing and
// migration layers treat it as an opaque collaborator offering
// create-if-absent, insert-or-skip, key scans, and batched reads.
package schema

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

// InitDB creates the fixed schema. All statements run in one transaction
// and use IF NOT EXISTS, so calling it on an initialized database is a
// no-op.
func InitDB(db *sql.DB) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := createTables(tx); err != nil {
		return fmt.Errorf("create tables: %w", err)
	}
	if err := createIndexes(tx); err != nil {
		return fmt.Errorf("create indexes: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// createTables creates all tables of the changelog schema.
func createTables(tx *sql.Tx) error {
	tables := []string{
		// Page change records. page_id is the natural key; the UNIQUE
		// constraint is the final authority against duplicates.
		`CREATE TABLE IF NOT EXISTS entries (
			id              INTEGER PRIMARY KEY AUTOINCREMENT,
			title           TEXT NOT NULL,
			page_id         TEXT NOT NULL UNIQUE,
			revision_id     TEXT NOT NULL,
			timestamp       TEXT NOT NULL,
			content_hash    TEXT NOT NULL,
			action          TEXT NOT NULL,
			is_revision     BOOLEAN NOT NULL,
			parent_id       TEXT,
			revision_number INTEGER,
			FOREIGN KEY (parent_id) REFERENCES entries (page_id)
		)`,

		// Training state per entry.
		`CREATE TABLE IF NOT EXISTS training_metadata (
			id                 INTEGER PRIMARY KEY AUTOINCREMENT,
			entry_id           INTEGER NOT NULL,
			used_in_training   BOOLEAN NOT NULL DEFAULT 0,
			training_timestamp TEXT,
			model_checkpoint   TEXT,
			average_loss       REAL,
			relative_loss      REAL,
			FOREIGN KEY (entry_id) REFERENCES entries (id) ON DELETE CASCADE
		)`,

		// Derived token impact summary per trained entry.
		`CREATE TABLE IF NOT EXISTS token_impacts (
			id           INTEGER PRIMARY KEY AUTOINCREMENT,
			metadata_id  INTEGER NOT NULL,
			total_tokens INTEGER NOT NULL,
			FOREIGN KEY (metadata_id) REFERENCES training_metadata (id) ON DELETE CASCADE
		)`,

		// High-impact tokens with context windows.
		`CREATE TABLE IF NOT EXISTS top_tokens (
			id              INTEGER PRIMARY KEY AUTOINCREMENT,
			token_impact_id INTEGER NOT NULL,
			token_id        INTEGER NOT NULL,
			position        INTEGER NOT NULL,
			impact          REAL NOT NULL,
			context_start   INTEGER NOT NULL,
			context_end     INTEGER NOT NULL,
			FOREIGN KEY (token_impact_id) REFERENCES token_impacts (id) ON DELETE CASCADE
		)`,
	}

	for _, ddl := range tables {
		if _, err := tx.Exec(ddl); err != nil {
			return err
		}
	}
	return nil
}

// createIndexes creates the query indexes.
func createIndexes(tx *sql.Tx) error {
	indexes := []string{
		`CREATE INDEX IF NOT EXISTS idx_entries_page_id ON entries (page_id)`,
		`CREATE INDEX IF NOT EXISTS idx_entries_parent_id ON entries (parent_id)`,
		`CREATE INDEX IF NOT EXISTS idx_training_metadata_entry_id ON training_metadata (entry_id)`,
		`CREATE INDEX IF NOT EXISTS idx_token_impacts_metadata_id ON token_impacts (metadata_id)`,
		`CREATE INDEX IF NOT EXISTS idx_top_tokens_token_impact_id ON top_tokens (token_impact_id)`,
	}

	for _, ddl := range indexes {
		if _, err := tx.Exec(ddl); err != nil {
			return err
		}
	}
	return nil
}

// OpenDB opens a SQLite database connection with the standard pragmas.
func OpenDB(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// One connection per file: shards have a single writer and per-file
	// locking is the only locking discipline in this layer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	pragmas := []string{
		"PRAGMA foreign_keys = ON",
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("%s: %w", p, err)
		}
	}

	return db, nil
}
