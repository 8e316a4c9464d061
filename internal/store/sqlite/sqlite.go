// Package sqlite implements the relay store on SQLite.
//
// It backs single-host deployments (relay server and desktop on one
// machine) and the test suite. The claim is a conditional UPDATE ...
// RETURNING, so it is atomic across every connection to the same file.
package sqlite

import (
	"database/sql"
	"fmt"
	"net/url"
	"strings"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite" // Pure-Go SQLite driver
)

// Store implements store.Store on a SQLite database.
type Store struct {
	log zerolog.Logger
	db  *sql.DB
}

// Open opens (or creates) the database at path and runs migrations.
// path may be ":memory:" for a private in-memory database.
func Open(path string, log zerolog.Logger) (*Store, error) {
	db, err := sql.Open("sqlite", dsn(path))
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// One writer at a time. SQLite serializes writers anyway and a single
	// connection keeps an in-memory database alive across calls.
	db.SetMaxOpenConns(1)

	if path != ":memory:" {
		if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("enable WAL: %w", err)
		}
	}

	if err := runMigrations(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &Store{
		log: log.With().Str("component", "store").Str("driver", "sqlite").Logger(),
		db:  db,
	}, nil
}

// DB exposes the underlying handle (for tests and tooling).
func (s *Store) DB() *sql.DB {
	return s.db
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func dsn(path string) string {
	q := url.Values{}
	q.Add("_pragma", "busy_timeout(5000)")
	q.Set("_time_format", "sqlite")
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return "file:" + path + sep + q.Encode()
}

// runMigrations creates or updates the schema.
func runMigrations(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS remote_commands (
		id                  TEXT PRIMARY KEY,
		user_id             TEXT NOT NULL,
		command_type        TEXT NOT NULL,
		command_text        TEXT,
		script_id           TEXT,
		mode                TEXT,
		desktop_instance_id TEXT,
		status              TEXT NOT NULL DEFAULT 'pending',
		device_info         TEXT,
		claimed_by          TEXT,
		created_at          DATETIME NOT NULL,
		executed_at         DATETIME,
		completed_at        DATETIME,
		result_message      TEXT,
		error_message       TEXT,
		result_data         TEXT,
		CHECK (command_type IN ('chat', 'ai', 'agent', 'manual', 'script')),
		CHECK (status IN ('pending', 'executing', 'completed', 'failed'))
	);
	CREATE INDEX IF NOT EXISTS idx_remote_commands_pending ON remote_commands(user_id, status, created_at);
	CREATE INDEX IF NOT EXISTS idx_remote_commands_executing ON remote_commands(status, executed_at);

	CREATE TABLE IF NOT EXISTS chat_responses (
		id         TEXT PRIMARY KEY,
		user_id    TEXT NOT NULL,
		command_id TEXT NOT NULL,
		message    TEXT NOT NULL,
		created_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_chat_responses_command ON chat_responses(command_id);

	CREATE TABLE IF NOT EXISTS scripts (
		id            TEXT PRIMARY KEY,
		user_id       TEXT NOT NULL,
		name          TEXT NOT NULL,
		description   TEXT,
		commands      TEXT NOT NULL DEFAULT '[]',
		is_active     INTEGER NOT NULL DEFAULT 1,
		usage_count   INTEGER NOT NULL DEFAULT 0,
		last_executed DATETIME,
		created_at    DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS desktop_instances (
		instance_id  TEXT PRIMARY KEY,
		user_id      TEXT NOT NULL,
		device_name  TEXT,
		platform     TEXT,
		arch         TEXT,
		version      TEXT,
		last_seen_at DATETIME NOT NULL,
		is_active    INTEGER NOT NULL DEFAULT 1,
		created_at   DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_desktop_instances_user ON desktop_instances(user_id);
	`

	_, err := db.Exec(schema)
	return err
}

// ═══════════════════════════════════════════════════════════════════════════
// HELPERS
// ═══════════════════════════════════════════════════════════════════════════

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullJSON(raw []byte) sql.NullString {
	if len(raw) == 0 || string(raw) == "null" {
		return sql.NullString{}
	}
	return sql.NullString{String: string(raw), Valid: true}
}
