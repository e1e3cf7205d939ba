// Package store persists pairing requests, the approved-sender allowlist and
// inbound session records in a local SQLite database.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
)

// Config configures the SQLite database.
type Config struct {
	// Path is the database file (default: "./data/inlineclaw.db").
	Path string `yaml:"path" env:"INLINECLAW_DB_PATH"`

	// JournalMode is the SQLite journal mode (default: WAL).
	JournalMode string `yaml:"journal_mode"`

	// BusyTimeout in milliseconds (default: 5000).
	BusyTimeout int `yaml:"busy_timeout"`
}

// DefaultConfig returns the default database configuration.
func DefaultConfig() Config {
	return Config{
		Path:        "./data/inlineclaw.db",
		JournalMode: "WAL",
		BusyTimeout: 5000,
	}
}

// Open opens or creates the database and applies the schema.
func Open(cfg Config) (*sql.DB, error) {
	def := DefaultConfig()
	if cfg.Path == "" {
		cfg.Path = def.Path
	}
	if cfg.JournalMode == "" {
		cfg.JournalMode = def.JournalMode
	}
	if cfg.BusyTimeout == 0 {
		cfg.BusyTimeout = def.BusyTimeout
	}

	dir := filepath.Dir(cfg.Path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create database directory %q: %w", dir, err)
	}

	dsn := fmt.Sprintf("%s?_journal_mode=%s&_busy_timeout=%d", cfg.Path, cfg.JournalMode, cfg.BusyTimeout)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database %q: %w", cfg.Path, err)
	}
	// One writer keeps upserts inside a transaction from racing each other.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return db, nil
}

const schema = `
CREATE TABLE IF NOT EXISTS pairing_requests (
    id           TEXT PRIMARY KEY,
    channel      TEXT NOT NULL,
    sender_id    TEXT NOT NULL,
    code         TEXT NOT NULL UNIQUE,
    meta         TEXT NOT NULL DEFAULT '{}',
    created_at   TEXT NOT NULL,
    last_seen_at TEXT NOT NULL,
    UNIQUE (channel, sender_id)
);
CREATE INDEX IF NOT EXISTS idx_pairing_requests_created ON pairing_requests(created_at);

CREATE TABLE IF NOT EXISTS allow_from (
    channel  TEXT NOT NULL,
    entry    TEXT NOT NULL,
    added_by TEXT NOT NULL DEFAULT '',
    added_at TEXT NOT NULL,
    PRIMARY KEY (channel, entry)
);

CREATE TABLE IF NOT EXISTS inbound_sessions (
    session_key        TEXT PRIMARY KEY,
    id                 TEXT NOT NULL,
    agent_id           TEXT NOT NULL,
    account_id         TEXT NOT NULL DEFAULT '',
    channel            TEXT NOT NULL,
    chat_type          TEXT NOT NULL,
    peer_id            TEXT NOT NULL,
    sender_id          TEXT NOT NULL DEFAULT '',
    conversation_label TEXT NOT NULL DEFAULT '',
    last_message_id    TEXT NOT NULL DEFAULT '',
    message_count      INTEGER NOT NULL DEFAULT 0,
    created_at         TEXT NOT NULL,
    updated_at         TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS session_routes (
    session_key TEXT PRIMARY KEY,
    channel     TEXT NOT NULL,
    to_id       TEXT NOT NULL,
    account_id  TEXT NOT NULL DEFAULT '',
    updated_at  TEXT NOT NULL
);
`
