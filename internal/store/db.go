// Package store persists the registry state in SQLite: notes, links, user
// link overrides and the serialized vector graph.
package store

import (
	"database/sql"
	"fmt"
	"log/slog"

	_ "github.com/mattn/go-sqlite3"
)

// schemaVersion is bumped whenever a table layout changes incompatibly.
const schemaVersion = "1"

const schemaSQL = `
CREATE TABLE IF NOT EXISTS notes (
	id           TEXT PRIMARY KEY,
	seq          INTEGER NOT NULL,
	title        TEXT NOT NULL DEFAULT '',
	body         TEXT NOT NULL DEFAULT '',
	text         TEXT NOT NULL DEFAULT '',
	concepts     TEXT NOT NULL DEFAULT '[]',
	embedding    BLOB,
	content_hash TEXT NOT NULL DEFAULT '',
	updated_at   DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS links (
	source  TEXT NOT NULL,
	target  TEXT NOT NULL,
	reason  TEXT NOT NULL,
	score   REAL NOT NULL,
	cosine  REAL NOT NULL,
	overlap REAL NOT NULL,
	UNIQUE(source, target)
);

CREATE INDEX IF NOT EXISTS idx_links_target ON links(target);

CREATE TABLE IF NOT EXISTS overrides (
	source        TEXT NOT NULL,
	target        TEXT NOT NULL,
	content_hash  TEXT NOT NULL,
	source_vector BLOB,
	target_vector BLOB,
	created_at    DATETIME NOT NULL,
	UNIQUE(source, target)
);

CREATE TABLE IF NOT EXISTS blobs (
	name TEXT PRIMARY KEY,
	data BLOB NOT NULL
);

CREATE TABLE IF NOT EXISTS meta (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
`

// DB wraps a sql.DB with persistence operations.
type DB struct {
	conn   *sql.DB
	logger *slog.Logger
}

// Option configures a DB.
type Option func(*DB)

// WithLogger sets the logger used for recoverable load problems.
func WithLogger(l *slog.Logger) Option {
	return func(db *DB) { db.logger = l }
}

// Open opens (or creates) the SQLite database and applies the schema.
func Open(dsn string, opts ...Option) (*DB, error) {
	conn, err := sql.Open("sqlite3", dsn+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("store: open db: %w", err)
	}
	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}
	if _, err := conn.Exec(schemaSQL); err != nil {
		conn.Close()
		return nil, fmt.Errorf("store: apply schema: %w", err)
	}
	if _, err := conn.Exec(`INSERT OR IGNORE INTO meta (key, value) VALUES ('schema_version', ?)`, schemaVersion); err != nil {
		conn.Close()
		return nil, fmt.Errorf("store: record schema version: %w", err)
	}
	db := &DB{conn: conn, logger: slog.Default()}
	for _, o := range opts {
		o(db)
	}
	return db, nil
}

// Close closes the underlying database connection.
func (db *DB) Close() error {
	return db.conn.Close()
}

// Ping checks the connection, for readiness probes.
func (db *DB) Ping() error {
	return db.conn.Ping()
}
