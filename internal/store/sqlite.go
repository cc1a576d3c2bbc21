// Package store provides SQLite-based persistence for the replicated
// registry state: agents, feedback entries, validation requests, and the
// feed cursor that records how far ingestion has progressed.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
)

// Schema for the trustregd registry store.
//
// feedback.seq and validation_requests.seq give a global insertion order
// (the feed applies events in chain order, so seq order is chain order).
const schema = `
CREATE TABLE IF NOT EXISTS agents (
    id               INTEGER PRIMARY KEY,
    owner            BLOB NOT NULL,
    uri              TEXT NOT NULL,
    wallet           BLOB,
    registered_block INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_agents_owner ON agents(owner);

CREATE TABLE IF NOT EXISTS feedback (
    seq             INTEGER PRIMARY KEY AUTOINCREMENT,
    agent_id        INTEGER NOT NULL REFERENCES agents(id),
    client          BLOB NOT NULL,
    idx             INTEGER NOT NULL,
    value           TEXT NOT NULL,
    value_decimals  INTEGER NOT NULL,
    tag1            TEXT NOT NULL DEFAULT '',
    tag2            TEXT NOT NULL DEFAULT '',
    endpoint        TEXT NOT NULL DEFAULT '',
    feedback_uri    TEXT NOT NULL DEFAULT '',
    feedback_hash   BLOB NOT NULL,
    revoked         INTEGER NOT NULL DEFAULT 0,
    has_response    INTEGER NOT NULL DEFAULT 0,
    response_uri    TEXT NOT NULL DEFAULT '',
    response_hash   BLOB NOT NULL,
    block           INTEGER NOT NULL,
    UNIQUE (agent_id, client, idx)
);

CREATE INDEX IF NOT EXISTS idx_feedback_agent ON feedback(agent_id, seq);
CREATE INDEX IF NOT EXISTS idx_feedback_tag1 ON feedback(agent_id, tag1);

CREATE TABLE IF NOT EXISTS validation_requests (
    seq             INTEGER PRIMARY KEY AUTOINCREMENT,
    request_hash    BLOB NOT NULL UNIQUE,
    validator       BLOB NOT NULL,
    agent_id        INTEGER NOT NULL,
    request_uri     TEXT NOT NULL DEFAULT '',
    status          INTEGER NOT NULL DEFAULT 0,
    response        INTEGER NOT NULL DEFAULT 0,
    response_uri    TEXT NOT NULL DEFAULT '',
    response_hash   BLOB NOT NULL,
    tag             TEXT NOT NULL DEFAULT '',
    last_update     INTEGER NOT NULL,
    block           INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_validation_agent ON validation_requests(agent_id, seq);
CREATE INDEX IF NOT EXISTS idx_validation_validator ON validation_requests(validator, seq);

CREATE TABLE IF NOT EXISTS feed_cursor (
    id           INTEGER PRIMARY KEY CHECK (id = 1),
    block        INTEGER NOT NULL,
    log_index    INTEGER NOT NULL,
    segment      TEXT NOT NULL DEFAULT '',
    updated_at   INTEGER NOT NULL
);
`

// querier is the subset of database/sql shared by *sql.DB and *sql.Tx,
// so the same statement helpers serve both direct and transactional use.
type querier interface {
	Exec(query string, args ...any) (sql.Result, error)
	Query(query string, args ...any) (*sql.Rows, error)
	QueryRow(query string, args ...any) *sql.Row
}

// Store is the SQLite registry store.
type Store struct {
	db *sql.DB
}

// Tx is a single registry transaction. All writes performed through a Tx
// become visible atomically on Commit; readers on the Store never observe
// a partially applied transaction.
type Tx struct {
	tx *sql.Tx
}

// Backend is the store surface the semantic layers operate on. Both
// *Store (autocommit) and *Tx (one feed block per transaction) satisfy it.
type Backend interface {
	agentBackend
	feedbackBackend
	validationBackend
}

// Open opens or creates the SQLite database at the given path and applies
// the schema.
func Open(path string) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Ping verifies the database connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// InTx runs fn inside a single transaction. The transaction is rolled back
// if fn returns an error and committed otherwise.
func (s *Store) InTx(fn func(tx *Tx) error) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(&Tx{tx: tx}); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}
