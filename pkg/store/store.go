// Package store persists the trust registry, tez records, the federation
// dedup ledger and the outbox in sqlite. The UNIQUE constraint on
// federated_tez.bundle_hash is the cross-request replay defense: two
// requests racing on the same bundle have exactly one win the insert.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// ErrDuplicateBundle is returned when a bundle hash has already been
// recorded; callers treat it as already-delivered, not as a failure.
var ErrDuplicateBundle = errors.New("duplicate bundle")

// Store wraps the sqlite database.
type Store struct {
	db *sql.DB
}

// Open opens the DB at path, creates the parent dir if needed, runs migrations.
func Open(path string) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}
	conn, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	if _, err := conn.Exec(schema); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate schema: %w", err)
	}
	return &Store{db: conn}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the raw handle for migrations and tests.
func (s *Store) DB() *sql.DB {
	return s.db
}

func toUnix(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}

func fromUnix(f float64) time.Time {
	return time.Unix(0, int64(f*1e9))
}

const schema = `
PRAGMA journal_mode=WAL;

CREATE TABLE IF NOT EXISTS federated_servers (
  host TEXT PRIMARY KEY,
  server_id TEXT NOT NULL,
  public_key TEXT NOT NULL,
  trust_level TEXT NOT NULL,
  protocol_version TEXT NOT NULL DEFAULT '1.0',
  display_name TEXT,
  metadata_json TEXT,
  first_seen_at REAL NOT NULL,
  last_seen_at REAL NOT NULL
);

CREATE TABLE IF NOT EXISTS users (
  id TEXT PRIMARY KEY,
  username TEXT UNIQUE NOT NULL,
  display_name TEXT
);

CREATE TABLE IF NOT EXISTS tez (
  id TEXT PRIMARY KEY,
  from_address TEXT NOT NULL,
  surface_text TEXT NOT NULL,
  created_at REAL NOT NULL
);

CREATE TABLE IF NOT EXISTS tez_context (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  tez_id TEXT NOT NULL,
  position INTEGER NOT NULL,
  kind TEXT NOT NULL,
  content TEXT NOT NULL,
  FOREIGN KEY (tez_id) REFERENCES tez(id)
);
CREATE INDEX IF NOT EXISTS idx_context_tez ON tez_context(tez_id, position);

CREATE TABLE IF NOT EXISTS tez_recipients (
  tez_id TEXT NOT NULL,
  user_id TEXT NOT NULL,
  address TEXT NOT NULL,
  delivered_at REAL NOT NULL,
  PRIMARY KEY (tez_id, user_id)
);

CREATE TABLE IF NOT EXISTS federated_tez (
  id TEXT PRIMARY KEY,
  local_tez_id TEXT NOT NULL,
  remote_tez_id TEXT,
  remote_host TEXT NOT NULL,
  direction TEXT NOT NULL,
  bundle_hash TEXT UNIQUE NOT NULL,
  federated_at REAL NOT NULL
);

CREATE TABLE IF NOT EXISTS outbox (
  id TEXT PRIMARY KEY,
  tez_id TEXT NOT NULL,
  target_host TEXT NOT NULL,
  bundle_json BLOB NOT NULL,
  status TEXT NOT NULL,
  last_error TEXT,
  created_at REAL NOT NULL,
  updated_at REAL NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_outbox_status ON outbox(status);
`
