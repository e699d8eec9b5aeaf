package storage

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

var migrations = []string{
	`
CREATE TABLE IF NOT EXISTS devices (
  id          TEXT PRIMARY KEY,
  name        TEXT NOT NULL,
  os          TEXT NOT NULL DEFAULT 'Unknown',
  version     TEXT NOT NULL DEFAULT 'Unknown',
  ip_address  TEXT NOT NULL,
  uuid        BLOB,
  public_key  BLOB,
  last_online INTEGER NOT NULL,
  owner_id    TEXT NOT NULL DEFAULT 'system',
  enabled     INTEGER NOT NULL DEFAULT 1
);
`,
	`
CREATE TABLE IF NOT EXISTS users (
  id                    TEXT PRIMARY KEY,
  username              TEXT UNIQUE NOT NULL,
  password_hash         TEXT NOT NULL,
  email                 TEXT,
  role                  TEXT NOT NULL CHECK(role IN ('SuperAdmin','Admin','User','ReadOnly')),
  enabled               INTEGER NOT NULL DEFAULT 1,
  created_at            INTEGER NOT NULL,
  last_login            INTEGER,
  failed_login_attempts INTEGER NOT NULL DEFAULT 0,
  locked_until          INTEGER
);
`,
	`
CREATE TABLE IF NOT EXISTS audit_log (
  id         INTEGER PRIMARY KEY AUTOINCREMENT,
  user_id    TEXT NOT NULL,
  device_id  TEXT NOT NULL,
  action     TEXT NOT NULL,
  details    TEXT,
  ip_address TEXT NOT NULL,
  timestamp  INTEGER NOT NULL,
  success    INTEGER NOT NULL
);
`,
	`
CREATE INDEX IF NOT EXISTS idx_audit_log_device_time
ON audit_log (device_id, timestamp);
`,
	`
CREATE INDEX IF NOT EXISTS idx_devices_last_online
ON devices (last_online);
`,
}

// DB is the persistent device registry, user store, and audit trail. Every
// call is best-effort from the rendezvous protocol's perspective: a failed
// write never blocks or fails a protocol reply.
type DB struct {
	conn *sql.DB
}

// Open opens (or creates) the sqlite database at path and applies migrations.
func Open(path string) (*DB, error) {
	conn, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open database %s: %w", path, err)
	}
	// sqlite allows a single writer; serialize all access through one conn.
	conn.SetMaxOpenConns(1)

	for i, stmt := range migrations {
		if _, err := conn.Exec(stmt); err != nil {
			conn.Close()
			return nil, fmt.Errorf("apply migration %d: %w", i, err)
		}
	}
	return &DB{conn: conn}, nil
}

// Close closes the underlying connection.
func (db *DB) Close() error {
	return db.conn.Close()
}

func toUnix(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}

func fromUnix(v sql.NullInt64) time.Time {
	if !v.Valid || v.Int64 == 0 {
		return time.Time{}
	}
	return time.Unix(v.Int64, 0)
}
