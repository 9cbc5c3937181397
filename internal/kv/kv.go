// Package kv is the persistent local key-value store, backed by a single SQLite file.
//
// Values are opaque strings. A byte quota bounds the total size of stored
// values; writes that would exceed it fail with fault.ErrQuotaExceeded and
// leave the previous value in place.
package kv

import (
	"database/sql"
	"errors"
	"fmt"

	_ "modernc.org/sqlite"

	"github.com/agentic-research/starfield/internal/fault"
)

// Keys used by the engine.
const (
	KeyCursor   = "starfield:cursor"
	KeySnapshot = "starfield:snapshot"
	KeyNavCache = "starfield:navcache"
)

// DefaultQuota approximates a browser origin's local storage budget.
const DefaultQuota = 5 << 20

// Store is safe for concurrent use.
type Store struct {
	db    *sql.DB
	path  string
	quota int64
}

// Open opens or creates the store at path. ":memory:" gives a private
// in-memory store. quota <= 0 disables the quota.
func Open(path string, quota int64) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open kv db %s: %w", path, err)
	}
	// A single connection keeps ":memory:" databases shared and serializes writers.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set journal mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA synchronous=NORMAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set synchronous: %w", err)
	}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS items (
		key   TEXT PRIMARY KEY,
		value TEXT NOT NULL
	)`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create items table: %w", err)
	}
	return &Store{db: db, path: path, quota: quota}, nil
}

// Path returns the database path.
func (s *Store) Path() string { return s.path }

// Quota returns the byte quota, or 0 when unlimited.
func (s *Store) Quota() int64 {
	if s.quota < 0 {
		return 0
	}
	return s.quota
}

// GetItem returns the value for key. ok is false when the key is absent.
func (s *Store) GetItem(key string) (value string, ok bool, err error) {
	err = s.db.QueryRow("SELECT value FROM items WHERE key = ?", key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get %s: %w", key, err)
	}
	return value, true, nil
}

// SetItem stores value under key. It fails with fault.ErrQuotaExceeded when
// the total stored bytes would exceed the quota.
func (s *Store) SetItem(key, value string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("set %s: begin: %w", key, err)
	}
	defer func() { _ = tx.Rollback() }()

	if s.quota > 0 {
		var others int64
		if err := tx.QueryRow(
			"SELECT COALESCE(SUM(length(CAST(value AS BLOB))), 0) FROM items WHERE key != ?", key,
		).Scan(&others); err != nil {
			return fmt.Errorf("set %s: measure: %w", key, err)
		}
		if need := others + int64(len(value)); need > s.quota {
			return fmt.Errorf("set %s: %d of %d bytes: %w", key, need, s.quota, fault.ErrQuotaExceeded)
		}
	}

	if _, err := tx.Exec(
		"INSERT INTO items (key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value",
		key, value,
	); err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("set %s: commit: %w", key, err)
	}
	return nil
}

// RemoveItem deletes key. Removing an absent key is not an error.
func (s *Store) RemoveItem(key string) error {
	if _, err := s.db.Exec("DELETE FROM items WHERE key = ?", key); err != nil {
		return fmt.Errorf("remove %s: %w", key, err)
	}
	return nil
}

// Size returns the total bytes of stored values.
func (s *Store) Size() (int64, error) {
	var n int64
	if err := s.db.QueryRow("SELECT COALESCE(SUM(length(CAST(value AS BLOB))), 0) FROM items").Scan(&n); err != nil {
		return 0, fmt.Errorf("measure: %w", err)
	}
	return n, nil
}

// Keys returns every stored key in lexical order.
func (s *Store) Keys() ([]string, error) {
	rows, err := s.db.Query("SELECT key FROM items ORDER BY key")
	if err != nil {
		return nil, fmt.Errorf("list keys: %w", err)
	}
	defer func() { _ = rows.Close() }()
	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}
