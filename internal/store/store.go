// Package store provides the durable local store for journal records.
//
// The store runs on embedded SQLite (ncruces/go-sqlite3) in WAL mode and
// owns every piece of persisted sync state:
//
//   - records:  records[owner_id][id] -> Record
//   - unsynced: unsynced[owner_id] -> ordered set of ids awaiting push
//   - cursors:  cursor[owner_id] -> opaque pull marker
//   - session:  the single active account bound to the store content
//
// A record's sync_state and its queue membership always change in the same
// transaction. Writes for an account other than the active one are refused,
// so data written under one account can never surface under another.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

var (
	// ErrNotFound is returned when a record does not exist for the active account.
	ErrNotFound = errors.New("record not found")

	// ErrNoActiveAccount is returned when a write arrives while no account is bound.
	ErrNoActiveAccount = errors.New("no active account")

	// ErrAccountMismatch is returned when a write or merge names an account
	// other than the active one. It is how a write racing a rebind is refused.
	ErrAccountMismatch = errors.New("record owner is not the active account")
)

// StorageError reports a failure of the persistence layer itself (disk,
// SQLite, serialization). Callers must treat it as unexpected: a swallowed
// StorageError is indistinguishable from data loss.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// IsStorageError reports whether err is (or wraps) a StorageError.
func IsStorageError(err error) bool {
	var se *StorageError
	return errors.As(err, &se)
}

func storageErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return &StorageError{Op: op, Err: err}
}

// Config holds configuration for the store.
type Config struct {
	// BusyTimeout is how long SQLite waits on a locked database.
	BusyTimeout time.Duration

	// Logger for store activity
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		BusyTimeout: 5 * time.Second,
		Logger:      log.New(os.Stderr, "[store] ", log.LstdFlags),
	}
}

// Store is the local record store. It is safe for concurrent use.
type Store struct {
	conn   *sql.DB
	path   string
	logger *log.Logger

	// mu gives Rebind exclusivity over every other operation. Everything
	// else holds the read side, so readers see fully-old or fully-new state.
	mu     sync.RWMutex
	active string
}

// Open opens (creating if needed) the store at path with default config.
//
// The caller MUST call Close() when done.
func Open(path string) (*Store, error) {
	return OpenWithConfig(path, DefaultConfig())
}

// OpenWithConfig opens the store with custom configuration.
func OpenWithConfig(path string, config *Config) (*Store, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Logger == nil {
		config.Logger = DefaultConfig().Logger
	}
	if config.BusyTimeout <= 0 {
		config.BusyTimeout = DefaultConfig().BusyTimeout
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, storageErr("open", fmt.Errorf("failed to create database directory: %w", err))
	}

	conn, err := sql.Open("sqlite3", "file:"+path)
	if err != nil {
		return nil, storageErr("open", err)
	}

	// One connection: every transaction is serialized, which is what keeps
	// read-modify-write sequences on a record atomic.
	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, storageErr("open", fmt.Errorf("failed to ping database: %w", err))
	}

	s := &Store{
		conn:   conn,
		path:   path,
		logger: config.Logger,
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		fmt.Sprintf("PRAGMA busy_timeout=%d", config.BusyTimeout.Milliseconds()),
		"PRAGMA foreign_keys=ON",
		"PRAGMA synchronous=NORMAL",
	}
	for _, pragma := range pragmas {
		if _, err := conn.Exec(pragma); err != nil {
			_ = conn.Close()
			return nil, storageErr("open", fmt.Errorf("failed to execute %q: %w", pragma, err))
		}
	}

	if err := s.initSchema(context.Background()); err != nil {
		_ = conn.Close()
		return nil, err
	}

	active, err := s.loadActive(context.Background())
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	s.active = active

	return s, nil
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

// Close closes the database connection.
// Performs a WAL checkpoint to ensure all changes are persisted.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn == nil {
		return nil
	}

	if _, err := s.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		s.logger.Printf("Warning: failed to checkpoint WAL: %v", err)
	}

	if err := s.conn.Close(); err != nil {
		return storageErr("close", err)
	}

	s.conn = nil
	return nil
}

func (s *Store) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS records (
		owner_id   TEXT NOT NULL,
		id         TEXT NOT NULL,
		kind       TEXT NOT NULL DEFAULT '',
		payload    BLOB,
		updated_at INTEGER NOT NULL,  -- unix nanoseconds
		sync_state TEXT NOT NULL CHECK (sync_state IN ('local_only', 'pending', 'synced')),
		deleted    INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (owner_id, id)
	);

	-- Queue of ids awaiting push. One row per record, seq gives FIFO order.
	CREATE TABLE IF NOT EXISTS unsynced (
		owner_id    TEXT NOT NULL,
		id          TEXT NOT NULL,
		seq         INTEGER NOT NULL,
		enqueued_at INTEGER NOT NULL,
		PRIMARY KEY (owner_id, id),
		FOREIGN KEY (owner_id, id) REFERENCES records(owner_id, id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS cursors (
		owner_id   TEXT PRIMARY KEY,
		cursor     TEXT NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS session (
		singleton      INTEGER PRIMARY KEY CHECK (singleton = 1),
		active_account TEXT NOT NULL DEFAULT ''
	);
	INSERT OR IGNORE INTO session (singleton, active_account) VALUES (1, '');

	CREATE INDEX IF NOT EXISTS idx_unsynced_seq ON unsynced(owner_id, seq);
	CREATE INDEX IF NOT EXISTS idx_records_updated ON records(owner_id, updated_at);
	`

	if _, err := s.conn.ExecContext(ctx, schema); err != nil {
		return storageErr("init schema", err)
	}
	return nil
}

func (s *Store) loadActive(ctx context.Context) (string, error) {
	var active string
	err := s.conn.QueryRowContext(ctx, "SELECT active_account FROM session WHERE singleton = 1").Scan(&active)
	if err != nil {
		return "", storageErr("load session", err)
	}
	return active, nil
}

// ActiveAccount returns the account currently bound to the store, or "".
func (s *Store) ActiveAccount() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.active
}

// Rebind atomically purges every record, queue entry and cursor and binds
// the store to newOwnerID ("" unbinds). It excludes all other operations
// while it runs. Rebinding to the already-active account is a no-op.
func (s *Store) Rebind(ctx context.Context, newOwnerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn == nil {
		return storageErr("rebind", errors.New("store is closed"))
	}
	if newOwnerID == s.active {
		return nil
	}

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return storageErr("rebind", err)
	}
	defer tx.Rollback()

	// Another process sharing the file may already have bound it.
	var persisted string
	if err := tx.QueryRowContext(ctx,
		"SELECT active_account FROM session WHERE singleton = 1").Scan(&persisted); err != nil {
		return storageErr("rebind", err)
	}
	if persisted == newOwnerID {
		// A stale handle may have written under the old account after the
		// other process purged it.
		for _, stmt := range []string{
			"DELETE FROM unsynced WHERE owner_id <> ?",
			"DELETE FROM records WHERE owner_id <> ?",
			"DELETE FROM cursors WHERE owner_id <> ?",
		} {
			if _, err := tx.ExecContext(ctx, stmt, newOwnerID); err != nil {
				return storageErr("rebind", fmt.Errorf("%s: %w", stmt, err))
			}
		}
		if err := tx.Commit(); err != nil {
			return storageErr("rebind", err)
		}
		s.logger.Printf("Adopted binding %q from database", newOwnerID)
		s.active = newOwnerID
		return nil
	}

	for _, stmt := range []string{
		"DELETE FROM unsynced",
		"DELETE FROM records",
		"DELETE FROM cursors",
	} {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return storageErr("rebind", fmt.Errorf("%s: %w", stmt, err))
		}
	}

	if _, err := tx.ExecContext(ctx,
		"UPDATE session SET active_account = ? WHERE singleton = 1", newOwnerID); err != nil {
		return storageErr("rebind", err)
	}

	if err := tx.Commit(); err != nil {
		return storageErr("rebind", err)
	}

	s.logger.Printf("Rebound store: %q -> %q", s.active, newOwnerID)
	s.active = newOwnerID
	return nil
}

// checkOwner validates ownerID against the active account. Caller holds s.mu.
func (s *Store) checkOwner(ownerID string) error {
	if s.conn == nil {
		return storageErr("check owner", errors.New("store is closed"))
	}
	if s.active == "" {
		return ErrNoActiveAccount
	}
	if ownerID != s.active {
		return fmt.Errorf("%w: got %q, active %q", ErrAccountMismatch, ownerID, s.active)
	}
	return nil
}

// Stats summarizes store content for the active account.
type Stats struct {
	ActiveAccount string `json:"active_account" yaml:"active_account"`
	Records       int    `json:"records" yaml:"records"`
	Unsynced      int    `json:"unsynced" yaml:"unsynced"`
	Tombstones    int    `json:"tombstones" yaml:"tombstones"`
	Cursor        string `json:"cursor,omitempty" yaml:"cursor,omitempty"`
}

// Stats returns counts for the active account.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st := Stats{ActiveAccount: s.active}
	if s.conn == nil {
		return st, storageErr("stats", errors.New("store is closed"))
	}

	row := s.conn.QueryRowContext(ctx, `
	SELECT
		(SELECT COUNT(*) FROM records  WHERE owner_id = ?1 AND deleted = 0),
		(SELECT COUNT(*) FROM unsynced WHERE owner_id = ?1),
		(SELECT COUNT(*) FROM records  WHERE owner_id = ?1 AND deleted = 1),
		COALESCE((SELECT cursor FROM cursors WHERE owner_id = ?1), '')
	`, s.active)
	if err := row.Scan(&st.Records, &st.Unsynced, &st.Tombstones, &st.Cursor); err != nil {
		return st, storageErr("stats", err)
	}
	return st, nil
}
