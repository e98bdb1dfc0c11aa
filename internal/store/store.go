// Package store is the persistent layer of spec.md §4.2 / §6: a single
// sqlite3 database file with the eight named tables, guarded by an
// in-process write lock so the core's single-writer discipline (spec.md
// §5) is enforced explicitly rather than left to SQLite's own locking.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"sync"

	_ "github.com/mattn/go-sqlite3"
)

// ErrNotFound is returned by single-row lookups that find nothing.
var ErrNotFound = errors.New("store: not found")

// Store wraps a sqlite3 connection with application-level single-writer
// discipline. All exported methods that mutate state take writeMu before
// touching the database; reads go through the same *sql.DB without the
// lock, matching the teacher's single *sql.DB-per-process model.
type Store struct {
	db      *sql.DB
	writeMu sync.Mutex
}

// Open creates or opens the sqlite3 database at path, enabling WAL mode
// and applying the base schema plus any unapplied migrations.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("store: opening database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: enabling WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: enabling foreign keys: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("store: applying base schema: %w", err)
	}

	var count int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM schema_version").Scan(&count); err != nil {
		return fmt.Errorf("store: reading schema_version: %w", err)
	}
	if count == 0 {
		if _, err := s.db.Exec("INSERT INTO schema_version (version) VALUES (0)"); err != nil {
			return fmt.Errorf("store: seeding schema_version: %w", err)
		}
	}

	var applied int
	if err := s.db.QueryRow("SELECT version FROM schema_version").Scan(&applied); err != nil {
		return fmt.Errorf("store: reading schema_version: %w", err)
	}

	for i := applied; i < len(migrations); i++ {
		if _, err := s.db.Exec(migrations[i]); err != nil {
			return fmt.Errorf("store: applying migration %d: %w", i+1, err)
		}
		if _, err := s.db.Exec("UPDATE schema_version SET version = ?", i+1); err != nil {
			return fmt.Errorf("store: recording migration %d: %w", i+1, err)
		}
	}
	return nil
}

// withWriteLock serializes every mutating operation through a single
// in-process mutex, per spec.md §5's single-writer model.
func (s *Store) withWriteLock(fn func() error) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return fn()
}

func boolToInt(b bool) int64 {
	if b {
		return 1
	}
	return 0
}

func intToBool(i int64) bool {
	return i != 0
}

func nullableBytes(b []byte) interface{} {
	if len(b) == 0 {
		return nil
	}
	return b
}
