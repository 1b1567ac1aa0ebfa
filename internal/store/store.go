// Package store provides the sqlite-backed persistence for application
// slots and analysis tasks. Slot allocation relies on uniqueness constraints
// plus retry, never on read-then-write sequences in application logic.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/gofrs/flock"
	_ "modernc.org/sqlite"
)

// Store wraps the database plus the process-external lock used to serialize
// multi-step write sequences. sqlite has weak concurrent-writer support, so
// cross-process writers coordinate through the named lock rather than
// relying on transaction isolation alone.
type Store struct {
	db   *sql.DB
	lock *flock.Flock
	now  func() time.Time
}

// lockRetryInterval is how often lock acquisition is retried until the
// caller's context expires.
const lockRetryInterval = 50 * time.Millisecond

// New opens (or creates) the database at dbPath. lockPath names the lock
// file; it may be empty when single-process access is guaranteed (tests).
func New(dbPath, lockPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}

	// A single connection keeps :memory: databases coherent and sidesteps
	// sqlite's writer contention.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		return nil, err
	}
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		return nil, err
	}

	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	s := &Store{db: db, now: time.Now}
	if lockPath != "" {
		s.lock = flock.New(lockPath)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// SetNow overrides the clock, for tests.
func (s *Store) SetNow(now func() time.Time) {
	s.now = now
}

// withLock runs fn while holding the process-external lock. Acquisition is
// bounded by ctx; when no lock is configured fn runs directly.
func (s *Store) withLock(ctx context.Context, fn func() error) error {
	if s.lock == nil {
		return fn()
	}

	ok, err := s.lock.TryLockContext(ctx, lockRetryInterval)
	if err != nil {
		return fmt.Errorf("acquire store lock: %w", err)
	}
	if !ok {
		return fmt.Errorf("store lock unavailable")
	}
	defer s.lock.Unlock()

	return fn()
}

// isUniqueViolation reports whether err is a sqlite uniqueness conflict.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
