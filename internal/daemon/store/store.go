// Package store wraps the daemon's SQLite handle with transaction and
// retry helpers. It carries no domain semantics; each kernel component
// owns its own SQL.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	sqlite "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// maxTxRetries bounds how often a transaction is retried on SQLITE_BUSY
// before the error surfaces to the caller as Transient.
const maxTxRetries = 5

// Store is the shared persistence handle for all kernel components.
type Store struct {
	db *sql.DB
}

// New wraps an open database handle.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// DB returns the underlying handle for single-statement reads and writes.
func (s *Store) DB() *sql.DB {
	return s.db
}

// newTxBackoff creates the retry schedule for busy transactions:
// 10ms → 500ms, multiplier 2x, ±20% jitter.
func newTxBackoff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 10 * time.Millisecond
	b.MaxInterval = 500 * time.Millisecond
	b.Multiplier = 2.0
	b.RandomizationFactor = 0.2
	b.Reset()
	return b
}

// Tx runs fn inside a transaction. The transaction is committed when fn
// returns nil and rolled back otherwise. SQLITE_BUSY failures are retried
// with exponential backoff up to maxTxRetries times; fn must therefore be
// safe to re-run.
func (s *Store) Tx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		err := s.runTx(ctx, fn)
		if err != nil && !IsBusy(err) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	}, backoff.WithBackOff(newTxBackoff()), backoff.WithMaxTries(maxTxRetries))
	return err
}

func (s *Store) runTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// IsBusy reports whether err is a SQLITE_BUSY or SQLITE_LOCKED failure.
func IsBusy(err error) bool {
	var se *sqlite.Error
	if !errors.As(err, &se) {
		return false
	}
	code := se.Code() & 0xff
	return code == sqlite3.SQLITE_BUSY || code == sqlite3.SQLITE_LOCKED
}

// IsUniqueViolation reports whether err is a UNIQUE or PRIMARY KEY
// constraint failure.
func IsUniqueViolation(err error) bool {
	var se *sqlite.Error
	if !errors.As(err, &se) {
		return false
	}
	return se.Code() == sqlite3.SQLITE_CONSTRAINT_UNIQUE ||
		se.Code() == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY
}

// NowMillis returns the current wall clock as integer milliseconds since
// the epoch, the timestamp unit used across all tables.
func NowMillis() int64 {
	return time.Now().UnixMilli()
}
