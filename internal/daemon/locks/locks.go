// Package locks implements named, leased mutual exclusion. A lock is a
// single row; it is held until released or until its lease expires.
// Acquire never blocks server-side: contention is reported to the
// caller, who decides whether to retry.
package locks

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"strconv"

	"github.com/curiositech/port-daddy/internal/daemon/activity"
	"github.com/curiositech/port-daddy/internal/daemon/kerr"
	"github.com/curiositech/port-daddy/internal/daemon/store"
)

// MaxTTLMs is the longest lease a caller may request (24h).
const MaxTTLMs = 24 * 60 * 60 * 1000

var nameRe = regexp.MustCompile(`^[A-Za-z0-9._:-]{1,128}$`)

// Lock is one held lease.
type Lock struct {
	Name       string `json:"name"`
	Owner      string `json:"owner"`
	PID        int    `json:"pid,omitempty"`
	AcquiredAt int64  `json:"acquiredAt"`
	ExpiresAt  int64  `json:"expiresAt,omitempty"` // 0 = never
}

func (l Lock) expired(now int64) bool {
	return l.ExpiresAt != 0 && l.ExpiresAt <= now
}

// Manager is the locks component.
type Manager struct {
	st  *store.Store
	act *activity.Log
}

// NewManager creates the locks component.
func NewManager(st *store.Store, act *activity.Log) *Manager {
	return &Manager{st: st, act: act}
}

// Acquire takes the lock iff no unexpired holder exists. On contention
// it returns a Conflict error carrying the current holder, heldSince
// and expiresAt. ttlMs of 0 means the lease never expires.
func (m *Manager) Acquire(ctx context.Context, name, owner string, ttlMs int64, pid int) (Lock, error) {
	if !nameRe.MatchString(name) {
		return Lock{}, kerr.Validationf("INVALID_LOCK_NAME", "invalid lock name %q", name)
	}
	if owner == "" && pid > 0 {
		// Owner is an opaque caller identifier; the pid stands in when
		// the caller supplies nothing else.
		owner = strconv.Itoa(pid)
	}
	if owner == "" {
		return Lock{}, kerr.Validationf("INVALID_OWNER", "lock owner or pid is required")
	}
	if ttlMs < 0 || ttlMs > MaxTTLMs {
		return Lock{}, kerr.Validationf("INVALID_TTL", "ttl %dms out of range [1, %d]", ttlMs, MaxTTLMs)
	}

	var lock Lock
	err := m.st.Tx(ctx, func(tx *sql.Tx) error {
		now := store.NowMillis()
		// Lapsed leases are swept inline so they never block a new holder.
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM locks WHERE name = ? AND expires_at IS NOT NULL AND expires_at <= ?`, name, now); err != nil {
			return fmt.Errorf("sweep expired lock: %w", err)
		}

		holder, err := scanLock(tx.QueryRowContext(ctx, selectLock+` WHERE name = ?`, name))
		if err == nil {
			return kerr.Conflictf("LOCK_HELD", "lock %q is held by %q", name, holder.Owner).
				WithDetail("holder", holder.Owner).
				WithDetail("heldSince", holder.AcquiredAt).
				WithDetail("expiresAt", holder.ExpiresAt)
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("lookup lock: %w", err)
		}

		lock = Lock{Name: name, Owner: owner, PID: pid, AcquiredAt: now}
		var expiresAt any
		if ttlMs > 0 {
			lock.ExpiresAt = now + ttlMs
			expiresAt = lock.ExpiresAt
		}
		var pidVal any
		if pid > 0 {
			pidVal = pid
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO locks (name, owner, pid, acquired_at, expires_at) VALUES (?, ?, ?, ?, ?)`,
			name, owner, pidVal, now, expiresAt)
		return err
	})
	if err != nil {
		return Lock{}, err
	}
	m.act.Record(ctx, "lock", "acquire", name, map[string]any{"owner": owner, "ttlMs": ttlMs}, "")
	return lock, nil
}

// Extend pushes the lease out to now + ttlMs. The caller must be the
// owner unless force is set.
func (m *Manager) Extend(ctx context.Context, name, owner string, ttlMs int64, force bool) (Lock, error) {
	if ttlMs <= 0 || ttlMs > MaxTTLMs {
		return Lock{}, kerr.Validationf("INVALID_TTL", "ttl %dms out of range [1, %d]", ttlMs, MaxTTLMs)
	}

	var lock Lock
	err := m.st.Tx(ctx, func(tx *sql.Tx) error {
		now := store.NowMillis()
		holder, err := scanLock(tx.QueryRowContext(ctx, selectLock+` WHERE name = ?`, name))
		if errors.Is(err, sql.ErrNoRows) || (err == nil && holder.expired(now)) {
			return kerr.NotFoundf("LOCK_NOT_FOUND", "lock %q is not held", name)
		}
		if err != nil {
			return fmt.Errorf("lookup lock: %w", err)
		}
		if holder.Owner != owner && !force {
			return kerr.Conflictf("NOT_LOCK_OWNER", "lock %q is held by %q, not %q", name, holder.Owner, owner).
				WithDetail("holder", holder.Owner)
		}
		lock = holder
		lock.ExpiresAt = now + ttlMs
		_, err = tx.ExecContext(ctx, `UPDATE locks SET expires_at = ? WHERE name = ?`, lock.ExpiresAt, name)
		return err
	})
	if err != nil {
		return Lock{}, err
	}
	m.act.Record(ctx, "lock", "extend", name, map[string]any{"owner": owner, "ttlMs": ttlMs}, "")
	return lock, nil
}

// Release drops the lock. Releasing a lock that is not held (or whose
// lease already lapsed) returns released=false, not an error. A held
// lock owned by someone else is a Conflict unless force is set.
func (m *Manager) Release(ctx context.Context, name, owner string, force bool) (bool, error) {
	released := false
	err := m.st.Tx(ctx, func(tx *sql.Tx) error {
		released = false
		now := store.NowMillis()
		holder, err := scanLock(tx.QueryRowContext(ctx, selectLock+` WHERE name = ?`, name))
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("lookup lock: %w", err)
		}
		if holder.expired(now) {
			// Expired release is a successful no-op; drop the carcass.
			_, err = tx.ExecContext(ctx, `DELETE FROM locks WHERE name = ?`, name)
			return err
		}
		if holder.Owner != owner && !force {
			return kerr.Conflictf("NOT_LOCK_OWNER", "lock %q is held by %q, not %q", name, holder.Owner, owner).
				WithDetail("holder", holder.Owner)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM locks WHERE name = ?`, name); err != nil {
			return err
		}
		released = true
		return nil
	})
	if err != nil {
		return false, err
	}
	if released {
		m.act.Record(ctx, "lock", "release", name, map[string]any{"owner": owner, "force": force}, "")
	}
	return released, nil
}

// Check returns the current holder without mutating anything. A missing
// or expired lock returns nil.
func (m *Manager) Check(ctx context.Context, name string) (*Lock, error) {
	lock, err := scanLock(m.st.DB().QueryRowContext(ctx, selectLock+` WHERE name = ?`, name))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("check lock: %w", err)
	}
	if lock.expired(store.NowMillis()) {
		return nil, nil
	}
	return &lock, nil
}

// List returns unexpired locks, optionally filtered by owner. Expired
// rows encountered along the way are swept.
func (m *Manager) List(ctx context.Context, owner string) ([]Lock, error) {
	if _, err := m.SweepExpired(ctx); err != nil {
		return nil, err
	}

	query := selectLock
	var args []any
	if owner != "" {
		query += ` WHERE owner = ?`
		args = append(args, owner)
	}
	query += ` ORDER BY name`

	rows, err := m.st.DB().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list locks: %w", err)
	}
	defer rows.Close()

	out := []Lock{}
	for rows.Next() {
		lock, err := scanLock(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, lock)
	}
	return out, rows.Err()
}

// SweepExpired deletes all lapsed leases. Called lazily at list time and
// by the reaper.
func (m *Manager) SweepExpired(ctx context.Context) (int64, error) {
	res, err := m.st.DB().ExecContext(ctx,
		`DELETE FROM locks WHERE expires_at IS NOT NULL AND expires_at <= ?`, store.NowMillis())
	if err != nil {
		return 0, fmt.Errorf("sweep expired locks: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

const selectLock = `SELECT name, owner, COALESCE(pid, 0), acquired_at, COALESCE(expires_at, 0) FROM locks`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanLock(row rowScanner) (Lock, error) {
	var l Lock
	err := row.Scan(&l.Name, &l.Owner, &l.PID, &l.AcquiredAt, &l.ExpiresAt)
	return l, err
}
