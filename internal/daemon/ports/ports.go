// Package ports implements the service registry: the atomic, persistent
// mapping from identity to TCP port. Same identity always gets the same
// port while its owning process is alive; dead owners are reclaimed on
// the next claim or by the reaper.
package ports

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/curiositech/port-daddy/internal/daemon/activity"
	"github.com/curiositech/port-daddy/internal/daemon/config"
	"github.com/curiositech/port-daddy/internal/daemon/identity"
	"github.com/curiositech/port-daddy/internal/daemon/kerr"
	"github.com/curiositech/port-daddy/internal/daemon/store"
	"github.com/curiositech/port-daddy/internal/metrics"
)

// Service is one port assignment.
type Service struct {
	Identity   string            `json:"identity"`
	Port       int               `json:"port"`
	PID        int               `json:"pid,omitempty"`
	ClaimedAt  int64             `json:"claimedAt"`
	LastSeen   int64             `json:"lastSeen"`
	ExpiresAt  int64             `json:"expiresAt,omitempty"`
	HealthPath string            `json:"healthPath,omitempty"`
	Endpoints  map[string]string `json:"endpoints,omitempty"`
}

// ClaimRequest carries the optional parameters of a claim.
type ClaimRequest struct {
	PreferredPort int
	RangeMin      int // overrides the configured range when > 0
	RangeMax      int
	ExpiresMs     int64 // lease duration; 0 means no expiry
	PID           int
	HealthPath    string
}

// ClaimResult is the outcome of a claim.
type ClaimResult struct {
	Service  Service `json:"service"`
	Port     int     `json:"port"`
	Existing bool    `json:"existing"`
}

// Registry is the ports component.
type Registry struct {
	st    *store.Store
	cfg   *config.Config
	probe *Prober
	act   *activity.Log
}

// NewRegistry creates the ports component.
func NewRegistry(st *store.Store, cfg *config.Config, act *activity.Log) *Registry {
	return &Registry{st: st, cfg: cfg, probe: NewProber(), act: act}
}

// Claim assigns a port to an identity, or returns the existing
// assignment when the owning pid is still alive. Stale rows (dead pid)
// are deleted and re-claimed fresh. Unique-key collisions with
// concurrent claimers retry with a fresh port search.
func (r *Registry) Claim(ctx context.Context, ident string, req ClaimRequest) (ClaimResult, error) {
	if !identity.Valid(ident) {
		return ClaimResult{}, kerr.Validationf("INVALID_IDENTITY", "invalid identity %q", ident)
	}
	if req.PID < 0 || req.PID > 99999 {
		return ClaimResult{}, kerr.Validationf("INVALID_PID", "pid %d out of range [1, 99999]", req.PID)
	}
	min, max := r.cfg.PortMin, r.cfg.PortMax
	if req.RangeMin > 0 {
		min = req.RangeMin
	}
	if req.RangeMax > 0 {
		max = req.RangeMax
	}
	if min < 1024 || max > 65535 || min > max {
		return ClaimResult{}, kerr.Validationf("INVALID_PORT_RANGE", "port range [%d, %d] out of bounds", min, max)
	}
	if req.PreferredPort != 0 && (req.PreferredPort < 1024 || req.PreferredPort > 65535) {
		return ClaimResult{}, kerr.Validationf("INVALID_PORT", "preferred port %d out of range [1024, 65535]", req.PreferredPort)
	}

	var result ClaimResult
	for attempt := 0; attempt < r.cfg.ClaimRetries; attempt++ {
		err := r.st.Tx(ctx, func(tx *sql.Tx) error {
			return r.claimTx(ctx, tx, ident, req, min, max, &result)
		})
		if err == nil {
			outcome := "new"
			if result.Existing {
				outcome = "existing"
			}
			metrics.PortClaimsTotal.WithLabelValues(outcome).Inc()
			if !result.Existing {
				r.act.Record(ctx, "service", "claim", ident, map[string]any{"port": result.Port, "pid": req.PID}, "")
			}
			return result, nil
		}
		if store.IsUniqueViolation(err) {
			// Another claimer took the port between our search and the
			// insert. Search again.
			metrics.PortClaimRetries.Inc()
			continue
		}
		return ClaimResult{}, err
	}
	return ClaimResult{}, kerr.Conflictf("PORT_IN_USE", "claim for %q kept colliding after %d retries", ident, r.cfg.ClaimRetries)
}

func (r *Registry) claimTx(ctx context.Context, tx *sql.Tx, ident string, req ClaimRequest, min, max int, result *ClaimResult) error {
	existing, err := scanService(tx.QueryRowContext(ctx, selectService+` WHERE identity = ?`, ident))
	switch {
	case err == nil:
		expired := existing.ExpiresAt != 0 && existing.ExpiresAt <= store.NowMillis()
		// Rows without a pid have no owner to probe; they stay until
		// released or expired.
		if !expired && (existing.PID == 0 || IsAlive(existing.PID)) {
			now := store.NowMillis()
			if _, err := tx.ExecContext(ctx, `UPDATE services SET last_seen = ? WHERE identity = ?`, now, ident); err != nil {
				return fmt.Errorf("refresh last_seen: %w", err)
			}
			existing.LastSeen = now
			*result = ClaimResult{Service: existing, Port: existing.Port, Existing: true}
			return nil
		}
		// Owner is gone; reclaim the row and fall through to a fresh claim.
		if _, err := tx.ExecContext(ctx, `DELETE FROM services WHERE identity = ?`, ident); err != nil {
			return fmt.Errorf("drop stale service: %w", err)
		}
		metrics.PortClaimsTotal.WithLabelValues("reclaimed").Inc()
	case errors.Is(err, sql.ErrNoRows):
		// Fresh claim.
	default:
		return fmt.Errorf("lookup service: %w", err)
	}

	port, err := r.findFreePort(ctx, tx, req.PreferredPort, min, max)
	if err != nil {
		return err
	}

	now := store.NowMillis()
	var expiresAt any
	if req.ExpiresMs > 0 {
		expiresAt = now + req.ExpiresMs
	}
	var pid any
	if req.PID > 0 {
		pid = req.PID
	}
	var healthPath any
	if req.HealthPath != "" {
		healthPath = req.HealthPath
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO services (identity, port, pid, claimed_at, last_seen, expires_at, health_path, endpoints)
		 VALUES (?, ?, ?, ?, ?, ?, ?, '{}')`,
		ident, port, pid, now, now, expiresAt, healthPath); err != nil {
		return err
	}

	svc := Service{Identity: ident, Port: port, PID: req.PID, ClaimedAt: now, LastSeen: now, HealthPath: req.HealthPath}
	if req.ExpiresMs > 0 {
		svc.ExpiresAt = now + req.ExpiresMs
	}
	*result = ClaimResult{Service: svc, Port: port, Existing: false}
	return nil
}

// findFreePort picks the preferred port when free, otherwise scans the
// range skipping rows in the database, OS listeners and reserved ports.
func (r *Registry) findFreePort(ctx context.Context, tx *sql.Tx, preferred, min, max int) (int, error) {
	used := make(map[int]bool)
	rows, err := tx.QueryContext(ctx, `SELECT port FROM services`)
	if err != nil {
		return 0, fmt.Errorf("list used ports: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var p int
		if err := rows.Scan(&p); err != nil {
			return 0, err
		}
		used[p] = true
	}
	if err := rows.Err(); err != nil {
		return 0, err
	}

	free := func(p int) bool {
		return !used[p] && !r.cfg.IsReservedPort(p) && !r.probe.Listening(p)
	}

	if preferred != 0 && free(preferred) {
		return preferred, nil
	}
	for p := min; p <= max; p++ {
		if free(p) {
			return p, nil
		}
	}
	return 0, kerr.New(kerr.Transient, "PORT_RANGE_EXHAUSTED", "no free port in [%d, %d]", min, max)
}

// Release deletes the service row(s) matching an identity or wildcard
// pattern. Returns the number of rows removed. Releasing something that
// is not there is not an error.
func (r *Registry) Release(ctx context.Context, identOrPattern string) (int64, error) {
	if !identity.IsPattern(identOrPattern) {
		if !identity.Valid(identOrPattern) {
			return 0, kerr.Validationf("INVALID_IDENTITY", "invalid identity %q", identOrPattern)
		}
		res, err := r.st.DB().ExecContext(ctx, `DELETE FROM services WHERE identity = ?`, identOrPattern)
		if err != nil {
			return 0, fmt.Errorf("release %s: %w", identOrPattern, err)
		}
		n, _ := res.RowsAffected()
		if n > 0 {
			r.act.Record(ctx, "service", "release", identOrPattern, nil, "")
		}
		return n, nil
	}

	pat, err := identity.CompilePattern(identOrPattern)
	if err != nil {
		return 0, kerr.Validationf("INVALID_PATTERN", "%v", err)
	}
	services, err := r.List(ctx, "", ListFilter{})
	if err != nil {
		return 0, err
	}
	var n int64
	for _, svc := range services {
		if !pat.Match(svc.Identity) {
			continue
		}
		res, err := r.st.DB().ExecContext(ctx, `DELETE FROM services WHERE identity = ?`, svc.Identity)
		if err != nil {
			return n, fmt.Errorf("release %s: %w", svc.Identity, err)
		}
		c, _ := res.RowsAffected()
		n += c
	}
	if n > 0 {
		r.act.Record(ctx, "service", "release", identOrPattern, map[string]any{"count": n}, "")
	}
	return n, nil
}

// ReleaseExpired deletes rows whose lease has lapsed.
func (r *Registry) ReleaseExpired(ctx context.Context) (int64, error) {
	res, err := r.st.DB().ExecContext(ctx,
		`DELETE FROM services WHERE expires_at IS NOT NULL AND expires_at <= ?`, store.NowMillis())
	if err != nil {
		return 0, fmt.Errorf("release expired: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		r.act.Record(ctx, "service", "release_expired", "", map[string]any{"count": n}, "")
	}
	return n, nil
}

// ReleaseDead deletes rows whose owning pid is no longer alive. Used by
// the reaper. Rows without a pid are left alone.
func (r *Registry) ReleaseDead(ctx context.Context) (int64, error) {
	services, err := r.List(ctx, "", ListFilter{})
	if err != nil {
		return 0, err
	}
	var n int64
	err = r.st.Tx(ctx, func(tx *sql.Tx) error {
		n = 0
		for _, svc := range services {
			if svc.PID == 0 || IsAlive(svc.PID) {
				continue
			}
			res, err := tx.ExecContext(ctx, `DELETE FROM services WHERE identity = ? AND pid = ?`, svc.Identity, svc.PID)
			if err != nil {
				return err
			}
			c, _ := res.RowsAffected()
			n += c
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("release dead: %w", err)
	}
	return n, nil
}

// ListFilter narrows a List call.
type ListFilter struct {
	Port int // exact port, 0 = any
	PID  int // exact pid, 0 = any
}

// List returns services, optionally filtered by a wildcard pattern.
func (r *Registry) List(ctx context.Context, pattern string, f ListFilter) ([]Service, error) {
	var pat *identity.Pattern
	if pattern != "" {
		var err error
		pat, err = identity.CompilePattern(pattern)
		if err != nil {
			return nil, kerr.Validationf("INVALID_PATTERN", "%v", err)
		}
	}

	rows, err := r.st.DB().QueryContext(ctx, selectService+` ORDER BY identity`)
	if err != nil {
		return nil, fmt.Errorf("list services: %w", err)
	}
	defer rows.Close()

	out := []Service{}
	for rows.Next() {
		svc, err := scanServiceRows(rows)
		if err != nil {
			return nil, err
		}
		if pat != nil && !pat.Match(svc.Identity) {
			continue
		}
		if f.Port != 0 && svc.Port != f.Port {
			continue
		}
		if f.PID != 0 && svc.PID != f.PID {
			continue
		}
		out = append(out, svc)
	}
	return out, rows.Err()
}

// Get returns a single service by identity.
func (r *Registry) Get(ctx context.Context, ident string) (Service, error) {
	if !identity.Valid(ident) {
		return Service{}, kerr.Validationf("INVALID_IDENTITY", "invalid identity %q", ident)
	}
	svc, err := scanService(r.st.DB().QueryRowContext(ctx, selectService+` WHERE identity = ?`, ident))
	if errors.Is(err, sql.ErrNoRows) {
		return Service{}, kerr.NotFoundf("SERVICE_NOT_FOUND", "no service %q", ident)
	}
	if err != nil {
		return Service{}, fmt.Errorf("get service: %w", err)
	}
	if svc.ExpiresAt != 0 && svc.ExpiresAt <= store.NowMillis() {
		return Service{}, kerr.New(kerr.Expired, "SERVICE_EXPIRED", "service %q lease expired", ident)
	}
	return svc, nil
}

// SetEndpoint merges one environment-tagged URL into the service's
// endpoint map.
func (r *Registry) SetEndpoint(ctx context.Context, ident, env, url string) (Service, error) {
	if env == "" {
		return Service{}, kerr.Validationf("INVALID_ENDPOINT_ENV", "endpoint environment tag is required")
	}
	var svc Service
	err := r.st.Tx(ctx, func(tx *sql.Tx) error {
		var err error
		svc, err = scanService(tx.QueryRowContext(ctx, selectService+` WHERE identity = ?`, ident))
		if errors.Is(err, sql.ErrNoRows) {
			return kerr.NotFoundf("SERVICE_NOT_FOUND", "no service %q", ident)
		}
		if err != nil {
			return fmt.Errorf("get service: %w", err)
		}
		if svc.Endpoints == nil {
			svc.Endpoints = make(map[string]string)
		}
		svc.Endpoints[env] = url
		blob, err := json.Marshal(svc.Endpoints)
		if err != nil {
			return fmt.Errorf("marshal endpoints: %w", err)
		}
		_, err = tx.ExecContext(ctx, `UPDATE services SET endpoints = ? WHERE identity = ?`, string(blob), ident)
		return err
	})
	if err != nil {
		return Service{}, err
	}
	r.act.Record(ctx, "service", "set_endpoint", ident, map[string]any{"env": env, "url": url}, "")
	return svc, nil
}

const selectService = `SELECT identity, port, COALESCE(pid, 0), claimed_at, last_seen,
	COALESCE(expires_at, 0), COALESCE(health_path, ''), endpoints FROM services`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanService(row rowScanner) (Service, error) {
	var svc Service
	var endpoints string
	if err := row.Scan(&svc.Identity, &svc.Port, &svc.PID, &svc.ClaimedAt, &svc.LastSeen,
		&svc.ExpiresAt, &svc.HealthPath, &endpoints); err != nil {
		return Service{}, err
	}
	if endpoints != "" && endpoints != "{}" {
		if err := json.Unmarshal([]byte(endpoints), &svc.Endpoints); err != nil {
			return Service{}, fmt.Errorf("decode endpoints for %s: %w", svc.Identity, err)
		}
	}
	return svc, nil
}

func scanServiceRows(rows *sql.Rows) (Service, error) {
	return scanService(rows)
}
