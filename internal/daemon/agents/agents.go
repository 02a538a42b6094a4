// Package agents implements the agent registry and liveness clock.
// Agents register once and heartbeat periodically; their state
// (active/stale/dead) is always derived from the heartbeat gap, never
// stored. Transitions are acted on exclusively by the reaper.
package agents

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/curiositech/port-daddy/internal/daemon/activity"
	"github.com/curiositech/port-daddy/internal/daemon/config"
	"github.com/curiositech/port-daddy/internal/daemon/identity"
	"github.com/curiositech/port-daddy/internal/daemon/kerr"
	"github.com/curiositech/port-daddy/internal/daemon/store"
)

// Agent states derived from the heartbeat gap.
const (
	StateActive = "active"
	StateStale  = "stale"
	StateDead   = "dead"
)

// Agent is one registered actor.
type Agent struct {
	ID            string `json:"id"`
	Type          string `json:"type"`
	Purpose       string `json:"purpose,omitempty"`
	Project       string `json:"project,omitempty"`
	Stack         string `json:"stack,omitempty"`
	Context       string `json:"context,omitempty"`
	WorktreeID    string `json:"worktreeId,omitempty"`
	RegisteredAt  int64  `json:"registeredAt"`
	LastHeartbeat int64  `json:"lastHeartbeat"`
	State         string `json:"state"`
}

// RegisterRequest carries the optional registration fields.
type RegisterRequest struct {
	Type       string
	Purpose    string
	Identity   string // parsed into the project/stack/context prefix triple
	WorktreeID string
}

// RegisterResult is the outcome of a registration.
type RegisterResult struct {
	Agent Agent `json:"agent"`
	// SalvageHint counts dead agents' pending resurrection entries whose
	// project matches the supplied identity, so callers can proactively
	// offer salvage.
	SalvageHint int `json:"salvageHint"`
}

// SalvageCounter is implemented by the salvage component. Wired after
// construction (breaks the registration/salvage dependency cycle).
type SalvageCounter interface {
	CountPendingByProject(ctx context.Context, project string) (int, error)
}

// Registry is the agents component.
type Registry struct {
	st      *store.Store
	cfg     *config.Config
	act     *activity.Log
	salvage SalvageCounter
}

// NewRegistry creates the agents component.
func NewRegistry(st *store.Store, cfg *config.Config, act *activity.Log) *Registry {
	return &Registry{st: st, cfg: cfg, act: act}
}

// SetSalvageCounter wires the salvage component for register hints.
func (r *Registry) SetSalvageCounter(sc SalvageCounter) {
	r.salvage = sc
}

// Register upserts an agent. registeredAt is written on first call
// only; every call refreshes the heartbeat.
func (r *Registry) Register(ctx context.Context, agentID string, req RegisterRequest) (RegisterResult, error) {
	if agentID == "" {
		return RegisterResult{}, kerr.Validationf("INVALID_AGENT_ID", "agent id is required")
	}
	if req.Type == "" {
		req.Type = "agent"
	}

	var ident identity.Identity
	if req.Identity != "" {
		var err error
		ident, err = identity.Parse(req.Identity)
		if err != nil {
			return RegisterResult{}, kerr.Validationf("INVALID_IDENTITY", "%v", err)
		}
	}

	now := store.NowMillis()
	_, err := r.st.DB().ExecContext(ctx,
		`INSERT INTO agents (id, type, purpose, project, stack, context, worktree_id, registered_at, last_heartbeat)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET
			type = excluded.type,
			purpose = excluded.purpose,
			project = excluded.project,
			stack = excluded.stack,
			context = excluded.context,
			worktree_id = excluded.worktree_id,
			last_heartbeat = excluded.last_heartbeat`,
		agentID, req.Type, nullable(req.Purpose), nullable(ident.Project), nullable(ident.Stack),
		nullable(ident.Context), nullable(req.WorktreeID), now, now)
	if err != nil {
		return RegisterResult{}, fmt.Errorf("register agent: %w", err)
	}

	agent, err := r.Get(ctx, agentID)
	if err != nil {
		return RegisterResult{}, err
	}

	result := RegisterResult{Agent: agent}
	if r.salvage != nil && ident.Project != "" {
		hint, err := r.salvage.CountPendingByProject(ctx, ident.Project)
		if err != nil {
			return RegisterResult{}, err
		}
		result.SalvageHint = hint
	}

	r.act.Record(ctx, "agent", "register", agentID, map[string]any{"type": req.Type, "identity": req.Identity}, agentID)
	return result, nil
}

// Heartbeat refreshes the liveness clock. Unknown ids are an error so
// crashed-and-reaped agents notice they must re-register.
func (r *Registry) Heartbeat(ctx context.Context, agentID string) error {
	res, err := r.st.DB().ExecContext(ctx,
		`UPDATE agents SET last_heartbeat = ? WHERE id = ?`, store.NowMillis(), agentID)
	if err != nil {
		return fmt.Errorf("heartbeat: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return kerr.NotFoundf("AGENT_NOT_FOUND", "no agent %q", agentID)
	}
	return nil
}

// Unregister deletes the agent row. Sessions owned by the agent are
// left untouched: a clean unregister is not a death.
func (r *Registry) Unregister(ctx context.Context, agentID string) error {
	res, err := r.st.DB().ExecContext(ctx, `DELETE FROM agents WHERE id = ?`, agentID)
	if err != nil {
		return fmt.Errorf("unregister: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return kerr.NotFoundf("AGENT_NOT_FOUND", "no agent %q", agentID)
	}
	r.act.Record(ctx, "agent", "unregister", agentID, nil, agentID)
	return nil
}

// Get returns one agent with its derived state.
func (r *Registry) Get(ctx context.Context, agentID string) (Agent, error) {
	a, err := scanAgent(r.st.DB().QueryRowContext(ctx, selectAgent+` WHERE id = ?`, agentID))
	if errors.Is(err, sql.ErrNoRows) {
		return Agent{}, kerr.NotFoundf("AGENT_NOT_FOUND", "no agent %q", agentID)
	}
	if err != nil {
		return Agent{}, fmt.Errorf("get agent: %w", err)
	}
	a.State = r.DeriveState(store.NowMillis(), a.LastHeartbeat)
	return a, nil
}

// ListFilter narrows a List call.
type ListFilter struct {
	Project string // exact project segment
	State   string // derived state
}

// List returns agents with derived states.
func (r *Registry) List(ctx context.Context, f ListFilter) ([]Agent, error) {
	if f.State != "" && f.State != StateActive && f.State != StateStale && f.State != StateDead {
		return nil, kerr.Validationf("INVALID_STATE", "unknown agent state %q", f.State)
	}

	query := selectAgent
	var args []any
	if f.Project != "" {
		query += ` WHERE project = ?`
		args = append(args, f.Project)
	}
	query += ` ORDER BY id`

	rows, err := r.st.DB().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer rows.Close()

	now := store.NowMillis()
	out := []Agent{}
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		a.State = r.DeriveState(now, a.LastHeartbeat)
		if f.State != "" && a.State != f.State {
			continue
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// DeriveState maps a heartbeat gap to a state.
func (r *Registry) DeriveState(now, lastHeartbeat int64) string {
	gap := now - lastHeartbeat
	switch {
	case gap >= r.cfg.DeadAfter.Milliseconds():
		return StateDead
	case gap >= r.cfg.StaleAfter.Milliseconds():
		return StateStale
	default:
		return StateActive
	}
}

const selectAgent = `SELECT id, type, COALESCE(purpose, ''), COALESCE(project, ''), COALESCE(stack, ''),
	COALESCE(context, ''), COALESCE(worktree_id, ''), registered_at, last_heartbeat FROM agents`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAgent(row rowScanner) (Agent, error) {
	var a Agent
	err := row.Scan(&a.ID, &a.Type, &a.Purpose, &a.Project, &a.Stack, &a.Context,
		&a.WorktreeID, &a.RegisteredAt, &a.LastHeartbeat)
	return a, err
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
