// Package salvage implements the resurrection queue. When the reaper
// declares an agent dead while it still has active sessions, a snapshot
// of that work is parked here for a successor agent to claim. Snapshots
// are frozen at death: later edits to the live rows do not leak in.
package salvage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/curiositech/port-daddy/internal/daemon/activity"
	"github.com/curiositech/port-daddy/internal/daemon/agents"
	"github.com/curiositech/port-daddy/internal/daemon/config"
	"github.com/curiositech/port-daddy/internal/daemon/id"
	"github.com/curiositech/port-daddy/internal/daemon/kerr"
	"github.com/curiositech/port-daddy/internal/daemon/sessions"
	"github.com/curiositech/port-daddy/internal/daemon/store"
)

// Entry states. pending -> claimed -> {done, abandoned}; dismissed is
// reachable from pending or claimed. All transitions are one-way.
const (
	StatePending   = "pending"
	StateClaimed   = "claimed"
	StateDone      = "done"
	StateAbandoned = "abandoned"
	StateDismissed = "dismissed"
)

// SessionSnapshot freezes one session at the moment of death.
type SessionSnapshot struct {
	ID        string `json:"id"`
	Purpose   string `json:"purpose"`
	Identity  string `json:"identity,omitempty"`
	CreatedAt int64  `json:"createdAt"`
}

// NoteSnapshot freezes one note.
type NoteSnapshot struct {
	SessionID string `json:"sessionId"`
	Type      string `json:"type"`
	Content   string `json:"content"`
	CreatedBy string `json:"createdBy,omitempty"`
	CreatedAt int64  `json:"createdAt"`
}

// Entry is one salvageable unit of dead-agent work.
type Entry struct {
	ID          string            `json:"id"`
	DeadAgentID string            `json:"deadAgentId"`
	Project     string            `json:"project,omitempty"`
	Stack       string            `json:"stack,omitempty"`
	Context     string            `json:"context,omitempty"`
	Sessions    []SessionSnapshot `json:"sessions"`
	Notes       []NoteSnapshot    `json:"notes"`
	State       string            `json:"state"`
	ClaimedBy   string            `json:"claimedBy,omitempty"`
	CreatedAt   int64             `json:"createdAt"`
}

// Service is the salvage component.
type Service struct {
	st       *store.Store
	cfg      *config.Config
	act      *activity.Log
	sessions *sessions.Service
}

// NewService creates the salvage component.
func NewService(st *store.Store, cfg *config.Config, act *activity.Log, sess *sessions.Service) *Service {
	return &Service{st: st, cfg: cfg, act: act, sessions: sess}
}

// CreateForDeadAgent snapshots a dead agent's active sessions into a
// pending entry. Agents with no active sessions, or with an unresolved
// entry already queued, produce nothing.
func (s *Service) CreateForDeadAgent(ctx context.Context, agent agents.Agent) (bool, error) {
	var open int
	err := s.st.DB().QueryRowContext(ctx,
		`SELECT COUNT(*) FROM resurrections WHERE dead_agent_id = ? AND state IN (?, ?)`,
		agent.ID, StatePending, StateClaimed).Scan(&open)
	if err != nil {
		return false, fmt.Errorf("check existing salvage: %w", err)
	}
	if open > 0 {
		return false, nil
	}

	active, err := s.sessions.ActiveByAgent(ctx, agent.ID)
	if err != nil {
		return false, err
	}
	if len(active) == 0 {
		return false, nil
	}

	snaps := make([]SessionSnapshot, 0, len(active))
	var notes []NoteSnapshot
	for _, sess := range active {
		snaps = append(snaps, SessionSnapshot{
			ID: sess.ID, Purpose: sess.Purpose, Identity: sess.Identity, CreatedAt: sess.CreatedAt,
		})
		last, err := s.sessions.LastNotes(ctx, sess.ID, s.cfg.SalvageNoteLimit)
		if err != nil {
			return false, err
		}
		for _, n := range last {
			notes = append(notes, NoteSnapshot{
				SessionID: n.SessionID, Type: n.Type, Content: n.Content, CreatedBy: n.CreatedBy, CreatedAt: n.CreatedAt,
			})
		}
	}

	sessionsJSON, err := json.Marshal(snaps)
	if err != nil {
		return false, err
	}
	if notes == nil {
		notes = []NoteSnapshot{}
	}
	notesJSON, err := json.Marshal(notes)
	if err != nil {
		return false, err
	}

	entryID := id.Generate()
	_, err = s.st.DB().ExecContext(ctx,
		`INSERT INTO resurrections (id, dead_agent_id, project, stack, context, sessions_json, notes_json, state, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entryID, agent.ID, nullable(agent.Project), nullable(agent.Stack), nullable(agent.Context),
		string(sessionsJSON), string(notesJSON), StatePending, store.NowMillis())
	if err != nil {
		return false, fmt.Errorf("insert salvage entry: %w", err)
	}

	s.act.Record(ctx, "salvage", "create", entryID,
		map[string]any{"deadAgentId": agent.ID, "sessions": len(snaps)}, agent.ID)
	return true, nil
}

// Filter narrows a salvage listing.
type Filter struct {
	Project string
	State   string
}

// List returns entries newest-first.
func (s *Service) List(ctx context.Context, f Filter) ([]Entry, error) {
	if f.State != "" && !validState(f.State) {
		return nil, kerr.Validationf("INVALID_STATE", "unknown salvage state %q", f.State)
	}

	query := selectEntry + ` WHERE 1=1`
	var args []any
	if f.Project != "" {
		query += ` AND project = ?`
		args = append(args, f.Project)
	}
	if f.State != "" {
		query += ` AND state = ?`
		args = append(args, f.State)
	}
	query += ` ORDER BY created_at DESC, id DESC`

	rows, err := s.st.DB().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list salvage: %w", err)
	}
	defer rows.Close()

	out := []Entry{}
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Get returns one entry.
func (s *Service) Get(ctx context.Context, entryID string) (Entry, error) {
	e, err := scanEntry(s.st.DB().QueryRowContext(ctx, selectEntry+` WHERE id = ?`, entryID))
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, kerr.NotFoundf("SALVAGE_NOT_FOUND", "no salvage entry %q", entryID)
	}
	if err != nil {
		return Entry{}, fmt.Errorf("get salvage entry: %w", err)
	}
	return e, nil
}

// Claim moves a pending entry to claimed. Only pending entries can be
// claimed; a second claimer gets a Conflict naming the first.
func (s *Service) Claim(ctx context.Context, entryID, byAgent string) (Entry, error) {
	if byAgent == "" {
		return Entry{}, kerr.Validationf("INVALID_AGENT_ID", "claiming agent id is required")
	}

	var entry Entry
	err := s.st.Tx(ctx, func(tx *sql.Tx) error {
		e, err := scanEntry(tx.QueryRowContext(ctx, selectEntry+` WHERE id = ?`, entryID))
		if errors.Is(err, sql.ErrNoRows) {
			return kerr.NotFoundf("SALVAGE_NOT_FOUND", "no salvage entry %q", entryID)
		}
		if err != nil {
			return fmt.Errorf("get salvage entry: %w", err)
		}
		if e.State != StatePending {
			return kerr.Conflictf("SALVAGE_NOT_PENDING", "entry %q is %s", entryID, e.State).
				WithDetail("state", e.State).
				WithDetail("claimedBy", e.ClaimedBy)
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE resurrections SET state = ?, claimed_by = ? WHERE id = ?`, StateClaimed, byAgent, entryID); err != nil {
			return err
		}
		e.State = StateClaimed
		e.ClaimedBy = byAgent
		entry = e
		return nil
	})
	if err != nil {
		return Entry{}, err
	}
	s.act.Record(ctx, "salvage", "claim", entryID, map[string]any{"by": byAgent}, byAgent)
	return entry, nil
}

// Resolve moves an entry to a terminal state. done and abandoned
// require a claimed entry; dismissed works from pending or claimed.
func (s *Service) Resolve(ctx context.Context, entryID, state, byAgent string) (Entry, error) {
	if state != StateDone && state != StateAbandoned && state != StateDismissed {
		return Entry{}, kerr.Validationf("INVALID_STATE", "terminal salvage state must be done, abandoned or dismissed")
	}

	var entry Entry
	err := s.st.Tx(ctx, func(tx *sql.Tx) error {
		e, err := scanEntry(tx.QueryRowContext(ctx, selectEntry+` WHERE id = ?`, entryID))
		if errors.Is(err, sql.ErrNoRows) {
			return kerr.NotFoundf("SALVAGE_NOT_FOUND", "no salvage entry %q", entryID)
		}
		if err != nil {
			return fmt.Errorf("get salvage entry: %w", err)
		}

		ok := false
		switch state {
		case StateDismissed:
			ok = e.State == StatePending || e.State == StateClaimed
		default:
			ok = e.State == StateClaimed
		}
		if !ok {
			return kerr.Conflictf("SALVAGE_BAD_TRANSITION", "entry %q cannot go %s -> %s", entryID, e.State, state).
				WithDetail("state", e.State)
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE resurrections SET state = ? WHERE id = ?`, state, entryID); err != nil {
			return err
		}
		e.State = state
		entry = e
		return nil
	})
	if err != nil {
		return Entry{}, err
	}
	s.act.Record(ctx, "salvage", state, entryID, map[string]any{"by": byAgent}, byAgent)
	return entry, nil
}

// CountPendingByProject feeds the registration salvage hint.
func (s *Service) CountPendingByProject(ctx context.Context, project string) (int, error) {
	var n int
	err := s.st.DB().QueryRowContext(ctx,
		`SELECT COUNT(*) FROM resurrections WHERE state = ? AND project = ?`, StatePending, project).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count pending salvage: %w", err)
	}
	return n, nil
}

func validState(s string) bool {
	switch s {
	case StatePending, StateClaimed, StateDone, StateAbandoned, StateDismissed:
		return true
	}
	return false
}

const selectEntry = `SELECT id, dead_agent_id, COALESCE(project, ''), COALESCE(stack, ''), COALESCE(context, ''),
	sessions_json, notes_json, state, COALESCE(claimed_by, ''), created_at FROM resurrections`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (Entry, error) {
	var e Entry
	var sessionsJSON, notesJSON string
	err := row.Scan(&e.ID, &e.DeadAgentID, &e.Project, &e.Stack, &e.Context,
		&sessionsJSON, &notesJSON, &e.State, &e.ClaimedBy, &e.CreatedAt)
	if err != nil {
		return e, err
	}
	if err := json.Unmarshal([]byte(sessionsJSON), &e.Sessions); err != nil {
		return e, fmt.Errorf("salvage sessions snapshot: %w", err)
	}
	if err := json.Unmarshal([]byte(notesJSON), &e.Notes); err != nil {
		return e, fmt.Errorf("salvage notes snapshot: %w", err)
	}
	return e, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
