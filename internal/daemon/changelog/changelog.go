// Package changelog keeps an immutable per-identity record of shipped
// changes. Queries roll up the identity hierarchy: asking about a
// project sees entries filed under any of its stacks and contexts.
package changelog

import (
	"context"
	"fmt"
	"slices"

	"github.com/curiositech/port-daddy/internal/daemon/activity"
	"github.com/curiositech/port-daddy/internal/daemon/identity"
	"github.com/curiositech/port-daddy/internal/daemon/kerr"
	"github.com/curiositech/port-daddy/internal/daemon/store"
)

// Entry types.
const (
	TypeFeature  = "feature"
	TypeFix      = "fix"
	TypeRefactor = "refactor"
	TypeDocs     = "docs"
	TypeChore    = "chore"
	TypeBreaking = "breaking"
)

// Entry is one immutable changelog record.
type Entry struct {
	ID          int64  `json:"id"`
	Identity    string `json:"identity"`
	Type        string `json:"type"`
	Summary     string `json:"summary"`
	Description string `json:"description,omitempty"`
	SessionID   string `json:"sessionId,omitempty"`
	AgentID     string `json:"agentId,omitempty"`
	CreatedAt   int64  `json:"createdAt"`
}

// AddRequest carries a new entry.
type AddRequest struct {
	Identity    string
	Type        string
	Summary     string
	Description string
	SessionID   string
	AgentID     string
}

// Log is the changelog component.
type Log struct {
	st  *store.Store
	act *activity.Log
}

// NewLog creates the changelog component.
func NewLog(st *store.Store, act *activity.Log) *Log {
	return &Log{st: st, act: act}
}

// Add records one entry. Entries are never updated or deleted.
func (l *Log) Add(ctx context.Context, req AddRequest) (Entry, error) {
	if !identity.Valid(req.Identity) {
		return Entry{}, kerr.Validationf("INVALID_IDENTITY", "invalid identity %q", req.Identity)
	}
	if !validType(req.Type) {
		return Entry{}, kerr.Validationf("INVALID_TYPE", "unknown changelog type %q", req.Type)
	}
	if req.Summary == "" {
		return Entry{}, kerr.Validationf("EMPTY_SUMMARY", "changelog summary is required")
	}

	now := store.NowMillis()
	res, err := l.st.DB().ExecContext(ctx,
		`INSERT INTO changelog (identity, type, summary, description, session_id, agent_id, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		req.Identity, req.Type, req.Summary, nullable(req.Description),
		nullable(req.SessionID), nullable(req.AgentID), now)
	if err != nil {
		return Entry{}, fmt.Errorf("insert changelog entry: %w", err)
	}
	entryID, err := res.LastInsertId()
	if err != nil {
		return Entry{}, err
	}

	e := Entry{
		ID: entryID, Identity: req.Identity, Type: req.Type, Summary: req.Summary,
		Description: req.Description, SessionID: req.SessionID, AgentID: req.AgentID, CreatedAt: now,
	}
	l.act.Record(ctx, "changelog", "add", req.Identity, map[string]any{"type": req.Type, "summary": req.Summary}, req.AgentID)
	return e, nil
}

// Query narrows a changelog listing.
type Query struct {
	Identity string // exact identity or prefix; rolls up descendants
	Type     string
	Limit    int
}

// List returns entries newest-first. A query for an identity prefix
// includes everything filed under its descendants.
func (l *Log) List(ctx context.Context, q Query) ([]Entry, error) {
	if q.Identity != "" && !identity.Valid(q.Identity) {
		return nil, kerr.Validationf("INVALID_IDENTITY", "invalid identity %q", q.Identity)
	}
	if q.Type != "" && !validType(q.Type) {
		return nil, kerr.Validationf("INVALID_TYPE", "unknown changelog type %q", q.Type)
	}
	if q.Limit <= 0 || q.Limit > 1000 {
		q.Limit = 100
	}

	query := `SELECT id, identity, type, summary, COALESCE(description, ''), COALESCE(session_id, ''),
		COALESCE(agent_id, ''), created_at FROM changelog WHERE 1=1`
	var args []any
	if q.Type != "" {
		query += ` AND type = ?`
		args = append(args, q.Type)
	}
	query += ` ORDER BY id DESC`

	rows, err := l.st.DB().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list changelog: %w", err)
	}
	defer rows.Close()

	out := []Entry{}
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.ID, &e.Identity, &e.Type, &e.Summary, &e.Description,
			&e.SessionID, &e.AgentID, &e.CreatedAt); err != nil {
			return nil, err
		}
		if q.Identity != "" && !rollsUpTo(e.Identity, q.Identity) {
			continue
		}
		out = append(out, e)
		if len(out) == q.Limit {
			break
		}
	}
	return out, rows.Err()
}

// rollsUpTo reports whether an entry filed under ident is visible to a
// query for ancestor: the query identity must be ident itself or one of
// its prefixes on a segment boundary.
func rollsUpTo(ident, ancestor string) bool {
	id, err := identity.Parse(ident)
	if err != nil {
		return false
	}
	return slices.Contains(id.Ancestors(), ancestor)
}

func validType(t string) bool {
	switch t {
	case TypeFeature, TypeFix, TypeRefactor, TypeDocs, TypeChore, TypeBreaking:
		return true
	}
	return false
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
