// Package sessions implements work sessions, their append-only note
// streams, and advisory file claims. A session is the unit of work an
// agent narrates into; its notes are what a successor reads when the
// agent dies and the work is salvaged.
package sessions

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/curiositech/port-daddy/internal/daemon/activity"
	"github.com/curiositech/port-daddy/internal/daemon/config"
	"github.com/curiositech/port-daddy/internal/daemon/id"
	"github.com/curiositech/port-daddy/internal/daemon/identity"
	"github.com/curiositech/port-daddy/internal/daemon/kerr"
	"github.com/curiositech/port-daddy/internal/daemon/store"
)

// Session statuses. Completed and abandoned are terminal.
const (
	StatusActive    = "active"
	StatusCompleted = "completed"
	StatusAbandoned = "abandoned"
)

// Note types.
const (
	NoteTypeNote     = "note"
	NoteTypeDecision = "decision"
	NoteTypeBlocker  = "blocker"
	NoteTypeHandoff  = "handoff"
)

// Session is one unit of narrated work.
type Session struct {
	ID        string `json:"id"`
	Purpose   string `json:"purpose"`
	CreatedBy string `json:"createdBy,omitempty"`
	Identity  string `json:"identity,omitempty"`
	Status    string `json:"status"`
	CreatedAt int64  `json:"createdAt"`
	UpdatedAt int64  `json:"updatedAt"`
}

// Terminal reports whether the session can no longer change.
func (s Session) Terminal() bool {
	return s.Status == StatusCompleted || s.Status == StatusAbandoned
}

// Note is one append-only entry in a session's stream.
type Note struct {
	ID        int64  `json:"id"`
	SessionID string `json:"sessionId"`
	Type      string `json:"type"`
	Content   string `json:"content"`
	CreatedBy string `json:"createdBy,omitempty"`
	CreatedAt int64  `json:"createdAt"`
}

// FileClaim marks a path as being worked on by a session. Claims are
// advisory; nothing blocks on them.
type FileClaim struct {
	SessionID string `json:"sessionId"`
	Path      string `json:"path"`
	ClaimedAt int64  `json:"claimedAt"`
}

// ClaimConflict describes another active session already claiming a
// path.
type ClaimConflict struct {
	Path      string `json:"path"`
	SessionID string `json:"sessionId"`
	Identity  string `json:"identity,omitempty"`
	CreatedBy string `json:"createdBy,omitempty"`
	Purpose   string `json:"purpose"`
}

// StartRequest carries everything needed to open a session.
type StartRequest struct {
	Purpose   string
	Identity  string
	CreatedBy string
	Files     []string
	Force     bool // claim conflicted paths anyway
}

// StartResult is the outcome of a session start. Conflicted paths are
// reported as warnings, never errors.
type StartResult struct {
	Session   Session         `json:"session"`
	Claimed   []string        `json:"claimed"`
	Conflicts []ClaimConflict `json:"conflicts,omitempty"`
}

// Detail is a session with its notes and claims expanded.
type Detail struct {
	Session
	Notes []Note   `json:"notes"`
	Files []string `json:"files"`
}

// Service is the sessions component.
type Service struct {
	st  *store.Store
	cfg *config.Config
	act *activity.Log
}

// NewService creates the sessions component.
func NewService(st *store.Store, cfg *config.Config, act *activity.Log) *Service {
	return &Service{st: st, cfg: cfg, act: act}
}

// Start opens a session and claims its files. Paths already claimed by
// another active session are skipped and reported as conflicts unless
// force is set, in which case both claims coexist.
func (s *Service) Start(ctx context.Context, req StartRequest) (StartResult, error) {
	if req.Purpose == "" {
		return StartResult{}, kerr.Validationf("INVALID_PURPOSE", "session purpose is required")
	}
	if req.Identity != "" && !identity.Valid(req.Identity) {
		return StartResult{}, kerr.Validationf("INVALID_IDENTITY", "invalid identity %q", req.Identity)
	}

	sessionID := id.Generate()

	result := StartResult{Claimed: []string{}}
	err := s.st.Tx(ctx, func(tx *sql.Tx) error {
		result = StartResult{Claimed: []string{}}
		now := store.NowMillis()
		sess := Session{
			ID:        sessionID,
			Purpose:   req.Purpose,
			CreatedBy: req.CreatedBy,
			Identity:  req.Identity,
			Status:    StatusActive,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO sessions (id, purpose, created_by, identity, status, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			sess.ID, sess.Purpose, nullable(sess.CreatedBy), nullable(sess.Identity), sess.Status, now, now); err != nil {
			return fmt.Errorf("insert session: %w", err)
		}

		for _, path := range req.Files {
			if path == "" {
				continue
			}
			conflicts, err := claimantsTx(ctx, tx, path, sess.ID)
			if err != nil {
				return err
			}
			result.Conflicts = append(result.Conflicts, conflicts...)
			if len(conflicts) > 0 && !req.Force {
				continue
			}
			if _, err := tx.ExecContext(ctx,
				`INSERT OR IGNORE INTO file_claims (session_id, path, claimed_at) VALUES (?, ?, ?)`,
				sess.ID, path, now); err != nil {
				return fmt.Errorf("claim file: %w", err)
			}
			result.Claimed = append(result.Claimed, path)
		}

		result.Session = sess
		return nil
	})
	if err != nil {
		return StartResult{}, err
	}

	s.act.Record(ctx, "session", "start", sessionID,
		map[string]any{"purpose": req.Purpose, "files": len(result.Claimed)}, req.CreatedBy)
	return result, nil
}

// End moves a session to a terminal status, optionally appending one
// final note first. Ending an already-terminal session is a no-op that
// returns the session as it stands.
func (s *Service) End(ctx context.Context, sessionID, status, note, by string) (Session, error) {
	if status == "" {
		status = StatusCompleted
	}
	if status != StatusCompleted && status != StatusAbandoned {
		return Session{}, kerr.Validationf("INVALID_STATUS", "terminal status must be %q or %q", StatusCompleted, StatusAbandoned)
	}

	var sess Session
	err := s.st.Tx(ctx, func(tx *sql.Tx) error {
		var err error
		sess, err = getTx(ctx, tx, sessionID)
		if err != nil {
			return err
		}
		if sess.Terminal() {
			return nil
		}
		now := store.NowMillis()
		if note != "" {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO notes (session_id, type, content, created_by, created_at) VALUES (?, ?, ?, ?, ?)`,
				sessionID, NoteTypeHandoff, note, nullable(by), now); err != nil {
				return fmt.Errorf("closing note: %w", err)
			}
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE sessions SET status = ?, updated_at = ? WHERE id = ?`, status, now, sessionID); err != nil {
			return fmt.Errorf("end session: %w", err)
		}
		sess.Status = status
		sess.UpdatedAt = now
		return nil
	})
	if err != nil {
		return Session{}, err
	}
	s.act.Record(ctx, "session", "end", sessionID, map[string]any{"status": sess.Status}, by)
	return sess, nil
}

// Delete removes a session and, via cascade, its notes and claims.
func (s *Service) Delete(ctx context.Context, sessionID string) error {
	res, err := s.st.DB().ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, sessionID)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return kerr.NotFoundf("SESSION_NOT_FOUND", "no session %q", sessionID)
	}
	s.act.Record(ctx, "session", "delete", sessionID, nil, "")
	return nil
}

// Get returns a session with its notes and claimed files.
func (s *Service) Get(ctx context.Context, sessionID string) (Detail, error) {
	var d Detail
	sess, err := s.lookup(ctx, sessionID)
	if err != nil {
		return d, err
	}
	d.Session = sess

	d.Notes, err = s.ListNotes(ctx, NoteQuery{SessionID: sessionID})
	if err != nil {
		return d, err
	}
	d.Files, err = s.claimedPaths(ctx, sessionID)
	return d, err
}

// ListFilter narrows a session listing.
type ListFilter struct {
	Status    string
	Identity  string // exact match
	CreatedBy string
	Limit     int
}

// List returns sessions newest-first.
func (s *Service) List(ctx context.Context, f ListFilter) ([]Session, error) {
	if f.Status != "" && f.Status != StatusActive && f.Status != StatusCompleted && f.Status != StatusAbandoned {
		return nil, kerr.Validationf("INVALID_STATUS", "unknown session status %q", f.Status)
	}
	if f.Limit <= 0 || f.Limit > 1000 {
		f.Limit = 100
	}

	query := selectSession + ` WHERE 1=1`
	var args []any
	if f.Status != "" {
		query += ` AND status = ?`
		args = append(args, f.Status)
	}
	if f.Identity != "" {
		query += ` AND identity = ?`
		args = append(args, f.Identity)
	}
	if f.CreatedBy != "" {
		query += ` AND created_by = ?`
		args = append(args, f.CreatedBy)
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT ?`
	args = append(args, f.Limit)

	rows, err := s.st.DB().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	out := []Session{}
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

// NoteRequest adds one note. SessionID may be empty: the note then goes
// to the caller's most recent active session, or a fresh implicit
// "quick note" session when none exists.
type NoteRequest struct {
	SessionID string
	Type      string
	Content   string
	CreatedBy string
}

// AddNote appends a note. Terminal sessions are read-only.
func (s *Service) AddNote(ctx context.Context, req NoteRequest) (Note, error) {
	if req.Content == "" {
		return Note{}, kerr.Validationf("EMPTY_NOTE", "note content is required")
	}
	switch req.Type {
	case "":
		req.Type = NoteTypeNote
	case NoteTypeNote, NoteTypeDecision, NoteTypeBlocker, NoteTypeHandoff:
	default:
		return Note{}, kerr.Validationf("INVALID_NOTE_TYPE", "unknown note type %q", req.Type)
	}

	var note Note
	err := s.st.Tx(ctx, func(tx *sql.Tx) error {
		sessionID := req.SessionID
		if sessionID == "" {
			var err error
			sessionID, err = s.resolveSessionTx(ctx, tx, req.CreatedBy)
			if err != nil {
				return err
			}
		} else {
			sess, err := getTx(ctx, tx, sessionID)
			if err != nil {
				return err
			}
			if sess.Terminal() {
				return kerr.Conflictf("SESSION_TERMINAL", "session %q is %s", sessionID, sess.Status)
			}
		}

		now := store.NowMillis()
		res, err := tx.ExecContext(ctx,
			`INSERT INTO notes (session_id, type, content, created_by, created_at) VALUES (?, ?, ?, ?, ?)`,
			sessionID, req.Type, req.Content, nullable(req.CreatedBy), now)
		if err != nil {
			return fmt.Errorf("insert note: %w", err)
		}
		noteID, err := res.LastInsertId()
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE sessions SET updated_at = ? WHERE id = ?`, now, sessionID); err != nil {
			return err
		}
		note = Note{ID: noteID, SessionID: sessionID, Type: req.Type, Content: req.Content, CreatedBy: req.CreatedBy, CreatedAt: now}
		return nil
	})
	if err != nil {
		return Note{}, err
	}
	s.act.Record(ctx, "session", "note", note.SessionID, map[string]any{"type": note.Type}, req.CreatedBy)
	return note, nil
}

// resolveSessionTx finds the caller's most recent active session or
// opens an implicit one.
func (s *Service) resolveSessionTx(ctx context.Context, tx *sql.Tx, createdBy string) (string, error) {
	by := createdBy
	if by == "" {
		by = s.cfg.DefaultAgentID
	}

	var sessionID string
	err := tx.QueryRowContext(ctx,
		`SELECT id FROM sessions WHERE status = ? AND created_by = ? ORDER BY updated_at DESC LIMIT 1`,
		StatusActive, by).Scan(&sessionID)
	if err == nil {
		return sessionID, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("resolve session: %w", err)
	}

	sessionID = id.Generate()
	now := store.NowMillis()
	_, err = tx.ExecContext(ctx,
		`INSERT INTO sessions (id, purpose, created_by, status, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)`,
		sessionID, "quick note", nullable(by), StatusActive, now, now)
	if err != nil {
		return "", fmt.Errorf("implicit session: %w", err)
	}
	return sessionID, nil
}

// NoteQuery narrows a note listing.
type NoteQuery struct {
	SessionID string
	Type      string
	Limit     int
}

// ListNotes returns notes in append order.
func (s *Service) ListNotes(ctx context.Context, q NoteQuery) ([]Note, error) {
	if q.SessionID == "" {
		return nil, kerr.Validationf("INVALID_SESSION", "session id is required")
	}
	if q.Limit <= 0 || q.Limit > 1000 {
		q.Limit = 100
	}

	query := `SELECT id, session_id, type, content, COALESCE(created_by, ''), created_at FROM notes WHERE session_id = ?`
	args := []any{q.SessionID}
	if q.Type != "" {
		query += ` AND type = ?`
		args = append(args, q.Type)
	}
	query += ` ORDER BY id LIMIT ?`
	args = append(args, q.Limit)

	rows, err := s.st.DB().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list notes: %w", err)
	}
	defer rows.Close()

	out := []Note{}
	for rows.Next() {
		var n Note
		if err := rows.Scan(&n.ID, &n.SessionID, &n.Type, &n.Content, &n.CreatedBy, &n.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// RecentNotes returns the newest notes across all sessions, optionally
// filtered by author.
func (s *Service) RecentNotes(ctx context.Context, createdBy string, limit int) ([]Note, error) {
	if limit <= 0 || limit > 1000 {
		limit = 50
	}
	query := `SELECT id, session_id, type, content, COALESCE(created_by, ''), created_at FROM notes`
	var args []any
	if createdBy != "" {
		query += ` WHERE created_by = ?`
		args = append(args, createdBy)
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.st.DB().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("recent notes: %w", err)
	}
	defer rows.Close()

	out := []Note{}
	for rows.Next() {
		var n Note
		if err := rows.Scan(&n.ID, &n.SessionID, &n.Type, &n.Content, &n.CreatedBy, &n.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// LastNotes returns the newest limit notes of a session, oldest first.
// Used for salvage snapshots.
func (s *Service) LastNotes(ctx context.Context, sessionID string, limit int) ([]Note, error) {
	rows, err := s.st.DB().QueryContext(ctx,
		`SELECT id, session_id, type, content, COALESCE(created_by, ''), created_at
		 FROM notes WHERE session_id = ? ORDER BY id DESC LIMIT ?`, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("last notes: %w", err)
	}
	defer rows.Close()

	var out []Note
	for rows.Next() {
		var n Note
		if err := rows.Scan(&n.ID, &n.SessionID, &n.Type, &n.Content, &n.CreatedBy, &n.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// AddFiles claims more paths for an active session. Conflict semantics
// match Start.
func (s *Service) AddFiles(ctx context.Context, sessionID string, paths []string, force bool) (StartResult, error) {
	var result StartResult
	err := s.st.Tx(ctx, func(tx *sql.Tx) error {
		result = StartResult{Claimed: []string{}}
		sess, err := getTx(ctx, tx, sessionID)
		if err != nil {
			return err
		}
		if sess.Terminal() {
			return kerr.Conflictf("SESSION_TERMINAL", "session %q is %s", sessionID, sess.Status)
		}
		result.Session = sess

		now := store.NowMillis()
		for _, path := range paths {
			if path == "" {
				continue
			}
			conflicts, err := claimantsTx(ctx, tx, path, sessionID)
			if err != nil {
				return err
			}
			result.Conflicts = append(result.Conflicts, conflicts...)
			if len(conflicts) > 0 && !force {
				continue
			}
			if _, err := tx.ExecContext(ctx,
				`INSERT OR IGNORE INTO file_claims (session_id, path, claimed_at) VALUES (?, ?, ?)`,
				sessionID, path, now); err != nil {
				return fmt.Errorf("claim file: %w", err)
			}
			result.Claimed = append(result.Claimed, path)
		}
		return nil
	})
	if err != nil {
		return result, err
	}
	s.act.Record(ctx, "session", "claim", sessionID, map[string]any{"claimed": len(result.Claimed)}, "")
	return result, nil
}

// RemoveFiles drops claims from a session. Unknown paths are ignored.
func (s *Service) RemoveFiles(ctx context.Context, sessionID string, paths []string) (int64, error) {
	if _, err := s.lookup(ctx, sessionID); err != nil {
		return 0, err
	}
	var removed int64
	for _, path := range paths {
		res, err := s.st.DB().ExecContext(ctx,
			`DELETE FROM file_claims WHERE session_id = ? AND path = ?`, sessionID, path)
		if err != nil {
			return removed, fmt.Errorf("remove claim: %w", err)
		}
		n, _ := res.RowsAffected()
		removed += n
	}
	s.act.Record(ctx, "session", "unclaim", sessionID, map[string]any{"removed": removed}, "")
	return removed, nil
}

// WhoHas returns the active sessions claiming a path.
func (s *Service) WhoHas(ctx context.Context, path string) ([]ClaimConflict, error) {
	var out []ClaimConflict
	err := s.st.Tx(ctx, func(tx *sql.Tx) error {
		var err error
		out, err = claimantsTx(ctx, tx, path, "")
		return err
	})
	if out == nil {
		out = []ClaimConflict{}
	}
	return out, err
}

// ActiveByAgent returns the caller's open sessions, oldest first. Used
// by salvage when the agent dies.
func (s *Service) ActiveByAgent(ctx context.Context, agentID string) ([]Session, error) {
	rows, err := s.st.DB().QueryContext(ctx,
		selectSession+` WHERE status = ? AND created_by = ? ORDER BY created_at`, StatusActive, agentID)
	if err != nil {
		return nil, fmt.Errorf("active sessions: %w", err)
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

func (s *Service) lookup(ctx context.Context, sessionID string) (Session, error) {
	sess, err := scanSession(s.st.DB().QueryRowContext(ctx, selectSession+` WHERE id = ?`, sessionID))
	if errors.Is(err, sql.ErrNoRows) {
		return Session{}, kerr.NotFoundf("SESSION_NOT_FOUND", "no session %q", sessionID)
	}
	if err != nil {
		return Session{}, fmt.Errorf("get session: %w", err)
	}
	return sess, nil
}

func (s *Service) claimedPaths(ctx context.Context, sessionID string) ([]string, error) {
	rows, err := s.st.DB().QueryContext(ctx,
		`SELECT path FROM file_claims WHERE session_id = ? ORDER BY path`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("claimed paths: %w", err)
	}
	defer rows.Close()

	out := []string{}
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func getTx(ctx context.Context, tx *sql.Tx, sessionID string) (Session, error) {
	sess, err := scanSession(tx.QueryRowContext(ctx, selectSession+` WHERE id = ?`, sessionID))
	if errors.Is(err, sql.ErrNoRows) {
		return Session{}, kerr.NotFoundf("SESSION_NOT_FOUND", "no session %q", sessionID)
	}
	if err != nil {
		return Session{}, fmt.Errorf("get session: %w", err)
	}
	return sess, nil
}

// claimantsTx lists active sessions other than exclude that claim path.
func claimantsTx(ctx context.Context, tx *sql.Tx, path, exclude string) ([]ClaimConflict, error) {
	rows, err := tx.QueryContext(ctx,
		`SELECT fc.session_id, COALESCE(s.identity, ''), COALESCE(s.created_by, ''), s.purpose
		 FROM file_claims fc JOIN sessions s ON s.id = fc.session_id
		 WHERE fc.path = ? AND s.status = ? AND fc.session_id != ?`,
		path, StatusActive, exclude)
	if err != nil {
		return nil, fmt.Errorf("lookup claimants: %w", err)
	}
	defer rows.Close()

	var out []ClaimConflict
	for rows.Next() {
		c := ClaimConflict{Path: path}
		if err := rows.Scan(&c.SessionID, &c.Identity, &c.CreatedBy, &c.Purpose); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

const selectSession = `SELECT id, purpose, COALESCE(created_by, ''), COALESCE(identity, ''), status, created_at, updated_at FROM sessions`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (Session, error) {
	var s Session
	err := row.Scan(&s.ID, &s.Purpose, &s.CreatedBy, &s.Identity, &s.Status, &s.CreatedAt, &s.UpdatedAt)
	return s, err
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
