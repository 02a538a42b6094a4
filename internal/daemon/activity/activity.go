// Package activity implements the daemon's audit trail. Every mutating
// kernel operation records exactly one row here. The log is write-only:
// rows are never updated, only trimmed by the reaper's retention sweep.
package activity

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/curiositech/port-daddy/internal/daemon/store"
)

// Entry is one audit row.
type Entry struct {
	ID        int64           `json:"id"`
	Type      string          `json:"type"`
	Action    string          `json:"action"`
	Target    string          `json:"target,omitempty"`
	Details   json.RawMessage `json:"details,omitempty"`
	AgentID   string          `json:"agentId,omitempty"`
	CreatedAt int64           `json:"createdAt"`
}

// Tap receives every recorded entry. Used by the webhook collaborator;
// taps must not block.
type Tap func(Entry)

// Log writes and reads audit rows.
type Log struct {
	st     *store.Store
	insert *sql.Stmt

	mu   sync.RWMutex
	taps []Tap
}

// New prepares the hot-path insert statement.
func New(st *store.Store) (*Log, error) {
	insert, err := st.DB().Prepare(
		`INSERT INTO activity (type, action, target, details, agent_id, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return nil, fmt.Errorf("prepare activity insert: %w", err)
	}
	return &Log{st: st, insert: insert}, nil
}

// AddTap registers a listener for future entries.
func (l *Log) AddTap(t Tap) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.taps = append(l.taps, t)
}

// Record writes one audit row. Best-effort: a failed audit write is
// logged but never fails the mutation that triggered it.
func (l *Log) Record(ctx context.Context, typ, action, target string, details any, agentID string) {
	var detailsJSON []byte
	if details != nil {
		var err error
		detailsJSON, err = json.Marshal(details)
		if err != nil {
			slog.Warn("activity: marshal details", "type", typ, "action", action, "error", err)
			detailsJSON = nil
		}
	}

	createdAt := store.NowMillis()
	res, err := l.insert.ExecContext(ctx, typ, action, nullable(target), nullableBytes(detailsJSON), nullable(agentID), createdAt)
	if err != nil {
		slog.Warn("activity: record", "type", typ, "action", action, "error", err)
		return
	}
	id, _ := res.LastInsertId()

	entry := Entry{
		ID:        id,
		Type:      typ,
		Action:    action,
		Target:    target,
		Details:   detailsJSON,
		AgentID:   agentID,
		CreatedAt: createdAt,
	}
	l.mu.RLock()
	taps := l.taps
	l.mu.RUnlock()
	for _, t := range taps {
		t(entry)
	}
}

// Query filters a List call. Zero values mean "no filter".
type Query struct {
	Type    string
	Action  string
	AgentID string
	From    int64 // inclusive, ms
	To      int64 // exclusive, ms
	Limit   int
	Offset  int
}

// List returns matching entries, newest first.
func (l *Log) List(ctx context.Context, q Query) ([]Entry, error) {
	var (
		conds []string
		args  []any
	)
	if q.Type != "" {
		conds = append(conds, "type = ?")
		args = append(args, q.Type)
	}
	if q.Action != "" {
		conds = append(conds, "action = ?")
		args = append(args, q.Action)
	}
	if q.AgentID != "" {
		conds = append(conds, "agent_id = ?")
		args = append(args, q.AgentID)
	}
	if q.From > 0 {
		conds = append(conds, "created_at >= ?")
		args = append(args, q.From)
	}
	if q.To > 0 {
		conds = append(conds, "created_at < ?")
		args = append(args, q.To)
	}

	query := `SELECT id, type, action, COALESCE(target, ''), COALESCE(details, ''), COALESCE(agent_id, ''), created_at FROM activity`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY id DESC"

	limit := q.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	query += " LIMIT ? OFFSET ?"
	args = append(args, limit, q.Offset)

	rows, err := l.st.DB().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list activity: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		var details string
		if err := rows.Scan(&e.ID, &e.Type, &e.Action, &e.Target, &details, &e.AgentID, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan activity: %w", err)
		}
		if details != "" {
			e.Details = json.RawMessage(details)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Summary returns entry counts per type since the given time.
func (l *Log) Summary(ctx context.Context, since int64) (map[string]int64, error) {
	rows, err := l.st.DB().QueryContext(ctx,
		`SELECT type, COUNT(*) FROM activity WHERE created_at >= ? GROUP BY type`, since)
	if err != nil {
		return nil, fmt.Errorf("activity summary: %w", err)
	}
	defer rows.Close()

	out := make(map[string]int64)
	for rows.Next() {
		var typ string
		var n int64
		if err := rows.Scan(&typ, &n); err != nil {
			return nil, err
		}
		out[typ] = n
	}
	return out, rows.Err()
}

// Stats describes the whole log.
type Stats struct {
	Total  int64 `json:"total"`
	Oldest int64 `json:"oldest,omitempty"`
	Newest int64 `json:"newest,omitempty"`
}

// GetStats computes aggregate statistics on demand.
func (l *Log) GetStats(ctx context.Context) (Stats, error) {
	var s Stats
	err := l.st.DB().QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(MIN(created_at), 0), COALESCE(MAX(created_at), 0) FROM activity`).
		Scan(&s.Total, &s.Oldest, &s.Newest)
	if err != nil {
		return Stats{}, fmt.Errorf("activity stats: %w", err)
	}
	return s, nil
}

// Trim enforces the retention cap: rows older than cutoff are dropped,
// then the newest maxRows are kept. Returns the number of rows removed.
func (l *Log) Trim(ctx context.Context, cutoff int64, maxRows int) (int64, error) {
	var removed int64
	err := l.st.Tx(ctx, func(tx *sql.Tx) error {
		removed = 0
		res, err := tx.ExecContext(ctx, `DELETE FROM activity WHERE created_at < ?`, cutoff)
		if err != nil {
			return err
		}
		n, _ := res.RowsAffected()
		removed += n

		if maxRows > 0 {
			res, err = tx.ExecContext(ctx,
				`DELETE FROM activity WHERE id NOT IN (SELECT id FROM activity ORDER BY id DESC LIMIT ?)`, maxRows)
			if err != nil {
				return err
			}
			n, _ = res.RowsAffected()
			removed += n
		}
		return nil
	})
	return removed, err
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullableBytes(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}
