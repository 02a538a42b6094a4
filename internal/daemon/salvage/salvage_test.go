package salvage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/curiositech/port-daddy/internal/daemon/activity"
	"github.com/curiositech/port-daddy/internal/daemon/agents"
	"github.com/curiositech/port-daddy/internal/daemon/config"
	"github.com/curiositech/port-daddy/internal/daemon/db"
	"github.com/curiositech/port-daddy/internal/daemon/kerr"
	"github.com/curiositech/port-daddy/internal/daemon/sessions"
	"github.com/curiositech/port-daddy/internal/daemon/store"
)

func newTestService(t *testing.T) (*Service, *sessions.Service) {
	t.Helper()
	sqlDB, err := db.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, db.Migrate(sqlDB))

	st := store.New(sqlDB)
	act, err := activity.New(st)
	require.NoError(t, err)

	cfg := &config.Config{
		SalvageNoteLimit: 2,
		StaleAfter:       10 * time.Minute,
		DeadAfter:        20 * time.Minute,
	}
	sess := sessions.NewService(st, cfg, act)
	return NewService(st, cfg, act, sess), sess
}

func deadAgent(id, project string) agents.Agent {
	return agents.Agent{ID: id, Project: project, State: agents.StateDead}
}

func TestCreateForDeadAgent(t *testing.T) {
	svc, sess := newTestService(t)
	ctx := context.Background()

	started, err := sess.Start(ctx, sessions.StartRequest{
		Purpose: "migrate db", Identity: "myapp:api", CreatedBy: "alpha",
	})
	require.NoError(t, err)
	for _, content := range []string{"one", "two", "three"} {
		_, err = sess.AddNote(ctx, sessions.NoteRequest{SessionID: started.Session.ID, Content: content})
		require.NoError(t, err)
	}

	created, err := svc.CreateForDeadAgent(ctx, deadAgent("alpha", "myapp"))
	require.NoError(t, err)
	assert.True(t, created)

	entries, err := svc.List(ctx, Filter{Project: "myapp", State: StatePending})
	require.NoError(t, err)
	require.Len(t, entries, 1)

	e := entries[0]
	assert.Equal(t, "alpha", e.DeadAgentID)
	require.Len(t, e.Sessions, 1)
	assert.Equal(t, started.Session.ID, e.Sessions[0].ID)
	// Only the newest SalvageNoteLimit notes are snapshotted.
	require.Len(t, e.Notes, 2)
	assert.Equal(t, "two", e.Notes[0].Content)
	assert.Equal(t, "three", e.Notes[1].Content)
}

func TestCreateForDeadAgent_NoActiveSessions(t *testing.T) {
	svc, _ := newTestService(t)
	created, err := svc.CreateForDeadAgent(context.Background(), deadAgent("ghost", "myapp"))
	require.NoError(t, err)
	assert.False(t, created)
}

func TestCreateForDeadAgent_Dedupe(t *testing.T) {
	svc, sess := newTestService(t)
	ctx := context.Background()

	_, err := sess.Start(ctx, sessions.StartRequest{Purpose: "x", CreatedBy: "alpha"})
	require.NoError(t, err)

	created, err := svc.CreateForDeadAgent(ctx, deadAgent("alpha", "myapp"))
	require.NoError(t, err)
	assert.True(t, created)

	// An unresolved entry blocks a duplicate.
	created, err = svc.CreateForDeadAgent(ctx, deadAgent("alpha", "myapp"))
	require.NoError(t, err)
	assert.False(t, created)
}

func TestSnapshotFrozenAtDeath(t *testing.T) {
	svc, sess := newTestService(t)
	ctx := context.Background()

	started, err := sess.Start(ctx, sessions.StartRequest{Purpose: "x", CreatedBy: "alpha"})
	require.NoError(t, err)
	_, err = svc.CreateForDeadAgent(ctx, deadAgent("alpha", "myapp"))
	require.NoError(t, err)

	// Later note edits do not leak into the snapshot.
	_, err = sess.AddNote(ctx, sessions.NoteRequest{SessionID: started.Session.ID, Content: "after death"})
	require.NoError(t, err)

	entries, err := svc.List(ctx, Filter{})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Empty(t, entries[0].Notes)
}

func TestClaim(t *testing.T) {
	svc, sess := newTestService(t)
	ctx := context.Background()

	_, err := sess.Start(ctx, sessions.StartRequest{Purpose: "x", CreatedBy: "alpha"})
	require.NoError(t, err)
	_, err = svc.CreateForDeadAgent(ctx, deadAgent("alpha", "myapp"))
	require.NoError(t, err)
	entries, err := svc.List(ctx, Filter{})
	require.NoError(t, err)
	entryID := entries[0].ID

	entry, err := svc.Claim(ctx, entryID, "beta")
	require.NoError(t, err)
	assert.Equal(t, StateClaimed, entry.State)
	assert.Equal(t, "beta", entry.ClaimedBy)

	// A second claimer is told who got there first.
	_, err = svc.Claim(ctx, entryID, "gamma")
	require.Error(t, err)
	ke := kerr.As(err)
	assert.Equal(t, kerr.Conflict, ke.Kind)
	assert.Equal(t, "beta", ke.Details["claimedBy"])

	_, err = svc.Claim(ctx, "missing", "beta")
	assert.True(t, kerr.IsKind(err, kerr.NotFound))
}

func TestResolve_Transitions(t *testing.T) {
	svc, sess := newTestService(t)
	ctx := context.Background()

	_, err := sess.Start(ctx, sessions.StartRequest{Purpose: "x", CreatedBy: "alpha"})
	require.NoError(t, err)
	_, err = svc.CreateForDeadAgent(ctx, deadAgent("alpha", "myapp"))
	require.NoError(t, err)
	entries, err := svc.List(ctx, Filter{})
	require.NoError(t, err)
	entryID := entries[0].ID

	// done requires a claimed entry.
	_, err = svc.Resolve(ctx, entryID, StateDone, "beta")
	assert.True(t, kerr.IsKind(err, kerr.Conflict))

	_, err = svc.Claim(ctx, entryID, "beta")
	require.NoError(t, err)
	entry, err := svc.Resolve(ctx, entryID, StateDone, "beta")
	require.NoError(t, err)
	assert.Equal(t, StateDone, entry.State)

	// Transitions are one-way.
	_, err = svc.Resolve(ctx, entryID, StateAbandoned, "beta")
	assert.True(t, kerr.IsKind(err, kerr.Conflict))
	_, err = svc.Claim(ctx, entryID, "gamma")
	assert.True(t, kerr.IsKind(err, kerr.Conflict))

	_, err = svc.Resolve(ctx, entryID, "resurrected", "beta")
	assert.True(t, kerr.IsKind(err, kerr.Validation))
}

func TestResolve_DismissFromPending(t *testing.T) {
	svc, sess := newTestService(t)
	ctx := context.Background()

	_, err := sess.Start(ctx, sessions.StartRequest{Purpose: "x", CreatedBy: "alpha"})
	require.NoError(t, err)
	_, err = svc.CreateForDeadAgent(ctx, deadAgent("alpha", "myapp"))
	require.NoError(t, err)
	entries, err := svc.List(ctx, Filter{})
	require.NoError(t, err)

	entry, err := svc.Resolve(ctx, entries[0].ID, StateDismissed, "")
	require.NoError(t, err)
	assert.Equal(t, StateDismissed, entry.State)
}

func TestCountPendingByProject(t *testing.T) {
	svc, sess := newTestService(t)
	ctx := context.Background()

	_, err := sess.Start(ctx, sessions.StartRequest{Purpose: "x", CreatedBy: "alpha"})
	require.NoError(t, err)
	_, err = svc.CreateForDeadAgent(ctx, deadAgent("alpha", "myapp"))
	require.NoError(t, err)

	n, err := svc.CountPendingByProject(ctx, "myapp")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = svc.CountPendingByProject(ctx, "other")
	require.NoError(t, err)
	assert.Zero(t, n)
}
