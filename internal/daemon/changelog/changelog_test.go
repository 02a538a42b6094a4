package changelog

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/curiositech/port-daddy/internal/daemon/activity"
	"github.com/curiositech/port-daddy/internal/daemon/db"
	"github.com/curiositech/port-daddy/internal/daemon/kerr"
	"github.com/curiositech/port-daddy/internal/daemon/store"
)

func newTestLog(t *testing.T) *Log {
	t.Helper()
	sqlDB, err := db.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, db.Migrate(sqlDB))

	st := store.New(sqlDB)
	act, err := activity.New(st)
	require.NoError(t, err)
	return NewLog(st, act)
}

func TestAdd(t *testing.T) {
	l := newTestLog(t)
	ctx := context.Background()

	entry, err := l.Add(ctx, AddRequest{
		Identity: "myapp:api",
		Type:     TypeFeature,
		Summary:  "add login endpoint",
		AgentID:  "alpha",
	})
	require.NoError(t, err)
	assert.NotZero(t, entry.ID)
	assert.NotZero(t, entry.CreatedAt)
}

func TestAdd_Validation(t *testing.T) {
	l := newTestLog(t)
	ctx := context.Background()

	_, err := l.Add(ctx, AddRequest{Identity: "bad id", Type: TypeFix, Summary: "x"})
	assert.True(t, kerr.IsKind(err, kerr.Validation))

	_, err = l.Add(ctx, AddRequest{Identity: "myapp", Type: "improvement", Summary: "x"})
	assert.True(t, kerr.IsKind(err, kerr.Validation))

	_, err = l.Add(ctx, AddRequest{Identity: "myapp", Type: TypeFix, Summary: ""})
	assert.True(t, kerr.IsKind(err, kerr.Validation))
}

func TestList_Rollup(t *testing.T) {
	l := newTestLog(t)
	ctx := context.Background()

	for _, e := range []AddRequest{
		{Identity: "myapp", Type: TypeChore, Summary: "root entry"},
		{Identity: "myapp:api", Type: TypeFeature, Summary: "stack entry"},
		{Identity: "myapp:api:wt2", Type: TypeFix, Summary: "context entry"},
		{Identity: "other", Type: TypeDocs, Summary: "unrelated"},
		{Identity: "myapp2", Type: TypeDocs, Summary: "lookalike project"},
	} {
		_, err := l.Add(ctx, e)
		require.NoError(t, err)
	}

	// Querying a project sees everything under it; the rollup respects
	// segment boundaries, so "myapp2" stays out.
	entries, err := l.List(ctx, Query{Identity: "myapp"})
	require.NoError(t, err)
	assert.Len(t, entries, 3)

	// Querying a stack sees the stack and its contexts, not the root.
	entries, err = l.List(ctx, Query{Identity: "myapp:api"})
	require.NoError(t, err)
	require.Len(t, entries, 2)
	// Newest first.
	assert.Equal(t, "context entry", entries[0].Summary)

	entries, err = l.List(ctx, Query{Identity: "myapp", Type: TypeFix})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "context entry", entries[0].Summary)

	all, err := l.List(ctx, Query{})
	require.NoError(t, err)
	assert.Len(t, all, 5)
}
