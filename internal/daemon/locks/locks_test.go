package locks

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/curiositech/port-daddy/internal/daemon/activity"
	"github.com/curiositech/port-daddy/internal/daemon/db"
	"github.com/curiositech/port-daddy/internal/daemon/kerr"
	"github.com/curiositech/port-daddy/internal/daemon/store"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	sqlDB, err := db.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, db.Migrate(sqlDB))

	st := store.New(sqlDB)
	act, err := activity.New(st)
	require.NoError(t, err)
	return NewManager(st, act)
}

func TestAcquire_Contention(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	lock, err := m.Acquire(ctx, "db-mig", "agent-a", 60000, 0)
	require.NoError(t, err)
	assert.Equal(t, "agent-a", lock.Owner)
	assert.NotZero(t, lock.ExpiresAt)

	_, err = m.Acquire(ctx, "db-mig", "agent-b", 60000, 0)
	require.Error(t, err)
	ke := kerr.As(err)
	assert.Equal(t, kerr.Conflict, ke.Kind)
	assert.Equal(t, "LOCK_HELD", ke.Code)
	assert.Equal(t, "agent-a", ke.Details["holder"])
}

func TestAcquire_AfterRelease(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	_, err := m.Acquire(ctx, "db-mig", "agent-a", 60000, 0)
	require.NoError(t, err)

	released, err := m.Release(ctx, "db-mig", "agent-a", false)
	require.NoError(t, err)
	assert.True(t, released)

	_, err = m.Acquire(ctx, "db-mig", "agent-b", 60000, 0)
	require.NoError(t, err)
}

func TestAcquire_ExpiredLeaseSwept(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	_, err := m.Acquire(ctx, "build", "agent-a", 1, 0)
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)

	lock, err := m.Acquire(ctx, "build", "agent-b", 60000, 0)
	require.NoError(t, err)
	assert.Equal(t, "agent-b", lock.Owner)
}

func TestAcquire_InfiniteTTL(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	lock, err := m.Acquire(ctx, "forever", "agent-a", 0, 0)
	require.NoError(t, err)
	assert.Zero(t, lock.ExpiresAt)

	held, err := m.Check(ctx, "forever")
	require.NoError(t, err)
	require.NotNil(t, held)
	assert.Equal(t, "agent-a", held.Owner)
}

func TestAcquire_Validation(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	_, err := m.Acquire(ctx, "bad name", "a", 0, 0)
	assert.True(t, kerr.IsKind(err, kerr.Validation))

	_, err = m.Acquire(ctx, "ok", "", 0, 0)
	assert.True(t, kerr.IsKind(err, kerr.Validation))

	_, err = m.Acquire(ctx, "ok", "a", MaxTTLMs+1, 0)
	assert.True(t, kerr.IsKind(err, kerr.Validation))
}

func TestAcquire_OwnerDefaultsToPID(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	lock, err := m.Acquire(ctx, "build", "", 60000, 4242)
	require.NoError(t, err)
	assert.Equal(t, "4242", lock.Owner)
	assert.Equal(t, 4242, lock.PID)

	// The pid string is the owner for release purposes too.
	released, err := m.Release(ctx, "build", "4242", false)
	require.NoError(t, err)
	assert.True(t, released)
}

func TestExtend(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	lock, err := m.Acquire(ctx, "build", "agent-a", 1000, 0)
	require.NoError(t, err)

	extended, err := m.Extend(ctx, "build", "agent-a", 60000, false)
	require.NoError(t, err)
	assert.Greater(t, extended.ExpiresAt, lock.ExpiresAt)

	// Someone else cannot extend without force.
	_, err = m.Extend(ctx, "build", "agent-b", 60000, false)
	assert.True(t, kerr.IsKind(err, kerr.Conflict))

	_, err = m.Extend(ctx, "build", "agent-b", 60000, true)
	assert.NoError(t, err)

	_, err = m.Extend(ctx, "missing", "agent-a", 60000, false)
	assert.True(t, kerr.IsKind(err, kerr.NotFound))
}

func TestRelease_Semantics(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	// Releasing a lock nobody holds is a no-op.
	released, err := m.Release(ctx, "ghost", "agent-a", false)
	require.NoError(t, err)
	assert.False(t, released)

	_, err = m.Acquire(ctx, "build", "agent-a", 60000, 0)
	require.NoError(t, err)

	// Another owner needs force.
	_, err = m.Release(ctx, "build", "agent-b", false)
	assert.True(t, kerr.IsKind(err, kerr.Conflict))

	released, err = m.Release(ctx, "build", "agent-b", true)
	require.NoError(t, err)
	assert.True(t, released)
}

func TestRelease_ExpiredIsNoOp(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	_, err := m.Acquire(ctx, "build", "agent-a", 1, 0)
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)

	released, err := m.Release(ctx, "build", "agent-a", false)
	require.NoError(t, err)
	assert.False(t, released)
}

func TestList_SweepsExpired(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	_, err := m.Acquire(ctx, "short", "agent-a", 1, 0)
	require.NoError(t, err)
	_, err = m.Acquire(ctx, "long", "agent-a", 60000, 0)
	require.NoError(t, err)
	_, err = m.Acquire(ctx, "other", "agent-b", 60000, 0)
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)

	all, err := m.List(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 2)

	mine, err := m.List(ctx, "agent-a")
	require.NoError(t, err)
	require.Len(t, mine, 1)
	assert.Equal(t, "long", mine[0].Name)
}

func TestCheck_MissingAndExpired(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	held, err := m.Check(ctx, "nothing")
	require.NoError(t, err)
	assert.Nil(t, held)

	_, err = m.Acquire(ctx, "short", "agent-a", 1, 0)
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)

	held, err = m.Check(ctx, "short")
	require.NoError(t, err)
	assert.Nil(t, held)
}
