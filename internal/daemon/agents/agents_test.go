package agents

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/curiositech/port-daddy/internal/daemon/activity"
	"github.com/curiositech/port-daddy/internal/daemon/config"
	"github.com/curiositech/port-daddy/internal/daemon/db"
	"github.com/curiositech/port-daddy/internal/daemon/kerr"
	"github.com/curiositech/port-daddy/internal/daemon/store"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	sqlDB, err := db.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, db.Migrate(sqlDB))

	st := store.New(sqlDB)
	act, err := activity.New(st)
	require.NoError(t, err)

	cfg := &config.Config{
		StaleAfter: 10 * time.Minute,
		DeadAfter:  20 * time.Minute,
	}
	return NewRegistry(st, cfg, act)
}

// backdate rewinds an agent's heartbeat by the given duration.
func backdate(t *testing.T, r *Registry, agentID string, by time.Duration) {
	t.Helper()
	_, err := r.st.DB().Exec(`UPDATE agents SET last_heartbeat = last_heartbeat - ? WHERE id = ?`,
		by.Milliseconds(), agentID)
	require.NoError(t, err)
}

func TestRegister_Upsert(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	first, err := r.Register(ctx, "alpha", RegisterRequest{
		Type:     "coder",
		Purpose:  "implement api",
		Identity: "myapp:api",
	})
	require.NoError(t, err)
	assert.Equal(t, "alpha", first.Agent.ID)
	assert.Equal(t, "myapp", first.Agent.Project)
	assert.Equal(t, "api", first.Agent.Stack)
	assert.Equal(t, StateActive, first.Agent.State)

	// Re-register updates fields but keeps registeredAt.
	second, err := r.Register(ctx, "alpha", RegisterRequest{
		Type:     "reviewer",
		Identity: "myapp:web",
	})
	require.NoError(t, err)
	assert.Equal(t, "reviewer", second.Agent.Type)
	assert.Equal(t, "web", second.Agent.Stack)
	assert.Equal(t, first.Agent.RegisteredAt, second.Agent.RegisteredAt)
}

func TestRegister_Validation(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	_, err := r.Register(ctx, "", RegisterRequest{})
	assert.True(t, kerr.IsKind(err, kerr.Validation))

	_, err = r.Register(ctx, "alpha", RegisterRequest{Identity: "bad identity"})
	assert.True(t, kerr.IsKind(err, kerr.Validation))
}

type stubSalvage struct{ pending int }

func (s stubSalvage) CountPendingByProject(context.Context, string) (int, error) {
	return s.pending, nil
}

func TestRegister_SalvageHint(t *testing.T) {
	r := newTestRegistry(t)
	r.SetSalvageCounter(stubSalvage{pending: 2})
	ctx := context.Background()

	result, err := r.Register(ctx, "beta", RegisterRequest{Identity: "myapp"})
	require.NoError(t, err)
	assert.Equal(t, 2, result.SalvageHint)

	// No identity, no hint.
	result, err = r.Register(ctx, "gamma", RegisterRequest{})
	require.NoError(t, err)
	assert.Zero(t, result.SalvageHint)
}

func TestHeartbeat(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	_, err := r.Register(ctx, "alpha", RegisterRequest{})
	require.NoError(t, err)
	backdate(t, r, "alpha", 15*time.Minute)

	agent, err := r.Get(ctx, "alpha")
	require.NoError(t, err)
	assert.Equal(t, StateStale, agent.State)

	require.NoError(t, r.Heartbeat(ctx, "alpha"))
	agent, err = r.Get(ctx, "alpha")
	require.NoError(t, err)
	assert.Equal(t, StateActive, agent.State)
}

func TestHeartbeat_UnknownAgent(t *testing.T) {
	r := newTestRegistry(t)
	err := r.Heartbeat(context.Background(), "ghost")
	require.Error(t, err)
	assert.Equal(t, "AGENT_NOT_FOUND", kerr.As(err).Code)
}

func TestUnregister(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	_, err := r.Register(ctx, "alpha", RegisterRequest{})
	require.NoError(t, err)
	require.NoError(t, r.Unregister(ctx, "alpha"))

	_, err = r.Get(ctx, "alpha")
	assert.True(t, kerr.IsKind(err, kerr.NotFound))

	assert.True(t, kerr.IsKind(r.Unregister(ctx, "alpha"), kerr.NotFound))
}

func TestDeriveState(t *testing.T) {
	r := newTestRegistry(t)
	now := store.NowMillis()

	assert.Equal(t, StateActive, r.DeriveState(now, now-time.Minute.Milliseconds()))
	assert.Equal(t, StateStale, r.DeriveState(now, now-(10*time.Minute).Milliseconds()))
	assert.Equal(t, StateDead, r.DeriveState(now, now-(20*time.Minute).Milliseconds()))
}

func TestList_Filters(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	_, err := r.Register(ctx, "alpha", RegisterRequest{Identity: "myapp:api"})
	require.NoError(t, err)
	_, err = r.Register(ctx, "beta", RegisterRequest{Identity: "myapp:web"})
	require.NoError(t, err)
	_, err = r.Register(ctx, "gamma", RegisterRequest{Identity: "other"})
	require.NoError(t, err)
	backdate(t, r, "beta", 25*time.Minute)

	byProject, err := r.List(ctx, ListFilter{Project: "myapp"})
	require.NoError(t, err)
	assert.Len(t, byProject, 2)

	dead, err := r.List(ctx, ListFilter{State: StateDead})
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, "beta", dead[0].ID)

	_, err = r.List(ctx, ListFilter{State: "zombie"})
	assert.True(t, kerr.IsKind(err, kerr.Validation))
}
