// Package reaper runs the periodic cleanup sweep: dead service rows,
// lapsed lock leases, agent liveness transitions (feeding the salvage
// queue), and retention trims for messages and activity.
package reaper

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/curiositech/port-daddy/internal/daemon/activity"
	"github.com/curiositech/port-daddy/internal/daemon/agents"
	"github.com/curiositech/port-daddy/internal/daemon/config"
	"github.com/curiositech/port-daddy/internal/daemon/locks"
	"github.com/curiositech/port-daddy/internal/daemon/msg"
	"github.com/curiositech/port-daddy/internal/daemon/ports"
	"github.com/curiositech/port-daddy/internal/daemon/salvage"
	"github.com/curiositech/port-daddy/internal/daemon/store"
	"github.com/curiositech/port-daddy/internal/metrics"
)

// Report summarizes one sweep.
type Report struct {
	ServicesReclaimed int64 `json:"servicesReclaimed"`
	LocksExpired      int64 `json:"locksExpired"`
	AgentsStale       int   `json:"agentsStale"`
	AgentsDead        int   `json:"agentsDead"`
	SalvageCreated    int   `json:"salvageCreated"`
	MessagesTrimmed   int64 `json:"messagesTrimmed"`
	ActivityTrimmed   int64 `json:"activityTrimmed"`
	DurationMs        int64 `json:"durationMs"`
}

// Reaper is the cleanup component.
type Reaper struct {
	cfg     *config.Config
	act     *activity.Log
	ports   *ports.Registry
	locks   *locks.Manager
	msgs    *msg.Service
	agents  *agents.Registry
	salvage *salvage.Service
	log     *slog.Logger

	// lastStates remembers each agent's derived state from the previous
	// sweep so transitions fire exactly once per crossing.
	mu         sync.Mutex
	lastStates map[string]string
}

// New creates the reaper.
func New(cfg *config.Config, act *activity.Log, p *ports.Registry, l *locks.Manager,
	m *msg.Service, a *agents.Registry, s *salvage.Service, log *slog.Logger) *Reaper {
	return &Reaper{
		cfg: cfg, act: act, ports: p, locks: l, msgs: m, agents: a, salvage: s,
		log:        log.With("component", "reaper"),
		lastStates: make(map[string]string),
	}
}

// Run sweeps on the configured interval until ctx is canceled. One
// sweep runs immediately at startup so a restarted daemon converges
// without waiting a full interval.
func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.ReapInterval)
	defer ticker.Stop()

	r.sweepLogged(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.sweepLogged(ctx)
		}
	}
}

func (r *Reaper) sweepLogged(ctx context.Context) {
	report, err := r.Sweep(ctx)
	if err != nil {
		r.log.Error("sweep failed", "error", err)
		return
	}
	if report.ServicesReclaimed+report.LocksExpired+report.MessagesTrimmed+report.ActivityTrimmed > 0 ||
		report.AgentsStale+report.AgentsDead+report.SalvageCreated > 0 {
		r.log.Info("sweep",
			"services", report.ServicesReclaimed,
			"locks", report.LocksExpired,
			"stale", report.AgentsStale,
			"dead", report.AgentsDead,
			"salvage", report.SalvageCreated,
			"messages", report.MessagesTrimmed,
			"activity", report.ActivityTrimmed,
			"ms", report.DurationMs)
	}
}

// Sweep runs one full cleanup pass. Each entity class is handled
// independently; a failure in one does not abort the rest.
func (r *Reaper) Sweep(ctx context.Context) (Report, error) {
	start := time.Now()
	var report Report
	var firstErr error

	keep := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	n, err := r.ports.ReleaseDead(ctx)
	keep(err)
	report.ServicesReclaimed = n
	if n > 0 {
		metrics.ReaperReclaimed.WithLabelValues("service").Add(float64(n))
	}

	n, err = r.locks.SweepExpired(ctx)
	keep(err)
	report.LocksExpired = n
	if n > 0 {
		metrics.ReaperReclaimed.WithLabelValues("lock").Add(float64(n))
	}

	stale, dead, created, err := r.sweepAgents(ctx)
	keep(err)
	report.AgentsStale = stale
	report.AgentsDead = dead
	report.SalvageCreated = created
	if dead > 0 {
		metrics.ReaperReclaimed.WithLabelValues("agent").Add(float64(dead))
	}

	n, err = r.msgs.TruncateRetention(ctx)
	keep(err)
	report.MessagesTrimmed = n

	if r.cfg.ActivityMaxAge > 0 || r.cfg.ActivityMaxRows > 0 {
		cutoff := store.NowMillis() - r.cfg.ActivityMaxAge.Milliseconds()
		n, err = r.act.Trim(ctx, cutoff, r.cfg.ActivityMaxRows)
		keep(err)
		report.ActivityTrimmed = n
	}

	report.DurationMs = time.Since(start).Milliseconds()
	metrics.ReaperSweepsTotal.Inc()
	metrics.ReaperSweepDuration.Observe(time.Since(start).Seconds())
	return report, firstErr
}

// sweepAgents re-derives every agent's state and acts on transitions:
// active->stale logs, anything->dead with open sessions queues salvage.
func (r *Reaper) sweepAgents(ctx context.Context) (stale, dead, created int, err error) {
	all, err := r.agents.List(ctx, agents.ListFilter{})
	if err != nil {
		return 0, 0, 0, err
	}

	r.mu.Lock()
	prev := r.lastStates
	next := make(map[string]string, len(all))
	r.mu.Unlock()

	for _, a := range all {
		next[a.ID] = a.State
		was, known := prev[a.ID]
		if known && was == a.State {
			continue
		}
		switch a.State {
		case agents.StateStale:
			stale++
			r.act.Record(ctx, "agent", "stale", a.ID, map[string]any{"lastHeartbeat": a.LastHeartbeat}, a.ID)
		case agents.StateDead:
			dead++
			r.act.Record(ctx, "agent", "dead", a.ID, map[string]any{"lastHeartbeat": a.LastHeartbeat}, a.ID)
			ok, err := r.salvage.CreateForDeadAgent(ctx, a)
			if err != nil {
				return stale, dead, created, err
			}
			if ok {
				created++
			}
		}
	}

	r.mu.Lock()
	r.lastStates = next
	r.mu.Unlock()
	return stale, dead, created, nil
}
