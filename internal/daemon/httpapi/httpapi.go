// Package httpapi maps the kernel operations onto the REST surface.
// Every handler follows the same shape: decode and validate, dispatch
// to the kernel component, wrap the result in the response envelope.
package httpapi

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/curiositech/port-daddy/internal/daemon/activity"
	"github.com/curiositech/port-daddy/internal/daemon/agents"
	"github.com/curiositech/port-daddy/internal/daemon/changelog"
	"github.com/curiositech/port-daddy/internal/daemon/config"
	"github.com/curiositech/port-daddy/internal/daemon/locks"
	"github.com/curiositech/port-daddy/internal/daemon/msg"
	"github.com/curiositech/port-daddy/internal/daemon/ports"
	"github.com/curiositech/port-daddy/internal/daemon/reaper"
	"github.com/curiositech/port-daddy/internal/daemon/salvage"
	"github.com/curiositech/port-daddy/internal/daemon/sessions"
	"github.com/curiositech/port-daddy/internal/logging"
	"github.com/curiositech/port-daddy/internal/metrics"
)

// Handler owns the HTTP surface. All kernel components are wired in at
// construction.
type Handler struct {
	cfg       *config.Config
	log       *slog.Logger
	ports     *ports.Registry
	locks     *locks.Manager
	msgs      *msg.Service
	agents    *agents.Registry
	sessions  *sessions.Service
	salvage   *salvage.Service
	changelog *changelog.Log
	activity  *activity.Log
	reaper    *reaper.Reaper
	limiter   *sourceLimiter
	version   string
}

// Deps bundles the handler's dependencies.
type Deps struct {
	Config    *config.Config
	Log       *slog.Logger
	Ports     *ports.Registry
	Locks     *locks.Manager
	Msgs      *msg.Service
	Agents    *agents.Registry
	Sessions  *sessions.Service
	Salvage   *salvage.Service
	Changelog *changelog.Log
	Activity  *activity.Log
	Reaper    *reaper.Reaper
	Version   string
}

// New creates the HTTP handler.
func New(d Deps) *Handler {
	return &Handler{
		cfg:       d.Config,
		log:       d.Log.With("component", "http"),
		ports:     d.Ports,
		locks:     d.Locks,
		msgs:      d.Msgs,
		agents:    d.Agents,
		sessions:  d.Sessions,
		salvage:   d.Salvage,
		changelog: d.Changelog,
		activity:  d.Activity,
		reaper:    d.Reaper,
		limiter:   newSourceLimiter(d.Config.RateLimitPerMin),
		version:   d.Version,
	}
}

// Router builds the full route table.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(logging.HTTPMiddleware)
	r.Use(metrics.HTTPMiddleware)
	r.Use(h.rateLimit)

	// Service registry. The id-less forms take the identity (or, for
	// release, {expired:true}) in the body.
	r.Post("/claim", h.claim)
	r.Post("/claim/{identity}", h.claim)
	r.Delete("/release", h.release)
	r.Delete("/release/{identity}", h.release)
	r.Get("/services", h.listServices)
	r.Get("/services/{identity}", h.getService)
	r.Put("/services/{identity}/endpoint", h.setEndpoint)

	// Locks.
	r.Post("/locks/{name}", h.acquireLock)
	r.Put("/locks/{name}", h.extendLock)
	r.Delete("/locks/{name}", h.releaseLock)
	r.Get("/locks/{name}", h.checkLock)
	r.Get("/locks", h.listLocks)

	// Messaging.
	r.Post("/msg/{channel}", h.publish)
	r.Get("/msg/{channel}/poll", h.poll)
	r.Get("/msg/{channel}", h.history)
	r.Delete("/msg/{channel}", h.clearChannel)
	r.Get("/subscribe/{channel}", h.subscribeSSE)
	r.Get("/ws/subscribe/{channel}", h.subscribeWS)
	r.Get("/channels", h.listChannels)

	// Agents.
	r.Post("/agents/{id}", h.registerAgent)
	r.Put("/agents/{id}/heartbeat", h.heartbeat)
	r.Delete("/agents/{id}", h.unregisterAgent)
	r.Get("/agents", h.listAgents)

	// Sessions, notes, file claims.
	r.Post("/sessions", h.startSession)
	r.Get("/sessions", h.listSessions)
	r.Get("/sessions/{id}", h.getSession)
	r.Put("/sessions/{id}", h.endSession)
	r.Delete("/sessions/{id}", h.deleteSession)
	r.Post("/sessions/{id}/notes", h.addSessionNote)
	r.Get("/sessions/{id}/notes", h.listSessionNotes)
	r.Post("/sessions/{id}/files", h.addFiles)
	r.Delete("/sessions/{id}/files", h.removeFiles)
	r.Post("/notes", h.quickNote)
	r.Get("/notes", h.recentNotes)
	r.Get("/files/claims", h.whoHas)

	// Salvage.
	r.Get("/salvage", h.listSalvage)
	r.Post("/salvage", h.claimSalvage)
	r.Put("/salvage/{id}", h.resolveSalvage)
	r.Post("/resurrection/reap", h.forceReap)

	// Changelog.
	r.Post("/changelog", h.addChangelog)
	r.Get("/changelog", h.listChangelog)

	// Observability.
	r.Get("/activity", h.listActivity)
	r.Get("/health", h.health)
	r.Get("/version", h.getVersion)
	r.Get("/config", h.getConfig)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	return r
}
