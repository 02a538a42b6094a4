package httpapi

import (
	"net/http"
	"strconv"

	"github.com/curiositech/port-daddy/internal/daemon/activity"
)

func (h *Handler) listActivity(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	from, _ := strconv.ParseInt(q.Get("from"), 10, 64)
	to, _ := strconv.ParseInt(q.Get("to"), 10, 64)
	limit, _ := strconv.Atoi(q.Get("limit"))
	offset, _ := strconv.Atoi(q.Get("offset"))

	entries, err := h.activity.List(r.Context(), activity.Query{
		Type:    q.Get("type"),
		Action:  q.Get("action"),
		AgentID: q.Get("agentId"),
		From:    from,
		To:      to,
		Limit:   limit,
		Offset:  offset,
	})
	if err != nil {
		h.respondErr(w, r, err)
		return
	}
	h.respond(w, http.StatusOK, envelope{"activity": entries, "count": len(entries)})
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	h.respond(w, http.StatusOK, envelope{"status": "ok"})
}

func (h *Handler) getVersion(w http.ResponseWriter, r *http.Request) {
	h.respond(w, http.StatusOK, envelope{"version": h.version})
}

// getConfig exposes the effective runtime configuration. The daemon is
// loopback-only, so there is nothing secret here.
func (h *Handler) getConfig(w http.ResponseWriter, r *http.Request) {
	h.respond(w, http.StatusOK, envelope{"config": map[string]any{
		"addr":                  h.cfg.Addr,
		"dataDir":               h.cfg.DataDir,
		"dbPath":                h.cfg.DatabasePath(),
		"logLevel":              h.cfg.LogLevel,
		"portMin":               h.cfg.PortMin,
		"portMax":               h.cfg.PortMax,
		"reservedPorts":         h.cfg.ReservedPorts,
		"staleAfterMs":          h.cfg.StaleAfter.Milliseconds(),
		"deadAfterMs":           h.cfg.DeadAfter.Milliseconds(),
		"reapIntervalMs":        h.cfg.ReapInterval.Milliseconds(),
		"messageRetentionCount": h.cfg.MessageRetentionCount,
		"messageRetentionAgeMs": h.cfg.MessageRetentionAge.Milliseconds(),
		"salvageNoteLimit":      h.cfg.SalvageNoteLimit,
		"rateLimitPerMin":       h.cfg.RateLimitPerMin,
		"maxStreamsPerAddr":     h.cfg.MaxStreamsPerAddr,
		"maxBodyBytes":          h.cfg.MaxBodyBytes,
	}})
}
