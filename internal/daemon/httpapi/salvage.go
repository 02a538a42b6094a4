package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/curiositech/port-daddy/internal/daemon/salvage"
)

func (h *Handler) listSalvage(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	state := q.Get("state")
	if state == "" {
		state = salvage.StatePending
	}
	entries, err := h.salvage.List(r.Context(), salvage.Filter{
		Project: q.Get("project"),
		State:   state,
	})
	if err != nil {
		h.respondErr(w, r, err)
		return
	}
	h.respond(w, http.StatusOK, envelope{"entries": entries, "count": len(entries)})
}

type claimSalvageRequest struct {
	ID string `json:"id"`
	By string `json:"by"`
}

func (h *Handler) claimSalvage(w http.ResponseWriter, r *http.Request) {
	var req claimSalvageRequest
	if err := h.decode(r, &req); err != nil {
		h.respondErr(w, r, err)
		return
	}
	entry, err := h.salvage.Claim(r.Context(), req.ID, req.By)
	if err != nil {
		h.respondErr(w, r, err)
		return
	}
	h.respond(w, http.StatusOK, envelope{"entry": entry})
}

type resolveSalvageRequest struct {
	State string `json:"state"`
	By    string `json:"by"`
}

func (h *Handler) resolveSalvage(w http.ResponseWriter, r *http.Request) {
	var req resolveSalvageRequest
	if err := h.decode(r, &req); err != nil {
		h.respondErr(w, r, err)
		return
	}
	entry, err := h.salvage.Resolve(r.Context(), chi.URLParam(r, "id"), req.State, req.By)
	if err != nil {
		h.respondErr(w, r, err)
		return
	}
	h.respond(w, http.StatusOK, envelope{"entry": entry})
}

// forceReap triggers a sweep on demand. Debug aid; the loop runs
// regardless.
func (h *Handler) forceReap(w http.ResponseWriter, r *http.Request) {
	report, err := h.reaper.Sweep(r.Context())
	if err != nil {
		h.respondErr(w, r, err)
		return
	}
	h.respond(w, http.StatusOK, envelope{"report": report})
}
