package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

type lockRequest struct {
	Owner string `json:"owner"`
	TTLMs int64  `json:"ttlMs"`
	PID   int    `json:"pid"`
	Force bool   `json:"force"`
}

func (h *Handler) acquireLock(w http.ResponseWriter, r *http.Request) {
	var req lockRequest
	if err := h.decode(r, &req); err != nil {
		h.respondErr(w, r, err)
		return
	}
	lock, err := h.locks.Acquire(r.Context(), chi.URLParam(r, "name"), req.Owner, req.TTLMs, req.PID)
	if err != nil {
		h.respondErr(w, r, err)
		return
	}
	h.respond(w, http.StatusOK, envelope{"lock": lock})
}

func (h *Handler) extendLock(w http.ResponseWriter, r *http.Request) {
	var req lockRequest
	if err := h.decode(r, &req); err != nil {
		h.respondErr(w, r, err)
		return
	}
	lock, err := h.locks.Extend(r.Context(), chi.URLParam(r, "name"), req.Owner, req.TTLMs, req.Force)
	if err != nil {
		h.respondErr(w, r, err)
		return
	}
	h.respond(w, http.StatusOK, envelope{"lock": lock})
}

func (h *Handler) releaseLock(w http.ResponseWriter, r *http.Request) {
	var req lockRequest
	if err := h.decode(r, &req); err != nil {
		h.respondErr(w, r, err)
		return
	}
	released, err := h.locks.Release(r.Context(), chi.URLParam(r, "name"), req.Owner, req.Force)
	if err != nil {
		h.respondErr(w, r, err)
		return
	}
	h.respond(w, http.StatusOK, envelope{"released": released})
}

func (h *Handler) checkLock(w http.ResponseWriter, r *http.Request) {
	lock, err := h.locks.Check(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		h.respondErr(w, r, err)
		return
	}
	if lock == nil {
		h.respond(w, http.StatusOK, envelope{"held": false})
		return
	}
	h.respond(w, http.StatusOK, envelope{"held": true, "lock": lock})
}

func (h *Handler) listLocks(w http.ResponseWriter, r *http.Request) {
	locks, err := h.locks.List(r.Context(), r.URL.Query().Get("owner"))
	if err != nil {
		h.respondErr(w, r, err)
		return
	}
	h.respond(w, http.StatusOK, envelope{"locks": locks, "count": len(locks)})
}
