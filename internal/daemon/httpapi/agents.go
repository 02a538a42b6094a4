package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/curiositech/port-daddy/internal/daemon/agents"
)

type registerAgentRequest struct {
	Type       string `json:"type"`
	Purpose    string `json:"purpose"`
	Identity   string `json:"identity"`
	WorktreeID string `json:"worktreeId"`
}

func (h *Handler) registerAgent(w http.ResponseWriter, r *http.Request) {
	var req registerAgentRequest
	if err := h.decode(r, &req); err != nil {
		h.respondErr(w, r, err)
		return
	}
	result, err := h.agents.Register(r.Context(), chi.URLParam(r, "id"), agents.RegisterRequest{
		Type:       req.Type,
		Purpose:    req.Purpose,
		Identity:   req.Identity,
		WorktreeID: req.WorktreeID,
	})
	if err != nil {
		h.respondErr(w, r, err)
		return
	}
	h.respond(w, http.StatusOK, envelope{"agent": result.Agent, "salvageHint": result.SalvageHint})
}

func (h *Handler) heartbeat(w http.ResponseWriter, r *http.Request) {
	if err := h.agents.Heartbeat(r.Context(), chi.URLParam(r, "id")); err != nil {
		h.respondErr(w, r, err)
		return
	}
	h.respond(w, http.StatusOK, envelope{})
}

func (h *Handler) unregisterAgent(w http.ResponseWriter, r *http.Request) {
	if err := h.agents.Unregister(r.Context(), chi.URLParam(r, "id")); err != nil {
		h.respondErr(w, r, err)
		return
	}
	h.respond(w, http.StatusOK, envelope{})
}

func (h *Handler) listAgents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	list, err := h.agents.List(r.Context(), agents.ListFilter{
		Project: q.Get("project"),
		State:   q.Get("state"),
	})
	if err != nil {
		h.respondErr(w, r, err)
		return
	}
	h.respond(w, http.StatusOK, envelope{"agents": list, "count": len(list)})
}
