package httpapi

import (
	"net/http"
	"strconv"

	"github.com/curiositech/port-daddy/internal/daemon/changelog"
)

type changelogRequest struct {
	Identity    string `json:"identity"`
	Type        string `json:"type"`
	Summary     string `json:"summary"`
	Description string `json:"description"`
	SessionID   string `json:"sessionId"`
	AgentID     string `json:"agentId"`
}

func (h *Handler) addChangelog(w http.ResponseWriter, r *http.Request) {
	var req changelogRequest
	if err := h.decode(r, &req); err != nil {
		h.respondErr(w, r, err)
		return
	}
	entry, err := h.changelog.Add(r.Context(), changelog.AddRequest{
		Identity:    req.Identity,
		Type:        req.Type,
		Summary:     req.Summary,
		Description: req.Description,
		SessionID:   req.SessionID,
		AgentID:     req.AgentID,
	})
	if err != nil {
		h.respondErr(w, r, err)
		return
	}
	h.respond(w, http.StatusOK, envelope{"entry": entry})
}

func (h *Handler) listChangelog(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	entries, err := h.changelog.List(r.Context(), changelog.Query{
		Identity: q.Get("identity"),
		Type:     q.Get("type"),
		Limit:    limit,
	})
	if err != nil {
		h.respondErr(w, r, err)
		return
	}
	h.respond(w, http.StatusOK, envelope{"entries": entries, "count": len(entries)})
}
