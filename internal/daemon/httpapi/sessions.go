package httpapi

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/curiositech/port-daddy/internal/daemon/kerr"
	"github.com/curiositech/port-daddy/internal/daemon/sessions"
)

type startSessionRequest struct {
	Purpose   string   `json:"purpose"`
	Identity  string   `json:"identity"`
	CreatedBy string   `json:"createdBy"`
	Files     []string `json:"files"`
	Force     bool     `json:"force"`
}

func (h *Handler) startSession(w http.ResponseWriter, r *http.Request) {
	var req startSessionRequest
	if err := h.decode(r, &req); err != nil {
		h.respondErr(w, r, err)
		return
	}
	result, err := h.sessions.Start(r.Context(), sessions.StartRequest{
		Purpose:   req.Purpose,
		Identity:  req.Identity,
		CreatedBy: req.CreatedBy,
		Files:     req.Files,
		Force:     req.Force,
	})
	if err != nil {
		h.respondErr(w, r, err)
		return
	}
	fields := envelope{"session": result.Session, "claimed": result.Claimed}
	if len(result.Conflicts) > 0 {
		fields["conflicts"] = result.Conflicts
	}
	h.respond(w, http.StatusOK, fields)
}

func (h *Handler) listSessions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	list, err := h.sessions.List(r.Context(), sessions.ListFilter{
		Status:    q.Get("status"),
		Identity:  q.Get("identity"),
		CreatedBy: q.Get("createdBy"),
		Limit:     limit,
	})
	if err != nil {
		h.respondErr(w, r, err)
		return
	}
	h.respond(w, http.StatusOK, envelope{"sessions": list, "count": len(list)})
}

func (h *Handler) getSession(w http.ResponseWriter, r *http.Request) {
	detail, err := h.sessions.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.respondErr(w, r, err)
		return
	}
	h.respond(w, http.StatusOK, envelope{
		"session": detail.Session,
		"notes":   detail.Notes,
		"files":   detail.Files,
	})
}

type endSessionRequest struct {
	Status string `json:"status"`
	Note   string `json:"note"`
	By     string `json:"by"`
}

func (h *Handler) endSession(w http.ResponseWriter, r *http.Request) {
	var req endSessionRequest
	if err := h.decode(r, &req); err != nil {
		h.respondErr(w, r, err)
		return
	}
	sess, err := h.sessions.End(r.Context(), chi.URLParam(r, "id"), req.Status, req.Note, req.By)
	if err != nil {
		h.respondErr(w, r, err)
		return
	}
	h.respond(w, http.StatusOK, envelope{"session": sess})
}

func (h *Handler) deleteSession(w http.ResponseWriter, r *http.Request) {
	if err := h.sessions.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		h.respondErr(w, r, err)
		return
	}
	h.respond(w, http.StatusOK, envelope{})
}

type noteRequest struct {
	Type      string `json:"type"`
	Content   string `json:"content"`
	CreatedBy string `json:"createdBy"`
}

func (h *Handler) addSessionNote(w http.ResponseWriter, r *http.Request) {
	var req noteRequest
	if err := h.decode(r, &req); err != nil {
		h.respondErr(w, r, err)
		return
	}
	note, err := h.sessions.AddNote(r.Context(), sessions.NoteRequest{
		SessionID: chi.URLParam(r, "id"),
		Type:      req.Type,
		Content:   req.Content,
		CreatedBy: req.CreatedBy,
	})
	if err != nil {
		h.respondErr(w, r, err)
		return
	}
	h.respond(w, http.StatusOK, envelope{"note": note})
}

func (h *Handler) listSessionNotes(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	notes, err := h.sessions.ListNotes(r.Context(), sessions.NoteQuery{
		SessionID: chi.URLParam(r, "id"),
		Type:      q.Get("type"),
		Limit:     limit,
	})
	if err != nil {
		h.respondErr(w, r, err)
		return
	}
	h.respond(w, http.StatusOK, envelope{"notes": notes, "count": len(notes)})
}

type filesRequest struct {
	Paths []string `json:"paths"`
	Force bool     `json:"force"`
}

func (h *Handler) addFiles(w http.ResponseWriter, r *http.Request) {
	var req filesRequest
	if err := h.decode(r, &req); err != nil {
		h.respondErr(w, r, err)
		return
	}
	result, err := h.sessions.AddFiles(r.Context(), chi.URLParam(r, "id"), req.Paths, req.Force)
	if err != nil {
		h.respondErr(w, r, err)
		return
	}
	fields := envelope{"claimed": result.Claimed}
	if len(result.Conflicts) > 0 {
		fields["conflicts"] = result.Conflicts
	}
	h.respond(w, http.StatusOK, fields)
}

func (h *Handler) removeFiles(w http.ResponseWriter, r *http.Request) {
	var req filesRequest
	if err := h.decode(r, &req); err != nil {
		h.respondErr(w, r, err)
		return
	}
	n, err := h.sessions.RemoveFiles(r.Context(), chi.URLParam(r, "id"), req.Paths)
	if err != nil {
		h.respondErr(w, r, err)
		return
	}
	h.respond(w, http.StatusOK, envelope{"removed": n})
}

// quickNote appends to the caller's most recent active session, or an
// implicit one.
func (h *Handler) quickNote(w http.ResponseWriter, r *http.Request) {
	var req noteRequest
	if err := h.decode(r, &req); err != nil {
		h.respondErr(w, r, err)
		return
	}
	note, err := h.sessions.AddNote(r.Context(), sessions.NoteRequest{
		Type:      req.Type,
		Content:   req.Content,
		CreatedBy: req.CreatedBy,
	})
	if err != nil {
		h.respondErr(w, r, err)
		return
	}
	h.respond(w, http.StatusOK, envelope{"note": note})
}

// whoHas answers "which active sessions claim this path".
func (h *Handler) whoHas(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Query().Get("path")
	if path == "" {
		h.respondErr(w, r, kerr.Validationf("INVALID_PATH", "file path is required"))
		return
	}
	claimants, err := h.sessions.WhoHas(r.Context(), path)
	if err != nil {
		h.respondErr(w, r, err)
		return
	}
	h.respond(w, http.StatusOK, envelope{"claimants": claimants, "count": len(claimants)})
}

func (h *Handler) recentNotes(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	notes, err := h.sessions.RecentNotes(r.Context(), q.Get("createdBy"), limit)
	if err != nil {
		h.respondErr(w, r, err)
		return
	}
	h.respond(w, http.StatusOK, envelope{"notes": notes, "count": len(notes)})
}
