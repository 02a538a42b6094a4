package httpapi

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/curiositech/port-daddy/internal/daemon/ports"
)

type claimRequest struct {
	Identity      string `json:"identity"` // id-less route form
	PreferredPort int    `json:"preferredPort"`
	RangeMin      int    `json:"rangeMin"`
	RangeMax      int    `json:"rangeMax"`
	ExpiresMs     int64  `json:"expiresMs"`
	PID           int    `json:"pid"`
	HealthPath    string `json:"healthPath"`
}

func (h *Handler) claim(w http.ResponseWriter, r *http.Request) {
	var req claimRequest
	if err := h.decode(r, &req); err != nil {
		h.respondErr(w, r, err)
		return
	}
	ident := chi.URLParam(r, "identity")
	if ident == "" {
		ident = req.Identity
	}
	result, err := h.ports.Claim(r.Context(), ident, ports.ClaimRequest{
		PreferredPort: req.PreferredPort,
		RangeMin:      req.RangeMin,
		RangeMax:      req.RangeMax,
		ExpiresMs:     req.ExpiresMs,
		PID:           req.PID,
		HealthPath:    req.HealthPath,
	})
	if err != nil {
		h.respondErr(w, r, err)
		return
	}
	h.respond(w, http.StatusOK, envelope{
		"service":  result.Service,
		"port":     result.Port,
		"existing": result.Existing,
	})
}

type releaseRequest struct {
	Identity string `json:"identity"` // id-less route form; may be a pattern
	Expired  bool   `json:"expired"`
}

func (h *Handler) release(w http.ResponseWriter, r *http.Request) {
	var req releaseRequest
	if err := h.decode(r, &req); err != nil {
		h.respondErr(w, r, err)
		return
	}
	if req.Expired {
		n, err := h.ports.ReleaseExpired(r.Context())
		if err != nil {
			h.respondErr(w, r, err)
			return
		}
		h.respond(w, http.StatusOK, envelope{"released": n})
		return
	}
	ident := chi.URLParam(r, "identity")
	if ident == "" {
		ident = req.Identity
	}
	n, err := h.ports.Release(r.Context(), ident)
	if err != nil {
		h.respondErr(w, r, err)
		return
	}
	h.respond(w, http.StatusOK, envelope{"released": n})
}

func (h *Handler) listServices(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var f ports.ListFilter
	if v := q.Get("port"); v != "" {
		f.Port, _ = strconv.Atoi(v)
	}
	if v := q.Get("pid"); v != "" {
		f.PID, _ = strconv.Atoi(v)
	}
	services, err := h.ports.List(r.Context(), q.Get("pattern"), f)
	if err != nil {
		h.respondErr(w, r, err)
		return
	}
	h.respond(w, http.StatusOK, envelope{"services": services, "count": len(services)})
}

func (h *Handler) getService(w http.ResponseWriter, r *http.Request) {
	svc, err := h.ports.Get(r.Context(), chi.URLParam(r, "identity"))
	if err != nil {
		h.respondErr(w, r, err)
		return
	}
	h.respond(w, http.StatusOK, envelope{"service": svc})
}

type endpointRequest struct {
	Env string `json:"env"`
	URL string `json:"url"`
}

func (h *Handler) setEndpoint(w http.ResponseWriter, r *http.Request) {
	var req endpointRequest
	if err := h.decode(r, &req); err != nil {
		h.respondErr(w, r, err)
		return
	}
	svc, err := h.ports.SetEndpoint(r.Context(), chi.URLParam(r, "identity"), req.Env, req.URL)
	if err != nil {
		h.respondErr(w, r, err)
		return
	}
	h.respond(w, http.StatusOK, envelope{"service": svc})
}
