package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/curiositech/port-daddy/internal/daemon/kerr"
	"github.com/curiositech/port-daddy/internal/metrics"
)

// envelope is the stable success shape: {"success": true, ...fields}.
type envelope map[string]any

// respond writes the success envelope.
func (h *Handler) respond(w http.ResponseWriter, status int, fields envelope) {
	body := envelope{"success": true}
	for k, v := range fields {
		body[k] = v
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.log.Debug("write response", "error", err)
	}
}

// respondErr maps a kernel error onto {"error", "code", "details"}.
// Every surfaced error bumps the per-kind counter and leaves one
// activity row with action "error".
func (h *Handler) respondErr(w http.ResponseWriter, r *http.Request, err error) {
	ke := kerr.As(err)
	metrics.ErrorsTotal.WithLabelValues(ke.Kind.String()).Inc()
	h.activity.Record(r.Context(), "http", "error", r.URL.Path,
		map[string]any{"code": ke.Code, "kind": ke.Kind.String()}, "")
	if ke.Kind == kerr.Internal {
		h.log.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	}

	body := envelope{
		"success": false,
		"error":   ke.Message,
		"code":    ke.Code,
	}
	if len(ke.Details) > 0 {
		body["details"] = ke.Details
	}
	if ke.Retryable() {
		body["retryable"] = true
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(ke.Kind.HTTPStatus())
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.log.Debug("write error response", "error", err)
	}
}

// decode parses a JSON request body. Unknown fields are a validation
// error; an empty body decodes into the zero value.
func (h *Handler) decode(r *http.Request, dst any) error {
	body := http.MaxBytesReader(nil, r.Body, h.cfg.MaxBodyBytes)
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	err := dec.Decode(dst)
	if errors.Is(err, io.EOF) {
		return nil
	}
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return kerr.New(kerr.Capacity, "BODY_TOO_LARGE", "request body exceeds %d bytes", h.cfg.MaxBodyBytes)
		}
		return kerr.Validationf("INVALID_BODY", "malformed request body: %v", err)
	}
	return nil
}
