package httpapi

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/curiositech/port-daddy/internal/daemon/kerr"
)

// sseKeepAlive is the interval between keep-alive comments on an idle
// stream.
const sseKeepAlive = 15 * time.Second

type publishRequest struct {
	Payload json.RawMessage `json:"payload"`
	Sender  string          `json:"sender"`
}

func (h *Handler) publish(w http.ResponseWriter, r *http.Request) {
	var req publishRequest
	if err := h.decode(r, &req); err != nil {
		h.respondErr(w, r, err)
		return
	}
	m, err := h.msgs.Publish(r.Context(), chi.URLParam(r, "channel"), req.Payload, req.Sender)
	if err != nil {
		h.respondErr(w, r, err)
		return
	}
	h.respond(w, http.StatusOK, envelope{"message": m})
}

func (h *Handler) history(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	since, _ := strconv.ParseInt(q.Get("since"), 10, 64)

	msgs, err := h.msgs.History(r.Context(), chi.URLParam(r, "channel"), limit, since)
	if err != nil {
		h.respondErr(w, r, err)
		return
	}
	h.respond(w, http.StatusOK, envelope{"messages": msgs, "count": len(msgs)})
}

func (h *Handler) clearChannel(w http.ResponseWriter, r *http.Request) {
	n, err := h.msgs.Clear(r.Context(), chi.URLParam(r, "channel"))
	if err != nil {
		h.respondErr(w, r, err)
		return
	}
	h.respond(w, http.StatusOK, envelope{"cleared": n})
}

func (h *Handler) listChannels(w http.ResponseWriter, r *http.Request) {
	channels, err := h.msgs.Channels(r.Context())
	if err != nil {
		h.respondErr(w, r, err)
		return
	}
	h.respond(w, http.StatusOK, envelope{"channels": channels, "count": len(channels)})
}

// subscribeSSE streams channel publications as server-sent events:
// "data: <json>\n\n" per message, comment lines as keep-alives.
func (h *Handler) subscribeSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		h.respondErr(w, r, kerr.New(kerr.Internal, "STREAMING_UNSUPPORTED", "response writer cannot stream"))
		return
	}

	sub, err := h.msgs.Subscribe(chi.URLParam(r, "channel"), sourceKey(r))
	if err != nil {
		h.respondErr(w, r, err)
		return
	}
	defer h.msgs.Unsubscribe(sub)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	// Initial comment confirms the stream is live before any message.
	fmt.Fprintf(w, ": subscribed channel=%s\n\n", sub.Channel)
	flusher.Flush()

	keepAlive := time.NewTicker(sseKeepAlive)
	defer keepAlive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-sub.Done():
			return
		case m := <-sub.C():
			if err := writeSSE(w, m); err != nil {
				return
			}
			flusher.Flush()
		case <-keepAlive.C:
			if _, err := io.WriteString(w, ": keep-alive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func writeSSE(w io.Writer, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "data: %s\n\n", data)
	return err
}

// poll long-polls for the next message after ?since. Returns stored
// backlog immediately when there is any; otherwise parks until a
// publication, the ?timeoutMs deadline, or client disconnect.
func (h *Handler) poll(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	since, _ := strconv.ParseInt(q.Get("since"), 10, 64)
	timeoutMs, _ := strconv.ParseInt(q.Get("timeoutMs"), 10, 64)

	msgs, err := h.msgs.Poll(r.Context(), chi.URLParam(r, "channel"), since, time.Duration(timeoutMs)*time.Millisecond)
	if err != nil {
		h.respondErr(w, r, err)
		return
	}
	h.respond(w, http.StatusOK, envelope{"messages": msgs, "count": len(msgs)})
}
