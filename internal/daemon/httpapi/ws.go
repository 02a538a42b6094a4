package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/go-chi/chi/v5"
)

// subscribeWS mirrors the SSE stream over a WebSocket: one JSON text
// frame per message. The subscriber counts against the same per-source
// stream cap as SSE.
func (h *Handler) subscribeWS(w http.ResponseWriter, r *http.Request) {
	sub, err := h.msgs.Subscribe(chi.URLParam(r, "channel"), sourceKey(r))
	if err != nil {
		h.respondErr(w, r, err)
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		h.msgs.Unsubscribe(sub)
		h.log.Debug("websocket accept", "error", err)
		return
	}
	defer h.msgs.Unsubscribe(sub)
	defer conn.CloseNow()

	ctx := r.Context()
	// Reads are drained only to surface client disconnects.
	go func() {
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				return
			}
		}
	}()

	keepAlive := time.NewTicker(sseKeepAlive)
	defer keepAlive.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-sub.Done():
			conn.Close(websocket.StatusGoingAway, "subscriber evicted")
			return
		case m := <-sub.C():
			writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err := wsjson.Write(writeCtx, conn, m)
			cancel()
			if err != nil {
				return
			}
		case <-keepAlive.C:
			pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				return
			}
		}
	}
}
