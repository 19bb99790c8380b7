// Contextd - Context-Threshold Process Supervisor
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/contextd

package api

import (
	"fmt"
	"net/http"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"

	"github.com/tomtom215/contextd/internal/broadcast"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Origin enforcement happens in the CORS middleware; the upgrader
	// accepts what the router let through.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Events streams the event feed over SSE: the snapshot first, then deltas,
// with comment keep-alives so idle connections survive proxies.
func (h *Handler) Events(keepAlive time.Duration) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			h.writeError(w, http.StatusInternalServerError, "streaming unsupported")
			return
		}

		// Subscribe before the response commits so an event published the
		// moment the client sees headers is already in the stream.
		sub := h.hub.Subscribe()
		defer sub.Close()

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.WriteHeader(http.StatusOK)
		flusher.Flush()

		ticker := time.NewTicker(keepAlive)
		defer ticker.Stop()

		for {
			select {
			case <-r.Context().Done():
				return
			case <-ticker.C:
				if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
					return
				}
				flusher.Flush()
			case ev, open := <-sub.Events():
				if !open {
					return
				}
				data, err := json.Marshal(ev)
				if err != nil {
					continue
				}
				if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data); err != nil {
					return
				}
				flusher.Flush()
			}
		}
	}
}

// WebSocket upgrades the connection and attaches it to the broadcast hub.
func (h *Handler) WebSocket(keepAlive time.Duration) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			h.logger.Debug().Err(err).Msg("websocket upgrade failed")
			return
		}
		broadcast.ServeWS(h.hub, conn, keepAlive, h.logger)
	}
}
