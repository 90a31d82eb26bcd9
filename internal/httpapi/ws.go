package httpapi

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"readly/internal/apperr"
	"readly/internal/model"
)

const wsWriteTimeout = 10 * time.Second

// handleConvertWS mirrors the SSE stream over a WebSocket for clients
// behind proxies that buffer event streams. The event sequence is
// identical; the socket closes after the terminal event.
func (s *Server) handleConvertWS(w http.ResponseWriter, r *http.Request) {
	deviceID := r.URL.Query().Get("device_id")
	rawURL := r.URL.Query().Get("url")
	if deviceID == "" {
		writeAppError(w, apperr.InvalidInput("device_id query parameter is required"))
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	job, err := s.manager.Submit(r.Context(), deviceID, rawURL)
	if err != nil {
		writeWS(conn, rejectionEvent(err))
		return
	}

	events, cancel, err := s.manager.SubscribeEvents(r.Context(), job.ID)
	if err != nil {
		writeWS(conn, model.ErrorEvent(job.ID, string(apperr.CodeOf(err))))
		return
	}
	defer cancel()

	// The request context does not fire after the hijack, so client
	// departure is noticed by the read pump failing.
	clientGone := make(chan struct{})
	go func() {
		defer close(clientGone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case ev, open := <-events:
			if !open {
				return
			}
			if !writeWS(conn, ev) {
				return
			}
		case <-clientGone:
			// Peer left; the pipeline keeps running.
			return
		}
	}
}

func writeWS(conn *websocket.Conn, ev model.Event) bool {
	conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return conn.WriteJSON(ev) == nil
}
