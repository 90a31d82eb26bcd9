package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"

	"readly/internal/apperr"
	"readly/internal/model"
)

// handleConvertStream starts a conversion and streams its progress as
// server-sent events. Rejections are reported as a single event frame so
// the client never has to parse two response shapes on one endpoint.
func (s *Server) handleConvertStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "internal",
			fmt.Errorf("streaming unsupported"))
		return
	}

	deviceID := r.URL.Query().Get("device_id")
	rawURL := r.URL.Query().Get("url")
	if deviceID == "" {
		writeAppError(w, apperr.InvalidInput("device_id query parameter is required"))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	job, err := s.manager.Submit(r.Context(), deviceID, rawURL)
	if err != nil {
		writeSSE(w, flusher, rejectionEvent(err))
		return
	}

	events, cancel, err := s.manager.SubscribeEvents(r.Context(), job.ID)
	if err != nil {
		writeSSE(w, flusher, model.ErrorEvent(job.ID, string(apperr.CodeOf(err))))
		return
	}
	defer cancel()

	for {
		select {
		case ev, open := <-events:
			if !open {
				return
			}
			writeSSE(w, flusher, ev)
		case <-r.Context().Done():
			// Client gone; the pipeline keeps running.
			return
		}
	}
}

// rejectionEvent maps a submission failure to its streamed form.
func rejectionEvent(err error) model.Event {
	if apperr.IsRateLimited(err) {
		return model.RateLimitedEvent(apperr.ResetSecondsOf(err))
	}
	return model.ErrorEvent("", string(apperr.CodeOf(err)))
}

func writeSSE(w http.ResponseWriter, flusher http.Flusher, ev model.Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "data: %s\n\n", payload)
	flusher.Flush()
}
