package web

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/lucasnoah/reqforge/internal/orchestrator"
)

// handleEventStream serves a Server-Sent Events stream of an execution's
// pipeline events. Each new event is sent as one SSE message named after
// the event. Once the execution is terminal and its events are drained a
// "done" event carrying the final status is sent.
func (s *Server) handleEventStream(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}
	if _, err := s.orch.GetStatus(r.Context(), id); err != nil {
		if errors.Is(err, orchestrator.ErrUnknownExecution) {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	sendDone := func(reason string) {
		fmt.Fprintf(w, "event: done\ndata: %s\n\n", reason)
		flusher.Flush()
	}

	var lastID int64
	tick := time.NewTicker(s.pollInterval)
	defer tick.Stop()

	for {
		// Read status before events so no event written before the
		// terminal transition is missed.
		ex, err := s.orch.GetStatus(r.Context(), id)
		if err != nil {
			sendDone("execution not found")
			return
		}
		events, err := s.orch.Events(r.Context(), id)
		if err != nil {
			sendDone("event log unavailable")
			return
		}
		for _, e := range events {
			if e.ID <= lastID {
				continue
			}
			data, _ := json.Marshal(e)
			fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", e.ID, e.Event, data)
			lastID = e.ID
		}
		flusher.Flush()

		if ex.Status.Terminal() {
			sendDone(string(ex.Status))
			return
		}

		select {
		case <-r.Context().Done():
			return
		case <-tick.C:
		}
	}
}
