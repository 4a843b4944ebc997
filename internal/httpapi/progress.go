package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/shadowforge/shadowforge/internal/domain"
)

// wireEvent is the SSE-over-the-wire shape of a domain.Event: lowercase
// field names, payload inlined rather than double-wrapped.
type wireEvent struct {
	Type      domain.EventType `json:"type"`
	Timestamp time.Time        `json:"timestamp"`
	Payload   map[string]any   `json:"payload,omitempty"`
}

// handleProgress implements the Stream Endpoint (C9): emit a synthetic
// connected event, replay everything after last_event_id/Last-Event-ID,
// then poll latest() at ~100ms and stream anything new until a terminal
// event closes the stream or the client disconnects.
func (s *Server) handleProgress(w http.ResponseWriter, r *http.Request) {
	taskID := r.PathValue("id")

	flusher, ok := w.(http.Flusher)
	if !ok {
		respondError(w, http.StatusInternalServerError, fmt.Errorf("streaming unsupported"))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	lastEventID := r.URL.Query().Get("last_event_id")
	if lastEventID == "" {
		lastEventID = r.Header.Get("Last-Event-ID")
	}

	ctx := r.Context()

	writeEvent(w, "", wireEvent{Type: domain.EventConnected, Timestamp: time.Now().UTC()})
	flusher.Flush()

	replay, err := s.events.Fetch(ctx, taskID, lastEventID)
	if err != nil {
		log.Error().Str("task_id", taskID).Err(err).Msg("progress: replay fetch failed")
		return
	}
	for _, ev := range replay {
		writeEvent(w, ev.ID, wireEvent{Type: ev.Type, Timestamp: ev.Timestamp, Payload: ev.Payload})
		flusher.Flush()
		if ev.Type.Terminal() {
			return
		}
		lastEventID = ev.ID
	}

	ticker := time.NewTicker(s.pollPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			latest, ok, err := s.events.Latest(ctx, taskID)
			if err != nil {
				log.Error().Str("task_id", taskID).Err(err).Msg("progress: poll latest failed")
				return
			}
			if !ok || latest.ID == lastEventID || (lastEventID != "" && latest.ID <= lastEventID) {
				continue
			}
			// latest() only reports the single most recent entry; fetch any
			// gap between lastEventID and it so no intermediate event is
			// skipped between polls.
			pending, err := s.events.Fetch(ctx, taskID, lastEventID)
			if err != nil {
				log.Error().Str("task_id", taskID).Err(err).Msg("progress: poll fetch failed")
				return
			}
			for _, ev := range pending {
				writeEvent(w, ev.ID, wireEvent{Type: ev.Type, Timestamp: ev.Timestamp, Payload: ev.Payload})
				flusher.Flush()
				lastEventID = ev.ID
				if ev.Type.Terminal() {
					return
				}
			}
		}
	}
}

func writeEvent(w http.ResponseWriter, id string, ev wireEvent) {
	body, err := json.Marshal(ev)
	if err != nil {
		return
	}
	if id != "" {
		fmt.Fprintf(w, "id: %s\n", id)
	}
	fmt.Fprintf(w, "data: %s\n\n", body)
}
