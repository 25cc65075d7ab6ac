package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/me/taskbroker/pkg/model"
)

// handleSSEItem streams work item state changes via Server-Sent Events.
// GET /api/v1/items/{id}/events
func (s *Server) handleSSEItem(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	reqID := RequestIDFromContext(r.Context())

	item, err := s.supervisor.Get(r.Context(), id)
	if err != nil {
		respondErr(w, reqID, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "SSE not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // Disable nginx buffering

	if err := sendSSEEvent(w, flusher, "init", item); err != nil {
		s.logger.Debug("sse client disconnected", "item_id", id, "error", err)
		return
	}
	if s.sendComplete(w, flusher, item) {
		return
	}

	ticker := time.NewTicker(s.sseInterval)
	defer ticker.Stop()

	lastState := item.State
	lastAttempts := item.AttemptCount

	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			item, err = s.supervisor.Get(r.Context(), id)
			if err != nil {
				s.logger.Error("sse fetch error", "item_id", id, "error", err)
				return
			}

			if item.State != lastState || item.AttemptCount != lastAttempts {
				if err := sendSSEEvent(w, flusher, "update", item); err != nil {
					s.logger.Debug("sse client disconnected", "item_id", id)
					return
				}
				lastState = item.State
				lastAttempts = item.AttemptCount
			} else {
				fmt.Fprintf(w, ": heartbeat\n\n")
				flusher.Flush()
			}

			if s.sendComplete(w, flusher, item) {
				return
			}
		}
	}
}

// sendComplete emits the final result once the item is terminal.
func (s *Server) sendComplete(w http.ResponseWriter, flusher http.Flusher, item *model.WorkItem) bool {
	res, ok := model.ResultFor(item)
	if !ok {
		return false
	}
	sendSSEEvent(w, flusher, "complete", res)
	return true
}

func sendSSEEvent(w http.ResponseWriter, flusher http.Flusher, event string, data any) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return err
	}

	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, jsonData)
	if err != nil {
		return err
	}

	flusher.Flush()
	return nil
}
