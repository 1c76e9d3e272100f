package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/seantiz/swapbooth/internal/store"
)

// handleStreamProgress streams a job's progress as server-sent events.
// Each event's data is a JSON Progress; a final "done" event carries the
// job record.
func (s *Server) handleStreamProgress(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	job, err := s.store.GetJob(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "job not found")
		return
	}
	if err != nil {
		s.logger.Error("get job for progress", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get job")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	if job.State.Terminal() {
		w.WriteHeader(http.StatusOK)
		s.writeDone(w, r, id)
		return
	}

	// Disable write timeout for long-lived SSE connections.
	rc := http.NewResponseController(w)
	if err := rc.SetWriteDeadline(time.Time{}); err != nil {
		s.logger.Error("set write deadline for SSE", "error", err)
	}

	// Subscribe on a finished job's topic returns a closed channel, so a
	// job that ends between the check above and here still terminates the
	// loop below.
	ch, unsub := s.orch.Broker().Subscribe(id)
	defer unsub()
	progressStreams.Inc()
	defer progressStreams.Dec()

	w.WriteHeader(http.StatusOK)
	flusher, canFlush := w.(http.Flusher)
	if canFlush {
		flusher.Flush()
	}

	for {
		select {
		case p, ok := <-ch:
			if !ok {
				s.writeDone(w, r, id)
				if canFlush {
					flusher.Flush()
				}
				return
			}
			data, err := json.Marshal(p)
			if err != nil {
				s.logger.Error("encode progress", "job_id", id, "error", err)
				continue
			}
			if err := writeSSEEvent(w, "progress", string(data)); err != nil {
				return // Write failed (e.g. client gone).
			}
			if canFlush {
				flusher.Flush()
			}
		case <-r.Context().Done():
			return // Client disconnected.
		}
	}
}

// writeDone sends the closing event with the job's final record.
func (s *Server) writeDone(w http.ResponseWriter, r *http.Request, id string) {
	data := "{}"
	if job, err := s.store.GetJob(r.Context(), id); err == nil {
		if b, err := json.Marshal(job); err == nil {
			data = string(b)
		}
	}
	_ = writeSSEEvent(w, "done", data)
}

// writeSSEData writes a data-only SSE event. Multi-line strings are split
// so that each segment gets its own "data:" prefix.
func writeSSEData(w http.ResponseWriter, line string) error {
	for seg := range strings.SplitSeq(line, "\n") {
		if _, err := fmt.Fprintf(w, "data: %s\n", seg); err != nil {
			return err
		}
	}
	// Blank line terminates the event.
	_, err := fmt.Fprint(w, "\n")
	return err
}

// writeSSEEvent writes a named SSE event (event: <type>\ndata: <data>\n\n).
func writeSSEEvent(w http.ResponseWriter, eventType, data string) error {
	if _, err := fmt.Fprintf(w, "event: %s\n", eventType); err != nil {
		return err
	}
	return writeSSEData(w, data)
}
