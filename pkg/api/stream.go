package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/stagehand/stagehand/pkg/logger"
)

// handleStream serves a job's output as Server-Sent Events: one "output"
// event per line, then a "finished" event carrying the final job.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "streaming unsupported"})
		return
	}

	sub, err := s.engine.Subscribe(id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	defer sub.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case line, open := <-sub.Lines():
			if !open {
				s.writeFinished(w, r, id)
				flusher.Flush()
				return
			}
			if _, err := fmt.Fprintf(w, "event: output\ndata: %s\n\n", line); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func (s *Server) writeFinished(w http.ResponseWriter, r *http.Request, id string) {
	job, err := s.engine.Job(id)
	if err != nil {
		fmt.Fprint(w, "event: finished\ndata: {}\n\n")
		return
	}
	job.Output = nil
	data, err := json.Marshal(job)
	if err != nil {
		logger.WithContext(r.Context(), s.logger).Warn("Failed to encode finished job", logger.WithError(err))
		data = []byte("{}")
	}
	fmt.Fprintf(w, "event: finished\ndata: %s\n\n", data)
}
