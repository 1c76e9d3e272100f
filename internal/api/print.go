package api

import (
	"errors"
	"io/fs"
	"net/http"
	"os"

	"github.com/go-chi/chi/v5"

	"github.com/seantiz/swapbooth/internal/store"
)

// printResponse confirms a result was sent to the printer.
type printResponse struct {
	JobID  string `json:"job_id"`
	Status string `json:"status"`
}

// handlePrintResult prints the saved result of a job. Interactive results
// are not printed automatically, so the kiosk asks for it here.
func (s *Server) handlePrintResult(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if s.opts.Printer == nil {
		s.writeError(w, http.StatusServiceUnavailable, "printing is not configured")
		return
	}

	job, err := s.store.GetJob(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "job not found")
		return
	}
	if err != nil {
		s.logger.Error("get job for print", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get job")
		return
	}
	if job.OutputPath == "" {
		s.writeError(w, http.StatusConflict, "job has no saved result")
		return
	}

	image, err := os.ReadFile(job.OutputPath)
	if errors.Is(err, fs.ErrNotExist) {
		s.writeError(w, http.StatusConflict, "saved result is missing")
		return
	}
	if err != nil {
		s.logger.Error("read result for print", "job_id", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to read result")
		return
	}

	if err := s.opts.Printer.Print(r.Context(), image); err != nil {
		s.logger.Error("print failed", "job_id", id, "error", err)
		s.writeJSON(w, http.StatusBadGateway, errorResponse{Error: err.Error(), Kind: "print", JobID: id})
		return
	}

	s.logger.Info("result printed on request", "job_id", id, "path", job.OutputPath)
	s.writeJSON(w, http.StatusOK, printResponse{JobID: id, Status: "printed"})
}
