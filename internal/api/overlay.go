package api

import (
	"errors"
	"net/http"
	"os"
	"path/filepath"

	"github.com/seantiz/swapbooth/internal/model"
	"github.com/seantiz/swapbooth/internal/orchestrator"
	"github.com/seantiz/swapbooth/internal/workflow"
)

// overlayResponse is the JSON response for POST /v1/overlay.
type overlayResponse struct {
	Overlay string `json:"overlay"`
	Path    string `json:"path"`
}

// handleUploadOverlay stores a branding overlay, uploads it to the engine,
// and points the workflow's overlay node at it for subsequent jobs.
func (s *Server) handleUploadOverlay(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadSize)
	if err := r.ParseMultipartForm(maxFormMemory); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid multipart form")
		return
	}
	data, err := readFormFile(r, "overlay")
	if err != nil {
		s.writeJobError(w, "", err)
		return
	}

	ext := ".png"
	if http.DetectContentType(data) == "image/jpeg" {
		ext = ".jpg"
	}
	name := "swapbooth_overlay_" + model.NewID() + ext

	if err := os.MkdirAll(s.opts.OverlayDir, 0o755); err != nil {
		s.logger.Error("create overlay dir", "dir", s.opts.OverlayDir, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to store overlay")
		return
	}
	local := filepath.Join(s.opts.OverlayDir, name)
	if err := os.WriteFile(local, data, 0o644); err != nil {
		s.logger.Error("write overlay", "path", local, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to store overlay")
		return
	}

	ref, err := s.engine.UploadImage(r.Context(), name, data)
	if err != nil {
		s.logger.Error("upload overlay", "error", err)
		s.writeJobError(w, "", err)
		return
	}

	tmpl, err := s.orch.Template().WithOverlay(ref.String())
	if errors.Is(err, workflow.ErrConfig) {
		s.writeJSON(w, http.StatusConflict, errorResponse{Error: err.Error(), Kind: orchestrator.KindConfig})
		return
	}
	if err != nil {
		s.writeJobError(w, "", err)
		return
	}
	s.orch.SetTemplate(tmpl)
	s.logger.Info("overlay updated", "overlay", ref.String(), "path", local)

	s.writeJSON(w, http.StatusOK, overlayResponse{Overlay: ref.String(), Path: local})
}
