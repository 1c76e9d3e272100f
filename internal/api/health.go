package api

import (
	"encoding/json"
	"net/http"
)

type healthResponse struct {
	Status string `json:"status"`
	Engine string `json:"engine"`
}

// handleHealthz reports liveness and whether the engine stream is up.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	engine := "disconnected"
	if s.engine.Stats().Connected {
		engine = "connected"
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(healthResponse{Status: "ok", Engine: engine}); err != nil {
		s.logger.Error("encode healthz response", "error", err)
	}
}
