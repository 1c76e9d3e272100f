package api

import (
	"net/http"

	"github.com/seantiz/swapbooth/internal/comfy"
	"github.com/seantiz/swapbooth/internal/orchestrator"
)

// statsResponse is the JSON response for GET /v1/stats.
type statsResponse struct {
	Total         int                `json:"total"`
	ByState       map[string]int     `json:"by_state"`
	ByOrigin      map[string]int     `json:"by_origin"`
	AvgDurationMS float64            `json:"avg_duration_ms"`
	Gate          orchestrator.Stats `json:"gate"`
	Engine        comfy.Stats        `json:"engine"`
}

func (s *Server) handleGetStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.GetJobStats(r.Context())
	if err != nil {
		s.logger.Error("get job stats", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get stats")
		return
	}

	s.writeJSON(w, http.StatusOK, statsResponse{
		Total:         stats.Total,
		ByState:       stats.CountByState,
		ByOrigin:      stats.CountByOrigin,
		AvgDurationMS: stats.AvgDurationMS,
		Gate:          s.orch.Stats(),
		Engine:        s.engine.Stats(),
	})
}
