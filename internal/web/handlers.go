package web

import (
	"context"
	"net/http"
	"time"

	"github.com/JonMunkholm/vehicleingest/internal/core"
)

// HealthResponse is the body of GET /healthz.
type HealthResponse struct {
	Status  string                   `json:"status"`
	Error   string                   `json:"error,omitempty"`
	Uploads core.UploadLimiterStatus `json:"uploads"`
}

// handleHealth reports store reachability and ingestion slot usage.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	resp := HealthResponse{Status: "ok", Uploads: s.service.LimiterStatus()}
	if err := s.service.Ping(ctx); err != nil {
		resp.Status = "unavailable"
		resp.Error = core.FormatUserError(err)
		writeJSONStatus(w, http.StatusServiceUnavailable, resp)
		return
	}

	writeJSON(w, resp)
}
