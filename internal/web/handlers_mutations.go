package web

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/JonMunkholm/vehicleingest/internal/core"
)

// maxJSONBody bounds small JSON request bodies.
const maxJSONBody = 64 << 10

// ReassignRequest is the body of PUT /api/batches/{id}/assignee.
type ReassignRequest struct {
	PrimaryAssigneeID string `json:"primaryAssigneeId"`
}

// handleReassignBatch changes a batch's primary assignee.
func (s *Server) handleReassignBatch(w http.ResponseWriter, r *http.Request) {
	p, ok := s.principal(w, r)
	if !ok {
		return
	}

	var req ReassignRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxJSONBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		s.respondError(w, r, fmt.Errorf("%w: request body: %v", core.ErrInvalidQuery, err))
		return
	}

	view, err := s.service.ReassignBatch(r.Context(), p, batchID(r), req.PrimaryAssigneeID)
	if err != nil {
		s.respondError(w, r, err)
		return
	}

	writeJSON(w, view)
}

// handleDeleteBatch removes a batch and all of its records.
func (s *Server) handleDeleteBatch(w http.ResponseWriter, r *http.Request) {
	p, ok := s.principal(w, r)
	if !ok {
		return
	}

	if err := s.service.DeleteBatch(r.Context(), p, batchID(r)); err != nil {
		s.respondError(w, r, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}
