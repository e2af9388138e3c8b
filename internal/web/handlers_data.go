package web

import (
	"net/http"

	"github.com/JonMunkholm/vehicleingest/internal/core"
)

// handleListBatches returns one page of the batches visible to the caller.
func (s *Server) handleListBatches(w http.ResponseWriter, r *http.Request) {
	p, ok := s.principal(w, r)
	if !ok {
		return
	}

	q := r.URL.Query()
	list, err := s.service.ListBatches(r.Context(), p, core.BatchFilter{
		Search: q.Get("search"),
		Status: q.Get("status"),
		Page:   parseIntParam(r, "page", 1),
	})
	if err != nil {
		s.respondError(w, r, err)
		return
	}

	writeJSON(w, list)
}

// handleGetBatch returns one batch with its row errors.
func (s *Server) handleGetBatch(w http.ResponseWriter, r *http.Request) {
	p, ok := s.principal(w, r)
	if !ok {
		return
	}

	view, err := s.service.GetBatch(r.Context(), p, batchID(r))
	if err != nil {
		s.respondError(w, r, err)
		return
	}

	writeJSON(w, view)
}

// handleSearch runs an identity search over the caller's visible records.
func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	p, ok := s.principal(w, r)
	if !ok {
		return
	}

	q := r.URL.Query()
	res, err := s.service.Search(r.Context(), p, core.Query{
		Text:  q.Get("q"),
		Field: q.Get("field"),
		Page:  parseIntParam(r, "page", 1),
	})
	if err != nil {
		s.respondError(w, r, err)
		return
	}

	writeJSON(w, res)
}
