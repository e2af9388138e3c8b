package web

import (
	"net/http"

	"github.com/JonMunkholm/vehicleingest/internal/core"
)

// handleDownloadTemplate serves the empty upload template.
func (s *Server) handleDownloadTemplate(w http.ResponseWriter, r *http.Request) {
	ft, err := fileTypeParam(r)
	if err != nil {
		s.respondError(w, r, err)
		return
	}

	f, err := core.DownloadTemplate(ft)
	if err != nil {
		s.respondError(w, r, err)
		return
	}

	writeDownload(w, f)
}

// handleExportBatch exports a batch's records in the template layout.
func (s *Server) handleExportBatch(w http.ResponseWriter, r *http.Request) {
	p, ok := s.principal(w, r)
	if !ok {
		return
	}

	ft, err := fileTypeParam(r)
	if err != nil {
		s.respondError(w, r, err)
		return
	}

	f, err := s.service.ExportBatch(r.Context(), p, batchID(r), ft)
	if err != nil {
		s.respondError(w, r, err)
		return
	}

	writeDownload(w, f)
}

// handleExportFailedRows exports a batch's recorded row errors as CSV.
func (s *Server) handleExportFailedRows(w http.ResponseWriter, r *http.Request) {
	p, ok := s.principal(w, r)
	if !ok {
		return
	}

	f, err := s.service.FailedRowsCSV(r.Context(), p, batchID(r))
	if err != nil {
		s.respondError(w, r, err)
		return
	}

	writeDownload(w, f)
}
