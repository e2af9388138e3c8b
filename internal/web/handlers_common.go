package web

// Shared utilities and helper functions used across handlers.

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/JonMunkholm/vehicleingest/internal/access"
	"github.com/JonMunkholm/vehicleingest/internal/core"
	mw "github.com/JonMunkholm/vehicleingest/internal/web/middleware"
)

var errNoPrincipal = errors.New("unauthorized: no principal")

// parseIntParam parses an integer query parameter with a default value.
func parseIntParam(r *http.Request, name string, defaultVal int) int {
	val := r.URL.Query().Get(name)
	if val == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(val)
	if err != nil || i < 1 {
		return defaultVal
	}
	return i
}

// principal returns the caller set by the Authenticate middleware, writing
// a 401 when there is none.
func (s *Server) principal(w http.ResponseWriter, r *http.Request) (access.Principal, bool) {
	p, ok := mw.PrincipalFrom(r.Context())
	if !ok {
		s.respondError(w, r, errNoPrincipal)
	}
	return p, ok
}

func batchID(r *http.Request) string {
	return chi.URLParam(r, "batchID")
}

// fileTypeParam reads the format query parameter.
func fileTypeParam(r *http.Request) (core.FileType, error) {
	ft, err := core.ParseFileType(r.URL.Query().Get("format"))
	if err != nil {
		return "", fmt.Errorf("%w: %v", core.ErrInvalidQuery, err)
	}
	return ft, nil
}

// writeDownload sends f as an attachment.
func writeDownload(w http.ResponseWriter, f *core.FileDownload) {
	w.Header().Set("Content-Type", f.ContentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", f.FileName))
	w.Header().Set("Content-Length", strconv.Itoa(len(f.Data)))
	w.Header().Set("Cache-Control", "no-store")
	_, _ = w.Write(f.Data)
}
