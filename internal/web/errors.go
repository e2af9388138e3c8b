package web

// errors.go provides unified error response handling for the web layer.
//
// The error flow:
//  1. Handler encounters an error
//  2. Calls respondError(w, r, err)
//  3. Error is mapped via core.MapError to a code and user-friendly message
//  4. The HTTP status is derived from the code
//  5. Technical error + context is logged with request ID for correlation

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/JonMunkholm/vehicleingest/internal/core"
)

// ErrorResponse represents the JSON structure for API error responses.
// Includes both machine-readable (Code) and human-readable (Message, Action) fields.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Action  string `json:"action,omitempty"`
	Code    string `json:"code"`
	// BatchID is set when a batch was created before the failure, such as
	// a file that was stored as Failed because it could not be parsed.
	BatchID string `json:"batchId,omitempty"`
}

// statusByCode maps user error codes to HTTP statuses. Codes not listed fall
// back on their prefix in statusFor.
var statusByCode = map[string]int{
	"FILE001": http.StatusRequestEntityTooLarge,
	"FILE002": http.StatusUnsupportedMediaType,
	"UPL001":  http.StatusServiceUnavailable,
	"UPL002":  http.StatusNotFound,
	"UPL003":  499, // client closed request
	"UPL004":  http.StatusRequestTimeout,
	"UPL005":  http.StatusUnprocessableEntity,
	"VAL001":  http.StatusUnprocessableEntity,
	"VAL002":  http.StatusUnprocessableEntity,
	"VAL003":  http.StatusBadRequest,
	"BAT001":  http.StatusNotFound,
	"BAT002":  http.StatusConflict,
	"AUTH001": http.StatusForbidden,
	"AUTH002": http.StatusUnauthorized,
	"RATE001": http.StatusTooManyRequests,
}

func statusFor(code string) int {
	if st, ok := statusByCode[code]; ok {
		return st
	}
	switch {
	case strings.HasPrefix(code, "FILE"):
		return http.StatusBadRequest
	case strings.HasPrefix(code, "DB"):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// respondError handles error responses with user-friendly messages.
// It logs the technical error server-side and writes a JSON body whose
// status follows from the mapped code.
func (s *Server) respondError(w http.ResponseWriter, r *http.Request, err error) {
	s.respondBatchError(w, r, err, "")
}

// respondBatchError is respondError for failures that already produced a
// batch.
func (s *Server) respondBatchError(w http.ResponseWriter, r *http.Request, err error, batchID string) {
	userMsg := core.MapError(err)
	statusCode := statusFor(userMsg.Code)

	level := slog.LevelWarn
	if statusCode >= http.StatusInternalServerError {
		level = slog.LevelError
	}
	slog.Log(r.Context(), level, "request error",
		"path", r.URL.Path,
		"method", r.Method,
		"status", statusCode,
		"error", err.Error(),
		"code", userMsg.Code,
		"batch_id", batchID,
		"request_id", middleware.GetReqID(r.Context()),
	)

	writeJSONStatus(w, statusCode, ErrorResponse{
		Error:   userMsg.Message,
		Message: userMsg.Message,
		Action:  userMsg.Action,
		Code:    userMsg.Code,
		BatchID: batchID,
	})
}

// writeError writes a JSON error for failures detected before any service
// call, such as rate limiting.
func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSONStatus(w, status, ErrorResponse{
		Error:   message,
		Message: message,
		Code:    code,
	})
}
