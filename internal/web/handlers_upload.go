package web

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/JonMunkholm/vehicleingest/internal/core"
)

// multipartOverhead allows for form fields and part headers on top of the
// file itself.
const multipartOverhead = 1 << 20

var errNoFile = errors.New("no file provided")

// handleUpload accepts a multipart upload and starts ingestion. It returns
// 202 with the batch handle once the batch is created; rows are processed in
// the background.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	p, ok := s.principal(w, r)
	if !ok {
		return
	}

	maxSize := s.service.MaxFileSize()
	r.Body = http.MaxBytesReader(w, r.Body, maxSize+multipartOverhead)

	if err := r.ParseMultipartForm(maxSize); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.respondError(w, r, &core.SizeLimitError{Size: r.ContentLength, Limit: maxSize})
			return
		}
		s.respondError(w, r, fmt.Errorf("%w: %v", errNoFile, err))
		return
	}
	defer r.MultipartForm.RemoveAll()

	file, header, err := r.FormFile("file")
	if err != nil {
		s.respondError(w, r, errNoFile)
		return
	}
	defer file.Close()

	// Read one byte past the limit so Submit can report the overflow.
	data, err := io.ReadAll(io.LimitReader(file, maxSize+1))
	if err != nil {
		s.respondError(w, r, fmt.Errorf("read upload: %w", err))
		return
	}

	handle, err := s.service.SubmitAs(r.Context(), p, core.SubmitRequest{
		FileName:              header.Filename,
		Data:                  data,
		PrimaryAssigneeID:     r.FormValue("primary_assignee_id"),
		AdditionalAssigneeIDs: splitIDs(r.MultipartForm.Value["additional_assignee_ids"]),
	})
	if err != nil {
		s.respondBatchError(w, r, err, handle.ID)
		return
	}

	w.Header().Set("Location", "/api/batches/"+handle.ID)
	writeJSONStatus(w, http.StatusAccepted, handle)
}

// splitIDs accepts both repeated form values and comma-separated lists.
func splitIDs(values []string) []string {
	var ids []string
	for _, v := range values {
		for _, id := range strings.Split(v, ",") {
			if id = strings.TrimSpace(id); id != "" {
				ids = append(ids, id)
			}
		}
	}
	return ids
}

// handleUploadProgress streams batch progress via Server-Sent Events.
// Supports resumption via lastEventId query parameter for reconnection.
// Batches no longer ingesting in this process get a single complete event
// carrying their stored counters.
func (s *Server) handleUploadProgress(w http.ResponseWriter, r *http.Request) {
	p, ok := s.principal(w, r)
	if !ok {
		return
	}

	id := batchID(r)
	view, err := s.service.GetBatch(r.Context(), p, id)
	if err != nil {
		s.respondError(w, r, err)
		return
	}

	// The event ID is the progress percentage, allowing clients to skip
	// already-received events after reconnection
	lastEventIDStr := r.URL.Query().Get("lastEventId")
	if h := r.Header.Get("Last-Event-ID"); h != "" {
		lastEventIDStr = h
	}
	lastEventID, _ := strconv.Atoi(lastEventIDStr)

	progressCh, err := s.service.SubscribeProgress(id)
	if err != nil && !errors.Is(err, core.ErrUploadNotFound) {
		s.respondError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	rc := http.NewResponseController(w)

	last := core.Progress{
		BatchID:       view.ID,
		Status:        view.Status,
		TotalRows:     view.TotalRows,
		ProcessedRows: view.ProcessedRows,
		FailedRows:    view.FailedRows,
		SkippedRows:   view.SkippedRows,
		ErrorMessage:  view.ErrorMessage,
	}
	if progressCh == nil {
		writeEvent(w, "complete", last.Percent(), last)
		_ = rc.Flush()
		return
	}

	for {
		select {
		case progress, ok := <-progressCh:
			if !ok {
				// Channel closed - ingestion finished
				writeEvent(w, "complete", last.Percent(), last)
				_ = rc.Flush()
				return
			}
			last = progress

			currentPercent := progress.Percent()

			// Skip events that were already sent (for resumption)
			if lastEventIDStr != "" && currentPercent <= lastEventID && !progress.Status.IsTerminal() {
				continue
			}

			writeEvent(w, "progress", currentPercent, progress)
			if err := rc.Flush(); err != nil {
				return
			}

		case <-r.Context().Done():
			return
		}
	}
}

func writeEvent(w io.Writer, event string, id int, v any) {
	data, _ := json.Marshal(v)
	fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", id, event, data)
}

// handleCancelUpload cancels an in-progress ingestion. Only callers allowed
// to manage the batch may cancel it.
func (s *Server) handleCancelUpload(w http.ResponseWriter, r *http.Request) {
	p, ok := s.principal(w, r)
	if !ok {
		return
	}

	view, err := s.service.GetBatch(r.Context(), p, batchID(r))
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	if !view.CanManage {
		s.respondError(w, r, core.ErrForbidden)
		return
	}

	if err := s.service.CancelUpload(view.ID); err != nil {
		s.respondError(w, r, err)
		return
	}

	writeJSONStatus(w, http.StatusAccepted, map[string]string{"status": "cancelling"})
}
