package core

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/JonMunkholm/vehicleingest/internal/access"
	"github.com/JonMunkholm/vehicleingest/internal/events"
	"github.com/JonMunkholm/vehicleingest/internal/logging"
	"github.com/JonMunkholm/vehicleingest/internal/vehicle"
)

// SubmitRequest is one uploaded file with its assignment metadata.
type SubmitRequest struct {
	FileName              string
	Data                  []byte
	OwnerID               string
	PrimaryAssigneeID     string
	AdditionalAssigneeIDs []string
}

// BatchHandle identifies a created batch and its status at return time.
type BatchHandle struct {
	ID     string         `json:"id"`
	Status vehicle.Status `json:"status"`
}

// Progress is a snapshot of a batch's counters while it ingests.
type Progress struct {
	BatchID       string         `json:"batchId"`
	Status        vehicle.Status `json:"status"`
	TotalRows     int            `json:"totalRows"`
	ProcessedRows int            `json:"processedRows"`
	FailedRows    int            `json:"failedRows"`
	SkippedRows   int            `json:"skippedRows"`
	ErrorMessage  string         `json:"errorMessage,omitempty"`
}

// Percent returns the share of rows already classified, 0-100.
func (p Progress) Percent() int {
	if p.TotalRows == 0 {
		if p.Status.IsTerminal() {
			return 100
		}
		return 0
	}
	return (p.ProcessedRows + p.FailedRows + p.SkippedRows) * 100 / p.TotalRows
}

func progressOf(b *vehicle.Batch) Progress {
	return Progress{
		BatchID:       b.ID,
		Status:        b.Status,
		TotalRows:     b.TotalRows,
		ProcessedRows: b.ProcessedRows,
		FailedRows:    b.FailedRows,
		SkippedRows:   b.SkippedRows,
		ErrorMessage:  b.ErrorMessage,
	}
}

// activeUpload tracks a batch ingesting in this process.
type activeUpload struct {
	id     string
	cancel context.CancelFunc
	done   chan struct{}

	mu        sync.Mutex
	progress  Progress
	result    *vehicle.Batch
	listeners []chan Progress
	assignees *assignment // set by a reassignment during ingestion
	once      sync.Once
}

type assignment struct {
	primary    string
	additional []string
}

func newActiveUpload(b *vehicle.Batch, cancel context.CancelFunc) *activeUpload {
	return &activeUpload{
		id:       b.ID,
		cancel:   cancel,
		done:     make(chan struct{}),
		progress: progressOf(b),
	}
}

// update stores a snapshot and offers it to every listener without blocking.
func (u *activeUpload) update(p Progress) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.progress = p
	for _, ch := range u.listeners {
		select {
		case ch <- p:
		default:
			// Listener is slow, skip this update
		}
	}
}

// finish records the final batch, closes listeners and releases waiters.
// Only the first call has an effect.
func (u *activeUpload) finish(b *vehicle.Batch) {
	u.once.Do(func() {
		u.mu.Lock()
		u.progress = progressOf(b)
		u.result = b.Clone()
		if a := u.assignees; a != nil {
			u.result.PrimaryAssigneeID = a.primary
			u.result.AdditionalAssigneeIDs = slices.Clone(a.additional)
		}
		for _, ch := range u.listeners {
			select {
			case ch <- u.progress:
			default:
			}
			close(ch)
		}
		u.listeners = nil
		u.mu.Unlock()
		close(u.done)
	})
}

// finished reports whether finish has run.
func (u *activeUpload) finished() bool {
	select {
	case <-u.done:
		return true
	default:
		return false
	}
}

// reassign carries an assignment change into the in-flight batch, whose
// ingestion holds a copy loaded before the change.
func (u *activeUpload) reassign(primary string, additional []string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.assignees = &assignment{primary: primary, additional: slices.Clone(additional)}
	if u.result != nil {
		u.result.PrimaryAssigneeID = primary
		u.result.AdditionalAssigneeIDs = slices.Clone(additional)
	}
}

// SubmitAs enforces the uploader's assignment rules, then submits with the
// principal as owner.
func (s *Service) SubmitAs(ctx context.Context, p access.Principal, req SubmitRequest) (BatchHandle, error) {
	role, ok := access.ParseRole(string(p.Role))
	if !ok || strings.TrimSpace(p.ID) == "" {
		return BatchHandle{}, ErrForbidden
	}
	p.Role = role
	req.PrimaryAssigneeID = strings.TrimSpace(req.PrimaryAssigneeID)
	if access.RequiresDelegation(p.Role) && req.PrimaryAssigneeID == "" {
		return BatchHandle{}, &AssignmentPreconditionError{
			Role:   string(p.Role),
			Reason: fmt.Sprintf("uploads by a %s must name a primary assignee", p.Role),
		}
	}
	req.OwnerID = p.ID
	return s.Submit(ctx, req)
}

// Submit validates the file envelope, creates the batch and starts ingestion.
//
// Oversized files, unsupported types and a full limiter are rejected without
// creating a batch. A file that cannot be parsed, or lacks the template
// headers, yields a Failed batch: the handle is returned together with a
// *FileFormatError. Otherwise the handle is Processing and rows are ingested
// in the background.
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (BatchHandle, error) {
	if size := int64(len(req.Data)); size > s.opts.MaxFileSize {
		return BatchHandle{}, &SizeLimitError{Size: size, Limit: s.opts.MaxFileSize}
	}
	ft, err := DetectFileType(req.FileName)
	if err != nil {
		return BatchHandle{}, &FileFormatError{FileName: req.FileName, Reason: err.Error(), Err: err}
	}

	if err := s.limiter.Acquire(ctx); err != nil {
		return BatchHandle{}, err
	}
	handedOff := false
	defer func() {
		if !handedOff {
			s.limiter.Release()
		}
	}()

	b := vehicle.NewBatch(s.newID(), req.OwnerID, req.PrimaryAssigneeID, req.AdditionalAssigneeIDs,
		req.FileName, int64(len(req.Data)), s.now())
	if err := s.store.CreateBatch(ctx, b); err != nil {
		return BatchHandle{}, fmt.Errorf("create batch: %w", err)
	}

	logger := logging.WithFields(ctx, "batch_id", b.ID, "owner_id", b.OwnerID, "file", b.FileName)

	parsed, err := parseFile(ft, req.Data)
	var validator *vehicle.Validator
	if err == nil {
		validator, err = vehicle.NewValidator(parsed.header)
	}
	if err != nil {
		b.FailParse(err.Error(), s.now())
		if uerr := s.store.UpdateProgress(context.WithoutCancel(ctx), b); uerr != nil {
			logger.Error("persist failed batch", "error", uerr)
		}
		batchesTotal.WithLabelValues(string(b.Status)).Inc()
		logger.Warn("file rejected", "error", err)
		s.publishCompleted(ctx, b)
		return BatchHandle{ID: b.ID, Status: b.Status},
			&FileFormatError{FileName: req.FileName, Reason: err.Error(), Err: err}
	}

	b.TotalRows = len(parsed.rows)
	if err := s.store.UpdateProgress(ctx, b); err != nil {
		return BatchHandle{}, fmt.Errorf("record row count: %w", err)
	}

	ingestCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.Timeout)
	up := newActiveUpload(b, cancel)

	s.mu.Lock()
	s.uploads[b.ID] = up
	s.mu.Unlock()

	handedOff = true
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.limiter.Release()
		defer cancel()
		defer func() {
			if r := recover(); r != nil {
				logger.Error("panic in ingestion", "panic", r)
				if up.finished() {
					return
				}
				b.Abort(fmt.Sprintf("internal error: %v", r), s.now())
				_ = s.store.UpdateProgress(context.WithoutCancel(ingestCtx), b)
				up.finish(b)
			}
		}()
		s.ingest(ingestCtx, up, b, validator, parsed)
	}()

	logger.Info("ingestion started", "rows", b.TotalRows)
	return BatchHandle{ID: b.ID, Status: vehicle.StatusProcessing}, nil
}

// GetProgress returns the latest snapshot of a batch ingesting in this
// process.
func (s *Service) GetProgress(batchID string) (Progress, error) {
	up, err := s.upload(batchID)
	if err != nil {
		return Progress{}, err
	}
	up.mu.Lock()
	defer up.mu.Unlock()
	return up.progress, nil
}

// SubscribeProgress returns a channel receiving progress snapshots. The
// current snapshot is sent first; the channel closes when the batch is final.
func (s *Service) SubscribeProgress(batchID string) (<-chan Progress, error) {
	up, err := s.upload(batchID)
	if err != nil {
		return nil, err
	}

	ch := make(chan Progress, 10)
	up.mu.Lock()
	defer up.mu.Unlock()
	ch <- up.progress
	if up.result != nil {
		close(ch)
		return ch, nil
	}
	up.listeners = append(up.listeners, ch)
	return ch, nil
}

// Result blocks until the batch is final and returns it.
func (s *Service) Result(ctx context.Context, batchID string) (*vehicle.Batch, error) {
	up, err := s.upload(batchID)
	if err != nil {
		return nil, err
	}
	select {
	case <-up.done:
		up.mu.Lock()
		defer up.mu.Unlock()
		return up.result.Clone(), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// CancelUpload stops a running ingestion. Nothing of the batch is committed.
func (s *Service) CancelUpload(batchID string) error {
	up, err := s.upload(batchID)
	if err != nil {
		return err
	}
	up.cancel()
	return nil
}

func (s *Service) upload(batchID string) (*activeUpload, error) {
	s.mu.RLock()
	up, ok := s.uploads[batchID]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUploadNotFound, batchID)
	}
	return up, nil
}

// cleanup forgets a finished upload after the retention period.
func (s *Service) cleanup(batchID string) {
	time.AfterFunc(s.opts.ResultRetention, func() {
		s.mu.Lock()
		delete(s.uploads, batchID)
		s.mu.Unlock()
	})
}

func (s *Service) publishCompleted(ctx context.Context, b *vehicle.Batch) {
	s.publish(ctx, events.Event{
		Type:    events.IngestionCompleted,
		ActorID: b.OwnerID,
		BatchID: b.ID,
		Attrs: map[string]any{
			"status":    string(b.Status),
			"total":     b.TotalRows,
			"processed": b.ProcessedRows,
			"failed":    b.FailedRows,
			"skipped":   b.SkippedRows,
		},
	})
}

// isCancellation reports whether err stems from the ingestion context.
func isCancellation(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
