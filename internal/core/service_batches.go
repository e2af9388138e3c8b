package core

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/JonMunkholm/vehicleingest/internal/access"
	"github.com/JonMunkholm/vehicleingest/internal/events"
	"github.com/JonMunkholm/vehicleingest/internal/logging"
	"github.com/JonMunkholm/vehicleingest/internal/store"
	"github.com/JonMunkholm/vehicleingest/internal/vehicle"
)

// BatchView is a batch as seen by one principal.
type BatchView struct {
	ID                    string             `json:"id"`
	OwnerID               string             `json:"ownerId"`
	PrimaryAssigneeID     string             `json:"primaryAssigneeId,omitempty"`
	AdditionalAssigneeIDs []string           `json:"additionalAssigneeIds"`
	FileName              string             `json:"originalFileName"`
	FileSizeBytes         int64              `json:"fileSizeBytes"`
	TotalRows             int                `json:"totalRows"`
	ProcessedRows         int                `json:"processedRows"`
	FailedRows            int                `json:"failedRows"`
	SkippedRows           int                `json:"skippedRows"`
	Status                vehicle.Status     `json:"status"`
	ErrorMessage          string             `json:"errorMessage,omitempty"`
	RowErrors             []vehicle.RowError `json:"rowErrors,omitempty"`
	CreatedAt             time.Time          `json:"createdAt"`
	UpdatedAt             time.Time          `json:"updatedAt"`
	CompletedAt           *time.Time         `json:"completedAt,omitempty"`
	Access                string             `json:"access"`
	CanManage             bool               `json:"canManage"`
}

func viewOf(b *vehicle.Batch, g access.Grant, manage bool) BatchView {
	return BatchView{
		ID:                    b.ID,
		OwnerID:               b.OwnerID,
		PrimaryAssigneeID:     b.PrimaryAssigneeID,
		AdditionalAssigneeIDs: b.AdditionalAssigneeIDs,
		FileName:              g.FileName,
		FileSizeBytes:         b.FileSizeBytes,
		TotalRows:             b.TotalRows,
		ProcessedRows:         b.ProcessedRows,
		FailedRows:            b.FailedRows,
		SkippedRows:           b.SkippedRows,
		Status:                b.Status,
		ErrorMessage:          b.ErrorMessage,
		RowErrors:             redactRowErrors(b.RowErrors, g.Fields),
		CreatedAt:             b.CreatedAt,
		UpdatedAt:             b.UpdatedAt,
		CompletedAt:           b.CompletedAt,
		Access:                string(g.Via),
		CanManage:             manage,
	}
}

// redactRowErrors blanks the cell values of non-identity columns for
// principals limited to identity fields. The row, column and reason stay.
func redactRowErrors(errs []vehicle.RowError, fields access.FieldSet) []vehicle.RowError {
	if fields == access.FieldsFull || len(errs) == 0 {
		return errs
	}
	out := make([]vehicle.RowError, len(errs))
	for i, e := range errs {
		if !vehicle.IsIdentityColumn(e.Field) {
			e.Value = ""
		}
		out[i] = e
	}
	return out
}

// BatchFilter narrows ListBatches.
type BatchFilter struct {
	Search string // substring of the original file name
	Status string
	Page   int
}

// BatchSummary counts the batches visible to a principal across all pages.
type BatchSummary struct {
	Uploaded     int `json:"uploaded"`
	SharedWithMe int `json:"sharedWithMe"`
}

// BatchList is one page of visible batches.
type BatchList struct {
	Data       []BatchView  `json:"data"`
	Summary    BatchSummary `json:"summary"`
	Pagination Pagination   `json:"pagination"`
}

// visibleBatch loads a batch and resolves p's access. Batches p may not see
// are reported as ErrBatchNotFound.
func (s *Service) visibleBatch(ctx context.Context, p access.Principal, id string) (*vehicle.Batch, access.Grant, error) {
	b, err := s.store.GetBatch(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, access.Grant{}, fmt.Errorf("%w: %s", ErrBatchNotFound, id)
	}
	if err != nil {
		return nil, access.Grant{}, fmt.Errorf("get batch: %w", err)
	}
	g := access.Resolve(p, subjectOf(b))
	if !g.Visible {
		return nil, access.Grant{}, fmt.Errorf("%w: %s", ErrBatchNotFound, id)
	}
	return b, g, nil
}

// manageableBatch is visibleBatch plus the management check.
func (s *Service) manageableBatch(ctx context.Context, p access.Principal, id string) (*vehicle.Batch, error) {
	b, _, err := s.visibleBatch(ctx, p, id)
	if err != nil {
		return nil, err
	}
	if !access.CanManage(p, subjectOf(b)) {
		return nil, ErrForbidden
	}
	return b, nil
}

// GetBatch returns one batch visible to p.
func (s *Service) GetBatch(ctx context.Context, p access.Principal, id string) (*BatchView, error) {
	b, g, err := s.visibleBatch(ctx, p, id)
	if err != nil {
		return nil, err
	}
	v := viewOf(b, g, access.CanManage(p, subjectOf(b)))
	return &v, nil
}

// ListBatches returns the batches visible to p, newest first.
func (s *Service) ListBatches(ctx context.Context, p access.Principal, f BatchFilter) (*BatchList, error) {
	q := store.BatchQuery{Search: strings.TrimSpace(f.Search)}
	if f.Status != "" {
		st, ok := vehicle.ParseStatus(strings.ToLower(strings.TrimSpace(f.Status)))
		if !ok {
			return nil, fmt.Errorf("%w: unknown status %q", ErrInvalidQuery, f.Status)
		}
		q.Status = st
	}

	all, err := s.store.ListBatches(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("list batches: %w", err)
	}

	var (
		views   []BatchView
		summary BatchSummary
	)
	for _, b := range all {
		subj := subjectOf(b)
		g := access.Resolve(p, subj)
		if !g.Visible {
			continue
		}
		if b.OwnerID == p.ID {
			summary.Uploaded++
		} else {
			summary.SharedWithMe++
		}
		v := viewOf(b, g, access.CanManage(p, subj))
		v.RowErrors = nil
		views = append(views, v)
	}

	pg := paginate(f.Page, s.opts.PageSize, len(views))
	from, to := pg.bounds()
	data := make([]BatchView, to-from)
	copy(data, views[from:to])
	return &BatchList{Data: data, Summary: summary, Pagination: pg}, nil
}

// DeleteBatch removes a batch and every record it committed.
func (s *Service) DeleteBatch(ctx context.Context, p access.Principal, id string) error {
	b, err := s.manageableBatch(ctx, p, id)
	if err != nil {
		return err
	}
	if b.Status == vehicle.StatusProcessing {
		return fmt.Errorf("%w: %s", ErrBatchInProgress, id)
	}

	n, err := s.store.DeleteBatch(ctx, id)
	if err != nil {
		return fmt.Errorf("delete batch: %w", err)
	}
	s.advanceIndex(ctx, func() { s.index.RemoveBatch(id) })

	logging.FromContext(ctx).Info("batch deleted", "batch_id", id, "records", n, "actor_id", p.ID)
	s.publish(ctx, events.Event{
		Type:    events.BatchDeleted,
		ActorID: p.ID,
		BatchID: id,
		Attrs:   map[string]any{"records": n},
	})
	return nil
}

// ReassignBatch replaces the primary assignee. Records are untouched. A batch
// still ingesting keeps the new assignment when it finalizes.
func (s *Service) ReassignBatch(ctx context.Context, p access.Principal, id, newPrimary string) (*BatchView, error) {
	newPrimary = strings.TrimSpace(newPrimary)
	if newPrimary == "" {
		return nil, &AssignmentPreconditionError{Role: string(p.Role), Reason: "a primary assignee is required"}
	}

	b, err := s.manageableBatch(ctx, p, id)
	if err != nil {
		return nil, err
	}
	prev := b.PrimaryAssigneeID
	b.Reassign(newPrimary, s.now())
	if err := s.store.SetAssignees(ctx, b.ID, b.PrimaryAssigneeID, b.AdditionalAssigneeIDs, b.UpdatedAt); err != nil {
		return nil, fmt.Errorf("reassign batch: %w", err)
	}
	if up, err := s.upload(b.ID); err == nil {
		up.reassign(b.PrimaryAssigneeID, b.AdditionalAssigneeIDs)
	}
	s.advanceIndex(ctx, nil)

	logging.FromContext(ctx).Info("batch reassigned",
		"batch_id", id, "from", prev, "to", newPrimary, "actor_id", p.ID)
	s.publish(ctx, events.Event{
		Type:    events.BatchReassigned,
		ActorID: p.ID,
		BatchID: id,
		Attrs:   map[string]any{"from": prev, "to": newPrimary},
	})

	subj := subjectOf(b)
	v := viewOf(b, access.Resolve(p, subj), access.CanManage(p, subj))
	return &v, nil
}

// RecoverInterrupted finalizes Processing batches whose ingestion is gone.
// Rows are only visible once committed, so a batch either has all its
// records or none.
//
// A batch is abandoned once its ingestion deadline plus RecoveryGrace has
// passed: any ingestion still alive by then, on this or another replica,
// would have timed out and finalized it itself. Batches ingesting in this
// process are never touched.
func (s *Service) RecoverInterrupted(ctx context.Context) (int, error) {
	stuck, err := s.store.ListBatches(ctx, store.BatchQuery{Status: vehicle.StatusProcessing})
	if err != nil {
		return 0, fmt.Errorf("list processing batches: %w", err)
	}

	s.mu.RLock()
	running := make(map[string]bool, len(s.uploads))
	for id := range s.uploads {
		running[id] = true
	}
	s.mu.RUnlock()

	cutoff := s.now().Add(-(s.opts.Timeout + s.opts.RecoveryGrace))
	recovered := 0
	for _, b := range stuck {
		if running[b.ID] || b.CreatedAt.After(cutoff) {
			continue
		}
		recs, err := s.store.BatchRecords(ctx, b.ID)
		if err != nil {
			return recovered, fmt.Errorf("count records of %s: %w", b.ID, err)
		}
		released, err := s.store.ReleasePendingClaims(ctx, b.ID)
		if err != nil {
			return recovered, fmt.Errorf("release claims of %s: %w", b.ID, err)
		}

		now := s.now()
		if len(recs) == 0 {
			b.Abort("ingestion interrupted by restart", now)
		} else {
			b.ProcessedRows = len(recs)
			b.FailedRows = max(b.TotalRows-b.ProcessedRows-b.SkippedRows, 0)
			if b.ProcessedRows+b.FailedRows+b.SkippedRows != b.TotalRows {
				b.SkippedRows = b.TotalRows - b.ProcessedRows - b.FailedRows
			}
			b.Finalize(now)
		}
		if err := s.store.UpdateProgress(ctx, b); err != nil {
			return recovered, fmt.Errorf("finalize %s: %w", b.ID, err)
		}
		if len(recs) > 0 {
			// The commit may have landed without its index announcement.
			s.advanceIndex(ctx, func() { s.index.Add(recs...) })
		}
		batchesTotal.WithLabelValues(string(b.Status)).Inc()
		recoveredBatchesTotal.Inc()
		s.logger.Warn("recovered interrupted batch",
			"batch_id", b.ID, "status", b.Status, "records", len(recs), "released_claims", released)
		recovered++
	}
	return recovered, nil
}

// RecoverLoop runs RecoverInterrupted every RecoveryInterval until ctx ends.
// Returns at once when the interval is 0.
func (s *Service) RecoverLoop(ctx context.Context) {
	if s.opts.RecoveryInterval <= 0 {
		return
	}
	ticker := time.NewTicker(s.opts.RecoveryInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if _, err := s.RecoverInterrupted(ctx); err != nil && ctx.Err() == nil {
			s.logger.Warn("batch recovery sweep failed", "error", err)
		}
	}
}
