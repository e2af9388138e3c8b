// Package vehicle holds the domain model for ingested vehicle spreadsheets:
// upload batches, vehicle records, per-row outcomes, the template column
// schema and the row validator.
//
// The package has no storage or transport dependencies so that the pipeline,
// the stores and the search index can share one set of types.
package vehicle

import (
	"slices"
	"time"

	"github.com/jackc/pgx/v5/pgtype"
)

// Status is the lifecycle state of an upload batch.
type Status string

const (
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusPartial    Status = "partial"
)

// ParseStatus converts a user-supplied status filter. Returns false for
// unknown values.
func ParseStatus(s string) (Status, bool) {
	switch Status(s) {
	case StatusProcessing, StatusCompleted, StatusFailed, StatusPartial:
		return Status(s), true
	}
	return "", false
}

// IsTerminal reports whether no further transitions are allowed.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusPartial
}

// RowError is one entry of a batch's bounded error list.
type RowError struct {
	Row    int    `json:"row"`
	Field  string `json:"field,omitempty"`
	Value  string `json:"value,omitempty"`
	Reason string `json:"reason"`
}

// Batch is one ingestion job created from one submitted file.
type Batch struct {
	ID                    string     `json:"id"`
	OwnerID               string     `json:"ownerId"`
	PrimaryAssigneeID     string     `json:"primaryAssigneeId,omitempty"`
	AdditionalAssigneeIDs []string   `json:"additionalAssigneeIds"`
	FileName              string     `json:"originalFileName"`
	FileSizeBytes         int64      `json:"fileSizeBytes"`
	TotalRows             int        `json:"totalRows"`
	ProcessedRows         int        `json:"processedRows"`
	FailedRows            int        `json:"failedRows"`
	SkippedRows           int        `json:"skippedRows"`
	Status                Status     `json:"status"`
	ErrorMessage          string     `json:"errorMessage,omitempty"`
	RowErrors             []RowError `json:"rowErrors,omitempty"`
	CreatedAt             time.Time  `json:"createdAt"`
	UpdatedAt             time.Time  `json:"updatedAt"`
	CompletedAt           *time.Time `json:"completedAt,omitempty"`
}

// NewBatch returns a batch in the Processing state. The primary assignee is
// folded into the additional assignee set.
func NewBatch(id, ownerID, primaryAssigneeID string, additional []string, fileName string, size int64, now time.Time) *Batch {
	b := &Batch{
		ID:                id,
		OwnerID:           ownerID,
		PrimaryAssigneeID: primaryAssigneeID,
		FileName:          fileName,
		FileSizeBytes:     size,
		Status:            StatusProcessing,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	b.AdditionalAssigneeIDs = mergeAssignees(primaryAssigneeID, additional)
	return b
}

// Reassign replaces the primary assignee. The previous primary is dropped from
// the additional set unless it was listed there on its own.
func (b *Batch) Reassign(newPrimary string, now time.Time) {
	old := b.PrimaryAssigneeID
	rest := make([]string, 0, len(b.AdditionalAssigneeIDs))
	for _, id := range b.AdditionalAssigneeIDs {
		if id != old {
			rest = append(rest, id)
		}
	}
	b.PrimaryAssigneeID = newPrimary
	b.AdditionalAssigneeIDs = mergeAssignees(newPrimary, rest)
	b.UpdatedAt = now
}

// Assignees returns the primary assignee and every additional assignee,
// without duplicates.
func (b *Batch) Assignees() []string {
	return mergeAssignees(b.PrimaryAssigneeID, b.AdditionalAssigneeIDs)
}

// Finalize applies the terminal status rule:
//
//	Completed iff failed == 0 and skipped == 0 and processed == total > 0
//	Failed    iff processed == 0
//	Partial   otherwise
func (b *Batch) Finalize(now time.Time) {
	switch {
	case b.ProcessedRows == 0:
		b.Status = StatusFailed
		if b.ErrorMessage == "" {
			b.ErrorMessage = "no rows were imported"
		}
	case b.FailedRows == 0 && b.SkippedRows == 0 && b.ProcessedRows == b.TotalRows:
		b.Status = StatusCompleted
	default:
		b.Status = StatusPartial
	}
	b.UpdatedAt = now
	b.CompletedAt = &now
}

// FailParse finalizes a batch whose file could not be read at all.
func (b *Batch) FailParse(msg string, now time.Time) {
	b.TotalRows = 0
	b.ProcessedRows = 0
	b.FailedRows = 0
	b.SkippedRows = 0
	b.ErrorMessage = msg
	b.Status = StatusFailed
	b.UpdatedAt = now
	b.CompletedAt = &now
}

// Abort finalizes a batch whose ingestion stopped before commit. Nothing was
// stored, so every non-blank row counts as failed.
func (b *Batch) Abort(msg string, now time.Time) {
	b.FailedRows = b.TotalRows - b.SkippedRows
	b.ProcessedRows = 0
	b.ErrorMessage = msg
	b.Status = StatusFailed
	b.UpdatedAt = now
	b.CompletedAt = &now
}

// Clone returns a deep copy safe to hand to other goroutines.
func (b *Batch) Clone() *Batch {
	c := *b
	c.AdditionalAssigneeIDs = slices.Clone(b.AdditionalAssigneeIDs)
	c.RowErrors = slices.Clone(b.RowErrors)
	if b.CompletedAt != nil {
		t := *b.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}

func mergeAssignees(primary string, additional []string) []string {
	out := make([]string, 0, len(additional)+1)
	if primary != "" {
		out = append(out, primary)
	}
	for _, id := range additional {
		if id == "" || slices.Contains(out, id) {
			continue
		}
		out = append(out, id)
	}
	return out
}

// Record is one successfully validated row.
type Record struct {
	ID        string `json:"id"`
	BatchID   string `json:"batchId"`
	SourceRow int    `json:"sourceRowIndex"`

	RegistrationNumber string `json:"registrationNumber"`
	ChassisNumber      string `json:"chassisNumber"`
	EngineNumber       string `json:"engineNumber"`

	CustomerName      string         `json:"customerName"`
	CustomerPhone     string         `json:"customerPhone,omitempty"`
	Make              string         `json:"make,omitempty"`
	Model             string         `json:"model,omitempty"`
	LoanNumber        string         `json:"loanNumber,omitempty"`
	LoanAmount        pgtype.Numeric `json:"loanAmount"`
	OutstandingAmount pgtype.Numeric `json:"outstandingAmount"`
	DisbursementDate  pgtype.Date    `json:"disbursementDate"`
	Branch            string         `json:"branch,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
}

// Identity returns the value of an identity field.
func (r *Record) Identity(f IdentityField) string {
	switch f {
	case FieldRegistration:
		return r.RegistrationNumber
	case FieldChassis:
		return r.ChassisNumber
	case FieldEngine:
		return r.EngineNumber
	}
	return ""
}

// Classification is the outcome of one input row.
type Classification string

const (
	Processed Classification = "processed"
	Skipped   Classification = "skipped"
	Failed    Classification = "failed"
)

// RowOutcome is the transient result of validating and storing one row.
type RowOutcome struct {
	Row    int
	Class  Classification
	Reason string
	Err    *RowValidationError
	Record *Record
}
