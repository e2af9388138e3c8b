// Package store persists upload batches and vehicle records.
//
// Two implementations share one contract: Memory for tests and single-node
// development, Postgres for production. Both claim identity values at insert
// time, outside the batch's write scope, so two concurrent batches inserting
// the same registration, chassis or engine number cannot both succeed and
// neither waits on the other.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/JonMunkholm/vehicleingest/internal/vehicle"
)

// ErrNotFound is returned when a batch does not exist.
var ErrNotFound = errors.New("not found")

// ErrDuplicateIdentity matches every *DuplicateIdentityError.
var ErrDuplicateIdentity = errors.New("duplicate identity value")

// DuplicateIdentityError reports an identity value already held by another
// record, committed or still pending in a concurrent batch.
type DuplicateIdentityError struct {
	Field vehicle.IdentityField
	Value string
}

func (e *DuplicateIdentityError) Error() string {
	if e.Value == "" {
		return fmt.Sprintf("duplicate %s number", e.Field)
	}
	return fmt.Sprintf("duplicate %s number %q", e.Field, e.Value)
}

func (e *DuplicateIdentityError) Is(target error) bool {
	return target == ErrDuplicateIdentity
}

// BatchQuery filters ListBatches. Zero values match everything.
type BatchQuery struct {
	Status vehicle.Status
	Search string // case-insensitive substring of the original file name
}

// Store is the persistence contract used by the ingestion service.
type Store interface {
	CreateBatch(ctx context.Context, b *vehicle.Batch) error
	// UpdateProgress writes the counters, status, error list and timestamps
	// of b. Ownership and assignment are never touched, so an ingestion
	// holding an older copy cannot undo a reassignment.
	UpdateProgress(ctx context.Context, b *vehicle.Batch) error
	// SetAssignees replaces the assignment of a batch.
	SetAssignees(ctx context.Context, id, primary string, additional []string, at time.Time) error
	GetBatch(ctx context.Context, id string) (*vehicle.Batch, error)
	// ListBatches returns matching batches, newest first.
	ListBatches(ctx context.Context, q BatchQuery) ([]*vehicle.Batch, error)
	// DeleteBatch removes a batch and its records. Returns the number of
	// records removed.
	DeleteBatch(ctx context.Context, id string) (int64, error)

	// BeginIngest opens the write scope of one batch. Records inserted through
	// it become visible to readers on Commit.
	BeginIngest(ctx context.Context, batchID string) (IngestTx, error)
	BatchRecords(ctx context.Context, batchID string) ([]*vehicle.Record, error)
	// AllRecords returns every committed record. Used to build the search
	// index at startup.
	AllRecords(ctx context.Context) ([]*vehicle.Record, error)
	// ReleasePendingClaims frees identity values claimed by a batch for
	// records that were never committed. Returns the number released.
	ReleasePendingClaims(ctx context.Context, batchID string) (int64, error)

	Ping(ctx context.Context) error
}

// IngestTx is the write scope of one batch. Not safe for concurrent use.
type IngestTx interface {
	// Insert stores one record. Returns a *DuplicateIdentityError when any of
	// its identity values is taken; the transaction stays usable.
	Insert(ctx context.Context, rec *vehicle.Record) error
	Commit(ctx context.Context) error
	// Rollback discards uncommitted records. Safe to call after Commit.
	Rollback(ctx context.Context) error
}
