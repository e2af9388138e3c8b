package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/JonMunkholm/vehicleingest/internal/vehicle"
)

func testRecord(id, batch, reg string) *vehicle.Record {
	return &vehicle.Record{
		ID: id, BatchID: batch, SourceRow: 2,
		RegistrationNumber: reg, ChassisNumber: "CH" + reg, EngineNumber: "EN" + reg,
		CustomerName: "Test", CreatedAt: time.Now(),
	}
}

func TestMemory_BatchCRUD(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	b := vehicle.NewBatch("b1", "owner", "a1", nil, "march.xlsx", 100, time.Now())
	if err := m.CreateBatch(ctx, b); err != nil {
		t.Fatalf("CreateBatch: %v", err)
	}

	// Stored copy is independent of the caller's value.
	b.TotalRows = 99
	got, err := m.GetBatch(ctx, "b1")
	if err != nil {
		t.Fatalf("GetBatch: %v", err)
	}
	if got.TotalRows != 0 {
		t.Errorf("TotalRows = %d, want 0", got.TotalRows)
	}

	got.ProcessedRows = 5
	if err := m.UpdateProgress(ctx, got); err != nil {
		t.Fatalf("UpdateProgress: %v", err)
	}
	got, _ = m.GetBatch(ctx, "b1")
	if got.ProcessedRows != 5 {
		t.Errorf("ProcessedRows = %d, want 5", got.ProcessedRows)
	}

	if _, err := m.GetBatch(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetBatch(missing) err = %v, want ErrNotFound", err)
	}
	if err := m.UpdateProgress(ctx, &vehicle.Batch{ID: "missing"}); !errors.Is(err, ErrNotFound) {
		t.Errorf("UpdateProgress(missing) err = %v, want ErrNotFound", err)
	}
	if err := m.SetAssignees(ctx, "missing", "a", nil, time.Now()); !errors.Is(err, ErrNotFound) {
		t.Errorf("SetAssignees(missing) err = %v, want ErrNotFound", err)
	}
}

func TestMemory_ProgressKeepsAssignment(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	stale := vehicle.NewBatch("b1", "owner", "a1", nil, "march.xlsx", 100, time.Now())
	if err := m.CreateBatch(ctx, stale); err != nil {
		t.Fatalf("CreateBatch: %v", err)
	}
	if err := m.SetAssignees(ctx, "b1", "a2", []string{"a2", "fo"}, time.Now()); err != nil {
		t.Fatalf("SetAssignees: %v", err)
	}

	// A writer holding the copy from before the reassignment.
	stale.TotalRows, stale.ProcessedRows = 3, 3
	stale.Finalize(time.Now())
	if err := m.UpdateProgress(ctx, stale); err != nil {
		t.Fatalf("UpdateProgress: %v", err)
	}

	got, _ := m.GetBatch(ctx, "b1")
	if got.PrimaryAssigneeID != "a2" || len(got.AdditionalAssigneeIDs) != 2 {
		t.Errorf("assignment = %q %v, want a2 [a2 fo]", got.PrimaryAssigneeID, got.AdditionalAssigneeIDs)
	}
	if got.Status != vehicle.StatusCompleted || got.ProcessedRows != 3 {
		t.Errorf("progress not written: %+v", got)
	}
}

func TestMemory_ReleasePendingClaims(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	committed, _ := m.BeginIngest(ctx, "b1")
	_ = committed.Insert(ctx, testRecord("r1", "b1", "MH01AA0001"))
	_ = committed.Commit(ctx)

	// An ingestion that never finished: its claims outlive it.
	abandoned, _ := m.BeginIngest(ctx, "b2")
	_ = abandoned.Insert(ctx, testRecord("r2", "b2", "MH01AA0002"))

	n, err := m.ReleasePendingClaims(ctx, "b2")
	if err != nil {
		t.Fatalf("ReleasePendingClaims: %v", err)
	}
	if n != 3 {
		t.Errorf("released %d claims, want 3", n)
	}
	if n, _ := m.ReleasePendingClaims(ctx, "b1"); n != 0 {
		t.Errorf("committed claims released: %d", n)
	}

	tx, _ := m.BeginIngest(ctx, "b3")
	if err := tx.Insert(ctx, testRecord("r3", "b3", "MH01AA0002")); err != nil {
		t.Errorf("Insert of released value: %v", err)
	}
	if err := tx.Insert(ctx, testRecord("r4", "b3", "MH01AA0001")); !errors.Is(err, ErrDuplicateIdentity) {
		t.Errorf("Insert of committed value err = %v, want duplicate", err)
	}
}

func TestMemory_ListBatches(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	for i, name := range []string{"Pune_March.xlsx", "delhi.csv", "pune_april.csv"} {
		b := vehicle.NewBatch(fmt.Sprintf("b%d", i), "o", "", nil, name, 1, base.Add(time.Duration(i)*time.Hour))
		if i == 1 {
			b.Status = vehicle.StatusCompleted
		}
		_ = m.CreateBatch(ctx, b)
	}

	tests := []struct {
		name string
		q    BatchQuery
		want []string
	}{
		{"all newest first", BatchQuery{}, []string{"b2", "b1", "b0"}},
		{"search case-insensitive", BatchQuery{Search: "PUNE"}, []string{"b2", "b0"}},
		{"status", BatchQuery{Status: vehicle.StatusCompleted}, []string{"b1"}},
		{"status and search", BatchQuery{Status: vehicle.StatusProcessing, Search: "delhi"}, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := m.ListBatches(ctx, tt.q)
			if err != nil {
				t.Fatalf("ListBatches: %v", err)
			}
			var ids []string
			for _, b := range got {
				ids = append(ids, b.ID)
			}
			if fmt.Sprint(ids) != fmt.Sprint(tt.want) {
				t.Errorf("ids = %v, want %v", ids, tt.want)
			}
		})
	}
}

func TestMemory_IngestCommitAndDuplicate(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	_ = m.CreateBatch(ctx, vehicle.NewBatch("b1", "o", "", nil, "a.csv", 1, time.Now()))
	_ = m.CreateBatch(ctx, vehicle.NewBatch("b2", "o", "", nil, "b.csv", 1, time.Now()))

	tx1, _ := m.BeginIngest(ctx, "b1")
	if err := tx1.Insert(ctx, testRecord("r1", "b1", "MH01AA0001")); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	// Not visible before commit.
	if recs, _ := m.AllRecords(ctx); len(recs) != 0 {
		t.Errorf("uncommitted records visible: %d", len(recs))
	}

	// A concurrent batch cannot claim the same value.
	tx2, _ := m.BeginIngest(ctx, "b2")
	err := tx2.Insert(ctx, testRecord("r2", "b2", "MH01AA0001"))
	var dup *DuplicateIdentityError
	if !errors.As(err, &dup) || !errors.Is(err, ErrDuplicateIdentity) {
		t.Fatalf("err = %v, want DuplicateIdentityError", err)
	}
	if dup.Field != vehicle.FieldRegistration {
		t.Errorf("Field = %s, want registration", dup.Field)
	}

	if err := tx1.Commit(ctx); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	_ = tx1.Rollback(ctx) // no-op after commit
	_ = tx2.Rollback(ctx)

	recs, _ := m.BatchRecords(ctx, "b1")
	if len(recs) != 1 || recs[0].ID != "r1" {
		t.Fatalf("BatchRecords = %+v", recs)
	}
}

func TestMemory_RollbackReleasesClaims(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	tx, _ := m.BeginIngest(ctx, "b1")
	_ = tx.Insert(ctx, testRecord("r1", "b1", "MH01AA0001"))
	_ = tx.Rollback(ctx)

	tx2, _ := m.BeginIngest(ctx, "b2")
	if err := tx2.Insert(ctx, testRecord("r2", "b2", "MH01AA0001")); err != nil {
		t.Errorf("Insert after rollback: %v", err)
	}
}

func TestMemory_DeleteBatchCascades(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	_ = m.CreateBatch(ctx, vehicle.NewBatch("b1", "o", "", nil, "a.csv", 1, time.Now()))

	tx, _ := m.BeginIngest(ctx, "b1")
	_ = tx.Insert(ctx, testRecord("r1", "b1", "MH01AA0001"))
	_ = tx.Insert(ctx, testRecord("r2", "b1", "MH01AA0002"))
	_ = tx.Commit(ctx)

	n, err := m.DeleteBatch(ctx, "b1")
	if err != nil {
		t.Fatalf("DeleteBatch: %v", err)
	}
	if n != 2 {
		t.Errorf("deleted %d records, want 2", n)
	}
	if recs, _ := m.AllRecords(ctx); len(recs) != 0 {
		t.Errorf("records survive their batch: %d", len(recs))
	}
	if _, err := m.DeleteBatch(ctx, "b1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("second delete err = %v, want ErrNotFound", err)
	}

	// Identity values are free again.
	tx2, _ := m.BeginIngest(ctx, "b2")
	if err := tx2.Insert(ctx, testRecord("r3", "b2", "MH01AA0001")); err != nil {
		t.Errorf("reinsert after delete: %v", err)
	}
}

func TestMemory_ConcurrentInsertExactlyOneWins(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	const workers = 16
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			batch := fmt.Sprintf("b%d", i)
			tx, _ := m.BeginIngest(ctx, batch)
			err := tx.Insert(ctx, testRecord(fmt.Sprintf("r%d", i), batch, "MH01AA0001"))
			if err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
				_ = tx.Commit(ctx)
				return
			}
			_ = tx.Rollback(ctx)
		}(i)
	}
	wg.Wait()

	if wins != 1 {
		t.Errorf("wins = %d, want exactly 1", wins)
	}
}
