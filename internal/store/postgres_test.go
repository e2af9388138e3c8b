package store

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/JonMunkholm/vehicleingest/internal/vehicle"
)

// setupPostgres starts a PostgreSQL container and applies migrations.
func setupPostgres(t *testing.T) *Postgres {
	t.Helper()

	if os.Getenv("TEST_INTEGRATION") == "" {
		t.Skip("skipping integration test: TEST_INTEGRATION not set")
	}

	ctx := context.Background()
	container, err := postgres.Run(ctx,
		"docker.io/postgres:17-alpine",
		postgres.WithDatabase("vehicles_test"),
		postgres.WithUsername("vehicles"),
		postgres.WithPassword("test-password"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	if err != nil {
		t.Fatalf("start postgres container: %v", err)
	}
	t.Cleanup(func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("terminate container: %v", err)
		}
	})

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("connection string: %v", err)
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))
	if err := Migrate(dsn, 0, logger); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(pool.Close)

	return NewPostgres(pool)
}

func TestPostgres_BatchLifecycle(t *testing.T) {
	p := setupPostgres(t)
	ctx := context.Background()

	b := vehicle.NewBatch("b1", "owner", "a1", []string{"a2"}, "march.xlsx", 2048, time.Now().UTC().Truncate(time.Millisecond))
	if err := p.CreateBatch(ctx, b); err != nil {
		t.Fatalf("CreateBatch: %v", err)
	}

	b.TotalRows, b.ProcessedRows, b.FailedRows = 2, 1, 1
	b.RowErrors = []vehicle.RowError{{Row: 3, Field: vehicle.ColCustomerName, Reason: "required field is empty"}}
	b.Finalize(time.Now().UTC())
	if err := p.SetAssignees(ctx, "b1", "a3", []string{"a3", "a2"}, time.Now().UTC()); err != nil {
		t.Fatalf("SetAssignees: %v", err)
	}
	// b still carries the assignment from before SetAssignees.
	if err := p.UpdateProgress(ctx, b); err != nil {
		t.Fatalf("UpdateProgress: %v", err)
	}

	got, err := p.GetBatch(ctx, "b1")
	if err != nil {
		t.Fatalf("GetBatch: %v", err)
	}
	if got.Status != vehicle.StatusPartial || len(got.RowErrors) != 1 || got.CompletedAt == nil {
		t.Errorf("unexpected batch: %+v", got)
	}
	if got.PrimaryAssigneeID != "a3" || len(got.AdditionalAssigneeIDs) != 2 {
		t.Errorf("assignment = %q %v, want a3 [a3 a2]", got.PrimaryAssigneeID, got.AdditionalAssigneeIDs)
	}

	list, err := p.ListBatches(ctx, BatchQuery{Search: "MARCH"})
	if err != nil || len(list) != 1 {
		t.Fatalf("ListBatches = %v, %v", list, err)
	}

	if _, err := p.GetBatch(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetBatch(missing) err = %v", err)
	}
}

func TestPostgres_IngestDuplicatesAndCascade(t *testing.T) {
	p := setupPostgres(t)
	ctx := context.Background()

	for _, id := range []string{"b1", "b2"} {
		if err := p.CreateBatch(ctx, vehicle.NewBatch(id, "o", "", nil, id+".csv", 1, time.Now())); err != nil {
			t.Fatalf("CreateBatch: %v", err)
		}
	}

	tx, err := p.BeginIngest(ctx, "b1")
	if err != nil {
		t.Fatalf("BeginIngest: %v", err)
	}
	if err := tx.Insert(ctx, testRecord("r1", "b1", "MH01AA0001")); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	// Same batch, same value: savepoint keeps the transaction usable.
	if err := tx.Insert(ctx, testRecord("r2", "b1", "MH01AA0001")); !errors.Is(err, ErrDuplicateIdentity) {
		t.Fatalf("duplicate insert err = %v", err)
	}
	if err := tx.Insert(ctx, testRecord("r3", "b1", "MH01AA0003")); err != nil {
		t.Fatalf("Insert after duplicate: %v", err)
	}
	if err := tx.Commit(ctx); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	tx2, _ := p.BeginIngest(ctx, "b2")
	err = tx2.Insert(ctx, testRecord("r4", "b2", "MH01AA0003"))
	var dup *DuplicateIdentityError
	if !errors.As(err, &dup) {
		t.Fatalf("cross-batch duplicate err = %v", err)
	}
	_ = tx2.Rollback(ctx)

	n, err := p.DeleteBatch(ctx, "b1")
	if err != nil || n != 2 {
		t.Fatalf("DeleteBatch = %d, %v; want 2", n, err)
	}
	recs, err := p.AllRecords(ctx)
	if err != nil || len(recs) != 0 {
		t.Errorf("AllRecords after delete = %d, %v", len(recs), err)
	}
}

func TestPostgres_ConcurrentCrossOrderedDuplicates(t *testing.T) {
	p := setupPostgres(t)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	for _, id := range []string{"ba", "bb"} {
		if err := p.CreateBatch(ctx, vehicle.NewBatch(id, "o", "", nil, id+".csv", 1, time.Now())); err != nil {
			t.Fatalf("CreateBatch: %v", err)
		}
	}

	txA, err := p.BeginIngest(ctx, "ba")
	if err != nil {
		t.Fatalf("BeginIngest: %v", err)
	}
	txB, err := p.BeginIngest(ctx, "bb")
	if err != nil {
		t.Fatalf("BeginIngest: %v", err)
	}

	// A holds X, B holds Y, both uncommitted.
	if err := txA.Insert(ctx, testRecord("a1", "ba", "MH01XX0001")); err != nil {
		t.Fatalf("A insert X: %v", err)
	}
	if err := txB.Insert(ctx, testRecord("b1", "bb", "MH01YY0001")); err != nil {
		t.Fatalf("B insert Y: %v", err)
	}

	// Then each inserts the other's value at the same time.
	var (
		wg         sync.WaitGroup
		errA, errB error
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		errA = txA.Insert(ctx, testRecord("a2", "ba", "MH01YY0001"))
	}()
	go func() {
		defer wg.Done()
		errB = txB.Insert(ctx, testRecord("b2", "bb", "MH01XX0001"))
	}()
	wg.Wait()

	for name, err := range map[string]error{"A": errA, "B": errB} {
		var dup *DuplicateIdentityError
		if !errors.As(err, &dup) {
			t.Errorf("%s cross insert err = %v, want duplicate", name, err)
		}
	}

	if err := txA.Commit(ctx); err != nil {
		t.Fatalf("A commit: %v", err)
	}
	if err := txB.Commit(ctx); err != nil {
		t.Fatalf("B commit: %v", err)
	}
	for _, batch := range []string{"ba", "bb"} {
		recs, err := p.BatchRecords(ctx, batch)
		if err != nil || len(recs) != 1 {
			t.Errorf("BatchRecords(%s) = %d, %v; want 1", batch, len(recs), err)
		}
	}
}

func TestPostgres_RollbackAndRecoveryReleaseClaims(t *testing.T) {
	p := setupPostgres(t)
	ctx := context.Background()

	for _, id := range []string{"b1", "b2", "b3"} {
		if err := p.CreateBatch(ctx, vehicle.NewBatch(id, "o", "", nil, id+".csv", 1, time.Now())); err != nil {
			t.Fatalf("CreateBatch: %v", err)
		}
	}

	tx, _ := p.BeginIngest(ctx, "b1")
	if err := tx.Insert(ctx, testRecord("r1", "b1", "MH01AA0001")); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := tx.Rollback(ctx); err != nil {
		t.Fatalf("Rollback: %v", err)
	}

	// An ingestion that died without rolling back leaves its claims behind.
	abandoned, _ := p.BeginIngest(ctx, "b2")
	if err := abandoned.Insert(ctx, testRecord("r2", "b2", "MH01AA0002")); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := abandoned.(*postgresTx).tx.Rollback(ctx); err != nil {
		t.Fatalf("raw rollback: %v", err)
	}
	n, err := p.ReleasePendingClaims(ctx, "b2")
	if err != nil || n != 3 {
		t.Fatalf("ReleasePendingClaims = %d, %v; want 3", n, err)
	}

	tx3, _ := p.BeginIngest(ctx, "b3")
	for _, reg := range []string{"MH01AA0001", "MH01AA0002"} {
		if err := tx3.Insert(ctx, testRecord("r3"+reg, "b3", reg)); err != nil {
			t.Errorf("Insert of released %s: %v", reg, err)
		}
	}
	if err := tx3.Commit(ctx); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if n, _ := p.ReleasePendingClaims(ctx, "b3"); n != 0 {
		t.Errorf("committed claims released: %d", n)
	}
}
