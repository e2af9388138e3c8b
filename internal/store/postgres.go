package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JonMunkholm/vehicleingest/internal/vehicle"
)

const uniqueViolation = "23505"

// claimTimeout bounds the wait on a concurrent claim of the same value.
const claimTimeout = 10 * time.Second

// constraint name -> identity field, see migrations/0001_init.up.sql
var identityConstraints = map[string]vehicle.IdentityField{
	"vehicle_records_registration_key": vehicle.FieldRegistration,
	"vehicle_records_chassis_key":      vehicle.FieldChassis,
	"vehicle_records_engine_key":       vehicle.FieldEngine,
}

// Postgres is the production Store backed by a pgx pool.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres wraps an open pool.
func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

const batchColumns = `id, owner_id, primary_assignee_id, additional_assignee_ids, file_name, file_size_bytes,
	total_rows, processed_rows, failed_rows, skipped_rows, status, error_message, row_errors,
	created_at, updated_at, completed_at`

const recordColumns = `id, batch_id, source_row, registration_number, chassis_number, engine_number,
	customer_name, customer_phone, make, model, loan_number, loan_amount, outstanding_amount,
	disbursement_date, branch, created_at`

func (p *Postgres) CreateBatch(ctx context.Context, b *vehicle.Batch) error {
	rowErrors, err := marshalRowErrors(b.RowErrors)
	if err != nil {
		return err
	}
	_, err = p.pool.Exec(ctx, `INSERT INTO upload_batches (`+batchColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
		b.ID, b.OwnerID, b.PrimaryAssigneeID, b.AdditionalAssigneeIDs, b.FileName, b.FileSizeBytes,
		b.TotalRows, b.ProcessedRows, b.FailedRows, b.SkippedRows, string(b.Status), b.ErrorMessage, rowErrors,
		b.CreatedAt, b.UpdatedAt, b.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("insert batch: %w", err)
	}
	return nil
}

func (p *Postgres) UpdateProgress(ctx context.Context, b *vehicle.Batch) error {
	rowErrors, err := marshalRowErrors(b.RowErrors)
	if err != nil {
		return err
	}
	tag, err := p.pool.Exec(ctx, `UPDATE upload_batches SET
			total_rows = $2, processed_rows = $3, failed_rows = $4, skipped_rows = $5,
			status = $6, error_message = $7, row_errors = $8, updated_at = $9, completed_at = $10
		WHERE id = $1`,
		b.ID, b.TotalRows, b.ProcessedRows, b.FailedRows, b.SkippedRows,
		string(b.Status), b.ErrorMessage, rowErrors, b.UpdatedAt, b.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("update batch progress: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) SetAssignees(ctx context.Context, id, primary string, additional []string, at time.Time) error {
	if additional == nil {
		additional = []string{}
	}
	tag, err := p.pool.Exec(ctx, `UPDATE upload_batches SET
			primary_assignee_id = $2, additional_assignee_ids = $3, updated_at = $4
		WHERE id = $1`,
		id, primary, additional, at,
	)
	if err != nil {
		return fmt.Errorf("update batch assignees: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) GetBatch(ctx context.Context, id string) (*vehicle.Batch, error) {
	row := p.pool.QueryRow(ctx, `SELECT `+batchColumns+` FROM upload_batches WHERE id = $1`, id)
	b, err := scanBatch(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get batch: %w", err)
	}
	return b, nil
}

func (p *Postgres) ListBatches(ctx context.Context, q BatchQuery) ([]*vehicle.Batch, error) {
	var (
		where []string
		args  []any
	)
	if q.Status != "" {
		args = append(args, string(q.Status))
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	if s := strings.TrimSpace(q.Search); s != "" {
		args = append(args, "%"+escapeLike(s)+"%")
		where = append(where, fmt.Sprintf("file_name ILIKE $%d", len(args)))
	}

	query := `SELECT ` + batchColumns + ` FROM upload_batches`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, id"

	rows, err := p.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list batches: %w", err)
	}
	defer rows.Close()

	var out []*vehicle.Batch
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			return nil, fmt.Errorf("scan batch: %w", err)
		}
		out = append(out, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return out, nil
}

func (p *Postgres) DeleteBatch(ctx context.Context, id string) (int64, error) {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var n int64
	if err := tx.QueryRow(ctx, `SELECT count(*) FROM vehicle_records WHERE batch_id = $1`, id).Scan(&n); err != nil {
		return 0, fmt.Errorf("count records: %w", err)
	}
	// vehicle_records and identity_claims rows go with the batch through
	// ON DELETE CASCADE.
	tag, err := tx.Exec(ctx, `DELETE FROM upload_batches WHERE id = $1`, id)
	if err != nil {
		return 0, fmt.Errorf("delete batch: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return 0, ErrNotFound
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return n, nil
}

func (p *Postgres) BeginIngest(ctx context.Context, batchID string) (IngestTx, error) {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	return &postgresTx{pool: p.pool, tx: tx, batchID: batchID}, nil
}

func (p *Postgres) BatchRecords(ctx context.Context, batchID string) ([]*vehicle.Record, error) {
	return p.queryRecords(ctx, `SELECT `+recordColumns+` FROM vehicle_records WHERE batch_id = $1 ORDER BY source_row`, batchID)
}

func (p *Postgres) AllRecords(ctx context.Context) ([]*vehicle.Record, error) {
	return p.queryRecords(ctx, `SELECT `+recordColumns+` FROM vehicle_records`)
}

func (p *Postgres) ReleasePendingClaims(ctx context.Context, batchID string) (int64, error) {
	return releasePendingClaims(ctx, p.pool, batchID)
}

func releasePendingClaims(ctx context.Context, pool *pgxpool.Pool, batchID string) (int64, error) {
	tag, err := pool.Exec(ctx, `DELETE FROM identity_claims c
		WHERE c.batch_id = $1
		  AND NOT EXISTS (SELECT 1 FROM vehicle_records v WHERE v.id = c.record_id)`, batchID)
	if err != nil {
		return 0, fmt.Errorf("release claims: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (p *Postgres) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

func (p *Postgres) queryRecords(ctx context.Context, query string, args ...any) ([]*vehicle.Record, error) {
	rows, err := p.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query records: %w", err)
	}
	defer rows.Close()

	var out []*vehicle.Record
	for rows.Next() {
		var r vehicle.Record
		if err := rows.Scan(
			&r.ID, &r.BatchID, &r.SourceRow, &r.RegistrationNumber, &r.ChassisNumber, &r.EngineNumber,
			&r.CustomerName, &r.CustomerPhone, &r.Make, &r.Model, &r.LoanNumber, &r.LoanAmount, &r.OutstandingAmount,
			&r.DisbursementDate, &r.Branch, &r.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		out = append(out, &r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return out, nil
}

// postgresTx writes the records of one batch in a single transaction. Before
// each insert the record's identity values are claimed in a separate short
// transaction on the pool; the claim commits at once, so a concurrent batch
// holding the same value sees a committed conflict and gets a duplicate
// outcome instead of blocking on, or deadlocking with, this transaction.
// Every insert runs in a savepoint so a failed row only discards itself.
type postgresTx struct {
	pool    *pgxpool.Pool
	tx      pgx.Tx
	batchID string
	n       int
	done    bool
}

func (t *postgresTx) Insert(ctx context.Context, r *vehicle.Record) error {
	if err := t.claim(ctx, r); err != nil {
		return err
	}

	t.n++
	sp := fmt.Sprintf("sp_%d", t.n)
	if _, err := t.tx.Exec(ctx, "SAVEPOINT "+sp); err != nil {
		t.unclaim(ctx, r.ID)
		return fmt.Errorf("create savepoint: %w", err)
	}

	_, err := t.tx.Exec(ctx, `INSERT INTO vehicle_records (`+recordColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
		r.ID, r.BatchID, r.SourceRow, r.RegistrationNumber, r.ChassisNumber, r.EngineNumber,
		r.CustomerName, r.CustomerPhone, r.Make, r.Model, r.LoanNumber, r.LoanAmount, r.OutstandingAmount,
		r.DisbursementDate, r.Branch, r.CreatedAt,
	)
	if err != nil {
		_, _ = t.tx.Exec(ctx, "ROLLBACK TO SAVEPOINT "+sp)
		t.unclaim(ctx, r.ID)
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			if f, ok := identityConstraints[pgErr.ConstraintName]; ok {
				return &DuplicateIdentityError{Field: f, Value: r.Identity(f)}
			}
		}
		return fmt.Errorf("insert record: %w", err)
	}

	_, _ = t.tx.Exec(ctx, "RELEASE SAVEPOINT "+sp)
	return nil
}

// claim reserves the three identity values of r, all or none. Rows are
// written in field order, so two claims never wait on each other in a cycle.
func (t *postgresTx) claim(ctx context.Context, r *vehicle.Record) error {
	ctx, cancel := context.WithTimeout(ctx, claimTimeout)
	defer cancel()

	claimTx, err := t.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin claim: %w", err)
	}
	defer func() { _ = claimTx.Rollback(ctx) }()

	rows, err := claimTx.Query(ctx, `INSERT INTO identity_claims (field, value, record_id, batch_id)
		VALUES ('registration', $1, $4, $5), ('chassis', $2, $4, $5), ('engine', $3, $4, $5)
		ON CONFLICT DO NOTHING
		RETURNING field`,
		r.RegistrationNumber, r.ChassisNumber, r.EngineNumber, r.ID, t.batchID,
	)
	if err != nil {
		return fmt.Errorf("claim identity: %w", err)
	}
	claimed := make(map[vehicle.IdentityField]bool, len(vehicle.IdentityFields))
	for rows.Next() {
		var f string
		if err := rows.Scan(&f); err != nil {
			rows.Close()
			return fmt.Errorf("scan claim: %w", err)
		}
		claimed[vehicle.IdentityField(f)] = true
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("claim identity: %w", err)
	}

	for _, f := range vehicle.IdentityFields {
		if !claimed[f] {
			return &DuplicateIdentityError{Field: f, Value: r.Identity(f)}
		}
	}
	if err := claimTx.Commit(ctx); err != nil {
		return fmt.Errorf("commit claim: %w", err)
	}
	return nil
}

func (t *postgresTx) unclaim(ctx context.Context, recordID string) {
	_, _ = t.pool.Exec(context.WithoutCancel(ctx), `DELETE FROM identity_claims WHERE record_id = $1`, recordID)
}

func (t *postgresTx) Commit(ctx context.Context) error {
	if err := t.tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	t.done = true
	return nil
}

// Rollback discards the batch transaction and frees the claims of its
// uncommitted records.
func (t *postgresTx) Rollback(ctx context.Context) error {
	if t.done {
		return nil
	}
	t.done = true
	err := t.tx.Rollback(ctx)
	if err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		return fmt.Errorf("rollback: %w", err)
	}
	if _, err := releasePendingClaims(ctx, t.pool, t.batchID); err != nil {
		return err
	}
	return nil
}

func scanBatch(row pgx.Row) (*vehicle.Batch, error) {
	var (
		b         vehicle.Batch
		status    string
		rowErrors []byte
	)
	if err := row.Scan(
		&b.ID, &b.OwnerID, &b.PrimaryAssigneeID, &b.AdditionalAssigneeIDs, &b.FileName, &b.FileSizeBytes,
		&b.TotalRows, &b.ProcessedRows, &b.FailedRows, &b.SkippedRows, &status, &b.ErrorMessage, &rowErrors,
		&b.CreatedAt, &b.UpdatedAt, &b.CompletedAt,
	); err != nil {
		return nil, err
	}
	b.Status = vehicle.Status(status)
	if len(rowErrors) > 0 {
		if err := json.Unmarshal(rowErrors, &b.RowErrors); err != nil {
			return nil, fmt.Errorf("decode row errors: %w", err)
		}
	}
	return &b, nil
}

func marshalRowErrors(errs []vehicle.RowError) ([]byte, error) {
	if errs == nil {
		errs = []vehicle.RowError{}
	}
	data, err := json.Marshal(errs)
	if err != nil {
		return nil, fmt.Errorf("encode row errors: %w", err)
	}
	return data, nil
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
