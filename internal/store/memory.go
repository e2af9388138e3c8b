package store

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/JonMunkholm/vehicleingest/internal/vehicle"
)

// Memory is an in-process Store. Identity values are claimed at insert time
// under the store mutex, which makes the uniqueness check and the insert one
// atomic step across concurrent batches.
type Memory struct {
	mu      sync.RWMutex
	batches map[string]*vehicle.Batch
	records map[string]*vehicle.Record
	byBatch map[string][]string
	claims  map[vehicle.IdentityField]map[string]claim
}

type claim struct {
	recordID string
	batchID  string
}

// NewMemory returns an empty store.
func NewMemory() *Memory {
	claims := make(map[vehicle.IdentityField]map[string]claim, len(vehicle.IdentityFields))
	for _, f := range vehicle.IdentityFields {
		claims[f] = make(map[string]claim)
	}
	return &Memory{
		batches: make(map[string]*vehicle.Batch),
		records: make(map[string]*vehicle.Record),
		byBatch: make(map[string][]string),
		claims:  claims,
	}
}

func (m *Memory) CreateBatch(_ context.Context, b *vehicle.Batch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.batches[b.ID] = b.Clone()
	return nil
}

func (m *Memory) UpdateProgress(_ context.Context, b *vehicle.Batch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.batches[b.ID]
	if !ok {
		return ErrNotFound
	}
	next := b.Clone()
	next.OwnerID = cur.OwnerID
	next.PrimaryAssigneeID = cur.PrimaryAssigneeID
	next.AdditionalAssigneeIDs = cur.AdditionalAssigneeIDs
	next.FileName = cur.FileName
	next.FileSizeBytes = cur.FileSizeBytes
	next.CreatedAt = cur.CreatedAt
	m.batches[b.ID] = next
	return nil
}

func (m *Memory) SetAssignees(_ context.Context, id, primary string, additional []string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.batches[id]
	if !ok {
		return ErrNotFound
	}
	cur.PrimaryAssigneeID = primary
	cur.AdditionalAssigneeIDs = slices.Clone(additional)
	cur.UpdatedAt = at
	return nil
}

func (m *Memory) GetBatch(_ context.Context, id string) (*vehicle.Batch, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.batches[id]
	if !ok {
		return nil, ErrNotFound
	}
	return b.Clone(), nil
}

func (m *Memory) ListBatches(_ context.Context, q BatchQuery) ([]*vehicle.Batch, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	search := strings.ToLower(strings.TrimSpace(q.Search))
	out := make([]*vehicle.Batch, 0, len(m.batches))
	for _, b := range m.batches {
		if q.Status != "" && b.Status != q.Status {
			continue
		}
		if search != "" && !strings.Contains(strings.ToLower(b.FileName), search) {
			continue
		}
		out = append(out, b.Clone())
	}
	slices.SortFunc(out, func(a, b *vehicle.Batch) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return out, nil
}

func (m *Memory) DeleteBatch(_ context.Context, id string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.batches[id]; !ok {
		return 0, ErrNotFound
	}
	var n int64
	for _, rid := range m.byBatch[id] {
		if rec, ok := m.records[rid]; ok {
			m.releaseLocked(rec)
			delete(m.records, rid)
			n++
		}
	}
	delete(m.byBatch, id)
	delete(m.batches, id)
	return n, nil
}

func (m *Memory) BeginIngest(_ context.Context, batchID string) (IngestTx, error) {
	return &memoryTx{store: m, batchID: batchID}, nil
}

func (m *Memory) BatchRecords(_ context.Context, batchID string) ([]*vehicle.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := m.byBatch[batchID]
	out := make([]*vehicle.Record, 0, len(ids))
	for _, id := range ids {
		if rec, ok := m.records[id]; ok {
			c := *rec
			out = append(out, &c)
		}
	}
	slices.SortFunc(out, func(a, b *vehicle.Record) int { return a.SourceRow - b.SourceRow })
	return out, nil
}

func (m *Memory) AllRecords(context.Context) ([]*vehicle.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*vehicle.Record, 0, len(m.records))
	for _, rec := range m.records {
		c := *rec
		out = append(out, &c)
	}
	return out, nil
}

// ReleasePendingClaims drops claims of batchID whose record was never
// committed. Callers must ensure no ingestion of the batch is running.
func (m *Memory) ReleasePendingClaims(_ context.Context, batchID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	for _, f := range vehicle.IdentityFields {
		for value, cl := range m.claims[f] {
			if cl.batchID != batchID {
				continue
			}
			if _, committed := m.records[cl.recordID]; committed {
				continue
			}
			delete(m.claims[f], value)
			n++
		}
	}
	return n, nil
}

func (m *Memory) Ping(context.Context) error { return nil }

func (m *Memory) releaseLocked(rec *vehicle.Record) {
	for _, f := range vehicle.IdentityFields {
		if m.claims[f][rec.Identity(f)].recordID == rec.ID {
			delete(m.claims[f], rec.Identity(f))
		}
	}
}

type memoryTx struct {
	store   *Memory
	batchID string
	pending []*vehicle.Record
	done    bool
}

func (tx *memoryTx) Insert(_ context.Context, rec *vehicle.Record) error {
	m := tx.store
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, f := range vehicle.IdentityFields {
		if _, taken := m.claims[f][rec.Identity(f)]; taken {
			return &DuplicateIdentityError{Field: f, Value: rec.Identity(f)}
		}
	}
	for _, f := range vehicle.IdentityFields {
		m.claims[f][rec.Identity(f)] = claim{recordID: rec.ID, batchID: tx.batchID}
	}

	c := *rec
	tx.pending = append(tx.pending, &c)
	return nil
}

func (tx *memoryTx) Commit(context.Context) error {
	if tx.done {
		return nil
	}
	m := tx.store
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, rec := range tx.pending {
		m.records[rec.ID] = rec
		m.byBatch[tx.batchID] = append(m.byBatch[tx.batchID], rec.ID)
	}
	tx.pending = nil
	tx.done = true
	return nil
}

func (tx *memoryTx) Rollback(context.Context) error {
	if tx.done {
		return nil
	}
	m := tx.store
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, rec := range tx.pending {
		m.releaseLocked(rec)
	}
	tx.pending = nil
	tx.done = true
	return nil
}
