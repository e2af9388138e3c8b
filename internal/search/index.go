// Package search holds the in-memory identity index over committed vehicle
// records and the versioned result cache used by the search engine.
package search

import (
	"cmp"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/JonMunkholm/vehicleingest/internal/vehicle"
)

// MinQueryLength is the shortest query, in characters, that reaches the index.
const MinQueryLength = 3

// Scope selects which identity fields a query is matched against.
type Scope string

// ScopeAll matches a query against every identity field.
const ScopeAll Scope = "all"

// ParseScope converts a field scope parameter. Empty means ScopeAll.
func ParseScope(s string) (Scope, error) {
	s = strings.TrimSpace(s)
	if s == "" || strings.EqualFold(s, string(ScopeAll)) {
		return ScopeAll, nil
	}
	f, ok := vehicle.ParseIdentityField(s)
	if !ok {
		return "", fmt.Errorf("unknown search field %q", s)
	}
	return Scope(f), nil
}

// Fields returns the identity fields covered by the scope.
func (s Scope) Fields() []vehicle.IdentityField {
	if s == ScopeAll {
		return vehicle.IdentityFields
	}
	return []vehicle.IdentityField{vehicle.IdentityField(s)}
}

// NormalizeQuery folds a query the way identity values are folded on ingest:
// upper case, with spaces, hyphens, dots and slashes removed.
func NormalizeQuery(q string) string {
	return vehicle.NormalizeIdentity(strings.TrimSpace(q))
}

// Matches is the reference semantics: a substring of any folded identity
// field in scope. q must already be normalized.
func Matches(rec *vehicle.Record, q string, scope Scope) bool {
	for _, f := range scope.Fields() {
		if strings.Contains(vehicle.NormalizeIdentity(rec.Identity(f)), q) {
			return true
		}
	}
	return false
}

// LinearScan returns every record matching q. The index must always agree
// with it.
func LinearScan(records []*vehicle.Record, q string, scope Scope) []*vehicle.Record {
	q = NormalizeQuery(q)
	var out []*vehicle.Record
	for _, rec := range records {
		if Matches(rec, q, scope) {
			out = append(out, rec)
		}
	}
	return out
}

// SortByRegistration orders records by registration number ascending, then by
// id so the order is total.
func SortByRegistration(recs []*vehicle.Record) {
	slices.SortFunc(recs, func(a, b *vehicle.Record) int {
		if c := cmp.Compare(a.RegistrationNumber, b.RegistrationNumber); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
}

type posting map[string]struct{}

// Index is a trigram index over the identity fields of committed records.
// Candidates found through trigrams are confirmed with Matches, so results are
// identical to LinearScan over the same records.
type Index struct {
	mu      sync.RWMutex
	docs    map[string]*vehicle.Record
	byBatch map[string][]string
	grams   map[vehicle.IdentityField]map[string]posting
}

// NewIndex returns an empty index.
func NewIndex() *Index {
	grams := make(map[vehicle.IdentityField]map[string]posting, len(vehicle.IdentityFields))
	for _, f := range vehicle.IdentityFields {
		grams[f] = make(map[string]posting)
	}
	return &Index{
		docs:    make(map[string]*vehicle.Record),
		byBatch: make(map[string][]string),
		grams:   grams,
	}
}

// Add indexes records. Records are treated as immutable once added.
func (ix *Index) Add(recs ...*vehicle.Record) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	for _, rec := range recs {
		if _, exists := ix.docs[rec.ID]; exists {
			ix.removeLocked(rec.ID)
		}
		ix.docs[rec.ID] = rec
		ix.byBatch[rec.BatchID] = append(ix.byBatch[rec.BatchID], rec.ID)
		for _, f := range vehicle.IdentityFields {
			for _, g := range trigrams(vehicle.NormalizeIdentity(rec.Identity(f))) {
				p := ix.grams[f][g]
				if p == nil {
					p = make(posting)
					ix.grams[f][g] = p
				}
				p[rec.ID] = struct{}{}
			}
		}
	}
}

// RemoveBatch drops every record of a batch. Returns the number removed.
func (ix *Index) RemoveBatch(batchID string) int {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	ids := ix.byBatch[batchID]
	n := 0
	for _, id := range ids {
		if ix.removeLocked(id) {
			n++
		}
	}
	delete(ix.byBatch, batchID)
	return n
}

func (ix *Index) removeLocked(id string) bool {
	rec, ok := ix.docs[id]
	if !ok {
		return false
	}
	for _, f := range vehicle.IdentityFields {
		for _, g := range trigrams(vehicle.NormalizeIdentity(rec.Identity(f))) {
			if p := ix.grams[f][g]; p != nil {
				delete(p, id)
				if len(p) == 0 {
					delete(ix.grams[f], g)
				}
			}
		}
	}
	delete(ix.docs, id)
	return true
}

// Reset replaces the index content.
func (ix *Index) Reset(recs []*vehicle.Record) {
	ix.mu.Lock()
	ix.docs = make(map[string]*vehicle.Record, len(recs))
	ix.byBatch = make(map[string][]string)
	for _, f := range vehicle.IdentityFields {
		ix.grams[f] = make(map[string]posting)
	}
	ix.mu.Unlock()

	ix.Add(recs...)
}

// Len returns the number of indexed records.
func (ix *Index) Len() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.docs)
}

// All returns every indexed record in unspecified order.
func (ix *Index) All() []*vehicle.Record {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	out := make([]*vehicle.Record, 0, len(ix.docs))
	for _, rec := range ix.docs {
		out = append(out, rec)
	}
	return out
}

// Search returns the records whose folded identity fields in scope contain
// the folded q, in unspecified order. Queries shorter than
// MinQueryLength return nil.
func (ix *Index) Search(q string, scope Scope) []*vehicle.Record {
	q = NormalizeQuery(q)
	qgrams := trigrams(q)
	if len(qgrams) == 0 {
		return nil
	}

	ix.mu.RLock()
	defer ix.mu.RUnlock()

	seen := make(map[string]struct{})
	var out []*vehicle.Record
	for _, f := range scope.Fields() {
		for id := range ix.intersect(f, qgrams) {
			if _, dup := seen[id]; dup {
				continue
			}
			rec := ix.docs[id]
			if rec != nil && Matches(rec, q, scope) {
				seen[id] = struct{}{}
				out = append(out, rec)
			}
		}
	}
	return out
}

// intersect returns ids present in every trigram posting of field f.
func (ix *Index) intersect(f vehicle.IdentityField, qgrams []string) posting {
	lists := make([]posting, 0, len(qgrams))
	for _, g := range qgrams {
		p := ix.grams[f][g]
		if len(p) == 0 {
			return nil
		}
		lists = append(lists, p)
	}
	slices.SortFunc(lists, func(a, b posting) int { return cmp.Compare(len(a), len(b)) })

	out := make(posting, len(lists[0]))
	for id := range lists[0] {
		in := true
		for _, p := range lists[1:] {
			if _, ok := p[id]; !ok {
				in = false
				break
			}
		}
		if in {
			out[id] = struct{}{}
		}
	}
	return out
}

// trigrams returns the distinct 3-rune substrings of s.
func trigrams(s string) []string {
	runes := []rune(s)
	if len(runes) < MinQueryLength {
		return nil
	}
	seen := make(map[string]struct{}, len(runes))
	out := make([]string, 0, len(runes)-2)
	for i := 0; i+3 <= len(runes); i++ {
		g := string(runes[i : i+3])
		if _, ok := seen[g]; ok {
			continue
		}
		seen[g] = struct{}{}
		out = append(out, g)
	}
	return out
}
