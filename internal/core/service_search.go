package core

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"
	"unicode/utf8"

	"github.com/JonMunkholm/vehicleingest/internal/access"
	"github.com/JonMunkholm/vehicleingest/internal/events"
	"github.com/JonMunkholm/vehicleingest/internal/search"
	"github.com/JonMunkholm/vehicleingest/internal/store"
	"github.com/JonMunkholm/vehicleingest/internal/vehicle"
)

// Query is one search request.
type Query struct {
	Text  string
	Field string // registration, chassis, engine or all
	Page  int    // 1-based
}

// RecordView is a record projected to the fields a principal may see.
// Details is nil for principals limited to identity fields.
type RecordView struct {
	ID                 string         `json:"id"`
	BatchID            string         `json:"batchId"`
	RegistrationNumber string         `json:"registrationNumber"`
	ChassisNumber      string         `json:"chassisNumber"`
	EngineNumber       string         `json:"engineNumber"`
	FileName           string         `json:"fileName"`
	Fields             string         `json:"fields"`
	Details            *RecordDetails `json:"details,omitempty"`
}

// RecordDetails are the non-identity fields of a record.
type RecordDetails struct {
	CustomerName      string `json:"customerName"`
	CustomerPhone     string `json:"customerPhone,omitempty"`
	Make              string `json:"make,omitempty"`
	Model             string `json:"model,omitempty"`
	LoanNumber        string `json:"loanNumber,omitempty"`
	LoanAmount        string `json:"loanAmount,omitempty"`
	OutstandingAmount string `json:"outstandingAmount,omitempty"`
	DisbursementDate  string `json:"disbursementDate,omitempty"`
	Branch            string `json:"branch,omitempty"`
	SourceRow         int    `json:"sourceRowIndex"`
}

// Pagination describes one page of a result set.
type Pagination struct {
	Page       int `json:"page"`
	PageSize   int `json:"pageSize"`
	TotalCount int `json:"totalCount"`
	TotalPages int `json:"totalPages"`
}

func paginate(page, pageSize, total int) Pagination {
	if page < 1 {
		page = 1
	}
	pages := 0
	if total > 0 {
		pages = (total + pageSize - 1) / pageSize
	}
	return Pagination{Page: page, PageSize: pageSize, TotalCount: total, TotalPages: pages}
}

// bounds returns the slice range of the page within total items.
func (p Pagination) bounds() (int, int) {
	from := min((p.Page-1)*p.PageSize, p.TotalCount)
	to := min(from+p.PageSize, p.TotalCount)
	return from, to
}

// Performance reports how a search was answered.
type Performance struct {
	QueryTimeMs float64 `json:"queryTimeMs"`
	Cached      bool    `json:"cached"`
}

// SearchResult is one page of visible matching records.
type SearchResult struct {
	Data        []RecordView `json:"data"`
	Pagination  Pagination   `json:"pagination"`
	Performance Performance  `json:"performance"`
}

// Search finds committed records whose identity fields contain q.
//
// Queries shorter than search.MinQueryLength return an empty page without
// consulting the index or the cache. The index is reloaded first when another
// replica has committed or deleted since it was last loaded. Records the principal may not see are
// omitted; visible records are projected to the granted field set.
func (s *Service) Search(ctx context.Context, p access.Principal, q Query) (*SearchResult, error) {
	start := time.Now()

	scope, err := search.ParseScope(q.Field)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidQuery, err)
	}
	page := max(q.Page, 1)

	text := search.NormalizeQuery(q.Text)
	if utf8.RuneCountInString(text) < search.MinQueryLength {
		return &SearchResult{
			Data:        []RecordView{},
			Pagination:  paginate(page, s.opts.PageSize, 0),
			Performance: Performance{QueryTimeMs: elapsedMs(start)},
		}, nil
	}

	s.syncIndex(ctx)
	key, cacheable := s.cache.Key(ctx, p.VisibilityKey(), string(scope), text, strconv.Itoa(page))
	if cacheable {
		if cached, ok := s.cache.Get(key); ok {
			res := *cached
			res.Performance = Performance{QueryTimeMs: elapsedMs(start), Cached: true}
			searchDuration.WithLabelValues("true").Observe(time.Since(start).Seconds())
			return &res, nil
		}
	}

	candidates := s.index.Search(text, scope)
	search.SortByRegistration(candidates)

	grants := make(map[string]access.Grant)
	visible := make([]RecordView, 0, len(candidates))
	for _, rec := range candidates {
		g, ok := grants[rec.BatchID]
		if !ok {
			g, err = s.grantFor(ctx, p, rec.BatchID)
			if err != nil {
				return nil, err
			}
			grants[rec.BatchID] = g
		}
		if !g.Visible {
			continue
		}
		visible = append(visible, project(rec, g))
	}

	pg := paginate(page, s.opts.PageSize, len(visible))
	from, to := pg.bounds()
	res := &SearchResult{
		Data:        visible[from:to:to],
		Pagination:  pg,
		Performance: Performance{QueryTimeMs: elapsedMs(start)},
	}
	if cacheable {
		s.cache.Set(key, res)
	}
	searchDuration.WithLabelValues("false").Observe(time.Since(start).Seconds())

	if len(res.Data) > 0 {
		ids := make([]string, len(res.Data))
		for i, v := range res.Data {
			ids[i] = v.ID
		}
		s.publish(ctx, events.Event{
			Type:      events.RecordsViewed,
			ActorID:   p.ID,
			RecordIDs: ids,
			Attrs:     map[string]any{"query": text, "field": string(scope)},
		})
	}
	return res, nil
}

// grantFor resolves the principal's access to the records of one batch. A
// batch deleted after the index was read grants nothing.
func (s *Service) grantFor(ctx context.Context, p access.Principal, batchID string) (access.Grant, error) {
	b, err := s.store.GetBatch(ctx, batchID)
	if errors.Is(err, store.ErrNotFound) {
		return access.Grant{}, nil
	}
	if err != nil {
		return access.Grant{}, fmt.Errorf("load batch %s: %w", batchID, err)
	}
	return access.Resolve(p, subjectOf(b)), nil
}

func subjectOf(b *vehicle.Batch) access.Subject {
	return access.Subject{
		OwnerID:               b.OwnerID,
		PrimaryAssigneeID:     b.PrimaryAssigneeID,
		AdditionalAssigneeIDs: b.AdditionalAssigneeIDs,
		FileName:              b.FileName,
	}
}

// project copies the fields of rec allowed by g.
func project(rec *vehicle.Record, g access.Grant) RecordView {
	v := RecordView{
		ID:                 rec.ID,
		BatchID:            rec.BatchID,
		RegistrationNumber: rec.RegistrationNumber,
		ChassisNumber:      rec.ChassisNumber,
		EngineNumber:       rec.EngineNumber,
		FileName:           g.FileName,
		Fields:             g.Fields.String(),
	}
	if g.Fields == access.FieldsFull {
		v.Details = &RecordDetails{
			CustomerName:      rec.CustomerName,
			CustomerPhone:     rec.CustomerPhone,
			Make:              rec.Make,
			Model:             rec.Model,
			LoanNumber:        rec.LoanNumber,
			LoanAmount:        vehicle.FormatNumeric(rec.LoanAmount),
			OutstandingAmount: vehicle.FormatNumeric(rec.OutstandingAmount),
			DisbursementDate:  vehicle.FormatDate(rec.DisbursementDate),
			Branch:            rec.Branch,
			SourceRow:         rec.SourceRow,
		}
	}
	return v
}

func elapsedMs(start time.Time) float64 {
	return float64(time.Since(start).Microseconds()) / 1000
}

