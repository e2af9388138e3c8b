package core

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/JonMunkholm/vehicleingest/internal/config"
	"github.com/JonMunkholm/vehicleingest/internal/events"
	"github.com/JonMunkholm/vehicleingest/internal/search"
	"github.com/JonMunkholm/vehicleingest/internal/store"
	"github.com/JonMunkholm/vehicleingest/internal/vehicle"
)

// Options tunes ingestion and search. Zero values fall back to defaults.
type Options struct {
	MaxFileSize            int64
	MaxConcurrent          int
	MaxWait                time.Duration
	Timeout                time.Duration
	ErrorListCap           int
	MaxConsecutiveFailures int // 0 disables the check
	ProgressInterval       int
	PageSize               int
	// ResultRetention is how long a finished upload stays subscribable.
	ResultRetention time.Duration
	// RecoveryGrace is added to Timeout before a Processing batch owned by no
	// local ingestion is considered abandoned.
	RecoveryGrace time.Duration
	// RecoveryInterval is how often RecoverLoop sweeps. 0 disables the loop.
	RecoveryInterval time.Duration
}

// DefaultOptions mirrors the configuration defaults.
func DefaultOptions() Options {
	return Options{
		MaxFileSize:      10 << 20,
		MaxConcurrent:    DefaultMaxConcurrentUploads,
		MaxWait:          DefaultMaxWaitTime,
		Timeout:          10 * time.Minute,
		ErrorListCap:     200,
		ProgressInterval: 100,
		PageSize:         20,
		ResultRetention:  5 * time.Minute,
		RecoveryGrace:    time.Minute,
		RecoveryInterval: time.Minute,
	}
}

// OptionsFromConfig builds Options from the loaded configuration.
func OptionsFromConfig(cfg *config.Config) Options {
	o := DefaultOptions()
	o.MaxFileSize = cfg.Upload.MaxFileSize
	o.MaxConcurrent = cfg.Upload.MaxConcurrent
	o.MaxWait = cfg.Upload.MaxWaitTime
	o.Timeout = cfg.Upload.Timeout
	o.ErrorListCap = cfg.Upload.ErrorListCap
	o.MaxConsecutiveFailures = cfg.Upload.MaxConsecutiveFailures
	o.ProgressInterval = cfg.Upload.ProgressInterval
	o.PageSize = cfg.Search.PageSize
	o.RecoveryInterval = cfg.Upload.RecoveryInterval
	return o
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.MaxFileSize <= 0 {
		o.MaxFileSize = d.MaxFileSize
	}
	if o.Timeout <= 0 {
		o.Timeout = d.Timeout
	}
	if o.ErrorListCap <= 0 {
		o.ErrorListCap = d.ErrorListCap
	}
	if o.ProgressInterval <= 0 {
		o.ProgressInterval = d.ProgressInterval
	}
	if o.PageSize <= 0 {
		o.PageSize = d.PageSize
	}
	if o.ResultRetention <= 0 {
		o.ResultRetention = d.ResultRetention
	}
	if o.RecoveryGrace <= 0 {
		o.RecoveryGrace = d.RecoveryGrace
	}
	return o
}

// RecordIndex is the search index contract. *search.Index satisfies it.
type RecordIndex interface {
	Add(recs ...*vehicle.Record)
	RemoveBatch(batchID string) int
	Reset(recs []*vehicle.Record)
	Search(q string, scope search.Scope) []*vehicle.Record
	Len() int
}

// Deps are the collaborators of a Service. Store is required; the rest
// default to in-process implementations.
type Deps struct {
	Store  store.Store
	Index  RecordIndex
	Cache  *search.Cache[*SearchResult]
	Events events.Sink
	Logger *slog.Logger
}

// Service is the entry point for ingestion, batch lifecycle and search.
type Service struct {
	store   store.Store
	index   RecordIndex
	cache   *search.Cache[*SearchResult]
	events  events.Sink
	logger  *slog.Logger
	opts    Options
	limiter *UploadLimiter

	now   func() time.Time
	newID func() string

	mu      sync.RWMutex
	uploads map[string]*activeUpload
	wg      sync.WaitGroup

	// indexMu orders index changes with version bumps. indexVersion is the
	// cache version the local index is known to reflect.
	indexMu      sync.Mutex
	indexVersion uint64
	indexSynced  bool
}

// NewService wires a Service. Call RebuildIndex before serving searches.
func NewService(deps Deps, opts Options) *Service {
	opts = opts.withDefaults()
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Index == nil {
		deps.Index = search.NewIndex()
	}
	if deps.Cache == nil {
		deps.Cache = search.NewCache[*SearchResult](0, 0, nil, deps.Logger)
	}
	if deps.Events == nil {
		deps.Events = events.Discard{}
	}
	return &Service{
		store:   deps.Store,
		index:   deps.Index,
		cache:   deps.Cache,
		events:  deps.Events,
		logger:  deps.Logger,
		opts:    opts,
		limiter: NewUploadLimiter(opts.MaxConcurrent, opts.MaxWait),
		now:     func() time.Time { return time.Now().UTC() },
		newID:   func() string { return uuid.New().String() },
		uploads: make(map[string]*activeUpload),
	}
}

// PageSize returns the fixed page size used by searches and listings.
func (s *Service) PageSize() int { return s.opts.PageSize }

// MaxFileSize returns the upload size cap in bytes.
func (s *Service) MaxFileSize() int64 { return s.opts.MaxFileSize }

// LimiterStatus reports ingestion slot usage.
func (s *Service) LimiterStatus() UploadLimiterStatus { return s.limiter.Status() }

// Ping checks the store.
func (s *Service) Ping(ctx context.Context) error { return s.store.Ping(ctx) }

// RebuildIndex loads every committed record into the search index and moves
// the cache to a new version.
func (s *Service) RebuildIndex(ctx context.Context) error {
	s.indexMu.Lock()
	defer s.indexMu.Unlock()

	n, err := s.reloadIndexLocked(ctx)
	if err != nil {
		return err
	}
	s.bumpLocked(ctx)
	s.logger.Info("search index rebuilt", "records", n)
	return nil
}

// syncIndex reloads the index when another replica has moved the shared
// cache version past the one the local index reflects. Replicas learn about
// each other's commits and deletes this way.
func (s *Service) syncIndex(ctx context.Context) {
	cur, err := s.cache.Version(ctx)
	if err != nil {
		return
	}

	s.indexMu.Lock()
	defer s.indexMu.Unlock()
	if s.indexSynced && s.indexVersion == cur {
		return
	}
	n, err := s.reloadIndexLocked(ctx)
	if err != nil {
		s.logger.Warn("search index refresh failed", "error", err)
		return
	}
	indexRefreshesTotal.Inc()
	s.logger.Debug("search index refreshed", "records", n, "version", s.indexVersion)
}

// reloadIndexLocked replaces the index with the store content. The version is
// read first: every commit announced by it is already in the store.
func (s *Service) reloadIndexLocked(ctx context.Context) (int, error) {
	cur, verr := s.cache.Version(ctx)
	recs, err := s.store.AllRecords(ctx)
	if err != nil {
		return 0, err
	}
	s.index.Reset(recs)
	indexedRecords.Set(float64(s.index.Len()))
	s.indexVersion, s.indexSynced = cur, verr == nil
	return len(recs), nil
}

// advanceIndex applies a local index change, then moves the cache to a new
// version. A reader that sees the new version also sees the change.
func (s *Service) advanceIndex(ctx context.Context, change func()) {
	s.indexMu.Lock()
	defer s.indexMu.Unlock()
	if change != nil {
		change()
		indexedRecords.Set(float64(s.index.Len()))
	}
	s.bumpLocked(ctx)
}

// bumpLocked advances the cache version. The index stays marked current only
// when nobody else bumped since it was last known current.
func (s *Service) bumpLocked(ctx context.Context) {
	v, err := s.cache.Advance(ctx)
	if err != nil {
		s.logger.Warn("search cache invalidation failed", "error", err)
		return
	}
	if s.indexSynced && v == s.indexVersion+1 {
		s.indexVersion = v
		return
	}
	s.indexSynced = false
}

// WaitForUploads blocks until every background ingestion has finished or ctx
// ends.
func (s *Service) WaitForUploads(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Service) publish(ctx context.Context, e events.Event) {
	if e.At.IsZero() {
		e.At = s.now()
	}
	if err := s.events.Publish(ctx, e); err != nil {
		s.logger.Warn("event publish failed", "type", e.Type, "error", err)
	}
}
