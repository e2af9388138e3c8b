package search

import (
	"context"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	cacheHitsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vi_search_cache_hits_total",
		Help: "Search result cache hits.",
	})
	cacheMissesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vi_search_cache_misses_total",
		Help: "Search result cache misses.",
	})
	cacheInvalidationsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vi_search_cache_invalidations_total",
		Help: "Namespace version bumps of the search result cache.",
	})
)

// DefaultCacheTTL is how long a cached search result may be served.
const DefaultCacheTTL = 30 * time.Second

// Cache is a size-bounded TTL cache of search results. Keys are prefixed
// with the namespace version from a Versioner; Invalidate bumps the version
// so entries written before a commit can never be read after it.
//
// Writers must update the index before calling Invalidate. A reader that
// observes the new version therefore also observes the new index content.
type Cache[V any] struct {
	lru      *expirable.LRU[string, V]
	versions Versioner
	logger   *slog.Logger
}

// NewCache creates a cache holding at most size entries for ttl each.
func NewCache[V any](size int, ttl time.Duration, versions Versioner, logger *slog.Logger) *Cache[V] {
	if size <= 0 {
		size = 1024
	}
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	if versions == nil {
		versions = NewLocalVersioner()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Cache[V]{
		lru:      expirable.NewLRU[string, V](size, nil, ttl),
		versions: versions,
		logger:   logger.With("component", "search_cache"),
	}
}

// Key builds a versioned cache key. ok is false when the version source is
// unavailable; callers then bypass the cache.
func (c *Cache[V]) Key(ctx context.Context, parts ...string) (string, bool) {
	v, err := c.versions.Current(ctx)
	if err != nil {
		c.logger.Warn("cache version unavailable, bypassing cache", "error", err)
		return "", false
	}
	return strconv.FormatUint(v, 10) + "\x1f" + strings.Join(parts, "\x1f"), true
}

// Get returns a cached value.
func (c *Cache[V]) Get(key string) (V, bool) {
	v, ok := c.lru.Get(key)
	if ok {
		cacheHitsTotal.Inc()
		return v, true
	}
	cacheMissesTotal.Inc()
	return v, false
}

// Set stores a value under a key obtained from Key.
func (c *Cache[V]) Set(key string, v V) {
	c.lru.Add(key, v)
}

// Invalidate moves the cache to a new namespace version and drops local
// entries.
func (c *Cache[V]) Invalidate(ctx context.Context) error {
	_, err := c.Advance(ctx)
	return err
}

// Advance is Invalidate returning the new version. With a shared Versioner
// the result may be more than one above the version last observed, when
// another replica bumped in between.
func (c *Cache[V]) Advance(ctx context.Context) (uint64, error) {
	v, err := c.versions.Bump(ctx)
	c.lru.Purge()
	cacheInvalidationsTotal.Inc()
	if err != nil {
		return 0, err
	}
	c.logger.Debug("search cache invalidated", "version", v)
	return v, nil
}

// Version returns the current namespace version.
func (c *Cache[V]) Version(ctx context.Context) (uint64, error) {
	return c.versions.Current(ctx)
}

// Len returns the number of live local entries.
func (c *Cache[V]) Len() int {
	return c.lru.Len()
}
