package core

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	batchesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vi_ingest_batches_total",
		Help: "Finalized batches by terminal status.",
	}, []string{"status"})

	rowsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vi_ingest_rows_total",
		Help: "Ingested rows by classification.",
	}, []string{"class"})

	ingestDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "vi_ingest_duration_seconds",
		Help:    "Time from batch creation to finalization.",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
	})

	searchDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "vi_search_duration_seconds",
		Help:    "Search latency, split by cache outcome.",
		Buckets: []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5},
	}, []string{"cached"})

	indexedRecords = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "vi_search_indexed_records",
		Help: "Records currently held by the search index.",
	})

	indexRefreshesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vi_search_index_refreshes_total",
		Help: "Index reloads triggered by a version bump from another replica.",
	})

	recoveredBatchesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vi_ingest_recovered_batches_total",
		Help: "Abandoned Processing batches finalized by recovery.",
	})
)
