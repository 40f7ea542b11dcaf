package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Default service metrics for the local storage layers.
type StorageMetrics struct {
	// Name of the store that is being instrumented.
	cache string

	// Cache hit rates for the local cache.
	localCacheReads *prometheus.CounterVec

	// Which tier answered a state read.
	stateReads *prometheus.CounterVec
}

type CacheReadStatus string

const (
	CacheReadStatusHit      CacheReadStatus = "hit"
	CacheReadStatusMiss     CacheReadStatus = "miss"
	CacheReadStatusBadValue CacheReadStatus = "bad_value" // Value in cache was not valid (likely because of mismatched types / CBOR encoding).
	CacheReadStatusError    CacheReadStatus = "error"     // Other internal error reading from cache.
)

// StateReadSource is the tier that resolved a forked state read.
type StateReadSource string

const (
	StateReadSourceLocal     StateReadSource = "local"
	StateReadSourceTombstone StateReadSource = "tombstone"
	StateReadSourceRemote    StateReadSource = "remote"
	StateReadSourcePreFork   StateReadSource = "pre_fork"
)

// NewDefaultStorageMetrics creates Prometheus metric instrumentation
// for basic metrics common to storage accesses.
func NewDefaultStorageMetrics(cache string) StorageMetrics {
	return StorageMetrics{
		cache: cache,
		localCacheReads: registerOnce(prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "local_cache_reads",
				Help: "How many local cache reads occur, partitioned by status (hit, miss, bad_data, error).",
			},
			[]string{"cache", "status"}, // Labels.
		)),
		stateReads: registerOnce(prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "forked_state_reads",
				Help: "How many forked state reads occur, partitioned by operation and the tier that answered them.",
			},
			[]string{"operation", "source"}, // Labels.
		)),
	}
}

// LocalCacheReads returns the counter for the local cache read.
// The provided params are used as labels.
func (m *StorageMetrics) LocalCacheReads(status CacheReadStatus) prometheus.Counter {
	return m.localCacheReads.WithLabelValues(m.cache, string(status))
}

// StateReads returns the counter for forked state reads of the given operation.
func (m *StorageMetrics) StateReads(operation string, source StateReadSource) prometheus.Counter {
	return m.stateReads.WithLabelValues(operation, string(source))
}
