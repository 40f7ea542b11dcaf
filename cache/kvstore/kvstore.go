// Package kvstore caches upstream RPC answers in a key-value store.
//
// The cache only ever holds answers pinned to a block hash, so its content
// never goes stale and can be thrown away at any time.
package kvstore

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/akrylysov/pogreb"
	"github.com/fxamacker/cbor/v2"

	"github.com/moonbeam-foundation/lazyfork/log"
	"github.com/moonbeam-foundation/lazyfork/metrics"
)

// Keys must encode identically across runs, so map keys are sorted.
var keyEncMode = func() cbor.EncMode {
	em, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	return em
}()

// CacheKey identifies one upstream call: the method and its parameters.
type CacheKey []byte

// GenerateCacheKey encodes a method name and its parameters into a key.
func GenerateCacheKey(methodName string, params ...interface{}) CacheKey {
	raw, err := keyEncMode.Marshal([]interface{}{methodName, params})
	if err != nil {
		// Params are hashes, byte strings and numbers.
		panic(fmt.Sprintf("kvstore: unencodable cache key params for %s: %v", methodName, err))
	}
	return CacheKey(raw)
}

// String renders the key for logs. It is not a stable representation.
func (k CacheKey) String() string {
	var parsed interface{}
	s := fmt.Sprintf("%x", []byte(k))
	if err := cbor.Unmarshal(k, &parsed); err == nil {
		s = fmt.Sprintf("%v", parsed)
	}
	if len(s) > 100 {
		s = s[:95] + "[...]"
	}
	return s
}

// KVStore is a raw byte store. GetFromCacheOrCall and
// GetSliceFromCacheOrCall give it a typed interface.
type KVStore interface {
	Has(key []byte) (bool, error)
	// Get returns nil for a missing key.
	Get(key []byte) ([]byte, error)
	Put(key []byte, value []byte) error
	Close() error
}

// instruments are the logger and metrics shared by the store implementations.
type instruments struct {
	logger  *log.Logger
	metrics *metrics.StorageMetrics // if nil, no metrics are emitted
}

func (i *instruments) observe(status metrics.CacheReadStatus) {
	if i.metrics != nil {
		i.metrics.LocalCacheReads(status).Inc()
	}
}

func (i *instruments) instrumentation() *instruments {
	return i
}

type instrumented interface {
	instrumentation() *instruments
}

func instrumentationOf(cache KVStore) *instruments {
	if c, ok := cache.(instrumented); ok {
		return c.instrumentation()
	}
	return &instruments{logger: log.NewDefaultLogger("kvstore")}
}

type pogrebKVStore struct {
	instruments
	db   *pogreb.DB
	path string
}

var _ KVStore = (*pogrebKVStore)(nil)

// OpenKVStore opens the cache at path, creating it if needed. A cache left
// behind by a process that did not close it is discarded rather than
// reindexed.
func OpenKVStore(logger *log.Logger, path string, metrics *metrics.StorageMetrics) (KVStore, error) {
	if _, err := os.Stat(filepath.Join(path, "lock")); err == nil {
		logger.Warn("discarding cache that was not closed cleanly", "path", path)
		if err := os.RemoveAll(path); err != nil {
			return nil, fmt.Errorf("discarding cache %s: %w", path, err)
		}
	}

	db, err := pogreb.Open(path, &pogreb.Options{BackgroundSyncInterval: -1})
	if err != nil {
		return nil, fmt.Errorf("opening cache %s: %w", path, err)
	}
	logger.Info("opened cache", "path", path, "entries", db.Count())
	return &pogrebKVStore{
		instruments: instruments{logger: logger, metrics: metrics},
		db:          db,
		path:        path,
	}, nil
}

// Has implements KVStore.
func (s *pogrebKVStore) Has(key []byte) (bool, error) {
	return s.db.Has(key)
}

// Get implements KVStore.
func (s *pogrebKVStore) Get(key []byte) ([]byte, error) {
	return s.db.Get(key)
}

// Put implements KVStore.
func (s *pogrebKVStore) Put(key []byte, value []byte) error {
	return s.db.Put(key, value)
}

// Close implements KVStore.
func (s *pogrebKVStore) Close() error {
	s.logger.Info("closing cache", "path", s.path)
	return s.db.Close()
}

var errBadValue = errors.New("bad cached value")

// lookup decodes the cached value of key into value. It reports false on a
// miss.
func lookup[Value any](cache KVStore, key CacheKey, value *Value) (bool, error) {
	inst := instrumentationOf(cache)
	raw, err := cache.Get(key)
	switch {
	case err != nil:
		inst.observe(metrics.CacheReadStatusError)
		return false, err
	case raw == nil:
		inst.observe(metrics.CacheReadStatusMiss)
		return false, nil
	}
	if err := cbor.Unmarshal(raw, value); err != nil {
		inst.observe(metrics.CacheReadStatusBadValue)
		return false, fmt.Errorf("%w: %T: %v", errBadValue, value, err)
	}
	inst.observe(metrics.CacheReadStatusHit)
	return true, nil
}

// GetFromCacheOrCall returns the cached value of key, or calls valueFunc and
// caches its result. Volatile answers always call valueFunc and are never
// cached. A cached value that cannot be decoded is replaced.
func GetFromCacheOrCall[Value any](cache KVStore, volatile bool, key CacheKey, valueFunc func() (*Value, error)) (*Value, error) {
	if volatile {
		return valueFunc()
	}

	var cached Value
	found, err := lookup(cache, key, &cached)
	if found {
		return &cached, nil
	}
	if err != nil {
		instrumentationOf(cache).logger.Warn("cache read failed", "key", key, "err", err)
	}

	computed, err := valueFunc()
	if err != nil {
		return nil, err
	}
	raw, err := cbor.Marshal(computed)
	if err != nil {
		return nil, fmt.Errorf("encoding cached value for %s: %w", key, err)
	}
	return computed, cache.Put(key, raw)
}

// GetSliceFromCacheOrCall is GetFromCacheOrCall for slice values.
func GetSliceFromCacheOrCall[Response any](cache KVStore, volatile bool, key CacheKey, valueFunc func() ([]Response, error)) ([]Response, error) {
	wrapped, err := GetFromCacheOrCall(cache, volatile, key, func() (*[]Response, error) {
		response, err := valueFunc()
		if err != nil {
			return nil, err
		}
		return &response, nil
	})
	if err != nil {
		return nil, err
	}
	return *wrapped, nil
}
