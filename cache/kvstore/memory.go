package kvstore

import (
	"sync"

	"github.com/moonbeam-foundation/lazyfork/log"
	"github.com/moonbeam-foundation/lazyfork/metrics"
)

// memoryKVStore is a process-local KVStore, used when no cache directory is
// configured. Its contents are lost on exit.
type memoryKVStore struct {
	instruments
	mu      sync.RWMutex
	entries map[string][]byte
}

var _ KVStore = (*memoryKVStore)(nil)

// NewInMemoryKVStore returns an empty KVStore that lives in memory.
func NewInMemoryKVStore(logger *log.Logger, metrics *metrics.StorageMetrics) KVStore {
	return &memoryKVStore{
		instruments: instruments{logger: logger, metrics: metrics},
		entries:     make(map[string][]byte),
	}
}

// Has implements KVStore.
func (s *memoryKVStore) Has(key []byte) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.entries[string(key)]
	return ok, nil
}

// Get implements KVStore. A missing key yields a nil value, like pogreb.
func (s *memoryKVStore) Get(key []byte) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.entries[string(key)], nil
}

// Put implements KVStore.
func (s *memoryKVStore) Put(key []byte, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[string(key)] = append([]byte(nil), value...)
	return nil
}

// Close implements KVStore.
func (s *memoryKVStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = make(map[string][]byte)
	return nil
}
