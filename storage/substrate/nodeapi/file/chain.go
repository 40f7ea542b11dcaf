// Package file implements a caching nodeapi.ChainApiLite backed by a KVStore.
package file

import (
	"context"

	"github.com/moonbeam-foundation/lazyfork/cache/kvstore"
	"github.com/moonbeam-foundation/lazyfork/common"
	"github.com/moonbeam-foundation/lazyfork/log"
	"github.com/moonbeam-foundation/lazyfork/metrics"
	"github.com/moonbeam-foundation/lazyfork/storage/substrate/nodeapi"
	"github.com/moonbeam-foundation/lazyfork/storage/substrate/types"
)

// FileChainApiLite caches the responses of a remote node. Only answers pinned
// to a block hash are cached, since the state and contents of a given block
// never change; queries against the latest block always go to the node.
//
// "Not found" answers are cached as well, so a missing key is only ever
// looked up once per block.
type FileChainApiLite struct {
	db       kvstore.KVStore
	chainApi nodeapi.ChainApiLite
}

var (
	_ nodeapi.ChainApiLite   = (*FileChainApiLite)(nil)
	_ nodeapi.RequestCounter = (*FileChainApiLite)(nil)
)

// NewFileChainApiLite wraps chainApi with a pogreb cache in cacheDir. With an
// empty cacheDir, responses are cached in memory for the process lifetime.
func NewFileChainApiLite(cacheDir string, chainApi nodeapi.ChainApiLite) (*FileChainApiLite, error) {
	logger := log.NewDefaultLogger("cached-node-api")
	storageMetrics := common.Ptr(metrics.NewDefaultStorageMetrics("upstream"))

	var db kvstore.KVStore
	if cacheDir == "" {
		db = kvstore.NewInMemoryKVStore(logger, storageMetrics)
	} else {
		var err error
		db, err = kvstore.OpenKVStore(logger, cacheDir, storageMetrics)
		if err != nil {
			return nil, err
		}
	}
	return NewFileChainApiLiteWithStore(db, chainApi), nil
}

// NewFileChainApiLiteWithStore wraps chainApi with an already open store.
func NewFileChainApiLiteWithStore(db kvstore.KVStore, chainApi nodeapi.ChainApiLite) *FileChainApiLite {
	return &FileChainApiLite{
		db:       db,
		chainApi: chainApi,
	}
}

func (c *FileChainApiLite) Close() error {
	// Close all resources and return the first encountered error, if any.
	var firstErr error
	if c.chainApi != nil {
		firstErr = c.chainApi.Close()
	}
	if err := c.db.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// RequestCount reports the wrapped client's request count, if it keeps one.
func (c *FileChainApiLite) RequestCount() uint64 {
	if counter, ok := c.chainApi.(nodeapi.RequestCounter); ok {
		return counter.RequestCount()
	}
	return 0
}

// optional lets a nil answer be cached and told apart from a cache miss.
type optional[T any] struct {
	Value *T
}

func getOptionalFromCacheOrCall[T any](db kvstore.KVStore, volatile bool, key kvstore.CacheKey, valueFunc func() (*T, error)) (*T, error) {
	wrapped, err := kvstore.GetFromCacheOrCall(db, volatile, key, func() (*optional[T], error) {
		value, err := valueFunc()
		if err != nil {
			return nil, err
		}
		return &optional[T]{Value: value}, nil
	})
	if err != nil {
		return nil, err
	}
	return wrapped.Value, nil
}

func (c *FileChainApiLite) Block(ctx context.Context, hash *types.Hash) (*types.SignedBlock, error) {
	return getOptionalFromCacheOrCall(
		c.db, hash == nil,
		kvstore.GenerateCacheKey("Block", hash),
		func() (*types.SignedBlock, error) { return c.chainApi.Block(ctx, hash) },
	)
}

func (c *FileChainApiLite) Header(ctx context.Context, hash *types.Hash) (*types.Header, error) {
	return getOptionalFromCacheOrCall(
		c.db, hash == nil,
		kvstore.GenerateCacheKey("Header", hash),
		func() (*types.Header, error) { return c.chainApi.Header(ctx, hash) },
	)
}

// BlockHash is never cached: the canonical hash of a recent height can change.
func (c *FileChainApiLite) BlockHash(ctx context.Context, number *uint32) (*types.Hash, error) {
	return c.chainApi.BlockHash(ctx, number)
}

func (c *FileChainApiLite) Storage(ctx context.Context, key types.StorageKey, at *types.Hash) (*types.StorageData, error) {
	return getOptionalFromCacheOrCall(
		c.db, at == nil,
		kvstore.GenerateCacheKey("Storage", []byte(key), at),
		func() (*types.StorageData, error) { return c.chainApi.Storage(ctx, key, at) },
	)
}

func (c *FileChainApiLite) StorageHash(ctx context.Context, key types.StorageKey, at *types.Hash) (*types.Hash, error) {
	return getOptionalFromCacheOrCall(
		c.db, at == nil,
		kvstore.GenerateCacheKey("StorageHash", []byte(key), at),
		func() (*types.Hash, error) { return c.chainApi.StorageHash(ctx, key, at) },
	)
}

func (c *FileChainApiLite) StorageKeysPaged(ctx context.Context, prefix types.StorageKey, count uint32, startKey types.StorageKey, at *types.Hash) ([]types.StorageKey, error) {
	return kvstore.GetSliceFromCacheOrCall(
		c.db, at == nil,
		kvstore.GenerateCacheKey("StorageKeysPaged", []byte(prefix), count, []byte(startKey), at),
		func() ([]types.StorageKey, error) {
			return c.chainApi.StorageKeysPaged(ctx, prefix, count, startKey, at)
		},
	)
}

func (c *FileChainApiLite) QueryStorageAt(ctx context.Context, keys []types.StorageKey, at *types.Hash) ([]types.StorageChangeSet, error) {
	rawKeys := make([][]byte, len(keys))
	for i, k := range keys {
		rawKeys[i] = k
	}
	return kvstore.GetSliceFromCacheOrCall(
		c.db, at == nil,
		kvstore.GenerateCacheKey("QueryStorageAt", rawKeys, at),
		func() ([]types.StorageChangeSet, error) { return c.chainApi.QueryStorageAt(ctx, keys, at) },
	)
}

// The system_* answers describe the node software, not a block; they are not cached.

func (c *FileChainApiLite) SystemChain(ctx context.Context) (string, error) {
	return c.chainApi.SystemChain(ctx)
}

func (c *FileChainApiLite) SystemName(ctx context.Context) (string, error) {
	return c.chainApi.SystemName(ctx)
}

func (c *FileChainApiLite) SystemProperties(ctx context.Context) (types.ChainProperties, error) {
	return c.chainApi.SystemProperties(ctx)
}
