package nodeapi

import (
	"context"

	"github.com/moonbeam-foundation/lazyfork/storage/substrate/types"
)

// ChainApiLite provides low-level access to the JSON-RPC API of a remote
// Substrate node.
//
// Each method corresponds to one JSON-RPC method of the node, and ONLY the
// methods needed by the forked backend are supported. A nil `at` means the
// node's latest state; everything else is pinned to that block.
//
// A nil result with a nil error is a regular answer: the node does not know
// the block, or the key is absent at that block.
type ChainApiLite interface {
	// chain_getBlock
	Block(ctx context.Context, hash *types.Hash) (*types.SignedBlock, error)
	// chain_getHeader
	Header(ctx context.Context, hash *types.Hash) (*types.Header, error)
	// chain_getBlockHash
	BlockHash(ctx context.Context, number *uint32) (*types.Hash, error)

	// state_getStorage
	Storage(ctx context.Context, key types.StorageKey, at *types.Hash) (*types.StorageData, error)
	// state_getStorageHash
	StorageHash(ctx context.Context, key types.StorageKey, at *types.Hash) (*types.Hash, error)
	// state_getKeysPaged; keys are returned in ascending order, strictly after startKey.
	StorageKeysPaged(ctx context.Context, prefix types.StorageKey, count uint32, startKey types.StorageKey, at *types.Hash) ([]types.StorageKey, error)
	// state_queryStorageAt
	QueryStorageAt(ctx context.Context, keys []types.StorageKey, at *types.Hash) ([]types.StorageChangeSet, error)

	// system_chain
	SystemChain(ctx context.Context) (string, error)
	// system_name
	SystemName(ctx context.Context) (string, error)
	// system_properties
	SystemProperties(ctx context.Context) (types.ChainProperties, error)

	Close() error
}

// RequestCounter is implemented by clients that count upstream requests.
type RequestCounter interface {
	RequestCount() uint64
}
