package lazyloading

import (
	"bytes"
	"context"
	"fmt"
	"sync/atomic"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/tidwall/btree"

	"github.com/moonbeam-foundation/lazyfork/log"
	"github.com/moonbeam-foundation/lazyfork/metrics"
	"github.com/moonbeam-foundation/lazyfork/storage/substrate/nodeapi"
	"github.com/moonbeam-foundation/lazyfork/storage/substrate/types"
)

// keysPageSize is the page size of remote key listings.
const keysPageSize = 5

// UsageInfo describes the local caches of a state lineage and the reads
// served by the backend.
type UsageInfo struct {
	CachedKeys  int    `json:"cachedKeys"`
	RemovedKeys int    `json:"removedKeys"`
	LocalReads  uint64 `json:"localReads"`
	RemoteReads uint64 `json:"remoteReads"`
}

// stateEnv is shared by all state views of one backend.
type stateEnv struct {
	client    nodeapi.ChainApiLite
	forkBlock types.Hash

	// successors links each key listed remotely at the fork block to the
	// next key at the fork block, in byte order.
	successors *Locked[btree.Map[string, string]]

	localReads  atomic.Uint64
	remoteReads atomic.Uint64

	logger  *log.Logger
	metrics metrics.StorageMetrics
}

func newStateEnv(client nodeapi.ChainApiLite, forkBlock types.Hash, logger *log.Logger) *stateEnv {
	return &stateEnv{
		client:     client,
		forkBlock:  forkBlock,
		successors: NewLocked(btree.Map[string, string]{}),
		logger:     logger.WithModule("state"),
		metrics:    metrics.NewDefaultStorageMetrics("state"),
	}
}

// lineage is the local cache of one chain of blocks. Views of a block and
// its descendants share it.
type lineage struct {
	db          *Locked[trieStore]
	removedKeys *Locked[mapset.Set[string]]
}

func newLineage() lineage {
	return lineage{
		db:          NewLocked(trieStore{}),
		removedKeys: NewLocked(mapset.NewThreadUnsafeSet[string]()),
	}
}

// StateView is the storage of one block.
//
// A pre-fork view reads every key from the remote node at its block. A
// post-fork view resolves a key in three tiers: the local db is
// authoritative when it has the key, a key in removedKeys is known to be
// absent, and anything else is read from the remote node at the fork block
// and cached in the db. A detached view has no remote tier: keys missing
// locally are absent.
//
// Lock order is db, then removedKeys.
type StateView struct {
	env        *stateEnv
	blockHash  *types.Hash
	beforeFork bool
	detached   bool
	lineage
}

// BlockHash returns the block the view belongs to, if any.
func (v *StateView) BlockHash() *types.Hash {
	return v.blockHash
}

// ForkBlock returns the block remote reads of post-fork views are pinned to.
func (v *StateView) ForkBlock() types.Hash {
	return v.env.forkBlock
}

// BeforeFork reports whether the view belongs to a block at or below the
// fork checkpoint.
func (v *StateView) BeforeFork() bool {
	return v.beforeFork
}

// Detached reports whether the view answers from local state only.
func (v *StateView) Detached() bool {
	return v.detached
}

// remoteAt is the block pre-fork views read from.
func (v *StateView) remoteAt() *types.Hash {
	if v.blockHash == nil || *v.blockHash == (types.Hash{}) {
		at := v.env.forkBlock
		return &at
	}
	at := *v.blockHash
	return &at
}

func (v *StateView) isRemoved(key []byte) bool {
	return View(v.removedKeys, func(s *mapset.Set[string]) bool {
		return (*s).Contains(string(key))
	})
}

func (v *StateView) tombstone(key []byte) {
	v.removedKeys.Write(func(s *mapset.Set[string]) {
		(*s).Add(string(key))
	})
}

func (v *StateView) localGet(key []byte) ([]byte, bool) {
	var (
		value []byte
		ok    bool
	)
	v.db.Read(func(s *trieStore) {
		value, ok = s.get(key)
	})
	return value, ok
}

func (v *StateView) warnRemote(msg string, key []byte, err error) {
	v.env.logger.Warn(msg,
		"key", hexutil.Encode(key),
		"fork_block", v.env.forkBlock,
		"err", err,
	)
}

// Storage returns the value of key, or nil if the key is absent. Remote
// failures are logged and read as absent.
func (v *StateView) Storage(ctx context.Context, key []byte) ([]byte, error) {
	if v.beforeFork {
		v.env.metrics.StateReads("storage", metrics.StateReadSourcePreFork).Inc()
		v.env.remoteReads.Add(1)
		data, err := v.env.client.Storage(ctx, key, v.remoteAt())
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			v.warnRemote("failed to fetch pre-fork storage", key, err)
			return nil, nil
		}
		return storageBytes(data), nil
	}

	if value, ok := v.localGet(key); ok {
		v.env.metrics.StateReads("storage", metrics.StateReadSourceLocal).Inc()
		v.env.localReads.Add(1)
		return value, nil
	}
	if v.isRemoved(key) {
		v.env.metrics.StateReads("storage", metrics.StateReadSourceTombstone).Inc()
		v.env.localReads.Add(1)
		return nil, nil
	}
	if v.detached {
		v.env.metrics.StateReads("storage", metrics.StateReadSourceLocal).Inc()
		v.env.localReads.Add(1)
		return nil, nil
	}

	v.env.metrics.StateReads("storage", metrics.StateReadSourceRemote).Inc()
	v.env.remoteReads.Add(1)
	at := v.env.forkBlock
	data, err := v.env.client.Storage(ctx, key, &at)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		v.warnRemote("failed to fetch storage", key, err)
		return nil, nil
	}
	if data == nil {
		v.tombstone(key)
		return nil, nil
	}

	fetched := storageBytes(data)
	return Update(v.db, func(s *trieStore) []byte {
		// A concurrent commit may have written or deleted the key meanwhile.
		if current, ok := s.get(key); ok {
			return current
		}
		if v.isRemoved(key) {
			return nil
		}
		s.set(key, fetched)
		return fetched
	}), nil
}

func storageBytes(data *types.StorageData) []byte {
	if data == nil {
		return nil
	}
	return append([]byte{}, (*data)...)
}

// StorageHash returns the blake2-256 hash of the value of key, or nil if
// the key is absent.
func (v *StateView) StorageHash(ctx context.Context, key []byte) (*types.Hash, error) {
	if v.beforeFork {
		v.env.metrics.StateReads("storage_hash", metrics.StateReadSourcePreFork).Inc()
		v.env.remoteReads.Add(1)
		hash, err := v.env.client.StorageHash(ctx, key, v.remoteAt())
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			v.warnRemote("failed to fetch pre-fork storage hash", key, err)
			return nil, nil
		}
		return hash, nil
	}

	if value, ok := v.localGet(key); ok {
		v.env.metrics.StateReads("storage_hash", metrics.StateReadSourceLocal).Inc()
		v.env.localReads.Add(1)
		hash := types.Blake2_256(value)
		return &hash, nil
	}
	if v.isRemoved(key) {
		v.env.metrics.StateReads("storage_hash", metrics.StateReadSourceTombstone).Inc()
		v.env.localReads.Add(1)
		return nil, nil
	}
	if v.detached {
		v.env.metrics.StateReads("storage_hash", metrics.StateReadSourceLocal).Inc()
		v.env.localReads.Add(1)
		return nil, nil
	}

	v.env.metrics.StateReads("storage_hash", metrics.StateReadSourceRemote).Inc()
	v.env.remoteReads.Add(1)
	at := v.env.forkBlock
	hash, err := v.env.client.StorageHash(ctx, key, &at)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		v.warnRemote("failed to fetch storage hash", key, err)
		return nil, nil
	}
	if hash == nil {
		v.tombstone(key)
	}
	return hash, nil
}

// NextStorageKey returns the smallest key strictly greater than key, or nil.
// Remote failures are logged and read as the end of the state.
func (v *StateView) NextStorageKey(ctx context.Context, key []byte) ([]byte, error) {
	next, err := v.nextKey(ctx, key, nil)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		v.warnRemote("failed to fetch next storage key", key, err)
		return nil, nil
	}
	return next, nil
}

// nextKey returns the smallest key strictly greater than after that starts
// with prefix, merging the local db with the remote keys at the fork block.
func (v *StateView) nextKey(ctx context.Context, after []byte, prefix []byte) ([]byte, error) {
	if v.beforeFork {
		keys, err := v.env.client.StorageKeysPaged(ctx, prefix, 1, after, v.remoteAt())
		v.env.remoteReads.Add(1)
		if err != nil {
			return nil, err
		}
		if len(keys) == 0 || bytes.Compare(keys[0], after) <= 0 {
			return nil, nil
		}
		return append([]byte(nil), keys[0]...), nil
	}

	var local []byte
	v.db.Read(func(s *trieStore) {
		local, _ = s.next(after, prefix)
	})
	if v.detached {
		return local, nil
	}
	remote, err := v.remoteNextKey(ctx, after, prefix)
	if err != nil {
		return nil, err
	}
	switch {
	case local == nil:
		return remote, nil
	case remote == nil || bytes.Compare(local, remote) <= 0:
		return local, nil
	default:
		return remote, nil
	}
}

// remoteNextKey returns the smallest key strictly greater than after that
// starts with prefix, exists at the fork block and is not removed locally.
func (v *StateView) remoteNextKey(ctx context.Context, after []byte, prefix []byte) ([]byte, error) {
	cur := after
	for {
		var (
			next  []byte
			known bool
		)
		if bytes.HasPrefix(cur, prefix) {
			v.env.successors.Read(func(m *btree.Map[string, string]) {
				var s string
				if s, known = m.Get(string(cur)); known {
					next = []byte(s)
				}
			})
		}
		if !known {
			page, err := v.fetchKeys(ctx, cur, prefix)
			if err != nil {
				return nil, err
			}
			if len(page) == 0 {
				return nil, nil
			}
			next = page[0]
		}

		if !bytes.HasPrefix(next, prefix) {
			return nil, nil
		}
		if !v.isRemoved(next) {
			return next, nil
		}
		cur = next
	}
}

// fetchKeys lists the next page of keys after start at the fork block and
// records the listed keys in the successor index.
func (v *StateView) fetchKeys(ctx context.Context, start []byte, prefix []byte) ([][]byte, error) {
	v.env.remoteReads.Add(1)
	at := v.env.forkBlock
	keys, err := v.env.client.StorageKeysPaged(ctx, prefix, keysPageSize, start, &at)
	if err != nil {
		return nil, err
	}

	page := make([][]byte, 0, len(keys))
	last := start
	for _, key := range keys {
		// Nodes list keys in ascending order strictly after start.
		if bytes.Compare(key, last) <= 0 || !bytes.HasPrefix(key, prefix) {
			return nil, fmt.Errorf("remote node listed key %s out of order after %s", hexutil.Encode(key), hexutil.Encode(last))
		}
		page = append(page, append([]byte(nil), key...))
		last = key
	}
	if len(page) == 0 {
		return nil, nil
	}

	v.env.successors.Write(func(m *btree.Map[string, string]) {
		// Keys between two listed keys share the listing prefix, so listed
		// neighbours are neighbours at the fork block.
		if bytes.HasPrefix(start, prefix) {
			m.Set(string(start), string(page[0]))
		}
		for i := 0; i+1 < len(page); i++ {
			m.Set(string(page[i]), string(page[i+1]))
		}
	})
	return page, nil
}

// StorageRoot computes the state root of the local db with delta applied,
// and returns the normalized delta. The remote node is not consulted.
func (v *StateView) StorageRoot(delta []types.StorageChange) (types.Hash, Transaction) {
	tx := NewTransaction(delta)
	root := View(v.db, func(s *trieStore) types.Hash {
		return s.root(tx)
	})
	return root, tx
}

// Apply writes a committed delta into the lineage. Deleted keys are
// tombstoned so the fork block value does not resurface.
func (v *StateView) Apply(tx Transaction) {
	if tx.IsEmpty() {
		return
	}
	v.db.Write(func(s *trieStore) {
		deleted := s.apply(tx)
		if len(deleted) == 0 {
			return
		}
		v.removedKeys.Write(func(removed *mapset.Set[string]) {
			for _, key := range deleted {
				(*removed).Add(string(key))
			}
		})
	})
}

// UsageInfo reports the size of the view's lineage caches and the reads
// served by the backend so far.
func (v *StateView) UsageInfo() UsageInfo {
	var info UsageInfo
	v.db.Read(func(s *trieStore) {
		info.CachedKeys = s.len()
		v.removedKeys.Read(func(removed *mapset.Set[string]) {
			info.RemovedKeys = (*removed).Cardinality()
		})
	})
	info.LocalReads = v.env.localReads.Load()
	info.RemoteReads = v.env.remoteReads.Load()
	return info
}

// RawIter returns an iterator over the keys selected by args.
func (v *StateView) RawIter(args IterArgs) *RawIter {
	return &RawIter{
		view:      v,
		prefix:    append([]byte(nil), args.Prefix...),
		current:   append([]byte(nil), args.StartAt...),
		inclusive: !args.StartAtExclusive,
	}
}

func unsupported(op string) error {
	return fmt.Errorf("%w: %s", ErrUnsupported, op)
}

// ClosestMerkleValue is not supported: the view holds no trie nodes.
func (v *StateView) ClosestMerkleValue(context.Context, []byte) (*types.Hash, error) {
	return nil, unsupported("closest_merkle_value")
}

// ChildClosestMerkleValue is not supported.
func (v *StateView) ChildClosestMerkleValue(context.Context, []byte, []byte) (*types.Hash, error) {
	return nil, unsupported("child_closest_merkle_value")
}

// ChildStorage is not supported: child tries are not forked.
func (v *StateView) ChildStorage(context.Context, []byte, []byte) ([]byte, error) {
	return nil, unsupported("child_storage")
}

// ChildStorageHash is not supported.
func (v *StateView) ChildStorageHash(context.Context, []byte, []byte) (*types.Hash, error) {
	return nil, unsupported("child_storage_hash")
}

// NextChildStorageKey is not supported.
func (v *StateView) NextChildStorageKey(context.Context, []byte, []byte) ([]byte, error) {
	return nil, unsupported("next_child_storage_key")
}

// ChildStorageRoot is not supported.
func (v *StateView) ChildStorageRoot([]byte, []types.StorageChange) (types.Hash, bool, error) {
	return types.Hash{}, false, unsupported("child_storage_root")
}

// AsTrieBackend is not supported: the view is not backed by a full trie.
func (v *StateView) AsTrieBackend() error {
	return unsupported("as_trie_backend")
}
