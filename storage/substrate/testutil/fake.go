// Package testutil provides an in-memory stand-in for a remote Substrate node.
package testutil

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/moonbeam-foundation/lazyfork/storage/substrate/nodeapi"
	"github.com/moonbeam-foundation/lazyfork/storage/substrate/types"
)

// FakeChain is an in-memory remote node. It records how often each method
// was called so tests can assert on remote traffic.
type FakeChain struct {
	mu sync.Mutex

	blocks map[types.Hash]*types.SignedBlock
	canon  map[uint32]types.Hash
	best   types.Hash
	state  map[types.Hash]map[string][]byte

	chain      string
	name       string
	properties types.ChainProperties

	calls    map[string]int
	failures map[string]error
}

var (
	_ nodeapi.ChainApiLite   = (*FakeChain)(nil)
	_ nodeapi.RequestCounter = (*FakeChain)(nil)
)

// NewFakeChain returns a chain without blocks.
func NewFakeChain() *FakeChain {
	return &FakeChain{
		blocks:     make(map[types.Hash]*types.SignedBlock),
		canon:      make(map[uint32]types.Hash),
		state:      make(map[types.Hash]map[string][]byte),
		chain:      "Moonbase Development Testnet",
		name:       "Moonbeam Parachain Collator",
		properties: types.ChainProperties{"tokenSymbol": "DEV", "tokenDecimals": float64(18), "ss58Format": float64(1287)},
		calls:      make(map[string]int),
		failures:   make(map[string]error),
	}
}

// AddBlock appends a canonical block on top of the current best block,
// with the given full state, and returns it.
func (f *FakeChain) AddBlock(state map[string][]byte) *types.SignedBlock {
	f.mu.Lock()
	defer f.mu.Unlock()

	header := types.Header{StateRoot: types.Blake2_256([]byte(fmt.Sprint(len(f.blocks))))}
	if parent, ok := f.blocks[f.best]; ok {
		header.ParentHash = f.best
		header.Number = parent.Block.Header.Number + 1
	}
	block := &types.SignedBlock{
		Block: types.Block{Header: header, Extrinsics: []hexutil.Bytes{{0x04, byte(header.Number)}}},
	}
	hash := header.Hash()
	f.blocks[hash] = block
	f.canon[uint32(header.Number)] = hash
	f.best = hash

	kv := make(map[string][]byte, len(state))
	for k, v := range state {
		kv[k] = append([]byte(nil), v...)
	}
	f.state[hash] = kv
	return block
}

// SetJustifications replaces the justifications of a block.
func (f *FakeChain) SetJustifications(hash types.Hash, js types.Justifications) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.blocks[hash].Justifications = js
}

// SetStorage changes a single key in the state of a block; a nil value deletes it.
func (f *FakeChain) SetStorage(at types.Hash, key []byte, value []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if value == nil {
		delete(f.state[at], string(key))
		return
	}
	f.state[at][string(key)] = value
}

// Fail makes every subsequent call of method return err. A nil err clears it.
func (f *FakeChain) Fail(method string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		delete(f.failures, method)
		return
	}
	f.failures[method] = err
}

// Calls returns how often method was called.
func (f *FakeChain) Calls(method string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[method]
}

// StorageCalls returns the number of calls to any state_* method.
func (f *FakeChain) StorageCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	total := 0
	for method, n := range f.calls {
		if strings.HasPrefix(method, "state_") {
			total += n
		}
	}
	return total
}

// ResetCalls zeroes all call counters.
func (f *FakeChain) ResetCalls() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = make(map[string]int)
}

// RequestCount implements nodeapi.RequestCounter.
func (f *FakeChain) RequestCount() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	var total uint64
	for _, n := range f.calls {
		total += uint64(n)
	}
	return total
}

// Best returns the hash of the latest block.
func (f *FakeChain) Best() types.Hash {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.best
}

// Must be called with mu held.
func (f *FakeChain) enter(method string) error {
	f.calls[method]++
	return f.failures[method]
}

// Must be called with mu held.
func (f *FakeChain) stateAt(at *types.Hash) (map[string][]byte, error) {
	hash := f.best
	if at != nil {
		hash = *at
	}
	kv, ok := f.state[hash]
	if !ok {
		return nil, fmt.Errorf("unknown block %s", hash.Hex())
	}
	return kv, nil
}

func (f *FakeChain) Block(ctx context.Context, hash *types.Hash) (*types.SignedBlock, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("chain_getBlock"); err != nil {
		return nil, err
	}
	h := f.best
	if hash != nil {
		h = *hash
	}
	block, ok := f.blocks[h]
	if !ok {
		return nil, nil
	}
	clone := *block
	clone.Justifications = block.Justifications.Clone()
	return &clone, nil
}

func (f *FakeChain) Header(ctx context.Context, hash *types.Hash) (*types.Header, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("chain_getHeader"); err != nil {
		return nil, err
	}
	h := f.best
	if hash != nil {
		h = *hash
	}
	block, ok := f.blocks[h]
	if !ok {
		return nil, nil
	}
	header := block.Block.Header
	return &header, nil
}

func (f *FakeChain) BlockHash(ctx context.Context, number *uint32) (*types.Hash, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("chain_getBlockHash"); err != nil {
		return nil, err
	}
	if number == nil {
		best := f.best
		return &best, nil
	}
	hash, ok := f.canon[*number]
	if !ok {
		return nil, nil
	}
	return &hash, nil
}

func (f *FakeChain) Storage(ctx context.Context, key types.StorageKey, at *types.Hash) (*types.StorageData, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("state_getStorage"); err != nil {
		return nil, err
	}
	kv, err := f.stateAt(at)
	if err != nil {
		return nil, err
	}
	value, ok := kv[string(key)]
	if !ok {
		return nil, nil
	}
	data := types.StorageData(append([]byte(nil), value...))
	return &data, nil
}

func (f *FakeChain) StorageHash(ctx context.Context, key types.StorageKey, at *types.Hash) (*types.Hash, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("state_getStorageHash"); err != nil {
		return nil, err
	}
	kv, err := f.stateAt(at)
	if err != nil {
		return nil, err
	}
	value, ok := kv[string(key)]
	if !ok {
		return nil, nil
	}
	hash := types.Blake2_256(value)
	return &hash, nil
}

func (f *FakeChain) StorageKeysPaged(ctx context.Context, prefix types.StorageKey, count uint32, startKey types.StorageKey, at *types.Hash) ([]types.StorageKey, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("state_getKeysPaged"); err != nil {
		return nil, err
	}
	kv, err := f.stateAt(at)
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(kv))
	for k := range kv {
		if bytes.HasPrefix([]byte(k), prefix) && (len(startKey) == 0 || k > string(startKey)) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	if uint32(len(keys)) > count {
		keys = keys[:count]
	}
	out := make([]types.StorageKey, len(keys))
	for i, k := range keys {
		out[i] = types.StorageKey(k)
	}
	return out, nil
}

func (f *FakeChain) QueryStorageAt(ctx context.Context, keys []types.StorageKey, at *types.Hash) ([]types.StorageChangeSet, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("state_queryStorageAt"); err != nil {
		return nil, err
	}
	kv, err := f.stateAt(at)
	if err != nil {
		return nil, err
	}
	set := types.StorageChangeSet{Block: f.best}
	if at != nil {
		set.Block = *at
	}
	for _, key := range keys {
		change := types.StorageChange{Key: key}
		if value, ok := kv[string(key)]; ok {
			data := types.StorageData(append([]byte(nil), value...))
			change.Value = &data
		}
		set.Changes = append(set.Changes, change)
	}
	return []types.StorageChangeSet{set}, nil
}

func (f *FakeChain) SystemChain(ctx context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.chain, f.enter("system_chain")
}

func (f *FakeChain) SystemName(ctx context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.name, f.enter("system_name")
}

func (f *FakeChain) SystemProperties(ctx context.Context) (types.ChainProperties, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("system_properties"); err != nil {
		return nil, err
	}
	props := make(types.ChainProperties, len(f.properties))
	for k, v := range f.properties {
		props[k] = v
	}
	return props, nil
}

func (f *FakeChain) Close() error {
	return nil
}
