// Package lazyloading implements a block database that forks a live remote
// chain: state is fetched on demand from the remote node at a fixed fork
// block, cached locally and overlaid with the blocks imported locally.
package lazyloading

import (
	"context"
	"fmt"
	"sync"

	"github.com/moonbeam-foundation/lazyfork/log"
	"github.com/moonbeam-foundation/lazyfork/storage/substrate/nodeapi"
	"github.com/moonbeam-foundation/lazyfork/storage/substrate/types"
)

// Backend is the block database of a forked node.
type Backend struct {
	env            *stateEnv
	states         *Locked[map[types.Hash]*StateView]
	blockchain     *Blockchain
	importLock     sync.RWMutex
	pinned         *Locked[map[types.Hash]int64]
	forkCheckpoint types.Header

	logger *log.Logger
}

// NewBackend creates a backend forking the remote chain at checkpoint.
func NewBackend(client nodeapi.ChainApiLite, checkpoint types.Header, logger *log.Logger) *Backend {
	logger = logger.WithModule("lazy-loading")
	return &Backend{
		env:            newStateEnv(client, checkpoint.Hash(), logger),
		states:         NewLocked(make(map[types.Hash]*StateView)),
		blockchain:     NewBlockchain(client, logger),
		pinned:         NewLocked(make(map[types.Hash]int64)),
		forkCheckpoint: checkpoint,
		logger:         logger,
	}
}

// ForkCheckpoint returns the header of the remote block the backend forks from.
func (b *Backend) ForkCheckpoint() types.Header {
	return b.forkCheckpoint
}

// Blockchain returns the block index.
func (b *Backend) Blockchain() *Blockchain {
	return b.blockchain
}

// ImportLock returns the lock that serializes imports.
func (b *Backend) ImportLock() *sync.RWMutex {
	return &b.importLock
}

// RequiresFullSync is false: the backend fetches state on demand.
func (b *Backend) RequiresFullSync() bool {
	return false
}

// RequestCount returns the number of requests sent to the remote node, if
// the client counts them.
func (b *Backend) RequestCount() uint64 {
	if counter, ok := b.env.client.(nodeapi.RequestCounter); ok {
		return counter.RequestCount()
	}
	return 0
}

// BeginOperation starts an import operation on top of the fork point state.
// Use BeginStateOperation to build on an existing block.
func (b *Backend) BeginOperation(ctx context.Context) (*BlockImportOperation, error) {
	state, err := b.StateAt(ctx, types.Hash{})
	if err != nil {
		return nil, err
	}
	return &BlockImportOperation{oldState: state}, nil
}

// BeginStateOperation rebases op on the state of block.
func (b *Backend) BeginStateOperation(ctx context.Context, op *BlockImportOperation, block types.Hash) error {
	state, err := b.StateAt(ctx, block)
	if err != nil {
		return err
	}
	op.oldState = state
	return nil
}

// CommitOperation applies op: finalizations first, then the block and its
// state, then aux writes, then the head move.
func (b *Backend) CommitOperation(op *BlockImportOperation) error {
	b.importLock.Lock()
	defer b.importLock.Unlock()

	for _, f := range op.finalizedBlocks {
		if err := b.blockchain.FinalizeHeader(f.hash, f.justification); err != nil {
			return err
		}
	}

	if pending := op.pendingBlock; pending != nil {
		hash := pending.Header.Hash()

		// The new block extends its parent's lineage rather than copying it.
		state := &StateView{
			env:        b.env,
			blockHash:  &hash,
			beforeFork: op.BeforeFork,
			detached:   op.Detached,
			lineage:    op.oldState.lineage,
		}
		if op.newState != nil {
			state.Apply(*op.newState)
		}
		b.states.Write(func(states *map[types.Hash]*StateView) {
			(*states)[hash] = state
		})

		b.blockchain.insert(hash, &pending.Header, pending.Justifications, pending.Body, pending.State, op.GraftOnto)
		b.logger.Debug("imported block",
			"block_hash", hash,
			"block_number", uint32(pending.Header.Number),
			"state", pending.State,
			"changes", len(op.newStateChanges()),
		)
	}

	b.blockchain.WriteAux(op.aux)

	if op.setHead != nil {
		if err := b.blockchain.SetHead(*op.setHead); err != nil {
			return err
		}
	}
	return nil
}

func (op *BlockImportOperation) newStateChanges() []types.StorageChange {
	if op.newState == nil {
		return nil
	}
	return op.newState.Changes
}

// StateAt returns the state of a block.
//
// The zero hash yields a fresh pre-fork view reading at the fork block.
// Blocks at or below the fork checkpoint get pre-fork views. Newer blocks
// not imported locally inherit the lineage of their nearest known ancestor.
func (b *Backend) StateAt(ctx context.Context, hash types.Hash) (*StateView, error) {
	if hash == (types.Hash{}) {
		return &StateView{
			env:        b.env,
			blockHash:  &types.Hash{},
			beforeFork: true,
			lineage:    newLineage(),
		}, nil
	}
	if state, ok := b.lookupState(hash); ok {
		return state, nil
	}

	type pendingView struct {
		hash   types.Hash
		number uint32
	}
	var (
		pending []pendingView
		base    *StateView
	)
	for cur := hash; base == nil; {
		if state, ok := b.lookupState(cur); ok {
			base = state
			break
		}
		header, err := b.blockchain.Header(ctx, cur)
		if err != nil {
			return nil, err
		}
		if header == nil {
			return nil, fmt.Errorf("%w: state of %s", ErrUnknownBlock, cur.Hex())
		}
		if uint32(header.Number) <= uint32(b.forkCheckpoint.Number) {
			blockHash := cur
			base = b.registerState(cur, &StateView{
				env:        b.env,
				blockHash:  &blockHash,
				beforeFork: true,
				lineage:    newLineage(),
			})
			break
		}
		pending = append(pending, pendingView{hash: cur, number: uint32(header.Number)})
		cur = header.ParentHash
	}

	for i := len(pending) - 1; i >= 0; i-- {
		blockHash := pending[i].hash
		base = b.registerState(blockHash, &StateView{
			env:       b.env,
			blockHash: &blockHash,
			lineage:   base.lineage,
		})
		b.logger.Debug("derived state from parent",
			"block_hash", blockHash,
			"block_number", pending[i].number,
		)
	}
	return base, nil
}

func (b *Backend) lookupState(hash types.Hash) (*StateView, bool) {
	var (
		state *StateView
		ok    bool
	)
	b.states.Read(func(states *map[types.Hash]*StateView) {
		state, ok = (*states)[hash]
	})
	return state, ok
}

// registerState memoizes state unless another view was registered first.
func (b *Backend) registerState(hash types.Hash, state *StateView) *StateView {
	return Update(b.states, func(states *map[types.Hash]*StateView) *StateView {
		if existing, ok := (*states)[hash]; ok {
			return existing
		}
		(*states)[hash] = state
		return state
	})
}

// FinalizeBlock finalizes an imported block.
func (b *Backend) FinalizeBlock(hash types.Hash, justification *types.Justification) error {
	return b.blockchain.FinalizeHeader(hash, justification)
}

// AppendJustification adds a justification to an imported block.
func (b *Backend) AppendJustification(hash types.Hash, justification types.Justification) error {
	return b.blockchain.AppendJustification(hash, justification)
}

// Revert does nothing: a forked backend keeps its whole history.
func (b *Backend) Revert(uint32, bool) (uint32, []types.Hash, error) {
	return 0, nil, nil
}

// RemoveLeafBlock does nothing.
func (b *Backend) RemoveLeafBlock(types.Hash) error {
	return nil
}

// PinBlock increments the pin count of a block.
func (b *Backend) PinBlock(hash types.Hash) error {
	b.pinned.Write(func(pinned *map[types.Hash]int64) {
		(*pinned)[hash]++
	})
	return nil
}

// UnpinBlock decrements the pin count of a block. Counts may go negative.
func (b *Backend) UnpinBlock(hash types.Hash) {
	b.pinned.Write(func(pinned *map[types.Hash]int64) {
		(*pinned)[hash]--
	})
}

// PinCount returns the pin count of a block.
func (b *Backend) PinCount(hash types.Hash) int64 {
	return View(b.pinned, func(pinned *map[types.Hash]int64) int64 {
		return (*pinned)[hash]
	})
}

// InsertAux writes aux pairs, then deletes aux keys.
func (b *Backend) InsertAux(insert []AuxOp, remove [][]byte) error {
	b.blockchain.InsertAux(insert, remove)
	return nil
}

// GetAux returns an aux value.
func (b *Backend) GetAux(key []byte) ([]byte, bool) {
	return b.blockchain.GetAux(key)
}

// UsageInfo sums the caches of all state lineages.
func (b *Backend) UsageInfo() UsageInfo {
	var views []*StateView
	b.states.Read(func(states *map[types.Hash]*StateView) {
		seen := make(map[*Locked[trieStore]]struct{}, len(*states))
		for _, state := range *states {
			if _, ok := seen[state.db]; ok {
				continue
			}
			seen[state.db] = struct{}{}
			views = append(views, state)
		}
	})

	info := UsageInfo{
		LocalReads:  b.env.localReads.Load(),
		RemoteReads: b.env.remoteReads.Load(),
	}
	for _, view := range views {
		usage := view.UsageInfo()
		info.CachedKeys += usage.CachedKeys
		info.RemovedKeys += usage.RemovedKeys
	}
	return info
}
