package lazyloading

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/moonbeam-foundation/lazyfork/storage/substrate/types"
)

// NewBlockState is the fork-choice status of a block being imported.
type NewBlockState int

const (
	NewBlockStateNormal NewBlockState = iota
	NewBlockStateBest
	NewBlockStateFinal
)

func (s NewBlockState) String() string {
	switch s {
	case NewBlockStateBest:
		return "best"
	case NewBlockStateFinal:
		return "final"
	default:
		return "normal"
	}
}

// IsBest reports whether the block becomes the best block. Final blocks are best too.
func (s NewBlockState) IsBest() bool {
	return s == NewBlockStateBest || s == NewBlockStateFinal
}

// IsFinal reports whether the block is finalized on import.
func (s NewBlockState) IsFinal() bool {
	return s == NewBlockStateFinal
}

// PendingBlock is the block an operation will insert. A nil Body imports
// the header only.
type PendingBlock struct {
	Header         types.Header
	Body           []hexutil.Bytes
	Justifications types.Justifications
	State          NewBlockState
}

// GenesisStorage is the initial storage of a chain: top-level pairs and
// default child tries keyed by their prefixed storage key.
type GenesisStorage struct {
	Top             map[string][]byte
	ChildrenDefault map[string]map[string][]byte
}

// CheckGenesisStorage rejects child trie keys among the top-level pairs and
// non-child keys among the child tries.
func CheckGenesisStorage(storage GenesisStorage) error {
	for key := range storage.Top {
		if types.IsChildStorageKey([]byte(key)) {
			return fmt.Errorf("%w: child storage key %s in top-level storage", ErrInvalidState, hexutil.Encode([]byte(key)))
		}
	}
	for key := range storage.ChildrenDefault {
		if !types.IsChildStorageKey([]byte(key)) {
			return fmt.Errorf("%w: %s is not a child storage key", ErrInvalidState, hexutil.Encode([]byte(key)))
		}
	}
	return nil
}

type finalization struct {
	hash          types.Hash
	justification *types.Justification
}

// BlockImportOperation collects everything one CommitOperation applies:
// at most one block with its state delta, aux writes, finalizations and a
// head move.
type BlockImportOperation struct {
	pendingBlock    *PendingBlock
	oldState        *StateView
	newState        *Transaction
	aux             []AuxOp
	finalizedBlocks []finalization
	setHead         *types.Hash

	// BeforeFork marks the imported block's state as a pre-fork view.
	BeforeFork bool

	// Detached marks the imported block's state as local only. A detached
	// state never reads from the remote node.
	Detached bool

	// GraftOnto, when set, is a local block the imported block displaces
	// from the leaf set, besides its header's parent.
	GraftOnto *types.Hash
}

// State returns the parent state the operation builds on.
func (op *BlockImportOperation) State() *StateView {
	return op.oldState
}

// SetBlockData sets the block to import. An operation imports one block.
func (op *BlockImportOperation) SetBlockData(header types.Header, body []hexutil.Bytes, justifications types.Justifications, state NewBlockState) error {
	if op.pendingBlock != nil {
		return fmt.Errorf("%w: only one block per operation is allowed", ErrOperation)
	}
	op.pendingBlock = &PendingBlock{
		Header:         header,
		Body:           body,
		Justifications: justifications,
		State:          state,
	}
	return nil
}

// UpdateDBStorage sets the state delta of the pending block.
func (op *BlockImportOperation) UpdateDBStorage(tx Transaction) {
	op.newState = &tx
}

// SetGenesisState computes the state root of storage on top of the parent
// state, and stages it as the block's delta when commit is set.
func (op *BlockImportOperation) SetGenesisState(storage GenesisStorage, commit bool) (types.Hash, error) {
	return op.applyStorage(storage, commit)
}

// ResetStorage stages storage as the block's delta and returns its root.
func (op *BlockImportOperation) ResetStorage(storage GenesisStorage) (types.Hash, error) {
	return op.applyStorage(storage, true)
}

func (op *BlockImportOperation) applyStorage(storage GenesisStorage, commit bool) (types.Hash, error) {
	if err := CheckGenesisStorage(storage); err != nil {
		return types.Hash{}, err
	}
	if len(storage.ChildrenDefault) > 0 {
		return types.Hash{}, fmt.Errorf("%w: child storage in genesis", ErrUnsupported)
	}

	delta := make([]types.StorageChange, 0, len(storage.Top))
	for key, value := range storage.Top {
		v := types.StorageData(value)
		delta = append(delta, types.StorageChange{Key: types.StorageKey(key), Value: &v})
	}
	root, tx := op.oldState.StorageRoot(delta)
	if commit {
		op.newState = &tx
	}
	return root, nil
}

// UpdateStorage stages a storage change set as the block's delta. It is
// merged into any delta staged before. The returned root is the parent
// state with all staged changes applied.
func (op *BlockImportOperation) UpdateStorage(changes []types.StorageChange) types.Hash {
	if op.newState != nil {
		changes = append(append([]types.StorageChange(nil), op.newState.Changes...), changes...)
	}
	root, tx := op.oldState.StorageRoot(changes)
	op.newState = &tx
	return root
}

// InsertAux stages aux writes. A nil value deletes the key.
func (op *BlockImportOperation) InsertAux(ops ...AuxOp) {
	op.aux = append(op.aux, ops...)
}

// MarkFinalized stages the finalization of an already imported block.
func (op *BlockImportOperation) MarkFinalized(hash types.Hash, justification *types.Justification) {
	op.finalizedBlocks = append(op.finalizedBlocks, finalization{hash: hash, justification: justification})
}

// MarkHead stages a head move. It cannot be combined with a block import.
func (op *BlockImportOperation) MarkHead(hash types.Hash) error {
	if op.pendingBlock != nil {
		return fmt.Errorf("%w: cannot move the head while importing a block", ErrOperation)
	}
	op.setHead = &hash
	return nil
}

// UpdateTransactionIndex is a no-op: transactions are not indexed.
func (op *BlockImportOperation) UpdateTransactionIndex() {}
