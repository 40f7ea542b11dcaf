package lazyloading

import (
	"bytes"
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/moonbeam-foundation/lazyfork/log"
	"github.com/moonbeam-foundation/lazyfork/storage/substrate/nodeapi"
	"github.com/moonbeam-foundation/lazyfork/storage/substrate/types"
)

// StoredBlock is a block known locally. Full is false when only the header
// (and possibly justifications) was imported.
type StoredBlock struct {
	Header         types.Header
	Extrinsics     []hexutil.Bytes
	Justifications types.Justifications
	Full           bool
}

// BlockStatus is the local knowledge about a block.
type BlockStatus int

const (
	BlockStatusUnknown BlockStatus = iota
	BlockStatusInChain
)

func (s BlockStatus) String() string {
	if s == BlockStatusInChain {
		return "in_chain"
	}
	return "unknown"
}

// Info is a consistent snapshot of the chain pointers.
type Info struct {
	BestHash        types.Hash `json:"bestHash"`
	BestNumber      uint32     `json:"bestNumber"`
	GenesisHash     types.Hash `json:"genesisHash"`
	FinalizedHash   types.Hash `json:"finalizedHash"`
	FinalizedNumber uint32     `json:"finalizedNumber"`
	NumberLeaves    int        `json:"numberLeaves"`
}

// HeaderMetadata is the subset of a header used for tree route computations.
type HeaderMetadata struct {
	Hash      types.Hash
	Number    uint32
	Parent    types.Hash
	StateRoot types.Hash
}

// AuxOp inserts Key with Value, or deletes Key when Value is nil.
type AuxOp struct {
	Key   []byte
	Value []byte
}

// BlockchainStorage is the mutable content of a Blockchain.
type BlockchainStorage struct {
	Blocks          map[types.Hash]StoredBlock
	Hashes          map[uint32]types.Hash
	BestHash        types.Hash
	BestNumber      uint32
	FinalizedHash   types.Hash
	FinalizedNumber uint32
	GenesisHash     types.Hash
	Leaves          LeafSet
	Aux             map[string][]byte
}

func newBlockchainStorage() BlockchainStorage {
	return BlockchainStorage{
		Blocks: make(map[types.Hash]StoredBlock),
		Hashes: make(map[uint32]types.Hash),
		Aux:    make(map[string][]byte),
	}
}

// Blockchain is the in-memory block index. Blocks it does not know are
// looked up on the remote node.
type Blockchain struct {
	client  nodeapi.ChainApiLite
	storage *Locked[BlockchainStorage]
	logger  *log.Logger
}

// NewBlockchain creates an empty block index backed by client.
func NewBlockchain(client nodeapi.ChainApiLite, logger *log.Logger) *Blockchain {
	return &Blockchain{
		client:  client,
		storage: NewLocked(newBlockchainStorage()),
		logger:  logger.WithModule("blockchain"),
	}
}

// localHeader returns the header of a locally stored block.
func (b *Blockchain) localHeader(hash types.Hash) (*types.Header, bool) {
	var (
		header types.Header
		ok     bool
	)
	b.storage.Read(func(s *BlockchainStorage) {
		var block StoredBlock
		if block, ok = s.Blocks[hash]; ok {
			header = block.Header
		}
	})
	if !ok {
		return nil, false
	}
	return &header, true
}

// Header returns the header of a block. Blocks unknown locally are fetched
// from the remote node and stored in full. A block the remote node does not
// know, or a failed fetch, yields nil without an error.
func (b *Blockchain) Header(ctx context.Context, hash types.Hash) (*types.Header, error) {
	if header, ok := b.localHeader(hash); ok {
		return header, nil
	}

	block, err := b.client.Block(ctx, &hash)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		b.logger.Warn("failed to fetch block from remote node",
			"block_hash", hash,
			"err", err,
		)
		return nil, nil
	}
	if block == nil {
		b.logger.Warn("block not found on remote node",
			"block_hash", hash,
		)
		return nil, nil
	}

	b.storage.Write(func(s *BlockchainStorage) {
		if _, ok := s.Blocks[hash]; ok {
			return
		}
		s.Blocks[hash] = StoredBlock{
			Header:         block.Block.Header,
			Extrinsics:     block.Block.Extrinsics,
			Justifications: block.Justifications,
			Full:           true,
		}
	})
	header := block.Block.Header
	return &header, nil
}

// Body returns the extrinsics of a block, from the local index or the
// remote node. Remote bodies are not stored.
func (b *Blockchain) Body(ctx context.Context, hash types.Hash) ([]hexutil.Bytes, error) {
	var (
		body  []hexutil.Bytes
		local bool
	)
	b.storage.Read(func(s *BlockchainStorage) {
		if block, ok := s.Blocks[hash]; ok && block.Full {
			body, local = block.Extrinsics, true
		}
	})
	if local {
		return body, nil
	}

	block, err := b.client.Block(ctx, &hash)
	if err != nil {
		return nil, fmt.Errorf("fetching body of %s: %w", hash.Hex(), err)
	}
	if block == nil {
		return nil, nil
	}
	return block.Block.Extrinsics, nil
}

// Justifications returns a copy of the justifications of a local block.
func (b *Blockchain) Justifications(hash types.Hash) types.Justifications {
	return View(b.storage, func(s *BlockchainStorage) types.Justifications {
		return s.Blocks[hash].Justifications.Clone()
	})
}

// Info returns a snapshot of the chain pointers.
func (b *Blockchain) Info() Info {
	return View(b.storage, func(s *BlockchainStorage) Info {
		return Info{
			BestHash:        s.BestHash,
			BestNumber:      s.BestNumber,
			GenesisHash:     s.GenesisHash,
			FinalizedHash:   s.FinalizedHash,
			FinalizedNumber: s.FinalizedNumber,
			NumberLeaves:    s.Leaves.Count(),
		}
	})
}

// Status reports whether the block is stored locally. The remote node is
// not consulted.
func (b *Blockchain) Status(hash types.Hash) BlockStatus {
	if _, ok := b.localHeader(hash); ok {
		return BlockStatusInChain
	}
	return BlockStatusUnknown
}

// Number returns the number of a block, looking it up remotely if needed.
func (b *Blockchain) Number(ctx context.Context, hash types.Hash) (uint32, error) {
	if header, ok := b.localHeader(hash); ok {
		return uint32(header.Number), nil
	}
	block, err := b.client.Block(ctx, &hash)
	if err != nil {
		return 0, fmt.Errorf("%w: %s: %v", ErrUnknownBlock, hash.Hex(), err)
	}
	if block == nil {
		return 0, fmt.Errorf("%w: %s", ErrUnknownBlock, hash.Hex())
	}
	return uint32(block.Block.Header.Number), nil
}

// Hash returns the canonical block hash at number, if known locally.
func (b *Blockchain) Hash(number uint32) (types.Hash, bool) {
	var (
		hash types.Hash
		ok   bool
	)
	b.storage.Read(func(s *BlockchainStorage) {
		hash, ok = s.Hashes[number]
	})
	return hash, ok
}

// HeaderMetadata returns the metadata of a block, or ErrUnknownBlock.
func (b *Blockchain) HeaderMetadata(ctx context.Context, hash types.Hash) (*HeaderMetadata, error) {
	header, err := b.Header(ctx, hash)
	if err != nil {
		return nil, err
	}
	if header == nil {
		return nil, fmt.Errorf("%w: header metadata of %s", ErrUnknownBlock, hash.Hex())
	}
	return &HeaderMetadata{
		Hash:      hash,
		Number:    uint32(header.Number),
		Parent:    header.ParentHash,
		StateRoot: header.StateRoot,
	}, nil
}

// Insert stores a block. A nil body stores the header only.
func (b *Blockchain) Insert(hash types.Hash, header *types.Header, justifications types.Justifications, body []hexutil.Bytes, state NewBlockState) {
	b.insert(hash, header, justifications, body, state, nil)
}

// insert stores a block. A non-nil graftOnto is a local block that stops
// being a leaf in place of the header's parent.
func (b *Blockchain) insert(hash types.Hash, header *types.Header, justifications types.Justifications, body []hexutil.Bytes, state NewBlockState, graftOnto *types.Hash) {
	number := uint32(header.Number)
	b.storage.Write(func(s *BlockchainStorage) {
		if state.IsBest() {
			s.applyHead(hash, header)
		}
		s.Leaves.Import(hash, number, header.ParentHash)
		if graftOnto != nil {
			if parent, ok := s.Blocks[*graftOnto]; ok {
				s.Leaves.remove(*graftOnto, uint32(parent.Header.Number))
			}
		}
		s.Blocks[hash] = StoredBlock{
			Header:         *header,
			Extrinsics:     body,
			Justifications: justifications.Clone(),
			Full:           body != nil,
		}
		if state.IsFinal() {
			s.FinalizedHash = hash
			s.FinalizedNumber = number
		}
		if number == 0 {
			s.GenesisHash = hash
		}
	})
}

// applyHead makes hash the best block and rewrites the canonical hashes of
// its locally known ancestors.
func (s *BlockchainStorage) applyHead(hash types.Hash, header *types.Header) {
	number := uint32(header.Number)
	if number < s.BestNumber {
		for n := number + 1; n <= s.BestNumber; n++ {
			delete(s.Hashes, n)
		}
	}
	s.BestHash = hash
	s.BestNumber = number
	s.Hashes[number] = hash

	parent := header.ParentHash
	for n := number; n > 0; n-- {
		if canonical, ok := s.Hashes[n-1]; ok && canonical == parent {
			break
		}
		block, ok := s.Blocks[parent]
		if !ok {
			break
		}
		s.Hashes[n-1] = parent
		parent = block.Header.ParentHash
	}
}

// SetHead makes a locally stored block the best block.
func (b *Blockchain) SetHead(hash types.Hash) error {
	return Update(b.storage, func(s *BlockchainStorage) error {
		block, ok := s.Blocks[hash]
		if !ok {
			return fmt.Errorf("%w: cannot set head to %s", ErrUnknownBlock, hash.Hex())
		}
		s.applyHead(hash, &block.Header)
		return nil
	})
}

// FinalizeHeader marks a stored block as finalized. A non-nil justification
// replaces the block's justifications.
func (b *Blockchain) FinalizeHeader(hash types.Hash, justification *types.Justification) error {
	return Update(b.storage, func(s *BlockchainStorage) error {
		block, ok := s.Blocks[hash]
		if !ok {
			return fmt.Errorf("%w: cannot finalize %s", ErrUnknownBlock, hash.Hex())
		}
		s.FinalizedHash = hash
		s.FinalizedNumber = uint32(block.Header.Number)
		if justification != nil {
			block.Justifications = types.Justifications{{
				EngineID: justification.EngineID,
				Data:     append([]byte(nil), justification.Data...),
			}}
			s.Blocks[hash] = block
		}
		return nil
	})
}

// AppendJustification adds a justification to a stored block. Each
// consensus engine may justify a block once.
func (b *Blockchain) AppendJustification(hash types.Hash, justification types.Justification) error {
	return Update(b.storage, func(s *BlockchainStorage) error {
		block, ok := s.Blocks[hash]
		if !ok {
			return fmt.Errorf("%w: cannot justify %s", ErrUnknownBlock, hash.Hex())
		}
		js := block.Justifications.Clone()
		if !js.Append(types.Justification{
			EngineID: justification.EngineID,
			Data:     append([]byte(nil), justification.Data...),
		}) {
			return fmt.Errorf("%w: duplicate consensus engine ID %s for %s", ErrBadJustification, justification.EngineID, hash.Hex())
		}
		block.Justifications = js
		s.Blocks[hash] = block
		return nil
	})
}

// WriteAux applies aux operations in order.
func (b *Blockchain) WriteAux(ops []AuxOp) {
	if len(ops) == 0 {
		return
	}
	b.storage.Write(func(s *BlockchainStorage) {
		for _, op := range ops {
			if op.Value == nil {
				delete(s.Aux, string(op.Key))
				continue
			}
			s.Aux[string(op.Key)] = append([]byte{}, op.Value...)
		}
	})
}

// InsertAux writes the given pairs, then deletes the given keys.
func (b *Blockchain) InsertAux(insert []AuxOp, remove [][]byte) {
	ops := make([]AuxOp, 0, len(insert)+len(remove))
	for _, op := range insert {
		value := op.Value
		if value == nil {
			value = []byte{}
		}
		ops = append(ops, AuxOp{Key: op.Key, Value: value})
	}
	for _, key := range remove {
		ops = append(ops, AuxOp{Key: key})
	}
	b.WriteAux(ops)
}

// GetAux returns an aux value.
func (b *Blockchain) GetAux(key []byte) ([]byte, bool) {
	var (
		value []byte
		ok    bool
	)
	b.storage.Read(func(s *BlockchainStorage) {
		value, ok = s.Aux[string(key)]
		value = append([]byte(nil), value...)
	})
	return value, ok
}

// Leaves returns the current chain tips, highest first.
func (b *Blockchain) Leaves() []types.Hash {
	return View(b.storage, func(s *BlockchainStorage) []types.Hash {
		return s.Leaves.Hashes()
	})
}

// LastFinalized returns the hash of the last finalized block.
func (b *Blockchain) LastFinalized() types.Hash {
	return View(b.storage, func(s *BlockchainStorage) types.Hash {
		return s.FinalizedHash
	})
}

// DisplacedLeavesAfterFinalizing returns the leaves below number.
func (b *Blockchain) DisplacedLeavesAfterFinalizing(number uint32) []types.Hash {
	return View(b.storage, func(s *BlockchainStorage) []types.Hash {
		return s.Leaves.DisplacedByFinalizeHeight(number)
	})
}

// Children is not tracked by the lazy-loading index.
func (b *Blockchain) Children(types.Hash) ([]types.Hash, error) {
	return nil, fmt.Errorf("%w: children", ErrUnsupported)
}

// IndexedTransaction is not supported: transactions are not indexed.
func (b *Blockchain) IndexedTransaction(types.Hash) ([]byte, error) {
	return nil, fmt.Errorf("%w: indexed_transaction", ErrUnsupported)
}

// BlockIndexedBody is not supported: transactions are not indexed.
func (b *Blockchain) BlockIndexedBody(types.Hash) ([][]byte, error) {
	return nil, fmt.Errorf("%w: block_indexed_body", ErrUnsupported)
}

// CanonEqualsTo reports whether both indexes agree on the chain pointers and
// the canonical blocks.
func (b *Blockchain) CanonEqualsTo(other *Blockchain) bool {
	if b == other || b.storage == other.storage {
		return true
	}
	theirs := other.snapshot(false)
	return View(b.storage, func(mine *BlockchainStorage) bool {
		return canonEqual(mine, &theirs)
	})
}

// EqualsTo reports whether both indexes hold the same blocks and pointers.
func (b *Blockchain) EqualsTo(other *Blockchain) bool {
	if b == other || b.storage == other.storage {
		return true
	}
	theirs := other.snapshot(true)
	return View(b.storage, func(mine *BlockchainStorage) bool {
		return canonEqual(mine, &theirs) && blocksEqual(mine.Blocks, theirs.Blocks)
	})
}

// snapshot copies the chain pointers and canonical blocks, or all blocks
// when allBlocks is set, so two indexes are never locked at once.
func (b *Blockchain) snapshot(allBlocks bool) BlockchainStorage {
	return View(b.storage, func(s *BlockchainStorage) BlockchainStorage {
		out := BlockchainStorage{
			Blocks:          make(map[types.Hash]StoredBlock, len(s.Hashes)),
			Hashes:          make(map[uint32]types.Hash, len(s.Hashes)),
			BestHash:        s.BestHash,
			BestNumber:      s.BestNumber,
			FinalizedHash:   s.FinalizedHash,
			FinalizedNumber: s.FinalizedNumber,
			GenesisHash:     s.GenesisHash,
		}
		for number, hash := range s.Hashes {
			out.Hashes[number] = hash
			if block, ok := s.Blocks[hash]; ok {
				out.Blocks[hash] = block
			}
		}
		if allBlocks {
			for hash, block := range s.Blocks {
				out.Blocks[hash] = block
			}
		}
		return out
	})
}

func canonEqual(a, b *BlockchainStorage) bool {
	if a.BestHash != b.BestHash || a.BestNumber != b.BestNumber ||
		a.FinalizedHash != b.FinalizedHash || a.FinalizedNumber != b.FinalizedNumber ||
		a.GenesisHash != b.GenesisHash || len(a.Hashes) != len(b.Hashes) {
		return false
	}
	for number, hash := range a.Hashes {
		if b.Hashes[number] != hash {
			return false
		}
		if !storedBlockEqual(a.Blocks[hash], b.Blocks[hash]) {
			return false
		}
	}
	return true
}

func blocksEqual(a, b map[types.Hash]StoredBlock) bool {
	if len(a) != len(b) {
		return false
	}
	for hash, block := range a {
		other, ok := b[hash]
		if !ok || !storedBlockEqual(block, other) {
			return false
		}
	}
	return true
}

func storedBlockEqual(a, b StoredBlock) bool {
	if a.Full != b.Full || !a.Header.Equal(&b.Header) ||
		len(a.Extrinsics) != len(b.Extrinsics) || len(a.Justifications) != len(b.Justifications) {
		return false
	}
	for i := range a.Extrinsics {
		if !bytes.Equal(a.Extrinsics[i], b.Extrinsics[i]) {
			return false
		}
	}
	for i := range a.Justifications {
		if a.Justifications[i].EngineID != b.Justifications[i].EngineID ||
			!bytes.Equal(a.Justifications[i].Data, b.Justifications[i].Data) {
			return false
		}
	}
	return true
}
