package api

import (
	"context"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/moonbeam-foundation/lazyfork/log"
	"github.com/moonbeam-foundation/lazyfork/storage/lazyloading"
	"github.com/moonbeam-foundation/lazyfork/storage/lazyloading/bootstrap"
	"github.com/moonbeam-foundation/lazyfork/storage/substrate/types"
)

// maxKeysPage caps state_getKeysPaged, matching Substrate nodes.
const maxKeysPage = 1000

// ChainService serves the chain_* namespace.
type ChainService struct {
	backend *lazyloading.Backend
}

func (s *ChainService) blockHash(hash *types.Hash) types.Hash {
	if hash == nil {
		return s.backend.Blockchain().Info().BestHash
	}
	return *hash
}

// GetHeader returns the header of the given block, or of the best block.
func (s *ChainService) GetHeader(ctx context.Context, hash *types.Hash) (*types.Header, error) {
	header, err := s.backend.Blockchain().Header(ctx, s.blockHash(hash))
	return header, rpcError(err)
}

// GetBlock returns the given block, or the best block, with its justifications.
func (s *ChainService) GetBlock(ctx context.Context, hash *types.Hash) (*types.SignedBlock, error) {
	h := s.blockHash(hash)
	chain := s.backend.Blockchain()
	header, err := chain.Header(ctx, h)
	if err != nil || header == nil {
		return nil, rpcError(err)
	}
	body, err := chain.Body(ctx, h)
	if err != nil {
		return nil, rpcError(err)
	}
	if body == nil {
		body = []hexutil.Bytes{}
	}
	return &types.SignedBlock{
		Block:          types.Block{Header: *header, Extrinsics: body},
		Justifications: chain.Justifications(h),
	}, nil
}

// GetBlockHash returns the canonical hash at number, or the best hash. Only
// locally imported blocks are known.
func (s *ChainService) GetBlockHash(number *uint32) *types.Hash {
	info := s.backend.Blockchain().Info()
	if number == nil {
		return &info.BestHash
	}
	hash, ok := s.backend.Blockchain().Hash(*number)
	if !ok {
		return nil
	}
	return &hash
}

// GetFinalizedHead returns the hash of the last finalized block.
func (s *ChainService) GetFinalizedHead() types.Hash {
	return s.backend.Blockchain().LastFinalized()
}

// StateService serves the state_* namespace.
type StateService struct {
	backend *lazyloading.Backend
}

func (s *StateService) stateAt(ctx context.Context, at *types.Hash) (*lazyloading.StateView, error) {
	hash := s.backend.Blockchain().Info().BestHash
	if at != nil {
		hash = *at
	}
	return s.backend.StateAt(ctx, hash)
}

// GetStorage returns the value of key at the given block, or at the best block.
func (s *StateService) GetStorage(ctx context.Context, key types.StorageKey, at *types.Hash) (*types.StorageData, error) {
	state, err := s.stateAt(ctx, at)
	if err != nil {
		return nil, rpcError(err)
	}
	value, err := state.Storage(ctx, key)
	if err != nil || value == nil {
		return nil, rpcError(err)
	}
	data := types.StorageData(value)
	return &data, nil
}

// GetStorageHash returns the hash of the value of key.
func (s *StateService) GetStorageHash(ctx context.Context, key types.StorageKey, at *types.Hash) (*types.Hash, error) {
	state, err := s.stateAt(ctx, at)
	if err != nil {
		return nil, rpcError(err)
	}
	hash, err := state.StorageHash(ctx, key)
	return hash, rpcError(err)
}

// GetKeysPaged returns up to count keys with the given prefix, strictly
// after startKey when one is given.
func (s *StateService) GetKeysPaged(ctx context.Context, prefix *types.StorageKey, count uint32, startKey *types.StorageKey, at *types.Hash) ([]types.StorageKey, error) {
	if count > maxKeysPage {
		return nil, rpcError(fmt.Errorf("%w: count exceeds maximum value, got %d, maximum %d", ErrBadRequest, count, maxKeysPage))
	}
	state, err := s.stateAt(ctx, at)
	if err != nil {
		return nil, rpcError(err)
	}

	args := lazyloading.IterArgs{}
	if prefix != nil {
		args.Prefix = *prefix
	}
	if startKey != nil && len(*startKey) > 0 {
		args.StartAt = *startKey
		args.StartAtExclusive = true
	}
	it := state.RawIter(args)

	keys := make([]types.StorageKey, 0, count)
	for uint32(len(keys)) < count {
		key, err := it.NextKey(ctx)
		if err != nil {
			return nil, rpcError(err)
		}
		if key == nil {
			break
		}
		keys = append(keys, append(types.StorageKey(nil), key...))
	}
	return keys, nil
}

// SystemService serves the system_* namespace from the chain spec.
type SystemService struct {
	spec *bootstrap.ChainSpec
}

func (s *SystemService) Chain() string {
	return s.spec.Name
}

func (s *SystemService) Name() string {
	return s.spec.NodeName
}

func (s *SystemService) Properties() types.ChainProperties {
	return s.spec.Properties
}

// Info describes the fork and the traffic it caused so far.
type Info struct {
	ForkBlock      types.Hash            `json:"forkBlock"`
	ForkNumber     uint32                `json:"forkNumber"`
	RemoteRequests uint64                `json:"remoteRequests"`
	Usage          lazyloading.UsageInfo `json:"usage"`
	Chain          lazyloading.Info      `json:"chain"`
}

// LazyLoadingService serves the lazyLoading_* namespace.
type LazyLoadingService struct {
	backend *lazyloading.Backend
}

// Info returns the fork checkpoint, the remote request count and the local
// cache usage.
func (s *LazyLoadingService) Info() Info {
	checkpoint := s.backend.ForkCheckpoint()
	return Info{
		ForkBlock:      checkpoint.Hash(),
		ForkNumber:     uint32(checkpoint.Number),
		RemoteRequests: s.backend.RequestCount(),
		Usage:          s.backend.UsageInfo(),
		Chain:          s.backend.Blockchain().Info(),
	}
}

// DevService serves the dev_* namespace, which authors blocks on demand.
type DevService struct {
	backend *lazyloading.Backend
	logger  *log.Logger

	// Serializes block authoring, so that each block builds on the previous one.
	mu sync.Mutex
}

// NewBlock imports a block on top of the best block that applies changes,
// and returns its hash. The block is finalized unless finalize is false.
func (s *DevService) NewBlock(ctx context.Context, changes []types.StorageChange, finalize *bool) (types.Hash, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, change := range changes {
		if types.IsChildStorageKey(change.Key) {
			return types.Hash{}, rpcError(fmt.Errorf("%w: child storage key %s", lazyloading.ErrUnsupported, change.Key))
		}
	}

	chain := s.backend.Blockchain()
	best := chain.Info().BestHash
	parent, err := chain.Header(ctx, best)
	if err != nil {
		return types.Hash{}, rpcError(err)
	}
	if parent == nil {
		return types.Hash{}, rpcError(fmt.Errorf("%w: best block %s", lazyloading.ErrUnknownBlock, best.Hex()))
	}

	op, err := s.backend.BeginOperation(ctx)
	if err != nil {
		return types.Hash{}, rpcError(err)
	}
	if err = s.backend.BeginStateOperation(ctx, op, best); err != nil {
		return types.Hash{}, rpcError(err)
	}
	header := types.Header{
		ParentHash: best,
		Number:     parent.Number + 1,
		StateRoot:  op.UpdateStorage(changes),
	}
	state := lazyloading.NewBlockStateFinal
	if finalize != nil && !*finalize {
		state = lazyloading.NewBlockStateBest
	}
	if err = op.SetBlockData(header, []hexutil.Bytes{}, nil, state); err != nil {
		return types.Hash{}, rpcError(err)
	}
	if err = s.backend.CommitOperation(op); err != nil {
		return types.Hash{}, rpcError(err)
	}

	hash := header.Hash()
	s.logger.Info("authored block",
		"block_hash", hash,
		"block_number", header.Number,
		"changes", len(changes),
		"state", state,
	)
	return hash, nil
}
