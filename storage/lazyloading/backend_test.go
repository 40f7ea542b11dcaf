package lazyloading

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/stretchr/testify/require"

	"github.com/moonbeam-foundation/lazyfork/log"
	"github.com/moonbeam-foundation/lazyfork/storage/substrate/testutil"
	"github.com/moonbeam-foundation/lazyfork/storage/substrate/types"
)

func newTestLogger(t *testing.T, w io.Writer) *log.Logger {
	logger, err := log.NewLogger("lazyloading-test", w, log.FmtJSON, log.LevelDebug)
	require.NoError(t, err)
	return logger
}

// newTestBackend forks a fake chain of two blocks at its second block.
func newTestBackend(t *testing.T, forkState map[string][]byte) (*Backend, *testutil.FakeChain, types.Hash) {
	fake := testutil.NewFakeChain()
	fake.AddBlock(map[string][]byte{"genesis": {0}})
	checkpoint := fake.AddBlock(forkState)
	backend := NewBackend(fake, checkpoint.Block.Header, newTestLogger(t, io.Discard))
	return backend, fake, checkpoint.Block.Header.Hash()
}

func set(key string, value string) types.StorageChange {
	v := types.StorageData(value)
	return types.StorageChange{Key: types.StorageKey(key), Value: &v}
}

func del(key string) types.StorageChange {
	return types.StorageChange{Key: types.StorageKey(key)}
}

// importBlock commits a block on top of parent that applies changes.
func importBlock(t *testing.T, b *Backend, parent types.Hash, state NewBlockState, changes ...types.StorageChange) types.Hash {
	ctx := context.Background()
	op, err := b.BeginOperation(ctx)
	require.NoError(t, err)
	require.NoError(t, b.BeginStateOperation(ctx, op, parent))

	parentHeader, err := b.Blockchain().Header(ctx, parent)
	require.NoError(t, err)
	require.NotNil(t, parentHeader)

	root := op.UpdateStorage(changes)
	header := types.Header{
		ParentHash: parent,
		Number:     parentHeader.Number + 1,
		StateRoot:  root,
	}
	require.NoError(t, op.SetBlockData(header, []hexutil.Bytes{}, nil, state))
	require.NoError(t, b.CommitOperation(op))
	return header.Hash()
}

func TestZeroHashStateIsPreForkAndEmpty(t *testing.T) {
	ctx := context.Background()
	backend, fake, checkpoint := newTestBackend(t, map[string][]byte{"k": {1}})

	state, err := backend.StateAt(ctx, types.Hash{})
	require.NoError(t, err)
	require.True(t, state.BeforeFork())
	require.Equal(t, checkpoint, state.ForkBlock())
	require.Zero(t, state.UsageInfo().CachedKeys)
	require.Zero(t, state.UsageInfo().RemovedKeys)

	// The zero view is not memoized.
	other, err := backend.StateAt(ctx, types.Hash{})
	require.NoError(t, err)
	require.NotSame(t, state, other)

	// It reads at the fork block without caching.
	for i := 0; i < 2; i++ {
		value, err := state.Storage(ctx, []byte("k"))
		require.NoError(t, err)
		require.Equal(t, []byte{1}, value)
	}
	require.Equal(t, 2, fake.Calls("state_getStorage"))
	require.Zero(t, state.UsageInfo().CachedKeys)
}

func TestStateAtWalksParentsIteratively(t *testing.T) {
	ctx := context.Background()
	backend, fake, checkpoint := newTestBackend(t, map[string][]byte{"k": {1}})
	// The remote chain moves on after the fork.
	second := fake.AddBlock(map[string][]byte{"k": {2}}).Block.Header.Hash()
	third := fake.AddBlock(map[string][]byte{"k": {3}}).Block.Header.Hash()

	state, err := backend.StateAt(ctx, third)
	require.NoError(t, err)
	require.False(t, state.BeforeFork())
	require.Equal(t, third, *state.BlockHash())

	parent, err := backend.StateAt(ctx, second)
	require.NoError(t, err)
	require.False(t, parent.BeforeFork())
	require.Same(t, parent.db, state.db)
	require.Same(t, parent.removedKeys, state.removedKeys)

	fork, err := backend.StateAt(ctx, checkpoint)
	require.NoError(t, err)
	require.True(t, fork.BeforeFork())
	require.Same(t, fork.db, state.db)

	// Memoized: no further remote lookups.
	fake.ResetCalls()
	again, err := backend.StateAt(ctx, third)
	require.NoError(t, err)
	require.Same(t, state, again)
	require.Zero(t, fake.RequestCount())

	// Post-fork views read at the fork block, not at their own block.
	value, err := state.Storage(ctx, []byte("k"))
	require.NoError(t, err)
	require.Equal(t, []byte{1}, value)
}

func TestStateAtUnknownBlock(t *testing.T) {
	backend, _, _ := newTestBackend(t, nil)

	_, err := backend.StateAt(context.Background(), types.Hash{0xde, 0xad})
	require.ErrorIs(t, err, ErrUnknownBlock)
}

func TestCommitOperationOrder(t *testing.T) {
	ctx := context.Background()
	backend, _, checkpoint := newTestBackend(t, map[string][]byte{"k": {1}})
	first := importBlock(t, backend, checkpoint, NewBlockStateBest, set("a", "1"))

	op, err := backend.BeginOperation(ctx)
	require.NoError(t, err)
	require.NoError(t, backend.BeginStateOperation(ctx, op, first))
	justification := types.Justification{EngineID: types.GrandpaEngineID, Data: []byte{7}}
	op.MarkFinalized(first, &justification)
	op.InsertAux(AuxOp{Key: []byte("aux"), Value: []byte("v")})
	header := types.Header{ParentHash: first, Number: 3, StateRoot: types.Hash{1}}
	require.NoError(t, op.SetBlockData(header, nil, nil, NewBlockStateNormal))
	require.NoError(t, backend.CommitOperation(op))

	info := backend.Blockchain().Info()
	require.Equal(t, first, info.FinalizedHash)
	require.Equal(t, uint32(2), info.FinalizedNumber)
	require.Equal(t, first, info.BestHash)
	require.Equal(t, types.Justifications{justification}, backend.Blockchain().Justifications(first))

	value, ok := backend.GetAux([]byte("aux"))
	require.True(t, ok)
	require.Equal(t, []byte("v"), value)

	second := header.Hash()
	require.Equal(t, BlockStatusInChain, backend.Blockchain().Status(second))
	require.Equal(t, []types.Hash{second}, backend.Blockchain().Leaves())

	// Header-only imports have no local body.
	_, err = backend.Blockchain().Body(ctx, second)
	require.NoError(t, err)

	op, err = backend.BeginOperation(ctx)
	require.NoError(t, err)
	require.NoError(t, op.MarkHead(second))
	require.NoError(t, backend.CommitOperation(op))
	require.Equal(t, second, backend.Blockchain().Info().BestHash)
	require.Equal(t, uint32(3), backend.Blockchain().Info().BestNumber)
}

func TestCommitOperationUnknownFinalization(t *testing.T) {
	ctx := context.Background()
	backend, _, checkpoint := newTestBackend(t, nil)

	op, err := backend.BeginOperation(ctx)
	require.NoError(t, err)
	op.MarkFinalized(types.Hash{0x42}, nil)
	require.NoError(t, op.SetBlockData(types.Header{ParentHash: checkpoint, Number: 2}, nil, nil, NewBlockStateBest))
	require.ErrorIs(t, backend.CommitOperation(op), ErrUnknownBlock)

	// Nothing after the failed finalization was applied.
	require.Zero(t, backend.Blockchain().Info().NumberLeaves)
}

func TestOperationMisuse(t *testing.T) {
	ctx := context.Background()
	backend, _, _ := newTestBackend(t, nil)

	op, err := backend.BeginOperation(ctx)
	require.NoError(t, err)
	require.NoError(t, op.SetBlockData(types.Header{Number: 1}, nil, nil, NewBlockStateNormal))
	require.ErrorIs(t, op.SetBlockData(types.Header{Number: 2}, nil, nil, NewBlockStateNormal), ErrOperation)
	require.ErrorIs(t, op.MarkHead(types.Hash{1}), ErrOperation)
}

func TestGenesisState(t *testing.T) {
	ctx := context.Background()
	backend, _, _ := newTestBackend(t, nil)

	op, err := backend.BeginOperation(ctx)
	require.NoError(t, err)

	_, err = op.SetGenesisState(GenesisStorage{Top: map[string][]byte{":child_storage:default:x": {1}}}, true)
	require.ErrorIs(t, err, ErrInvalidState)
	_, err = op.SetGenesisState(GenesisStorage{ChildrenDefault: map[string]map[string][]byte{"plain": {}}}, true)
	require.ErrorIs(t, err, ErrInvalidState)
	_, err = op.ResetStorage(GenesisStorage{ChildrenDefault: map[string]map[string][]byte{":child_storage:default:x": {}}})
	require.ErrorIs(t, err, ErrUnsupported)

	// Without commit nothing is staged.
	root, err := op.SetGenesisState(GenesisStorage{Top: map[string][]byte{"a": {1}}}, false)
	require.NoError(t, err)
	require.Nil(t, op.newState)

	committed, err := op.SetGenesisState(GenesisStorage{Top: map[string][]byte{"a": {1}}}, true)
	require.NoError(t, err)
	require.Equal(t, root, committed)
	require.NotNil(t, op.newState)

	genesis := types.Header{StateRoot: root}
	require.NoError(t, op.SetBlockData(genesis, []hexutil.Bytes{}, nil, NewBlockStateFinal))
	require.NoError(t, backend.CommitOperation(op))

	info := backend.Blockchain().Info()
	require.Equal(t, genesis.Hash(), info.GenesisHash)
	require.Equal(t, genesis.Hash(), info.FinalizedHash)

	state, err := backend.StateAt(ctx, genesis.Hash())
	require.NoError(t, err)
	value, err := state.Storage(ctx, []byte("a"))
	require.NoError(t, err)
	require.Equal(t, []byte{1}, value)
}

func TestUpdateStorageMergesDeltas(t *testing.T) {
	ctx := context.Background()
	backend, _, checkpoint := newTestBackend(t, nil)

	op, err := backend.BeginOperation(ctx)
	require.NoError(t, err)
	require.NoError(t, backend.BeginStateOperation(ctx, op, checkpoint))
	op.UpdateStorage([]types.StorageChange{set("a", "1"), set("b", "2")})
	root := op.UpdateStorage([]types.StorageChange{del("b"), set("c", "3")})

	expected, _ := op.State().StorageRoot([]types.StorageChange{set("a", "1"), set("c", "3")})
	require.Equal(t, expected, root)
	require.Len(t, op.newState.Changes, 3)
}

func TestPinsMayGoNegative(t *testing.T) {
	backend, _, checkpoint := newTestBackend(t, nil)

	backend.UnpinBlock(checkpoint)
	backend.UnpinBlock(checkpoint)
	require.Equal(t, int64(-2), backend.PinCount(checkpoint))
	require.NoError(t, backend.PinBlock(checkpoint))
	require.Equal(t, int64(-1), backend.PinCount(checkpoint))
}

func TestNoOpsAndFlags(t *testing.T) {
	backend, _, checkpoint := newTestBackend(t, nil)

	number, reverted, err := backend.Revert(10, true)
	require.NoError(t, err)
	require.Zero(t, number)
	require.Empty(t, reverted)
	require.NoError(t, backend.RemoveLeafBlock(checkpoint))
	require.False(t, backend.RequiresFullSync())
	forkCheckpoint := backend.ForkCheckpoint()
	require.Equal(t, checkpoint, forkCheckpoint.Hash())
	require.NotNil(t, backend.ImportLock())
}

func TestBackendAux(t *testing.T) {
	backend, _, _ := newTestBackend(t, nil)

	require.NoError(t, backend.InsertAux([]AuxOp{{Key: []byte("a"), Value: []byte("1")}, {Key: []byte("b"), Value: []byte("2")}}, [][]byte{[]byte("a")}))
	_, ok := backend.GetAux([]byte("a"))
	require.False(t, ok)
	value, ok := backend.GetAux([]byte("b"))
	require.True(t, ok)
	require.Equal(t, []byte("2"), value)
}

func TestBackendUsageInfo(t *testing.T) {
	ctx := context.Background()
	backend, fake, checkpoint := newTestBackend(t, map[string][]byte{"k": {1}})
	child := importBlock(t, backend, checkpoint, NewBlockStateBest, set("a", "1"), del("gone"))

	state, err := backend.StateAt(ctx, child)
	require.NoError(t, err)
	_, err = state.Storage(ctx, []byte("k"))
	require.NoError(t, err)
	_, err = state.Storage(ctx, []byte("a"))
	require.NoError(t, err)

	usage := backend.UsageInfo()
	require.Equal(t, 2, usage.CachedKeys)
	require.Equal(t, 1, usage.RemovedKeys)
	require.Equal(t, uint64(1), usage.LocalReads)
	require.Equal(t, uint64(1), usage.RemoteReads)
	require.Equal(t, fake.RequestCount(), backend.RequestCount())
}

func TestCommitDebugLog(t *testing.T) {
	var buf bytes.Buffer
	fake := testutil.NewFakeChain()
	checkpoint := fake.AddBlock(nil)
	backend := NewBackend(fake, checkpoint.Block.Header, newTestLogger(t, &buf))

	importBlock(t, backend, checkpoint.Block.Header.Hash(), NewBlockStateBest, set("a", "1"))
	require.Contains(t, buf.String(), `"msg":"imported block"`)
	require.Contains(t, buf.String(), `"state":"best"`)
	require.Contains(t, buf.String(), `"changes":1`)
}

func TestBeginStateOperationUnknownBlock(t *testing.T) {
	ctx := context.Background()
	backend, fake, _ := newTestBackend(t, nil)
	fake.Fail("chain_getBlock", errors.New("boom"))

	op, err := backend.BeginOperation(ctx)
	require.NoError(t, err)
	require.ErrorIs(t, backend.BeginStateOperation(ctx, op, types.Hash{0x01}), ErrUnknownBlock)
}
