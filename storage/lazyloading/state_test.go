package lazyloading

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/moonbeam-foundation/lazyfork/storage/substrate/types"
)

// postForkState imports an empty block on top of the checkpoint and returns
// its state.
func postForkState(t *testing.T, forkState map[string][]byte) (*StateView, *Backend, types.Hash) {
	backend, _, checkpoint := newTestBackend(t, forkState)
	hash := importBlock(t, backend, checkpoint, NewBlockStateBest)
	state, err := backend.StateAt(context.Background(), hash)
	require.NoError(t, err)
	require.False(t, state.BeforeFork())
	return state, backend, hash
}

func TestStorageMissIsFetchedOnce(t *testing.T) {
	ctx := context.Background()
	state, backend, _ := postForkState(t, map[string][]byte{"k": {1, 2}})
	fake := backend.env.client.(interface{ Calls(string) int })

	for i := 0; i < 3; i++ {
		value, err := state.Storage(ctx, []byte("k"))
		require.NoError(t, err)
		require.Equal(t, []byte{1, 2}, value)
	}
	require.Equal(t, 1, fake.Calls("state_getStorage"))

	cached, ok := state.localGet([]byte("k"))
	require.True(t, ok)
	require.Equal(t, []byte{1, 2}, cached)
}

func TestDeletedKeyIsTombstoned(t *testing.T) {
	ctx := context.Background()
	state, backend, parent := postForkState(t, map[string][]byte{"k": {1}})

	value, err := state.Storage(ctx, []byte("k"))
	require.NoError(t, err)
	require.Equal(t, []byte{1}, value)

	child := importBlock(t, backend, parent, NewBlockStateBest, del("k"))
	childState, err := backend.StateAt(ctx, child)
	require.NoError(t, err)
	require.True(t, childState.isRemoved([]byte("k")))

	fake := backend.env.client.(interface{ Calls(string) int })
	value, err = childState.Storage(ctx, []byte("k"))
	require.NoError(t, err)
	require.Nil(t, value)
	hash, err := childState.StorageHash(ctx, []byte("k"))
	require.NoError(t, err)
	require.Nil(t, hash)
	require.Equal(t, 1, fake.Calls("state_getStorage"))
	require.Zero(t, fake.Calls("state_getStorageHash"))

	// The remote node still lists the key, but it is skipped.
	next, err := childState.NextStorageKey(ctx, []byte("a"))
	require.NoError(t, err)
	require.Nil(t, next)
}

func TestTombstoneOverridesRemote(t *testing.T) {
	ctx := context.Background()
	state, backend, parent := postForkState(t, map[string][]byte{"k": {1}})

	// Never read before deletion: the remote node still has the key.
	child := importBlock(t, backend, parent, NewBlockStateBest, del("k"))
	childState, err := backend.StateAt(ctx, child)
	require.NoError(t, err)

	before := backend.RequestCount()
	value, err := childState.Storage(ctx, []byte("k"))
	require.NoError(t, err)
	require.Nil(t, value)
	require.Equal(t, before, backend.RequestCount())

	// Views share their lineage cache.
	value, err = state.Storage(ctx, []byte("k"))
	require.NoError(t, err)
	require.Nil(t, value)

	// A later write wins over the tombstone.
	grandchild := importBlock(t, backend, child, NewBlockStateBest, set("k", "again"))
	grandchildState, err := backend.StateAt(ctx, grandchild)
	require.NoError(t, err)
	value, err = grandchildState.Storage(ctx, []byte("k"))
	require.NoError(t, err)
	require.Equal(t, []byte("again"), value)
}

func TestRemoteReadsArePinnedToForkBlock(t *testing.T) {
	ctx := context.Background()
	backend, fake, checkpoint := newTestBackend(t, map[string][]byte{"k": {1}})
	first := importBlock(t, backend, checkpoint, NewBlockStateBest)

	// The remote chain advances and changes the key.
	fake.AddBlock(map[string][]byte{"k": {9}})

	other := NewBackend(fake, backend.ForkCheckpoint(), newTestLogger(t, io.Discard))
	second := importBlock(t, other, checkpoint, NewBlockStateBest)

	for _, b := range []struct {
		backend *Backend
		hash    types.Hash
	}{{backend, first}, {other, second}} {
		state, err := b.backend.StateAt(ctx, b.hash)
		require.NoError(t, err)
		value, err := state.Storage(ctx, []byte("k"))
		require.NoError(t, err)
		require.Equal(t, []byte{1}, value)
	}
}

func TestCachedReadsNeverRegress(t *testing.T) {
	ctx := context.Background()
	state, backend, parent := postForkState(t, map[string][]byte{"k": {1}})
	fake := backend.env.client.(interface {
		SetStorage(types.Hash, []byte, []byte)
	})

	value, err := state.Storage(ctx, []byte("k"))
	require.NoError(t, err)
	require.Equal(t, []byte{1}, value)

	fake.SetStorage(state.ForkBlock(), []byte("k"), []byte{2})

	child := importBlock(t, backend, parent, NewBlockStateBest, set("other", "x"))
	childState, err := backend.StateAt(ctx, child)
	require.NoError(t, err)
	for _, view := range []*StateView{state, childState} {
		value, err := view.Storage(ctx, []byte("k"))
		require.NoError(t, err)
		require.Equal(t, []byte{1}, value)
	}
}

func TestRemoteAbsenceIsTombstoned(t *testing.T) {
	ctx := context.Background()
	state, backend, _ := postForkState(t, map[string][]byte{"k": {1}})

	value, err := state.Storage(ctx, []byte("missing"))
	require.NoError(t, err)
	require.Nil(t, value)
	require.True(t, state.isRemoved([]byte("missing")))

	hash, err := state.StorageHash(ctx, []byte("missing-too"))
	require.NoError(t, err)
	require.Nil(t, hash)
	require.True(t, state.isRemoved([]byte("missing-too")))

	before := backend.RequestCount()
	_, err = state.Storage(ctx, []byte("missing-too"))
	require.NoError(t, err)
	require.Equal(t, before, backend.RequestCount())
}

func TestRemoteFailureDegradesToAbsence(t *testing.T) {
	ctx := context.Background()
	state, backend, _ := postForkState(t, map[string][]byte{"k": {1}})
	fake := backend.env.client.(interface{ Fail(string, error) })

	fake.Fail("state_getStorage", errors.New("429 too many requests"))
	value, err := state.Storage(ctx, []byte("k"))
	require.NoError(t, err)
	require.Nil(t, value)
	require.False(t, state.isRemoved([]byte("k")), "failures must not be cached")

	fake.Fail("state_getStorage", nil)
	value, err = state.Storage(ctx, []byte("k"))
	require.NoError(t, err)
	require.Equal(t, []byte{1}, value)

	fake.Fail("state_getKeysPaged", errors.New("timeout"))
	next, err := state.NextStorageKey(ctx, []byte("a"))
	require.NoError(t, err)
	require.Nil(t, next)
}

func TestStorageHash(t *testing.T) {
	ctx := context.Background()
	state, backend, parent := postForkState(t, map[string][]byte{"k": {1}})

	hash, err := state.StorageHash(ctx, []byte("k"))
	require.NoError(t, err)
	require.Equal(t, types.Blake2_256([]byte{1}), *hash)

	child := importBlock(t, backend, parent, NewBlockStateBest, set("local", "v"))
	childState, err := backend.StateAt(ctx, child)
	require.NoError(t, err)
	before := backend.RequestCount()
	hash, err = childState.StorageHash(ctx, []byte("local"))
	require.NoError(t, err)
	require.Equal(t, types.Blake2_256([]byte("v")), *hash)
	require.Equal(t, before, backend.RequestCount())
}

func TestCanceledContextPropagates(t *testing.T) {
	state, backend, _ := postForkState(t, map[string][]byte{"k": {1}})
	fake := backend.env.client.(interface{ Fail(string, error) })
	fake.Fail("state_getStorage", context.Canceled)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := state.Storage(ctx, []byte("k"))
	require.ErrorIs(t, err, context.Canceled)
}

func TestPreForkViewDoesNotCache(t *testing.T) {
	ctx := context.Background()
	backend, fake, checkpoint := newTestBackend(t, map[string][]byte{"k": {1}})

	state, err := backend.StateAt(ctx, checkpoint)
	require.NoError(t, err)
	require.True(t, state.BeforeFork())

	for i := 0; i < 2; i++ {
		value, err := state.Storage(ctx, []byte("k"))
		require.NoError(t, err)
		require.Equal(t, []byte{1}, value)
		hash, err := state.StorageHash(ctx, []byte("k"))
		require.NoError(t, err)
		require.Equal(t, types.Blake2_256([]byte{1}), *hash)
	}
	require.Equal(t, 2, fake.Calls("state_getStorage"))
	require.Equal(t, 2, fake.Calls("state_getStorageHash"))
	require.Zero(t, state.UsageInfo().CachedKeys)

	next, err := state.NextStorageKey(ctx, []byte("a"))
	require.NoError(t, err)
	require.Equal(t, []byte("k"), next)
}

func TestUnsupportedOperations(t *testing.T) {
	ctx := context.Background()
	state, _, _ := postForkState(t, nil)

	_, err := state.ClosestMerkleValue(ctx, []byte("k"))
	require.ErrorIs(t, err, ErrUnsupported)
	_, err = state.ChildClosestMerkleValue(ctx, []byte("child"), []byte("k"))
	require.ErrorIs(t, err, ErrUnsupported)
	_, err = state.ChildStorage(ctx, []byte("child"), []byte("k"))
	require.ErrorIs(t, err, ErrUnsupported)
	_, err = state.ChildStorageHash(ctx, []byte("child"), []byte("k"))
	require.ErrorIs(t, err, ErrUnsupported)
	_, err = state.NextChildStorageKey(ctx, []byte("child"), []byte("k"))
	require.ErrorIs(t, err, ErrUnsupported)
	_, _, err = state.ChildStorageRoot([]byte("child"), nil)
	require.ErrorIs(t, err, ErrUnsupported)
	require.ErrorIs(t, state.AsTrieBackend(), ErrUnsupported)
	require.Contains(t, state.AsTrieBackend().Error(), "not implemented for lazy-loading backend")
}

func TestStorageRootUsesLocalStateOnly(t *testing.T) {
	ctx := context.Background()
	state, backend, _ := postForkState(t, map[string][]byte{"k": {1}})

	before := backend.RequestCount()
	root, tx := state.StorageRoot([]types.StorageChange{set("b", "2"), set("a", "1"), set("b", "3")})
	require.Equal(t, before, backend.RequestCount())
	require.Equal(t, []types.StorageChange{set("a", "1"), set("b", "3")}, tx.Changes)

	// Caching a remote value changes the local root.
	_, err := state.Storage(ctx, []byte("k"))
	require.NoError(t, err)
	rootAfter, _ := state.StorageRoot([]types.StorageChange{set("b", "3"), set("a", "1")})
	require.NotEqual(t, root, rootAfter)
}

func prefixedState() map[string][]byte {
	state := map[string][]byte{"o1": {0}, "q1": {0}}
	for i := 1; i <= 12; i++ {
		state[fmt.Sprintf("p%02d", i)] = []byte{byte(i)}
	}
	return state
}

func collectKeys(t *testing.T, it *RawIter) [][]byte {
	var keys [][]byte
	for {
		key, err := it.NextKey(context.Background())
		require.NoError(t, err)
		if key == nil {
			return keys
		}
		keys = append(keys, key)
	}
}

func requireStrictlyIncreasing(t *testing.T, keys [][]byte, prefix []byte) {
	for i, key := range keys {
		require.True(t, bytes.HasPrefix(key, prefix), "key %q outside prefix %q", key, prefix)
		if i > 0 {
			require.Equal(t, 1, bytes.Compare(key, keys[i-1]), "keys out of order: %q after %q", key, keys[i-1])
		}
	}
}

func TestPrefixIterationIsClosed(t *testing.T) {
	state, backend, _ := postForkState(t, prefixedState())
	fake := backend.env.client.(interface {
		Calls(string) int
		ResetCalls()
	})

	it := state.RawIter(IterArgs{Prefix: []byte("p")})
	keys := collectKeys(t, it)
	require.True(t, it.WasComplete())
	require.Len(t, keys, 12)
	requireStrictlyIncreasing(t, keys, []byte("p"))
	require.Equal(t, []byte("p01"), keys[0])
	require.Equal(t, []byte("p12"), keys[11])

	// Listed pages are remembered: a second scan only asks for the first
	// page and the page after the last key.
	fake.ResetCalls()
	keys = collectKeys(t, state.RawIter(IterArgs{Prefix: []byte("p")}))
	require.Len(t, keys, 12)
	require.Equal(t, 2, fake.Calls("state_getKeysPaged"))
}

func TestIterationWithoutStartKeyListsOnly(t *testing.T) {
	state, backend, _ := postForkState(t, prefixedState())
	fake := backend.env.client.(interface {
		Calls(string) int
		ResetCalls()
	})

	fake.ResetCalls()
	keys := collectKeys(t, state.RawIter(IterArgs{Prefix: []byte("p")}))
	require.Len(t, keys, 12)
	keys = collectKeys(t, state.RawIter(IterArgs{}))
	require.Len(t, keys, 14)
	require.Equal(t, []byte("o1"), keys[0])
	requireStrictlyIncreasing(t, keys, nil)

	require.Zero(t, fake.Calls("state_getStorage"))
	require.Zero(t, state.UsageInfo().RemovedKeys)
}

func TestIterationIncludesPrefixKey(t *testing.T) {
	state := prefixedState()
	state["p"] = []byte{0xff}
	view, _, _ := postForkState(t, state)

	keys := collectKeys(t, view.RawIter(IterArgs{Prefix: []byte("p")}))
	require.Len(t, keys, 13)
	require.Equal(t, []byte("p"), keys[0])
}

func TestIterationMergesLocalChanges(t *testing.T) {
	ctx := context.Background()
	_, backend, parent := postForkState(t, prefixedState())
	child := importBlock(t, backend, parent, NewBlockStateBest, set("p05a", "new"), del("p03"), set("p00", "first"))
	state, err := backend.StateAt(ctx, child)
	require.NoError(t, err)

	it := state.RawIter(IterArgs{Prefix: []byte("p")})
	var pairs []string
	for {
		key, value, err := it.NextPair(ctx)
		require.NoError(t, err)
		if key == nil {
			break
		}
		pairs = append(pairs, fmt.Sprintf("%s=%x", key, value))
	}
	require.True(t, it.WasComplete())
	require.Equal(t, []string{
		"p00=6669727374", "p01=01", "p02=02", "p04=04", "p05=05", "p05a=6e6577",
		"p06=06", "p07=07", "p08=08", "p09=09", "p10=0a", "p11=0b", "p12=0c",
	}, pairs)
}

func TestIterationStartAt(t *testing.T) {
	state, _, _ := postForkState(t, prefixedState())

	keys := collectKeys(t, state.RawIter(IterArgs{Prefix: []byte("p"), StartAt: []byte("p10")}))
	require.Equal(t, [][]byte{[]byte("p10"), []byte("p11"), []byte("p12")}, keys)

	keys = collectKeys(t, state.RawIter(IterArgs{Prefix: []byte("p"), StartAt: []byte("p10"), StartAtExclusive: true}))
	require.Equal(t, [][]byte{[]byte("p11"), []byte("p12")}, keys)

	// Without a prefix the whole state is visited.
	keys = collectKeys(t, state.RawIter(IterArgs{StartAt: []byte("p12"), StartAtExclusive: true}))
	require.Equal(t, [][]byte{[]byte("q1")}, keys)
}

func TestIterationStopsIncompleteOnFailure(t *testing.T) {
	ctx := context.Background()
	state, backend, _ := postForkState(t, prefixedState())
	fake := backend.env.client.(interface{ Fail(string, error) })
	fake.Fail("state_getKeysPaged", errors.New("boom"))

	it := state.RawIter(IterArgs{Prefix: []byte("p")})
	key, err := it.NextKey(ctx)
	require.Error(t, err)
	require.Nil(t, key)
	require.False(t, it.WasComplete())

	key, err = it.NextKey(ctx)
	require.NoError(t, err)
	require.Nil(t, key)
}

func TestNextStorageKey(t *testing.T) {
	ctx := context.Background()
	state, _, _ := postForkState(t, prefixedState())

	next, err := state.NextStorageKey(ctx, []byte("o1"))
	require.NoError(t, err)
	require.Equal(t, []byte("p01"), next)

	next, err = state.NextStorageKey(ctx, []byte("p12"))
	require.NoError(t, err)
	require.Equal(t, []byte("q1"), next)

	next, err = state.NextStorageKey(ctx, []byte("q1"))
	require.NoError(t, err)
	require.Nil(t, next)
}
