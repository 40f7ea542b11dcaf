package lazyloading

import (
	"bytes"
	"context"
)

// IterArgs selects the keys a RawIter visits.
type IterArgs struct {
	// Prefix restricts iteration to keys starting with it.
	Prefix []byte
	// StartAt is the first key to consider. Iteration starts at Prefix when unset.
	StartAt []byte
	// StartAtExclusive skips StartAt itself.
	StartAtExclusive bool
}

// RawIter visits keys of a state view in ascending byte order. The first
// key outside the prefix ends the iteration.
type RawIter struct {
	view      *StateView
	prefix    []byte
	current   []byte
	inclusive bool

	done     bool
	complete bool
}

// NextKey returns the next key, or nil once iteration has ended.
func (it *RawIter) NextKey(ctx context.Context) ([]byte, error) {
	if it.done {
		return nil, nil
	}

	// Without a start key the listings below already include the prefix
	// itself, so only an explicit start key is looked up.
	if it.inclusive {
		it.inclusive = false
		if it.current != nil && bytes.HasPrefix(it.current, it.prefix) {
			value, err := it.view.Storage(ctx, it.current)
			if err != nil {
				it.done = true
				return nil, err
			}
			if value != nil {
				return it.current, nil
			}
		}
	}

	next, err := it.view.nextKey(ctx, it.current, it.prefix)
	if err != nil {
		it.done = true
		it.view.warnRemote("failed to fetch next key during iteration", it.current, err)
		return nil, err
	}
	if next == nil {
		it.done, it.complete = true, true
		return nil, nil
	}
	it.current = next
	return next, nil
}

// NextPair returns the next key and its value, or nils once iteration has
// ended. A key whose value cannot be read ends the iteration incomplete.
func (it *RawIter) NextPair(ctx context.Context) ([]byte, []byte, error) {
	key, err := it.NextKey(ctx)
	if err != nil || key == nil {
		return nil, nil, err
	}
	value, err := it.view.Storage(ctx, key)
	if err != nil {
		it.done = true
		return nil, nil, err
	}
	if value == nil {
		it.done = true
		return nil, nil, nil
	}
	return key, value, nil
}

// WasComplete reports whether the iterator visited every key in range.
func (it *RawIter) WasComplete() bool {
	return it.complete
}
