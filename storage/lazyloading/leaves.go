package lazyloading

import (
	"github.com/tidwall/btree"

	"github.com/moonbeam-foundation/lazyfork/storage/substrate/types"
)

// LeafSet tracks the current tips of the block tree, grouped by height.
type LeafSet struct {
	byNumber btree.Map[uint32, []types.Hash]
}

// Import records a new block. Its parent stops being a leaf.
func (ls *LeafSet) Import(hash types.Hash, number uint32, parentHash types.Hash) {
	if number > 0 {
		ls.remove(parentHash, number-1)
	}
	hashes, _ := ls.byNumber.Get(number)
	for _, h := range hashes {
		if h == hash {
			return
		}
	}
	ls.byNumber.Set(number, append(append([]types.Hash(nil), hashes...), hash))
}

func (ls *LeafSet) remove(hash types.Hash, number uint32) {
	hashes, ok := ls.byNumber.Get(number)
	if !ok {
		return
	}
	kept := make([]types.Hash, 0, len(hashes))
	for _, h := range hashes {
		if h != hash {
			kept = append(kept, h)
		}
	}
	if len(kept) == 0 {
		ls.byNumber.Delete(number)
		return
	}
	ls.byNumber.Set(number, kept)
}

// Count returns the number of leaves.
func (ls *LeafSet) Count() int {
	count := 0
	ls.byNumber.Scan(func(_ uint32, hashes []types.Hash) bool {
		count += len(hashes)
		return true
	})
	return count
}

// Hashes returns all leaves, highest first.
func (ls *LeafSet) Hashes() []types.Hash {
	var out []types.Hash
	ls.byNumber.Reverse(func(_ uint32, hashes []types.Hash) bool {
		out = append(out, hashes...)
		return true
	})
	return out
}

// DisplacedByFinalizeHeight returns the leaves strictly below number, which
// finalizing a block at that height would displace, highest first.
func (ls *LeafSet) DisplacedByFinalizeHeight(number uint32) []types.Hash {
	if number == 0 {
		return nil
	}
	var out []types.Hash
	ls.byNumber.Descend(number-1, func(_ uint32, hashes []types.Hash) bool {
		out = append(out, hashes...)
		return true
	})
	return out
}

// Contains reports whether hash is a leaf at the given height.
func (ls *LeafSet) Contains(number uint32, hash types.Hash) bool {
	hashes, _ := ls.byNumber.Get(number)
	for _, h := range hashes {
		if h == hash {
			return true
		}
	}
	return false
}
