package lazyloading

import (
	"bytes"
	"sort"

	"github.com/ethereum/go-ethereum/trie"
	"github.com/tidwall/btree"

	"github.com/moonbeam-foundation/lazyfork/storage/substrate/types"
)

// Transaction is a normalized storage delta: sorted by key, one change per
// key. A change with a nil Value deletes the key.
type Transaction struct {
	Changes []types.StorageChange
}

// IsEmpty reports whether the transaction changes nothing.
func (tx *Transaction) IsEmpty() bool {
	return tx == nil || len(tx.Changes) == 0
}

// NewTransaction normalizes delta. Later changes to the same key win.
func NewTransaction(delta []types.StorageChange) Transaction {
	latest := make(map[string]int, len(delta))
	for i, change := range delta {
		latest[string(change.Key)] = i
	}
	changes := make([]types.StorageChange, 0, len(latest))
	for i, change := range delta {
		if latest[string(change.Key)] != i {
			continue
		}
		c := types.StorageChange{Key: append(types.StorageKey(nil), change.Key...)}
		if change.Value != nil {
			v := append(types.StorageData{}, (*change.Value)...)
			c.Value = &v
		}
		changes = append(changes, c)
	}
	sort.Slice(changes, func(i, j int) bool {
		return bytes.Compare(changes[i].Key, changes[j].Key) < 0
	})
	return Transaction{Changes: changes}
}

// trieStore is the local key/value content of one block lineage. Keys are
// kept in byte-lexicographic order, the same order a Substrate node lists
// storage keys in.
type trieStore struct {
	kv btree.Map[string, []byte]
}

// get returns the value and whether the key is present. Present values are
// never nil, but may be empty.
func (s *trieStore) get(key []byte) ([]byte, bool) {
	return s.kv.Get(string(key))
}

func (s *trieStore) set(key []byte, value []byte) {
	stored := make([]byte, len(value))
	copy(stored, value)
	s.kv.Set(string(key), stored)
}

func (s *trieStore) delete(key []byte) {
	s.kv.Delete(string(key))
}

func (s *trieStore) len() int {
	return s.kv.Len()
}

// next returns the smallest key strictly greater than after that starts
// with prefix.
func (s *trieStore) next(after []byte, prefix []byte) ([]byte, bool) {
	pivot := string(after)
	if bytes.Compare(after, prefix) < 0 {
		pivot = string(prefix)
	}
	var found []byte
	s.kv.Ascend(pivot, func(key string, _ []byte) bool {
		if key == string(after) {
			return true
		}
		if bytes.HasPrefix([]byte(key), prefix) {
			found = []byte(key)
		}
		return false
	})
	return found, found != nil
}

// root computes the state root of the store's content with tx applied,
// without modifying the store.
//
// Entries are inserted into a secure trie: each key is hashed with
// blake2-256 and each value SCALE-encoded, so arbitrary key lengths and
// empty values are representable.
func (s *trieStore) root(tx Transaction) types.Hash {
	type entry struct {
		hashedKey types.Hash
		value     []byte
	}
	entries := make([]entry, 0, s.kv.Len()+len(tx.Changes))
	add := func(key []byte, value []byte) {
		entries = append(entries, entry{hashedKey: types.Blake2_256(key), value: types.AppendBytes(nil, value)})
	}

	// Merge the sorted store with the sorted delta.
	i := 0
	s.kv.Scan(func(key string, value []byte) bool {
		for ; i < len(tx.Changes) && string(tx.Changes[i].Key) < key; i++ {
			if v := tx.Changes[i].Value; v != nil {
				add(tx.Changes[i].Key, *v)
			}
		}
		if i < len(tx.Changes) && string(tx.Changes[i].Key) == key {
			if v := tx.Changes[i].Value; v != nil {
				add(tx.Changes[i].Key, *v)
			}
			i++
			return true
		}
		add([]byte(key), value)
		return true
	})
	for ; i < len(tx.Changes); i++ {
		if v := tx.Changes[i].Value; v != nil {
			add(tx.Changes[i].Key, *v)
		}
	}

	sort.Slice(entries, func(a, b int) bool {
		return bytes.Compare(entries[a].hashedKey[:], entries[b].hashedKey[:]) < 0
	})
	st := trie.NewStackTrie(nil)
	for _, e := range entries {
		// Keys are unique and sorted, and values never empty, so this cannot fail.
		if err := st.Update(e.hashedKey[:], e.value); err != nil {
			panic(err)
		}
	}
	return st.Hash()
}

// apply writes tx into the store and returns the keys it deleted.
func (s *trieStore) apply(tx Transaction) [][]byte {
	var deleted [][]byte
	for _, change := range tx.Changes {
		if change.Value == nil {
			s.delete(change.Key)
			deleted = append(deleted, change.Key)
			continue
		}
		s.set(change.Key, *change.Value)
	}
	return deleted
}
