// Package types contains the Substrate primitives exchanged with a remote
// node: hashes, headers, blocks, justifications and storage entries.
package types

import (
	"bytes"
	"encoding/binary"

	"github.com/cespare/xxhash/v2"
	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/crypto/blake2b"
)

// Hash is a 32-byte Substrate block or state hash. It marshals as 0x-prefixed hex.
type Hash = common.Hash

// ChildStorageKeyPrefix prefixes every top-level key that roots a child trie.
var ChildStorageKeyPrefix = []byte(":child_storage:")

// Blake2_256 returns the 32-byte blake2b digest of data.
func Blake2_256(data []byte) Hash {
	return Hash(blake2b.Sum256(data))
}

// Twox64 is the 64-bit xxhash of data with seed 0, little-endian.
func Twox64(data []byte) []byte {
	return twox(data, 1)
}

// Twox128 is the concatenation of the 64-bit xxhash of data with seeds 0 and 1,
// each little-endian. Used to derive pallet and storage item prefixes.
func Twox128(data []byte) []byte {
	return twox(data, 2)
}

func twox(data []byte, rounds int) []byte {
	out := make([]byte, 0, 8*rounds)
	for seed := 0; seed < rounds; seed++ {
		h := xxhash.NewWithSeed(uint64(seed))
		_, _ = h.Write(data)
		out = binary.LittleEndian.AppendUint64(out, h.Sum64())
	}
	return out
}

// StorageValueKey returns the storage key of a plain storage item:
// twox128(pallet) ++ twox128(item).
func StorageValueKey(pallet, item string) StorageKey {
	key := make([]byte, 0, 32)
	key = append(key, Twox128([]byte(pallet))...)
	key = append(key, Twox128([]byte(item))...)
	return key
}

// IsChildStorageKey reports whether key lives in the child storage namespace.
func IsChildStorageKey(key []byte) bool {
	return bytes.HasPrefix(key, ChildStorageKeyPrefix)
}
