package types

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common/hexutil"
)

// BlockNumber is a Substrate block number. Nodes serialize it as a hex
// string, but plain JSON numbers are accepted too.
type BlockNumber uint32

// MarshalJSON implements json.Marshaler.
func (n BlockNumber) MarshalJSON() ([]byte, error) {
	return json.Marshal(hexutil.EncodeUint64(uint64(n)))
}

// UnmarshalJSON implements json.Unmarshaler.
func (n *BlockNumber) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	base := 10
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		s, base = s[2:], 16
	}
	v, err := strconv.ParseUint(s, base, 32)
	if err != nil {
		return fmt.Errorf("invalid block number %s: %w", data, err)
	}
	*n = BlockNumber(v)
	return nil
}

// Digest holds the SCALE-encoded digest items of a header.
type Digest struct {
	Logs []hexutil.Bytes `json:"logs"`
}

// Header is a Substrate block header as returned by chain_getHeader.
type Header struct {
	ParentHash     Hash        `json:"parentHash"`
	Number         BlockNumber `json:"number"`
	StateRoot      Hash        `json:"stateRoot"`
	ExtrinsicsRoot Hash        `json:"extrinsicsRoot"`
	Digest         Digest      `json:"digest"`
}

// Encode returns the SCALE encoding of the header.
func (h *Header) Encode() []byte {
	buf := make([]byte, 0, 3*32+5+len(h.Digest.Logs)*64)
	buf = append(buf, h.ParentHash[:]...)
	buf = AppendCompact(buf, uint64(h.Number))
	buf = append(buf, h.StateRoot[:]...)
	buf = append(buf, h.ExtrinsicsRoot[:]...)
	buf = AppendCompact(buf, uint64(len(h.Digest.Logs)))
	for _, item := range h.Digest.Logs {
		buf = append(buf, item...)
	}
	return buf
}

// Hash returns the block hash: blake2b-256 of the SCALE-encoded header.
func (h *Header) Hash() Hash {
	return Blake2_256(h.Encode())
}

// Equal reports whether two headers encode identically.
func (h *Header) Equal(o *Header) bool {
	if h == nil || o == nil {
		return h == o
	}
	return bytes.Equal(h.Encode(), o.Encode())
}

// Block is a header with its opaque extrinsics.
type Block struct {
	Header     Header          `json:"header"`
	Extrinsics []hexutil.Bytes `json:"extrinsics"`
}

// SignedBlock is the chain_getBlock response: a block and its justifications.
type SignedBlock struct {
	Block          Block          `json:"block"`
	Justifications Justifications `json:"justifications"`
}
