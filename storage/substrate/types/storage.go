package types

import (
	"encoding/json"
	"fmt"

	"github.com/ethereum/go-ethereum/common/hexutil"
)

// StorageKey is a raw top-level storage key.
type StorageKey = hexutil.Bytes

// StorageData is a raw storage value.
type StorageData = hexutil.Bytes

// StorageChange is a key and its value at some block; a nil Value means the
// key is absent.
type StorageChange struct {
	Key   StorageKey
	Value *StorageData
}

// MarshalJSON encodes the change as ["0xkey", "0xvalue"|null].
func (c StorageChange) MarshalJSON() ([]byte, error) {
	return json.Marshal([]interface{}{c.Key, c.Value})
}

// UnmarshalJSON implements json.Unmarshaler.
func (c *StorageChange) UnmarshalJSON(raw []byte) error {
	var pair []json.RawMessage
	if err := json.Unmarshal(raw, &pair); err != nil {
		return err
	}
	if len(pair) != 2 {
		return fmt.Errorf("storage change: expected [key, value], got %d elements", len(pair))
	}
	if err := json.Unmarshal(pair[0], &c.Key); err != nil {
		return fmt.Errorf("storage change key: %w", err)
	}
	c.Value = nil
	if err := json.Unmarshal(pair[1], &c.Value); err != nil {
		return fmt.Errorf("storage change value: %w", err)
	}
	return nil
}

// StorageChangeSet is one entry of a state_queryStorageAt response.
type StorageChangeSet struct {
	Block   Hash            `json:"block"`
	Changes []StorageChange `json:"changes"`
}

// ChainProperties is the free-form system_properties map.
type ChainProperties map[string]interface{}
