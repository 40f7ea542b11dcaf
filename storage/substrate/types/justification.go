package types

import (
	"encoding/json"
	"fmt"

	"github.com/ethereum/go-ethereum/common/hexutil"
)

// ConsensusEngineID identifies the consensus engine a justification belongs to.
type ConsensusEngineID [4]byte

// GrandpaEngineID is the engine id of GRANDPA finality proofs.
var GrandpaEngineID = ConsensusEngineID{'F', 'R', 'N', 'K'}

func (id ConsensusEngineID) String() string {
	return string(id[:])
}

// Justification is an encoded finality proof tagged with its engine.
type Justification struct {
	EngineID ConsensusEngineID
	Data     []byte
}

// MarshalJSON encodes the justification the way Substrate's serde does:
// [[e0,e1,e2,e3],[d0,d1,...]].
func (j Justification) MarshalJSON() ([]byte, error) {
	return json.Marshal([]interface{}{byteList(j.EngineID[:]), byteList(j.Data)})
}

// encoding/json turns []byte into base64; Substrate expects a number array.
func byteList(b []byte) []uint16 {
	out := make([]uint16, len(b))
	for i, v := range b {
		out[i] = uint16(v)
	}
	return out
}

// UnmarshalJSON accepts the engine id and data as byte arrays or hex strings.
func (j *Justification) UnmarshalJSON(raw []byte) error {
	var pair []json.RawMessage
	if err := json.Unmarshal(raw, &pair); err != nil {
		return err
	}
	if len(pair) != 2 {
		return fmt.Errorf("justification: expected [engine_id, data], got %d elements", len(pair))
	}
	engine, err := decodeByteList(pair[0])
	if err != nil {
		return fmt.Errorf("justification engine id: %w", err)
	}
	if len(engine) != len(j.EngineID) {
		return fmt.Errorf("justification engine id: expected 4 bytes, got %d", len(engine))
	}
	data, err := decodeByteList(pair[1])
	if err != nil {
		return fmt.Errorf("justification data: %w", err)
	}
	copy(j.EngineID[:], engine)
	j.Data = data
	return nil
}

func decodeByteList(raw json.RawMessage) ([]byte, error) {
	var hex hexutil.Bytes
	if err := json.Unmarshal(raw, &hex); err == nil {
		return hex, nil
	}
	// encoding/json decodes []byte from base64 strings only, so go through
	// a wider integer type.
	var wide []uint16
	if err := json.Unmarshal(raw, &wide); err != nil {
		return nil, err
	}
	out := make([]byte, len(wide))
	for i, v := range wide {
		if v > 0xff {
			return nil, fmt.Errorf("byte value %d out of range", v)
		}
		out[i] = byte(v)
	}
	return out, nil
}

// Justifications holds at most one justification per consensus engine,
// in insertion order.
type Justifications []Justification

// Get returns the justification data of the given engine, if any.
func (js Justifications) Get(engine ConsensusEngineID) ([]byte, bool) {
	for _, j := range js {
		if j.EngineID == engine {
			return j.Data, true
		}
	}
	return nil, false
}

// Append adds j unless a justification of the same engine is already present.
// It reports whether j was added.
func (js *Justifications) Append(j Justification) bool {
	if _, ok := js.Get(j.EngineID); ok {
		return false
	}
	*js = append(*js, j)
	return true
}

// Clone returns a copy that shares no slice backing with js.
func (js Justifications) Clone() Justifications {
	if js == nil {
		return nil
	}
	out := make(Justifications, len(js))
	for i, j := range js {
		out[i] = Justification{EngineID: j.EngineID, Data: append([]byte(nil), j.Data...)}
	}
	return out
}
