package types

import (
	"encoding/json"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/stretchr/testify/require"
)

func TestTwox128(t *testing.T) {
	require.Equal(t, hexutil.MustDecode("0x26aa394eea5630e07c48ae0c9558cef7"), Twox128([]byte("System")))
	require.Equal(t,
		hexutil.MustDecode("0x26aa394eea5630e07c48ae0c9558cef702a5c1b19ab7a04f536c519aca4983ac"),
		[]byte(StorageValueKey("System", "Number")),
	)
	require.Equal(t,
		hexutil.MustDecode("0x5c0d1176a568c1f92944340dbfed9e9c530ebca703c85910e7164cb7d1c9e47b"),
		[]byte(StorageValueKey("Sudo", "Key")),
	)
	require.Equal(t, Twox128([]byte("System"))[:8], Twox64([]byte("System")))
}

func TestCompact(t *testing.T) {
	for _, tc := range []struct {
		value   uint64
		encoded string
	}{
		{0, "0x00"},
		{1, "0x04"},
		{63, "0xfc"},
		{64, "0x0101"},
		{16383, "0xfdff"},
		{16384, "0x02000100"},
		{1<<30 - 1, "0xfeffffff"},
		{1 << 30, "0x0300000040"},
		{1 << 32, "0x070000000001"},
	} {
		encoded := AppendCompact(nil, tc.value)
		require.Equal(t, tc.encoded, hexutil.Encode(encoded), "value %d", tc.value)

		decoded, n, err := DecodeCompact(append(encoded, 0xaa))
		require.NoError(t, err)
		require.Equal(t, tc.value, decoded)
		require.Equal(t, len(encoded), n)
	}

	_, _, err := DecodeCompact([]byte{0x02, 0x00})
	require.Error(t, err)
	_, _, err = DecodeCompact(nil)
	require.Error(t, err)
}

func TestHeaderJSONAndHash(t *testing.T) {
	raw := `{
		"parentHash": "0x0101010101010101010101010101010101010101010101010101010101010101",
		"number": "0x1b4",
		"stateRoot": "0x0202020202020202020202020202020202020202020202020202020202020202",
		"extrinsicsRoot": "0x0303030303030303030303030303030303030303030303030303030303030303",
		"digest": {"logs": ["0x0642414245b501"]}
	}`
	var h Header
	require.NoError(t, json.Unmarshal([]byte(raw), &h))
	require.Equal(t, BlockNumber(436), h.Number)
	require.Len(t, h.Digest.Logs, 1)

	expected := make([]byte, 0)
	expected = append(expected, common.FromHex("0x0101010101010101010101010101010101010101010101010101010101010101")...)
	expected = append(expected, 0xd1, 0x06) // compact(436)
	expected = append(expected, common.FromHex("0x0202020202020202020202020202020202020202020202020202020202020202")...)
	expected = append(expected, common.FromHex("0x0303030303030303030303030303030303030303030303030303030303030303")...)
	expected = append(expected, 0x04)
	expected = append(expected, common.FromHex("0x0642414245b501")...)
	require.Equal(t, expected, h.Encode())
	require.Equal(t, Blake2_256(expected), h.Hash())

	out, err := json.Marshal(&h)
	require.NoError(t, err)
	require.Contains(t, string(out), `"number":"0x1b4"`)

	var again Header
	require.NoError(t, json.Unmarshal(out, &again))
	require.True(t, h.Equal(&again))
	again.Number++
	require.False(t, h.Equal(&again))
	require.NotEqual(t, h.Hash(), again.Hash())
}

func TestBlockNumberDecimal(t *testing.T) {
	var n BlockNumber
	require.NoError(t, json.Unmarshal([]byte(`1234`), &n))
	require.Equal(t, BlockNumber(1234), n)
	require.Error(t, json.Unmarshal([]byte(`"0x1ffffffff"`), &n))
}

func TestJustificationsJSON(t *testing.T) {
	var signed SignedBlock
	raw := `{
		"block": {"header": {"parentHash": "0x0000000000000000000000000000000000000000000000000000000000000000", "number": "0x2", "stateRoot": "0x0000000000000000000000000000000000000000000000000000000000000000", "extrinsicsRoot": "0x0000000000000000000000000000000000000000000000000000000000000000", "digest": {"logs": []}}, "extrinsics": ["0x0400"]},
		"justifications": [[[70, 82, 78, 75], [1, 2, 3]], [[66, 69, 69, 70], "0xff"]]
	}`
	require.NoError(t, json.Unmarshal([]byte(raw), &signed))
	require.Len(t, signed.Justifications, 2)

	data, ok := signed.Justifications.Get(GrandpaEngineID)
	require.True(t, ok)
	require.Equal(t, []byte{1, 2, 3}, data)
	data, ok = signed.Justifications.Get(ConsensusEngineID{'B', 'E', 'E', 'F'})
	require.True(t, ok)
	require.Equal(t, []byte{0xff}, data)

	out, err := json.Marshal(signed.Justifications[0])
	require.NoError(t, err)
	require.JSONEq(t, `[[70,82,78,75],[1,2,3]]`, string(out))

	var none SignedBlock
	require.NoError(t, json.Unmarshal([]byte(`{"block": {"header": {"number": 1}, "extrinsics": []}, "justifications": null}`), &none))
	require.Nil(t, none.Justifications)
}

func TestJustificationsAppend(t *testing.T) {
	var js Justifications
	require.True(t, js.Append(Justification{EngineID: GrandpaEngineID, Data: []byte{1}}))
	require.False(t, js.Append(Justification{EngineID: GrandpaEngineID, Data: []byte{2}}))

	data, _ := js.Get(GrandpaEngineID)
	require.Equal(t, []byte{1}, data)

	clone := js.Clone()
	clone[0].Data[0] = 9
	data, _ = js.Get(GrandpaEngineID)
	require.Equal(t, []byte{1}, data)
}

func TestStorageChangeSetJSON(t *testing.T) {
	raw := `[{"block": "0x0101010101010101010101010101010101010101010101010101010101010101", "changes": [["0xaa", "0x01"], ["0xbb", null]]}]`
	var sets []StorageChangeSet
	require.NoError(t, json.Unmarshal([]byte(raw), &sets))
	require.Len(t, sets, 1)
	require.Len(t, sets[0].Changes, 2)
	require.Equal(t, StorageData{0x01}, *sets[0].Changes[0].Value)
	require.Nil(t, sets[0].Changes[1].Value)

	out, err := json.Marshal(sets[0].Changes[1])
	require.NoError(t, err)
	require.JSONEq(t, `["0xbb", null]`, string(out))
}

func TestIsChildStorageKey(t *testing.T) {
	require.True(t, IsChildStorageKey([]byte(":child_storage:default:abc")))
	require.False(t, IsChildStorageKey([]byte(":code")))
}
