package types

import (
	"encoding/binary"
	"errors"
	"fmt"
)

var errCompactTruncated = errors.New("scale: truncated compact integer")

// AppendCompact appends the SCALE compact encoding of v to buf.
func AppendCompact(buf []byte, v uint64) []byte {
	switch {
	case v < 1<<6:
		return append(buf, byte(v<<2))
	case v < 1<<14:
		return binary.LittleEndian.AppendUint16(buf, uint16(v<<2)|0b01)
	case v < 1<<30:
		return binary.LittleEndian.AppendUint32(buf, uint32(v<<2)|0b10)
	}
	var le [8]byte
	binary.LittleEndian.PutUint64(le[:], v)
	n := 8
	for n > 4 && le[n-1] == 0 {
		n--
	}
	buf = append(buf, byte((n-4)<<2)|0b11)
	return append(buf, le[:n]...)
}

// DecodeCompact decodes a SCALE compact integer from the start of buf and
// returns it with the number of bytes consumed.
func DecodeCompact(buf []byte) (uint64, int, error) {
	if len(buf) == 0 {
		return 0, 0, errCompactTruncated
	}
	switch buf[0] & 0b11 {
	case 0b00:
		return uint64(buf[0] >> 2), 1, nil
	case 0b01:
		if len(buf) < 2 {
			return 0, 0, errCompactTruncated
		}
		return uint64(binary.LittleEndian.Uint16(buf) >> 2), 2, nil
	case 0b10:
		if len(buf) < 4 {
			return 0, 0, errCompactTruncated
		}
		return uint64(binary.LittleEndian.Uint32(buf) >> 2), 4, nil
	}
	n := int(buf[0]>>2) + 4
	if n > 8 {
		return 0, 0, fmt.Errorf("scale: compact integer of %d bytes overflows uint64", n)
	}
	if len(buf) < 1+n {
		return 0, 0, errCompactTruncated
	}
	var le [8]byte
	copy(le[:], buf[1:1+n])
	return binary.LittleEndian.Uint64(le[:]), 1 + n, nil
}

// AppendBytes appends data as a SCALE Vec<u8>: compact length then the bytes.
func AppendBytes(buf []byte, data []byte) []byte {
	buf = AppendCompact(buf, uint64(len(data)))
	return append(buf, data...)
}
