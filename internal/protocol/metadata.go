package protocol

import (
	"encoding/binary"
	"fmt"
)

// TLV tags in the signing metadata stream. The serialization order is
// fixed: epoch, expires_at, counter, then flags when present.
const (
	tagEpoch     byte = 3
	tagExpiresAt byte = 4
	tagCounter   byte = 5
	tagFlags     byte = 7
)

// epochLen is the size of the per-session random epoch identifier.
const epochLen = 16

// Metadata is the signed header attached to every authenticated
// command. Replay protection relies on Counter increasing strictly
// within a session and ExpiresAt being in the near future.
type Metadata struct {
	Epoch     []byte
	ExpiresAt uint32
	Counter   uint32
	Flags     uint32
}

// Encode serializes the metadata as a TLV stream in the fixed order.
// Flags are omitted when zero, matching peers that predate the field.
func (m Metadata) Encode() ([]byte, error) {
	if len(m.Epoch) != epochLen {
		return nil, fmt.Errorf("protocol: epoch must be %d bytes, got %d", epochLen, len(m.Epoch))
	}

	buf := make([]byte, 0, 2+epochLen+2+4+2+4+2+4)
	buf = append(buf, tagEpoch, byte(len(m.Epoch)))
	buf = append(buf, m.Epoch...)

	var u32 [4]byte
	binary.BigEndian.PutUint32(u32[:], m.ExpiresAt)
	buf = append(buf, tagExpiresAt, 4)
	buf = append(buf, u32[:]...)

	binary.BigEndian.PutUint32(u32[:], m.Counter)
	buf = append(buf, tagCounter, 4)
	buf = append(buf, u32[:]...)

	if m.Flags != 0 {
		binary.BigEndian.PutUint32(u32[:], m.Flags)
		buf = append(buf, tagFlags, 4)
		buf = append(buf, u32[:]...)
	}

	return buf, nil
}
