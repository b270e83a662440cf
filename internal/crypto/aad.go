package crypto

import (
	"encoding/binary"
)

// BuildAAD binds the routing header fields that must not be rewritten in
// flight. TTL is excluded; relays decrement it.
func BuildAAD(frameType byte, origin, recipient [8]byte, channel string) []byte {
	chBytes := []byte(channel)
	buf := make([]byte, 0, 1+8+8+2+len(chBytes))
	buf = append(buf, frameType)
	buf = append(buf, origin[:]...)
	buf = append(buf, recipient[:]...)
	var tmp [2]byte
	binary.BigEndian.PutUint16(tmp[:], uint16(len(chBytes)))
	buf = append(buf, tmp[:]...)
	buf = append(buf, chBytes...)
	return buf
}
