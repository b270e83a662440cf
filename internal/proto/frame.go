package proto

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Routing header layout (big endian):
//
//	version(1) type(1) ttl(1) flags(1) frame_id(16) origin(8)
//	[recipient(8) if flagRecipient] timestamp_ms(8) payload_len(2) payload
const (
	ttlOffset       = 2
	baseHeaderSize  = 4 + 16 + PeerIDSize + 8 + 2
	MaxPayloadSize  = 1<<16 - 1
	flagRecipient   = 0x01
	knownFrameFlags = flagRecipient
)

var ErrBadFrame = errors.New("bad frame")

type Frame struct {
	Type      FrameType
	TTL       uint8
	ID        uuid.UUID
	Origin    PeerID
	Recipient PeerID
	Timestamp time.Time
	Payload   []byte
}

func (f Frame) HasRecipient() bool {
	return !f.Recipient.IsZero()
}

func EncodeFrame(f Frame) ([]byte, error) {
	if !f.Type.Valid() {
		return nil, fmt.Errorf("%w: type %d", ErrBadFrame, f.Type)
	}
	if len(f.Payload) > MaxPayloadSize {
		return nil, fmt.Errorf("%w: payload too large", ErrBadFrame)
	}
	size := baseHeaderSize + len(f.Payload)
	var flags byte
	if f.HasRecipient() {
		flags |= flagRecipient
		size += PeerIDSize
	}
	out := make([]byte, 0, size)
	out = append(out, Version, byte(f.Type), f.TTL, flags)
	out = append(out, f.ID[:]...)
	out = append(out, f.Origin[:]...)
	if flags&flagRecipient != 0 {
		out = append(out, f.Recipient[:]...)
	}
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], uint64(f.Timestamp.UnixMilli()))
	out = append(out, tmp[:]...)
	binary.BigEndian.PutUint16(tmp[:2], uint16(len(f.Payload)))
	out = append(out, tmp[:2]...)
	out = append(out, f.Payload...)
	return out, nil
}

func DecodeFrame(data []byte) (Frame, error) {
	if len(data) < baseHeaderSize {
		return Frame{}, fmt.Errorf("%w: short header", ErrBadFrame)
	}
	if data[0] != Version {
		return Frame{}, fmt.Errorf("%w: version %d", ErrBadFrame, data[0])
	}
	f := Frame{Type: FrameType(data[1]), TTL: data[ttlOffset]}
	if !f.Type.Valid() {
		return Frame{}, fmt.Errorf("%w: type %d", ErrBadFrame, data[1])
	}
	flags := data[3]
	if flags&^knownFrameFlags != 0 {
		return Frame{}, fmt.Errorf("%w: flags %#x", ErrBadFrame, flags)
	}
	rest := data[4:]
	copy(f.ID[:], rest[:16])
	rest = rest[16:]
	copy(f.Origin[:], rest[:PeerIDSize])
	rest = rest[PeerIDSize:]
	if flags&flagRecipient != 0 {
		if len(rest) < PeerIDSize+10 {
			return Frame{}, fmt.Errorf("%w: short header", ErrBadFrame)
		}
		copy(f.Recipient[:], rest[:PeerIDSize])
		rest = rest[PeerIDSize:]
		if f.Recipient.IsZero() {
			return Frame{}, fmt.Errorf("%w: zero recipient", ErrBadFrame)
		}
	}
	f.Timestamp = time.UnixMilli(int64(binary.BigEndian.Uint64(rest[:8])))
	n := int(binary.BigEndian.Uint16(rest[8:10]))
	rest = rest[10:]
	if len(rest) != n {
		return Frame{}, fmt.Errorf("%w: payload length %d != %d", ErrBadFrame, len(rest), n)
	}
	if f.Origin.IsZero() {
		return Frame{}, fmt.Errorf("%w: zero origin", ErrBadFrame)
	}
	f.Payload = append([]byte(nil), rest...)
	return f, nil
}

// WithDecrementedTTL returns a copy of an encoded frame with its hop budget
// reduced by one. Frames already at zero are refused.
func WithDecrementedTTL(data []byte) ([]byte, error) {
	if len(data) < baseHeaderSize {
		return nil, fmt.Errorf("%w: short header", ErrBadFrame)
	}
	if data[ttlOffset] == 0 {
		return nil, fmt.Errorf("%w: ttl exhausted", ErrBadFrame)
	}
	out := append([]byte(nil), data...)
	out[ttlOffset]--
	return out, nil
}
