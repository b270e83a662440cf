// internal/proto/proto.go
package proto

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
)

const (
	Version = 1

	// DefaultTTL is the hop budget stamped on frames we originate.
	DefaultTTL = 7

	PeerIDSize = 8
)

type FrameType uint8

const (
	FrameBroadcast FrameType = iota + 1
	FramePrivate
	FrameChannelLeave
	FrameDeliveryAck
	FrameReadReceipt
	FrameAnnounce
)

func (t FrameType) String() string {
	switch t {
	case FrameBroadcast:
		return "broadcast"
	case FramePrivate:
		return "private"
	case FrameChannelLeave:
		return "channel_leave"
	case FrameDeliveryAck:
		return "delivery_ack"
	case FrameReadReceipt:
		return "read_receipt"
	case FrameAnnounce:
		return "announce"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(t))
	}
}

func (t FrameType) Valid() bool {
	return t >= FrameBroadcast && t <= FrameAnnounce
}

// Flooded reports whether frames of this type are relayed to every link
// rather than steered toward a recipient.
func (t FrameType) Flooded() bool {
	switch t {
	case FrameBroadcast, FrameChannelLeave, FrameAnnounce:
		return true
	default:
		return false
	}
}

// PeerID identifies a peer for the lifetime of one radio session only.
type PeerID [PeerIDSize]byte

func NewPeerID() (PeerID, error) {
	var id PeerID
	if _, err := rand.Read(id[:]); err != nil {
		return PeerID{}, err
	}
	return id, nil
}

func ParsePeerID(s string) (PeerID, error) {
	var id PeerID
	b, err := hex.DecodeString(s)
	if err != nil || len(b) != PeerIDSize {
		return id, fmt.Errorf("bad peer id")
	}
	copy(id[:], b)
	return id, nil
}

func (id PeerID) String() string {
	return hex.EncodeToString(id[:])
}

func (id PeerID) IsZero() bool {
	return id == PeerID{}
}

func (id PeerID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

func (id *PeerID) UnmarshalText(b []byte) error {
	parsed, err := ParsePeerID(string(b))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}
