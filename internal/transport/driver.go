package transport

import (
	"context"
	"time"

	"meshchat/internal/proto"
)

// Sink receives link events from a radio driver. Implementations must not
// block.
type Sink interface {
	Discovered(id proto.PeerID)
	LinkUp(id proto.PeerID)
	LinkDown(id proto.PeerID)
	Frame(from proto.PeerID, data []byte)
}

// Driver is a radio: it advertises self, scans for neighbours, accepts and
// dials links, and moves opaque frames across them.
type Driver interface {
	Start(ctx context.Context, self proto.PeerID, sink Sink) error
	Stop() error
	Connect(ctx context.Context, id proto.PeerID) error
	Send(to proto.PeerID, frame []byte) error
	SetDutyCycle(dc DutyCycle)
}

// DutyCycle controls how often the driver scans. Existing links are never
// dropped when it changes.
type DutyCycle struct {
	ScanInterval time.Duration
	ScanWindow   time.Duration
}

var (
	ForegroundDutyCycle = DutyCycle{ScanInterval: 2 * time.Second, ScanWindow: 2 * time.Second}
	BackgroundDutyCycle = DutyCycle{ScanInterval: 30 * time.Second, ScanWindow: 3 * time.Second}
)
