package router

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"meshchat/internal/debuglog"
	"meshchat/internal/metrics"
	"meshchat/internal/proto"
)

var ErrNotRunning = errors.New("router: transport not running")

// Links is the part of the transport the router drives.
type Links interface {
	Self() proto.PeerID
	Linked(id proto.PeerID) bool
	SendFrame(frame []byte, target *proto.PeerID) error
	RelayFrame(frame []byte, except proto.PeerID) error
}

// Handler consumes frames that are meant for this node. from is the link the
// frame arrived on, which equals f.Origin only for frames heard directly.
type Handler interface {
	HandleFrame(f proto.Frame, from proto.PeerID)
}

type Options struct {
	Links    Links
	Handler  Handler
	Metrics  *metrics.Metrics
	TTL      uint8
	DedupCap int
	DedupTTL time.Duration
}

type Router struct {
	links   Links
	handler Handler
	metrics *metrics.Metrics
	ttl     uint8
	seen    *seenCache
}

func New(opts Options) *Router {
	ttl := opts.TTL
	if ttl == 0 {
		ttl = proto.DefaultTTL
	}
	m := opts.Metrics
	if m == nil {
		m = metrics.New()
	}
	return &Router{
		links:   opts.Links,
		handler: opts.Handler,
		metrics: m,
		ttl:     ttl,
		seen:    newSeenCache(opts.DedupCap, opts.DedupTTL),
	}
}

// Originate stamps a locally built frame with a fresh frame ID, our origin and
// the hop budget, then sends it: straight to the recipient when it is a
// direct link, otherwise to every link.
func (r *Router) Originate(f proto.Frame) (uuid.UUID, error) {
	self := r.links.Self()
	if self.IsZero() {
		return uuid.Nil, ErrNotRunning
	}
	f.ID = uuid.New()
	f.Origin = self
	f.TTL = r.ttl
	if f.Timestamp.IsZero() {
		f.Timestamp = time.Now()
	}
	raw, err := proto.EncodeFrame(f)
	if err != nil {
		return uuid.Nil, err
	}
	r.seen.CheckAndAdd(f.ID)
	var target *proto.PeerID
	if f.HasRecipient() && r.links.Linked(f.Recipient) {
		rcpt := f.Recipient
		target = &rcpt
	}
	if err := r.links.SendFrame(raw, target); err != nil {
		return f.ID, fmt.Errorf("send %s: %w", f.Type, err)
	}
	return f.ID, nil
}

// HandleInbound processes one raw frame heard on link from.
func (r *Router) HandleInbound(from proto.PeerID, data []byte) {
	f, err := proto.DecodeFrame(data)
	if err != nil {
		r.metrics.IncDropMalformed()
		r.metrics.IncDropByReason("malformed")
		debuglog.RateLimitedf("malformed:"+from.String(), 5*time.Second, "drop malformed frame from %s: %v", from, err)
		return
	}
	r.metrics.IncRecvByType(f.Type.String())
	self := r.links.Self()
	if f.Origin == self {
		r.metrics.IncDropByReason("own_echo")
		r.record(f, "own_echo")
		return
	}
	if r.seen.CheckAndAdd(f.ID) {
		r.metrics.IncDropDuplicate()
		r.record(f, "duplicate")
		return
	}
	local := f.Type.Flooded() || f.Recipient == self
	if local {
		r.metrics.IncDelivered()
		if r.handler != nil {
			r.handler.HandleFrame(f, from)
		}
	}
	if !f.Type.Flooded() && f.Recipient == self {
		r.record(f, "delivered")
		return
	}
	if f.TTL == 0 {
		r.metrics.IncDropByReason("ttl")
		r.record(f, "ttl_exhausted")
		return
	}
	next, err := proto.WithDecrementedTTL(data)
	if err != nil {
		r.metrics.IncDropByReason("ttl")
		return
	}
	if !f.Type.Flooded() && f.HasRecipient() && r.links.Linked(f.Recipient) && f.Recipient != from {
		rcpt := f.Recipient
		err = r.links.SendFrame(next, &rcpt)
	} else {
		err = r.links.RelayFrame(next, from)
	}
	if err != nil {
		r.record(f, "relay_none")
		return
	}
	r.metrics.IncRelayed()
	r.record(f, "relayed")
}

// Reset forgets every seen frame ID.
func (r *Router) Reset() {
	r.seen.Reset()
}

func (r *Router) record(f proto.Frame, action string) {
	r.metrics.Recent().Add(metrics.FrameHeader{
		ID:     f.ID.String(),
		Type:   f.Type.String(),
		Origin: f.Origin.String(),
		TTL:    f.TTL,
		Action: action,
	})
}
