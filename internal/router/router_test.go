package router

import (
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"meshchat/internal/metrics"
	"meshchat/internal/proto"
)

type sent struct {
	data   []byte
	target *proto.PeerID
	except proto.PeerID
	relay  bool
}

type fakeLinks struct {
	mu     sync.Mutex
	self   proto.PeerID
	linked map[proto.PeerID]bool
	out    []sent
}

func (f *fakeLinks) Self() proto.PeerID { return f.self }

func (f *fakeLinks) Linked(id proto.PeerID) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.linked[id]
}

func (f *fakeLinks) SendFrame(frame []byte, target *proto.PeerID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.out = append(f.out, sent{data: frame, target: target})
	return nil
}

func (f *fakeLinks) RelayFrame(frame []byte, except proto.PeerID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.out = append(f.out, sent{data: frame, except: except, relay: true})
	return nil
}

func (f *fakeLinks) sends() []sent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sent(nil), f.out...)
}

type handlerFunc func(proto.Frame, proto.PeerID)

func (h handlerFunc) HandleFrame(f proto.Frame, from proto.PeerID) { h(f, from) }

var (
	selfID = proto.PeerID{0xaa, 1, 1, 1, 1, 1, 1, 1}
	peerA  = proto.PeerID{0xa0, 2, 2, 2, 2, 2, 2, 2}
	peerB  = proto.PeerID{0xb0, 3, 3, 3, 3, 3, 3, 3}
	peerC  = proto.PeerID{0xc0, 4, 4, 4, 4, 4, 4, 4}
)

func setup(t *testing.T) (*Router, *fakeLinks, *[]proto.Frame, *metrics.Metrics) {
	t.Helper()
	links := &fakeLinks{self: selfID, linked: map[proto.PeerID]bool{peerA: true, peerB: true}}
	var mu sync.Mutex
	got := &[]proto.Frame{}
	m := metrics.New()
	r := New(Options{
		Links:   links,
		Metrics: m,
		Handler: handlerFunc(func(f proto.Frame, from proto.PeerID) {
			mu.Lock()
			*got = append(*got, f)
			mu.Unlock()
		}),
	})
	return r, links, got, m
}

func encode(t *testing.T, f proto.Frame) []byte {
	t.Helper()
	if f.ID == uuid.Nil {
		f.ID = uuid.New()
	}
	if f.Timestamp.IsZero() {
		f.Timestamp = time.UnixMilli(1)
	}
	raw, err := proto.EncodeFrame(f)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	return raw
}

func TestDuplicateDeliveredAndRelayedOnce(t *testing.T) {
	r, links, got, m := setup(t)
	raw := encode(t, proto.Frame{Type: proto.FrameBroadcast, TTL: 3, Origin: peerC, Payload: []byte("{}")})
	r.HandleInbound(peerA, raw)
	r.HandleInbound(peerB, raw)
	if len(*got) != 1 {
		t.Fatalf("expected one local delivery, got %d", len(*got))
	}
	out := links.sends()
	if len(out) != 1 || !out[0].relay || out[0].except != peerA {
		t.Fatalf("expected one relay excluding source, got %+v", out)
	}
	relayed, err := proto.DecodeFrame(out[0].data)
	if err != nil {
		t.Fatalf("relayed frame undecodable: %v", err)
	}
	if relayed.TTL != 2 {
		t.Fatalf("expected ttl 2 on relay, got %d", relayed.TTL)
	}
	if m.Snapshot().Router.DropDuplicate != 1 {
		t.Fatalf("expected duplicate counted")
	}
}

func TestConcurrentDuplicatesRelayOnce(t *testing.T) {
	r, links, got, _ := setup(t)
	raw := encode(t, proto.Frame{Type: proto.FrameBroadcast, TTL: 5, Origin: peerC})
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			from := peerA
			if i%2 == 1 {
				from = peerB
			}
			r.HandleInbound(from, raw)
		}(i)
	}
	wg.Wait()
	if len(*got) != 1 || len(links.sends()) != 1 {
		t.Fatalf("expected exactly one delivery and relay, got %d/%d", len(*got), len(links.sends()))
	}
}

func TestZeroTTLNeverRelayed(t *testing.T) {
	r, links, got, _ := setup(t)
	r.HandleInbound(peerA, encode(t, proto.Frame{Type: proto.FrameBroadcast, TTL: 0, Origin: peerC}))
	r.HandleInbound(peerA, encode(t, proto.Frame{Type: proto.FramePrivate, TTL: 0, Origin: peerC, Recipient: peerB}))
	if len(*got) != 1 {
		t.Fatalf("broadcast with ttl 0 is still delivered locally, got %d", len(*got))
	}
	if n := len(links.sends()); n != 0 {
		t.Fatalf("ttl 0 frames must never be retransmitted, got %d sends", n)
	}
}

func TestDirectedFrameForUsNotRelayed(t *testing.T) {
	r, links, got, _ := setup(t)
	r.HandleInbound(peerA, encode(t, proto.Frame{Type: proto.FramePrivate, TTL: 5, Origin: peerA, Recipient: selfID}))
	if len(*got) != 1 {
		t.Fatalf("expected local delivery")
	}
	if n := len(links.sends()); n != 0 {
		t.Fatalf("frame addressed to us must not be relayed, got %d", n)
	}
}

func TestDirectedFrameSteeredToRecipient(t *testing.T) {
	r, links, got, _ := setup(t)
	r.HandleInbound(peerA, encode(t, proto.Frame{Type: proto.FrameDeliveryAck, TTL: 5, Origin: peerA, Recipient: peerB}))
	if len(*got) != 0 {
		t.Fatalf("frame for another peer must not be delivered locally")
	}
	out := links.sends()
	if len(out) != 1 || out[0].relay || out[0].target == nil || *out[0].target != peerB {
		t.Fatalf("expected direct forward to recipient, got %+v", out)
	}

	r.HandleInbound(peerA, encode(t, proto.Frame{Type: proto.FramePrivate, TTL: 5, Origin: peerA, Recipient: peerC}))
	out = links.sends()
	if len(out) != 2 || !out[1].relay || out[1].except != peerA {
		t.Fatalf("expected flood for non-adjacent recipient, got %+v", out[1:])
	}
}

func TestOwnEchoAndMalformedDropped(t *testing.T) {
	r, links, got, m := setup(t)
	r.HandleInbound(peerA, encode(t, proto.Frame{Type: proto.FrameBroadcast, TTL: 5, Origin: selfID}))
	r.HandleInbound(peerA, []byte{1, 2, 3})
	if len(*got) != 0 || len(links.sends()) != 0 {
		t.Fatalf("expected nothing delivered or relayed")
	}
	snap := m.Snapshot()
	if snap.Router.DropMalformed != 1 || snap.DropByReason["own_echo"] != 1 {
		t.Fatalf("unexpected drop counters: %+v %+v", snap.Router, snap.DropByReason)
	}
}

func TestOriginateStampsHeader(t *testing.T) {
	r, links, _, _ := setup(t)
	id, err := r.Originate(proto.Frame{Type: proto.FramePrivate, Recipient: peerB, Payload: []byte("x")})
	if err != nil {
		t.Fatalf("originate: %v", err)
	}
	out := links.sends()
	if len(out) != 1 || out[0].target == nil || *out[0].target != peerB {
		t.Fatalf("expected direct send to linked recipient, got %+v", out)
	}
	f, err := proto.DecodeFrame(out[0].data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if f.ID != id || f.Origin != selfID || f.TTL != proto.DefaultTTL {
		t.Fatalf("unexpected header %+v", f)
	}
	r.HandleInbound(peerB, out[0].data)
	if len(links.sends()) != 1 {
		t.Fatalf("echo of own frame must be dropped")
	}
}

func TestSeenCacheExpiry(t *testing.T) {
	c := newSeenCache(2, time.Minute)
	now := time.Unix(100, 0)
	c.now = func() time.Time { return now }
	a, b, d := uuid.New(), uuid.New(), uuid.New()
	if c.CheckAndAdd(a) || !c.CheckAndAdd(a) {
		t.Fatalf("expected first add unseen then seen")
	}
	c.CheckAndAdd(b)
	c.CheckAndAdd(d)
	if c.Len() != 2 {
		t.Fatalf("expected capacity bound, got %d", c.Len())
	}
	now = now.Add(2 * time.Minute)
	if c.CheckAndAdd(b) {
		t.Fatalf("expired id must be treated as unseen")
	}
}

func TestSeenCacheHitDoesNotExtendLifetime(t *testing.T) {
	c := newSeenCache(8, time.Minute)
	now := time.Unix(100, 0)
	c.now = func() time.Time { return now }
	old, young := uuid.New(), uuid.New()
	c.CheckAndAdd(old)
	now = now.Add(40 * time.Second)
	c.CheckAndAdd(young)
	if !c.CheckAndAdd(old) {
		t.Fatalf("old id should still be seen")
	}
	now = now.Add(30 * time.Second)
	c.CheckAndAdd(uuid.New())
	if c.Len() != 2 {
		t.Fatalf("expected only the oldest entry pruned, got %d entries", c.Len())
	}
	if c.CheckAndAdd(old) {
		t.Fatalf("a repeat sighting must not refresh expiry")
	}
	if !c.CheckAndAdd(young) {
		t.Fatalf("younger entry pruned early")
	}
}
