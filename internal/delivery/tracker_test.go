package delivery

import (
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"meshchat/internal/proto"
)

type changeLog struct {
	mu  sync.Mutex
	all []Change
}

func (c *changeLog) add(ch Change) {
	c.mu.Lock()
	c.all = append(c.all, ch)
	c.mu.Unlock()
}

func (c *changeLog) statuses(id uuid.UUID) []Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []Status
	for _, ch := range c.all {
		if ch.MessageID == id {
			out = append(out, ch.State.Status)
		}
	}
	return out
}

func equalStatuses(a, b []Status) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

var peerB = proto.PeerID{0xb}

func TestPointToPointLifecycle(t *testing.T) {
	log := &changeLog{}
	tr := NewTracker(Options{OnChange: log.add})
	id := uuid.New()
	tr.Track(id, KindPrivate, 1)
	tr.MarkSent(id)
	if !tr.Ack(id, peerB) {
		t.Fatalf("ack should apply")
	}
	if tr.Ack(id, peerB) {
		t.Fatalf("duplicate ack must be a no-op")
	}
	if !tr.Read(id, peerB) {
		t.Fatalf("read should apply")
	}
	if tr.Read(id, peerB) || tr.MarkFailed(id, "late") {
		t.Fatalf("terminal state must not change")
	}
	want := []Status{StatusSending, StatusSent, StatusDelivered, StatusRead}
	if got := log.statuses(id); !equalStatuses(got, want) {
		t.Fatalf("unexpected transitions %v", got)
	}
}

func TestAckBeforeSentFillsIntermediate(t *testing.T) {
	log := &changeLog{}
	tr := NewTracker(Options{OnChange: log.add})
	id := uuid.New()
	tr.Track(id, KindPrivate, 1)
	tr.Ack(id, peerB)
	tr.MarkSent(id)
	want := []Status{StatusSending, StatusSent, StatusDelivered}
	if got := log.statuses(id); !equalStatuses(got, want) {
		t.Fatalf("unexpected transitions %v", got)
	}
}

func TestStatusNeverMovesBackward(t *testing.T) {
	log := &changeLog{}
	tr := NewTracker(Options{OnChange: log.add})
	id := uuid.New()
	tr.Track(id, KindPrivate, 1)
	tr.MarkSent(id)
	tr.Ack(id, peerB)
	tr.MarkSent(id)
	tr.MarkFailed(id, "late failure")
	tr.Track(id, KindPrivate, 1)
	st, _ := tr.Status(id)
	if st.Status != StatusDelivered {
		t.Fatalf("expected delivered to stick, got %s", st)
	}
	prev := Status(0)
	for i, s := range log.statuses(id) {
		if i > 0 && s <= prev {
			t.Fatalf("transition %d went backward: %v", i, log.statuses(id))
		}
		prev = s
	}
}

func TestBroadcastPartialThenDelivered(t *testing.T) {
	log := &changeLog{}
	tr := NewTracker(Options{OnChange: log.add})
	id := uuid.New()
	tr.Track(id, KindBroadcast, 2)
	tr.MarkSent(id)
	tr.Ack(id, proto.PeerID{1})
	tr.Ack(id, proto.PeerID{1})
	st, _ := tr.Status(id)
	if st.Status != StatusPartiallyDelivered || st.Reached != 1 || st.Total != 2 {
		t.Fatalf("expected partial 1/2, got %s", st)
	}
	tr.Ack(id, proto.PeerID{2})
	st, _ = tr.Status(id)
	if st.Status != StatusDelivered || st.Reached != 2 {
		t.Fatalf("expected delivered 2/2, got %s", st)
	}
	if tr.Ack(id, proto.PeerID{3}) {
		t.Fatalf("ack after delivered must be a no-op")
	}
}

func TestSweepResendsThenFails(t *testing.T) {
	var mu sync.Mutex
	var resent []uuid.UUID
	tr := NewTracker(Options{
		AckTimeout: time.Second,
		MaxResends: 2,
		Resend: func(id uuid.UUID) error {
			mu.Lock()
			resent = append(resent, id)
			mu.Unlock()
			return nil
		},
	})
	now := time.Unix(1000, 0)
	tr.now = func() time.Time { return now }
	id := uuid.New()
	tr.Track(id, KindPrivate, 1)
	tr.MarkSent(id)
	for i := 0; i < 2; i++ {
		now = now.Add(2 * time.Second)
		tr.Sweep()
		tr.MarkSent(id)
	}
	if len(resent) != 2 {
		t.Fatalf("expected two resends, got %d", len(resent))
	}
	now = now.Add(2 * time.Second)
	tr.Sweep()
	st, _ := tr.Status(id)
	if st.Status != StatusFailed {
		t.Fatalf("expected failure after resend budget, got %s", st)
	}
}

func TestFailInFlight(t *testing.T) {
	tr := NewTracker(Options{})
	sending, sent, delivered := uuid.New(), uuid.New(), uuid.New()
	tr.Track(sending, KindPrivate, 1)
	tr.Track(sent, KindPrivate, 1)
	tr.MarkSent(sent)
	tr.Track(delivered, KindPrivate, 1)
	tr.Ack(delivered, peerB)
	parked := uuid.New()
	tr.Track(parked, KindPrivate, 1)
	if n := tr.FailInFlight(func(id uuid.UUID) bool { return id == parked }); n != 2 {
		t.Fatalf("expected 2 failed, got %d", n)
	}
	if st, _ := tr.Status(parked); st.Status != StatusSending {
		t.Fatalf("parked message must stay sending, got %s", st)
	}
	if st, _ := tr.Status(delivered); st.Status != StatusDelivered {
		t.Fatalf("delivered must not fail, got %s", st)
	}
	if st, _ := tr.Status(sending); st.Status != StatusFailed {
		t.Fatalf("sending must fail, got %s", st)
	}
}

func TestSeenInboundBounded(t *testing.T) {
	tr := NewTracker(Options{InboundCap: 2})
	a, b, c := uuid.New(), uuid.New(), uuid.New()
	if tr.SeenInbound(a) || !tr.SeenInbound(a) {
		t.Fatalf("expected first unseen then seen")
	}
	tr.SeenInbound(b)
	tr.SeenInbound(c)
	if tr.SeenInbound(a) {
		t.Fatalf("oldest id should have been evicted")
	}
}
