package delivery

import (
	"container/list"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"meshchat/internal/debuglog"
	"meshchat/internal/metrics"
	"meshchat/internal/proto"
)

const (
	DefaultAckTimeout = 10 * time.Second
	DefaultMaxResends = 3
	DefaultInboundCap = 4096
	DefaultRetention  = time.Hour
	defaultInboundTTL = 30 * time.Minute
)

var ErrUnknownMessage = errors.New("unknown message")

type Kind uint8

const (
	KindPrivate Kind = iota
	KindBroadcast
)

// Change is emitted for every accepted transition.
type Change struct {
	MessageID uuid.UUID
	State     State
}

type Options struct {
	AckTimeout time.Duration
	MaxResends int
	InboundCap int
	Retention  time.Duration
	Metrics    *metrics.Metrics
	// OnChange is called with the tracker lock held, in transition order. It
	// must not block or call back into the tracker.
	OnChange func(Change)
	// Resend re-enters the send path for a point-to-point message whose ack
	// did not arrive in time.
	Resend func(id uuid.UUID) error
}

type Tracker struct {
	ackTimeout time.Duration
	maxResends int
	retention  time.Duration
	metrics    *metrics.Metrics
	onChange   func(Change)
	resend     func(uuid.UUID) error
	now        func() time.Time

	mu      sync.Mutex
	entries map[uuid.UUID]*entry
	inbound *idSet
}

type entry struct {
	kind      Kind
	state     State
	resends   int
	deadline  time.Time
	updatedAt time.Time
	ackedBy   map[proto.PeerID]struct{}
}

func NewTracker(opts Options) *Tracker {
	ackTimeout := opts.AckTimeout
	if ackTimeout <= 0 {
		ackTimeout = DefaultAckTimeout
	}
	maxResends := opts.MaxResends
	if maxResends < 0 {
		maxResends = 0
	} else if maxResends == 0 {
		maxResends = DefaultMaxResends
	}
	retention := opts.Retention
	if retention <= 0 {
		retention = DefaultRetention
	}
	inboundCap := opts.InboundCap
	if inboundCap <= 0 {
		inboundCap = DefaultInboundCap
	}
	m := opts.Metrics
	if m == nil {
		m = metrics.New()
	}
	return &Tracker{
		ackTimeout: ackTimeout,
		maxResends: maxResends,
		retention:  retention,
		metrics:    m,
		onChange:   opts.OnChange,
		resend:     opts.Resend,
		now:        time.Now,
		entries:    make(map[uuid.UUID]*entry),
		inbound:    newIDSet(inboundCap, defaultInboundTTL),
	}
}

// Track starts tracking an outbound message in Sending. total is the number
// of peers a broadcast is expected to reach. Tracking an ID twice is a no-op,
// which keeps replays from the outbox from resetting status.
func (t *Tracker) Track(id uuid.UUID, kind Kind, total int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.entries[id]; ok {
		return
	}
	e := &entry{kind: kind, state: State{Status: StatusSending, Total: total}, updatedAt: t.now()}
	if kind == KindBroadcast {
		e.ackedBy = make(map[proto.PeerID]struct{})
	}
	t.entries[id] = e
	t.emitLocked(id, e.state)
}

// MarkSent records a successful hand-off to the transport and arms the ack
// timer for point-to-point messages.
func (t *Tracker) MarkSent(id uuid.UUID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[id]
	if !ok {
		return false
	}
	if e.kind == KindPrivate && e.state.Status == StatusSent {
		e.deadline = t.now().Add(t.ackTimeout)
		return false
	}
	if !t.moveLocked(id, e, State{Status: StatusSent, Total: e.state.Total}) {
		return false
	}
	if e.kind == KindPrivate {
		e.deadline = t.now().Add(t.ackTimeout)
	}
	return true
}

func (t *Tracker) MarkFailed(id uuid.UUID, reason string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[id]
	if !ok {
		return false
	}
	if !t.moveLocked(id, e, State{Status: StatusFailed, Reached: e.state.Reached, Total: e.state.Total}) {
		return false
	}
	t.metrics.IncFailed()
	debuglog.Debugf("message %s failed: %s", id, reason)
	return true
}

// Ack applies a DeliveryAck from peer. Duplicates and acks for terminal
// messages are no-ops.
func (t *Tracker) Ack(id uuid.UUID, from proto.PeerID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[id]
	if !ok || e.state.Status.Terminal() {
		return false
	}
	if e.kind == KindBroadcast {
		if _, dup := e.ackedBy[from]; dup {
			return false
		}
		if e.state.Status == StatusDelivered {
			return false
		}
		e.ackedBy[from] = struct{}{}
		t.fillSentLocked(id, e)
		reached := len(e.ackedBy)
		next := State{Status: StatusPartiallyDelivered, Reached: reached, Total: e.state.Total}
		if reached >= e.state.Total {
			next = State{Status: StatusDelivered, Reached: reached, Total: e.state.Total}
		}
		t.metrics.IncAcked()
		return t.moveLocked(id, e, next)
	}
	t.fillSentLocked(id, e)
	if !t.moveLocked(id, e, State{Status: StatusDelivered}) {
		return false
	}
	t.metrics.IncAcked()
	return true
}

// Read applies a ReadReceipt. A receipt that overtakes its ack also fills in
// Delivered.
func (t *Tracker) Read(id uuid.UUID, from proto.PeerID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[id]
	if !ok || e.kind != KindPrivate || e.state.Status.Terminal() {
		return false
	}
	t.fillSentLocked(id, e)
	t.moveLocked(id, e, State{Status: StatusDelivered})
	if !t.moveLocked(id, e, State{Status: StatusRead}) {
		return false
	}
	t.metrics.IncRead()
	return true
}

func (t *Tracker) fillSentLocked(id uuid.UUID, e *entry) {
	if e.state.Status == StatusSending {
		t.moveLocked(id, e, State{Status: StatusSent, Total: e.state.Total})
	}
}

func (t *Tracker) Status(id uuid.UUID) (State, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[id]
	if !ok {
		return State{}, false
	}
	return e.state, true
}

// Sweep resends point-to-point messages whose ack is overdue and fails those
// that have used up their resend budget. It also forgets settled entries past
// the retention window.
func (t *Tracker) Sweep() {
	now := t.now()
	var resend []uuid.UUID
	t.mu.Lock()
	for id, e := range t.entries {
		if (e.state.Status.Terminal() || e.state.Status == StatusDelivered) && now.Sub(e.updatedAt) > t.retention {
			delete(t.entries, id)
			continue
		}
		if e.kind != KindPrivate || e.state.Status != StatusSent || e.deadline.IsZero() || now.Before(e.deadline) {
			continue
		}
		if e.resends >= t.maxResends {
			if t.moveLocked(id, e, State{Status: StatusFailed}) {
				t.metrics.IncFailed()
				debuglog.Debugf("message %s failed: no ack after %d resends", id, e.resends)
			}
			continue
		}
		e.resends++
		e.deadline = now.Add(t.ackTimeout)
		resend = append(resend, id)
	}
	t.inbound.prune(now)
	t.mu.Unlock()

	for _, id := range resend {
		t.metrics.IncResent()
		if t.resend == nil {
			continue
		}
		if err := t.resend(id); err != nil {
			debuglog.Debugf("resend %s: %v", id, err)
		}
	}
}

// FailInFlight fails every message still waiting on the network, except those
// keep reports as parked elsewhere.
func (t *Tracker) FailInFlight(keep func(uuid.UUID) bool) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for id, e := range t.entries {
		if keep != nil && keep(id) {
			continue
		}
		switch e.state.Status {
		case StatusSending, StatusSent, StatusPartiallyDelivered:
			if t.moveLocked(id, e, State{Status: StatusFailed, Reached: e.state.Reached, Total: e.state.Total}) {
				t.metrics.IncFailed()
				n++
			}
		}
	}
	return n
}

// SeenInbound records an inbound message ID and reports whether it was
// already delivered locally.
func (t *Tracker) SeenInbound(id uuid.UUID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.inbound.checkAndAdd(id, t.now())
}

func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries = make(map[uuid.UUID]*entry)
	t.inbound.reset()
}

func (t *Tracker) moveLocked(id uuid.UUID, e *entry, next State) bool {
	if !advances(e.state, next) {
		return false
	}
	e.state = next
	e.updatedAt = t.now()
	t.emitLocked(id, next)
	return true
}

func (t *Tracker) emitLocked(id uuid.UUID, st State) {
	if t.onChange != nil {
		t.onChange(Change{MessageID: id, State: st})
	}
}

// idSet is a bounded LRU set of message IDs with expiry.
type idSet struct {
	cap     int
	ttl     time.Duration
	entries map[uuid.UUID]*list.Element
	order   *list.List
}

type idEntry struct {
	id      uuid.UUID
	expires time.Time
}

func newIDSet(capacity int, ttl time.Duration) *idSet {
	return &idSet{cap: capacity, ttl: ttl, entries: make(map[uuid.UUID]*list.Element), order: list.New()}
}

func (s *idSet) checkAndAdd(id uuid.UUID, now time.Time) bool {
	if el, ok := s.entries[id]; ok {
		ent := el.Value.(*idEntry)
		if ent.expires.After(now) {
			s.order.MoveToFront(el)
			return true
		}
		ent.expires = now.Add(s.ttl)
		s.order.MoveToFront(el)
		return false
	}
	s.entries[id] = s.order.PushFront(&idEntry{id: id, expires: now.Add(s.ttl)})
	for len(s.entries) > s.cap {
		back := s.order.Back()
		delete(s.entries, back.Value.(*idEntry).id)
		s.order.Remove(back)
	}
	return false
}

func (s *idSet) prune(now time.Time) {
	for el := s.order.Back(); el != nil; {
		prev := el.Prev()
		ent := el.Value.(*idEntry)
		if ent.expires.After(now) {
			el = prev
			continue
		}
		delete(s.entries, ent.id)
		s.order.Remove(el)
		el = prev
	}
}

func (s *idSet) reset() {
	s.entries = make(map[uuid.UUID]*list.Element)
	s.order.Init()
}
