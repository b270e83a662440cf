package transport

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"runtime/debug"
	"sync"
	"time"

	"meshchat/internal/debuglog"
	"meshchat/internal/metrics"
	"meshchat/internal/peer"
	"meshchat/internal/proto"
)

var (
	ErrStopped  = errors.New("transport stopped")
	ErrNoLinks  = errors.New("no connected links")
	ErrNoRoute  = errors.New("target not connected")
	ErrNoDriver = errors.New("missing radio driver")
)

// Listener receives link and frame events. All callbacks run on the single
// dispatch goroutine, in the order the radio produced them.
type Listener interface {
	PeerConnected(id proto.PeerID)
	PeerDisconnected(id proto.PeerID)
	FrameReceived(from proto.PeerID, data []byte)
}

type Options struct {
	Driver      Driver
	Peers       *peer.Table
	Metrics     *metrics.Metrics
	BackoffBase time.Duration
	BackoffCap  time.Duration
	Foreground  DutyCycle
	Background  DutyCycle
}

type eventKind uint8

const (
	evDiscovered eventKind = iota
	evUp
	evDown
	evFrame
)

type event struct {
	kind eventKind
	id   proto.PeerID
	data []byte
}

type outFrame struct {
	to   []proto.PeerID
	data []byte
}

// Transport owns the radio driver and the peer table. It turns driver
// callbacks into ordered Listener events and serialises outbound writes.
type Transport struct {
	driver  Driver
	peers   *peer.Table
	metrics *metrics.Metrics

	backoffBase time.Duration
	backoffCap  time.Duration
	fg, bg      DutyCycle

	mu         sync.Mutex
	listener   Listener
	running    bool
	background bool
	self       proto.PeerID
	cancel     context.CancelFunc
	events     *Queue[event]
	out        *Queue[outFrame]
	wg         sync.WaitGroup

	driverMu      sync.Mutex
	driverStarted bool
}

func New(opts Options) *Transport {
	peers := opts.Peers
	if peers == nil {
		peers = peer.NewTable(peer.Options{})
	}
	m := opts.Metrics
	if m == nil {
		m = metrics.New()
	}
	base := opts.BackoffBase
	if base <= 0 {
		base = defaultBackoffBase
	}
	capDur := opts.BackoffCap
	if capDur <= 0 {
		capDur = defaultBackoffCap
	}
	fg := opts.Foreground
	if fg.ScanInterval <= 0 {
		fg = ForegroundDutyCycle
	}
	bg := opts.Background
	if bg.ScanInterval <= 0 {
		bg = BackgroundDutyCycle
	}
	return &Transport{
		driver:      opts.Driver,
		peers:       peers,
		metrics:     m,
		backoffBase: base,
		backoffCap:  capDur,
		fg:          fg,
		bg:          bg,
	}
}

func (t *Transport) SetListener(l Listener) {
	t.mu.Lock()
	t.listener = l
	t.mu.Unlock()
}

// Self returns the PeerID of the current radio session, or the zero ID when
// stopped.
func (t *Transport) Self() proto.PeerID {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.running {
		return proto.PeerID{}
	}
	return t.self
}

func (t *Transport) Running() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.running
}

// Start brings the radio up under a fresh PeerID. It is idempotent. Driver
// failures are retried in the background with exponential backoff.
func (t *Transport) Start(ctx context.Context) error {
	if t.driver == nil {
		return ErrNoDriver
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.running {
		return nil
	}
	self, err := proto.NewPeerID()
	if err != nil {
		return err
	}
	runCtx, cancel := context.WithCancel(ctx)
	t.self = self
	t.cancel = cancel
	t.events = NewQueue[event]()
	t.out = NewQueue[outFrame]()
	t.running = true
	dc := t.fg
	if t.background {
		dc = t.bg
	}
	sink := &queueSink{q: t.events}
	t.wg.Add(3)
	go t.dispatchLoop(runCtx, t.events)
	go t.writeLoop(runCtx, t.out)
	go t.startLoop(runCtx, self, sink, dc)
	debuglog.Logf("transport start self=%s", self)
	return nil
}

// Stop tears the radio down, drops pending outbound frames and reports every
// live link as disconnected. It is idempotent.
func (t *Transport) Stop() error {
	t.mu.Lock()
	if !t.running {
		t.mu.Unlock()
		return nil
	}
	t.running = false
	cancel := t.cancel
	events, out := t.events, t.out
	listener := t.listener
	t.mu.Unlock()

	cancel()
	var stopErr error
	t.driverMu.Lock()
	if t.driverStarted {
		stopErr = t.driver.Stop()
		t.driverStarted = false
	}
	t.driverMu.Unlock()
	events.Close()
	out.Close()
	t.wg.Wait()

	for _, id := range t.peers.Connected() {
		if t.peers.MarkDisconnected(id) && listener != nil {
			safeCall("peer disconnected", func() { listener.PeerDisconnected(id) })
		}
	}
	t.metrics.SetCurrentLinks(0)
	debuglog.Logf("transport stop")
	return stopErr
}

// SetAppBackgroundState switches the scan duty cycle. Links are kept.
func (t *Transport) SetAppBackgroundState(background bool) {
	t.mu.Lock()
	if t.background == background {
		t.mu.Unlock()
		return
	}
	t.background = background
	running := t.running
	t.mu.Unlock()
	dc := t.fg
	if background {
		dc = t.bg
	}
	if running {
		t.driverMu.Lock()
		if t.driverStarted {
			t.driver.SetDutyCycle(dc)
		}
		t.driverMu.Unlock()
	}
	debuglog.Debugf("transport background=%v scan_interval=%s", background, dc.ScanInterval)
}

// SendFrame hands a frame to the writer goroutine: to every connected link
// when target is nil, otherwise to that link only.
func (t *Transport) SendFrame(frame []byte, target *proto.PeerID) error {
	var to []proto.PeerID
	if target != nil {
		if !t.peers.IsConnected(*target) {
			return fmt.Errorf("%w: %s", ErrNoRoute, *target)
		}
		to = []proto.PeerID{*target}
	} else {
		to = t.peers.Connected()
	}
	return t.enqueue(to, frame)
}

// RelayFrame sends a frame to every connected link except the one it arrived on.
func (t *Transport) RelayFrame(frame []byte, except proto.PeerID) error {
	all := t.peers.Connected()
	to := make([]proto.PeerID, 0, len(all))
	for _, id := range all {
		if id != except {
			to = append(to, id)
		}
	}
	return t.enqueue(to, frame)
}

func (t *Transport) enqueue(to []proto.PeerID, frame []byte) error {
	t.mu.Lock()
	running, out := t.running, t.out
	t.mu.Unlock()
	if !running {
		return ErrStopped
	}
	if len(to) == 0 {
		return ErrNoLinks
	}
	data := append([]byte(nil), frame...)
	if !out.Push(outFrame{to: to, data: data}) {
		return ErrStopped
	}
	return nil
}

func (t *Transport) startLoop(ctx context.Context, self proto.PeerID, sink Sink, dc DutyCycle) {
	defer t.wg.Done()
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	failures := 0
	for {
		t.driverMu.Lock()
		if ctx.Err() != nil {
			t.driverMu.Unlock()
			return
		}
		err := t.driver.Start(ctx, self, sink)
		if err == nil {
			t.driverStarted = true
			t.driver.SetDutyCycle(dc)
			t.driverMu.Unlock()
			return
		}
		t.driverMu.Unlock()
		t.metrics.IncStartFailures()
		wait := nextBackoffDurationWithCap(failures, t.backoffBase, rng, t.backoffCap)
		failures++
		debuglog.Logf("radio start failed attempt=%d retry_in=%s err=%v", failures, wait, err)
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

func (t *Transport) dispatchLoop(ctx context.Context, q *Queue[event]) {
	defer t.wg.Done()
	for {
		ev, ok := q.Pop(ctx)
		if !ok {
			return
		}
		t.dispatch(ctx, ev)
	}
}

func (t *Transport) dispatch(ctx context.Context, ev event) {
	t.mu.Lock()
	l := t.listener
	t.mu.Unlock()
	switch ev.kind {
	case evDiscovered:
		if !t.peers.Discovered(ev.id) {
			return
		}
		t.peers.MarkConnecting(ev.id)
		t.wg.Add(1)
		go func(id proto.PeerID) {
			defer t.wg.Done()
			if err := t.driver.Connect(ctx, id); err != nil {
				debuglog.RateLimitedf("connect:"+id.String(), 10*time.Second, "connect %s failed: %v", id, err)
				t.peers.MarkDisconnected(id)
			}
		}(ev.id)
	case evUp:
		if !t.peers.MarkConnected(ev.id) {
			return
		}
		t.metrics.SetCurrentLinks(t.peers.ConnectedCount())
		debuglog.Debugf("link up %s", ev.id)
		if l != nil {
			safeCall("peer connected", func() { l.PeerConnected(ev.id) })
		}
	case evDown:
		if !t.peers.MarkDisconnected(ev.id) {
			return
		}
		t.metrics.SetCurrentLinks(t.peers.ConnectedCount())
		debuglog.Debugf("link down %s", ev.id)
		if l != nil {
			safeCall("peer disconnected", func() { l.PeerDisconnected(ev.id) })
		}
	case evFrame:
		if !t.peers.IsConnected(ev.id) {
			debuglog.RateLimitedf("frame-unlinked", time.Second, "drop frame from unlinked %s", ev.id)
			return
		}
		if l != nil {
			safeCall("frame received", func() { l.FrameReceived(ev.id, ev.data) })
		}
	}
}

func (t *Transport) writeLoop(ctx context.Context, q *Queue[outFrame]) {
	defer t.wg.Done()
	for {
		f, ok := q.Pop(ctx)
		if !ok {
			return
		}
		for _, id := range f.to {
			if err := t.driver.Send(id, f.data); err != nil {
				t.metrics.IncSendErrors()
				debuglog.RateLimitedf("send:"+id.String(), 5*time.Second, "send to %s failed: %v", id, err)
				continue
			}
			t.metrics.IncFramesSent()
		}
	}
}

func safeCall(what string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			debuglog.Logf("panic in %s: %v\n%s", what, r, debug.Stack())
		}
	}()
	fn()
}

type queueSink struct {
	q *Queue[event]
}

func (s *queueSink) Discovered(id proto.PeerID) {
	s.q.Push(event{kind: evDiscovered, id: id})
}

func (s *queueSink) LinkUp(id proto.PeerID) {
	s.q.Push(event{kind: evUp, id: id})
}

func (s *queueSink) LinkDown(id proto.PeerID) {
	s.q.Push(event{kind: evDown, id: id})
}

func (s *queueSink) Frame(from proto.PeerID, data []byte) {
	s.q.Push(event{kind: evFrame, id: from, data: data})
}

// Linked reports whether id is a live direct link.
func (t *Transport) Linked(id proto.PeerID) bool {
	return t.peers.IsConnected(id)
}
