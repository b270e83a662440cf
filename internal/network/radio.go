// Package network carries mesh links over QUIC. Each link is one
// bidirectional stream of length-prefixed frame records, opened with a hello
// exchange that tells each side the other's PeerID.
package network

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	quic "github.com/quic-go/quic-go"

	"meshchat/internal/debuglog"
	"meshchat/internal/proto"
	"meshchat/internal/transport"
)

const (
	helloVersion = 1

	helloOK        byte = 0
	helloDuplicate byte = 1

	maxIdleTimeout       = 30 * time.Second
	keepAlivePeriod      = 10 * time.Second
	handshakeIdleTimeout = 5 * time.Second
	writeTimeout         = 5 * time.Second

	closeNormal    quic.ApplicationErrorCode = 0
	closeDuplicate quic.ApplicationErrorCode = 1
	closeLimited   quic.ApplicationErrorCode = 2
)

var ErrHello = errors.New("bad link hello")

var _ transport.Driver = (*Radio)(nil)

type Options struct {
	Listen        string
	Neighbors     []string
	MaxConnsPerIP int
	// DialBackoffBase and DialBackoffMax bound retries of unreachable
	// neighbors.
	DialBackoffBase time.Duration
	DialBackoffMax  time.Duration
}

// Radio is a transport.Driver that links to configured neighbor addresses
// and accepts links from anyone who dials in.
type Radio struct {
	listen  string
	limiter *ipLimiter
	pool    *neighborPool

	mu      sync.Mutex
	running bool
	self    proto.PeerID
	sink    transport.Sink
	ln      *quic.Listener
	cancel  context.CancelFunc
	duty    transport.DutyCycle
	wake    chan struct{}
	links   map[proto.PeerID]*link
	pending map[proto.PeerID]*link
	wg      sync.WaitGroup
}

type link struct {
	id     proto.PeerID
	conn   *quic.Conn
	stream *quic.Stream
	addr   string
	ip     string
	since  time.Time

	writeMu sync.Mutex
}

func (l *link) close(code quic.ApplicationErrorCode, reason string) {
	_ = l.conn.CloseWithError(code, reason)
}

func NewRadio(opts Options) *Radio {
	return &Radio{
		listen:  opts.Listen,
		limiter: newIPLimiter(opts.MaxConnsPerIP),
		pool:    newNeighborPool(opts.Neighbors, opts.DialBackoffBase, opts.DialBackoffMax),
		duty:    transport.ForegroundDutyCycle,
		wake:    make(chan struct{}, 1),
	}
}

func quicConfig() *quic.Config {
	return &quic.Config{
		MaxIdleTimeout:       maxIdleTimeout,
		KeepAlivePeriod:      keepAlivePeriod,
		HandshakeIdleTimeout: handshakeIdleTimeout,
	}
}

// Start opens the listener and begins scanning neighbors.
func (r *Radio) Start(ctx context.Context, self proto.PeerID, sink transport.Sink) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return nil
	}
	tlsConf, err := serverTLSConfig()
	if err != nil {
		return err
	}
	ln, err := quic.ListenAddr(r.listen, tlsConf, quicConfig())
	if err != nil {
		return fmt.Errorf("listen %s: %w", r.listen, err)
	}
	runCtx, cancel := context.WithCancel(ctx)
	r.running = true
	r.self = self
	r.sink = sink
	r.ln = ln
	r.cancel = cancel
	r.links = make(map[proto.PeerID]*link)
	r.pending = make(map[proto.PeerID]*link)
	r.pool.reset()
	r.wg.Add(2)
	go r.acceptLoop(runCtx, ln)
	go r.scanLoop(runCtx)
	debuglog.Logf("quic radio listening on %s self=%s", ln.Addr(), self)
	return nil
}

// Stop closes every link and the listener. It does not report LinkDown; the
// transport settles link state itself on stop.
func (r *Radio) Stop() error {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return nil
	}
	r.running = false
	r.cancel()
	ln := r.ln
	all := make([]*link, 0, len(r.links)+len(r.pending))
	for _, l := range r.links {
		all = append(all, l)
	}
	for _, l := range r.pending {
		all = append(all, l)
	}
	r.links = make(map[proto.PeerID]*link)
	r.pending = make(map[proto.PeerID]*link)
	r.sink = nil
	r.mu.Unlock()

	err := ln.Close()
	for _, l := range all {
		l.close(closeNormal, "radio stopped")
	}
	r.wg.Wait()
	return err
}

// Addr is the bound listen address, useful when listening on port 0.
func (r *Radio) Addr() net.Addr {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ln == nil {
		return nil
	}
	return r.ln.Addr()
}

func (r *Radio) SetDutyCycle(dc transport.DutyCycle) {
	r.mu.Lock()
	r.duty = dc
	r.mu.Unlock()
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// Connect promotes a dialed candidate to a live link.
func (r *Radio) Connect(ctx context.Context, id proto.PeerID) error {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return transport.ErrStopped
	}
	l, ok := r.pending[id]
	if !ok {
		_, live := r.links[id]
		r.mu.Unlock()
		if live {
			return nil
		}
		return fmt.Errorf("%w: %s", transport.ErrNoRoute, id)
	}
	delete(r.pending, id)
	r.links[id] = l
	sink := r.sink
	r.wg.Add(1)
	r.mu.Unlock()

	r.pool.linked(l.addr, id)
	sink.LinkUp(id)
	go func() {
		defer r.wg.Done()
		r.readLoop(l, sink)
	}()
	return nil
}

func (r *Radio) Send(to proto.PeerID, frame []byte) error {
	r.mu.Lock()
	l, ok := r.links[to]
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", transport.ErrNoRoute, to)
	}
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	_ = l.stream.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := proto.WriteRecord(l.stream, frame); err != nil {
		l.close(closeNormal, "write failed")
		return err
	}
	return nil
}

func (r *Radio) acceptLoop(ctx context.Context, ln *quic.Listener) {
	defer r.wg.Done()
	for {
		conn, err := ln.Accept(ctx)
		if err != nil {
			if ctx.Err() == nil {
				debuglog.Logf("quic accept stopped: %v", err)
			}
			return
		}
		ip := hostOf(conn.RemoteAddr())
		if !r.limiter.acquire(ip) {
			debuglog.RateLimitedf("limit:"+ip, 10*time.Second, "refusing link from %s: too many connections", ip)
			_ = conn.CloseWithError(closeLimited, "too many connections")
			continue
		}
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			defer r.limiter.release(ip)
			r.serveInbound(ctx, conn, ip)
		}()
	}
}

func (r *Radio) serveInbound(ctx context.Context, conn *quic.Conn, ip string) {
	hctx, cancel := context.WithTimeout(ctx, handshakeIdleTimeout)
	stream, err := conn.AcceptStream(hctx)
	cancel()
	if err != nil {
		_ = conn.CloseWithError(closeNormal, "no stream")
		return
	}
	_ = stream.SetReadDeadline(time.Now().Add(handshakeIdleTimeout))
	remote, _, err := readHello(stream)
	_ = stream.SetReadDeadline(time.Time{})
	if err != nil {
		debuglog.RateLimitedf("hello:"+ip, 10*time.Second, "bad hello from %s: %v", ip, err)
		_ = conn.CloseWithError(closeNormal, "bad hello")
		return
	}
	l := &link{id: remote, conn: conn, stream: stream, ip: ip}
	sink, accepted := r.adoptInbound(l)
	if !accepted {
		r.mu.Lock()
		self := r.self
		r.mu.Unlock()
		_ = writeHello(stream, self, helloDuplicate)
		l.close(closeDuplicate, "duplicate link")
		return
	}
	if err := writeHello(stream, sink.self, helloOK); err != nil {
		r.dropLink(l, sink.sink)
		return
	}
	sink.sink.LinkUp(remote)
	r.readLoop(l, sink.sink)
}

type boundSink struct {
	self proto.PeerID
	sink transport.Sink
}

// adoptInbound registers an inbound link. When both sides dial each other at
// once, the link dialed by the lower PeerID survives.
func (r *Radio) adoptInbound(l *link) (boundSink, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.running || l.id == r.self {
		return boundSink{}, false
	}
	weDialFirst := r.self.String() < l.id.String()
	if old, ok := r.pending[l.id]; ok {
		if weDialFirst {
			return boundSink{}, false
		}
		delete(r.pending, l.id)
		old.close(closeDuplicate, "duplicate link")
		r.pool.linked(old.addr, l.id)
	}
	if old, ok := r.links[l.id]; ok {
		if weDialFirst {
			return boundSink{}, false
		}
		old.close(closeDuplicate, "duplicate link")
		r.pool.linked(old.addr, l.id)
	}
	r.links[l.id] = l
	return boundSink{self: r.self, sink: r.sink}, true
}

func (r *Radio) readLoop(l *link, sink transport.Sink) {
	for {
		data, err := proto.ReadRecord(l.stream)
		if err != nil {
			break
		}
		sink.Frame(l.id, data)
	}
	r.dropLink(l, sink)
}

// dropLink forgets l if it is still the live link for its peer and reports
// the loss once.
func (r *Radio) dropLink(l *link, sink transport.Sink) {
	r.mu.Lock()
	cur, ok := r.links[l.id]
	current := ok && cur == l && r.running
	if current {
		delete(r.links, l.id)
	}
	r.mu.Unlock()
	l.close(closeNormal, "link closed")
	if !current {
		return
	}
	r.pool.unlinkedPeer(l.id)
	debuglog.Debugf("quic link to %s closed", l.id)
	sink.LinkDown(l.id)
}

func (r *Radio) scanLoop(ctx context.Context) {
	defer r.wg.Done()
	for {
		r.expirePending(time.Now())
		for _, addr := range r.pool.due(time.Now()) {
			r.wg.Add(1)
			go func(addr string) {
				defer r.wg.Done()
				r.dial(ctx, addr)
			}(addr)
		}
		r.mu.Lock()
		interval := r.duty.ScanInterval
		r.mu.Unlock()
		if interval <= 0 {
			interval = transport.ForegroundDutyCycle.ScanInterval
		}
		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-r.wake:
			timer.Stop()
		case <-timer.C:
		}
	}
}

func (r *Radio) dial(ctx context.Context, addr string) {
	tlsConf, err := clientTLSConfig()
	if err != nil {
		r.pool.failed(addr, time.Now())
		return
	}
	dctx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()
	conn, err := quic.DialAddr(dctx, addr, tlsConf, quicConfig())
	if err != nil {
		n := r.pool.failed(addr, time.Now())
		debuglog.RateLimitedf("dial:"+addr, 30*time.Second, "dial %s failed attempt=%d: %v", addr, n, err)
		return
	}
	stream, err := conn.OpenStreamSync(dctx)
	if err != nil {
		_ = conn.CloseWithError(closeNormal, "no stream")
		r.pool.failed(addr, time.Now())
		return
	}
	r.mu.Lock()
	self, sink, running := r.self, r.sink, r.running
	r.mu.Unlock()
	if !running {
		_ = conn.CloseWithError(closeNormal, "radio stopped")
		return
	}
	_ = stream.SetDeadline(time.Now().Add(handshakeIdleTimeout))
	if err := writeHello(stream, self, helloOK); err != nil {
		_ = conn.CloseWithError(closeNormal, "hello failed")
		r.pool.failed(addr, time.Now())
		return
	}
	remote, status, err := readHello(stream)
	_ = stream.SetDeadline(time.Time{})
	if err != nil {
		_ = conn.CloseWithError(closeNormal, "hello failed")
		r.pool.failed(addr, time.Now())
		return
	}
	if remote == self {
		_ = conn.CloseWithError(closeNormal, "self")
		r.pool.markSelf(addr)
		return
	}
	if status == helloDuplicate {
		_ = conn.CloseWithError(closeNormal, "duplicate link")
		r.pool.linked(addr, remote)
		return
	}
	l := &link{id: remote, conn: conn, stream: stream, addr: addr, ip: hostOf(conn.RemoteAddr()), since: time.Now()}
	r.mu.Lock()
	_, live := r.links[remote]
	_, waiting := r.pending[remote]
	if !r.running || live || waiting {
		r.mu.Unlock()
		l.close(closeDuplicate, "duplicate link")
		r.pool.linked(addr, remote)
		return
	}
	r.pending[remote] = l
	r.mu.Unlock()
	sink.Discovered(remote)
}

// expirePending closes dialed candidates the transport never connected.
func (r *Radio) expirePending(now time.Time) {
	r.mu.Lock()
	var stale []*link
	for id, l := range r.pending {
		if now.Sub(l.since) > 2*dialTimeout {
			delete(r.pending, id)
			stale = append(stale, l)
		}
	}
	r.mu.Unlock()
	for _, l := range stale {
		l.close(closeNormal, "not connected")
		r.pool.failed(l.addr, now)
	}
}

// hello record: version(1) status(1) peer_id(8)
func writeHello(stream *quic.Stream, self proto.PeerID, status byte) error {
	msg := make([]byte, 0, 2+proto.PeerIDSize)
	msg = append(msg, helloVersion, status)
	msg = append(msg, self[:]...)
	return proto.WriteRecord(stream, msg)
}

func readHello(stream *quic.Stream) (proto.PeerID, byte, error) {
	var id proto.PeerID
	msg, err := proto.ReadRecord(stream)
	if err != nil {
		return id, 0, err
	}
	if len(msg) != 2+proto.PeerIDSize || msg[0] != helloVersion {
		return id, 0, ErrHello
	}
	copy(id[:], msg[2:])
	if id.IsZero() {
		return id, 0, ErrHello
	}
	return id, msg[1], nil
}

func hostOf(addr net.Addr) string {
	if addr == nil {
		return ""
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}
