package network

import (
	"sort"
	"sync"
	"time"

	"meshchat/internal/proto"
)

const (
	dialBackoffBase = 500 * time.Millisecond
	dialBackoffMax  = 30 * time.Second
	dialTimeout     = 5 * time.Second
)

type neighbor struct {
	peer     proto.PeerID
	linked   bool
	dialing  bool
	self     bool
	failures int
	next     time.Time
}

// neighborPool tracks dial state for configured neighbor addresses: which are
// linked, which are being dialed and when a failing one may be retried.
type neighborPool struct {
	mu      sync.Mutex
	base    time.Duration
	max     time.Duration
	entries map[string]*neighbor
}

func newNeighborPool(addrs []string, base, max time.Duration) *neighborPool {
	if base <= 0 {
		base = dialBackoffBase
	}
	if max <= 0 {
		max = dialBackoffMax
	}
	p := &neighborPool{base: base, max: max, entries: make(map[string]*neighbor)}
	for _, a := range addrs {
		if a != "" {
			p.entries[a] = &neighbor{}
		}
	}
	return p
}

// due returns the addresses that should be dialed now and marks them dialing.
func (p *neighborPool) due(now time.Time) []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []string
	for addr, n := range p.entries {
		if n.self || n.linked || n.dialing || now.Before(n.next) {
			continue
		}
		n.dialing = true
		out = append(out, addr)
	}
	sort.Strings(out)
	return out
}

func (p *neighborPool) failed(addr string, now time.Time) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n, ok := p.entries[addr]
	if !ok {
		return 0
	}
	n.dialing = false
	n.failures++
	wait := p.base << uint(n.failures-1)
	if wait <= 0 || wait > p.max {
		wait = p.max
	}
	n.next = now.Add(wait)
	return n.failures
}

// linked records that addr is reachable as id, whether over our own dial or
// a link the neighbor opened to us.
func (p *neighborPool) linked(addr string, id proto.PeerID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if n, ok := p.entries[addr]; ok {
		n.dialing = false
		n.linked = true
		n.peer = id
		n.failures = 0
		n.next = time.Time{}
	}
}

// unlinkedPeer makes every address that led to id dialable again.
func (p *neighborPool) unlinkedPeer(id proto.PeerID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, n := range p.entries {
		if n.peer == id {
			n.linked = false
			n.dialing = false
		}
	}
}

// markSelf stops dialing an address that turned out to be our own listener.
func (p *neighborPool) markSelf(addr string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if n, ok := p.entries[addr]; ok {
		n.self = true
		n.dialing = false
	}
}

func (p *neighborPool) reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for addr := range p.entries {
		p.entries[addr] = &neighbor{}
	}
}

func (p *neighborPool) failures(addr string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if n, ok := p.entries[addr]; ok {
		return n.failures
	}
	return 0
}
