package transport

import (
	"context"
	"errors"
	"sync"

	"meshchat/internal/proto"
)

var ErrRadioDown = errors.New("radio not started")

// MemHub is an in-process radio medium. Radios only hear each other while
// linked with InRange, which lets tests build arbitrary topologies.
type MemHub struct {
	mu     sync.Mutex
	radios []*MemRadio
	near   map[[2]*MemRadio]bool
	links  map[[2]*MemRadio]bool
}

func NewMemHub() *MemHub {
	return &MemHub{
		near:  make(map[[2]*MemRadio]bool),
		links: make(map[[2]*MemRadio]bool),
	}
}

// MemRadio is one node's radio on a MemHub.
type MemRadio struct {
	hub  *MemHub
	name string

	running    bool
	self       proto.PeerID
	sink       Sink
	failStarts int
	duty       DutyCycle
	starts     int
}

func (h *MemHub) NewRadio(name string) *MemRadio {
	r := &MemRadio{hub: h, name: name}
	h.mu.Lock()
	h.radios = append(h.radios, r)
	h.mu.Unlock()
	return r
}

func pairKey(a, b *MemRadio) [2]*MemRadio {
	if a.name > b.name {
		a, b = b, a
	}
	return [2]*MemRadio{a, b}
}

// InRange puts two radios within hearing distance; running radios discover
// each other immediately.
func (h *MemHub) InRange(a, b *MemRadio) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.near[pairKey(a, b)] = true
	if a.running && b.running {
		a.sink.Discovered(b.self)
		b.sink.Discovered(a.self)
	}
}

// OutOfRange breaks any link between a and b and stops them discovering each
// other.
func (h *MemHub) OutOfRange(a, b *MemRadio) {
	h.mu.Lock()
	defer h.mu.Unlock()
	key := pairKey(a, b)
	delete(h.near, key)
	h.dropLinkLocked(key)
}

func (h *MemHub) dropLinkLocked(key [2]*MemRadio) {
	if !h.links[key] {
		return
	}
	delete(h.links, key)
	a, b := key[0], key[1]
	if a.running {
		a.sink.LinkDown(b.self)
	}
	if b.running {
		b.sink.LinkDown(a.self)
	}
}

func (r *MemRadio) Name() string {
	return r.name
}

// FailStarts makes the next n Start calls fail.
func (r *MemRadio) FailStarts(n int) {
	r.hub.mu.Lock()
	r.failStarts = n
	r.hub.mu.Unlock()
}

func (r *MemRadio) Starts() int {
	r.hub.mu.Lock()
	defer r.hub.mu.Unlock()
	return r.starts
}

func (r *MemRadio) DutyCycle() DutyCycle {
	r.hub.mu.Lock()
	defer r.hub.mu.Unlock()
	return r.duty
}

func (r *MemRadio) Self() proto.PeerID {
	r.hub.mu.Lock()
	defer r.hub.mu.Unlock()
	return r.self
}

func (r *MemRadio) Start(ctx context.Context, self proto.PeerID, sink Sink) error {
	h := r.hub
	h.mu.Lock()
	defer h.mu.Unlock()
	r.starts++
	if r.failStarts > 0 {
		r.failStarts--
		return errors.New("mem radio: adapter unavailable")
	}
	if r.running {
		return nil
	}
	r.running = true
	r.self = self
	r.sink = sink
	for key := range h.near {
		other := key[0]
		if other == r {
			other = key[1]
		} else if key[1] != r {
			continue
		}
		if other.running {
			r.sink.Discovered(other.self)
			other.sink.Discovered(r.self)
		}
	}
	return nil
}

func (r *MemRadio) Stop() error {
	h := r.hub
	h.mu.Lock()
	defer h.mu.Unlock()
	if !r.running {
		return nil
	}
	for key := range h.links {
		if key[0] == r || key[1] == r {
			h.dropLinkLocked(key)
		}
	}
	r.running = false
	r.sink = nil
	return nil
}

func (r *MemRadio) SetDutyCycle(dc DutyCycle) {
	r.hub.mu.Lock()
	r.duty = dc
	r.hub.mu.Unlock()
}

func (r *MemRadio) Connect(ctx context.Context, id proto.PeerID) error {
	h := r.hub
	h.mu.Lock()
	defer h.mu.Unlock()
	if !r.running {
		return ErrRadioDown
	}
	other := h.findLocked(r, id)
	if other == nil {
		return ErrNoRoute
	}
	key := pairKey(r, other)
	if h.links[key] {
		return nil
	}
	h.links[key] = true
	r.sink.LinkUp(other.self)
	other.sink.LinkUp(r.self)
	return nil
}

func (r *MemRadio) Send(to proto.PeerID, frame []byte) error {
	h := r.hub
	h.mu.Lock()
	defer h.mu.Unlock()
	if !r.running {
		return ErrRadioDown
	}
	other := h.findLocked(r, to)
	if other == nil || !h.links[pairKey(r, other)] {
		return ErrNoRoute
	}
	other.sink.Frame(r.self, append([]byte(nil), frame...))
	return nil
}

func (h *MemHub) findLocked(r *MemRadio, id proto.PeerID) *MemRadio {
	for _, other := range h.radios {
		if other != r && other.running && other.self == id && h.near[pairKey(r, other)] {
			return other
		}
	}
	return nil
}
