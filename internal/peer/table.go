package peer

import (
	"container/list"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"meshchat/internal/crypto"
	"meshchat/internal/proto"
)

const (
	DefaultCap   = 512
	DefaultGrace = 10 * time.Minute
)

type State uint8

const (
	StateDiscovered State = iota
	StateConnecting
	StateConnected
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateDiscovered:
		return "discovered"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// Record is a snapshot of one link. Callers always receive copies.
type Record struct {
	ID          proto.PeerID `json:"peer_id"`
	Nickname    string       `json:"nickname,omitempty"`
	PublicKey   []byte       `json:"public_key,omitempty"`
	State       State        `json:"state"`
	Favorite    bool         `json:"favorite"`
	LastSeen    time.Time    `json:"last_seen"`
	IdentityKey string       `json:"identity_key,omitempty"`
}

type Options struct {
	Cap   int
	Grace time.Duration
}

var ErrKeyChanged = errors.New("peer public key changed")

// Table tracks every peer the radio has seen during this session and maps
// PeerIDs onto stable identities. Only Transport mutates link state.
type Table struct {
	mu    sync.Mutex
	cap   int
	grace time.Duration
	now   func() time.Time

	hot   map[proto.PeerID]*list.Element
	order *list.List

	identities map[string]*identity
}

type entry struct {
	rec Record
}

type identity struct {
	peer     proto.PeerID
	lastSeen time.Time
}

func NewTable(opts Options) *Table {
	capacity := opts.Cap
	if capacity <= 0 {
		capacity = DefaultCap
	}
	grace := opts.Grace
	if grace <= 0 {
		grace = DefaultGrace
	}
	return &Table{
		cap:        capacity,
		grace:      grace,
		now:        time.Now,
		hot:        make(map[proto.PeerID]*list.Element),
		order:      list.New(),
		identities: make(map[string]*identity),
	}
}

// IdentityKey derives the correlation key for a peer: the public key
// fingerprint when known, otherwise the nickname.
func IdentityKey(nickname string, pub []byte) string {
	if len(pub) > 0 {
		return "pk:" + crypto.Fingerprint(pub)
	}
	if nickname != "" {
		return "nick:" + nickname
	}
	return ""
}

// Discovered records a peer seen by the scanner. It reports false when the peer
// already has a live record, so duplicate discovery is ignored.
func (t *Table) Discovered(id proto.PeerID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if el, ok := t.hot[id]; ok {
		ent := el.Value.(*entry)
		if ent.rec.State != StateDisconnected {
			return false
		}
		t.removeLocked(el)
	}
	t.insertLocked(Record{ID: id, State: StateDiscovered, LastSeen: t.now()})
	return true
}

func (t *Table) MarkConnecting(id proto.PeerID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	el, ok := t.hot[id]
	if !ok {
		t.insertLocked(Record{ID: id, State: StateConnecting, LastSeen: t.now()})
		return true
	}
	ent := el.Value.(*entry)
	if ent.rec.State != StateDiscovered {
		return false
	}
	ent.rec.State = StateConnecting
	ent.rec.LastSeen = t.now()
	t.order.MoveToFront(el)
	return true
}

// MarkConnected moves a peer to Connected. A peer that was Disconnected gets a
// fresh record; a peer that is already Connected is left alone and false is
// returned.
func (t *Table) MarkConnected(id proto.PeerID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	if el, ok := t.hot[id]; ok {
		ent := el.Value.(*entry)
		switch ent.rec.State {
		case StateConnected:
			return false
		case StateDisconnected:
			t.removeLocked(el)
		default:
			ent.rec.State = StateConnected
			ent.rec.LastSeen = now
			t.order.MoveToFront(el)
			return true
		}
	}
	t.insertLocked(Record{ID: id, State: StateConnected, LastSeen: now})
	t.pruneLocked()
	return true
}

// MarkDisconnected reports true only for the Connected to Disconnected edge,
// so each physical disconnect is surfaced once.
func (t *Table) MarkDisconnected(id proto.PeerID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	el, ok := t.hot[id]
	if !ok {
		return false
	}
	ent := el.Value.(*entry)
	if ent.rec.State == StateDisconnected {
		return false
	}
	wasConnected := ent.rec.State == StateConnected
	ent.rec.State = StateDisconnected
	ent.rec.LastSeen = t.now()
	if ident, ok := t.identities[ent.rec.IdentityKey]; ok && ident.peer == id {
		ident.lastSeen = ent.rec.LastSeen
	}
	return wasConnected
}

// Correlate attaches announce data to a link and returns its identity key.
// The public key is set once; a later different key is refused. prev is the
// PeerID this identity used before, when it reappeared under a new one.
func (t *Table) Correlate(id proto.PeerID, nickname string, pub []byte) (key string, prev proto.PeerID, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	el, ok := t.hot[id]
	if !ok {
		return "", proto.PeerID{}, fmt.Errorf("unknown peer %s", id)
	}
	ent := el.Value.(*entry)
	if len(ent.rec.PublicKey) > 0 && len(pub) > 0 && string(ent.rec.PublicKey) != string(pub) {
		return ent.rec.IdentityKey, proto.PeerID{}, ErrKeyChanged
	}
	if len(ent.rec.PublicKey) == 0 && len(pub) > 0 {
		ent.rec.PublicKey = append([]byte(nil), pub...)
	}
	if nickname != "" {
		ent.rec.Nickname = nickname
	}
	key = IdentityKey(ent.rec.Nickname, ent.rec.PublicKey)
	if key == "" {
		return "", proto.PeerID{}, nil
	}
	if ent.rec.IdentityKey != "" && ent.rec.IdentityKey != key {
		if ident, ok := t.identities[ent.rec.IdentityKey]; ok && ident.peer == id {
			delete(t.identities, ent.rec.IdentityKey)
		}
	}
	ent.rec.IdentityKey = key
	now := t.now()
	ident, ok := t.identities[key]
	if !ok {
		t.identities[key] = &identity{peer: id, lastSeen: now}
		return key, proto.PeerID{}, nil
	}
	if ident.peer != id && now.Sub(ident.lastSeen) <= t.grace {
		prev = ident.peer
	}
	ident.peer = id
	ident.lastSeen = now
	return key, prev, nil
}

func (t *Table) SetFavorite(id proto.PeerID, fav bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if el, ok := t.hot[id]; ok {
		el.Value.(*entry).rec.Favorite = fav
	}
}

func (t *Table) Get(id proto.PeerID) (Record, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	el, ok := t.hot[id]
	if !ok {
		return Record{}, false
	}
	return copyRecord(el.Value.(*entry).rec), true
}

// Resolve maps a PeerID onto the live link currently carrying the same
// identity, which may be a newer PeerID after churn.
func (t *Table) Resolve(id proto.PeerID) (proto.PeerID, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	el, ok := t.hot[id]
	if !ok {
		return proto.PeerID{}, false
	}
	rec := el.Value.(*entry).rec
	if rec.State == StateConnected {
		return id, true
	}
	ident, ok := t.identities[rec.IdentityKey]
	if !ok || ident.peer == id {
		return proto.PeerID{}, false
	}
	cur, ok := t.hot[ident.peer]
	if !ok || cur.Value.(*entry).rec.State != StateConnected {
		return proto.PeerID{}, false
	}
	return ident.peer, true
}

func (t *Table) IsConnected(id proto.PeerID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	el, ok := t.hot[id]
	return ok && el.Value.(*entry).rec.State == StateConnected
}

func (t *Table) Connected() []proto.PeerID {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]proto.PeerID, 0, len(t.hot))
	for id, el := range t.hot {
		if el.Value.(*entry).rec.State == StateConnected {
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}

func (t *Table) ConnectedCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, el := range t.hot {
		if el.Value.(*entry).rec.State == StateConnected {
			n++
		}
	}
	return n
}

// Nicknames returns the announced nickname of every connected peer.
func (t *Table) Nicknames() map[proto.PeerID]string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[proto.PeerID]string)
	for id, el := range t.hot {
		rec := el.Value.(*entry).rec
		if rec.State == StateConnected && rec.Nickname != "" {
			out[id] = rec.Nickname
		}
	}
	return out
}

// List returns records most recently touched first.
func (t *Table) List() []Record {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Record, 0, t.order.Len())
	for el := t.order.Front(); el != nil; el = el.Next() {
		out = append(out, copyRecord(el.Value.(*entry).rec))
	}
	return out
}

func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.order.Len()
}

func (t *Table) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.hot = make(map[proto.PeerID]*list.Element)
	t.order.Init()
	t.identities = make(map[string]*identity)
}

func (t *Table) insertLocked(rec Record) {
	el := t.order.PushFront(&entry{rec: rec})
	t.hot[rec.ID] = el
}

func (t *Table) removeLocked(el *list.Element) {
	ent := el.Value.(*entry)
	delete(t.hot, ent.rec.ID)
	t.order.Remove(el)
}

// pruneLocked drops disconnected records past the grace window, then evicts
// the oldest disconnected records while over capacity.
func (t *Table) pruneLocked() {
	now := t.now()
	for el := t.order.Back(); el != nil; {
		prev := el.Prev()
		ent := el.Value.(*entry)
		if ent.rec.State == StateDisconnected && now.Sub(ent.rec.LastSeen) > t.grace {
			t.removeLocked(el)
		}
		el = prev
	}
	for key, ident := range t.identities {
		if _, live := t.hot[ident.peer]; !live && now.Sub(ident.lastSeen) > t.grace {
			delete(t.identities, key)
		}
	}
	for el := t.order.Back(); el != nil && t.order.Len() > t.cap; {
		prev := el.Prev()
		if el.Value.(*entry).rec.State == StateDisconnected {
			t.removeLocked(el)
		}
		el = prev
	}
}

func copyRecord(r Record) Record {
	if len(r.PublicKey) > 0 {
		r.PublicKey = append([]byte(nil), r.PublicKey...)
	}
	return r
}
