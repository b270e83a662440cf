package session

import (
	"bytes"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"meshchat/internal/crypto"
	"meshchat/internal/debuglog"
	"meshchat/internal/metrics"
	"meshchat/internal/proto"
)

var (
	ErrNoPeerKey    = errors.New("no public key for peer")
	ErrKeyMismatch  = errors.New("peer public key mismatch")
	ErrNoChannelKey = errors.New("no channel key")
	ErrNotJoined    = errors.New("channel not joined")
	ErrKeyPending   = errors.New("channel key still being derived")
)

type Options struct {
	Key     *crypto.StaticKey
	Metrics *metrics.Metrics
	// Self returns the current radio PeerID; used to record our own channel
	// claims.
	Self func() proto.PeerID
	// OnChannelKeyReady runs after an asynchronous derivation settles.
	OnChannelKeyReady func(channel string, ok bool)
	// Derive overrides the password KDF in tests.
	Derive func(channel, password string) ([]byte, error)
}

// Manager holds per-peer session keys and per-channel password keys.
type Manager struct {
	key     *crypto.StaticKey
	metrics *metrics.Metrics
	self    func() proto.PeerID
	onReady func(string, bool)
	derive  func(string, string) ([]byte, error)
	group   singleflight.Group
	now     func() time.Time

	mu       sync.Mutex
	peers    map[proto.PeerID]*peerSession
	channels map[string]*channelState
}

type peerSession struct {
	pub  []byte
	keys *crypto.SessionKeys
}

type claim struct {
	commitment []byte
	at         int64
	origin     proto.PeerID
}

type channelState struct {
	name    string
	pending string
	gen     uint64
	key     []byte
	commit  []byte
	ownAt   int64
	auth    *claim
}

func NewManager(opts Options) (*Manager, error) {
	if opts.Key == nil {
		return nil, errors.New("session: missing static key")
	}
	m := opts.Metrics
	if m == nil {
		m = metrics.New()
	}
	self := opts.Self
	if self == nil {
		self = func() proto.PeerID { return proto.PeerID{} }
	}
	derive := opts.Derive
	if derive == nil {
		derive = crypto.DeriveChannelKey
	}
	return &Manager{
		key:      opts.Key,
		metrics:  m,
		self:     self,
		onReady:  opts.OnChannelKeyReady,
		derive:   derive,
		now:      time.Now,
		peers:    make(map[proto.PeerID]*peerSession),
		channels: make(map[string]*channelState),
	}, nil
}

func (m *Manager) PublicKey() []byte {
	return m.key.Public()
}

// RegisterPeerPublicKey records pub for id on first use. A later different key
// for the same PeerID is refused.
func (m *Manager) RegisterPeerPublicKey(id proto.PeerID, pub []byte) error {
	if len(pub) != crypto.PublicKeySize {
		return fmt.Errorf("bad public key size %d", len(pub))
	}
	if bytes.Equal(pub, m.key.Public()) {
		return errors.New("peer announced our own key")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if ps, ok := m.peers[id]; ok {
		if bytes.Equal(ps.pub, pub) {
			return nil
		}
		m.metrics.IncKeyRejected()
		debuglog.Logf("refusing key change for peer %s", id)
		return ErrKeyMismatch
	}
	m.peers[id] = &peerSession{pub: append([]byte(nil), pub...)}
	return nil
}

func (m *Manager) HasPeerKey(id proto.PeerID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.peers[id]
	return ok
}

func (m *Manager) PeerPublicKey(id proto.PeerID) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ps, ok := m.peers[id]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), ps.pub...), true
}

func (m *Manager) sessionKeys(id proto.PeerID) (*crypto.SessionKeys, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ps, ok := m.peers[id]
	if !ok {
		return nil, ErrNoPeerKey
	}
	if ps.keys != nil {
		return ps.keys, nil
	}
	ss, err := m.key.Shared(ps.pub)
	if err != nil {
		return nil, err
	}
	keys, err := crypto.DeriveSessionKeys(ss, m.key.Public(), ps.pub)
	if err != nil {
		return nil, err
	}
	ps.keys = &keys
	return ps.keys, nil
}

// SealPrivate encrypts for peer id. It fails closed with ErrNoPeerKey when no
// key has been registered.
func (m *Manager) SealPrivate(id proto.PeerID, plaintext, aad []byte) ([]byte, error) {
	keys, err := m.sessionKeys(id)
	if err != nil {
		return nil, err
	}
	box, err := crypto.SealBox(keys.SendKey, plaintext, aad)
	if err != nil {
		return nil, err
	}
	m.metrics.IncSealed()
	return box, nil
}

func (m *Manager) OpenPrivate(id proto.PeerID, box, aad []byte) ([]byte, error) {
	keys, err := m.sessionKeys(id)
	if err != nil {
		return nil, err
	}
	pt, err := crypto.OpenBox(keys.RecvKey, box, aad)
	if err != nil {
		m.metrics.IncDropDecrypt()
		return nil, err
	}
	m.metrics.IncOpened()
	return pt, nil
}

// ForgetPeer drops the session for a PeerID that is gone for good.
func (m *Manager) ForgetPeer(id proto.PeerID) {
	m.mu.Lock()
	delete(m.peers, id)
	m.mu.Unlock()
}

// Wipe drops every peer session and channel key.
func (m *Manager) Wipe() {
	m.mu.Lock()
	m.peers = make(map[proto.PeerID]*peerSession)
	m.channels = make(map[string]*channelState)
	m.mu.Unlock()
}

// Channels lists joined channels.
func (m *Manager) Channels() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.channels))
	for name := range m.channels {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func (m *Manager) Joined(channel string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.channels[channel]
	return ok
}

// EnsureJoined marks a channel joined without a key, as happens when a message
// for it is first received.
func (m *Manager) EnsureJoined(channel string) {
	if channel == "" {
		return
	}
	m.mu.Lock()
	m.channelLocked(channel)
	m.mu.Unlock()
}

func (m *Manager) channelLocked(name string) *channelState {
	ch, ok := m.channels[name]
	if !ok {
		ch = &channelState{name: name}
		m.channels[name] = ch
	}
	return ch
}

func (m *Manager) LeaveChannel(channel string) {
	m.mu.Lock()
	delete(m.channels, channel)
	m.mu.Unlock()
}

func (m *Manager) HasChannelKey(channel string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch, ok := m.channels[channel]
	return ok && ch.key != nil
}

// KeyPending reports whether a password is known for channel but its key is
// not installed yet.
func (m *Manager) KeyPending(channel string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch, ok := m.channels[channel]
	return ok && ch.pending != "" && ch.key == nil
}

// ChannelOwner returns the origin of the authoritative key claim.
func (m *Manager) ChannelOwner(channel string) (proto.PeerID, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch, ok := m.channels[channel]
	if !ok || ch.auth == nil {
		return proto.PeerID{}, false
	}
	return ch.auth.origin, true
}
