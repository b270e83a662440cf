package mesh

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"

	"meshchat/internal/crypto"
	"meshchat/internal/debuglog"
	"meshchat/internal/delivery"
	"meshchat/internal/peer"
	"meshchat/internal/proto"
)

// Collaborator is the application side the engine consults while running.
type Collaborator interface {
	Nickname() (string, bool)
	IsFavorite(id proto.PeerID) bool
	// DecryptChannelMessage is a last chance for channel payloads the engine
	// could not open with its own key.
	DecryptChannelMessage(sealed []byte, channel string) (string, bool)
}

type nopCollaborator struct{}

func (nopCollaborator) Nickname() (string, bool) { return "", false }
func (nopCollaborator) IsFavorite(proto.PeerID) bool { return false }
func (nopCollaborator) DecryptChannelMessage([]byte, string) (string, bool) { return "", false }

// ConnectionManager is the radio control surface exposed to the application.
type ConnectionManager interface {
	SetAppBackgroundState(background bool)
}

// Commands is what the application may ask of the engine.
type Commands interface {
	SendMessage(content string, mentions []string, channel string) (uuid.UUID, error)
	SendPrivateMessage(content string, to proto.PeerID, recipientNickname string, messageID uuid.UUID) (uuid.UUID, error)
	SendBroadcastAnnounce() error
	StartServices(ctx context.Context) error
	StopServices() error
	ConnectionManager() ConnectionManager
	JoinChannel(channel, password string) error
	LeaveChannel(channel string) error
	MarkMessagePresented(id uuid.UUID) error
	PeerNicknames() map[proto.PeerID]string
	MyPeerID() proto.PeerID
	BlockPeer(id proto.PeerID)
	UnblockPeer(id proto.PeerID)
	PanicWipe(ctx context.Context) error
	DebugStatus() string
	DeliveryStatus(id uuid.UUID) (delivery.State, bool)
	HasChannelKey(channel string) bool
	Subscribe() *Subscription
}

var _ Commands = (*Service)(nil)

func (s *Service) ConnectionManager() ConnectionManager {
	return s.transport
}

// MyPeerID is the current radio session ID; zero while stopped.
func (s *Service) MyPeerID() proto.PeerID {
	return s.transport.Self()
}

// PeerNicknames maps every peer we have a name for, direct or relayed.
func (s *Service) PeerNicknames() map[proto.PeerID]string {
	out := s.peers.Nicknames()
	s.mu.Lock()
	for id, nick := range s.names {
		if _, ok := out[id]; !ok {
			out[id] = nick
		}
	}
	s.mu.Unlock()
	return out
}

func (s *Service) DeliveryStatus(id uuid.UUID) (delivery.State, bool) {
	return s.tracker.Status(id)
}

func (s *Service) HasChannelKey(channel string) bool {
	return s.sessions.HasChannelKey(channel)
}

// ChannelOwner returns the peer whose key claim governs channel.
func (s *Service) ChannelOwner(channel string) (proto.PeerID, bool) {
	return s.sessions.ChannelOwner(channel)
}

func (s *Service) Channels() []string {
	return s.sessions.Channels()
}

func (s *Service) identityOf(id proto.PeerID) string {
	if rec, ok := s.peers.Get(id); ok && rec.IdentityKey != "" {
		return rec.IdentityKey
	}
	s.mu.Lock()
	key := s.idents[id]
	s.mu.Unlock()
	if key != "" {
		return key
	}
	return "peer:" + id.String()
}

// BlockPeer drops all future chat traffic from the identity behind id.
func (s *Service) BlockPeer(id proto.PeerID) {
	key := s.identityOf(id)
	s.mu.Lock()
	s.blocked[key] = struct{}{}
	s.mu.Unlock()
	debuglog.Logf("blocked %s (%s)", id, key)
}

func (s *Service) UnblockPeer(id proto.PeerID) {
	key := s.identityOf(id)
	s.mu.Lock()
	delete(s.blocked, key)
	delete(s.blocked, "peer:"+id.String())
	s.mu.Unlock()
}

func (s *Service) isBlocked(id proto.PeerID) bool {
	key := s.identityOf(id)
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.blocked) == 0 {
		return false
	}
	_, byKey := s.blocked[key]
	_, byID := s.blocked["peer:"+id.String()]
	return byKey || byID
}

// PanicWipe stops the radio, forgets every peer, key, queued message and
// delivery record, then comes back up under a new PeerID. The static identity
// key is kept.
func (s *Service) PanicWipe(ctx context.Context) error {
	wasRunning := s.Running()
	if err := s.StopServices(); err != nil {
		debuglog.Warnf("panic wipe: stop: %v", err)
	}
	s.tracker.Reset()
	s.outbox.Reset()
	s.keyWait.Reset()
	s.sessions.Wipe()
	s.router.Reset()
	s.peers.Reset()
	s.mu.Lock()
	s.pending = make(map[uuid.UUID]*pendingPrivate)
	s.names = make(map[proto.PeerID]string)
	s.idents = make(map[proto.PeerID]string)
	s.blocked = make(map[string]struct{})
	s.presented = make(map[uuid.UUID]proto.PeerID)
	s.order = nil
	s.mu.Unlock()
	debuglog.Logf("panic wipe done")
	if !wasRunning {
		return nil
	}
	return s.StartServices(ctx)
}

// DebugStatus renders a human readable dump of engine state.
func (s *Service) DebugStatus() string {
	var b strings.Builder
	fmt.Fprintf(&b, "self=%s nickname=%s running=%v\n", s.MyPeerID(), s.Nickname(), s.Running())
	recs := s.peers.List()
	sort.Slice(recs, func(i, j int) bool { return recs[i].ID.String() < recs[j].ID.String() })
	fmt.Fprintf(&b, "peers=%d connected=%d\n", len(recs), s.peers.ConnectedCount())
	for _, r := range recs {
		fav := ""
		if r.Favorite {
			fav = " favorite"
		}
		fp := "-"
		if pub, ok := s.sessions.PeerPublicKey(r.ID); ok {
			fp = crypto.Fingerprint(pub)
		}
		fmt.Fprintf(&b, "  %s %-12s %-12s%s key=%s %s\n", r.ID, r.State, r.Nickname, fav, fp, r.IdentityKey)
	}
	for _, ch := range s.sessions.Channels() {
		owner, ok := s.sessions.ChannelOwner(ch)
		ownerStr := "-"
		if ok {
			ownerStr = owner.String()
		}
		fmt.Fprintf(&b, "channel %s key=%v owner=%s\n", ch, s.sessions.HasChannelKey(ch), ownerStr)
	}
	fmt.Fprintf(&b, "outbox=%d keywait=%d tracked=%d\n", s.outbox.Total(), s.keyWait.Total(), s.tracker.Len())
	snap := s.metrics.Snapshot()
	fmt.Fprintf(&b, "delivered=%d relayed=%d dup=%d malformed=%d decrypt_drop=%d acked=%d failed=%d\n",
		snap.Router.Delivered, snap.Router.Relayed, snap.Router.DropDuplicate, snap.Router.DropMalformed,
		snap.Crypto.DropDecrypt, snap.Delivery.Acked, snap.Delivery.Failed)
	return b.String()
}

// PeerRecords lists the peer table for status views.
func (s *Service) PeerRecords() []peer.Record {
	return s.peers.List()
}
