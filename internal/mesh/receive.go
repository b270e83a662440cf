package mesh

import (
	"errors"
	"time"

	"meshchat/internal/crypto"
	"meshchat/internal/debuglog"
	"meshchat/internal/peer"
	"meshchat/internal/proto"
	"meshchat/internal/session"
)

// HandleFrame implements router.Handler. It runs on the transport dispatch
// goroutine.
func (s *Service) HandleFrame(f proto.Frame, from proto.PeerID) {
	if f.Type != proto.FrameAnnounce && s.isBlocked(f.Origin) {
		s.metrics.IncDropByReason("blocked")
		return
	}
	switch f.Type {
	case proto.FrameAnnounce:
		s.handleAnnounce(f, from)
	case proto.FrameBroadcast:
		s.handleBroadcast(f, from)
	case proto.FramePrivate:
		s.handlePrivate(f, from)
	case proto.FrameDeliveryAck:
		s.handleAck(f)
	case proto.FrameReadReceipt:
		s.handleReceipt(f)
	case proto.FrameChannelLeave:
		s.handleLeave(f)
	}
}

func (s *Service) handleAnnounce(f proto.Frame, from proto.PeerID) {
	a, err := proto.DecodeAnnounce(f.Payload)
	if err != nil {
		s.metrics.IncDropByReason("bad_payload")
		return
	}
	origin := f.Origin
	if len(a.PublicKey) > 0 {
		if err := s.sessions.RegisterPeerPublicKey(origin, a.PublicKey); err != nil {
			s.metrics.IncKeyRejected()
			debuglog.RateLimitedf("announce-key:"+origin.String(), 30*time.Second, "announce from %s: %v", origin, err)
			return
		}
	}
	s.mu.Lock()
	if a.Nickname != "" {
		s.names[origin] = a.Nickname
	}
	s.idents[origin] = peer.IdentityKey(a.Nickname, a.PublicKey)
	s.mu.Unlock()

	if from == origin {
		s.correlate(origin, a)
	}
	if len(a.PublicKey) > 0 {
		if items := s.keyWait.Drain(origin.String()); len(items) > 0 {
			debuglog.Debugf("key for %s arrived, sending %d waiting messages", origin, len(items))
			s.replay(items, origin)
		}
	}
	s.publish(Event{Type: EventPeerListUpdated, Peers: s.peers.Connected()})
}

// correlate ties a direct link to its stable identity and flushes anything
// held for that identity while it was away.
func (s *Service) correlate(id proto.PeerID, a proto.Announce) {
	key, prev, err := s.peers.Correlate(id, a.Nickname, a.PublicKey)
	if err != nil {
		debuglog.Warnf("correlate %s: %v", id, err)
		return
	}
	if key == "" {
		return
	}
	fav := s.collab.IsFavorite(id)
	if !prev.IsZero() {
		if rec, ok := s.peers.Get(prev); ok && rec.Favorite {
			fav = true
		}
		s.sessions.ForgetPeer(prev)
		debuglog.Debugf("peer %s is back as %s", prev, id)
	}
	if fav {
		s.peers.SetFavorite(id, true)
	}
	if nickKey := peer.IdentityKey(a.Nickname, nil); nickKey != "" && nickKey != key {
		s.outbox.Rekey(nickKey, key)
	}
	items := s.outbox.Drain(key)
	if len(items) == 0 {
		return
	}
	n := s.replay(items, id)
	s.metrics.AddReplayed(n)
	debuglog.Logf("replayed %d/%d held messages to %s", n, len(items), id)
}

func (s *Service) handleBroadcast(f proto.Frame, from proto.PeerID) {
	p, err := proto.DecodeChatPayload(f.Payload)
	if err != nil {
		s.metrics.IncDropByReason("bad_payload")
		return
	}
	content, mentions := p.Content, p.Mentions
	if p.Channel != "" {
		s.sessions.EnsureJoined(p.Channel)
	}
	if len(p.Sealed) > 0 {
		s.sessions.ObserveClaim(p.Channel, p.Commitment, p.ClaimedAt, f.Origin)
		aad := crypto.BuildAAD(byte(proto.FrameBroadcast), f.Origin, proto.PeerID{}, p.Channel)
		pt, err := s.sessions.DecryptChannelMessage(p.Sealed, p.Channel, aad)
		if err == nil {
			body, derr := proto.DecodeChatBody(pt)
			if derr != nil {
				s.metrics.IncDropByReason("bad_payload")
				return
			}
			content, mentions = body.Content, body.Mentions
		} else if text, ok := s.collab.DecryptChannelMessage(p.Sealed, p.Channel); ok {
			content = text
		} else {
			if !errors.Is(err, session.ErrNoChannelKey) {
				s.metrics.IncDropDecrypt()
			}
			s.metrics.IncDropByReason("decrypt")
			return
		}
	}
	if p.Channel != "" && from == f.Origin {
		s.sendAck(f.Origin, p.MessageID)
	}
	if s.tracker.SeenInbound(p.MessageID) {
		return
	}
	s.publish(Event{Type: EventMessageReceived, Message: &proto.Message{
		ID:           p.MessageID,
		Sender:       p.Sender,
		SenderPeerID: f.Origin,
		Content:      content,
		Timestamp:    f.Timestamp,
		Channel:      p.Channel,
		Mentions:     proto.NormalizeMentions(mentions),
		IsRelay:      from != f.Origin,
	}})
}

func (s *Service) handlePrivate(f proto.Frame, from proto.PeerID) {
	self := s.transport.Self()
	aad := crypto.BuildAAD(byte(proto.FramePrivate), f.Origin, self, "")
	pt, err := s.sessions.OpenPrivate(f.Origin, f.Payload, aad)
	if err != nil {
		s.metrics.IncDropByReason("decrypt")
		debuglog.RateLimitedf("private-open:"+f.Origin.String(), 10*time.Second, "drop private from %s: %v", f.Origin, err)
		return
	}
	body, err := proto.DecodePrivateBody(pt)
	if err != nil {
		s.metrics.IncDropByReason("bad_payload")
		return
	}
	s.sendAck(f.Origin, body.MessageID)
	if s.tracker.SeenInbound(body.MessageID) {
		return
	}
	s.rememberPresentable(body.MessageID, f.Origin)
	s.publish(Event{Type: EventMessageReceived, Message: &proto.Message{
		ID:                body.MessageID,
		Sender:            body.Sender,
		SenderPeerID:      f.Origin,
		Content:           body.Content,
		Timestamp:         f.Timestamp,
		IsPrivate:         true,
		IsRelay:           from != f.Origin,
		RecipientNickname: body.RecipientNickname,
	}})
}

func (s *Service) handleAck(f proto.Frame) {
	ack, err := proto.DecodeDeliveryAck(f.Payload)
	if err != nil {
		s.metrics.IncDropByReason("bad_payload")
		return
	}
	if !s.tracker.Ack(ack.OriginalMessageID, f.Origin) {
		return
	}
	s.publish(Event{Type: EventDeliveryAckReceived, MessageID: ack.OriginalMessageID, Peer: peerRef(f.Origin), Ack: &ack})
}

func (s *Service) handleReceipt(f proto.Frame) {
	rr, err := proto.DecodeReadReceipt(f.Payload)
	if err != nil {
		s.metrics.IncDropByReason("bad_payload")
		return
	}
	if !s.tracker.Read(rr.OriginalMessageID, f.Origin) {
		return
	}
	s.publish(Event{Type: EventReadReceiptReceived, MessageID: rr.OriginalMessageID, Peer: peerRef(f.Origin), Receipt: &rr})
}

func (s *Service) handleLeave(f proto.Frame) {
	l, err := proto.DecodeChannelLeave(f.Payload)
	if err != nil {
		s.metrics.IncDropByReason("bad_payload")
		return
	}
	s.publish(Event{Type: EventChannelLeave, Channel: l.Channel, Peer: peerRef(f.Origin)})
}
