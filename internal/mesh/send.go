package mesh

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"meshchat/internal/crypto"
	"meshchat/internal/debuglog"
	"meshchat/internal/delivery"
	"meshchat/internal/outbox"
	"meshchat/internal/peer"
	"meshchat/internal/proto"
	"meshchat/internal/session"
)

// SendMessage floods a public or channel message. Channel messages are sealed
// when we hold the channel key and sent in the clear only when no password is
// known. While a joined password's key is still being derived the send is
// refused with session.ErrKeyPending; retry after EventChannelKeyReady.
func (s *Service) SendMessage(content string, mentions []string, channel string) (uuid.UUID, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return uuid.Nil, errors.New("empty message")
	}
	if channel != "" && s.sessions.KeyPending(channel) {
		return uuid.Nil, fmt.Errorf("send to %s: %w", channel, session.ErrKeyPending)
	}
	id := uuid.New()
	mentions = proto.NormalizeMentions(mentions)
	p := proto.ChatPayload{MessageID: id, Sender: s.Nickname(), Channel: channel}
	total := 0
	if channel != "" {
		s.sessions.EnsureJoined(channel)
		total = s.peers.ConnectedCount()
	}
	if channel != "" && s.sessions.HasChannelKey(channel) {
		body, err := proto.EncodePayload(proto.ChatBody{Content: content, Mentions: mentions})
		if err != nil {
			return uuid.Nil, err
		}
		aad := crypto.BuildAAD(byte(proto.FrameBroadcast), s.transport.Self(), proto.PeerID{}, channel)
		box, commitment, claimedAt, err := s.sessions.SealChannel(channel, body, aad)
		if err != nil {
			return uuid.Nil, fmt.Errorf("seal channel %s: %w", channel, err)
		}
		p.Sealed, p.Commitment, p.ClaimedAt = box, commitment, claimedAt
	} else {
		p.Content, p.Mentions = content, mentions
	}
	payload, err := proto.EncodePayload(p)
	if err != nil {
		return uuid.Nil, err
	}
	s.tracker.Track(id, delivery.KindBroadcast, total)
	if _, err := s.router.Originate(proto.Frame{Type: proto.FrameBroadcast, Payload: payload}); err != nil {
		s.tracker.MarkFailed(id, err.Error())
		return id, err
	}
	s.tracker.MarkSent(id)
	return id, nil
}

// SendPrivateMessage sends an end-to-end encrypted message to one peer. A nil
// messageID gets a fresh one. Messages for a disconnected favorite are held
// until it reappears; messages for a peer whose key we lack wait for its
// announce.
func (s *Service) SendPrivateMessage(content string, to proto.PeerID, recipientNickname string, messageID uuid.UUID) (uuid.UUID, error) {
	if strings.TrimSpace(content) == "" {
		return uuid.Nil, errors.New("empty message")
	}
	if to.IsZero() {
		return uuid.Nil, errors.New("missing recipient")
	}
	if messageID == uuid.Nil {
		messageID = uuid.New()
	}
	p := &pendingPrivate{id: messageID, peer: to, nickname: recipientNickname, content: content}
	s.mu.Lock()
	s.pending[messageID] = p
	s.mu.Unlock()
	s.tracker.Track(messageID, delivery.KindPrivate, 1)
	if err := s.transmitPrivate(p, false); err != nil {
		s.tracker.MarkFailed(messageID, err.Error())
		return messageID, err
	}
	return messageID, nil
}

// transmitPrivate seals and sends p, or parks it. resend is set for
// ack-timeout retransmissions, which never park.
func (s *Service) transmitPrivate(p *pendingPrivate, resend bool) error {
	s.mu.Lock()
	target := p.peer
	s.mu.Unlock()
	if cur, ok := s.peers.Resolve(target); ok {
		target = cur
	}
	if !s.peers.IsConnected(target) {
		if rec, ok := s.peers.Get(target); ok && rec.State == peer.StateDisconnected && (rec.Favorite || s.collab.IsFavorite(target)) {
			if resend {
				return fmt.Errorf("favorite %s offline", target)
			}
			key := rec.IdentityKey
			if key == "" {
				key = peer.IdentityKey(rec.Nickname, rec.PublicKey)
			}
			if key != "" {
				s.park(s.outbox, key, p, target)
				debuglog.Debugf("held message %s for offline favorite %s", p.id, target)
				return nil
			}
		}
	}
	if !s.transport.Running() {
		return ErrNotRunning
	}
	if !s.sessions.HasPeerKey(target) {
		if resend {
			return fmt.Errorf("no key for %s", target)
		}
		s.park(s.keyWait, target.String(), p, target)
		return nil
	}
	self := s.transport.Self()
	body, err := proto.EncodePayload(proto.PrivateBody{
		MessageID:         p.id,
		Sender:            s.Nickname(),
		RecipientNickname: p.nickname,
		Content:           p.content,
	})
	if err != nil {
		return err
	}
	aad := crypto.BuildAAD(byte(proto.FramePrivate), self, target, "")
	box, err := s.sessions.SealPrivate(target, body, aad)
	if err != nil {
		return err
	}
	if _, err := s.router.Originate(proto.Frame{Type: proto.FramePrivate, Recipient: target, Payload: box}); err != nil {
		return err
	}
	s.mu.Lock()
	p.peer = target
	s.mu.Unlock()
	if !resend {
		s.tracker.MarkSent(p.id)
	}
	return nil
}

func (s *Service) park(q *outbox.Queue, key string, p *pendingPrivate, target proto.PeerID) {
	q.Enqueue(outbox.Item{
		Key:               key,
		MessageID:         p.id,
		PeerID:            target,
		Content:           p.content,
		RecipientNickname: p.nickname,
	})
}

func (s *Service) resend(id uuid.UUID) error {
	s.mu.Lock()
	p, ok := s.pending[id]
	s.mu.Unlock()
	if !ok {
		return delivery.ErrUnknownMessage
	}
	return s.transmitPrivate(p, true)
}

// replay sends held items to the peer now reachable as to.
func (s *Service) replay(items []outbox.Item, to proto.PeerID) int {
	sent := 0
	for _, it := range items {
		p := &pendingPrivate{id: it.MessageID, peer: to, nickname: it.RecipientNickname, content: it.Content}
		s.mu.Lock()
		s.pending[it.MessageID] = p
		s.mu.Unlock()
		s.tracker.Track(it.MessageID, delivery.KindPrivate, 1)
		if err := s.transmitPrivate(p, false); err != nil {
			s.tracker.MarkFailed(it.MessageID, err.Error())
			continue
		}
		sent++
	}
	return sent
}

// SendBroadcastAnnounce floods our nickname and static public key.
func (s *Service) SendBroadcastAnnounce() error {
	payload, err := proto.EncodePayload(proto.Announce{Nickname: s.Nickname(), PublicKey: s.sessions.PublicKey()})
	if err != nil {
		return err
	}
	_, err = s.router.Originate(proto.Frame{Type: proto.FrameAnnounce, Payload: payload})
	return err
}

// JoinChannel joins channel at once; the key, when password is set, is derived
// in the background and reported with a ChannelKeyReady event.
func (s *Service) JoinChannel(channel, password string) error {
	channel = strings.TrimSpace(channel)
	if channel == "" {
		return errors.New("missing channel")
	}
	s.sessions.JoinChannel(channel, password)
	return nil
}

// LeaveChannel discards local channel state and tells the mesh.
func (s *Service) LeaveChannel(channel string) error {
	if !s.sessions.Joined(channel) {
		return nil
	}
	s.sessions.LeaveChannel(channel)
	payload, err := proto.EncodePayload(proto.ChannelLeave{Channel: channel})
	if err != nil {
		return err
	}
	if _, err := s.router.Originate(proto.Frame{Type: proto.FrameChannelLeave, Payload: payload}); err != nil {
		debuglog.Debugf("channel leave %s not sent: %v", channel, err)
	}
	return nil
}

// MarkMessagePresented sends a read receipt for a private message the user has
// now seen. Each message is receipted once.
func (s *Service) MarkMessagePresented(id uuid.UUID) error {
	s.mu.Lock()
	origin, ok := s.presented[id]
	if ok {
		delete(s.presented, id)
	}
	s.mu.Unlock()
	if !ok {
		return delivery.ErrUnknownMessage
	}
	payload, err := proto.EncodePayload(proto.ReadReceipt{
		OriginalMessageID: id,
		ReaderID:          s.transport.Self(),
		ReaderNickname:    s.Nickname(),
		Timestamp:         time.Now(),
	})
	if err != nil {
		return err
	}
	_, err = s.router.Originate(proto.Frame{Type: proto.FrameReadReceipt, Recipient: origin, Payload: payload})
	return err
}

func (s *Service) sendAck(to proto.PeerID, id uuid.UUID) {
	payload, err := proto.EncodePayload(proto.DeliveryAck{
		OriginalMessageID: id,
		RecipientID:       s.transport.Self(),
		RecipientNickname: s.Nickname(),
		Timestamp:         time.Now(),
	})
	if err != nil {
		return
	}
	if _, err := s.router.Originate(proto.Frame{Type: proto.FrameDeliveryAck, Recipient: to, Payload: payload}); err != nil {
		debuglog.Debugf("ack %s to %s: %v", id, to, err)
		return
	}
	s.metrics.IncAcksOut()
}

// rememberPresentable keeps the origin of an inbound private message until the
// user has seen it, bounded to the most recent entries.
func (s *Service) rememberPresentable(id uuid.UUID, origin proto.PeerID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.presented[id] = origin
	s.order = append(s.order, id)
	for len(s.order) > presentedCap {
		delete(s.presented, s.order[0])
		s.order = s.order[1:]
	}
}
