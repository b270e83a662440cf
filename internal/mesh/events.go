package mesh

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"meshchat/internal/delivery"
	"meshchat/internal/proto"
	"meshchat/internal/transport"
)

type EventType string

const (
	EventMessageReceived       EventType = "message_received"
	EventPeerConnected         EventType = "peer_connected"
	EventPeerDisconnected      EventType = "peer_disconnected"
	EventPeerListUpdated       EventType = "peer_list_updated"
	EventChannelLeave          EventType = "channel_leave"
	EventDeliveryAckReceived   EventType = "delivery_ack_received"
	EventReadReceiptReceived   EventType = "read_receipt_received"
	EventDeliveryStatusChanged EventType = "delivery_status_changed"
	EventChannelKeyReady       EventType = "channel_key_ready"
)

// Event is one engine notification. Only the fields relevant to Type are set.
type Event struct {
	Type      EventType          `json:"type"`
	Message   *proto.Message     `json:"message,omitempty"`
	Peer      *proto.PeerID      `json:"peer,omitempty"`
	Peers     []proto.PeerID     `json:"peers,omitempty"`
	Channel   string             `json:"channel,omitempty"`
	Ack       *proto.DeliveryAck `json:"ack,omitempty"`
	Receipt   *proto.ReadReceipt `json:"receipt,omitempty"`
	MessageID uuid.UUID          `json:"message_id"`
	Status    *delivery.State    `json:"status,omitempty"`
	KeyReady  bool               `json:"key_ready,omitempty"`
}

// Subscription delivers engine events in emission order. Its buffer is
// unbounded so a slow consumer never stalls the dispatch goroutine.
type Subscription struct {
	svc    *Service
	q      *transport.Queue[Event]
	ch     chan Event
	cancel context.CancelFunc
	once   sync.Once
}

// C yields events until the subscription is closed.
func (s *Subscription) C() <-chan Event {
	return s.ch
}

// Close stops delivery and drops anything not yet consumed.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.svc.subsMu.Lock()
		delete(s.svc.subs, s)
		s.svc.subsMu.Unlock()
		s.cancel()
		s.q.Close()
	})
}

func (s *Subscription) pump(ctx context.Context) {
	defer close(s.ch)
	for {
		ev, ok := s.q.Pop(ctx)
		if !ok {
			return
		}
		select {
		case s.ch <- ev:
		case <-ctx.Done():
			return
		}
	}
}

// Subscribe registers a new event consumer.
func (s *Service) Subscribe() *Subscription {
	ctx, cancel := context.WithCancel(context.Background())
	sub := &Subscription{
		svc:    s,
		q:      transport.NewQueue[Event](),
		ch:     make(chan Event),
		cancel: cancel,
	}
	s.subsMu.Lock()
	s.subs[sub] = struct{}{}
	s.subsMu.Unlock()
	go sub.pump(ctx)
	return sub
}

func (s *Service) publish(ev Event) {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	for sub := range s.subs {
		sub.q.Push(ev)
	}
}

func peerRef(id proto.PeerID) *proto.PeerID {
	return &id
}
