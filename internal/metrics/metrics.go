package metrics

import (
	"encoding/json"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

// FrameHeader is a short record of a recently handled inbound frame.
type FrameHeader struct {
	ID     string `json:"id"`
	Type   string `json:"type"`
	Origin string `json:"origin"`
	TTL    uint8  `json:"ttl"`
	Action string `json:"action"`
}

type Snapshot struct {
	GeneratedAt  time.Time         `json:"generated_at"`
	Router       RouterMetrics     `json:"router"`
	Crypto       CryptoMetrics     `json:"crypto"`
	Delivery     DeliveryMetrics   `json:"delivery"`
	Outbox       OutboxMetrics     `json:"outbox"`
	Transport    TransportMetrics  `json:"transport"`
	RecvByType   map[string]uint64 `json:"recv_by_type"`
	DropByReason map[string]uint64 `json:"drop_by_reason"`
	Recent       []FrameHeader     `json:"recent"`
}

type RouterMetrics struct {
	Delivered     uint64 `json:"delivered"`
	Relayed       uint64 `json:"relayed"`
	DropDuplicate uint64 `json:"drop_duplicate"`
	DropMalformed uint64 `json:"drop_malformed"`
}

type CryptoMetrics struct {
	Sealed      uint64 `json:"sealed"`
	Opened      uint64 `json:"opened"`
	DropDecrypt uint64 `json:"drop_decrypt"`
	KeyRejected uint64 `json:"key_rejected"`
}

type DeliveryMetrics struct {
	Acked   uint64 `json:"acked"`
	Read    uint64 `json:"read"`
	Resent  uint64 `json:"resent"`
	Failed  uint64 `json:"failed"`
	AcksOut uint64 `json:"acks_out"`
}

type OutboxMetrics struct {
	Enqueued uint64 `json:"enqueued"`
	Replayed uint64 `json:"replayed"`
	Evicted  uint64 `json:"evicted"`
	Expired  uint64 `json:"expired"`
}

type TransportMetrics struct {
	FramesSent    uint64 `json:"frames_sent"`
	SendErrors    uint64 `json:"send_errors"`
	StartFailures uint64 `json:"start_failures"`
	CurrentLinks  int64  `json:"current_links"`
}

type Metrics struct {
	routerDelivered     atomic.Uint64
	routerRelayed       atomic.Uint64
	routerDropDuplicate atomic.Uint64
	routerDropMalformed atomic.Uint64

	cryptoSealed      atomic.Uint64
	cryptoOpened      atomic.Uint64
	cryptoDropDecrypt atomic.Uint64
	cryptoKeyRejected atomic.Uint64

	deliveryAcked   atomic.Uint64
	deliveryRead    atomic.Uint64
	deliveryResent  atomic.Uint64
	deliveryFailed  atomic.Uint64
	deliveryAcksOut atomic.Uint64

	outboxEnqueued atomic.Uint64
	outboxReplayed atomic.Uint64
	outboxEvicted  atomic.Uint64
	outboxExpired  atomic.Uint64

	framesSent    atomic.Uint64
	sendErrors    atomic.Uint64
	startFailures atomic.Uint64
	currentLinks  atomic.Int64

	mu           sync.Mutex
	recvByType   map[string]uint64
	dropByReason map[string]uint64

	recent *Recent
}

func New() *Metrics {
	return &Metrics{
		recvByType:   make(map[string]uint64),
		dropByReason: make(map[string]uint64),
		recent:       NewRecent(64),
	}
}

func (m *Metrics) Recent() *Recent {
	return m.recent
}

func (m *Metrics) IncDelivered() { m.routerDelivered.Add(1) }
func (m *Metrics) IncRelayed() { m.routerRelayed.Add(1) }
func (m *Metrics) IncDropDuplicate() { m.routerDropDuplicate.Add(1) }
func (m *Metrics) IncDropMalformed() { m.routerDropMalformed.Add(1) }

func (m *Metrics) IncSealed() { m.cryptoSealed.Add(1) }
func (m *Metrics) IncOpened() { m.cryptoOpened.Add(1) }
func (m *Metrics) IncDropDecrypt() { m.cryptoDropDecrypt.Add(1) }
func (m *Metrics) IncKeyRejected() { m.cryptoKeyRejected.Add(1) }

func (m *Metrics) IncAcked() { m.deliveryAcked.Add(1) }
func (m *Metrics) IncRead() { m.deliveryRead.Add(1) }
func (m *Metrics) IncResent() { m.deliveryResent.Add(1) }
func (m *Metrics) IncFailed() { m.deliveryFailed.Add(1) }
func (m *Metrics) IncAcksOut() { m.deliveryAcksOut.Add(1) }

func (m *Metrics) IncEnqueued() { m.outboxEnqueued.Add(1) }
func (m *Metrics) AddReplayed(n int) { m.outboxReplayed.Add(uint64(n)) }
func (m *Metrics) IncEvicted() { m.outboxEvicted.Add(1) }
func (m *Metrics) IncOutboxExpired() { m.outboxExpired.Add(1) }
func (m *Metrics) IncFramesSent() { m.framesSent.Add(1) }
func (m *Metrics) IncSendErrors() { m.sendErrors.Add(1) }
func (m *Metrics) IncStartFailures() { m.startFailures.Add(1) }
func (m *Metrics) SetCurrentLinks(n int) {
	m.currentLinks.Store(int64(n))
}

func (m *Metrics) IncRecvByType(t string) {
	if t == "" {
		return
	}
	m.mu.Lock()
	m.recvByType[t]++
	m.mu.Unlock()
}

func (m *Metrics) IncDropByReason(reason string) {
	if reason == "" {
		return
	}
	m.mu.Lock()
	m.dropByReason[reason]++
	m.mu.Unlock()
}

func (m *Metrics) Snapshot() Snapshot {
	recent := []FrameHeader{}
	if m.recent != nil {
		recent = m.recent.List()
	}
	m.mu.Lock()
	recv := make(map[string]uint64, len(m.recvByType))
	for k, v := range m.recvByType {
		recv[k] = v
	}
	drops := make(map[string]uint64, len(m.dropByReason))
	for k, v := range m.dropByReason {
		drops[k] = v
	}
	m.mu.Unlock()
	return Snapshot{
		GeneratedAt: time.Now().UTC(),
		Router: RouterMetrics{
			Delivered:     m.routerDelivered.Load(),
			Relayed:       m.routerRelayed.Load(),
			DropDuplicate: m.routerDropDuplicate.Load(),
			DropMalformed: m.routerDropMalformed.Load(),
		},
		Crypto: CryptoMetrics{
			Sealed:      m.cryptoSealed.Load(),
			Opened:      m.cryptoOpened.Load(),
			DropDecrypt: m.cryptoDropDecrypt.Load(),
			KeyRejected: m.cryptoKeyRejected.Load(),
		},
		Delivery: DeliveryMetrics{
			Acked:   m.deliveryAcked.Load(),
			Read:    m.deliveryRead.Load(),
			Resent:  m.deliveryResent.Load(),
			Failed:  m.deliveryFailed.Load(),
			AcksOut: m.deliveryAcksOut.Load(),
		},
		Outbox: OutboxMetrics{
			Enqueued: m.outboxEnqueued.Load(),
			Replayed: m.outboxReplayed.Load(),
			Evicted:  m.outboxEvicted.Load(),
			Expired:  m.outboxExpired.Load(),
		},
		Transport: TransportMetrics{
			FramesSent:    m.framesSent.Load(),
			SendErrors:    m.sendErrors.Load(),
			StartFailures: m.startFailures.Load(),
			CurrentLinks:  m.currentLinks.Load(),
		},
		RecvByType:   recv,
		DropByReason: drops,
		Recent:       recent,
	}
}

func (m *Metrics) WriteSnapshot(path string) error {
	if path == "" {
		return nil
	}
	snap := m.Snapshot()
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}

func ReadSnapshot(path string) (Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Snapshot{}, err
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return Snapshot{}, err
	}
	return snap, nil
}

type Recent struct {
	mu   sync.Mutex
	cap  int
	list []FrameHeader
}

func NewRecent(capacity int) *Recent {
	if capacity <= 0 {
		capacity = 64
	}
	return &Recent{cap: capacity}
}

func (r *Recent) Add(h FrameHeader) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.list) >= r.cap {
		copy(r.list, r.list[1:])
		r.list[len(r.list)-1] = h
		return
	}
	r.list = append(r.list, h)
}

func (r *Recent) List() []FrameHeader {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]FrameHeader, len(r.list))
	copy(out, r.list)
	return out
}
