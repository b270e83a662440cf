// Package mesh is the chat engine: it drives the radio transport, routes
// frames, seals and opens payloads and tracks delivery of what we send.
package mesh

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"meshchat/internal/config"
	"meshchat/internal/crypto"
	"meshchat/internal/debuglog"
	"meshchat/internal/delivery"
	"meshchat/internal/metrics"
	"meshchat/internal/outbox"
	"meshchat/internal/peer"
	"meshchat/internal/proto"
	"meshchat/internal/router"
	"meshchat/internal/session"
	"meshchat/internal/store"
	"meshchat/internal/transport"
)

const (
	DefaultSweepEvery     = time.Second
	DefaultKeyWaitTimeout = 30 * time.Second
	presentedCap          = 4096
	outboxSealLabel       = "meshchat:outbox:v1"
)

var ErrNotRunning = errors.New("mesh: services not started")

type Options struct {
	Key          *crypto.StaticKey
	Driver       transport.Driver
	Collaborator Collaborator
	Metrics      *metrics.Metrics
	// Nickname is used when the collaborator has none.
	Nickname string
	// Journal persists the store-and-forward outbox; nil keeps it in memory.
	Journal *store.Journal

	TTL            uint8
	DedupCap       int
	DedupWindow    time.Duration
	AckTimeout     time.Duration
	MaxResends     int
	KeyWaitTimeout time.Duration
	OutboxCap      int
	OutboxMaxAge   time.Duration
	PeerCap        int
	PeerGrace      time.Duration
	SweepEvery     time.Duration
	BackoffBase    time.Duration
	BackoffCap     time.Duration
	Foreground     transport.DutyCycle
	Background     transport.DutyCycle
	MetricsFile    string

	// ChannelKDF overrides password key derivation.
	ChannelKDF func(channel, password string) ([]byte, error)
}

// OptionsFromConfig maps loaded configuration onto engine options. Key,
// Driver, Collaborator and Journal are left for the caller.
func OptionsFromConfig(c *config.Config) Options {
	return Options{
		Nickname:       c.Node.Nickname,
		TTL:            uint8(c.Mesh.TTL),
		DedupCap:       c.Mesh.DedupCap,
		DedupWindow:    c.Mesh.DedupWindow,
		AckTimeout:     c.Delivery.AckTimeout,
		MaxResends:     c.Delivery.MaxResends,
		KeyWaitTimeout: c.Delivery.KeyWaitTimeout,
		OutboxCap:      c.Outbox.Cap,
		OutboxMaxAge:   c.Outbox.MaxAge,
		PeerCap:        c.Peers.Cap,
		PeerGrace:      c.Peers.Grace,
		SweepEvery:     c.Mesh.SweepEvery,
		BackoffCap:     c.Radio.BackoffCap,
		Foreground: transport.DutyCycle{
			ScanInterval: c.Radio.ForegroundScan,
			ScanWindow:   c.Radio.ForegroundScan,
		},
		Background: transport.DutyCycle{
			ScanInterval: c.Radio.BackgroundScan,
			ScanWindow:   transport.BackgroundDutyCycle.ScanWindow,
		},
		MetricsFile: c.Node.MetricsFile,
	}
}

// Service is the mesh engine. It implements transport.Listener and
// router.Handler; callers drive it through Commands.
type Service struct {
	collab      Collaborator
	metrics     *metrics.Metrics
	nickname    string
	sweepEvery  time.Duration
	metricsFile string

	peers     *peer.Table
	transport *transport.Transport
	router    *router.Router
	sessions  *session.Manager
	tracker   *delivery.Tracker
	outbox    *outbox.Queue
	keyWait   *outbox.Queue

	lifeMu sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.Mutex
	pending   map[uuid.UUID]*pendingPrivate
	names     map[proto.PeerID]string
	idents    map[proto.PeerID]string
	blocked   map[string]struct{}
	presented map[uuid.UUID]proto.PeerID
	order     []uuid.UUID

	subsMu sync.Mutex
	subs   map[*Subscription]struct{}
}

// pendingPrivate is an outbound private message kept for resends until it is
// acknowledged or fails.
type pendingPrivate struct {
	id       uuid.UUID
	peer     proto.PeerID
	nickname string
	content  string
}

func New(opts Options) (*Service, error) {
	if opts.Key == nil {
		return nil, errors.New("mesh: missing static key")
	}
	if opts.Driver == nil {
		return nil, transport.ErrNoDriver
	}
	m := opts.Metrics
	if m == nil {
		m = metrics.New()
	}
	collab := opts.Collaborator
	if collab == nil {
		collab = nopCollaborator{}
	}
	sweep := opts.SweepEvery
	if sweep <= 0 {
		sweep = DefaultSweepEvery
	}
	keyWait := opts.KeyWaitTimeout
	if keyWait <= 0 {
		keyWait = DefaultKeyWaitTimeout
	}
	s := &Service{
		collab:      collab,
		metrics:     m,
		nickname:    opts.Nickname,
		sweepEvery:  sweep,
		metricsFile: opts.MetricsFile,
		pending:     make(map[uuid.UUID]*pendingPrivate),
		names:       make(map[proto.PeerID]string),
		idents:      make(map[proto.PeerID]string),
		blocked:     make(map[string]struct{}),
		presented:   make(map[uuid.UUID]proto.PeerID),
		subs:        make(map[*Subscription]struct{}),
	}
	s.peers = peer.NewTable(peer.Options{Cap: opts.PeerCap, Grace: opts.PeerGrace})
	s.transport = transport.New(transport.Options{
		Driver:      opts.Driver,
		Peers:       s.peers,
		Metrics:     m,
		BackoffBase: opts.BackoffBase,
		BackoffCap:  opts.BackoffCap,
		Foreground:  opts.Foreground,
		Background:  opts.Background,
	})
	s.router = router.New(router.Options{
		Links:    s.transport,
		Handler:  s,
		Metrics:  m,
		TTL:      opts.TTL,
		DedupCap: opts.DedupCap,
		DedupTTL: opts.DedupWindow,
	})
	sessions, err := session.NewManager(session.Options{
		Key:               opts.Key,
		Metrics:           m,
		Self:              s.transport.Self,
		OnChannelKeyReady: s.channelKeyReady,
		Derive:            opts.ChannelKDF,
	})
	if err != nil {
		return nil, err
	}
	s.sessions = sessions
	s.tracker = delivery.NewTracker(delivery.Options{
		AckTimeout: opts.AckTimeout,
		MaxResends: opts.MaxResends,
		Metrics:    m,
		OnChange:   s.statusChanged,
		Resend:     s.resend,
	})
	evicted := func(it outbox.Item) {
		s.tracker.MarkFailed(it.MessageID, "pushed out of a full queue")
		s.mu.Lock()
		delete(s.pending, it.MessageID)
		s.mu.Unlock()
	}
	s.outbox = outbox.New(outbox.Options{
		Cap:     opts.OutboxCap,
		MaxAge:  opts.OutboxMaxAge,
		Journal: opts.Journal,
		SealKey: opts.Key.StorageKey(outboxSealLabel),
		Metrics: m,
		OnExpire: func(it outbox.Item) {
			s.tracker.MarkFailed(it.MessageID, "held too long for offline peer")
		},
		OnEvict: evicted,
	})
	s.keyWait = outbox.New(outbox.Options{
		Cap:     opts.OutboxCap,
		MaxAge:  keyWait,
		Metrics: m,
		OnExpire: func(it outbox.Item) {
			s.tracker.MarkFailed(it.MessageID, "no public key for recipient")
		},
		OnEvict: evicted,
	})
	if opts.Journal != nil {
		if err := s.outbox.Load(); err != nil {
			debuglog.Warnf("outbox load failed: %v", err)
		}
	}
	s.transport.SetListener(s)
	return s, nil
}

// StartServices brings the radio up and starts the sweeper. It is a no-op
// while already running.
func (s *Service) StartServices(ctx context.Context) error {
	s.lifeMu.Lock()
	defer s.lifeMu.Unlock()
	if s.cancel != nil {
		return nil
	}
	if err := s.transport.Start(ctx); err != nil {
		return err
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.wg.Add(1)
	go s.sweepLoop(runCtx)
	debuglog.Logf("mesh started self=%s nickname=%s", s.transport.Self(), s.Nickname())
	return nil
}

// StopServices tears the radio down. Messages still waiting on the network
// fail; messages held for offline favorites stay queued.
func (s *Service) StopServices() error {
	s.lifeMu.Lock()
	defer s.lifeMu.Unlock()
	if s.cancel == nil {
		return nil
	}
	s.cancel()
	s.cancel = nil
	s.wg.Wait()
	err := s.transport.Stop()
	s.keyWait.Reset()
	n := s.tracker.FailInFlight(s.outbox.Contains)
	debuglog.Logf("mesh stopped failed_in_flight=%d", n)
	return err
}

func (s *Service) Running() bool {
	return s.transport.Running()
}

func (s *Service) sweepLoop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.sweepEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep()
		}
	}
}

func (s *Service) sweep() {
	s.tracker.Sweep()
	s.outbox.Sweep()
	s.keyWait.Sweep()
	if s.metricsFile != "" {
		if err := s.metrics.WriteSnapshot(s.metricsFile); err != nil {
			debuglog.RateLimitedf("metrics-write", time.Minute, "metrics snapshot failed: %v", err)
		}
	}
}

// Nickname is the name we announce.
func (s *Service) Nickname() string {
	if nick, ok := s.collab.Nickname(); ok && nick != "" {
		return nick
	}
	if s.nickname != "" {
		return s.nickname
	}
	self := s.transport.Self()
	if self.IsZero() {
		return "anon"
	}
	return "anon" + self.String()[:4]
}

func (s *Service) statusChanged(c delivery.Change) {
	st := c.State
	s.publish(Event{Type: EventDeliveryStatusChanged, MessageID: c.MessageID, Status: &st})
	if st.Status.Terminal() || st.Status == delivery.StatusDelivered {
		s.mu.Lock()
		delete(s.pending, c.MessageID)
		s.mu.Unlock()
	}
}

func (s *Service) channelKeyReady(channel string, ok bool) {
	s.publish(Event{Type: EventChannelKeyReady, Channel: channel, KeyReady: ok})
}

// PeerConnected implements transport.Listener.
func (s *Service) PeerConnected(id proto.PeerID) {
	s.publish(Event{Type: EventPeerConnected, Peer: peerRef(id)})
	s.publish(Event{Type: EventPeerListUpdated, Peers: s.peers.Connected()})
	if err := s.SendBroadcastAnnounce(); err != nil {
		debuglog.Debugf("announce to %s: %v", id, err)
	}
}

// PeerDisconnected implements transport.Listener.
func (s *Service) PeerDisconnected(id proto.PeerID) {
	s.publish(Event{Type: EventPeerDisconnected, Peer: peerRef(id)})
	s.publish(Event{Type: EventPeerListUpdated, Peers: s.peers.Connected()})
}

// FrameReceived implements transport.Listener.
func (s *Service) FrameReceived(from proto.PeerID, data []byte) {
	s.router.HandleInbound(from, data)
}
