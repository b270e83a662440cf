package outbox

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"meshchat/internal/crypto"
	"meshchat/internal/debuglog"
	"meshchat/internal/metrics"
	"meshchat/internal/proto"
	"meshchat/internal/store"
)

const (
	DefaultCap    = 100
	DefaultMaxAge = 24 * time.Hour
)

// Item is one held outbound private message. Journaled items carry their text
// in Sealed when the queue has a seal key.
type Item struct {
	Key               string       `json:"key"`
	MessageID         uuid.UUID    `json:"message_id"`
	PeerID            proto.PeerID `json:"peer_id"`
	Content           string       `json:"content,omitempty"`
	Sealed            []byte       `json:"sealed,omitempty"`
	RecipientNickname string       `json:"recipient_nickname,omitempty"`
	EnqueuedAt        time.Time    `json:"enqueued_at"`
}

type Options struct {
	Cap     int
	MaxAge  time.Duration
	Journal *store.Journal
	Metrics *metrics.Metrics
	// SealKey encrypts message text before it reaches the journal.
	SealKey []byte
	// OnExpire runs outside the queue lock for every item dropped by age.
	OnExpire func(Item)
	// OnEvict runs outside the queue lock for every item pushed out by a
	// newer one on a full key.
	OnEvict func(Item)
}

// Queue is a set of bounded FIFOs, one per key. Oldest items are evicted
// silently once a key is full.
type Queue struct {
	cap      int
	maxAge   time.Duration
	journal  *store.Journal
	metrics  *metrics.Metrics
	sealKey  []byte
	onExpire func(Item)
	onEvict  func(Item)
	now      func() time.Time

	mu     sync.Mutex
	queues map[string][]Item
}

func New(opts Options) *Queue {
	capacity := opts.Cap
	if capacity <= 0 {
		capacity = DefaultCap
	}
	maxAge := opts.MaxAge
	if maxAge <= 0 {
		maxAge = DefaultMaxAge
	}
	m := opts.Metrics
	if m == nil {
		m = metrics.New()
	}
	return &Queue{
		cap:      capacity,
		maxAge:   maxAge,
		journal:  opts.Journal,
		metrics:  m,
		sealKey:  opts.SealKey,
		onExpire: opts.OnExpire,
		onEvict:  opts.OnEvict,
		now:      time.Now,
		queues:   make(map[string][]Item),
	}
}

// Load restores queued items from the journal, dropping expired ones.
func (q *Queue) Load() error {
	if q.journal == nil {
		return nil
	}
	items, err := store.ReadAll[Item](q.journal)
	if err != nil {
		return err
	}
	now := q.now()
	var evicted []Item
	q.mu.Lock()
	for _, it := range items {
		if it.Key == "" || now.Sub(it.EnqueuedAt) > q.maxAge {
			continue
		}
		if len(it.Sealed) > 0 {
			if it, err = q.open(it); err != nil {
				debuglog.Logf("outbox: dropping unreadable held message %s: %v", it.MessageID, err)
				continue
			}
		}
		evicted = append(evicted, q.pushLocked(it)...)
	}
	err = q.persistLocked()
	q.mu.Unlock()
	q.evicted(evicted)
	return err
}

// Enqueue appends it under it.Key and reports whether an older item was
// evicted to make room.
func (q *Queue) Enqueue(it Item) bool {
	if it.EnqueuedAt.IsZero() {
		it.EnqueuedAt = q.now()
	}
	q.mu.Lock()
	evicted := q.pushLocked(it)
	q.metrics.IncEnqueued()
	if err := q.persistLocked(); err != nil {
		debuglog.Logf("outbox persist failed: %v", err)
	}
	q.mu.Unlock()
	q.evicted(evicted)
	return len(evicted) > 0
}

func (q *Queue) pushLocked(it Item) []Item {
	list := append(q.queues[it.Key], it)
	var evicted []Item
	for len(list) > q.cap {
		evicted = append(evicted, list[0])
		list = list[1:]
		q.metrics.IncEvicted()
	}
	q.queues[it.Key] = list
	return evicted
}

func (q *Queue) evicted(items []Item) {
	if q.onEvict == nil {
		return
	}
	for _, it := range items {
		q.onEvict(it)
	}
}

// Drain removes and returns every item under key in enqueue order. A second
// drain of the same key returns nothing until new items arrive.
func (q *Queue) Drain(key string) []Item {
	q.mu.Lock()
	defer q.mu.Unlock()
	list, ok := q.queues[key]
	if !ok {
		return nil
	}
	delete(q.queues, key)
	if err := q.persistLocked(); err != nil {
		debuglog.Logf("outbox persist failed: %v", err)
	}
	now := q.now()
	out := make([]Item, 0, len(list))
	for _, it := range list {
		if now.Sub(it.EnqueuedAt) <= q.maxAge {
			out = append(out, it)
		}
	}
	return out
}

// Rekey moves everything queued under from onto the end of to's queue.
func (q *Queue) Rekey(from, to string) {
	if from == to {
		return
	}
	q.mu.Lock()
	list, ok := q.queues[from]
	if !ok {
		q.mu.Unlock()
		return
	}
	delete(q.queues, from)
	var evicted []Item
	for _, it := range list {
		it.Key = to
		evicted = append(evicted, q.pushLocked(it)...)
	}
	if err := q.persistLocked(); err != nil {
		debuglog.Logf("outbox persist failed: %v", err)
	}
	q.mu.Unlock()
	q.evicted(evicted)
}

// Contains reports whether a message is parked under any key.
func (q *Queue) Contains(id uuid.UUID) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, list := range q.queues {
		for _, it := range list {
			if it.MessageID == id {
				return true
			}
		}
	}
	return false
}

func (q *Queue) Len(key string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.queues[key])
}

func (q *Queue) Total() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, list := range q.queues {
		n += len(list)
	}
	return n
}

func (q *Queue) Keys() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]string, 0, len(q.queues))
	for k := range q.queues {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Sweep drops items older than the max age.
func (q *Queue) Sweep() int {
	now := q.now()
	var expired []Item
	q.mu.Lock()
	for key, list := range q.queues {
		kept := list[:0]
		for _, it := range list {
			if now.Sub(it.EnqueuedAt) > q.maxAge {
				expired = append(expired, it)
				continue
			}
			kept = append(kept, it)
		}
		if len(kept) == 0 {
			delete(q.queues, key)
		} else {
			q.queues[key] = kept
		}
	}
	if len(expired) > 0 {
		if err := q.persistLocked(); err != nil {
			debuglog.Logf("outbox persist failed: %v", err)
		}
	}
	q.mu.Unlock()
	for _, it := range expired {
		q.metrics.IncOutboxExpired()
		if q.onExpire != nil {
			q.onExpire(it)
		}
	}
	return len(expired)
}

// Reset empties every queue and the journal.
func (q *Queue) Reset() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.queues = make(map[string][]Item)
	if q.journal != nil {
		if err := q.journal.Remove(); err != nil {
			debuglog.Logf("outbox journal remove failed: %v", err)
		}
	}
}

func (q *Queue) persistLocked() error {
	if q.journal == nil {
		return nil
	}
	keys := make([]string, 0, len(q.queues))
	for k := range q.queues {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var records []any
	for _, k := range keys {
		for _, it := range q.queues[k] {
			if q.sealKey != nil {
				sealed, err := q.seal(it)
				if err != nil {
					return err
				}
				it = sealed
			}
			records = append(records, it)
		}
	}
	return q.journal.Rewrite(records)
}

func itemAAD(it Item) []byte {
	return []byte("meshchat:outbox:" + it.Key + ":" + it.MessageID.String())
}

func (q *Queue) seal(it Item) (Item, error) {
	box, err := crypto.SealBox(q.sealKey, []byte(it.Content), itemAAD(it))
	if err != nil {
		return it, fmt.Errorf("seal held message %s: %w", it.MessageID, err)
	}
	it.Content, it.Sealed = "", box
	return it, nil
}

func (q *Queue) open(it Item) (Item, error) {
	if q.sealKey == nil {
		return it, fmt.Errorf("sealed item without a seal key")
	}
	pt, err := crypto.OpenBox(q.sealKey, it.Sealed, itemAAD(it))
	if err != nil {
		return it, err
	}
	it.Content, it.Sealed = string(pt), nil
	return it, nil
}
