package router

import (
	"container/list"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	DefaultDedupCap = 4096
	DefaultDedupTTL = 5 * time.Minute
)

// seenCache is a bounded FIFO of frame IDs with expiry. Entries stay in
// insertion order, so the oldest entry is always the next to expire.
type seenCache struct {
	mu      sync.Mutex
	cap     int
	ttl     time.Duration
	now     func() time.Time
	entries map[uuid.UUID]*list.Element
	order   *list.List
}

type seenEntry struct {
	id      uuid.UUID
	expires time.Time
}

func newSeenCache(capacity int, ttl time.Duration) *seenCache {
	if capacity <= 0 {
		capacity = DefaultDedupCap
	}
	if ttl <= 0 {
		ttl = DefaultDedupTTL
	}
	return &seenCache{
		cap:     capacity,
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[uuid.UUID]*list.Element),
		order:   list.New(),
	}
}

// CheckAndAdd records id and reports whether it had already been seen. The
// check and the insert happen under one lock.
func (c *seenCache) CheckAndAdd(id uuid.UUID) bool {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pruneLocked(now)
	if _, ok := c.entries[id]; ok {
		return true
	}
	el := c.order.PushFront(&seenEntry{id: id, expires: now.Add(c.ttl)})
	c.entries[id] = el
	for len(c.entries) > c.cap {
		back := c.order.Back()
		if back == nil {
			break
		}
		old := back.Value.(*seenEntry)
		delete(c.entries, old.id)
		c.order.Remove(back)
	}
	return false
}

func (c *seenCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *seenCache) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[uuid.UUID]*list.Element)
	c.order.Init()
}

func (c *seenCache) pruneLocked(now time.Time) {
	for el := c.order.Back(); el != nil; el = c.order.Back() {
		ent := el.Value.(*seenEntry)
		if ent.expires.After(now) {
			return
		}
		delete(c.entries, ent.id)
		c.order.Remove(el)
	}
}
