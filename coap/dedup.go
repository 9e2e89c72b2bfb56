package coap

import (
	"sync"
	"time"

	"github.com/matrix-org/coapcore/message"
)

// dedupKey identifies one (remote address, message-id) exchange for the
// Confirmable deduplication window of spec.md §4.2.
type dedupKey struct {
	addr string
	mid  uint16
}

type dedupEntry struct {
	response message.Message
	hasResp  bool
	expires  time.Time
}

// dedupCache remembers recently seen inbound message IDs per remote peer so
// a retransmitted CON request gets its original (possibly piggybacked)
// response resent, instead of being dispatched to the handler again.
type dedupCache struct {
	lifetime time.Duration
	mu       sync.Mutex
	entries  map[dedupKey]*dedupEntry
}

func newDedupCache(lifetime time.Duration) *dedupCache {
	return &dedupCache{lifetime: lifetime, entries: make(map[dedupKey]*dedupEntry)}
}

// Seen records that a message with this key has arrived, and reports
// whether it had already been seen (i.e. this is a retransmission). It
// returns a copy of the entry as it stands.
func (c *dedupCache) Seen(key dedupKey, now time.Time) (dedupEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.evict(now)
	if e, ok := c.entries[key]; ok {
		return *e, true
	}
	e := &dedupEntry{expires: now.Add(c.lifetime)}
	c.entries[key] = e
	return *e, false
}

// RecordResponse attaches the response sent for key so a later
// retransmission of the same request can be answered identically.
func (c *dedupCache) RecordResponse(key dedupKey, resp message.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[key]; ok {
		e.response = resp
		e.hasResp = true
	}
}

func (c *dedupCache) evict(now time.Time) {
	for k, e := range c.entries {
		if now.After(e.expires) {
			delete(c.entries, k)
		}
	}
}
