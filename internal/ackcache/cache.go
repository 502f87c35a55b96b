// Package ackcache records fingerprints of recently delivered messages so
// redundant deliveries from a second transport can be dropped.
package ackcache

import (
	"slices"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/fruitsalade/previewsync/internal/protocol"
)

// DefaultCapacity is the number of fingerprints retained.
const DefaultCapacity = 32

// Entry is a recorded fingerprint.
type Entry struct {
	Fingerprint protocol.Fingerprint
	InsertedAt  time.Time
}

// Cache is a bounded, recency-ordered fingerprint set. New entries go to
// the head; once full, the oldest entry is evicted. Re-enqueueing an
// existing fingerprint does not move it.
type Cache struct {
	mu      sync.Mutex
	entries *lru.Cache[protocol.Fingerprint, time.Time]
	now     func() time.Time
}

// New creates a cache holding up to capacity fingerprints. A non-positive
// capacity selects DefaultCapacity.
func New(capacity int) *Cache {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	entries, err := lru.New[protocol.Fingerprint, time.Time](capacity)
	if err != nil {
		// lru.New only fails on non-positive sizes.
		panic("ackcache: " + err.Error())
	}
	return &Cache{entries: entries, now: time.Now}
}

// Enqueue records fp. It is a no-op when fp is already present.
func (c *Cache) Enqueue(fp protocol.Fingerprint) {
	c.MarkIfAbsent(fp)
}

// Contains reports whether fp has been recorded.
func (c *Cache) Contains(fp protocol.Fingerprint) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.entries.Contains(fp)
}

// MarkIfAbsent records fp and returns true, or returns false if fp was
// already present. The check and insert are atomic.
func (c *Cache) MarkIfAbsent(fp protocol.Fingerprint) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	found, _ := c.entries.ContainsOrAdd(fp, c.now())
	return !found
}

// Entries returns the recorded fingerprints, newest first.
func (c *Cache) Entries() []Entry {
	c.mu.Lock()
	defer c.mu.Unlock()

	keys := c.entries.Keys()
	out := make([]Entry, 0, len(keys))
	for _, fp := range keys {
		insertedAt, _ := c.entries.Peek(fp)
		out = append(out, Entry{Fingerprint: fp, InsertedAt: insertedAt})
	}
	slices.Reverse(out)
	return out
}

// Len returns the number of recorded fingerprints.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.entries.Len()
}
