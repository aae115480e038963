// Package topicbuf implements the bounded, per-topic ring buffer that
// backs every store's topics, plus a best-effort read cache for the
// hot get_recent path.
package topicbuf

import (
	"sync"
	"time"

	"github.com/wislap/busd/internal/busevent"
)

// Meta tracks per-topic bookkeeping independent of buffer contents.
type Meta struct {
	CreatedAt  time.Time
	LastTS     float64
	CountTotal uint64
}

// Buffer is a bounded deque of events for one topic, with a read cache
// that lets get_recent avoid the write lock on the hot path.
type Buffer struct {
	maxlen int

	mu     sync.RWMutex
	events []busevent.Event
	meta   Meta

	// readCache holds the last N events snapshotted outside the write
	// lock. refresh is a non-blocking try-lock: if the write lock is
	// held, the cache is simply left stale for this round rather than
	// having get_recent wait on it.
	cacheMu sync.RWMutex
	cache   []busevent.Event
}

// New creates an empty bounded buffer for one topic.
func New(maxlen int) *Buffer {
	return &Buffer{
		maxlen: maxlen,
		meta:   Meta{CreatedAt: time.Now()},
	}
}

// Append adds ev to the buffer, trimming from the front when over
// capacity, then refreshes the read cache. Returns the (possibly new)
// topic metadata after the append.
func (b *Buffer) Append(ev busevent.Event) Meta {
	b.mu.Lock()
	b.events = append(b.events, ev)
	for len(b.events) > b.maxlen {
		b.events = b.events[1:]
	}
	b.meta.LastTS = ev.TS
	b.meta.CountTotal++
	meta := b.meta
	b.mu.Unlock()

	b.refreshCache()
	return meta
}

// Reset clears the buffer and metadata, as used by replace_topic before
// re-publishing each replacement item.
func (b *Buffer) Reset() {
	b.mu.Lock()
	b.events = nil
	b.meta = Meta{CreatedAt: time.Now()}
	b.mu.Unlock()

	b.cacheMu.Lock()
	b.cache = nil
	b.cacheMu.Unlock()
}

// Meta returns a copy of the current topic metadata.
func (b *Buffer) Meta() Meta {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.meta
}

// Len returns the current number of buffered events.
func (b *Buffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.events)
}

// Snapshot returns a copy of every event currently buffered, oldest
// first, used by query/replay's full-topic scan.
func (b *Buffer) Snapshot() []busevent.Event {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]busevent.Event, len(b.events))
	copy(out, b.events)
	return out
}

// Recent returns up to limit of the most recent events, oldest first
// within the returned slice. It prefers the read cache (no lock
// contention with writers) and falls back to the locked buffer when
// the cache doesn't hold enough events yet.
func (b *Buffer) Recent(limit int) []busevent.Event {
	if limit <= 0 {
		return nil
	}

	b.cacheMu.RLock()
	cache := b.cache
	b.cacheMu.RUnlock()
	if len(cache) >= limit || len(cache) == b.Len() {
		return lastN(cache, limit)
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	return lastN(b.events, limit)
}

// refreshCache tries, without blocking, to snapshot the tail of the
// buffer into the read cache. If the write lock is currently held the
// refresh is simply skipped; the previous cache contents remain valid
// for the next Recent call.
func (b *Buffer) refreshCache() {
	if !b.mu.TryRLock() {
		return
	}
	snap := lastN(b.events, b.maxlen)
	b.mu.RUnlock()

	b.cacheMu.Lock()
	b.cache = snap
	b.cacheMu.Unlock()
}

func lastN(events []busevent.Event, n int) []busevent.Event {
	if n >= len(events) {
		out := make([]busevent.Event, len(events))
		copy(out, events)
		return out
	}
	start := len(events) - n
	out := make([]busevent.Event, n)
	copy(out, events[start:])
	return out
}
