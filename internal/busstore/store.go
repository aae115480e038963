// Package busstore implements the per-store sequence allocation,
// publish/replace/get_recent/get_since operations, and the fixed
// six-store State topology spec.md §3/§4.C/§4.D describe.
package busstore

import (
	"sync"
	"sync/atomic"

	"github.com/wislap/busd/internal/busevent"
	"github.com/wislap/busd/internal/topicbuf"
)

// Metrics holds the atomic per-store counters: total publishes/queries
// and read-cache hit/miss counts. The counters use plain atomic adds and
// wrap around at 2^64 rather than saturating.
type Metrics struct {
	TotalPublishes atomic.Uint64
	TotalQueries   atomic.Uint64
	CacheHits      atomic.Uint64
	CacheMisses    atomic.Uint64
}

// MetricsSnapshot is a point-in-time copy of Metrics safe to hand to callers.
type MetricsSnapshot struct {
	TotalPublishes uint64
	TotalQueries   uint64
	CacheHits      uint64
	CacheMisses    uint64
}

func (m *Metrics) Snapshot() MetricsSnapshot {
	return MetricsSnapshot{
		TotalPublishes: m.TotalPublishes.Load(),
		TotalQueries:   m.TotalQueries.Load(),
		CacheHits:      m.CacheHits.Load(),
		CacheMisses:    m.CacheMisses.Load(),
	}
}

// Store is one named partition of the bus: a bounded-per-topic ring
// buffer keyed by topic name, a monotonic sequence counter, and a
// topic-count cap.
type Store struct {
	Name      string
	Maxlen    int
	TopicMax  int
	Metrics   Metrics

	nextSeq uint64 // atomic

	mu     sync.RWMutex
	topics map[string]*topicbuf.Buffer
}

// NewStore creates an empty store with the given per-topic maxlen and
// topic-count cap.
func NewStore(name string, maxlen, topicMax int) *Store {
	return &Store{
		Name:     name,
		Maxlen:   maxlen,
		TopicMax: topicMax,
		topics:   make(map[string]*topicbuf.Buffer),
	}
}

// TopicCount returns the number of distinct topics currently tracked.
func (s *Store) TopicCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.topics)
}

// IsNewTopic reports whether topic has no buffer yet — the check the
// topic_max cap is evaluated against, for both the ingest and RPC
// publish paths, per SPEC_FULL.md §5's uniform-enforcement decision.
func (s *Store) IsNewTopic(topic string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.topics[topic]
	return !ok
}

func (s *Store) bufferFor(topic string) *topicbuf.Buffer {
	s.mu.RLock()
	b, ok := s.topics[topic]
	s.mu.RUnlock()
	if ok {
		return b
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok := s.topics[topic]; ok {
		return b
	}
	b = topicbuf.New(s.Maxlen)
	s.topics[topic] = b
	return b
}

// Publish appends a new event to topic, allocating the next sequence
// number and deriving the index from payload. The caller is
// responsible for enforcing topic_max before calling Publish for a new
// topic.
func (s *Store) Publish(topic string, payload any) busevent.Event {
	seq := atomic.AddUint64(&s.nextSeq, 1)
	ts := busevent.NowTS()
	ev := busevent.Event{
		Seq:     seq,
		TS:      ts,
		Store:   s.Name,
		Topic:   topic,
		Payload: payload,
		Index:   busevent.ExtractIndex(payload, ts),
	}
	_ = ev.Encode()

	s.bufferFor(topic).Append(ev)
	s.Metrics.TotalPublishes.Add(1)
	return ev
}

// ReplaceTopic clears topic and republishes each item in order,
// producing a fresh sequence number per item — used by snapshot
// ingestion to replace a topic's full contents atomically from the
// caller's point of view.
func (s *Store) ReplaceTopic(topic string, items []any) []busevent.Event {
	b := s.bufferFor(topic)
	b.Reset()

	out := make([]busevent.Event, 0, len(items))
	for _, item := range items {
		out = append(out, s.Publish(topic, item))
	}
	return out
}

// GetRecent returns up to limit of the most recent events for topic,
// recording a cache hit/miss for observability.
func (s *Store) GetRecent(topic string, limit int) []busevent.Event {
	s.Metrics.TotalQueries.Add(1)
	s.mu.RLock()
	b, ok := s.topics[topic]
	s.mu.RUnlock()
	if !ok {
		s.Metrics.CacheMisses.Add(1)
		return nil
	}
	items := b.Recent(limit)
	if len(items) > 0 {
		s.Metrics.CacheHits.Add(1)
	} else {
		s.Metrics.CacheMisses.Add(1)
	}
	return items
}

// GetSince returns every event in topic with Seq > afterSeq, oldest
// first.
func (s *Store) GetSince(topic string, afterSeq uint64) []busevent.Event {
	s.mu.RLock()
	b, ok := s.topics[topic]
	s.mu.RUnlock()
	if !ok {
		return nil
	}
	snap := b.Snapshot()
	out := make([]busevent.Event, 0, len(snap))
	for _, ev := range snap {
		if ev.Seq > afterSeq {
			out = append(out, ev)
		}
	}
	return out
}

// Topic returns the buffer for topic if it exists, for callers (query,
// replay) that need a full snapshot or per-topic iteration.
func (s *Store) Topic(topic string) (*topicbuf.Buffer, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.topics[topic]
	return b, ok
}

// TopicSnapshot returns a copy of every event currently buffered for
// topic, oldest first, or (nil, false) if the topic doesn't exist.
// This is the narrow view the query/replay evaluator needs, kept as a
// method (rather than exposing *topicbuf.Buffer) so planquery can
// depend on a small interface instead of importing topicbuf.
func (s *Store) TopicSnapshot(topic string) ([]busevent.Event, bool) {
	b, ok := s.Topic(topic)
	if !ok {
		return nil, false
	}
	return b.Snapshot(), true
}

// Topics returns every topic name currently tracked, for full-store
// scans (bus.query with topic=="*").
func (s *Store) Topics() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.topics))
	for name := range s.topics {
		names = append(names, name)
	}
	return names
}
