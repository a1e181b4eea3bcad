// Package eventbus is the in-process publisher for job progress and channel
// lifecycle events.
package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

// Event is one message on a topic. Data must be a value the publisher no
// longer mutates; the Redis relay encodes it as JSON.
type Event struct {
	Topic string
	Type  string
	Time  time.Time
	Data  any
}

// Bus fans events out to topic subscribers. Publish never blocks: a
// subscriber whose buffer is full misses the event (at-most-once, no replay).
type Bus interface {
	Publish(topic string, e Event)
	// Subscribe registers for one topic; an empty topic receives every event.
	Subscribe(topic string, buffer int) (ch <-chan Event, unsubscribe func())
}

// Wildcard is the topic that matches every event.
const Wildcard = ""

func New() *MemBus {
	return &MemBus{topics: map[string]map[*subscriber]struct{}{}}
}

// MemBus is the in-memory Bus. It owns no goroutines.
type MemBus struct {
	mu      sync.RWMutex
	topics  map[string]map[*subscriber]struct{}
	dropped atomic.Uint64
}

type subscriber struct {
	mu     sync.Mutex
	ch     chan Event
	closed bool
}

// offer delivers e unless the buffer is full or the subscriber is gone.
func (s *subscriber) offer(e Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return true
	}
	select {
	case s.ch <- e:
		return true
	default:
		return false
	}
}

func (s *subscriber) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

func (b *MemBus) Publish(topic string, e Event) {
	e.Topic = topic
	if e.Time.IsZero() {
		e.Time = time.Now()
	}

	b.mu.RLock()
	targets := make([]*subscriber, 0, len(b.topics[topic])+len(b.topics[Wildcard]))
	for s := range b.topics[topic] {
		targets = append(targets, s)
	}
	if topic != Wildcard {
		for s := range b.topics[Wildcard] {
			targets = append(targets, s)
		}
	}
	b.mu.RUnlock()

	for _, s := range targets {
		if !s.offer(e) {
			b.dropped.Add(1)
		}
	}
}

func (b *MemBus) Subscribe(topic string, buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	s := &subscriber{ch: make(chan Event, buffer)}

	b.mu.Lock()
	set := b.topics[topic]
	if set == nil {
		set = map[*subscriber]struct{}{}
		b.topics[topic] = set
	}
	set[s] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	return s.ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.topics[topic], s)
			if len(b.topics[topic]) == 0 {
				delete(b.topics, topic)
			}
			b.mu.Unlock()
			s.close()
		})
	}
}

// Dropped counts deliveries skipped because a subscriber's buffer was full.
func (b *MemBus) Dropped() uint64 { return b.dropped.Load() }
