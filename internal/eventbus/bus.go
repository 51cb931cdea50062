// Package eventbus carries in-process notifications between components:
// feed refreshes, deliveries, participation changes, flushes and reloads.
package eventbus

import (
	"slices"
	"sync"
	"sync/atomic"
	"time"
)

// Event is a small in-memory signal. Data should be JSON-serializable since
// subscribers may log it.
type Event struct {
	Type string
	Time time.Time
	Data any
}

const (
	TypeFeedRefreshed    = "feed.refreshed"
	TypeFeedFailed       = "feed.failed"
	TypeNotificationSent = "notification.sent"
	TypeNotificationFail = "notification.failed"
	TypeParticipation    = "participation.changed"
	TypeStateFlushed     = "state.flushed"
	TypeConfigReloaded   = "config.reloaded"
)

// Bus fans events out to subscribers. Publish never blocks: a subscriber whose
// buffer is full misses the event and the miss is counted.
type Bus interface {
	Publish(e Event)
	// Subscribe returns a channel receiving events whose Type is in types, or
	// every event when types is empty.
	Subscribe(buffer int, types ...string) (ch <-chan Event, unsubscribe func())
	Dropped() uint64
}

func New() Bus { return &memBus{} }

type subscriber struct {
	ch     chan Event
	types  []string
	closed bool
}

func (s *subscriber) wants(typ string) bool {
	return len(s.types) == 0 || slices.Contains(s.types, typ)
}

type memBus struct {
	mu      sync.Mutex
	subs    []*subscriber
	dropped atomic.Uint64
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	// Sends are non-blocking, so holding the lock keeps unsubscribe from
	// closing a channel mid-send.
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, s := range b.subs {
		if s.closed || !s.wants(e.Type) {
			continue
		}
		select {
		case s.ch <- e:
		default:
			b.dropped.Add(1)
		}
	}
}

func (b *memBus) Subscribe(buffer int, types ...string) (<-chan Event, func()) {
	s := &subscriber{ch: make(chan Event, max(buffer, 1)), types: slices.Clone(types)}
	b.mu.Lock()
	b.subs = append(b.subs, s)
	b.mu.Unlock()

	return s.ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if s.closed {
			return
		}
		s.closed = true
		close(s.ch)
		b.subs = slices.DeleteFunc(b.subs, func(x *subscriber) bool { return x == s })
	}
}

func (b *memBus) Dropped() uint64 { return b.dropped.Load() }
