package state

import (
	"sort"
	"sync/atomic"
	"time"

	"ctfsentinel/internal/ctf"
)

// Cache holds the most recent feed result. Replace swaps a fully built snapshot,
// so readers see either the old set or the new one.
type Cache struct {
	cur atomic.Pointer[cacheSnapshot]
}

type cacheSnapshot struct {
	events    map[string]ctf.Event
	keys      []string
	updatedAt time.Time
}

func NewCache() *Cache {
	c := &Cache{}
	c.cur.Store(&cacheSnapshot{events: map[string]ctf.Event{}})
	return c
}

// Replace drops the previous contents and keys events by ctf.Event.Key.
func (c *Cache) Replace(events []ctf.Event, at time.Time) {
	m := make(map[string]ctf.Event, len(events))
	for _, e := range events {
		m[e.Key()] = e
	}
	c.ReplaceKeyed(m, at)
}

// ReplaceKeyed installs a map whose keys were computed earlier (a persisted cache).
func (c *Cache) ReplaceKeyed(m map[string]ctf.Event, at time.Time) {
	events := make(map[string]ctf.Event, len(m))
	keys := make([]string, 0, len(m))
	for k, e := range m {
		events[k] = e
		keys = append(keys, k)
	}
	sort.Strings(keys)
	c.cur.Store(&cacheSnapshot{events: events, keys: keys, updatedAt: at})
}

func (c *Cache) Get(key string) (ctf.Event, bool) {
	e, ok := c.cur.Load().events[key]
	return e, ok
}

// Keys returns the cached keys, sorted.
func (c *Cache) Keys() []string {
	return append([]string(nil), c.cur.Load().keys...)
}

// Snapshot returns a copy of the cached events keyed by EventKey.
func (c *Cache) Snapshot() map[string]ctf.Event {
	snap := c.cur.Load()
	out := make(map[string]ctf.Event, len(snap.events))
	for k, e := range snap.events {
		out[k] = e
	}
	return out
}

func (c *Cache) Len() int { return len(c.cur.Load().keys) }

func (c *Cache) UpdatedAt() time.Time { return c.cur.Load().updatedAt }
