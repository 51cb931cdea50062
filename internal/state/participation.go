package state

import (
	"errors"
	"fmt"
	"sync"
)

// Status is a tenant's participation in one event.
type Status string

const (
	StatusUntouched Status = "untouched"
	StatusJoined    Status = "joined"
	StatusSkipped   Status = "skipped"
)

// ErrTransition is returned when an event is already in the other terminal state.
var ErrTransition = errors.New("participation already decided")

// Participation tracks join/skip decisions. joined and skipped are terminal.
type Participation struct {
	mu sync.Mutex
	m  map[int64]map[string]Status
}

func NewParticipation() *Participation {
	return &Participation{m: make(map[int64]map[string]Status)}
}

func (p *Participation) Status(tenant int64, key string) Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	if st, ok := p.m[tenant][key]; ok {
		return st
	}
	return StatusUntouched
}

// Join moves untouched to joined. Joining again is a no-op.
func (p *Participation) Join(tenant int64, key string) error {
	return p.transition(tenant, key, StatusJoined)
}

// Skip moves untouched to skipped. Skipping again is a no-op.
func (p *Participation) Skip(tenant int64, key string) error {
	return p.transition(tenant, key, StatusSkipped)
}

func (p *Participation) transition(tenant int64, key string, to Status) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	events := p.m[tenant]
	if events == nil {
		events = make(map[string]Status)
		p.m[tenant] = events
	}
	cur, ok := events[key]
	if !ok || cur == StatusUntouched {
		events[key] = to
		return nil
	}
	if cur == to {
		return nil
	}
	return fmt.Errorf("%w: %s is %s", ErrTransition, key, cur)
}

// Snapshot returns a deep copy for persistence.
func (p *Participation) Snapshot() map[int64]map[string]Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[int64]map[string]Status, len(p.m))
	for tenant, events := range p.m {
		if len(events) == 0 {
			continue
		}
		cp := make(map[string]Status, len(events))
		for k, v := range events {
			cp[k] = v
		}
		out[tenant] = cp
	}
	return out
}

// Replace swaps in a loaded snapshot. Unknown statuses are dropped.
func (p *Participation) Replace(m map[int64]map[string]Status) {
	next := make(map[int64]map[string]Status, len(m))
	for tenant, events := range m {
		cp := make(map[string]Status, len(events))
		for k, v := range events {
			if v == StatusJoined || v == StatusSkipped {
				cp[k] = v
			}
		}
		next[tenant] = cp
	}
	p.mu.Lock()
	p.m = next
	p.mu.Unlock()
}
