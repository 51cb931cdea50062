package state

import (
	"sort"
	"sync"

	"ctfsentinel/internal/ctf"
)

// Password policies for the team credential template.
const (
	PolicyRandom    = "random"
	PolicyFriendly  = "friendly"
	PolicyMemorable = "memorable"
)

// Credentials is the team login template posted when a tenant joins an event.
type Credentials struct {
	User           string `json:"user"`
	PasswordPolicy string `json:"password_policy"`
	Email          string `json:"email"`
}

// TenantConfig is one tenant's configuration. Tenants are never deleted.
type TenantConfig struct {
	TenantID      int64                     `json:"tenant_id"`
	SetupComplete bool                      `json:"setup_complete"`
	Channel       *ctf.ChannelRef           `json:"channel,omitempty"`
	Settings      Settings                  `json:"settings"`
	EventChannels map[string]ctf.ChannelRef `json:"event_channels,omitempty"`
	// BoundEvents holds the event as it was when its channel was bound. The feed
	// stops listing an event once it starts, so archiving reads finish times here.
	BoundEvents   map[string]ctf.Event      `json:"bound_events,omitempty"`
	Credentials   Credentials               `json:"credentials"`
}

func (c TenantConfig) clone() TenantConfig {
	cp := c
	if c.Channel != nil {
		ch := *c.Channel
		cp.Channel = &ch
	}
	cp.Settings = c.Settings.clone()
	if c.EventChannels != nil {
		cp.EventChannels = make(map[string]ctf.ChannelRef, len(c.EventChannels))
		for k, v := range c.EventChannels {
			cp.EventChannels[k] = v
		}
	}
	if c.BoundEvents != nil {
		cp.BoundEvents = make(map[string]ctf.Event, len(c.BoundEvents))
		for k, v := range c.BoundEvents {
			cp.BoundEvents[k] = v
		}
	}
	return cp
}

// Tenants is the TenantConfig store. Reads of an unknown tenant create it with the
// current defaults.
type Tenants struct {
	mu       sync.RWMutex
	m        map[int64]*TenantConfig
	defaults Defaults
}

func NewTenants(d Defaults) *Tenants {
	return &Tenants{m: make(map[int64]*TenantConfig), defaults: d}
}

func (t *Tenants) Defaults() Defaults {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.defaults
}

// SetDefaults swaps the default table. Existing explicit overrides are kept.
func (t *Tenants) SetDefaults(d Defaults) {
	t.mu.Lock()
	t.defaults = d
	t.mu.Unlock()
}

func (t *Tenants) getLocked(id int64) *TenantConfig {
	c, ok := t.m[id]
	if !ok {
		c = &TenantConfig{TenantID: id, Credentials: t.defaults.Credentials}
		t.m[id] = c
	}
	return c
}

// Get returns a copy of the tenant's config.
func (t *Tenants) Get(id int64) TenantConfig {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.getLocked(id).clone()
}

// Update mutates the tenant's config in place under the store lock. fn must not block.
func (t *Tenants) Update(id int64, fn func(c *TenantConfig)) TenantConfig {
	t.mu.Lock()
	defer t.mu.Unlock()
	c := t.getLocked(id)
	fn(c)
	return c.clone()
}

// Settings returns the tenant's resolved settings.
func (t *Tenants) Settings(id int64) Resolved {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.getLocked(id).Settings.Resolve(t.defaults)
}

// Setup records the primary channel and marks setup complete.
func (t *Tenants) Setup(id int64, ch ctf.ChannelRef) {
	t.Update(id, func(c *TenantConfig) {
		c.Channel = &ch
		c.SetupComplete = true
	})
}

// SetupTenants returns the ids of tenants with completed setup, ascending.
func (t *Tenants) SetupTenants() []int64 {
	t.mu.RLock()
	ids := make([]int64, 0, len(t.m))
	for id, c := range t.m {
		if c.SetupComplete {
			ids = append(ids, id)
		}
	}
	t.mu.RUnlock()
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// ResolveChannel returns the tenant's primary channel, if setup is complete.
func (t *Tenants) ResolveChannel(id int64) (ctf.ChannelRef, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	c, ok := t.m[id]
	if !ok || !c.SetupComplete || c.Channel == nil || c.Channel.IsZero() {
		return ctf.ChannelRef{}, false
	}
	return *c.Channel, true
}

// EventChannel returns the channel bound to an event, if any.
func (t *Tenants) EventChannel(id int64, key string) (ctf.ChannelRef, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	c, ok := t.m[id]
	if !ok {
		return ctf.ChannelRef{}, false
	}
	ref, ok := c.EventChannels[key]
	return ref, ok
}

// BindEventChannel records the per-event channel for key along with the event
// details known at the time.
func (t *Tenants) BindEventChannel(id int64, key string, ref ctf.ChannelRef, ev ctf.Event) {
	t.Update(id, func(c *TenantConfig) {
		if c.EventChannels == nil {
			c.EventChannels = make(map[string]ctf.ChannelRef)
		}
		c.EventChannels[key] = ref
		if ev == (ctf.Event{}) {
			return
		}
		if c.BoundEvents == nil {
			c.BoundEvents = make(map[string]ctf.Event)
		}
		c.BoundEvents[key] = ev
	})
}

// Binding is one event channel of a tenant.
type Binding struct {
	Key      string
	Channel  ctf.ChannelRef
	Event    ctf.Event
	HasEvent bool
}

// Bindings returns the tenant's event channels sorted by key.
func (t *Tenants) Bindings(id int64) []Binding {
	t.mu.RLock()
	c, ok := t.m[id]
	if !ok {
		t.mu.RUnlock()
		return nil
	}
	out := make([]Binding, 0, len(c.EventChannels))
	for k, ref := range c.EventChannels {
		ev, has := c.BoundEvents[k]
		out = append(out, Binding{Key: k, Channel: ref, Event: ev, HasEvent: has})
	}
	t.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// Snapshot copies every tenant for persistence.
func (t *Tenants) Snapshot() map[int64]TenantConfig {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[int64]TenantConfig, len(t.m))
	for id, c := range t.m {
		out[id] = c.clone()
	}
	return out
}

// Replace swaps in a loaded snapshot.
func (t *Tenants) Replace(m map[int64]TenantConfig) {
	next := make(map[int64]*TenantConfig, len(m))
	for id, c := range m {
		cp := c.clone()
		cp.TenantID = id
		next[id] = &cp
	}
	t.mu.Lock()
	t.m = next
	t.mu.Unlock()
}

func (t *Tenants) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.m)
}
