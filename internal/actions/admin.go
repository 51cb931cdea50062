package actions

import (
	"context"
	"sort"
	"strings"
	"time"

	"ctfsentinel/internal/ctf"
	"ctfsentinel/internal/state"
	logx "ctfsentinel/pkg/logx"
)

// Setup records the tenant's primary channel and completes setup.
func (s *Service) Setup(ctx context.Context, tenant, user int64, ch ctf.ChannelRef) error {
	if err := s.authorize(ctx, tenant, user); err != nil {
		return err
	}
	s.store.Tenants.Setup(tenant, ch)
	s.log.Info("tenant set up", logx.Tenant(tenant), logx.Int64("chat", ch.ChatID), logx.Int("thread", ch.ThreadID))
	return nil
}

// ResetNotifications forgets every sent notification for the tenant.
// Participation is left alone.
func (s *Service) ResetNotifications(ctx context.Context, tenant, user int64) (map[ctf.Kind]int, error) {
	if err := s.authorize(ctx, tenant, user); err != nil {
		return nil, err
	}
	before := s.store.Tracker.Counts(tenant)
	s.store.Tracker.Reset(tenant)
	s.log.Info("notifications reset", logx.Tenant(tenant), logx.Int64("user", user))
	return before, nil
}

// UpdateSetting applies one text setting change and returns the resolved result.
func (s *Service) UpdateSetting(ctx context.Context, tenant, user int64, rawKey, rawValue string) (state.Resolved, error) {
	if err := s.authorize(ctx, tenant, user); err != nil {
		return state.Resolved{}, err
	}
	key, err := state.ParseSettingKey(rawKey)
	if err != nil {
		return state.Resolved{}, err
	}
	var setErr error
	s.store.Tenants.Update(tenant, func(c *state.TenantConfig) {
		next := c.Settings
		setErr = next.Set(key, rawValue)
		if setErr == nil {
			c.Settings = next
		}
	})
	if setErr != nil {
		return state.Resolved{}, setErr
	}
	return s.store.Tenants.Settings(tenant), nil
}

// SetCredentials updates the team login template. Empty fields keep their value.
func (s *Service) SetCredentials(ctx context.Context, tenant, user int64, creds state.Credentials) (state.Credentials, error) {
	if err := s.authorize(ctx, tenant, user); err != nil {
		return state.Credentials{}, err
	}
	if p := strings.TrimSpace(creds.PasswordPolicy); p != "" && !ValidPolicy(p) {
		return state.Credentials{}, errInvalidPolicy(p)
	}
	c := s.store.Tenants.Update(tenant, func(c *state.TenantConfig) {
		if v := strings.TrimSpace(creds.User); v != "" {
			c.Credentials.User = v
		}
		if v := strings.TrimSpace(creds.Email); v != "" {
			c.Credentials.Email = v
		}
		if v := strings.TrimSpace(creds.PasswordPolicy); v != "" {
			c.Credentials.PasswordPolicy = strings.ToLower(v)
		}
	})
	return c.Credentials, nil
}

// Upcoming returns cached events sorted by start. Events with a bad start sort last.
func (s *Service) Upcoming(limit int) []ctf.Event {
	type item struct {
		ev    ctf.Event
		start time.Time
		ok    bool
	}
	snap := s.store.Cache.Snapshot()
	items := make([]item, 0, len(snap))
	for _, ev := range snap {
		st, err := ev.StartTime()
		items = append(items, item{ev: ev, start: st, ok: err == nil})
	}
	sort.Slice(items, func(i, j int) bool {
		a, b := items[i], items[j]
		if a.ok != b.ok {
			return a.ok
		}
		if !a.start.Equal(b.start) {
			return a.start.Before(b.start)
		}
		return a.ev.Key() < b.ev.Key()
	})
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	out := make([]ctf.Event, 0, len(items))
	for _, it := range items {
		out = append(out, it.ev)
	}
	return out
}

// StatusReport is a tenant's view of the scheduler state.
type StatusReport struct {
	Config       state.TenantConfig
	Settings     state.Resolved
	Sent         map[ctf.Kind]int
	CachedEvents int
	CacheUpdated time.Time
}

func (s *Service) Status(tenant int64) StatusReport {
	return StatusReport{
		Config:       s.store.Tenants.Get(tenant),
		Settings:     s.store.Tenants.Settings(tenant),
		Sent:         s.store.Tracker.Counts(tenant),
		CachedEvents: s.store.Cache.Len(),
		CacheUpdated: s.store.Cache.UpdatedAt(),
	}
}
