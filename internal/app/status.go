package app

import (
	"time"

	"ctfsentinel/internal/notifier"
)

// status is the /status body. Keep it free of chat secrets such as team credentials.
type status struct {
	Tenants      int       `json:"tenants"`
	SetUp        int       `json:"set_up"`
	CachedEvents int       `json:"cached_events"`
	CacheUpdated time.Time `json:"cache_updated,omitzero"`

	Timezone string      `json:"timezone"`
	Jobs     []jobStatus `json:"jobs"`
	QueueLen int         `json:"queue_len"`
	InFlight int         `json:"in_flight"`
	Dropped  uint64      `json:"dropped"`

	BusDropped uint64 `json:"bus_dropped"`

	Deliveries []notifier.HistoryItem `json:"deliveries"`
}

type jobStatus struct {
	Name string    `json:"name"`
	Spec string    `json:"spec"`
	Next time.Time `json:"next,omitzero"`
	Prev time.Time `json:"prev,omitzero"`
}

func (a *App) status() any {
	snap := a.sched.Snapshot()
	st := status{
		Tenants:      a.store.Tenants.Len(),
		SetUp:        len(a.store.Tenants.SetupTenants()),
		CachedEvents: a.store.Cache.Len(),
		CacheUpdated: a.store.Cache.UpdatedAt(),
		Timezone:     snap.Timezone,
		QueueLen:     snap.Engine.QueueLen,
		InFlight:     snap.Engine.InFlight,
		Dropped:      snap.Engine.Dropped,
		BusDropped:   a.bus.Dropped(),
		Deliveries:   a.notif.Snapshot(),
	}
	for _, s := range snap.Jobs {
		st.Jobs = append(st.Jobs, jobStatus{Name: s.Name, Spec: s.Spec, Next: s.Next, Prev: s.Prev})
	}
	return st
}
