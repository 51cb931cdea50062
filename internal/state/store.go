// Package state holds the four live in-memory stores: tenant configuration, sent
// notifications, participation and the event cache. Only their accessors mutate them.
package state

// Store groups the live stores. It is built once at startup, loaded from
// persistence, and handed to every job.
type Store struct {
	Tenants       *Tenants
	Tracker       *Tracker
	Participation *Participation
	Cache         *Cache
}

func NewStore(d Defaults) *Store {
	return &Store{
		Tenants:       NewTenants(d),
		Tracker:       NewTracker(),
		Participation: NewParticipation(),
		Cache:         NewCache(),
	}
}
