package state

import (
	"sort"
	"sync"

	"ctfsentinel/internal/ctf"
)

// Tracker records which (tenant, event, kind) notifications have been sent.
// Entries only disappear through Reset.
type Tracker struct {
	mu sync.Mutex
	m  map[int64]map[ctf.Kind]map[string]struct{}
}

func NewTracker() *Tracker {
	return &Tracker{m: make(map[int64]map[ctf.Kind]map[string]struct{})}
}

func (t *Tracker) Sent(tenant int64, key string, kind ctf.Kind) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.m[tenant][kind][key]
	return ok
}

// Mark records the notification and reports whether it was newly added.
// A false result means another caller already claimed it.
func (t *Tracker) Mark(tenant int64, key string, kind ctf.Kind) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	kinds := t.m[tenant]
	if kinds == nil {
		kinds = make(map[ctf.Kind]map[string]struct{}, len(ctf.Kinds))
		t.m[tenant] = kinds
	}
	keys := kinds[kind]
	if keys == nil {
		keys = make(map[string]struct{})
		kinds[kind] = keys
	}
	if _, ok := keys[key]; ok {
		return false
	}
	keys[key] = struct{}{}
	return true
}

// Reset clears every kind for the tenant. Participation is untouched.
func (t *Tracker) Reset(tenant int64) {
	t.mu.Lock()
	delete(t.m, tenant)
	t.mu.Unlock()
}

// Counts returns the number of recorded notifications per kind.
func (t *Tracker) Counts(tenant int64) map[ctf.Kind]int {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[ctf.Kind]int, len(ctf.Kinds))
	for kind, keys := range t.m[tenant] {
		out[kind] = len(keys)
	}
	return out
}

// Snapshot returns tenant -> kind -> sorted keys. Empty sets are omitted.
func (t *Tracker) Snapshot() map[int64]map[ctf.Kind][]string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[int64]map[ctf.Kind][]string, len(t.m))
	for tenant, kinds := range t.m {
		km := make(map[ctf.Kind][]string, len(kinds))
		for kind, keys := range kinds {
			if len(keys) == 0 {
				continue
			}
			list := make([]string, 0, len(keys))
			for k := range keys {
				list = append(list, k)
			}
			sort.Strings(list)
			km[kind] = list
		}
		if len(km) > 0 {
			out[tenant] = km
		}
	}
	return out
}

// Replace swaps in a loaded snapshot.
func (t *Tracker) Replace(m map[int64]map[ctf.Kind][]string) {
	next := make(map[int64]map[ctf.Kind]map[string]struct{}, len(m))
	for tenant, kinds := range m {
		km := make(map[ctf.Kind]map[string]struct{}, len(kinds))
		for kind, keys := range kinds {
			set := make(map[string]struct{}, len(keys))
			for _, k := range keys {
				set[k] = struct{}{}
			}
			km[kind] = set
		}
		next[tenant] = km
	}
	t.mu.Lock()
	t.m = next
	t.mu.Unlock()
}
