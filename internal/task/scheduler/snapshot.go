package scheduler

import (
	"sort"
	"time"
)

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	snap := Snapshot{Enabled: s.cfg.Enabled, Timezone: s.cfg.Timezone}
	if snap.Timezone == "" {
		loc := s.loc
		if loc == nil {
			loc = time.Local
		}
		snap.Timezone = loc.String()
	}
	for _, e := range s.jobs {
		j := Job{Name: e.name, Spec: e.spec.String(), Timeout: e.timeout, Phase: e.phase}
		if s.cron != nil && e.cronID != 0 {
			ce := s.cron.Entry(e.cronID)
			j.Next, j.Prev = ce.Next, ce.Prev
		}
		snap.Jobs = append(snap.Jobs, j)
	}
	eng := s.engine
	s.mu.Unlock()

	sort.Slice(snap.Jobs, func(i, k int) bool { return snap.Jobs[i].Name < snap.Jobs[k].Name })
	if eng != nil {
		snap.Engine = eng.Snapshot()
	}
	return snap
}
