package scheduler

import (
	"hash/fnv"
	"time"

	"github.com/robfig/cron/v3"
)

const maxPhase = 30 * time.Second

// phased delays the first run of an interval job by a fixed offset derived
// from its name, then follows the interval.
type phased struct {
	cron.ConstantDelaySchedule
	first time.Time
}

func (p *phased) Next(t time.Time) time.Time {
	if t.Before(p.first) {
		return p.first
	}
	return p.ConstantDelaySchedule.Next(t)
}

// phaseFor spreads jobs sharing an interval across at most a quarter of it, so
// a one-minute evaluate stays close to its cadence. The offset is stable per name.
func phaseFor(name string, every time.Duration) time.Duration {
	limit := min(every/4, maxPhase)
	if limit < time.Second {
		return 0
	}
	h := fnv.New64a()
	_, _ = h.Write([]byte(name))
	return time.Duration(h.Sum64()%uint64(limit/time.Second)) * time.Second
}

func withPhase(every time.Duration, now time.Time, name string) (cron.Schedule, time.Duration) {
	off := phaseFor(name, every)
	return &phased{ConstantDelaySchedule: cron.Every(every), first: now.Add(every + off)}, off
}
