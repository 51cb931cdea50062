package app

import (
	"context"
	"slices"
	"strings"
	"time"

	"ctfsentinel/internal/config"
	"ctfsentinel/internal/eventbus"
	logx "ctfsentinel/pkg/logx"
)

func (a *App) reloadLoop(ctx context.Context, sub chan *config.Config) {
	defer a.cfgm.Unsubscribe(sub)
	last := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case next, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts: keep only the newest config.
		drain:
			for {
				select {
				case newer := <-sub:
					if newer != nil {
						next = newer
					}
				default:
					break drain
				}
			}
			a.applyConfig(last, next)
			last = next
		}
	}
}

// applyConfig pushes the live-reloadable sections of next into the running
// components. The validator already ran every mapping, so errors here are not expected.
func (a *App) applyConfig(prev, next *config.Config) {
	sections, attrs, restart := config.SummarizeConfigChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}

	if a.logs != nil {
		a.logs.Apply(mapLoggingConfig(next))
	}
	a.perms.SetOwners(next.Telegram.OwnerUserIDs)
	a.store.Tenants.SetDefaults(mapDefaults(next))

	if ncfg, _, err := mapNotifierConfig(next); err != nil {
		a.log.Warn("invalid notifier config; keeping previous", logx.Err(err))
	} else {
		a.notif.Apply(ncfg)
	}

	if ecfg, err := mapEngineConfig(next); err != nil {
		a.log.Warn("invalid jobs config; keeping previous", logx.Err(err))
	} else {
		a.engine.Apply(ecfg)
	}
	if grace, err := mapShutdownGrace(next); err == nil {
		a.grace.Store(int64(grace))
	}
	a.sched.Apply(mapSchedulerConfig(next))
	if slices.Contains(sections, "jobs") {
		if specs, err := mapJobSpecs(next); err != nil {
			a.log.Warn("invalid job schedules; keeping previous", logx.Err(err))
		} else if err := a.registerJobs(specs); err != nil {
			a.log.Warn("job reschedule failed", logx.Err(err))
		}
	}

	if len(restart) > 0 {
		a.log.Warn("config change needs a restart to take effect", logx.String("sections", strings.Join(restart, ",")))
	}
	a.bus.Publish(eventbus.Event{Type: eventbus.TypeConfigReloaded, Time: time.Now(), Data: sections})
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}
