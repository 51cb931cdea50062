package app

import (
	"context"
	"errors"
	"fmt"

	"ctfsentinel/internal/ctf"
	"ctfsentinel/internal/eventbus"
	"ctfsentinel/internal/task/engine"
	"ctfsentinel/internal/task/scheduler"
	logx "ctfsentinel/pkg/logx"
)

// registerJobs upserts the three periodic jobs. Calling it again with new
// specs reschedules them in place.
func (a *App) registerJobs(specs []jobSpec) error {
	for _, js := range specs {
		var run func(context.Context) error
		switch js.name {
		case jobRefresh:
			run = a.refresh
		case jobEvaluate:
			run = a.evaluate
		case jobFlush:
			run = a.flush
		default:
			return fmt.Errorf("unknown job %q", js.name)
		}
		opt := scheduler.TaskOptions{Overlap: scheduler.OverlapSkipIfRunning}
		if err := a.sched.Register(js.name, js.spec, js.timeout, opt, run); err != nil {
			return fmt.Errorf("schedule %s: %w", js.name, err)
		}
	}
	return nil
}

// refresh replaces the event cache. A failed fetch leaves the cache as it was.
func (a *App) refresh(ctx context.Context) error {
	events, err := a.feed.Fetch(ctx)
	if err != nil {
		a.bus.Publish(eventbus.Event{Type: eventbus.TypeFeedFailed, Data: err.Error()})
		return retryPolicy(err)
	}
	a.store.Cache.Replace(events, a.now())
	a.bus.Publish(eventbus.Event{Type: eventbus.TypeFeedRefreshed, Data: len(events)})
	a.log.Info("event cache refreshed", logx.Int("events", len(events)))
	return nil
}

// retryPolicy maps a fetch failure onto the engine's retry controls. The next
// scheduled refresh still runs either way.
func retryPolicy(err error) error {
	var fe *ctf.FetchError
	if !errors.As(err, &fe) {
		return err
	}
	if !fe.Temporary() {
		return engine.Permanent(err)
	}
	if fe.RetryAfter > 0 {
		return engine.Backoff(err, fe.RetryAfter)
	}
	return err
}

func (a *App) evaluate(ctx context.Context) error {
	a.trig.Run(ctx, a.now())
	return nil
}

func (a *App) flush(ctx context.Context) error {
	if err := a.persist.SaveAll(ctx, a.store); err != nil {
		return err
	}
	a.bus.Publish(eventbus.Event{Type: eventbus.TypeStateFlushed})
	return nil
}

// kick runs jobs now, in order, on the shared worker.
func (a *App) kick(ctx context.Context, names ...string) {
	for _, name := range names {
		err := a.sched.Trigger(ctx, name)
		switch {
		case err == nil:
		case errors.Is(err, engine.ErrOverlapSkip):
			a.log.Debug("job already pending", logx.String("job", name))
		default:
			a.log.Warn("job trigger failed", logx.String("job", name), logx.Err(err))
		}
	}
}
