// Package trigger decides which notifications are due.
//
// One pass walks every setup-complete tenant and every cached event, applies the
// 24h, 1h and channel-1h windows, checks bound event channels for archiving, and marks each decision sent before
// handing it to delivery. Re-running a pass over unchanged state emits nothing.
package trigger

import (
	"context"
	"errors"
	"sort"
	"time"

	"ctfsentinel/internal/ctf"
	"ctfsentinel/internal/state"
	logx "ctfsentinel/pkg/logx"

	"github.com/google/uuid"
)

// Window bounds, relative to the event start.
const (
	Window24hMin = 23 * time.Hour
	Window24hMax = 25 * time.Hour
	Window1hMax  = 90 * time.Minute

	DefaultSendTimeout = 10 * time.Second
)

// Decision is one notification that is due and already marked sent.
type Decision struct {
	ID       uuid.UUID
	TenantID int64
	Key      string
	Kind     ctf.Kind
	Event    ctf.Event
	Target   ctf.ChannelRef
	// StartsIn is the time until start at evaluation. Negative for archived.
	StartsIn time.Duration
}

// Resolver returns a tenant's primary delivery channel. *state.Tenants satisfies it.
type Resolver interface {
	ResolveChannel(tenant int64) (ctf.ChannelRef, bool)
}

// Deliverer sends one decision. Errors are expected to be *ctf.DeliveryError.
type Deliverer interface {
	Deliver(ctx context.Context, d Decision) error
}

type Options struct {
	// SendTimeout bounds each Deliver call. Defaults to DefaultSendTimeout.
	SendTimeout time.Duration
}

type Engine struct {
	store    *state.Store
	resolver Resolver
	deliver  Deliverer
	log      logx.Logger
	opt      Options
}

func New(store *state.Store, resolver Resolver, deliver Deliverer, log logx.Logger, opt Options) *Engine {
	if resolver == nil {
		resolver = store.Tenants
	}
	if opt.SendTimeout <= 0 {
		opt.SendTimeout = DefaultSendTimeout
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Engine{store: store, resolver: resolver, deliver: deliver, log: log.With(logx.String("comp", "trigger")), opt: opt}
}

type parsedEvent struct {
	key   string
	ev    ctf.Event
	start time.Time
}

// Evaluate returns every decision due at now. Each returned decision has been
// recorded in the tracker.
func (e *Engine) Evaluate(now time.Time) []Decision {
	ds, _ := e.evaluate(now)
	return ds
}

func (e *Engine) evaluate(now time.Time) ([]Decision, []error) {
	events, parseErrs := e.parseCache()

	var out []Decision
	for _, tenant := range e.store.Tenants.SetupTenants() {
		settings := e.store.Tenants.Settings(tenant)
		primary, hasPrimary := e.resolver.ResolveChannel(tenant)

		for _, pe := range events {
			until := pe.start.Sub(now)
			status := e.store.Participation.Status(tenant, pe.key)

			if status == state.StatusUntouched && hasPrimary {
				var kind ctf.Kind
				switch {
				case until >= Window24hMin && until <= Window24hMax && settings.Notify24h:
					kind = ctf.Kind24h
				case until > 0 && until <= Window1hMax && settings.Notify1h:
					kind = ctf.Kind1h
				}
				if kind != "" {
					out = e.fire(out, tenant, pe, kind, primary, until)
				}
			}

			if status != state.StatusJoined || until <= 0 || until > Window1hMax {
				continue
			}
			if bound, ok := e.store.Tenants.EventChannel(tenant, pe.key); ok {
				out = e.fire(out, tenant, pe, ctf.KindChannel1h, bound, until)
			}
		}

		if settings.AutoArchive {
			delay := time.Duration(settings.ArchiveDelayMinutes) * time.Minute
			out = e.archive(out, tenant, events, delay, now)
		}
	}
	return out, parseErrs
}

// archive walks the tenant's bound event channels rather than the cache: an
// event has left the feed long before it finishes. Cached details win over the
// copy taken at join time.
func (e *Engine) archive(out []Decision, tenant int64, cached []parsedEvent, delay time.Duration, now time.Time) []Decision {
	for _, b := range e.store.Tenants.Bindings(tenant) {
		if e.store.Participation.Status(tenant, b.Key) != state.StatusJoined {
			continue
		}
		ev, known := b.Event, b.HasEvent
		if i := sort.Search(len(cached), func(i int) bool { return cached[i].key >= b.Key }); i < len(cached) && cached[i].key == b.Key {
			ev, known = cached[i].ev, true
		}
		if !known {
			continue
		}
		finish, err := ctf.ParseTime(b.Key, "finish", ev.Finish)
		if err != nil || finish.Add(delay).After(now) {
			continue
		}
		var until time.Duration
		if start, err := ctf.ParseTime(b.Key, "start", ev.Start); err == nil {
			until = start.Sub(now)
		}
		out = e.fire(out, tenant, parsedEvent{key: b.Key, ev: ev}, ctf.KindArchived, b.Channel, until)
	}
	return out
}

// fire appends a decision if the tracker did not already hold it.
func (e *Engine) fire(out []Decision, tenant int64, pe parsedEvent, kind ctf.Kind, target ctf.ChannelRef, until time.Duration) []Decision {
	if !e.store.Tracker.Mark(tenant, pe.key, kind) {
		return out
	}
	return append(out, Decision{
		ID:       uuid.New(),
		TenantID: tenant,
		Key:      pe.key,
		Kind:     kind,
		Event:    pe.ev,
		Target:   target,
		StartsIn: until,
	})
}

// parseCache parses start times once per pass. Events with a bad start are
// dropped for every tenant.
func (e *Engine) parseCache() ([]parsedEvent, []error) {
	snap := e.store.Cache.Snapshot()
	keys := make([]string, 0, len(snap))
	for k := range snap {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var errs []error
	out := make([]parsedEvent, 0, len(keys))
	for _, k := range keys {
		ev := snap[k]
		start, err := ctf.ParseTime(k, "start", ev.Start)
		if err != nil {
			e.log.Warn("skipping event with bad start time", logx.Event(k), logx.Err(err))
			errs = append(errs, err)
			continue
		}
		out = append(out, parsedEvent{key: k, ev: ev, start: start})
	}
	return out, errs
}

// PassReport summarizes one Run.
type PassReport struct {
	ID          uuid.UUID
	At          time.Time
	Fired       int
	Delivered   int
	Failed      int
	ParseErrors int
	Took        time.Duration
}

// Run evaluates at now and delivers every decision in order. A failed delivery
// is logged and the pass moves on; the notification stays marked.
func (e *Engine) Run(ctx context.Context, now time.Time) PassReport {
	started := time.Now()
	rep := PassReport{ID: uuid.New(), At: now}
	log := e.log.With(logx.String("pass", rep.ID.String()))

	decisions, parseErrs := e.evaluate(now)
	rep.Fired = len(decisions)
	rep.ParseErrors = len(parseErrs)

	for _, d := range decisions {
		if e.deliver == nil {
			rep.Failed++
			continue
		}
		if err := e.deliverOne(ctx, d); err != nil {
			rep.Failed++
			log.Warn("delivery failed",
				logx.Tenant(d.TenantID),
				logx.Event(d.Key),
				logx.String("kind", string(d.Kind)),
				logx.Err(err),
			)
			continue
		}
		rep.Delivered++
	}

	rep.Took = time.Since(started)
	if rep.Fired > 0 || rep.ParseErrors > 0 {
		log.Info("trigger pass",
			logx.Int("fired", rep.Fired),
			logx.Int("delivered", rep.Delivered),
			logx.Int("failed", rep.Failed),
			logx.Int("parse_errors", rep.ParseErrors),
			logx.Duration("took", rep.Took),
		)
	}
	return rep
}

func (e *Engine) deliverOne(ctx context.Context, d Decision) error {
	dctx, cancel := context.WithTimeout(ctx, e.opt.SendTimeout)
	defer cancel()
	err := e.deliver.Deliver(dctx, d)
	if err == nil {
		return nil
	}
	var de *ctf.DeliveryError
	if errors.As(err, &de) {
		return err
	}
	return &ctf.DeliveryError{TenantID: d.TenantID, Key: d.Key, Kind: d.Kind, Target: d.Target, Err: err}
}
