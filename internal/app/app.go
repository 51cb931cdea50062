// Package app wires the sentinel together and owns its lifecycle.
package app

import (
	"context"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"ctfsentinel/internal/actions"
	"ctfsentinel/internal/config"
	"ctfsentinel/internal/eventbus"
	"ctfsentinel/internal/feed"
	"ctfsentinel/internal/notifier"
	"ctfsentinel/internal/observability/ops"
	"ctfsentinel/internal/runtime/supervisor"
	"ctfsentinel/internal/state"
	"ctfsentinel/internal/storage"
	"ctfsentinel/internal/task/engine"
	"ctfsentinel/internal/task/scheduler"
	kit "ctfsentinel/internal/transport"
	telegram "ctfsentinel/internal/transport/telegram/adapter"
	"ctfsentinel/internal/transport/telegram/router"
	"ctfsentinel/internal/trigger"
	logx "ctfsentinel/pkg/logx"
	"ctfsentinel/pkg/systemd"
)

type App struct {
	cfgm *config.ConfigManager
	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	adapter kit.Adapter
	backend storage.Backend
	persist *storage.Persistence
	store   *state.Store

	feed    *feed.Client
	notif   *notifier.Service
	trig    *trigger.Engine
	perms   *livePermissions
	actions *actions.Service

	engine *engine.Service
	sched  *scheduler.Service
	grace  atomic.Int64 // time.Duration

	router *router.Router
	ops    *ops.Server
	sd     *systemd.Notifier

	sup     *supervisor.Supervisor
	updates chan kit.Update
	now     func() time.Time
}

// deps are the pieces New builds from config and tests replace.
type deps struct {
	adapter    kit.Adapter
	httpClient *http.Client
	logs       *logx.Service
	log        logx.Logger
	sd         *systemd.Notifier
}

// New loads cfgPath, connects to Telegram and loads persisted state.
// config.ErrMissingToken and storage read failures are returned as is.
func New(ctx context.Context, cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logs, log := logx.New(mapLoggingConfig(cfg), nil)

	acfg, err := mapAdapterConfig(cfg)
	if err != nil {
		return nil, err
	}
	ad, err := telegram.New(acfg, log)
	if err != nil {
		return nil, fmt.Errorf("telegram: %w", err)
	}
	logs.SetSender(ad)

	return build(ctx, cfgm, deps{adapter: ad, logs: logs, log: log, sd: systemd.New()})
}

func build(ctx context.Context, cfgm *config.ConfigManager, d deps) (*App, error) {
	cfg := cfgm.Get()
	if err := validateMapped(cfg); err != nil {
		return nil, err
	}
	log := d.log
	if log.IsZero() {
		log = logx.Nop()
	}
	if d.sd == nil {
		d.sd = systemd.New()
	}
	bus := eventbus.New()

	scfg, _ := mapStorageConfig(cfg)
	backend, err := storage.Open(ctx, scfg, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, fmt.Errorf("storage: %w", err)
	}
	persist := storage.NewPersistence(backend, log.With(logx.String("comp", "storage")))
	store := state.NewStore(mapDefaults(cfg))
	if err := persist.LoadAll(ctx, store); err != nil {
		_ = backend.Close()
		return nil, fmt.Errorf("load state: %w", err)
	}
	fcfg, _ := mapFeedConfig(cfg)
	fc, err := feed.New(fcfg, d.httpClient, log)
	if err != nil {
		_ = backend.Close()
		return nil, err
	}

	ncfg, sendTimeout, _ := mapNotifierConfig(cfg)
	notif := notifier.New(ncfg, d.adapter, log, bus)
	trig := trigger.New(store, store.Tenants, notif, log, trigger.Options{SendTimeout: sendTimeout})

	admins, _ := d.adapter.(kit.AdminChecker)
	topics, _ := d.adapter.(kit.TopicManager)
	perms := newLivePermissions(actions.ChatPermissions{
		Owners:  cfg.Telegram.OwnerUserIDs,
		Tenants: store.Tenants,
		Admins:  admins,
	})
	act := actions.New(store, perms, topicPlatform{topics: topics, send: notif}, bus, log)

	ecfg, _ := mapEngineConfig(cfg)
	eng := engine.New(ecfg, log.With(logx.String("comp", "taskengine")), bus)
	sched := scheduler.New(mapSchedulerConfig(cfg), eng, log)

	a := &App{
		cfgm:    cfgm,
		log:     log.With(logx.String("comp", "app")),
		logs:    d.logs,
		bus:     bus,
		adapter: d.adapter,
		backend: backend,
		persist: persist,
		store:   store,
		feed:    fc,
		notif:   notif,
		trig:    trig,
		perms:   perms,
		actions: act,
		engine:  eng,
		sched:   sched,
		sd:      d.sd,
		updates: make(chan kit.Update, 256),
		now:     time.Now,
	}
	grace, _ := mapShutdownGrace(cfg)
	a.grace.Store(int64(grace))

	specs, _ := mapJobSpecs(cfg)
	if err := a.registerJobs(specs); err != nil {
		_ = backend.Close()
		return nil, err
	}

	a.ops = ops.New(mapOpsConfig(cfg), a.status, log)

	rcfg, _ := mapRouterConfig(cfg)
	a.router = router.New(rcfg, router.Deps{
		Adapter:   d.adapter,
		Sender:    notif,
		Actions:   act,
		Scheduler: sched,
		OnSetup:   a.onSetup,
		Log:       log,
	})
	return a, nil
}

// Done is closed when the app supervisor context is canceled (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor, if any.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) onSetup(tenant int64) {
	a.log.Info("tenant set up; refreshing", logx.Tenant(tenant))
	ctx := context.Background()
	if a.sup != nil {
		ctx = a.sup.Context()
	}
	a.kick(ctx, jobRefresh, jobEvaluate)
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		return validateMapped(cfg)
	})

	if err := a.adapter.Start(a.sup.Context(), a.updates); err != nil {
		return err
	}

	// The engine outlives the signal so Stop can grant the in-flight job its grace.
	a.engine.Start(context.WithoutCancel(ctx))
	a.sched.Start(a.sup.Context())

	a.sup.Go("commands.dispatch", func(c context.Context) error {
		return a.router.DispatchLoop(c, a.updates)
	})
	a.sup.Go0("commands.menu", func(c context.Context) {
		if err := a.router.PublishMenu(c); err != nil {
			a.log.Warn("command menu not published", logx.Err(err))
		}
	})

	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) { a.reloadLoop(c, sub) })
	a.sup.Go("config.watch", a.cfgm.Watch)
	a.sup.Go0("systemd.watchdog", func(c context.Context) {
		if err := a.sd.Watchdog(c); err != nil {
			a.log.Warn("systemd watchdog stopped", logx.Err(err))
		}
	})

	if err := a.ops.Start(a.sup.Context()); err != nil {
		a.log.Warn("ops server not started", logx.Err(err))
	}

	// Fill the cache and catch up on anything due while we were down.
	a.kick(a.sup.Context(), jobRefresh, jobEvaluate)

	if ok, err := a.sd.Ready(); err != nil {
		a.log.Warn("sd_notify READY failed", logx.Err(err))
	} else if ok {
		a.log.Debug("sd_notify READY sent")
	}
	a.log.Info("app started", logx.Int("tenants", a.store.Tenants.Len()))
	return nil
}

// Stop shuts down in order: triggers, the running job, a final flush, then the
// transport and storage. Each step is bounded so one component cannot stall the rest.
// It returns the final flush error.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	a.sup.Cancel()

	a.step(ctx, "scheduler", 2*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	a.step(ctx, "taskengine", time.Duration(a.grace.Load()), func(c context.Context) error { a.engine.Stop(c); return nil })
	flushErr := a.step(ctx, "flush", 15*time.Second, func(c context.Context) error { return a.persist.SaveAll(c, a.store) })
	a.step(ctx, "ops", time.Second, a.ops.Stop)
	a.step(ctx, "adapter", 2*time.Second, func(c context.Context) error { return a.adapter.Stop(c) })
	a.step(ctx, "storage", time.Second, func(context.Context) error { return a.backend.Close() })
	a.step(ctx, "supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	if _, err := a.sd.Stopping(); err != nil {
		a.log.Debug("sd_notify STOPPING failed", logx.Err(err))
	}
	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return flushErr
}

// step runs fn bounded by limit and the caller's deadline, whichever is sooner.
// A step that overruns is left running and reported; its error is then lost.
func (a *App) step(ctx context.Context, name string, limit time.Duration, fn func(context.Context) error) error {
	start := time.Now()
	a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", limit))

	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem < limit {
			limit = max(rem, 0)
		}
	}
	stepCtx, cancel := context.WithTimeout(ctx, limit)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic in stop step %s: %v", name, r)
			}
		}()
		done <- fn(stepCtx)
	}()

	select {
	case err := <-done:
		if err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		if took := time.Since(start); took >= 500*time.Millisecond {
			a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
		}
		return err
	case <-stepCtx.Done():
		// fn must honor stepCtx; report it if it does not.
		a.log.Warn("stop step deadline reached (continuing)",
			logx.String("name", name),
			logx.Err(stepCtx.Err()),
			logx.Duration("elapsed", time.Since(start)),
		)
		go func() {
			if err := <-done; err != nil {
				a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err), logx.Duration("took", time.Since(start)))
			}
		}()
		return stepCtx.Err()
	}
}
