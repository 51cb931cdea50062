package app

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"ctfsentinel/internal/config"
	"ctfsentinel/internal/feed"
	"ctfsentinel/internal/notifier"
	"ctfsentinel/internal/observability/ops"
	"ctfsentinel/internal/state"
	"ctfsentinel/internal/storage"
	"ctfsentinel/internal/task/engine"
	"ctfsentinel/internal/task/scheduler"
	telegram "ctfsentinel/internal/transport/telegram/adapter"
	"ctfsentinel/internal/transport/telegram/router"
	logx "ctfsentinel/pkg/logx"
)

const (
	jobRefresh  = "refresh"
	jobEvaluate = "evaluate"
	jobFlush    = "flush"
)

// jobSpec is one periodic job as configured.
type jobSpec struct {
	name    string
	spec    string
	timeout time.Duration
}

func mapJobSpecs(cfg *config.Config) ([]jobSpec, error) {
	j := cfg.Jobs
	rows := []struct {
		name, spec, defSpec string
		key, timeout        string
		defTimeout          time.Duration
	}{
		{jobRefresh, j.Refresh, "15m", "jobs.refresh_timeout", j.RefreshTimeout, 30 * time.Second},
		{jobEvaluate, j.Evaluate, "1m", "jobs.evaluate_timeout", j.EvaluateTimeout, 2 * time.Minute},
		{jobFlush, j.Flush, "5m", "jobs.flush_timeout", j.FlushTimeout, 30 * time.Second},
	}
	out := make([]jobSpec, 0, len(rows))
	var errs []error
	for _, r := range rows {
		spec := strings.TrimSpace(r.spec)
		if spec == "" {
			spec = r.defSpec
		}
		if err := scheduler.ValidateSchedule(spec); err != nil {
			errs = append(errs, fmt.Errorf("jobs.%s: %w", r.name, err))
			continue
		}
		to, err := config.DurationOr(r.key, r.timeout, r.defTimeout)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		out = append(out, jobSpec{name: r.name, spec: spec, timeout: to})
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return out, nil
}

func mapEngineConfig(cfg *config.Config) (engine.Config, error) {
	j := cfg.Jobs
	maxDelay, err := config.DurationOr("jobs.max_queue_delay", j.MaxQueueDelay, 0)
	if err != nil {
		return engine.Config{}, err
	}
	queue := j.QueueSize
	if queue <= 0 {
		queue = 16
	}
	// 0 keeps the default; a negative value disables retries.
	retry := j.RetryMax
	switch {
	case retry == 0:
		retry = 2
	case retry < 0:
		retry = 0
	}
	return engine.Config{
		Enabled:        true,
		Workers:        1,
		QueueSize:      queue,
		DefaultTimeout: 2 * time.Minute,
		MaxQueueDelay:  maxDelay,
		HistorySize:    50,
		RetryMax:       retry,
	}, nil
}

func mapSchedulerConfig(cfg *config.Config) scheduler.Config {
	tz := strings.TrimSpace(cfg.Jobs.Timezone)
	if tz == "" {
		tz = "UTC"
	}
	return scheduler.Config{Enabled: true, Timezone: tz}
}

func mapShutdownGrace(cfg *config.Config) (time.Duration, error) {
	return config.DurationOr("jobs.shutdown_grace", cfg.Jobs.ShutdownGrace, 5*time.Second)
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	path := strings.TrimSpace(sc.Path)
	switch driver {
	case "", "file":
		if path == "" {
			path = "./data"
		}
		return storage.Config{Driver: "file", Path: path}, nil
	case "sqlite", "sqlite3":
		if path == "" {
			return storage.Config{}, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		busy, err := config.DurationOr("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, err
		}
		return storage.Config{Driver: "sqlite", Path: path, BusyTimeout: busy}, nil
	case "postgres", "postgresql", "pg":
		if strings.TrimSpace(sc.DSN) == "" {
			return storage.Config{}, fmt.Errorf("storage.dsn is required when storage.driver=postgres")
		}
		return storage.Config{Driver: "postgres", DSN: strings.TrimSpace(sc.DSN)}, nil
	default:
		return storage.Config{}, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

func mapFeedConfig(cfg *config.Config) (feed.Config, error) {
	f := cfg.Feed
	window, err := config.DurationOr("feed.window", f.Window, feed.DefaultWindow)
	if err != nil {
		return feed.Config{}, err
	}
	timeout, err := config.DurationOr("feed.timeout", f.Timeout, feed.DefaultTimeout)
	if err != nil {
		return feed.Config{}, err
	}
	minInterval, err := config.DurationOr("feed.min_interval", f.MinInterval, 10*time.Second)
	if err != nil {
		return feed.Config{}, err
	}
	return feed.Config{
		URL:         f.URL,
		Limit:       f.Limit,
		Window:      window,
		Timeout:     timeout,
		UserAgent:   f.UserAgent,
		MinInterval: minInterval,
	}, nil
}

// mapNotifierConfig also returns the per-send timeout the trigger engine applies.
func mapNotifierConfig(cfg *config.Config) (notifier.Config, time.Duration, error) {
	n := cfg.Notifier
	sendTimeout, err := config.DurationOr("notifier.send_timeout", n.SendTimeout, 10*time.Second)
	if err != nil {
		return notifier.Config{}, 0, err
	}
	rps := n.RatePerSec
	if rps <= 0 {
		rps = 20
	}
	hist := n.HistorySize
	if hist <= 0 {
		hist = 100
	}
	return notifier.Config{RatePerSec: rps, HistorySize: hist, Footer: n.Footer}, sendTimeout, nil
}

func mapLoggingConfig(cfg *config.Config) logx.Config {
	l := cfg.Logging
	return logx.Config{
		Level:   l.Level,
		Console: l.Console,
		File:    logx.FileConfig{Enabled: l.File.Enabled, Path: l.File.Path},
		Chat: logx.ChatConfig{
			Enabled:    l.Telegram.Enabled,
			ChatID:     l.Telegram.ChatID,
			ThreadID:   l.Telegram.ThreadID,
			MinLevel:   l.Telegram.MinLevel,
			RatePerSec: l.Telegram.RatePerSec,
		},
	}
}

func mapAdapterConfig(cfg *config.Config) (telegram.Config, error) {
	poll, err := config.DurationOr("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
	if err != nil {
		return telegram.Config{}, err
	}
	ttl, err := config.DurationOr("telegram.admin_cache_ttl", cfg.Telegram.AdminCacheTTL, time.Minute)
	if err != nil {
		return telegram.Config{}, err
	}
	return telegram.Config{Token: cfg.Telegram.Token, PollTimeout: poll, AdminCacheTTL: ttl}, nil
}

func mapRouterConfig(cfg *config.Config) (router.Config, error) {
	to, err := config.DurationOr("telegram.command_timeout", cfg.Telegram.CommandTimeout, 30*time.Second)
	if err != nil {
		return router.Config{}, err
	}
	return router.Config{
		Workers:        cfg.Telegram.Workers,
		CommandTimeout: to,
		UserRatePerSec: cfg.Telegram.UserRatePerSec,
		UserBurst:      cfg.Telegram.UserBurst,
	}, nil
}

// mapDefaults overlays the configured defaults on the built-in table.
func mapDefaults(cfg *config.Config) state.Defaults {
	d := state.DefaultDefaults()
	c := cfg.Defaults
	if c.RefreshIntervalMinutes != nil {
		d.RefreshIntervalMinutes = *c.RefreshIntervalMinutes
	}
	if c.Notify24h != nil {
		d.Notify24h = *c.Notify24h
	}
	if c.Notify1h != nil {
		d.Notify1h = *c.Notify1h
	}
	if c.AutoArchive != nil {
		d.AutoArchive = *c.AutoArchive
	}
	if c.ArchiveDelayMinutes != nil {
		d.ArchiveDelayMinutes = *c.ArchiveDelayMinutes
	}
	if s := strings.TrimSpace(c.TeamUser); s != "" {
		d.Credentials.User = s
	}
	if s := strings.TrimSpace(c.TeamEmail); s != "" {
		d.Credentials.Email = s
	}
	if s := strings.TrimSpace(c.PasswordPolicy); s != "" {
		d.Credentials.PasswordPolicy = s
	}
	return d
}

// validateMapped runs every mapping so a reload that would fail to apply is
// rejected before it is committed.
func mapOpsConfig(cfg *config.Config) ops.Config {
	o := cfg.Ops
	return ops.Config{
		Enabled:       o.Enabled,
		Addr:          strings.TrimSpace(o.Addr),
		Token:         strings.TrimSpace(o.Token),
		AllowInsecure: o.AllowInsecure,
		Pprof:         o.Pprof,
	}
}

func validateMapped(cfg *config.Config) error {
	var errs []error
	if _, err := mapJobSpecs(cfg); err != nil {
		errs = append(errs, err)
	}
	if _, err := mapEngineConfig(cfg); err != nil {
		errs = append(errs, err)
	}
	if _, err := mapShutdownGrace(cfg); err != nil {
		errs = append(errs, err)
	}
	if tz := strings.TrimSpace(cfg.Jobs.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			errs = append(errs, fmt.Errorf("jobs.timezone: invalid %q: %w", tz, err))
		}
	}
	if _, err := mapStorageConfig(cfg); err != nil {
		errs = append(errs, err)
	}
	if _, err := mapFeedConfig(cfg); err != nil {
		errs = append(errs, err)
	}
	if _, _, err := mapNotifierConfig(cfg); err != nil {
		errs = append(errs, err)
	}
	if _, err := mapAdapterConfig(cfg); err != nil {
		errs = append(errs, err)
	}
	if _, err := mapRouterConfig(cfg); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
