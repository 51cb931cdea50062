package config

import (
	"errors"
	"fmt"
	"net"
	"strings"
)

// Validate checks what can be checked without other packages: the token,
// duration syntax and enumerations. Schedule strings are checked by the
// scheduler when jobs are registered.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Telegram.Token) == "" {
		return ErrMissingToken
	}

	var errs []error
	durations := map[string]string{
		"telegram.poll_timeout":    c.Telegram.PollTimeout,
		"telegram.admin_cache_ttl": c.Telegram.AdminCacheTTL,
		"telegram.command_timeout": c.Telegram.CommandTimeout,
		"feed.window":              c.Feed.Window,
		"feed.timeout":             c.Feed.Timeout,
		"feed.min_interval":        c.Feed.MinInterval,
		"jobs.refresh_timeout":     c.Jobs.RefreshTimeout,
		"jobs.evaluate_timeout":    c.Jobs.EvaluateTimeout,
		"jobs.flush_timeout":       c.Jobs.FlushTimeout,
		"jobs.shutdown_grace":      c.Jobs.ShutdownGrace,
		"jobs.max_queue_delay":     c.Jobs.MaxQueueDelay,
		"notifier.send_timeout":    c.Notifier.SendTimeout,
		"storage.busy_timeout":     c.Storage.BusyTimeout,
	}
	for path, raw := range durations {
		if _, err := Duration(path, raw); err != nil {
			errs = append(errs, err)
		}
	}

	switch strings.ToLower(strings.TrimSpace(c.Storage.Driver)) {
	case "", "file", "sqlite", "sqlite3":
	case "postgres", "postgresql", "pg":
		if strings.TrimSpace(c.Storage.DSN) == "" {
			errs = append(errs, errors.New("storage.dsn is required when storage.driver=postgres"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown storage.driver: %s", c.Storage.Driver))
	}

	switch strings.ToLower(strings.TrimSpace(c.Defaults.PasswordPolicy)) {
	case "", "random", "friendly", "memorable":
	default:
		errs = append(errs, fmt.Errorf("defaults.password_policy: unknown policy %q", c.Defaults.PasswordPolicy))
	}

	if c.Feed.Limit < 0 {
		errs = append(errs, errors.New("feed.limit must be >= 0"))
	}
	if c.Telegram.UserRatePerSec < 0 || c.Telegram.UserBurst < 0 {
		errs = append(errs, errors.New("telegram.user_rate_per_sec and user_burst must be >= 0"))
	}
	if c.Notifier.RatePerSec < 0 {
		errs = append(errs, errors.New("notifier.rate_per_sec must be >= 0"))
	}
	if c.Ops.Enabled && strings.TrimSpace(c.Ops.Addr) != "" {
		if _, _, err := net.SplitHostPort(strings.TrimSpace(c.Ops.Addr)); err != nil {
			errs = append(errs, fmt.Errorf("ops.addr: %w", err))
		}
	}
	if c.Logging.Telegram.Enabled && c.Logging.Telegram.ChatID == 0 {
		errs = append(errs, errors.New("logging.telegram.chat_id is required when logging.telegram.enabled"))
	}
	return errors.Join(errs...)
}
