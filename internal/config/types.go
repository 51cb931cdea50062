package config

import "errors"

// ErrMissingToken is returned by Validate when no bot token is configured in
// the file or the environment.
var ErrMissingToken = errors.New("telegram.token is required (or set BOT_TOKEN)")

type Config struct {
	Telegram TelegramConfig `json:"telegram"`
	Logging  LoggingConfig  `json:"logging"`
	Feed     FeedConfig     `json:"feed"`
	Jobs     JobsConfig     `json:"jobs"`
	Notifier NotifierConfig `json:"notifier"`
	Storage  StorageConfig  `json:"storage"`
	Ops      OpsConfig      `json:"ops"`

	// Defaults overrides the built-in tenant settings table. Omitted keys keep
	// the built-in value.
	Defaults DefaultsConfig `json:"defaults"`
}

type TelegramConfig struct {
	Token        string  `json:"token"`
	OwnerUserIDs []int64 `json:"owner_user_ids"`
	// PollTimeout is a Go duration string (e.g. "10s", "1m").
	PollTimeout string `json:"poll_timeout"`
	// AdminCacheTTL bounds how long chat admin lists are cached.
	AdminCacheTTL string `json:"admin_cache_ttl,omitempty"`

	// Command dispatch.
	Workers        int    `json:"workers,omitempty"`
	CommandTimeout string `json:"command_timeout,omitempty"`
	// Per-user command and button limit. Defaults: 1/s with a burst of 5.
	UserRatePerSec float64 `json:"user_rate_per_sec,omitempty"`
	UserBurst      int     `json:"user_burst,omitempty"`
}

type LoggingConfig struct {
	Level    string          `json:"level"`
	Console  bool            `json:"console"`
	File     LoggingFile     `json:"file"`
	Telegram LoggingTelegram `json:"telegram"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingTelegram mirrors log lines at or above MinLevel into an operator chat.
type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	ChatID     int64  `json:"chat_id"`
	ThreadID   int    `json:"thread_id"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// FeedConfig controls the upcoming-events fetch.
//
// Defaults: CTFtime events API, limit 15, window "240h", timeout "10s".
type FeedConfig struct {
	URL       string `json:"url,omitempty"`
	Limit     int    `json:"limit,omitempty"`
	Window    string `json:"window,omitempty"`
	Timeout   string `json:"timeout,omitempty"`
	UserAgent string `json:"user_agent,omitempty"`
	// MinInterval spaces consecutive fetches, e.g. after several /setup runs.
	MinInterval string `json:"min_interval,omitempty"`
}

// JobsConfig controls the three periodic jobs and the task engine that runs them.
//
// Schedules accept cron expressions ("*/15 * * * *", "@every 1m") and
// intervals ("15m", "00:15", "interval:1m").
//
// Defaults:
//   - refresh: "15m", evaluate: "1m", flush: "5m"
//   - refresh_timeout: "30s", evaluate_timeout: "2m", flush_timeout: "30s"
//   - shutdown_grace: "5s"
//   - queue_size: 16, max_queue_delay: "0s" (disabled), retry_max: 2
type JobsConfig struct {
	Timezone string `json:"timezone,omitempty"`

	Refresh  string `json:"refresh"`
	Evaluate string `json:"evaluate"`
	Flush    string `json:"flush"`

	RefreshTimeout  string `json:"refresh_timeout,omitempty"`
	EvaluateTimeout string `json:"evaluate_timeout,omitempty"`
	FlushTimeout    string `json:"flush_timeout,omitempty"`

	ShutdownGrace string `json:"shutdown_grace,omitempty"`

	QueueSize     int    `json:"queue_size,omitempty"`
	MaxQueueDelay string `json:"max_queue_delay,omitempty"`
	RetryMax      int    `json:"retry_max,omitempty"`
}

// NotifierConfig controls alert delivery.
type NotifierConfig struct {
	RatePerSec  int    `json:"rate_per_sec"`
	SendTimeout string `json:"send_timeout"`
	HistorySize int    `json:"history_size,omitempty"`
	Footer      string `json:"footer,omitempty"`
}

// StorageConfig selects the persistence backend.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/sentinel.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	DSN         string `json:"dsn,omitempty"`          // postgres (do not log)
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

// OpsConfig serves /healthz, /status and optionally pprof on a local port.
//
// Defaults: disabled, addr "127.0.0.1:6060". A non-loopback addr needs a token
// unless allow_insecure is set.
type OpsConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`
	Token         string `json:"token,omitempty"` // do not log
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	Pprof         bool   `json:"pprof,omitempty"`
}

// DefaultsConfig uses pointers so an explicit false or 0 differs from "omitted".
type DefaultsConfig struct {
	RefreshIntervalMinutes *int  `json:"refresh_interval_minutes,omitempty"`
	Notify24h              *bool `json:"notify_24h,omitempty"`
	Notify1h               *bool `json:"notify_1h,omitempty"`
	AutoArchive            *bool `json:"auto_archive,omitempty"`
	ArchiveDelayMinutes    *int  `json:"archive_delay_minutes,omitempty"`

	TeamUser       string `json:"team_user,omitempty"`
	TeamEmail      string `json:"team_email,omitempty"`
	PasswordPolicy string `json:"password_policy,omitempty"`
}
