package config

import (
	"reflect"
	"sort"
	"strings"

	logx "ctfsentinel/pkg/logx"
)

// SummarizeConfigChange returns the changed top-level sections and safe log
// fields. Tokens and DSNs are never included.
//
// restart lists sections whose change only takes effect after a restart.
func SummarizeConfigChange(oldCfg, newCfg *Config) (changed []string, attrs []logx.Field, restart []string) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	o, n := oldCfg.Telegram, newCfg.Telegram
	if o.Token != n.Token ||
		!reflect.DeepEqual(o.OwnerUserIDs, n.OwnerUserIDs) ||
		o.PollTimeout != n.PollTimeout ||
		o.AdminCacheTTL != n.AdminCacheTTL ||
		o.Workers != n.Workers ||
		o.CommandTimeout != n.CommandTimeout ||
		o.UserRatePerSec != n.UserRatePerSec ||
		o.UserBurst != n.UserBurst {
		changed = append(changed, "telegram")
		attrs = append(attrs,
			logx.Int("telegram.owner_count", len(n.OwnerUserIDs)),
			logx.Bool("telegram.token_changed", o.Token != n.Token),
		)
		// Owners apply live; the bot session does not.
		if o.Token != n.Token || o.PollTimeout != n.PollTimeout || o.Workers != n.Workers ||
			o.CommandTimeout != n.CommandTimeout || o.UserRatePerSec != n.UserRatePerSec || o.UserBurst != n.UserBurst {
			restart = append(restart, "telegram")
		}
	}

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logging.telegram_enabled", newCfg.Logging.Telegram.Enabled),
		)
	}

	if oldCfg.Feed != newCfg.Feed {
		changed = append(changed, "feed")
		attrs = append(attrs,
			logx.String("feed.url", strings.TrimSpace(newCfg.Feed.URL)),
			logx.Int("feed.limit", newCfg.Feed.Limit),
			logx.String("feed.window", newCfg.Feed.Window),
		)
		restart = append(restart, "feed")
	}

	oj, nj := oldCfg.Jobs, newCfg.Jobs
	if oj != nj {
		changed = append(changed, "jobs")
		attrs = append(attrs,
			logx.String("jobs.refresh", nj.Refresh),
			logx.String("jobs.evaluate", nj.Evaluate),
			logx.String("jobs.flush", nj.Flush),
			logx.String("jobs.timezone", nj.Timezone),
		)
		if oj.QueueSize != nj.QueueSize {
			restart = append(restart, "jobs")
		}
	}

	if oldCfg.Notifier != newCfg.Notifier {
		changed = append(changed, "notifier")
		attrs = append(attrs,
			logx.Int("notifier.rate_per_sec", newCfg.Notifier.RatePerSec),
			logx.String("notifier.send_timeout", newCfg.Notifier.SendTimeout),
		)
		if oldCfg.Notifier.SendTimeout != newCfg.Notifier.SendTimeout {
			restart = append(restart, "notifier")
		}
	}

	if oldCfg.Storage != newCfg.Storage {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(newCfg.Storage.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(newCfg.Storage.Path) != ""),
			logx.Bool("storage.dsn_set", strings.TrimSpace(newCfg.Storage.DSN) != ""),
		)
		restart = append(restart, "storage")
	}

	if oldCfg.Ops != newCfg.Ops {
		changed = append(changed, "ops")
		attrs = append(attrs,
			logx.Bool("ops.enabled", newCfg.Ops.Enabled),
			logx.String("ops.addr", strings.TrimSpace(newCfg.Ops.Addr)),
			logx.Bool("ops.token_set", newCfg.Ops.Token != ""),
		)
		restart = append(restart, "ops")
	}

	if !reflect.DeepEqual(oldCfg.Defaults, newCfg.Defaults) {
		changed = append(changed, "defaults")
	}

	sort.Strings(changed)
	sort.Strings(restart)
	return changed, attrs, restart
}
