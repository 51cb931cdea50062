package config

import (
	"fmt"
	"strings"

	"github.com/kelseyhightower/envconfig"
)

// EnvPrefix namespaces environment overrides. Each variable is read as
// CTFSENTINEL_<NAME> first and then as plain <NAME>, so a bare BOT_TOKEN works.
const EnvPrefix = "CTFSENTINEL"

type envOverrides struct {
	Token    string  `envconfig:"BOT_TOKEN"`
	Owners   []int64 `envconfig:"OWNER_USER_IDS"`
	LogLevel string  `envconfig:"LOG_LEVEL"`

	StorageDriver string `envconfig:"STORAGE_DRIVER"`
	StoragePath   string `envconfig:"STORAGE_PATH"`
	StorageDSN    string `envconfig:"STORAGE_DSN"`

	FeedURL  string `envconfig:"FEED_URL"`
	Timezone string `envconfig:"JOBS_TIMEZONE"`

	OpsToken string `envconfig:"OPS_TOKEN"`
}

// ApplyEnv overlays non-empty environment values onto cfg. Secrets normally
// come from here rather than from the file.
func ApplyEnv(cfg *Config) error {
	var o envOverrides
	if err := envconfig.Process(EnvPrefix, &o); err != nil {
		return fmt.Errorf("env overrides: %w", err)
	}
	set := func(dst *string, v string) {
		if v = strings.TrimSpace(v); v != "" {
			*dst = v
		}
	}
	set(&cfg.Telegram.Token, o.Token)
	set(&cfg.Logging.Level, o.LogLevel)
	set(&cfg.Storage.Driver, o.StorageDriver)
	set(&cfg.Storage.Path, o.StoragePath)
	set(&cfg.Storage.DSN, o.StorageDSN)
	set(&cfg.Feed.URL, o.FeedURL)
	set(&cfg.Jobs.Timezone, o.Timezone)
	set(&cfg.Ops.Token, o.OpsToken)
	if len(o.Owners) > 0 {
		cfg.Telegram.OwnerUserIDs = o.Owners
	}
	return nil
}
