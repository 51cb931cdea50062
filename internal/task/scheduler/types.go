package scheduler

import (
	"context"
	"sync"
	"time"

	"ctfsentinel/internal/task/engine"
	logx "ctfsentinel/pkg/logx"

	"github.com/robfig/cron/v3"
	"golang.org/x/time/rate"
)

type Config struct {
	Enabled  bool
	Timezone string // IANA name; empty means Local
}

type OverlapPolicy = engine.OverlapPolicy

type TaskOptions = engine.TaskOptions

const (
	OverlapAllow         = engine.OverlapAllow
	OverlapSkipIfRunning = engine.OverlapSkipIfRunning
)

// Job describes a registered job for status output.
type Job struct {
	Name    string
	Spec    string
	Timeout time.Duration
	Phase   time.Duration
	Next    time.Time
	Prev    time.Time
}

type Snapshot struct {
	Enabled  bool
	Timezone string
	Jobs     []Job
	Engine   engine.Snapshot
}

type entry struct {
	name    string
	spec    Spec
	timeout time.Duration
	run     func(ctx context.Context) error
	opt     TaskOptions
	gate    *engine.RunState

	cronID cron.EntryID
	phase  time.Duration
	warn   *rate.Sometimes
}

type Service struct {
	mu sync.Mutex

	log    logx.Logger
	cfg    Config
	loc    *time.Location
	engine *engine.Service

	cron *cron.Cron
	jobs map[string]*entry
}
