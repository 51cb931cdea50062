package engine

import (
	"context"
	"sync"
	"time"
)

// Config controls how jobs run. The scheduler only decides when.
type Config struct {
	Enabled bool

	// Workers is the number of executors. One worker gives every job a single
	// serialized execution context, which is what the sentinel runs with.
	Workers   int
	QueueSize int

	// DefaultTimeout applies when Task.Timeout is 0.
	DefaultTimeout time.Duration
	// MaxQueueDelay drops tasks queued longer than this. 0 disables it.
	MaxQueueDelay time.Duration

	HistorySize int
	RetryMax    int
}

func (c Config) normalized() Config {
	c.Workers = max(c.Workers, 1)
	if c.QueueSize <= 0 {
		c.QueueSize = 64
	}
	if c.HistorySize <= 0 {
		c.HistorySize = 200
	}
	return c
}

// Event types published on the bus. Data is a TaskEvent.
const (
	EventStarted  = "task.started"
	EventFinished = "task.finished"
	EventFailed   = "task.failed"
	EventSkipped  = "task.skipped"
	EventDropped  = "task.dropped"
)

type OverlapPolicy int

const (
	OverlapAllow OverlapPolicy = iota
	// OverlapSkipIfRunning rejects a task while one of the same gate is
	// queued or running, so a fast trigger cannot pile up copies of a slow job.
	OverlapSkipIfRunning
)

type TaskOptions struct {
	Overlap       OverlapPolicy
	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
	RetryJitter   float64 // fraction, 0.2 = ±20%
}

const (
	defaultRetryBase     = 500 * time.Millisecond
	defaultRetryMaxDelay = 15 * time.Second
	defaultRetryJitter   = 0.2
)

func (o TaskOptions) withDefaults(cfg Config) TaskOptions {
	if o.RetryMax <= 0 {
		o.RetryMax = max(cfg.RetryMax, 0)
	}
	if o.RetryBase <= 0 {
		o.RetryBase = defaultRetryBase
	}
	if o.RetryMaxDelay <= 0 {
		o.RetryMaxDelay = defaultRetryMaxDelay
	}
	if o.RetryJitter <= 0 {
		o.RetryJitter = defaultRetryJitter
	}
	if o.Overlap != OverlapAllow {
		o.Overlap = OverlapSkipIfRunning
	}
	return o
}

// RunState is an overlap gate. Tasks sharing one never overlap under
// OverlapSkipIfRunning; tasks without one get a per-name gate.
type RunState struct {
	mu   sync.Mutex
	busy bool
}

func (g *RunState) acquire() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.busy {
		return false
	}
	g.busy = true
	return true
}

func (g *RunState) release() {
	g.mu.Lock()
	g.busy = false
	g.mu.Unlock()
}

// Task is a unit of work.
type Task struct {
	ID      string // assigned on enqueue when empty
	Name    string
	Timeout time.Duration
	Run     func(ctx context.Context) error
	Opt     TaskOptions
	State   *RunState
}

type HistoryItem struct {
	ID         string        `json:"id"`
	Name       string        `json:"name"`
	Started    time.Time     `json:"started"`
	QueueDelay time.Duration `json:"queue_delay"`
	Duration   time.Duration `json:"duration"`
	Attempts   int           `json:"attempts,omitempty"`
	Error      string        `json:"error,omitempty"`
}

// TaskEvent is the bus payload for task lifecycle changes.
type TaskEvent struct {
	ID         string        `json:"id"`
	Name       string        `json:"name"`
	Started    time.Time     `json:"started"`
	QueueDelay time.Duration `json:"queue_delay"`
	Duration   time.Duration `json:"duration"`
	Attempts   int           `json:"attempts"`
	Error      string        `json:"error,omitempty"`
}

type Snapshot struct {
	Enabled  bool `json:"enabled"`
	Workers  int  `json:"workers"`
	QueueLen int  `json:"queue_len"`
	QueueCap int  `json:"queue_cap"`
	InFlight int  `json:"in_flight"`

	Dropped          uint64 `json:"dropped"`
	DroppedQueueFull uint64 `json:"dropped_queue_full"`
	DroppedStale     uint64 `json:"dropped_stale"`

	DefaultTimeout time.Duration `json:"default_timeout"`
	MaxQueueDelay  time.Duration `json:"max_queue_delay"`
	RetryMax       int           `json:"retry_max"`

	History []HistoryItem `json:"history"`
}

// history keeps the last n items, oldest first.
type history struct {
	mu    sync.Mutex
	items []HistoryItem
}

func (h *history) add(it HistoryItem, n int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.items = append(h.items, it)
	if over := len(h.items) - n; over > 0 {
		h.items = append(h.items[:0:0], h.items[over:]...)
	}
}

func (h *history) list() []HistoryItem {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]HistoryItem(nil), h.items...)
}
