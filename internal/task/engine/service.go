package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"ctfsentinel/internal/eventbus"
	rtsup "ctfsentinel/internal/runtime/supervisor"
	logx "ctfsentinel/pkg/logx"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

const dropWarnEvery = 5 * time.Second

type Service struct {
	log logx.Logger
	bus eventbus.Bus

	mu  sync.Mutex
	cfg Config
	rt  *runtime

	gatesMu sync.Mutex
	gates   map[string]*RunState

	hist     history
	inFlight atomic.Int32
	fullDrop atomic.Uint64
	oldDrop  atomic.Uint64

	fullWarn  rate.Sometimes
	staleWarn rate.Sometimes
}

// runtime is the state of one Start..Stop cycle.
type runtime struct {
	queue chan queuedTask
	stop  chan struct{}
	done  chan struct{} // non-nil once Stop began
	sup   *rtsup.Supervisor
}

type queuedTask struct {
	task     Task
	queuedAt time.Time
	timeout  time.Duration
	opt      TaskOptions
	gate     *RunState // held until the task finishes; nil under OverlapAllow
}

func New(cfg Config, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:       cfg.normalized(),
		log:       log.With(logx.String("comp", "taskengine")),
		bus:       bus,
		gates:     map[string]*RunState{},
		fullWarn:  rate.Sometimes{Interval: dropWarnEvery},
		staleWarn: rate.Sometimes{Interval: dropWarnEvery},
	}
}

// Apply swaps the config. Timeouts and retry defaults apply to the next
// enqueue; worker and queue sizes wait for a restart.
func (s *Service) Apply(cfg Config) {
	cfg = cfg.normalized()
	s.mu.Lock()
	prev := s.cfg
	s.cfg = cfg
	s.mu.Unlock()
	if prev.Workers != cfg.Workers || prev.QueueSize != cfg.QueueSize {
		s.log.Info("task engine sizing changes apply on restart", logx.Int("workers", cfg.Workers), logx.Int("queue", cfg.QueueSize))
	}
}

// Start launches the workers. Tasks run under ctx, so a caller that wants a
// shutdown grace period passes a context that outlives the signal.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.cfg.Enabled || s.rt != nil {
		return
	}
	rt := &runtime{
		queue: make(chan queuedTask, s.cfg.QueueSize),
		stop:  make(chan struct{}),
		sup:   rtsup.New(ctx, rtsup.WithLogger(s.log), rtsup.WithCancelOnError(false)),
	}
	s.rt = rt
	for i := range s.cfg.Workers {
		rt.sup.GoRestart(fmt.Sprintf("worker.%d", i), func(c context.Context) error {
			s.worker(c, rt)
			select {
			case <-rt.stop:
				return context.Canceled
			default:
			}
			if c.Err() != nil {
				return c.Err()
			}
			return errors.New("worker exited unexpectedly")
		}, rtsup.WithPublishFirstError(true))
	}
	s.log.Info("task engine started", logx.Int("workers", s.cfg.Workers), logx.Int("queue", s.cfg.QueueSize))
}

// Stop refuses new work and lets the in-flight task finish until ctx is done.
// After that the task's context is canceled and Stop returns without waiting.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	rt := s.rt
	if rt == nil {
		s.mu.Unlock()
		return
	}
	first := rt.done == nil
	if first {
		rt.done = make(chan struct{})
		close(rt.stop)
	}
	done := rt.done
	s.mu.Unlock()

	if first {
		go func() {
			_ = rt.sup.Wait(context.Background())
			s.mu.Lock()
			if s.rt == rt {
				s.rt = nil
			}
			s.mu.Unlock()
			close(done)
		}()
	}

	select {
	case <-done:
		if first {
			s.log.Info("task engine stopped")
		}
	case <-ctx.Done():
		rt.sup.Cancel()
		s.log.Warn("task engine grace expired; in-flight task canceled", logx.Err(ctx.Err()))
	}
}

// Enqueue adds t without blocking and fails with ErrQueueFull when there is no room.
func (s *Service) Enqueue(t Task) error {
	return s.enqueue(context.Background(), t, false)
}

// Submit waits for room until ctx ends or the engine stops.
func (s *Service) Submit(ctx context.Context, t Task) error {
	return s.enqueue(ctx, t, true)
}

func (s *Service) enqueue(ctx context.Context, t Task, wait bool) error {
	if t.Run == nil {
		return errors.New("engine: task Run is nil")
	}
	if t.Name = strings.TrimSpace(t.Name); t.Name == "" {
		return errors.New("engine: task Name is required")
	}
	if t.ID == "" {
		t.ID = uuid.NewString()
	}

	s.mu.Lock()
	cfg, rt := s.cfg, s.rt
	stopping := rt != nil && rt.done != nil
	s.mu.Unlock()

	switch {
	case !cfg.Enabled:
		return ErrDisabled
	case rt == nil:
		return ErrStopped
	case stopping:
		return ErrStopping
	}

	now := time.Now()
	qt := queuedTask{task: t, queuedAt: now, timeout: t.Timeout, opt: t.Opt.withDefaults(cfg)}
	if qt.timeout <= 0 {
		qt.timeout = cfg.DefaultTimeout
	}
	if qt.opt.Overlap == OverlapSkipIfRunning {
		gate := t.State
		if gate == nil {
			gate = s.gateFor(t.Name)
		}
		if !gate.acquire() {
			s.publish(EventSkipped, now, TaskEvent{ID: t.ID, Name: t.Name, Started: now, Error: "overlap_skip"})
			return ErrOverlapSkip
		}
		qt.gate = gate
	}

	if !wait {
		select {
		case rt.queue <- qt:
			return nil
		default:
			qt.done()
			s.dropQueueFull(now, t, rt.queue)
			return ErrQueueFull
		}
	}
	select {
	case rt.queue <- qt:
		return nil
	case <-ctx.Done():
		qt.done()
		return ctx.Err()
	case <-rt.stop:
		qt.done()
		return ErrStopping
	}
}

func (qt queuedTask) done() {
	if qt.gate != nil {
		qt.gate.release()
	}
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	cfg, rt := s.cfg, s.rt
	s.mu.Unlock()

	snap := Snapshot{
		Enabled:          cfg.Enabled,
		Workers:          cfg.Workers,
		InFlight:         int(s.inFlight.Load()),
		DroppedQueueFull: s.fullDrop.Load(),
		DroppedStale:     s.oldDrop.Load(),
		DefaultTimeout:   cfg.DefaultTimeout,
		MaxQueueDelay:    cfg.MaxQueueDelay,
		RetryMax:         TaskOptions{}.withDefaults(cfg).RetryMax,
		History:          s.hist.list(),
	}
	snap.Dropped = snap.DroppedQueueFull + snap.DroppedStale
	if rt != nil {
		snap.QueueLen, snap.QueueCap = len(rt.queue), cap(rt.queue)
	}
	return snap
}

func (s *Service) gateFor(name string) *RunState {
	s.gatesMu.Lock()
	defer s.gatesMu.Unlock()
	g, ok := s.gates[name]
	if !ok {
		g = &RunState{}
		s.gates[name] = g
	}
	return g
}

func (s *Service) publish(typ string, at time.Time, ev TaskEvent) {
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: typ, Time: at, Data: ev})
	}
}

func (s *Service) record(item HistoryItem) {
	s.mu.Lock()
	n := s.cfg.HistorySize
	s.mu.Unlock()
	s.hist.add(item, n)
}

func (s *Service) dropQueueFull(now time.Time, t Task, q chan queuedTask) {
	n := s.fullDrop.Add(1)
	s.publish(EventDropped, now, TaskEvent{ID: t.ID, Name: t.Name, Started: now, Error: "queue_full"})
	s.fullWarn.Do(func() {
		s.log.Warn("task dropped: queue full",
			logx.String("task", t.Name),
			logx.Int("queue_cap", cap(q)),
			logx.Uint64("dropped_queue_full", n),
		)
	})
}

func (s *Service) dropStale(now time.Time, t Task, delay time.Duration) {
	n := s.oldDrop.Add(1)
	s.publish(EventDropped, now, TaskEvent{ID: t.ID, Name: t.Name, Started: now, QueueDelay: delay, Error: "stale_queue_delay"})
	s.staleWarn.Do(func() {
		s.log.Warn("task dropped: queued too long",
			logx.String("task", t.Name),
			logx.Duration("queue_delay", delay),
			logx.Uint64("dropped_stale", n),
		)
	})
}
