package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"ctfsentinel/internal/task/engine"
	logx "ctfsentinel/pkg/logx"

	"github.com/robfig/cron/v3"
	"golang.org/x/time/rate"
)

var ErrUnknownJob = errors.New("scheduler: unknown job")

const enqueueWarnEvery = 5 * time.Second

// Register adds or replaces the job called name, so a config reload can
// re-register without duplicates. A replaced job keeps its overlap gate, so
// the new trigger cannot overlap a run of the old one.
func (s *Service) Register(name, spec string, timeout time.Duration, opt TaskOptions, run func(ctx context.Context) error) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return errors.New("job name required")
	}
	if run == nil {
		return errors.New("job func required")
	}
	sp, err := ParseSpec(spec)
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	if _, err := sp.schedule(); err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	e := &entry{
		name:    name,
		spec:    sp,
		timeout: timeout,
		run:     run,
		opt:     opt,
		gate:    &engine.RunState{},
		warn:    &rate.Sometimes{Interval: enqueueWarnEvery},
	}
	if old, ok := s.jobs[name]; ok {
		e.gate = old.gate
		s.unmountLocked(old)
	}
	s.jobs[name] = e
	if s.cron == nil {
		return nil
	}
	if err := s.mountLocked(e); err != nil {
		return err
	}
	s.log.Debug("job registered",
		logx.String("job", name),
		logx.String("spec", sp.String()),
		logx.Duration("timeout", timeout),
		logx.Duration("phase", e.phase),
		logx.Time("next", s.cron.Entry(e.cronID).Next),
	)
	return nil
}

// Trigger enqueues name now. It shares the overlap gate with the periodic
// trigger, so it returns engine.ErrOverlapSkip while a run is pending.
func (s *Service) Trigger(ctx context.Context, name string) error {
	s.mu.Lock()
	e, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}
	if s.engine == nil {
		return engine.ErrStopped
	}
	return s.engine.Submit(ctx, e.task())
}

// Remove unschedules name and reports whether it was registered.
func (s *Service) Remove(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.jobs[name]
	if !ok {
		return false
	}
	s.unmountLocked(e)
	delete(s.jobs, name)
	return true
}

func (e *entry) task() engine.Task {
	return engine.Task{Name: e.name, Timeout: e.timeout, Run: e.run, Opt: e.opt, State: e.gate}
}

// mountLocked adds e to the running cron. Call with s.mu held.
func (s *Service) mountLocked(e *entry) error {
	sch, err := e.spec.schedule()
	if err != nil {
		return err
	}
	e.phase = 0
	if e.spec.Kind == KindInterval {
		sch, e.phase = withPhase(e.spec.Every, time.Now().In(s.loc), e.name)
	}
	e.cronID = s.cron.Schedule(sch, cron.FuncJob(func() { s.fire(e) }))
	return nil
}

func (s *Service) unmountLocked(e *entry) {
	if s.cron != nil && e.cronID != 0 {
		s.cron.Remove(e.cronID)
	}
	e.cronID = 0
}

// fire runs on the cron goroutine and must not block.
func (s *Service) fire(e *entry) {
	if s.engine == nil {
		return
	}
	err := s.engine.Enqueue(e.task())
	switch {
	case err == nil:
	case errors.Is(err, engine.ErrOverlapSkip):
		// A long pass is still running; the next tick will catch up.
		s.log.Debug("trigger skipped", logx.String("job", e.name))
	default:
		e.warn.Do(func() {
			s.log.Warn("trigger not enqueued", logx.String("job", e.name), logx.Err(err))
		})
	}
}
