package engine

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"runtime/debug"
	"time"

	logx "ctfsentinel/pkg/logx"
)

// slowTask is the duration above which a completed task logs at info.
const slowTask = 750 * time.Millisecond

func (s *Service) worker(ctx context.Context, rt *runtime) {
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	for {
		// A stop wins over queued work.
		select {
		case <-ctx.Done():
			return
		case <-rt.stop:
			return
		default:
		}
		select {
		case <-ctx.Done():
			return
		case <-rt.stop:
			return
		case qt := <-rt.queue:
			s.inFlight.Add(1)
			s.exec(ctx, rt.stop, qt, rng)
			s.inFlight.Add(-1)
		}
	}
}

func (s *Service) exec(ctx context.Context, stop <-chan struct{}, qt queuedTask, rng *rand.Rand) {
	t := qt.task
	start := time.Now()
	delay := max(start.Sub(qt.queuedAt), 0)

	s.mu.Lock()
	maxDelay := s.cfg.MaxQueueDelay
	s.mu.Unlock()
	if maxDelay > 0 && delay > maxDelay {
		qt.done()
		s.dropStale(start, t, delay)
		s.record(HistoryItem{ID: t.ID, Name: t.Name, Started: start, QueueDelay: delay, Error: "stale_queue_delay"})
		return
	}

	s.log.Debug("task started", logx.String("task", t.Name), logx.String("id", t.ID), logx.Duration("queue_delay", delay))
	s.publish(EventStarted, start, TaskEvent{ID: t.ID, Name: t.Name, Started: start, QueueDelay: delay})

	attempts, err := s.attempt(ctx, stop, qt, rng)
	// Open the gate before recording so a caller that saw the history entry can re-enqueue.
	qt.done()

	dur := time.Since(start)
	ev := TaskEvent{ID: t.ID, Name: t.Name, Started: start, QueueDelay: delay, Duration: dur, Attempts: attempts}
	fields := []logx.Field{logx.String("task", t.Name), logx.String("id", t.ID), logx.Duration("dur", dur), logx.Int("attempts", attempts)}
	if err != nil {
		ev.Error = err.Error()
		s.log.Warn("task failed", append(fields, logx.Err(err))...)
		s.publish(EventFailed, time.Now(), ev)
	} else {
		if dur >= slowTask {
			s.log.Info("task completed", fields...)
		} else {
			s.log.Debug("task completed", fields...)
		}
		s.publish(EventFinished, time.Now(), ev)
	}
	s.record(HistoryItem{ID: t.ID, Name: t.Name, Started: start, QueueDelay: delay, Duration: dur, Attempts: attempts, Error: ev.Error})
}

// attempt runs qt up to 1+RetryMax times, backing off between failures.
func (s *Service) attempt(ctx context.Context, stop <-chan struct{}, qt queuedTask, rng *rand.Rand) (int, error) {
	limit := 1 + qt.opt.RetryMax
	for n := 1; ; n++ {
		err := s.runOnce(ctx, qt)
		if err == nil || IsPermanent(err) || n >= limit {
			return n, err
		}
		wait := retryDelay(qt.opt, n, err, rng)
		s.log.Debug("task retry scheduled", logx.String("task", qt.task.Name), logx.Int("attempt", n+1), logx.Duration("delay", wait), logx.Err(err))
		if wait <= 0 {
			continue
		}
		tmr := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			tmr.Stop()
			return n, ctx.Err()
		case <-stop:
			tmr.Stop()
			return n, ErrStopping
		case <-tmr.C:
		}
	}
}

// runOnce turns a panic into an error so one bad job cannot kill the worker.
func (s *Service) runOnce(ctx context.Context, qt queuedTask) (err error) {
	if qt.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, qt.timeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			s.log.Error("task panicked", logx.String("task", qt.task.Name), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
		}
	}()
	return qt.task.Run(ctx)
}

// retryDelay honors a RetryAfterError hint, otherwise doubles RetryBase per
// retry. Both are jittered and capped at RetryMaxDelay.
func retryDelay(opt TaskOptions, retry int, err error, rng *rand.Rand) time.Duration {
	var ra RetryAfterError
	if errors.As(err, &ra) && ra.RetryAfter() > 0 {
		return jitter(min(ra.RetryAfter(), opt.RetryMaxDelay), opt, rng)
	}
	d := opt.RetryBase
	for i := 1; i < retry && d < opt.RetryMaxDelay; i++ {
		d *= 2
	}
	return jitter(min(d, opt.RetryMaxDelay), opt, rng)
}

func jitter(d time.Duration, opt TaskOptions, rng *rand.Rand) time.Duration {
	if opt.RetryJitter > 0 && d > 0 && rng != nil {
		f := 1 + (rng.Float64()*2-1)*opt.RetryJitter
		d = max(time.Duration(float64(d)*f), 0)
	}
	return min(d, opt.RetryMaxDelay)
}
