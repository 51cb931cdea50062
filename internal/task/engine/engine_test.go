package engine

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"ctfsentinel/internal/eventbus"
	logx "ctfsentinel/pkg/logx"
)

func started(t *testing.T, cfg Config) *Service {
	t.Helper()
	cfg.Enabled = true
	s := New(cfg, logx.Nop(), nil)
	s.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		s.Stop(ctx)
	})
	return s
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestDisabledEngineRejects(t *testing.T) {
	t.Parallel()
	s := New(Config{}, logx.Nop(), nil)
	err := s.Enqueue(Task{Name: "x", Run: func(context.Context) error { return nil }})
	if !errors.Is(err, ErrDisabled) {
		t.Fatalf("err = %v, want ErrDisabled", err)
	}
}

func TestEnqueueValidates(t *testing.T) {
	t.Parallel()
	s := started(t, Config{})
	if err := s.Enqueue(Task{Name: "x"}); err == nil {
		t.Fatal("nil Run accepted")
	}
	if err := s.Enqueue(Task{Name: "  ", Run: func(context.Context) error { return nil }}); err == nil {
		t.Fatal("blank name accepted")
	}
}

func TestSingleWorkerSerializesTasks(t *testing.T) {
	t.Parallel()
	s := started(t, Config{Workers: 1})

	var running, peak, done atomic.Int32
	job := func(context.Context) error {
		n := running.Add(1)
		if n > peak.Load() {
			peak.Store(n)
		}
		time.Sleep(10 * time.Millisecond)
		running.Add(-1)
		done.Add(1)
		return nil
	}
	for _, name := range []string{"refresh", "evaluate", "flush"} {
		if err := s.Enqueue(Task{Name: name, Run: job, Opt: TaskOptions{Overlap: OverlapAllow}}); err != nil {
			t.Fatalf("enqueue %s: %v", name, err)
		}
	}
	waitFor(t, func() bool { return done.Load() == 3 })
	if peak.Load() != 1 {
		t.Fatalf("peak concurrency = %d, want 1", peak.Load())
	}
}

func TestOverlapSkipWhileQueuedOrRunning(t *testing.T) {
	t.Parallel()
	s := started(t, Config{Workers: 1})

	release := make(chan struct{})
	task := Task{Name: "refresh", Opt: TaskOptions{Overlap: OverlapSkipIfRunning}, Run: func(context.Context) error {
		<-release
		return nil
	}}
	if err := s.Enqueue(task); err != nil {
		t.Fatal(err)
	}
	if err := s.Enqueue(task); !errors.Is(err, ErrOverlapSkip) {
		t.Fatalf("second enqueue err = %v, want ErrOverlapSkip", err)
	}
	close(release)
	waitFor(t, func() bool { return len(s.Snapshot().History) == 1 })
	if err := s.Enqueue(task); err != nil {
		t.Fatalf("enqueue after completion: %v", err)
	}
}

func TestRetriesThenPermanent(t *testing.T) {
	t.Parallel()
	s := started(t, Config{})

	var calls atomic.Int32
	err := s.Enqueue(Task{
		Name: "flaky",
		Opt:  TaskOptions{RetryMax: 3, RetryBase: time.Millisecond, RetryMaxDelay: time.Millisecond},
		Run: func(context.Context) error {
			if calls.Add(1) == 2 {
				return Permanent(errors.New("permanent"))
			}
			return errors.New("transient")
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { return len(s.Snapshot().History) == 1 })
	h := s.Snapshot().History[0]
	if calls.Load() != 2 || h.Error != "permanent" {
		t.Fatalf("calls=%d history=%+v", calls.Load(), h)
	}
}

func TestPanicBecomesFailure(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	events, unsub := bus.Subscribe(8)
	defer unsub()

	s := New(Config{Enabled: true}, logx.Nop(), bus)
	s.Start(context.Background())
	defer s.Stop(context.Background())

	if err := s.Enqueue(Task{Name: "bad", Run: func(context.Context) error { panic("boom") }}); err != nil {
		t.Fatal(err)
	}
	deadline := time.After(2 * time.Second)
	for {
		select {
		case e := <-events:
			if e.Type != EventFailed {
				continue
			}
			if te, ok := e.Data.(TaskEvent); !ok || te.Error != "panic: boom" {
				t.Fatalf("event = %+v", e.Data)
			}
			return
		case <-deadline:
			t.Fatal("no task.failed event")
		}
	}
}

func TestTimeoutBoundsTask(t *testing.T) {
	t.Parallel()
	s := started(t, Config{DefaultTimeout: 20 * time.Millisecond})
	err := s.Enqueue(Task{Name: "slow", Run: func(ctx context.Context) error {
		<-ctx.Done()
		return Permanent(ctx.Err())
	}})
	if err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { return len(s.Snapshot().History) == 1 })
	if got := s.Snapshot().History[0].Error; got != context.DeadlineExceeded.Error() {
		t.Fatalf("error = %q", got)
	}
}

func TestStopWaitsForInFlightWithinGrace(t *testing.T) {
	t.Parallel()
	s := New(Config{Enabled: true}, logx.Nop(), nil)
	s.Start(context.Background())

	var finished atomic.Bool
	begun := make(chan struct{})
	_ = s.Enqueue(Task{Name: "flush", Run: func(ctx context.Context) error {
		close(begun)
		select {
		case <-time.After(30 * time.Millisecond):
			finished.Store(true)
		case <-ctx.Done():
		}
		return nil
	}})
	<-begun

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	s.Stop(ctx)
	if !finished.Load() {
		t.Fatal("in-flight task cut short despite grace")
	}
	if err := s.Enqueue(Task{Name: "late", Run: func(context.Context) error { return nil }}); err == nil {
		t.Fatal("stopped engine accepted work")
	}
}

func TestStopAbandonsAfterGrace(t *testing.T) {
	t.Parallel()
	s := New(Config{Enabled: true}, logx.Nop(), nil)
	s.Start(context.Background())

	cancelled := make(chan struct{})
	begun := make(chan struct{})
	_ = s.Enqueue(Task{Name: "stuck", Run: func(ctx context.Context) error {
		close(begun)
		<-ctx.Done()
		close(cancelled)
		return ctx.Err()
	}})
	<-begun

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	s.Stop(ctx)
	select {
	case <-cancelled:
	case <-time.After(2 * time.Second):
		t.Fatal("in-flight task not cancelled after grace")
	}
}

func TestRetryDelayRespectsHintAndCap(t *testing.T) {
	t.Parallel()
	opt := TaskOptions{RetryBase: 100 * time.Millisecond, RetryMaxDelay: time.Second, RetryJitter: 0.0001}.withDefaults(Config{})
	transient := errors.New("503")
	if d := retryDelay(opt, 3, transient, nil); d != 400*time.Millisecond {
		t.Fatalf("retryDelay(3) = %s", d)
	}
	if d := retryDelay(opt, 10, transient, nil); d != time.Second {
		t.Fatalf("retryDelay(10) = %s, want cap", d)
	}
	if d := retryDelay(opt, 1, Backoff(errors.New("429"), 5*time.Second), nil); d != time.Second {
		t.Fatalf("hinted = %s, want capped 1s", d)
	}
	if d := retryDelay(opt, 1, Backoff(errors.New("429"), 300*time.Millisecond), nil); d != 300*time.Millisecond {
		t.Fatalf("hinted = %s, want 300ms", d)
	}
}

func TestSnapshotCountsDrops(t *testing.T) {
	t.Parallel()
	s := started(t, Config{Workers: 1, QueueSize: 1})

	release := make(chan struct{})
	defer close(release)
	block := func(context.Context) error { <-release; return nil }
	begun := make(chan struct{})
	_ = s.Enqueue(Task{Name: "running", Run: func(ctx context.Context) error { close(begun); return block(ctx) }})
	<-begun
	_ = s.Enqueue(Task{Name: "queued", Run: block})
	if err := s.Enqueue(Task{Name: "overflow", Run: block}); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("err = %v, want ErrQueueFull", err)
	}
	snap := s.Snapshot()
	if snap.DroppedQueueFull != 1 || snap.Dropped != 1 || snap.InFlight != 1 || snap.QueueLen != 1 {
		t.Fatalf("snapshot = %+v", snap)
	}
}
