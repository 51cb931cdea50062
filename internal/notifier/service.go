package notifier

import (
	"context"
	"errors"
	"sync"
	"time"

	"ctfsentinel/internal/ctf"
	"ctfsentinel/internal/eventbus"
	kit "ctfsentinel/internal/transport"
	"ctfsentinel/internal/trigger"
	logx "ctfsentinel/pkg/logx"

	"golang.org/x/time/rate"
)

var ErrNoAdapter = errors.New("notifier has no adapter")

// Service delivers decisions through an adapter. It implements trigger.Deliverer
// and is safe for concurrent use.
type Service struct {
	mu sync.Mutex

	log     logx.Logger
	adapter kit.Adapter
	bus     eventbus.Bus

	cfg     Config
	limiter *rate.Limiter

	hmu     sync.Mutex
	history []HistoryItem

	now func() time.Time
}

func New(cfg Config, adapter kit.Adapter, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		adapter: adapter,
		log:     log.With(logx.String("comp", "notifier")),
		bus:     bus,
		now:     time.Now,
	}
	s.applyLocked(cfg)
	return s
}

func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.applyLocked(cfg)
	s.mu.Unlock()
}

func (s *Service) applyLocked(cfg Config) {
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 3
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = 300
	}
	s.cfg = cfg
	// Token bucket: burst = rate per sec, so short spikes don't block too hard.
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
}

// Deliver sends one decision. The caller bounds ctx.
func (s *Service) Deliver(ctx context.Context, d trigger.Decision) error {
	s.mu.Lock()
	cfg := s.cfg
	lim := s.limiter
	ad := s.adapter
	s.mu.Unlock()

	err := s.deliver(ctx, ad, lim, cfg, d)
	s.record(d, err, cfg.HistorySize)
	if err != nil {
		return &ctf.DeliveryError{TenantID: d.TenantID, Key: d.Key, Kind: d.Kind, Target: d.Target, Err: err}
	}
	return nil
}

func (s *Service) deliver(ctx context.Context, ad kit.Adapter, lim *rate.Limiter, cfg Config, d trigger.Decision) error {
	if ad == nil {
		return ErrNoAdapter
	}
	if err := lim.Wait(ctx); err != nil {
		return err
	}
	text, opt := Compose(d, s.now(), cfg.Footer)
	if _, err := ad.SendText(ctx, d.Target, text, opt); err != nil {
		return err
	}
	if d.Kind != ctf.KindArchived || d.Target.ThreadID == 0 {
		return nil
	}
	tm, ok := ad.(kit.TopicManager)
	if !ok {
		return nil
	}
	// The note is out; a failed close only leaves the topic open.
	if err := tm.CloseTopic(ctx, d.Target); err != nil {
		s.log.Warn("close event topic failed", logx.Tenant(d.TenantID), logx.Event(d.Key), logx.Err(err))
	}
	return nil
}

// Send is a rate-limited plain send used for command replies and login posts.
func (s *Service) Send(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	s.mu.Lock()
	lim := s.limiter
	ad := s.adapter
	s.mu.Unlock()
	if ad == nil {
		return kit.MessageRef{}, ErrNoAdapter
	}
	if err := lim.Wait(ctx); err != nil {
		return kit.MessageRef{}, err
	}
	return ad.SendText(ctx, to, text, opt)
}

func (s *Service) record(d trigger.Decision, err error, historySize int) {
	now := s.now()
	item := HistoryItem{At: now, TenantID: d.TenantID, Key: d.Key, Kind: d.Kind}
	ev := NotificationEvent{TenantID: d.TenantID, ChatID: d.Target.ChatID, ThreadID: d.Target.ThreadID, Key: d.Key, Kind: d.Kind, At: now}
	typ := eventbus.TypeNotificationSent
	if err != nil {
		item.Err = err.Error()
		ev.Error = err.Error()
		typ = eventbus.TypeNotificationFail
	}

	s.hmu.Lock()
	s.history = append(s.history, item)
	if len(s.history) > historySize {
		s.history = s.history[len(s.history)-historySize:]
	}
	s.hmu.Unlock()

	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: typ, Time: now, Data: ev})
	}
}

// Snapshot returns recent deliveries, oldest first.
func (s *Service) Snapshot() []HistoryItem {
	s.hmu.Lock()
	out := append([]HistoryItem(nil), s.history...)
	s.hmu.Unlock()
	return out
}
