package scheduler

import (
	"context"
	"strings"
	"time"

	"ctfsentinel/internal/task/engine"
	logx "ctfsentinel/pkg/logx"

	"github.com/robfig/cron/v3"
)

func New(cfg Config, eng *engine.Service, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:    cfg,
		log:    log.With(logx.String("comp", "scheduler")),
		engine: eng,
		jobs:   map[string]*entry{},
	}
}

// Apply swaps the config. A timezone change re-mounts every job in the new zone.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tzChanged := strings.TrimSpace(s.cfg.Timezone) != strings.TrimSpace(cfg.Timezone)
	s.cfg = cfg
	if s.cron != nil && tzChanged {
		<-s.cron.Stop().Done()
		s.cron = nil
		s.startLocked()
	}
}

// Start begins triggering. Jobs registered earlier are mounted here.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron != nil || !s.cfg.Enabled {
		return
	}
	s.startLocked()
}

func (s *Service) startLocked() {
	s.loc = s.location()
	s.cron = cron.New(cron.WithParser(cronParser), cron.WithLocation(s.loc))
	for _, e := range s.jobs {
		if err := s.mountLocked(e); err != nil {
			s.log.Error("job mount failed", logx.String("job", e.name), logx.String("spec", e.spec.String()), logx.Err(err))
		}
	}
	s.cron.Start()
	s.log.Info("scheduler started", logx.String("tz", s.loc.String()), logx.Int("jobs", len(s.jobs)))
}

// Stop stops triggering. Registrations survive for the next Start.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.cron
	s.cron = nil
	for _, e := range s.jobs {
		e.cronID = 0
	}
	s.mu.Unlock()

	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
		s.log.Info("scheduler stopped")
	case <-ctx.Done():
		s.log.Warn("scheduler stop timed out", logx.Err(ctx.Err()))
	}
}

func (s *Service) location() *time.Location {
	tz := strings.TrimSpace(s.cfg.Timezone)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid timezone; using Local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}
