// Package actions turns button presses and admin commands into state changes.
//
// Button callbacks carry a tagged request {action, event key}. Dispatch routes
// it to the participation transition it names; nothing here knows about the
// chat platform beyond the Platform and Permissions ports.
package actions

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"ctfsentinel/internal/ctf"
	"ctfsentinel/internal/eventbus"
	"ctfsentinel/internal/state"
	logx "ctfsentinel/pkg/logx"

	"golang.org/x/sync/singleflight"
)

type Action string

const (
	ActionJoin Action = "join"
	ActionInfo Action = "info"
	ActionSkip Action = "skip"
)

func (a Action) Valid() bool {
	switch a {
	case ActionJoin, ActionInfo, ActionSkip:
		return true
	}
	return false
}

var (
	ErrForbidden     = errors.New("not allowed to manage events here")
	ErrUnknownEvent  = errors.New("event is no longer in the upcoming list")
	ErrUnknownAction = errors.New("unknown action")
	ErrNotSetUp      = errors.New("run /setup first")
)

// Request is one tagged action from a button press.
type Request struct {
	Action   Action
	TenantID int64
	UserID   int64
	EventKey string
}

// Result is what the caller shows the user.
type Result struct {
	Text string
	// Channel is the event's bound channel after a join.
	Channel ctf.ChannelRef
	// Created is true when the join made a new channel.
	Created bool
	Status  state.Status
}

// Permissions decides who may change participation and settings.
type Permissions interface {
	CanManage(ctx context.Context, tenant, user int64) (bool, error)
}

// Platform is the chat platform as seen by join.
type Platform interface {
	CreateEventChannel(ctx context.Context, tenant int64, name string) (ctf.ChannelRef, error)
	Post(ctx context.Context, to ctf.ChannelRef, text string) error
}

// ParticipationEvent is published on the bus after a join or skip.
type ParticipationEvent struct {
	TenantID int64        `json:"tenant_id"`
	Key      string       `json:"key"`
	Status   state.Status `json:"status"`
	UserID   int64        `json:"user_id"`
}

type Service struct {
	store    *state.Store
	perms    Permissions
	platform Platform
	bus      eventbus.Bus
	log      logx.Logger

	joins singleflight.Group
	now   func() time.Time
}

func New(store *state.Store, perms Permissions, platform Platform, bus eventbus.Bus, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		store:    store,
		perms:    perms,
		platform: platform,
		bus:      bus,
		log:      log.With(logx.String("comp", "actions")),
		now:      time.Now,
	}
}

// Dispatch runs one tagged request.
func (s *Service) Dispatch(ctx context.Context, req Request) (Result, error) {
	switch req.Action {
	case ActionInfo:
		return s.info(req)
	case ActionJoin:
		if err := s.authorize(ctx, req.TenantID, req.UserID); err != nil {
			return Result{}, err
		}
		return s.join(ctx, req)
	case ActionSkip:
		if err := s.authorize(ctx, req.TenantID, req.UserID); err != nil {
			return Result{}, err
		}
		return s.skip(req)
	default:
		return Result{}, fmt.Errorf("%w: %q", ErrUnknownAction, req.Action)
	}
}

func (s *Service) authorize(ctx context.Context, tenant, user int64) error {
	if s.perms == nil {
		return ErrForbidden
	}
	ok, err := s.perms.CanManage(ctx, tenant, user)
	if err != nil {
		return fmt.Errorf("permission check: %w", err)
	}
	if !ok {
		return ErrForbidden
	}
	return nil
}

func (s *Service) info(req Request) (Result, error) {
	ev, ok := s.store.Cache.Get(req.EventKey)
	if !ok {
		return Result{}, ErrUnknownEvent
	}
	return Result{
		Text:   InfoText(ev),
		Status: s.store.Participation.Status(req.TenantID, req.EventKey),
	}, nil
}

func (s *Service) skip(req Request) (Result, error) {
	title := req.EventKey
	if ev, ok := s.store.Cache.Get(req.EventKey); ok {
		title = ev.Title
	}
	if err := s.store.Participation.Skip(req.TenantID, req.EventKey); err != nil {
		return Result{Status: s.store.Participation.Status(req.TenantID, req.EventKey)}, err
	}
	s.publish(req, state.StatusSkipped)
	return Result{
		Text:   "Permanently skipped " + title + ".",
		Status: state.StatusSkipped,
	}, nil
}

// join is idempotent: an existing binding is reused. Concurrent joins of the
// same event share one channel creation.
func (s *Service) join(ctx context.Context, req Request) (Result, error) {
	if ref, ok := s.store.Tenants.EventChannel(req.TenantID, req.EventKey); ok {
		if err := s.store.Participation.Join(req.TenantID, req.EventKey); err != nil {
			return Result{Status: s.store.Participation.Status(req.TenantID, req.EventKey)}, err
		}
		s.publish(req, state.StatusJoined)
		return Result{Text: "Already joined. The event channel is ready.", Channel: ref, Status: state.StatusJoined}, nil
	}

	if !s.store.Tenants.Get(req.TenantID).SetupComplete {
		return Result{}, ErrNotSetUp
	}
	ev, ok := s.store.Cache.Get(req.EventKey)
	if !ok {
		return Result{}, ErrUnknownEvent
	}
	if st := s.store.Participation.Status(req.TenantID, req.EventKey); st == state.StatusSkipped {
		return Result{Status: st}, fmt.Errorf("%w: event was skipped", state.ErrTransition)
	}
	if s.platform == nil {
		return Result{}, errors.New("no platform to create the event channel on")
	}

	sfKey := strconv.FormatInt(req.TenantID, 10) + "|" + req.EventKey
	v, err, shared := s.joins.Do(sfKey, func() (any, error) {
		if ref, ok := s.store.Tenants.EventChannel(req.TenantID, req.EventKey); ok {
			return ref, nil
		}
		ref, err := s.platform.CreateEventChannel(ctx, req.TenantID, SanitizeChannelName(ev.Title))
		if err != nil {
			return nil, err
		}
		s.store.Tenants.BindEventChannel(req.TenantID, req.EventKey, ref, ev)
		if err := s.store.Participation.Join(req.TenantID, req.EventKey); err != nil {
			return nil, err
		}
		creds := s.store.Tenants.Get(req.TenantID).Credentials
		if err := s.platform.Post(ctx, ref, LoginText(ev, creds, GeneratePassword(creds.PasswordPolicy, 12))); err != nil {
			s.log.Warn("login details not posted", logx.Tenant(req.TenantID), logx.Event(req.EventKey), logx.Err(err))
		}
		return ref, nil
	})
	if err != nil {
		return Result{}, fmt.Errorf("create event channel: %w", err)
	}
	ref := v.(ctf.ChannelRef)
	s.publish(req, state.StatusJoined)
	s.log.Info("event joined",
		logx.Tenant(req.TenantID),
		logx.Event(req.EventKey),
		logx.Int64("user", req.UserID),
		logx.Int("thread", ref.ThreadID),
	)
	return Result{
		Text:    "Joined " + ev.Title + ". Login details are in the event channel.",
		Channel: ref,
		Created: !shared,
		Status:  state.StatusJoined,
	}, nil
}

func (s *Service) publish(req Request, st state.Status) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{
		Type: eventbus.TypeParticipation,
		Time: s.now(),
		Data: ParticipationEvent{TenantID: req.TenantID, Key: req.EventKey, Status: st, UserID: req.UserID},
	})
}
