package app

import (
	"context"
	"errors"
	"slices"
	"sync/atomic"

	"ctfsentinel/internal/actions"
	"ctfsentinel/internal/ctf"
	kit "ctfsentinel/internal/transport"
)

var errNoTopics = errors.New("transport cannot create event channels")

// sender is the rate-limited send path; *notifier.Service implements it.
type sender interface {
	Send(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error)
}

// topicPlatform creates per-event channels as forum topics in the tenant chat.
type topicPlatform struct {
	topics kit.TopicManager
	send   sender
}

func (p topicPlatform) CreateEventChannel(ctx context.Context, tenant int64, name string) (ctf.ChannelRef, error) {
	if p.topics == nil {
		return ctf.ChannelRef{}, errNoTopics
	}
	return p.topics.CreateTopic(ctx, tenant, name)
}

func (p topicPlatform) Post(ctx context.Context, to ctf.ChannelRef, text string) error {
	_, err := p.send.Send(ctx, to, text, &kit.SendOptions{ParseMode: "HTML", DisablePreview: true})
	return err
}

// livePermissions lets a config reload swap the owner list under the actions service.
type livePermissions struct {
	cur atomic.Pointer[actions.ChatPermissions]
}

func newLivePermissions(p actions.ChatPermissions) *livePermissions {
	l := &livePermissions{}
	l.cur.Store(&p)
	return l
}

func (l *livePermissions) CanManage(ctx context.Context, tenant, user int64) (bool, error) {
	return l.cur.Load().CanManage(ctx, tenant, user)
}

func (l *livePermissions) SetOwners(owners []int64) {
	next := *l.cur.Load()
	next.Owners = slices.Clone(owners)
	l.cur.Store(&next)
}
