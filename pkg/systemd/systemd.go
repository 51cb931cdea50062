// Package systemd speaks the sd_notify protocol. Outside a systemd unit
// (no NOTIFY_SOCKET) every call is a silent no-op.
package systemd

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
)

type Notifier struct {
	notify   func(state string) (bool, error)
	watchdog func() (time.Duration, error)
}

func New() *Notifier {
	return &Notifier{
		notify:   func(state string) (bool, error) { return daemon.SdNotify(false, state) },
		watchdog: func() (time.Duration, error) { return daemon.SdWatchdogEnabled(false) },
	}
}

// Ready reports whether the notification reached systemd.
func (n *Notifier) Ready() (bool, error) { return n.notify(daemon.SdNotifyReady) }

func (n *Notifier) Stopping() (bool, error) { return n.notify(daemon.SdNotifyStopping) }

func (n *Notifier) Status(msg string) (bool, error) { return n.notify("STATUS=" + msg) }

// Watchdog pings at half of WatchdogSec until ctx is done. It returns at once
// when the unit has no watchdog configured.
func (n *Notifier) Watchdog(ctx context.Context) error {
	every, err := n.watchdog()
	if err != nil || every <= 0 {
		return err
	}
	t := time.NewTicker(every / 2)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if _, err := n.notify(daemon.SdNotifyWatchdog); err != nil {
				return err
			}
		}
	}
}
