package notifier

import (
	"time"

	"ctfsentinel/internal/ctf"
)

// Config controls delivery.
type Config struct {
	RatePerSec  int
	HistorySize int
	// Footer is appended to alert messages.
	Footer string
}

type HistoryItem struct {
	At       time.Time `json:"at"`
	TenantID int64     `json:"tenant_id"`
	Key      string    `json:"key"`
	Kind     ctf.Kind  `json:"kind"`
	Err      string    `json:"err,omitempty"`
}

// NotificationEvent is emitted on the event bus after each delivery attempt.
// Keep it small; Data may be logged/serialized by subscribers.
type NotificationEvent struct {
	TenantID int64     `json:"tenant_id"`
	ChatID   int64     `json:"chat_id"`
	ThreadID int       `json:"thread_id,omitempty"`
	Key      string    `json:"key"`
	Kind     ctf.Kind  `json:"kind"`
	At       time.Time `json:"at"`
	Error    string    `json:"error,omitempty"`
}
