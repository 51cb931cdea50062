package ctf

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrConfigMissing is the only error that stops the process at startup.
	ErrConfigMissing = errors.New("required configuration missing")

	errEmptyTimestamp = errors.New("empty timestamp")
)

// FetchError reports a failed feed refresh. The cache keeps its previous contents.
type FetchError struct {
	URL    string
	Status int // HTTP status, 0 when the request never completed
	// RetryAfter is the server's Retry-After hint, zero when absent.
	RetryAfter time.Duration
	Err        error
}

// Temporary reports whether a later attempt may succeed: network failures,
// 429 and 5xx.
func (e *FetchError) Temporary() bool {
	return e.Status == 0 || e.Status == 429 || e.Status >= 500
}

func (e *FetchError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("fetch %s: status %d: %v", e.URL, e.Status, e.Err)
	}
	return fmt.Sprintf("fetch %s: %v", e.URL, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// ParseError reports a malformed timestamp on a single event.
type ParseError struct {
	Key   string
	Field string
	Value string
	Err   error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("event %s: bad %s timestamp %q: %v", e.Key, e.Field, e.Value, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// PersistenceError reports a failed load or save of one dataset.
type PersistenceError struct {
	Dataset string
	Op      string // "load" or "save"
	Err     error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Dataset, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// DeliveryError reports a failed send. The notification stays marked as sent.
type DeliveryError struct {
	TenantID int64
	Key      string
	Kind     Kind
	Target   ChannelRef
	Err      error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("deliver %s/%s to tenant %d (chat %d thread %d): %v",
		e.Key, e.Kind, e.TenantID, e.Target.ChatID, e.Target.ThreadID, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }
