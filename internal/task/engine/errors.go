package engine

import (
	"errors"
	"time"
)

var (
	ErrDisabled  = errors.New("engine: disabled")
	ErrStopped   = errors.New("engine: stopped")
	ErrStopping  = errors.New("engine: stopping")
	ErrQueueFull = errors.New("engine: queue full")
	// ErrOverlapSkip is returned when a job with the same name is already
	// queued or running under OverlapSkipIfRunning.
	ErrOverlapSkip = errors.New("engine: job already pending")
)

// RetryAfterError carries the delay an upstream asked for, e.g. an HTTP
// Retry-After header. The worker honors it up to RetryMaxDelay.
type RetryAfterError interface {
	error
	RetryAfter() time.Duration
}

// Permanent stops the worker from retrying err. A feed answering 404 will not
// recover within the retry budget.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &retryControl{err: err, stop: true}
}

// Backoff asks the worker to wait at least after before the next attempt.
func Backoff(err error, after time.Duration) error {
	if err == nil {
		return nil
	}
	return &retryControl{err: err, after: max(after, 0)}
}

func IsPermanent(err error) bool {
	var rc *retryControl
	return errors.As(err, &rc) && rc.stop
}

type retryControl struct {
	err   error
	after time.Duration
	stop  bool
}

func (e *retryControl) Error() string             { return e.err.Error() }
func (e *retryControl) Unwrap() error             { return e.err }
func (e *retryControl) RetryAfter() time.Duration { return e.after }
