package router

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	logx "ctfsentinel/pkg/logx"

	"golang.org/x/time/rate"
)

type HandlerFunc func(ctx context.Context, req *Request) error

type Middleware func(next HandlerFunc) HandlerFunc

func Chain(h HandlerFunc, m ...Middleware) HandlerFunc {
	for i := len(m) - 1; i >= 0; i-- {
		h = m[i](h)
	}
	return h
}

func MWTimeout(d time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) error {
			if d <= 0 {
				return next(ctx, req)
			}
			cctx, cancel := context.WithTimeout(ctx, d)
			defer cancel()
			return next(cctx, req)
		}
	}
}

func MWPanicRecover(log logx.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) (err error) {
			defer func() {
				if r := recover(); r != nil {
					req.logger(log).Error("panic recovered",
						logx.Any("panic", r),
						logx.String("stack", string(debug.Stack())),
					)
					err = fmt.Errorf("panic: %v", r)
				}
			}()
			return next(ctx, req)
		}
	}
}

func MWRequestLog(log logx.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) error {
			start := time.Now()
			err := next(ctx, req)
			d := time.Since(start)

			logger := req.logger(log)
			fields := []logx.Field{
				logx.String("kind", string(req.Kind)),
				logx.Duration("dur", d),
			}
			if err != nil {
				logger.Warn("request failed", append(fields, logx.Err(err))...)
				return err
			}
			// Slow requests stay visible at INFO.
			if d >= 750*time.Millisecond {
				logger.Info("request ok", fields...)
			} else {
				logger.Debug("request ok", fields...)
			}
			return nil
		}
	}
}

// MWReplyError turns a handler error into a short reply so the user is not
// left waiting. The error still propagates to the request log.
func MWReplyError() Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) error {
			err := next(ctx, req)
			if err != nil && req.reply != nil {
				req.reply(ctx, userMessage(err))
			}
			return err
		}
	}
}

var errSlowDown = errors.New("rate limited")

// maxTrackedUsers bounds the limiter table; it is reset when exceeded.
const maxTrackedUsers = 4096

// userLimits holds one token bucket per user id.
type userLimits struct {
	mu    sync.Mutex
	every rate.Limit
	burst int
	m     map[int64]*rate.Limiter
}

func newUserLimits(perSec float64, burst int) *userLimits {
	return &userLimits{every: rate.Limit(perSec), burst: burst, m: map[int64]*rate.Limiter{}}
}

func (u *userLimits) allow(user int64) bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	l, ok := u.m[user]
	if !ok {
		if len(u.m) >= maxTrackedUsers {
			clear(u.m)
		}
		l = rate.NewLimiter(u.every, u.burst)
		u.m[user] = l
	}
	return l.Allow()
}

// MWUserRateLimit rejects requests from a user who exceeds the limit, so one
// member mashing join/skip cannot starve the shared workers.
func MWUserRateLimit(u *userLimits) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) error {
			if u != nil && req.FromID != 0 && !u.allow(req.FromID) {
				return errSlowDown
			}
			return next(ctx, req)
		}
	}
}
