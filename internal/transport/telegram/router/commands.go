// Package router turns chat updates into command and button handlers.
//
// Updates are parsed on the dispatch goroutine and executed by a small worker
// pool under a supervisor. Handlers never block the update stream.
package router

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strconv"
	"strings"
	"sync"
	"time"

	"ctfsentinel/internal/actions"
	"ctfsentinel/internal/runtime/supervisor"
	"ctfsentinel/internal/state"
	"ctfsentinel/internal/task/scheduler"
	kit "ctfsentinel/internal/transport"
	logx "ctfsentinel/pkg/logx"
)

type Command struct {
	Name        string
	Aliases     []string
	Description string
	Usage       string
	// Admin marks commands that change tenant state. The actions service
	// enforces it; the flag only drives help and menu output.
	Admin   bool
	Timeout time.Duration
	Handle  HandlerFunc
}

type Request struct {
	Kind    kit.UpdateKind
	Chat    kit.ChatTarget
	FromID  int64
	IsGroup bool
	Command string

	Args      []string
	RawArgs   []string
	Flags     map[string]string
	BoolFlags map[string]bool

	CallbackID string
	Payload    string

	ReqID  string
	Logger logx.Logger

	reply func(ctx context.Context, text string)
}

// Tenant is the chat the request came from. Each chat is its own tenant.
func (r *Request) Tenant() int64 { return r.Chat.ChatID }

func (r *Request) logger(def logx.Logger) logx.Logger {
	if r != nil && !r.Logger.IsZero() {
		return r.Logger
	}
	return def
}

// Flag returns the first non-empty flag value among names.
func (r *Request) Flag(names ...string) string {
	for _, n := range names {
		if v := strings.TrimSpace(r.Flags[n]); v != "" {
			return v
		}
	}
	return ""
}

// Sender posts plain replies. notifier.Service implements it.
type Sender interface {
	Send(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error)
}

// SchedulerPort is the read side of the job scheduler used by /status.
type SchedulerPort interface {
	Snapshot() scheduler.Snapshot
}

type Config struct {
	Workers        int
	QueueSize      int
	CommandTimeout time.Duration
	// PasswordLength is the /password default.
	PasswordLength int
	// UserRatePerSec and UserBurst bound how fast one user may issue
	// commands or press buttons.
	UserRatePerSec float64
	UserBurst      int
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 2
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 128
	}
	if c.CommandTimeout <= 0 {
		c.CommandTimeout = 30 * time.Second
	}
	if c.PasswordLength <= 0 {
		c.PasswordLength = 12
	}
	if c.UserRatePerSec <= 0 {
		c.UserRatePerSec = 1
	}
	if c.UserBurst <= 0 {
		c.UserBurst = 5
	}
	return c
}

type Deps struct {
	Adapter   kit.Adapter
	Sender    Sender
	Actions   *actions.Service
	Scheduler SchedulerPort
	// OnSetup runs after a tenant completes /setup, e.g. to refresh the feed
	// and evaluate right away.
	OnSetup func(tenant int64)
	Log     logx.Logger
}

type Router struct {
	cfg  Config
	deps Deps
	log  logx.Logger

	mu    sync.RWMutex
	cmds  map[string]*Command
	alias map[string]*Command
	order []*Command

	jobs   chan func()
	limits *userLimits
	now    func() time.Time
}

func New(cfg Config, deps Deps) *Router {
	log := deps.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	cfg = cfg.withDefaults()
	r := &Router{
		cfg:  cfg,
		deps: deps,
		log:  log.With(logx.String("comp", "telegram.router")),
		jobs:   make(chan func(), cfg.QueueSize),
		limits: newUserLimits(cfg.UserRatePerSec, cfg.UserBurst),
		now:    time.Now,
	}
	r.SetCommands(r.builtinCommands())
	return r
}

// SetCommands replaces the command table. /help is always present.
func (r *Router) SetCommands(cmds []Command) {
	cmds = append(cmds, Command{
		Name:        "help",
		Aliases:     []string{"start", "h"},
		Description: "Show available commands",
		Usage:       "/help [command]",
		Handle:      r.cmdHelp,
	})

	table := map[string]*Command{}
	alias := map[string]*Command{}
	order := make([]*Command, 0, len(cmds))
	for i := range cmds {
		c := cmds[i]
		name := sanitizeTelegramCommand(c.Name)
		if name == "" || c.Handle == nil {
			continue
		}
		c.Name = name
		table[name] = &c
		order = append(order, &c)
	}
	for _, c := range order {
		for _, a := range c.Aliases {
			a = sanitizeTelegramCommand(a)
			if a == "" {
				continue
			}
			if _, taken := table[a]; taken {
				continue
			}
			if _, taken := alias[a]; !taken {
				alias[a] = c
			}
		}
	}

	r.mu.Lock()
	r.cmds = table
	r.alias = alias
	r.order = order
	r.mu.Unlock()
}

func (r *Router) lookup(word string) (*Command, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if c, ok := r.cmds[word]; ok {
		return c, true
	}
	c, ok := r.alias[word]
	return c, ok
}

func (r *Router) commands() []*Command {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]*Command(nil), r.order...)
}

// PublishMenu pushes the command list to the platform menu when supported.
func (r *Router) PublishMenu(ctx context.Context) error {
	up, ok := r.deps.Adapter.(kit.CommandMenuUpdater)
	if !ok {
		return nil
	}
	return up.UpdateMenuCommands(ctx, buildMenuCommands(r.commands()))
}

func (r *Router) tryEnqueue(fn func()) (ok bool) {
	defer func() {
		if rec := recover(); rec != nil {
			ok = false
		}
	}()
	select {
	case r.jobs <- fn:
		return true
	default:
		return false
	}
}

// DispatchLoop consumes updates until ctx is done or updates closes.
func (r *Router) DispatchLoop(ctx context.Context, updates <-chan kit.Update) error {
	sup := supervisor.New(ctx,
		supervisor.WithLogger(r.log),
		supervisor.WithCancelOnError(false),
	)
	r.log.Info("command dispatcher started", logx.Int("workers", r.cfg.Workers), logx.Int("queue_cap", cap(r.jobs)))

	for i := 0; i < r.cfg.Workers; i++ {
		idx := i
		sup.GoRestart("command.worker."+strconv.Itoa(idx), func(c context.Context) error {
			for {
				select {
				case <-c.Done():
					return nil
				case job, ok := <-r.jobs:
					if !ok {
						return nil
					}
					r.runJob(idx, job)
				}
			}
		},
			supervisor.WithRestartBackoff(200*time.Millisecond, 5*time.Second),
			supervisor.WithPublishFirstError(true),
		)
	}

	defer func() {
		sup.Cancel()
		wctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		_ = sup.Wait(wctx)
		cancel()
		r.log.Info("command dispatcher stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case up, ok := <-updates:
			if !ok {
				return nil
			}
			r.routeUpdate(ctx, up)
		}
	}
}

func (r *Router) runJob(worker int, job func()) {
	if job == nil {
		return
	}
	defer func() {
		if rec := recover(); rec != nil {
			r.log.Error("panic in command job", logx.Int("worker", worker), logx.Any("panic", rec), logx.String("stack", string(debug.Stack())))
		}
	}()
	job()
}

func (r *Router) routeUpdate(ctx context.Context, up kit.Update) {
	switch up.Kind {
	case kit.UpdateMessage:
		r.routeMessage(ctx, up.Message)
	case kit.UpdateCallback:
		r.routeCallback(ctx, up.Callback)
	}
}

func (r *Router) routeMessage(ctx context.Context, msg *kit.Message) {
	if msg == nil {
		return
	}
	text := strings.TrimSpace(msg.Text)
	if !strings.HasPrefix(text, "/") {
		return
	}
	parts := tokenizeCommandLine(text)
	if len(parts) == 0 {
		return
	}
	word := strings.ToLower(strings.TrimPrefix(parts[0], "/"))
	if i := strings.IndexByte(word, '@'); i >= 0 {
		word = word[:i]
	}
	chat := kit.ChatTarget{ChatID: msg.ChatID, ThreadID: msg.ThreadID}

	cmd, ok := r.lookup(word)
	if !ok {
		// Groups share the command namespace with other bots.
		if !msg.IsGroup {
			r.send(ctx, chat, "Unknown command. Try /help", nil)
		}
		return
	}

	raw := parts[1:]
	pos, flags, bools := parseFlags(raw)
	rid := newReqID()
	req := &Request{
		Kind:      kit.UpdateMessage,
		Chat:      chat,
		FromID:    msg.FromID,
		IsGroup:   msg.IsGroup,
		Command:   cmd.Name,
		Args:      pos,
		RawArgs:   raw,
		Flags:     flags,
		BoolFlags: bools,
		ReqID:     rid,
		Logger: r.log.With(
			logx.String("rid", rid),
			logx.Int64("chat_id", msg.ChatID),
			logx.Int("thread_id", msg.ThreadID),
			logx.Int64("from_id", msg.FromID),
			logx.String("cmd", cmd.Name),
		),
	}
	req.reply = func(c context.Context, text string) { r.send(c, chat, text, nil) }

	timeout := cmd.Timeout
	if timeout <= 0 {
		timeout = r.cfg.CommandTimeout
	}
	final := Chain(cmd.Handle,
		MWPanicRecover(r.log),
		MWRequestLog(r.log),
		MWReplyError(),
		MWUserRateLimit(r.limits),
		MWTimeout(timeout),
	)
	if !r.tryEnqueue(func() { _ = final(ctx, req) }) {
		r.send(ctx, chat, "Busy, try again in a moment.", nil)
	}
}

func (r *Router) routeCallback(ctx context.Context, cb *kit.Callback) {
	if cb == nil {
		return
	}
	action, token, ok := actions.ParseCallback(cb.Data)
	if !ok {
		// Not ours; stop the client spinner anyway.
		r.answer(ctx, cb.ID, "")
		return
	}
	rid := newReqID()
	req := &Request{
		Kind:       kit.UpdateCallback,
		Chat:       kit.ChatTarget{ChatID: cb.ChatID, ThreadID: cb.ThreadID},
		FromID:     cb.FromID,
		IsGroup:    cb.ChatID < 0,
		Command:    "cb:" + string(action),
		Args:       []string{string(action), token},
		CallbackID: cb.ID,
		Payload:    cb.Data,
		ReqID:      rid,
		Logger: r.log.With(
			logx.String("rid", rid),
			logx.Int64("chat_id", cb.ChatID),
			logx.Int64("from_id", cb.FromID),
			logx.String("cmd", "cb:"+string(action)),
		),
	}
	answered := false
	req.reply = func(c context.Context, text string) {
		answered = true
		r.answer(c, cb.ID, text)
	}

	final := Chain(r.handleButton,
		MWPanicRecover(r.log),
		MWRequestLog(r.log),
		MWReplyError(),
		MWUserRateLimit(r.limits),
		MWTimeout(r.cfg.CommandTimeout),
	)
	if !r.tryEnqueue(func() {
		_ = final(ctx, req)
		if !answered {
			r.answer(ctx, cb.ID, "")
		}
	}) {
		r.answer(ctx, cb.ID, "Busy, try again.")
	}
}

func (r *Router) send(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) {
	if r.deps.Sender == nil {
		return
	}
	if _, err := r.deps.Sender.Send(ctx, to, text, opt); err != nil {
		r.log.Warn("reply failed", logx.Int64("chat_id", to.ChatID), logx.Err(err))
	}
}

func (r *Router) answer(ctx context.Context, id, text string) {
	if r.deps.Adapter == nil || id == "" {
		return
	}
	if err := r.deps.Adapter.AnswerCallback(ctx, id, text); err != nil {
		r.log.Debug("answer callback failed", logx.Err(err))
	}
}

// userMessage maps domain errors to short replies. Unknown errors stay generic
// so internals do not leak into chats.
func userMessage(err error) string {
	switch {
	case errors.Is(err, actions.ErrForbidden):
		return "Only chat admins can do that."
	case errors.Is(err, actions.ErrNotSetUp):
		return "This chat is not set up yet. An admin should run /setup first."
	case errors.Is(err, actions.ErrUnknownEvent):
		return "That event is no longer in the upcoming list."
	case errors.Is(err, actions.ErrUnknownAction):
		return "Unknown action."
	case errors.Is(err, state.ErrTransition):
		return "This event was already decided and cannot be changed."
	case errors.Is(err, errSlowDown):
		return "Slow down a little and try again."
	case errors.Is(err, context.DeadlineExceeded):
		return "That took too long. Please try again."
	}
	var ue *usageError
	if errors.As(err, &ue) {
		return ue.msg
	}
	return "Something went wrong. Please try again."
}

// usageError carries a message meant for the user.
type usageError struct{ msg string }

func (e *usageError) Error() string { return e.msg }

func usagef(format string, args ...any) error {
	return &usageError{msg: fmt.Sprintf(format, args...)}
}
