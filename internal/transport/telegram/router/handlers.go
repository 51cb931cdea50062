package router

import (
	"context"
	"errors"
	"fmt"
	"html"
	"strconv"
	"strings"

	"ctfsentinel/internal/actions"
	"ctfsentinel/internal/ctf"
	"ctfsentinel/internal/state"
	kit "ctfsentinel/internal/transport"
	logx "ctfsentinel/pkg/logx"

	"github.com/dustin/go-humanize"
)

const maxUpcoming = 15

func (r *Router) builtinCommands() []Command {
	return []Command{
		{
			Name:        "setup",
			Aliases:     []string{"bot_setup"},
			Description: "Send notifications to this chat",
			Usage:       "/setup",
			Admin:       true,
			Handle:      r.cmdSetup,
		},
		{
			Name:        "settings",
			Aliases:     []string{"bot_settings"},
			Description: "Show or change notification settings",
			Usage:       "/settings [key value]",
			Admin:       true,
			Handle:      r.cmdSettings,
		},
		{
			Name:        "team",
			Aliases:     []string{"team_details"},
			Description: "Set the team login template",
			Usage:       "/team [--user name] [--email addr] [--policy random|friendly|memorable]",
			Admin:       true,
			Handle:      r.cmdTeam,
		},
		{
			Name:        "reset",
			Aliases:     []string{"ctf_reset_notifications"},
			Description: "Forget sent notifications for this chat",
			Usage:       "/reset",
			Admin:       true,
			Handle:      r.cmdReset,
		},
		{
			Name:        "password",
			Aliases:     []string{"generate_password", "pw"},
			Description: "Generate a password",
			Usage:       "/password [length] [--policy random|friendly|memorable]",
			Handle:      r.cmdPassword,
		},
		{
			Name:        "upcoming",
			Aliases:     []string{"events"},
			Description: "List cached upcoming events",
			Usage:       "/upcoming [count]",
			Handle:      r.cmdUpcoming,
		},
		{
			Name:        "status",
			Description: "Show this chat's setup and job status",
			Usage:       "/status",
			Handle:      r.cmdStatus,
		},
	}
}

func (r *Router) replyHTML(ctx context.Context, req *Request, text string) {
	r.send(ctx, req.Chat, text, &kit.SendOptions{ParseMode: "HTML", DisablePreview: true})
}

// asUsage passes domain sentinels through and turns validation errors into
// messages the user can act on.
func asUsage(err error) error {
	if err == nil {
		return nil
	}
	for _, s := range []error{actions.ErrForbidden, actions.ErrNotSetUp, context.DeadlineExceeded, context.Canceled} {
		if errors.Is(err, s) {
			return err
		}
	}
	return &usageError{msg: err.Error()}
}

func (r *Router) cmdSetup(ctx context.Context, req *Request) error {
	if err := r.deps.Actions.Setup(ctx, req.Tenant(), req.FromID, req.Chat); err != nil {
		return err
	}
	where := "this chat"
	if req.Chat.ThreadID != 0 {
		where = "this topic"
	}
	r.replyHTML(ctx, req, "🚀 <b>Setup complete</b>\nNotifications will be sent to "+where+".")
	if r.deps.OnSetup != nil {
		r.deps.OnSetup(req.Tenant())
	}
	return nil
}

func (r *Router) cmdSettings(ctx context.Context, req *Request) error {
	tenant := req.Tenant()
	if len(req.Args) == 0 && len(req.Flags) == 0 {
		r.replyHTML(ctx, req, settingsText(r.deps.Actions.Status(tenant).Settings))
		return nil
	}

	key, value := "", ""
	switch {
	case len(req.Args) >= 2:
		key, value = req.Args[0], strings.Join(req.Args[1:], " ")
	case len(req.Flags) == 1:
		for k, v := range req.Flags {
			key, value = k, v
		}
	default:
		return usagef("Usage: /settings <key> <value>")
	}

	res, err := r.deps.Actions.UpdateSetting(ctx, tenant, req.FromID, key, value)
	if err != nil {
		return asUsage(err)
	}
	k, _ := state.ParseSettingKey(key)
	req.Logger.Info("setting updated", logx.String("key", string(k)), logx.String("value", res.Format(k)))
	r.replyHTML(ctx, req, fmt.Sprintf("✅ <code>%s</code> = <code>%s</code>", html.EscapeString(string(k)), html.EscapeString(res.Format(k))))
	return nil
}

func settingsText(res state.Resolved) string {
	lines := []string{"⚙️ <b>Settings</b>"}
	for _, k := range state.SettingKeys {
		lines = append(lines, fmt.Sprintf("• <code>%s</code>: %s", k, html.EscapeString(res.Format(k))))
	}
	lines = append(lines, "", "Change with <code>/settings &lt;key&gt; &lt;value&gt;</code>")
	return strings.Join(lines, "\n")
}

func (r *Router) cmdTeam(ctx context.Context, req *Request) error {
	creds := state.Credentials{
		User:           req.Flag("user", "u"),
		Email:          req.Flag("email", "e"),
		PasswordPolicy: req.Flag("policy", "pass", "p"),
	}
	// Positional form mirrors the old slash command: /team <user> <email> [policy].
	if creds.User == "" && len(req.Args) > 0 {
		creds.User = req.Args[0]
	}
	if creds.Email == "" && len(req.Args) > 1 {
		creds.Email = req.Args[1]
	}
	if creds.PasswordPolicy == "" && len(req.Args) > 2 {
		creds.PasswordPolicy = req.Args[2]
	}

	cur := r.deps.Actions.Status(req.Tenant()).Config.Credentials
	if creds == (state.Credentials{}) {
		r.replyHTML(ctx, req, credentialsText("👥 <b>Team login</b>", cur))
		return nil
	}
	got, err := r.deps.Actions.SetCredentials(ctx, req.Tenant(), req.FromID, creds)
	if err != nil {
		return asUsage(err)
	}
	r.replyHTML(ctx, req, credentialsText("✅ <b>Team login updated</b>", got))
	return nil
}

func credentialsText(title string, c state.Credentials) string {
	return strings.Join([]string{
		title,
		"User: <code>" + html.EscapeString(c.User) + "</code>",
		"Email: <code>" + html.EscapeString(c.Email) + "</code>",
		"Password policy: <code>" + html.EscapeString(c.PasswordPolicy) + "</code>",
	}, "\n")
}

func (r *Router) cmdReset(ctx context.Context, req *Request) error {
	before, err := r.deps.Actions.ResetNotifications(ctx, req.Tenant(), req.FromID)
	if err != nil {
		return err
	}
	total := 0
	for _, n := range before {
		total += n
	}
	r.replyHTML(ctx, req, fmt.Sprintf("🔄 Notification history reset (%d cleared). Join and skip decisions are kept.", total))
	return nil
}

func (r *Router) cmdPassword(ctx context.Context, req *Request) error {
	length := r.cfg.PasswordLength
	if len(req.Args) > 0 {
		n, err := strconv.Atoi(req.Args[0])
		if err != nil {
			return usagef("Length must be a number, got %q.", req.Args[0])
		}
		length = n
	}
	policy := req.Flag("policy", "p")
	if policy == "" {
		policy = state.PolicyRandom
	}
	if !actions.ValidPolicy(policy) {
		return usagef("Unknown policy %q. Use random, friendly or memorable.", policy)
	}
	pw := actions.GeneratePassword(policy, length)
	r.replyHTML(ctx, req, "🔐 Password: <code>"+html.EscapeString(pw)+"</code>")
	return nil
}

func (r *Router) cmdUpcoming(ctx context.Context, req *Request) error {
	limit := 5
	if len(req.Args) > 0 {
		n, err := strconv.Atoi(req.Args[0])
		if err != nil || n <= 0 {
			return usagef("Count must be a positive number.")
		}
		limit = min(n, maxUpcoming)
	}
	r.replyHTML(ctx, req, actions.UpcomingText(r.deps.Actions.Upcoming(limit), r.now()))
	return nil
}

func (r *Router) cmdStatus(ctx context.Context, req *Request) error {
	r.replyHTML(ctx, req, r.statusText(req.Tenant()))
	return nil
}

func (r *Router) statusText(tenant int64) string {
	rep := r.deps.Actions.Status(tenant)
	now := r.now()

	lines := []string{"📊 <b>Status</b>"}
	if rep.Config.SetupComplete && rep.Config.Channel != nil {
		ch := *rep.Config.Channel
		target := "chat " + strconv.FormatInt(ch.ChatID, 10)
		if ch.ThreadID != 0 {
			target += " topic " + strconv.Itoa(ch.ThreadID)
		}
		lines = append(lines, "Setup: ✅ "+target)
	} else {
		lines = append(lines, "Setup: ❌ run /setup")
	}
	lines = append(lines, fmt.Sprintf("Event channels: %d", len(rep.Config.EventChannels)))

	updated := "never"
	if !rep.CacheUpdated.IsZero() {
		updated = humanize.RelTime(rep.CacheUpdated, now, "ago", "from now")
	}
	lines = append(lines, fmt.Sprintf("Cached events: %d (updated %s)", rep.CachedEvents, updated))

	sent := make([]string, 0, len(ctf.Kinds))
	for _, k := range ctf.Kinds {
		sent = append(sent, fmt.Sprintf("%s=%d", k, rep.Sent[k]))
	}
	lines = append(lines, "Sent: "+strings.Join(sent, " "))

	if r.deps.Scheduler != nil {
		snap := r.deps.Scheduler.Snapshot()
		lines = append(lines, "", "<b>Jobs</b>")
		for _, s := range snap.Jobs {
			next := "-"
			if !s.Next.IsZero() {
				next = humanize.RelTime(s.Next, now, "ago", "from now")
			}
			lines = append(lines, fmt.Sprintf("• %s <code>%s</code> next %s", html.EscapeString(s.Name), html.EscapeString(s.Spec), next))
		}
		if snap.Engine.Dropped > 0 {
			lines = append(lines, fmt.Sprintf("Dropped triggers: %d", snap.Engine.Dropped))
		}
	}
	return strings.Join(lines, "\n")
}

// handleButton serves the join/info/skip buttons under alert messages.
func (r *Router) handleButton(ctx context.Context, req *Request) error {
	action, token := actions.Action(req.Args[0]), req.Args[1]
	key, ok := r.deps.Actions.ResolveToken(req.Tenant(), token)
	if !ok {
		return actions.ErrUnknownEvent
	}
	res, err := r.deps.Actions.Dispatch(ctx, actions.Request{
		Action:   action,
		TenantID: req.Tenant(),
		UserID:   req.FromID,
		EventKey: key,
	})
	if err != nil {
		return err
	}
	if action == actions.ActionInfo {
		r.replyHTML(ctx, req, res.Text)
		req.reply(ctx, "")
		return nil
	}
	req.reply(ctx, res.Text)
	return nil
}

func (r *Router) cmdHelp(ctx context.Context, req *Request) error {
	r.replyHTML(ctx, req, r.helpText(req.Args))
	return nil
}
