package notifier

import (
	"fmt"
	"html"
	"strings"
	"time"

	"ctfsentinel/internal/actions"
	"ctfsentinel/internal/ctf"
	"ctfsentinel/internal/transport"
	"ctfsentinel/internal/trigger"

	"github.com/dustin/go-humanize"
)

const (
	DefaultFooter          = "CTF Sentinel"
	alertDescriptionLength = 300
)

// Compose renders a decision as an HTML message.
func Compose(d trigger.Decision, now time.Time, footer string) (string, *transport.SendOptions) {
	if footer == "" {
		footer = DefaultFooter
	}
	title := html.EscapeString(orDefault(d.Event.Title, "Untitled CTF"))
	startsAt := now.Add(d.StartsIn)
	rel := humanize.RelTime(startsAt, now, "ago", "from now")
	opt := &transport.SendOptions{ParseMode: "HTML", DisablePreview: true}

	var b strings.Builder
	switch d.Kind {
	case ctf.Kind24h, ctf.Kind1h:
		fmt.Fprintf(&b, "🚩 <b>%s</b>\n", title)
		fmt.Fprintf(&b, "Starting %s (%s)\n", rel, startsAt.UTC().Format("Mon 02 Jan 15:04 MST"))
		if desc := strings.TrimSpace(d.Event.Description); desc != "" {
			fmt.Fprintf(&b, "\n%s\n", html.EscapeString(shorten(desc, alertDescriptionLength)))
		}
		label := "24H"
		if d.Kind == ctf.Kind1h {
			label = "1H"
		}
		fmt.Fprintf(&b, "\n<i>%s • %s Alert</i>", html.EscapeString(footer), label)
		opt.Buttons = alertButtons(d)

	case ctf.KindChannel1h:
		b.WriteString("🚨 <b>Reminder: CTF Starting Soon!</b>\n")
		fmt.Fprintf(&b, "<b>%s</b> starts %s!", title, rel)
		if d.Event.URL != "" {
			fmt.Fprintf(&b, "\n%s", html.EscapeString(d.Event.URL))
		}

	case ctf.KindArchived:
		fmt.Fprintf(&b, "🏁 <b>%s</b> has ended.\nThis topic is now archived. GG!", title)

	default:
		fmt.Fprintf(&b, "<b>%s</b>", title)
	}
	return b.String(), opt
}

func alertButtons(d trigger.Decision) [][]transport.Button {
	rows := [][]transport.Button{{
		{Text: "✅ Join", Data: actions.CallbackData(actions.ActionJoin, d.Key)},
		{Text: "ℹ️ More Info", Data: actions.CallbackData(actions.ActionInfo, d.Key)},
		{Text: "❌ Skip", Data: actions.CallbackData(actions.ActionSkip, d.Key)},
	}}
	if u := strings.TrimSpace(d.Event.URL); strings.HasPrefix(u, "http") {
		rows = append(rows, []transport.Button{{Text: "🌐 Website", URL: u}})
	}
	return rows
}

func shorten(s string, n int) string {
	rs := []rune(s)
	if len(rs) <= n {
		return s
	}
	return string(rs[:n]) + "..."
}

func orDefault(s, def string) string {
	if strings.TrimSpace(s) == "" {
		return def
	}
	return s
}
