package actions

import (
	"fmt"
	"html"
	"regexp"
	"strings"
	"time"

	"ctfsentinel/internal/ctf"
	"ctfsentinel/internal/state"
)

const (
	infoDescriptionLimit = 2000
	maxChannelName       = 100
)

var (
	nameStrip   = regexp.MustCompile(`[^a-zA-Z0-9\s\-_]`)
	nameSpaces  = regexp.MustCompile(`\s+`)
	inviteLinks = []*regexp.Regexp{
		regexp.MustCompile(`(?i)(https://)?discord\.gg/[A-Za-z0-9]+`),
		regexp.MustCompile(`(?i)(https://)?discord\.com/invite/[A-Za-z0-9]+`),
		regexp.MustCompile(`(?i)(https://)?t\.me/(joinchat/|\+)?[A-Za-z0-9_-]+`),
	}
)

// SanitizeChannelName turns an event title into a channel name: lowercase,
// hyphen separated, at most 100 characters.
func SanitizeChannelName(title string) string {
	name := nameStrip.ReplaceAllString(title, "")
	name = strings.ToLower(nameSpaces.ReplaceAllString(strings.TrimSpace(name), "-"))
	if name == "" {
		return "ctf-channel"
	}
	if c := name[0]; !(c >= 'a' && c <= 'z' || c >= '0' && c <= '9') {
		name = "ctf-" + name
	}
	if len(name) > maxChannelName {
		name = name[:maxChannelName]
	}
	return name
}

// InviteLink returns the first community invite link in the description.
func InviteLink(description string) (string, bool) {
	for _, re := range inviteLinks {
		if m := re.FindString(description); m != "" {
			if !strings.HasPrefix(strings.ToLower(m), "https://") {
				m = "https://" + m
			}
			return m, true
		}
	}
	return "", false
}

// FormatTime renders a raw feed timestamp for humans, or the raw text when it
// does not parse.
func FormatTime(raw string) string {
	t, err := ctf.ParseTime("", "", raw)
	if err != nil {
		if strings.TrimSpace(raw) == "" {
			return "unknown"
		}
		return raw
	}
	return t.Format("Mon 02 Jan 2006 15:04 MST")
}

// InfoText is the HTML body for the info action.
func InfoText(ev ctf.Event) string {
	var b strings.Builder
	fmt.Fprintf(&b, "ℹ️ <b>%s</b>\n\n", html.EscapeString(ev.Title))
	if d := strings.TrimSpace(ev.Description); d != "" {
		b.WriteString(html.EscapeString(truncateRunes(d, infoDescriptionLimit)))
		b.WriteString("\n\n")
	}
	fmt.Fprintf(&b, "<b>Start:</b> %s\n", FormatTime(ev.Start))
	fmt.Fprintf(&b, "<b>End:</b> %s\n", FormatTime(ev.Finish))
	if ev.Format != "" {
		fmt.Fprintf(&b, "<b>Format:</b> %s\n", html.EscapeString(ev.Format))
	}
	if ev.Weight > 0 {
		fmt.Fprintf(&b, "<b>Weight:</b> %.2f\n", ev.Weight)
	}
	if ev.Onsite {
		loc := ev.Location
		if loc == "" {
			loc = "onsite"
		}
		fmt.Fprintf(&b, "<b>Location:</b> %s\n", html.EscapeString(loc))
	}
	if ev.URL != "" {
		fmt.Fprintf(&b, "<b>Website:</b> %s\n", html.EscapeString(ev.URL))
	}
	if ev.CTFTimeURL != "" {
		fmt.Fprintf(&b, "<b>CTFtime:</b> %s\n", html.EscapeString(ev.CTFTimeURL))
	}
	return strings.TrimRight(b.String(), "\n")
}

// LoginText is posted into a freshly created event channel.
func LoginText(ev ctf.Event, creds state.Credentials, password string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "🚩 <b>%s</b>\n", html.EscapeString(ev.Title))
	if ev.URL != "" {
		fmt.Fprintf(&b, "CTF: %s | %s\n", html.EscapeString(ev.Title), html.EscapeString(ev.URL))
	}
	b.WriteString("\n🔐 <b>Login details</b>\n")
	fmt.Fprintf(&b, "<b>Website:</b> %s\n", html.EscapeString(orDash(ev.URL)))
	fmt.Fprintf(&b, "<b>User:</b> <code>%s</code>\n", html.EscapeString(creds.User))
	fmt.Fprintf(&b, "<b>Pass:</b> <code>%s</code>\n", html.EscapeString(password))
	fmt.Fprintf(&b, "<b>Email:</b> <code>%s</code>\n", html.EscapeString(creds.Email))
	if link, ok := InviteLink(ev.Description); ok {
		fmt.Fprintf(&b, "<b>Community:</b> %s\n", html.EscapeString(link))
	}
	fmt.Fprintf(&b, "\n<b>Start:</b> %s\n<b>End:</b> %s", FormatTime(ev.Start), FormatTime(ev.Finish))
	return b.String()
}

// UpcomingText lists events for /upcoming.
func UpcomingText(events []ctf.Event, now time.Time) string {
	if len(events) == 0 {
		return "No upcoming events cached yet."
	}
	var b strings.Builder
	b.WriteString("📅 <b>Upcoming events</b>\n")
	for i, ev := range events {
		fmt.Fprintf(&b, "\n%d. <b>%s</b>\n   %s", i+1, html.EscapeString(ev.Title), FormatTime(ev.Start))
		if st, err := ev.StartTime(); err == nil && st.After(now) {
			fmt.Fprintf(&b, " (in %s)", st.Sub(now).Round(time.Minute))
		}
	}
	return b.String()
}

func orDash(s string) string {
	if strings.TrimSpace(s) == "" {
		return "-"
	}
	return s
}

func truncateRunes(s string, n int) string {
	rs := []rune(s)
	if len(rs) <= n {
		return s
	}
	return string(rs[:n]) + "…"
}
