package router

import (
	"html"
	"sort"
	"strings"
)

// helpText renders help in Telegram HTML parse mode.
func (r *Router) helpText(args []string) string {
	if len(args) == 0 {
		return r.helpTopHTML()
	}
	word := sanitizeTelegramCommand(strings.TrimPrefix(args[0], "/"))
	c, ok := r.lookup(word)
	if !ok {
		return "❓ <b>Unknown command</b>\nType <code>/help</code> to see the list."
	}
	return helpCommandHTML(c)
}

func (r *Router) helpTopHTML() string {
	cmds := r.commands()
	sort.SliceStable(cmds, func(i, j int) bool {
		if cmds[i].Admin != cmds[j].Admin {
			return !cmds[i].Admin
		}
		return cmds[i].Name < cmds[j].Name
	})

	lines := []string{
		"📚 <b>Commands</b>",
		"Type <code>/help &lt;cmd&gt;</code> for details.",
		"",
	}
	for _, c := range cmds {
		prefix := "• "
		if c.Admin {
			prefix = "• 🔒 "
		}
		line := prefix + "<code>/" + html.EscapeString(c.Name) + "</code>"
		if d := strings.TrimSpace(c.Description); d != "" {
			line += " - " + html.EscapeString(d)
		}
		lines = append(lines, line)
	}
	lines = append(lines, "", "🔒 needs a chat admin or a user listed in admin_users.")
	return strings.Join(filterEmpty(lines), "\n")
}

func helpCommandHTML(c *Command) string {
	lines := []string{"📚 <b>Help</b> <code>/" + html.EscapeString(c.Name) + "</code>"}
	if d := strings.TrimSpace(c.Description); d != "" {
		lines = append(lines, html.EscapeString(d))
	}
	if c.Admin {
		lines = append(lines, "🔒 <i>Admins only</i>")
	}
	if u := strings.TrimSpace(c.Usage); u != "" {
		lines = append(lines, "", "<b>Usage</b>", "<code>"+html.EscapeString(u)+"</code>")
	}
	if short := shortcuts(c); len(short) > 0 {
		lines = append(lines, "", "<b>Shortcuts</b>")
		for _, s := range short {
			lines = append(lines, "• <code>/"+html.EscapeString(s)+"</code>")
		}
	}
	return strings.Join(filterEmpty(lines), "\n")
}

func shortcuts(c *Command) []string {
	seen := map[string]bool{c.Name: true}
	var out []string
	for _, a := range c.Aliases {
		if sa := sanitizeTelegramCommand(a); sa != "" && !seen[sa] {
			seen[sa] = true
			out = append(out, sa)
		}
	}
	sort.Strings(out)
	return out
}

func filterEmpty(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if strings.TrimSpace(s) == "" {
			continue
		}
		out = append(out, s)
	}
	return out
}
