package router

import (
	"strings"
	"unicode"

	kit "ctfsentinel/internal/transport"
)

// Telegram limits.
const (
	maxMenuCommands   = 100
	maxCommandLen     = 32
	maxMenuDescLength = 256
)

// sanitizeTelegramCommand converts a name into a Telegram bot command.
// Telegram command names are restricted to [a-z0-9_]{1,32}.
func sanitizeTelegramCommand(s string) string {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "" {
		return ""
	}

	var b strings.Builder
	b.Grow(len(s))
	lastUnderscore := false
	for _, r := range s {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
			lastUnderscore = false
			continue
		}
		if r == '_' || r == '-' || r == '/' || unicode.IsSpace(r) {
			if b.Len() > 0 && !lastUnderscore {
				b.WriteRune('_')
				lastUnderscore = true
			}
		}
	}

	out := strings.Trim(b.String(), "_")
	if len(out) > maxCommandLen {
		out = strings.TrimRight(out[:maxCommandLen], "_")
	}
	if out == "" {
		return ""
	}
	// Clients expect a leading letter.
	if out[0] >= '0' && out[0] <= '9' {
		out = "cmd_" + out
		if len(out) > maxCommandLen {
			out = strings.TrimRight(out[:maxCommandLen], "_")
		}
	}
	return out
}

// buildMenuCommands lists canonical names only; aliases stay typeable but
// would clutter autocomplete.
func buildMenuCommands(cmds []*Command) []kit.BotCommand {
	out := make([]kit.BotCommand, 0, len(cmds))
	for _, c := range cmds {
		desc := strings.ReplaceAll(strings.TrimSpace(c.Description), "\n", " ")
		if desc == "" {
			desc = c.Name
		}
		if c.Admin {
			desc = "🔒 " + desc
		}
		if len(desc) > maxMenuDescLength {
			desc = desc[:maxMenuDescLength]
		}
		out = append(out, kit.BotCommand{Command: c.Name, Description: desc})
		if len(out) >= maxMenuCommands {
			break
		}
	}
	return out
}
