package router

import (
	"strings"
	"unicode"

	kit "campaignbot/internal/transport"
)

// sanitizeTelegramCommand maps s to Telegram's command charset
// [a-z0-9_]{1,32}. Separators become underscores; other runes are dropped.
func sanitizeTelegramCommand(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(strings.TrimSpace(s)) {
		switch {
		case (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9'):
			b.WriteRune(r)
		case r == '_' || r == '-' || r == '/' || unicode.IsSpace(r):
			if str := b.String(); str != "" && !strings.HasSuffix(str, "_") {
				b.WriteByte('_')
			}
		}
	}
	out := strings.Trim(b.String(), "_")
	if out != "" && out[0] >= '0' && out[0] <= '9' {
		out = "cmd_" + out
	}
	if len(out) > 32 {
		out = strings.TrimRight(out[:32], "_")
	}
	return out
}

// buildMenu lists the top-level commands for the client menu.
func buildMenu(root *cmdNode) []kit.BotCommand {
	var out []kit.BotCommand
	for _, name := range root.childNames() {
		cmd := sanitizeTelegramCommand(name)
		if cmd == "" {
			continue
		}
		n, _ := root.child(name)
		desc := strings.ReplaceAll(nodeDescription(n), "\n", " ")
		if desc == "" {
			desc = cmd
		}
		out = append(out, kit.BotCommand{Command: cmd, Description: desc})
		if len(out) == 100 {
			break
		}
	}
	return out
}
