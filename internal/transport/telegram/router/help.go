package router

import (
	"html"
	"strings"
)

// helpText renders help in Telegram HTML for the root or a command path.
func (m *Router) helpText(path []string) string {
	m.mu.RLock()
	root, alias := m.root, m.alias
	m.mu.RUnlock()

	if len(path) == 0 {
		var b strings.Builder
		b.WriteString("<b>Commands</b>\n")
		for _, name := range root.childNames() {
			n, _ := root.child(name)
			b.WriteString("• <code>/" + html.EscapeString(name) + "</code>")
			if d := nodeDescription(n); d != "" {
				b.WriteString(" - " + html.EscapeString(d))
			}
			b.WriteByte('\n')
		}
		b.WriteString("\nType <code>/help &lt;command&gt;</code> for details.")
		return b.String()
	}

	cur := root
	for i, p := range path {
		n, ok := cur.child(p)
		if !ok {
			if leaf, ok := alias[p]; ok && i == 0 {
				cur = leaf
				break
			}
			return "Unknown command. Type <code>/help</code> for the list."
		}
		cur = n
	}

	var b strings.Builder
	b.WriteString("<b>/" + html.EscapeString(strings.Join(path, " ")) + "</b>\n")
	for _, c := range cur.leaves() {
		usage := c.Usage
		if usage == "" {
			usage = "/" + c.Route
		}
		b.WriteString("<code>" + html.EscapeString(usage) + "</code>")
		if c.Description != "" {
			b.WriteString("\n  " + html.EscapeString(c.Description))
		}
		if len(c.Aliases) > 0 {
			b.WriteString("\n  aliases: /" + html.EscapeString(strings.Join(c.Aliases, ", /")))
		}
		b.WriteByte('\n')
	}
	return strings.TrimRight(b.String(), "\n")
}

// nodeDescription is the node's own description or, for a group, the list
// of its subcommands.
func nodeDescription(n *cmdNode) string {
	if n.cmd != nil && n.cmd.Description != "" {
		return n.cmd.Description
	}
	if names := n.childNames(); len(names) > 0 {
		return strings.Join(names, ", ")
	}
	return ""
}
