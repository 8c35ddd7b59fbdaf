package router

import (
	"html"
	"sort"
	"strings"
)

// helpText renders help in Telegram HTML. With an argument it describes
// that one command.
func (m *CommandManager) helpText(args []string) string {
	if len(args) > 0 {
		name := strings.ToLower(strings.TrimPrefix(args[0], "/"))
		c, ok := m.lookup(name)
		if !ok {
			return "❓ <b>Unknown command</b>\nType <code>/help</code> for the list."
		}
		return commandHelpHTML(c)
	}

	m.mu.RLock()
	cmds := append([]Command(nil), m.ordered...)
	m.mu.RUnlock()
	// owner-only at the bottom, alphabetical within groups
	sort.SliceStable(cmds, func(i, j int) bool {
		if cmds[i].Access != cmds[j].Access {
			return cmds[i].Access < cmds[j].Access
		}
		return cmds[i].Name < cmds[j].Name
	})

	lines := []string{"📚 <b>Commands</b>", ""}
	for _, c := range cmds {
		line := "/" + html.EscapeString(c.Name)
		if c.Description != "" {
			line += " - " + html.EscapeString(c.Description)
		}
		if lock := accessBadge(c.Access); lock != "" {
			line += " " + lock
		}
		lines = append(lines, line)
	}
	lines = append(lines, "", "Type <code>/help &lt;command&gt;</code> for details.")
	return strings.Join(lines, "\n")
}

func commandHelpHTML(c Command) string {
	lines := []string{"<b>/" + html.EscapeString(c.Name) + "</b>"}
	if c.Description != "" {
		lines = append(lines, html.EscapeString(c.Description))
	}
	if c.Usage != "" {
		lines = append(lines, "", "Usage: <code>"+html.EscapeString(c.Usage)+"</code>")
	}
	if len(c.Aliases) > 0 {
		lines = append(lines, "Aliases: /"+html.EscapeString(strings.Join(c.Aliases, ", /")))
	}
	if c.Access != AccessEveryone {
		lines = append(lines, "Access: "+c.Access.String())
	}
	return strings.Join(lines, "\n")
}

func accessBadge(a Access) string {
	switch a {
	case AccessChatAdmin:
		return "🛡"
	case AccessOwner:
		return "🔒"
	}
	return ""
}
