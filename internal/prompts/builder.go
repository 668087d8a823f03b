package prompts

import (
	"strings"

	"github.com/valenai/internal/conversation"
)

// ContextWindow is the number of most recent turns included in a prompt.
const ContextWindow = 100

const (
	UserLabel = "User"
	BotLabel  = "AI"
)

// Label returns the prompt label for a role.
func Label(role conversation.Role) string {
	if role == conversation.RoleBot {
		return BotLabel
	}
	return UserLabel
}

// Build assembles persona, the last ContextWindow turns, an optional unsent
// user message and the final "AI:" cue into one completion prompt.
func Build(persona string, turns []*conversation.Turn, trailing string) string {
	if len(turns) > ContextWindow {
		turns = turns[len(turns)-ContextWindow:]
	}

	lines := make([]string, 0, len(turns)+1)
	for _, t := range turns {
		lines = append(lines, Label(t.Role)+": "+t.Content)
	}
	if trailing != "" {
		lines = append(lines, UserLabel+": "+trailing)
	}

	var b strings.Builder
	b.WriteString(persona)
	b.WriteString("\n\n")
	b.WriteString(strings.Join(lines, "\n"))
	b.WriteString("\n" + BotLabel + ":")
	return b.String()
}
