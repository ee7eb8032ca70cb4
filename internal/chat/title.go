package chat

import "strings"

const titleMaxRunes = 20

// DeriveTitle names a conversation after its first user message.
func DeriveTitle(content string) string {
	trimmed := []rune(strings.TrimSpace(content))
	if len(trimmed) <= titleMaxRunes {
		return string(trimmed)
	}
	return string(trimmed[:titleMaxRunes]) + "..."
}

func needsTitle(c *Conversation) bool {
	return c.MessageCount == 0 && (c.Title == "" || c.Title == DefaultTitle)
}
