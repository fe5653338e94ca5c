package claudecli

import (
	"errors"
	"strings"
)

// ErrNoUserMessage is returned when a resume request carries no user message
// to hand to the backend.
var ErrNoUserMessage = errors.New("no user message to resume with")

// Message is one turn of a chat history.
type Message struct {
	Role    string
	Content string
}

const (
	historyHeader = "--- CONVERSATION HISTORY ---"
	historyFooter = "--- END HISTORY ---"
)

// BuildPrompt reduces a message history to the single prompt string the CLI
// backend is given.
//
// When resuming, the backend already holds the conversation, so only the
// last user message is sent. Fresh conversations drop system messages (the
// system prompt travels as its own flag); a history of more than one
// remaining message is flattened into a framed transcript with the last
// message as the current query.
func BuildPrompt(messages []Message, resuming bool) (string, error) {
	if resuming {
		for i := len(messages) - 1; i >= 0; i-- {
			if messages[i].Role == "user" {
				return messages[i].Content, nil
			}
		}
		return "", ErrNoUserMessage
	}

	kept := make([]Message, 0, len(messages))
	for _, m := range messages {
		if m.Role == "system" {
			continue
		}
		kept = append(kept, m)
	}

	if len(kept) == 0 {
		return "", nil
	}
	if len(kept) == 1 {
		return kept[0].Content, nil
	}

	var b strings.Builder
	b.WriteString(historyHeader)
	b.WriteString("\n")
	for _, m := range kept[:len(kept)-1] {
		switch m.Role {
		case "assistant":
			b.WriteString("Assistant: ")
		default:
			b.WriteString("User: ")
		}
		b.WriteString(m.Content)
		b.WriteString("\n")
	}
	b.WriteString(historyFooter)
	b.WriteString("\n\n")
	b.WriteString("Current query:\n")
	b.WriteString(kept[len(kept)-1].Content)
	return b.String(), nil
}
