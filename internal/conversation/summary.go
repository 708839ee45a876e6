package conversation

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// TitleMaxLength is the maximum length for derived conversation titles.
const TitleMaxLength = 50

// DefaultTitle is used when a conversation has no user message yet.
const DefaultTitle = "New chat"

// Summary is the list-view projection of a conversation.
type Summary struct {
	ConversationID uuid.UUID `json:"conversationId"`
	Title          string    `json:"title"`
	Snippet        string    `json:"snippet"`
	LastMessageAt  time.Time `json:"lastMessageAt"`
	Status         *Status   `json:"status,omitempty"`
}

// Summarize derives the list-view title and snippet from a document.
// The stored title wins when present; otherwise the title comes from
// the first user message. Pure function, no I/O.
func Summarize(doc *Document) Summary {
	title := doc.Title
	if title == "" {
		title = DeriveTitle(doc.Messages)
	}
	return Summary{
		ConversationID: doc.ID,
		Title:          title,
		Snippet:        deriveSnippet(doc.Messages),
		LastMessageAt:  doc.LastMessageAt,
		Status:         doc.Status,
	}
}

// DeriveTitle returns the first non-empty line of the first user
// message, truncated for display, or DefaultTitle.
func DeriveTitle(messages []Message) string {
	for _, msg := range messages {
		if msg.Role != RoleUser {
			continue
		}
		if line := firstNonEmptyLine(msg.Text); line != "" {
			return truncateForTitle(line)
		}
	}
	return DefaultTitle
}

// deriveSnippet returns the first non-empty line of the most recent
// user or assistant message. Thinking messages never surface in lists.
func deriveSnippet(messages []Message) string {
	for i := len(messages) - 1; i >= 0; i-- {
		msg := messages[i]
		if msg.Role != RoleUser && msg.Role != RoleAssistant {
			continue
		}
		if line := firstNonEmptyLine(msg.Text); line != "" {
			return line
		}
	}
	return ""
}

func firstNonEmptyLine(s string) string {
	for line := range strings.Lines(s) {
		if trimmed := strings.TrimSpace(line); trimmed != "" {
			return trimmed
		}
	}
	return ""
}

// truncateForTitle truncates a line to TitleMaxLength runes, preferring
// a word boundary, and appends "..." when it cuts.
func truncateForTitle(line string) string {
	runes := []rune(line)
	if len(runes) <= TitleMaxLength {
		return line
	}

	truncated := string(runes[:TitleMaxLength])
	if lastSpace := strings.LastIndex(truncated, " "); lastSpace > TitleMaxLength/2 {
		truncated = truncated[:lastSpace]
	}

	return strings.TrimSpace(truncated) + "..."
}
