package conversation

import (
	"fmt"
	"strings"
	"time"
)

// Derived views are pure projections over a single snapshot, recomputed on
// every read. They never mutate their input.

// FilterPinned returns pinned conversations that are not archived. An archived
// conversation stays out of the pinned view even when its pin flag is set.
func FilterPinned(convs []*Conversation) []*Conversation {
	ret := []*Conversation{}
	for _, c := range convs {
		if c.IsPinned && !c.IsArchived {
			ret = append(ret, c)
		}
	}
	return ret
}

// FilterActive returns conversations that are neither pinned nor archived.
func FilterActive(convs []*Conversation) []*Conversation {
	ret := []*Conversation{}
	for _, c := range convs {
		if !c.IsPinned && !c.IsArchived {
			ret = append(ret, c)
		}
	}
	return ret
}

// FilterArchived returns archived conversations regardless of the pin flag.
func FilterArchived(convs []*Conversation) []*Conversation {
	ret := []*Conversation{}
	for _, c := range convs {
		if c.IsArchived {
			ret = append(ret, c)
		}
	}
	return ret
}

const shareFooter = "Shared from Converse"

func rolePrefix(role Role) string {
	switch role {
	case RoleUser:
		return "You"
	case RoleAssistant:
		return "Assistant"
	case RoleSystem:
		return "System"
	}
	return string(role)
}

// ShareableText renders a deterministic plain-text transcript: a header with
// the conversation title and model id, one prefixed block per message in
// order, then a fixed attribution footer.
func ShareableText(conv *Conversation, msgs []*Message) string {
	if conv == nil {
		return ""
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%s\n", conv.Title))
	sb.WriteString(fmt.Sprintf("Model: %s\n\n", conv.ModelID))

	for _, m := range msgs {
		sb.WriteString(fmt.Sprintf("%s: %s\n\n", rolePrefix(m.Role), m.Content))
	}

	sb.WriteString("---\n")
	sb.WriteString(shareFooter)
	sb.WriteString("\n")
	return sb.String()
}

// ExportPayload is a structured snapshot of one conversation suitable for
// serialization. ExportedAt is the projection's own call time, not a stored
// field.
type ExportPayload struct {
	Conversation *Conversation `json:"conversation" yaml:"conversation"`
	Messages     []*Message    `json:"messages" yaml:"messages"`
	MessageCount int           `json:"messageCount" yaml:"messageCount"`
	ExportedAt   time.Time     `json:"exportedAt" yaml:"exportedAt"`
}

// Export builds an ExportPayload from a snapshot. Inputs are deep-copied so
// later engine mutations cannot alter an already-produced export.
func Export(conv *Conversation, msgs []*Message, exportedAt time.Time) *ExportPayload {
	if conv == nil {
		return nil
	}
	return &ExportPayload{
		Conversation: conv.Clone(),
		Messages:     CloneMessages(msgs),
		MessageCount: len(msgs),
		ExportedAt:   exportedAt,
	}
}
