package conversation

import (
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

type Role string

const (
	RoleSystem    Role = "system"
	RoleAssistant Role = "assistant"
	RoleUser      Role = "user"
)

// Status is the lifecycle state of a single message. User messages move
// sending -> sent, the paired assistant message moves generating -> completed.
// failed is reachable from any non-terminal state and carries ErrorMessage.
type Status string

const (
	StatusSending    Status = "sending"
	StatusSent       Status = "sent"
	StatusGenerating Status = "generating"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Terminal reports whether no further automatic transition exists. Leaving a
// terminal state requires an explicit regenerate, which creates a fresh
// message instead of mutating this one.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// CanTransition reports whether next is a legal successor state.
func (s Status) CanTransition(next Status) bool {
	switch s {
	case StatusSending:
		return next == StatusSent || next == StatusFailed
	case StatusSent:
		return next == StatusGenerating || next == StatusFailed
	case StatusGenerating:
		return next == StatusCompleted || next == StatusFailed
	case StatusCompleted, StatusFailed:
		return false
	}
	return false
}

// SyncState tracks whether the durable store has acknowledged a record. It is
// orthogonal to Status: a message can be failed-and-confirmed (persisted
// failure marker) or sent-and-pending (write still in flight).
type SyncState string

const (
	SyncPending   SyncState = "pending"
	SyncConfirmed SyncState = "confirmed"
)

// Message is one turn in a conversation.
type Message struct {
	ID             string `json:"id"`
	ConversationID string `json:"conversationId"`
	Role           Role   `json:"role"`
	Content        string `json:"content"`
	Status         Status `json:"status"`
	// ErrorMessage is non-empty if and only if Status == StatusFailed.
	ErrorMessage string    `json:"errorMessage,omitempty"`
	TokenCount   *int      `json:"tokenCount,omitempty"`
	IsEdited     bool      `json:"isEdited"`
	CreatedAt    time.Time `json:"createdAt"`
	// Seq breaks ordering ties between messages created in the same instant.
	Seq  int64     `json:"seq"`
	Sync SyncState `json:"-" yaml:"-"`
}

type MessageOption func(*Message)

func WithMessageID(id string) MessageOption {
	return func(m *Message) {
		m.ID = id
	}
}

func WithCreatedAt(t time.Time) MessageOption {
	return func(m *Message) {
		m.CreatedAt = t
	}
}

func WithSeq(seq int64) MessageOption {
	return func(m *Message) {
		m.Seq = seq
	}
}

func newMessage(conversationID string, role Role, content string, status Status, options ...MessageOption) *Message {
	ret := &Message{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		Role:           role,
		Content:        content,
		Status:         status,
		CreatedAt:      time.Now(),
		Sync:           SyncPending,
	}
	for _, option := range options {
		option(ret)
	}
	return ret
}

// NewUserMessage creates an optimistic user turn in the sending state.
func NewUserMessage(conversationID string, content string, options ...MessageOption) *Message {
	return newMessage(conversationID, RoleUser, content, StatusSending, options...)
}

// NewAssistantMessage creates the paired assistant turn in the generating state.
func NewAssistantMessage(conversationID string, options ...MessageOption) *Message {
	return newMessage(conversationID, RoleAssistant, "", StatusGenerating, options...)
}

// NewSystemMessage creates a system turn, already terminal.
func NewSystemMessage(conversationID string, content string, options ...MessageOption) *Message {
	return newMessage(conversationID, RoleSystem, content, StatusCompleted, options...)
}

// MarkSent confirms the optimistic write of a user message.
func (m *Message) MarkSent() {
	m.Status = StatusSent
	m.Sync = SyncConfirmed
}

// Complete finishes an assistant turn with the provider's reply.
func (m *Message) Complete(content string) {
	m.Content = content
	m.Status = StatusCompleted
	m.ErrorMessage = ""
}

// Fail moves the message into the failed state. The reason is kept verbatim
// for user display.
func (m *Message) Fail(reason string) {
	m.Status = StatusFailed
	m.ErrorMessage = reason
}

// Validate checks the structural invariants of the record.
func (m *Message) Validate() error {
	if m.ID == "" {
		return errors.New("message has no id")
	}
	if m.ConversationID == "" {
		return errors.Errorf("message %s has no conversation id", m.ID)
	}
	switch m.Role {
	case RoleUser, RoleAssistant, RoleSystem:
	default:
		return errors.Errorf("message %s has unknown role %q", m.ID, m.Role)
	}
	if (m.Status == StatusFailed) != (m.ErrorMessage != "") {
		return errors.Errorf("message %s: error message must be set iff status is failed, status is %s", m.ID, m.Status)
	}
	return nil
}

func (m *Message) Clone() *Message {
	ret := *m
	if m.TokenCount != nil {
		v := *m.TokenCount
		ret.TokenCount = &v
	}
	return &ret
}

// SortMessages orders messages by creation time, ties broken by insertion
// sequence. The slice is sorted in place.
func SortMessages(msgs []*Message) {
	sort.SliceStable(msgs, func(i, j int) bool {
		if !msgs[i].CreatedAt.Equal(msgs[j].CreatedAt) {
			return msgs[i].CreatedAt.Before(msgs[j].CreatedAt)
		}
		return msgs[i].Seq < msgs[j].Seq
	})
}

// CloneMessages deep-copies a message list.
func CloneMessages(msgs []*Message) []*Message {
	ret := make([]*Message, 0, len(msgs))
	for _, m := range msgs {
		ret = append(ret, m.Clone())
	}
	return ret
}
