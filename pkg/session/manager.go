package session

// Package session hosts the two engines behind a chat screen: Manager drives
// one open conversation (send/receive state machine, edits, regeneration,
// exports) and ListManager drives the conversation list (create, search,
// pin/archive, rename). One engine instance is constructed per open screen,
// with its store and completion port passed in; instances never share mutable
// state and reconcile with each other only through the store's change streams.

import (
	"context"

	"github.com/go-go-golems/converse/pkg/conversation"
)

// Manager is the engine for a single open conversation.
//
// All mutating operations are optimistic: local state changes first, the
// store write follows, and a failure converts the optimistic record into an
// explicit failed marker instead of rolling it back.
type Manager interface {
	// Load fetches the conversation and subscribes to its message stream.
	Load(ctx context.Context, conversationID string) error

	Conversation() *conversation.Conversation
	Messages() []*conversation.Message
	IsSending() bool
	IsLoading() bool
	ErrorMessage() string

	// SendMessage appends a user turn, persists it, and drives the paired
	// assistant turn through the completion port. A user-side persistence
	// failure stops before any assistant turn is created; an assistant-side
	// failure leaves the user turn intact and the assistant turn failed.
	SendMessage(ctx context.Context, content string) error
	// RegenerateMessage creates a fresh assistant turn from the history before
	// the given assistant message. The original terminal message is preserved.
	RegenerateMessage(ctx context.Context, messageID string) error
	EditMessage(ctx context.Context, messageID string, content string) error
	DeleteMessage(ctx context.Context, messageID string) error
	// ClearHistory deletes every message, failing fast on the first error. The
	// conversation record itself is kept.
	ClearHistory(ctx context.Context) error

	ShareableText() string
	ExportableData() *conversation.ExportPayload

	Close() error
}

// ListManager is the engine for one user's conversation list.
type ListManager interface {
	// Start subscribes to the user's conversation stream. Without a bound
	// user it does nothing and the list stays in its loading state.
	Start(ctx context.Context) error

	Conversations() []*conversation.Conversation
	PinnedConversations() []*conversation.Conversation
	ActiveConversations() []*conversation.Conversation
	ArchivedConversations() []*conversation.Conversation
	IsLoading() bool
	ErrorMessage() string

	CreateConversation(ctx context.Context, title, modelID, provider string) (*conversation.Conversation, error)
	// SearchConversations is best-effort: store failures and a missing user
	// both yield an empty result, never an error.
	SearchConversations(ctx context.Context, query string) []*conversation.Conversation
	UpdateConversationTitle(ctx context.Context, conversationID string, title string) error
	PinConversation(ctx context.Context, conversationID string) error
	UnpinConversation(ctx context.Context, conversationID string) error
	ArchiveConversation(ctx context.Context, conversationID string) error
	UnarchiveConversation(ctx context.Context, conversationID string) error
	DeleteConversation(ctx context.Context, conversationID string) error

	Close() error
}
