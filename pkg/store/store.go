package store

import (
	"context"

	"github.com/go-go-golems/converse/pkg/conversation"
)

// ConversationsUpdate is one emission on a conversation-list subscription.
// Either Conversations holds a full snapshot, or Err reports a stream error.
// Streams emit snapshots, not deltas.
type ConversationsUpdate struct {
	Conversations []*conversation.Conversation
	Err           error
}

// MessagesUpdate is one emission on a message-list subscription.
type MessagesUpdate struct {
	Messages []*conversation.Message
	Err      error
}

// Store is the persistence and subscription port the engines depend on. All
// writes are request/response with success-or-error semantics. Subscriptions
// are long-lived and multi-subscriber safe; each channel closes when the
// subscription context is cancelled or the store is closed.
type Store interface {
	SubscribeConversations(ctx context.Context, userID string) (<-chan ConversationsUpdate, error)
	SubscribeMessages(ctx context.Context, conversationID string) (<-chan MessagesUpdate, error)

	CreateConversation(ctx context.Context, conv *conversation.Conversation) error
	UpdateConversation(ctx context.Context, conv *conversation.Conversation) error
	// DeleteConversation cascades to the conversation's messages.
	DeleteConversation(ctx context.Context, conversationID string) error
	PinConversation(ctx context.Context, conversationID string) error
	UnpinConversation(ctx context.Context, conversationID string) error
	ArchiveConversation(ctx context.Context, conversationID string) error
	UnarchiveConversation(ctx context.Context, conversationID string) error
	SearchConversations(ctx context.Context, userID string, query string) ([]*conversation.Conversation, error)
	// GetConversation returns (nil, nil) when no conversation has that id.
	GetConversation(ctx context.Context, conversationID string) (*conversation.Conversation, error)

	AddMessage(ctx context.Context, msg *conversation.Message) error
	UpdateMessage(ctx context.Context, msg *conversation.Message) error
	DeleteMessage(ctx context.Context, conversationID string, messageID string) error

	Close() error
}
