package memstore

import (
	"context"
	"encoding/json"
	"strings"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/converse/pkg/conversation"
	"github.com/go-go-golems/converse/pkg/store"
)

// Store is an in-memory repository. Every mutation broadcasts a full JSON
// snapshot over a watermill gochannel pubsub, one topic per user's
// conversation list and one per conversation's message list.
type Store struct {
	mu            sync.Mutex
	conversations map[string]*conversation.Conversation
	messages      map[string]map[string]*conversation.Message
	seq           int64
	pubsub        *gochannel.GoChannel
}

type Option func(*Store)

// WithLogger routes watermill's internal logging somewhere visible.
func WithLogger(logger watermill.LoggerAdapter) Option {
	return func(s *Store) {
		s.pubsub = gochannel.NewGoChannel(gochannel.Config{
			OutputChannelBuffer: 16,
		}, logger)
	}
}

func NewStore(options ...Option) *Store {
	ret := &Store{
		conversations: map[string]*conversation.Conversation{},
		messages:      map[string]map[string]*conversation.Message{},
		pubsub: gochannel.NewGoChannel(gochannel.Config{
			OutputChannelBuffer: 16,
		}, watermill.NopLogger{}),
	}
	for _, option := range options {
		option(ret)
	}
	return ret
}

var _ store.Store = (*Store)(nil)

func conversationsTopic(userID string) string {
	return "conversations." + userID
}

func messagesTopic(conversationID string) string {
	return "messages." + conversationID
}

// ---------------------------------------------------------------------------
// subscriptions

func (s *Store) SubscribeConversations(ctx context.Context, userID string) (<-chan store.ConversationsUpdate, error) {
	msgs, err := s.pubsub.Subscribe(ctx, conversationsTopic(userID))
	if err != nil {
		return nil, store.NewError(store.KindUnknown, "subscribe conversations", err)
	}

	out := make(chan store.ConversationsUpdate, 1)
	out <- store.ConversationsUpdate{Conversations: s.conversationsSnapshot(userID)}

	go func() {
		defer close(out)
		for msg := range msgs {
			var snapshot []*conversation.Conversation
			err := json.Unmarshal(msg.Payload, &snapshot)
			msg.Ack()

			upd := store.ConversationsUpdate{Conversations: snapshot}
			if err != nil {
				upd = store.ConversationsUpdate{Err: errors.Wrap(err, "decoding conversations snapshot")}
			}
			select {
			case out <- upd:
			case <-ctx.Done():
				return
			}
		}
	}()

	return out, nil
}

func (s *Store) SubscribeMessages(ctx context.Context, conversationID string) (<-chan store.MessagesUpdate, error) {
	msgs, err := s.pubsub.Subscribe(ctx, messagesTopic(conversationID))
	if err != nil {
		return nil, store.NewError(store.KindUnknown, "subscribe messages", err)
	}

	out := make(chan store.MessagesUpdate, 1)
	out <- store.MessagesUpdate{Messages: s.messagesSnapshot(conversationID)}

	go func() {
		defer close(out)
		for msg := range msgs {
			var snapshot []*conversation.Message
			err := json.Unmarshal(msg.Payload, &snapshot)
			msg.Ack()

			upd := store.MessagesUpdate{Messages: snapshot}
			if err != nil {
				upd = store.MessagesUpdate{Err: errors.Wrap(err, "decoding messages snapshot")}
			}
			select {
			case out <- upd:
			case <-ctx.Done():
				return
			}
		}
	}()

	return out, nil
}

func (s *Store) conversationsSnapshot(userID string) []*conversation.Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conversationsSnapshotLocked(userID)
}

func (s *Store) conversationsSnapshotLocked(userID string) []*conversation.Conversation {
	ret := []*conversation.Conversation{}
	for _, c := range s.conversations {
		if c.UserID == userID {
			ret = append(ret, c.Clone())
		}
	}
	conversation.SortConversations(ret)
	return ret
}

func (s *Store) messagesSnapshot(conversationID string) []*conversation.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.messagesSnapshotLocked(conversationID)
}

func (s *Store) messagesSnapshotLocked(conversationID string) []*conversation.Message {
	ret := []*conversation.Message{}
	for _, m := range s.messages[conversationID] {
		ret = append(ret, m.Clone())
	}
	conversation.SortMessages(ret)
	return ret
}

func (s *Store) publish(topic string, payload interface{}) {
	b, err := json.Marshal(payload)
	if err != nil {
		log.Warn().Err(err).Str("topic", topic).Msg("failed to marshal snapshot")
		return
	}
	if err := s.pubsub.Publish(topic, message.NewMessage(uuid.NewString(), b)); err != nil {
		log.Warn().Err(err).Str("topic", topic).Msg("failed to publish snapshot")
	}
}

func (s *Store) publishConversationsLocked(userID string) {
	s.publish(conversationsTopic(userID), s.conversationsSnapshotLocked(userID))
}

func (s *Store) publishMessagesLocked(conversationID string) {
	s.publish(messagesTopic(conversationID), s.messagesSnapshotLocked(conversationID))
}

// ---------------------------------------------------------------------------
// conversations

func (s *Store) CreateConversation(ctx context.Context, conv *conversation.Conversation) error {
	if err := conv.Validate(); err != nil {
		return store.NewError(store.KindUnknown, "create conversation", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.conversations[conv.ID] = conv.Clone()
	if _, ok := s.messages[conv.ID]; !ok {
		s.messages[conv.ID] = map[string]*conversation.Message{}
	}
	s.publishConversationsLocked(conv.UserID)
	return nil
}

func (s *Store) UpdateConversation(ctx context.Context, conv *conversation.Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.conversations[conv.ID]; !ok {
		return store.NotFoundError("update conversation", conv.ID)
	}
	s.conversations[conv.ID] = conv.Clone()
	s.publishConversationsLocked(conv.UserID)
	return nil
}

func (s *Store) DeleteConversation(ctx context.Context, conversationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.conversations[conversationID]
	if !ok {
		return store.NotFoundError("delete conversation", conversationID)
	}
	delete(s.conversations, conversationID)
	delete(s.messages, conversationID)
	s.publishConversationsLocked(conv.UserID)
	s.publishMessagesLocked(conversationID)
	return nil
}

func (s *Store) setFlag(op string, conversationID string, mutate func(*conversation.Conversation)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.conversations[conversationID]
	if !ok {
		return store.NotFoundError(op, conversationID)
	}
	mutate(conv)
	s.publishConversationsLocked(conv.UserID)
	return nil
}

func (s *Store) PinConversation(ctx context.Context, conversationID string) error {
	return s.setFlag("pin conversation", conversationID, func(c *conversation.Conversation) {
		c.IsPinned = true
	})
}

func (s *Store) UnpinConversation(ctx context.Context, conversationID string) error {
	return s.setFlag("unpin conversation", conversationID, func(c *conversation.Conversation) {
		c.IsPinned = false
	})
}

func (s *Store) ArchiveConversation(ctx context.Context, conversationID string) error {
	return s.setFlag("archive conversation", conversationID, func(c *conversation.Conversation) {
		c.IsArchived = true
	})
}

func (s *Store) UnarchiveConversation(ctx context.Context, conversationID string) error {
	return s.setFlag("unarchive conversation", conversationID, func(c *conversation.Conversation) {
		c.IsArchived = false
	})
}

func (s *Store) SearchConversations(ctx context.Context, userID string, query string) ([]*conversation.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	query = strings.ToLower(query)
	ret := []*conversation.Conversation{}
	for _, c := range s.conversationsSnapshotLocked(userID) {
		if strings.Contains(strings.ToLower(c.Title), query) {
			ret = append(ret, c)
			continue
		}
		if c.LastMessage != nil && strings.Contains(strings.ToLower(*c.LastMessage), query) {
			ret = append(ret, c)
		}
	}
	return ret, nil
}

func (s *Store) GetConversation(ctx context.Context, conversationID string) (*conversation.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.conversations[conversationID]
	if !ok {
		return nil, nil
	}
	return conv.Clone(), nil
}

// ---------------------------------------------------------------------------
// messages

func (s *Store) AddMessage(ctx context.Context, msg *conversation.Message) error {
	if err := msg.Validate(); err != nil {
		return store.NewError(store.KindUnknown, "add message", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.conversations[msg.ConversationID]; !ok {
		return store.NotFoundError("add message", msg.ConversationID)
	}

	stored := msg.Clone()
	if stored.Seq == 0 {
		s.seq++
		stored.Seq = s.seq
	}
	if s.messages[msg.ConversationID] == nil {
		s.messages[msg.ConversationID] = map[string]*conversation.Message{}
	}
	s.messages[msg.ConversationID][stored.ID] = stored
	s.publishMessagesLocked(msg.ConversationID)
	return nil
}

func (s *Store) UpdateMessage(ctx context.Context, msg *conversation.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.messages[msg.ConversationID][msg.ID]
	if !ok {
		return store.NotFoundError("update message", msg.ID)
	}

	stored := msg.Clone()
	if stored.Seq == 0 {
		stored.Seq = existing.Seq
	}
	s.messages[msg.ConversationID][msg.ID] = stored
	s.publishMessagesLocked(msg.ConversationID)
	return nil
}

func (s *Store) DeleteMessage(ctx context.Context, conversationID string, messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.messages[conversationID][messageID]; !ok {
		return store.NotFoundError("delete message", messageID)
	}
	delete(s.messages[conversationID], messageID)
	s.publishMessagesLocked(conversationID)
	return nil
}

func (s *Store) Close() error {
	return s.pubsub.Close()
}
