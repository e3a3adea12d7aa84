package session

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/converse/pkg/conversation"
	"github.com/go-go-golems/converse/pkg/store"
)

// ListManagerImpl is the conversation-list engine for one user. The list
// itself only ever changes through the store's stream; local operations write
// to the store and wait for the snapshot to come back.
type ListManagerImpl struct {
	store  store.Store
	userID string

	mu            sync.Mutex
	conversations []*conversation.Conversation
	isLoading     bool
	errMsg        string

	cancel context.CancelFunc
	done   chan struct{}
}

var _ ListManager = (*ListManagerImpl)(nil)

// NewListManager builds a list engine. userID may be empty, in which case the
// engine stays loading and never touches the store until recreated with a
// real user.
func NewListManager(s store.Store, userID string) *ListManagerImpl {
	return &ListManagerImpl{
		store:     s,
		userID:    userID,
		isLoading: true,
	}
}

func (m *ListManagerImpl) Start(ctx context.Context) error {
	if m.userID == "" {
		log.Debug().Msg("no user bound, conversation list stays loading")
		return nil
	}

	subCtx, cancel := context.WithCancel(context.Background())
	ch, err := m.store.SubscribeConversations(subCtx, m.userID)
	if err != nil {
		cancel()
		return errors.Wrap(err, "subscribing to conversations")
	}

	m.mu.Lock()
	if m.cancel != nil {
		m.cancel()
	}
	m.cancel = cancel
	m.mu.Unlock()

	done := make(chan struct{})
	m.done = done
	go func() {
		defer close(done)
		for upd := range ch {
			m.reduce(upd)
		}
	}()

	return nil
}

// reduce folds one stream emission into the list. A snapshot replaces the
// list wholesale and clears any error; a stream error records the message but
// keeps the previous snapshot visible.
func (m *ListManagerImpl) reduce(upd store.ConversationsUpdate) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if upd.Err != nil {
		m.errMsg = upd.Err.Error()
		m.isLoading = false
		log.Warn().Err(upd.Err).Str("user_id", m.userID).Msg("conversation stream error")
		return
	}

	m.conversations = upd.Conversations
	m.errMsg = ""
	m.isLoading = false
}

// ---------------------------------------------------------------------------
// accessors and derived views

func (m *ListManagerImpl) snapshot() []*conversation.Conversation {
	m.mu.Lock()
	defer m.mu.Unlock()
	ret := make([]*conversation.Conversation, 0, len(m.conversations))
	for _, c := range m.conversations {
		ret = append(ret, c.Clone())
	}
	return ret
}

func (m *ListManagerImpl) Conversations() []*conversation.Conversation {
	return m.snapshot()
}

func (m *ListManagerImpl) PinnedConversations() []*conversation.Conversation {
	return conversation.FilterPinned(m.snapshot())
}

func (m *ListManagerImpl) ActiveConversations() []*conversation.Conversation {
	return conversation.FilterActive(m.snapshot())
}

func (m *ListManagerImpl) ArchivedConversations() []*conversation.Conversation {
	return conversation.FilterArchived(m.snapshot())
}

func (m *ListManagerImpl) IsLoading() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.isLoading
}

func (m *ListManagerImpl) ErrorMessage() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.errMsg
}

// ---------------------------------------------------------------------------
// operations

func (m *ListManagerImpl) CreateConversation(ctx context.Context, title, modelID, provider string) (*conversation.Conversation, error) {
	if m.userID == "" {
		return nil, &conversation.MissingUserError{}
	}

	conv := conversation.NewConversation(m.userID, title, modelID, provider)
	if err := m.store.CreateConversation(ctx, conv); err != nil {
		return nil, errors.Wrap(err, "creating conversation")
	}

	log.Debug().Str("conversation_id", conv.ID).Str("title", title).Msg("conversation created")
	return conv, nil
}

func (m *ListManagerImpl) SearchConversations(ctx context.Context, query string) []*conversation.Conversation {
	if m.userID == "" {
		return []*conversation.Conversation{}
	}

	ret, err := m.store.SearchConversations(ctx, m.userID, query)
	if err != nil {
		// search is best-effort, a failure degrades to no results
		log.Warn().Err(err).Str("query", query).Msg("conversation search failed")
		return []*conversation.Conversation{}
	}
	return ret
}

func (m *ListManagerImpl) UpdateConversationTitle(ctx context.Context, conversationID string, title string) error {
	conv, err := m.store.GetConversation(ctx, conversationID)
	if err != nil {
		return errors.Wrap(err, "fetching conversation")
	}
	if conv == nil {
		return &conversation.NotFoundError{ID: conversationID}
	}

	conv = conv.Clone()
	conv.Title = title
	conv.UpdatedAt = time.Now()
	return m.store.UpdateConversation(ctx, conv)
}

func (m *ListManagerImpl) PinConversation(ctx context.Context, conversationID string) error {
	return m.store.PinConversation(ctx, conversationID)
}

func (m *ListManagerImpl) UnpinConversation(ctx context.Context, conversationID string) error {
	return m.store.UnpinConversation(ctx, conversationID)
}

func (m *ListManagerImpl) ArchiveConversation(ctx context.Context, conversationID string) error {
	return m.store.ArchiveConversation(ctx, conversationID)
}

func (m *ListManagerImpl) UnarchiveConversation(ctx context.Context, conversationID string) error {
	return m.store.UnarchiveConversation(ctx, conversationID)
}

func (m *ListManagerImpl) DeleteConversation(ctx context.Context, conversationID string) error {
	return m.store.DeleteConversation(ctx, conversationID)
}

func (m *ListManagerImpl) Close() error {
	m.mu.Lock()
	cancel := m.cancel
	m.cancel = nil
	m.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return nil
}
