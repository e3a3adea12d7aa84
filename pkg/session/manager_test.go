package session

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/converse/pkg/conversation"
	"github.com/go-go-golems/converse/pkg/inference"
	"github.com/go-go-golems/converse/pkg/store"
)

// fakeStore is a scriptable store for engine tests. It records writes and can
// be told to fail specific operations.
type fakeStore struct {
	mu       sync.Mutex
	convs    map[string]*conversation.Conversation
	messages []*conversation.Message
	deleted  []string

	addMessageErr error
	updateConvErr error
	searchErr     error

	msgCh  chan store.MessagesUpdate
	convCh chan store.ConversationsUpdate
}

func newFakeStore(convs ...*conversation.Conversation) *fakeStore {
	s := &fakeStore{
		convs:  map[string]*conversation.Conversation{},
		msgCh:  make(chan store.MessagesUpdate, 16),
		convCh: make(chan store.ConversationsUpdate, 16),
	}
	for _, c := range convs {
		s.convs[c.ID] = c.Clone()
	}
	return s
}

func (s *fakeStore) SubscribeConversations(ctx context.Context, userID string) (<-chan store.ConversationsUpdate, error) {
	ret := []*conversation.Conversation{}
	s.mu.Lock()
	for _, c := range s.convs {
		if c.UserID == userID {
			ret = append(ret, c.Clone())
		}
	}
	s.mu.Unlock()
	s.convCh <- store.ConversationsUpdate{Conversations: ret}
	return s.convCh, nil
}

func (s *fakeStore) SubscribeMessages(ctx context.Context, conversationID string) (<-chan store.MessagesUpdate, error) {
	s.msgCh <- store.MessagesUpdate{Messages: s.storedMessages()}
	return s.msgCh, nil
}

func (s *fakeStore) CreateConversation(ctx context.Context, conv *conversation.Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.convs[conv.ID] = conv.Clone()
	return nil
}

func (s *fakeStore) UpdateConversation(ctx context.Context, conv *conversation.Conversation) error {
	if s.updateConvErr != nil {
		return s.updateConvErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.convs[conv.ID] = conv.Clone()
	return nil
}

func (s *fakeStore) DeleteConversation(ctx context.Context, conversationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.convs, conversationID)
	return nil
}

func (s *fakeStore) PinConversation(ctx context.Context, conversationID string) error       { return nil }
func (s *fakeStore) UnpinConversation(ctx context.Context, conversationID string) error     { return nil }
func (s *fakeStore) ArchiveConversation(ctx context.Context, conversationID string) error   { return nil }
func (s *fakeStore) UnarchiveConversation(ctx context.Context, conversationID string) error { return nil }

func (s *fakeStore) SearchConversations(ctx context.Context, userID string, query string) ([]*conversation.Conversation, error) {
	if s.searchErr != nil {
		return nil, s.searchErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	ret := []*conversation.Conversation{}
	for _, c := range s.convs {
		if c.UserID == userID && strings.Contains(strings.ToLower(c.Title), strings.ToLower(query)) {
			ret = append(ret, c.Clone())
		}
	}
	return ret, nil
}

func (s *fakeStore) GetConversation(ctx context.Context, conversationID string) (*conversation.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.convs[conversationID]
	if !ok {
		return nil, nil
	}
	return conv.Clone(), nil
}

func (s *fakeStore) AddMessage(ctx context.Context, msg *conversation.Message) error {
	if s.addMessageErr != nil {
		return s.addMessageErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, msg.Clone())
	return nil
}

func (s *fakeStore) UpdateMessage(ctx context.Context, msg *conversation.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, m := range s.messages {
		if m.ID == msg.ID {
			s.messages[i] = msg.Clone()
			return nil
		}
	}
	return store.NotFoundError("update message", msg.ID)
}

func (s *fakeStore) DeleteMessage(ctx context.Context, conversationID string, messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, m := range s.messages {
		if m.ID == messageID {
			s.messages = append(s.messages[:i], s.messages[i+1:]...)
			s.deleted = append(s.deleted, messageID)
			return nil
		}
	}
	return store.NotFoundError("delete message", messageID)
}

func (s *fakeStore) Close() error { return nil }

func (s *fakeStore) storedMessages() []*conversation.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return conversation.CloneMessages(s.messages)
}

var _ store.Store = (*fakeStore)(nil)

// fakeEngine returns a scripted response and records the request it saw.
type fakeEngine struct {
	mu   sync.Mutex
	resp *inference.Response
	err  error
	reqs []inference.Request
}

func (e *fakeEngine) RunInference(ctx context.Context, req inference.Request) (*inference.Response, error) {
	e.mu.Lock()
	e.reqs = append(e.reqs, req)
	e.mu.Unlock()
	if e.err != nil {
		return nil, e.err
	}
	return e.resp, nil
}

func (e *fakeEngine) lastRequest() inference.Request {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.reqs[len(e.reqs)-1]
}

var _ inference.Engine = (*fakeEngine)(nil)

func loadedManager(t *testing.T, s *fakeStore, engine inference.Engine, conv *conversation.Conversation, options ...ManagerOption) *ManagerImpl {
	t.Helper()
	m := NewManager(s, engine, options...)
	t.Cleanup(func() {
		_ = m.Close()
	})

	require.NoError(t, m.Load(context.Background(), conv.ID))
	require.Eventually(t, func() bool { return !m.IsLoading() }, time.Second, time.Millisecond)
	return m
}

// ---------------------------------------------------------------------------

func TestSendMessageSuccess(t *testing.T) {
	conv := conversation.NewConversation("user-1", "t", "gpt-4", "openai")
	s := newFakeStore(conv)
	engine := &fakeEngine{resp: &inference.Response{
		Content: "hi there",
		Usage:   inference.Usage{CompletionTokens: 3},
	}}
	m := loadedManager(t, s, engine, conv)

	require.NoError(t, m.SendMessage(context.Background(), "hello"))

	msgs := m.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, conversation.RoleUser, msgs[0].Role)
	assert.Equal(t, conversation.StatusSent, msgs[0].Status)
	assert.Equal(t, "hello", msgs[0].Content)
	assert.Equal(t, conversation.RoleAssistant, msgs[1].Role)
	assert.Equal(t, conversation.StatusCompleted, msgs[1].Status)
	assert.Equal(t, "hi there", msgs[1].Content)
	require.NotNil(t, msgs[1].TokenCount)
	assert.Equal(t, 3, *msgs[1].TokenCount)

	// both turns were persisted, the user turn already as sent
	stored := s.storedMessages()
	require.Len(t, stored, 2)
	assert.Equal(t, conversation.StatusSent, stored[0].Status)
	assert.Equal(t, conversation.StatusCompleted, stored[1].Status)

	// preview fields were updated on the conversation record
	updated, err := s.GetConversation(context.Background(), conv.ID)
	require.NoError(t, err)
	require.NotNil(t, updated.LastMessage)
	assert.Equal(t, "hi there", *updated.LastMessage)
	assert.Equal(t, 2, updated.MessageCount)

	assert.False(t, m.IsSending())
}

func TestSendMessageEngineFailureKeepsUserTurn(t *testing.T) {
	conv := conversation.NewConversation("user-1", "t", "gpt-4", "openai")
	s := newFakeStore(conv)
	engine := &fakeEngine{err: errors.New("rate limited")}
	m := loadedManager(t, s, engine, conv)

	err := m.SendMessage(context.Background(), "hello")
	require.EqualError(t, err, "rate limited")

	msgs := m.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, conversation.StatusSent, msgs[0].Status)
	assert.Equal(t, conversation.StatusFailed, msgs[1].Status)
	assert.Equal(t, "rate limited", msgs[1].ErrorMessage)

	// the failed assistant turn is persisted as a terminal marker
	stored := s.storedMessages()
	require.Len(t, stored, 2)
	assert.Equal(t, conversation.StatusFailed, stored[1].Status)
	assert.Equal(t, "rate limited", stored[1].ErrorMessage)

	assert.False(t, m.IsSending())
}

func TestSendMessagePersistFailureStopsBeforeAssistant(t *testing.T) {
	conv := conversation.NewConversation("user-1", "t", "gpt-4", "openai")
	s := newFakeStore(conv)
	s.addMessageErr = errors.New("disk full")
	engine := &fakeEngine{resp: &inference.Response{Content: "unused"}}
	m := loadedManager(t, s, engine, conv)

	err := m.SendMessage(context.Background(), "hello")
	require.Error(t, err)

	// the optimistic user turn stays visible, failed, with the store's reason
	msgs := m.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, conversation.RoleUser, msgs[0].Role)
	assert.Equal(t, conversation.StatusFailed, msgs[0].Status)
	assert.Equal(t, "disk full", msgs[0].ErrorMessage)

	// no assistant turn was created and the engine was never called
	assert.Empty(t, engine.reqs)
}

func TestSendMessageExcludesNonIncludableHistory(t *testing.T) {
	conv := conversation.NewConversation("user-1", "t", "gpt-4", "openai")
	s := newFakeStore(conv)

	failed := conversation.NewAssistantMessage(conv.ID, conversation.WithSeq(1))
	failed.Fail("boom")
	s.messages = append(s.messages, failed)

	engine := &fakeEngine{resp: &inference.Response{Content: "ok"}}
	m := loadedManager(t, s, engine, conv)

	require.NoError(t, m.SendMessage(context.Background(), "hello"))

	// the failed turn stays out of the prompt
	req := engine.lastRequest()
	require.Len(t, req.Messages, 1)
	assert.Equal(t, "hello", req.Messages[0].Content)
}

func TestSendMessageRequiresLoad(t *testing.T) {
	m := NewManager(newFakeStore(), &fakeEngine{})
	err := m.SendMessage(context.Background(), "hello")
	var notLoaded *conversation.NotLoadedError
	require.ErrorAs(t, err, &notLoaded)
}

func TestLoadUnknownConversation(t *testing.T) {
	m := NewManager(newFakeStore(), &fakeEngine{})
	err := m.Load(context.Background(), "missing")
	var notFound *conversation.NotFoundError
	require.ErrorAs(t, err, &notFound)
}

func TestSendMessagePassesSettings(t *testing.T) {
	conv := conversation.NewConversation("user-1", "t", "gpt-4", "openai")
	s := newFakeStore(conv)
	engine := &fakeEngine{resp: &inference.Response{Content: "ok"}}

	temperature := 0.2
	maxTokens := 512
	settings := inference.NewSettings()
	settings.SystemPrompt = "be brief"
	settings.Temperature = &temperature
	settings.MaxTokens = &maxTokens

	m := loadedManager(t, s, engine, conv, WithSettings(settings))
	require.NoError(t, m.SendMessage(context.Background(), "hello"))

	req := engine.lastRequest()
	assert.Equal(t, "gpt-4", req.ModelID)
	assert.Equal(t, "openai", req.Provider)
	assert.Equal(t, "be brief", req.SystemPrompt)
	require.NotNil(t, req.Temperature)
	assert.Equal(t, 0.2, *req.Temperature)
	require.NotNil(t, req.MaxTokens)
	assert.Equal(t, 512, *req.MaxTokens)
}

func TestRegenerateMessage(t *testing.T) {
	conv := conversation.NewConversation("user-1", "t", "gpt-4", "openai")
	s := newFakeStore(conv)

	user := conversation.NewUserMessage(conv.ID, "question", conversation.WithSeq(1))
	user.MarkSent()
	asst := conversation.NewAssistantMessage(conv.ID, conversation.WithSeq(2))
	asst.Complete("first answer")
	s.messages = append(s.messages, user, asst)

	engine := &fakeEngine{resp: &inference.Response{Content: "second answer"}}
	m := loadedManager(t, s, engine, conv)

	require.NoError(t, m.RegenerateMessage(context.Background(), asst.ID))

	// the prompt only contains history before the regenerated message
	req := engine.lastRequest()
	require.Len(t, req.Messages, 1)
	assert.Equal(t, "question", req.Messages[0].Content)

	// the original answer is preserved, a fresh turn was appended
	msgs := m.Messages()
	require.Len(t, msgs, 3)
	assert.Equal(t, "first answer", msgs[1].Content)
	assert.Equal(t, "second answer", msgs[2].Content)
	assert.Equal(t, conversation.StatusCompleted, msgs[2].Status)
}

func TestRegenerateRejectsUserMessage(t *testing.T) {
	conv := conversation.NewConversation("user-1", "t", "gpt-4", "openai")
	s := newFakeStore(conv)
	user := conversation.NewUserMessage(conv.ID, "question", conversation.WithSeq(1))
	user.MarkSent()
	s.messages = append(s.messages, user)

	m := loadedManager(t, s, &fakeEngine{}, conv)
	require.Error(t, m.RegenerateMessage(context.Background(), user.ID))
}

func TestEditMessage(t *testing.T) {
	conv := conversation.NewConversation("user-1", "t", "gpt-4", "openai")
	s := newFakeStore(conv)
	user := conversation.NewUserMessage(conv.ID, "original", conversation.WithSeq(1))
	user.MarkSent()
	s.messages = append(s.messages, user)

	m := loadedManager(t, s, &fakeEngine{}, conv)
	require.NoError(t, m.EditMessage(context.Background(), user.ID, "edited"))

	msgs := m.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "edited", msgs[0].Content)
	assert.True(t, msgs[0].IsEdited)

	stored := s.storedMessages()
	assert.Equal(t, "edited", stored[0].Content)
	assert.True(t, stored[0].IsEdited)
}

func TestEditMessageRejectsAssistant(t *testing.T) {
	conv := conversation.NewConversation("user-1", "t", "gpt-4", "openai")
	s := newFakeStore(conv)
	asst := conversation.NewAssistantMessage(conv.ID, conversation.WithSeq(1))
	asst.Complete("answer")
	s.messages = append(s.messages, asst)

	m := loadedManager(t, s, &fakeEngine{}, conv)
	require.Error(t, m.EditMessage(context.Background(), asst.ID, "rewrite"))
}

func TestDeleteMessage(t *testing.T) {
	conv := conversation.NewConversation("user-1", "t", "gpt-4", "openai")
	s := newFakeStore(conv)
	user := conversation.NewUserMessage(conv.ID, "bye", conversation.WithSeq(1))
	user.MarkSent()
	s.messages = append(s.messages, user)

	m := loadedManager(t, s, &fakeEngine{}, conv)
	require.NoError(t, m.DeleteMessage(context.Background(), user.ID))

	assert.Empty(t, m.Messages())
	assert.Empty(t, s.storedMessages())
}

func TestClearHistory(t *testing.T) {
	conv := conversation.NewConversation("user-1", "t", "gpt-4", "openai")
	s := newFakeStore(conv)
	for i := 0; i < 3; i++ {
		msg := conversation.NewUserMessage(conv.ID, "m", conversation.WithSeq(int64(i+1)))
		msg.MarkSent()
		s.messages = append(s.messages, msg)
	}

	m := loadedManager(t, s, &fakeEngine{}, conv)
	require.NoError(t, m.ClearHistory(context.Background()))

	assert.Empty(t, m.Messages())
	assert.Empty(t, s.storedMessages())
	assert.Len(t, s.deleted, 3)
}

func TestReduceKeepsUnconfirmedLocalMessages(t *testing.T) {
	conv := conversation.NewConversation("user-1", "t", "gpt-4", "openai")
	s := newFakeStore(conv)
	m := loadedManager(t, s, &fakeEngine{}, conv)

	local := conversation.NewUserMessage(conv.ID, "optimistic", conversation.WithSeq(99))
	m.mu.Lock()
	m.messages = append(m.messages, local)
	m.mu.Unlock()

	confirmed := conversation.NewUserMessage(conv.ID, "from store", conversation.WithSeq(1))
	confirmed.MarkSent()
	s.msgCh <- store.MessagesUpdate{Messages: []*conversation.Message{confirmed}}

	require.Eventually(t, func() bool {
		return len(m.Messages()) == 2
	}, time.Second, time.Millisecond)

	msgs := m.Messages()
	assert.Equal(t, "from store", msgs[0].Content)
	assert.Equal(t, "optimistic", msgs[1].Content)
}

func TestReduceStreamErrorKeepsMessages(t *testing.T) {
	conv := conversation.NewConversation("user-1", "t", "gpt-4", "openai")
	s := newFakeStore(conv)
	user := conversation.NewUserMessage(conv.ID, "hello", conversation.WithSeq(1))
	user.MarkSent()
	s.messages = append(s.messages, user)

	m := loadedManager(t, s, &fakeEngine{}, conv)
	require.Len(t, m.Messages(), 1)

	s.msgCh <- store.MessagesUpdate{Err: errors.New("stream interrupted")}
	require.Eventually(t, func() bool {
		return m.ErrorMessage() == "stream interrupted"
	}, time.Second, time.Millisecond)

	// the last good snapshot stays visible
	assert.Len(t, m.Messages(), 1)
}

func TestShareableTextAndExport(t *testing.T) {
	conv := conversation.NewConversation("user-1", "Trip", "gpt-4", "openai")
	s := newFakeStore(conv)
	engine := &fakeEngine{resp: &inference.Response{Content: "go south"}}
	m := loadedManager(t, s, engine, conv)

	require.NoError(t, m.SendMessage(context.Background(), "where to?"))

	text := m.ShareableText()
	assert.Contains(t, text, "Trip")
	assert.Contains(t, text, "You: where to?")
	assert.Contains(t, text, "Assistant: go south")

	payload := m.ExportableData()
	require.NotNil(t, payload)
	assert.Equal(t, 2, payload.MessageCount)
	assert.Equal(t, conv.ID, payload.Conversation.ID)
	assert.False(t, payload.ExportedAt.IsZero())
}

func TestExportableDataWithoutLoad(t *testing.T) {
	m := NewManager(newFakeStore(), &fakeEngine{})
	assert.Nil(t, m.ExportableData())
	assert.Equal(t, "", m.ShareableText())
}
