package session

import (
	"context"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/converse/pkg/conversation"
	"github.com/go-go-golems/converse/pkg/events"
	"github.com/go-go-golems/converse/pkg/inference"
	"github.com/go-go-golems/converse/pkg/store"
)

// ManagerImpl is the conversation engine. Local state is a cache of the
// store's message stream plus optimistic records whose writes have not been
// acknowledged yet; the stream is the single reconciliation source for
// everything already confirmed.
type ManagerImpl struct {
	store     store.Store
	engine    inference.Engine
	settings  *inference.Settings
	publisher *events.PublisherManager

	mu        sync.Mutex
	conv      *conversation.Conversation
	messages  []*conversation.Message
	isSending bool
	isLoading bool
	errMsg    string
	seq       int64

	cancel context.CancelFunc
	done   chan struct{}
}

var _ Manager = (*ManagerImpl)(nil)

type ManagerOption func(*ManagerImpl)

// WithSettings sets the pass-through generation configuration.
func WithSettings(settings *inference.Settings) ManagerOption {
	return func(m *ManagerImpl) {
		m.settings = settings
	}
}

// WithPublisher registers a watermill publisher for engine events on topic.
func WithPublisher(topic string, pub message.Publisher) ManagerOption {
	return func(m *ManagerImpl) {
		m.publisher.SubscribePublisher(topic, pub)
	}
}

func NewManager(s store.Store, engine inference.Engine, options ...ManagerOption) *ManagerImpl {
	ret := &ManagerImpl{
		store:     s,
		engine:    engine,
		settings:  inference.NewSettings(),
		publisher: events.NewPublisherManager(),
	}
	for _, option := range options {
		option(ret)
	}
	return ret
}

func (m *ManagerImpl) Load(ctx context.Context, conversationID string) error {
	conv, err := m.store.GetConversation(ctx, conversationID)
	if err != nil {
		return errors.Wrap(err, "loading conversation")
	}
	if conv == nil {
		return &conversation.NotFoundError{ID: conversationID}
	}

	// The subscription outlives Load's ctx; it is torn down by Close.
	subCtx, cancel := context.WithCancel(context.Background())
	ch, err := m.store.SubscribeMessages(subCtx, conversationID)
	if err != nil {
		cancel()
		return errors.Wrap(err, "subscribing to messages")
	}

	m.mu.Lock()
	if m.cancel != nil {
		m.cancel()
	}
	m.conv = conv
	m.messages = []*conversation.Message{}
	m.isLoading = true
	m.errMsg = ""
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

	log.Debug().Str("conversation_id", conversationID).Msg("conversation loaded")
	return nil
}

// reduce folds one stream emission into local state. Confirmed records are
// always taken from the snapshot; optimistic records whose write has not been
// acknowledged survive until their own terminal path resolves them.
func (m *ManagerImpl) reduce(upd store.MessagesUpdate) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if upd.Err != nil {
		m.errMsg = upd.Err.Error()
		m.isLoading = false
		log.Warn().Err(upd.Err).Msg("message stream error")
		return
	}

	seen := map[string]bool{}
	next := make([]*conversation.Message, 0, len(upd.Messages))
	for _, msg := range upd.Messages {
		msg.Sync = conversation.SyncConfirmed
		next = append(next, msg)
		seen[msg.ID] = true
		if msg.Seq > m.seq {
			m.seq = msg.Seq
		}
	}
	for _, msg := range m.messages {
		if !seen[msg.ID] && msg.Sync != conversation.SyncConfirmed {
			next = append(next, msg)
		}
	}
	conversation.SortMessages(next)

	m.messages = next
	m.errMsg = ""
	m.isLoading = false
}

// ---------------------------------------------------------------------------
// accessors

func (m *ManagerImpl) Conversation() *conversation.Conversation {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conv == nil {
		return nil
	}
	return m.conv.Clone()
}

func (m *ManagerImpl) Messages() []*conversation.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return conversation.CloneMessages(m.messages)
}

func (m *ManagerImpl) IsSending() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.isSending
}

func (m *ManagerImpl) IsLoading() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.isLoading
}

func (m *ManagerImpl) ErrorMessage() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.errMsg
}

// ---------------------------------------------------------------------------
// send protocol

func (m *ManagerImpl) SendMessage(ctx context.Context, content string) error {
	m.mu.Lock()
	if m.conv == nil {
		m.mu.Unlock()
		return &conversation.NotLoadedError{}
	}
	conv := m.conv
	m.seq++
	userMsg := conversation.NewUserMessage(conv.ID, content, conversation.WithSeq(m.seq))
	m.messages = append(m.messages, userMsg)
	m.isSending = true
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		m.isSending = false
		m.mu.Unlock()
	}()

	m.publisher.PublishBlind(
		events.NewEvent(events.EventTypeSendStarted, conv.ID).WithMessageID(userMsg.ID))

	// The stored record carries the confirmed status, so a snapshot can never
	// regress a sent message back to sending; the optimistic copy transitions
	// once the write acks.
	persisted := userMsg.Clone()
	persisted.Status = conversation.StatusSent
	if err := m.store.AddMessage(ctx, persisted); err != nil {
		m.mu.Lock()
		userMsg.Fail(err.Error())
		m.mu.Unlock()
		m.publisher.PublishBlind(
			events.NewEvent(events.EventTypeSendFailed, conv.ID).WithMessageID(userMsg.ID).WithError(err))
		return errors.Wrap(err, "persisting user message")
	}

	m.mu.Lock()
	userMsg.MarkSent()
	m.seq++
	asst := conversation.NewAssistantMessage(conv.ID, conversation.WithSeq(m.seq))
	m.messages = append(m.messages, asst)
	req := m.requestLocked(m.messages)
	m.mu.Unlock()

	m.publisher.PublishBlind(
		events.NewEvent(events.EventTypeMessageAdded, conv.ID).WithMessageID(asst.ID))

	return m.generate(ctx, asst, req, 2)
}

func (m *ManagerImpl) RegenerateMessage(ctx context.Context, messageID string) error {
	m.mu.Lock()
	if m.conv == nil {
		m.mu.Unlock()
		return &conversation.NotLoadedError{}
	}
	conv := m.conv
	src := m.findLocked(messageID)
	if src == nil {
		m.mu.Unlock()
		return &conversation.NotFoundError{ID: messageID}
	}
	if src.Role != conversation.RoleAssistant {
		m.mu.Unlock()
		return errors.Errorf("message %s is not an assistant message", messageID)
	}

	// History is everything ordered before the message being regenerated.
	var history []*conversation.Message
	for _, msg := range m.messages {
		if msg.ID == messageID {
			break
		}
		history = append(history, msg)
	}
	req := m.requestLocked(history)

	m.seq++
	asst := conversation.NewAssistantMessage(conv.ID, conversation.WithSeq(m.seq))
	m.messages = append(m.messages, asst)
	m.isSending = true
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		m.isSending = false
		m.mu.Unlock()
	}()

	m.publisher.PublishBlind(
		events.NewEvent(events.EventTypeMessageAdded, conv.ID).WithMessageID(asst.ID))

	return m.generate(ctx, asst, req, 1)
}

// requestLocked maps the includable history into a completion request.
// Messages still generating and failed ones stay out of the prompt.
func (m *ManagerImpl) requestLocked(msgs []*conversation.Message) inference.Request {
	history := make([]inference.Message, 0, len(msgs))
	for _, msg := range msgs {
		if msg.Status == conversation.StatusGenerating || msg.Status == conversation.StatusFailed {
			continue
		}
		history = append(history, inference.Message{
			Role:    string(msg.Role),
			Content: msg.Content,
		})
	}

	req := inference.Request{
		ModelID:  m.conv.ModelID,
		Provider: m.conv.Provider,
		Messages: history,
	}
	if m.settings != nil {
		req.SystemPrompt = m.settings.SystemPrompt
		req.Temperature = m.settings.Temperature
		req.MaxTokens = m.settings.MaxTokens
	}
	return req
}

// generate runs the completion port for an assistant turn already appended in
// the generating state, then persists the terminal outcome. added is how many
// messages the whole exchange appended, for the conversation's preview fields.
func (m *ManagerImpl) generate(ctx context.Context, asst *conversation.Message, req inference.Request, added int) error {
	resp, err := m.engine.RunInference(ctx, req)
	if err != nil {
		return m.failGeneration(ctx, asst, err)
	}

	content := resp.Content
	tokens := resp.Usage.CompletionTokens
	if tokens == 0 {
		tokens = inference.CountTokens(req.ModelID, content)
	}

	m.mu.Lock()
	asst.Complete(content)
	asst.TokenCount = &tokens
	persisted := asst.Clone()
	conv := m.conv.Clone()
	m.mu.Unlock()

	if err := m.store.AddMessage(ctx, persisted); err != nil {
		return errors.Wrap(err, "persisting assistant message")
	}
	m.mu.Lock()
	asst.Sync = conversation.SyncConfirmed
	m.mu.Unlock()

	conv.RecordExchange(content, time.Now(), added)
	if err := m.store.UpdateConversation(ctx, conv); err != nil {
		return errors.Wrap(err, "updating conversation preview")
	}
	m.mu.Lock()
	m.conv = conv
	m.mu.Unlock()

	m.publisher.PublishBlind(
		events.NewEvent(events.EventTypeSendCompleted, conv.ID).WithMessageID(asst.ID))
	return nil
}

// failGeneration marks the assistant turn failed with the provider's message
// verbatim, persists that terminal state, and rethrows. The user turn is left
// untouched: partial success is expected, never rolled back.
func (m *ManagerImpl) failGeneration(ctx context.Context, asst *conversation.Message, genErr error) error {
	m.mu.Lock()
	asst.Fail(genErr.Error())
	persisted := asst.Clone()
	conversationID := asst.ConversationID
	m.mu.Unlock()

	if err := m.store.AddMessage(ctx, persisted); err != nil {
		log.Warn().Err(err).
			Str("message_id", asst.ID).
			Msg("failed to persist failed assistant message")
	} else {
		m.mu.Lock()
		asst.Sync = conversation.SyncConfirmed
		m.mu.Unlock()
	}

	m.publisher.PublishBlind(
		events.NewEvent(events.EventTypeSendFailed, conversationID).WithMessageID(asst.ID).WithError(genErr))
	return genErr
}

// ---------------------------------------------------------------------------
// edits and deletions

func (m *ManagerImpl) findLocked(messageID string) *conversation.Message {
	for _, msg := range m.messages {
		if msg.ID == messageID {
			return msg
		}
	}
	return nil
}

func (m *ManagerImpl) EditMessage(ctx context.Context, messageID string, content string) error {
	m.mu.Lock()
	if m.conv == nil {
		m.mu.Unlock()
		return &conversation.NotLoadedError{}
	}
	msg := m.findLocked(messageID)
	if msg == nil {
		m.mu.Unlock()
		return &conversation.NotFoundError{ID: messageID}
	}
	if msg.Role != conversation.RoleUser {
		m.mu.Unlock()
		return errors.Errorf("message %s is not a user message", messageID)
	}

	msg.Content = content
	msg.IsEdited = true
	persisted := msg.Clone()
	conversationID := m.conv.ID
	m.mu.Unlock()

	if err := m.store.UpdateMessage(ctx, persisted); err != nil {
		// the optimistic edit stays visible; the stream reconciles eventually
		return errors.Wrap(err, "persisting edit")
	}

	m.publisher.PublishBlind(
		events.NewEvent(events.EventTypeMessageUpdated, conversationID).WithMessageID(messageID))
	return nil
}

func (m *ManagerImpl) removeLocked(messageID string) {
	next := m.messages[:0]
	for _, msg := range m.messages {
		if msg.ID != messageID {
			next = append(next, msg)
		}
	}
	m.messages = next
}

func (m *ManagerImpl) DeleteMessage(ctx context.Context, messageID string) error {
	m.mu.Lock()
	if m.conv == nil {
		m.mu.Unlock()
		return &conversation.NotLoadedError{}
	}
	msg := m.findLocked(messageID)
	if msg == nil {
		m.mu.Unlock()
		return &conversation.NotFoundError{ID: messageID}
	}
	m.removeLocked(messageID)
	conversationID := m.conv.ID
	m.mu.Unlock()

	if err := m.store.DeleteMessage(ctx, conversationID, messageID); err != nil {
		return errors.Wrap(err, "deleting message")
	}

	m.publisher.PublishBlind(
		events.NewEvent(events.EventTypeMessageDeleted, conversationID).WithMessageID(messageID))
	return nil
}

func (m *ManagerImpl) ClearHistory(ctx context.Context) error {
	m.mu.Lock()
	if m.conv == nil {
		m.mu.Unlock()
		return &conversation.NotLoadedError{}
	}
	conversationID := m.conv.ID
	type target struct {
		id        string
		confirmed bool
	}
	targets := make([]target, 0, len(m.messages))
	for _, msg := range m.messages {
		targets = append(targets, target{id: msg.ID, confirmed: msg.Sync == conversation.SyncConfirmed})
	}
	m.mu.Unlock()

	for _, t := range targets {
		// local-only records were never persisted, nothing to delete remotely
		if t.confirmed {
			if err := m.store.DeleteMessage(ctx, conversationID, t.id); err != nil {
				return errors.Wrapf(err, "clearing history at message %s", t.id)
			}
		}
		m.mu.Lock()
		m.removeLocked(t.id)
		m.mu.Unlock()
	}
	return nil
}

// ---------------------------------------------------------------------------
// projections

func (m *ManagerImpl) ShareableText() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return conversation.ShareableText(m.conv, m.messages)
}

func (m *ManagerImpl) ExportableData() *conversation.ExportPayload {
	m.mu.Lock()
	defer m.mu.Unlock()
	return conversation.Export(m.conv, m.messages, time.Now())
}

func (m *ManagerImpl) Close() error {
	m.mu.Lock()
	cancel := m.cancel
	m.cancel = nil
	m.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return nil
}
