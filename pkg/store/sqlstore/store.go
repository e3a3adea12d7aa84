package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"

	"github.com/go-go-golems/converse/pkg/conversation"
	"github.com/go-go-golems/converse/pkg/store"
)

// Store is a durable repository on sqlite. Change notification works the same
// way as in memstore: every mutation re-queries the affected snapshot and
// broadcasts it over a watermill gochannel pubsub.
type Store struct {
	db *sql.DB
	// serializes writers; sqlite allows a single writer at a time anyway
	mu     sync.Mutex
	pubsub *gochannel.GoChannel
}

// NewStore opens (and if needed creates) the database at dsn. A plain file
// path works: "converse.db" or ":memory:".
func NewStore(dsn string) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "opening sqlite database")
	}

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "enabling foreign keys")
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "applying schema")
	}

	return &Store{
		db: db,
		pubsub: gochannel.NewGoChannel(gochannel.Config{
			OutputChannelBuffer: 16,
		}, watermill.NopLogger{}),
	}, nil
}

var _ store.Store = (*Store)(nil)

func conversationsTopic(userID string) string {
	return "conversations." + userID
}

func messagesTopic(conversationID string) string {
	return "messages." + conversationID
}

// ---------------------------------------------------------------------------
// row mapping

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanConversation(row rowScanner) (*conversation.Conversation, error) {
	var c conversation.Conversation
	var lastMessage sql.NullString
	var lastMessageAt sql.NullString
	var createdAt, updatedAt string

	err := row.Scan(
		&c.ID, &c.UserID, &c.Title, &c.ModelID, &c.Provider,
		&c.IsPinned, &c.IsArchived,
		&lastMessage, &lastMessageAt, &c.MessageCount,
		&createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	if lastMessage.Valid {
		c.LastMessage = &lastMessage.String
	}
	if lastMessageAt.Valid {
		t := parseTime(lastMessageAt.String)
		c.LastMessageAt = &t
	}
	c.CreatedAt = parseTime(createdAt)
	c.UpdatedAt = parseTime(updatedAt)
	return &c, nil
}

func scanMessage(row rowScanner) (*conversation.Message, error) {
	var m conversation.Message
	var errorMessage sql.NullString
	var tokenCount sql.NullInt64
	var createdAt string

	err := row.Scan(
		&m.ID, &m.ConversationID, &m.Seq, &m.Role, &m.Content, &m.Status,
		&errorMessage, &tokenCount, &m.IsEdited, &createdAt,
	)
	if err != nil {
		return nil, err
	}

	if errorMessage.Valid {
		m.ErrorMessage = errorMessage.String
	}
	if tokenCount.Valid {
		v := int(tokenCount.Int64)
		m.TokenCount = &v
	}
	m.CreatedAt = parseTime(createdAt)
	m.Sync = conversation.SyncConfirmed
	return &m, nil
}

const conversationColumns = `id, user_id, title, model_id, provider, is_pinned, is_archived,
	last_message, last_message_at, message_count, created_at, updated_at`

const messageColumns = `id, conversation_id, seq, role, content, status,
	error_message, token_count, is_edited, created_at`

// ---------------------------------------------------------------------------
// snapshots and publishing

func (s *Store) conversationsSnapshot(ctx context.Context, userID string) ([]*conversation.Conversation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+conversationColumns+` FROM conversations WHERE user_id = ? ORDER BY updated_at DESC`,
		userID)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = rows.Close()
	}()

	ret := []*conversation.Conversation{}
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		ret = append(ret, c)
	}
	return ret, rows.Err()
}

func (s *Store) messagesSnapshot(ctx context.Context, conversationID string) ([]*conversation.Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE conversation_id = ? ORDER BY created_at, seq`,
		conversationID)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = rows.Close()
	}()

	ret := []*conversation.Message{}
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		ret = append(ret, m)
	}
	return ret, rows.Err()
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

func (s *Store) publishConversations(ctx context.Context, userID string) {
	snapshot, err := s.conversationsSnapshot(ctx, userID)
	if err != nil {
		log.Warn().Err(err).Str("user_id", userID).Msg("failed to build conversations snapshot")
		return
	}
	s.publish(conversationsTopic(userID), snapshot)
}

func (s *Store) publishMessages(ctx context.Context, conversationID string) {
	snapshot, err := s.messagesSnapshot(ctx, conversationID)
	if err != nil {
		log.Warn().Err(err).Str("conversation_id", conversationID).Msg("failed to build messages snapshot")
		return
	}
	s.publish(messagesTopic(conversationID), snapshot)
}

// ---------------------------------------------------------------------------
// subscriptions

func (s *Store) SubscribeConversations(ctx context.Context, userID string) (<-chan store.ConversationsUpdate, error) {
	msgs, err := s.pubsub.Subscribe(ctx, conversationsTopic(userID))
	if err != nil {
		return nil, store.NewError(store.KindUnknown, "subscribe conversations", err)
	}

	out := make(chan store.ConversationsUpdate, 1)
	if snapshot, err := s.conversationsSnapshot(ctx, userID); err != nil {
		out <- store.ConversationsUpdate{Err: err}
	} else {
		out <- store.ConversationsUpdate{Conversations: snapshot}
	}

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
	if snapshot, err := s.messagesSnapshot(ctx, conversationID); err != nil {
		out <- store.MessagesUpdate{Err: err}
	} else {
		out <- store.MessagesUpdate{Messages: snapshot}
	}

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

// ---------------------------------------------------------------------------
// conversations

func (s *Store) CreateConversation(ctx context.Context, conv *conversation.Conversation) error {
	if err := conv.Validate(); err != nil {
		return store.NewError(store.KindUnknown, "create conversation", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var lastMessage sql.NullString
	if conv.LastMessage != nil {
		lastMessage = sql.NullString{String: *conv.LastMessage, Valid: true}
	}
	var lastMessageAt sql.NullString
	if conv.LastMessageAt != nil {
		lastMessageAt = sql.NullString{String: formatTime(*conv.LastMessageAt), Valid: true}
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO conversations (`+conversationColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		conv.ID, conv.UserID, conv.Title, conv.ModelID, conv.Provider,
		conv.IsPinned, conv.IsArchived,
		lastMessage, lastMessageAt, conv.MessageCount,
		formatTime(conv.CreatedAt), formatTime(conv.UpdatedAt),
	)
	if err != nil {
		return store.NewError(store.KindUnknown, "create conversation", err)
	}

	s.publishConversations(ctx, conv.UserID)
	return nil
}

func (s *Store) UpdateConversation(ctx context.Context, conv *conversation.Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var lastMessage sql.NullString
	if conv.LastMessage != nil {
		lastMessage = sql.NullString{String: *conv.LastMessage, Valid: true}
	}
	var lastMessageAt sql.NullString
	if conv.LastMessageAt != nil {
		lastMessageAt = sql.NullString{String: formatTime(*conv.LastMessageAt), Valid: true}
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET user_id = ?, title = ?, model_id = ?, provider = ?,
			is_pinned = ?, is_archived = ?, last_message = ?, last_message_at = ?,
			message_count = ?, created_at = ?, updated_at = ?
		WHERE id = ?`,
		conv.UserID, conv.Title, conv.ModelID, conv.Provider,
		conv.IsPinned, conv.IsArchived, lastMessage, lastMessageAt,
		conv.MessageCount, formatTime(conv.CreatedAt), formatTime(conv.UpdatedAt),
		conv.ID,
	)
	if err != nil {
		return store.NewError(store.KindUnknown, "update conversation", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.NotFoundError("update conversation", conv.ID)
	}

	s.publishConversations(ctx, conv.UserID)
	return nil
}

func (s *Store) ownerOf(ctx context.Context, conversationID string) (string, error) {
	var userID string
	err := s.db.QueryRowContext(ctx,
		`SELECT user_id FROM conversations WHERE id = ?`, conversationID).Scan(&userID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", store.NotFoundError("get conversation", conversationID)
	}
	return userID, err
}

func (s *Store) DeleteConversation(ctx context.Context, conversationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	userID, err := s.ownerOf(ctx, conversationID)
	if err != nil {
		return err
	}

	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM conversations WHERE id = ?`, conversationID); err != nil {
		return store.NewError(store.KindUnknown, "delete conversation", err)
	}

	s.publishConversations(ctx, userID)
	s.publishMessages(ctx, conversationID)
	return nil
}

func (s *Store) setFlag(ctx context.Context, op string, conversationID string, column string, value bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	userID, err := s.ownerOf(ctx, conversationID)
	if err != nil {
		return err
	}

	// column comes from a fixed call site, never user input
	if _, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET `+column+` = ? WHERE id = ?`, value, conversationID); err != nil {
		return store.NewError(store.KindUnknown, op, err)
	}

	s.publishConversations(ctx, userID)
	return nil
}

func (s *Store) PinConversation(ctx context.Context, conversationID string) error {
	return s.setFlag(ctx, "pin conversation", conversationID, "is_pinned", true)
}

func (s *Store) UnpinConversation(ctx context.Context, conversationID string) error {
	return s.setFlag(ctx, "unpin conversation", conversationID, "is_pinned", false)
}

func (s *Store) ArchiveConversation(ctx context.Context, conversationID string) error {
	return s.setFlag(ctx, "archive conversation", conversationID, "is_archived", true)
}

func (s *Store) UnarchiveConversation(ctx context.Context, conversationID string) error {
	return s.setFlag(ctx, "unarchive conversation", conversationID, "is_archived", false)
}

func (s *Store) SearchConversations(ctx context.Context, userID string, query string) ([]*conversation.Conversation, error) {
	pattern := "%" + strings.ToLower(query) + "%"
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+conversationColumns+` FROM conversations
		WHERE user_id = ?
			AND (lower(title) LIKE ? OR lower(coalesce(last_message, '')) LIKE ?)
		ORDER BY updated_at DESC`,
		userID, pattern, pattern)
	if err != nil {
		return nil, store.NewError(store.KindUnknown, "search conversations", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	ret := []*conversation.Conversation{}
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, store.NewError(store.KindUnknown, "search conversations", err)
		}
		ret = append(ret, c)
	}
	return ret, rows.Err()
}

func (s *Store) GetConversation(ctx context.Context, conversationID string) (*conversation.Conversation, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+conversationColumns+` FROM conversations WHERE id = ?`, conversationID)
	c, err := scanConversation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, store.NewError(store.KindUnknown, "get conversation", err)
	}
	return c, nil
}

// ---------------------------------------------------------------------------
// messages

func (s *Store) AddMessage(ctx context.Context, msg *conversation.Message) error {
	if err := msg.Validate(); err != nil {
		return store.NewError(store.KindUnknown, "add message", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.ownerOf(ctx, msg.ConversationID); err != nil {
		return store.NotFoundError("add message", msg.ConversationID)
	}

	seq := msg.Seq
	if seq == 0 {
		err := s.db.QueryRowContext(ctx,
			`SELECT coalesce(max(seq), 0) + 1 FROM messages WHERE conversation_id = ?`,
			msg.ConversationID).Scan(&seq)
		if err != nil {
			return store.NewError(store.KindUnknown, "add message", err)
		}
	}

	var errorMessage sql.NullString
	if msg.ErrorMessage != "" {
		errorMessage = sql.NullString{String: msg.ErrorMessage, Valid: true}
	}
	var tokenCount sql.NullInt64
	if msg.TokenCount != nil {
		tokenCount = sql.NullInt64{Int64: int64(*msg.TokenCount), Valid: true}
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (`+messageColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.ConversationID, seq, msg.Role, msg.Content, msg.Status,
		errorMessage, tokenCount, msg.IsEdited, formatTime(msg.CreatedAt),
	)
	if err != nil {
		return store.NewError(store.KindUnknown, "add message", err)
	}

	s.publishMessages(ctx, msg.ConversationID)
	return nil
}

func (s *Store) UpdateMessage(ctx context.Context, msg *conversation.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var errorMessage sql.NullString
	if msg.ErrorMessage != "" {
		errorMessage = sql.NullString{String: msg.ErrorMessage, Valid: true}
	}
	var tokenCount sql.NullInt64
	if msg.TokenCount != nil {
		tokenCount = sql.NullInt64{Int64: int64(*msg.TokenCount), Valid: true}
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE messages SET role = ?, content = ?, status = ?, error_message = ?,
			token_count = ?, is_edited = ?
		WHERE id = ? AND conversation_id = ?`,
		msg.Role, msg.Content, msg.Status, errorMessage,
		tokenCount, msg.IsEdited,
		msg.ID, msg.ConversationID,
	)
	if err != nil {
		return store.NewError(store.KindUnknown, "update message", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.NotFoundError("update message", msg.ID)
	}

	s.publishMessages(ctx, msg.ConversationID)
	return nil
}

func (s *Store) DeleteMessage(ctx context.Context, conversationID string, messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx,
		`DELETE FROM messages WHERE id = ? AND conversation_id = ?`, messageID, conversationID)
	if err != nil {
		return store.NewError(store.KindUnknown, "delete message", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.NotFoundError("delete message", messageID)
	}

	s.publishMessages(ctx, conversationID)
	return nil
}

func (s *Store) Close() error {
	if err := s.pubsub.Close(); err != nil {
		log.Warn().Err(err).Msg("failed to close pubsub")
	}
	return s.db.Close()
}
