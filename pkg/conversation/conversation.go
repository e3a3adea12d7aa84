package conversation

import (
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

const previewLength = 100

// Conversation is the metadata record for a titled sequence of messages
// between one user and one model/provider pair. LastMessage, LastMessageAt
// and MessageCount are denormalized preview fields maintained by the engine
// whenever a turn completes.
type Conversation struct {
	ID         string     `json:"id"`
	UserID     string     `json:"userId"`
	Title      string     `json:"title"`
	ModelID    string     `json:"modelId"`
	Provider   string     `json:"provider"`
	IsPinned   bool       `json:"isPinned"`
	IsArchived bool       `json:"isArchived"`
	LastMessage   *string    `json:"lastMessage,omitempty"`
	LastMessageAt *time.Time `json:"lastMessageAt,omitempty"`
	MessageCount  int        `json:"messageCount"`
	CreatedAt     time.Time  `json:"createdAt"`
	UpdatedAt     time.Time  `json:"updatedAt"`
}

type ConversationOption func(*Conversation)

func WithConversationID(id string) ConversationOption {
	return func(c *Conversation) {
		c.ID = id
	}
}

func WithTimestamps(createdAt, updatedAt time.Time) ConversationOption {
	return func(c *Conversation) {
		c.CreatedAt = createdAt
		c.UpdatedAt = updatedAt
	}
}

// NewConversation creates a fresh conversation owned by userID.
func NewConversation(userID, title, modelID, provider string, options ...ConversationOption) *Conversation {
	now := time.Now()
	ret := &Conversation{
		ID:        uuid.NewString(),
		UserID:    userID,
		Title:     title,
		ModelID:   modelID,
		Provider:  provider,
		CreatedAt: now,
		UpdatedAt: now,
	}
	for _, option := range options {
		option(ret)
	}
	return ret
}

func (c *Conversation) Clone() *Conversation {
	ret := *c
	if c.LastMessage != nil {
		v := *c.LastMessage
		ret.LastMessage = &v
	}
	if c.LastMessageAt != nil {
		v := *c.LastMessageAt
		ret.LastMessageAt = &v
	}
	return &ret
}

// RecordExchange updates the denormalized preview fields after a completed
// user/assistant exchange. added is the number of messages appended.
func (c *Conversation) RecordExchange(preview string, at time.Time, added int) {
	p := truncatePreview(preview)
	c.LastMessage = &p
	c.LastMessageAt = &at
	c.MessageCount += added
	c.UpdatedAt = at
}

func (c *Conversation) Validate() error {
	if c.ID == "" {
		return errors.New("conversation has no id")
	}
	if c.UserID == "" {
		return errors.Errorf("conversation %s has no owner", c.ID)
	}
	if c.MessageCount < 0 {
		return errors.Errorf("conversation %s has negative message count", c.ID)
	}
	return nil
}

// SortConversations orders a list most recently updated first, the order the
// conversation list presents. The slice is sorted in place.
func SortConversations(convs []*Conversation) {
	sort.SliceStable(convs, func(i, j int) bool {
		return convs[i].UpdatedAt.After(convs[j].UpdatedAt)
	})
}

// truncatePreview shortens content to a single preview line, rune-safe.
func truncatePreview(s string) string {
	s = strings.ReplaceAll(s, "\n", " ")
	s = strings.ReplaceAll(s, "\r", "")
	runes := []rune(s)
	if len(runes) <= previewLength {
		return s
	}
	return string(runes[:previewLength-3]) + "..."
}
