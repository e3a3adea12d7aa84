package session

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/converse/pkg/conversation"
	"github.com/go-go-golems/converse/pkg/store"
)

func startedListManager(t *testing.T, s *fakeStore, userID string) *ListManagerImpl {
	t.Helper()
	m := NewListManager(s, userID)
	t.Cleanup(func() {
		_ = m.Close()
	})
	require.NoError(t, m.Start(context.Background()))
	return m
}

func TestListManagerLoadsSnapshot(t *testing.T) {
	conv := conversation.NewConversation("user-1", "Trip", "gpt-4", "openai")
	s := newFakeStore(conv)

	m := startedListManager(t, s, "user-1")
	require.Eventually(t, func() bool { return !m.IsLoading() }, time.Second, time.Millisecond)

	convs := m.Conversations()
	require.Len(t, convs, 1)
	assert.Equal(t, "Trip", convs[0].Title)
	assert.Empty(t, m.ErrorMessage())
}

func TestListManagerWithoutUserStaysLoading(t *testing.T) {
	m := startedListManager(t, newFakeStore(), "")
	assert.True(t, m.IsLoading())
	assert.Empty(t, m.Conversations())
}

func TestListManagerDerivedViews(t *testing.T) {
	pinned := conversation.NewConversation("user-1", "pinned", "m", "p")
	pinned.IsPinned = true
	archived := conversation.NewConversation("user-1", "archived", "m", "p")
	archived.IsArchived = true
	both := conversation.NewConversation("user-1", "both", "m", "p")
	both.IsPinned = true
	both.IsArchived = true
	plain := conversation.NewConversation("user-1", "plain", "m", "p")

	s := newFakeStore(pinned, archived, both, plain)
	m := startedListManager(t, s, "user-1")
	require.Eventually(t, func() bool { return !m.IsLoading() }, time.Second, time.Millisecond)

	requireTitles := func(convs []*conversation.Conversation, want ...string) {
		t.Helper()
		got := []string{}
		for _, c := range convs {
			got = append(got, c.Title)
		}
		assert.ElementsMatch(t, want, got)
	}

	requireTitles(m.PinnedConversations(), "pinned")
	requireTitles(m.ActiveConversations(), "plain")
	requireTitles(m.ArchivedConversations(), "archived", "both")
}

func TestListManagerStreamErrorRetainsList(t *testing.T) {
	conv := conversation.NewConversation("user-1", "Trip", "gpt-4", "openai")
	s := newFakeStore(conv)

	m := startedListManager(t, s, "user-1")
	require.Eventually(t, func() bool { return !m.IsLoading() }, time.Second, time.Millisecond)
	require.Len(t, m.Conversations(), 1)

	s.convCh <- store.ConversationsUpdate{Err: errors.New("stream interrupted")}
	require.Eventually(t, func() bool {
		return m.ErrorMessage() == "stream interrupted"
	}, time.Second, time.Millisecond)

	// the previous snapshot stays visible behind the error
	assert.Len(t, m.Conversations(), 1)
}

func TestListManagerSnapshotReplacesList(t *testing.T) {
	conv := conversation.NewConversation("user-1", "Trip", "gpt-4", "openai")
	s := newFakeStore(conv)

	m := startedListManager(t, s, "user-1")
	require.Eventually(t, func() bool { return !m.IsLoading() }, time.Second, time.Millisecond)

	other := conversation.NewConversation("user-1", "Replacement", "gpt-4", "openai")
	s.convCh <- store.ConversationsUpdate{Conversations: []*conversation.Conversation{other}}

	require.Eventually(t, func() bool {
		convs := m.Conversations()
		return len(convs) == 1 && convs[0].Title == "Replacement"
	}, time.Second, time.Millisecond)
}

func TestCreateConversation(t *testing.T) {
	s := newFakeStore()
	m := startedListManager(t, s, "user-1")

	conv, err := m.CreateConversation(context.Background(), "New Chat", "gpt-4", "openai")
	require.NoError(t, err)
	require.NotNil(t, conv)
	assert.Equal(t, "user-1", conv.UserID)
	assert.Equal(t, "New Chat", conv.Title)

	stored, err := s.GetConversation(context.Background(), conv.ID)
	require.NoError(t, err)
	require.NotNil(t, stored)
}

func TestCreateConversationRequiresUser(t *testing.T) {
	m := startedListManager(t, newFakeStore(), "")
	_, err := m.CreateConversation(context.Background(), "t", "m", "p")
	var missing *conversation.MissingUserError
	require.ErrorAs(t, err, &missing)
}

func TestSearchConversations(t *testing.T) {
	trip := conversation.NewConversation("user-1", "Trip planning", "m", "p")
	other := conversation.NewConversation("user-1", "Groceries", "m", "p")
	foreign := conversation.NewConversation("user-2", "Trip too", "m", "p")
	s := newFakeStore(trip, other, foreign)

	m := startedListManager(t, s, "user-1")
	ret := m.SearchConversations(context.Background(), "trip")
	require.Len(t, ret, 1)
	assert.Equal(t, "Trip planning", ret[0].Title)
}

func TestSearchConversationsSwallowsErrors(t *testing.T) {
	s := newFakeStore(conversation.NewConversation("user-1", "Trip", "m", "p"))
	s.searchErr = errors.New("index offline")

	m := startedListManager(t, s, "user-1")
	ret := m.SearchConversations(context.Background(), "trip")
	assert.Empty(t, ret)
}

func TestSearchConversationsWithoutUser(t *testing.T) {
	m := startedListManager(t, newFakeStore(), "")
	assert.Empty(t, m.SearchConversations(context.Background(), "anything"))
}

func TestUpdateConversationTitle(t *testing.T) {
	conv := conversation.NewConversation("user-1", "Old", "m", "p")
	s := newFakeStore(conv)

	m := startedListManager(t, s, "user-1")
	require.NoError(t, m.UpdateConversationTitle(context.Background(), conv.ID, "New"))

	stored, err := s.GetConversation(context.Background(), conv.ID)
	require.NoError(t, err)
	assert.Equal(t, "New", stored.Title)
	assert.True(t, stored.UpdatedAt.After(conv.UpdatedAt) || stored.UpdatedAt.Equal(conv.UpdatedAt))
}

func TestUpdateConversationTitleNotFound(t *testing.T) {
	m := startedListManager(t, newFakeStore(), "user-1")
	err := m.UpdateConversationTitle(context.Background(), "missing", "New")
	var notFound *conversation.NotFoundError
	require.ErrorAs(t, err, &notFound)
}
