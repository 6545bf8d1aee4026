// ABOUTME: Tests for the conversation room service.
// ABOUTME: Covers conversation bootstrap, history paging, and persist-then-broadcast.

package conversation

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hexalink/hexalink/internal/protocol"
	"github.com/hexalink/hexalink/internal/store"
)

func newTestService(t *testing.T) (*Service, *store.MockStore) {
	t.Helper()
	st := store.NewMockStore()
	b := NewBroadcaster(nil)
	t.Cleanup(b.Close)
	return NewService(st, b, nil), st
}

func TestEnsureConversation_CreatesOnFirstUse(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()

	conv, err := svc.EnsureConversation(ctx, "conv-1", "fleet ops", "operator")
	require.NoError(t, err)
	assert.Equal(t, "conv-1", conv.ID)
	assert.Equal(t, "operator", conv.CreatedBy)

	stored, err := st.GetConversation(ctx, "conv-1")
	require.NoError(t, err)
	assert.Equal(t, "fleet ops", stored.Title)
}

func TestEnsureConversation_ReturnsExisting(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()

	require.NoError(t, st.CreateConversation(ctx, &store.Conversation{
		ID:        "conv-1",
		Title:     "original title",
		CreatedBy: "someone-else",
		CreatedAt: time.Now(),
	}))

	conv, err := svc.EnsureConversation(ctx, "conv-1", "ignored title", "operator")
	require.NoError(t, err)
	assert.Equal(t, "original title", conv.Title)
	assert.Equal(t, "someone-else", conv.CreatedBy)
}

func TestHistory_PagesNewestFirst(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()

	base := time.Now().Add(-time.Hour)
	for i := 0; i < 25; i++ {
		require.NoError(t, st.SaveMessage(ctx, &store.Message{
			ID:             fmt.Sprintf("msg-%02d", i),
			ConversationID: "conv-1",
			Role:           store.RoleUser,
			Content:        fmt.Sprintf("message %d", i),
			Type:           store.MessageTypeManual,
			CreatedAt:      base.Add(time.Duration(i) * time.Minute),
		}))
	}

	page1, err := svc.History(ctx, "conv-1", 1)
	require.NoError(t, err)
	require.Len(t, page1, DefaultPageSize)
	assert.Equal(t, "msg-24", page1[0].ID, "newest message first")

	page2, err := svc.History(ctx, "conv-1", 2)
	require.NoError(t, err)
	require.Len(t, page2, 5)
	assert.Equal(t, "msg-04", page2[0].ID)

	// Page numbers below 1 clamp to the first page.
	clamped, err := svc.History(ctx, "conv-1", 0)
	require.NoError(t, err)
	assert.Equal(t, page1[0].ID, clamped[0].ID)
}

func TestHistoryBefore_ReturnsOlderMessages(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()

	base := time.Now().Add(-time.Hour)
	for i := 0; i < 10; i++ {
		require.NoError(t, st.SaveMessage(ctx, &store.Message{
			ID:             fmt.Sprintf("msg-%02d", i),
			ConversationID: "conv-1",
			Role:           store.RoleUser,
			Content:        "x",
			Type:           store.MessageTypeManual,
			CreatedAt:      base.Add(time.Duration(i) * time.Minute),
		}))
	}

	cursor := base.Add(5 * time.Minute) // msg-05's timestamp
	older, err := svc.HistoryBefore(ctx, "conv-1", cursor)
	require.NoError(t, err)
	require.Len(t, older, 5)
	for _, msg := range older {
		assert.True(t, msg.CreatedAt.Before(cursor), "message %s is not older than cursor", msg.ID)
	}
}

func TestPostMessage_PersistsThenBroadcasts(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()

	ch, _ := svc.Broadcaster().Subscribe(ctx, "conv-1")

	msg := &store.Message{
		ConversationID: "conv-1",
		Role:           store.RoleAssistant,
		Content:        "Task Executed",
		Type:           store.MessageTypeAuto,
		TaskID:         "task-1",
	}
	require.NoError(t, svc.PostMessage(ctx, msg))

	assert.NotEmpty(t, msg.ID, "missing ID should be generated")
	assert.False(t, msg.CreatedAt.IsZero(), "missing timestamp should be filled")

	msgs, err := st.ListMessagesPage(ctx, "conv-1", 1, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "Task Executed", msgs[0].Content)

	select {
	case env := <-ch:
		assert.Equal(t, protocol.EventMessageStream, env.Event)
	case <-time.After(time.Second):
		t.Fatal("room subscriber did not receive the message")
	}
}

func TestPublishStatus_ReachesRoom(t *testing.T) {
	svc, _ := newTestService(t)

	ch, _ := svc.Broadcaster().Subscribe(context.Background(), "conv-1")

	svc.PublishStatus("conv-1", "agent-1", protocol.StatusOffline, time.Now())

	select {
	case env := <-ch:
		assert.Equal(t, protocol.EventAgentStatus, env.Event)
	case <-time.After(time.Second):
		t.Fatal("room subscriber did not receive the status update")
	}
}
