// ABOUTME: Tests for execution-report correlation.
// ABOUTME: Covers task persistence, room messages, unknown conversations, and duplicates.

package correlate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hexalink/hexalink/internal/conversation"
	"github.com/hexalink/hexalink/internal/dedupe"
	"github.com/hexalink/hexalink/internal/protocol"
	"github.com/hexalink/hexalink/internal/store"
)

func newTestCorrelator(t *testing.T) (*Correlator, *store.MockStore, *conversation.Service) {
	t.Helper()
	st := store.NewMockStore()
	b := conversation.NewBroadcaster(nil)
	t.Cleanup(b.Close)
	rooms := conversation.NewService(st, b, nil)
	seen := dedupe.New(5*time.Minute, 1000)
	t.Cleanup(seen.Close)
	return New(st, rooms, seen, nil), st, rooms
}

func sampleReport() *protocol.ExecutionReport {
	now := time.Now().UTC()
	return &protocol.ExecutionReport{
		AgentID:        "agent-1",
		ConversationID: "conv-1",
		AgentName:      "worker-1",
		Status:         protocol.StepSuccess,
		Outputs: []protocol.StepOutcome{
			{Type: protocol.StepCommand, Command: "uptime", Output: "up 3 days", Status: protocol.StepSuccess},
		},
		Priority:      "medium",
		ExecutionTime: "1.25",
		CompletedAt:   now.Format(time.RFC3339),
		CreatedAt:     now.Add(-2 * time.Second).Format(time.RFC3339),
		CreatedBy:     "operator",
	}
}

func TestHandleReport_PersistsTaskAndMessage(t *testing.T) {
	c, st, _ := newTestCorrelator(t)
	ctx := context.Background()

	require.NoError(t, st.CreateConversation(ctx, &store.Conversation{ID: "conv-1", CreatedAt: time.Now()}))

	require.NoError(t, c.HandleReport(ctx, sampleReport()))

	tasks, err := st.ListTasksByAgent(ctx, "agent-1", 10)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	task := tasks[0]
	assert.Equal(t, "conv-1", task.ConversationID)
	assert.Equal(t, store.TaskStatusSuccess, task.Status)
	assert.Equal(t, "1.25", task.ExecutionTime)
	assert.Equal(t, "operator", task.CreatedBy)

	var outcomes []protocol.StepOutcome
	require.NoError(t, json.Unmarshal(task.Outputs, &outcomes))
	require.Len(t, outcomes, 1)
	assert.Equal(t, "uptime", outcomes[0].Command)

	msgs, err := st.ListMessagesPage(ctx, "conv-1", 1, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "Task Executed", msgs[0].Content)
	assert.Equal(t, store.RoleAssistant, msgs[0].Role)
	assert.Equal(t, store.MessageTypeAuto, msgs[0].Type)
	assert.Equal(t, task.ID, msgs[0].TaskID)
}

func TestHandleReport_BroadcastsToRoom(t *testing.T) {
	c, st, rooms := newTestCorrelator(t)
	ctx := context.Background()

	require.NoError(t, st.CreateConversation(ctx, &store.Conversation{ID: "conv-1", CreatedAt: time.Now()}))
	ch, _ := rooms.Broadcaster().Subscribe(ctx, "conv-1")

	require.NoError(t, c.HandleReport(ctx, sampleReport()))

	select {
	case env := <-ch:
		assert.Equal(t, protocol.EventMessageStream, env.Event)
	case <-time.After(time.Second):
		t.Fatal("room did not receive the task message")
	}
}

func TestHandleReport_UnknownConversationDropped(t *testing.T) {
	c, st, _ := newTestCorrelator(t)
	ctx := context.Background()

	// No conversation created; the report must be dropped, not failed.
	require.NoError(t, c.HandleReport(ctx, sampleReport()))

	tasks, err := st.ListTasksByAgent(ctx, "agent-1", 10)
	require.NoError(t, err)
	assert.Empty(t, tasks)
}

func TestHandleReport_DuplicatePersistsOnce(t *testing.T) {
	c, st, _ := newTestCorrelator(t)
	ctx := context.Background()

	require.NoError(t, st.CreateConversation(ctx, &store.Conversation{ID: "conv-1", CreatedAt: time.Now()}))

	report := sampleReport()
	require.NoError(t, c.HandleReport(ctx, report))
	require.NoError(t, c.HandleReport(ctx, report))

	tasks, err := st.ListTasksByAgent(ctx, "agent-1", 10)
	require.NoError(t, err)
	assert.Len(t, tasks, 1, "redelivered report must not create a second task")

	msgs, err := st.ListMessagesPage(ctx, "conv-1", 1, 10)
	require.NoError(t, err)
	assert.Len(t, msgs, 1)
}

// flakyStore wraps a MockStore and fails a fixed number of CreateTask calls.
type flakyStore struct {
	*store.MockStore
	taskFailures int
}

func (s *flakyStore) CreateTask(ctx context.Context, task *store.Task) error {
	if s.taskFailures > 0 {
		s.taskFailures--
		return errors.New("disk full")
	}
	return s.MockStore.CreateTask(ctx, task)
}

func TestHandleReport_FailedPersistStaysRetryable(t *testing.T) {
	st := store.NewMockStore()
	flaky := &flakyStore{MockStore: st, taskFailures: 1}
	b := conversation.NewBroadcaster(nil)
	t.Cleanup(b.Close)
	rooms := conversation.NewService(st, b, nil)
	seen := dedupe.New(5*time.Minute, 1000)
	t.Cleanup(seen.Close)
	c := New(flaky, rooms, seen, nil)
	ctx := context.Background()

	require.NoError(t, st.CreateConversation(ctx, &store.Conversation{ID: "conv-1", CreatedAt: time.Now()}))

	report := sampleReport()
	require.Error(t, c.HandleReport(ctx, report))

	// The failed attempt must not poison the dedupe cache: the same report
	// delivered again goes through.
	require.NoError(t, c.HandleReport(ctx, report))

	tasks, err := st.ListTasksByAgent(ctx, "agent-1", 10)
	require.NoError(t, err)
	assert.Len(t, tasks, 1)
}

// wrappingStore wraps GetConversation errors the way a decorated store would.
type wrappingStore struct {
	*store.MockStore
}

func (s *wrappingStore) GetConversation(ctx context.Context, id string) (*store.Conversation, error) {
	conv, err := s.MockStore.GetConversation(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("conversation %s: %w", id, err)
	}
	return conv, nil
}

func TestHandleReport_WrappedNotFoundStillDropped(t *testing.T) {
	st := store.NewMockStore()
	b := conversation.NewBroadcaster(nil)
	t.Cleanup(b.Close)
	rooms := conversation.NewService(st, b, nil)
	seen := dedupe.New(5*time.Minute, 1000)
	t.Cleanup(seen.Close)
	c := New(&wrappingStore{MockStore: st}, rooms, seen, nil)
	ctx := context.Background()

	require.NoError(t, c.HandleReport(ctx, sampleReport()))

	tasks, err := st.ListTasksByAgent(ctx, "agent-1", 10)
	require.NoError(t, err)
	assert.Empty(t, tasks)
}

func TestHandleReport_DistinctReportsBothPersist(t *testing.T) {
	c, st, _ := newTestCorrelator(t)
	ctx := context.Background()

	require.NoError(t, st.CreateConversation(ctx, &store.Conversation{ID: "conv-1", CreatedAt: time.Now()}))

	first := sampleReport()
	second := sampleReport()
	second.CompletedAt = time.Now().Add(time.Minute).UTC().Format(time.RFC3339)

	require.NoError(t, c.HandleReport(ctx, first))
	require.NoError(t, c.HandleReport(ctx, second))

	tasks, err := st.ListTasksByAgent(ctx, "agent-1", 10)
	require.NoError(t, err)
	assert.Len(t, tasks, 2)
}
