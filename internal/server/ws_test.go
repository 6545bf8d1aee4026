// ABOUTME: End-to-end tests over a real websocket connection.
// ABOUTME: Registration, dispatch, room events, and report correlation.

package server

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hexalink/hexalink/internal/protocol"
	"github.com/hexalink/hexalink/internal/store"
)

func dialWS(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close(websocket.StatusNormalClosure, "test done") })
	return conn
}

func sendEvent(t *testing.T, conn *websocket.Conn, event string, payload any) {
	t.Helper()
	env, err := protocol.NewEnvelope(event, payload)
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, wsjson.Write(ctx, conn, env))
}

func readEvent(t *testing.T, conn *websocket.Conn) *protocol.Envelope {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var env protocol.Envelope
	require.NoError(t, wsjson.Read(ctx, conn, &env))
	return &env
}

func registerAgent(t *testing.T, conn *websocket.Conn, agentID, conversationID string) {
	t.Helper()
	sendEvent(t, conn, protocol.EventAgentRegistration, &protocol.Registration{
		AgentID:        agentID,
		ConversationID: conversationID,
		CreatedBy:      "operator",
		ClientInfo:     protocol.ClientInfo{Hostname: "test-host", Codename: "daring-giraffe"},
		Status:         protocol.StatusOnline,
		LastSeen:       time.Now().UTC().Format(time.RFC3339),
	})
	env := readEvent(t, conn)
	require.Equal(t, protocol.EventRegistrationSuccess, env.Event)
}

func TestWS_RegistrationPersistsAgent(t *testing.T) {
	s, st := newTestServer(t)
	ts := httptest.NewServer(s.handler())
	defer ts.Close()

	conn := dialWS(t, ts)
	registerAgent(t, conn, "agent-1", "conv-1")

	assert.True(t, s.registry.IsOnline("agent-1"))

	rec, err := st.GetAgent(context.Background(), "agent-1")
	require.NoError(t, err)
	assert.Equal(t, "conv-1", rec.ConversationID)
	assert.Equal(t, store.AgentStatusOnline, rec.Status)

	conv, err := st.GetConversation(context.Background(), "conv-1")
	require.NoError(t, err)
	assert.Equal(t, "Agent agent-1", conv.Title)
}

func TestWS_RegistrationAckCarriesFleetDefaults(t *testing.T) {
	s, _ := newTestServer(t)
	s.config.Agents.StepTimeout = 5 * time.Minute
	s.config.Agents.SingleFlight = "reject"
	ts := httptest.NewServer(s.handler())
	defer ts.Close()

	conn := dialWS(t, ts)
	sendEvent(t, conn, protocol.EventAgentRegistration, &protocol.Registration{
		AgentID:  "agent-1",
		Status:   protocol.StatusOnline,
		LastSeen: time.Now().UTC().Format(time.RFC3339),
	})

	env := readEvent(t, conn)
	require.Equal(t, protocol.EventRegistrationSuccess, env.Event)
	var ack protocol.RegistrationAck
	require.NoError(t, json.Unmarshal(env.Data, &ack))
	assert.Equal(t, "Registration successful.", ack.Message)
	assert.Equal(t, "5m0s", ack.StepTimeout)
	assert.Equal(t, "reject", ack.SingleFlight)
}

func TestWS_DisconnectMarksOffline(t *testing.T) {
	s, st := newTestServer(t)
	ts := httptest.NewServer(s.handler())
	defer ts.Close()

	conn := dialWS(t, ts)
	registerAgent(t, conn, "agent-1", "conv-1")
	require.NoError(t, conn.Close(websocket.StatusNormalClosure, "bye"))

	require.Eventually(t, func() bool {
		return !s.registry.IsOnline("agent-1")
	}, 3*time.Second, 50*time.Millisecond)

	require.Eventually(t, func() bool {
		rec, err := st.GetAgent(context.Background(), "agent-1")
		return err == nil && rec.Status == store.AgentStatusOffline
	}, 3*time.Second, 50*time.Millisecond)
}

func TestWS_SendCommandReachesAgent(t *testing.T) {
	s, _ := newTestServer(t)
	ts := httptest.NewServer(s.handler())
	defer ts.Close()

	agentConn := dialWS(t, ts)
	registerAgent(t, agentConn, "agent-1", "conv-1")

	operatorConn := dialWS(t, ts)
	sendEvent(t, operatorConn, protocol.EventSendCommand, &sendCommandPayload{
		AgentID:        "agent-1",
		ConversationID: "conv-1",
		CreatedBy:      "operator",
		Commands:       []string{"echo #{word}"},
		Inputs:         []protocol.CommandInput{{Name: "word", Value: "hello"}},
	})

	ack := readEvent(t, operatorConn)
	require.Equal(t, protocol.EventCommandSuccess, ack.Event)
	var ackPayload protocol.AckPayload
	require.NoError(t, json.Unmarshal(ack.Data, &ackPayload))
	assert.Equal(t, "Command sent successfully.", ackPayload.Message)

	delivered := readEvent(t, agentConn)
	require.Equal(t, protocol.EventExecuteCommand, delivered.Event)
	var bundle protocol.CommandBundle
	require.NoError(t, json.Unmarshal(delivered.Data, &bundle))
	assert.Equal(t, "echo hello", bundle.Commands[0])
}

func TestWS_SendCommandToUnknownAgent(t *testing.T) {
	s, _ := newTestServer(t)
	ts := httptest.NewServer(s.handler())
	defer ts.Close()

	operatorConn := dialWS(t, ts)
	sendEvent(t, operatorConn, protocol.EventSendCommand, &sendCommandPayload{
		AgentID:  "ghost",
		Commands: []string{"uptime"},
	})

	env := readEvent(t, operatorConn)
	require.Equal(t, protocol.EventCommandError, env.Event)
	var payload protocol.ErrorPayload
	require.NoError(t, json.Unmarshal(env.Data, &payload))
	assert.Equal(t, "Agent 'ghost' not connected.", payload.Error)
}

func TestWS_JoinRoomReturnsHistoryAndStreamsReports(t *testing.T) {
	s, st := newTestServer(t)
	ts := httptest.NewServer(s.handler())
	defer ts.Close()

	agentConn := dialWS(t, ts)
	registerAgent(t, agentConn, "agent-1", "conv-1")

	operatorConn := dialWS(t, ts)
	sendEvent(t, operatorConn, protocol.EventJoinRoom, &roomPayload{ConversationID: "conv-1"})

	history := readEvent(t, operatorConn)
	require.Equal(t, protocol.EventMessageHistory, history.Event)
	var historyPayload messageHistoryPayload
	require.NoError(t, json.Unmarshal(history.Data, &historyPayload))
	assert.Equal(t, 1, historyPayload.Page)
	assert.Empty(t, historyPayload.Messages)

	// Agent reports a finished bundle; the room should see the task message.
	now := time.Now().UTC()
	sendEvent(t, agentConn, protocol.EventCommandResponse, &protocol.ExecutionReport{
		AgentID:        "agent-1",
		ConversationID: "conv-1",
		AgentName:      "worker",
		Status:         protocol.StepSuccess,
		Outputs: []protocol.StepOutcome{
			{Type: protocol.StepCommand, Command: "uptime", Output: "up", Status: protocol.StepSuccess},
		},
		Priority:      "medium",
		ExecutionTime: "0.10",
		CompletedAt:   now.Format(time.RFC3339),
		CreatedAt:     now.Add(-time.Second).Format(time.RFC3339),
		CreatedBy:     "operator",
	})

	streamed := readEvent(t, operatorConn)
	require.Equal(t, protocol.EventMessageStream, streamed.Event)

	require.Eventually(t, func() bool {
		tasks, err := st.ListTasksByAgent(context.Background(), "agent-1", 10)
		return err == nil && len(tasks) == 1
	}, 3*time.Second, 50*time.Millisecond)
}

func TestWS_LoadMoreMessages(t *testing.T) {
	s, st := newTestServer(t)
	ts := httptest.NewServer(s.handler())
	defer ts.Close()

	base := time.Now().Add(-time.Hour)
	for i := 0; i < 5; i++ {
		require.NoError(t, st.SaveMessage(context.Background(), &store.Message{
			ID:             "msg-" + string(rune('a'+i)),
			ConversationID: "conv-1",
			Role:           store.RoleUser,
			Content:        "x",
			Type:           store.MessageTypeManual,
			CreatedAt:      base.Add(time.Duration(i) * time.Minute),
		}))
	}

	operatorConn := dialWS(t, ts)
	sendEvent(t, operatorConn, protocol.EventLoadMoreMessages, &loadMorePayload{
		ConversationID: "conv-1",
		Before:         base.Add(3 * time.Minute).Format(time.RFC3339Nano),
	})

	env := readEvent(t, operatorConn)
	require.Equal(t, protocol.EventMoreMessages, env.Event)
	var payload moreMessagesPayload
	require.NoError(t, json.Unmarshal(env.Data, &payload))
	assert.Len(t, payload.Messages, 3)
}
