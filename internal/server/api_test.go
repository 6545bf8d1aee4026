// ABOUTME: Tests for the controller REST API.
// ABOUTME: Covers the dispatch endpoint contract, agent listing, and history paging.

package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hexalink/hexalink/internal/agent"
	"github.com/hexalink/hexalink/internal/config"
	"github.com/hexalink/hexalink/internal/conversation"
	"github.com/hexalink/hexalink/internal/correlate"
	"github.com/hexalink/hexalink/internal/dedupe"
	"github.com/hexalink/hexalink/internal/dispatch"
	"github.com/hexalink/hexalink/internal/protocol"
	"github.com/hexalink/hexalink/internal/store"
)

func newTestServer(t *testing.T) (*Server, *store.MockStore) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	st := store.NewMockStore()
	registry := agent.NewRegistry(logger)
	broadcaster := conversation.NewBroadcaster(logger)
	t.Cleanup(broadcaster.Close)
	rooms := conversation.NewService(st, broadcaster, logger)
	seen := dedupe.New(5*time.Minute, 1000)
	t.Cleanup(seen.Close)

	s := &Server{
		config:     &config.Config{},
		store:      st,
		registry:   registry,
		dispatcher: dispatch.NewCoordinator(registry, logger),
		rooms:      rooms,
		correlator: correlate.New(st, rooms, seen, logger),
		seen:       seen,
		logger:     logger,
		serverID:   "test",
	}
	registry.SetStatusListener(s.onAgentStatus)
	return s, st
}

// captureSender records envelopes sent to a fake agent session.
type captureSender struct {
	envelopes []*protocol.Envelope
	err       error
}

func (c *captureSender) Send(_ context.Context, env *protocol.Envelope) error {
	if c.err != nil {
		return c.err
	}
	c.envelopes = append(c.envelopes, env)
	return nil
}

func postCommands(t *testing.T, s *Server, agentID string, body any) *httptest.ResponseRecorder {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/api/agents/"+agentID+"/commands", bytes.NewReader(data))
	rec := httptest.NewRecorder()
	s.handler().ServeHTTP(rec, req)
	return rec
}

func TestSendCommands_EmptyBundleRejected(t *testing.T) {
	s, _ := newTestServer(t)

	rec := postCommands(t, s, "agent-1", map[string]any{"commands": []string{}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Contains(t, body["error"], "no commands")
}

func TestSendCommands_AgentNotConnected(t *testing.T) {
	s, _ := newTestServer(t)

	rec := postCommands(t, s, "ghost", map[string]any{"commands": []string{"uptime"}})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSendCommands_DeliveryFailure(t *testing.T) {
	s, _ := newTestServer(t)
	s.registry.Register(agent.NewSession("sess-1", "agent-1", &captureSender{err: fmt.Errorf("broken pipe")}))

	rec := postCommands(t, s, "agent-1", map[string]any{"commands": []string{"uptime"}})
	assert.Equal(t, http.StatusBadGateway, rec.Code)
}

func TestSendCommands_DeliveredBundle(t *testing.T) {
	s, _ := newTestServer(t)
	sender := &captureSender{}
	s.registry.Register(agent.NewSession("sess-1", "agent-1", sender))

	rec := postCommands(t, s, "agent-1", map[string]any{
		"conversation_id": "conv-1",
		"created_by":      "operator",
		"metadata":        map[string]string{"priority": "high"},
		"commands":        []string{"systemctl status #{service}"},
		"inputs": []map[string]string{
			{"name": "service", "value": "nginx"},
		},
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var resp CommandAcceptedResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "success", resp.Status)
	assert.Equal(t, "Command sent", resp.Message)

	require.Len(t, sender.envelopes, 1)
	assert.Equal(t, protocol.EventExecuteCommand, sender.envelopes[0].Event)

	var bundle protocol.CommandBundle
	require.NoError(t, json.Unmarshal(sender.envelopes[0].Data, &bundle))
	assert.Equal(t, "systemctl status nginx", bundle.Commands[0])
	assert.Equal(t, "high", bundle.Priority())
	assert.Equal(t, "agent-1", bundle.AgentID, "path agent id wins over body")
}

func TestListAgents_ReflectsLiveStatus(t *testing.T) {
	s, st := newTestServer(t)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, st.UpsertAgent(ctx, &store.Agent{AgentID: "agent-online", Status: store.AgentStatusOnline, LastSeen: now, CreatedAt: now}))
	require.NoError(t, st.UpsertAgent(ctx, &store.Agent{AgentID: "agent-offline", Status: store.AgentStatusOnline, LastSeen: now, CreatedAt: now}))
	s.registry.Register(agent.NewSession("sess-1", "agent-online", &captureSender{}))

	req := httptest.NewRequest(http.MethodGet, "/api/agents", nil)
	rec := httptest.NewRecorder()
	s.handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var agents []AgentResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &agents))
	require.Len(t, agents, 2)

	statuses := map[string]string{}
	for _, a := range agents {
		statuses[a.AgentID] = a.Status
	}
	assert.Equal(t, protocol.StatusOnline, statuses["agent-online"])
	assert.Equal(t, protocol.StatusOffline, statuses["agent-offline"])
}

func TestGetAgent(t *testing.T) {
	s, st := newTestServer(t)
	now := time.Now()
	require.NoError(t, st.UpsertAgent(context.Background(), &store.Agent{
		AgentID:        "agent-1",
		ConversationID: "conv-1",
		Status:         store.AgentStatusOnline,
		LastSeen:       now,
		CreatedAt:      now,
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/agents/agent-1", nil)
	rec := httptest.NewRecorder()
	s.handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp AgentResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "conv-1", resp.ConversationID)

	req = httptest.NewRequest(http.MethodGet, "/api/agents/ghost", nil)
	rec = httptest.NewRecorder()
	s.handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestConversationMessages_Paged(t *testing.T) {
	s, st := newTestServer(t)
	ctx := context.Background()

	base := time.Now().Add(-time.Hour)
	for i := 0; i < 25; i++ {
		require.NoError(t, st.SaveMessage(ctx, &store.Message{
			ID:             fmt.Sprintf("msg-%02d", i),
			ConversationID: "conv-1",
			Role:           store.RoleUser,
			Content:        "x",
			Type:           store.MessageTypeManual,
			CreatedAt:      base.Add(time.Duration(i) * time.Minute),
		}))
	}

	req := httptest.NewRequest(http.MethodGet, "/api/conversations/conv-1/messages?page=2", nil)
	rec := httptest.NewRecorder()
	s.handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp ConversationMessagesResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 2, resp.Page)
	require.Len(t, resp.Messages, 5)
	assert.Equal(t, "msg-04", resp.Messages[0].ID)

	req = httptest.NewRequest(http.MethodGet, "/api/conversations/conv-1/messages?page=zero", nil)
	rec = httptest.NewRecorder()
	s.handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHealthEndpoints(t *testing.T) {
	s, _ := newTestServer(t)

	rec := httptest.NewRecorder()
	s.handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	s.handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}
