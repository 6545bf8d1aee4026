// ABOUTME: Websocket endpoint shared by endpoint agents and operator clients.
// ABOUTME: Routes envelope events: registration, reports, dispatch, and room traffic.

package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"

	"github.com/hexalink/hexalink/internal/agent"
	"github.com/hexalink/hexalink/internal/conversation"
	"github.com/hexalink/hexalink/internal/dispatch"
	"github.com/hexalink/hexalink/internal/protocol"
	"github.com/hexalink/hexalink/internal/store"
)

// wsClient wraps one websocket connection. Writes are serialized because
// room forwarders and event replies share the connection. It doubles as the
// envelope sender for agent sessions.
type wsClient struct {
	mu   sync.Mutex
	conn *websocket.Conn

	subsMu sync.Mutex
	subs   map[string]context.CancelFunc // conversationID -> room forwarder cancel
}

func newWSClient(conn *websocket.Conn) *wsClient {
	return &wsClient{
		conn: conn,
		subs: make(map[string]context.CancelFunc),
	}
}

// Send writes one envelope to the connection.
func (c *wsClient) Send(ctx context.Context, env *protocol.Envelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return wsjson.Write(ctx, c.conn, env)
}

// leaveAll cancels every room forwarder this client holds.
func (c *wsClient) leaveAll() {
	c.subsMu.Lock()
	defer c.subsMu.Unlock()
	for id, cancel := range c.subs {
		cancel()
		delete(c.subs, id)
	}
}

// handleWS upgrades the connection and serves its envelope loop. The same
// endpoint carries both agents and operator clients; the events they send
// tell them apart.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket accept failed", "error", err)
		return
	}

	client := newWSClient(conn)
	sessionID := uuid.New().String()
	logger := s.logger.With("session_id", sessionID)
	logger.Debug("connection opened", "remote", r.RemoteAddr)

	defer func() {
		client.leaveAll()
		if agentID, ok := s.registry.Unregister(sessionID); ok {
			logger.Info("agent disconnected", "agent_id", agentID)
		}
		_ = conn.Close(websocket.StatusNormalClosure, "bye")
		logger.Debug("connection closed")
	}()

	for {
		var env protocol.Envelope
		if err := wsjson.Read(r.Context(), conn, &env); err != nil {
			return
		}
		s.routeEvent(r.Context(), client, sessionID, &env, logger)
	}
}

func (s *Server) routeEvent(ctx context.Context, client *wsClient, sessionID string, env *protocol.Envelope, logger *slog.Logger) {
	switch env.Event {
	case protocol.EventAgentRegistration:
		s.handleRegistration(ctx, client, sessionID, env.Data, logger)
	case protocol.EventCommandResponse:
		s.handleCommandResponse(env.Data, logger)
	case protocol.EventSendCommand:
		s.handleSendCommand(ctx, client, env.Data, logger)
	case protocol.EventJoinRoom:
		s.handleJoinRoom(ctx, client, env.Data, logger)
	case protocol.EventLeaveRoom:
		s.handleLeaveRoom(client, env.Data, logger)
	case protocol.EventLoadMoreMessages:
		s.handleLoadMore(ctx, client, env.Data, logger)
	default:
		logger.Debug("unhandled event", "event", env.Event)
	}
}

// handleRegistration binds the session to its agent ID, persists the agent
// row, and acknowledges. Re-registration for an already bound agent ID wins
// over the old session.
func (s *Server) handleRegistration(ctx context.Context, client *wsClient, sessionID string, data json.RawMessage, logger *slog.Logger) {
	var reg protocol.Registration
	if err := json.Unmarshal(data, &reg); err != nil {
		logger.Error("malformed registration dropped", "error", err)
		return
	}
	if reg.AgentID == "" {
		logger.Warn("registration without agent_id dropped")
		return
	}

	if reg.ConversationID != "" {
		title := "Agent " + reg.AgentID
		if _, err := s.rooms.EnsureConversation(ctx, reg.ConversationID, title, reg.CreatedBy); err != nil {
			logger.Error("conversation bootstrap failed", "conversation_id", reg.ConversationID, "error", err)
			return
		}
	}

	clientInfo, err := json.Marshal(reg.ClientInfo)
	if err != nil {
		logger.Error("encoding client info failed", "error", err)
		return
	}

	now := time.Now()
	rec := &store.Agent{
		AgentID:        reg.AgentID,
		ConversationID: reg.ConversationID,
		CreatedBy:      reg.CreatedBy,
		ClientInfo:     clientInfo,
		Status:         store.AgentStatusOnline,
		LastSeen:       now,
		CreatedAt:      now,
	}
	if err := s.store.UpsertAgent(ctx, rec); err != nil {
		logger.Error("persisting agent failed", "agent_id", reg.AgentID, "error", err)
		return
	}

	s.registry.Register(agent.NewSession(sessionID, reg.AgentID, client))

	ack := &protocol.RegistrationAck{
		Message:      "Registration successful.",
		SingleFlight: s.config.Agents.SingleFlight,
	}
	if s.config.Agents.StepTimeout > 0 {
		ack.StepTimeout = s.config.Agents.StepTimeout.String()
	}
	s.reply(ctx, client, protocol.EventRegistrationSuccess, ack, logger)
	logger.Info("agent registered",
		"agent_id", reg.AgentID,
		"conversation_id", reg.ConversationID,
		"hostname", reg.ClientInfo.Hostname,
	)
}

// handleCommandResponse feeds an execution report to the correlator. The
// report is persisted on its own context so a dropping connection cannot
// abort the write mid-flight.
func (s *Server) handleCommandResponse(data json.RawMessage, logger *slog.Logger) {
	var report protocol.ExecutionReport
	if err := json.Unmarshal(data, &report); err != nil {
		logger.Error("malformed execution report dropped", "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.correlator.HandleReport(ctx, &report); err != nil {
		logger.Error("report correlation failed", "agent_id", report.AgentID, "error", err)
	}
}

// sendCommandPayload is the send_command request body.
type sendCommandPayload struct {
	AgentID        string                  `json:"agent_id"`
	ConversationID string                  `json:"conversation_id"`
	CreatedBy      string                  `json:"created_by"`
	Metadata       protocol.BundleMetadata `json:"metadata"`
	Preconditions  []protocol.Precondition `json:"preconditions"`
	Commands       []string                `json:"commands"`
	Cleanups       []string                `json:"cleanups"`
	Inputs         []protocol.CommandInput `json:"inputs"`
}

func (p *sendCommandPayload) toRequest() *dispatch.Request {
	return &dispatch.Request{
		AgentID:        p.AgentID,
		ConversationID: p.ConversationID,
		CreatedBy:      p.CreatedBy,
		Priority:       p.Metadata.Priority,
		Preconditions:  p.Preconditions,
		Commands:       p.Commands,
		Cleanups:       p.Cleanups,
		Inputs:         p.Inputs,
	}
}

// handleSendCommand dispatches a bundle on behalf of an operator client.
// The command_success ack confirms delivery to the agent, nothing more.
func (s *Server) handleSendCommand(ctx context.Context, client *wsClient, data json.RawMessage, logger *slog.Logger) {
	var payload sendCommandPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		s.replyError(ctx, client, "Invalid send_command payload.", logger)
		return
	}

	if err := s.dispatcher.Dispatch(ctx, payload.toRequest()); err != nil {
		s.replyError(ctx, client, dispatchErrorMessage(err, payload.AgentID), logger)
		return
	}

	s.reply(ctx, client, protocol.EventCommandSuccess,
		&protocol.AckPayload{Message: "Command sent successfully."}, logger)
}

// dispatchErrorMessage maps dispatch failures to operator-facing messages.
func dispatchErrorMessage(err error, agentID string) string {
	switch {
	case errors.Is(err, dispatch.ErrNoCommands):
		return "No commands provided."
	case errors.Is(err, dispatch.ErrAgentNotConnected):
		return fmt.Sprintf("Agent '%s' not connected.", agentID)
	default:
		return "Failed to deliver command."
	}
}

// roomPayload addresses a conversation room.
type roomPayload struct {
	ConversationID string `json:"conversation_id"`
	Page           int    `json:"page,omitempty"`
}

// loadMorePayload asks for history older than the cursor.
type loadMorePayload struct {
	ConversationID string `json:"conversation_id"`
	Before         string `json:"last_created_at"`
}

// messageHistoryPayload answers join_room.
type messageHistoryPayload struct {
	Page     int                         `json:"page"`
	Messages []*conversation.MessageView `json:"messages"`
}

// moreMessagesPayload answers load_more_messages.
type moreMessagesPayload struct {
	Messages []*conversation.MessageView `json:"messages"`
}

// handleJoinRoom subscribes the client to a conversation room and replies
// with the first page of history, newest first. Joining an already joined
// room just resends the history page.
func (s *Server) handleJoinRoom(ctx context.Context, client *wsClient, data json.RawMessage, logger *slog.Logger) {
	var payload roomPayload
	if err := json.Unmarshal(data, &payload); err != nil || payload.ConversationID == "" {
		s.replyError(ctx, client, "Invalid join_room payload.", logger)
		return
	}
	page := payload.Page
	if page < 1 {
		page = 1
	}

	msgs, err := s.rooms.History(ctx, payload.ConversationID, page)
	if err != nil {
		s.replyError(ctx, client, "Failed to load message history.", logger)
		return
	}

	client.subsMu.Lock()
	if _, joined := client.subs[payload.ConversationID]; !joined {
		roomCtx, cancel := context.WithCancel(context.Background())
		client.subs[payload.ConversationID] = cancel
		ch, _ := s.rooms.Broadcaster().Subscribe(roomCtx, payload.ConversationID)
		go s.forwardRoomEvents(roomCtx, client, ch, logger)
	}
	client.subsMu.Unlock()

	s.reply(ctx, client, protocol.EventMessageHistory, &messageHistoryPayload{
		Page:     page,
		Messages: conversation.MessagePayloads(msgs),
	}, logger)
}

// forwardRoomEvents copies room envelopes onto the client connection until
// the subscription is cancelled or the channel closes.
func (s *Server) forwardRoomEvents(ctx context.Context, client *wsClient, ch <-chan *protocol.Envelope, logger *slog.Logger) {
	for env := range ch {
		if err := client.Send(ctx, env); err != nil {
			logger.Debug("room forward failed, dropping subscriber", "error", err)
			return
		}
	}
}

func (s *Server) handleLeaveRoom(client *wsClient, data json.RawMessage, logger *slog.Logger) {
	var payload roomPayload
	if err := json.Unmarshal(data, &payload); err != nil || payload.ConversationID == "" {
		return
	}

	client.subsMu.Lock()
	if cancel, ok := client.subs[payload.ConversationID]; ok {
		cancel()
		delete(client.subs, payload.ConversationID)
	}
	client.subsMu.Unlock()
	logger.Debug("room left", "conversation_id", payload.ConversationID)
}

func (s *Server) handleLoadMore(ctx context.Context, client *wsClient, data json.RawMessage, logger *slog.Logger) {
	var payload loadMorePayload
	if err := json.Unmarshal(data, &payload); err != nil || payload.ConversationID == "" {
		s.replyError(ctx, client, "Invalid load_more_messages payload.", logger)
		return
	}

	before, err := time.Parse(time.RFC3339Nano, payload.Before)
	if err != nil {
		s.replyError(ctx, client, "Invalid cursor timestamp.", logger)
		return
	}

	msgs, err := s.rooms.HistoryBefore(ctx, payload.ConversationID, before)
	if err != nil {
		s.replyError(ctx, client, "Failed to load older messages.", logger)
		return
	}

	s.reply(ctx, client, protocol.EventMoreMessages, &moreMessagesPayload{
		Messages: conversation.MessagePayloads(msgs),
	}, logger)
}

func (s *Server) reply(ctx context.Context, client *wsClient, event string, payload any, logger *slog.Logger) {
	env, err := protocol.NewEnvelope(event, payload)
	if err != nil {
		logger.Error("encoding reply failed", "event", event, "error", err)
		return
	}
	if err := client.Send(ctx, env); err != nil {
		logger.Debug("reply send failed", "event", event, "error", err)
	}
}

func (s *Server) replyError(ctx context.Context, client *wsClient, message string, logger *slog.Logger) {
	s.reply(ctx, client, protocol.EventCommandError, &protocol.ErrorPayload{Error: message}, logger)
}
