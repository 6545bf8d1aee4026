// ABOUTME: REST API handlers for agents, dispatch, and conversation history.
// ABOUTME: Provides /api/agents and /api/conversations routes for external clients.

package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/hexalink/hexalink/internal/conversation"
	"github.com/hexalink/hexalink/internal/dispatch"
	"github.com/hexalink/hexalink/internal/store"
)

// AgentResponse is the JSON shape of one agent for the REST API.
type AgentResponse struct {
	AgentID        string          `json:"agent_id"`
	ConversationID string          `json:"conversation_id,omitempty"`
	CreatedBy      string          `json:"created_by,omitempty"`
	ClientInfo     json.RawMessage `json:"client_info,omitempty"`
	Status         string          `json:"status"`
	LastSeen       string          `json:"last_seen"`
	CreatedAt      string          `json:"created_at"`
}

// CommandAcceptedResponse is the JSON response for a delivered bundle.
type CommandAcceptedResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

// ConversationMessagesResponse is the JSON response for message history.
type ConversationMessagesResponse struct {
	ConversationID string                      `json:"conversation_id"`
	Page           int                         `json:"page"`
	Messages       []*conversation.MessageView `json:"messages"`
}

// handleListAgents handles GET /api/agents. Live connection state comes
// from the registry; the store rows supply everything else.
func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	agents, err := s.store.ListAgents(r.Context())
	if err != nil {
		s.sendJSONError(w, http.StatusInternalServerError, "failed to list agents")
		return
	}

	response := make([]AgentResponse, 0, len(agents))
	for _, a := range agents {
		response = append(response, s.agentResponse(a))
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}

// handleAgentRoutes dispatches /api/agents/{id} and /api/agents/{id}/commands.
func (s *Server) handleAgentRoutes(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/agents/")
	parts := strings.Split(strings.Trim(rest, "/"), "/")

	switch {
	case len(parts) == 1 && parts[0] != "":
		s.handleGetAgent(w, r, parts[0])
	case len(parts) == 2 && parts[1] == "commands":
		s.handleSendCommands(w, r, parts[0])
	default:
		s.sendJSONError(w, http.StatusNotFound, "not found")
	}
}

func (s *Server) handleGetAgent(w http.ResponseWriter, r *http.Request, agentID string) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	rec, err := s.store.GetAgent(r.Context(), agentID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.sendJSONError(w, http.StatusNotFound, "agent not found")
			return
		}
		s.sendJSONError(w, http.StatusInternalServerError, "failed to load agent")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s.agentResponse(rec))
}

// handleSendCommands handles POST /api/agents/{id}/commands. Validation
// mirrors the websocket path: empty bundles are rejected before connection
// state is checked, and 200 means delivered, not executed.
func (s *Server) handleSendCommands(w http.ResponseWriter, r *http.Request, agentID string) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var payload sendCommandPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		s.sendJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	payload.AgentID = agentID

	if err := s.dispatcher.Dispatch(r.Context(), payload.toRequest()); err != nil {
		switch {
		case errors.Is(err, dispatch.ErrNoCommands):
			s.sendJSONError(w, http.StatusBadRequest, "no commands provided")
		case errors.Is(err, dispatch.ErrAgentNotConnected):
			s.sendJSONError(w, http.StatusNotFound, fmt.Sprintf("agent '%s' not connected", agentID))
		case errors.Is(err, dispatch.ErrDeliveryFailed):
			s.sendJSONError(w, http.StatusBadGateway, "failed to deliver command to agent")
		default:
			s.sendJSONError(w, http.StatusInternalServerError, "dispatch failed")
		}
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(CommandAcceptedResponse{
		Status:  "success",
		Message: "Command sent",
	})
}

// handleConversationRoutes handles GET /api/conversations/{id}/messages.
func (s *Server) handleConversationRoutes(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/conversations/")
	parts := strings.Split(strings.Trim(rest, "/"), "/")
	if len(parts) != 2 || parts[1] != "messages" {
		s.sendJSONError(w, http.StatusNotFound, "not found")
		return
	}
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	conversationID := parts[0]

	page := 1
	if raw := r.URL.Query().Get("page"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			s.sendJSONError(w, http.StatusBadRequest, "invalid page")
			return
		}
		page = parsed
	}

	msgs, err := s.rooms.History(r.Context(), conversationID, page)
	if err != nil {
		s.sendJSONError(w, http.StatusInternalServerError, "failed to load messages")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(ConversationMessagesResponse{
		ConversationID: conversationID,
		Page:           page,
		Messages:       conversation.MessagePayloads(msgs),
	})
}

func (s *Server) agentResponse(a *store.Agent) AgentResponse {
	return AgentResponse{
		AgentID:        a.AgentID,
		ConversationID: a.ConversationID,
		CreatedBy:      a.CreatedBy,
		ClientInfo:     a.ClientInfo,
		Status:         statusOf(s.registry.IsOnline(a.AgentID)),
		LastSeen:       a.LastSeen.UTC().Format(time.RFC3339),
		CreatedAt:      a.CreatedAt.UTC().Format(time.RFC3339),
	}
}

// sendJSONError writes a JSON error response.
func (s *Server) sendJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
