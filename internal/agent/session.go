// ABOUTME: Transport session binding for a connected agent.
// ABOUTME: Wraps an envelope sender with the session identity assigned at accept time.

package agent

import (
	"context"

	"github.com/hexalink/hexalink/internal/protocol"
)

// EnvelopeSender delivers envelopes over one live transport connection.
// Implementations must be safe for concurrent use.
type EnvelopeSender interface {
	Send(ctx context.Context, env *protocol.Envelope) error
}

// Session binds an agent identity to one live transport connection. The
// session ID is minted by the transport layer at accept time and changes on
// every reconnect; the agent ID is stable across reconnects.
type Session struct {
	ID      string
	AgentID string
	sender  EnvelopeSender
}

// NewSession creates a session for the given transport connection.
func NewSession(id, agentID string, sender EnvelopeSender) *Session {
	return &Session{
		ID:      id,
		AgentID: agentID,
		sender:  sender,
	}
}

// Send delivers an envelope to the agent over this session.
func (s *Session) Send(ctx context.Context, env *protocol.Envelope) error {
	return s.sender.Send(ctx, env)
}
