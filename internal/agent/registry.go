// ABOUTME: Tracks which transport session each agent identity is bound to.
// ABOUTME: Central lookup for the dispatcher; last registration wins.

package agent

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrAgentNotFound indicates the specified agent has no live session.
var ErrAgentNotFound = errors.New("agent not found")

// StatusListener is notified after an agent comes online or goes offline.
// Called outside the registry lock.
type StatusListener func(agentID, status string, lastSeen time.Time)

// Registry maps agent identities to their currently active session. At any
// instant an agent has at most one live session; registering again under a
// new session replaces the old binding.
type Registry struct {
	mu        sync.RWMutex
	byAgent   map[string]*Session
	bySession map[string]string // session ID -> agent ID
	logger    *slog.Logger
	listener  StatusListener
}

// NewRegistry creates a new Registry instance.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		byAgent:   make(map[string]*Session),
		bySession: make(map[string]string),
		logger:    logger,
	}
}

// SetStatusListener installs the listener invoked on online/offline
// transitions. Must be called before sessions start registering.
func (r *Registry) SetStatusListener(fn StatusListener) {
	r.listener = fn
}

// Register binds an agent identity to a session. If the agent already has a
// live session the old binding is replaced (last writer wins); the stale
// reverse mapping is removed so a late disconnect of the old session cannot
// tear down the new one.
func (r *Registry) Register(sess *Session) {
	now := time.Now().UTC()

	r.mu.Lock()
	if prev, exists := r.byAgent[sess.AgentID]; exists && prev.ID != sess.ID {
		delete(r.bySession, prev.ID)
		r.logger.Info("replacing stale session for agent",
			"agent_id", sess.AgentID,
			"old_session", prev.ID,
			"new_session", sess.ID,
		)
	}
	r.byAgent[sess.AgentID] = sess
	r.bySession[sess.ID] = sess.AgentID
	total := len(r.byAgent)
	r.mu.Unlock()

	r.logger.Info("agent connected",
		"agent_id", sess.AgentID,
		"session_id", sess.ID,
		"total_agents", total,
	)

	if r.listener != nil {
		r.listener(sess.AgentID, "online", now)
	}
}

// Unregister clears the binding for the given session and returns the agent
// identity it belonged to. Disconnect events arrive keyed by session, not
// identity, so the lookup runs in reverse. A session that never completed
// registration, or that was already replaced by a newer one, is a no-op.
func (r *Registry) Unregister(sessionID string) (string, bool) {
	now := time.Now().UTC()

	r.mu.Lock()
	agentID, ok := r.bySession[sessionID]
	if !ok {
		r.mu.Unlock()
		r.logger.Debug("unregister for unknown session", "session_id", sessionID)
		return "", false
	}
	delete(r.bySession, sessionID)
	// Only clear the agent binding if it still points at this session.
	if sess, exists := r.byAgent[agentID]; exists && sess.ID == sessionID {
		delete(r.byAgent, agentID)
	}
	total := len(r.byAgent)
	r.mu.Unlock()

	r.logger.Info("agent disconnected",
		"agent_id", agentID,
		"session_id", sessionID,
		"total_agents", total,
	)

	if r.listener != nil {
		r.listener(agentID, "offline", now)
	}
	return agentID, true
}

// Resolve returns the live session for an agent identity, if any.
func (r *Registry) Resolve(agentID string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sess, ok := r.byAgent[agentID]
	return sess, ok
}

// IsOnline checks whether an agent currently has a live session.
func (r *Registry) IsOnline(agentID string) bool {
	_, ok := r.Resolve(agentID)
	return ok
}

// ConnectedAgents returns the identities of all agents with a live session.
func (r *Registry) ConnectedAgents() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	agents := make([]string, 0, len(r.byAgent))
	for id := range r.byAgent {
		agents = append(agents, id)
	}
	return agents
}

// Count returns the number of agents with a live session.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byAgent)
}
