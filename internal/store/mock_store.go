// ABOUTME: Mock Store implementation for testing
// ABOUTME: Allows tests to run without SQLite

package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MockStore is an in-memory Store implementation for testing.
type MockStore struct {
	mu            sync.RWMutex
	agents        map[string]*Agent        // keyed by agent ID
	conversations map[string]*Conversation // keyed by conversation ID
	messages      map[string][]*Message    // keyed by conversation ID
	tasks         map[string]*Task         // keyed by task ID
}

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		agents:        make(map[string]*Agent),
		conversations: make(map[string]*Conversation),
		messages:      make(map[string][]*Message),
		tasks:         make(map[string]*Task),
	}
}

// UpsertAgent stores or replaces an agent record.
func (m *MockStore) UpsertAgent(ctx context.Context, agent *Agent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Make a copy to avoid external modification
	a := *agent
	if existing, ok := m.agents[a.AgentID]; ok {
		a.CreatedAt = existing.CreatedAt
	}
	m.agents[a.AgentID] = &a
	return nil
}

// GetAgent retrieves an agent by ID.
func (m *MockStore) GetAgent(ctx context.Context, agentID string) (*Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	a, ok := m.agents[agentID]
	if !ok {
		return nil, ErrNotFound
	}

	// Return a copy
	result := *a
	return &result, nil
}

// SetAgentStatus updates status and last_seen for an agent.
func (m *MockStore) SetAgentStatus(ctx context.Context, agentID, status string, lastSeen time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.agents[agentID]
	if !ok {
		return ErrNotFound
	}
	a.Status = status
	a.LastSeen = lastSeen
	return nil
}

// ListAgents returns all agents, most recently seen first.
func (m *MockStore) ListAgents(ctx context.Context) ([]*Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	agents := make([]*Agent, 0, len(m.agents))
	for _, a := range m.agents {
		result := *a
		agents = append(agents, &result)
	}
	sort.Slice(agents, func(i, j int) bool {
		return agents[i].LastSeen.After(agents[j].LastSeen)
	})
	return agents, nil
}

// CreateConversation stores a new conversation.
func (m *MockStore) CreateConversation(ctx context.Context, conv *Conversation) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c := *conv
	m.conversations[c.ID] = &c
	return nil
}

// GetConversation retrieves a conversation by ID.
func (m *MockStore) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.conversations[id]
	if !ok {
		return nil, ErrNotFound
	}

	result := *c
	return &result, nil
}

// SaveMessage appends a message to its conversation.
func (m *MockStore) SaveMessage(ctx context.Context, msg *Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	msgCopy := *msg
	m.messages[msg.ConversationID] = append(m.messages[msg.ConversationID], &msgCopy)
	return nil
}

// ListMessagesPage returns one page of messages, newest first.
func (m *MockStore) ListMessagesPage(ctx context.Context, conversationID string, page, pageSize int) ([]*Message, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 20
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	all := m.sortedMessages(conversationID, false)
	start := (page - 1) * pageSize
	if start >= len(all) {
		return nil, nil
	}
	end := start + pageSize
	if end > len(all) {
		end = len(all)
	}
	return all[start:end], nil
}

// ListMessagesBefore returns up to limit messages older than the cursor.
func (m *MockStore) ListMessagesBefore(ctx context.Context, conversationID string, before time.Time, ascending bool, limit int) ([]*Message, error) {
	if limit < 1 {
		limit = 20
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Message
	for _, msg := range m.sortedMessages(conversationID, ascending) {
		if msg.CreatedAt.Before(before) {
			result = append(result, msg)
			if len(result) == limit {
				break
			}
		}
	}
	return result, nil
}

// sortedMessages returns copies of a conversation's messages sorted by
// created_at. Must be called with mu held.
func (m *MockStore) sortedMessages(conversationID string, ascending bool) []*Message {
	msgs := m.messages[conversationID]
	result := make([]*Message, 0, len(msgs))
	for _, msg := range msgs {
		msgCopy := *msg
		result = append(result, &msgCopy)
	}
	sort.Slice(result, func(i, j int) bool {
		if ascending {
			return result[i].CreatedAt.Before(result[j].CreatedAt)
		}
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	return result
}

// CreateTask stores a new task.
func (m *MockStore) CreateTask(ctx context.Context, task *Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t := *task
	m.tasks[t.ID] = &t
	return nil
}

// GetTask retrieves a task by ID.
func (m *MockStore) GetTask(ctx context.Context, id string) (*Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	t, ok := m.tasks[id]
	if !ok {
		return nil, ErrNotFound
	}

	result := *t
	return &result, nil
}

// ListTasksByAgent returns the most recent tasks for an agent.
func (m *MockStore) ListTasksByAgent(ctx context.Context, agentID string, limit int) ([]*Task, error) {
	if limit < 1 {
		limit = 50
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	var tasks []*Task
	for _, t := range m.tasks {
		if t.AgentID == agentID {
			result := *t
			tasks = append(tasks, &result)
		}
	}
	sort.Slice(tasks, func(i, j int) bool {
		return tasks[i].CreatedAt.After(tasks[j].CreatedAt)
	})
	if len(tasks) > limit {
		tasks = tasks[:limit]
	}
	return tasks, nil
}

// Ping always succeeds for the mock store.
func (m *MockStore) Ping(ctx context.Context) error {
	return nil
}

// Close is a no-op for the mock store.
func (m *MockStore) Close() error {
	return nil
}
