// ABOUTME: Store interface and data types for hexalink controller persistence
// ABOUTME: Defines Agent, Conversation, Message, Task structs and the Store interface

package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// Agent statuses persisted in the agents table.
const (
	AgentStatusOnline  = "online"
	AgentStatusOffline = "offline"
)

// Agent is the durable record of an endpoint agent. Rows are upserted on
// registration and flipped offline on disconnect; they are never deleted so
// the fleet history survives restarts.
type Agent struct {
	AgentID        string
	ConversationID string
	CreatedBy      string
	ClientInfo     json.RawMessage
	Status         string
	LastSeen       time.Time
	CreatedAt      time.Time
}

// Conversation groups messages and the agents reporting into them.
type Conversation struct {
	ID        string
	Title     string
	Type      string
	CreatedBy string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Message roles and types.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"

	MessageTypeManual = "manual"
	MessageTypeAuto   = "auto"
)

// Message is a single entry in a conversation. TaskID links messages that
// were derived from an execution report.
type Message struct {
	ID             string
	ConversationID string
	Role           string
	Content        string
	Type           string
	TaskID         string
	CreatedAt      time.Time
}

// Task statuses mirror the overall status of an execution report.
const (
	TaskStatusSuccess = "success"
	TaskStatusFailure = "failure"
)

// Task is the durable record of one executed command bundle. Outputs holds
// the ordered step outcomes as JSON.
type Task struct {
	ID             string
	AgentID        string
	AgentName      string
	ConversationID string
	Status         string
	Outputs        json.RawMessage
	Priority       string
	ExecutionTime  string
	CreatedBy      string
	CreatedAt      time.Time
	CompletedAt    time.Time
}

// Store defines the interface for controller persistence
type Store interface {
	// Agents
	UpsertAgent(ctx context.Context, agent *Agent) error
	GetAgent(ctx context.Context, agentID string) (*Agent, error)
	SetAgentStatus(ctx context.Context, agentID, status string, lastSeen time.Time) error
	ListAgents(ctx context.Context) ([]*Agent, error)

	// Conversations
	CreateConversation(ctx context.Context, conv *Conversation) error
	GetConversation(ctx context.Context, id string) (*Conversation, error)

	// Messages
	SaveMessage(ctx context.Context, msg *Message) error
	ListMessagesPage(ctx context.Context, conversationID string, page, pageSize int) ([]*Message, error)
	ListMessagesBefore(ctx context.Context, conversationID string, before time.Time, ascending bool, limit int) ([]*Message, error)

	// Tasks
	CreateTask(ctx context.Context, task *Task) error
	GetTask(ctx context.Context, id string) (*Task, error)
	ListTasksByAgent(ctx context.Context, agentID string, limit int) ([]*Task, error)

	// Ping reports whether the backing database is reachable
	Ping(ctx context.Context) error

	// Close releases any resources held by the store
	Close() error
}
