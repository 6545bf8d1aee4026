// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Provides agent/conversation/message/task persistence with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	if path != ":memory:" {
		// Ensure parent directory exists
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	// Enable foreign keys
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS agents (
			agent_id        TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL,
			created_by      TEXT NOT NULL,
			client_info     TEXT NOT NULL,
			status          TEXT NOT NULL,
			last_seen       TEXT NOT NULL,
			created_at      TEXT NOT NULL,

			CHECK (status IN ('online', 'offline'))
		);

		CREATE INDEX IF NOT EXISTS idx_agents_conversation ON agents(conversation_id);
		CREATE INDEX IF NOT EXISTS idx_agents_status ON agents(status);

		CREATE TABLE IF NOT EXISTS conversations (
			id         TEXT PRIMARY KEY,
			title      TEXT NOT NULL,
			type       TEXT,
			created_by TEXT NOT NULL,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS messages (
			id              TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL,
			role            TEXT NOT NULL,
			content         TEXT NOT NULL,
			type            TEXT,
			task_id         TEXT,
			created_at      TEXT NOT NULL,

			FOREIGN KEY (conversation_id) REFERENCES conversations(id),
			CHECK (role IN ('user', 'assistant'))
		);

		CREATE INDEX IF NOT EXISTS idx_messages_conversation_created
			ON messages(conversation_id, created_at);

		CREATE TABLE IF NOT EXISTS tasks (
			id              TEXT PRIMARY KEY,
			agent_id        TEXT NOT NULL,
			agent_name      TEXT,
			conversation_id TEXT NOT NULL,
			status          TEXT NOT NULL,
			outputs         TEXT NOT NULL,
			priority        TEXT NOT NULL DEFAULT 'medium',
			execution_time  TEXT,
			created_by      TEXT,
			created_at      TEXT NOT NULL,
			completed_at    TEXT NOT NULL,

			CHECK (status IN ('success', 'failure')),
			CHECK (priority IN ('low', 'medium', 'high'))
		);

		CREATE INDEX IF NOT EXISTS idx_tasks_agent ON tasks(agent_id, created_at);
		CREATE INDEX IF NOT EXISTS idx_tasks_conversation ON tasks(conversation_id);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("executing schema: %w", err)
	}
	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

// Ping reports whether the database is reachable.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// UpsertAgent inserts or replaces the durable record for an agent.
// On conflict the registration fields are overwritten but created_at is kept.
func (s *SQLiteStore) UpsertAgent(ctx context.Context, agent *Agent) error {
	query := `
		INSERT INTO agents (agent_id, conversation_id, created_by, client_info, status, last_seen, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(agent_id) DO UPDATE SET
			conversation_id = excluded.conversation_id,
			created_by      = excluded.created_by,
			client_info     = excluded.client_info,
			status          = excluded.status,
			last_seen       = excluded.last_seen
	`

	_, err := s.db.ExecContext(ctx, query,
		agent.AgentID,
		agent.ConversationID,
		agent.CreatedBy,
		string(agent.ClientInfo),
		agent.Status,
		agent.LastSeen.UTC().Format(time.RFC3339),
		agent.CreatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("upserting agent: %w", err)
	}

	s.logger.Debug("upserted agent", "agent_id", agent.AgentID, "status", agent.Status)
	return nil
}

// GetAgent retrieves an agent record by ID.
// Returns ErrNotFound if the agent doesn't exist.
func (s *SQLiteStore) GetAgent(ctx context.Context, agentID string) (*Agent, error) {
	query := `
		SELECT agent_id, conversation_id, created_by, client_info, status, last_seen, created_at
		FROM agents
		WHERE agent_id = ?
	`

	return scanAgent(s.db.QueryRowContext(ctx, query, agentID))
}

// SetAgentStatus updates the status and last_seen timestamp of an agent.
// Returns ErrNotFound if the agent doesn't exist.
func (s *SQLiteStore) SetAgentStatus(ctx context.Context, agentID, status string, lastSeen time.Time) error {
	query := `
		UPDATE agents
		SET status = ?, last_seen = ?
		WHERE agent_id = ?
	`

	res, err := s.db.ExecContext(ctx, query, status, lastSeen.UTC().Format(time.RFC3339), agentID)
	if err != nil {
		return fmt.Errorf("updating agent status: %w", err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if rows == 0 {
		return ErrNotFound
	}

	s.logger.Debug("updated agent status", "agent_id", agentID, "status", status)
	return nil
}

// ListAgents returns all known agents, most recently seen first.
func (s *SQLiteStore) ListAgents(ctx context.Context) ([]*Agent, error) {
	query := `
		SELECT agent_id, conversation_id, created_by, client_info, status, last_seen, created_at
		FROM agents
		ORDER BY last_seen DESC
	`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("querying agents: %w", err)
	}
	defer rows.Close()

	var agents []*Agent
	for rows.Next() {
		agent, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		agents = append(agents, agent)
	}
	return agents, rows.Err()
}

// rowScanner abstracts *sql.Row and *sql.Rows for shared scan helpers.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanAgent(row rowScanner) (*Agent, error) {
	var agent Agent
	var clientInfo, lastSeenStr, createdAtStr string

	err := row.Scan(
		&agent.AgentID,
		&agent.ConversationID,
		&agent.CreatedBy,
		&clientInfo,
		&agent.Status,
		&lastSeenStr,
		&createdAtStr,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning agent: %w", err)
	}

	agent.ClientInfo = []byte(clientInfo)

	agent.LastSeen, err = time.Parse(time.RFC3339, lastSeenStr)
	if err != nil {
		return nil, fmt.Errorf("parsing last_seen: %w", err)
	}
	agent.CreatedAt, err = time.Parse(time.RFC3339, createdAtStr)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}

	return &agent, nil
}

// CreateConversation creates a new conversation.
func (s *SQLiteStore) CreateConversation(ctx context.Context, conv *Conversation) error {
	query := `
		INSERT INTO conversations (id, title, type, created_by, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		conv.ID,
		conv.Title,
		conv.Type,
		conv.CreatedBy,
		conv.CreatedAt.UTC().Format(time.RFC3339),
		conv.UpdatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("inserting conversation: %w", err)
	}

	s.logger.Debug("created conversation", "id", conv.ID)
	return nil
}

// GetConversation retrieves a conversation by ID.
// Returns ErrNotFound if the conversation doesn't exist.
func (s *SQLiteStore) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	query := `
		SELECT id, title, type, created_by, created_at, updated_at
		FROM conversations
		WHERE id = ?
	`

	var conv Conversation
	var convType sql.NullString
	var createdAtStr, updatedAtStr string

	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&conv.ID,
		&conv.Title,
		&convType,
		&conv.CreatedBy,
		&createdAtStr,
		&updatedAtStr,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying conversation: %w", err)
	}

	conv.Type = convType.String

	conv.CreatedAt, err = time.Parse(time.RFC3339, createdAtStr)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	conv.UpdatedAt, err = time.Parse(time.RFC3339, updatedAtStr)
	if err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}

	return &conv, nil
}

// SaveMessage persists a message.
func (s *SQLiteStore) SaveMessage(ctx context.Context, msg *Message) error {
	query := `
		INSERT INTO messages (id, conversation_id, role, content, type, task_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		msg.ID,
		msg.ConversationID,
		msg.Role,
		msg.Content,
		nullable(msg.Type),
		nullable(msg.TaskID),
		msg.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("inserting message: %w", err)
	}

	s.logger.Debug("saved message", "id", msg.ID, "conversation_id", msg.ConversationID)
	return nil
}

// ListMessagesPage returns one page of a conversation's messages, newest
// first. Page numbering starts at 1.
func (s *SQLiteStore) ListMessagesPage(ctx context.Context, conversationID string, page, pageSize int) ([]*Message, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 20
	}

	query := `
		SELECT id, conversation_id, role, content, type, task_id, created_at
		FROM messages
		WHERE conversation_id = ?
		ORDER BY created_at DESC
		LIMIT ? OFFSET ?
	`

	rows, err := s.db.QueryContext(ctx, query, conversationID, pageSize, (page-1)*pageSize)
	if err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}
	defer rows.Close()

	return collectMessages(rows)
}

// ListMessagesBefore returns up to limit messages older than the given
// cursor, sorted by created_at in the requested direction.
func (s *SQLiteStore) ListMessagesBefore(ctx context.Context, conversationID string, before time.Time, ascending bool, limit int) ([]*Message, error) {
	if limit < 1 {
		limit = 20
	}

	order := "DESC"
	if ascending {
		order = "ASC"
	}

	query := `
		SELECT id, conversation_id, role, content, type, task_id, created_at
		FROM messages
		WHERE conversation_id = ? AND created_at < ?
		ORDER BY created_at ` + order + `
		LIMIT ?
	`

	rows, err := s.db.QueryContext(ctx, query, conversationID, before.UTC().Format(time.RFC3339Nano), limit)
	if err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}
	defer rows.Close()

	return collectMessages(rows)
}

func collectMessages(rows *sql.Rows) ([]*Message, error) {
	var messages []*Message
	for rows.Next() {
		var msg Message
		var msgType, taskID sql.NullString
		var createdAtStr string

		err := rows.Scan(
			&msg.ID,
			&msg.ConversationID,
			&msg.Role,
			&msg.Content,
			&msgType,
			&taskID,
			&createdAtStr,
		)
		if err != nil {
			return nil, fmt.Errorf("scanning message: %w", err)
		}

		msg.Type = msgType.String
		msg.TaskID = taskID.String

		msg.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAtStr)
		if err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}

		messages = append(messages, &msg)
	}
	return messages, rows.Err()
}

// CreateTask persists a task derived from an execution report.
func (s *SQLiteStore) CreateTask(ctx context.Context, task *Task) error {
	query := `
		INSERT INTO tasks (id, agent_id, agent_name, conversation_id, status, outputs,
			priority, execution_time, created_by, created_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		task.ID,
		task.AgentID,
		task.AgentName,
		task.ConversationID,
		task.Status,
		string(task.Outputs),
		task.Priority,
		task.ExecutionTime,
		task.CreatedBy,
		task.CreatedAt.UTC().Format(time.RFC3339),
		task.CompletedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("inserting task: %w", err)
	}

	s.logger.Debug("created task", "id", task.ID, "agent_id", task.AgentID, "status", task.Status)
	return nil
}

// GetTask retrieves a task by ID.
// Returns ErrNotFound if the task doesn't exist.
func (s *SQLiteStore) GetTask(ctx context.Context, id string) (*Task, error) {
	query := `
		SELECT id, agent_id, agent_name, conversation_id, status, outputs,
			priority, execution_time, created_by, created_at, completed_at
		FROM tasks
		WHERE id = ?
	`

	return scanTask(s.db.QueryRowContext(ctx, query, id))
}

// ListTasksByAgent returns the most recent tasks for an agent.
func (s *SQLiteStore) ListTasksByAgent(ctx context.Context, agentID string, limit int) ([]*Task, error) {
	if limit < 1 {
		limit = 50
	}

	query := `
		SELECT id, agent_id, agent_name, conversation_id, status, outputs,
			priority, execution_time, created_by, created_at, completed_at
		FROM tasks
		WHERE agent_id = ?
		ORDER BY created_at DESC
		LIMIT ?
	`

	rows, err := s.db.QueryContext(ctx, query, agentID, limit)
	if err != nil {
		return nil, fmt.Errorf("querying tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

func scanTask(row rowScanner) (*Task, error) {
	var task Task
	var agentName, executionTime, createdBy sql.NullString
	var outputs, createdAtStr, completedAtStr string

	err := row.Scan(
		&task.ID,
		&task.AgentID,
		&agentName,
		&task.ConversationID,
		&task.Status,
		&outputs,
		&task.Priority,
		&executionTime,
		&createdBy,
		&createdAtStr,
		&completedAtStr,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning task: %w", err)
	}

	task.AgentName = agentName.String
	task.ExecutionTime = executionTime.String
	task.CreatedBy = createdBy.String
	task.Outputs = []byte(outputs)

	task.CreatedAt, err = time.Parse(time.RFC3339, createdAtStr)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	task.CompletedAt, err = time.Parse(time.RFC3339, completedAtStr)
	if err != nil {
		return nil, fmt.Errorf("parsing completed_at: %w", err)
	}

	return &task, nil
}

// nullable converts an empty string to a NULL-able value.
func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
