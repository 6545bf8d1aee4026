// ABOUTME: Correlates execution reports arriving from agents back to their conversations.
// ABOUTME: Persists the task, posts the room message, and drops duplicates.

package correlate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/hexalink/hexalink/internal/conversation"
	"github.com/hexalink/hexalink/internal/dedupe"
	"github.com/hexalink/hexalink/internal/protocol"
	"github.com/hexalink/hexalink/internal/store"
)

// taskMessageContent is the body of the assistant message posted for every
// persisted task.
const taskMessageContent = "Task Executed"

// Correlator turns execution reports into durable tasks and room messages.
// Reports are matched to their origin by conversation ID; redelivered
// reports are detected by a TTL cache and dropped before any write.
type Correlator struct {
	store  store.Store
	rooms  *conversation.Service
	seen   *dedupe.Cache
	logger *slog.Logger
}

// New creates a correlator.
func New(st store.Store, rooms *conversation.Service, seen *dedupe.Cache, logger *slog.Logger) *Correlator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Correlator{
		store:  st,
		rooms:  rooms,
		seen:   seen,
		logger: logger.With("component", "correlate"),
	}
}

// HandleReport processes one execution report. Unknown conversations are
// logged and dropped without failing the agent's connection; duplicates are
// dropped before any write, so redelivery never creates a second task. A
// mark whose writes then fail is released, so the report stays retryable.
func (c *Correlator) HandleReport(ctx context.Context, report *protocol.ExecutionReport) error {
	key := reportKey(report)
	if c.seen.CheckAndMark(key) {
		c.logger.Info("duplicate report dropped",
			"agent_id", report.AgentID,
			"conversation_id", report.ConversationID,
		)
		return nil
	}

	if _, err := c.store.GetConversation(ctx, report.ConversationID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.logger.Warn("report for unknown conversation dropped",
				"agent_id", report.AgentID,
				"conversation_id", report.ConversationID,
			)
			return nil
		}
		c.seen.Forget(key)
		return fmt.Errorf("resolving conversation %s: %w", report.ConversationID, err)
	}

	outputs, err := json.Marshal(report.Outputs)
	if err != nil {
		c.seen.Forget(key)
		return fmt.Errorf("encoding step outcomes: %w", err)
	}

	task := &store.Task{
		ID:             uuid.New().String(),
		AgentID:        report.AgentID,
		AgentName:      report.AgentName,
		ConversationID: report.ConversationID,
		Status:         report.Status,
		Outputs:        outputs,
		Priority:       report.Priority,
		ExecutionTime:  report.ExecutionTime,
		CreatedBy:      report.CreatedBy,
		CreatedAt:      parseReportTime(report.CreatedAt),
		CompletedAt:    parseReportTime(report.CompletedAt),
	}
	if err := c.store.CreateTask(ctx, task); err != nil {
		c.seen.Forget(key)
		return fmt.Errorf("persisting task: %w", err)
	}

	msg := &store.Message{
		ConversationID: report.ConversationID,
		Role:           store.RoleAssistant,
		Content:        taskMessageContent,
		Type:           store.MessageTypeAuto,
		TaskID:         task.ID,
	}
	if err := c.rooms.PostMessage(ctx, msg); err != nil {
		c.seen.Forget(key)
		return fmt.Errorf("posting task message: %w", err)
	}

	c.logger.Info("report correlated",
		"agent_id", report.AgentID,
		"conversation_id", report.ConversationID,
		"task_id", task.ID,
		"status", report.Status,
		"execution_time", report.ExecutionTime,
	)
	return nil
}

// reportKey identifies a report for deduplication. Reports carry no ID of
// their own, so the identity is the origin plus its execution timestamps.
func reportKey(report *protocol.ExecutionReport) string {
	return report.AgentID + "|" + report.ConversationID + "|" + report.CreatedAt + "|" + report.CompletedAt
}

// parseReportTime parses the RFC3339 timestamps agents report, falling back
// to now for malformed values rather than rejecting the whole report.
func parseReportTime(value string) time.Time {
	ts, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return time.Now()
	}
	return ts
}
