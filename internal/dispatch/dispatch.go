// ABOUTME: Controller-side dispatch of command bundles to connected agents.
// ABOUTME: Validates requests, substitutes inputs, and delivers over the resolved session.

package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/hexalink/hexalink/internal/agent"
	"github.com/hexalink/hexalink/internal/protocol"
)

// ErrNoCommands indicates a dispatch request without any primary commands.
var ErrNoCommands = errors.New("bundle contains no commands")

// ErrAgentNotConnected indicates the target agent has no live session.
var ErrAgentNotConnected = errors.New("agent not connected")

// ErrDeliveryFailed indicates the transport send to the agent failed.
var ErrDeliveryFailed = errors.New("delivery failed")

// placeholderPattern matches #{input_name} tokens in command text.
var placeholderPattern = regexp.MustCompile(`#\{([^}]+)\}`)

// Request describes one bundle to deliver to an agent. ConversationID
// correlates the eventual execution report back to its origin.
type Request struct {
	AgentID        string
	ConversationID string
	CreatedBy      string
	Priority       string
	Preconditions  []protocol.Precondition
	Commands       []string
	Cleanups       []string
	Inputs         []protocol.CommandInput
}

// Coordinator validates dispatch requests and forwards the resulting bundle
// over the target agent's live session. The acknowledgement it returns is of
// delivery only; execution happens asynchronously on the agent and its
// report arrives later as a separate event.
type Coordinator struct {
	registry *agent.Registry
	logger   *slog.Logger
}

// NewCoordinator creates a dispatch coordinator backed by the given registry.
func NewCoordinator(registry *agent.Registry, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		registry: registry,
		logger:   logger.With("component", "dispatch"),
	}
}

// Dispatch validates the request, renders the bundle, and sends it to the
// target agent. Validation order: a bundle with zero commands is rejected
// before the registry is consulted; an unresolved agent fails before any
// transport send. None of the errors trigger retries at this layer.
func (c *Coordinator) Dispatch(ctx context.Context, req *Request) error {
	if len(req.Commands) == 0 {
		return ErrNoCommands
	}

	sess, ok := c.registry.Resolve(req.AgentID)
	if !ok {
		return fmt.Errorf("%w: %q", ErrAgentNotConnected, req.AgentID)
	}

	bundle := c.buildBundle(req)

	env, err := protocol.NewEnvelope(protocol.EventExecuteCommand, bundle)
	if err != nil {
		return fmt.Errorf("encoding bundle: %w", err)
	}

	if err := sess.Send(ctx, env); err != nil {
		return fmt.Errorf("%w: %v", ErrDeliveryFailed, err)
	}

	c.logger.Info("bundle dispatched",
		"agent_id", req.AgentID,
		"session_id", sess.ID,
		"commands", len(req.Commands),
		"preconditions", len(req.Preconditions),
		"cleanups", len(req.Cleanups),
	)
	return nil
}

// buildBundle renders the request into the wire bundle, substituting named
// inputs into every command string.
func (c *Coordinator) buildBundle(req *Request) *protocol.CommandBundle {
	bundle := &protocol.CommandBundle{
		AgentID:        req.AgentID,
		ConversationID: req.ConversationID,
		CreatedBy:      req.CreatedBy,
		Metadata:       protocol.BundleMetadata{Priority: req.Priority},
		Commands:       make([]string, len(req.Commands)),
		Inputs:         req.Inputs,
	}

	for i, cmd := range req.Commands {
		bundle.Commands[i] = c.substitute(cmd, req.Inputs)
	}

	for _, pre := range req.Preconditions {
		bundle.Preconditions = append(bundle.Preconditions, protocol.Precondition{
			Description: pre.Description,
			TestCmd:     c.substitute(pre.TestCmd, req.Inputs),
			SolveCmd:    c.substitute(pre.SolveCmd, req.Inputs),
		})
	}

	for _, cleanup := range req.Cleanups {
		bundle.Cleanups = append(bundle.Cleanups, c.substitute(cleanup, req.Inputs))
	}

	return bundle
}

// substitute replaces every #{name} token with the value of the matching
// named input. Substitution is best-effort: tokens with no matching input
// are left verbatim and only logged.
func (c *Coordinator) substitute(command string, inputs []protocol.CommandInput) string {
	if command == "" {
		return command
	}

	for _, input := range inputs {
		token := "#{" + input.Name + "}"
		command = strings.ReplaceAll(command, token, input.Value)
	}

	for _, match := range placeholderPattern.FindAllStringSubmatch(command, -1) {
		c.logger.Warn("unresolved placeholder left in command", "placeholder", match[1])
	}

	return command
}
