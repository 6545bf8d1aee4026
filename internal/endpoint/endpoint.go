// ABOUTME: Endpoint agent connection loop: dial, register, execute, report.
// ABOUTME: Reconnects with bounded attempts per cycle and retries forever.

package endpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/hexalink/hexalink/internal/protocol"
	"github.com/hexalink/hexalink/internal/runner"
)

const (
	// maxDialAttempts bounds one reconnect cycle before the agent backs
	// off for redialPause and starts a fresh cycle.
	maxDialAttempts = 5
	redialPause     = 5 * time.Second
	dialTimeout     = 10 * time.Second
)

// Options configures an endpoint agent.
type Options struct {
	ServerURL      string
	AgentID        string
	AgentName      string
	ConversationID string
	CreatedBy      string
	Engine         *runner.Engine
	Logger         *slog.Logger
}

// Endpoint is the agent-resident side of the control link. It holds one
// connection to the controller at a time, registers on connect, executes
// incoming bundles, and reports results on the same connection.
type Endpoint struct {
	opts   Options
	logger *slog.Logger
}

// New creates an endpoint agent.
func New(opts Options) *Endpoint {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Endpoint{
		opts:   opts,
		logger: logger.With("component", "endpoint", "agent_id", opts.AgentID),
	}
}

// Run connects to the controller and serves the connection until ctx is
// cancelled. A lost connection starts a new dial cycle after a short pause;
// the agent never gives up while ctx is alive. Cancellation is the normal
// way to stop and returns nil.
func (e *Endpoint) Run(ctx context.Context) error {
	for {
		if err := e.connectAndServe(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			e.logger.Warn("connection lost", "error", err)
		}

		select {
		case <-time.After(redialPause):
		case <-ctx.Done():
			return nil
		}
	}
}

// connectAndServe runs one connection lifetime: dial, register, then read
// events until the connection drops or ctx is cancelled.
func (e *Endpoint) connectAndServe(ctx context.Context) error {
	conn, err := e.dial(ctx)
	if err != nil {
		return err
	}
	link := &wsLink{conn: conn}
	defer conn.Close(websocket.StatusNormalClosure, "shutting down")

	if err := e.register(ctx, link); err != nil {
		return fmt.Errorf("registration: %w", err)
	}

	for {
		var env protocol.Envelope
		if err := wsjson.Read(ctx, conn, &env); err != nil {
			return err
		}
		e.handleEvent(ctx, link, &env)
	}
}

// dial attempts the websocket connection up to maxDialAttempts times with a
// linear backoff between attempts.
func (e *Endpoint) dial(ctx context.Context) (*websocket.Conn, error) {
	var lastErr error
	for attempt := 1; attempt <= maxDialAttempts; attempt++ {
		dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
		conn, _, err := websocket.Dial(dialCtx, e.opts.ServerURL, nil)
		cancel()
		if err == nil {
			e.logger.Info("connected", "server", e.opts.ServerURL, "attempt", attempt)
			return conn, nil
		}
		lastErr = err
		e.logger.Warn("dial failed", "server", e.opts.ServerURL, "attempt", attempt, "error", err)

		select {
		case <-time.After(time.Duration(attempt) * time.Second):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return nil, fmt.Errorf("dialing %s: %w", e.opts.ServerURL, lastErr)
}

// register announces this agent to the controller with its host fingerprint.
func (e *Endpoint) register(ctx context.Context, link *wsLink) error {
	reg := &protocol.Registration{
		AgentID:        e.opts.AgentID,
		ConversationID: e.opts.ConversationID,
		CreatedBy:      e.opts.CreatedBy,
		ClientInfo:     *CollectClientInfo(e.logger),
		Status:         protocol.StatusOnline,
		LastSeen:       time.Now().UTC().Format(time.RFC3339),
	}
	env, err := protocol.NewEnvelope(protocol.EventAgentRegistration, reg)
	if err != nil {
		return err
	}
	return link.Send(ctx, env)
}

func (e *Endpoint) handleEvent(ctx context.Context, link *wsLink, env *protocol.Envelope) {
	switch env.Event {
	case protocol.EventRegistrationSuccess:
		var ack protocol.RegistrationAck
		if err := json.Unmarshal(env.Data, &ack); err != nil {
			e.logger.Warn("malformed registration ack", "error", err)
			return
		}
		e.applyFleetDefaults(&ack)
		e.logger.Info("registration acknowledged")

	case protocol.EventExecuteCommand:
		var bundle protocol.CommandBundle
		if err := json.Unmarshal(env.Data, &bundle); err != nil {
			e.logger.Error("malformed bundle dropped", "error", err)
			return
		}
		// Execution must not stall the read loop; reports go back over
		// the same connection through the write-locked link.
		go e.execute(ctx, link, &bundle)

	default:
		e.logger.Debug("unhandled event", "event", env.Event)
	}
}

// applyFleetDefaults feeds controller-supplied execution defaults into the
// engine. Locally configured settings are never overridden.
func (e *Endpoint) applyFleetDefaults(ack *protocol.RegistrationAck) {
	var stepTimeout time.Duration
	if ack.StepTimeout != "" {
		parsed, err := time.ParseDuration(ack.StepTimeout)
		if err != nil {
			e.logger.Warn("ignoring malformed fleet step timeout", "value", ack.StepTimeout, "error", err)
		} else {
			stepTimeout = parsed
		}
	}
	if stepTimeout == 0 && ack.SingleFlight == "" {
		return
	}
	e.opts.Engine.SetDefaults(stepTimeout, ack.SingleFlight)
	e.logger.Debug("fleet defaults applied", "step_timeout", ack.StepTimeout, "single_flight", ack.SingleFlight)
}

func (e *Endpoint) execute(ctx context.Context, link *wsLink, bundle *protocol.CommandBundle) {
	if bundle.AgentName == "" {
		bundle.AgentName = e.opts.AgentName
	}

	report, err := e.opts.Engine.Execute(ctx, bundle)
	if err != nil {
		if !errors.Is(err, runner.ErrBusy) {
			e.logger.Error("bundle execution failed", "error", err)
			return
		}
		// A rejected bundle still produces a report: the controller must
		// learn the refusal, not infer it from silence.
		e.logger.Warn("bundle rejected, engine busy", "conversation_id", bundle.ConversationID)
		report = e.opts.Engine.BusyReport(bundle)
	}

	env, err := protocol.NewEnvelope(protocol.EventCommandResponse, report)
	if err != nil {
		e.logger.Error("encoding report failed", "error", err)
		return
	}
	if err := link.Send(ctx, env); err != nil {
		e.logger.Error("sending report failed", "error", err)
	}
}

// wsLink serializes writes to the shared connection. Reads stay on the
// single loop goroutine; execution goroutines only write.
type wsLink struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (l *wsLink) Send(ctx context.Context, env *protocol.Envelope) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return wsjson.Write(ctx, l.conn, env)
}
