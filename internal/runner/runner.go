// ABOUTME: Agent-resident execution engine for command bundles.
// ABOUTME: Runs preconditions, commands, and cleanups through the host shell.

package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/hexalink/hexalink/internal/protocol"
)

// Single-flight policies for bundles arriving while one is already running.
const (
	PolicyQueue  = "queue"
	PolicyReject = "reject"
)

// ErrBusy is returned under the reject policy when a bundle arrives while
// another is still executing.
var ErrBusy = errors.New("agent is already executing a bundle")

// outputUnavailable stands in for step output when a failed step produced
// nothing on stderr, or could not be started at all.
const outputUnavailable = "command could not be executed"

// Options configures an Engine.
type Options struct {
	// AgentName is reported in execution reports when the bundle does not
	// name the agent itself.
	AgentName string

	// StepTimeout bounds each individual step. Zero leaves the bound unset
	// so a controller-supplied default can apply via SetDefaults.
	StepTimeout time.Duration

	// Policy selects queue or reject behavior for concurrent bundles.
	// Empty adopts the controller default, falling back to queue.
	Policy string

	Logger *slog.Logger
}

// Engine executes command bundles one at a time. Execution is strictly
// sequential within a bundle, and the single-flight guard serializes (or
// rejects) bundles across the whole engine.
type Engine struct {
	agentName string
	logger    *slog.Logger

	// confMu guards timeout and policy; both stay unset until either local
	// options or controller defaults fill them in.
	confMu  sync.Mutex
	timeout time.Duration
	policy  string

	mu sync.Mutex
}

// NewEngine creates an execution engine.
func NewEngine(opts Options) *Engine {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		agentName: opts.AgentName,
		timeout:   opts.StepTimeout,
		policy:    opts.Policy,
		logger:    logger.With("component", "runner"),
	}
}

// SetDefaults fills in execution settings that were not configured locally.
// Explicit local options always win; the controller's fleet defaults only
// land on unset fields. Invalid values are ignored.
func (e *Engine) SetDefaults(stepTimeout time.Duration, policy string) {
	e.confMu.Lock()
	defer e.confMu.Unlock()

	if e.timeout == 0 && stepTimeout > 0 {
		e.timeout = stepTimeout
	}
	if e.policy == "" && (policy == PolicyQueue || policy == PolicyReject) {
		e.policy = policy
	}
}

func (e *Engine) currentPolicy() string {
	e.confMu.Lock()
	defer e.confMu.Unlock()
	if e.policy == "" {
		return PolicyQueue
	}
	return e.policy
}

func (e *Engine) stepTimeout() time.Duration {
	e.confMu.Lock()
	defer e.confMu.Unlock()
	return e.timeout
}

// Execute runs one bundle to completion and returns its report. Under the
// queue policy a concurrent call blocks until the engine is free; under
// reject it fails immediately with ErrBusy.
func (e *Engine) Execute(ctx context.Context, bundle *protocol.CommandBundle) (*protocol.ExecutionReport, error) {
	if e.currentPolicy() == PolicyReject {
		if !e.mu.TryLock() {
			return nil, ErrBusy
		}
	} else {
		e.mu.Lock()
	}
	defer e.mu.Unlock()

	return e.run(ctx, bundle), nil
}

// BusyReport synthesizes the failure report for a bundle refused by the
// reject policy. The controller sees an ordinary failed execution with one
// outcome explaining the refusal, so the operator learns nothing ran.
func (e *Engine) BusyReport(bundle *protocol.CommandBundle) *protocol.ExecutionReport {
	agentName := bundle.AgentName
	if agentName == "" {
		agentName = e.agentName
	}

	now := time.Now().UTC().Format(time.RFC3339)
	return &protocol.ExecutionReport{
		AgentID:        bundle.AgentID,
		ConversationID: bundle.ConversationID,
		AgentName:      agentName,
		Status:         protocol.StepFailure,
		Outputs: []protocol.StepOutcome{{
			Type:    protocol.StepCommand,
			Command: strings.Join(bundle.Commands, "; "),
			Output:  ErrBusy.Error(),
			Status:  protocol.StepFailure,
		}},
		Priority:      bundle.Priority(),
		ExecutionTime: "0.00",
		CompletedAt:   now,
		CreatedAt:     now,
		CreatedBy:     bundle.CreatedBy,
	}
}

// run drives the bundle state machine. Preconditions gate the commands: a
// test that fails with no working solve aborts straight to cleanups.
// Commands all run regardless of individual failures. Cleanups always run,
// and any cleanup failure marks the whole bundle failed.
func (e *Engine) run(ctx context.Context, bundle *protocol.CommandBundle) *protocol.ExecutionReport {
	start := time.Now()
	status := protocol.StepSuccess
	var outcomes []protocol.StepOutcome

	preconditionsMet := true
	for _, pre := range bundle.Preconditions {
		test := e.runStep(ctx, protocol.StepPreconditionTest, pre.TestCmd)
		outcomes = append(outcomes, test)
		if test.Status == protocol.StepSuccess {
			continue
		}
		if pre.SolveCmd == "" {
			preconditionsMet = false
			break
		}
		solve := e.runStep(ctx, protocol.StepPreconditionSolve, pre.SolveCmd)
		outcomes = append(outcomes, solve)
		if solve.Status != protocol.StepSuccess {
			preconditionsMet = false
			break
		}
		// A successful solve is trusted; the test is not re-run.
	}

	if preconditionsMet {
		for _, cmd := range bundle.Commands {
			out := e.runStep(ctx, protocol.StepCommand, cmd)
			outcomes = append(outcomes, out)
			if out.Status == protocol.StepFailure {
				status = protocol.StepFailure
			}
		}
	} else {
		status = protocol.StepFailure
	}

	for _, cleanup := range bundle.Cleanups {
		out := e.runStep(ctx, protocol.StepCleanup, cleanup)
		outcomes = append(outcomes, out)
		if out.Status == protocol.StepFailure {
			status = protocol.StepFailure
		}
	}

	agentName := bundle.AgentName
	if agentName == "" {
		agentName = e.agentName
	}

	completed := time.Now()
	report := &protocol.ExecutionReport{
		AgentID:        bundle.AgentID,
		ConversationID: bundle.ConversationID,
		AgentName:      agentName,
		Status:         status,
		Outputs:        outcomes,
		Priority:       bundle.Priority(),
		ExecutionTime:  fmt.Sprintf("%.2f", completed.Sub(start).Seconds()),
		CompletedAt:    completed.UTC().Format(time.RFC3339),
		CreatedAt:      start.UTC().Format(time.RFC3339),
		CreatedBy:      bundle.CreatedBy,
	}

	e.logger.Info("bundle executed",
		"agent_id", bundle.AgentID,
		"status", status,
		"steps", len(outcomes),
		"execution_time", report.ExecutionTime,
	)
	return report
}

// runStep runs one command through the host shell and records its outcome.
// Exit code zero is success and captures trimmed stdout; anything else is
// failure and captures trimmed stderr. A step that times out or cannot be
// started is a failure like any non-zero exit.
func (e *Engine) runStep(ctx context.Context, stepType, command string) protocol.StepOutcome {
	runCtx := ctx
	timeout := e.stepTimeout()
	if timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	cmd := shellCommand(runCtx, command)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if err == nil {
		return protocol.StepOutcome{
			Type:    stepType,
			Command: command,
			Output:  strings.TrimSpace(stdout.String()),
			Status:  protocol.StepSuccess,
		}
	}

	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		e.logger.Warn("step timed out", "type", stepType, "command", command, "timeout", timeout)
	} else {
		e.logger.Debug("step failed", "type", stepType, "command", command, "error", err)
	}

	output := strings.TrimSpace(stderr.String())
	if output == "" {
		output = outputUnavailable
	}
	return protocol.StepOutcome{
		Type:    stepType,
		Command: command,
		Output:  output,
		Status:  protocol.StepFailure,
	}
}

// shellCommand builds the platform shell invocation for a command string.
func shellCommand(ctx context.Context, command string) *exec.Cmd {
	if runtime.GOOS == "windows" {
		return exec.CommandContext(ctx, "cmd", "/C", command)
	}
	return exec.CommandContext(ctx, "sh", "-c", command)
}
