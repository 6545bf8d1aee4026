// ABOUTME: Entry point for the hexalink endpoint agent
// ABOUTME: Connects to a controller and executes dispatched command bundles

package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hexalink/hexalink/internal/endpoint"
	"github.com/hexalink/hexalink/internal/runner"
)

func main() {
	var (
		serverURL    = flag.String("server", "ws://localhost:8080/ws", "controller websocket URL")
		agentID      = flag.String("id", "", "agent identifier (defaults to machine ID)")
		agentName    = flag.String("name", "", "human-readable agent name (defaults to hostname)")
		conversation = flag.String("conversation", "", "conversation to report into")
		createdBy    = flag.String("created-by", "", "operator who provisioned this agent")
		stepTimeout  = flag.Duration("step-timeout", 0, "per-step command timeout (0 adopts the controller default)")
		policy       = flag.String("policy", "", "concurrent bundle policy, queue or reject (empty adopts the controller default)")
		logLevel     = flag.String("log-level", "info", "log level (debug, info, warn, error)")
	)
	flag.Parse()

	if err := run(*serverURL, *agentID, *agentName, *conversation, *createdBy, *stepTimeout, *policy, *logLevel); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(serverURL, agentID, agentName, conversation, createdBy string, stepTimeout time.Duration, policy, logLevel string) error {
	logger := setupLogger(logLevel)

	if policy != "" && policy != runner.PolicyQueue && policy != runner.PolicyReject {
		return fmt.Errorf("invalid policy %q: must be %q or %q", policy, runner.PolicyQueue, runner.PolicyReject)
	}

	if agentID == "" {
		agentID = endpoint.MachineID()
	}
	if agentName == "" {
		hostname, err := os.Hostname()
		if err != nil {
			hostname = agentID
		}
		agentName = hostname
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	engine := runner.NewEngine(runner.Options{
		AgentName:   agentName,
		StepTimeout: stepTimeout,
		Policy:      policy,
		Logger:      logger,
	})

	ep := endpoint.New(endpoint.Options{
		ServerURL:      serverURL,
		AgentID:        agentID,
		AgentName:      agentName,
		ConversationID: conversation,
		CreatedBy:      createdBy,
		Engine:         engine,
		Logger:         logger,
	})

	logger.Info("starting hexalink-agent",
		"server", serverURL,
		"agent_id", agentID,
		"agent_name", agentName,
		"policy", policy,
	)

	if err := ep.Run(ctx); err != nil {
		return fmt.Errorf("running agent: %w", err)
	}

	logger.Info("agent stopped")
	return nil
}

func setupLogger(levelName string) *slog.Logger {
	var level slog.Level
	switch levelName {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}
