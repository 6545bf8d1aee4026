// ABOUTME: Controller orchestrator wiring the store, registry, rooms, and HTTP server.
// ABOUTME: Manages startup, health endpoints, and graceful shutdown.

package server

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/hexalink/hexalink/internal/agent"
	"github.com/hexalink/hexalink/internal/config"
	"github.com/hexalink/hexalink/internal/conversation"
	"github.com/hexalink/hexalink/internal/correlate"
	"github.com/hexalink/hexalink/internal/dedupe"
	"github.com/hexalink/hexalink/internal/dispatch"
	"github.com/hexalink/hexalink/internal/protocol"
	"github.com/hexalink/hexalink/internal/store"
)

// Server is the hexalink controller. It owns the agent registry, the
// conversation rooms, and the single HTTP server that carries both the
// websocket endpoint and the REST API.
type Server struct {
	config     *config.Config
	store      store.Store
	registry   *agent.Registry
	dispatcher *dispatch.Coordinator
	rooms      *conversation.Service
	correlator *correlate.Correlator
	seen       *dedupe.Cache
	httpServer *http.Server
	logger     *slog.Logger

	// serverID identifies this controller instance in logs
	serverID string
}

// initStore creates the store from config, honoring HEXALINK_DB_PATH.
func initStore(cfg *config.Config) (store.Store, error) {
	dbPath := cfg.Database.Path
	if envPath := os.Getenv("HEXALINK_DB_PATH"); envPath != "" {
		dbPath = envPath
	}

	s, err := store.NewSQLiteStore(dbPath)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}
	return s, nil
}

// New creates a controller from configuration.
func New(cfg *config.Config, logger *slog.Logger) (*Server, error) {
	st, err := initStore(cfg)
	if err != nil {
		return nil, err
	}

	registry := agent.NewRegistry(logger.With("component", "registry"))
	broadcaster := conversation.NewBroadcaster(logger.With("component", "broadcaster"))
	rooms := conversation.NewService(st, broadcaster, logger)
	seen := dedupe.New(5*time.Minute, 100_000) // TTL 5min, max 100k entries

	s := &Server{
		config:     cfg,
		store:      st,
		registry:   registry,
		dispatcher: dispatch.NewCoordinator(registry, logger),
		rooms:      rooms,
		correlator: correlate.New(st, rooms, seen, logger),
		seen:       seen,
		logger:     logger.With("component", "server"),
		serverID:   generateServerID(),
	}
	registry.SetStatusListener(s.onAgentStatus)

	s.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           s.handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s, nil
}

// handler builds the route table shared by the websocket and REST surfaces.
func (s *Server) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/health/ready", s.handleReady)
	mux.HandleFunc("/ready", s.handleReady)
	mux.HandleFunc("/api/agents", s.handleListAgents)
	mux.HandleFunc("/api/agents/", s.handleAgentRoutes)
	mux.HandleFunc("/api/conversations/", s.handleConversationRoutes)
	return mux
}

// Run starts the controller and blocks until the context is canceled.
// Returns nil on graceful shutdown, or the first server error.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.config.Server.HTTPAddr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.config.Server.HTTPAddr, err)
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("controller listening", "addr", ln.Addr().String(), "server_id", s.serverID)
		if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	serverErr := s.waitForShutdownSignal(ctx, errCh)
	shutdownErr := s.gracefulShutdown()

	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// waitForShutdownSignal waits for context cancellation or a server error.
func (s *Server) waitForShutdownSignal(ctx context.Context, errCh chan error) error {
	select {
	case <-ctx.Done():
		s.logger.Info("context canceled, initiating shutdown")
		return nil
	case err := <-errCh:
		s.logger.Error("server error", "error", err)
		return err
	}
}

// gracefulShutdown runs Shutdown with a fresh context. The original context
// is already canceled at this point.
func (s *Server) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.Shutdown(ctx)
}

// Shutdown stops the HTTP server and releases resources.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down controller")

	var errs []error
	if err := s.httpServer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}

	s.rooms.Broadcaster().Close()
	s.seen.Close()

	if err := s.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("store close: %w", err))
	}

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %v", errs)
	}
	return nil
}

// onAgentStatus reacts to registry transitions: the durable agent row is
// updated first, then the agent's conversation room is notified. Runs on
// its own short-lived context so a dying connection cannot cancel the write.
func (s *Server) onAgentStatus(agentID, status string, lastSeen time.Time) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.store.SetAgentStatus(ctx, agentID, status, lastSeen); err != nil {
		s.logger.Error("updating agent status failed", "agent_id", agentID, "status", status, "error", err)
	}

	rec, err := s.store.GetAgent(ctx, agentID)
	if err != nil {
		s.logger.Debug("no agent record for status broadcast", "agent_id", agentID, "error", err)
		return
	}
	s.rooms.PublishStatus(rec.ConversationID, agentID, status, lastSeen)
}

// handleHealth returns 200 OK if the server is alive.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 OK when the database is reachable.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := s.store.Ping(ctx); err != nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("database unreachable"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "ready (%d agents connected)", s.registry.Count())
}

// generateServerID creates a unique identifier for this controller instance.
func generateServerID() string {
	return fmt.Sprintf("hexalink-%d", time.Now().UnixNano()%1000000)
}

// statusOf maps a registry presence check to a wire status string.
func statusOf(online bool) string {
	if online {
		return protocol.StatusOnline
	}
	return protocol.StatusOffline
}
