// Package server is the hexalink controller.
//
// One HTTP server carries everything: the /ws endpoint speaks the envelope
// protocol with both endpoint agents and operator clients, the /api routes
// expose agents, dispatch, and conversation history over REST, and /health
// plus /health/ready report liveness and database reachability.
//
// The server wires the agent registry, the dispatch coordinator, the
// conversation rooms, and the report correlator together. Registry status
// transitions are persisted and then broadcast to the agent's conversation
// room, so operator clients see presence changes live.
package server
