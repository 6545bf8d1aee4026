// Package agent tracks live sessions of connected hexalink agents.
//
// # Overview
//
// An agent identity is a stable machine identifier; a session is one live
// transport connection. The Registry holds the identity-to-session binding
// the dispatcher uses to decide whether an agent is reachable and where to
// send its bundles.
//
// # Registry
//
//	reg := agent.NewRegistry(logger)
//
// Key operations:
//
//   - Register(sess): bind an identity to a session (last writer wins)
//   - Unregister(sessionID): reverse lookup by session, clear the binding
//   - Resolve(agentID): find the live session for dispatch
//   - IsOnline(agentID) / ConnectedAgents() / Count()
//
// Registration and unregistration invoke the installed StatusListener so
// conversation subscribers can observe online/offline transitions.
//
// # Reconnects
//
// An agent that reconnects registers under a fresh session ID and simply
// overwrites its old binding. The stale session's reverse mapping is removed
// at that point, so the old connection's eventual disconnect cannot tear
// down the new binding.
//
// # Thread Safety
//
// All Registry operations are atomic with respect to each other. Resolve
// followed by a send races benignly with a concurrent disconnect; the send
// then fails at the transport layer and surfaces as a delivery error.
package agent
