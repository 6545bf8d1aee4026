// Package dispatch validates command-bundle requests and delivers them to
// connected agents.
//
// The coordinator enforces request validation before any transport work:
// empty bundles are rejected outright, unknown agents fail before a send is
// attempted. Named inputs of the form #{name} are substituted into
// precondition, command, and cleanup text; tokens without a matching input
// pass through verbatim.
//
// A successful Dispatch means the bundle reached the agent's session, not
// that it ran. Execution results return asynchronously on the agent's own
// connection and are handled elsewhere.
package dispatch
