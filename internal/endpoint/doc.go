// Package endpoint implements the agent-resident side of the control link.
//
// An endpoint dials the controller, registers with a host fingerprint, and
// then serves command bundles arriving on the connection. Each bundle runs
// through the execution engine and its report is written back on the same
// connection. Connection loss triggers a bounded dial cycle that repeats,
// after a pause, for as long as the process lives.
package endpoint
