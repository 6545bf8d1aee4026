// Package runner executes command bundles on the agent host.
//
// A bundle runs in three phases. Preconditions are checked in order: each
// test command must exit zero, otherwise its solve command (if any) runs as
// a remedy and is trusted without re-testing. A precondition that cannot be
// satisfied aborts the remaining preconditions and all primary commands.
// Primary commands then run unconditionally, each failure recorded without
// stopping the rest. Cleanups always run last, even after an aborted bundle,
// and a failed cleanup fails the bundle.
//
// Every step executes through the host shell (sh -c, or cmd /C on Windows)
// under an optional per-step timeout. The engine runs one bundle at a time;
// concurrent arrivals either wait their turn or are rejected, depending on
// the configured policy.
package runner
