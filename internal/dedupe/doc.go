// Package dedupe tracks recently processed execution reports so that
// redelivered reports are dropped instead of persisted twice.
package dedupe
