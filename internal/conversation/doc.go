// Package conversation manages conversation rooms on the controller.
//
// The service pages message history out of the store and persists every new
// message before it is fanned out, so room subscribers only ever observe
// durable state. The broadcaster is a plain in-memory pub/sub keyed by
// conversation ID; slow subscribers lose events rather than stall the rest
// of the room.
package conversation
