// Package engine defines the boundary between the session runtime and the
// conversation engine that produces assistant turns.
//
// Invariants:
// - An engine reports everything it produces through its Sink as StreamEvents.
// - Process is never called concurrently on the same engine instance.
// - Optional behavior is discovered once through Resolve, never probed per call.
package engine
