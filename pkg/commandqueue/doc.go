// Package commandqueue serializes turns for a single session.
//
// Invariants:
// - Messages are processed in the order Send accepted them.
// - At most one drain loop runs per queue, so the engine never sees two
//   concurrent Process calls from it.
// - A failed turn is reported once: if the engine already emitted an error
//   event for the turn, the queue does not report it again.
// - The local transcript grows by message id; the first copy of an id wins.
//
// Usage:
//
//	q := commandqueue.New(commandqueue.Config{SessionID: id, Engine: eng})
//	defer q.Close(ctx)
//	_ = q.Send(ctx, "summarize the build log")
package commandqueue
