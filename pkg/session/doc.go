// Package session multiplexes live conversation sessions onto one UI.
//
// Invariants:
// - While any session is live, exactly one is active.
// - Events from the active session are delivered to chunk listeners in the
//   order they were routed; events from other sessions are buffered in a
//   bounded drop-oldest buffer.
// - Switching to a session replays its buffer once, in order, through the
//   same delivery path as live events.
// - Session records are persisted on every lifecycle change; writes are
//   best-effort.
//
// Usage:
//
//	mux := session.NewMultiplexer(session.Config{Store: store, EngineFactory: factory})
//	mux.OnChunk(func(ev engine.StreamEvent) { fmt.Print(ev.Text) })
//	s, _ := mux.CreateSession(ctx, session.CreateOptions{CWD: "/work"})
//	_ = mux.Send(ctx, s.ID, "hello")
package session
